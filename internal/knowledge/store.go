package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"kbchat/internal/core"
)

// Store is a keyed record store. Upsert keys on (NamespaceID, JobRef) and
// keeps the existing LocalID when the key is already present. List returns
// records in insertion order.
type Store interface {
	Upsert(ctx context.Context, rec Record) (Record, error)
	List(ctx context.Context, namespace string) ([]Record, error)
	Delete(ctx context.Context, namespace, localID string) error
	Clear(ctx context.Context, namespace string) error
	Close() error
}

// Store kinds accepted by OpenStore.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// OpenStore opens the store selected by kind. path is a directory for file
// stores and a database file for sqlite.
func OpenStore(ctx context.Context, kind, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", StoreMemory:
		return NewMemoryStore(), nil
	case StoreFile:
		return NewFileStore(path)
	case StoreSQLite:
		return OpenSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("unknown knowledge store %q", kind)
	}
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]Record
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record)}
}

func (s *MemoryStore) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.NamespaceID] = upsertRecord(s.records[rec.NamespaceID], rec, &rec)
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context, namespace string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecords(s.records[namespace]), nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace, localID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept, ok := deleteRecord(s.records[namespace], localID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, localID)
	}
	s.records[namespace] = kept
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, namespace)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// upsertRecord replaces or appends rec; stored receives the record as kept.
func upsertRecord(records []Record, rec Record, stored *Record) []Record {
	for i := range records {
		if records[i].JobRef == rec.JobRef {
			rec.LocalID = records[i].LocalID
			rec.CreatedAt = records[i].CreatedAt
			records[i] = rec
			*stored = rec
			return records
		}
	}
	*stored = rec
	return append(records, rec)
}

func deleteRecord(records []Record, localID string) ([]Record, bool) {
	for i := range records {
		if records[i].LocalID == localID {
			return append(records[:i:i], records[i+1:]...), true
		}
	}
	return records, false
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, rec := range records {
		rec.Chunks = append([]core.KnowledgeChunk(nil), rec.Chunks...)
		out[i] = rec
	}
	return out
}
