package knowledge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	recordFileExt     = ".jsonl"
	maxJSONLLineSize  = 8 * 1024 * 1024
	defaultStoreDir   = "knowledge"
	recordFileDirMode = 0o755
)

var (
	ErrStoreDirRequired = errors.New("knowledge store directory is required")
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// FileStore keeps one JSONL file per namespace, one record per line. Every
// mutation rewrites the namespace file through a rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore constructs a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrStoreDirRequired
	}
	return &FileStore{dir: root}, nil
}

// DefaultDir returns the canonical store directory under a data root.
func DefaultDir(dataRoot string) string {
	return filepath.Join(dataRoot, defaultStoreDir)
}

func (s *FileStore) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx, rec.NamespaceID)
	if err != nil {
		return Record{}, err
	}
	var stored Record
	records = upsertRecord(records, rec, &stored)
	if err := s.write(rec.NamespaceID, records); err != nil {
		return Record{}, err
	}
	return stored, nil
}

func (s *FileStore) List(ctx context.Context, namespace string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, namespace)
}

func (s *FileStore) Delete(ctx context.Context, namespace, localID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx, namespace)
	if err != nil {
		return err
	}
	kept, ok := deleteRecord(records, localID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, localID)
	}
	return s.write(namespace, kept)
}

func (s *FileStore) Clear(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.namespacePath(namespace)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove namespace file %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load(ctx context.Context, namespace string) ([]Record, error) {
	path, err := s.namespacePath(namespace)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open namespace file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLineSize)

	var records []Record
	lineNum := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode record line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("decode record line too large (> %d bytes): %w", maxJSONLLineSize, err)
		}
		return nil, fmt.Errorf("scan namespace file: %w", err)
	}
	return records, nil
}

func (s *FileStore) write(namespace string, records []Record) error {
	path, err := s.namespacePath(namespace)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, recordFileDirMode); err != nil {
		return fmt.Errorf("create store dir %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp namespace file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	writer := bufio.NewWriter(tmp)
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("marshal record %s: %w", rec.LocalID, err)
		}
		_, _ = writer.Write(raw)
		_ = writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write namespace file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close namespace file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace namespace file %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) namespacePath(namespace string) (string, error) {
	ns := strings.TrimSpace(namespace)
	if ns == "" || strings.ContainsAny(ns, `/\`) || ns == "." || ns == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	return filepath.Join(s.dir, ns+recordFileExt), nil
}
