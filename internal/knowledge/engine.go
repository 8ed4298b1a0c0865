// Package knowledge keeps local job-result records and reconciles them with
// the remote session's knowledge.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kbchat/internal/core"
)

// ErrDuplicateRecord is returned when a job reference is already stored for
// the namespace. Nothing is uploaded.
var ErrDuplicateRecord = errors.New("job result already added")

// Op is the remote effect of one mutation.
type Op string

const (
	OpNone        Op = ""
	OpDeltaUpload Op = "delta-upload"
	OpFullReplace Op = "full-replace"
	OpReset       Op = "reset"
)

// Remote is the backend surface the engine needs.
type Remote interface {
	KnowledgeStatus(ctx context.Context) (core.KnowledgeStatus, error)
	UploadKnowledge(ctx context.Context, req core.UploadRequest) (core.UploadResponse, error)
}

// Session is the namespace-bound session identity.
type Session interface {
	Namespace() string
	Token() string
	Reset() string
}

// Config configures an Engine.
type Config struct {
	Store   Store
	Remote  Remote
	Session Session
	Retry   core.RetryPolicy
	Logger  *zap.Logger
}

// Result describes one mutation.
type Result struct {
	Op     Op
	Record Record
	// Remaining is the local record count after the mutation.
	Remaining int
}

// ReconcileResult describes one reconcile pass.
type ReconcileResult struct {
	// Status is the remote status, updated from the upload reply when one ran.
	Status   core.KnowledgeStatus
	Uploaded bool
	Records  int
}

// Engine owns local knowledge records for one namespace and keeps the remote
// session consistent with them. Operations are serialized.
type Engine struct {
	mu      sync.Mutex
	store   Store
	remote  Remote
	session Session
	retry   core.RetryPolicy
	logger  *zap.Logger
}

// NewEngine constructs an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Remote == nil || cfg.Session == nil {
		return nil, errors.New("knowledge engine requires store, remote and session")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   cfg.Store,
		remote:  cfg.Remote,
		session: cfg.Session,
		retry:   cfg.Retry.Normalize(),
		logger:  logger.With(zap.String("namespace", cfg.Session.Namespace())),
	}, nil
}

// Namespace returns the namespace the engine serves.
func (e *Engine) Namespace() string { return e.session.Namespace() }

// Records lists local records.
func (e *Engine) Records(ctx context.Context) ([]Record, error) {
	return e.store.List(ctx, e.session.Namespace())
}

// Reconcile uploads the whole local collection when the remote session has
// no knowledge. It is a no-op when the remote has knowledge or nothing is
// stored locally.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, err := e.remote.KnowledgeStatus(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("read knowledge status: %w", err)
	}
	if status.HasKnowledge {
		return ReconcileResult{Status: status}, nil
	}

	records, err := e.store.List(ctx, e.session.Namespace())
	if err != nil {
		return ReconcileResult{Status: status}, fmt.Errorf("list records: %w", err)
	}
	if len(records) == 0 {
		return ReconcileResult{Status: status}, nil
	}

	resp, err := e.upload(ctx, records)
	if err != nil {
		return ReconcileResult{Status: status, Records: len(records)}, err
	}
	e.logger.Info("reconciled knowledge", zap.Int("records", len(records)), zap.Int("chunks", resp.ChunksProcessed))
	return ReconcileResult{
		Status:   statusAfterUpload(status, resp, records),
		Uploaded: true,
		Records:  len(records),
	}, nil
}

// Add stores rec and uploads it alone. A job reference already present in the
// namespace is ignored and reported as ErrDuplicateRecord. When the upload
// fails the record stays stored and the next reconcile can carry it.
func (e *Engine) Add(ctx context.Context, rec Record) (Result, error) {
	rec.NamespaceID = e.session.Namespace()
	rec.JobRef = strings.TrimSpace(rec.JobRef)
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := rec.Validate(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.store.List(ctx, rec.NamespaceID)
	if err != nil {
		return Result{}, fmt.Errorf("list records: %w", err)
	}
	for _, existing := range records {
		if existing.JobRef == rec.JobRef {
			return Result{Op: OpNone, Record: existing, Remaining: len(records)},
				fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.JobRef)
		}
	}

	stored, err := e.store.Upsert(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("store record: %w", err)
	}
	result := Result{Op: OpDeltaUpload, Record: stored, Remaining: len(records) + 1}
	if _, err := e.upload(ctx, []Record{stored}); err != nil {
		return result, err
	}
	e.logger.Info("added knowledge", zap.String("job_ref", stored.JobRef), zap.Int("chunks", len(stored.Chunks)))
	return result, nil
}

// Remove deletes one record. Survivors are re-uploaded under a fresh session;
// removing the last record only resets the session.
func (e *Engine) Remove(ctx context.Context, localID string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	namespace := e.session.Namespace()
	records, err := e.store.List(ctx, namespace)
	if err != nil {
		return Result{}, fmt.Errorf("list records: %w", err)
	}
	var removed Record
	for _, rec := range records {
		if rec.LocalID == localID {
			removed = rec
		}
	}
	if removed.LocalID == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrRecordNotFound, localID)
	}
	if err := e.store.Delete(ctx, namespace, localID); err != nil {
		return Result{}, fmt.Errorf("delete record: %w", err)
	}

	survivors, err := e.store.List(ctx, namespace)
	if err != nil {
		return Result{}, fmt.Errorf("list records: %w", err)
	}
	e.resetSession()
	if len(survivors) == 0 {
		return Result{Op: OpReset, Record: removed}, nil
	}

	result := Result{Op: OpFullReplace, Record: removed, Remaining: len(survivors)}
	if _, err := e.upload(ctx, survivors); err != nil {
		return result, err
	}
	e.logger.Info("replaced knowledge", zap.String("removed", removed.JobRef), zap.Int("records", len(survivors)))
	return result, nil
}

// Clear deletes every local record and resets the session.
func (e *Engine) Clear(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Clear(ctx, e.session.Namespace()); err != nil {
		return Result{}, fmt.Errorf("clear records: %w", err)
	}
	e.resetSession()
	return Result{Op: OpReset}, nil
}

func (e *Engine) resetSession() {
	token := e.session.Reset()
	e.logger.Debug("session reset", zap.Int("token_len", len(token)))
}

// upload sends records in one request under the live token, read again for
// every attempt. A retryable
// failure is retried only after the remote status shows the job references
// are still missing.
func (e *Engine) upload(ctx context.Context, records []Record) (core.UploadResponse, error) {
	var (
		req     core.UploadRequest
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		// The token may rotate while a retry waits.
		req = uploadPayload(e.session.Token(), records)
		resp, err := e.remote.UploadKnowledge(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !core.IsRetryableError(err) || attempt >= e.retry.MaxRetries {
			break
		}

		delay := e.retry.Delay(attempt)
		e.logger.Warn("knowledge upload failed, verifying before retry",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := core.SleepContext(ctx, delay); err != nil {
			return core.UploadResponse{}, err
		}

		status, statusErr := e.remote.KnowledgeStatus(ctx)
		if statusErr == nil && hasAllDomains(status, req.Domains) {
			e.logger.Info("upload already applied remotely", zap.Strings("domains", req.Domains))
			return core.UploadResponse{
				Success:         true,
				SessionID:       req.SessionID,
				ChunksProcessed: len(req.KnowledgeChunks),
				Domains:         req.Domains,
			}, nil
		}
	}
	return core.UploadResponse{}, fmt.Errorf("upload knowledge: %w", lastErr)
}

func hasAllDomains(status core.KnowledgeStatus, domains []string) bool {
	if !status.HasKnowledge {
		return false
	}
	for _, d := range domains {
		if !status.HasDomain(d) {
			return false
		}
	}
	return true
}

func statusAfterUpload(before core.KnowledgeStatus, resp core.UploadResponse, records []Record) core.KnowledgeStatus {
	status := before
	status.HasKnowledge = resp.ChunksProcessed > 0 || len(records) > 0
	status.ChunkCount = resp.ChunksProcessed
	status.Domains = resp.Domains
	if len(status.Domains) == 0 {
		for _, rec := range records {
			status.Domains = append(status.Domains, rec.JobRef)
		}
	}
	if resp.SessionID != "" {
		status.SessionID = resp.SessionID
	}
	return status
}
