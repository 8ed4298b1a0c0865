package knowledge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbchat/internal/core"
	"kbchat/internal/identity"
)

// fakeRemote is an in-memory backend keyed by session token.
type fakeRemote struct {
	mu         sync.Mutex
	sessions   map[string]*core.KnowledgeStatus
	token      func() string
	uploads    []core.UploadRequest
	uploadErrs []error
	// applyFailed applies a failing upload anyway, as when the reply is lost.
	applyFailed bool
	statusErr   error
	statusCalls int
	// beforeUpload runs ahead of every upload, outside the lock.
	beforeUpload func(attempt int)
}

func newFakeRemote(token func() string) *fakeRemote {
	return &fakeRemote{sessions: make(map[string]*core.KnowledgeStatus), token: token}
}

func (f *fakeRemote) KnowledgeStatus(context.Context) (core.KnowledgeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return core.KnowledgeStatus{}, f.statusErr
	}
	if st, ok := f.sessions[f.token()]; ok {
		return *st, nil
	}
	return core.KnowledgeStatus{SessionID: f.token()}, nil
}

func (f *fakeRemote) UploadKnowledge(_ context.Context, req core.UploadRequest) (core.UploadResponse, error) {
	if f.beforeUpload != nil {
		f.beforeUpload(f.uploadCount())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, req)

	var err error
	if len(f.uploadErrs) > 0 {
		err = f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
	}
	if err == nil || f.applyFailed {
		st, ok := f.sessions[req.SessionID]
		if !ok {
			st = &core.KnowledgeStatus{SessionID: req.SessionID}
			f.sessions[req.SessionID] = st
		}
		st.HasKnowledge = true
		st.ChunkCount += len(req.KnowledgeChunks)
		st.Domains = append(st.Domains, req.Domains...)
	}
	if err != nil {
		return core.UploadResponse{}, err
	}
	return core.UploadResponse{
		Success:         true,
		SessionID:       req.SessionID,
		ChunksProcessed: len(req.KnowledgeChunks),
		Domains:         req.Domains,
	}, nil
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeRemote) lastUpload() core.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[len(f.uploads)-1]
}

type engineFixture struct {
	engine  *Engine
	store   *MemoryStore
	remote  *fakeRemote
	session *identity.Session
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()

	session := identity.NewRegistry().Bind("ns")
	remote := newFakeRemote(session.Token)
	store := NewMemoryStore()
	engine, err := NewEngine(Config{
		Store:   store,
		Remote:  remote,
		Session: session,
		Retry:   core.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return engineFixture{engine: engine, store: store, remote: remote, session: session}
}

func retryableTransport() error {
	return core.MarkRetryable(&core.TransportError{Op: "upload knowledge", StatusCode: 502})
}

func TestReconcileUploadsWholeCollectionOnce(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.store.Upsert(ctx, testRecord("ns", "A"))
	require.NoError(t, err)
	_, err = f.store.Upsert(ctx, testRecord("ns", "B"))
	require.NoError(t, err)

	res, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.True(t, res.Uploaded)
	require.True(t, res.Status.HasKnowledge)
	require.Equal(t, 2, res.Records)
	require.Equal(t, 1, f.remote.uploadCount())
	require.Equal(t, []string{"A", "B"}, f.remote.lastUpload().Domains)
	require.Equal(t, f.session.Token(), f.remote.lastUpload().SessionID)

	res, err = f.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.False(t, res.Uploaded)
	require.Equal(t, 1, f.remote.uploadCount())
}

func TestReconcileWithNothingLocalReturnsRemoteStatus(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	res, err := f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.False(t, res.Uploaded)
	require.False(t, res.Status.HasKnowledge)
	require.Zero(t, f.remote.uploadCount())
}

func TestReconcileStatusFailure(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.remote.statusErr = &core.TransportError{Op: "knowledge status", StatusCode: 429}
	_, err := f.engine.Reconcile(context.Background())
	require.True(t, core.IsRateLimited(err), "err = %v", err)
}

func TestAddUploadsDeltaOnly(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	res, err := f.engine.Add(ctx, testRecord("ignored", "A"))
	require.NoError(t, err)
	require.Equal(t, OpDeltaUpload, res.Op)
	require.Equal(t, "ns", res.Record.NamespaceID)

	res, err = f.engine.Add(ctx, testRecord("ns", "B"))
	require.NoError(t, err)
	require.Equal(t, OpDeltaUpload, res.Op)
	require.Equal(t, 2, res.Remaining)
	require.Equal(t, 2, f.remote.uploadCount())
	require.Equal(t, []string{"B"}, f.remote.lastUpload().Domains)
}

func TestAddDuplicateIsIgnored(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Add(ctx, testRecord("ns", "A"))
	require.NoError(t, err)

	dup := testRecord("ns", "A")
	dup.LocalID = "other"
	res, err := f.engine.Add(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateRecord)
	require.Equal(t, OpNone, res.Op)
	require.Equal(t, "id-A", res.Record.LocalID)

	records, err := f.engine.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, f.remote.uploadCount())
}

func TestAddRetryChecksRemoteBeforeResending(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.remote.uploadErrs = []error{retryableTransport()}
	f.remote.applyFailed = true

	res, err := f.engine.Add(context.Background(), testRecord("ns", "A"))
	require.NoError(t, err)
	require.Equal(t, OpDeltaUpload, res.Op)
	require.Equal(t, 1, f.remote.uploadCount())

	st, err := f.remote.KnowledgeStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, st.Domains)
}

func TestAddRetriesWhenRemoteIsMissingRecord(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.remote.uploadErrs = []error{retryableTransport()}

	_, err := f.engine.Add(context.Background(), testRecord("ns", "A"))
	require.NoError(t, err)
	require.Equal(t, 2, f.remote.uploadCount())
	require.Equal(t, 1, f.remote.statusCalls)
}

func TestAddRetryUsesTokenRotatedDuringBackoff(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.remote.uploadErrs = []error{retryableTransport()}
	f.remote.beforeUpload = func(attempt int) {
		if attempt == 0 {
			f.session.Reset()
		}
	}
	stale := f.session.Token()

	_, err := f.engine.Add(context.Background(), testRecord("ns", "A"))
	require.NoError(t, err)
	require.Equal(t, 2, f.remote.uploadCount())

	live := f.session.Token()
	require.NotEqual(t, stale, live)
	retried := f.remote.lastUpload()
	require.Equal(t, live, retried.SessionID)

	st, err := f.remote.KnowledgeStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, st.Domains)
}

func TestAddFailureKeepsLocalRecord(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	f.remote.uploadErrs = []error{&core.TransportError{Op: "upload knowledge", StatusCode: 400}}

	res, err := f.engine.Add(context.Background(), testRecord("ns", "A"))
	require.ErrorIs(t, err, core.ErrTransport)
	require.Equal(t, OpDeltaUpload, res.Op)
	require.Equal(t, 1, f.remote.uploadCount())

	records, err := f.engine.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRemoveNonLastReplacesUnderFreshSession(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Add(ctx, testRecord("ns", "A"))
	require.NoError(t, err)
	_, err = f.engine.Add(ctx, testRecord("ns", "B"))
	require.NoError(t, err)
	before := f.session.Token()

	res, err := f.engine.Remove(ctx, "id-A")
	require.NoError(t, err)
	require.Equal(t, OpFullReplace, res.Op)
	require.Equal(t, "A", res.Record.JobRef)
	require.Equal(t, 1, res.Remaining)

	after := f.session.Token()
	require.NotEqual(t, before, after)
	last := f.remote.lastUpload()
	require.Equal(t, after, last.SessionID)
	require.Equal(t, []string{"B"}, last.Domains)

	st, err := f.remote.KnowledgeStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, st.Domains)
}

func TestRemoveLastResetsWithoutUpload(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Add(ctx, testRecord("ns", "A"))
	require.NoError(t, err)
	before := f.session.Token()

	res, err := f.engine.Remove(ctx, "id-A")
	require.NoError(t, err)
	require.Equal(t, OpReset, res.Op)
	require.NotEqual(t, before, f.session.Token())
	require.Equal(t, 1, f.remote.uploadCount())

	_, err = f.engine.Remove(ctx, "id-A")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestClearResetsSession(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Add(ctx, testRecord("ns", "A"))
	require.NoError(t, err)
	_, err = f.engine.Add(ctx, testRecord("ns", "B"))
	require.NoError(t, err)
	before := f.session.Token()

	res, err := f.engine.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, OpReset, res.Op)
	require.NotEqual(t, before, f.session.Token())

	records, err := f.engine.Records(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Equal(t, 2, f.remote.uploadCount())
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Config{})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrDuplicateRecord))
}
