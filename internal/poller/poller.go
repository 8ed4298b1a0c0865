// Package poller keeps the assistant status current by probing the backend on
// an adaptive cadence.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kbchat/internal/core"
	"kbchat/internal/knowledge"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultBackoffBase    = 2 * time.Second
	DefaultBackoffCap     = 30 * time.Second
	DefaultRateLimitDelay = 60 * time.Second
	DefaultErrorDelay     = 15 * time.Second
)

// Prober checks backend liveness. Implementations bound the call themselves.
type Prober interface {
	Health(ctx context.Context) error
}

// Reconciler brings remote knowledge in line with local records.
type Reconciler interface {
	Reconcile(ctx context.Context) (knowledge.ReconcileResult, error)
}

// Config configures a Poller.
type Config struct {
	Prober         Prober
	Reconciler     Reconciler
	Clock          Clock
	Logger         *zap.Logger
	Interval       time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RateLimitDelay time.Duration
	ErrorDelay     time.Duration
	// OnChange receives a snapshot after every state change.
	OnChange func(Snapshot)
}

// Snapshot is a copy of the poller's observable state.
type Snapshot struct {
	State       State
	Message     string
	Status      core.KnowledgeStatus
	LastChecked time.Time
	NextDelay   time.Duration
}

// Ready reports whether the session has knowledge to answer from.
func (s Snapshot) Ready() bool {
	return s.Status.HasKnowledge
}

// Poller runs a self-scheduling, non-overlapping status loop.
type Poller struct {
	prober     Prober
	reconciler Reconciler
	clock      Clock
	logger     *zap.Logger
	interval   time.Duration
	rateDelay  time.Duration
	errDelay   time.Duration
	onChange   func(Snapshot)

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu        sync.Mutex
	backoff   Backoff
	snap      Snapshot
	uploading bool
	forced    bool
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	timer     Timer
	gen       uint64
}

// New constructs a poller with defaults applied.
func New(cfg Config) (*Poller, error) {
	if cfg.Prober == nil || cfg.Reconciler == nil {
		return nil, errors.New("poller requires prober and reconciler")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}

	return &Poller{
		prober:     cfg.Prober,
		reconciler: cfg.Reconciler,
		clock:      clock,
		logger:     logger,
		interval:   orDefault(cfg.Interval, DefaultInterval),
		rateDelay:  orDefault(cfg.RateLimitDelay, DefaultRateLimitDelay),
		errDelay:   orDefault(cfg.ErrorDelay, DefaultErrorDelay),
		onChange:   cfg.OnChange,
		backoff: Backoff{
			Base: orDefault(cfg.BackoffBase, DefaultBackoffBase),
			Cap:  orDefault(cfg.BackoffCap, DefaultBackoffCap),
		},
		snap: Snapshot{State: StateConnecting},
	}, nil
}

// Snapshot returns the current observable state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Start schedules the first tick immediately. Later calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.scheduleLocked(0)
	p.mu.Unlock()

	p.logger.Debug("poller started", zap.Duration("interval", p.interval))
}

// Stop cancels the pending tick and any in-flight probe, then waits for the
// loop to wind down.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("poller stopped")
}

// ForceRefresh cancels the pending tick, resets the backoff and ticks now. A
// tick already in flight reschedules itself immediately instead.
func (p *Poller) ForceRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	p.backoff.Reset()
	if p.inFlight.Load() {
		p.forced = true
		return
	}
	p.scheduleLocked(0)
}

// BeginUpload marks a user-driven upload as in progress.
func (p *Poller) BeginUpload() {
	p.mu.Lock()
	p.uploading = true
	p.snap.State = StateUploading
	p.snap.Message = ""
	snap := p.snap
	p.mu.Unlock()
	p.notify(snap)
}

// EndUpload clears the upload flag and applies the mutation's remote effect.
// A rotated session holds no knowledge until a tick observes some; a
// successful upload moves the status to processing.
func (p *Poller) EndUpload(op knowledge.Op, err error) {
	p.mu.Lock()
	p.uploading = false
	if op == knowledge.OpReset || op == knowledge.OpFullReplace {
		p.clearStatusLocked()
	}
	switch {
	case err == nil && (op == knowledge.OpDeltaUpload || op == knowledge.OpFullReplace):
		p.snap.State = StateProcessing
	case p.snap.State == StateUploading:
		p.snap.State = DeriveState(Observation{HasKnowledge: p.snap.Status.HasKnowledge}, Flags{})
	}
	snap := p.snap
	p.mu.Unlock()
	p.notify(snap)
}

// SessionReset forgets the observed remote status after the session token
// rotated outside a mutation.
func (p *Poller) SessionReset() {
	p.mu.Lock()
	p.clearStatusLocked()
	switch p.snap.State {
	case StateReady, StateProcessing:
		p.snap.State = StateNoKnowledge
	}
	snap := p.snap
	p.mu.Unlock()
	p.notify(snap)
}

func (p *Poller) clearStatusLocked() {
	p.snap.Status = core.KnowledgeStatus{}
}

// Tick runs one probe-and-reconcile pass. It returns false without doing
// anything when another tick is in flight. When the loop is running the next
// tick is rescheduled from the result.
func (p *Poller) Tick(ctx context.Context) (time.Duration, bool) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("tick skipped, another tick in flight")
		return 0, false
	}
	delay := p.tick(ctx)

	p.mu.Lock()
	if p.forced {
		p.forced = false
		p.backoff.Reset()
		delay = 0
	}
	p.snap.NextDelay = delay
	p.inFlight.Store(false)
	if p.started {
		p.scheduleLocked(delay)
	}
	p.mu.Unlock()
	return delay, true
}

func (p *Poller) tick(ctx context.Context) time.Duration {
	if err := p.prober.Health(ctx); err != nil {
		return p.fail(ctx, err)
	}
	res, err := p.reconciler.Reconcile(ctx)
	if err != nil {
		return p.fail(ctx, err)
	}

	p.mu.Lock()
	prev := p.snap.State
	next := DeriveState(
		Observation{HasKnowledge: res.Status.HasKnowledge, Uploaded: res.Uploaded},
		Flags{Uploading: p.uploading, Previous: prev},
	)
	p.snap.State = next
	p.snap.Message = ""
	p.snap.Status = res.Status
	p.snap.LastChecked = p.clock.Now()

	var delay time.Duration
	if next.Busy() {
		delay = p.backoff.Next()
	} else {
		p.backoff.Reset()
		delay = p.interval
	}
	snap := p.snap
	p.mu.Unlock()

	if prev != next {
		p.logger.Info("assistant status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Int("chunks", res.Status.ChunkCount),
		)
	}
	p.notify(snap)
	return delay
}

// fail handles a probe or reconcile failure. Rate limiting leaves the status
// untouched.
func (p *Poller) fail(ctx context.Context, err error) time.Duration {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return p.interval
	}
	if core.IsRateLimited(err) {
		p.logger.Debug("backend rate limited", zap.Duration("delay", p.rateDelay))
		return p.rateDelay
	}

	p.mu.Lock()
	p.backoff.Reset()
	p.snap.State = StateBackendError
	p.snap.Message = err.Error()
	p.snap.LastChecked = p.clock.Now()
	snap := p.snap
	p.mu.Unlock()

	p.logger.Warn("status probe failed", zap.Error(err), zap.Duration("retry_in", p.errDelay))
	p.notify(snap)
	return p.errDelay
}

// scheduleLocked replaces the pending tick. p.mu must be held.
func (p *Poller) scheduleLocked(delay time.Duration) {
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(delay, func() { p.fire(gen) })
}

func (p *Poller) fire(gen uint64) {
	p.mu.Lock()
	if p.stopped || gen != p.gen {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	p.Tick(ctx)
}

func (p *Poller) notify(snap Snapshot) {
	if p.onChange != nil {
		p.onChange(snap)
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
