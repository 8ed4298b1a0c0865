// Package conversation owns the message log and drives one streamed turn at a
// time.
package conversation

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

var (
	// ErrStreamerRequired indicates a missing streaming backend.
	ErrStreamerRequired = errors.New("streamer is required")
	// ErrTurnInProgress indicates another turn is live.
	ErrTurnInProgress = errors.New("a response is already streaming")
	// ErrEmptyMessage indicates blank input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMessageNotFound indicates an unknown message id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrWrongRole indicates the operation does not apply to the message's role.
	ErrWrongRole = errors.New("operation does not apply to this message")
	// ErrUnpaired indicates an assistant message with no preceding user message.
	ErrUnpaired = errors.New("assistant message has no user message to replay")
)

// TurnState is the per-turn machine.
type TurnState string

const (
	TurnIdle       TurnState = "idle"
	TurnSending    TurnState = "sending"
	TurnStreaming  TurnState = "streaming"
	TurnFinalizing TurnState = "finalizing"
)

// Streamer opens one streamed chat exchange.
type Streamer interface {
	Stream(ctx context.Context, req core.ChatRequest) (<-chan core.Event, error)
}

// Config configures an Engine.
type Config struct {
	Streamer Streamer
	// Gate reports whether the knowledge precondition holds. Nil means it
	// always holds.
	Gate     func() bool
	Chat     core.ChatConfig
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
	OnChange func(Snapshot)
}

// Snapshot is a copy of the engine's observable state.
type Snapshot struct {
	Messages []Message
	State    TurnState
	Typing   bool
	LiveID   string
	// Version increases with every snapshot; consumers can drop stale ones.
	Version uint64
}

// Turn is the handle of one started turn.
type Turn struct {
	UserID      string
	AssistantID string

	done    chan struct{}
	outcome core.Outcome
}

// Done is closed when the turn reaches its terminal outcome.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn finishes or ctx is done.
func (t *Turn) Wait(ctx context.Context) (core.Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return core.Outcome{}, ctx.Err()
	}
}

func finishedTurn(userID, assistantID string, outcome core.Outcome) *Turn {
	t := &Turn{UserID: userID, AssistantID: assistantID, done: make(chan struct{}), outcome: outcome}
	close(t.done)
	return t
}

// liveTurn is the single in-flight turn. Engine.live is nil when idle.
type liveTurn struct {
	turn       *Turn
	cancel     context.CancelFunc
	state      TurnState
	canceled   bool
	gotContent bool
}

// Engine is the conversation state machine.
type Engine struct {
	streamer Streamer
	gate     func() bool
	chat     core.ChatConfig
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	onChange func(Snapshot)

	mu       sync.Mutex
	messages []Message
	pairs    pairs
	live     *liveTurn
	typing   bool
	version  uint64
}

// New constructs an engine with defaults applied.
func New(cfg Config) (*Engine, error) {
	if cfg.Streamer == nil {
		return nil, ErrStreamerRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := cfg.Gate
	if gate == nil {
		gate = func() bool { return true }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Engine{
		streamer: cfg.Streamer,
		gate:     gate,
		chat:     cfg.Chat,
		logger:   logger,
		now:      now,
		newID:    newID,
		onChange: cfg.OnChange,
		pairs:    pairMessages(nil),
	}, nil
}

// Messages returns a copy of the log.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyMessagesLocked()
}

// Snapshot returns a copy of the observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// AssistantFor returns the assistant message answering userID.
func (e *Engine) AssistantFor(userID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.pairs.assistantFor[userID]
	return id, ok
}

// UserFor returns the user message an assistant message answers.
func (e *Engine) UserFor(assistantID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.pairs.userFor[assistantID]
	return id, ok
}

// Send appends a user message and starts a turn. When the knowledge
// precondition fails a canned answer is appended instead and no request is
// made; the returned turn is already finished.
func (e *Engine) Send(ctx context.Context, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	e.mu.Lock()
	if e.live != nil {
		e.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	user := Message{
		ID:        e.newID(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: e.now(),
		Status:    Status{IsComplete: true},
	}
	e.messages = append(e.messages, user)
	turn := e.openTurnLocked(ctx, user)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(snap)
	return turn, nil
}

// Cancel aborts the live turn. It reports false when no turn is live.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	lt := e.live
	if lt == nil || lt.canceled {
		e.mu.Unlock()
		return false
	}
	e.cancelLocked(lt)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(snap)
	return true
}

// Retry re-runs a past assistant message using its paired user message's
// current content. A live target is cancelled first; another live message
// blocks the retry.
func (e *Engine) Retry(ctx context.Context, assistantID string) (*Turn, error) {
	e.mu.Lock()
	turn, err := e.retryLocked(ctx, assistantID)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.notify(snap)
	return turn, nil
}

func (e *Engine) retryLocked(ctx context.Context, assistantID string) (*Turn, error) {
	if _, err := e.indexLocked(assistantID, RoleAssistant); err != nil {
		return nil, err
	}
	if e.live != nil {
		if e.live.turn.AssistantID != assistantID {
			return nil, ErrTurnInProgress
		}
		if err := e.cancelAndWaitLocked(ctx); err != nil {
			return nil, err
		}
	}

	idx, err := e.indexLocked(assistantID, RoleAssistant)
	if err != nil {
		return nil, err
	}
	userID, ok := e.pairs.userFor[assistantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnpaired, assistantID)
	}
	userIdx, err := e.indexLocked(userID, RoleUser)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("retrying answer", zap.String("assistant_id", assistantID))
	return e.reopenLocked(ctx, e.messages[userIdx], idx), nil
}

// Edit rewrites a user message, truncates the log right after it and starts a
// fresh turn. A live turn later in the log is cancelled first.
func (e *Engine) Edit(ctx context.Context, userID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	e.mu.Lock()
	turn, err := e.editLocked(ctx, userID, text)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.notify(snap)
	return turn, nil
}

func (e *Engine) editLocked(ctx context.Context, userID, text string) (*Turn, error) {
	idx, err := e.indexLocked(userID, RoleUser)
	if err != nil {
		return nil, err
	}
	if e.live != nil {
		liveIdx, _ := e.indexLocked(e.live.turn.AssistantID, RoleAssistant)
		if liveIdx < idx {
			return nil, ErrTurnInProgress
		}
		if err := e.cancelAndWaitLocked(ctx); err != nil {
			return nil, err
		}
		if idx, err = e.indexLocked(userID, RoleUser); err != nil {
			return nil, err
		}
	}

	e.messages[idx].Content = text
	e.messages = e.messages[:idx+1]
	e.pairs = pairMessages(e.messages)
	e.logger.Debug("conversation truncated for edit", zap.Int("length", len(e.messages)))
	return e.openTurnLocked(ctx, e.messages[idx]), nil
}

// openTurnLocked appends an assistant message for user and starts streaming
// into it, or appends the canned no-knowledge answer when the gate is closed.
func (e *Engine) openTurnLocked(ctx context.Context, user Message) *Turn {
	assistant := Message{
		ID:        e.newID(),
		Role:      RoleAssistant,
		CreatedAt: e.now(),
	}
	e.messages = append(e.messages, assistant)
	e.pairs = pairMessages(e.messages)
	return e.reopenLocked(ctx, user, len(e.messages)-1)
}

// reopenLocked resets the assistant message at idx and starts a turn for it.
func (e *Engine) reopenLocked(ctx context.Context, user Message, idx int) *Turn {
	msg := &e.messages[idx]
	msg.Content = ""
	msg.Status = Status{}

	if !e.gate() {
		msg.Content = TextNoKnowledge
		msg.Status.IsComplete = true
		e.logger.Debug("send blocked, no knowledge for session")
		return finishedTurn(user.ID, msg.ID, core.Failed("", core.ErrPreconditionFailed))
	}

	turnCtx, cancel := context.WithCancel(ctx)
	lt := &liveTurn{
		turn:   &Turn{UserID: user.ID, AssistantID: msg.ID, done: make(chan struct{})},
		cancel: cancel,
		state:  TurnSending,
	}
	e.live = lt
	e.typing = true

	req := core.ChatRequest{Message: user.Content, Config: e.chat}
	go e.run(turnCtx, lt, req)
	return lt.turn
}

func (e *Engine) run(ctx context.Context, lt *liveTurn, req core.ChatRequest) {
	defer lt.cancel()

	events, err := e.streamer.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			e.finish(lt, core.Aborted(""))
			return
		}
		e.finish(lt, core.Failed("", err))
		return
	}

	var outcome *core.Outcome
	for ev := range events {
		switch ev.Type {
		case core.EventContent:
			e.applyContent(lt, ev.Content)
		case core.EventOutcome:
			if ev.Outcome != nil && outcome == nil {
				o := *ev.Outcome
				outcome = &o
			}
		}
	}
	if outcome == nil {
		o := core.Failed("", &core.ProtocolError{Message: "stream ended without an outcome"})
		outcome = &o
	}
	e.finish(lt, *outcome)
}

// applyContent appends one delta. The first delta moves the turn to streaming
// and clears the typing flag. Deltas arriving after a cancel request are
// dropped.
func (e *Engine) applyContent(lt *liveTurn, content string) {
	e.mu.Lock()
	if e.live != lt || lt.canceled {
		e.mu.Unlock()
		return
	}
	idx, err := e.indexLocked(lt.turn.AssistantID, RoleAssistant)
	if err != nil {
		e.mu.Unlock()
		return
	}
	e.messages[idx].Content += content
	if !lt.gotContent {
		lt.gotContent = true
		lt.state = TurnStreaming
		e.typing = false
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

func (e *Engine) finish(lt *liveTurn, outcome core.Outcome) {
	e.mu.Lock()
	lt.state = TurnFinalizing
	if idx, err := e.indexLocked(lt.turn.AssistantID, RoleAssistant); err == nil {
		msg := &e.messages[idx]
		switch {
		case lt.canceled || outcome.Kind == core.OutcomeAborted:
			msg.Status.IsAborted = true
			msg.Status.IsComplete = false
		case outcome.Kind == core.OutcomeCompleted:
			if outcome.Text != "" || msg.Content == "" {
				msg.Content = outcome.Text
			}
			msg.Status.IsComplete = true
			msg.Status.Sources = core.CloneSources(outcome.Sources)
			msg.Status.Metadata = outcome.Metadata.Clone()
			if c, ok := outcome.Metadata.Confidence(); ok {
				msg.Status.Confidence = &c
			}
		default:
			msg.Content = FailureText(outcome.Err)
			msg.Status.IsComplete = true
		}
	}
	if lt.canceled && outcome.Kind != core.OutcomeAborted {
		outcome = core.Aborted(outcome.Text)
	}

	lt.turn.outcome = outcome
	if e.live == lt {
		e.live = nil
		e.typing = false
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Debug("turn finished",
		zap.String("assistant_id", lt.turn.AssistantID),
		zap.String("outcome", string(outcome.Kind)),
		zap.Error(outcome.Err),
	)
	close(lt.turn.done)
	e.notify(snap)
}

// cancelLocked requests cancellation and marks the message aborted.
func (e *Engine) cancelLocked(lt *liveTurn) {
	lt.canceled = true
	lt.cancel()
	e.typing = false
	if idx, err := e.indexLocked(lt.turn.AssistantID, RoleAssistant); err == nil {
		e.messages[idx].Status.IsAborted = true
		e.messages[idx].Status.IsComplete = false
	}
}

// cancelAndWaitLocked cancels the live turn and waits for it to finish. The
// lock is released while waiting and held again on return.
func (e *Engine) cancelAndWaitLocked(ctx context.Context) error {
	for e.live != nil {
		lt := e.live
		if !lt.canceled {
			e.cancelLocked(lt)
		}
		e.mu.Unlock()
		select {
		case <-lt.turn.done:
		case <-ctx.Done():
			e.mu.Lock()
			return ctx.Err()
		}
		e.mu.Lock()
	}
	return nil
}

func (e *Engine) indexLocked(id string, role Role) (int, error) {
	for i := range e.messages {
		if e.messages[i].ID != id {
			continue
		}
		if e.messages[i].Role != role {
			return -1, fmt.Errorf("%w: %s is a %s message", ErrWrongRole, id, e.messages[i].Role)
		}
		return i, nil
	}
	return -1, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (e *Engine) copyMessagesLocked() []Message {
	out := make([]Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.clone()
	}
	return out
}

func (e *Engine) snapshotLocked() Snapshot {
	e.version++
	snap := Snapshot{
		Version:  e.version,
		Messages: e.copyMessagesLocked(),
		State:    TurnIdle,
		Typing:   e.typing,
	}
	if e.live != nil {
		snap.State = e.live.state
		snap.LiveID = e.live.turn.AssistantID
	}
	return snap
}

func (e *Engine) notify(snap Snapshot) {
	if e.onChange != nil {
		e.onChange(snap)
	}
}
