// Package orchestrator wires the session identity, knowledge sync, status
// poller and conversation engine for one namespace.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kbchat/internal/backend"
	"kbchat/internal/conversation"
	"kbchat/internal/core"
	"kbchat/internal/identity"
	"kbchat/internal/knowledge"
	"kbchat/internal/poller"
)

// Config configures an Assistant.
type Config struct {
	Namespace string
	Registry  *identity.Registry
	// Backend is used as given except for Tokens and Logger.
	Backend backend.Config
	Store   knowledge.Store
	Chat    core.ChatConfig
	Retry   core.RetryPolicy
	Chunks  knowledge.ChunkOptions
	// Poller is used as given except for Prober, Reconciler, Logger and OnChange.
	Poller         poller.Config
	Logger         *zap.Logger
	OnStatus       func(poller.Snapshot)
	OnConversation func(conversation.Snapshot)
}

// Assistant is the per-namespace container.
type Assistant struct {
	session      *identity.Session
	client       *backend.Client
	knowledge    *knowledge.Engine
	poller       *poller.Poller
	conversation *conversation.Engine
	chunks       knowledge.ChunkOptions
	chat         core.ChatConfig
	logger       *zap.Logger
}

// New builds an Assistant. The poller is not started.
func New(cfg Config) (*Assistant, error) {
	if cfg.Store == nil {
		return nil, errors.New("knowledge store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = identity.NewRegistry()
	}
	session := registry.Bind(cfg.Namespace)
	logger = logger.With(zap.String("namespace", session.Namespace()))

	backendCfg := cfg.Backend
	backendCfg.Tokens = session
	backendCfg.Logger = logger.Named("backend")
	client, err := backend.New(backendCfg)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	kb, err := knowledge.NewEngine(knowledge.Config{
		Store:   cfg.Store,
		Remote:  client,
		Session: session,
		Retry:   cfg.Retry,
		Logger:  logger.Named("knowledge"),
	})
	if err != nil {
		return nil, fmt.Errorf("create knowledge engine: %w", err)
	}

	pollerCfg := cfg.Poller
	pollerCfg.Prober = client
	pollerCfg.Reconciler = kb
	pollerCfg.Logger = logger.Named("poller")
	pollerCfg.OnChange = cfg.OnStatus
	p, err := poller.New(pollerCfg)
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	a := &Assistant{
		session:   session,
		client:    client,
		knowledge: kb,
		poller:    p,
		chunks:    cfg.Chunks,
		chat:      cfg.Chat,
		logger:    logger,
	}

	conv, err := conversation.New(conversation.Config{
		Streamer: client,
		Gate:     a.knowledgeReady,
		Chat:     cfg.Chat,
		Logger:   logger.Named("conversation"),
		OnChange: cfg.OnConversation,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation engine: %w", err)
	}
	a.conversation = conv
	return a, nil
}

// Namespace returns the namespace the assistant serves.
func (a *Assistant) Namespace() string { return a.session.Namespace() }

// SessionToken returns the live session token.
func (a *Assistant) SessionToken() string { return a.session.Token() }

// Conversation exposes the conversation engine.
func (a *Assistant) Conversation() *conversation.Engine { return a.conversation }

// Status returns the poller's current snapshot.
func (a *Assistant) Status() poller.Snapshot { return a.poller.Snapshot() }

// Start runs the status loop until Stop or ctx is done.
func (a *Assistant) Start(ctx context.Context) { a.poller.Start(ctx) }

// Stop halts the status loop and aborts any live turn.
func (a *Assistant) Stop() {
	a.conversation.Cancel()
	a.poller.Stop()
}

// Refresh runs one status tick synchronously.
func (a *Assistant) Refresh(ctx context.Context) poller.Snapshot {
	a.poller.Tick(ctx)
	return a.poller.Snapshot()
}

// Send starts a conversation turn.
func (a *Assistant) Send(ctx context.Context, text string) (*conversation.Turn, error) {
	return a.conversation.Send(ctx, text)
}

// Retry regenerates the given assistant message.
func (a *Assistant) Retry(ctx context.Context, assistantID string) (*conversation.Turn, error) {
	return a.conversation.Retry(ctx, assistantID)
}

// Edit replaces a user message and regenerates its answer.
func (a *Assistant) Edit(ctx context.Context, userID, text string) (*conversation.Turn, error) {
	return a.conversation.Edit(ctx, userID, text)
}

// Cancel aborts the live turn, if any.
func (a *Assistant) Cancel() bool { return a.conversation.Cancel() }

// Ask performs one non-streaming exchange without touching the conversation
// log.
func (a *Assistant) Ask(ctx context.Context, text string) (core.ChatResponse, error) {
	if !a.knowledgeReady() {
		return core.ChatResponse{}, core.ErrPreconditionFailed
	}
	return a.client.Chat(ctx, core.ChatRequest{Message: text, Config: a.chat})
}

// Records lists local knowledge records.
func (a *Assistant) Records(ctx context.Context) ([]knowledge.Record, error) {
	return a.knowledge.Records(ctx)
}

// AddKnowledge chunks a job result, stores it and uploads it as a delta.
func (a *Assistant) AddKnowledge(ctx context.Context, jobRef string, raw []byte) (knowledge.Result, error) {
	rec, err := knowledge.BuildRecord(a.Namespace(), jobRef, raw, a.chunks)
	if err != nil {
		return knowledge.Result{}, err
	}

	a.poller.BeginUpload()
	res, err := a.knowledge.Add(ctx, rec)
	a.poller.EndUpload(res.Op, err)
	a.poller.ForceRefresh()
	if err != nil {
		return res, err
	}
	a.logger.Info("job result added", zap.String("job_ref", rec.JobRef), zap.Int("chunks", len(rec.Chunks)))
	return res, nil
}

// RemoveKnowledge deletes one record and brings the remote in line.
func (a *Assistant) RemoveKnowledge(ctx context.Context, localID string) (knowledge.Result, error) {
	a.poller.BeginUpload()
	res, err := a.knowledge.Remove(ctx, localID)
	a.poller.EndUpload(res.Op, err)
	a.poller.ForceRefresh()
	return res, err
}

// ClearKnowledge deletes every record and resets the session.
func (a *Assistant) ClearKnowledge(ctx context.Context) (knowledge.Result, error) {
	a.poller.BeginUpload()
	res, err := a.knowledge.Clear(ctx)
	a.poller.EndUpload(res.Op, err)
	a.poller.ForceRefresh()
	return res, err
}

// ResetSession rotates the session token. Remote knowledge held under the old
// token is abandoned; the next tick re-uploads local records.
func (a *Assistant) ResetSession() string {
	token := a.session.Reset()
	a.poller.SessionReset()
	a.poller.ForceRefresh()
	a.logger.Info("session reset")
	return token
}

func (a *Assistant) knowledgeReady() bool {
	return a.poller.Snapshot().Ready()
}
