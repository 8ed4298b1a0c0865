package chatapp

import (
	"context"

	"kbchat/internal/conversation"
	"kbchat/internal/knowledge"
	"kbchat/internal/poller"

	tea "github.com/charmbracelet/bubbletea"
)

// Controller is the command-facing assistant runtime contract.
type Controller interface {
	Namespace() string
	SessionToken() string
	Status() poller.Snapshot
	Refresh(ctx context.Context) poller.Snapshot
	Retry(ctx context.Context, assistantID string) (*conversation.Turn, error)
	Edit(ctx context.Context, userID, text string) (*conversation.Turn, error)
	Cancel() bool
	Records(ctx context.Context) ([]knowledge.Record, error)
	AddKnowledge(ctx context.Context, jobRef string, raw []byte) (knowledge.Result, error)
	RemoveKnowledge(ctx context.Context, localID string) (knowledge.Result, error)
	ClearKnowledge(ctx context.Context) (knowledge.Result, error)
	ResetSession() string
}

// CommandEnv provides adapter hooks so command runtime stays UI-framework agnostic.
type CommandEnv struct {
	Controller Controller
	// Context bounds the lifetime of turns and uploads started by commands.
	Context context.Context

	ActiveTurn      bool
	LastUserID      string
	LastAssistantID string

	ReadFile func(path string) ([]byte, error)

	GetInputValue func() string
	SetInputValue func(value string)

	AppendNotice func(text string)
	AppendError  func(errText string)
}

// ResultMsg reports the outcome of a command that ran in the background.
type ResultMsg struct {
	Command string
	Text    string
	Err     error
}

var _ tea.Msg = ResultMsg{}
