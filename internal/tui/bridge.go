package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"kbchat/internal/conversation"
	"kbchat/internal/poller"
)

// UpdateMsg carries the latest snapshots published since the previous read.
type UpdateMsg struct {
	Status       *poller.Snapshot
	Conversation *conversation.Snapshot
}

// Bridge coalesces engine callbacks, which fire on arbitrary goroutines, into
// BubbleTea messages. Only the newest snapshot of each kind is kept.
type Bridge struct {
	mu           sync.Mutex
	status       *poller.Snapshot
	conversation *conversation.Snapshot
	signal       chan struct{}
}

// NewBridge constructs an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{signal: make(chan struct{}, 1)}
}

// PublishStatus records a poller snapshot.
func (b *Bridge) PublishStatus(snap poller.Snapshot) {
	b.mu.Lock()
	b.status = &snap
	b.mu.Unlock()
	b.wake()
}

// PublishConversation records a conversation snapshot unless a newer one is
// already pending.
func (b *Bridge) PublishConversation(snap conversation.Snapshot) {
	b.mu.Lock()
	if b.conversation == nil || snap.Version >= b.conversation.Version {
		b.conversation = &snap
	}
	b.mu.Unlock()
	b.wake()
}

// Wait returns a command that blocks until something is published.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		<-b.signal
		b.mu.Lock()
		defer b.mu.Unlock()
		msg := UpdateMsg{Status: b.status, Conversation: b.conversation}
		b.status = nil
		b.conversation = nil
		return msg
	}
}

func (b *Bridge) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
