package tui

import (
	"strings"

	"kbchat/internal/conversation"
	"kbchat/internal/poller"
)

const shortTokenLength = 16

// StatusModel renders the top status bar.
type StatusModel struct {
	Version   string
	Namespace string
	Session   string
	Knowledge poller.State
	Detail    string
	Turn      conversation.TurnState
}

// NewStatusModel constructs status data for rendering.
func NewStatusModel(version, namespace, session string) StatusModel {
	return StatusModel{
		Version:   strings.TrimSpace(version),
		Namespace: strings.TrimSpace(namespace),
		Session:   strings.TrimSpace(session),
		Knowledge: poller.StateConnecting,
		Turn:      conversation.TurnIdle,
	}
}

// Render draws a one-line status bar.
func (m StatusModel) Render(width int, theme Theme) string {
	knowledge := "kb: " + fallbackText(string(m.Knowledge), string(poller.StateConnecting))
	if m.Knowledge == poller.StateBackendError && strings.TrimSpace(m.Detail) != "" {
		knowledge += " (" + strings.TrimSpace(m.Detail) + ")"
	}
	parts := []string{
		"kbchat " + fallbackText(m.Version, "dev"),
		"ns: " + fallbackText(m.Namespace, "default"),
		"session: " + shortToken(m.Session),
		knowledge,
		"turn: " + fallbackText(string(m.Turn), string(conversation.TurnIdle)),
	}
	line := strings.Join(parts, " | ")
	style := theme.StatusBarStyle
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(line)
}

func shortToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return "new"
	}
	if len(token) <= shortTokenLength {
		return token
	}
	return token[:shortTokenLength] + "…"
}

func fallbackText(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
