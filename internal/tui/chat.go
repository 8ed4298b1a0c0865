package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"kbchat/internal/conversation"
)

const (
	defaultChatLimit = 500
	typingIndicator  = "..."

	roleUser      = "user"
	roleAssistant = "assistant"
	roleNotice    = "notice"
	roleError     = "error"
)

// ChatMessage is one rendered chat item.
type ChatMessage struct {
	Role    string
	Content string
	Footer  string
	At      time.Time
}

// ChatModel stores rendered messages and the scroll position.
type ChatModel struct {
	messages    []ChatMessage
	maxMessages int
	scrollTop   int

	// viewportHeight is the number of visible content lines inside the chat panel.
	// 0 means unconstrained.
	viewportHeight int
}

// NewChatModel creates a chat buffer with retention limit.
func NewChatModel(maxMessages int) ChatModel {
	limit := maxMessages
	if limit <= 0 {
		limit = defaultChatLimit
	}
	return ChatModel{maxMessages: limit}
}

// SetMessages replaces the buffer, keeping the viewport pinned to the bottom
// when it already was.
func (m *ChatModel) SetMessages(messages []ChatMessage) {
	wasAtBottom := m.isAtBottom()

	m.messages = append([]ChatMessage(nil), messages...)
	if overflow := len(m.messages) - m.maxMessages; overflow > 0 {
		m.messages = m.messages[overflow:]
	}
	if wasAtBottom {
		m.scrollToBottom()
		return
	}
	m.clampScrollTop()
}

// Messages returns a defensive copy of buffered messages.
func (m ChatModel) Messages() []ChatMessage {
	return append([]ChatMessage(nil), m.messages...)
}

// SetViewportHeight configures the visible line count for chat content.
func (m *ChatModel) SetViewportHeight(height int) {
	if height < 0 {
		height = 0
	}
	m.viewportHeight = height
	m.clampScrollTop()
}

// ScrollUp moves the chat viewport up by lines.
func (m *ChatModel) ScrollUp(lines int) {
	if lines <= 0 {
		return
	}
	m.scrollTop -= lines
	m.clampScrollTop()
}

// ScrollDown moves the chat viewport down by lines.
func (m *ChatModel) ScrollDown(lines int) {
	if lines <= 0 {
		return
	}
	m.scrollTop += lines
	m.clampScrollTop()
}

// PageUp scrolls one viewport up.
func (m *ChatModel) PageUp() {
	m.ScrollUp(m.pageStep())
}

// PageDown scrolls one viewport down.
func (m *ChatModel) PageDown() {
	m.ScrollDown(m.pageStep())
}

// ScrollToTop jumps to the top of buffered chat lines.
func (m *ChatModel) ScrollToTop() {
	m.scrollTop = 0
}

// ScrollToBottom jumps to the most recent chat lines.
func (m *ChatModel) ScrollToBottom() {
	m.scrollToBottom()
}

// Render draws chat lines inside a panel.
func (m ChatModel) Render(width int, theme Theme) string {
	if len(m.messages) == 0 {
		return renderPanel(width, theme.PanelStyle, "No messages yet. Add a job result with /add, then ask away.")
	}

	lines := make([]string, 0, len(m.messages))
	for _, message := range m.messages {
		prefix, style := rolePrefix(message.Role, theme)
		raw := messageLines(message)
		lines = append(lines, style.Render(prefix)+" "+raw[0])
		lines = append(lines, raw[1:]...)
		if message.Footer != "" {
			lines = append(lines, theme.FooterStyle.Render("  "+message.Footer))
		}
	}

	if m.viewportHeight > 0 && len(lines) > m.viewportHeight {
		start := m.scrollTop
		maxTop := len(lines) - m.viewportHeight
		if start < 0 {
			start = 0
		}
		if start > maxTop {
			start = maxTop
		}
		lines = lines[start : start+m.viewportHeight]
	}

	return renderPanel(width, theme.PanelStyle, strings.Join(lines, "\n"))
}

// FromConversation converts engine messages into chat items.
func FromConversation(messages []conversation.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, message := range messages {
		item := ChatMessage{
			Role:    string(message.Role),
			Content: message.Content,
			At:      message.CreatedAt,
		}
		if message.Role == conversation.RoleAssistant {
			item.Footer = assistantFooter(message)
			if message.Live() && strings.TrimSpace(message.Content) == "" {
				item.Content = typingIndicator
			}
		}
		out = append(out, item)
	}
	return out
}

func assistantFooter(message conversation.Message) string {
	status := message.Status
	var parts []string
	if status.IsAborted {
		parts = append(parts, "stopped")
	}
	if len(status.Sources) > 0 {
		names := make([]string, 0, len(status.Sources))
		for _, source := range status.Sources {
			name := fallbackText(source.Title, fallbackText(source.Domain, source.ID))
			if name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			parts = append(parts, "sources: "+strings.Join(names, ", "))
		}
	}
	if status.Confidence != nil {
		parts = append(parts, fmt.Sprintf("confidence %.0f%%", *status.Confidence*100))
	}
	return strings.Join(parts, " | ")
}

func messageLines(message ChatMessage) []string {
	content := strings.TrimRight(message.Content, "\n")
	if content == "" {
		content = typingIndicator
	}
	return strings.Split(content, "\n")
}

func rolePrefix(role string, theme Theme) (string, lipgloss.Style) {
	switch role {
	case roleAssistant:
		return "assistant:", theme.AssistantPrefixStyle
	case roleNotice:
		return "kbchat:", theme.NoticePrefixStyle
	case roleError:
		return "error:", theme.ErrorPrefixStyle
	default:
		return "you:", theme.UserPrefixStyle
	}
}

func renderPanel(width int, style lipgloss.Style, content string) string {
	if width > 0 {
		return style.Width(width).Render(content)
	}
	return style.Render(content)
}

func (m *ChatModel) pageStep() int {
	if m.viewportHeight <= 0 {
		return 10
	}
	return m.viewportHeight
}

func (m *ChatModel) isAtBottom() bool {
	if m.viewportHeight <= 0 {
		return true
	}
	return m.scrollTop >= m.maxScrollTop()
}

func (m *ChatModel) maxScrollTop() int {
	if m.viewportHeight <= 0 {
		return 0
	}
	maxTop := m.totalRenderedLines() - m.viewportHeight
	if maxTop < 0 {
		return 0
	}
	return maxTop
}

func (m *ChatModel) scrollToBottom() {
	m.scrollTop = m.maxScrollTop()
}

func (m *ChatModel) clampScrollTop() {
	if m.scrollTop < 0 {
		m.scrollTop = 0
		return
	}
	maxTop := m.maxScrollTop()
	if m.scrollTop > maxTop {
		m.scrollTop = maxTop
	}
}

func (m *ChatModel) totalRenderedLines() int {
	total := 0
	for _, message := range m.messages {
		total += len(messageLines(message))
		if message.Footer != "" {
			total++
		}
	}
	return total
}
