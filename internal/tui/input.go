package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxInputHistory = 50

// InputModel stores a single-line prompt buffer with submit history.
type InputModel struct {
	prompt      string
	placeholder string
	value       string

	history []string
	// cursor indexes history while recalling; len(history) means the live line.
	cursor int
}

// NewInputModel constructs the input state.
func NewInputModel(prompt, placeholder string) InputModel {
	p := strings.TrimSpace(prompt)
	if p == "" {
		p = ">"
	}
	return InputModel{
		prompt:      p,
		placeholder: strings.TrimSpace(placeholder),
	}
}

// Value returns current raw input text.
func (m InputModel) Value() string {
	return m.value
}

// SetValue replaces input text.
func (m *InputModel) SetValue(value string) {
	m.value = value
}

// Clear resets input text.
func (m *InputModel) Clear() {
	m.value = ""
	m.cursor = len(m.history)
}

// Remember appends a submitted line to the recall history.
func (m *InputModel) Remember(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if n := len(m.history); n == 0 || m.history[n-1] != line {
		m.history = append(m.history, line)
	}
	if overflow := len(m.history) - maxInputHistory; overflow > 0 {
		m.history = append([]string(nil), m.history[overflow:]...)
	}
	m.cursor = len(m.history)
}

// HandleKey mutates input state and reports submit key.
func (m *InputModel) HandleKey(msg tea.KeyMsg) (submitted bool) {
	switch msg.Type {
	case tea.KeyEnter:
		return true
	case tea.KeyBackspace, tea.KeyDelete:
		if m.value == "" {
			return false
		}
		runes := []rune(m.value)
		m.value = string(runes[:len(runes)-1])
		return false
	case tea.KeyCtrlU:
		m.value = ""
		return false
	case tea.KeyCtrlW:
		trimmed := strings.TrimRight(m.value, " ")
		if idx := strings.LastIndex(trimmed, " "); idx >= 0 {
			m.value = trimmed[:idx+1]
		} else {
			m.value = ""
		}
		return false
	case tea.KeyCtrlP:
		if m.cursor > 0 {
			m.cursor--
			m.value = m.history[m.cursor]
		}
		return false
	case tea.KeyCtrlN:
		if m.cursor < len(m.history) {
			m.cursor++
			if m.cursor == len(m.history) {
				m.value = ""
			} else {
				m.value = m.history[m.cursor]
			}
		}
		return false
	case tea.KeySpace:
		m.value += " "
		return false
	}

	if len(msg.Runes) > 0 {
		m.value += string(msg.Runes)
	}
	return false
}

// Render draws the input line.
func (m InputModel) Render(width int, theme Theme) string {
	value := m.value
	valueStyle := theme.InputTextStyle
	if strings.TrimSpace(value) == "" {
		value = m.placeholder
		valueStyle = theme.InputPlaceholderTextStyle
	}

	line := theme.InputPromptStyle.Render(m.prompt+" ") + valueStyle.Render(value)
	if width > 0 {
		return lipgloss.NewStyle().Width(width).Render(line)
	}
	return line
}
