package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"kbchat/internal/poller"
)

// Theme contains style tokens used by the terminal UI.
type Theme struct {
	Name                      string
	StatusBarStyle            lipgloss.Style
	PanelStyle                lipgloss.Style
	KnowledgeStyle            lipgloss.Style
	UserPrefixStyle           lipgloss.Style
	AssistantPrefixStyle      lipgloss.Style
	NoticePrefixStyle         lipgloss.Style
	ErrorPrefixStyle          lipgloss.Style
	FooterStyle               lipgloss.Style
	InputPromptStyle          lipgloss.Style
	InputTextStyle            lipgloss.Style
	InputPlaceholderTextStyle lipgloss.Style
	StateColors               map[poller.State]lipgloss.Color
}

// ResolveTheme returns the configured theme or the dark default.
func ResolveTheme(name string) Theme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "light":
		return newLightTheme()
	default:
		return newDarkTheme()
	}
}

// StateStyle returns the badge style for a poller state.
func (t Theme) StateStyle(state poller.State) lipgloss.Style {
	color, ok := t.StateColors[state]
	if !ok {
		return lipgloss.NewStyle().Bold(true)
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true)
}

func newDarkTheme() Theme {
	border := lipgloss.Color("63")
	muted := lipgloss.Color("245")
	return Theme{
		Name: "dark",
		StatusBarStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("63")).
			Padding(0, 1),
		PanelStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(border).
			Padding(0, 1),
		KnowledgeStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(border).
			Padding(0, 1),
		UserPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		AssistantPrefixStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		NoticePrefixStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true),
		ErrorPrefixStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		FooterStyle:          lipgloss.NewStyle().Foreground(muted).Italic(true),
		InputPromptStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		InputTextStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		InputPlaceholderTextStyle: lipgloss.NewStyle().
			Foreground(muted).
			Italic(true),
		StateColors: map[poller.State]lipgloss.Color{
			poller.StateConnecting:   lipgloss.Color("245"),
			poller.StateBackendError: lipgloss.Color("203"),
			poller.StateUploading:    lipgloss.Color("214"),
			poller.StateProcessing:   lipgloss.Color("214"),
			poller.StateReady:        lipgloss.Color("78"),
			poller.StateNoKnowledge:  lipgloss.Color("111"),
		},
	}
}

func newLightTheme() Theme {
	border := lipgloss.Color("246")
	muted := lipgloss.Color("240")
	return Theme{
		Name: "light",
		StatusBarStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("189")).
			Padding(0, 1),
		PanelStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(border).
			Padding(0, 1),
		KnowledgeStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(border).
			Padding(0, 1),
		UserPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
		AssistantPrefixStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("94")).Bold(true),
		NoticePrefixStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("31")).Bold(true),
		ErrorPrefixStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Bold(true),
		FooterStyle:          lipgloss.NewStyle().Foreground(muted).Italic(true),
		InputPromptStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
		InputTextStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color("16")),
		InputPlaceholderTextStyle: lipgloss.NewStyle().
			Foreground(muted).
			Italic(true),
		StateColors: map[poller.State]lipgloss.Color{
			poller.StateConnecting:   lipgloss.Color("240"),
			poller.StateBackendError: lipgloss.Color("160"),
			poller.StateUploading:    lipgloss.Color("130"),
			poller.StateProcessing:   lipgloss.Color("130"),
			poller.StateReady:        lipgloss.Color("28"),
			poller.StateNoKnowledge:  lipgloss.Color("31"),
		},
	}
}
