package tui

import (
	"context"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kbchat/internal/chatapp"
	"kbchat/internal/conversation"
	"kbchat/internal/knowledge"
	"kbchat/internal/poller"
)

const (
	defaultAppWidth         = 100
	defaultKnowledgeWidth   = 36
	minimumChatPanelWidth   = 40
	minimumKnowledgeVisible = 22
	maxNotices              = 100
)

// Controller is the assistant surface the TUI drives.
type Controller interface {
	chatapp.Controller
	Send(ctx context.Context, text string) (*conversation.Turn, error)
}

// AppConfig configures the root BubbleTea model.
type AppConfig struct {
	Version       string
	ThemeName     string
	ShowKnowledge bool
	Controller    Controller
	Bridge        *Bridge
	// Context bounds turns and uploads started from the UI.
	Context context.Context
	Now     func() time.Time
}

type recordsMsg struct {
	Records []knowledge.Record
	Err     error
}

type sendResultMsg struct {
	Err error
}

// App is the root TUI model.
type App struct {
	theme         Theme
	showKnowledge bool

	ctl    Controller
	bridge *Bridge
	ctx    context.Context
	now    func() time.Time

	width  int
	height int

	status    StatusModel
	chat      ChatModel
	input     InputModel
	knowledge KnowledgeModel

	conversation conversation.Snapshot
	notices      []ChatMessage
}

// NewApp constructs the root TUI model with defaults.
func NewApp(cfg AppConfig) *App {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	model := &App{
		theme:         ResolveTheme(cfg.ThemeName),
		showKnowledge: cfg.ShowKnowledge,
		ctl:           cfg.Controller,
		bridge:        cfg.Bridge,
		ctx:           ctx,
		now:           now,
		width:         defaultAppWidth,
		chat:          NewChatModel(0),
		input:         NewInputModel(">", "Ask about your job results, or /help"),
	}

	namespace, token := "", ""
	if cfg.Controller != nil {
		namespace = cfg.Controller.Namespace()
		token = cfg.Controller.SessionToken()
		model.knowledge.Snapshot = cfg.Controller.Status()
	}
	model.status = NewStatusModel(cfg.Version, namespace, token)
	model.status.Knowledge = model.knowledge.Snapshot.State
	return model
}

// Init starts listening for engine updates and loads the record list.
func (m *App) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), m.loadRecordsCommand())
}

// Update applies state changes from user input and runtime events.
func (m *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chat.SetViewportHeight(m.chatViewportHeight())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.ctl != nil && m.ctl.Cancel() {
				m.appendNotice("Response stopped.")
			}
			return m, nil
		case "q":
			if strings.TrimSpace(m.input.Value()) == "" && !m.turnActive() {
				return m, tea.Quit
			}
		}

		if m.handleChatScrollKey(msg) {
			return m, nil
		}
		if submitted := m.input.HandleKey(msg); submitted {
			content := strings.TrimSpace(m.input.Value())
			m.input.Remember(content)
			m.input.Clear()
			return m, m.handleInputSubmit(content)
		}
		return m, nil

	case UpdateMsg:
		m.applyUpdate(msg)
		return m, m.waitForUpdate()

	case chatapp.ResultMsg:
		if msg.Err != nil {
			m.appendError(msg.Err.Error())
		} else if strings.TrimSpace(msg.Text) != "" {
			m.appendNotice(msg.Text)
		}
		switch msg.Command {
		case "add", "rm", "clear", "kb", "status":
			return m, m.loadRecordsCommand()
		}
		return m, nil

	case recordsMsg:
		if msg.Err != nil {
			m.knowledge.LoadErr = msg.Err.Error()
			return m, nil
		}
		m.knowledge.LoadErr = ""
		m.knowledge.Records = msg.Records
		return m, nil

	case sendResultMsg:
		if msg.Err != nil {
			m.appendError(msg.Err.Error())
		}
		return m, nil
	}

	return m, nil
}

// View renders status bar, chat, optional knowledge panel, and input line.
func (m *App) View() string {
	width := m.width
	if width <= 0 {
		width = defaultAppWidth
	}

	if m.ctl != nil {
		m.status.Session = m.ctl.SessionToken()
	}
	statusLine := m.status.Render(width, m.theme)
	body := m.renderBody(width)
	inputLine := m.input.Render(width, m.theme)
	return strings.Join([]string{statusLine, body, inputLine}, "\n")
}

// Chat exposes the rendered chat buffer.
func (m *App) Chat() []ChatMessage {
	return m.chat.Messages()
}

func (m *App) handleInputSubmit(content string) tea.Cmd {
	if content == "" {
		return nil
	}
	if m.ctl == nil {
		m.appendError("assistant is not initialized")
		return nil
	}

	if strings.HasPrefix(content, "/") {
		return m.handleSlashCommand(content)
	}

	ctl, ctx := m.ctl, m.ctx
	return func() tea.Msg {
		_, err := ctl.Send(ctx, content)
		return sendResultMsg{Err: err}
	}
}

func (m *App) handleSlashCommand(content string) tea.Cmd {
	userID, assistantID := m.lastMessageIDs()
	return chatapp.ExecuteSlashCommand(content, chatapp.CommandEnv{
		Controller:      m.ctl,
		Context:         m.ctx,
		ActiveTurn:      m.turnActive(),
		LastUserID:      userID,
		LastAssistantID: assistantID,
		GetInputValue: func() string {
			return m.input.Value()
		},
		SetInputValue: func(value string) {
			m.input.SetValue(value)
		},
		AppendNotice: func(text string) {
			m.appendNotice(text)
		},
		AppendError: func(errText string) {
			m.appendError(errText)
		},
	})
}

func (m *App) applyUpdate(msg UpdateMsg) {
	if msg.Status != nil {
		m.knowledge.Snapshot = *msg.Status
		m.status.Knowledge = msg.Status.State
		m.status.Detail = msg.Status.Message
	}
	if msg.Conversation != nil && msg.Conversation.Version >= m.conversation.Version {
		m.conversation = *msg.Conversation
		m.status.Turn = msg.Conversation.State
	}
	m.rebuildChat()
}

func (m *App) waitForUpdate() tea.Cmd {
	if m.bridge == nil {
		return nil
	}
	return m.bridge.Wait()
}

func (m *App) loadRecordsCommand() tea.Cmd {
	if m.ctl == nil {
		return nil
	}
	ctl, ctx := m.ctl, m.ctx
	return func() tea.Msg {
		records, err := ctl.Records(ctx)
		return recordsMsg{Records: records, Err: err}
	}
}

func (m *App) turnActive() bool {
	return m.conversation.LiveID != ""
}

func (m *App) lastMessageIDs() (userID, assistantID string) {
	messages := m.conversation.Messages
	for i := len(messages) - 1; i >= 0 && (userID == "" || assistantID == ""); i-- {
		switch messages[i].Role {
		case conversation.RoleUser:
			if userID == "" {
				userID = messages[i].ID
			}
		case conversation.RoleAssistant:
			if assistantID == "" {
				assistantID = messages[i].ID
			}
		}
	}
	return userID, assistantID
}

func (m *App) appendNotice(text string) {
	m.addNotice(roleNotice, text)
}

func (m *App) appendError(errText string) {
	m.addNotice(roleError, errText)
}

func (m *App) addNotice(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.notices = append(m.notices, ChatMessage{Role: role, Content: text, At: m.now()})
	if overflow := len(m.notices) - maxNotices; overflow > 0 {
		m.notices = append([]ChatMessage(nil), m.notices[overflow:]...)
	}
	m.rebuildChat()
}

// rebuildChat interleaves conversation messages with local notices by time.
func (m *App) rebuildChat() {
	items := FromConversation(m.conversation.Messages)
	items = append(items, m.notices...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].At.Before(items[j].At)
	})
	m.chat.SetMessages(items)
}

func (m *App) renderBody(width int) string {
	m.chat.SetViewportHeight(m.chatViewportHeight())
	if !m.showKnowledge {
		return m.chat.Render(width, m.theme)
	}

	panelWidth := defaultKnowledgeWidth
	if width/3 < panelWidth {
		panelWidth = width / 3
	}
	if panelWidth < minimumKnowledgeVisible {
		panelWidth = minimumKnowledgeVisible
	}

	chatWidth := width - panelWidth - 1
	if chatWidth < minimumChatPanelWidth {
		chatWidth = minimumChatPanelWidth
		panelWidth = width - chatWidth - 1
		if panelWidth < 0 {
			panelWidth = 0
		}
	}

	chatView := m.chat.Render(chatWidth, m.theme)
	if panelWidth <= 0 {
		return chatView
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, chatView, m.knowledge.Render(panelWidth, m.theme))
}

func (m *App) handleChatScrollKey(msg tea.KeyMsg) bool {
	switch msg.Type {
	case tea.KeyUp:
		m.chat.ScrollUp(1)
		return true
	case tea.KeyDown:
		m.chat.ScrollDown(1)
		return true
	case tea.KeyPgUp:
		m.chat.PageUp()
		return true
	case tea.KeyPgDown:
		m.chat.PageDown()
		return true
	case tea.KeyHome:
		m.chat.ScrollToTop()
		return true
	case tea.KeyEnd:
		m.chat.ScrollToBottom()
		return true
	default:
		return false
	}
}

func (m *App) chatViewportHeight() int {
	if m.height <= 0 {
		return 0
	}

	const nonBodyRows = 2 // status + input
	bodyHeight := m.height - nonBodyRows
	if bodyHeight < 1 {
		return 1
	}

	contentHeight := bodyHeight - m.theme.PanelStyle.GetVerticalFrameSize()
	if contentHeight < 1 {
		return 1
	}
	return contentHeight
}
