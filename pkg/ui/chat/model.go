package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/message"
	"chatsync/pkg/stream"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const defaultTypingInterval = 30 * time.Millisecond

type viewMsg struct {
	update bus.ViewUpdate
	ok     bool
}

type typeTickMsg struct{}

type actionResultMsg struct {
	action string
	err    error
}

type model struct {
	ctx     context.Context
	backend Backend
	info    Info
	typing  Typing

	theme    theme
	spinner  spinner.Model
	input    textinput.Model
	viewport viewport.Model

	messages []message.NormalizedMessage
	streams  map[string]stream.Snapshot
	writers  map[string]*stream.Typewriter
	revision uint64
	ticking  bool

	width     int
	height    int
	isReady   bool
	followLog bool
	lastErr   string
}

func newModel(ctx context.Context, backend Backend, info Info, typing Typing) *model {
	if typing.Interval <= 0 {
		typing.Interval = defaultTypingInterval
	}
	if typing.Step <= 0 {
		typing.Step = stream.DefaultTypewriterStep
	}

	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("44"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type a message..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		backend:   backend,
		info:      info,
		typing:    typing,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		streams:   make(map[string]stream.Snapshot),
		writers:   make(map[string]*stream.Typewriter),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForView())
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(typed)
	case viewMsg:
		if !typed.ok {
			return m, tea.Quit
		}
		return m, tea.Batch(m.applyView(typed.update), m.waitForView())
	case typeTickMsg:
		return m, m.advanceTyping()
	case actionResultMsg:
		m.lastErr = ""
		if typed.err != nil {
			m.lastErr = fmt.Sprintf("%s failed: %v", typed.action, typed.err)
		}
		return m, nil
	case spinner.TickMsg:
		if !m.anyTyping() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "ctrl+r":
		failed, ok := m.lastFailed()
		if !ok {
			return m, nil
		}
		return m, m.retryCmd(failed.ID)
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		if isExitCommand(text) {
			return m, tea.Quit
		}
		m.input.SetValue("")
		m.followLog = true
		return m, m.submitCmd(text)
	}

	if m.handleViewportKey(msg) {
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// applyView replaces the rendered messages with a newer merged view and
// starts typewriters for replies that are still streaming.
func (m *model) applyView(update bus.ViewUpdate) tea.Cmd {
	if m.info.ChatCode != "" && update.ChatCode != m.info.ChatCode {
		return nil
	}
	if update.Revision < m.revision {
		return nil
	}
	m.revision = update.Revision
	m.messages = update.Messages

	m.streams = make(map[string]stream.Snapshot, len(update.Streams))
	for _, snap := range update.Streams {
		m.streams[snap.MessageCode] = snap
		if _, ok := m.writers[snap.MessageCode]; ok || !snap.IsTyping || m.backend == nil {
			continue
		}
		if acc, ok := m.backend.Stream(snap.MessageCode); ok {
			m.writers[snap.MessageCode] = stream.NewTypewriter(acc, m.typing.Step)
		}
	}

	m.refreshViewport(false)

	if len(m.writers) == 0 || m.ticking {
		return nil
	}
	m.ticking = true
	return tea.Batch(m.typeTick(), m.spinner.Tick)
}

// advanceTyping reveals more of every typing reply and drops typewriters
// whose reply is terminal.
func (m *model) advanceTyping() tea.Cmd {
	for code, writer := range m.writers {
		writer.Tick()
		if writer.Done() {
			delete(m.writers, code)
		}
	}
	m.refreshViewport(false)

	if len(m.writers) == 0 {
		m.ticking = false
		return nil
	}
	return m.typeTick()
}

func (m *model) typeTick() tea.Cmd {
	return tea.Tick(m.typing.Interval, func(time.Time) tea.Msg {
		return typeTickMsg{}
	})
}

func (m *model) waitForView() tea.Cmd {
	if m.backend == nil {
		return nil
	}
	backend, ctx := m.backend, m.ctx
	return func() tea.Msg {
		update, ok := backend.NextView(ctx)
		return viewMsg{update: update, ok: ok}
	}
}

func (m *model) submitCmd(text string) tea.Cmd {
	if m.backend == nil {
		return nil
	}
	backend, ctx := m.backend, m.ctx
	return func() tea.Msg {
		return actionResultMsg{action: "send", err: backend.Submit(ctx, text)}
	}
}

func (m *model) retryCmd(id message.ID) tea.Cmd {
	if m.backend == nil {
		return nil
	}
	backend, ctx := m.backend, m.ctx
	return func() tea.Msg {
		return actionResultMsg{action: "retry", err: backend.Retry(ctx, id)}
	}
}

func (m *model) lastFailed() (message.NormalizedMessage, bool) {
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if msg.IsOutbound && msg.Status == message.StatusError {
			return msg, true
		}
	}
	return message.NormalizedMessage{}, false
}

func (m *model) anyTyping() bool {
	return len(m.writers) > 0
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("chatsync · " + displayOrNA(m.info.ChatCode))
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"source:%s · model:%s · messages:%d · pending:%d",
		displayOrNA(m.info.Source),
		displayOrNA(m.info.Model),
		len(m.messages),
		countPending(m.messages),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · Ctrl+R retry failed · PgUp/PgDn scroll · Ctrl+C/Esc quit")
	if m.anyTyping() {
		status = m.theme.statusBusy.Render(m.spinner.View() + " assistant is typing...")
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render(m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(40, m.width-6)
	h := max(6, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		sections = append(sections, m.renderMessage(msg))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderMessage(msg message.NormalizedMessage) string {
	width := m.viewport.Width
	body := strings.TrimSpace(msg.Text)
	if body == "" {
		body = attachmentSummary(msg.Attachments)
	}

	switch {
	case msg.SenderKind == message.SenderSystem:
		return m.theme.systemLine.Render("· " + body)
	case msg.HasError && !msg.IsOutbound:
		text := strings.TrimSpace(m.streamText(msg))
		if reason := strings.TrimSpace(msg.ErrorMessage); reason != "" {
			text = strings.TrimSpace(text + "\n\n" + "error: " + reason)
		}
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.errorTitle.Render("reply failed"),
			m.theme.errorBox.Width(width).Render(text),
		)
	case msg.IsOutbound || msg.SenderKind == message.SenderUser:
		title := m.theme.userTitle.Render("you")
		switch msg.Status {
		case message.StatusPending:
			title += " " + m.theme.pendingMark.Render("sending…")
		case message.StatusError:
			reason := strings.TrimSpace(msg.ErrorMessage)
			if reason == "" {
				reason = "not delivered"
			}
			title += " " + m.theme.failedMark.Render("! "+reason+" (ctrl+r to retry)")
		}
		return lipgloss.JoinVertical(lipgloss.Left, title, m.theme.userBox.Width(width).Render(body))
	default:
		text := body
		if msg.IsStreaming {
			text = m.streamText(msg) + m.theme.typingCursor.Render("▍")
		}
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.botTitle.Render("assistant"),
			m.theme.botBox.Width(width).Render(text),
		)
	}
}

// streamText is the typed-out prefix of a streaming reply, falling back to
// the latest snapshot when no typewriter runs for it.
func (m *model) streamText(msg message.NormalizedMessage) string {
	code := msg.ID.String()
	if writer, ok := m.writers[code]; ok {
		return writer.Visible()
	}
	if snap, ok := m.streams[code]; ok {
		return snap.DisplayText
	}
	if msg.PartialText != "" {
		return msg.PartialText
	}
	return msg.Text
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.SetYOffset(m.viewport.YOffset - 3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.SetYOffset(m.viewport.YOffset + 3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func attachmentSummary(attachments []message.Attachment) string {
	names := make([]string, 0, len(attachments))
	for _, attachment := range attachments {
		name := strings.TrimSpace(attachment.Name)
		if name == "" {
			name = strings.TrimSpace(attachment.URL)
		}
		if name != "" {
			names = append(names, "📎 "+name)
		}
	}
	return strings.Join(names, "\n")
}

func countPending(messages []message.NormalizedMessage) int {
	count := 0
	for _, msg := range messages {
		if msg.Status == message.StatusPending {
			count++
		}
	}
	return count
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
