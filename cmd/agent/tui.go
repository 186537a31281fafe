package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/mariozechner/coding-agent/core/pkg/compaction"
	"github.com/mariozechner/coding-agent/core/pkg/event"
	"github.com/mariozechner/coding-agent/core/pkg/permission"
	"github.com/mariozechner/coding-agent/core/pkg/runner"
	"github.com/mariozechner/coding-agent/core/pkg/sandbox"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6")).
			Bold(true)

	messageStyle = lipgloss.NewStyle().PaddingLeft(2)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
	deniedStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)               // Yellow

	promptBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("3")).
			Padding(0, 1)
)

// maxResultLines bounds how much of a tool result the transcript shows.
const maxResultLines = 12

type state int

const (
	stateMenu state = iota
	stateSelectingSession
	stateChatting
	statePermission
	stateConfirmExit
)

type errMsg struct{ err error }
type eventMsg event.Event
type askMsg permissionAsk
type turnDoneMsg struct{ err error }
type sessionOpenedMsg struct{ sess *runner.Session }
type sessionsListedMsg struct{ sessions []store.SessionInfo }

type compactDoneMsg struct {
	res *compaction.Result
	err error
}

// permissionAsk is a confirmation the session gate is waiting for.
type permissionAsk struct {
	call  store.ToolCall
	reply chan<- permission.Response
}

// bridge carries events and permission questions from turn goroutines into
// the bubbletea loop.
type bridge struct {
	ctx    context.Context
	events chan event.Event
	asks   chan permissionAsk
}

func newBridge(ctx context.Context) *bridge {
	return &bridge{
		ctx:    ctx,
		events: make(chan event.Event, 256),
		asks:   make(chan permissionAsk),
	}
}

func (b *bridge) forward(e event.Event) {
	select {
	case b.events <- e:
	case <-b.ctx.Done():
	}
}

func (b *bridge) confirm(ctx context.Context, call store.ToolCall) (permission.Response, error) {
	reply := make(chan permission.Response, 1)
	select {
	case b.asks <- permissionAsk{call: call, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *bridge) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-b.events:
			return eventMsg(e)
		case <-b.ctx.Done():
			return nil
		}
	}
}

func (b *bridge) waitForAsk() tea.Cmd {
	return func() tea.Msg {
		select {
		case a := <-b.asks:
			return askMsg(a)
		case <-b.ctx.Done():
			return nil
		}
	}
}

type blockKind int

const (
	blockUser blockKind = iota
	blockAssistant
	blockTool
	blockResult
	blockNotice
)

// block is one entry of the rendered transcript.
type block struct {
	kind    blockKind
	id      string
	title   string
	text    string
	isError bool
	// done is false while an assistant message is still streaming.
	done bool
}

type model struct {
	ctx     context.Context
	runner  *runner.Runner
	sandbox sandbox.Manager
	bridge  *bridge
	sess    *runner.Session
	initCmd tea.Cmd

	// State
	state             state
	availableSessions []store.SessionInfo
	cursor            int
	listOffset        int
	width             int
	height            int
	busy              bool
	pending           *permissionAsk
	err               error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model

	// Data
	blocks   []block
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, r *runner.Runner, sb sandbox.Manager) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	// Use "light" style to avoid terminal queries that leak into input
	renderer, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	m := model{
		ctx:      ctx,
		runner:   r,
		sandbox:  sb,
		bridge:   newBridge(ctx),
		state:    stateMenu,
		viewport: vp,
		textarea: ta,
		renderer: renderer,
	}

	// No sessions? Go straight to a new one.
	if sessions, err := r.Sessions(ctx); err == nil && len(sessions) == 0 {
		m.initCmd = m.newSessionCmd()
	}
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.initCmd)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// This prevents the Enter key used for menu selection from leaking into the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 4 // Header + Status + Margin
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		// Recreate renderer with new width
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)

		// Re-clamp listOffset to ensure cursor remains visible after resize
		maxViewable := m.maxViewable()
		if m.cursor < m.listOffset {
			m.listOffset = m.cursor
		}
		if m.cursor >= m.listOffset+maxViewable {
			m.listOffset = m.cursor - maxViewable + 1
		}
		if m.sess != nil {
			m.refresh()
		}

	case tea.KeyMsg:
		if m.state == statePermission {
			return m.answerPermission(msg)
		}
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.busy && m.sess != nil {
				m.runner.Abort(m.sess.ID())
				return m, nil
			}
			if m.sess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			if m.sess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					return m, m.newSessionCmd()
				}
				return m, m.listSessionsCmd()
			case stateSelectingSession:
				return m, m.openSessionCmd(m.availableSessions[m.cursor].ID)
			case stateChatting:
				m.err = nil // Clear error on new message
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.state {
			case stateMenu:
				maxCursor = 1 // 2 options
			case stateSelectingSession:
				maxCursor = len(m.availableSessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				if m.cursor >= m.listOffset+m.maxViewable() {
					m.listOffset = m.cursor - m.maxViewable() + 1
				}
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					// End Session
					return m, tea.Sequence(m.endSessionCmd(), tea.Quit)
				case "n", "N":
					// Leave the sandbox running
					return m, tea.Quit
				}
			}
		}

	case sessionsListedMsg:
		if len(msg.sessions) == 0 {
			m.err = errors.New("no existing sessions found")
			break
		}
		m.availableSessions = msg.sessions
		m.state = stateSelectingSession
		m.cursor = 0
		m.listOffset = 0

	case sessionOpenedMsg:
		m, cmd := m.enterChat(msg.sess)
		return m, cmd

	case eventMsg:
		m.apply(event.Event(msg))
		m.refresh()
		cmds = append(cmds, m.bridge.waitForEvent())

	case askMsg:
		ask := permissionAsk(msg)
		m.pending = &ask
		m.state = statePermission

	case turnDoneMsg:
		m.busy = false
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.err = msg.err
		}

	case compactDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
			break
		}
		m.blocks = append(m.blocks, block{
			kind:  blockNotice,
			title: "Compacted",
			text:  fmt.Sprintf("%d messages summarized, %d to %d tokens", msg.res.MessagesPruned, msg.res.OriginalTokens, msg.res.CompactedTokens),
		})
		m.refresh()

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) maxViewable() int {
	// Header: ~3 lines, Footer: ~3 lines
	return max(m.height-7, 1)
}

func (m model) answerPermission(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var resp permission.Response
	switch msg.String() {
	case "y", "Y":
		resp = permission.AllowOnce
	case "a", "A":
		resp = permission.AllowAlways
	case "n", "N", "esc":
		resp = permission.DenyOnce
	case "ctrl+c":
		resp = permission.DenyOnce
		m.runner.Abort(m.sess.ID())
	default:
		return m, nil
	}
	m.pending.reply <- resp
	m.pending = nil
	m.state = stateChatting
	return m, m.bridge.waitForAsk()
}

// apply folds a turn event into the transcript.
func (m *model) apply(e event.Event) {
	switch e.Type {
	case event.UserMessage:
		m.blocks = append(m.blocks, block{kind: blockUser, id: e.Message.ID, text: e.Message.Content, done: true})
	case event.MessageStart:
		m.blocks = append(m.blocks, block{kind: blockAssistant, id: e.Delta.MessageID})
	case event.MessageDelta:
		if i := m.find(e.Delta.MessageID); i >= 0 {
			m.blocks[i].text += e.Delta.Text
		}
	case event.MessageComplete:
		i := m.find(e.Message.ID)
		if i < 0 {
			m.blocks = append(m.blocks, block{kind: blockAssistant, id: e.Message.ID})
			i = len(m.blocks) - 1
		}
		m.blocks[i].text = e.Message.Content
		m.blocks[i].done = true
	case event.ToolStart:
		m.finishStreaming()
		m.blocks = append(m.blocks, block{kind: blockTool, title: e.Tool.Call.Name, text: formatArgs(e.Tool.Call.Arguments), done: true})
	case event.ToolComplete:
		if r := e.Tool.Result; r != nil {
			m.blocks = append(m.blocks, block{kind: blockResult, title: r.Name, text: r.Result, isError: r.IsError, done: true})
		}
	case event.ToolPermissionDenied:
		m.finishStreaming()
		m.blocks = append(m.blocks, block{kind: blockNotice, title: "Denied", text: e.Tool.Call.Name + " was not run", isError: true, done: true})
	case event.CompactionPending:
		m.blocks = append(m.blocks, block{kind: blockNotice, title: "Context", text: "The conversation is close to the model limit. Run /compact to summarize it.", done: true})
	case event.CompactionComplete:
		c := e.Compaction
		m.blocks = append(m.blocks, block{kind: blockNotice, title: "Compacted", text: fmt.Sprintf("%d messages summarized, %d to %d tokens", c.MessagesPruned, c.OriginalTokens, c.CompactedTokens), done: true})
	case event.CompactionError:
		m.err = fmt.Errorf("compaction failed: %s", e.Compaction.Error)
	case event.Error:
		m.err = errors.New(e.Error.Message)
	}
}

// finishStreaming marks the streaming assistant message as done when the
// model moves on to tool calls.
func (m *model) finishStreaming() {
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if m.blocks[i].kind == blockAssistant && !m.blocks[i].done {
			m.blocks[i].done = true
			return
		}
	}
}

func (m *model) find(id string) int {
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if m.blocks[i].id == id {
			return i
		}
	}
	return -1
}

// blocksFromHistory renders a stored conversation.
func blocksFromHistory(msgs []store.Message) []block {
	var blocks []block
	for _, msg := range msgs {
		switch {
		case compaction.IsSummary(msg):
			blocks = append(blocks, block{kind: blockNotice, title: "Summary", text: msg.Content, done: true})
		case len(msg.ToolResults) > 0:
			for _, r := range msg.ToolResults {
				blocks = append(blocks, block{kind: blockResult, title: r.Name, text: r.Result, isError: r.IsError, done: true})
			}
		case msg.Role == store.RoleUser:
			blocks = append(blocks, block{kind: blockUser, id: msg.ID, text: msg.Content, done: true})
		default:
			if msg.Content != "" {
				blocks = append(blocks, block{kind: blockAssistant, id: msg.ID, text: msg.Content, done: true})
			}
			for _, c := range msg.ToolCalls {
				blocks = append(blocks, block{kind: blockTool, title: c.Name, text: formatArgs(c.Arguments), done: true})
			}
		}
	}
	return blocks
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(b)
}

func truncateLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-n)
}

func (m *model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m model) renderTranscript() string {
	var sb strings.Builder
	for _, b := range m.blocks {
		switch b.kind {
		case blockUser:
			sb.WriteString(userStyle.Render("User: "))
			sb.WriteString("\n")
			sb.WriteString(messageStyle.Render(b.text))
		case blockAssistant:
			if b.text == "" {
				continue
			}
			sb.WriteString(senderStyle.Render("AI: "))
			sb.WriteString("\n")
			sb.WriteString(m.markdown(b))
		case blockTool:
			sb.WriteString(toolStyle.Render(fmt.Sprintf("[Tool: %s]", b.title)))
			if b.text != "" {
				sb.WriteString("\n")
				sb.WriteString(messageStyle.Render(dimStyle.Render(b.text)))
			}
		case blockResult:
			status := toolStyle.Render(fmt.Sprintf("[Success: %s]", b.title))
			if b.isError {
				status = errorStyle.UnsetPadding().Render(fmt.Sprintf("[Error: %s]", b.title))
			}
			sb.WriteString(status)
			sb.WriteString("\n")
			sb.WriteString(messageStyle.Render(truncateLines(b.text, maxResultLines)))
		case blockNotice:
			style := dimStyle
			if b.isError {
				style = deniedStyle
			}
			sb.WriteString(style.Render(fmt.Sprintf("[%s] %s", b.title, b.text)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// markdown renders finished assistant text. Streaming text is shown raw.
func (m model) markdown(b block) string {
	if !b.done || m.renderer == nil {
		return messageStyle.Render(b.text)
	}
	rendered, err := m.renderer.Render(b.text)
	if err != nil {
		return messageStyle.Render(b.text) // Fallback
	}
	return rendered
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("Main Menu")

		options := []string{"New Session", "Continue Session"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")

		start := m.listOffset
		end := min(start+m.maxViewable(), len(m.availableSessions))

		var optionsView []string
		for i := start; i < end; i++ {
			choice := m.availableSessions[i]
			cursor := " "
			name := choice.Title
			if name == "" {
				name = choice.ID
			}
			line := fmt.Sprintf("%s (%s, %d messages)", name, choice.UpdatedAt.Local().Format(time.RFC822), choice.MessageCount)
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateConfirmExit:
		header := titleStyle.Render("Confirm Exit")
		prompt := "End Session? (y/n)"
		subtext := "Ending the session will remove the sandbox."

		return lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			"",
			prompt,
			subtext,
			errorView,
		)
	}

	input := m.textarea.View()
	if m.state == statePermission && m.pending != nil {
		input = promptBoxStyle.Render(permissionPrompt(m.pending.call))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Coding Agent · "+m.sess.Model()),
		"",
		m.viewport.View(),
		m.statusLine(),
		errorView,
		input,
	)
}

func permissionPrompt(call store.ToolCall) string {
	var sb strings.Builder
	sb.WriteString(deniedStyle.Render(fmt.Sprintf("Allow %s?", call.Name)))
	if args := formatArgs(call.Arguments); args != "" {
		sb.WriteString("\n")
		sb.WriteString(truncateLines(args, maxResultLines))
	}
	sb.WriteString("\n")
	sb.WriteString("[y] yes  [a] always this session  [n] no")
	return sb.String()
}

func (m model) statusLine() string {
	if m.busy {
		return dimStyle.Render(fmt.Sprintf("%s... (ctrl+c to abort)", m.sess.State()))
	}
	return dimStyle.Render(fmt.Sprintf("session %s", m.sess.ID()))
}

// Actions

func (m model) newSessionCmd() tea.Cmd {
	return func() tea.Msg {
		sess, err := m.runner.CreateSession(m.ctx, "")
		if err != nil {
			return errMsg{err}
		}
		return sessionOpenedMsg{sess}
	}
}

func (m model) listSessionsCmd() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.runner.Sessions(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return sessionsListedMsg{sessions}
	}
}

func (m model) openSessionCmd(id string) tea.Cmd {
	return func() tea.Msg {
		sess, err := m.runner.Session(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		return sessionOpenedMsg{sess}
	}
}

func (m model) enterChat(sess *runner.Session) (model, tea.Cmd) {
	m.sess = sess
	sess.Gate().SetConfirm(m.bridge.confirm)

	m.state = stateChatting
	m.textarea.Placeholder = "Type a message..."
	m.textarea.Focus()
	m.blocks = blocksFromHistory(sess.Messages())
	m.refresh()

	slog.Info("Entered chat", "sessionID", sess.ID(), "messages", len(m.blocks))
	return m, tea.Batch(m.bridge.waitForEvent(), m.bridge.waitForAsk())
}

func (m model) sendMessage() (tea.Model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	if m.busy {
		m.err = runner.ErrTurnInProgress
		return m, nil
	}

	switch {
	case v == "/exit":
		m.state = stateConfirmExit
		return m, nil

	case v == "/compact":
		m.textarea.Reset()
		m.busy = true
		return m, m.compactCmd()

	case strings.HasPrefix(v, "/allow "), strings.HasPrefix(v, "/deny "):
		m.textarea.Reset()
		verb, tool, _ := strings.Cut(v, " ")
		tool = strings.TrimSpace(tool)
		outcome := "allowed"
		if verb == "/allow" {
			m.sess.Gate().AllowForSession(tool)
		} else {
			m.sess.Gate().DenyForSession(tool)
			outcome = "denied"
		}
		m.blocks = append(m.blocks, block{kind: blockNotice, title: "Permission", text: fmt.Sprintf("%s %s for this session", tool, outcome), done: true})
		m.refresh()
		return m, nil
	}

	// Clear input
	m.textarea.Reset()
	m.busy = true
	return m, m.promptCmd(v)
}

func (m model) promptCmd(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.runner.Prompt(m.ctx, m.sess.ID(), text, m.bridge.forward)
		return turnDoneMsg{err}
	}
}

func (m model) compactCmd() tea.Cmd {
	return func() tea.Msg {
		res, err := m.runner.Compact(m.ctx, m.sess.ID())
		return compactDoneMsg{res: res, err: err}
	}
}

func (m model) endSessionCmd() tea.Cmd {
	return func() tea.Msg {
		if m.sess != nil && m.sandbox != nil {
			if err := m.sandbox.Stop(m.ctx, m.sess.ID()); err != nil {
				slog.Error("Failed to stop sandbox", "error", err)
			}
		}
		return nil
	}
}

func runTUI(ctx context.Context, a *app, sessionID string) error {
	m := initialModel(ctx, a.runner, a.sandbox)
	if sessionID != "" {
		sess, err := a.runner.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		var cmd tea.Cmd
		m, cmd = m.enterChat(sess)
		m.initCmd = cmd
	}

	p := tea.NewProgram(m, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
