// Command cli is a terminal chat client for an AgentSession: pick an agent,
// pick a session, type messages, watch the turn loop stream. Run with
// "serve" as the first argument to instead expose the same sessions over
// the REST/WebSocket API (pkg/server) for a browser-based frontend.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	go run cmd/cli/main.go          # terminal chat client
//	go run cmd/cli/main.go serve    # HTTP/WebSocket server on :8080
//
// Commands (typed into the message box):
//
//	/exit          - end the session and quit
//	/model <name>  - switch models for future turns
//	/compact       - force compaction of the current branch
//	<message>      - send a message to the agent
package main

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/mzechner/agentrepl/pkg/agentsession"
	"github.com/mzechner/agentrepl/pkg/hooks"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/models/anthropic"
	"github.com/mzechner/agentrepl/pkg/models/gemini"
	"github.com/mzechner/agentrepl/pkg/sandbox"
	"github.com/mzechner/agentrepl/pkg/sandbox/docker"
	"github.com/mzechner/agentrepl/pkg/sandbox/local"
	"github.com/mzechner/agentrepl/pkg/server"
	"github.com/mzechner/agentrepl/pkg/store"
	"github.com/mzechner/agentrepl/pkg/store/jsonl"
	"github.com/mzechner/agentrepl/pkg/tools"
)

//go:embed dist
var distFS embed.FS

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

	customStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type state int

const (
	stateMenu state = iota
	stateSelectingAgent
	stateSelectingSession
	stateChatting
	stateConfirmExit
)

type errMsg struct{ err error }
type sessionEventMsg agentsession.Event

type model struct {
	ctx        context.Context
	driver     models.Driver
	sessManager store.Manager
	registry   *tools.Registry
	sandboxMgr sandbox.Manager
	hookRunner *hooks.Runner

	currentSess store.Session
	agent       *agentsession.AgentSession
	events      <-chan agentsession.Event

	state              state
	availableModels    []string
	availableSessions  []store.SessionInfo
	availableAgents    []store.Agent
	selectedAgentIndex int
	cursor             int
	listOffset         int
	width              int
	height             int
	err                error
	streaming          bool

	viewport viewport.Model
	textarea textarea.Model

	lines    []string
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, driver models.Driver, manager store.Manager, registry *tools.Registry, sandboxMgr sandbox.Manager, hookRunner *hooks.Runner, modelsList []string) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000

	ta.SetWidth(80)
	ta.SetHeight(3)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	// Standard style avoids terminal queries that leak into the input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	startState := stateMenu
	sessions, err := manager.ListSessions()
	if err == nil && len(sessions) == 0 {
		startState = stateSelectingAgent
	}

	agents, _ := manager.ListAgents()

	return model{
		ctx:             ctx,
		driver:          driver,
		sessManager:     manager,
		registry:        registry,
		sandboxMgr:      sandboxMgr,
		hookRunner:      hookRunner,
		availableModels: modelsList,
		availableAgents: agents,
		state:           startState,
		viewport:        vp,
		textarea:        ta,
		renderer:        r,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
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
		m.viewport.Height = msg.Height - m.textarea.Height() - 2
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(m.width-4),
		)

		maxViewable := m.height - 7
		if maxViewable < 1 {
			maxViewable = 1
		}
		if m.cursor < m.listOffset {
			m.listOffset = m.cursor
		}
		if m.cursor >= m.listOffset+maxViewable {
			m.listOffset = m.cursor - maxViewable + 1
		}
		if m.listOffset < 0 {
			m.listOffset = 0
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.currentSess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			if m.currentSess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					m.state = stateSelectingAgent
					m.cursor = 0
					m.listOffset = 0
				} else {
					sessions, err := m.sessManager.ListSessions()
					if err != nil {
						m.err = err
					} else if len(sessions) == 0 {
						m.err = fmt.Errorf("no existing sessions found")
					} else {
						m.availableSessions = sessions
						m.state = stateSelectingSession
						m.cursor = 0
						m.listOffset = 0
					}
				}
			case stateSelectingAgent:
				m.selectedAgentIndex = m.cursor
				return m.selectAgent()
			case stateSelectingSession:
				return m.selectSession()
			case stateChatting:
				m.err = nil
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
				maxCursor = 1
			case stateSelectingAgent:
				maxCursor = len(m.availableAgents) - 1
			case stateSelectingSession:
				maxCursor = len(m.availableSessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				maxViewable := m.height - 7
				if maxViewable < 1 {
					maxViewable = 1
				}
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.endSessionCmd(), tea.Quit)
				case "n", "N":
					return m, tea.Quit
				}
			}
		}

	case sessionEventMsg:
		e := agentsession.Event(msg)
		switch e.Type {
		case agentsession.EventAgentStart:
			m.streaming = true
		case agentsession.EventAgentEnd:
			m.streaming = false
		}
		if e.Err != nil {
			m.err = e.Err
		}
		m.lines = appendEventLine(m.lines, e, m.renderer)
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForSessionEvent(m.events))

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func appendEventLine(lines []string, e agentsession.Event, r *glamour.TermRenderer) []string {
	switch e.Type {
	case agentsession.EventMessageEnd:
		if e.Core.Err != nil || e.Core.Message.Role != message.RoleAssistant {
			return lines
		}
		text := flattenText(e.Core.Message.Content)
		if text == "" {
			return lines
		}
		rendered := text
		if r != nil {
			if out, err := r.Render(text); err == nil {
				rendered = out
			}
		}
		return append(lines, senderStyle.Render("AI: ")+"\n"+rendered)
	case agentsession.EventToolExecutionEnd:
		status := "ok"
		if e.Core.IsError {
			status = "error"
		}
		return append(lines, customStyle.Render(fmt.Sprintf("[tool %s: %s]\n%s", e.Core.ToolCallName, status, flattenText(e.Core.Result))))
	case agentsession.EventAutoCompactionStart:
		return append(lines, customStyle.Render("[compacting...]"))
	case agentsession.EventAutoCompactionEnd:
		if e.Err != nil {
			return append(lines, customStyle.Render("[compaction failed: "+e.Err.Error()+"]"))
		}
		return append(lines, customStyle.Render("[compaction done]"))
	default:
		return lines
	}
}

func flattenText(blocks []message.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == message.BlockText && b.Text != nil {
			sb.WriteString(b.Text.Text)
		}
	}
	return sb.String()
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
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", "Press Enter to select, Esc to quit.", errorView)

	case stateSelectingAgent:
		header := titleStyle.Render("Select Agent")
		return lipgloss.JoinVertical(lipgloss.Left, header, "", m.renderList(len(m.availableAgents), func(i int) string {
			a := m.availableAgents[i]
			return fmt.Sprintf("%s (%s)", a.Name, a.ID)
		}), "", "Press Enter to select, Esc to quit.", errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")
		return lipgloss.JoinVertical(lipgloss.Left, header, "", m.renderList(len(m.availableSessions), func(i int) string {
			s := m.availableSessions[i]
			return fmt.Sprintf("%s (%s)", s.ID, s.Modified.Format(time.RFC822))
		}), "", "Press Enter to select, Esc to quit.", errorView)

	case stateConfirmExit:
		header := titleStyle.Render("Confirm Exit")
		return lipgloss.JoinVertical(lipgloss.Left, header, "", "End Session? (y/n)", "Ending the session will remove the sandbox.", errorView)
	}

	status := ""
	if m.streaming {
		status = customStyle.Render(" (thinking...)")
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Coding Agent")+status,
		"",
		m.viewport.View(),
		"",
		errorView,
		m.textarea.View(),
	)
}

func (m model) renderList(n int, label func(int) string) string {
	maxViewable := m.height - 7
	if maxViewable < 1 {
		maxViewable = 1
	}
	start := m.listOffset
	end := start + maxViewable
	if end > n {
		end = n
	}
	var optionsView []string
	for i := start; i < end; i++ {
		cursor := " "
		line := label(i)
		if m.cursor == i {
			cursor = ">"
			line = selectedItemStyle.Render(line)
		}
		optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
	}
	return lipgloss.JoinVertical(lipgloss.Left, optionsView...)
}

// Actions

func (m model) selectAgent() (tea.Model, tea.Cmd) {
	agentID := ""
	if len(m.availableAgents) > 0 && m.selectedAgentIndex < len(m.availableAgents) {
		agentID = m.availableAgents[m.selectedAgentIndex].ID
	}
	sess, err := m.sessManager.NewSession(agentID, "")
	if err != nil {
		return m, func() tea.Msg { return errMsg{err} }
	}
	return m.attach(sess)
}

func (m model) selectSession() (tea.Model, tea.Cmd) {
	selected := m.availableSessions[m.cursor]
	sess, err := m.sessManager.LoadSession(selected.ID)
	if err != nil {
		return m, func() tea.Msg { return errMsg{err} }
	}
	return m.attach(sess)
}

// attach builds the AgentSession around sess and enters the chat state.
func (m model) attach(sess store.Session) (tea.Model, tea.Cmd) {
	as, err := agentsession.New(m.sessManager, sess, m.driver, m.registry, m.sandboxMgr, m.hookRunner)
	if err != nil {
		sess.Close()
		return m, func() tea.Msg { return errMsg{err} }
	}

	m.currentSess = sess
	m.agent = as
	m.events = as.Events()
	m.lines = nil
	m.state = stateChatting
	m.textarea.Placeholder = "Type a message..."
	m.textarea.Focus()

	return m, waitForSessionEvent(m.events)
}

func (m model) sendMessage() (tea.Model, tea.Cmd) {
	v := m.textarea.Value()
	if v == "" {
		return m, nil
	}

	// Hook-registered slash commands are checked before the built-ins below.
	if strings.HasPrefix(v, "/") && m.hookRunner != nil {
		if _, ok := m.hookRunner.Command(strings.SplitN(v[1:], " ", 2)[0]); ok {
			m.textarea.Reset()
			agent := m.agent
			return m, func() tea.Msg {
				if err := agent.Prompt(m.ctx, v, agentsession.PromptOptions{ExpandSlashCommands: true}); err != nil {
					return errMsg{err}
				}
				return nil
			}
		}
	}

	if v == "/exit" {
		m.state = stateConfirmExit
		return m, nil
	}

	if strings.HasPrefix(v, "/model ") {
		modelName := strings.TrimSpace(strings.TrimPrefix(v, "/model "))
		m.textarea.Reset()
		if modelName == "" {
			return m, nil
		}
		agent := m.agent
		return m, func() tea.Msg {
			if err := agent.SetModel(m.ctx, modelName); err != nil {
				return errMsg{err}
			}
			return nil
		}
	}

	if v == "/compact" {
		m.textarea.Reset()
		agent := m.agent
		return m, func() tea.Msg {
			if err := agent.Compact(m.ctx, ""); err != nil {
				return errMsg{err}
			}
			return nil
		}
	}

	m.textarea.Reset()
	m.lines = append(m.lines, userStyle.Render("User: ")+"\n"+v)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()

	agent := m.agent
	if m.streaming {
		return m, func() tea.Msg {
			if err := agent.Steer(v); err != nil {
				return errMsg{err}
			}
			return nil
		}
	}
	return m, func() tea.Msg {
		if err := agent.Prompt(m.ctx, v, agentsession.PromptOptions{ExpandSlashCommands: true}); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) endSessionCmd() tea.Cmd {
	agent, sess, sandboxMgr := m.agent, m.currentSess, m.sandboxMgr
	ctx := m.ctx
	return func() tea.Msg {
		if agent != nil {
			agent.Abort()
			agent.Close()
		}
		if sess != nil {
			if err := m.sessManager.SetSessionStatus(sess.ID(), store.SessionStatusEnded); err != nil {
				slog.Error("Failed to set session status", "error", err)
			}
		}
		if sandboxMgr != nil && sess != nil {
			if err := sandboxMgr.Stop(ctx, sess.ID()); err != nil {
				slog.Error("Failed to stop sandbox", "error", err)
			}
		}
		return nil
	}
}

func waitForSessionEvent(ch <-chan agentsession.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return sessionEventMsg(e)
	}
}

// --- Main ---

func main() {
	geminiKey := os.Getenv("GEMINI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	if geminiKey == "" && anthropicKey == "" {
		fmt.Println("Error: set GEMINI_API_KEY or ANTHROPIC_API_KEY.")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f, err := os.OpenFile("agent.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	logLevel := slog.LevelInfo
	if lv := os.Getenv("LOG_LEVEL"); lv != "" {
		switch strings.ToUpper(lv) {
		case "TRACE":
			logLevel = gemini.LevelTrace
		case "DEBUG":
			logLevel = slog.LevelDebug
		case "INFO":
			logLevel = slog.LevelInfo
		case "WARN":
			logLevel = slog.LevelWarn
		case "ERROR":
			logLevel = slog.LevelError
		}
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
	slog.Info("Logging initialized", "level", logLevel)

	var driver models.Driver
	if anthropicKey != "" {
		driver = anthropic.New(anthropicKey)
	} else {
		d, err := gemini.New(ctx, geminiKey)
		if err != nil {
			slog.Error("Failed to initialize Gemini model", "error", err)
			os.Exit(1)
		}
		driver = d
	}

	modelsList, err := driver.List(ctx)
	if err != nil {
		slog.Error("Failed to list models", "error", err)
		os.Exit(1)
	}
	if len(modelsList) == 0 {
		slog.Info("No models available.")
		os.Exit(1)
	}

	mgr := jsonl.NewManager("./store")

	registry := tools.NewRegistry()
	registry.Register(&tools.ListFilesTool{})
	registry.Register(&tools.ReadFileTool{})
	registry.Register(&tools.WriteFileTool{})
	registry.Register(&tools.EditFileTool{})

	var sandboxMgr sandbox.Manager
	if sbMgr, err := docker.New(); err == nil {
		sandboxMgr = sbMgr
	} else {
		slog.Warn("Docker sandbox unavailable, falling back to local process sandbox", "error", err)
		sandboxMgr = local.New("./sandbox")
	}

	hookRunner := hooks.New(16)

	if len(os.Args) > 1 && os.Args[1] == "serve" {
		addr := ":8080"
		if len(os.Args) > 2 {
			addr = os.Args[2]
		}
		srv := server.New(mgr, driver, registry, sandboxMgr, hookRunner, distFS)
		slog.Info("serving", "addr", addr)
		if err := srv.Start(addr); err != nil {
			fmt.Printf("server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	p := tea.NewProgram(initialModel(ctx, driver, mgr, registry, sandboxMgr, hookRunner, modelsList))
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
