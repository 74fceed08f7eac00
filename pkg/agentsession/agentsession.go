// Package agentsession implements AgentSession: the orchestrator owning one
// AgentCore turn loop, one SessionStore session, one HookRunner, one
// CompactionEngine, and the independent cancellation tokens for the turn,
// compaction, branch summary and bash auxiliary tasks.
//
// Structured as a synchronous per-session orchestrator rather than a
// fire-and-forget background runner: each AgentSession owns its own turn
// loop instance and dispatches by session state instead of publishing to a
// shared subscriber set.
package agentsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mzechner/agentrepl/pkg/agentcore"
	"github.com/mzechner/agentrepl/pkg/compaction"
	"github.com/mzechner/agentrepl/pkg/hooks"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/sandbox"
	"github.com/mzechner/agentrepl/pkg/store"
	"github.com/mzechner/agentrepl/pkg/tools"
)

// ErrBusy is returned when a caller tries to start a streaming operation
// while a turn is already in progress.
var ErrBusy = errors.New("agentsession: a turn is already in progress")

// PromptOptions configures a single prompt() call.
type PromptOptions struct {
	ExpandSlashCommands bool
	Images              []message.ContentBlock
}

// DeliverAs selects how a hook message re-enters the turn loop.
type DeliverAs string

const (
	DeliverAsSteer    DeliverAs = "steer"
	DeliverAsFollowUp DeliverAs = "followUp"
)

// AgentSession orchestrates one conversation: persistence, the model turn
// loop, lifecycle hooks, compaction, and session-tree navigation.
type AgentSession struct {
	manager  store.Manager
	session  store.Session
	driver   models.Driver
	registry *tools.Registry
	hookRunner *hooks.Runner
	sandboxMgr sandbox.Manager

	compactionSettings compaction.Settings

	mu               sync.Mutex
	core             *agentcore.Core
	coreEvents       chan agentcore.Event
	events           chan Event
	steeringMessages []string
	followUpMessages []string
	pendingBash      []models.Message

	compactionToken    *agentcore.CancelToken
	branchSummaryToken *agentcore.CancelToken
	bashToken          *agentcore.CancelToken
}

// New constructs an AgentSession around an already-loaded store.Session,
// projecting its current branch into AgentCore's initial message list.
func New(manager store.Manager, session store.Session, driver models.Driver, registry *tools.Registry, sandboxMgr sandbox.Manager, hookRunner *hooks.Runner) (*AgentSession, error) {
	ctx, err := session.GetContext()
	if err != nil {
		return nil, fmt.Errorf("agentsession: projecting initial context: %w", err)
	}

	model := ctx.Model
	if model == "" {
		model = session.Header().Agent.Model
	}

	coreEvents := make(chan agentcore.Event, 64)
	core := agentcore.New(driver, registry, model, systemPrompt(session), coreEvents)
	core.SetThinkingLevel(ctx.ThinkingLevel)
	if err := core.ReplaceMessages(entriesToMessages(ctx.Entries)); err != nil {
		return nil, err
	}

	s := &AgentSession{
		manager:            manager,
		session:            session,
		driver:             driver,
		registry:           registry,
		hookRunner:         hookRunner,
		sandboxMgr:         sandboxMgr,
		compactionSettings: compaction.DefaultSettings,
		core:               core,
		coreEvents:         coreEvents,
		events:             make(chan Event, 64),
	}
	go s.forwardEvents()
	return s, nil
}

func systemPrompt(session store.Session) string {
	if session.Header().Agent.Instructions != "" {
		return session.Header().Agent.Instructions
	}
	return "You are a helpful coding agent."
}

// entriesToMessages converts a projected Context's entries (plain messages
// plus synthetic compaction/branch-summary messages) into the flat message
// list AgentCore drives a turn from.
func entriesToMessages(entries []store.Entry) []models.Message {
	var out []models.Message
	for _, e := range entries {
		if e.Type != store.TypeMessage || e.Message == nil {
			continue
		}
		out = append(out, models.Message{Role: e.Message.Role, Content: e.Message.Content})
	}
	return out
}

// Events returns the channel session-level and forwarded turn-loop events
// are published on.
func (s *AgentSession) Events() <-chan Event { return s.events }

// Close stops the session's auxiliary tokens and tears down forwarding.
func (s *AgentSession) Close() error {
	s.mu.Lock()
	for _, token := range []*agentcore.CancelToken{s.compactionToken, s.branchSummaryToken, s.bashToken} {
		if token != nil {
			token.Cancel()
		}
	}
	s.mu.Unlock()
	close(s.coreEvents)
	return s.session.Close()
}

// forwardEvents relays AgentCore events onto the public channel, persisting
// terminal entries along the way.
func (s *AgentSession) forwardEvents() {
	for e := range s.coreEvents {
		switch e.Type {
		case agentcore.EventMessageStart:
			// The turn's own originating user message (QueueSource "") is
			// persisted synchronously by Prompt before it ever reaches
			// AgentCore, so only steer/follow-up entries need their pending
			// mirror cleared here, at the point the message actually enters
			// the loop — matching spec.md §4.7's "on message_start(user)
			// with matching text."
			if e.Role == message.RoleUser && e.QueueSource != "" {
				s.mu.Lock()
				switch e.QueueSource {
				case "steer":
					drainMirror(&s.steeringMessages, s.core.SteeringMode())
				case "followup":
					drainMirror(&s.followUpMessages, s.core.FollowUpMode())
				}
				s.mu.Unlock()
			}
		case agentcore.EventMessageEnd:
			switch {
			case e.Err == nil && e.Role == message.RoleAssistant:
				if _, err := s.session.AppendMessage(e.Message.Role, e.Message.Content); err != nil {
					s.events <- Event{Type: EventType(e.Type), Core: e, Err: err}
					continue
				}
			case e.Role == message.RoleUser && e.QueueSource != "":
				if _, err := s.session.AppendMessage(e.Message.Role, e.Message.Content); err != nil {
					s.events <- Event{Type: EventType(e.Type), Core: e, Err: err}
					continue
				}
			}
		case agentcore.EventToolExecutionEnd:
			content := message.ContentBlock{
				Type: message.BlockToolResult,
				ToolResult: &message.ToolResultBlock{
					ToolCallID: e.ToolCallID,
					IsError:    e.IsError,
					Content:    e.Result,
				},
			}
			if _, err := s.session.AppendMessage(message.RoleTool, []message.ContentBlock{content}); err != nil {
				s.events <- Event{Type: EventType(e.Type), Core: e, Err: err}
				continue
			}
		case agentcore.EventAgentEnd:
			s.flushPendingBash()
		}
		s.events <- Event{Type: EventType(e.Type), Core: e}
	}
}

// drainMirror pops queued UI-facing entries the same way AgentCore's own
// drainQueues does, so the "pending" list shrinks in step with what
// AgentCore actually consumes between turns. AgentCore's internal queue
// remains the source of truth for what gets sent; this one only mirrors it
// for rendering.
func drainMirror(queue *[]string, mode agentcore.QueueMode) {
	if len(*queue) == 0 {
		return
	}
	switch mode {
	case agentcore.Skip:
		*queue = nil
	case agentcore.Concatenate:
		*queue = nil
	default:
		*queue = (*queue)[1:]
	}
}

func (s *AgentSession) flushPendingBash() {
	s.mu.Lock()
	pending := s.pendingBash
	s.pendingBash = nil
	s.mu.Unlock()
	for _, msg := range pending {
		s.session.AppendCustomMessage(message.CustomRoleBashExecution, msg.Content, "")
	}
}

// expandSlashCommand dispatches a leading "/name args" against the hook
// runner's command table. Returns handled=true if text was a recognized
// command (whether or not it errored), meaning Prompt should not also send
// it to the model.
func (s *AgentSession) expandSlashCommand(ctx context.Context, text string) (handled bool) {
	if s.hookRunner == nil || !strings.HasPrefix(text, "/") {
		return false
	}
	fields := strings.SplitN(text[1:], " ", 2)
	cmd, ok := s.hookRunner.Command(fields[0])
	if !ok {
		return false
	}
	args := ""
	if len(fields) > 1 {
		args = fields[1]
	}
	cmd.Run(ctx, args, s)
	return true
}

// Prompt submits a new user turn. It expands a leading slash command unless
// disabled, invokes the before_agent_start gate hook (whose override, if
// any, is appended as a second message), checks the auto-compaction
// threshold, and drives AgentCore.
func (s *AgentSession) Prompt(ctx context.Context, text string, opts PromptOptions) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}

	if opts.ExpandSlashCommands && s.expandSlashCommand(ctx, text) {
		return nil
	}

	content := append([]message.ContentBlock{message.Text(text)}, opts.Images...)
	msgs := []models.Message{{Role: message.RoleUser, Content: content}}

	if s.hookRunner != nil {
		if result := s.hookRunner.Emit(ctx, hooks.Event{Name: hooks.EventBeforeAgentStart}, s); result != nil {
			if result.Cancel {
				return fmt.Errorf("agentsession: prompt cancelled by before_agent_start hook")
			}
			if extra, ok := result.Override.(string); ok && extra != "" {
				msgs = append(msgs, models.Message{Role: message.RoleUser, Content: []message.ContentBlock{message.Text(extra)}})
			}
		}
	}

	// spec.md §4.3's auto-compaction policy: before sending a turn, compact
	// if the branch (as it stands before this turn's message) already
	// projects over the model's context-window budget. Checked before
	// persisting/appending the new message so a resync here never collides
	// with the fresh append driveTurn does next. compact() is a no-op (no
	// events, no error) when nothing needs dropping.
	if _, err := s.compact(ctx, "threshold", ""); err != nil {
		return fmt.Errorf("agentsession: auto-compaction before prompt: %w", err)
	}

	for _, m := range msgs {
		if _, err := s.session.AppendMessage(m.Role, m.Content); err != nil {
			return fmt.Errorf("agentsession: persisting user message: %w", err)
		}
	}

	return s.driveTurn(ctx, msgs)
}

// driveTurn runs msgs through AgentCore. If the provider reports the
// conversation overflowed its context window mid-turn, it compacts once and
// retries the same turn exactly once via Continue (msgs are already in
// AgentCore's message list from the first attempt, so they must not be
// appended again).
func (s *AgentSession) driveTurn(ctx context.Context, msgs []models.Message) error {
	err := s.core.Prompt(ctx, msgs)
	if err == nil || !errors.Is(err, models.ErrOverflow) {
		return err
	}

	s.events <- Event{Type: EventAutoRetryStart}
	_, compactErr := s.compact(ctx, "overflow", "")
	s.events <- Event{Type: EventAutoRetryEnd, Err: compactErr}
	if compactErr != nil {
		return err
	}

	return s.core.Continue(ctx)
}

// Continue begins a new turn without a new user message.
func (s *AgentSession) Continue(ctx context.Context) error {
	return s.core.Continue(ctx)
}

// Steer enqueues a steering message for the in-progress turn and mirrors it
// for UI display.
func (s *AgentSession) Steer(text string) error {
	if err := s.core.Steer(text); err != nil {
		return err
	}
	s.mu.Lock()
	s.steeringMessages = append(s.steeringMessages, text)
	s.mu.Unlock()
	return nil
}

// FollowUp enqueues a follow-up message for after the in-progress turn.
func (s *AgentSession) FollowUp(text string) error {
	if err := s.core.FollowUp(text); err != nil {
		return err
	}
	s.mu.Lock()
	s.followUpMessages = append(s.followUpMessages, text)
	s.mu.Unlock()
	return nil
}

// Abort cancels the in-progress turn.
func (s *AgentSession) Abort() { s.core.Abort() }

// ClearQueue empties both pending-message mirrors and returns what was
// cleared; it does not reach into AgentCore's own queues, which only the
// turn loop itself drains.
func (s *AgentSession) ClearQueue() (steering, followUp []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steering, followUp = s.steeringMessages, s.followUpMessages
	s.steeringMessages, s.followUpMessages = nil, nil
	return steering, followUp
}

// SendHookMessage routes a hook-originated string into the session: while
// streaming, via the steer/follow-up queue named by opts; once idle, appended
// directly as a hook message entry (optionally triggering a new turn).
func (s *AgentSession) SendHookMessage(ctx context.Context, msg string, deliverAs DeliverAs, triggerTurn bool) error {
	if s.core.IsStreaming() {
		if deliverAs == DeliverAsFollowUp {
			return s.FollowUp(msg)
		}
		return s.Steer(msg)
	}

	if triggerTurn {
		return s.Prompt(ctx, msg, PromptOptions{})
	}
	_, err := s.session.AppendCustomMessage(message.CustomRoleHookMessage, []message.ContentBlock{message.Text(msg)}, msg)
	return err
}

// AppendHookMessage implements hooks.API.
func (s *AgentSession) AppendHookMessage(ctx context.Context, text string) error {
	return s.SendHookMessage(ctx, text, DeliverAsFollowUp, false)
}

// RequestNewSession implements hooks.API; handlers only request it, the
// caller embedding AgentSession decides whether to actually swap sessions.
func (s *AgentSession) RequestNewSession(ctx context.Context) error { return nil }

// RequestBranch implements hooks.API.
func (s *AgentSession) RequestBranch(ctx context.Context, entryID string) error {
	return s.Branch(ctx, entryID)
}

// RequestNavigateTree implements hooks.API.
func (s *AgentSession) RequestNavigateTree(ctx context.Context, entryID string) error {
	return s.NavigateTree(ctx, entryID, false, "")
}
