// Package agentcore implements the turn loop: one model round plus any tool
// calls it triggers, looped until the assistant produces a plain response
// with no queued follow-up work. It knows nothing about persistence or
// hooks — AgentSession owns that, subscribing to the event stream this
// package emits.
//
// The call-model/execute-tools split and the event-loop shape follow the
// classic single-step runner pattern, but tool dispatch is not sequential:
// all pending calls in a turn launch together via errgroup.Group,
// coordinated only by a shared CancelToken.
package agentcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/tools"
)

// QueueMode controls how queued steer/follow-up messages are drained between
// turns. Skip is only meaningful for follow-up.
type QueueMode string

const (
	OneAtATime QueueMode = "one-at-a-time"
	Concatenate QueueMode = "concatenate"
	Skip        QueueMode = "skip"
)

// EventType identifies the kind of Event emitted during a turn loop.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventTurnStart           EventType = "turn_start"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventTurnEnd             EventType = "turn_end"
	EventAgentEnd            EventType = "agent_end"
)

// Event is one increment of the turn loop, delivered on Core.Events().
type Event struct {
	Type EventType

	// EventMessageStart / EventMessageUpdate / EventMessageEnd
	Role       message.Role
	Delta      string             // text delta folded into the growing message, EventMessageUpdate only
	Message    models.Message     // full message: set on every user EventMessageStart/End (the text is already known), assistant EventMessageEnd only
	StopReason message.StopReason // EventMessageEnd, assistant only

	// QueueSource distinguishes a user EventMessageStart/End spliced in from
	// the steer/follow-up queues ("steer", "followup") from one entering the
	// loop as the turn's original prompt (""). AgentSession keys its
	// pending-message mirrors off this instead of guessing from text.
	QueueSource string

	// EventToolExecutionStart / Update / End
	ToolCallID   string
	ToolCallName string
	ToolCallInput map[string]any
	Result       []message.ContentBlock // EventToolExecutionEnd only
	IsError      bool

	Err error
}

// ErrBusy is returned by Prompt/Continue/ReplaceMessages/AppendMessage when
// called while a turn is already streaming.
var ErrBusy = errors.New("agentcore: turn already in progress")

// Core runs the turn loop against one Driver and one tool Registry.
type Core struct {
	driver   models.Driver
	registry *tools.Registry

	mu            sync.Mutex
	model         string
	thinkingLevel message.ThinkingLevel
	systemPrompt  string
	messages      []models.Message
	isStreaming   bool
	steeringMode  QueueMode
	followUpMode  QueueMode
	steerQueue    []string
	followUpQueue []string
	token         *CancelToken

	events chan Event
}

// New constructs a Core. events should be sized for the caller's consumption
// pattern; Prompt blocks on sending so a reader must keep draining it.
func New(driver models.Driver, registry *tools.Registry, model string, systemPrompt string, events chan Event) *Core {
	return &Core{
		driver:       driver,
		registry:     registry,
		model:        model,
		thinkingLevel: message.ThinkingOff,
		systemPrompt: systemPrompt,
		steeringMode: OneAtATime,
		followUpMode: OneAtATime,
		events:       events,
	}
}

// Events returns the channel this Core emits on.
func (c *Core) Events() <-chan Event { return c.events }

func (c *Core) emit(e Event) { c.events <- e }

// IsStreaming reports whether a turn is currently in flight.
func (c *Core) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isStreaming
}

// Messages returns a snapshot copy of the current message list.
func (c *Core) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Core) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

func (c *Core) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *Core) SetThinkingLevel(level message.ThinkingLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thinkingLevel = level
}

func (c *Core) ThinkingLevel() message.ThinkingLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thinkingLevel
}

func (c *Core) SetSteeringMode(mode QueueMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steeringMode = mode
}

func (c *Core) SetFollowUpMode(mode QueueMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUpMode = mode
}

func (c *Core) SteeringMode() QueueMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steeringMode
}

func (c *Core) FollowUpMode() QueueMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.followUpMode
}

// AppendMessage inserts msg directly, bypassing the turn loop. Forbidden
// while streaming — the session uses this only at defined safe points
// (e.g. splicing in a synthetic custom message between turns).
func (c *Core) AppendMessage(msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isStreaming {
		return ErrBusy
	}
	c.messages = append(c.messages, msg)
	return nil
}

// ReplaceMessages wholesale-replaces the message list, used after
// compaction or a session switch/branch re-projection.
func (c *Core) ReplaceMessages(msgs []models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isStreaming {
		return ErrBusy
	}
	c.messages = append([]models.Message(nil), msgs...)
	return nil
}

// Steer enqueues msg on the steer queue. Valid only while streaming; the
// shared cancellation token is not touched.
func (c *Core) Steer(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isStreaming {
		return errors.New("agentcore: steer requires an in-progress turn")
	}
	c.steerQueue = append(c.steerQueue, msg)
	return nil
}

// FollowUp enqueues msg on the follow-up queue. Valid only while streaming.
func (c *Core) FollowUp(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isStreaming {
		return errors.New("agentcore: follow-up requires an in-progress turn")
	}
	c.followUpQueue = append(c.followUpQueue, msg)
	return nil
}

// Abort cancels the turn's shared token. Tools and the model stream observe
// it cooperatively; the in-flight assistant message ends with stopReason
// aborted and no further turns run.
func (c *Core) Abort() {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != nil {
		token.Cancel()
	}
}

// Prompt appends msgs as the next user turn and runs the loop to
// completion, emitting events as it goes. It blocks until the loop exits.
func (c *Core) Prompt(ctx context.Context, msgs []models.Message) error {
	c.mu.Lock()
	if c.isStreaming {
		c.mu.Unlock()
		return ErrBusy
	}
	c.isStreaming = true
	c.messages = append(c.messages, msgs...)
	token := NewCancelToken(ctx)
	c.token = token
	c.mu.Unlock()

	pending := make([]pendingUserMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == message.RoleUser {
			pending = append(pending, pendingUserMessage{message: m})
		}
	}

	return c.run(token, pending)
}

// Continue begins a new turn without appending a user message — used after
// a tool-result-only ping, e.g. a hook message injected mid-stream.
func (c *Core) Continue(ctx context.Context) error {
	return c.Prompt(ctx, nil)
}

// pendingUserMessage is a user message that has entered c.messages but not
// yet had its message_start/message_end pair emitted — either the turn's
// original prompt (source "") or a steer/follow-up entry spliced in by
// drainQueues ("steer"/"followup").
type pendingUserMessage struct {
	message models.Message
	source  string
}

func (c *Core) run(token *CancelToken, pending []pendingUserMessage) error {
	c.emit(Event{Type: EventAgentStart})

	for {
		c.emit(Event{Type: EventTurnStart})

		for _, p := range pending {
			c.emit(Event{Type: EventMessageStart, Role: message.RoleUser, Message: p.message, QueueSource: p.source})
			c.emit(Event{Type: EventMessageEnd, Role: message.RoleUser, Message: p.message, QueueSource: p.source})
		}
		pending = nil

		_, stopReason, toolCalls, err := c.runModelTurn(token)
		if err != nil {
			c.finish(token)
			c.emit(Event{Type: EventAgentEnd})
			return err
		}

		var toolResults []models.Message
		if stopReason == message.StopToolCalls && len(toolCalls) > 0 {
			toolResults = c.runToolCalls(token, toolCalls)
			c.mu.Lock()
			c.messages = append(c.messages, toolResults...)
			c.mu.Unlock()
		}

		if token.IsCancelled() {
			c.finish(token)
			c.emit(Event{Type: EventAgentEnd})
			return nil
		}

		queued := c.drainQueues()

		c.emit(Event{Type: EventTurnEnd})

		if len(toolResults) == 0 && len(queued) == 0 {
			break
		}
		if len(queued) > 0 {
			c.mu.Lock()
			for _, q := range queued {
				c.messages = append(c.messages, q.message)
			}
			c.mu.Unlock()
			pending = queued
		}
	}

	c.finish(token)
	c.emit(Event{Type: EventAgentEnd})
	return nil
}

func (c *Core) finish(token *CancelToken) {
	c.mu.Lock()
	c.isStreaming = false
	c.token = nil
	c.mu.Unlock()
}

// runModelTurn calls the Driver for one assistant response, folding deltas
// into message_update events and returning the finished message, its stop
// reason, and any tool calls it issued.
func (c *Core) runModelTurn(token *CancelToken) (models.Message, message.StopReason, []message.ContentBlock, error) {
	c.mu.Lock()
	req := models.Request{
		Model:         c.model,
		Instructions:  c.systemPrompt,
		Messages:      append([]models.Message(nil), c.messages...),
		ThinkingLevel: c.thinkingLevel,
	}
	if c.registry != nil {
		for _, s := range c.registry.Specs() {
			req.Tools = append(req.Tools, models.ToolSpec{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema})
		}
	}
	c.mu.Unlock()

	events, err := c.driver.Stream(token.Context(), req)
	if err != nil {
		err = models.ClassifyOverflow(err)
		c.emit(Event{Type: EventMessageEnd, Role: message.RoleAssistant, Err: err,
			Message: models.Message{Role: message.RoleAssistant, Content: []message.ContentBlock{}}})
		return models.Message{}, message.StopError, nil, fmt.Errorf("agentcore: starting model stream: %w", err)
	}

	c.emit(Event{Type: EventMessageStart, Role: message.RoleAssistant})

	var text strings.Builder
	toolCallsByIdx := map[int]*message.ToolCallBlock{}
	var toolCallOrder []int

	for ev := range events {
		switch ev.Type {
		case models.EventTextDelta:
			text.WriteString(ev.Delta)
			c.emit(Event{Type: EventMessageUpdate, Role: message.RoleAssistant, Delta: ev.Delta})
		case models.EventThinkingDelta:
			c.emit(Event{Type: EventMessageUpdate, Role: message.RoleAssistant, Delta: ev.Delta})
		case models.EventToolCallStart:
			c.emit(Event{Type: EventMessageUpdate, Role: message.RoleAssistant, ToolCallID: ev.ToolCallID, ToolCallName: ev.ToolCallName})
		case models.EventToolCallEnd:
			idx := len(toolCallOrder)
			toolCallsByIdx[idx] = &message.ToolCallBlock{ID: ev.ToolCallID, Name: ev.ToolCallName, Input: ev.ToolCallInput}
			toolCallOrder = append(toolCallOrder, idx)
		case models.EventDone:
			content := make([]message.ContentBlock, 0, len(toolCallOrder)+1)
			if text.Len() > 0 {
				content = append(content, message.Text(text.String()))
			}
			for _, idx := range toolCallOrder {
				tc := toolCallsByIdx[idx]
				content = append(content, message.ContentBlock{Type: message.BlockToolCall, ToolCall: tc})
			}
			assistant := models.Message{Role: message.RoleAssistant, Content: content}
			if token.IsCancelled() {
				ev.StopReason = message.StopAborted
			}
			c.mu.Lock()
			c.messages = append(c.messages, assistant)
			c.mu.Unlock()
			c.emit(Event{Type: EventMessageEnd, Role: message.RoleAssistant, Message: assistant, StopReason: ev.StopReason})
			return assistant, ev.StopReason, toolCallContent(toolCallsByIdx, toolCallOrder), nil
		case models.EventError:
			errMsg := models.Message{Role: message.RoleAssistant, Content: []message.ContentBlock{message.Text(text.String())}}
			c.emit(Event{Type: EventMessageEnd, Role: message.RoleAssistant, Message: errMsg, StopReason: message.StopError, Err: ev.Err})
			return errMsg, message.StopError, nil, fmt.Errorf("agentcore: model stream error: %w", ev.Err)
		}
	}

	return models.Message{}, message.StopError, nil, fmt.Errorf("agentcore: model stream closed without a terminal event")
}

func toolCallContent(byIdx map[int]*message.ToolCallBlock, order []int) []message.ContentBlock {
	out := make([]message.ContentBlock, 0, len(order))
	for _, idx := range order {
		tc := byIdx[idx]
		out = append(out, message.ContentBlock{Type: message.BlockToolCall, ToolCall: tc})
	}
	return out
}

// runToolCalls launches every tool call in toolCalls concurrently, each
// sharing token for cooperative cancellation, and returns their results as
// tool-role messages in the same order the calls appeared in the assistant
// message — the only ordering tool_execution_end need not itself respect.
func (c *Core) runToolCalls(token *CancelToken, toolCalls []message.ContentBlock) []models.Message {
	results := make([]models.Message, len(toolCalls))
	g, ctx := errgroup.WithContext(token.Context())

	for i, block := range toolCalls {
		i, block := i, block
		if block.Type != message.BlockToolCall || block.ToolCall == nil {
			continue
		}
		call := block.ToolCall
		g.Go(func() error {
			results[i] = c.runOneToolCall(ctx, token, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *Core) runOneToolCall(ctx context.Context, token *CancelToken, call *message.ToolCallBlock) models.Message {
	c.emit(Event{Type: EventToolExecutionStart, ToolCallID: call.ID, ToolCallName: call.Name, ToolCallInput: call.Input})

	if token.IsCancelled() {
		result := message.ToolResultText(call.ID, "tool call cancelled", true)
		c.emit(Event{Type: EventToolExecutionEnd, ToolCallID: call.ID, ToolCallName: call.Name, Result: result.ToolResult.Content, IsError: true})
		return models.Message{Role: message.RoleTool, Content: []message.ContentBlock{result}}
	}

	tool, ok := c.registry.Get(call.Name)
	if !ok {
		result := message.ToolResultText(call.ID, fmt.Sprintf("unknown tool %q", call.Name), true)
		c.emit(Event{Type: EventToolExecutionEnd, ToolCallID: call.ID, ToolCallName: call.Name, Result: result.ToolResult.Content, IsError: true})
		return models.Message{Role: message.RoleTool, Content: []message.ContentBlock{result}}
	}

	content, err := tool.Execute(ctx, call.Input)
	isError := err != nil
	if err != nil {
		content = []message.ContentBlock{message.Text(err.Error())}
	}
	result := message.ContentBlock{
		Type: message.BlockToolResult,
		ToolResult: &message.ToolResultBlock{
			ToolCallID: call.ID,
			IsError:    isError,
			Content:    content,
		},
	}
	c.emit(Event{Type: EventToolExecutionEnd, ToolCallID: call.ID, ToolCallName: call.Name, Result: content, IsError: isError})
	return models.Message{Role: message.RoleTool, Content: []message.ContentBlock{result}}
}

// drainQueues pulls pending steer/follow-up entries according to their
// modes and returns them as user messages to splice in before the next
// turn, tagged with which queue they came from so the caller can emit a
// message_start/end pair AgentSession keys its pending-message mirrors off
// of. Steer entries are applied first, then follow-up, matching the order
// spec'd for prompt()'s loop step.
func (c *Core) drainQueues() []pendingUserMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []pendingUserMessage
	if msg, ok := drainOne(&c.steerQueue, c.steeringMode); ok {
		out = append(out, pendingUserMessage{
			message: models.Message{Role: message.RoleUser, Content: []message.ContentBlock{message.Text(msg)}},
			source:  "steer",
		})
	}
	if msg, ok := drainOne(&c.followUpQueue, c.followUpMode); ok {
		out = append(out, pendingUserMessage{
			message: models.Message{Role: message.RoleUser, Content: []message.ContentBlock{message.Text(msg)}},
			source:  "followup",
		})
	}
	return out
}

func drainOne(queue *[]string, mode QueueMode) (string, bool) {
	if len(*queue) == 0 {
		return "", false
	}
	switch mode {
	case Skip:
		*queue = nil
		return "", false
	case Concatenate:
		msg := strings.Join(*queue, "\n\n")
		*queue = nil
		return msg, true
	default: // OneAtATime
		msg := (*queue)[0]
		*queue = (*queue)[1:]
		return msg, true
	}
}
