// Package hooks implements pluggable lifecycle interception: a registry of
// handlers keyed by event name, with ordinary fan-out events and "gate"
// events whose first non-nil result overrides the core operation.
//
// The registration-order fan-out and the non-blocking error surface mirror
// pkg/store/jsonl's Manager.broadcastLoop/Subscribe/publish pub-sub, adapted
// from session-change notifications to typed lifecycle events.
package hooks

import (
	"context"
	"sync"
)

// EventName identifies a lifecycle moment a handler can react to.
type EventName string

const (
	EventSessionStart        EventName = "session_start"
	EventSessionShutdown      EventName = "session_shutdown"
	EventBeforeAgentStart     EventName = "before_agent_start"
	EventAgentStart           EventName = "agent_start"
	EventAgentEnd             EventName = "agent_end"
	EventTurnStart            EventName = "turn_start"
	EventTurnEnd              EventName = "turn_end"
	EventSessionBeforeSwitch  EventName = "session_before_switch"
	EventSessionSwitch        EventName = "session_switch"
	EventSessionBeforeBranch  EventName = "session_before_branch"
	EventSessionBranch        EventName = "session_branch"
	EventSessionBeforeTree    EventName = "session_before_tree"
	EventSessionTree          EventName = "session_tree"
	EventSessionBeforeCompact EventName = "session_before_compact"
	EventSessionCompact       EventName = "session_compact"
)

// gateEvents return a result able to override or cancel the core operation;
// the first handler to return a non-nil Result wins.
var gateEvents = map[EventName]bool{
	EventBeforeAgentStart:     true,
	EventSessionBeforeSwitch:  true,
	EventSessionBeforeBranch:  true,
	EventSessionBeforeTree:    true,
	EventSessionBeforeCompact: true,
}

// Event carries the event name plus whatever payload the emitting code
// attached (e.g. the *compaction.Preparation for session_before_compact).
type Event struct {
	Name    EventName
	Payload any
}

// Result is what a gate handler returns to override or cancel the pending
// operation. Cancel wins over Override if both are set. For
// before_agent_start specifically, Override carries a message to append
// after the user's prompt rather than a replacement for it.
type Result struct {
	Cancel   bool
	Override any
}

// Handler reacts to an Event, optionally returning a Result for gate events.
// API gives the handler a way to re-enter the session (append a hook
// message, branch, navigate, request a new session) through the same guards
// user actions go through.
type Handler func(ctx context.Context, event Event, api API) (*Result, error)

// API is the injected surface a handler uses to act on the session it's
// attached to. AgentSession implements it.
type API interface {
	AppendHookMessage(ctx context.Context, text string) error
	RequestNewSession(ctx context.Context) error
	RequestBranch(ctx context.Context, entryID string) error
	RequestNavigateTree(ctx context.Context, entryID string) error
}

// SlashCommand is a handler-registered command, dispatched before built-ins.
type SlashCommand struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args string, api API) error
}

// Runner is the registry of handlers and slash commands for one session.
type Runner struct {
	mu       sync.RWMutex
	handlers map[EventName][]Handler
	commands map[string]SlashCommand

	errs chan HandlerError
}

// HandlerError is delivered on the error channel when a handler fails;
// failures never abort the emit pipeline.
type HandlerError struct {
	Event EventName
	Err   error
}

// New creates an empty Runner. errBuffer sizes the non-blocking error
// channel; a full channel drops the overflow silently rather than blocking
// the hook caller.
func New(errBuffer int) *Runner {
	if errBuffer <= 0 {
		errBuffer = 32
	}
	return &Runner{
		handlers: make(map[EventName][]Handler),
		commands: make(map[string]SlashCommand),
		errs:     make(chan HandlerError, errBuffer),
	}
}

// Errors returns the channel handler errors are published on.
func (r *Runner) Errors() <-chan HandlerError { return r.errs }

// On registers a handler for name, appended after any already registered.
func (r *Runner) On(name EventName, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], h)
}

// RegisterCommand adds a slash command a handler owns.
func (r *Runner) RegisterCommand(cmd SlashCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

// Command looks up a registered slash command by name.
func (r *Runner) Command(name string) (SlashCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Emit runs every handler registered for event.Name, in registration order.
// For gate events, the first non-nil Result returned short-circuits the
// remaining handlers and is returned to the caller. A handler error is
// published on Errors() and otherwise ignored — it never aborts the pipeline
// or the remaining handlers.
func (r *Runner) Emit(ctx context.Context, event Event, api API) *Result {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[event.Name]...)
	isGate := gateEvents[event.Name]
	r.mu.RUnlock()

	for _, h := range handlers {
		result, err := h(ctx, event, api)
		if err != nil {
			r.publishError(HandlerError{Event: event.Name, Err: err})
			continue
		}
		if isGate && result != nil {
			return result
		}
	}
	return nil
}

func (r *Runner) publishError(e HandlerError) {
	select {
	case r.errs <- e:
	default:
	}
}
