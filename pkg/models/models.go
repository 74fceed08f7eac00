// Package models defines the streaming contract every model backend
// implements, plus the request/event vocabulary pkg/agentcore drives a turn
// through.
package models

import (
	"context"

	"github.com/mzechner/agentrepl/pkg/message"
)

// Request is everything a Driver needs to stream one assistant turn.
type Request struct {
	Model         string
	Instructions  string
	Messages      []Message
	Tools         []ToolSpec
	ThinkingLevel message.ThinkingLevel
}

// Message is a provider-agnostic chat message fed into a Request.
type Message struct {
	Role    message.Role
	Content []message.ContentBlock
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// EventType identifies the kind of Event flowing off a Driver's stream.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallDelta EventType = "tool_call_delta"
	EventToolCallEnd   EventType = "tool_call_end"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Event is a single increment of a streamed model turn.
type Event struct {
	Type EventType

	// EventTextDelta / EventThinkingDelta / EventToolCallDelta (partial tool
	// input JSON)
	Delta string

	// EventToolCallStart / EventToolCallDelta / EventToolCallEnd
	ToolCallID    string
	ToolCallName  string
	ToolCallInput map[string]any // only set on EventToolCallEnd, fully parsed

	// EventDone
	Message    Message
	Usage      message.Usage
	StopReason message.StopReason

	// EventError
	Err error
}

// Driver streams one assistant turn from a concrete model backend.
type Driver interface {
	// List returns the names of models this driver can serve.
	List(ctx context.Context) ([]string, error)

	// Stream begins a turn and returns a channel of Events. The channel is
	// always closed, terminated by exactly one EventDone or EventError.
	// The caller cancels by cancelling ctx.
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// ContextWindow returns the token budget of a model, used by
	// pkg/compaction to decide when to compact. Returns 0 if unknown.
	ContextWindow(model string) int
}

// Send delivers an event without blocking forever if the receiver has gone
// away; it still blocks on a full channel since callers are expected to
// drain promptly, but it respects ctx cancellation while waiting.
func Send(ctx context.Context, ch chan<- Event, e Event) {
	select {
	case ch <- e:
	case <-ctx.Done():
	}
}
