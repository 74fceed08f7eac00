package agentsession

import "github.com/mzechner/agentrepl/pkg/agentcore"

// EventType identifies what's flowing on the session's public event
// channel: every agentcore.EventType forwarded verbatim, plus session-level
// events for auto-compaction and auto-retry.
type EventType string

const (
	EventAgentStart          EventType = EventType(agentcore.EventAgentStart)
	EventTurnStart           EventType = EventType(agentcore.EventTurnStart)
	EventMessageStart        EventType = EventType(agentcore.EventMessageStart)
	EventMessageUpdate       EventType = EventType(agentcore.EventMessageUpdate)
	EventMessageEnd          EventType = EventType(agentcore.EventMessageEnd)
	EventToolExecutionStart  EventType = EventType(agentcore.EventToolExecutionStart)
	EventToolExecutionUpdate EventType = EventType(agentcore.EventToolExecutionUpdate)
	EventToolExecutionEnd    EventType = EventType(agentcore.EventToolExecutionEnd)
	EventTurnEnd             EventType = EventType(agentcore.EventTurnEnd)
	EventAgentEnd            EventType = EventType(agentcore.EventAgentEnd)

	EventAutoCompactionStart EventType = "auto_compaction_start"
	EventAutoCompactionEnd   EventType = "auto_compaction_end"
	EventAutoRetryStart      EventType = "auto_retry_start"
	EventAutoRetryEnd        EventType = "auto_retry_end"
)

// Event is one item on the session's public event channel: a forwarded
// agentcore.Event, or a session-level event with its own payload.
type Event struct {
	Type EventType
	Core agentcore.Event

	// EventAutoCompactionStart / EventAutoCompactionEnd: "threshold" (checked
	// before every prompt) or "overflow" (triggered by a provider_overflow
	// error mid-turn, see EventAutoRetryStart/End).
	Reason string

	// EventAutoCompactionEnd
	Aborted bool
	Err     error
}
