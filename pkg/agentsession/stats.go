package agentsession

import (
	"github.com/mzechner/agentrepl/pkg/message"
)

// Stats aggregates counts, token totals and cost from assistant messages on
// the session's current branch.
type Stats struct {
	MessageCount   int
	AssistantTurns int
	ToolCalls      int
	Usage          message.Usage
}

// GetSessionStats walks the current branch's projected context, summing
// usage off every assistant message and counting tool calls it issued.
func (s *AgentSession) GetSessionStats() (Stats, error) {
	ctx, err := s.session.GetContext()
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, e := range ctx.Entries {
		if e.Message == nil {
			continue
		}
		stats.MessageCount++
		if e.Message.Role != message.RoleAssistant {
			continue
		}
		stats.AssistantTurns++
		if e.Message.Usage != nil {
			stats.Usage = stats.Usage.Add(*e.Message.Usage)
		}
		for _, c := range e.Message.Content {
			if c.Type == message.BlockToolCall {
				stats.ToolCalls++
			}
		}
	}
	return stats, nil
}
