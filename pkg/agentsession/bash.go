package agentsession

import (
	"context"

	"github.com/mzechner/agentrepl/pkg/agentcore"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/sandbox"
)

// sessionDelegate adapts AgentSession to sandbox.Delegate so a running bash
// command can prompt the model or inject a message into the session.
type sessionDelegate struct {
	s *AgentSession
}

func (d sessionDelegate) PromptModel(ctx context.Context, prompt string) (string, error) {
	if err := d.s.Prompt(ctx, prompt, PromptOptions{}); err != nil {
		return "", err
	}
	msgs := d.s.core.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleAssistant {
			return flattenText(msgs[i].Content), nil
		}
	}
	return "", nil
}

func (d sessionDelegate) PromptSelf(ctx context.Context, msg string) error {
	return d.s.SendHookMessage(ctx, msg, DeliverAsFollowUp, false)
}

func flattenText(blocks []message.ContentBlock) string {
	for _, b := range blocks {
		if b.Type == message.BlockText && b.Text != nil {
			return b.Text.Text
		}
	}
	return ""
}

// ExecuteBash runs cmd through the session's sandbox manager, owned by a
// cancellation token independent of the turn/compaction/branch-summary
// tokens. While a turn is streaming, the resulting bashExecution custom
// message is buffered until agent_end instead of persisted immediately, so
// it lands after the turn's own messages in append order.
func (s *AgentSession) ExecuteBash(ctx context.Context, command string) (*sandbox.Result, error) {
	s.mu.Lock()
	token := agentcore.NewCancelToken(ctx)
	s.bashToken = token
	s.mu.Unlock()

	result, err := s.sandboxMgr.ExecuteBash(token.Context(), s.session.ID(), command, token.Done(), sessionDelegate{s: s})
	if err != nil {
		return nil, err
	}

	content := []message.ContentBlock{message.Text(result.Output)}
	if s.core.IsStreaming() {
		s.mu.Lock()
		s.pendingBash = append(s.pendingBash, models.Message{Role: message.RoleCustom, Content: content})
		s.mu.Unlock()
	} else {
		if _, err := s.session.AppendCustomMessage(message.CustomRoleBashExecution, content, result.Output); err != nil {
			return result, err
		}
	}
	return result, nil
}

// AbortBash cancels an in-flight ExecuteBash call.
func (s *AgentSession) AbortBash() {
	s.mu.Lock()
	token := s.bashToken
	s.mu.Unlock()
	if token != nil {
		token.Cancel()
	}
}
