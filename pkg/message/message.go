// Package message defines the provider-agnostic chat vocabulary shared by
// pkg/store, pkg/models and pkg/agentcore: roles, content blocks, usage and
// stop-reason accounting.
package message

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleCustom    Role = "custom"
)

// CustomRole refines Role "custom" into the kinds of synthetic messages the
// session ever injects on its own behalf.
type CustomRole string

const (
	CustomRoleBashExecution     CustomRole = "bashExecution"
	CustomRoleHookMessage       CustomRole = "hookMessage"
	CustomRoleBranchSummary     CustomRole = "branchSummary"
	CustomRoleCompactionSummary CustomRole = "compactionSummary"
)

// BlockType identifies the kind of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockThinking   BlockType = "thinking"
	BlockToolCall   BlockType = "toolCall"
	BlockToolResult BlockType = "toolResult"
)

// ContentBlock is a tagged union; exactly one of the typed fields below is
// non-nil, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text       *TextBlock       `json:"text,omitempty"`
	Image      *ImageBlock      `json:"image,omitempty"`
	Thinking   *ThinkingBlock   `json:"thinking,omitempty"`
	ToolCall   *ToolCallBlock   `json:"toolCall,omitempty"`
	ToolResult *ToolResultBlock `json:"toolResult,omitempty"`
}

// TextBlock carries literal text, optionally with a provider thought
// signature used to re-assert extended-thinking continuity on resend.
type TextBlock struct {
	Text             string `json:"text"`
	ThoughtSignature []byte `json:"thoughtSignature,omitempty"`
}

// ThinkingBlock carries a model's visible reasoning trace.
type ThinkingBlock struct {
	Text             string `json:"text"`
	ThoughtSignature []byte `json:"thoughtSignature,omitempty"`
}

// ImageBlock carries inline image data.
type ImageBlock struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// ToolCallBlock represents a model-issued tool invocation.
type ToolCallBlock struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Input            map[string]any `json:"input"`
	ThoughtSignature []byte         `json:"thoughtSignature,omitempty"`
}

// ToolResultBlock represents the outcome of executing a ToolCallBlock.
type ToolResultBlock struct {
	ToolCallID string         `json:"toolCallId"`
	IsError    bool           `json:"isError"`
	Content    []ContentBlock `json:"content"`
}

func Text(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: &TextBlock{Text: s}}
}

func ToolResultText(toolCallID, s string, isError bool) ContentBlock {
	return ContentBlock{
		Type: BlockToolResult,
		ToolResult: &ToolResultBlock{
			ToolCallID: toolCallID,
			IsError:    isError,
			Content:    []ContentBlock{Text(s)},
		},
	}
}

// Usage tracks token and cost accounting for a single model turn.
type Usage struct {
	InputTokens     int     `json:"inputTokens"`
	OutputTokens    int     `json:"outputTokens"`
	CacheReadTokens int     `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int    `json:"cacheWriteTokens,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
}

// Add accumulates u2 into u, returning the result. Useful when a turn spans
// more than one provider round (e.g. a retried stream).
func (u Usage) Add(u2 Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + u2.InputTokens,
		OutputTokens:     u.OutputTokens + u2.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + u2.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + u2.CacheWriteTokens,
		CostUSD:          u.CostUSD + u2.CostUSD,
	}
}

// StopReason explains why a model turn ended.
type StopReason string

const (
	StopComplete   StopReason = "complete"
	StopMaxTokens  StopReason = "max_tokens"
	StopToolCalls  StopReason = "tool_calls"
	StopAborted    StopReason = "aborted"
	StopError      StopReason = "error"
)

// ThinkingLevel is the requested depth of a model's extended reasoning.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

func (t ThinkingLevel) Valid() bool {
	switch t {
	case ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh:
		return true
	}
	return false
}
