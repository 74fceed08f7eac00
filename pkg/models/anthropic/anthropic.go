// Package anthropic implements models.Driver against the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
)

var contextWindows = map[string]int{
	"claude-opus-4-20250514":   200_000,
	"claude-sonnet-4-20250514": 200_000,
	"claude-3-5-haiku-20241022": 200_000,
}

// Driver implements models.Driver using the Anthropic Messages API.
type Driver struct {
	client anthropic.Client
}

var _ models.Driver = (*Driver)(nil)

// New creates a new Driver.
func New(apiKey string) *Driver {
	return &Driver{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// List returns the small set of Claude models this driver knows about; the
// Anthropic API does not expose a models-list endpoint comparable to Gemini's.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(contextWindows))
	for name := range contextWindows {
		names = append(names, name)
	}
	return names, nil
}

func (d *Driver) ContextWindow(model string) int {
	return contextWindows[model]
}

func (d *Driver) Stream(ctx context.Context, req models.Request) (<-chan models.Event, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: 8192,
		System:    []anthropic.TextBlockParam{{Text: req.Instructions}},
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schemaToAnthropic(t.InputSchema),
			},
		})
	}
	for _, m := range req.Messages {
		msg, ok := toAnthropicMessage(m)
		if !ok {
			continue
		}
		params.Messages = append(params.Messages, msg)
	}

	out := make(chan models.Event, 8)
	go pumpAnthropic(ctx, d.client, params, out)
	return out, nil
}

type toolAccumulator struct {
	id   string
	name string
	buf  strings.Builder
}

func pumpAnthropic(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, out chan<- models.Event) {
	defer close(out)

	stream := client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	var toolCalls []message.ContentBlock
	var usage message.Usage
	stopReason := message.StopComplete
	accumulators := map[int64]*toolAccumulator{}

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			models.Send(ctx, out, models.Event{Type: models.EventError, Err: models.ClassifyOverflow(err)})
			return
		}

		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = int(variant.Message.Usage.InputTokens)
			usage.CacheReadTokens = int(variant.Message.Usage.CacheReadInputTokens)
			usage.CacheWriteTokens = int(variant.Message.Usage.CacheCreationInputTokens)

		case anthropic.ContentBlockStartEvent:
			if tu, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				accumulators[variant.Index] = &toolAccumulator{id: tu.ID, name: tu.Name}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				models.Send(ctx, out, models.Event{Type: models.EventTextDelta, Delta: delta.Text})
			case anthropic.InputJSONDelta:
				if acc, ok := accumulators[variant.Index]; ok {
					acc.buf.WriteString(delta.PartialJSON)
					models.Send(ctx, out, models.Event{Type: models.EventToolCallDelta, ToolCallID: acc.id, Delta: delta.PartialJSON})
				}
			}

		case anthropic.ContentBlockStopEvent:
			if acc, ok := accumulators[variant.Index]; ok {
				delete(accumulators, variant.Index)
				raw := strings.TrimSpace(acc.buf.String())
				if raw == "" {
					raw = "{}"
				}
				var input map[string]any
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					models.Send(ctx, out, models.Event{Type: models.EventError, Err: fmt.Errorf("invalid tool input json: %w", err)})
					return
				}
				toolCalls = append(toolCalls, message.ContentBlock{
					Type:     message.BlockToolCall,
					ToolCall: &message.ToolCallBlock{ID: acc.id, Name: acc.name, Input: input},
				})
				models.Send(ctx, out, models.Event{Type: models.EventToolCallEnd, ToolCallID: acc.id, ToolCallName: acc.name, ToolCallInput: input})
			}

		case anthropic.MessageDeltaEvent:
			usage.OutputTokens += int(variant.Usage.OutputTokens)
			switch variant.Delta.StopReason {
			case anthropic.StopReasonToolUse:
				stopReason = message.StopToolCalls
			case anthropic.StopReasonMaxTokens:
				stopReason = message.StopMaxTokens
			}
		}
	}

	if err := stream.Err(); err != nil {
		models.Send(ctx, out, models.Event{Type: models.EventError, Err: models.ClassifyOverflow(err)})
		return
	}

	content := make([]message.ContentBlock, 0, len(toolCalls)+1)
	if text.Len() > 0 {
		content = append(content, message.Text(text.String()))
	}
	content = append(content, toolCalls...)

	models.Send(ctx, out, models.Event{
		Type:       models.EventDone,
		Message:    models.Message{Role: message.RoleAssistant, Content: content},
		Usage:      usage,
		StopReason: stopReason,
	})
}

func toAnthropicMessage(m models.Message) (anthropic.MessageParam, bool) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, c := range m.Content {
		switch c.Type {
		case message.BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(c.Text.Text))
		case message.BlockToolCall:
			blocks = append(blocks, anthropic.NewToolUseBlock(c.ToolCall.ID, c.ToolCall.Input, c.ToolCall.Name))
		case message.BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(c.ToolResult.ToolCallID, flatten(c.ToolResult.Content), c.ToolResult.IsError))
		}
	}
	if len(blocks) == 0 {
		return anthropic.MessageParam{}, false
	}

	role := anthropic.MessageParamRoleUser
	if m.Role == message.RoleAssistant {
		role = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{Role: role, Content: blocks}, true
}

func flatten(blocks []message.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == message.BlockText && b.Text != nil {
			sb.WriteString(b.Text.Text)
		}
	}
	return sb.String()
}

func schemaToAnthropic(schema map[string]any) anthropic.ToolInputSchemaParam {
	props, _ := schema["properties"].(map[string]any)
	var required []string
	if r, ok := schema["required"].([]string); ok {
		required = r
	}
	return anthropic.ToolInputSchemaParam{
		Properties: props,
		Required:   required,
	}
}
