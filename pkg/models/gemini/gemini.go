// Package gemini implements models.Driver against the Google Gemini API.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// LevelTrace is a custom log level for detailed HTTP traffic.
const LevelTrace = slog.Level(-8)

// contextWindows holds the handful of context windows we know about; an
// unlisted model returns 0, which compaction.Prepare treats as an unknown
// window (it then skips its fits-within-budget check).
var contextWindows = map[string]int{
	"models/gemini-2.0-flash": 1_000_000,
	"models/gemini-1.5-pro":   2_000_000,
}

// Driver implements models.Driver using the Google Gemini API.
type Driver struct {
	client *genai.Client
}

var _ models.Driver = (*Driver)(nil)

// New creates a new Driver.
func New(ctx context.Context, apiKey string) (*Driver, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{base: http.DefaultTransport, apiKey: apiKey},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Driver{client: client}, nil
}

type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Debug("Gemini REST Request", "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Debug("Gemini REST Response", "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

// Close releases resources.
func (d *Driver) Close() error {
	return d.client.Close()
}

// List returns available models.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	iter := d.client.ListModels(ctx)
	var names []string
	for {
		m, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, m.Name)
	}
	return names, nil
}

func (d *Driver) ContextWindow(model string) int {
	return contextWindows[model]
}

// Stream begins a turn and reports each chunk as it arrives.
func (d *Driver) Stream(ctx context.Context, req models.Request) (<-chan models.Event, error) {
	gm := d.client.GenerativeModel(req.Model)
	gm.SystemInstruction = genai.NewUserContent(genai.Text(req.Instructions))

	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToGenai(t.InputSchema),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var history []*genai.Content
	for _, m := range req.Messages {
		parts := toGenaiParts(m.Content)
		if len(parts) == 0 {
			continue
		}
		history = append(history, &genai.Content{Role: genaiRole(m.Role), Parts: parts})
	}

	cs := gm.StartChat()
	var lastParts []genai.Part
	if len(history) > 0 {
		cs.History = history[:len(history)-1]
		lastParts = history[len(history)-1].Parts
	}

	iter := cs.SendMessageStream(ctx, lastParts...)

	out := make(chan models.Event, 8)
	go pumpGemini(ctx, iter, out)
	return out, nil
}

func pumpGemini(ctx context.Context, iter *genai.GenerateContentResponseIterator, out chan<- models.Event) {
	defer close(out)

	var text strings.Builder
	var toolCalls []message.ContentBlock
	var usage message.Usage

	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			models.Send(ctx, out, models.Event{Type: models.EventError, Err: models.ClassifyOverflow(err)})
			return
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens += int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					text.WriteString(string(p))
					models.Send(ctx, out, models.Event{Type: models.EventTextDelta, Delta: string(p)})
				case genai.FunctionCall:
					id := "call-" + uuid.New().String()
					toolCalls = append(toolCalls, message.ContentBlock{
						Type:     message.BlockToolCall,
						ToolCall: &message.ToolCallBlock{ID: id, Name: p.Name, Input: p.Args},
					})
					models.Send(ctx, out, models.Event{Type: models.EventToolCallEnd, ToolCallID: id, ToolCallName: p.Name, ToolCallInput: p.Args})
				}
			}
		}
	}

	content := make([]message.ContentBlock, 0, len(toolCalls)+1)
	if text.Len() > 0 {
		content = append(content, message.Text(text.String()))
	}
	content = append(content, toolCalls...)

	stopReason := message.StopComplete
	if len(toolCalls) > 0 {
		stopReason = message.StopToolCalls
	}

	models.Send(ctx, out, models.Event{
		Type:       models.EventDone,
		Message:    models.Message{Role: message.RoleAssistant, Content: content},
		Usage:      usage,
		StopReason: stopReason,
	})
}

func genaiRole(r message.Role) string {
	if r == message.RoleAssistant {
		return "model"
	}
	return "user" // tool results and custom messages are surfaced to Gemini as user turns
}

func toGenaiParts(content []message.ContentBlock) []genai.Part {
	var parts []genai.Part
	for _, c := range content {
		switch c.Type {
		case message.BlockText:
			parts = append(parts, genai.Text(c.Text.Text))
		case message.BlockToolCall:
			parts = append(parts, genai.FunctionCall{Name: c.ToolCall.Name, Args: c.ToolCall.Input})
		case message.BlockToolResult:
			parts = append(parts, genai.FunctionResponse{
				Name:     c.ToolResult.ToolCallID,
				Response: map[string]any{"result": flattenContent(c.ToolResult.Content)},
			})
		}
	}
	return parts
}

func flattenContent(blocks []message.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == message.BlockText && b.Text != nil {
			sb.WriteString(b.Text.Text)
		}
	}
	return sb.String()
}

func schemaToGenai(schema map[string]any) *genai.Schema {
	props := map[string]*genai.Schema{}
	if p, ok := schema["properties"].(map[string]any); ok {
		for name, raw := range p {
			def, _ := raw.(map[string]any)
			t := genai.TypeString
			if def["type"] == "object" {
				t = genai.TypeObject
			} else if def["type"] == "number" {
				t = genai.TypeNumber
			} else if def["type"] == "boolean" {
				t = genai.TypeBoolean
			}
			desc, _ := def["description"].(string)
			props[name] = &genai.Schema{Type: t, Description: desc}
		}
	}
	var required []string
	if r, ok := schema["required"].([]string); ok {
		required = r
	}
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}
