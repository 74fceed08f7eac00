package gemini

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/mzechner/agentrepl/pkg/message"
)

func TestContextWindow_KnownModel(t *testing.T) {
	d := &Driver{}
	if got := d.ContextWindow("models/gemini-2.0-flash"); got != 1_000_000 {
		t.Errorf("expected 1000000, got %d", got)
	}
}

func TestContextWindow_UnknownModel(t *testing.T) {
	d := &Driver{}
	if got := d.ContextWindow("models/unknown"); got != 0 {
		t.Errorf("expected 0 for unknown model, got %d", got)
	}
}

func TestGenaiRole(t *testing.T) {
	if got := genaiRole(message.RoleAssistant); got != "model" {
		t.Errorf("expected 'model', got %q", got)
	}
	if got := genaiRole(message.RoleUser); got != "user" {
		t.Errorf("expected 'user', got %q", got)
	}
	if got := genaiRole(message.RoleTool); got != "user" {
		t.Errorf("expected tool results surfaced as 'user', got %q", got)
	}
}

func TestToGenaiParts_Text(t *testing.T) {
	parts := toGenaiParts([]message.ContentBlock{message.Text("hi")})
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if txt, ok := parts[0].(genai.Text); !ok || string(txt) != "hi" {
		t.Errorf("expected text part 'hi', got %+v", parts[0])
	}
}

func TestToGenaiParts_ToolResultFlattensText(t *testing.T) {
	block := message.ToolResultText("call-1", "file contents", false)
	parts := toGenaiParts([]message.ContentBlock{block})
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	fr, ok := parts[0].(genai.FunctionResponse)
	if !ok {
		t.Fatalf("expected FunctionResponse, got %+v", parts[0])
	}
	if fr.Response["result"] != "file contents" {
		t.Errorf("expected flattened result, got %v", fr.Response["result"])
	}
}

func TestFlattenContent_JoinsTextBlocks(t *testing.T) {
	blocks := []message.ContentBlock{message.Text("a"), message.Text("b")}
	if got := flattenContent(blocks); got != "ab" {
		t.Errorf("expected 'ab', got %q", got)
	}
}

func TestSchemaToGenai_TypeMapping(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"count":  map[string]any{"type": "number"},
			"name":   map[string]any{"type": "string", "description": "a name"},
			"active": map[string]any{"type": "boolean"},
		},
		"required": []string{"name"},
	}
	s := schemaToGenai(schema)
	if s.Type != genai.TypeObject {
		t.Errorf("expected object type")
	}
	if s.Properties["count"].Type != genai.TypeNumber {
		t.Errorf("expected count to be number type")
	}
	if s.Properties["name"].Description != "a name" {
		t.Errorf("expected description to survive conversion")
	}
	if len(s.Required) != 1 || s.Required[0] != "name" {
		t.Errorf("expected required [name], got %v", s.Required)
	}
}
