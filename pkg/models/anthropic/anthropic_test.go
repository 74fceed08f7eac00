package anthropic

import (
	"testing"

	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
)

func TestContextWindow_KnownModel(t *testing.T) {
	d := &Driver{}
	if got := d.ContextWindow("claude-sonnet-4-20250514"); got != 200_000 {
		t.Errorf("expected 200000, got %d", got)
	}
}

func TestContextWindow_UnknownModel(t *testing.T) {
	d := &Driver{}
	if got := d.ContextWindow("claude-does-not-exist"); got != 0 {
		t.Errorf("expected 0 for unknown model, got %d", got)
	}
}

func TestToAnthropicMessage_TextUser(t *testing.T) {
	m := models.Message{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("hello")}}
	param, ok := toAnthropicMessage(m)
	if !ok {
		t.Fatal("expected a message param")
	}
	if len(param.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(param.Content))
	}
}

func TestToAnthropicMessage_EmptyContentSkipped(t *testing.T) {
	m := models.Message{Role: message.RoleUser, Content: nil}
	_, ok := toAnthropicMessage(m)
	if ok {
		t.Error("expected empty message to be skipped")
	}
}

func TestFlatten_JoinsTextBlocks(t *testing.T) {
	blocks := []message.ContentBlock{message.Text("a"), message.Text("b")}
	if got := flatten(blocks); got != "ab" {
		t.Errorf("expected 'ab', got %q", got)
	}
}

func TestSchemaToAnthropic_PropertiesAndRequired(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	}
	s := schemaToAnthropic(schema)
	if len(s.Properties.(map[string]any)) != 1 {
		t.Errorf("expected 1 property")
	}
	if len(s.Required) != 1 || s.Required[0] != "path" {
		t.Errorf("expected required [path], got %v", s.Required)
	}
}
