package store_test

import (
	"os"
	"testing"

	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/store"
	"github.com/mzechner/agentrepl/pkg/store/jsonl"
)

func TestSession_AppendMultipleAssistantMessages(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "session_repro")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	m := jsonl.NewManager(tempDir)
	if err := m.NewAgent(&store.Agent{ID: "default"}); err != nil {
		t.Fatal(err)
	}
	s, err := m.NewSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	msg1, err := s.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("User Request")})
	if err != nil {
		t.Fatal(err)
	}
	msg2, err := s.AppendMessage(message.RoleAssistant, []message.ContentBlock{message.Text("Assistant Response 1")})
	if err != nil {
		t.Fatal(err)
	}
	msg3, err := s.AppendMessage(message.RoleAssistant, []message.ContentBlock{message.Text("Assistant Response 2")})
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := s.GetContext()
	if err != nil {
		t.Fatal(err)
	}

	if len(ctx.Entries) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(ctx.Entries))
	}

	if ctx.Entries[0].ID != msg1 {
		t.Errorf("expected 1st message ID %s, got %s", msg1, ctx.Entries[0].ID)
	}
	if ctx.Entries[1].ID != msg2 {
		t.Errorf("expected 2nd message ID %s, got %s", msg2, ctx.Entries[1].ID)
	}
	if ctx.Entries[2].ID != msg3 {
		t.Errorf("expected 3rd message ID %s, got %s", msg3, ctx.Entries[2].ID)
	}

	if ctx.Entries[1].Message.Content[0].Text.Text != "Assistant Response 1" {
		t.Errorf("expected 'Assistant Response 1', got '%s'", ctx.Entries[1].Message.Content[0].Text.Text)
	}
	if ctx.Entries[2].Message.Content[0].Text.Text != "Assistant Response 2" {
		t.Errorf("expected 'Assistant Response 2', got '%s'", ctx.Entries[2].Message.Content[0].Text.Text)
	}
}
