package compaction_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/mzechner/agentrepl/pkg/compaction"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/store"
)

func textEntry(id string, role message.Role, text string) store.Entry {
	return store.Entry{
		ID:   id,
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:    role,
			Content: []message.ContentBlock{message.Text(text)},
		},
	}
}

func TestPrepare_NothingToCompactWhenWithinBudget(t *testing.T) {
	entries := []store.Entry{
		textEntry("a", message.RoleUser, "hi"),
		textEntry("b", message.RoleAssistant, "hello"),
	}
	prep, err := compaction.Prepare(entries, compaction.DefaultSettings, 200_000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if prep != nil {
		t.Errorf("expected nil preparation, got %+v", prep)
	}
}

func TestPrepare_CutsOldestEntriesWhenOverBudget(t *testing.T) {
	var entries []store.Entry
	for i := 0; i < 50; i++ {
		entries = append(entries, textEntry(fmt.Sprintf("e%d", i), message.RoleUser, strings.Repeat("x", 2000)))
	}
	settings := compaction.Settings{Enabled: true, ReserveTokens: 100, KeepRecentTokens: 1000}
	prep, err := compaction.Prepare(entries, settings, 1000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if prep == nil {
		t.Fatal("expected a preparation")
	}
	if len(prep.EntriesToCompact) == 0 {
		t.Error("expected some entries to compact")
	}
	if prep.FirstKeptEntryID == "" {
		t.Error("expected a first-kept entry id")
	}
}

func TestPrepare_NeverSplitsToolCallFromResult(t *testing.T) {
	entries := []store.Entry{
		textEntry("a", message.RoleUser, strings.Repeat("x", 4000)),
		{ID: "call", Type: store.TypeMessage, Message: &store.MessageEntry{
			Role: message.RoleAssistant,
			Content: []message.ContentBlock{
				{Type: message.BlockToolCall, ToolCall: &message.ToolCallBlock{ID: "t1", Name: "read_file", Input: map[string]any{"path": "x"}}},
			},
		}},
		{ID: "result", Type: store.TypeMessage, Message: &store.MessageEntry{
			Role:    message.RoleTool,
			Content: []message.ContentBlock{message.ToolResultText("t1", "contents", false)},
		}},
	}
	settings := compaction.Settings{Enabled: true, ReserveTokens: 0, KeepRecentTokens: 1}
	prep, err := compaction.Prepare(entries, settings, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if prep != nil && prep.FirstKeptEntryID == "result" {
		t.Error("must not keep a tool result without its call")
	}
}

type stubDriver struct {
	summary string
}

func (s *stubDriver) List(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubDriver) ContextWindow(model string) int             { return 100_000 }
func (s *stubDriver) Stream(ctx context.Context, req models.Request) (<-chan models.Event, error) {
	out := make(chan models.Event, 2)
	out <- models.Event{Type: models.EventTextDelta, Delta: s.summary}
	out <- models.Event{Type: models.EventDone, Message: models.Message{
		Role:    message.RoleAssistant,
		Content: []message.ContentBlock{message.Text(s.summary)},
	}}
	close(out)
	return out, nil
}

func TestExecute_ReturnsSummaryFromDriver(t *testing.T) {
	prep := &compaction.Preparation{
		EntriesToCompact: []store.Entry{textEntry("a", message.RoleUser, "old stuff")},
		FirstKeptEntryID: "k",
		TokensBefore:     42,
	}
	result, err := compaction.Execute(context.Background(), &stubDriver{summary: "SUMMARY"}, "test-model", prep, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary != "SUMMARY" {
		t.Errorf("expected 'SUMMARY', got %q", result.Summary)
	}
	if result.FirstKeptEntryID != "k" {
		t.Errorf("expected first kept entry 'k', got %q", result.FirstKeptEntryID)
	}
}

func TestExecute_NilPreparationIsError(t *testing.T) {
	if _, err := compaction.Execute(context.Background(), &stubDriver{}, "m", nil, "", nil); err == nil {
		t.Error("expected an error for a nil preparation")
	}
}
