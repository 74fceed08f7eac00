package context_test

import (
	"testing"

	sessioncontext "github.com/mzechner/agentrepl/pkg/context"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/store"
)

func strp(s string) *string { return &s }

func TestBuild_LinearHistory(t *testing.T) {
	entries := map[string]store.Entry{
		"a": {ID: "a", Type: store.TypeMessage, Message: &store.MessageEntry{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("hi")}}},
	}
	entries["b"] = store.Entry{ID: "b", ParentID: strp("a"), Type: store.TypeMessage, Message: &store.MessageEntry{Role: message.RoleAssistant, Content: []message.ContentBlock{message.Text("hello")}}}

	ctx, err := sessioncontext.Build(entries, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ctx.Entries))
	}
	if ctx.Entries[0].ID != "a" || ctx.Entries[1].ID != "b" {
		t.Errorf("wrong order: %+v", ctx.Entries)
	}
}

func TestBuild_CompactionUsesExactDelimiter(t *testing.T) {
	entries := map[string]store.Entry{
		"a": {ID: "a", Type: store.TypeMessage, Message: &store.MessageEntry{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("old")}}},
	}
	entries["c"] = store.Entry{ID: "c", ParentID: strp("a"), Type: store.TypeCompaction, Compaction: &store.CompactionEntry{
		Summary:          "user asked about X, assistant explained Y",
		FirstKeptEntryID: "k",
		TokensBefore:     5000,
	}}
	entries["k"] = store.Entry{ID: "k", ParentID: strp("c"), Type: store.TypeMessage, Message: &store.MessageEntry{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("continuing")}}}

	ctx, err := sessioncontext.Build(entries, "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Entries) != 2 {
		t.Fatalf("expected 2 resolved entries (summary + kept), got %d", len(ctx.Entries))
	}

	summary := ctx.Entries[0]
	if summary.Message == nil || summary.Message.Custom != message.CustomRoleCompactionSummary {
		t.Fatalf("expected first entry to be a compaction summary message, got %+v", summary)
	}
	want := "The conversation history before this point was compacted into the following summary:\n\n<summary>\nuser asked about X, assistant explained Y\n</summary>"
	got := summary.Message.Content[0].Text.Text
	if got != want {
		t.Errorf("compaction delimiter mismatch:\ngot:  %q\nwant: %q", got, want)
	}

	if ctx.Entries[1].ID != "k" {
		t.Errorf("expected kept entry k to follow the summary, got %s", ctx.Entries[1].ID)
	}
}

func TestBuild_BranchSummaryUsesExactDelimiter(t *testing.T) {
	entries := map[string]store.Entry{
		"a": {ID: "a", Type: store.TypeMessage, Message: &store.MessageEntry{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("root")}}},
	}
	entries["bs"] = store.Entry{ID: "bs", ParentID: strp("a"), Type: store.TypeBranchSummary, BranchSummary: &store.BranchSummaryEntry{
		Summary: "explored approach A, discarded it",
		FromID:  "a",
	}}

	ctx, err := sessioncontext.Build(entries, "bs")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ctx.Entries))
	}

	resolved := ctx.Entries[1]
	if resolved.Message == nil || resolved.Message.Custom != message.CustomRoleBranchSummary {
		t.Fatalf("expected branch summary entry resolved to a message, got %+v", resolved)
	}
	want := "The following is a summary of a branch that this conversation came back from:\n\n<summary>\nexplored approach A, discarded it</summary>"
	got := resolved.Message.Content[0].Text.Text
	if got != want {
		t.Errorf("branch summary delimiter mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestBuild_TracksEffectiveModelAndThinkingLevel(t *testing.T) {
	entries := map[string]store.Entry{
		"a": {ID: "a", Type: store.TypeModelChange, ModelChange: &store.ModelChangeEntry{Provider: "anthropic", ModelID: "claude-x"}},
	}
	entries["b"] = store.Entry{ID: "b", ParentID: strp("a"), Type: store.TypeThinkingLevel, ThinkingLevel: &store.ThinkingLevelEntry{Level: message.ThinkingHigh}}
	entries["c"] = store.Entry{ID: "c", ParentID: strp("b"), Type: store.TypeMessage, Message: &store.MessageEntry{Role: message.RoleUser, Content: []message.ContentBlock{message.Text("go")}}}

	ctx, err := sessioncontext.Build(entries, "c")
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Model != "claude-x" {
		t.Errorf("expected model claude-x, got %s", ctx.Model)
	}
	if ctx.ThinkingLevel != message.ThinkingHigh {
		t.Errorf("expected thinking level high, got %s", ctx.ThinkingLevel)
	}
}

func TestBuild_BrokenParentLink(t *testing.T) {
	entries := map[string]store.Entry{
		"a": {ID: "a", ParentID: strp("missing"), Type: store.TypeMessage},
	}
	if _, err := sessioncontext.Build(entries, "a"); err == nil {
		t.Error("expected error for broken parent link")
	}
}
