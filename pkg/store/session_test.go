package store_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/store"
	"github.com/mzechner/agentrepl/pkg/store/jsonl"
)

func setupManager(t *testing.T) (store.Manager, string) {
	tempDir := t.TempDir()
	m := jsonl.NewManager(tempDir)

	defaultAgent := &store.Agent{
		ID:           "default",
		Name:         "Default Agent",
		Instructions: "You are a test agent.",
		Model:        "test-model",
	}
	if err := m.NewAgent(defaultAgent); err != nil {
		t.Fatalf("failed to create default agent: %v", err)
	}

	return m, tempDir
}

func TestSession_AppendAndContext(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, err := m.NewSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	msg1, err := s.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("Hello")})
	if err != nil {
		t.Fatal(err)
	}
	msg2, err := s.AppendMessage(message.RoleAssistant, []message.ContentBlock{message.Text("Hi")})
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := s.GetContext()
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Entries) != 2 {
		t.Errorf("expected 2 messages, got %d", len(ctx.Entries))
	}
	if ctx.Entries[0].ID != msg1 || ctx.Entries[1].ID != msg2 {
		t.Error("context order or IDs mismatch")
	}

	// Branching
	if err := s.Branch(msg1); err != nil {
		t.Fatal(err)
	}
	msg3, err := s.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("New branch")})
	if err != nil {
		t.Fatal(err)
	}

	ctx, err = s.GetContext()
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Entries) != 2 {
		t.Errorf("expected 2 messages in branch, got %d", len(ctx.Entries))
	}
	if ctx.Entries[0].ID != msg1 || ctx.Entries[1].ID != msg3 {
		t.Error("branch context mismatch")
	}

	// Compaction
	_, err = s.AppendCompaction(store.CompactionEntry{Summary: "Summary", FirstKeptEntryID: msg3, TokensBefore: 100})
	if err != nil {
		t.Fatal(err)
	}
	msg4, err := s.AppendMessage(message.RoleAssistant, []message.ContentBlock{message.Text("After compaction")})
	if err != nil {
		t.Fatal(err)
	}

	ctx, err = s.GetContext()
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Entries) != 3 {
		t.Errorf("expected 3 entries after compaction, got %d", len(ctx.Entries))
	}
	summaryMsg := ctx.Entries[0].Message
	if summaryMsg == nil || summaryMsg.Custom != message.CustomRoleCompactionSummary {
		t.Error("expected first entry to be a resolved compaction summary message")
	}
	if ctx.Entries[1].ID != msg3 || ctx.Entries[2].ID != msg4 {
		t.Error("compaction context resolution mismatch")
	}

	printJSONLFiles(t, tempDir)
}

func TestSession_Persistence(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, err := m.NewSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	msg1, _ := s.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("Store me")})
	id := s.ID()
	s.Close()

	s2, err := m.LoadSession(id)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if s2.LeafID() != msg1 {
		t.Errorf("leafID not restored, got %s, want %s", s2.LeafID(), msg1)
	}

	printJSONLFiles(t, tempDir)
}

func TestSession_MetadataChanges(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, err := m.NewSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.AppendThinkingLevelChange(message.ThinkingHigh)
	s.AppendModelChange("openai", "gpt-4o")
	s.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("Configured?")})

	ctx, err := s.GetContext()
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(ctx.Entries))
	}
	if ctx.Model != "gpt-4o" {
		t.Errorf("expected effective model gpt-4o, got %s", ctx.Model)
	}
	if ctx.ThinkingLevel != message.ThinkingHigh {
		t.Errorf("expected effective thinking level high, got %s", ctx.ThinkingLevel)
	}

	printJSONLFiles(t, tempDir)
}

func TestSession_LabelsAndTree(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, err := m.NewSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id1, _ := s.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("One")})
	s.SetLabel(id1, "start")
	s.AppendMessage(message.RoleAssistant, []message.ContentBlock{message.Text("Two")})

	tree, err := s.GetTree()
	if err != nil {
		t.Fatal(err)
	}

	if len(tree) != 1 || tree[0].Label != "start" {
		t.Errorf("tree structure or label missing, got %+v", tree)
	}

	printJSONLFiles(t, tempDir)
}

func TestSession_BranchingAdvanced(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, err := m.NewSession("", "")
	if err != nil {
		t.Fatal(err)
	}

	id1, _ := s.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("Root")})
	s.AppendMessage(message.RoleAssistant, []message.ContentBlock{message.Text("Path A")})

	idSummary, err := s.AppendBranchSummary(id1, "Summarizing Path A")
	if err != nil {
		t.Fatal(err)
	}

	if s.LeafID() != idSummary {
		t.Errorf("leafID not updated to summary, got %s", s.LeafID())
	}

	newSessionID, err := s.CreateBranchedSession(id1)
	if err != nil {
		t.Fatal(err)
	}
	if newSessionID == "" {
		t.Error("branched session id empty")
	}

	if err := s.ResetLeaf(); err != nil {
		t.Fatal(err)
	}
	if s.LeafID() != id1 {
		t.Errorf("ResetLeaf should move to root, got %s want %s", s.LeafID(), id1)
	}

	printJSONLFiles(t, tempDir)
}

func TestManager_Extended(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s1, err := m.NewSession("", "")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	s1.AppendMessage(message.RoleUser, []message.ContentBlock{message.Text("Source")})
	id1 := s1.ID()
	s1.Close()

	s2, err := m.ForkFrom(id1)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if s2.ID() == id1 {
		t.Error("forked session should have new ID")
	}

	list, err := m.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) < 2 {
		t.Errorf("expected at least 2 sessions, got %d", len(list))
	}

	sRecent, err := m.ContinueRecent()
	if err != nil {
		t.Fatal(err)
	}
	defer sRecent.Close()
	if sRecent.ID() != s2.ID() {
		t.Errorf("ContinueRecent should return s2, got %s", sRecent.ID())
	}

	printJSONLFiles(t, tempDir)
}

func TestSession_CustomEntries(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, _ := m.NewSession("", "")
	defer s.Close()

	data := map[string]any{"key": "value", "count": 42.0} // encoding/json decodes numbers as float64
	if _, err := s.AppendCustomEntry("my-ext", data); err != nil {
		t.Fatal(err)
	}

	tree, _ := s.GetTree()
	custom := tree[0].Entry.Custom
	if custom.CustomType != "my-ext" || custom.Data["key"] != "value" {
		t.Errorf("custom entry mismatch: %+v", custom)
	}

	printJSONLFiles(t, tempDir)
}

func TestSession_CustomMessage(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, _ := m.NewSession("", "")
	defer s.Close()

	id, err := s.AppendCustomMessage(message.CustomRoleBashExecution, []message.ContentBlock{message.Text("$ ls\na.go\n")}, "ran: ls")
	if err != nil {
		t.Fatal(err)
	}

	e, ok := s.GetEntry(id)
	if !ok || e.Message == nil {
		t.Fatal("custom message not stored")
	}
	if e.Message.Role != message.RoleCustom || e.Message.Custom != message.CustomRoleBashExecution {
		t.Errorf("unexpected custom message shape: %+v", e.Message)
	}
	if e.Message.Display != "ran: ls" {
		t.Errorf("expected display text preserved, got %q", e.Message.Display)
	}
}

func TestSession_Miscellaneous(t *testing.T) {
	m, tempDir := setupManager(t)
	defer os.RemoveAll(tempDir)
	s, err := m.NewSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Path() == "" {
		t.Error("Path() returned empty string")
	}
	if !filepath.IsAbs(s.Path()) {
		t.Errorf("Path() should be absolute, got %s", s.Path())
	}

	nameID, err := s.AppendSessionInfo("My Test Session")
	if err != nil {
		t.Fatalf("AppendSessionInfo failed: %v", err)
	}
	if nameID == "" {
		t.Error("AppendSessionInfo returned empty ID")
	}

	directID := "direct-id-123"
	err = s.Append(store.Entry{
		ID:   directID,
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:    message.RoleUser,
			Content: []message.ContentBlock{message.Text("Direct append")},
		},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if s.LeafID() != directID {
		t.Errorf("LeafID should be %s, got %s", directID, s.LeafID())
	}

	ctx, err := s.GetContext()
	if err != nil {
		t.Fatal(err)
	}

	foundInfo := false
	foundDirect := false
	for _, e := range ctx.Entries {
		if e.Type == store.TypeSessionInfo && e.SessionInfo.Name == "My Test Session" {
			foundInfo = true
		}
		if e.ID == directID {
			foundDirect = true
		}
	}

	if !foundInfo {
		t.Error("SessionInfo not found in context")
	}
	if !foundDirect {
		t.Error("Directly appended entry not found in context")
	}

	printJSONLFiles(t, tempDir)
}

func printJSONLFiles(t *testing.T, dir string) {
	files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	for _, f := range files {
		fmt.Printf("\n--- File: %s ---\n", filepath.Base(f))
		content, _ := os.ReadFile(f)
		fmt.Println(string(content))
		fmt.Println("-----------------")
	}
}
