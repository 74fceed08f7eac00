package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	sessioncontext "github.com/mzechner/agentrepl/pkg/context"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/store"
)

// Session implements the store.Session interface using a JSONL file.
type Session struct {
	mu         sync.RWMutex
	id         string
	filePath   string
	entries    map[string]store.Entry // ID -> Entry lookup
	order      []string                // append order, for GetEntries
	leafID     string                  // Current tip of the tree
	rootID     string
	fileHandle *os.File
	labels     map[string]string // EntryID -> Current Label
	notify     func(string)
	header     store.Header
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Path() string   { return s.filePath }
func (s *Session) LeafID() string { return s.leafID }
func (s *Session) Header() store.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

// Append persists a generic entry as a child of the current leaf and
// advances the leaf pointer. If the write fails the leaf is not advanced
// and the entry does not become visible in memory.
func (s *Session) Append(e store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Session) appendLocked(e store.Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ParentID == nil && s.leafID != "" {
		pid := s.leafID
		e.ParentID = &pid
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if err := s.writeLine(e); err != nil {
		return fmt.Errorf("failed to persist entry: %w", err)
	}

	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	s.leafID = e.ID
	if s.rootID == "" {
		s.rootID = e.ID
	}

	if e.Type == store.TypeLabel && e.Label != nil {
		s.labels[e.Label.TargetID] = e.Label.Label
	}

	if s.notify != nil {
		s.notify(s.id)
	}
	return nil
}

func (s *Session) AppendMessage(role message.Role, content []message.ContentBlock) (string, error) {
	e := store.Entry{
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:    role,
			Content: content,
		},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) AppendCustomMessage(custom message.CustomRole, content []message.ContentBlock, display string) (string, error) {
	e := store.Entry{
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:    message.RoleCustom,
			Custom:  custom,
			Content: content,
			Display: display,
		},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) AppendThinkingLevelChange(level message.ThinkingLevel) (string, error) {
	e := store.Entry{
		Type:          store.TypeThinkingLevel,
		ThinkingLevel: &store.ThinkingLevelEntry{Level: level},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) AppendModelChange(provider, modelID string) (string, error) {
	e := store.Entry{
		Type:        store.TypeModelChange,
		ModelChange: &store.ModelChangeEntry{Provider: provider, ModelID: modelID},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) AppendCompaction(c store.CompactionEntry) (string, error) {
	e := store.Entry{
		Type:       store.TypeCompaction,
		Compaction: &c,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) AppendSessionInfo(name string) (string, error) {
	e := store.Entry{
		Type:        store.TypeSessionInfo,
		SessionInfo: &store.SessionInfoEntry{Name: name},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) AppendCustomEntry(customType string, data map[string]any) (string, error) {
	e := store.Entry{
		Type:   store.TypeCustom,
		Custom: &store.CustomEntry{CustomType: customType, Data: data},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) SetLabel(targetID string, label string) (string, error) {
	e := store.Entry{
		Type:  store.TypeLabel,
		Label: &store.LabelEntry{TargetID: targetID, Label: label},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

func (s *Session) Branch(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entryID]; !ok {
		return fmt.Errorf("entry not found: %s", entryID)
	}
	s.leafID = entryID
	return nil
}

func (s *Session) ResetLeaf() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leafID = s.rootID
	return nil
}

func (s *Session) AppendBranchSummary(branchFromID string, summary string) (string, error) {
	if err := s.Branch(branchFromID); err != nil {
		return "", err
	}

	e := store.Entry{
		Type:          store.TypeBranchSummary,
		BranchSummary: &store.BranchSummaryEntry{Summary: summary, FromID: branchFromID},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(e); err != nil {
		return "", err
	}
	return s.leafID, nil
}

// CreateBranchedSession exports the linear ancestor path ending at leafID
// into a brand-new session file, preserving the discarded branch in the
// original file untouched.
func (s *Session) CreateBranchedSession(leafID string) (string, error) {
	rootDir := filepath.Dir(filepath.Dir(s.filePath))
	m := NewManager(rootDir)

	s.mu.RLock()
	agentID := s.header.Agent.ID
	var path []store.Entry
	currID := leafID
	for currID != "" {
		e, ok := s.entries[currID]
		if !ok {
			s.mu.RUnlock()
			return "", fmt.Errorf("broken path at %s", currID)
		}
		path = append([]store.Entry{e}, path...)
		if e.ParentID == nil {
			break
		}
		currID = *e.ParentID
	}
	s.mu.RUnlock()

	newS, err := m.NewSession(agentID, s.id)
	if err != nil {
		return "", err
	}
	defer newS.Close()

	for _, e := range path {
		if err := newS.Append(e); err != nil {
			return "", err
		}
	}
	return newS.ID(), nil
}

func (s *Session) GetEntry(id string) (store.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Session) GetEntries() []store.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *Session) GetContext() (store.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.leafID == "" {
		return store.Context{}, nil
	}
	return sessioncontext.Build(s.entries, s.leafID)
}

func (s *Session) GetTree() ([]store.TreeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byParent := make(map[string][]store.Entry)
	var roots []store.Entry

	for _, e := range s.entries {
		if e.ParentID == nil {
			roots = append(roots, e)
		} else {
			byParent[*e.ParentID] = append(byParent[*e.ParentID], e)
		}
	}

	var build func(store.Entry) store.TreeNode
	build = func(e store.Entry) store.TreeNode {
		node := store.TreeNode{Entry: e, Label: s.labels[e.ID]}
		children := byParent[e.ID]
		sort.Slice(children, func(i, j int) bool {
			return children[i].Timestamp.Before(children[j].Timestamp)
		})
		for _, child := range children {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	var tree []store.TreeNode
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Timestamp.Before(roots[j].Timestamp)
	})
	for _, r := range roots {
		tree = append(tree, build(r))
	}
	return tree, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileHandle != nil {
		return s.fileHandle.Close()
	}
	return nil
}

func (s *Session) writeLine(v any) error {
	if s.fileHandle == nil {
		return nil // in-memory session: nothing to persist
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.fileHandle.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Refresh reloads entries from disk, for when another process/goroutine has
// appended to the same session file.
func (s *Session) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fileHandle == nil {
		return nil
	}
	if _, err := s.fileHandle.Seek(0, 0); err != nil {
		return err
	}

	scanner := bufio.NewScanner(s.fileHandle)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	scanner.Scan() // header

	s.order = s.order[:0]
	var lastID string
	for scanner.Scan() {
		var e store.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip bad lines
		}
		if _, exists := s.entries[e.ID]; !exists {
			s.order = append(s.order, e.ID)
		}
		s.entries[e.ID] = e
		lastID = e.ID
		if e.Type == store.TypeLabel && e.Label != nil {
			s.labels[e.Label.TargetID] = e.Label.Label
		}
		if s.rootID == "" && e.ParentID == nil {
			s.rootID = e.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if lastID != "" {
		s.leafID = lastID
	}
	return nil
}
