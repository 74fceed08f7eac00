// Package context builds the linear, model-ready view of a session's active
// branch: replay root to leaf, resolve the most recent compaction and any
// branch summaries into synthetic messages, and track the effective model
// and thinking level along the way.
//
// This is a pure function over data already loaded by pkg/store; it does not
// touch disk or talk to a model.
package context

import (
	"fmt"

	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/store"
)

// compactionSummaryPrefix/Suffix and branchSummaryPrefix/Suffix are the exact
// literal wrappers the projection uses to turn a compaction or branch
// summary entry into a message the model can read. The wording is part of
// the session format: changing it changes what every past session's
// projected context looks like.
const (
	compactionSummaryPrefix = "The conversation history before this point was compacted into the following summary:\n\n<summary>\n"
	compactionSummarySuffix = "\n</summary>"

	branchSummaryPrefix = "The following is a summary of a branch that this conversation came back from:\n\n<summary>\n"
	branchSummarySuffix = "</summary>"
)

// Build walks the tree from leafID back to its root using entries' parent
// links, then resolves the projection the model actually sees.
func Build(entries map[string]store.Entry, leafID string) (store.Context, error) {
	fullPath, err := walk(entries, leafID)
	if err != nil {
		return store.Context{}, err
	}

	var model string
	var level message.ThinkingLevel
	for _, e := range fullPath {
		if e.Type == store.TypeModelChange && e.ModelChange != nil {
			model = e.ModelChange.ModelID
		}
		if e.Type == store.TypeThinkingLevel && e.ThinkingLevel != nil {
			level = e.ThinkingLevel.Level
		}
	}

	resolved, err := resolveCompaction(fullPath)
	if err != nil {
		return store.Context{}, err
	}
	resolved = resolveBranchSummaries(resolved)

	return store.Context{Entries: resolved, Model: model, ThinkingLevel: level}, nil
}

func walk(entries map[string]store.Entry, leafID string) ([]store.Entry, error) {
	var path []store.Entry
	currID := leafID
	for currID != "" {
		e, ok := entries[currID]
		if !ok {
			return nil, fmt.Errorf("broken parent link: %s", currID)
		}
		path = append([]store.Entry{e}, path...)
		if e.ParentID == nil {
			break
		}
		currID = *e.ParentID
	}
	return path, nil
}

func resolveCompaction(fullPath []store.Entry) ([]store.Entry, error) {
	compactionIdx := -1
	for i := len(fullPath) - 1; i >= 0; i-- {
		if fullPath[i].Type == store.TypeCompaction {
			compactionIdx = i
			break
		}
	}
	if compactionIdx == -1 {
		return fullPath, nil
	}

	c := fullPath[compactionIdx].Compaction
	summaryEntry := compactionSummaryMessage(fullPath[compactionIdx].ID, fullPath[compactionIdx].ParentID, c)

	resolved := []store.Entry{summaryEntry}
	include := false
	for _, e := range fullPath {
		if e.ID == c.FirstKeptEntryID {
			include = true
		}
		if include && e.Type != store.TypeCompaction {
			resolved = append(resolved, e)
		}
	}
	return resolved, nil
}

func resolveBranchSummaries(path []store.Entry) []store.Entry {
	out := make([]store.Entry, 0, len(path))
	for _, e := range path {
		if e.Type == store.TypeBranchSummary && e.BranchSummary != nil {
			out = append(out, branchSummaryMessage(e.ID, e.ParentID, e.BranchSummary))
			continue
		}
		out = append(out, e)
	}
	return out
}

func compactionSummaryMessage(id string, parentID *string, c *store.CompactionEntry) store.Entry {
	text := compactionSummaryPrefix + c.Summary + compactionSummarySuffix
	return store.Entry{
		Type:     store.TypeMessage,
		ID:       id,
		ParentID: parentID,
		Message: &store.MessageEntry{
			Role:    message.RoleCustom,
			Custom:  message.CustomRoleCompactionSummary,
			Content: []message.ContentBlock{message.Text(text)},
			Display: c.Summary,
		},
	}
}

func branchSummaryMessage(id string, parentID *string, b *store.BranchSummaryEntry) store.Entry {
	text := branchSummaryPrefix + b.Summary + branchSummarySuffix
	return store.Entry{
		Type:     store.TypeMessage,
		ID:       id,
		ParentID: parentID,
		Message: &store.MessageEntry{
			Role:    message.RoleCustom,
			Custom:  message.CustomRoleBranchSummary,
			Content: []message.ContentBlock{message.Text(text)},
			Display: b.Summary,
		},
	}
}
