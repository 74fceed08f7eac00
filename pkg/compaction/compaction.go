// Package compaction implements the prepare/execute split CompactionEngine
// describes: decide what to drop (Prepare), then ask a model to
// summarize it (Execute). AgentSession owns splicing the result back into the
// session as a compaction entry.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/store"
)

// ErrNothingToCompact is returned by Execute when Prepare found nothing worth
// dropping; matchable with errors.Is rather than a string comparison.
var ErrNothingToCompact = errors.New("compaction: nothing to compact")

// ErrCancelled is returned by Execute when the caller's cancel channel fires
// before the summarization model call completes.
var ErrCancelled = errors.New("compaction: cancelled")

// Settings controls when and how much to compact.
type Settings struct {
	Enabled          bool
	ReserveTokens    int
	KeepRecentTokens int
}

// DefaultSettings favors a fixed reserve/keep-recent token budget over a
// flat 50%-split threshold.
var DefaultSettings = Settings{Enabled: true, ReserveTokens: 16384, KeepRecentTokens: 20000}

// TokenEstimator estimates the token cost of a single session entry.
type TokenEstimator func(e store.Entry) int

// DefaultTokenEstimator uses a chars/4 heuristic, cheap enough to run on
// every entry without a real tokenizer.
func DefaultTokenEstimator(e store.Entry) int {
	return len(entryText(e)) / 4
}

func entryText(e store.Entry) string {
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range e.Message.Content {
		switch c.Type {
		case message.BlockText:
			sb.WriteString(c.Text.Text)
		case message.BlockThinking:
			sb.WriteString(c.Thinking.Text)
		case message.BlockToolResult:
			for _, sub := range c.ToolResult.Content {
				if sub.Type == message.BlockText {
					sb.WriteString(sub.Text.Text)
				}
			}
		}
	}
	return sb.String()
}

// Preparation is what Prepare decided: entries to summarize away,
// and the entry the branch resumes from afterward.
type Preparation struct {
	EntriesToCompact []store.Entry
	FirstKeptEntryID string
	TokensBefore     int
}

// Prepare decides whether branchEntries need compacting and, if so, where to
// cut. It walks from the end of the branch backwards accumulating tokens
// until settings.KeepRecentTokens is reached; everything older than that cut
// point is a compaction candidate. Returns nil, nil when nothing should be
// compacted (either it all fits, or there's nothing old enough to drop).
func Prepare(branchEntries []store.Entry, settings Settings, contextWindow int, estimate TokenEstimator) (*Preparation, error) {
	if !settings.Enabled || len(branchEntries) == 0 {
		return nil, nil
	}
	if estimate == nil {
		estimate = DefaultTokenEstimator
	}

	total := 0
	for _, e := range branchEntries {
		total += estimate(e)
	}

	budget := contextWindow - settings.ReserveTokens
	if contextWindow > 0 && total <= budget {
		return nil, nil
	}

	cutIdx := len(branchEntries)
	recentTokens := 0
	for i := len(branchEntries) - 1; i >= 0; i-- {
		if recentTokens >= settings.KeepRecentTokens {
			break
		}
		recentTokens += estimate(branchEntries[i])
		cutIdx = i
	}

	cutIdx = avoidSplittingToolPair(branchEntries, cutIdx)

	if cutIdx <= 0 {
		// Nothing old enough to safely drop.
		return nil, nil
	}

	toCompact := branchEntries[:cutIdx]
	firstKept := branchEntries[cutIdx]

	return &Preparation{
		EntriesToCompact: toCompact,
		FirstKeptEntryID: firstKept.ID,
		TokensBefore:     total,
	}, nil
}

// avoidSplittingToolPair nudges cutIdx earlier so a kept tool-result entry is
// never separated from the assistant entry that issued the call.
func avoidSplittingToolPair(entries []store.Entry, cutIdx int) int {
	for cutIdx > 0 {
		kept := entries[cutIdx]
		if kept.Message != nil && kept.Message.Role == message.RoleTool {
			cutIdx--
			continue
		}
		break
	}
	return cutIdx
}

// Result is what Execute produces; the caller appends it as a CompactionEntry.
type Result struct {
	Summary          string
	FirstKeptEntryID string
	TokensBefore     int
	ReadFiles        []string
	ModifiedFiles    []string
}

const summarizationInstructions = "You are summarizing a conversation history for context compaction. " +
	"Create a dense, comprehensive summary of the following conversation that preserves:\n" +
	"- Key decisions and outcomes\n" +
	"- Important code/files that were created or modified\n" +
	"- Current state of any ongoing tasks\n" +
	"- Any instructions or preferences the user expressed\n\n" +
	"Be thorough but concise. This summary will replace the original messages."

// Execute drives model to summarize prep.EntriesToCompact and returns the
// synthesized Result. customInstructions, if non-empty, is appended to the
// summarization prompt (e.g. a user-provided focus for what to retain).
func Execute(ctx context.Context, driver models.Driver, model string, prep *Preparation, customInstructions string, cancel <-chan struct{}) (*Result, error) {
	if prep == nil {
		return nil, ErrNothingToCompact
	}

	instructions := summarizationInstructions
	if customInstructions != "" {
		instructions += "\n\nAdditional instructions: " + customInstructions
	}

	var prompt strings.Builder
	prompt.WriteString("CONVERSATION TO SUMMARIZE:\n")
	readFiles := map[string]struct{}{}
	modifiedFiles := map[string]struct{}{}
	for _, e := range prep.EntriesToCompact {
		if e.Message == nil {
			continue
		}
		fmt.Fprintf(&prompt, "[%s] %s\n", e.Message.Role, entryText(e))
		collectFileTouches(e, readFiles, modifiedFiles)
	}

	req := models.Request{
		Model:        model,
		Instructions: instructions,
		Messages: []models.Message{
			{Role: message.RoleUser, Content: []message.ContentBlock{message.Text(prompt.String())}},
		},
	}

	events, err := driver.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling model for compaction: %w", err)
	}

	var summary strings.Builder
	for {
		select {
		case <-cancel:
			return nil, ErrCancelled
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("model stream closed before completion")
			}
			switch ev.Type {
			case models.EventTextDelta:
				summary.WriteString(ev.Delta)
			case models.EventDone:
				text := summary.String()
				if text == "" {
					text = firstText(ev.Message.Content)
				}
				if text == "" {
					return nil, fmt.Errorf("model returned empty compaction summary")
				}
				return &Result{
					Summary:          text,
					FirstKeptEntryID: prep.FirstKeptEntryID,
					TokensBefore:     prep.TokensBefore,
					ReadFiles:        setToSlice(readFiles),
					ModifiedFiles:    setToSlice(modifiedFiles),
				}, nil
			case models.EventError:
				return nil, fmt.Errorf("compaction model stream error: %w", ev.Err)
			}
		}
	}
}

func firstText(blocks []message.ContentBlock) string {
	for _, b := range blocks {
		if b.Type == message.BlockText {
			return b.Text.Text
		}
	}
	return ""
}

// collectFileTouches scans an assistant entry's tool calls for file paths
// they touched, populating the compaction result's read/modified file lists.
func collectFileTouches(e store.Entry, readFiles, modifiedFiles map[string]struct{}) {
	if e.Message.Role != message.RoleAssistant {
		return
	}
	for _, c := range e.Message.Content {
		if c.Type != message.BlockToolCall {
			continue
		}
		path, _ := c.ToolCall.Input["path"].(string)
		if path == "" {
			continue
		}
		switch c.ToolCall.Name {
		case "read_file", "ls":
			readFiles[path] = struct{}{}
		case "write_file", "edit_file":
			modifiedFiles[path] = struct{}{}
		}
	}
}

func setToSlice(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
