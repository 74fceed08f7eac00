// Package branchsummary implements the abandoned-branch summarization step:
// when navigateTree moves the leaf away from a branch with unsummarized
// work, collect what's being left behind so AgentSession can ask a model to
// summarize it before splicing in a branchSummary entry.
package branchsummary

import (
	"context"
	"fmt"
	"strings"

	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/models"
	"github.com/mzechner/agentrepl/pkg/store"
)

// CollectEntries computes the lowest common ancestor of oldLeafID and
// newTargetID, then returns the entries from that ancestor (exclusive) to
// oldLeafID (inclusive) — the portion of the old branch that would otherwise
// be silently abandoned. Returns the ancestor's ID alongside the entries so
// the caller can attach the resulting summary as its child.
func CollectEntries(entries map[string]store.Entry, oldLeafID, newTargetID string) (ancestorID string, abandoned []store.Entry, err error) {
	oldPath, err := ancestorChain(entries, oldLeafID)
	if err != nil {
		return "", nil, err
	}
	newPath, err := ancestorChain(entries, newTargetID)
	if err != nil {
		return "", nil, err
	}

	newAncestors := make(map[string]struct{}, len(newPath))
	for _, id := range newPath {
		newAncestors[id] = struct{}{}
	}

	lcaIdx := -1
	for i := len(oldPath) - 1; i >= 0; i-- {
		if _, ok := newAncestors[oldPath[i]]; ok {
			lcaIdx = i
			break
		}
	}
	if lcaIdx == -1 {
		return "", nil, fmt.Errorf("no common ancestor between %s and %s", oldLeafID, newTargetID)
	}

	ancestorID = oldPath[lcaIdx]
	for _, id := range oldPath[lcaIdx+1:] {
		abandoned = append(abandoned, entries[id])
	}
	return ancestorID, abandoned, nil
}

// ancestorChain returns the root-to-leaf chain of entry IDs ending at id.
func ancestorChain(entries map[string]store.Entry, id string) ([]string, error) {
	var chain []string
	curr := id
	for curr != "" {
		e, ok := entries[curr]
		if !ok {
			return nil, fmt.Errorf("broken parent link: %s", curr)
		}
		chain = append([]string{curr}, chain...)
		if e.ParentID == nil {
			break
		}
		curr = *e.ParentID
	}
	return chain, nil
}

const summarizationInstructions = "You are summarizing an abandoned branch of a conversation before the user " +
	"navigates away from it. Create a dense summary preserving what was explored, what was decided or " +
	"discarded, and any state a future reader would need to understand why this path was left. Be thorough but concise."

// Execute drives model to summarize abandoned and returns the resulting
// summary text. cancel fires to abort the model call early.
func Execute(ctx context.Context, driver models.Driver, model string, abandoned []store.Entry, cancel <-chan struct{}) (string, error) {
	if len(abandoned) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	var prompt strings.Builder
	prompt.WriteString("ABANDONED BRANCH:\n")
	for _, e := range abandoned {
		if e.Message == nil {
			continue
		}
		fmt.Fprintf(&prompt, "[%s] %s\n", e.Message.Role, flatten(e.Message.Content))
	}

	req := models.Request{
		Model:        model,
		Instructions: summarizationInstructions,
		Messages: []models.Message{
			{Role: message.RoleUser, Content: []message.ContentBlock{message.Text(prompt.String())}},
		},
	}

	events, err := driver.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling model for branch summary: %w", err)
	}

	var summary strings.Builder
	for {
		select {
		case <-cancel:
			return "", fmt.Errorf("branch summary cancelled")
		case ev, ok := <-events:
			if !ok {
				return "", fmt.Errorf("model stream closed before completion")
			}
			switch ev.Type {
			case models.EventTextDelta:
				summary.WriteString(ev.Delta)
			case models.EventDone:
				text := summary.String()
				if text == "" {
					text = flatten(ev.Message.Content)
				}
				if text == "" {
					return "", fmt.Errorf("model returned empty branch summary")
				}
				return text, nil
			case models.EventError:
				return "", fmt.Errorf("branch summary model stream error: %w", ev.Err)
			}
		}
	}
}

func flatten(blocks []message.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == message.BlockText && b.Text != nil {
			sb.WriteString(b.Text.Text)
		}
	}
	return sb.String()
}
