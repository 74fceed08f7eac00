package agentsession

import (
	"context"
	"fmt"

	"github.com/mzechner/agentrepl/pkg/agentcore"
	"github.com/mzechner/agentrepl/pkg/branchsummary"
	"github.com/mzechner/agentrepl/pkg/compaction"
	"github.com/mzechner/agentrepl/pkg/hooks"
	"github.com/mzechner/agentrepl/pkg/message"
	"github.com/mzechner/agentrepl/pkg/store"
)

// resync re-projects the session's current branch and replaces AgentCore's
// message list plus effective model/thinking level to match. Used after any
// mutation of the session tree (branch, navigate, compact, switch).
func (s *AgentSession) resync() error {
	ctx, err := s.session.GetContext()
	if err != nil {
		return fmt.Errorf("agentsession: re-projecting context: %w", err)
	}
	if err := s.core.ReplaceMessages(entriesToMessages(ctx.Entries)); err != nil {
		return err
	}
	if ctx.Model != "" {
		s.core.SetModel(ctx.Model)
	}
	s.core.SetThinkingLevel(ctx.ThinkingLevel)
	return nil
}

// gate emits a before_* hook and returns (cancelled, override).
func (s *AgentSession) gate(ctx context.Context, name hooks.EventName, payload any) (cancelled bool, override any) {
	if s.hookRunner == nil {
		return false, nil
	}
	result := s.hookRunner.Emit(ctx, hooks.Event{Name: name, Payload: payload}, s)
	if result == nil {
		return false, nil
	}
	return result.Cancel, result.Override
}

func (s *AgentSession) notify(name hooks.EventName, payload any) {
	if s.hookRunner == nil {
		return
	}
	s.hookRunner.Emit(context.Background(), hooks.Event{Name: name, Payload: payload}, s)
}

// entriesMap indexes a session's full entry list by ID for LCA lookups.
func entriesMap(entries []store.Entry) map[string]store.Entry {
	m := make(map[string]store.Entry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return m
}

// NewSession starts a fresh session for agentID, replacing the one this
// AgentSession wraps.
func (s *AgentSession) NewSession(agentID string) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}
	fresh, err := s.manager.NewSession(agentID, "")
	if err != nil {
		return err
	}
	old := s.session
	s.session = fresh
	if err := s.resync(); err != nil {
		s.session = old
		return err
	}
	old.Close()
	return nil
}

// SwitchSession loads a different session file and adopts it.
func (s *AgentSession) SwitchSession(ctx context.Context, sessionID string) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}
	if cancelled, _ := s.gate(ctx, hooks.EventSessionBeforeSwitch, sessionID); cancelled {
		return fmt.Errorf("agentsession: switch cancelled by hook")
	}
	next, err := s.manager.LoadSession(sessionID)
	if err != nil {
		return err
	}
	old := s.session
	s.session = next
	if err := s.resync(); err != nil {
		s.session = old
		return err
	}
	old.Close()
	s.notify(hooks.EventSessionSwitch, sessionID)
	return nil
}

// Branch moves the session's leaf pointer to entryID without summarizing.
func (s *AgentSession) Branch(ctx context.Context, entryID string) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}
	if cancelled, _ := s.gate(ctx, hooks.EventSessionBeforeBranch, entryID); cancelled {
		return fmt.Errorf("agentsession: branch cancelled by hook")
	}
	if err := s.session.Branch(entryID); err != nil {
		return err
	}
	if err := s.resync(); err != nil {
		return err
	}
	s.notify(hooks.EventSessionBranch, entryID)
	return nil
}

// NavigateTree moves the leaf to targetID, optionally summarizing the
// abandoned branch first via a model call on the branch-summary token. A
// summary is appended as a child of targetID and becomes the new leaf, so
// the re-projected context carries it.
func (s *AgentSession) NavigateTree(ctx context.Context, targetID string, summarize bool, customInstructions string) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}
	if cancelled, _ := s.gate(ctx, hooks.EventSessionBeforeTree, targetID); cancelled {
		return fmt.Errorf("agentsession: navigate cancelled by hook")
	}

	oldLeaf := s.session.LeafID()
	summarized := false
	if summarize && oldLeaf != targetID {
		entries := entriesMap(s.session.GetEntries())
		_, abandoned, err := branchsummary.CollectEntries(entries, oldLeaf, targetID)
		if err != nil {
			return fmt.Errorf("agentsession: computing abandoned branch: %w", err)
		}
		if len(abandoned) > 0 {
			s.mu.Lock()
			token := agentcore.NewCancelToken(ctx)
			s.branchSummaryToken = token
			s.mu.Unlock()

			summary, err := branchsummary.Execute(token.Context(), s.driver, s.core.Model(), abandoned, token.Done())
			if err != nil {
				return fmt.Errorf("agentsession: summarizing abandoned branch: %w", err)
			}
			if _, err := s.session.AppendBranchSummary(targetID, summary); err != nil {
				return err
			}
			summarized = true
		}
	}

	if !summarized {
		if err := s.session.Branch(targetID); err != nil {
			return err
		}
	}
	if err := s.resync(); err != nil {
		return err
	}
	s.notify(hooks.EventSessionTree, targetID)
	return nil
}

// AbortBranchSummary cancels an in-flight navigateTree summarization.
func (s *AgentSession) AbortBranchSummary() {
	s.mu.Lock()
	token := s.branchSummaryToken
	s.mu.Unlock()
	if token != nil {
		token.Cancel()
	}
}

// Compact runs the compaction engine over the current branch and, on
// success, appends the resulting CompactionEntry and re-syncs AgentCore.
func (s *AgentSession) Compact(ctx context.Context, customInstructions string) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}
	_, err := s.compact(ctx, "manual", customInstructions)
	return err
}

// compact is the shared implementation behind the manual Compact() entry
// point and AgentSession's two automatic triggers (spec.md §4.3): the
// pre-prompt "threshold" check and the mid-turn "overflow" retry. It is a
// silent no-op — no events, no error — when Prepare finds nothing worth
// dropping. The returned bool reports whether it actually resynced
// AgentCore's message list from the store, which callers need to know
// before deciding whether a pending user message (already persisted, and
// thus already folded into that resync) still needs appending to AgentCore
// or has already arrived there.
func (s *AgentSession) compact(ctx context.Context, reason, customInstructions string) (bool, error) {
	// Walk leaf to root so only the current branch is considered.
	var branchEntries []store.Entry
	for id := s.session.LeafID(); id != ""; {
		e, ok := s.session.GetEntry(id)
		if !ok {
			break
		}
		branchEntries = append([]store.Entry{e}, branchEntries...)
		if e.ParentID == nil {
			break
		}
		id = *e.ParentID
	}
	contextWindow := s.driver.ContextWindow(s.core.Model())
	prep, err := compaction.Prepare(branchEntries, s.compactionSettings, contextWindow, nil)
	if err != nil {
		return false, err
	}

	if cancelled, override := s.gate(ctx, hooks.EventSessionBeforeCompact, prep); cancelled {
		return false, fmt.Errorf("agentsession: compaction cancelled by hook")
	} else if overridden, ok := override.(*compaction.Result); ok && overridden != nil {
		return true, s.applyCompaction(overridden)
	}

	if prep == nil {
		return false, nil
	}

	s.events <- Event{Type: EventAutoCompactionStart, Reason: reason}

	s.mu.Lock()
	token := agentcore.NewCancelToken(ctx)
	s.compactionToken = token
	s.mu.Unlock()

	result, err := compaction.Execute(token.Context(), s.driver, s.core.Model(), prep, customInstructions, token.Done())
	if err != nil {
		s.events <- Event{Type: EventAutoCompactionEnd, Reason: reason, Aborted: token.IsCancelled(), Err: err}
		return false, err
	}
	if err := s.applyCompaction(result); err != nil {
		s.events <- Event{Type: EventAutoCompactionEnd, Reason: reason, Err: err}
		return false, err
	}
	s.events <- Event{Type: EventAutoCompactionEnd, Reason: reason}
	return true, nil
}

func (s *AgentSession) applyCompaction(result *compaction.Result) error {
	if _, err := s.session.AppendCompaction(store.CompactionEntry{
		Summary:          result.Summary,
		FirstKeptEntryID: result.FirstKeptEntryID,
		TokensBefore:     result.TokensBefore,
		ReadFiles:        result.ReadFiles,
		ModifiedFiles:    result.ModifiedFiles,
	}); err != nil {
		return err
	}
	return s.resync()
}

// AbortCompaction cancels an in-flight Compact call.
func (s *AgentSession) AbortCompaction() {
	s.mu.Lock()
	token := s.compactionToken
	s.mu.Unlock()
	if token != nil {
		token.Cancel()
	}
}

// SetModel changes the active model for future turns.
func (s *AgentSession) SetModel(ctx context.Context, model string) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}
	if _, err := s.session.AppendModelChange("", model); err != nil {
		return err
	}
	s.core.SetModel(model)
	return nil
}

// CycleModel steps to the next (direction>0) or previous (direction<0)
// model in the driver's catalog, wrapping around.
func (s *AgentSession) CycleModel(ctx context.Context, direction int) error {
	available, err := s.driver.List(ctx)
	if err != nil || len(available) == 0 {
		return err
	}
	current := s.core.Model()
	idx := 0
	for i, m := range available {
		if m == current {
			idx = i
			break
		}
	}
	next := ((idx+direction)%len(available) + len(available)) % len(available)
	return s.SetModel(ctx, available[next])
}

// SetThinkingLevel changes the active thinking depth for future turns.
func (s *AgentSession) SetThinkingLevel(level message.ThinkingLevel) error {
	if s.core.IsStreaming() {
		return ErrBusy
	}
	if !level.Valid() {
		return fmt.Errorf("agentsession: invalid thinking level %q", level)
	}
	if _, err := s.session.AppendThinkingLevelChange(level); err != nil {
		return err
	}
	s.core.SetThinkingLevel(level)
	return nil
}

var thinkingLevels = []message.ThinkingLevel{
	message.ThinkingOff, message.ThinkingMinimal, message.ThinkingLow,
	message.ThinkingMedium, message.ThinkingHigh, message.ThinkingXHigh,
}

// CycleThinkingLevel steps through the fixed thinking-level ladder.
func (s *AgentSession) CycleThinkingLevel(direction int) error {
	current := s.core.ThinkingLevel()
	idx := 0
	for i, l := range thinkingLevels {
		if l == current {
			idx = i
			break
		}
	}
	n := len(thinkingLevels)
	next := ((idx+direction)%n + n) % n
	return s.SetThinkingLevel(thinkingLevels[next])
}

// SetCompactionSettings replaces the settings governing auto-compaction
// thresholds and manual Compact calls.
func (s *AgentSession) SetCompactionSettings(settings compaction.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactionSettings = settings
}

// SetSteeringMode changes how queued steer messages are drained between turns.
func (s *AgentSession) SetSteeringMode(mode agentcore.QueueMode) { s.core.SetSteeringMode(mode) }

// SetFollowUpMode changes how queued follow-up messages are drained between turns.
func (s *AgentSession) SetFollowUpMode(mode agentcore.QueueMode) { s.core.SetFollowUpMode(mode) }
