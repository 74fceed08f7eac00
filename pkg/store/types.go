package store

import (
	"time"

	"github.com/mzechner/agentrepl/pkg/message"
)

// EntryType defines the kind of session entry.
type EntryType string

const (
	TypeSession       EntryType = "session"
	TypeMessage       EntryType = "message"
	TypeModelChange   EntryType = "model_change"
	TypeThinkingLevel EntryType = "thinking_level"
	TypeLabel         EntryType = "label"
	TypeSessionInfo   EntryType = "session_info"
	TypeCompaction    EntryType = "compaction"
	TypeBranchSummary EntryType = "branch_summary"
	TypeCustom        EntryType = "custom"
)

// Agent represents a configuration for an AI agent.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model,omitempty"` // Default model
	Tools        []string `json:"tools,omitempty"` // Allowed tools
}

// Header is the first line of the file (metadata).
type Header struct {
	Type          EntryType `json:"type"` // Always "session"
	ID            string    `json:"id"`
	Agent         Agent     `json:"agent"`
	Version       int       `json:"version"`
	ParentSession string    `json:"parent_session,omitempty"`
	CreatedAt     time.Time `json:"timestamp"`
}

// Entry is a tagged union that represents any record in the session log.
type Entry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  *string   `json:"parent_id"` // Pointer to allow null for root
	Timestamp time.Time `json:"timestamp"`

	// Payload pointers - only one will be non-nil
	Message       *MessageEntry       `json:"message,omitempty"`
	ModelChange   *ModelChangeEntry   `json:"model_change,omitempty"`
	ThinkingLevel *ThinkingLevelEntry `json:"thinking_level,omitempty"`
	Label         *LabelEntry         `json:"label,omitempty"`
	SessionInfo   *SessionInfoEntry   `json:"session_info,omitempty"`
	Compaction    *CompactionEntry    `json:"compaction,omitempty"`
	BranchSummary *BranchSummaryEntry `json:"branch_summary,omitempty"`
	Custom        *CustomEntry        `json:"custom,omitempty"`
}

// MessageEntry represents a conversation message. A regular user/assistant/
// tool message leaves Custom empty; a session-originated synthetic message
// (bash execution output, a hook-injected note, a branch or compaction
// summary) sets Role to message.RoleCustom and Custom to the specific kind,
// carrying a human-facing Display string alongside the raw Content.
type MessageEntry struct {
	Role       message.Role        `json:"role"`
	Custom     message.CustomRole  `json:"custom,omitempty"`
	Content    []message.ContentBlock `json:"content"`
	Display    string              `json:"display,omitempty"`
	Model      string              `json:"model,omitempty"`
	Usage      *message.Usage      `json:"usage,omitempty"`
	StopReason message.StopReason  `json:"stop_reason,omitempty"`
}

// ModelChangeEntry records a shift in the underlying LLM.
type ModelChangeEntry struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
}

// ThinkingLevelEntry records a change in agent thinking depth.
type ThinkingLevelEntry struct {
	Level message.ThinkingLevel `json:"level"`
}

// LabelEntry associates a bookmark with an entry.
type LabelEntry struct {
	TargetID string `json:"target_id"`
	Label    string `json:"label,omitempty"` // empty to remove
}

// SessionInfoEntry updates session metadata.
type SessionInfoEntry struct {
	Name string `json:"name"`
}

// CompactionEntry contains a summary of discarded history, plus the
// structured record of what that history touched.
type CompactionEntry struct {
	Summary          string   `json:"summary"`
	FirstKeptEntryID string   `json:"first_kept_entry_id"`
	TokensBefore     int      `json:"tokens_before"`
	ReadFiles        []string `json:"read_files,omitempty"`
	ModifiedFiles    []string `json:"modified_files,omitempty"`
}

// BranchSummaryEntry captures context from an abandoned path.
type BranchSummaryEntry struct {
	Summary string `json:"summary"`
	FromID  string `json:"from_id"`
}

// CustomEntry persists arbitrary extension data that isn't shaped like a
// message (e.g. a plugin's private bookkeeping record).
type CustomEntry struct {
	CustomType string         `json:"custom_type"`
	Data       map[string]any `json:"data"`
}

// SessionInfo provides metadata about a session file.
type SessionInfo struct {
	ID           string
	Path         string
	Name         string
	Status       string
	AgentID      string
	AgentName    string
	Created      time.Time
	Modified     time.Time
	MessageCount int
}

const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// TreeNode represents a hierarchical view of the session.
type TreeNode struct {
	Entry    Entry
	Children []TreeNode
	Label    string
}
