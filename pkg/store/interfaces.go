package store

import "github.com/mzechner/agentrepl/pkg/message"

// Manager defines the interface for managing sessions in a specific directory.
type Manager interface {
	// NewSession initializes a new session.
	// agentID: ID of the agent configuration to use.
	// parentSessionID: Optional ID of the session this one was branched from.
	NewSession(agentID, parentSessionID string) (Session, error)

	// LoadSession opens an existing session file by its ID.
	LoadSession(id string) (Session, error)

	// ContinueRecent finds and loads the most recently modified session in the directory.
	ContinueRecent() (Session, error)

	// ForkFrom creates a new session based on an existing session's history.
	// id: ID of the source session.
	ForkFrom(id string) (Session, error)

	// ListSessions returns metadata for all session files in the managed directory.
	ListSessions() ([]SessionInfo, error)

	// Subscribe returns a channel that emits session IDs when an event occurs in any managed session.
	Subscribe() <-chan string

	// SetSessionStatus updates the status of a session.
	SetSessionStatus(id, status string) error

	// NewAgent creates a new agent configuration.
	NewAgent(a *Agent) error

	// UpdateAgent updates an existing agent configuration.
	UpdateAgent(a *Agent) error

	// DeleteAgent deletes an agent configuration by ID.
	DeleteAgent(id string) error

	// ListAgents returns all available agents.
	ListAgents() ([]Agent, error)

	// GetAgent returns a specific agent by ID.
	GetAgent(id string) (*Agent, error)
}

// Session defines the interface for interacting with a single conversation session.
// It manages the in-memory state and persistence for a conversation tree.
type Session interface {
	// ID returns the session's unique identifier.
	ID() string

	// Path returns the absolute path to the session's storage file. Empty
	// for an in-memory session with no backing file.
	Path() string

	// Header returns the session metadata.
	Header() Header

	// LeafID returns the ID of the current tip of the conversation tree.
	LeafID() string

	// Append adds a generic entry as a child of the current leaf and advances the leaf pointer.
	Append(entry Entry) error

	// AppendMessage appends a standard conversation message.
	AppendMessage(role message.Role, content []message.ContentBlock) (string, error)

	// AppendCustomMessage appends a session-originated synthetic message
	// (bash execution, hook note, branch/compaction summary) carrying both
	// raw content and a human-facing display string.
	AppendCustomMessage(custom message.CustomRole, content []message.ContentBlock, display string) (string, error)

	// AppendThinkingLevelChange records a change in the agent's internal thinking depth.
	AppendThinkingLevelChange(level message.ThinkingLevel) (string, error)

	// AppendModelChange records a shift in the underlying LLM being used.
	AppendModelChange(provider, modelID string) (string, error)

	// AppendCompaction records a summary of truncated history.
	AppendCompaction(c CompactionEntry) (string, error)

	// AppendBranchSummary moves the leaf pointer and appends a summary of the abandoned path.
	AppendBranchSummary(branchFromID string, summary string) (string, error)

	// AppendSessionInfo updates metadata like the session's display name.
	AppendSessionInfo(name string) (string, error)

	// AppendCustomEntry persists arbitrary extension data that is not a message.
	AppendCustomEntry(customType string, data map[string]any) (string, error)

	// SetLabel associates a bookmark string with an entry.
	SetLabel(targetID string, label string) (string, error)

	// Branch moves the leaf pointer to an earlier entry, without recording a summary.
	Branch(entryID string) error

	// ResetLeaf moves the leaf pointer back to the session root.
	ResetLeaf() error

	// CreateBranchedSession exports a linear message path to a new session file.
	CreateBranchedSession(leafID string) (string, error)

	// GetEntry returns a single entry by ID regardless of branch.
	GetEntry(id string) (Entry, bool)

	// GetEntries returns every entry ever appended to the session, in append order.
	GetEntries() []Entry

	// GetContext builds the linear history from the current leaf back to
	// root, resolving the most recent compaction/branch-summary into
	// synthetic messages, plus the effective model and thinking level.
	GetContext() (Context, error)

	// GetTree returns the full session as a hierarchical tree structure.
	GetTree() ([]TreeNode, error)

	// Refresh reloads the session state from the underlying storage.
	Refresh() error

	// Close releases any resources (like file handles) held by the session.
	Close() error
}

// Context is the projected, linear view of a session's active branch that
// pkg/agentcore drives a model turn from.
type Context struct {
	Entries       []Entry
	Model         string
	ThinkingLevel message.ThinkingLevel
}
