// Package session implements the agent-session manager (C5): for each
// logical session it owns the session's state, its ordered activity log,
// its active runner, and the translation of runner events into platform
// activities.
package session

import (
	"time"

	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// Type distinguishes what triggered the session.
type Type string

const (
	TypeIssueAssignment Type = "issueAssignment"
	TypeCommentThread   Type = "commentThread"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive            Status = "active"
	StatusComplete          Status = "complete"
	StatusError             Status = "error"
	StatusAwaitingApproval  Status = "awaitingApproval"
)

// AgentSession is the central entity C5 owns. The manager exclusively
// mutates it; callers only ever see copies.
type AgentSession struct {
	ID                 string
	ExternalSessionID  string
	Platform           trackerapi.Platform
	Type               Type
	Status             Status
	IssueContext       trackerapi.IssueContext
	Workspace          trackerapi.Workspace
	RunnerSessionID    string
	ParentID           string // empty for a root session

	Procedure      procedure.Procedure
	ProcedureState procedure.State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryType classifies a session entry's role.
type EntryType string

const (
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
	EntrySystem    EntryType = "system"
	EntryResult    EntryType = "result"
)

// EntryMetadata carries the optional tool-correlation fields.
type EntryMetadata struct {
	Timestamp        time.Time
	ToolUseID        string
	ToolName         string
	ToolInput        string
	ToolResultError  bool
	ParentToolUseID  string
}

// SessionEntry is one row in a session's append-only activity log.
type SessionEntry struct {
	Type               EntryType
	Content            string
	Metadata           EntryMetadata
	ExternalActivityID string // set once echoed to the tracker
}
