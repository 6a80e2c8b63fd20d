// Package trackerapi defines the abstract contract the orchestrator core
// requires of an issue-tracking platform (Linear, GitHub, or a local CLI
// stub). No concrete platform SDK lives in this module; internal/trackermemory
// is the one shipped implementation, used for local/CLI mode and as the test
// double for the session manager and edge worker.
package trackerapi

import "context"

// Platform identifies which tracker vendor a session belongs to.
type Platform string

const (
	PlatformLinear Platform = "linear"
	PlatformGitHub Platform = "github"
)

// IssueContext identifies the issue a session is working against.
type IssueContext struct {
	TrackerID       string
	IssueID         string
	IssueIdentifier string // display key, e.g. "TEAM-123"
	// Labels is the issue's label set at session-creation time, carried
	// forward so later subroutines can still consult a repo's
	// label-to-prompt rules without re-fetching the issue.
	Labels []string
}

// Workspace is the opaque local working directory a session runs in.
// It is created by a caller-supplied WorkspaceFactory, never by the core.
type Workspace struct {
	Path          string
	IsGitWorktree bool
	BaseBranch    string
}

// WorkspaceFactory materialises a Workspace for an issue. The core treats it
// as an opaque collaborator; no concrete implementation ships in this module.
type WorkspaceFactory interface {
	CreateWorkspace(ctx context.Context, issue IssueContext, baseBranch string) (Workspace, error)
}

// Issue is the subset of tracker issue fields the core consumes.
type Issue struct {
	ID         string
	Identifier string
	Title      string
	TeamID     string
	TeamKey    string
	ProjectID  string
	Project    string
	Labels     []string
}

// ListOptions paginate/filter child-issue and comment fetches.
type ListOptions struct {
	IncludeCompleted bool
	IncludeArchived  bool
	First            int
	After            string
	Limit            int
}

// IssuePatch is a partial update applied via UpdateIssue.
type IssuePatch struct {
	StateID     *string
	Title       *string
	Description *string
}

// Comment is a tracker comment.
type Comment struct {
	ID       string
	IssueID  string
	ParentID string
	Body     string
	UserID   string
}

// NewComment is the payload for CreateComment.
type NewComment struct {
	Body            string
	ParentID        string
	AttachmentURLs  []string
}

// Team, Label, WorkflowState, User are the small reference entities the
// router and classifier consult.
type Team struct {
	ID  string
	Key string
}

type Label struct {
	ID   string
	Name string
}

type WorkflowState struct {
	ID   string
	Name string
}

type User struct {
	ID    string
	Name  string
	Email string
}

// AgentSessionRef is what the tracker returns when an agent session is
// created on an issue or comment; ExternalSessionID is used by the manager
// as the session's externalSessionId (equal to the internal id on Linear).
type AgentSessionRef struct {
	ExternalSessionID string
}

// ActivityContentType enumerates the kinds of activity the core can post
// back to the tracker.
type ActivityContentType string

const (
	ActivityThought     ActivityContentType = "thought"
	ActivityResponse    ActivityContentType = "response"
	ActivityAction      ActivityContentType = "action"
	ActivityElicitation ActivityContentType = "elicitation"
	ActivityError       ActivityContentType = "error"
	ActivityPrompt      ActivityContentType = "prompt"
)

// ActivityContent is the body of a createAgentActivity call.
type ActivityContent struct {
	Type      ActivityContentType
	Body      string
	Action    string // tool/command name, for ActivityAction
	Parameter string // rendered input, for ActivityAction
	Result    string // rendered output, for ActivityAction, once available
	Options   []string // selectable options, for ActivityElicitation
}

// CreateActivityRequest is the payload for CreateAgentActivity.
type CreateActivityRequest struct {
	AgentSessionID string
	Content        ActivityContent
	Ephemeral      bool
	Signal         string // e.g. "approval-url" for elicitations
	SignalMetadata map[string]string
}

// PlatformMetadata is returned by GetPlatformMetadata for diagnostics/health.
type PlatformMetadata struct {
	Platform    Platform
	WorkspaceID string
}

// IssueTrackerService is the abstract contract the orchestrator core depends
// on. Every method returns a *TrackerError (see errors.go) carrying a
// platform-independent ErrorKind plus the underlying cause.
type IssueTrackerService interface {
	FetchIssue(ctx context.Context, idOrIdentifier string) (Issue, error)
	FetchIssueChildren(ctx context.Context, issueID string, opts ListOptions) ([]Issue, error)
	UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) error

	FetchComments(ctx context.Context, issueID string, opts ListOptions) ([]Comment, error)
	FetchComment(ctx context.Context, commentID string) (Comment, error)
	CreateComment(ctx context.Context, issueID string, c NewComment) (Comment, error)

	FetchTeams(ctx context.Context) ([]Team, error)
	FetchTeam(ctx context.Context, teamID string) (Team, error)
	FetchLabels(ctx context.Context, issueID string) ([]Label, error)
	FetchLabel(ctx context.Context, labelID string) (Label, error)
	FetchWorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error)
	FetchWorkflowState(ctx context.Context, stateID string) (WorkflowState, error)
	FetchUser(ctx context.Context, userID string) (User, error)
	FetchCurrentUser(ctx context.Context) (User, error)

	CreateAgentSessionOnIssue(ctx context.Context, issueID string, externalLink string) (AgentSessionRef, error)
	CreateAgentSessionOnComment(ctx context.Context, commentID string, externalLink string) (AgentSessionRef, error)
	FetchAgentSession(ctx context.Context, id string) (AgentSessionRef, error)

	CreateAgentActivity(ctx context.Context, req CreateActivityRequest) error

	RequestFileUpload(ctx context.Context, filename string, data []byte) (string, error)
	GetPlatformType(ctx context.Context) Platform
	GetPlatformMetadata(ctx context.Context) PlatformMetadata
}
