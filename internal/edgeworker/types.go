// Package edgeworker implements the edge worker (C6): the conductor that
// wires the event transport (C2), repository router (C3), procedure engine
// (C4), and agent-session manager (C5) into one running process.
package edgeworker

import (
	"time"

	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/internal/router"
	"github.com/ceedaragents/cyrus-sub002/internal/runner"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// webhookPayload is the subset of an inbound webhook body the worker reads
// directly; anything else is resolved by fetching the issue from the
// tracker, per spec.md §4.3 ("fetch issue labels via the tracker").
type webhookPayload struct {
	Type        string   `json:"type"`
	Action      string   `json:"action"`
	IssueID     string   `json:"issueId"`
	WorkspaceID string   `json:"workspaceId"`
	TeamKey     string   `json:"teamKey"`
	Project     string   `json:"project"`
	Labels      []string `json:"labels"`
	CommentID   string   `json:"commentId"`
	Choice      string   `json:"choice"` // elicitation response, when Type == elicitationResponseType
}

// elicitationResponseType is the webhook type the tracker sends back when a
// user resolves a pending repository-selection elicitation (scenario 5).
const elicitationResponseType = "AgentSessionElicitationResponse"

// ProcedureSelector chooses which procedure a new session runs, typically
// based on the issue's labels. The worker ships DefaultProcedureSelector as
// a sane default: the three-subroutine scope/build/verify baseline, or
// build/verify only for a "hotfix"-labeled issue.
type ProcedureSelector func(issue trackerapi.Issue) procedure.Procedure

// RunnerConfigFactory builds the per-invocation runner.Config for a
// subroutine about to run, from the resolved repository and the base
// defaults loaded from ambient config.
type RunnerConfigFactory func(repo router.RepositoryConfig, sub procedure.Subroutine, resumeSessionID string) runner.Config

// Config parameterises a Worker.
type Config struct {
	Platform    trackerapi.Platform
	GCInterval  time.Duration
	SessionTTL  time.Duration
	CLIHealth   bool // expose GET /cli/health
}

// WorkspaceResolver resolves a RepositoryConfig to the Workspace a session runs in.
// The default implementation treats RepositoryConfig.LocalPath as already
// materialised (no git-worktree creation); callers needing that behaviour
// inject their own trackerapi.WorkspaceFactory-backed resolver.
type WorkspaceResolver func(repo router.RepositoryConfig) trackerapi.Workspace

func defaultWorkspaceResolver(repo router.RepositoryConfig) trackerapi.Workspace {
	return trackerapi.Workspace{Path: repo.LocalPath, BaseBranch: repo.BaseBranch}
}
