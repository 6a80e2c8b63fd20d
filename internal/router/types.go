// Package router implements the repository router (C3): given a webhook
// event it selects exactly one configured repository using a strict
// priority chain, caching the decision per issue id for follow-up events.
package router

// RepositoryConfig is one statically-configured repository the orchestrator
// can route work to. It is immutable at runtime.
type RepositoryConfig struct {
	ID              string
	DisplayName     string
	LocalPath       string
	BaseBranch      string
	WorkspaceRoot   string
	WorkspaceID     string // the issue-tracker workspace this repo belongs to
	RoutingLabels   []string
	ProjectKeys     []string
	TeamKeys        []string
	RunnerKind      string
	ModelOverrides  map[string]string
	MCPConfigPaths  []string
	LabelPromptRules map[string]string // label name -> prompt template override
}

// hasNoPredicates reports whether repo carries none of the positive routing
// rules, making it eligible as the catch-all.
func (repo RepositoryConfig) hasNoPredicates() bool {
	return len(repo.RoutingLabels) == 0 && len(repo.ProjectKeys) == 0 && len(repo.TeamKeys) == 0
}

// RoutingRequest carries the fields the priority chain consults, extracted
// by the edge worker from the parsed webhook and a tracker lookup of the
// issue.
type RoutingRequest struct {
	WorkspaceID string
	IssueID     string
	TeamKey     string
	Labels      []string
	Project     string
}

// RouteResult is the outcome of Route.
type RouteResult struct {
	Decided bool
	RepoID  string
	// Ambiguous holds the candidate repos when Decided is false and the
	// caller must elicit a human choice.
	Ambiguous []RepositoryConfig
}

// ActiveSessionLookup reports the repo id already handling issueID, if any.
// Injected by the edge worker so the router needn't depend on the session
// manager.
type ActiveSessionLookup func(issueID string) (repoID string, ok bool)
