package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub002/internal/common/logger"
)

// Router holds the statically-configured repositories and the per-issue
// cache of prior routing decisions. It is safe for concurrent use.
type Router struct {
	logger *logger.Logger

	repos []RepositoryConfig

	activeSession ActiveSessionLookup

	mu      sync.RWMutex
	cache   map[string]string               // issueID -> repoID
	pending map[string][]RepositoryConfig   // issueID -> unresolved candidates
}

// New constructs a Router over the given static repository configs.
// lookup may be nil, in which case rule 1 (active session override) never
// fires.
func New(repos []RepositoryConfig, lookup ActiveSessionLookup, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	return &Router{
		logger:        log.With(zap.String("component", "router")),
		repos:         repos,
		activeSession: lookup,
		cache:         make(map[string]string),
		pending:       make(map[string][]RepositoryConfig),
	}
}

// Route resolves req to exactly one repository, or reports ambiguity for
// the caller to elicit a human choice via RecordPending/ResolvePending.
//
// Priority, in order: cached decision, active-session override, a repo
// whose RoutingLabels intersects req.Labels, a repo whose ProjectKeys
// contains req.Project, a repo whose TeamKeys contains req.TeamKey, the
// sole predicate-free catch-all repo, else ambiguous among every repo in
// req.WorkspaceID.
func (r *Router) Route(req RoutingRequest) RouteResult {
	if repoID, ok := r.CachedRepo(req.IssueID); ok {
		return RouteResult{Decided: true, RepoID: repoID}
	}

	if repoID, ok := r.activeSession(req.IssueID); ok {
		r.recordCache(req.IssueID, repoID)
		return RouteResult{Decided: true, RepoID: repoID}
	}

	if repo, ok := r.matchLabels(req.Labels); ok {
		r.recordCache(req.IssueID, repo.ID)
		return RouteResult{Decided: true, RepoID: repo.ID}
	}

	if repo, ok := r.matchProject(req.Project); ok {
		r.recordCache(req.IssueID, repo.ID)
		return RouteResult{Decided: true, RepoID: repo.ID}
	}

	if repo, ok := r.matchTeamKey(req.TeamKey); ok {
		r.recordCache(req.IssueID, repo.ID)
		return RouteResult{Decided: true, RepoID: repo.ID}
	}

	if repo, ok := r.catchAll(); ok {
		r.recordCache(req.IssueID, repo.ID)
		return RouteResult{Decided: true, RepoID: repo.ID}
	}

	candidates := r.workspaceRepos(req.WorkspaceID)
	if len(candidates) == 1 {
		r.recordCache(req.IssueID, candidates[0].ID)
		return RouteResult{Decided: true, RepoID: candidates[0].ID}
	}

	r.mu.Lock()
	r.pending[req.IssueID] = candidates
	r.mu.Unlock()
	return RouteResult{Decided: false, Ambiguous: candidates}
}

func (r *Router) matchLabels(labels []string) (RepositoryConfig, bool) {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	for _, repo := range r.repos {
		for _, want := range repo.RoutingLabels {
			if set[want] {
				return repo, true
			}
		}
	}
	return RepositoryConfig{}, false
}

func (r *Router) matchProject(project string) (RepositoryConfig, bool) {
	if project == "" {
		return RepositoryConfig{}, false
	}
	for _, repo := range r.repos {
		for _, p := range repo.ProjectKeys {
			if p == project {
				return repo, true
			}
		}
	}
	return RepositoryConfig{}, false
}

func (r *Router) matchTeamKey(teamKey string) (RepositoryConfig, bool) {
	if teamKey == "" {
		return RepositoryConfig{}, false
	}
	for _, repo := range r.repos {
		for _, k := range repo.TeamKeys {
			if k == teamKey {
				return repo, true
			}
		}
	}
	return RepositoryConfig{}, false
}

// catchAll returns the single configured repo with no routing predicates.
// If more than one repo qualifies, none is picked and the caller falls
// through to elicitation.
func (r *Router) catchAll() (RepositoryConfig, bool) {
	var found RepositoryConfig
	count := 0
	for _, repo := range r.repos {
		if repo.hasNoPredicates() {
			found = repo
			count++
		}
	}
	if count != 1 {
		return RepositoryConfig{}, false
	}
	return found, true
}

func (r *Router) workspaceRepos(workspaceID string) []RepositoryConfig {
	var out []RepositoryConfig
	for _, repo := range r.repos {
		if repo.WorkspaceID == workspaceID {
			out = append(out, repo)
		}
	}
	return out
}

// Repo returns the statically-configured repository with the given id.
func (r *Router) Repo(id string) (RepositoryConfig, bool) {
	for _, repo := range r.repos {
		if repo.ID == id {
			return repo, true
		}
	}
	return RepositoryConfig{}, false
}

// CachedRepo returns the previously decided repo for issueID, if any.
func (r *Router) CachedRepo(issueID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repoID, ok := r.cache[issueID]
	return repoID, ok
}

func (r *Router) recordCache(issueID, repoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[issueID] = repoID
	delete(r.pending, issueID)
}

// ForgetIssue drops any cached routing decision for issueID. Used when a
// session for that issue terminates, so a later re-open re-runs the chain.
func (r *Router) ForgetIssue(issueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, issueID)
}

// PendingOptions returns the candidates awaiting human resolution for
// issueID, if Route last returned Decided: false for it.
func (r *Router) PendingOptions(issueID string) ([]RepositoryConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts, ok := r.pending[issueID]
	return opts, ok
}

// ResolvePending records the human's choice of repo for issueID, by display
// name. If choice matches none of the recorded candidates, the first
// candidate is used as the fallback.
func (r *Router) ResolvePending(issueID, choice string) (string, bool) {
	r.mu.Lock()
	opts, ok := r.pending[issueID]
	r.mu.Unlock()
	if !ok || len(opts) == 0 {
		return "", false
	}

	picked := opts[0]
	for _, opt := range opts {
		if opt.DisplayName == choice {
			picked = opt
			break
		}
	}
	r.recordCache(issueID, picked.ID)
	return picked.ID, true
}
