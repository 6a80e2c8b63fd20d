package edgeworker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub002/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/internal/router"
	"github.com/ceedaragents/cyrus-sub002/internal/session"
	"github.com/ceedaragents/cyrus-sub002/internal/transport"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// Worker is the edge worker (C6): it wires the transport, router, procedure
// engine and session manager into the running conductor loop described in
// spec.md §4.6.
type Worker struct {
	logger    *logger.Logger
	cfg       Config
	tracker   trackerapi.IssueTrackerService
	router    *router.Router
	transport *transport.Transport
	sessions  *session.Manager

	procedures    ProcedureSelector
	runnerConfigs RunnerConfigFactory
	workspaces    WorkspaceResolver

	mu                 sync.Mutex
	pendingElicitation map[string]string // issueID -> externalSessionID already allocated on the tracker
	running            bool
	stopFn             context.CancelFunc
}

// Deps bundles the already-constructed collaborators a Worker wires
// together. Building each of C1-C5's pieces is left to the caller (or
// cmd/edgeworker) so Worker itself never constructs a concrete runner
// adapter or tracker implementation.
type Deps struct {
	Tracker       trackerapi.IssueTrackerService
	Router        *router.Router
	Transport     *transport.Transport
	NewRunner     session.RunnerFactory
	Engine        *procedure.Engine
	Approvals     *procedure.ApprovalGate
	Procedures    ProcedureSelector
	RunnerConfigs RunnerConfigFactory
	Workspaces    WorkspaceResolver
}

// New constructs a Worker and the session.Manager it drives, wiring the
// manager's completion callbacks back into the worker's own subroutine
// dispatch.
func New(deps Deps, cfg Config, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Default()
	}
	if deps.Procedures == nil {
		deps.Procedures = DefaultProcedureSelector
	}
	if deps.Workspaces == nil {
		deps.Workspaces = defaultWorkspaceResolver
	}

	w := &Worker{
		logger:             log.With(zap.String("component", "edgeworker")),
		cfg:                cfg,
		tracker:            deps.Tracker,
		router:             deps.Router,
		transport:          deps.Transport,
		procedures:         deps.Procedures,
		runnerConfigs:      deps.RunnerConfigs,
		workspaces:         deps.Workspaces,
		pendingElicitation: make(map[string]string),
	}

	handlers := session.EventHandlers{
		OnSubroutineComplete:  w.onSubroutineComplete,
		OnValidationIteration: w.onValidationIteration,
		OnValidationRerun:     w.onValidationRerun,
		OnParentResume:        w.onParentResume,
	}
	w.sessions = session.New(deps.Tracker, deps.NewRunner, deps.Engine, deps.Approvals, handlers, log)

	if deps.Transport != nil {
		deps.Transport.OnEvent(w.handleEvent)
	}

	return w
}

// Sessions exposes the underlying session manager, e.g. for tests or an
// admin HTTP surface that lists active sessions.
func (w *Worker) Sessions() *session.Manager { return w.sessions }

// handleEvent is the transport.Handler invoked for every verified webhook.
// It never blocks the HTTP response; the transport already dispatches it on
// its own goroutine.
func (w *Worker) handleEvent(ev transport.Event) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		w.logger.Warn("failed to re-marshal webhook payload", zap.Error(err))
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		w.logger.Warn("failed to decode webhook payload", zap.Error(err))
		return
	}

	ctx := context.Background()

	if payload.Type == elicitationResponseType {
		w.resolveElicitation(ctx, payload)
		return
	}

	if payload.IssueID == "" {
		w.logger.Debug("ignoring webhook with no issueId", zap.String("type", payload.Type))
		return
	}

	issue, err := w.tracker.FetchIssue(ctx, payload.IssueID)
	if err != nil {
		w.logger.Warn("failed to fetch issue for routing", zap.String("issue_id", payload.IssueID), zap.Error(err))
		return
	}

	req := router.RoutingRequest{
		WorkspaceID: payload.WorkspaceID,
		IssueID:     issue.ID,
		TeamKey:     firstNonEmpty(payload.TeamKey, issue.TeamKey),
		Labels:      firstNonEmptyList(payload.Labels, issue.Labels),
		Project:     firstNonEmpty(payload.Project, issue.Project),
	}

	result := w.router.Route(req)
	if !result.Decided {
		w.elicitRepoChoice(ctx, issue, result.Ambiguous)
		return
	}

	w.beginOrContinue(ctx, issue, payload, result.RepoID)
}

func (w *Worker) resolveElicitation(ctx context.Context, payload webhookPayload) {
	repoID, ok := w.router.ResolvePending(payload.IssueID, payload.Choice)
	if !ok {
		w.logger.Warn("elicitation response for issue with no pending selection", zap.String("issue_id", payload.IssueID))
		return
	}
	issue, err := w.tracker.FetchIssue(ctx, payload.IssueID)
	if err != nil {
		w.logger.Warn("failed to fetch issue after elicitation resolution", zap.String("issue_id", payload.IssueID), zap.Error(err))
		return
	}
	w.beginOrContinue(ctx, issue, webhookPayload{IssueID: payload.IssueID}, repoID)
}

func (w *Worker) elicitRepoChoice(ctx context.Context, issue trackerapi.Issue, candidates []router.RepositoryConfig) {
	ref, err := w.tracker.CreateAgentSessionOnIssue(ctx, issue.ID, "")
	if err != nil {
		w.logger.Warn("failed to allocate agent session for elicitation", zap.String("issue_id", issue.ID), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.pendingElicitation[issue.ID] = ref.ExternalSessionID
	w.mu.Unlock()

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.DisplayName
	}
	err = w.tracker.CreateAgentActivity(ctx, trackerapi.CreateActivityRequest{
		AgentSessionID: ref.ExternalSessionID,
		Content: trackerapi.ActivityContent{
			Type:    trackerapi.ActivityElicitation,
			Body:    "multiple repositories match this issue; pick one",
			Options: names,
		},
	})
	if err != nil {
		w.logger.Warn("failed to post routing elicitation", zap.String("issue_id", issue.ID), zap.Error(err))
	}
}

func (w *Worker) beginOrContinue(ctx context.Context, issue trackerapi.Issue, payload webhookPayload, repoID string) {
	if sessID, ok := w.sessions.ActiveSessionForIssue(issue.ID); ok {
		w.logger.Debug("reusing active session for issue", zap.String("issue_id", issue.ID), zap.String("session_id", sessID))
		return
	}

	repo, ok := w.router.Repo(repoID)
	if !ok {
		w.logger.Warn("routed to unknown repo id", zap.String("repo_id", repoID))
		return
	}

	externalID := w.consumePendingElicitation(issue.ID)
	if externalID == "" && w.cfg.Platform == trackerapi.PlatformLinear {
		ref, err := w.tracker.CreateAgentSessionOnIssue(ctx, issue.ID, "")
		if err != nil {
			w.logger.Warn("failed to allocate agent session", zap.String("issue_id", issue.ID), zap.Error(err))
			return
		}
		externalID = ref.ExternalSessionID
	}

	sessType := session.TypeIssueAssignment
	if payload.CommentID != "" {
		sessType = session.TypeCommentThread
	}

	sess := w.sessions.CreateSession(session.CreateSpec{
		ExternalSessionID: externalID,
		Platform:          w.cfg.Platform,
		Type:              sessType,
		IssueContext: trackerapi.IssueContext{
			TrackerID:       repo.WorkspaceID,
			IssueID:         issue.ID,
			IssueIdentifier: issue.Identifier,
			Labels:          issue.Labels,
		},
		Workspace: w.workspaces(repo),
		Procedure: w.procedures(issue),
	})

	first, ok := procedure.Current(sess.Procedure, sess.ProcedureState)
	if !ok {
		w.logger.Warn("selected procedure has no subroutines", zap.String("session_id", sess.ID))
		return
	}
	w.startSubroutine(sess, repo, first, "")
}

func (w *Worker) consumePendingElicitation(issueID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.pendingElicitation[issueID]
	if ok {
		delete(w.pendingElicitation, issueID)
	}
	return id
}

func (w *Worker) startSubroutine(sess session.AgentSession, repo router.RepositoryConfig, sub procedure.Subroutine, resumeSessionID string) {
	tmpl := promptTemplateFor(repo, sub, sess.IssueContext.Labels)
	prompt := renderPrompt(tmpl, contextFor(sess, repo.DisplayName))
	cfg := w.runnerConfigs(repo, sub, resumeSessionID)
	if err := w.sessions.StartRunner(context.Background(), sess.ID, cfg, prompt); err != nil {
		w.logger.Warn("failed to start runner", zap.String("session_id", sess.ID), zap.String("subroutine", sub.Name), zap.Error(err))
	}
}

func (w *Worker) repoForSession(sess session.AgentSession) (router.RepositoryConfig, bool) {
	repoID, ok := w.router.CachedRepo(sess.IssueContext.IssueID)
	if !ok {
		return router.RepositoryConfig{}, false
	}
	return w.router.Repo(repoID)
}

func (w *Worker) onSubroutineComplete(sess session.AgentSession, outcome procedure.StepOutcome) {
	if outcome.Outcome != procedure.OutcomeAdvance || !outcome.HasNext {
		return
	}
	repo, ok := w.repoForSession(sess)
	if !ok {
		w.logger.Warn("no routed repo for session advancing to next subroutine", zap.String("session_id", sess.ID))
		return
	}
	w.startSubroutine(sess, repo, outcome.NextSubroutine, sess.RunnerSessionID)
}

func (w *Worker) onValidationIteration(sess session.AgentSession, outcome procedure.StepOutcome) {
	repo, ok := w.repoForSession(sess)
	if !ok {
		w.logger.Warn("no routed repo for session running fixer", zap.String("session_id", sess.ID))
		return
	}
	cur, ok := procedure.Current(sess.Procedure, sess.ProcedureState)
	if !ok {
		cur = procedure.Subroutine{Name: "fixer"}
	}
	cfg := w.runnerConfigs(repo, cur, sess.RunnerSessionID)
	if err := w.sessions.StartRunner(context.Background(), sess.ID, cfg, outcome.FixerPrompt); err != nil {
		w.logger.Warn("failed to start fixer runner", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (w *Worker) onValidationRerun(sess session.AgentSession) {
	repo, ok := w.repoForSession(sess)
	if !ok {
		w.logger.Warn("no routed repo for session rerunning validation", zap.String("session_id", sess.ID))
		return
	}
	cur, ok := procedure.Current(sess.Procedure, sess.ProcedureState)
	if !ok {
		return
	}
	w.startSubroutine(sess, repo, cur, sess.RunnerSessionID)
}

func (w *Worker) onParentResume(parentID, childResultText string) {
	parent, ok := w.sessions.Get(parentID)
	if !ok {
		w.logger.Warn("parent session to resume no longer exists", zap.String("parent_id", parentID))
		return
	}
	repo, ok := w.repoForSession(parent)
	if !ok {
		w.logger.Warn("no routed repo for parent session resumption", zap.String("parent_id", parentID))
		return
	}
	cur, ok := procedure.Current(parent.Procedure, parent.ProcedureState)
	if !ok {
		w.logger.Warn("parent session has no current subroutine to resume", zap.String("parent_id", parentID))
		return
	}
	cfg := w.runnerConfigs(repo, cur, parent.RunnerSessionID)
	if err := w.sessions.StartRunner(context.Background(), parent.ID, cfg, childResultText); err != nil {
		w.logger.Warn("failed to resume parent session", zap.String("parent_id", parentID), zap.Error(err))
	}
}

// PurgeExpiredSessions removes terminal sessions older than the configured
// SessionTTL and forgets their router cache entries, so a later re-open of
// the same issue re-runs the full priority chain.
func (w *Worker) PurgeExpiredSessions() {
	cutoff := time.Now().Add(-w.cfg.SessionTTL)
	for _, sess := range w.sessions.PurgeTerminal(cutoff) {
		w.router.ForgetIssue(sess.IssueContext.IssueID)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonEmptyList(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
