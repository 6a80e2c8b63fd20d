package edgeworker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/internal/router"
	"github.com/ceedaragents/cyrus-sub002/internal/runner"
	"github.com/ceedaragents/cyrus-sub002/internal/session"
	"github.com/ceedaragents/cyrus-sub002/internal/trackermemory"
	"github.com/ceedaragents/cyrus-sub002/internal/transport"
	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// stubAdapter is a session.RunnerAdapter double; Start captures the
// onEvent callback so a test can push runner events synchronously.
type stubAdapter struct {
	mu      sync.Mutex
	onEvent runner.EventHandler
}

func (s *stubAdapter) Start(_ context.Context, _ string, onEvent runner.EventHandler) (runnerevent.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = onEvent
	return runnerevent.StartResult{}, nil
}

func (s *stubAdapter) Stop() error { return nil }

func (s *stubAdapter) emit(ev runnerevent.Event) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	fn(ev)
}

func newTestWorker(t *testing.T, tracker *trackermemory.Tracker, repos []router.RepositoryConfig, platform trackerapi.Platform) (*Worker, *stubAdapter) {
	t.Helper()
	adapter := &stubAdapter{}
	newRunner := func(runner.Config) session.RunnerAdapter { return adapter }

	rtr := router.New(repos, nil, nil)
	tr := transport.New(transport.Config{Mode: transport.ModeDirect, Secret: "s"}, nil)

	w := New(Deps{
		Tracker:   tracker,
		Router:    rtr,
		Transport: tr,
		NewRunner: newRunner,
		Engine:    procedure.New(3),
		Approvals: procedure.NewApprovalGate(50 * time.Millisecond),
		RunnerConfigs: func(repo router.RepositoryConfig, sub procedure.Subroutine, resumeSessionID string) runner.Config {
			return runner.Config{Kind: runner.KindCodex, Executable: "codex", WorkDir: repo.LocalPath, ResumeSessionID: resumeSessionID}
		},
	}, Config{Platform: platform, GCInterval: time.Hour, SessionTTL: 24 * time.Hour}, nil)

	return w, adapter
}

func soleRepo() router.RepositoryConfig {
	return router.RepositoryConfig{ID: "repo-1", DisplayName: "svc-a", LocalPath: "/work/svc-a", WorkspaceID: "ws-1"}
}

func TestHandleEventStartsFirstSubroutineForSoleRepo(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformGitHub)
	tracker.SetIssue(trackerapi.Issue{ID: "issue-1", Identifier: "ENG-1"})

	w, adapter := newTestWorker(t, tracker, []router.RepositoryConfig{soleRepo()}, trackerapi.PlatformGitHub)

	w.handleEvent(transport.Event{Payload: map[string]any{
		"type":        "IssueCreatedNotification",
		"issueId":     "issue-1",
		"workspaceId": "ws-1",
	}})

	sessID, ok := w.Sessions().ActiveSessionForIssue("issue-1")
	require.True(t, ok)

	sess, ok := w.Sessions().Get(sessID)
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, sess.Status)

	adapter.mu.Lock()
	started := adapter.onEvent != nil
	adapter.mu.Unlock()
	assert.True(t, started, "expected a runner to have been started for the scope subroutine")
}

func TestHandleEventReusesActiveSessionForSameIssue(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformGitHub)
	tracker.SetIssue(trackerapi.Issue{ID: "issue-1", Identifier: "ENG-1"})

	w, _ := newTestWorker(t, tracker, []router.RepositoryConfig{soleRepo()}, trackerapi.PlatformGitHub)

	ev := transport.Event{Payload: map[string]any{"type": "IssueCreatedNotification", "issueId": "issue-1", "workspaceId": "ws-1"}}
	w.handleEvent(ev)
	first, ok := w.Sessions().ActiveSessionForIssue("issue-1")
	require.True(t, ok)

	w.handleEvent(ev)
	second, ok := w.Sessions().ActiveSessionForIssue("issue-1")
	require.True(t, ok)
	assert.Equal(t, first, second, "a second event for the same active issue must not open a new session")
}

func TestHandleEventElicitsRepoChoiceOnAmbiguity(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	tracker.SetIssue(trackerapi.Issue{ID: "issue-1", Identifier: "ENG-1"})

	repoA := router.RepositoryConfig{ID: "a", DisplayName: "svc-a", WorkspaceID: "ws-1"}
	repoB := router.RepositoryConfig{ID: "b", DisplayName: "svc-b", WorkspaceID: "ws-1"}

	w, _ := newTestWorker(t, tracker, []router.RepositoryConfig{repoA, repoB}, trackerapi.PlatformLinear)

	w.handleEvent(transport.Event{Payload: map[string]any{"type": "IssueCreatedNotification", "issueId": "issue-1", "workspaceId": "ws-1"}})

	_, ok := w.Sessions().ActiveSessionForIssue("issue-1")
	assert.False(t, ok, "no session should exist before the routing ambiguity is resolved")

	activities := tracker.RecordedActivities()
	require.Len(t, activities, 1)
	assert.Equal(t, trackerapi.ActivityElicitation, activities[0].Content.Type)
	assert.ElementsMatch(t, []string{"svc-a", "svc-b"}, activities[0].Content.Options)

	w.handleEvent(transport.Event{Payload: map[string]any{
		"type":    elicitationResponseType,
		"issueId": "issue-1",
		"choice":  "svc-b",
	}})

	sessID, ok := w.Sessions().ActiveSessionForIssue("issue-1")
	require.True(t, ok)
	sess, ok := w.Sessions().Get(sessID)
	require.True(t, ok)
	repoID, ok := w.router.CachedRepo("issue-1")
	require.True(t, ok)
	assert.Equal(t, repoB.ID, repoID)
	_ = sess
}

func TestOnSubroutineCompleteAdvancesToNextSubroutine(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformGitHub)
	tracker.SetIssue(trackerapi.Issue{ID: "issue-1", Identifier: "ENG-1"})

	w, adapter := newTestWorker(t, tracker, []router.RepositoryConfig{soleRepo()}, trackerapi.PlatformGitHub)

	w.handleEvent(transport.Event{Payload: map[string]any{"type": "IssueCreatedNotification", "issueId": "issue-1", "workspaceId": "ws-1"}})
	sessID, ok := w.Sessions().ActiveSessionForIssue("issue-1")
	require.True(t, ok)

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "scoped it"})

	require.Eventually(t, func() bool {
		sess, ok := w.Sessions().Get(sessID)
		return ok && sess.ProcedureState.CurrentIndex == 1
	}, time.Second, 5*time.Millisecond, "expected the procedure to have advanced to the build subroutine")
}

func TestPurgeExpiredSessionsForgetsRouterCache(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformGitHub)
	tracker.SetIssue(trackerapi.Issue{ID: "issue-1", Identifier: "ENG-1"})

	singleStep := procedure.Procedure{Name: "solo", Subroutines: []procedure.Subroutine{
		{Name: "only", PromptTemplate: "do the one thing"},
	}}

	adapter := &stubAdapter{}
	newRunner := func(runner.Config) session.RunnerAdapter { return adapter }
	rtr := router.New([]router.RepositoryConfig{soleRepo()}, nil, nil)
	tr := transport.New(transport.Config{Mode: transport.ModeDirect, Secret: "s"}, nil)

	w := New(Deps{
		Tracker:    tracker,
		Router:     rtr,
		Transport:  tr,
		NewRunner:  newRunner,
		Engine:     procedure.New(3),
		Approvals:  procedure.NewApprovalGate(50 * time.Millisecond),
		Procedures: func(trackerapi.Issue) procedure.Procedure { return singleStep },
		RunnerConfigs: func(repo router.RepositoryConfig, sub procedure.Subroutine, resumeSessionID string) runner.Config {
			return runner.Config{Kind: runner.KindCodex, Executable: "codex", WorkDir: repo.LocalPath}
		},
	}, Config{Platform: trackerapi.PlatformGitHub, GCInterval: time.Hour, SessionTTL: time.Hour}, nil)

	w.handleEvent(transport.Event{Payload: map[string]any{"type": "IssueCreatedNotification", "issueId": "issue-1", "workspaceId": "ws-1"}})

	sessID, ok := w.Sessions().ActiveSessionForIssue("issue-1")
	require.True(t, ok)

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "done"})

	require.Eventually(t, func() bool {
		sess, ok := w.Sessions().Get(sessID)
		return ok && sess.Status == session.StatusComplete
	}, time.Second, 5*time.Millisecond, "expected the sole subroutine's completion to finish the session")

	_, ok = w.router.CachedRepo("issue-1")
	require.True(t, ok, "the routing decision should still be cached right after completion")

	w.cfg.SessionTTL = -time.Hour // force every terminal session to look expired
	w.PurgeExpiredSessions()

	_, ok = w.router.CachedRepo("issue-1")
	assert.False(t, ok, "a purged session's routing cache entry must be forgotten too")
}
