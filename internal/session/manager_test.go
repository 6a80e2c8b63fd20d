package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/internal/runner"
	"github.com/ceedaragents/cyrus-sub002/internal/trackermemory"
	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// stubAdapter is a RunnerAdapter double. Start records its onEvent callback
// so the test can feed it events directly, bypassing any real subprocess.
type stubAdapter struct {
	mu       sync.Mutex
	startErr error
	stopped  bool
	onEvent  runner.EventHandler
}

func (s *stubAdapter) Start(_ context.Context, _ string, onEvent runner.EventHandler) (runnerevent.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return runnerevent.StartResult{}, s.startErr
	}
	s.onEvent = onEvent
	return runnerevent.StartResult{}, nil
}

func (s *stubAdapter) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *stubAdapter) emit(ev runnerevent.Event) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	fn(ev)
}

func newTestManager(t *testing.T, tracker *trackermemory.Tracker, handlers EventHandlers) (*Manager, *stubAdapter) {
	t.Helper()
	adapter := &stubAdapter{}
	factory := func(runner.Config) RunnerAdapter { return adapter }
	mgr := New(tracker, factory, procedure.New(3), procedure.NewApprovalGate(50*time.Millisecond), handlers, nil)
	return mgr, adapter
}

func scopeBuildProcedure() procedure.Procedure {
	return procedure.Procedure{
		Name: "scope-build",
		Subroutines: []procedure.Subroutine{
			{Name: "scope"},
			{Name: "build"},
		},
	}
}

func startedSession(t *testing.T, mgr *Manager, _ *stubAdapter, platform trackerapi.Platform, proc procedure.Procedure) AgentSession {
	t.Helper()
	sess := mgr.CreateSession(CreateSpec{
		Platform:     platform,
		Type:         TypeIssueAssignment,
		IssueContext: trackerapi.IssueContext{IssueID: "issue-1", IssueIdentifier: "TEAM-1"},
		Procedure:    proc,
	})
	require.NoError(t, mgr.StartRunner(context.Background(), sess.ID, runner.Config{}, "do it"))
	return sess
}

func TestCreateSessionAllocatesIDForEmptyExternalID(t *testing.T) {
	mgr, _ := newTestManager(t, trackermemory.New(trackerapi.PlatformGitHub), EventHandlers{})
	sess := mgr.CreateSession(CreateSpec{Platform: trackerapi.PlatformGitHub, Type: TypeIssueAssignment})
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, sess.ID, sess.ExternalSessionID, "GitHub-style platforms reuse the allocated id as externalSessionId")
}

func TestCreateSessionKeepsLinearPreAllocatedExternalID(t *testing.T) {
	mgr, _ := newTestManager(t, trackermemory.New(trackerapi.PlatformLinear), EventHandlers{})
	sess := mgr.CreateSession(CreateSpec{ExternalSessionID: "linear-session-abc", Platform: trackerapi.PlatformLinear})
	assert.Equal(t, "linear-session-abc", sess.ExternalSessionID)
	assert.Equal(t, "linear-session-abc", sess.ID)
}

func TestActiveSessionForIssueIgnoresTerminalSessions(t *testing.T) {
	mgr, _ := newTestManager(t, trackermemory.New(trackerapi.PlatformGitHub), EventHandlers{})
	sess := mgr.CreateSession(CreateSpec{Platform: trackerapi.PlatformGitHub, IssueContext: trackerapi.IssueContext{IssueID: "issue-9"}})

	id, ok := mgr.ActiveSessionForIssue("issue-9")
	require.True(t, ok)
	assert.Equal(t, sess.ID, id)

	mgr.mutate(sess.ID, func(s *AgentSession) { s.Status = StatusComplete })
	_, ok = mgr.ActiveSessionForIssue("issue-9")
	assert.False(t, ok, "a complete session must not satisfy the active-session override")
}

func TestThoughtAndResponseTranslateToActivitiesOnLinear(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, scopeBuildProcedure())

	adapter.emit(runnerevent.Event{Type: runnerevent.Thought, Text: "thinking about it"})
	adapter.emit(runnerevent.Event{Type: runnerevent.Response, Text: "here is a partial answer"})

	entries := mgr.Entries(sess.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryAssistant, entries[0].Type)
	assert.Equal(t, "thinking about it", entries[0].Content)

	acts := tracker.RecordedActivities()
	require.Len(t, acts, 2)
	assert.Equal(t, trackerapi.ActivityThought, acts[0].Content.Type)
	assert.Equal(t, trackerapi.ActivityResponse, acts[1].Content.Type)
}

func TestThoughtSuppressedWhenSubroutineSuppressesIt(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	proc := procedure.Procedure{Subroutines: []procedure.Subroutine{{Name: "quiet", SuppressThoughtPosting: true}}}
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, proc)

	adapter.emit(runnerevent.Event{Type: runnerevent.Thought, Text: "internal reasoning"})

	entries := mgr.Entries(sess.ID)
	require.Len(t, entries, 1, "the entry log still records it")
	assert.Empty(t, tracker.RecordedActivities(), "but no activity is posted to the tracker")
}

func TestSessionEventNeverBecomesTrackerActivity(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, scopeBuildProcedure())

	adapter.emit(runnerevent.Event{Type: runnerevent.Session, SessionID: "runner-sess-1", Text: "session runner-sess-1"})

	got, ok := mgr.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "runner-sess-1", got.RunnerSessionID)

	entries := mgr.Entries(sess.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, EntrySystem, entries[0].Type)
	assert.Empty(t, tracker.RecordedActivities())
}

func TestEphemeralActionIsReplacedByItsResult(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, scopeBuildProcedure())

	adapter.emit(runnerevent.Event{Type: runnerevent.Action, Action: &runnerevent.ActionDetail{
		Name: "run_command", Detail: "go test ./...", ToolUseID: "tool-1", Ephemeral: true,
	}})
	entries := mgr.Entries(sess.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "go test ./...", entries[0].Content)

	acts := tracker.RecordedActivities()
	require.Len(t, acts, 1)
	assert.True(t, acts[0].Ephemeral)

	adapter.emit(runnerevent.Event{Type: runnerevent.Action, Action: &runnerevent.ActionDetail{
		Name: "run_command", ToolUseID: "tool-1", Result: "ok\nPASS", Ephemeral: false,
	}})

	entries = mgr.Entries(sess.ID)
	require.Len(t, entries, 1, "the completed result replaces the ephemeral entry rather than appending")
	assert.Equal(t, "ok\nPASS", entries[0].Content)

	acts = tracker.RecordedActivities()
	require.Len(t, acts, 2)
	assert.False(t, acts[1].Ephemeral)
	assert.Equal(t, "ok\nPASS", acts[1].Content.Result)
}

func TestDedicatedToolsBypassActionActivity(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, scopeBuildProcedure())

	adapter.emit(runnerevent.Event{Type: runnerevent.Action, Action: &runnerevent.ActionDetail{
		Name: "todo_write", Detail: "[]", ToolUseID: "tool-2", Ephemeral: true,
	}})

	assert.Len(t, mgr.Entries(sess.ID), 1, "still recorded internally")
	assert.Empty(t, tracker.RecordedActivities(), "but never surfaced as a standard action activity")
}

func TestCompletionAdvancesThenFinishesProcedure(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	var completions []string
	handlers := EventHandlers{
		OnSubroutineComplete: func(sess AgentSession, outcome procedure.StepOutcome) {
			completions = append(completions, string(sess.Status)+":"+string(outcome.Outcome))
		},
	}
	mgr, adapter := newTestManager(t, tracker, handlers)
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, scopeBuildProcedure())

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "scoped it"})
	got, _ := mgr.Get(sess.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.ProcedureState.CurrentIndex)

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "built it"})
	got, _ = mgr.Get(sess.ID)
	assert.Equal(t, StatusComplete, got.Status)

	require.Len(t, completions, 2)
	acts := tracker.RecordedActivities()
	require.Len(t, acts, 1, "only the terminal completion posts a response activity")
	assert.Equal(t, trackerapi.ActivityResponse, acts[0].Content.Type)
	assert.Equal(t, "built it", acts[0].Content.Body)
}

func TestParentSessionResumesWithProvenancePrefixedText(t *testing.T) {
	var resumedParent, resumedText string
	handlers := EventHandlers{
		OnParentResume: func(parentID, text string) {
			resumedParent = parentID
			resumedText = text
		},
	}
	tracker := trackermemory.New(trackerapi.PlatformGitHub)
	mgr, adapter := newTestManager(t, tracker, handlers)
	proc := procedure.Procedure{Subroutines: []procedure.Subroutine{{Name: "only-step"}}}
	child := mgr.CreateSession(CreateSpec{Platform: trackerapi.PlatformGitHub, ParentID: "parent-1", Procedure: proc})
	require.NoError(t, mgr.StartRunner(context.Background(), child.ID, runner.Config{}, "go"))

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "child done"})

	assert.Equal(t, "parent-1", resumedParent)
	assert.Contains(t, resumedText, child.ID)
	assert.Contains(t, resumedText, "child done")
}

func TestValidationLoopTracksFixerThenRerunsOnNextCompletion(t *testing.T) {
	var reran []string
	handlers := EventHandlers{
		OnValidationRerun: func(sess AgentSession) { reran = append(reran, sess.ID) },
	}
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, handlers)
	proc := procedure.Procedure{Subroutines: []procedure.Subroutine{
		{Name: "verify", UsesValidationLoop: true},
		{Name: "ship"},
	}}
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, proc)

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: `{"pass":false,"reason":"lint errors"}`})
	got, _ := mgr.Get(sess.ID)
	assert.Equal(t, 0, got.ProcedureState.CurrentIndex, "validation loop does not advance on failure")

	// The fixer subprocess's own completion must not be treated as a normal
	// subroutine completion; it triggers OnValidationRerun instead.
	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "applied the fix"})
	require.Len(t, reran, 1)
	assert.Equal(t, sess.ID, reran[0])
}

func TestApprovalGateSuspendsThenAdvancesOnApproval(t *testing.T) {
	var completed []procedure.Outcome
	handlers := EventHandlers{
		OnSubroutineComplete: func(_ AgentSession, outcome procedure.StepOutcome) { completed = append(completed, outcome.Outcome) },
	}
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, handlers)
	proc := procedure.Procedure{Subroutines: []procedure.Subroutine{
		{Name: "deploy", RequiresApproval: true},
		{Name: "notify"},
	}}
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, proc)

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "deployed"})

	got, _ := mgr.Get(sess.ID)
	assert.Equal(t, StatusAwaitingApproval, got.Status)
	assert.Equal(t, 0, got.ProcedureState.CurrentIndex)

	acts := tracker.RecordedActivities()
	require.Len(t, acts, 1)
	assert.Equal(t, trackerapi.ActivityElicitation, acts[0].Content.Type)
	assert.Equal(t, "approval-url", acts[0].Signal)

	ok := mgr.approvals.Resolve(sess.ID, true, "ship it")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		g, _ := mgr.Get(sess.ID)
		return g.Status == StatusActive
	}, time.Second, 5*time.Millisecond)

	require.Len(t, completed, 1)
	assert.Equal(t, procedure.OutcomeAdvance, completed[0])
}

func TestApprovalTimeoutFailsSession(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	proc := procedure.Procedure{Subroutines: []procedure.Subroutine{{Name: "deploy", RequiresApproval: true}}}
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, proc)

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "deployed"})

	require.Eventually(t, func() bool {
		g, _ := mgr.Get(sess.ID)
		return g.Status == StatusError
	}, time.Second, 5*time.Millisecond)
}

func TestPostTerminalRunnerErrorDowngradesToLog(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	proc := procedure.Procedure{Subroutines: []procedure.Subroutine{{Name: "only"}}}
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, proc)

	adapter.emit(runnerevent.Event{Type: runnerevent.Final, Text: "done"})
	tracker.Reset()

	adapter.emit(runnerevent.Event{Type: runnerevent.Error, Err: &runnerevent.Error{Message: "late stderr noise"}})

	got, _ := mgr.Get(sess.ID)
	assert.Equal(t, StatusComplete, got.Status, "a post-terminal error must not reopen the session")
	assert.Empty(t, tracker.RecordedActivities(), "and must not post another error activity")

	entries := mgr.Entries(sess.ID)
	assert.Contains(t, entries[len(entries)-1].Content, "downgraded to log")
}

func TestRecoverableRunnerErrorFailsCurrentSubroutineWhileActive(t *testing.T) {
	tracker := trackermemory.New(trackerapi.PlatformLinear)
	mgr, adapter := newTestManager(t, tracker, EventHandlers{})
	proc := procedure.Procedure{Subroutines: []procedure.Subroutine{{Name: "only"}}}
	sess := startedSession(t, mgr, adapter, trackerapi.PlatformLinear, proc)

	adapter.emit(runnerevent.Event{Type: runnerevent.Error, Err: &runnerevent.Error{Message: "transient failure", Recoverable: true}})

	got, _ := mgr.Get(sess.ID)
	assert.Equal(t, StatusError, got.Status)

	acts := tracker.RecordedActivities()
	require.Len(t, acts, 1)
	assert.Equal(t, trackerapi.ActivityError, acts[0].Content.Type)
}
