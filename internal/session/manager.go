package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub002/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/internal/runner"
	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// RunnerAdapter is the narrow view of internal/runner.Adapter the manager
// needs; a distinct interface so tests can substitute a stub.
type RunnerAdapter interface {
	Start(ctx context.Context, prompt string, onEvent runner.EventHandler) (runnerevent.StartResult, error)
	Stop() error
}

// RunnerFactory constructs a RunnerAdapter for a runner config. The edge
// worker supplies one backed by runner.NewAdapter; tests supply a stub.
type RunnerFactory func(cfg runner.Config) RunnerAdapter

// EventHandlers are the callbacks the edge worker (C6) registers to drive
// subsequent subroutine invocations. Grounded on the teacher's
// post-construction EventHandlers-bag pattern.
type EventHandlers struct {
	OnSubroutineComplete   func(session AgentSession, outcome procedure.StepOutcome)
	OnValidationIteration  func(session AgentSession, outcome procedure.StepOutcome)
	OnValidationRerun      func(session AgentSession)
	OnParentResume         func(parentID, childResultText string)
}

// CreateSpec describes a new session. ExternalSessionID is pre-populated
// for Linear-style platforms (the tracker already allocated it) and left
// empty for GitHub-style platforms, in which case the manager allocates one.
type CreateSpec struct {
	ExternalSessionID string
	Platform          trackerapi.Platform
	Type              Type
	IssueContext      trackerapi.IssueContext
	Workspace         trackerapi.Workspace
	ParentID          string
	Procedure         procedure.Procedure
}

type fixerState struct {
	finished   procedure.Subroutine
	resultText string
}

// Manager owns every AgentSession and its entry log. It is safe for
// concurrent use: cross-session operations run in parallel, while events
// for a single session are processed strictly in arrival order.
type Manager struct {
	logger   *logger.Logger
	tracker  trackerapi.IssueTrackerService
	newRunner RunnerFactory
	engine   *procedure.Engine
	approvals *procedure.ApprovalGate
	handlers EventHandlers

	tableMu      sync.RWMutex
	sessions     map[string]*AgentSession
	entries      map[string][]SessionEntry
	runners      map[string]RunnerAdapter
	ingestLocks  map[string]*sync.Mutex
	toolIndex    map[string]map[string]int // sessionID -> toolUseID -> entry index
	inFixer      map[string]*fixerState
}

// New constructs a Manager.
func New(tracker trackerapi.IssueTrackerService, newRunner RunnerFactory, engine *procedure.Engine, approvals *procedure.ApprovalGate, handlers EventHandlers, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		logger:      log.With(zap.String("component", "session")),
		tracker:     tracker,
		newRunner:   newRunner,
		engine:      engine,
		approvals:   approvals,
		handlers:    handlers,
		sessions:    make(map[string]*AgentSession),
		entries:     make(map[string][]SessionEntry),
		runners:     make(map[string]RunnerAdapter),
		ingestLocks: make(map[string]*sync.Mutex),
		toolIndex:   make(map[string]map[string]int),
		inFixer:     make(map[string]*fixerState),
	}
}

// CreateSession registers a new session and returns a copy of it.
func (m *Manager) CreateSession(spec CreateSpec) AgentSession {
	id := spec.ExternalSessionID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	sess := &AgentSession{
		ID:                id,
		ExternalSessionID: spec.ExternalSessionID,
		Platform:          spec.Platform,
		Type:              spec.Type,
		Status:            StatusActive,
		IssueContext:      spec.IssueContext,
		Workspace:         spec.Workspace,
		ParentID:          spec.ParentID,
		Procedure:         spec.Procedure,
		ProcedureState:    procedure.State{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if sess.ExternalSessionID == "" {
		sess.ExternalSessionID = id
	}

	m.tableMu.Lock()
	m.sessions[id] = sess
	m.entries[id] = nil
	m.ingestLocks[id] = &sync.Mutex{}
	m.tableMu.Unlock()

	return *sess
}

// Get returns a copy of the session, if it exists.
func (m *Manager) Get(sessionID string) (AgentSession, bool) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return AgentSession{}, false
	}
	return *sess, true
}

// Entries returns a copy of the session's activity log.
func (m *Manager) Entries(sessionID string) []SessionEntry {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	out := make([]SessionEntry, len(m.entries[sessionID]))
	copy(out, m.entries[sessionID])
	return out
}

// ActiveSessionForIssue reports whether any non-terminal session exists
// for issueID, returning its id. Used by the edge worker to reuse an
// active session instead of opening a second one for the same issue.
func (m *Manager) ActiveSessionForIssue(issueID string) (string, bool) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	for _, sess := range m.sessions {
		if sess.IssueContext.IssueID == issueID && sess.Status != StatusComplete && sess.Status != StatusError {
			return sess.ID, true
		}
	}
	return "", false
}

// StartRunner spawns a runner for sessionID and wires its events back into
// the manager's ingest pipeline. It returns once the runner has emitted
// its first event or exited, per the runner adapter's own start contract.
func (m *Manager) StartRunner(ctx context.Context, sessionID string, cfg runner.Config, prompt string) error {
	adapter := m.newRunner(cfg)

	_, err := adapter.Start(ctx, prompt, func(ev runnerevent.Event) {
		m.ingest(sessionID, ev)
	})
	if err != nil {
		m.markError(sessionID, fmt.Sprintf("runner failed to start: %v", err))
		return err
	}

	m.tableMu.Lock()
	m.runners[sessionID] = adapter
	m.tableMu.Unlock()
	return nil
}

// StopRunner stops sessionID's active runner, if any.
func (m *Manager) StopRunner(sessionID string) error {
	m.tableMu.RLock()
	adapter, ok := m.runners[sessionID]
	m.tableMu.RUnlock()
	if !ok {
		return nil
	}
	return adapter.Stop()
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	lock, ok := m.ingestLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.ingestLocks[sessionID] = lock
	}
	return lock
}

func (m *Manager) mutate(sessionID string, fn func(sess *AgentSession)) (AgentSession, bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return AgentSession{}, false
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
	return *sess, true
}

func (m *Manager) appendEntry(sessionID string, entry SessionEntry) int {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	m.entries[sessionID] = append(m.entries[sessionID], entry)
	return len(m.entries[sessionID]) - 1
}

func (m *Manager) updateEntry(sessionID string, idx int, fn func(e *SessionEntry)) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	list := m.entries[sessionID]
	if idx < 0 || idx >= len(list) {
		return
	}
	fn(&list[idx])
}

func (m *Manager) markError(sessionID, reason string) {
	m.mutate(sessionID, func(sess *AgentSession) { sess.Status = StatusError })
	m.appendEntry(sessionID, SessionEntry{Type: EntrySystem, Content: reason, Metadata: EntryMetadata{Timestamp: time.Now()}})
	sess, ok := m.Get(sessionID)
	if !ok || sess.Platform != trackerapi.PlatformLinear {
		return
	}
	m.postActivity(sess, trackerapi.ActivityContent{Type: trackerapi.ActivityError, Body: reason})
}

func (m *Manager) postActivity(sess AgentSession, content trackerapi.ActivityContent) {
	m.postActivityOpts(sess, content, false, "", nil)
}

func (m *Manager) postActivityOpts(sess AgentSession, content trackerapi.ActivityContent, ephemeral bool, signal string, signalMeta map[string]string) {
	err := m.tracker.CreateAgentActivity(context.Background(), trackerapi.CreateActivityRequest{
		AgentSessionID: sess.ExternalSessionID,
		Content:        content,
		Ephemeral:      ephemeral,
		Signal:         signal,
		SignalMetadata: signalMeta,
	})
	if err != nil {
		m.logger.WithError(err).Warn("failed to post activity to tracker", zap.String("session_id", sess.ID))
	}
}

// PurgeTerminal removes every session whose status is terminal (complete or
// error) and whose last update precedes cutoff, returning the removed
// sessions so the caller can forget any routing state keyed on them too.
// Live runner references, if any remain, are not stopped; by the time a
// session is terminal its runner has already exited.
func (m *Manager) PurgeTerminal(cutoff time.Time) []AgentSession {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	var removed []AgentSession
	for id, sess := range m.sessions {
		if sess.Status != StatusComplete && sess.Status != StatusError {
			continue
		}
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		removed = append(removed, *sess)
		delete(m.sessions, id)
		delete(m.entries, id)
		delete(m.runners, id)
		delete(m.ingestLocks, id)
		delete(m.toolIndex, id)
		delete(m.inFixer, id)
	}
	return removed
}

// Snapshot is the serializable persistence payload described in spec.md
// §4.6/§6: sessions and their entries, free of live runner handles.
type Snapshot struct {
	Sessions []AgentSession
	Entries  map[string][]SessionEntry
}

// Snapshot captures the manager's current state for persistence. Runners
// are never included; a restored session's liveness is decided by Restore.
func (m *Manager) Snapshot() Snapshot {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()

	snap := Snapshot{Entries: make(map[string][]SessionEntry, len(m.entries))}
	for _, sess := range m.sessions {
		snap.Sessions = append(snap.Sessions, *sess)
	}
	for id, entries := range m.entries {
		out := make([]SessionEntry, len(entries))
		copy(out, entries)
		snap.Entries[id] = out
	}
	return snap
}

// Restore rehydrates the manager from a snapshot taken before a restart. No
// runner is ever resumed automatically: any session that was not already
// terminal is marked StatusError with a reason explaining why, per spec.md
// §4.6's "an interrupted session on restore is recorded as error if it
// cannot be resumed".
func (m *Manager) Restore(snap Snapshot) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	var interrupted []string
	for _, sess := range snap.Sessions {
		s := sess
		if s.Status != StatusComplete && s.Status != StatusError {
			s.Status = StatusError
			interrupted = append(interrupted, s.ID)
		}
		m.sessions[s.ID] = &s
		m.ingestLocks[s.ID] = &sync.Mutex{}
	}
	for id, entries := range snap.Entries {
		out := make([]SessionEntry, len(entries))
		copy(out, entries)
		m.entries[id] = out
	}
	for _, id := range interrupted {
		m.entries[id] = append(m.entries[id], SessionEntry{
			Type: EntrySystem, Content: interruptedReason, Metadata: EntryMetadata{Timestamp: time.Now()},
		})
	}
}

const interruptedReason = "session interrupted by restart; runners are not resumed automatically"

// currentSubroutine returns the subroutine a session is presently running
// (not yet completed), used to decide suppressThoughtPosting.
func currentSubroutine(sess AgentSession) (procedure.Subroutine, bool) {
	return procedure.Current(sess.Procedure, sess.ProcedureState)
}
