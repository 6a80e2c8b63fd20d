package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// dedicatedTools bypass the standard action-activity rendering: their
// entries are still recorded in the session log, but no activity is posted
// to the tracker for them.
var dedicatedTools = map[string]bool{
	"todo_write":         true,
	"TodoWrite":          true,
	"ask_user_question":  true,
	"AskUserQuestion":    true,
}

// ingest is the manager's single entrypoint for runner events. It is
// serialised per session so entry ordering is deterministic even though
// stdout and stderr are read concurrently by the adapter.
func (m *Manager) ingest(sessionID string, ev runnerevent.Event) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := m.Get(sessionID)
	if !ok {
		m.logger.Warn("ingest: unknown session", zap.String("session_id", sessionID))
		return
	}

	switch ev.Type {
	case runnerevent.Session:
		m.handleSessionEvent(sess, ev)
	case runnerevent.Thought:
		m.handleThought(sess, ev)
	case runnerevent.Response:
		m.handleResponse(sess, ev)
	case runnerevent.Action:
		m.handleAction(sess, ev)
	case runnerevent.Log:
		// Diagnostic only; never becomes a session entry or activity.
	case runnerevent.Final:
		m.handleCompletion(sess, true, false, ev.Text)
	case runnerevent.Error:
		m.handleRunnerError(sess, ev)
	}
}

func (m *Manager) handleSessionEvent(sess AgentSession, ev runnerevent.Event) {
	if sess.RunnerSessionID == "" {
		m.mutate(sess.ID, func(s *AgentSession) { s.RunnerSessionID = ev.SessionID })
	}
	m.appendEntry(sess.ID, SessionEntry{
		Type:     EntrySystem,
		Content:  ev.Text,
		Metadata: EntryMetadata{Timestamp: time.Now()},
	})
}

func (m *Manager) handleThought(sess AgentSession, ev runnerevent.Event) {
	m.appendEntry(sess.ID, SessionEntry{
		Type:     EntryAssistant,
		Content:  ev.Text,
		Metadata: EntryMetadata{Timestamp: time.Now()},
	})
	if sess.Platform != trackerapi.PlatformLinear || suppressesThought(sess) {
		return
	}
	m.postActivity(sess, trackerapi.ActivityContent{Type: trackerapi.ActivityThought, Body: ev.Text})
}

func (m *Manager) handleResponse(sess AgentSession, ev runnerevent.Event) {
	m.appendEntry(sess.ID, SessionEntry{
		Type:     EntryAssistant,
		Content:  ev.Text,
		Metadata: EntryMetadata{Timestamp: time.Now()},
	})
	if sess.Platform != trackerapi.PlatformLinear {
		return
	}
	m.postActivity(sess, trackerapi.ActivityContent{Type: trackerapi.ActivityResponse, Body: ev.Text})
}

func (m *Manager) handleAction(sess AgentSession, ev runnerevent.Event) {
	a := ev.Action
	if a == nil {
		return
	}

	meta := EntryMetadata{
		Timestamp:       time.Now(),
		ToolUseID:       a.ToolUseID,
		ToolName:        a.Name,
		ToolInput:       a.Detail,
		ToolResultError: a.IsError,
	}

	if a.Ephemeral {
		idx := m.appendEntry(sess.ID, SessionEntry{Type: EntryAssistant, Content: a.Detail, Metadata: meta})
		if a.ToolUseID != "" {
			m.recordToolIndex(sess.ID, a.ToolUseID, idx)
		}
		m.postAction(sess, a, true)
		return
	}

	if a.ToolUseID != "" {
		if idx, ok := m.lookupToolIndex(sess.ID, a.ToolUseID); ok {
			m.updateEntry(sess.ID, idx, func(e *SessionEntry) {
				e.Content = a.Result
				e.Metadata.ToolResultError = a.IsError
			})
			m.clearToolIndex(sess.ID, a.ToolUseID)
			m.postAction(sess, a, false)
			return
		}
		m.clearToolIndex(sess.ID, a.ToolUseID)
	}

	meta.Timestamp = time.Now()
	m.appendEntry(sess.ID, SessionEntry{Type: EntryAssistant, Content: a.Result, Metadata: meta})
	m.postAction(sess, a, false)
}

func (m *Manager) postAction(sess AgentSession, a *runnerevent.ActionDetail, ephemeral bool) {
	if sess.Platform != trackerapi.PlatformLinear || suppressesThought(sess) || dedicatedTools[a.Name] {
		return
	}
	m.postActivityOpts(sess, trackerapi.ActivityContent{
		Type:      trackerapi.ActivityAction,
		Action:    a.Name,
		Parameter: a.Detail,
		Result:    a.Result,
	}, ephemeral, "", nil)
}

func (m *Manager) recordToolIndex(sessionID, toolUseID string, idx int) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	bySession, ok := m.toolIndex[sessionID]
	if !ok {
		bySession = make(map[string]int)
		m.toolIndex[sessionID] = bySession
	}
	bySession[toolUseID] = idx
}

func (m *Manager) lookupToolIndex(sessionID, toolUseID string) (int, bool) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	idx, ok := m.toolIndex[sessionID][toolUseID]
	return idx, ok
}

func (m *Manager) clearToolIndex(sessionID, toolUseID string) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	delete(m.toolIndex[sessionID], toolUseID)
}

// clearToolIndexForSession drops the entire correlation table for a
// session, preventing unbounded growth once the session completes.
func (m *Manager) clearToolIndexForSession(sessionID string) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	delete(m.toolIndex, sessionID)
}

func suppressesThought(sess AgentSession) bool {
	cur, ok := currentSubroutine(sess)
	return ok && cur.SuppressThoughtPosting
}

func (m *Manager) setFixerState(sessionID string, finished procedure.Subroutine, resultText string) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	m.inFixer[sessionID] = &fixerState{finished: finished, resultText: resultText}
}

func (m *Manager) popFixerState(sessionID string) (*fixerState, bool) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	fs, ok := m.inFixer[sessionID]
	if ok {
		delete(m.inFixer, sessionID)
	}
	return fs, ok
}

// handleRunnerError applies the error-propagation rule from spec.md §7:
// runner errors arriving after the session has already reached a terminal
// status are downgraded to a log entry; before that, they fail the
// current subroutine.
func (m *Manager) handleRunnerError(sess AgentSession, ev runnerevent.Event) {
	msg := ""
	if ev.Err != nil {
		msg = ev.Err.Message
	}

	if sess.Status == StatusComplete || sess.Status == StatusError {
		m.appendEntry(sess.ID, SessionEntry{
			Type:     EntrySystem,
			Content:  "post-terminal runner error (downgraded to log): " + msg,
			Metadata: EntryMetadata{Timestamp: time.Now()},
		})
		return
	}

	recoverable := ev.Err != nil && ev.Err.Recoverable
	m.handleCompletion(sess, false, recoverable, msg)
}

// handleCompletion is invoked for both the runner's Final event and a
// pre-final Error that fails the current subroutine.
func (m *Manager) handleCompletion(sess AgentSession, success, recoverable bool, resultText string) {
	m.clearToolIndexForSession(sess.ID)

	if fs, ok := m.popFixerState(sess.ID); ok {
		_ = fs
		if m.handlers.OnValidationRerun != nil {
			m.handlers.OnValidationRerun(sess)
		}
		return
	}

	finished, ok := currentSubroutine(sess)
	if !ok {
		m.logger.Warn("completion with no current subroutine", zap.String("session_id", sess.ID))
		return
	}

	outcome, newState := m.engine.CompleteSubroutine(sess.Procedure, sess.ProcedureState, finished, success, recoverable, resultText)
	updated, _ := m.mutate(sess.ID, func(s *AgentSession) { s.ProcedureState = newState })

	switch outcome.Outcome {
	case procedure.OutcomeComplete:
		m.finishProcedure(updated, outcome)

	case procedure.OutcomeAdvance:
		if outcome.ValidationExhausted && updated.Platform == trackerapi.PlatformLinear {
			m.postActivity(updated, trackerapi.ActivityContent{
				Type: trackerapi.ActivityThought,
				Body: "validation loop reached max iterations; advancing anyway",
			})
		}
		if m.handlers.OnSubroutineComplete != nil {
			m.handlers.OnSubroutineComplete(updated, outcome)
		}

	case procedure.OutcomeAwaitApproval:
		m.openApproval(updated, finished, resultText)

	case procedure.OutcomeValidationIteration:
		m.setFixerState(sess.ID, finished, resultText)
		if updated.Platform == trackerapi.PlatformLinear {
			m.postActivity(updated, trackerapi.ActivityContent{
				Type: trackerapi.ActivityThought,
				Body: fmt.Sprintf("validation failed (iteration %d/%d): %s", outcome.Iteration, outcome.MaxIterations, outcome.FixerPrompt),
			})
		}
		if m.handlers.OnValidationIteration != nil {
			m.handlers.OnValidationIteration(updated, outcome)
		}

	case procedure.OutcomeFailed:
		m.failProcedure(updated, outcome.FailureKind)
	}
}

func (m *Manager) finishProcedure(sess AgentSession, outcome procedure.StepOutcome) {
	m.mutate(sess.ID, func(s *AgentSession) { s.Status = StatusComplete })
	if sess.Platform == trackerapi.PlatformLinear {
		m.postActivity(sess, trackerapi.ActivityContent{Type: trackerapi.ActivityResponse, Body: outcome.FinalText})
	}
	if sess.ParentID != "" && m.handlers.OnParentResume != nil {
		m.handlers.OnParentResume(sess.ParentID, "[from child session "+sess.ID+"] "+outcome.FinalText)
	}
	if m.handlers.OnSubroutineComplete != nil {
		m.handlers.OnSubroutineComplete(sess, outcome)
	}
}

func (m *Manager) failProcedure(sess AgentSession, kind trackerapi.ErrorKind) {
	m.mutate(sess.ID, func(s *AgentSession) { s.Status = StatusError })
	if sess.Platform != trackerapi.PlatformLinear {
		return
	}
	m.postActivity(sess, trackerapi.ActivityContent{Type: trackerapi.ActivityError, Body: string(kind)})
}

// openApproval suspends sess pending a human decision on finished, per
// spec.md's requiresApproval gate. It posts an elicitation carrying the
// approval URL as a signal, then waits for resolution on a separate
// goroutine so the ingest lock is not held across the (potentially long)
// approval window.
func (m *Manager) openApproval(sess AgentSession, finished procedure.Subroutine, resultText string) {
	m.mutate(sess.ID, func(s *AgentSession) { s.Status = StatusAwaitingApproval })

	url := "approval://" + sess.ID
	pa := m.approvals.Open(sess.ID, url)

	if sess.Platform == trackerapi.PlatformLinear {
		m.postActivityOpts(sess, trackerapi.ActivityContent{
			Type: trackerapi.ActivityElicitation,
			Body: fmt.Sprintf("approval required to continue past %q", finished.Name),
		}, false, "approval-url", map[string]string{"url": url})
	}

	go m.awaitApproval(sess.ID, finished, resultText, pa)
}

func (m *Manager) awaitApproval(sessionID string, finished procedure.Subroutine, resultText string, pa *procedure.PendingApproval) {
	approved, feedback, timedOut := m.approvals.Await(pa)

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := m.Get(sessionID)
	if !ok {
		return
	}

	outcome, newState := m.engine.ResumeAfterApproval(sess.Procedure, sess.ProcedureState, finished, resultText, approved, feedback, timedOut)
	updated, _ := m.mutate(sessionID, func(s *AgentSession) { s.ProcedureState = newState })

	switch outcome.Outcome {
	case procedure.OutcomeComplete:
		m.finishProcedure(updated, outcome)

	case procedure.OutcomeAdvance:
		if outcome.ApprovalFeedback != "" && updated.Platform == trackerapi.PlatformLinear {
			m.postActivity(updated, trackerapi.ActivityContent{
				Type: trackerapi.ActivityThought,
				Body: "approved with feedback: " + outcome.ApprovalFeedback,
			})
		}
		updated, _ = m.mutate(sessionID, func(s *AgentSession) { s.Status = StatusActive })
		if m.handlers.OnSubroutineComplete != nil {
			m.handlers.OnSubroutineComplete(updated, outcome)
		}

	case procedure.OutcomeFailed:
		m.failProcedure(updated, outcome.FailureKind)
	}
}
