package procedure

import (
	"sync"
	"time"
)

// ApprovalGate tracks pending approvals across sessions and resolves
// Await calls either when Resolve is called or when the timeout elapses.
type ApprovalGate struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*PendingApproval
}

// NewApprovalGate constructs a gate with the given per-approval timeout.
func NewApprovalGate(timeout time.Duration) *ApprovalGate {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ApprovalGate{timeout: timeout, pending: make(map[string]*PendingApproval)}
}

// Open registers a pending approval for sessionID and returns it. A
// session may have at most one open approval at a time; Open replaces any
// prior one for the same session.
func (g *ApprovalGate) Open(sessionID, url string) *PendingApproval {
	pa := &PendingApproval{
		SessionID: sessionID,
		URL:       url,
		CreatedAt: time.Now(),
		resolved:  make(chan approvalResolution, 1),
	}
	g.mu.Lock()
	g.pending[sessionID] = pa
	g.mu.Unlock()
	return pa
}

// Resolve answers the pending approval for sessionID, if one is open. It
// returns false if none is open (already resolved, timed out, or never
// opened).
func (g *ApprovalGate) Resolve(sessionID string, approved bool, feedback string) bool {
	g.mu.Lock()
	pa, ok := g.pending[sessionID]
	if ok {
		delete(g.pending, sessionID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	pa.resolved <- approvalResolution{approved: approved, feedback: feedback}
	return true
}

// Await blocks until pa is resolved or the gate's timeout elapses. On
// timeout, approved is false and timedOut is true; the pending entry is
// dropped.
func (g *ApprovalGate) Await(pa *PendingApproval) (approved bool, feedback string, timedOut bool) {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case res := <-pa.resolved:
		return res.approved, res.feedback, false
	case <-timer.C:
		g.mu.Lock()
		delete(g.pending, pa.SessionID)
		g.mu.Unlock()
		return false, "", true
	}
}

// Cancel drops sessionID's pending approval without resolving it, e.g.
// when the session itself is torn down.
func (g *ApprovalGate) Cancel(sessionID string) {
	g.mu.Lock()
	delete(g.pending, sessionID)
	g.mu.Unlock()
}
