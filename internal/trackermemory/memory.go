// Package trackermemory is an in-memory implementation of
// pkg/trackerapi.IssueTrackerService, used for local/CLI mode and as the
// test double for the session manager and edge worker. All data is
// protected by a sync.RWMutex for thread safety.
package trackermemory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// Tracker is a configurable, in-memory IssueTrackerService.
type Tracker struct {
	mu sync.RWMutex

	platform trackerapi.Platform
	user     trackerapi.User

	issues    map[string]trackerapi.Issue
	children  map[string][]string // issueID -> child issue IDs
	comments  map[string][]trackerapi.Comment
	teams     map[string]trackerapi.Team
	labels    map[string]trackerapi.Label
	states    map[string]trackerapi.WorkflowState
	users     map[string]trackerapi.User
	sessions  map[string]trackerapi.AgentSessionRef

	activities []trackerapi.CreateActivityRequest // recorded for test assertions
}

// New creates a Tracker with empty fixtures for the given platform.
func New(platform trackerapi.Platform) *Tracker {
	return &Tracker{
		platform: platform,
		user:     trackerapi.User{ID: "local-user", Name: "local", Email: "local@localhost"},
		issues:   make(map[string]trackerapi.Issue),
		children: make(map[string][]string),
		comments: make(map[string][]trackerapi.Comment),
		teams:    make(map[string]trackerapi.Team),
		labels:   make(map[string]trackerapi.Label),
		states:   make(map[string]trackerapi.WorkflowState),
		users:    make(map[string]trackerapi.User),
		sessions: make(map[string]trackerapi.AgentSessionRef),
	}
}

// --- fixture setters, used by tests and CLI bootstrapping ---

func (t *Tracker) SetIssue(issue trackerapi.Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues[issue.ID] = issue
	if issue.Identifier != "" {
		t.issues[issue.Identifier] = issue
	}
}

func (t *Tracker) SetTeam(team trackerapi.Team) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teams[team.ID] = team
}

func (t *Tracker) SetLabel(label trackerapi.Label) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.labels[label.ID] = label
}

// RecordedActivities returns a copy of every CreateAgentActivity call made so
// far, for test assertions.
func (t *Tracker) RecordedActivities() []trackerapi.CreateActivityRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]trackerapi.CreateActivityRequest, len(t.activities))
	copy(out, t.activities)
	return out
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activities = nil
}

// --- IssueTrackerService implementation ---

func (t *Tracker) FetchIssue(_ context.Context, idOrIdentifier string) (trackerapi.Issue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	issue, ok := t.issues[idOrIdentifier]
	if !ok {
		return trackerapi.Issue{}, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	return issue, nil
}

func (t *Tracker) FetchIssueChildren(_ context.Context, issueID string, _ trackerapi.ListOptions) ([]trackerapi.Issue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []trackerapi.Issue
	for _, id := range t.children[issueID] {
		if issue, ok := t.issues[id]; ok {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (t *Tracker) UpdateIssue(_ context.Context, issueID string, patch trackerapi.IssuePatch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[issueID]
	if !ok {
		return trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	if patch.Title != nil {
		issue.Title = *patch.Title
	}
	t.issues[issueID] = issue
	return nil
}

func (t *Tracker) FetchComments(_ context.Context, issueID string, _ trackerapi.ListOptions) ([]trackerapi.Comment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]trackerapi.Comment(nil), t.comments[issueID]...), nil
}

func (t *Tracker) FetchComment(_ context.Context, commentID string) (trackerapi.Comment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, cs := range t.comments {
		for _, c := range cs {
			if c.ID == commentID {
				return c, nil
			}
		}
	}
	return trackerapi.Comment{}, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
}

func (t *Tracker) CreateComment(_ context.Context, issueID string, c trackerapi.NewComment) (trackerapi.Comment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	comment := trackerapi.Comment{
		ID:       uuid.NewString(),
		IssueID:  issueID,
		ParentID: c.ParentID,
		Body:     c.Body,
		UserID:   t.user.ID,
	}
	t.comments[issueID] = append(t.comments[issueID], comment)
	return comment, nil
}

func (t *Tracker) FetchTeams(context.Context) ([]trackerapi.Team, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]trackerapi.Team, 0, len(t.teams))
	for _, tm := range t.teams {
		out = append(out, tm)
	}
	return out, nil
}

func (t *Tracker) FetchTeam(_ context.Context, teamID string) (trackerapi.Team, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tm, ok := t.teams[teamID]
	if !ok {
		return trackerapi.Team{}, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	return tm, nil
}

func (t *Tracker) FetchLabels(_ context.Context, issueID string) ([]trackerapi.Label, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	issue, ok := t.issues[issueID]
	if !ok {
		return nil, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	out := make([]trackerapi.Label, 0, len(issue.Labels))
	for _, name := range issue.Labels {
		out = append(out, trackerapi.Label{Name: name})
	}
	return out, nil
}

func (t *Tracker) FetchLabel(_ context.Context, labelID string) (trackerapi.Label, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.labels[labelID]
	if !ok {
		return trackerapi.Label{}, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	return l, nil
}

func (t *Tracker) FetchWorkflowStates(_ context.Context, teamID string) ([]trackerapi.WorkflowState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]trackerapi.WorkflowState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	return out, nil
}

func (t *Tracker) FetchWorkflowState(_ context.Context, stateID string) (trackerapi.WorkflowState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[stateID]
	if !ok {
		return trackerapi.WorkflowState{}, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	return s, nil
}

func (t *Tracker) FetchUser(_ context.Context, userID string) (trackerapi.User, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[userID]
	if !ok {
		return trackerapi.User{}, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	return u, nil
}

func (t *Tracker) FetchCurrentUser(context.Context) (trackerapi.User, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.user, nil
}

func (t *Tracker) CreateAgentSessionOnIssue(_ context.Context, issueID string, _ string) (trackerapi.AgentSessionRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref := trackerapi.AgentSessionRef{ExternalSessionID: issueID}
	t.sessions[ref.ExternalSessionID] = ref
	return ref, nil
}

func (t *Tracker) CreateAgentSessionOnComment(_ context.Context, commentID string, _ string) (trackerapi.AgentSessionRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref := trackerapi.AgentSessionRef{ExternalSessionID: uuid.NewString()}
	t.sessions[ref.ExternalSessionID] = ref
	return ref, nil
}

func (t *Tracker) FetchAgentSession(_ context.Context, id string) (trackerapi.AgentSessionRef, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.sessions[id]
	if !ok {
		return trackerapi.AgentSessionRef{}, trackerapi.NewTrackerError(trackerapi.NotFound, nil)
	}
	return ref, nil
}

func (t *Tracker) CreateAgentActivity(_ context.Context, req trackerapi.CreateActivityRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activities = append(t.activities, req)
	return nil
}

func (t *Tracker) RequestFileUpload(_ context.Context, filename string, _ []byte) (string, error) {
	return "mem://" + filename, nil
}

func (t *Tracker) GetPlatformType(context.Context) trackerapi.Platform {
	return t.platform
}

func (t *Tracker) GetPlatformMetadata(context.Context) trackerapi.PlatformMetadata {
	return trackerapi.PlatformMetadata{Platform: t.platform, WorkspaceID: "local"}
}

var _ trackerapi.IssueTrackerService = (*Tracker)(nil)
