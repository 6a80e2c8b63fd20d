// Package runner implements the runner adapter (C1): it supervises one agent
// subprocess exposing a line-delimited JSON protocol, normalises its output
// into the runnerevent contract, and enforces the stop/finalisation
// invariants described in the procedure and session design.
package runner

import "github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"

// Kind identifies which coding-assistant CLI a Config targets. The wire
// protocol is uniform (line-delimited JSON on stdout); Kind only affects
// argv construction and capability-flag naming.
type Kind string

const (
	KindCodex      Kind = "codex"
	KindClaudeCode Kind = "claude-code"
)

// SandboxMode mirrors the sandbox/approval flag the caller wants the runner
// to operate under. Not every CLI build supports every mode; Start feature
// detects and falls back per spec.
type SandboxMode string

const (
	SandboxReadOnly      SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxFullAuto       SandboxMode = "full-auto"
)

// Config parameterises one subprocess spawn.
type Config struct {
	Kind       Kind
	Executable string
	WorkDir    string
	Model      string
	ExtraArgs  []string
	Sandbox    SandboxMode

	// ResumeSessionID, if set, causes Start to invoke the resume argv form
	// (<executable> exec resume <sessionId> <prompt>) instead of a fresh run.
	ResumeSessionID string

	// StopGrace is the SIGTERM->SIGKILL escalation window.
	StopGrace       int // seconds; see config.RunnerConfig.StopGraceSeconds
	MaxStderrLines  int
	ErrorOutputChars int
}

// EventHandler receives normalized runner events as they are classified off
// the subprocess's stdout (or synthesised at finalisation/EOF).
type EventHandler func(runnerevent.Event)
