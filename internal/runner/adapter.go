package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ceedaragents/cyrus-sub002/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
)

const defaultStopGraceSeconds = 5
const defaultMaxStderrLines = 50
const defaultErrorOutputChars = 2000

// Adapter supervises one spawned subprocess exposing a line-delimited JSON
// protocol and normalises its output into runnerevent.Event values, enforcing
// the at-most-one-final and stop-idempotence invariants.
type Adapter struct {
	cfg    Config
	logger *logger.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stopRequested bool
	finalEmitted  bool
	stopOnce      sync.Once
	waitDone      chan struct{}
	startedOnce   sync.Once
	started       chan struct{}

	stderrLines []string // bounded ring of recent stderr, for error context

	// argvBuilder constructs the subprocess argv; overridable in tests to
	// drive the adapter against a plain shell script instead of a real CLI.
	argvBuilder func(cfg Config, caps runnerevent.Capabilities, prompt string) (argv []string, warning string)
}

// NewAdapter constructs an Adapter. Start must be called before any other
// method.
func NewAdapter(cfg Config, log *logger.Logger) *Adapter {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGraceSeconds
	}
	if cfg.MaxStderrLines <= 0 {
		cfg.MaxStderrLines = defaultMaxStderrLines
	}
	if cfg.ErrorOutputChars <= 0 {
		cfg.ErrorOutputChars = defaultErrorOutputChars
	}
	if log == nil {
		log = logger.Default()
	}
	return &Adapter{
		cfg:         cfg,
		logger:      log,
		waitDone:    make(chan struct{}),
		started:     make(chan struct{}),
		argvBuilder: buildArgv,
	}
}

// Kind reports the configured runner kind, for logging and metrics labels.
func (a *Adapter) Kind() Kind { return a.cfg.Kind }

// GetRecentStderr returns up to MaxStderrLines most recent stderr lines,
// satisfying the StderrProvider-style contract the teacher's codex adapter
// uses to attach error context.
func (a *Adapter) GetRecentStderr() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.stderrLines))
	copy(out, a.stderrLines)
	return out
}

// Start spawns the subprocess with the given prompt and delivers normalized
// events to onEvent until the process exits or Stop is called. It suspends
// until the runner emits its first event or the process exits, per the
// suspension-points design.
func (a *Adapter) Start(ctx context.Context, prompt string, onEvent EventHandler) (runnerevent.StartResult, error) {
	caps := probeCapabilities(ctx, a.cfg.Executable)
	argv, warn := a.argvBuilder(a.cfg, caps, prompt)

	cmd := exec.Command(a.cfg.Executable, argv...)
	cmd.Dir = a.cfg.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runnerevent.StartResult{}, fmt.Errorf("runner spawn: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return runnerevent.StartResult{}, fmt.Errorf("runner spawn: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		a.logger.WithError(err).Error("runner spawn failed")
		return runnerevent.StartResult{}, fmt.Errorf("runner spawn: %w", err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()

	wrappedEmit := a.wrapEmit(onEvent)

	if warn != "" {
		wrappedEmit(runnerevent.Event{Type: runnerevent.Log, Text: warn})
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go a.readStdout(stdout, wrappedEmit, &readers)
	go a.readStderr(stderr, wrappedEmit, &readers)

	go a.wait(cmd, &readers, wrappedEmit)

	select {
	case <-a.started:
	case <-a.waitDone:
	}

	return runnerevent.StartResult{Capabilities: caps}, nil
}

// buildArgv constructs the subprocess argv per the abstract protocol in
// spec.md §6, feature-detecting the sandbox flag and falling back to
// --full-auto when the probed CLI lacks it.
func buildArgv(cfg Config, caps runnerevent.Capabilities, prompt string) (argv []string, warning string) {
	argv = []string{"exec"}
	if caps.JSONStream {
		argv = append(argv, "--json")
	} else {
		argv = append(argv, "--experimental-json")
	}
	argv = append(argv, "--cd", cfg.WorkDir)

	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
	}

	if cfg.Sandbox != "" {
		if caps.SupportsSandbox {
			argv = append(argv, "--sandbox", string(cfg.Sandbox))
		} else {
			argv = append(argv, "--full-auto")
			warning = "lacks --sandbox; enabling --full-auto"
		}
	}

	argv = append(argv, cfg.ExtraArgs...)

	if cfg.ResumeSessionID != "" {
		argv = append(argv, "resume", cfg.ResumeSessionID, prompt)
	} else {
		argv = append(argv, prompt)
	}
	return argv, warning
}

// wrapEmit enforces the finalisation invariant: once a Final has been
// delivered, further Thought/Action/Final events are suppressed; Log and
// Error still pass through.
func (a *Adapter) wrapEmit(onEvent EventHandler) EventHandler {
	return func(ev runnerevent.Event) {
		a.mu.Lock()
		alreadyFinal := a.finalEmitted
		if ev.Type == runnerevent.Final {
			if alreadyFinal {
				a.mu.Unlock()
				return
			}
			a.finalEmitted = true
		} else if alreadyFinal && (ev.Type == runnerevent.Thought || ev.Type == runnerevent.Action) {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		a.startedOnce.Do(func() { close(a.started) })
		onEvent(ev)
	}
}

func (a *Adapter) readStdout(r io.Reader, emit EventHandler, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		ev, ok := classify(line, a.cfg.ErrorOutputChars)
		if !ok {
			continue
		}
		emit(ev)
	}
}

func (a *Adapter) readStderr(r io.Reader, emit EventHandler, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a.mu.Lock()
		a.stderrLines = append(a.stderrLines, line)
		if len(a.stderrLines) > a.cfg.MaxStderrLines {
			a.stderrLines = a.stderrLines[len(a.stderrLines)-a.cfg.MaxStderrLines:]
		}
		a.mu.Unlock()
		// Stderr is always log-prefixed and never classified as a runner error.
		emit(runnerevent.Event{Type: runnerevent.Log, Text: "stderr: " + line})
	}
}

// wait is the sole authority for the process's final status: it blocks until
// both output readers have drained, reaps the process, and applies the EOF
// classification rules from spec.md §4.1.
func (a *Adapter) wait(cmd *exec.Cmd, readers *sync.WaitGroup, emit EventHandler) {
	readers.Wait()
	err := cmd.Wait()

	a.mu.Lock()
	stopReq := a.stopRequested
	finalDelivered := a.finalEmitted
	a.mu.Unlock()

	switch {
	case err == nil:
		if finalDelivered {
			// no-op
		} else if !stopReq {
			emit(runnerevent.Event{Type: runnerevent.Error, Err: &runnerevent.Error{
				Message: "exited without delivering a final response",
			}})
		}
	default:
		if stopReq {
			emit(runnerevent.Event{Type: runnerevent.Log, Text: "process terminated: " + err.Error()})
		} else if !finalDelivered {
			emit(runnerevent.Event{Type: runnerevent.Error, Err: &runnerevent.Error{
				Message: "runner process exited with error: " + err.Error(),
				Cause:   err,
			}})
		}
	}

	a.startedOnce.Do(func() { close(a.started) })
	close(a.waitDone)
}

// Stop is idempotent and re-entrant: it sends SIGTERM once to the process
// group, arms a StopGrace timer, and sends SIGKILL on timeout. It returns
// only after the child has actually exited; concurrent callers share the
// same wait.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopRequested = true
		a.mu.Unlock()

		pgid, pgErr := syscall.Getpgid(cmd.Process.Pid)
		if pgErr == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}

		grace := time.Duration(a.cfg.StopGrace) * time.Second
		go func() {
			select {
			case <-a.waitDone:
			case <-time.After(grace):
				if pgErr == nil {
					_ = syscall.Kill(-pgid, syscall.SIGKILL)
				} else {
					_ = cmd.Process.Kill()
				}
			}
		}()
	})

	<-a.waitDone
	return nil
}

