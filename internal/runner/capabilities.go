package runner

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
)

// capabilityCache is the process-wide, lazily-initialised cache of a CLI's
// --help output, probed at most once per executable for the life of the
// process. Modelled on the single-entry sync.Once singleton the teacher uses
// for its notification-asset bootstrap, generalised here to a map keyed by
// executable path since more than one runner kind may be configured.
type capabilityCache struct {
	mu      sync.Mutex
	probed  map[string]runnerevent.Capabilities
	helpRun func(ctx context.Context, executable string) (string, error)
}

func defaultHelpRun(ctx context.Context, executable string) (string, error) {
	cmd := exec.CommandContext(ctx, executable, "--help")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

var capCache = &capabilityCache{
	probed:  make(map[string]runnerevent.Capabilities),
	helpRun: defaultHelpRun,
}

// ResetCapabilityCache clears every cached probe result. Test-only hook, per
// the process-wide-singleton redesign note.
func ResetCapabilityCache() {
	capCache.mu.Lock()
	defer capCache.mu.Unlock()
	capCache.probed = make(map[string]runnerevent.Capabilities)
}

// probeCapabilities runs "<executable> --help" once per executable and
// caches the detected flag support. A failed probe is cached as "nothing
// supported" rather than retried every Start, matching the spec's
// fallback-without-the-flag behaviour.
func probeCapabilities(ctx context.Context, executable string) runnerevent.Capabilities {
	capCache.mu.Lock()
	if caps, ok := capCache.probed[executable]; ok {
		capCache.mu.Unlock()
		return caps
	}
	capCache.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, _ := capCache.helpRun(probeCtx, executable)
	lower := strings.ToLower(out)
	caps := runnerevent.Capabilities{
		JSONStream:      strings.Contains(lower, "--json") || strings.Contains(lower, "--experimental-json"),
		SupportsSandbox: strings.Contains(lower, "--sandbox"),
		SupportsResume:  strings.Contains(lower, "resume"),
	}

	capCache.mu.Lock()
	capCache.probed[executable] = caps
	capCache.mu.Unlock()
	return caps
}
