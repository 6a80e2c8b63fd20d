// Command edgeworker runs the edge worker (C6): it loads configuration,
// wires the runner adapter, event transport, repository router, procedure
// engine and session manager together, and serves the webhook HTTP surface
// until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ceedaragents/cyrus-sub002/internal/common/config"
	"github.com/ceedaragents/cyrus-sub002/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub002/internal/edgeworker"
	"github.com/ceedaragents/cyrus-sub002/internal/procedure"
	"github.com/ceedaragents/cyrus-sub002/internal/router"
	"github.com/ceedaragents/cyrus-sub002/internal/runner"
	"github.com/ceedaragents/cyrus-sub002/internal/session"
	"github.com/ceedaragents/cyrus-sub002/internal/trackermemory"
	"github.com/ceedaragents/cyrus-sub002/internal/transport"
	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

func main() {
	configPath := flag.String("config", "", "directory to search for config.yaml")
	reposPath := flag.String("repos", "repos.yaml", "path to the repository routing table")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	platform := trackerapi.Platform(cfg.Server.Platform)

	repos, err := loadRepos(*reposPath)
	if err != nil {
		log.Fatal("load repository routing table", zap.Error(err))
	}

	tracker := trackermemory.New(platform)

	runnerDefaults := runner.Config{
		Kind:             runner.Kind(cfg.Runner.Kind),
		Executable:       cfg.Runner.Executable,
		Model:            cfg.Runner.Model,
		ExtraArgs:        cfg.Runner.ExtraArgs,
		Sandbox:          runner.SandboxMode(cfg.Runner.ApprovalSandbox),
		StopGrace:        cfg.Runner.StopGraceSeconds,
		MaxStderrLines:   cfg.Runner.MaxStderrLines,
		ErrorOutputChars: cfg.Runner.ErrorOutputChars,
	}

	newRunner := func(rc runner.Config) session.RunnerAdapter {
		return runner.NewAdapter(rc, log)
	}

	runnerConfigFactory := func(repo router.RepositoryConfig, sub procedure.Subroutine, resumeSessionID string) runner.Config {
		rc := runnerDefaults
		rc.WorkDir = repo.LocalPath
		rc.ResumeSessionID = resumeSessionID
		if repo.RunnerKind != "" {
			rc.Kind = runner.Kind(repo.RunnerKind)
		}
		if model, ok := repo.ModelOverrides[sub.Name]; ok {
			rc.Model = model
		}
		return rc
	}

	engine := procedure.New(cfg.Procedure.MaxValidationIterations)
	approvals := procedure.NewApprovalGate(cfg.Procedure.ApprovalTimeout())

	tr := transport.New(transport.Config{
		Mode:      transport.Mode(cfg.Webhook.Mode),
		Secret:    cfg.Webhook.Secret,
		BearerKey: cfg.Webhook.BearerKey,
	}, log)

	// No ActiveSessionLookup is wired: the router's own per-issue cache
	// already covers rule 1 for the lifetime of a session, and a session
	// surviving past a cache eviction has no recorded repo id to recover.
	rtr := router.New(repos, nil, log)

	w := edgeworker.New(edgeworker.Deps{
		Tracker:       tracker,
		Router:        rtr,
		Transport:     tr,
		NewRunner:     newRunner,
		Engine:        engine,
		Approvals:     approvals,
		RunnerConfigs: runnerConfigFactory,
	}, edgeworker.Config{
		Platform:   platform,
		GCInterval: config.GCInterval,
		SessionTTL: config.SessionTTL,
		CLIHealth:  cfg.Server.CLIMode,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := w.Start(ctx, addr); err != nil {
		log.Fatal("edge worker exited with error", zap.Error(err))
	}
}

// repoEntry mirrors router.RepositoryConfig for YAML decoding.
type repoEntry struct {
	ID               string            `yaml:"id"`
	DisplayName      string            `yaml:"displayName"`
	LocalPath        string            `yaml:"localPath"`
	BaseBranch       string            `yaml:"baseBranch"`
	WorkspaceRoot    string            `yaml:"workspaceRoot"`
	WorkspaceID      string            `yaml:"workspaceId"`
	RoutingLabels    []string          `yaml:"routingLabels"`
	ProjectKeys      []string          `yaml:"projectKeys"`
	TeamKeys         []string          `yaml:"teamKeys"`
	RunnerKind       string            `yaml:"runnerKind"`
	ModelOverrides   map[string]string `yaml:"modelOverrides"`
	MCPConfigPaths   []string          `yaml:"mcpConfigPaths"`
	LabelPromptRules map[string]string `yaml:"labelPromptRules"`
}

func loadRepos(path string) ([]router.RepositoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []repoEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	repos := make([]router.RepositoryConfig, len(entries))
	for i, e := range entries {
		repos[i] = router.RepositoryConfig{
			ID:               e.ID,
			DisplayName:      e.DisplayName,
			LocalPath:        e.LocalPath,
			BaseBranch:       e.BaseBranch,
			WorkspaceRoot:    e.WorkspaceRoot,
			WorkspaceID:      e.WorkspaceID,
			RoutingLabels:    e.RoutingLabels,
			ProjectKeys:      e.ProjectKeys,
			TeamKeys:         e.TeamKeys,
			RunnerKind:       e.RunnerKind,
			ModelOverrides:   e.ModelOverrides,
			MCPConfigPaths:   e.MCPConfigPaths,
			LabelPromptRules: e.LabelPromptRules,
		}
	}
	return repos, nil
}
