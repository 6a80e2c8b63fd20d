// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, a YAML file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Procedure ProcedureConfig `mapstructure:"procedure"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the edge worker.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
	CLIMode      bool   `mapstructure:"cliMode"`      // expose GET /cli/health
	Platform     string `mapstructure:"platform"`     // linear | github, reported by /cli/health
}

// WebhookConfig controls event-transport (C2) verification.
type WebhookConfig struct {
	Mode      string `mapstructure:"mode"`      // "direct" (HMAC) or "proxy" (bearer)
	Secret    string `mapstructure:"secret"`    // shared secret for direct/HMAC mode
	BearerKey string `mapstructure:"bearerKey"` // expected bearer token for proxy mode
}

// RunnerConfig controls the runner adapter (C1).
type RunnerConfig struct {
	Kind              string   `mapstructure:"kind"`              // codex | claude-code | ...
	Executable        string   `mapstructure:"executable"`        // path to the CLI binary
	Model             string   `mapstructure:"model"`             // model override, if any
	ExtraArgs         []string `mapstructure:"extraArgs"`         // appended verbatim to argv
	StopGraceSeconds  int      `mapstructure:"stopGraceSeconds"`  // SIGTERM->SIGKILL grace period
	ApprovalSandbox   string   `mapstructure:"approvalSandbox"`   // requested sandbox mode
	MaxStderrLines    int      `mapstructure:"maxStderrLines"`    // ring-buffer size for stderr context
	ErrorOutputChars  int      `mapstructure:"errorOutputChars"`  // truncation length for aggregated output in error events
}

// ProcedureConfig controls the procedure engine (C4).
type ProcedureConfig struct {
	MaxValidationIterations int `mapstructure:"maxValidationIterations"`
	ApprovalTimeoutMinutes  int `mapstructure:"approvalTimeoutMinutes"`
}

// LoggingConfig controls the ambient logging stack.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// GCInterval is how often the edge worker sweeps terminal sessions.
const GCInterval = time.Hour

// SessionTTL is how long a terminal session survives before GC removes it.
const SessionTTL = 24 * time.Hour

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.cliMode", false)
	v.SetDefault("server.platform", "linear")

	v.SetDefault("webhook.mode", "direct")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.bearerKey", "")

	v.SetDefault("runner.kind", "codex")
	v.SetDefault("runner.executable", "codex")
	v.SetDefault("runner.model", "")
	v.SetDefault("runner.extraArgs", []string{})
	v.SetDefault("runner.stopGraceSeconds", 5)
	v.SetDefault("runner.approvalSandbox", "workspace-write")
	v.SetDefault("runner.maxStderrLines", 50)
	v.SetDefault("runner.errorOutputChars", 2000)

	v.SetDefault("procedure.maxValidationIterations", 3)
	v.SetDefault("procedure.approvalTimeoutMinutes", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, ./config.yaml, and defaults.
// Environment variables use the ORCH_ prefix, e.g. ORCH_SERVER_PORT.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but also searches configPath for config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cyrus-sub002/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Webhook.Mode {
	case "direct":
		if cfg.Webhook.Secret == "" {
			errs = append(errs, "webhook.secret is required in direct mode")
		}
	case "proxy":
		if cfg.Webhook.BearerKey == "" {
			errs = append(errs, "webhook.bearerKey is required in proxy mode")
		}
	default:
		errs = append(errs, "webhook.mode must be one of: direct, proxy")
	}

	if cfg.Runner.Executable == "" {
		errs = append(errs, "runner.executable is required")
	}
	if cfg.Runner.StopGraceSeconds <= 0 {
		errs = append(errs, "runner.stopGraceSeconds must be positive")
	}

	if cfg.Procedure.MaxValidationIterations <= 0 {
		errs = append(errs, "procedure.maxValidationIterations must be positive")
	}
	if cfg.Procedure.ApprovalTimeoutMinutes <= 0 {
		errs = append(errs, "procedure.approvalTimeoutMinutes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// StopGrace returns the configured SIGTERM->SIGKILL escalation window.
func (r RunnerConfig) StopGrace() time.Duration {
	return time.Duration(r.StopGraceSeconds) * time.Second
}

// ApprovalTimeout returns the configured approval-elicitation timeout.
func (p ProcedureConfig) ApprovalTimeout() time.Duration {
	return time.Duration(p.ApprovalTimeoutMinutes) * time.Minute
}
