package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clawinfra/banditclaw/internal/policy"
	"github.com/clawinfra/banditclaw/internal/proposer"
	"github.com/clawinfra/banditclaw/internal/reward"
	"github.com/clawinfra/banditclaw/internal/rollback"
	"github.com/clawinfra/banditclaw/internal/safety"
	"github.com/clawinfra/banditclaw/internal/scheduler"
)

// Config holds all banditclaw configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Q-table learning settings
	Learning LearningConfig `json:"learning"`

	// Selection policy settings
	Policy policy.Config `json:"policy"`

	// Reward blend weights
	Reward reward.Weights `json:"reward"`

	// Promotion safety thresholds
	Safety safety.Thresholds `json:"safety"`

	// Automatic rollback settings
	Rollback RollbackConfig `json:"rollback"`

	// Variant proposer and evolutionary search settings
	Proposer proposer.Config `json:"proposer"`

	// Cross-task transfer learning settings
	Transfer TransferConfig `json:"transfer"`

	// Scheduled batch jobs
	Scheduler scheduler.Config `json:"scheduler,omitempty"`
}

type ServerConfig struct {
	Port        int    `json:"port"`
	DataDir     string `json:"dataDir"`
	LogLevel    string `json:"logLevel"`
	VariantsDir string `json:"variantsDir,omitempty"`
}

// LearningConfig tunes the Q-value update rule.
type LearningConfig struct {
	// AlphaFloor is the minimum learning rate; the effective rate decays
	// from 1 toward this floor as an arm accumulates visits.
	AlphaFloor float64 `json:"alphaFloor"`
}

// RollbackConfig mirrors the rollback manager's knobs with the cooldown
// expressed in hours so it survives a JSON round trip.
type RollbackConfig struct {
	WindowSize     int     `json:"windowSize"`
	BaselineSize   int     `json:"baselineSize"`
	SuccessDropPts float64 `json:"successDropPts"`
	RewardDropPct  float64 `json:"rewardDropPct"`
	ErrorRisePct   float64 `json:"errorRisePct"`
	CooldownHours  int     `json:"cooldownHours"`
	MinSamples     int     `json:"minSamples"`
	DefaultVariant string  `json:"defaultVariant,omitempty"`
}

// Runtime converts the serializable form into the manager's config.
func (r RollbackConfig) Runtime() rollback.Config {
	return rollback.Config{
		WindowSize:     r.WindowSize,
		BaselineSize:   r.BaselineSize,
		SuccessDropPts: r.SuccessDropPts,
		RewardDropPct:  r.RewardDropPct,
		ErrorRisePct:   r.ErrorRisePct,
		Cooldown:       time.Duration(r.CooldownHours) * time.Hour,
		MinSamples:     r.MinSamples,
		DefaultVariant: r.DefaultVariant,
	}
}

// TransferConfig controls warm-starting new task types from similar ones.
type TransferConfig struct {
	Enabled         bool    `json:"enabled"`
	Ratio           float64 `json:"ratio"`
	MinNativeVisits int     `json:"minNativeVisits"`
	MatrixPath      string  `json:"matrixPath,omitempty"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	rb := rollback.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:     8430,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Learning: LearningConfig{
			AlphaFloor: 0.1,
		},
		Policy: policy.Config{
			Kind:        policy.KindEpsilonGreedy,
			Epsilon:     0.1,
			Exploration: 1.4,
			LinUCBAlpha: 0.5,
			FeatureDims: 10,
		},
		Reward: reward.DefaultWeights(),
		Safety: safety.DefaultThresholds(),
		Rollback: RollbackConfig{
			WindowSize:     rb.WindowSize,
			BaselineSize:   rb.BaselineSize,
			SuccessDropPts: rb.SuccessDropPts,
			RewardDropPct:  rb.RewardDropPct,
			ErrorRisePct:   rb.ErrorRisePct,
			CooldownHours:  int(rb.Cooldown / time.Hour),
			MinSamples:     rb.MinSamples,
			DefaultVariant: rb.DefaultVariant,
		},
		Proposer: proposer.DefaultConfig(),
		Transfer: TransferConfig{
			Enabled:         true,
			Ratio:           0.3,
			MinNativeVisits: 5,
		},
	}
}

// Load reads config from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Server.LogLevel)
	}
	if c.Learning.AlphaFloor <= 0 || c.Learning.AlphaFloor > 1 {
		return fmt.Errorf("config: alphaFloor %.2f out of (0,1]", c.Learning.AlphaFloor)
	}
	switch c.Policy.Kind {
	case policy.KindEpsilonGreedy, policy.KindUCB1, policy.KindThompson, policy.KindLinUCB, "":
	default:
		return fmt.Errorf("config: unknown policy kind %q", c.Policy.Kind)
	}
	if c.Policy.Epsilon < 0 || c.Policy.Epsilon > 1 {
		return fmt.Errorf("config: epsilon %.2f out of [0,1]", c.Policy.Epsilon)
	}
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if c.Rollback.WindowSize <= 0 || c.Rollback.BaselineSize < c.Rollback.WindowSize {
		return fmt.Errorf("config: rollback window %d / baseline %d invalid",
			c.Rollback.WindowSize, c.Rollback.BaselineSize)
	}
	if c.Rollback.CooldownHours < 0 {
		return fmt.Errorf("config: negative rollback cooldown")
	}
	if c.Proposer.Population > 0 && c.Proposer.Elites > c.Proposer.Population {
		return fmt.Errorf("config: elites %d exceed population %d",
			c.Proposer.Elites, c.Proposer.Population)
	}
	if c.Transfer.Ratio < 0 || c.Transfer.Ratio > 1 {
		return fmt.Errorf("config: transfer ratio %.2f out of [0,1]", c.Transfer.Ratio)
	}
	for _, job := range c.Scheduler.Jobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("config: job %s: %w", job.ID, err)
		}
	}
	return nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (s ServerConfig) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
