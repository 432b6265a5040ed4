// Package config holds all synapse configuration: the gateway listen
// address, the engagement model, sync propagation tuning and dispatcher
// thresholds. Values come from an optional YAML file layered over defaults,
// with environment overrides applied last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all synapse configuration.
type Config struct {
	Name string `yaml:"name"`

	// Modules are the participants known at startup; the orchestrator
	// registers them all before sync initialization. Modules joining later
	// over the gateway are registered dynamically.
	Modules []ModuleSpec `yaml:"modules"`

	Gateway    GatewayConfig    `yaml:"gateway"`
	Engagement EngagementConfig `yaml:"engagement"`
	Sync       SyncConfig       `yaml:"sync"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
}

// ModuleSpec identifies one known module.
type ModuleSpec struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

// GatewayConfig configures the WebSocket ingress.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// EngagementConfig configures the module registry's engagement model.
type EngagementConfig struct {
	SmoothingWeight     float64 `yaml:"smoothing_weight"`
	EngagementThreshold float64 `yaml:"engagement_threshold"`
	TargetModules       int     `yaml:"target_modules"`
	LivenessWindow      string  `yaml:"liveness_window"`
	DecayFactor         float64 `yaml:"decay_factor"`
	EngagementFloor     float64 `yaml:"engagement_floor"`
	SweepInterval       string  `yaml:"sweep_interval"`
}

// SyncConfig configures state propagation.
type SyncConfig struct {
	Interval          string  `yaml:"interval"`
	ReplicaTimeout    string  `yaml:"replica_timeout"`
	AccuracyPenalty   float64 `yaml:"accuracy_penalty"`
	SuccessRateTarget float64 `yaml:"success_rate_target"`
	AccuracyTarget    float64 `yaml:"accuracy_target"`
}

// DispatchConfig configures the priority dispatcher.
type DispatchConfig struct {
	StarvationLimit int    `yaml:"starvation_limit"`
	DrainTimeout    string `yaml:"drain_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name: "synapse",
		Gateway: GatewayConfig{
			ListenAddr: ":8787",
		},
		Engagement: EngagementConfig{
			SmoothingWeight:     0.3,
			EngagementThreshold: 0.8,
			TargetModules:       10,
			LivenessWindow:      "30s",
			DecayFactor:         0.5,
			EngagementFloor:     0.1,
			SweepInterval:       "5s",
		},
		Sync: SyncConfig{
			Interval:          "1s",
			ReplicaTimeout:    "3s",
			AccuracyPenalty:   0.1,
			SuccessRateTarget: 95,
			AccuracyTarget:    0.98,
		},
		Dispatch: DispatchConfig{
			StarvationLimit: 10,
			DrainTimeout:    "5s",
		},
	}
}

// Load reads the YAML file at path layered over defaults and applies
// environment overrides. A missing file is not an error; defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides layers environment variables on top of file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNAPSE_LISTEN_ADDR"); v != "" {
		c.Gateway.ListenAddr = v
	}
	if v := os.Getenv("SYNAPSE_TARGET_MODULES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engagement.TargetModules = n
		}
	}
	if v := os.Getenv("SYNAPSE_ENGAGEMENT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Engagement.EngagementThreshold = f
		}
	}
	if v := os.Getenv("SYNAPSE_SYNC_INTERVAL"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Sync.Interval = v
		}
	}
}

// Duration parses a duration string, falling back when empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
