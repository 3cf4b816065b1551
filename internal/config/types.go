// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/modelkeeper/internal/download"
	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
	"github.com/AleutianAI/modelkeeper/internal/netmon"
	"github.com/AleutianAI/modelkeeper/internal/resilience"
	"github.com/AleutianAI/modelkeeper/internal/telemetry"
)

// Session backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config is the modelkeeper configuration file.
type Config struct {
	// ArtifactRoot holds one directory per model version.
	ArtifactRoot string `yaml:"artifact_root" validate:"required"`

	// Manifest is the path of the manifest YAML.
	Manifest string `yaml:"manifest" validate:"required"`

	// RequireHashForLargest rejects manifests whose largest required file
	// carries no hash.
	RequireHashForLargest bool `yaml:"require_hash_for_largest"`

	Session    SessionConfig    `yaml:"session"`
	Download   DownloadConfig   `yaml:"download"`
	Network    NetworkConfig    `yaml:"network"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Server     ServerConfig     `yaml:"server"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`

	// HealthInterval is the period of the artifact health check.
	HealthInterval time.Duration `yaml:"health_interval" validate:"gte=0"`

	// AuthToken is the repository bearer token. Only read from the
	// environment, never from or into the file.
	AuthToken string `yaml:"-"`
}

type SessionConfig struct {
	// Backend is "file" (JSON beside the artifacts) or "badger".
	Backend string `yaml:"backend" validate:"oneof=file badger"`

	// BadgerDir defaults to <artifact_root>/.sessions.
	BadgerDir string `yaml:"badger_dir,omitempty"`
}

type DownloadConfig struct {
	ChunkSize      int           `yaml:"chunk_size" validate:"gte=4096,lte=16777216"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelay      time.Duration `yaml:"base_delay" validate:"gt=0"`
	BandwidthLimit int64         `yaml:"bandwidth_limit" validate:"gte=0"`
	SpaceMargin    float64       `yaml:"space_margin" validate:"gte=0,lte=1"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	UserAgent      string        `yaml:"user_agent,omitempty"`

	// GCSCredentials is a service account JSON for gs:// sources. Empty
	// uses application default credentials.
	GCSCredentials string `yaml:"gcs_credentials,omitempty"`
}

type NetworkConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	GracePeriod    time.Duration `yaml:"grace_period" validate:"gte=0"`
	ProbeURLs      []string      `yaml:"probe_urls" validate:"dive,url"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" validate:"gte=0"`
	WatchPaths     []string      `yaml:"watch_paths"`
	Hysteresis     float64       `yaml:"hysteresis" validate:"gte=0,lte=1"`
	MaxAutoResumes int           `yaml:"max_auto_resumes" validate:"gte=0"`
}

type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `yaml:"cooldown" validate:"gt=0"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	root := filepath.Join(os.TempDir(), "modelkeeper")
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".modelkeeper")
	}
	return Config{
		ArtifactRoot:          filepath.Join(root, "models"),
		Manifest:              filepath.Join(root, "manifest.yaml"),
		RequireHashForLargest: false,
		Session:               SessionConfig{Backend: BackendFile},
		Download: DownloadConfig{
			ChunkSize:      download.DefaultChunkSize,
			MaxAttempts:    download.DefaultMaxAttempts,
			BaseDelay:      download.DefaultBaseDelay,
			SpaceMargin:    lifecycle.DefaultSpaceMargin,
			RequestTimeout: 30 * time.Second,
		},
		Network: NetworkConfig{
			PollInterval:   netmon.DefaultPollInterval,
			GracePeriod:    netmon.DefaultGracePeriod,
			ProbeURLs:      []string{},
			ProbeTimeout:   5 * time.Second,
			WatchPaths:     append([]string(nil), netmon.DefaultWatchPaths...),
			Hysteresis:     netmon.DefaultSignalHysteresis,
			MaxAutoResumes: netmon.DefaultMaxAutoResumes,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: resilience.DefaultFailureThreshold,
			Cooldown:         resilience.DefaultOpenTimeout,
		},
		Server:         ServerConfig{ListenAddr: "127.0.0.1:7460"},
		Telemetry:      telemetry.Config{ServiceName: "modelkeeper", Insecure: true},
		Log:            LogConfig{Level: "info"},
		HealthInterval: lifecycle.DefaultHealthInterval,
	}
}

// EngineConfig converts the download section.
func (d DownloadConfig) EngineConfig() download.Config {
	cfg := download.DefaultConfig()
	cfg.ChunkSize = d.ChunkSize
	cfg.MaxAttempts = d.MaxAttempts
	cfg.BaseDelay = d.BaseDelay
	cfg.BandwidthLimit = d.BandwidthLimit
	return cfg
}

// MonitorConfig converts the network section.
func (n NetworkConfig) MonitorConfig() netmon.Config {
	return netmon.Config{
		PollInterval:     n.PollInterval,
		GracePeriod:      n.GracePeriod,
		SignalHysteresis: n.Hysteresis,
		MaxAutoResumes:   n.MaxAutoResumes,
	}
}

// BreakerConfig converts the resilience section.
func (r ResilienceConfig) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: r.FailureThreshold,
		OpenTimeout:      r.Cooldown,
	}
}

// ModelDir returns the artifact directory of modelVersion.
func (c *Config) ModelDir(modelVersion string) string {
	return filepath.Join(c.ArtifactRoot, modelVersion)
}

// BadgerPath returns the badger directory.
func (c *Config) BadgerPath() string {
	if c.Session.BadgerDir != "" {
		return c.Session.BadgerDir
	}
	return filepath.Join(c.ArtifactRoot, ".sessions")
}
