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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// TestCreateDefault verifies the first-run file round-trips to the defaults.
func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "modelkeeper.yaml")
	require.NoError(t, createDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_interval: 10s")
	assert.NotContains(t, string(data), "AuthToken")

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
artifact_root: /var/lib/modelkeeper
manifest: /etc/modelkeeper/manifest.yaml
download:
  max_attempts: 5
network:
  grace_period: 45s
`), 0644))

	cfg, err := load(path, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/modelkeeper", cfg.ArtifactRoot)
	assert.Equal(t, 5, cfg.Download.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Network.GracePeriod)
	assert.Equal(t, DefaultConfig().Download.ChunkSize, cfg.Download.ChunkSize)
	assert.Equal(t, BackendFile, cfg.Session.Backend)
	assert.Equal(t, "/var/lib/modelkeeper/v1.2.0", cfg.ModelDir("v1.2.0"))
	assert.Equal(t, "/var/lib/modelkeeper/.sessions", cfg.BadgerPath())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelkeeper.yaml")
	require.NoError(t, createDefault(path))

	cfg, err := load(path, envMap(map[string]string{
		EnvArtifactRoot: "/data/models",
		EnvListenAddr:   "0.0.0.0:9000",
		EnvOTelEndpoint: "collector:4317",
		EnvAuthToken:    "s3cret",
		EnvLogLevel:     "DEBUG",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/data/models", cfg.ArtifactRoot)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "s3cret", cfg.AuthToken)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad backend", "session:\n  backend: sqlite\n", "Backend"},
		{"zero attempts", "download:\n  max_attempts: 0\n", "MaxAttempts"},
		{"margin above one", "download:\n  space_margin: 1.5\n", "SpaceMargin"},
		{"bad probe url", "network:\n  probe_urls: [\"not a url\"]\n", "ProbeURLs"},
		{"bad log level", "log:\n  level: chatty\n", "Level"},
		{"bad listen addr", "server:\n  listen_addr: nowhere\n", "ListenAddr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "modelkeeper.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := load(path, noEnv)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	assert.Error(t, err)
}

func TestLoadDefaultPathCreatesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := load("", noEnv)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, ".modelkeeper", "modelkeeper.yaml"))
	assert.Equal(t, filepath.Join(home, ".modelkeeper", "models"), cfg.ArtifactRoot)
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, "models"), expandHome("~/models"))
	assert.Equal(t, "/abs", expandHome("/abs"))
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Download.BandwidthLimit = 1 << 20

	ec := cfg.Download.EngineConfig()
	assert.Equal(t, int64(1<<20), ec.BandwidthLimit)
	assert.Equal(t, 3, ec.MaxAttempts)

	mc := cfg.Network.MonitorConfig()
	assert.Equal(t, 10, mc.MaxAutoResumes)
	assert.Equal(t, 0.15, mc.SignalHysteresis)

	bc := cfg.Resilience.BreakerConfig()
	assert.Equal(t, 3, bc.FailureThreshold)
	assert.Equal(t, 30*time.Minute, bc.OpenTimeout)
}

func TestEnvLookupLayersProcessOverDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DotEnvFile), []byte(
		"MODELKEEPER_AUTH_TOKEN=from-file\nMODELKEEPER_LOG_LEVEL=warn\n"), 0600))
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvAuthToken, "")

	lookup := envLookup(filepath.Join(dir, DotEnvFile))
	v, ok := lookup(EnvAuthToken)
	assert.True(t, ok)
	assert.Equal(t, "from-file", v)
	v, _ = lookup(EnvLogLevel)
	assert.Equal(t, "debug", v)

	missing := envLookup(filepath.Join(dir, "absent.env"))
	_, ok = missing("MODELKEEPER_NOT_SET_ANYWHERE")
	assert.False(t, ok)
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelkeeper.yaml")
	require.NoError(t, createDefault(path))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DotEnvFile), []byte("MODELKEEPER_AUTH_TOKEN=s3cret\n"), 0600))
	t.Setenv(EnvAuthToken, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.AuthToken)
}
