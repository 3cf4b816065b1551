// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the modelkeeper YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvArtifactRoot = "MODELKEEPER_ARTIFACT_ROOT"
	EnvManifest     = "MODELKEEPER_MANIFEST"
	EnvListenAddr   = "MODELKEEPER_LISTEN_ADDR"
	EnvOTelEndpoint = "MODELKEEPER_OTEL_ENDPOINT"
	EnvAuthToken    = "MODELKEEPER_AUTH_TOKEN"
	EnvLogLevel     = "MODELKEEPER_LOG_LEVEL"
)

// DotEnvFile is read from the config directory when present. Its entries
// fill in environment overrides that the process environment lacks.
const DotEnvFile = "modelkeeper.env"

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.modelkeeper/modelkeeper.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".modelkeeper", "modelkeeper.yaml"), nil
}

// Load reads the configuration.
//
// # Description
//
// An empty path means DefaultPath, which is created with DefaultConfig on
// first run. An explicit path must exist. Fields absent from the file keep
// their defaults; environment overrides (the process environment, then
// DotEnvFile beside the config) are applied last, then the result is
// validated.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Read, parse or validation failure.
func Load(path string) (*Config, error) {
	dir := filepath.Dir(path)
	if path == "" {
		def, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		dir = filepath.Dir(def)
	}
	return load(path, envLookup(filepath.Join(dir, DotEnvFile)))
}

// envLookup layers the process environment over the dotenv file at path.
func envLookup(path string) func(string) (string, bool) {
	dotenv, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Ignoring unreadable env file", "path", path, "error", err)
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			slog.Info("First run detected, creating the config", "path", path)
			if err := createDefault(path); err != nil {
				return nil, err
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	applyEnv(&cfg, lookup)
	cfg.ArtifactRoot = expandHome(cfg.ArtifactRoot)
	cfg.Manifest = expandHome(cfg.Manifest)
	cfg.Session.BadgerDir = expandHome(cfg.Session.BadgerDir)
	cfg.Download.GCSCredentials = expandHome(cfg.Download.GCSCredentials)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvArtifactRoot, &cfg.ArtifactRoot)
	set(EnvManifest, &cfg.Manifest)
	set(EnvListenAddr, &cfg.Server.ListenAddr)
	set(EnvOTelEndpoint, &cfg.Telemetry.Endpoint)
	set(EnvAuthToken, &cfg.AuthToken)
	set(EnvLogLevel, &cfg.Log.Level)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate checks the struct tags and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
