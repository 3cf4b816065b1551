// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest describes the files that make up one version of a
// downloadable model and validates local copies against that description.
//
// A Manifest is pure data: an ordered list of FileSpec entries plus the model
// version and the repository base URL. It is loaded once (from YAML or built
// in code) and never mutated afterwards.
package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Sentinel errors returned by Validate.
var (
	ErrNoRequiredFiles   = errors.New("manifest must contain at least one required file")
	ErrDuplicateName     = errors.New("duplicate file name in manifest")
	ErrInvalidName       = errors.New("invalid file name in manifest")
	ErrInvalidVersion    = errors.New("model version must be a semantic version (e.g. v1.2.0)")
	ErrInvalidHash       = errors.New("expected hash must be a lowercase hex SHA-256 digest")
	ErrMissingSourceURL  = errors.New("file has no source URL and manifest has no base URL")
	ErrLargestFileNoHash = errors.New("largest required file has no expected hash")
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FileSpec describes one file of the artifact.
type FileSpec struct {
	// Name is the local file name, relative to the artifact directory.
	Name string `yaml:"name" json:"name"`

	// SourceURL is either relative to Manifest.BaseURL or absolute
	// (http, https or gs scheme).
	SourceURL string `yaml:"source_url" json:"source_url"`

	// ExpectedSizeBytes is the expected size. 0 means unknown.
	ExpectedSizeBytes int64 `yaml:"expected_size_bytes" json:"expected_size_bytes"`

	// ExpectedHash is the lowercase hex SHA-256 digest. Empty means none.
	ExpectedHash string `yaml:"expected_hash,omitempty" json:"expected_hash,omitempty"`

	// Required marks files whose absence blocks acquisition.
	Required bool `yaml:"required" json:"required"`
}

// Weight returns the progress weight of the file: its expected size, or 1
// when the size is unknown.
func (f FileSpec) Weight() int64 {
	if f.ExpectedSizeBytes > 0 {
		return f.ExpectedSizeBytes
	}
	return 1
}

// Manifest is the ordered set of files for one model version.
type Manifest struct {
	// ModelVersion is a semantic version such as "v1.2.0".
	ModelVersion string `yaml:"model_version" json:"model_version"`

	// BaseURL is the repository root that relative SourceURLs resolve against.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Files are processed strictly in this order.
	Files []FileSpec `yaml:"files" json:"files"`
}

// ValidateOptions tunes manifest validation.
type ValidateOptions struct {
	// RequireHashForLargest rejects manifests whose largest required file
	// has no expected hash. When false a warning is logged instead.
	RequireHashForLargest bool
}

// Load reads and validates a YAML manifest from path.
func Load(manifestPath string, opts ValidateOptions) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", manifestPath, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	if err := m.Validate(opts); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest invariants.
//
// # Description
//
// At least one required entry, unique clean relative names, a semver model
// version, well-formed hashes, and a resolvable source for every file.
//
// # Inputs
//
//   - opts: Integrity policy.
//
// # Outputs
//
//   - error: The first violated invariant, wrapped with the file name.
func (m *Manifest) Validate(opts ValidateOptions) error {
	if !semver.IsValid(m.ModelVersion) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.ModelVersion)
	}

	seen := make(map[string]struct{}, len(m.Files))
	hasRequired := false
	var largest *FileSpec

	for i := range m.Files {
		f := &m.Files[i]

		if err := validateName(f.Name); err != nil {
			return err
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateName, f.Name)
		}
		seen[f.Name] = struct{}{}

		if f.ExpectedHash != "" && !sha256Pattern.MatchString(f.ExpectedHash) {
			return fmt.Errorf("%w: %s", ErrInvalidHash, f.Name)
		}
		if f.SourceURL == "" && m.BaseURL == "" {
			return fmt.Errorf("%w: %s", ErrMissingSourceURL, f.Name)
		}
		if f.ExpectedSizeBytes < 0 {
			return fmt.Errorf("%w: %s has negative size", ErrInvalidName, f.Name)
		}

		if f.Required {
			hasRequired = true
			if largest == nil || f.ExpectedSizeBytes > largest.ExpectedSizeBytes {
				largest = f
			}
		}
	}

	if !hasRequired {
		return ErrNoRequiredFiles
	}

	if largest != nil && largest.ExpectedHash == "" && largest.ExpectedSizeBytes >= LargeFileThreshold {
		if opts.RequireHashForLargest {
			return fmt.Errorf("%w: %s", ErrLargestFileNoHash, largest.Name)
		}
		slog.Warn("Largest model file has no hash; integrity is checked by size only",
			"file", largest.Name,
			"expected_size", largest.ExpectedSizeBytes)
	}

	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %s is absolute", ErrInvalidName, name)
	}
	clean := path.Clean(filepath.ToSlash(name))
	if clean != filepath.ToSlash(name) || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	if strings.HasPrefix(path.Base(clean), ".") {
		// Dot files are reserved for the session and lock files.
		return fmt.Errorf("%w: %s is hidden", ErrInvalidName, name)
	}
	return nil
}

// ResolveURL returns the absolute URL for spec.
func (m *Manifest) ResolveURL(spec FileSpec) (string, error) {
	if spec.SourceURL != "" {
		if u, err := url.Parse(spec.SourceURL); err == nil && u.Scheme != "" {
			return spec.SourceURL, nil
		}
	}

	rel := spec.SourceURL
	if rel == "" {
		rel = spec.Name
	}
	base, err := url.Parse(m.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingSourceURL, spec.Name)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(rel, "/")
	return base.String(), nil
}

// Required returns the required entries in manifest order.
func (m *Manifest) Required() []FileSpec {
	out := make([]FileSpec, 0, len(m.Files))
	for _, f := range m.Files {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Lookup returns the entry with the given name.
func (m *Manifest) Lookup(name string) (FileSpec, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return FileSpec{}, false
}

// TotalRequiredBytes sums the expected sizes of required files.
func (m *Manifest) TotalRequiredBytes() int64 {
	var total int64
	for _, f := range m.Files {
		if f.Required {
			total += f.ExpectedSizeBytes
		}
	}
	return total
}

// TotalWeight sums Weight() over all entries.
func (m *Manifest) TotalWeight() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Weight()
	}
	return total
}
