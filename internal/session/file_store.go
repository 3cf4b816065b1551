// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the session file kept beside the model artifacts.
const FileName = ".session.json"

// FileStore keeps the session as a JSON file in the artifact directory.
//
// # Description
//
// Writes use the temp-file-swap pattern: write to a temp file in the same
// directory, fsync it, rename over the target, then fsync the directory so
// the rename itself survives a crash.
//
// # Thread Safety
//
// FileStore is safe for concurrent use.
type FileStore struct {
	dir          string
	modelVersion string
	logger       *slog.Logger
	mu           sync.Mutex
}

// NewFileStore creates a store for the artifact directory dir. Sessions that
// belong to a different modelVersion load as absent.
func NewFileStore(dir, modelVersion string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, modelVersion: modelVersion, logger: logger}
}

// Path returns the session file path.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (*DownloadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Session file unreadable, starting fresh", "path", s.Path(), "error", err)
		}
		return nil, nil
	}

	var sess DownloadSession
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("Session file corrupted, starting fresh", "path", s.Path(), "error", err)
		return nil, nil
	}
	if err := usable(&sess, s.modelVersion); err != nil {
		s.logger.Warn("Discarding stored session", "path", s.Path(), "reason", err)
		return nil, nil
	}
	return &sess, nil
}

// Save implements Store. The write is not aborted by a cancelled ctx: a
// cancelled acquisition still needs its checkpoint on disk.
func (s *FileStore) Save(_ context.Context, sess *DownloadSession) error {
	if sess == nil {
		return errors.New("nil session")
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return syncDir(s.dir)
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open session directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync session directory: %w", err)
	}
	return nil
}
