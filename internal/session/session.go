// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists download progress so an interrupted acquisition
// can resume after a process restart.
//
// # Durability
//
// A Store exclusively owns the on-disk representation of a DownloadSession.
// Save returns only after the data is flushed; callers treat in-memory state
// as durable only after Save succeeds. Unreadable data loads as "no session",
// never as a fatal error.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is bumped when the persisted layout changes incompatibly.
// Older records are treated as absent.
const FormatVersion = 1

// ErrVersionMismatch is logged when a stored session belongs to another
// model version; such sessions load as absent.
var ErrVersionMismatch = errors.New("session belongs to a different model version")

// FileProgress tracks one manifest entry inside a session.
type FileProgress struct {
	// BytesWritten is the number of bytes of the file known to be on disk.
	BytesWritten int64 `json:"bytes_written"`

	// Retries counts failed attempts in the current and previous runs.
	Retries int `json:"retries"`

	// Completed is set once the file passed validation.
	Completed bool `json:"completed"`
}

// DownloadSession is the persisted record of an in-progress acquisition.
type DownloadSession struct {
	FormatVersion     int                      `json:"format_version"`
	SessionID         string                   `json:"session_id"`
	ModelVersion      string                   `json:"model_version"`
	StartedAt         time.Time                `json:"started_at"`
	LastResumedAt     *time.Time               `json:"last_resumed_at,omitempty"`
	ResumeCount       int                      `json:"resume_count"`
	Files             map[string]*FileProgress `json:"files"`
	IsCompleted       bool                     `json:"is_completed"`
	LastError         string                   `json:"last_error,omitempty"`
	TotalBytesWritten int64                    `json:"total_bytes_written"`
	TotalElapsed      time.Duration            `json:"total_elapsed"`
}

// New creates a fresh session for modelVersion.
func New(modelVersion string) *DownloadSession {
	return &DownloadSession{
		FormatVersion: FormatVersion,
		SessionID:     uuid.NewString(),
		ModelVersion:  modelVersion,
		StartedAt:     time.Now().UTC(),
		Files:         make(map[string]*FileProgress),
	}
}

// File returns the progress entry for name, creating it if needed.
func (s *DownloadSession) File(name string) *FileProgress {
	if s.Files == nil {
		s.Files = make(map[string]*FileProgress)
	}
	fp, ok := s.Files[name]
	if !ok {
		fp = &FileProgress{}
		s.Files[name] = fp
	}
	return fp
}

// MarkResumed records that a run picked up this session again.
func (s *DownloadSession) MarkResumed(now time.Time) {
	t := now.UTC()
	s.LastResumedAt = &t
	s.ResumeCount++
}

// SetBytes updates the byte count of a file and the session total.
func (s *DownloadSession) SetBytes(name string, n int64) {
	fp := s.File(name)
	s.TotalBytesWritten += n - fp.BytesWritten
	fp.BytesWritten = n
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *DownloadSession) Clone() *DownloadSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastResumedAt != nil {
		t := *s.LastResumedAt
		c.LastResumedAt = &t
	}
	c.Files = make(map[string]*FileProgress, len(s.Files))
	for k, v := range s.Files {
		fp := *v
		c.Files[k] = &fp
	}
	return &c
}

// Store persists a single DownloadSession.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored session, or nil when none is stored or the
	// stored data is unreadable.
	Load(ctx context.Context) (*DownloadSession, error)

	// Save durably writes the session, replacing any previous one.
	Save(ctx context.Context, s *DownloadSession) error

	// Clear removes the stored session. Clearing an absent session is not
	// an error.
	Clear(ctx context.Context) error
}

// usable reports whether a decoded session can be resumed for modelVersion.
func usable(s *DownloadSession, modelVersion string) error {
	if s == nil {
		return errors.New("empty session")
	}
	if s.FormatVersion != FormatVersion {
		return errors.New("unsupported session format")
	}
	if s.SessionID == "" {
		return errors.New("session has no id")
	}
	if modelVersion != "" && s.ModelVersion != modelVersion {
		return ErrVersionMismatch
	}
	if s.Files == nil {
		s.Files = make(map[string]*FileProgress)
	}
	for name, fp := range s.Files {
		if fp == nil || fp.BytesWritten < 0 {
			return errors.New("invalid progress for " + name)
		}
	}
	return nil
}
