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

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the badger-backed session store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Tests only.
	InMemory bool

	// Logger receives BadgerDB's internal logs. If nil they are discarded.
	Logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a BadgerDB with synchronous writes so every Save is
// durable when it returns.
func OpenBadger(cfg BadgerConfig) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// BadgerStore keeps sessions in a shared BadgerDB, one key per model
// version. Useful when several model versions are managed from one state
// directory.
//
// # Thread Safety
//
// BadgerStore is safe for concurrent use.
type BadgerStore struct {
	db           *badger.DB
	modelVersion string
	logger       *slog.Logger
}

// NewBadgerStore creates a store for modelVersion on db. The caller owns db.
func NewBadgerStore(db *badger.DB, modelVersion string, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, modelVersion: modelVersion, logger: logger}
}

func (s *BadgerStore) key() []byte {
	return []byte("session/" + s.modelVersion)
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context) (*DownloadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key())
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("Session record unreadable, starting fresh", "model_version", s.modelVersion, "error", err)
		return nil, nil
	}

	var sess DownloadSession
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("Session record corrupted, starting fresh", "model_version", s.modelVersion, "error", err)
		return nil, nil
	}
	if err := usable(&sess, s.modelVersion); err != nil {
		s.logger.Warn("Discarding stored session", "model_version", s.modelVersion, "reason", err)
		return nil, nil
	}
	return &sess, nil
}

// Save implements Store.
func (s *BadgerStore) Save(_ context.Context, sess *DownloadSession) error {
	if sess == nil {
		return errors.New("nil session")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(), data)
	}); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *BadgerStore) Clear(_ context.Context) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key())
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
