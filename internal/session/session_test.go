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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory builds a fresh Store for modelVersion.
type storeFactory func(t *testing.T, modelVersion string) Store

func fileStoreFactory(dir string) storeFactory {
	return func(t *testing.T, modelVersion string) Store {
		return NewFileStore(dir, modelVersion, nil)
	}
}

func badgerStoreFactory(t *testing.T) storeFactory {
	db, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return func(t *testing.T, modelVersion string) Store {
		return NewBadgerStore(db, modelVersion, nil)
	}
}

func runStoreContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("absent loads as nil", func(t *testing.T) {
		s := factory(t, "v9.9.9")
		sess, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, sess)
	})

	t.Run("round trip", func(t *testing.T) {
		s := factory(t, "v1.0.0")
		sess := New("v1.0.0")
		sess.SetBytes("a.bin", 100)
		sess.File("a.bin").Completed = true
		sess.SetBytes("b.bin", 50)
		sess.File("b.bin").Retries = 2
		sess.MarkResumed(time.Now())

		require.NoError(t, s.Save(ctx, sess))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sess.SessionID, got.SessionID)
		assert.Equal(t, 1, got.ResumeCount)
		assert.Equal(t, int64(150), got.TotalBytesWritten)
		assert.True(t, got.Files["a.bin"].Completed)
		assert.Equal(t, int64(50), got.Files["b.bin"].BytesWritten)
		assert.Equal(t, 2, got.Files["b.bin"].Retries)
		require.NotNil(t, got.LastResumedAt)
	})

	t.Run("other model version is absent", func(t *testing.T) {
		require.NoError(t, factory(t, "v1.0.0").Save(ctx, New("v1.0.0")))

		got, err := factory(t, "v2.0.0").Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("clear", func(t *testing.T) {
		s := factory(t, "v1.0.0")
		require.NoError(t, s.Save(ctx, New("v1.0.0")))
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Clear(ctx))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, fileStoreFactory(t.TempDir()))
}

func TestBadgerStoreContract(t *testing.T) {
	runStoreContract(t, badgerStoreFactory(t))
}

func TestFileStoreCorruptedIsAbsent(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, "v1.0.0", nil)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0644))

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"format_version": 99, "session_id": "x"}`), 0644))
	got, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, "v1.0.0", nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(context.Background(), New("v1.0.0")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestFileStoreSaveWithCancelledContext(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	s := NewFileStore(dir, "v1.0.0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Save(ctx, New("v1.0.0")))
	_, err := os.Stat(s.Path())
	assert.NoError(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	sess := New("v1.0.0")
	sess.SetBytes("a", 10)
	sess.MarkResumed(time.Now())

	c := sess.Clone()
	c.SetBytes("a", 20)
	c.LastResumedAt = nil

	assert.Equal(t, int64(10), sess.Files["a"].BytesWritten)
	assert.NotNil(t, sess.LastResumedAt)
	assert.Nil(t, (*DownloadSession)(nil).Clone())
}
