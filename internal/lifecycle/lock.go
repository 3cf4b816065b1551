// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is the advisory lock kept in the artifact directory.
const LockFileName = ".lock"

// FileLock is an advisory flock(2) lock that keeps two processes from
// writing the same artifact directory.
//
// # Description
//
// Locks are per open file description, so two FileLocks on the same path
// exclude each other even inside one process. The lock file itself is left
// in place on Release; removing it would let a third party lock a fresh
// inode while the old one is still held.
//
// # Thread Safety
//
// FileLock is NOT safe for concurrent use. Each caller should have its own
// instance.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a lock for dir. The lock is not yet acquired.
func NewFileLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, LockFileName)}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking.
//
// # Outputs
//
//   - error: ErrLockHeld if another holder has it; other errors when the
//     lock file cannot be created.
func (l *FileLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLockHeld
		}
		return fmt.Errorf("flock: %w", err)
	}

	// Holder info for debugging; failures here are harmless.
	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))), 0)

	l.file = file
	return nil
}

// Release unlocks. Safe to call multiple times or on an unacquired lock.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// HolderPID returns the PID recorded by the last holder, or 0.
func (l *FileLock) HolderPID() int {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(content), "pid=%d", &pid); err != nil {
		return 0
	}
	return pid
}
