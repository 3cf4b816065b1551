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

import "errors"

// Sentinel errors for lifecycle operations.
var (
	// ErrAcquireInProgress is returned immediately when another Acquire is
	// running in this process or in another process on the same directory.
	ErrAcquireInProgress = errors.New("an acquisition is already in progress")

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("operation not allowed in current state")

	// ErrNotAcquired is returned by Load when the model is not acquired.
	ErrNotAcquired = errors.New("model is not acquired")

	// ErrOffline is returned by the pre-flight check when files remain and
	// the network monitor reports no connectivity.
	ErrOffline = errors.New("network is unavailable")

	// ErrLockHeld is returned by FileLock.Acquire when another holder has
	// the lock.
	ErrLockHeld = errors.New("lock is held by another process")

	// ErrInsufficientSpace is wrapped into the pre-flight storage failure.
	ErrInsufficientSpace = errors.New("insufficient disk space")
)
