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
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/modelkeeper/internal/failure"
)

// DefaultSpaceMargin is the extra fraction of free space required on top of
// the bytes still to download.
const DefaultSpaceMargin = 0.10

// DiskSpaceFunc returns the bytes available to unprivileged users on the
// filesystem holding path.
type DiskSpaceFunc func(path string) (int64, error)

// AvailableBytes is the statfs-backed DiskSpaceFunc. For a path that does
// not exist yet the nearest existing ancestor is measured.
func AvailableBytes(path string) (int64, error) {
	checkPath := path
	for {
		if _, err := os.Stat(checkPath); err == nil {
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			break
		}
		checkPath = parent
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(checkPath, &stat); err != nil {
		return 0, fmt.Errorf("statfs failed for %s: %w", checkPath, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// CheckFreeSpace fails fast when the filesystem under dir cannot hold
// required bytes plus margin.
//
// # Outputs
//
//   - error: nil when there is room; a Storage or Permission *failure.Error
//     otherwise.
func CheckFreeSpace(dir string, required int64, margin float64, available DiskSpaceFunc) error {
	if required <= 0 {
		return nil
	}
	if available == nil {
		available = AvailableBytes
	}
	need := required + int64(float64(required)*margin)

	have, err := available(dir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return &failure.Error{
				Kind:        failure.Permission,
				Op:          "preflight",
				Message:     "Cannot check disk space: permission denied",
				Detail:      err.Error(),
				Remediation: fmt.Sprintf("Check permissions: ls -la %s", dir),
				Err:         err,
			}
		}
		return &failure.Error{
			Kind:        failure.Storage,
			Op:          "preflight",
			Message:     "Failed to check disk space",
			Detail:      err.Error(),
			Remediation: "Check if the filesystem is accessible",
			Err:         err,
		}
	}

	if have < need {
		return &failure.Error{
			Kind:    failure.Storage,
			Op:      "preflight",
			Message: fmt.Sprintf("Insufficient disk space: need %s, have %s", formatBytes(need), formatBytes(have)),
			Detail:  fmt.Sprintf("Model storage path: %s", dir),
			Remediation: fmt.Sprintf("Free up at least %s and try again.",
				formatBytes(need-have)),
			Err: ErrInsufficientSpace,
		}
	}
	return nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
