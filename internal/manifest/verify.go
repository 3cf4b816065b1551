// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/modelkeeper/internal/failure"
)

// LargeFileThreshold is the size from which the relative size tolerance
// applies. Smaller files must match their expected size exactly.
const LargeFileThreshold int64 = 64 * 1024 * 1024

// ToleranceDivisor gives the 1% relative tolerance for large files.
const ToleranceDivisor int64 = 100

// SizeTolerance returns the number of bytes a file of the expected size may
// differ by and still be accepted.
func SizeTolerance(expected int64) int64 {
	if expected < LargeFileThreshold {
		return 0
	}
	return expected / ToleranceDivisor
}

// SizeAcceptable reports whether actual is within tolerance of expected.
// An unknown expected size (0) accepts any non-empty file.
func SizeAcceptable(expected, actual int64) bool {
	if expected <= 0 {
		return actual > 0
	}
	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= SizeTolerance(expected)
}

// VerifyFile validates the file at filePath against spec.
//
// # Description
//
// Checks existence, then size (with the large-file tolerance), then the
// SHA-256 digest when spec carries one. The file is re-read on every call;
// no result is cached.
//
// # Inputs
//
//   - ctx: Cancels the hash computation for large files.
//   - filePath: Local path to check.
//   - spec: Manifest entry describing the file.
//
// # Outputs
//
//   - error: nil when valid; *failure.Error with Kind Integrity on mismatch,
//     or the os error (wrapped) when the file cannot be read.
func VerifyFile(ctx context.Context, filePath string, spec FileSpec) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &failure.Error{Kind: failure.Integrity, Op: "verify", File: spec.Name, Message: "file is missing", Err: err}
		}
		return failure.Wrap(err, failure.Storage, "verify")
	}
	if info.IsDir() {
		return &failure.Error{Kind: failure.Integrity, Op: "verify", File: spec.Name, Message: "path is a directory"}
	}

	if !SizeAcceptable(spec.ExpectedSizeBytes, info.Size()) {
		return &failure.Error{
			Kind:    failure.Integrity,
			Op:      "verify",
			File:    spec.Name,
			Message: "size mismatch",
			Detail:  fmt.Sprintf("expected %d bytes (tolerance %d), found %d", spec.ExpectedSizeBytes, SizeTolerance(spec.ExpectedSizeBytes), info.Size()),
		}
	}

	if spec.ExpectedHash == "" {
		return nil
	}

	actual, err := HashFile(ctx, filePath)
	if err != nil {
		return err
	}
	if actual != spec.ExpectedHash {
		return &failure.Error{
			Kind:    failure.Integrity,
			Op:      "verify",
			File:    spec.Name,
			Message: "hash mismatch",
			Detail:  fmt.Sprintf("expected sha256 %s, found %s", spec.ExpectedHash, actual),
		}
	}
	return nil
}

// HashFile computes the hex SHA-256 digest of the file at filePath.
func HashFile(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", failure.Wrap(err, failure.Storage, "hash")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", failure.Wrap(err, failure.Storage, "hash")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
