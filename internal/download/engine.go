// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package download fetches single artifact files with byte-range resumption,
// per-file retry with exponential backoff, and post-download validation.
//
// # Description
//
// Bytes are streamed into "<dest>.part". The part file is renamed to dest
// only after it passes manifest.VerifyFile, so a file under its final name
// is always complete. The size of the part file is the resume offset after
// a process restart.
//
// Files are fetched one at a time; the Engine has no internal parallelism.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/manifest"
)

const (
	// DefaultChunkSize is the streaming buffer size.
	DefaultChunkSize = 64 * 1024

	// DefaultMaxAttempts is the per-file attempt budget.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the backoff before the second attempt.
	DefaultBaseDelay = time.Second

	// DefaultProgressInterval bounds progress callbacks to ~10 per second.
	DefaultProgressInterval = 100 * time.Millisecond

	// PartSuffix is appended to the destination while a file is in flight.
	PartSuffix = ".part"
)

// ErrAttemptsExhausted is wrapped into the error returned when every
// attempt for a file failed.
var ErrAttemptsExhausted = errors.New("download attempts exhausted")

// Config controls the Engine.
type Config struct {
	// ChunkSize is the read/write buffer size in bytes.
	ChunkSize int

	// MaxAttempts is the number of attempts per file, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt; each further
	// failure doubles it.
	BaseDelay time.Duration

	// BandwidthLimit caps throughput in bytes per second. 0 disables it.
	BandwidthLimit int64

	// ProgressInterval is the minimum time between progress callbacks.
	ProgressInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		MaxAttempts:      DefaultMaxAttempts,
		BaseDelay:        DefaultBaseDelay,
		ProgressInterval: DefaultProgressInterval,
	}
}

// ProgressFunc receives byte deltas. A negative delta means bytes counted
// earlier were discarded (failed attempt, server ignored the range).
type ProgressFunc func(delta int64)

// Result describes a finished fetch.
type Result struct {
	// Name is the manifest entry name.
	Name string

	// BytesWritten is the final size of the file on disk.
	BytesWritten int64

	// Resumed is true when the transfer continued from a non-zero offset.
	Resumed bool

	// Attempts is the number of attempts used (FetchWithRetry only).
	Attempts int

	// Duration is the wall time of the last attempt.
	Duration time.Duration
}

// Request is the input of FetchWithRetry.
type Request struct {
	Spec manifest.FileSpec

	// URL is the resolved source URL.
	URL string

	// Dest is the final local path.
	Dest string

	// ResumeOffset is the number of bytes already in Dest+PartSuffix.
	ResumeOffset int64

	// OnBytes receives throttled progress deltas. May be nil.
	OnBytes ProgressFunc

	// OnAttemptFailed runs after every failed attempt that was not a
	// cancellation, before any backoff. May be nil.
	OnAttemptFailed func(attempt int, err error)
}

// Engine downloads artifact files from a Source.
//
// # Thread Safety
//
// Engine is safe for concurrent use, but callers are expected to fetch
// files sequentially.
type Engine struct {
	source  Source
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewEngine creates an Engine. Zero fields of cfg take their defaults.
func NewEngine(source Source, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{source: source, cfg: cfg, logger: logger}
	if cfg.BandwidthLimit > 0 {
		burst := cfg.ChunkSize
		if int64(burst) < cfg.BandwidthLimit {
			burst = int(cfg.BandwidthLimit)
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)
	}
	return e
}

// PartPath returns the in-flight path for dest.
func PartPath(dest string) string {
	return dest + PartSuffix
}

// PartSize returns the size of dest's part file, or 0 if there is none.
func PartSize(dest string) int64 {
	info, err := os.Stat(PartPath(dest))
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return info.Size()
}

// FetchFile performs one attempt to download spec into dest.
//
// # Description
//
// Opens the source at resumeOffset (clamped to the part file's real size),
// streams fixed-size chunks into the part file, fsyncs, validates with
// manifest.VerifyFile and renames the part file to dest. On validation
// failure the part file is deleted and an Integrity failure returned.
// Transport failures and cancellation leave the partial bytes on disk.
//
// # Inputs
//
//   - ctx: Cancels the transfer. Cancellation yields a UserCancelled failure.
//   - spec: Manifest entry being fetched.
//   - rawURL: Resolved source URL.
//   - dest: Final local path.
//   - resumeOffset: Bytes already present in the part file.
//   - onBytes: Throttled progress callback; the final delta is always
//     delivered before FetchFile returns. May be nil.
//
// # Outputs
//
//   - Result: Final size and timing.
//   - error: *failure.Error describing the failure kind.
func (e *Engine) FetchFile(ctx context.Context, spec manifest.FileSpec, rawURL, dest string, resumeOffset int64, onBytes ProgressFunc) (res Result, err error) {
	start := time.Now()
	res.Name = spec.Name
	progress := newThrottle(onBytes, e.cfg.ProgressInterval)
	defer progress.flush()
	defer func() {
		res.Duration = time.Since(start)
		switch {
		case err == nil:
			fetchAttempts.WithLabelValues("success").Inc()
			fetchDuration.Observe(res.Duration.Seconds())
		case failure.IsCancelled(err):
			fetchAttempts.WithLabelValues("cancelled").Inc()
		default:
			fetchAttempts.WithLabelValues("failure").Inc()
		}
	}()

	if err := ctx.Err(); err != nil {
		return res, failure.Wrap(err, failure.UserCancelled, "fetch")
	}

	part := PartPath(dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return res, fileError(err, failure.Storage, spec.Name)
	}
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return res, fileError(err, failure.Storage, spec.Name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, fileError(err, failure.Storage, spec.Name)
	}
	if resumeOffset < 0 || resumeOffset > info.Size() {
		resumeOffset = min(max(resumeOffset, 0), info.Size())
	}
	if err := f.Truncate(resumeOffset); err != nil {
		return res, fileError(err, failure.Storage, spec.Name)
	}
	written := resumeOffset

	if spec.ExpectedSizeBytes <= 0 || resumeOffset < spec.ExpectedSizeBytes {
		stream, err := e.source.Open(ctx, rawURL, resumeOffset)
		if err != nil {
			return res, fetchError(ctx, err, spec.Name, failure.Network)
		}
		defer stream.Body.Close()

		if stream.Offset != resumeOffset {
			e.logger.Debug("Source ignored range, restarting file",
				"file", spec.Name, "requested_offset", resumeOffset, "offset", stream.Offset)
			if err := f.Truncate(stream.Offset); err != nil {
				return res, fileError(err, failure.Storage, spec.Name)
			}
			progress.add(stream.Offset - written)
			written = stream.Offset
		}
		res.Resumed = written > 0
		if _, err := f.Seek(written, io.SeekStart); err != nil {
			return res, fileError(err, failure.Storage, spec.Name)
		}

		written, err = e.copyStream(ctx, f, stream.Body, spec, written, progress)
		if err != nil {
			res.BytesWritten = written
			if failure.KindOf(err) == failure.Integrity {
				progress.add(-discard(part))
			}
			return res, err
		}
	}

	if err := f.Sync(); err != nil {
		return res, fileError(err, failure.Storage, spec.Name)
	}
	if err := f.Close(); err != nil {
		return res, fileError(err, failure.Storage, spec.Name)
	}
	res.BytesWritten = written

	if err := manifest.VerifyFile(ctx, part, spec); err != nil {
		if failure.KindOf(err) == failure.Integrity {
			progress.add(-discard(part))
		}
		return res, err
	}
	if err := os.Rename(part, dest); err != nil {
		return res, fileError(err, failure.Storage, spec.Name)
	}

	e.logger.Debug("File downloaded", "file", spec.Name, "bytes", written, "resumed", res.Resumed)
	return res, nil
}

// copyStream writes body into f starting at written and returns the new
// total. Bytes beyond the size tolerance abort with an Integrity failure.
func (e *Engine) copyStream(ctx context.Context, f *os.File, body io.Reader, spec manifest.FileSpec, written int64, progress *throttle) (int64, error) {
	var ceiling int64
	if spec.ExpectedSizeBytes > 0 {
		ceiling = spec.ExpectedSizeBytes + manifest.SizeTolerance(spec.ExpectedSizeBytes)
	}

	buf := make([]byte, e.cfg.ChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return written, fetchError(ctx, err, spec.Name, failure.Network)
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return written, fileError(err, failure.Storage, spec.Name)
			}
			written += int64(n)
			bytesDownloaded.Add(float64(n))
			progress.add(int64(n))

			if ceiling > 0 && written > ceiling {
				return written, &failure.Error{
					Kind:    failure.Integrity,
					Op:      "fetch",
					File:    spec.Name,
					Message: "size mismatch",
					Detail:  fmt.Sprintf("received more than %d bytes", ceiling),
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fetchError(ctx, rerr, spec.Name, failure.Network)
		}
	}
}

// FetchWithRetry fetches req.Spec with the configured attempt budget.
//
// # Description
//
// Attempt n waits BaseDelay*2^(n-1) after failing before attempt n+1 runs.
// A failed attempt's partial bytes are deleted before the next attempt.
// After the last attempt partial bytes are kept only for Network failures,
// so a later process can resume them. Cancellation returns immediately and
// keeps partial bytes. Non-retriable kinds (Storage, Permission) stop at the
// first failure.
//
// # Outputs
//
//   - Result: Result of the last attempt.
//   - error: nil on success; on exhaustion a *failure.Error of the last
//     failure's kind wrapping ErrAttemptsExhausted.
func (e *Engine) FetchWithRetry(ctx context.Context, req Request) (Result, error) {
	offset := req.ResumeOffset
	var (
		res     Result
		lastErr error
	)

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		var err error
		res, err = e.FetchFile(ctx, req.Spec, req.URL, req.Dest, offset, req.OnBytes)
		res.Attempts = attempt
		if err == nil {
			return res, nil
		}
		if failure.IsCancelled(err) {
			return res, err
		}

		lastErr = err
		kind := failure.KindOf(err)
		fetchFailures.WithLabelValues(kind.Tag()).Inc()
		e.logger.Warn("Download attempt failed",
			"file", req.Spec.Name, "attempt", attempt, "max_attempts", e.cfg.MaxAttempts,
			"kind", kind.String(), "error", err)

		if req.OnAttemptFailed != nil {
			req.OnAttemptFailed(attempt, err)
		}
		if attempt == e.cfg.MaxAttempts || !kind.Retriable() {
			break
		}

		e.discardPartial(req.Dest, req.OnBytes)
		offset = 0

		delay := e.cfg.BaseDelay * time.Duration(1<<(attempt-1))
		if err := sleepCtx(ctx, delay); err != nil {
			return res, failure.Wrap(err, failure.UserCancelled, "fetch")
		}
	}

	kind := failure.KindOf(lastErr)
	if kind != failure.Network {
		e.discardPartial(req.Dest, req.OnBytes)
	}
	if res.Attempts < e.cfg.MaxAttempts {
		return res, lastErr
	}
	return res, &failure.Error{
		Kind:    kind,
		Op:      "fetch",
		File:    req.Spec.Name,
		Message: fmt.Sprintf("gave up after %d attempts", res.Attempts),
		Err:     fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr),
	}
}

func (e *Engine) discardPartial(dest string, onBytes ProgressFunc) {
	n := discard(PartPath(dest))
	if n > 0 && onBytes != nil {
		onBytes(-n)
	}
}

// discard removes path and returns how many bytes it held.
func discard(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if err := os.Remove(path); err != nil {
		return 0
	}
	return info.Size()
}

func fetchError(ctx context.Context, err error, name string, fallback failure.Kind) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		err = ctxErr
	}
	kind := failure.Classify(err)
	if kind == failure.Unclassified {
		kind = fallback
	}
	return &failure.Error{Kind: kind, Op: "fetch", File: name, Err: err}
}

func fileError(err error, fallback failure.Kind, name string) error {
	kind := failure.Classify(err)
	if kind == failure.Unclassified || kind == failure.Network {
		kind = fallback
	}
	return &failure.Error{Kind: kind, Op: "write", File: name, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
