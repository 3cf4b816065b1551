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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/modelkeeper/internal/download"
	"github.com/AleutianAI/modelkeeper/internal/engine"
	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/manifest"
	"github.com/AleutianAI/modelkeeper/internal/netmon"
	"github.com/AleutianAI/modelkeeper/internal/session"
	"github.com/AleutianAI/modelkeeper/internal/telemetry"
	"github.com/AleutianAI/modelkeeper/internal/util"
)

// Downloader fetches one file with its retry budget.
type Downloader interface {
	FetchWithRetry(ctx context.Context, req download.Request) (download.Result, error)
}

// Connectivity is the slice of the network monitor the controller needs.
type Connectivity interface {
	Status() netmon.NetworkStatus
	ResetAutoResume()
}

// Options wires a Controller.
type Options struct {
	// Manifest describes the model version. Required.
	Manifest *manifest.Manifest

	// Dir is the artifact directory of this model version. Required.
	Dir string

	// Store persists the download session. Required.
	Store session.Store

	// Downloader fetches files. Required.
	Downloader Downloader

	// Loader builds the inference engine. Defaults to engine.FileSetLoader.
	Loader engine.Loader

	// Network enables the connectivity pre-flight check. Optional.
	Network Connectivity

	// SpaceMargin is the free-space safety margin. Defaults to
	// DefaultSpaceMargin.
	SpaceMargin float64

	// DiskSpace measures free space. Defaults to AvailableBytes.
	DiskSpace DiskSpaceFunc

	// Hub receives events. A new Hub is created when nil.
	Hub *Hub

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Controller is the lifecycle state machine for one model version.
//
// # Description
//
// Exactly one state is current at a time and it only changes through the
// transition table. State changes happen under a mutex that is never held
// across I/O, so State never blocks.
//
// Only one Acquire may run: an in-process atomic guard rejects a second
// caller at once, and an advisory flock on the artifact directory rejects
// other processes.
//
// # Thread Safety
//
// Controller is safe for concurrent use.
type Controller struct {
	m           *manifest.Manifest
	dir         string
	store       session.Store
	dl          Downloader
	loader      engine.Loader
	net         Connectivity
	spaceMargin float64
	diskSpace   DiskSpaceFunc
	hub         *Hub
	ownsHub     bool
	logger      *slog.Logger
	now         func() time.Time

	acquiring atomic.Bool
	opMu      sync.Mutex

	mu       sync.Mutex
	state    State
	handle   engine.Handle
	progress float64
	sess     *session.DownloadSession
	lastErr  string
}

// NewController validates opts and returns a controller in NotAcquired.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Manifest == nil:
		return nil, errors.New("manifest is required")
	case opts.Dir == "":
		return nil, errors.New("artifact directory is required")
	case opts.Store == nil:
		return nil, errors.New("session store is required")
	case opts.Downloader == nil:
		return nil, errors.New("downloader is required")
	}

	c := &Controller{
		m:           opts.Manifest,
		dir:         opts.Dir,
		store:       opts.Store,
		dl:          opts.Downloader,
		loader:      opts.Loader,
		net:         opts.Network,
		spaceMargin: opts.SpaceMargin,
		diskSpace:   opts.DiskSpace,
		hub:         opts.Hub,
		logger:      opts.Logger,
		now:         time.Now,
		state:       NotAcquired,
	}
	if c.loader == nil {
		c.loader = engine.FileSetLoader{}
	}
	if c.spaceMargin <= 0 {
		c.spaceMargin = DefaultSpaceMargin
	}
	if c.diskSpace == nil {
		c.diskSpace = AvailableBytes
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.hub == nil {
		c.hub = NewHub(c.logger)
		c.ownsHub = true
	}
	recordState(c.m.ModelVersion, NotAcquired)
	return c, nil
}

// State implements Manager.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether an Acquire is running in this process.
func (c *Controller) Busy() bool {
	return c.acquiring.Load()
}

// Dir returns the artifact directory.
func (c *Controller) Dir() string {
	return c.dir
}

// Manifest returns the manifest the controller serves.
func (c *Controller) Manifest() *manifest.Manifest {
	return c.m
}

// Subscribe implements Manager.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.hub.Subscribe()
}

// Info implements Manager.
func (c *Controller) Info(ctx context.Context) (Info, error) {
	c.mu.Lock()
	info := Info{
		State:        c.state,
		ModelVersion: c.m.ModelVersion,
		Dir:          c.dir,
		Progress:     c.progress,
		Busy:         c.acquiring.Load(),
		Session:      c.sess.Clone(),
		LastError:    c.lastErr,
	}
	c.mu.Unlock()

	if info.Session == nil {
		sess, err := c.store.Load(ctx)
		if err != nil {
			return info, err
		}
		info.Session = sess
	}
	if info.State == Acquired || info.State == Ready {
		info.Progress = 100
	}
	return info, nil
}

// Verify implements Manager.
func (c *Controller) Verify(ctx context.Context) ([]FileCheck, error) {
	checks := make([]FileCheck, 0, len(c.m.Files))
	for _, spec := range c.m.Files {
		check := FileCheck{Name: spec.Name, Required: spec.Required, Valid: true}
		if err := manifest.VerifyFile(ctx, c.path(spec), spec); err != nil {
			if failure.IsCancelled(err) {
				return nil, err
			}
			check.Valid = false
			check.Problem = err.Error()
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// IsAcquired implements Manager. Every required file is re-validated on
// each call; nothing is cached.
func (c *Controller) IsAcquired(ctx context.Context) (bool, error) {
	for _, spec := range c.m.Required() {
		err := manifest.VerifyFile(ctx, c.path(spec), spec)
		if err == nil {
			continue
		}
		if failure.KindOf(err) == failure.Integrity {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ResumePending reports whether an incomplete session is stored.
func (c *Controller) ResumePending(ctx context.Context) bool {
	sess, err := c.store.Load(ctx)
	return err == nil && sess != nil && !sess.IsCompleted
}

// Acquire implements Manager.
//
// # Description
//
// Idempotent: in Acquired or Ready it reports 100 and returns without any
// network request. Otherwise it loads or creates the session, re-validates
// every manifest entry, runs the pre-flight checks for the remaining files
// (connectivity, free space), then fetches the remaining files strictly in
// manifest order. The session is saved after every completion and every
// failed attempt.
//
// A failing optional file is logged and skipped. A failing required file
// moves the controller to Faulted. Cancellation moves it back to
// NotAcquired, keeps partial bytes, and is not published as an error.
//
// # Outputs
//
//   - error: ErrAcquireInProgress when another acquisition holds the guard
//     or the directory lock; a *failure.Error otherwise.
func (c *Controller) Acquire(ctx context.Context, progress ProgressFunc) error {
	return c.acquire(ctx, progress, false)
}

type fileTask struct {
	spec   manifest.FileSpec
	url    string
	dest   string
	offset int64
	done   bool
}

func (c *Controller) acquire(ctx context.Context, progress ProgressFunc, auto bool) (err error) {
	if !c.acquiring.CompareAndSwap(false, true) {
		return ErrAcquireInProgress
	}
	defer c.acquiring.Store(false)

	start := time.Now()
	outcome := "failure"
	defer func() {
		acquireDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	ctx, finish := telemetry.StartSpan(ctx, "lifecycle.acquire", map[string]string{
		"model_version": c.m.ModelVersion,
		"auto":          strconv.FormatBool(auto),
	})
	defer func() { finish(err) }()

	switch st := c.State(); st {
	case Acquired, Ready:
		outcome = "noop"
		c.reportProgress(progress, 100)
		return nil
	case Loading, Downloading:
		return fmt.Errorf("%w: acquire while %s", ErrInvalidTransition, st)
	}

	lock := NewFileLock(c.dir)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return fmt.Errorf("%w: directory locked by pid %d", ErrAcquireInProgress, lock.HolderPID())
		}
		err = failure.Wrap(err, failure.Storage, "lock")
		c.notify(err)
		return err
	}
	defer lock.Release()

	if !auto && c.net != nil {
		c.net.ResetAutoResume()
	}
	if c.State() == Faulted {
		if err := c.transition(NotAcquired, "reset before acquire"); err != nil {
			return err
		}
	}

	sess, resumed, err := c.openSession(ctx)
	if err != nil {
		return failure.Wrap(err, failure.Storage, "session")
	}
	tasks, err := c.plan(ctx, sess, resumed)
	if err != nil {
		if !failure.IsCancelled(err) {
			c.notify(err)
		}
		return err
	}

	tracker := newProgressTracker(c.m, func(p float64) { c.reportProgress(progress, p) })
	var remaining int64
	pending := 0
	for _, t := range tasks {
		if t.done {
			tracker.complete(t.spec)
			continue
		}
		pending++
		if t.spec.ExpectedSizeBytes > t.offset {
			remaining += t.spec.ExpectedSizeBytes - t.offset
		}
	}
	if pending > 0 {
		if err := c.preflight(remaining); err != nil {
			c.notify(err)
			return err
		}
	}

	if err := c.transition(Downloading, "start download"); err != nil {
		return err
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	if err := c.saveSession(ctx); err != nil {
		return c.fault(err, tracker)
	}
	runStart := c.now()

	c.logger.Info("Acquiring model",
		"model_version", c.m.ModelVersion, "files_remaining", pending,
		"bytes_remaining", remaining, "resumed", resumed, "auto", auto)

	for _, t := range tasks {
		if t.done {
			continue
		}
		tracker.begin(t.spec, t.offset)

		res, ferr := c.dl.FetchWithRetry(ctx, download.Request{
			Spec:         t.spec,
			URL:          t.url,
			Dest:         t.dest,
			ResumeOffset: t.offset,
			OnBytes:      tracker.addBytes,
			OnAttemptFailed: func(attempt int, aerr error) {
				c.withSession(func(s *session.DownloadSession) {
					s.File(t.spec.Name).Retries++
					s.SetBytes(t.spec.Name, download.PartSize(t.dest))
					s.LastError = aerr.Error()
				})
				if serr := c.saveSession(ctx); serr != nil {
					c.logger.Warn("Failed to save session after failed attempt", "file", t.spec.Name, "error", serr)
				}
			},
		})

		switch {
		case ferr == nil:
			c.withSession(func(s *session.DownloadSession) {
				s.SetBytes(t.spec.Name, res.BytesWritten)
				s.File(t.spec.Name).Completed = true
			})
			if err := c.saveSession(ctx); err != nil {
				return c.fault(err, tracker)
			}
			tracker.complete(t.spec)

		case failure.IsCancelled(ferr):
			c.withSession(func(s *session.DownloadSession) {
				s.SetBytes(t.spec.Name, download.PartSize(t.dest))
				s.TotalElapsed += c.now().Sub(runStart)
			})
			if err := c.saveSession(ctx); err != nil {
				c.logger.Warn("Failed to save session on cancellation", "error", err)
			}
			tracker.flush()
			outcome = "cancelled"
			c.logger.Info("Acquisition cancelled", "file", t.spec.Name, "partial_bytes", download.PartSize(t.dest))
			if err := c.transition(NotAcquired, "cancelled"); err != nil {
				return err
			}
			return ferr

		case !t.spec.Required:
			c.logger.Warn("Optional file failed, continuing", "file", t.spec.Name, "error", ferr)
			c.withSession(func(s *session.DownloadSession) {
				s.SetBytes(t.spec.Name, download.PartSize(t.dest))
				s.LastError = ferr.Error()
			})
			if err := c.saveSession(ctx); err != nil {
				return c.fault(err, tracker)
			}
			tracker.complete(t.spec)

		default:
			c.withSession(func(s *session.DownloadSession) {
				s.SetBytes(t.spec.Name, download.PartSize(t.dest))
				s.LastError = ferr.Error()
				s.TotalElapsed += c.now().Sub(runStart)
			})
			if err := c.saveSession(ctx); err != nil {
				c.logger.Warn("Failed to save session after file failure", "error", err)
			}
			return c.fault(ferr, tracker)
		}
	}

	c.withSession(func(s *session.DownloadSession) {
		s.IsCompleted = true
		s.LastError = ""
		s.TotalElapsed += c.now().Sub(runStart)
	})
	if err := c.saveSession(ctx); err != nil {
		return c.fault(err, tracker)
	}
	if err := c.transition(Acquired, "all required files validated"); err != nil {
		return err
	}
	tracker.finish()
	if c.net != nil {
		c.net.ResetAutoResume()
	}
	outcome = "success"
	return nil
}

// openSession resumes an incomplete stored session or starts a new one.
func (c *Controller) openSession(ctx context.Context) (*session.DownloadSession, bool, error) {
	sess, err := c.store.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	if sess != nil && !sess.IsCompleted {
		sess.MarkResumed(c.now())
		return sess, true, nil
	}
	return session.New(c.m.ModelVersion), false, nil
}

// plan validates every manifest entry and decides where each remaining file
// resumes. Partial bytes are trusted only when a stored session is resumed.
func (c *Controller) plan(ctx context.Context, sess *session.DownloadSession, resumed bool) ([]fileTask, error) {
	tasks := make([]fileTask, 0, len(c.m.Files))
	for _, spec := range c.m.Files {
		url, err := c.m.ResolveURL(spec)
		if err != nil {
			return nil, &failure.Error{Kind: failure.Unclassified, Op: "plan", File: spec.Name, Err: err}
		}
		t := fileTask{spec: spec, url: url, dest: c.path(spec)}

		verr := manifest.VerifyFile(ctx, t.dest, spec)
		switch {
		case verr == nil:
			t.done = true
			if info, err := os.Stat(t.dest); err == nil {
				sess.SetBytes(spec.Name, info.Size())
			}
			sess.File(spec.Name).Completed = true
		case failure.IsCancelled(verr):
			return nil, verr
		default:
			sess.File(spec.Name).Completed = false
			if _, err := os.Stat(t.dest); err == nil {
				c.logger.Warn("Discarding invalid artifact file", "file", spec.Name, "error", verr)
				os.Remove(t.dest)
			}
			if resumed {
				t.offset = download.PartSize(t.dest)
			} else {
				os.Remove(download.PartPath(t.dest))
			}
			sess.SetBytes(spec.Name, t.offset)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (c *Controller) preflight(remaining int64) error {
	if c.net != nil {
		if st := c.net.Status(); !st.ObservedAt.IsZero() && !st.IsConnected {
			return &failure.Error{
				Kind:        failure.Network,
				Op:          "preflight",
				Message:     "The network is unavailable",
				Remediation: "Check your connection; the download resumes automatically once it is back.",
				Err:         ErrOffline,
			}
		}
	}
	return CheckFreeSpace(c.dir, remaining, c.spaceMargin, c.diskSpace)
}

// fault moves Downloading -> Faulted and publishes err.
func (c *Controller) fault(err error, tracker *progressTracker) error {
	tracker.flush()
	if terr := c.transition(Faulted, "required file failed"); terr != nil {
		c.logger.Error("Failed to enter faulted state", "error", terr)
	}
	c.notify(err)
	return err
}

// Load implements Manager.
func (c *Controller) Load(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, finish := telemetry.StartSpan(ctx, "lifecycle.load", map[string]string{"model_version": c.m.ModelVersion})
	defer func() { finish(err) }()

	switch st := c.State(); st {
	case Ready:
		return nil
	case Acquired:
	default:
		return fmt.Errorf("%w: %w (state %s)", ErrInvalidTransition, ErrNotAcquired, st)
	}

	if err := c.transition(Loading, "load requested"); err != nil {
		return err
	}
	handle, lerr := c.safeLoad(ctx)
	if lerr != nil {
		if handle != nil {
			handle.Close()
		}
		lerr = failure.Wrap(lerr, failure.Unclassified, "load")
		if terr := c.transition(Faulted, "engine initialization failed"); terr != nil {
			c.logger.Error("Failed to enter faulted state", "error", terr)
		}
		c.notify(lerr)
		return lerr
	}

	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	return c.transition(Ready, "engine initialized")
}

func (c *Controller) safeLoad(ctx context.Context) (h engine.Handle, err error) {
	defer util.RecoverPanic("lifecycle.load", func(p util.PanicInfo) {
		c.logger.Error("Inference engine panicked during load", "panic", p.Value, "stack", p.Stack)
		h, err = nil, p
	})()
	return c.loader.Load(ctx, c.dir)
}

// Unload implements Manager. It never fails; a Close error is logged.
func (c *Controller) Unload(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.releaseHandle()
	if c.State() == Ready {
		return c.transition(Acquired, "unload requested")
	}
	return nil
}

func (c *Controller) releaseHandle() {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		c.logger.Warn("Engine handle did not close cleanly", "error", err)
	}
}

// Delete implements Manager.
func (c *Controller) Delete(ctx context.Context) (err error) {
	if c.acquiring.Load() {
		return ErrAcquireInProgress
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, finish := telemetry.StartSpan(ctx, "lifecycle.delete", map[string]string{"model_version": c.m.ModelVersion})
	defer func() { finish(err) }()

	st := c.State()
	if st == Loading || st == Downloading {
		return fmt.Errorf("%w: delete while %s", ErrInvalidTransition, st)
	}
	c.releaseHandle()

	lock := NewFileLock(c.dir)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return ErrAcquireInProgress
		}
		err = failure.Wrap(err, failure.Storage, "delete")
		c.notify(err)
		return err
	}
	defer lock.Release()

	if err := os.RemoveAll(c.dir); err != nil {
		err = failure.Wrap(err, failure.Classify(err), "delete")
		c.notify(err)
		return err
	}
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("Failed to clear session", "error", err)
	}

	c.mu.Lock()
	c.sess = nil
	c.progress = 0
	c.lastErr = ""
	c.mu.Unlock()

	c.logger.Info("Model deleted", "model_version", c.m.ModelVersion, "dir", c.dir)
	if st == NotAcquired {
		return nil
	}
	return c.transition(NotAcquired, "delete requested")
}

// Close releases the engine handle and, if the controller created it, the
// event hub.
func (c *Controller) Close() {
	c.releaseHandle()
	if c.ownsHub {
		c.hub.Close()
	}
}

func (c *Controller) path(spec manifest.FileSpec) string {
	return filepath.Join(c.dir, filepath.FromSlash(spec.Name))
}

func (c *Controller) transition(to State, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	if to == Downloading {
		c.progress = 0
	}

	transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	recordState(c.m.ModelVersion, to)
	c.logger.Info("Lifecycle transition",
		"model_version", c.m.ModelVersion, "from", from.String(), "to", to.String(), "reason", reason)
	c.hub.Publish(Event{Kind: EventState, From: from, To: to, At: c.now()})
	return nil
}

func (c *Controller) reportProgress(sink ProgressFunc, p float64) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()
	if sink != nil {
		sink(p)
	}
	c.hub.Publish(Event{Kind: EventProgress, Progress: p, At: c.now()})
}

// notify publishes err on the error stream. Cancellation is never
// published.
func (c *Controller) notify(err error) {
	if err == nil || failure.IsCancelled(err) {
		return
	}
	n := failure.NewNotice(err, noticeDetail(err))
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.hub.Publish(Event{Kind: EventError, Notice: &n, At: n.At})
}

// noticeDetail builds the free-text detail without the wrapped cause, which
// may carry paths or URLs.
func noticeDetail(err error) string {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return ""
	}
	msg := fe.Message
	if msg == "" {
		msg = fe.Kind.UserMessage()
	}
	if fe.File != "" {
		return fe.File + ": " + msg
	}
	return msg
}

func (c *Controller) withSession(fn func(*session.DownloadSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		fn(c.sess)
	}
}

// saveSession persists a snapshot of the current session. A cancelled ctx
// does not prevent the write.
func (c *Controller) saveSession(ctx context.Context) error {
	c.mu.Lock()
	snap := c.sess.Clone()
	c.mu.Unlock()
	if snap == nil {
		return nil
	}
	if err := c.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		return failure.Wrap(err, failure.Storage, "session")
	}
	return nil
}
