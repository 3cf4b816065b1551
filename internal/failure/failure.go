// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package failure defines the failure taxonomy shared by every stage of the
// model acquisition pipeline.
//
// # Description
//
// Failures are classified into a small set of kinds so that callers can pick
// a retry or fallback strategy and a user-facing category without parsing
// error strings. Classification is heuristic: it never changes correctness,
// only how a failure is reported and whether it is retried.
//
// # Kinds
//
//	Network              - connection refused, reset, timeout, DNS
//	Storage              - disk full, I/O errors on the artifact directory
//	Permission           - permission denied on local paths
//	Integrity            - size or hash mismatch after download
//	Server               - non-2xx responses from the artifact repository
//	UserCancelled        - context cancellation (never reported as an error)
//	Unclassified         - everything else
//	AutoResumeExhausted  - automatic resumption gave up; needs the user
package failure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind categorizes a failure for programmatic handling.
type Kind int

const (
	// Unclassified is the zero value; the cause could not be identified.
	Unclassified Kind = iota

	// Network indicates connectivity problems talking to the repository.
	Network

	// Storage indicates local disk problems (space, I/O).
	Storage

	// Permission indicates the process cannot read or write a local path.
	Permission

	// Integrity indicates a downloaded file failed size or hash validation.
	Integrity

	// Server indicates the repository answered with a non-2xx status.
	Server

	// UserCancelled indicates the operation was cancelled by the caller.
	UserCancelled

	// AutoResumeExhausted indicates automatic resumption hit its cap.
	AutoResumeExhausted
)

// String returns the kind as an upper-case identifier for logging.
func (k Kind) String() string {
	switch k {
	case Network:
		return "NETWORK"
	case Storage:
		return "STORAGE"
	case Permission:
		return "PERMISSION"
	case Integrity:
		return "INTEGRITY"
	case Server:
		return "SERVER"
	case UserCancelled:
		return "USER_CANCELLED"
	case AutoResumeExhausted:
		return "AUTO_RESUME_EXHAUSTED"
	default:
		return "UNCLASSIFIED"
	}
}

// Tag returns the coarse category exposed to presentation code.
func (k Kind) Tag() string {
	switch k {
	case Network:
		return "network"
	case Storage:
		return "storage"
	case Permission:
		return "permission"
	case Integrity:
		return "corruption"
	case Server:
		return "server"
	case UserCancelled:
		return "user-cancelled"
	case AutoResumeExhausted:
		return "auto-resume-exhausted"
	default:
		return "unknown"
	}
}

// Retriable reports whether an automatic retry may succeed without the user
// changing anything.
func (k Kind) Retriable() bool {
	switch k {
	case Network, Integrity, Server, Unclassified:
		return true
	default:
		return false
	}
}

// RequiresUserAction reports whether the user has to intervene (free space,
// fix permissions, check the connection after auto-resume gave up).
func (k Kind) RequiresUserAction() bool {
	switch k {
	case Storage, Permission, AutoResumeExhausted:
		return true
	default:
		return false
	}
}

// UserMessage returns a short, non-leaking description of the kind.
func (k Kind) UserMessage() string {
	switch k {
	case Network:
		return "The model repository could not be reached"
	case Storage:
		return "There is not enough usable storage for the model"
	case Permission:
		return "The model directory is not accessible"
	case Integrity:
		return "A downloaded model file failed validation"
	case Server:
		return "The model repository returned an error"
	case UserCancelled:
		return "The operation was cancelled"
	case AutoResumeExhausted:
		return "Automatic download resumption stopped; retry manually"
	default:
		return "The model operation failed"
	}
}

// Error is the structured error carried through the pipeline.
//
// # Description
//
// Mirrors the message/detail/remediation shape used by the system checks:
// Message is safe to show, Detail carries technical context for debugging,
// Remediation suggests what to do. Err is the wrapped cause.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Op is the operation that failed (e.g. "fetch", "verify", "load").
	Op string

	// File is the manifest entry involved, if any.
	File string

	// Message is a human-readable description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.UserMessage()
	}
	switch {
	case e.Op != "" && e.File != "":
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.File, msg)
	case e.Op != "":
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// FullError returns a detailed message including remediation.
func (e *Error) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Error())
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// New creates an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind and operation to err. If err already is an *Error its
// kind is kept unless it was Unclassified; context cancellation always wins.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = UserCancelled
	case errors.As(err, &fe) && fe.Kind != Unclassified:
		kind = fe.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, classifying it when it is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return Unclassified
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unclassified {
		return fe.Kind
	}
	var kinded interface{ Kind() Kind }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return Classify(err)
}

// IsCancelled reports whether err represents user cancellation.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == UserCancelled
}

// sanitized is the error handed out by the resilience layer. Its text never
// contains paths, URLs or tokens from the underlying cause.
type sanitized struct {
	kind Kind
	err  error
}

func (s *sanitized) Error() string { return s.kind.UserMessage() }

// Is lets callers keep matching sentinels through a sanitized error.
func (s *sanitized) Is(target error) bool { return errors.Is(s.err, target) }

// Kind returns the failure kind behind the sanitized error.
func (s *sanitized) Kind() Kind { return s.kind }

// Sanitize returns an error whose text is only the kind's user message.
// errors.Is against the original chain keeps working.
func Sanitize(err error) error {
	if err == nil {
		return nil
	}
	return &sanitized{kind: KindOf(err), err: err}
}

// Notice is one entry of the error-notification stream.
type Notice struct {
	Kind               Kind      `json:"-"`
	Tag                string    `json:"kind"`
	Detail             string    `json:"detail"`
	Retriable          bool      `json:"retriable"`
	RequiresUserAction bool      `json:"requires_user_action"`
	At                 time.Time `json:"at"`
}

// NewNotice builds a Notice for err with free-text detail.
func NewNotice(err error, detail string) Notice {
	kind := KindOf(err)
	if detail == "" {
		detail = kind.UserMessage()
	}
	return Notice{
		Kind:               kind,
		Tag:                kind.Tag(),
		Detail:             detail,
		Retriable:          kind.Retriable(),
		RequiresUserAction: kind.RequiresUserAction(),
		At:                 time.Now(),
	}
}
