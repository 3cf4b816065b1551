// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// StatusError is returned for non-2xx responses from the repository.
type StatusError struct {
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected HTTP status: %s", e.Status)
	}
	return fmt.Sprintf("unexpected HTTP status: %d", e.StatusCode)
}

// Classify maps an arbitrary error onto a Kind.
//
// # Description
//
// Typed checks run first (context errors, status errors, errno values,
// net.Error), then the message is matched against known patterns, the same
// way the connectivity check classifies probe errors.
//
// # Inputs
//
//   - err: Any error. nil classifies as Unclassified.
//
// # Outputs
//
//   - Kind: Best-effort category.
func Classify(err error) Kind {
	if err == nil {
		return Unclassified
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unclassified {
		return fe.Kind
	}

	if errors.Is(err, context.Canceled) {
		return UserCancelled
	}

	var se *StatusError
	if errors.As(err, &se) {
		return Server
	}

	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT), errors.Is(err, syscall.EROFS):
		return Storage
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return Permission
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF):
		return Network
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.EPIPE):
		return Network
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Network
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "no space left", "disk full", "quota exceeded", "read-only file system"):
		return Storage
	case containsAny(msg, "permission denied", "access is denied", "operation not permitted"):
		return Permission
	case containsAny(msg, "checksum", "hash mismatch", "size mismatch", "corrupt"):
		return Integrity
	case containsAny(msg, "timeout", "deadline exceeded", "no such host", "connection refused",
		"connection reset", "network unreachable", "network is unreachable", "broken pipe",
		"tls handshake", "unexpected eof"):
		return Network
	case containsAny(msg, "status 5", "status 4", "unexpected http status"):
		return Server
	}

	return Unclassified
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
