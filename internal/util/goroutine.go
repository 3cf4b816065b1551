// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds small helpers shared by the background loops.
package util

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// PanicInfo describes a panic recovered from a background task.
type PanicInfo struct {
	// Task names the loop that panicked (e.g. "netmon.poll").
	Task string

	// Value is the value passed to panic().
	Value interface{}

	// Stack is the stack trace at panic time.
	Stack string
}

// Error formats the panic as an error message.
func (p PanicInfo) Error() string {
	return fmt.Sprintf("panic in %s: %v", p.Task, p.Value)
}

// SafeGo runs fn in a goroutine tracked by wg and recovers panics.
//
// # Description
//
// Background loops (network polling, health checks, event pumps) must never
// take the process down. A recovered panic is logged with its stack at
// Error level; the task simply ends.
//
// # Inputs
//
//   - wg: Incremented before the goroutine starts, decremented when it ends.
//     May be nil.
//   - task: Name used in the log record.
//   - logger: Destination of the panic record. nil uses slog.Default().
//   - fn: The work to run.
func SafeGo(wg *sync.WaitGroup, task string, logger *slog.Logger, fn func()) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer RecoverPanic(task, func(p PanicInfo) {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("Background task panicked", "task", p.Task, "panic", p.Value, "stack", p.Stack)
		})()
		fn()
	}()
}

// RecoverPanic returns a function to defer that hands a recovered panic to
// onPanic. Must be invoked as defer RecoverPanic(task, handler)().
func RecoverPanic(task string, onPanic func(PanicInfo)) func() {
	return func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(PanicInfo{Task: task, Value: r, Stack: string(debug.Stack())})
			}
		}
	}
}
