// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeGoRecoversAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	var wg sync.WaitGroup

	SafeGo(&wg, "test.loop", logger, func() { panic("boom") })
	wg.Wait()

	assert.Contains(t, buf.String(), "Background task panicked")
	assert.Contains(t, buf.String(), "test.loop")
	assert.Contains(t, buf.String(), "boom")
}

func TestSafeGoRunsFn(t *testing.T) {
	var wg sync.WaitGroup
	ran := false
	SafeGo(&wg, "ok", nil, func() { ran = true })
	wg.Wait()
	assert.True(t, ran)
}

func TestRecoverPanic(t *testing.T) {
	var got PanicInfo
	func() {
		defer RecoverPanic("sync", func(p PanicInfo) { got = p })()
		panic(42)
	}()
	assert.Equal(t, "sync", got.Task)
	assert.Equal(t, 42, got.Value)
	assert.NotEmpty(t, got.Stack)
	assert.Equal(t, "panic in sync: 42", got.Error())
}
