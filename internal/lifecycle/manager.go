// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle owns the model's lifecycle state machine: manifest
// validation, download, load into the inference engine, unload and delete.
//
// # Description
//
// Controller is the single authority over the LifecycleState of one model
// version. It consults the manifest and the session store to decide which
// files remain, hands them one at a time to the download engine, aggregates
// weighted progress, and publishes state, progress and error events on a
// Hub. Supervisor runs the periodic health check and reconnect-driven
// auto-resume bound to a Controller's lifetime.
//
// # State Machine
//
//	NotAcquired --acquire--> Downloading --validated--> Acquired
//	Downloading --required file failed--> Faulted
//	Downloading --cancelled--> NotAcquired
//	Acquired --load--> Loading --ok--> Ready
//	Loading --error--> Faulted
//	Ready --unload--> Acquired
//	Acquired|Ready|Faulted --delete--> NotAcquired
//	Faulted --acquire (reset)--> NotAcquired
package lifecycle

import (
	"context"

	"github.com/AleutianAI/modelkeeper/internal/session"
)

// Manager is the operation surface shared by Controller and the resilience
// wrapper that decorates it.
type Manager interface {
	// State returns the current state. Never blocks.
	State() State

	// Info returns a snapshot for presentation.
	Info(ctx context.Context) (Info, error)

	// IsAcquired re-validates every required file on disk. A missing or
	// mismatching file yields false with a nil error.
	IsAcquired(ctx context.Context) (bool, error)

	// Verify re-validates every manifest entry and reports per file.
	Verify(ctx context.Context) ([]FileCheck, error)

	// Acquire downloads whatever is missing. progress may be nil.
	Acquire(ctx context.Context, progress ProgressFunc) error

	// Load constructs the inference engine from the acquired files.
	Load(ctx context.Context) error

	// Unload releases the engine handle. Always succeeds.
	Unload(ctx context.Context) error

	// Delete removes the artifact directory and the session.
	Delete(ctx context.Context) error

	// Subscribe streams state, progress and error events.
	Subscribe() (<-chan Event, func())
}

// Info is a point-in-time view of a managed model.
type Info struct {
	State        State                    `json:"state"`
	ModelVersion string                   `json:"model_version"`
	Dir          string                   `json:"dir"`
	Progress     float64                  `json:"progress"`
	Busy         bool                     `json:"busy"`
	Session      *session.DownloadSession `json:"session,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
}

// FileCheck is the validation result of one manifest entry.
type FileCheck struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Valid    bool   `json:"valid"`
	Problem  string `json:"problem,omitempty"`
}
