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

// State is the lifecycle state of the managed model.
type State int

const (
	// NotAcquired: artifact files are absent or not yet validated.
	NotAcquired State = iota

	// Downloading: an Acquire is fetching files.
	Downloading

	// Acquired: every required file is present and validated.
	Acquired

	// Loading: the inference engine is being constructed.
	Loading

	// Ready: the engine handle is live.
	Ready

	// Faulted: a download or load failed unrecoverably.
	Faulted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NotAcquired:
		return "not_acquired"
	case Downloading:
		return "downloading"
	case Acquired:
		return "acquired"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AllStates lists every state, in declaration order.
var AllStates = []State{NotAcquired, Downloading, Acquired, Loading, Ready, Faulted}

// transitions is the complete transition table. Faulted -> NotAcquired is
// the reset edge taken when Acquire is called on a faulted controller; it
// keeps files on disk so the next download can resume.
var transitions = map[State][]State{
	NotAcquired: {Downloading},
	Downloading: {Acquired, Faulted, NotAcquired},
	Acquired:    {Loading, NotAcquired},
	Loading:     {Ready, Faulted},
	Ready:       {Acquired, NotAcquired},
	Faulted:     {NotAcquired},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
