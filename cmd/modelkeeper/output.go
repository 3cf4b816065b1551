// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/modelkeeper/internal/failure"
	"github.com/AleutianAI/modelkeeper/internal/lifecycle"
)

var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorSlate   = lipgloss.Color("#2C4A54")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")

	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorTeal)
	styleMuted   = lipgloss.NewStyle().Foreground(colorSlate)
	styleSuccess = lipgloss.NewStyle().Foreground(colorTeal)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleFilled  = lipgloss.NewStyle().Foreground(colorTeal)
	styleEmpty   = lipgloss.NewStyle().Foreground(colorSlate)
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressRenderer draws acquisition progress.
//
// # Description
//
// On a terminal it redraws one bar in place. Elsewhere (pipes, CI logs) it
// prints a plain line at every 10% step so the output stays readable.
//
// # Thread Safety
//
// Update may be called from any goroutine.
type progressRenderer struct {
	w     io.Writer
	tty   bool
	width int

	mu       sync.Mutex
	lastStep int
	drawn    bool
}

func newProgressRenderer(w io.Writer, tty bool) *progressRenderer {
	return &progressRenderer{w: w, tty: tty, width: 30, lastStep: -1}
}

// Update renders percent (0-100).
func (r *progressRenderer) Update(percent float64) {
	percent = math.Max(0, math.Min(100, percent))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tty {
		fmt.Fprintf(r.w, "\r\033[K%s %5.1f%%", r.bar(percent), percent)
		r.drawn = true
		return
	}
	step := int(percent / 10)
	if step == r.lastStep {
		return
	}
	r.lastStep = step
	fmt.Fprintf(r.w, "progress %3.0f%%\n", percent)
}

func (r *progressRenderer) bar(percent float64) string {
	filled := int(math.Round(percent / 100 * float64(r.width)))
	return styleFilled.Render(strings.Repeat("█", filled)) +
		styleEmpty.Render(strings.Repeat("░", r.width-filled))
}

// Finish terminates the bar line, if one was drawn.
func (r *progressRenderer) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tty && r.drawn {
		fmt.Fprintln(r.w)
		r.drawn = false
	}
}

// printNotice renders one error-stream entry.
func printNotice(w io.Writer, n *failure.Notice) {
	style := styleWarning
	if n.RequiresUserAction {
		style = styleError
	}
	hint := "will retry"
	if !n.Retriable {
		hint = "action required"
	}
	fmt.Fprintf(w, "%s %s %s\n", style.Render("["+n.Tag+"]"), n.Detail, styleMuted.Render("("+hint+")"))
}

// printInfo renders a status snapshot.
func printInfo(w io.Writer, info lifecycle.Info, available bool) {
	fmt.Fprintln(w, styleTitle.Render("Model "+info.ModelVersion))
	fmt.Fprintf(w, "  state:     %s\n", stateStyle(info.State).Render(info.State.String()))
	fmt.Fprintf(w, "  directory: %s\n", info.Dir)
	fmt.Fprintf(w, "  progress:  %.1f%%\n", info.Progress)
	if info.Busy {
		fmt.Fprintf(w, "  %s\n", styleWarning.Render("an acquisition is running"))
	}
	if s := info.Session; s != nil && !s.IsCompleted {
		fmt.Fprintf(w, "  session:   %d resume(s), started %s\n", s.ResumeCount, s.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if info.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", styleError.Render(info.LastError))
	}
	if !available {
		fmt.Fprintf(w, "  %s\n", styleError.Render("model features are temporarily unavailable"))
	}
}

func stateStyle(s lifecycle.State) lipgloss.Style {
	switch s {
	case lifecycle.Acquired, lifecycle.Ready:
		return styleSuccess
	case lifecycle.Faulted:
		return styleError
	case lifecycle.Downloading, lifecycle.Loading:
		return styleWarning
	default:
		return styleMuted
	}
}

// printChecks renders a verification report and returns the number of
// invalid required files.
func printChecks(w io.Writer, checks []lifecycle.FileCheck) int {
	bad := 0
	for _, c := range checks {
		mark := styleSuccess.Render("✓")
		switch {
		case c.Valid:
		case c.Required:
			mark = styleError.Render("✗")
			bad++
		default:
			mark = styleWarning.Render("!")
		}
		line := fmt.Sprintf("%s %s", mark, c.Name)
		if !c.Required {
			line += styleMuted.Render(" (optional)")
		}
		if c.Problem != "" {
			line += ": " + c.Problem
		}
		fmt.Fprintln(w, line)
	}
	return bad
}
