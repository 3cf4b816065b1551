// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the narrow boundary to the in-process inference engine.
//
// The lifecycle controller only ever calls Loader.Load with the validated
// artifact directory and later Handle.Close. The model format is not
// interpreted here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Handle is a loaded engine instance.
type Handle interface {
	// Close releases everything the engine holds. Called at most once.
	Close() error
}

// Loader constructs an engine from a directory of validated files.
type Loader interface {
	Load(ctx context.Context, dir string) (Handle, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, dir string) (Handle, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, dir string) (Handle, error) {
	return f(ctx, dir)
}

// ErrEmptyArtifact is returned when the directory has no model files.
var ErrEmptyArtifact = errors.New("artifact directory contains no model files")

// FileSetLoader is the default Loader: it opens every model file read-only
// and keeps the descriptors until Close. It stands in for an engine that
// maps its weights from disk, and surfaces unreadable files at load time.
type FileSetLoader struct{}

// FileSet is the Handle returned by FileSetLoader.
type FileSet struct {
	files map[string]*os.File
}

// Load implements Loader.
func (FileSetLoader) Load(ctx context.Context, dir string) (Handle, error) {
	fsys := &FileSet{files: make(map[string]*os.File)}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || strings.HasSuffix(name, ".part") {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		fsys.files[filepath.ToSlash(rel)] = f
		return nil
	})
	if err != nil {
		fsys.Close()
		return nil, fmt.Errorf("open model files: %w", err)
	}
	if len(fsys.files) == 0 {
		return nil, ErrEmptyArtifact
	}
	return fsys, nil
}

// Names returns the relative names of the open files.
func (s *FileSet) Names() []string {
	out := make([]string, 0, len(s.files))
	for n := range s.files {
		out = append(out, n)
	}
	return out
}

// Close implements Handle.
func (s *FileSet) Close() error {
	var errs []error
	for name, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	s.files = nil
	return errors.Join(errs...)
}
