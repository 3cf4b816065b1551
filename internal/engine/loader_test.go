// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSetLoader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnx"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onnx", "model.onnx"), []byte("w"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".session.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin.part"), []byte("x"), 0644))

	h, err := FileSetLoader{}.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"onnx/model.onnx", "tokenizer.json"}, h.(*FileSet).Names())
	assert.NoError(t, h.Close())
}

func TestFileSetLoaderEmpty(t *testing.T) {
	_, err := FileSetLoader{}.Load(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrEmptyArtifact)

	_, err = FileSetLoader{}.Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLoaderFunc(t *testing.T) {
	var got string
	l := LoaderFunc(func(ctx context.Context, dir string) (Handle, error) {
		got = dir
		return nil, nil
	})
	_, err := l.Load(context.Background(), "/models/v1")
	require.NoError(t, err)
	assert.Equal(t, "/models/v1", got)
}
