// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iomap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenForSignReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0644))

	img, err := OpenForSign(path, ModeReadWrite)
	require.NoError(t, err)
	copy(img.Bytes(), []byte("hello image"))
	require.NoError(t, img.CloseSuccess())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello image", string(got[:len("hello image")]))
}

func TestOpenForSignReadOnlyMapsWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0644))

	img, err := OpenForSign(path, ModeReadOnly)
	require.NoError(t, err)
	require.Len(t, img.Bytes(), 4096)
	require.NoError(t, img.CloseSuccess())
}

func TestOpenForSignRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := OpenForSign(path, ModeReadOnly)
	require.Error(t, err)
}

func TestOpenForSignNewFileRenamesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	dest := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(src, []byte("original bytes"), 0644))

	img, err := OpenForSignNewFile(src, dest)
	require.NoError(t, err)
	copy(img.Bytes(), []byte("patched bytes!"))
	require.NoError(t, img.CloseSuccess())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "patched bytes!", string(got))

	orig, err := os.ReadFile(src)
	require.NoError(t, err)
	require.Equal(t, "original bytes", string(orig), "source file must be left untouched")
}

func TestOpenForSignNewFileDiscardsScratchOnError(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	dest := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(src, []byte("original bytes"), 0644))

	img, err := OpenForSignNewFile(src, dest)
	require.NoError(t, err)
	tmpPath := img.tmpPath
	require.NoError(t, img.CloseError())

	_, err = os.Stat(tmpPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}
