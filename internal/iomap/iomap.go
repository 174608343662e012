// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package iomap memory-maps a firmware image file for in-place signing.
// Every other package in this module (fmap, gbb, vboot1) edits a []byte in
// place; iomap is what turns a path on disk into that []byte and flushes it
// back out, the way lcd_linux.go maps a framebuffer device instead of
// read()/write()-ing it a frame at a time.
package iomap

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vboot-go/futility/internal/vbooterrs"
)

// Mode selects how OpenForSign maps the underlying file.
type Mode int

const (
	// ModeReadOnly maps the file PROT_READ; CloseSuccess never writes back.
	ModeReadOnly Mode = iota
	// ModeReadWrite maps the file PROT_READ|PROT_WRITE/MAP_SHARED so edits
	// made through Bytes() land on disk once CloseSuccess is called.
	ModeReadWrite
)

// ImageBuffer is a memory-mapped firmware image file, open for reading and,
// in ModeReadWrite, in-place signing.
type ImageBuffer struct {
	f        *os.File
	data     []byte
	writable bool
	tmpPath  string
	destPath string
}

// OpenForSign maps path into memory in the given Mode.
func OpenForSign(path string, mode Mode) (*ImageBuffer, error) {
	return openForSign(path, mode, "", "")
}

func openForSign(path string, mode Mode, tmpPath, destPath string) (*ImageBuffer, error) {
	writable := mode == ModeReadWrite
	flag := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flag = os.O_RDWR
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	size := fi.Size()
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s is empty", vbooterrs.ErrIO, path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", vbooterrs.ErrIO, path, err)
	}
	return &ImageBuffer{f: f, data: data, writable: writable, tmpPath: tmpPath, destPath: destPath}, nil
}

// OpenForSignNewFile backs the --outfile "write into a brand new file"
// workflow: it copies src to a fresh temp file alongside dest and opens that
// copy read-write, so signing edits a scratch file until CloseSuccess
// renames it onto dest (the copy-then-rename strategy also used by C9's
// LOEM sidecar writer).
func OpenForSignNewFile(src, dest string) (*ImageBuffer, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dirOf(dest), ".futility-sign-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	tmp.Close()

	img, err := openForSign(tmpPath, ModeReadWrite, tmpPath, dest)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	return img, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Bytes returns the mapped image. Mutating it mutates the backing file (or
// scratch copy) once CloseSuccess is called.
func (img *ImageBuffer) Bytes() []byte {
	return img.data
}

// CloseSuccess flushes dirty pages (msync), unmaps, closes the file, and --
// for an OpenForSignNewFile buffer -- renames the scratch copy onto its
// final destination. Call this only once every edit has succeeded.
func (img *ImageBuffer) CloseSuccess() error {
	var errs []error
	if img.writable {
		if err := unix.Msync(img.data, unix.MS_SYNC); err != nil {
			errs = append(errs, fmt.Errorf("msync: %w", err))
		}
	}
	if err := unix.Munmap(img.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	if err := img.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", vbooterrs.ErrIO, errs)
	}
	if img.tmpPath != "" {
		if err := os.Rename(img.tmpPath, img.destPath); err != nil {
			return fmt.Errorf("%w: rename %s to %s: %v", vbooterrs.ErrIO, img.tmpPath, img.destPath, err)
		}
	}
	return nil
}

// CloseError unmaps and closes the file without syncing, discarding any
// in-place edits, and removes the scratch copy if there is one. Call this on
// any signing failure so a partially edited image never reaches disk.
func (img *ImageBuffer) CloseError() error {
	var errs []error
	if err := unix.Munmap(img.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	if err := img.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if img.tmpPath != "" {
		os.Remove(img.tmpPath)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", vbooterrs.ErrIO, errs)
	}
	return nil
}
