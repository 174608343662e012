// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fmap parses the FMAP directory embedded in a firmware image: a
// self-describing table of named regions located by a fixed magic string.
// This is a generalization of the flash-map reader used throughout the
// LinuxBoot toolchain, adapted to resolve legacy area-name aliases and to
// clamp areas to the bounds of the enclosing image per the signing engine's
// own invariants rather than just reporting what it finds.
package fmap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vboot-go/futility/internal/vbooterrs"
)

// Signature is the magic string that marks the start of an FMAP header.
var Signature = []byte("__FMAP__")

// Canonical area names this engine cares about.
const (
	AreaGBB      = "GBB"
	AreaFWMainA  = "FW_MAIN_A"
	AreaFWMainB  = "FW_MAIN_B"
	AreaVBlockA  = "VBLOCK_A"
	AreaVBlockB  = "VBLOCK_B"
)

// legacyAliases maps a canonical area name to the historical names older
// images may still carry ("tries the canonical name then each
// configured legacy alias").
var legacyAliases = map[string][]string{
	AreaFWMainA: {"FVMAIN"},
	AreaFWMainB: {"FVMAIN2"},
	AreaVBlockA: {"VBOOTA"},
	AreaVBlockB: {"VBOOTB"},
}

// name is a fixed-width, not-necessarily-terminated area name.
type name [32]byte

func (n name) String() string {
	return strings.TrimRight(string(n[:]), "\x00")
}

// header is the on-flash FMAP header, little-endian.
type header struct {
	Signature [8]byte
	VerMajor  uint8
	VerMinor  uint8
	Base      uint64
	Size      uint32
	Name      name
	NAreas    uint16
}

// area describes a single FMAP entry.
type area struct {
	Offset uint32
	Size   uint32
	Name   name
	Flags  uint16
}

// Area is a located, named region of the image.
type Area struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Directory is the parsed FMAP table: a name-indexed set of areas, plus the
// byte offset within the image at which the FMAP itself was found.
type Directory struct {
	Start uint64
	Areas []Area
}

var (
	errSigNotFound  = errors.New("cannot find FMAP signature")
	errMultipleFmap = errors.New("found multiple FMAP directories")
)

func headerValid(h *header) bool {
	if h.VerMajor != 1 {
		return false
	}
	if h.Size == 0 {
		return false
	}
	return bytes.Contains(h.Name[:], []byte("\x00"))
}

// Parse scans data for the FMAP signature on an 8-byte alignment and parses
// the directory it finds. Exactly one valid FMAP must be present.
func Parse(data []byte) (*Directory, error) {
	start := 0
	found := 0
	var dir Directory

	for {
		if start >= len(data) {
			break
		}
		next := bytes.Index(data[start:], Signature)
		if next == -1 {
			break
		}
		start += next
		if start%8 != 0 {
			start++
			continue
		}

		r := bytes.NewReader(data[start:])
		var h header
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			start += len(Signature)
			continue
		}
		if !headerValid(&h) {
			start += len(Signature)
			continue
		}

		areas := make([]area, h.NAreas)
		if err := binary.Read(r, binary.LittleEndian, &areas); err != nil {
			return nil, fmt.Errorf("%w: truncated area table: %v", vbooterrs.ErrFmapNotFound, err)
		}

		dir = Directory{Start: uint64(start)}
		for _, a := range areas {
			dir.Areas = append(dir.Areas, Area{
				Name:   a.Name.String(),
				Offset: a.Offset,
				Size:   a.Size,
			})
		}
		found++
		start += len(Signature)
	}

	if found >= 2 {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrFmapNotFound, errMultipleFmap)
	}
	if found == 0 {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrFmapNotFound, errSigNotFound)
	}
	return &dir, nil
}

// Read is like Parse but reads the whole input first, for callers with an
// io.Reader rather than an in-memory buffer.
func Read(r io.Reader) (*Directory, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// FindArea resolves a canonical area name, trying its legacy aliases in
// order if the canonical name is absent. The first match wins; duplicate
// names are not expected to occur.
func (d *Directory) FindArea(canonicalName string) (Area, bool) {
	for _, a := range d.Areas {
		if a.Name == canonicalName {
			return a, true
		}
	}
	for _, alias := range legacyAliases[canonicalName] {
		for _, a := range d.Areas {
			if a.Name == alias {
				return a, true
			}
		}
	}
	return Area{}, false
}

// ClampToImage truncates a's length so that Offset+Size <= imageLen. If the
// area starts at or beyond imageLen it is considered entirely absent.
func ClampToImage(a Area, imageLen uint32) (Area, bool) {
	if a.Offset >= imageLen {
		return Area{}, false
	}
	if uint64(a.Offset)+uint64(a.Size) > uint64(imageLen) {
		a.Size = imageLen - a.Offset
	}
	return a, true
}
