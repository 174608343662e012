// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gbb edits the Google Binary Block: the region of a firmware image
// holding the board's HWID, root and recovery public keys, a bitmap blob,
// and a flags word. Editing happens in place against the same
// memory-mapped bytes the BIOS sign orchestrator holds, the way fiano's
// region readers/writers operate directly on a backing []byte rather than
// copying out and back in (see pkg/fmap.WriteArea).
package gbb

import (
	"encoding/binary"
	"fmt"

	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
)

var order = binary.LittleEndian

const headerSize = 8 + 2 + 2 + 4*8 // signature + major/minor + 4 (offset,size) pairs

// Signature marks the start of a GBB area.
var Signature = [8]byte{'$', 'G', 'B', 'B', '$', '1', '_', '_'}

// GBB wraps the raw bytes of a GBB area, editing its typed sub-regions in
// place. minorVersion 0 predates the flags word: SetFlags/Flags then
// return ErrUnsupportedField (a warning-grade failure).
type GBB struct {
	buf          []byte
	majorVersion uint16
	minorVersion uint16

	hwidOffset, hwidSize               uint32
	rootKeyOffset, rootKeySize         uint32
	bmpFVOffset, bmpFVSize             uint32
	recoveryKeyOffset, recoveryKeySize uint32
	flagsOffset                        uint32
}

// Parse reads the GBB header out of buf. buf is retained and mutated by the
// Set* methods below -- it must be the live backing slice of the image
// buffer, not a copy.
func Parse(buf []byte) (*GBB, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: GBB area truncated", vbooterrs.ErrBadKey)
	}
	if string(buf[0:8]) != string(Signature[:]) {
		return nil, fmt.Errorf("%w: bad GBB signature", vbooterrs.ErrBadKey)
	}
	g := &GBB{
		buf:          buf,
		majorVersion: order.Uint16(buf[8:10]),
		minorVersion: order.Uint16(buf[10:12]),

		hwidOffset: order.Uint32(buf[12:16]),
		hwidSize:   order.Uint32(buf[16:20]),

		rootKeyOffset: order.Uint32(buf[20:24]),
		rootKeySize:   order.Uint32(buf[24:28]),

		bmpFVOffset: order.Uint32(buf[28:32]),
		bmpFVSize:   order.Uint32(buf[32:36]),

		recoveryKeyOffset: order.Uint32(buf[36:40]),
		recoveryKeySize:   order.Uint32(buf[40:44]),
	}
	g.flagsOffset = 44
	for _, extent := range [][2]uint32{
		{g.hwidOffset, g.hwidSize},
		{g.rootKeyOffset, g.rootKeySize},
		{g.bmpFVOffset, g.bmpFVSize},
		{g.recoveryKeyOffset, g.recoveryKeySize},
	} {
		if uint64(extent[0])+uint64(extent[1]) > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: GBB sub-region overruns area", vbooterrs.ErrRegionOverrun)
		}
	}
	return g, nil
}

// HWID returns the board's HWID string.
func (g *GBB) HWID() string {
	region := g.buf[g.hwidOffset : g.hwidOffset+g.hwidSize]
	n := 0
	for n < len(region) && region[n] != 0 {
		n++
	}
	return string(region[:n])
}

// SetHWID replaces the HWID string, failing if it (plus its NUL terminator)
// would exceed the region's reserved slot.
func (g *GBB) SetHWID(s string) error {
	if uint32(len(s)+1) > g.hwidSize {
		return fmt.Errorf("%w: HWID %q (%d bytes) exceeds the %d-byte slot",
			vbooterrs.ErrGBBFull, s, len(s)+1, g.hwidSize)
	}
	region := g.buf[g.hwidOffset : g.hwidOffset+g.hwidSize]
	for i := range region {
		region[i] = 0
	}
	copy(region, s)
	return nil
}

// RootKey returns the root public key stored in the GBB.
func (g *GBB) RootKey() (*vbootkey.PublicKey, error) {
	return vbootkey.UnmarshalPublicKey(g.buf[g.rootKeyOffset : g.rootKeyOffset+g.rootKeySize])
}

// SetRootKey writes pub into the GBB's root-key sub-region.
func (g *GBB) SetRootKey(pub *vbootkey.PublicKey) error {
	return g.setKey(pub, g.rootKeyOffset, g.rootKeySize)
}

// RecoveryKey returns the recovery public key stored in the GBB.
func (g *GBB) RecoveryKey() (*vbootkey.PublicKey, error) {
	return vbootkey.UnmarshalPublicKey(g.buf[g.recoveryKeyOffset : g.recoveryKeyOffset+g.recoveryKeySize])
}

// SetRecoveryKey writes pub into the GBB's recovery-key sub-region.
func (g *GBB) SetRecoveryKey(pub *vbootkey.PublicKey) error {
	return g.setKey(pub, g.recoveryKeyOffset, g.recoveryKeySize)
}

func (g *GBB) setKey(pub *vbootkey.PublicKey, offset, size uint32) error {
	keyBytes := pub.Marshal()
	if uint32(len(keyBytes)) > size {
		return fmt.Errorf("%w: key (%d bytes) exceeds the %d-byte slot", vbooterrs.ErrGBBFull, len(keyBytes), size)
	}
	region := g.buf[offset : offset+size]
	for i := range region {
		region[i] = 0
	}
	copy(region, keyBytes)
	return nil
}

// Flags returns the GBB flags word. Legacy GBBs (minorVersion 0) don't have
// one; callers should downgrade ErrUnsupportedField to a warning.
func (g *GBB) Flags() (uint32, error) {
	if g.minorVersion < 1 {
		return 0, vbooterrs.ErrUnsupportedField
	}
	return order.Uint32(g.buf[g.flagsOffset : g.flagsOffset+4]), nil
}

// SetFlags writes the GBB flags word, or ErrUnsupportedField on legacy GBBs.
func (g *GBB) SetFlags(flags uint32) error {
	if g.minorVersion < 1 {
		return vbooterrs.ErrUnsupportedField
	}
	order.PutUint32(g.buf[g.flagsOffset:g.flagsOffset+4], flags)
	return nil
}
