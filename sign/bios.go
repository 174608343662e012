// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sign

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vboot-go/futility/internal/fmap"
	"github.com/vboot-go/futility/internal/gbb"
	"github.com/vboot-go/futility/internal/iomap"
	"github.com/vboot-go/futility/internal/vboot1"
	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
	"github.com/vboot-go/futility/internal/vlog"
)

// regionKind tags the four FMAP areas SignBIOS cares about. Dispatch is a
// map of closures keyed by kind rather than a parallel function-pointer
// table indexed by an enum, so a new region kind can't silently drift out of
// sync with its handler.
type regionKind int

const (
	regionFWMainA regionKind = iota
	regionFWMainB
	regionVBlockA
	regionVBlockB
)

// biosArea is one FMAP area as seen during the walk: its backing bytes
// (sliced straight from the mapped image, so handlers that mutate it mutate
// the image) and the length actually in use once the walk has clamped it
// down to the signed firmware body size.
type biosArea struct {
	data []byte
	len  uint32
}

// biosSignState accumulates what the walk over FMAP areas discovers.
// Handlers only ever write the len of the FW_MAIN_* entry matching their
// VBLOCK_* area and the two small "preserved from VBLOCK_A" fields; the
// orchestrator -- not the
// handlers -- finalizes the signature once every area has been seen --
// mutation is centralized in the caller, not smeared across callbacks.
type biosSignState struct {
	areas map[regionKind]*biosArea

	preservedFlags uint32
	flagsPreserved bool
}

// biosRegionHandlers dispatches each region kind to its walk-time behavior.
var biosRegionHandlers = map[regionKind]func(name string, area *biosArea, state *biosSignState){
	regionFWMainA: handleFWMain,
	regionFWMainB: handleFWMain,
	regionVBlockA: handleVBlockPreamble(regionFWMainA, true),
	regionVBlockB: handleVBlockPreamble(regionFWMainB, false),
}

// handleFWMain does nothing: SignBIOS has already recorded the firmware body
// area while looking up the layout, and the corresponding VBLOCK_* handler
// shrinks it once it knows the signed body size.
func handleFWMain(name string, area *biosArea, state *biosSignState) {}

// handleVBlockPreamble returns a handler for a VBLOCK_* area that inspects
// any existing keyblock+preamble there (without verifying a signature --
// there's no trusted root at hand yet) purely to learn how large the
// matching firmware body actually is, and, for VBLOCK_A, to preserve its
// flags word when the caller didn't specify new ones. Grounded on
// cmd_sign.c's fmap_fw_preamble.
func handleVBlockPreamble(bodyKind regionKind, preserveFlags bool) func(string, *biosArea, *biosSignState) {
	return func(name string, area *biosArea, state *biosSignState) {
		kb, err := vboot1.ParseKeyBlock(area.data)
		if err != nil {
			vlog.Warnf("%s keyblock is invalid, signing the entire FW region: %v", name, err)
			return
		}
		if kb.KeyBlockSize > uint32(len(area.data)) {
			vlog.Warnf("%s keyblock_size overruns area, signing the entire FW region", name)
			return
		}
		preamble, err := vboot1.ParsePreamble(area.data[kb.KeyBlockSize:])
		if err != nil {
			vlog.Warnf("%s preamble is invalid, signing the entire FW region: %v", name, err)
			return
		}

		body := state.areas[bodyKind]
		if preamble.BodySig.DataSize > body.len {
			vlog.Warnf("%s says the firmware is larger than we have", name)
			return
		}
		body.len = preamble.BodySig.DataSize

		if preserveFlags {
			state.preservedFlags = preamble.Flags
			state.flagsPreserved = true
		}
	}
}

// SignBIOS re-signs VBLOCK_A and VBLOCK_B in place against the firmware
// bodies found at FW_MAIN_A/FW_MAIN_B, following the algorithm of
// cmd_sign.c's ft_sign_bios/sign_bios_at_end: FW_MAIN_A is signed with the
// DEV keys when it diverges from FW_MAIN_B, FW_MAIN_B is always signed with
// the normal keys, and LOEM sidecars are written afterward if requested.
func SignBIOS(imgBuf *iomap.ImageBuffer, keys Keys, opt Options) error {
	img := imgBuf.Bytes()
	dir, err := fmap.Parse(img)
	if err != nil {
		return err
	}

	if err := applyGBBEdits(dir, img, opt.GBB); err != nil {
		return err
	}

	state := &biosSignState{areas: make(map[regionKind]*biosArea, 4)}
	layout := []struct {
		canonical string
		kind      regionKind
	}{
		{fmap.AreaFWMainA, regionFWMainA},
		{fmap.AreaFWMainB, regionFWMainB},
		{fmap.AreaVBlockA, regionVBlockA},
		{fmap.AreaVBlockB, regionVBlockB},
	}

	// Look every area up first, without aborting on the first miss, so a
	// bad layout is reported as one aggregate LayoutIncomplete rather than
	// whichever area happened to be checked first.
	var missing []string
	for _, l := range layout {
		a, ok := dir.FindArea(l.canonical)
		if !ok {
			missing = append(missing, l.canonical)
			continue
		}
		clamped, ok := fmap.ClampToImage(a, uint32(len(img)))
		if !ok {
			missing = append(missing, l.canonical)
			continue
		}
		state.areas[l.kind] = &biosArea{
			data: img[clamped.Offset : clamped.Offset+clamped.Size],
			len:  clamped.Size,
		}
	}
	if len(missing) != 0 {
		return fmt.Errorf("%w: %v", vbooterrs.ErrLayoutIncomplete, missing)
	}

	// VBLOCK areas are examined before FW_MAIN so BODY's len gets clamped
	// down to the signed size an existing preamble reports (matching the
	// order cmd_sign.c visits BIOS_FMAP_VBLOCK_A/B after *_FW_MAIN_*, but
	// it only needs the *_FW_MAIN_* entry to already exist in state).
	biosRegionHandlers[regionVBlockA]("VBLOCK_A", state.areas[regionVBlockA], state)
	biosRegionHandlers[regionVBlockB]("VBLOCK_B", state.areas[regionVBlockB], state)
	biosRegionHandlers[regionFWMainA]("FW_MAIN_A", state.areas[regionFWMainA], state)
	biosRegionHandlers[regionFWMainB]("FW_MAIN_B", state.areas[regionFWMainB], state)

	if state.flagsPreserved && !opt.FlagsGiven {
		opt.Flags = state.preservedFlags
	}

	return signBiosAtEnd(state, keys, opt)
}

func signBiosAtEnd(state *biosSignState, keys Keys, opt Options) error {
	vblockA := state.areas[regionVBlockA]
	vblockB := state.areas[regionVBlockB]
	fwA := state.areas[regionFWMainA]
	fwB := state.areas[regionFWMainB]

	fwABody := fwA.data[:fwA.len]
	fwBBody := fwB.data[:fwB.len]

	signKeyA, keyblockA := keys.SignPrivate, keys.Keyblock
	if !bytes.Equal(fwABody, fwBBody) {
		if keys.DevSignPrivate == nil || keys.DevKeyblock == nil {
			return vbooterrs.ErrDevKeysRequired
		}
		signKeyA, keyblockA = keys.DevSignPrivate, keys.DevKeyblock
	}

	if err := writeNewPreamble(vblockA, fwABody, signKeyA, keyblockA, keys.KernelSubkey, opt); err != nil {
		return fmt.Errorf("signing VBLOCK_A: %w", err)
	}
	if err := writeNewPreamble(vblockB, fwBBody, keys.SignPrivate, keys.Keyblock, keys.KernelSubkey, opt); err != nil {
		return fmt.Errorf("signing VBLOCK_B: %w", err)
	}

	if opt.LoemID != "" {
		return WriteLOEMSidecars(opt.LoemDir, opt.LoemID, vblockA.data, vblockB.data)
	}
	return nil
}

// writeNewPreamble signs body, builds a firmware preamble, and writes
// keyblock||preamble over vblock.data in place. Mirrors write_new_preamble.
func writeNewPreamble(vblock *biosArea, body []byte, signKey *vbootkey.PrivateKey, keyblockBytes []byte, kernelSubkey *vbootkey.PublicKey, opt Options) error {
	sig, err := vbootkey.Sign(signKey, body)
	if err != nil {
		return err
	}
	bodySig := vboot1.Signature{DataSize: uint32(len(body)), Sig: sig}

	preambleBytes, err := vboot1.MakeFirmwarePreamble(opt.Version, kernelSubkey, bodySig, opt.Flags, signKey)
	if err != nil {
		return err
	}

	total := len(keyblockBytes) + len(preambleBytes)
	if total > len(vblock.data) {
		return fmt.Errorf("%w: keyblock+preamble (%d bytes) exceeds VBLOCK area (%d bytes)",
			vbooterrs.ErrRegionOverrun, total, len(vblock.data))
	}
	n := copy(vblock.data, keyblockBytes)
	copy(vblock.data[n:], preambleBytes)
	return nil
}

// applyGBBEdits writes whichever of edits' fields were requested into the
// image's GBB area, in place, before any firmware slot is re-signed. A
// legacy GBB missing the flags word downgrades a requested flags update to
// a warning rather than aborting the whole sign. Grounded on cmd_sign.c's
// GBB-updating step inside ft_sign_bios.
func applyGBBEdits(dir *fmap.Directory, img []byte, edits GBBEdits) error {
	if edits.IsZero() {
		return nil
	}

	area, ok := dir.FindArea(fmap.AreaGBB)
	if !ok {
		return fmt.Errorf("%w: GBB not found in FMAP", vbooterrs.ErrFmapNotFound)
	}
	clamped, ok := fmap.ClampToImage(area, uint32(len(img)))
	if !ok {
		return fmt.Errorf("%w: GBB offset beyond image", vbooterrs.ErrRegionOverrun)
	}
	g, err := gbb.Parse(img[clamped.Offset : clamped.Offset+clamped.Size])
	if err != nil {
		return err
	}

	if edits.HWIDGiven {
		if err := g.SetHWID(edits.HWID); err != nil {
			return err
		}
	}
	if edits.RootKey != nil {
		if err := g.SetRootKey(edits.RootKey); err != nil {
			return err
		}
	}
	if edits.RecoveryKey != nil {
		if err := g.SetRecoveryKey(edits.RecoveryKey); err != nil {
			return err
		}
	}
	if edits.FlagsGiven {
		if err := g.SetFlags(edits.Flags); err != nil {
			if errors.Is(err, vbooterrs.ErrUnsupportedField) {
				vlog.Warnf("GBB has no flags field, skipping flags update: %v", err)
			} else {
				return err
			}
		}
	}
	return nil
}
