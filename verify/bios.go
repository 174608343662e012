// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package verify independently re-checks a signed BIOS image: it trusts
// nothing the signer computed and re-derives keyblock and preamble
// signatures from a supplied root public key, the way cmd_sign.c's callers
// are expected to double-check a freshly signed image with `futility
// verify` before shipping it.
package verify

import (
	"fmt"

	"github.com/vboot-go/futility/internal/fmap"
	"github.com/vboot-go/futility/internal/vboot1"
	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
)

// SlotReport is the result of independently verifying one VBLOCK/FW_MAIN
// pair.
type SlotReport struct {
	Slot          string
	KeyblockValid bool
	PreambleValid bool
	BodyValid     bool
	FirmwareVer   uint32
	Err           error
}

// BIOSReport is the result of verifying both firmware slots of a signed
// image.
type BIOSReport struct {
	SlotA SlotReport
	SlotB SlotReport
}

// OK reports whether every slot verified cleanly.
func (r *BIOSReport) OK() bool {
	return r.SlotA.Err == nil && r.SlotB.Err == nil
}

// BIOS independently verifies VBLOCK_A/FW_MAIN_A and VBLOCK_B/FW_MAIN_B
// against root: the keyblock's signature must check out under root, the
// preamble's signature must check out under the keyblock's data key, and
// the preamble's body signature must check out over the actual bytes at
// the matching FW_MAIN_* area. A slot's SlotReport.Err is set the moment
// any of those three checks fails; BIOS always checks both slots rather
// than stopping at the first failure, so a caller sees the full picture of
// what's wrong with an image.
func BIOS(img []byte, root *vbootkey.PublicKey) (*BIOSReport, error) {
	dir, err := fmap.Parse(img)
	if err != nil {
		return nil, err
	}

	return &BIOSReport{
		SlotA: verifySlot(dir, img, root, "A", fmap.AreaVBlockA, fmap.AreaFWMainA),
		SlotB: verifySlot(dir, img, root, "B", fmap.AreaVBlockB, fmap.AreaFWMainB),
	}, nil
}

func verifySlot(dir *fmap.Directory, img []byte, root *vbootkey.PublicKey, slot, vblockName, fwMainName string) SlotReport {
	rep := SlotReport{Slot: slot}

	vblock, ok := lookupArea(dir, img, vblockName)
	if !ok {
		rep.Err = fmt.Errorf("%w: %s not found", vbooterrs.ErrFmapNotFound, vblockName)
		return rep
	}
	fwMain, ok := lookupArea(dir, img, fwMainName)
	if !ok {
		rep.Err = fmt.Errorf("%w: %s not found", vbooterrs.ErrFmapNotFound, fwMainName)
		return rep
	}

	kb, err := vboot1.VerifyKeyBlock(vblock, root)
	if err != nil {
		rep.Err = fmt.Errorf("%s keyblock: %w", slot, err)
		return rep
	}
	rep.KeyblockValid = true

	if kb.KeyBlockSize > uint32(len(vblock)) {
		rep.Err = fmt.Errorf("%w: %s keyblock_size overruns VBLOCK area", vbooterrs.ErrRegionOverrun, slot)
		return rep
	}
	preamble, err := vboot1.VerifyPreamble(vblock[kb.KeyBlockSize:], kb.DataKey)
	if err != nil {
		rep.Err = fmt.Errorf("%s preamble: %w", slot, err)
		return rep
	}
	rep.PreambleValid = true
	rep.FirmwareVer = preamble.Version

	if preamble.BodySig.DataSize > uint32(len(fwMain)) {
		rep.Err = fmt.Errorf("%w: %s body signature claims more data than FW_MAIN holds", vbooterrs.ErrRegionOverrun, slot)
		return rep
	}
	body := fwMain[:preamble.BodySig.DataSize]
	if err := vbootkey.Verify(kb.DataKey, body, preamble.BodySig.Sig); err != nil {
		rep.Err = fmt.Errorf("%s body: %w", slot, err)
		return rep
	}
	rep.BodyValid = true
	return rep
}

func lookupArea(dir *fmap.Directory, img []byte, name string) ([]byte, bool) {
	a, ok := dir.FindArea(name)
	if !ok {
		return nil, false
	}
	clamped, ok := fmap.ClampToImage(a, uint32(len(img)))
	if !ok {
		return nil, false
	}
	return img[clamped.Offset : clamped.Offset+clamped.Size], true
}
