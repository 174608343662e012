// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sign

import (
	"fmt"

	"github.com/vboot-go/futility/internal/vboot1"
)

// KernelOptions carries the kernel-specific signing parameters
// (--arch/--kloadaddr/--pad/--config/--bootloader/--vblockonly).
type KernelOptions struct {
	Arch        vboot1.Arch
	LoadAddress uint32
	Padding     uint32
	Bootloader  []byte
	Cmdline     []byte
	VblockOnly  bool
}

// KernelPartition is a signed kernel partition, split the way --vblockonly
// needs it: the vblock (keyblock||preamble, optionally padded) and the
// kernel blob the vblock's signature covers.
type KernelPartition struct {
	Vblock []byte
	Blob   []byte
}

// CreateKernelPartition builds a kernel blob from a raw vmlinuz image and
// signs it, producing a brand-new kernel partition. Grounded on
// cmd_sign.c's ft_sign_raw_kernel.
func CreateKernelPartition(vmlinuz []byte, keys Keys, opt Options, kopt KernelOptions) (*KernelPartition, error) {
	blob, err := vboot1.CreateKernelBlob(vmlinuz, kopt.Arch, kopt.LoadAddress, kopt.Cmdline, kopt.Bootloader)
	if err != nil {
		return nil, fmt.Errorf("creating kernel blob: %w", err)
	}

	vblock, err := vboot1.SignKernelBlob(blob.Data, kopt.Padding, opt.Version, kopt.LoadAddress,
		keys.Keyblock, keys.SignPrivate, opt.Flags)
	if err != nil {
		return nil, fmt.Errorf("signing kernel blob: %w", err)
	}

	return &KernelPartition{Vblock: vblock, Blob: blob.Data}, nil
}

// ResignKernelPartition re-signs an existing kernel partition's blob,
// optionally replacing its keyblock and command line. Grounded on
// cmd_sign.c's ft_sign_kern_preamble, including its documented
// bug-compatible refusal to let --kloadaddr change a resign: the original
// vbutil_kernel never updated the zero page's cmd_line_ptr to match a new
// load address, so this tool preserves that behavior rather than silently
// producing an inconsistent blob.
func ResignKernelPartition(partition []byte, padding uint32, keys Keys, opt Options, kopt KernelOptions) (*KernelPartition, error) {
	kb, preamble, blob, err := vboot1.UnpackKPart(partition, padding)
	if err != nil {
		return nil, fmt.Errorf("unpacking kernel partition: %w", err)
	}

	loadAddress := preamble.BodyLoadAddress

	if len(kopt.Cmdline) > 0 {
		mutableBlob, err := vboot1.OpenKernelBlobForResign(blob, loadAddress)
		if err != nil {
			return nil, err
		}
		if err := mutableBlob.UpdateCmdline(loadAddress, kopt.Cmdline); err != nil {
			return nil, err
		}
		blob = mutableBlob.Data
	}

	version := preamble.Version
	if opt.VersionGiven {
		version = opt.Version
	}
	flags := preamble.Flags
	if preamble.FlagsPresent && !opt.FlagsGiven {
		// keep the preamble's flags
	} else if opt.FlagsGiven {
		flags = opt.Flags
	} else {
		flags = 0
	}

	keyblockBytes := keys.Keyblock
	if keyblockBytes == nil {
		keyblockBytes = kb.Raw()
	}

	vblock, err := vboot1.SignKernelBlob(blob, padding, version, loadAddress, keyblockBytes, keys.SignPrivate, flags)
	if err != nil {
		return nil, fmt.Errorf("signing kernel blob: %w", err)
	}

	return &KernelPartition{Vblock: vblock, Blob: blob}, nil
}
