// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vboot1

import (
	"fmt"

	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
)

// kernelPreambleHeaderSize covers: preamble_size, header_version_minor,
// kernel_version, body_load_address, body_sig_data_size, body_sig_len,
// flags, preamble_sig_len.
const kernelPreambleHeaderSize = 4 * 8

// KernelPreamble is a parsed kernel preamble. Flags is only
// meaningful when FlagsPresent is true -- older preambles (HeaderVersionMinor
// 0) don't carry a flags field at all, mirroring VbKernelHasFlags in the
// original tool.
type KernelPreamble struct {
	Version         uint32
	BodyLoadAddress uint32
	BodySig         Signature
	Flags           uint32
	FlagsPresent    bool

	signedRegion []byte
	signature    []byte
}

// MakeKernelPreamble assembles and signs a kernel preamble.
func MakeKernelPreamble(version, bodyLoadAddress uint32, bodySig Signature, flags uint32, dataKey *vbootkey.PrivateKey) ([]byte, error) {
	bodySigBytes := bodySig.Marshal()
	sigLen := dataKey.Algorithm.Bits() / 8

	size := kernelPreambleHeaderSize + len(bodySigBytes) + sigLen
	unsigned := make([]byte, kernelPreambleHeaderSize+len(bodySigBytes))
	order.PutUint32(unsigned[0:4], uint32(size))
	order.PutUint32(unsigned[4:8], 1) // header_version_minor: flags always present for newly created preambles
	order.PutUint32(unsigned[8:12], version)
	order.PutUint32(unsigned[12:16], bodyLoadAddress)
	order.PutUint32(unsigned[16:20], bodySig.DataSize)
	order.PutUint32(unsigned[20:24], uint32(len(bodySig.Sig)))
	order.PutUint32(unsigned[24:28], flags)
	order.PutUint32(unsigned[28:32], uint32(sigLen))
	copy(unsigned[kernelPreambleHeaderSize:], bodySigBytes)

	sig, err := vbootkey.Sign(dataKey, unsigned)
	if err != nil {
		return nil, err
	}
	if len(sig) != sigLen {
		return nil, fmt.Errorf("%w: signer produced a %d-byte signature, expected %d",
			vbooterrs.ErrBadSignature, len(sig), sigLen)
	}

	out := make([]byte, 0, len(unsigned)+len(sig))
	out = append(out, unsigned...)
	out = append(out, sig...)
	return out, nil
}

// ParseKernelPreamble parses a kernel preamble without verifying its signature.
func ParseKernelPreamble(buf []byte) (*KernelPreamble, error) {
	if len(buf) < kernelPreambleHeaderSize {
		return nil, fmt.Errorf("%w: kernel preamble header truncated", vbooterrs.ErrBadKey)
	}
	size := order.Uint32(buf[0:4])
	minor := order.Uint32(buf[4:8])
	version := order.Uint32(buf[8:12])
	bodyLoadAddress := order.Uint32(buf[12:16])
	bodySigDataSize := order.Uint32(buf[16:20])
	bodySigLen := order.Uint32(buf[20:24])
	flags := order.Uint32(buf[24:28])
	preambleSigLen := order.Uint32(buf[28:32])

	bodySigBytes := 8 + uint64(bodySigLen)
	total := uint64(kernelPreambleHeaderSize) + bodySigBytes + uint64(preambleSigLen)
	if total != uint64(size) {
		return nil, fmt.Errorf("%w: preamble_size disagrees with field lengths", vbooterrs.ErrBadKey)
	}
	if total > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: preamble_size overruns buffer", vbooterrs.ErrRegionOverrun)
	}

	off := kernelPreambleHeaderSize
	bodySig, consumed, err := UnmarshalSignature(buf[off : off+int(bodySigBytes)])
	if err != nil {
		return nil, err
	}
	if bodySig.DataSize != bodySigDataSize {
		return nil, fmt.Errorf("%w: body signature data_size mismatch", vbooterrs.ErrBadKey)
	}
	off += consumed
	sigEnd := off + int(preambleSigLen)

	return &KernelPreamble{
		Version:         version,
		BodyLoadAddress: bodyLoadAddress,
		BodySig:         bodySig,
		Flags:           flags,
		FlagsPresent:    minor >= 1,
		signedRegion:    buf[:off],
		signature:       buf[off:sigEnd],
	}, nil
}

// VerifyKernelPreamble parses and verifies a kernel preamble's signature.
func VerifyKernelPreamble(buf []byte, dataKey *vbootkey.PublicKey) (*KernelPreamble, error) {
	p, err := ParseKernelPreamble(buf)
	if err != nil {
		return nil, err
	}
	if err := vbootkey.Verify(dataKey, p.signedRegion, p.signature); err != nil {
		return nil, err
	}
	return p, nil
}

// KernelVblock is a keyblock + kernel preamble, optionally padded.
type KernelVblock struct {
	KeyBlockBytes []byte
	PreambleBytes []byte
	Padding       uint32
}

// SignKernelBlob signs blob and produces the vblock bytes (keyblock ||
// preamble), padded to padding bytes when padding > 0 (the
// "preamble_size + keyblock_size <= padding" invariant).
func SignKernelBlob(blob []byte, padding, version, loadAddr uint32, keyBlockBytes []byte, dataKey *vbootkey.PrivateKey, flags uint32) ([]byte, error) {
	sig, err := vbootkey.Sign(dataKey, blob)
	if err != nil {
		return nil, err
	}
	bodySig := Signature{DataSize: uint32(len(blob)), Sig: sig}

	preambleBytes, err := MakeKernelPreamble(version, loadAddr, bodySig, flags, dataKey)
	if err != nil {
		return nil, err
	}

	vblock := append(append([]byte{}, keyBlockBytes...), preambleBytes...)
	if padding == 0 {
		return vblock, nil
	}
	if uint32(len(vblock)) > padding {
		return nil, fmt.Errorf("%w: keyblock+preamble (%d bytes) exceeds padding (%d bytes)",
			vbooterrs.ErrRegionOverrun, len(vblock), padding)
	}
	padded := make([]byte, padding)
	copy(padded, vblock)
	return padded, nil
}

// UnpackKPart splits an existing kernel partition's bytes into its keyblock,
// preamble, and kernel blob, given the padding the partition was built with
// (resigning an existing kernel partition).
func UnpackKPart(data []byte, padding uint32) (*KeyBlock, *KernelPreamble, []byte, error) {
	kb, err := ParseKeyBlock(data)
	if err != nil {
		return nil, nil, nil, err
	}
	if uint64(kb.KeyBlockSize) > uint64(len(data)) {
		return nil, nil, nil, fmt.Errorf("%w: keyblock overruns kernel partition", vbooterrs.ErrRegionOverrun)
	}
	preamble, err := ParseKernelPreamble(data[kb.KeyBlockSize:])
	if err != nil {
		return nil, nil, nil, err
	}

	blobOff := padding
	if blobOff == 0 {
		blobOff = kb.KeyBlockSize + uint32(len(preamble.signedRegion)+len(preamble.signature))
	}
	if uint64(blobOff) > uint64(len(data)) {
		return nil, nil, nil, fmt.Errorf("%w: blob offset beyond kernel partition", vbooterrs.ErrRegionOverrun)
	}
	blobLen := preamble.BodySig.DataSize
	if uint64(blobOff)+uint64(blobLen) > uint64(len(data)) {
		return nil, nil, nil, fmt.Errorf("%w: kernel blob body_signature.data_size exceeds partition", vbooterrs.ErrRegionOverrun)
	}
	blob := data[blobOff : blobOff+blobLen]
	return kb, preamble, blob, nil
}
