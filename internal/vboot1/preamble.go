// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vboot1

import (
	"fmt"

	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
)

// firmwarePreambleHeaderSize covers: preamble_size, firmware_version,
// flags, kernel_subkey_len, body_sig_data_size, body_sig_len, preamble_sig_len.
const firmwarePreambleHeaderSize = 4 * 7

// Preamble is a parsed firmware preamble: the firmware version,
// the kernel subkey the kernel signer must match, the body signature
// (whose DataSize is the authoritative firmware body length), and the
// preamble flags.
type Preamble struct {
	Version      uint32
	KernelSubkey *vbootkey.PublicKey
	BodySig      Signature
	Flags        uint32

	signedRegion []byte
	signature    []byte
}

// MakeFirmwarePreamble assembles and signs a firmware preamble. bodySig must
// already have been computed (via vbootkey.Sign) over exactly the first
// bodySig.DataSize bytes of the corresponding FW_MAIN_* area.
func MakeFirmwarePreamble(version uint32, kernelSubkey *vbootkey.PublicKey, bodySig Signature, flags uint32, dataKey *vbootkey.PrivateKey) ([]byte, error) {
	subkeyBytes := kernelSubkey.Marshal()
	bodySigBytes := bodySig.Marshal()
	sigLen := dataKey.Algorithm.Bits() / 8

	size := firmwarePreambleHeaderSize + len(subkeyBytes) + len(bodySigBytes) + sigLen
	unsigned := make([]byte, firmwarePreambleHeaderSize+len(subkeyBytes)+len(bodySigBytes))
	order.PutUint32(unsigned[0:4], uint32(size))
	order.PutUint32(unsigned[4:8], version)
	order.PutUint32(unsigned[8:12], flags)
	order.PutUint32(unsigned[12:16], uint32(len(subkeyBytes)))
	order.PutUint32(unsigned[16:20], bodySig.DataSize)
	order.PutUint32(unsigned[20:24], uint32(len(bodySig.Sig)))
	order.PutUint32(unsigned[24:28], uint32(sigLen))
	copy(unsigned[firmwarePreambleHeaderSize:], subkeyBytes)
	copy(unsigned[firmwarePreambleHeaderSize+len(subkeyBytes):], bodySigBytes)

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

// ParsePreamble parses a firmware preamble without verifying its signature.
func ParsePreamble(buf []byte) (*Preamble, error) {
	if len(buf) < firmwarePreambleHeaderSize {
		return nil, fmt.Errorf("%w: preamble header truncated", vbooterrs.ErrBadKey)
	}
	size := order.Uint32(buf[0:4])
	version := order.Uint32(buf[4:8])
	flags := order.Uint32(buf[8:12])
	subkeyLen := order.Uint32(buf[12:16])
	bodySigDataSize := order.Uint32(buf[16:20])
	bodySigLen := order.Uint32(buf[20:24])
	preambleSigLen := order.Uint32(buf[24:28])

	bodySigBytes := 8 + uint64(bodySigLen)
	total := uint64(firmwarePreambleHeaderSize) + uint64(subkeyLen) + bodySigBytes + uint64(preambleSigLen)
	if total != uint64(size) {
		return nil, fmt.Errorf("%w: preamble_size disagrees with field lengths", vbooterrs.ErrBadKey)
	}
	if total > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: preamble_size overruns buffer", vbooterrs.ErrRegionOverrun)
	}

	off := firmwarePreambleHeaderSize
	subkey, err := vbootkey.UnmarshalPublicKey(buf[off : off+int(subkeyLen)])
	if err != nil {
		return nil, err
	}
	off += int(subkeyLen)

	bodySig, consumed, err := UnmarshalSignature(buf[off : off+int(bodySigBytes)])
	if err != nil {
		return nil, err
	}
	if bodySig.DataSize != bodySigDataSize {
		return nil, fmt.Errorf("%w: body signature data_size mismatch", vbooterrs.ErrBadKey)
	}
	off += consumed

	sigEnd := off + int(preambleSigLen)
	return &Preamble{
		Version:      version,
		KernelSubkey: subkey,
		BodySig:      bodySig,
		Flags:        flags,
		signedRegion: buf[:off],
		signature:    buf[off:sigEnd],
	}, nil
}

// VerifyPreamble parses and verifies a firmware preamble's signature
// against the given data key.
func VerifyPreamble(buf []byte, dataKey *vbootkey.PublicKey) (*Preamble, error) {
	p, err := ParsePreamble(buf)
	if err != nil {
		return nil, err
	}
	if err := vbootkey.Verify(dataKey, p.signedRegion, p.signature); err != nil {
		return nil, err
	}
	return p, nil
}
