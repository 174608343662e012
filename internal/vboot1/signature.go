// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vboot1 implements the on-disk structures of verified-boot v1:
// keyblocks, firmware preambles, kernel blobs, and kernel preambles. The
// wire layouts are modeled on vboot1's VbKeyBlockHeader / VbSignature /
// VbFirmwarePreambleHeader / VbKernelPreambleHeader (see
// original_source/futility/cmd_sign.c for the reference call sequence),
// simplified to carry a standard RSA modulus/exponent pair instead of the
// Montgomery reduction helper the real boot ROM's big-number code wants.
package vboot1

import (
	"encoding/binary"
	"fmt"

	"github.com/vboot-go/futility/internal/vbooterrs"
)

var order = binary.LittleEndian

// Signature is a body signature: the authoritative length of the data it
// covers (data_size) plus the raw signature bytes.
type Signature struct {
	DataSize uint32
	Sig      []byte
}

// Marshal serializes a body signature as data_size, sig_len, then the
// signature bytes.
func (s Signature) Marshal() []byte {
	buf := make([]byte, 8+len(s.Sig))
	order.PutUint32(buf[0:4], s.DataSize)
	order.PutUint32(buf[4:8], uint32(len(s.Sig)))
	copy(buf[8:], s.Sig)
	return buf
}

// UnmarshalSignature parses a Signature and reports how many bytes it
// consumed from buf.
func UnmarshalSignature(buf []byte) (Signature, int, error) {
	if len(buf) < 8 {
		return Signature{}, 0, fmt.Errorf("%w: signature header truncated", vbooterrs.ErrBadSignature)
	}
	dataSize := order.Uint32(buf[0:4])
	sigLen := order.Uint32(buf[4:8])
	if uint64(8+sigLen) > uint64(len(buf)) {
		return Signature{}, 0, fmt.Errorf("%w: signature overruns buffer", vbooterrs.ErrBadSignature)
	}
	sig := make([]byte, sigLen)
	copy(sig, buf[8:8+sigLen])
	return Signature{DataSize: dataSize, Sig: sig}, int(8 + sigLen), nil
}
