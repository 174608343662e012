// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vboot1

import (
	"fmt"

	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
)

// KeyBlockMagic marks the start of a keyblock.
var KeyBlockMagic = [8]byte{'V', 'B', '1', 'K', 'E', 'Y', 'B', 'K'}

const keyBlockHeaderSize = 8 + 4 + 4 + 4 + 4 + 4 + 4 // magic + 2 versions + size + flags + datakeylen + siglen

// KeyBlock is a parsed keyblock: a public data key plus a flag word,
// wrapped in a signature from a root (or developer) signing key.
type KeyBlock struct {
	Flags        uint32
	DataKey      *vbootkey.PublicKey
	KeyBlockSize uint32

	signedRegion []byte
	signature    []byte
}

// Raw returns the keyblock's original serialized bytes (the exact slice
// ParseKeyBlock was given, up to KeyBlockSize), for callers that want to
// carry an existing keyblock forward unchanged -- e.g. resigning a kernel
// partition without a replacement --keyblock.
func (kb *KeyBlock) Raw() []byte {
	out := make([]byte, 0, len(kb.signedRegion)+len(kb.signature))
	out = append(out, kb.signedRegion...)
	out = append(out, kb.signature...)
	return out
}

// MakeKeyBlock packs dataKeyPub and flags, signs the packed header+key with
// signer, and returns the contiguous serialized keyblock. A PKCS#1v1.5 RSA
// signature's length is deterministic (the modulus size), so every header
// field -- including key_block_size -- can be finalized before signing;
// the signature therefore covers the complete header.
func MakeKeyBlock(dataKeyPub *vbootkey.PublicKey, signer *vbootkey.PrivateKey, flags uint32) ([]byte, error) {
	keyBytes := dataKeyPub.Marshal()
	sigLen := signer.Algorithm.Bits() / 8

	unsigned := make([]byte, keyBlockHeaderSize+len(keyBytes))
	copy(unsigned[0:8], KeyBlockMagic[:])
	order.PutUint32(unsigned[8:12], 1)  // header_version_major
	order.PutUint32(unsigned[12:16], 0) // header_version_minor
	order.PutUint32(unsigned[16:20], uint32(keyBlockHeaderSize+len(keyBytes)+sigLen)) // key_block_size
	order.PutUint32(unsigned[20:24], flags)
	order.PutUint32(unsigned[24:28], uint32(len(keyBytes)))
	order.PutUint32(unsigned[28:32], uint32(sigLen))
	copy(unsigned[keyBlockHeaderSize:], keyBytes)

	sig, err := vbootkey.Sign(signer, unsigned)
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

// ParseKeyBlock parses a keyblock's fields without verifying its signature.
func ParseKeyBlock(buf []byte) (*KeyBlock, error) {
	if len(buf) < keyBlockHeaderSize {
		return nil, fmt.Errorf("%w: keyblock header truncated", vbooterrs.ErrBadKey)
	}
	if string(buf[0:8]) != string(KeyBlockMagic[:]) {
		return nil, fmt.Errorf("%w: bad keyblock magic", vbooterrs.ErrBadKey)
	}
	keyBlockSize := order.Uint32(buf[16:20])
	flags := order.Uint32(buf[20:24])
	dataKeyLen := order.Uint32(buf[24:28])
	sigLen := order.Uint32(buf[28:32])

	if uint64(keyBlockHeaderSize)+uint64(dataKeyLen)+uint64(sigLen) != uint64(keyBlockSize) {
		return nil, fmt.Errorf("%w: keyblock_size disagrees with field lengths", vbooterrs.ErrBadKey)
	}
	if uint64(keyBlockSize) > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: keyblock_size overruns buffer", vbooterrs.ErrRegionOverrun)
	}

	keyStart := keyBlockHeaderSize
	keyEnd := keyStart + int(dataKeyLen)
	dataKey, err := vbootkey.UnmarshalPublicKey(buf[keyStart:keyEnd])
	if err != nil {
		return nil, err
	}

	return &KeyBlock{
		Flags:        flags,
		DataKey:      dataKey,
		KeyBlockSize: keyBlockSize,
		signedRegion: buf[:keyEnd],
		signature:    buf[keyEnd : keyEnd+int(sigLen)],
	}, nil
}

// VerifyKeyBlock bounds-checks all length fields in buf against the buffer
// and verifies the trailing signature against trustedRoot.
func VerifyKeyBlock(buf []byte, trustedRoot *vbootkey.PublicKey) (*KeyBlock, error) {
	kb, err := ParseKeyBlock(buf)
	if err != nil {
		return nil, err
	}
	if err := vbootkey.Verify(trustedRoot, kb.signedRegion, kb.signature); err != nil {
		return nil, err
	}
	return kb, nil
}
