// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vbootkey implements the key and crypto primitives component: key
// loading, signing, and verification for the firmware-image signing engine.
package vbootkey

import (
	"crypto"
	"fmt"
)

// Algorithm identifies an (RSA modulus size, hash) signing pair, mirroring
// vboot1's kNumAlgorithms table of RSA1024/2048/4096/8192 crossed with
// SHA1/SHA256/SHA512 (a handful of combinations are never produced by real
// keysets and are simply unused rows of the table, matching the original).
type Algorithm int

// The algorithm identifiers, in the same order as vboot1's table.
const (
	AlgoRSA1024SHA1 Algorithm = iota
	AlgoRSA1024SHA256
	AlgoRSA1024SHA512
	AlgoRSA2048SHA1
	AlgoRSA2048SHA256
	AlgoRSA2048SHA512
	AlgoRSA4096SHA1
	AlgoRSA4096SHA256
	AlgoRSA4096SHA512
	AlgoRSA8192SHA1
	AlgoRSA8192SHA256
	AlgoRSA8192SHA512
	NumAlgorithms
)

type algoInfo struct {
	bits int
	hash crypto.Hash
}

var algoTable = map[Algorithm]algoInfo{
	AlgoRSA1024SHA1:   {1024, crypto.SHA1},
	AlgoRSA1024SHA256: {1024, crypto.SHA256},
	AlgoRSA1024SHA512: {1024, crypto.SHA512},
	AlgoRSA2048SHA1:   {2048, crypto.SHA1},
	AlgoRSA2048SHA256: {2048, crypto.SHA256},
	AlgoRSA2048SHA512: {2048, crypto.SHA512},
	AlgoRSA4096SHA1:   {4096, crypto.SHA1},
	AlgoRSA4096SHA256: {4096, crypto.SHA256},
	AlgoRSA4096SHA512: {4096, crypto.SHA512},
	AlgoRSA8192SHA1:   {8192, crypto.SHA1},
	AlgoRSA8192SHA256: {8192, crypto.SHA256},
	AlgoRSA8192SHA512: {8192, crypto.SHA512},
}

// Valid reports whether a is a known algorithm identifier.
func (a Algorithm) Valid() bool {
	_, ok := algoTable[a]
	return ok
}

// Bits returns the RSA modulus size in bits this algorithm requires.
func (a Algorithm) Bits() int {
	return algoTable[a].bits
}

// Hash returns the digest algorithm this signing algorithm uses.
func (a Algorithm) Hash() crypto.Hash {
	return algoTable[a].hash
}

func (a Algorithm) String() string {
	info, ok := algoTable[a]
	if !ok {
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
	return fmt.Sprintf("RSA%d/%s", info.bits, info.hash)
}
