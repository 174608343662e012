// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vbootkey

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/vboot-go/futility/internal/vbooterrs"
)

// PublicKey is a public data/root/kernel-subkey key, wire-compatible in
// spirit with vboot1's VbPublicKey: an algorithm id plus an RSA modulus and
// exponent. Unlike the original on-flash format (which stores a Montgomery
// reduction helper alongside the modulus for the boot ROM's big-number
// code), this engine stores a standard big-endian modulus and exponent and
// reconstructs *rsa.PublicKey directly.
type PublicKey struct {
	Algorithm Algorithm
	Modulus   *big.Int
	Exponent  int
}

// RSA returns the standard-library representation of the key.
func (k *PublicKey) RSA() *rsa.PublicKey {
	return &rsa.PublicKey{N: k.Modulus, E: k.Exponent}
}

// Marshal serializes the key to the on-disk .vbpubk-style wire format:
// a u32 algorithm id, u32 modulus size in bytes, u32 exponent, followed by
// the big-endian modulus bytes.
func (k *PublicKey) Marshal() []byte {
	n := k.Modulus.Bytes()
	buf := make([]byte, 12+len(n))
	binary.BigEndian.PutUint32(buf[0:4], uint32(k.Algorithm))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(n)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(k.Exponent))
	copy(buf[12:], n)
	return buf
}

// UnmarshalPublicKey parses the wire format produced by Marshal.
func UnmarshalPublicKey(buf []byte) (*PublicKey, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("%w: public key header truncated", vbooterrs.ErrBadKey)
	}
	algo := Algorithm(binary.BigEndian.Uint32(buf[0:4]))
	if !algo.Valid() {
		return nil, fmt.Errorf("%w: unknown algorithm %d", vbooterrs.ErrBadKey, algo)
	}
	modLen := binary.BigEndian.Uint32(buf[4:8])
	exponent := binary.BigEndian.Uint32(buf[8:12])
	if uint64(12+modLen) > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: public key modulus overruns buffer", vbooterrs.ErrBadKey)
	}
	n := new(big.Int).SetBytes(buf[12 : 12+modLen])
	return &PublicKey{Algorithm: algo, Modulus: n, Exponent: int(exponent)}, nil
}

// LoadPublicKeyFile reads a public key from its on-disk .vbpubk-style file.
func LoadPublicKeyFile(path string) (*PublicKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrBadKey, err)
	}
	return UnmarshalPublicKey(buf)
}

// PublicKeyFromRSA wraps a standard-library public key with the declared
// signing algorithm, checking the modulus size agrees with it.
func PublicKeyFromRSA(pub *rsa.PublicKey, algo Algorithm) (*PublicKey, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("%w: unknown algorithm %d", vbooterrs.ErrBadKey, algo)
	}
	if pub.N.BitLen() > algo.Bits() {
		return nil, fmt.Errorf("%w: key is %d bits, algorithm %s wants %d",
			vbooterrs.ErrAlgoMismatch, pub.N.BitLen(), algo, algo.Bits())
	}
	return &PublicKey{Algorithm: algo, Modulus: pub.N, Exponent: pub.E}, nil
}

// PrivateKey is a private signing key plus the algorithm it signs with.
// Either RSA is set (in-process signing) or External is set (signatures
// are produced by invoking an external program), never both.
type PrivateKey struct {
	Algorithm Algorithm
	RSA       *rsa.PrivateKey
	External  *ExternalSigner
}

// marshalPrivateKey encodes this engine's internal wire format for a private
// key file: u32 algorithm id followed by the PKCS#1 DER encoding of the key.
func marshalPrivateKey(algo Algorithm, key *rsa.PrivateKey) []byte {
	der := x509.MarshalPKCS1PrivateKey(key)
	buf := make([]byte, 4+len(der))
	binary.BigEndian.PutUint32(buf[0:4], uint32(algo))
	copy(buf[4:], der)
	return buf
}

// LoadPrivateKeyFile reads a private key from its internal wire format
// (algorithm id + PKCS#1 DER), as produced by MarshalPrivateKeyFile.
func LoadPrivateKeyFile(path string) (*PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrBadKey, err)
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: private key file truncated", vbooterrs.ErrBadKey)
	}
	algo := Algorithm(binary.BigEndian.Uint32(buf[0:4]))
	if !algo.Valid() {
		return nil, fmt.Errorf("%w: unknown algorithm %d", vbooterrs.ErrBadKey, algo)
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(buf[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrBadKey, err)
	}
	if rsaKey.N.BitLen() > algo.Bits() {
		return nil, fmt.Errorf("%w: key is %d bits, algorithm %s wants %d",
			vbooterrs.ErrAlgoMismatch, rsaKey.N.BitLen(), algo, algo.Bits())
	}
	return &PrivateKey{Algorithm: algo, RSA: rsaKey}, nil
}

// MarshalPrivateKeyFile writes key to path in the internal wire format.
func MarshalPrivateKeyFile(path string, algo Algorithm, key *rsa.PrivateKey) error {
	return os.WriteFile(path, marshalPrivateKey(algo, key), 0600)
}

// LoadPrivateKeyPEM reads a PEM-encoded RSA private key, attaching the
// explicitly supplied algorithm (PEM files carry no algorithm id of their
// own -- that's why --pem_algo is a required companion flag).
func LoadPrivateKeyPEM(path string, algo Algorithm) (*PrivateKey, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("%w: unknown algorithm %d", vbooterrs.ErrBadKey, algo)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrBadKey, err)
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", vbooterrs.ErrBadKey, path)
	}
	rsaKey, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrBadKey, err)
	}
	if rsaKey.N.BitLen() > algo.Bits() {
		return nil, fmt.Errorf("%w: key is %d bits, algorithm %s wants %d",
			vbooterrs.ErrAlgoMismatch, rsaKey.N.BitLen(), algo, algo.Bits())
	}
	return &PrivateKey{Algorithm: algo, RSA: rsaKey}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PEM key is not RSA")
	}
	return rsaKey, nil
}

// PublicKey derives the matching public key, for keyblock construction.
func (p *PrivateKey) PublicKey() (*PublicKey, error) {
	if p.RSA == nil {
		return nil, fmt.Errorf("%w: external signer has no local public key", vbooterrs.ErrBadKey)
	}
	return PublicKeyFromRSA(&p.RSA.PublicKey, p.Algorithm)
}

// ExternalSigner invokes an external program to produce signatures for a
// PEM key whose private half the engine never touches directly, per the
// --pem_external flag.
type ExternalSigner struct {
	Program string
}

// NewExternalSigner returns a PrivateKey whose Sign calls out to program.
func NewExternalSigner(algo Algorithm, program string) *PrivateKey {
	return &PrivateKey{Algorithm: algo, External: &ExternalSigner{Program: program}}
}
