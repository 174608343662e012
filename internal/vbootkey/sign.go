// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vbootkey

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/vboot-go/futility/internal/vbooterrs"
)

// Sign computes a signature over data using priv, hashing with priv's
// declared algorithm. When priv wraps an external signer, the raw bytes are
// streamed to that program instead.
func Sign(priv *PrivateKey, data []byte) ([]byte, error) {
	if priv.External != nil {
		sig, err := execExternal(priv.External.Program, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", vbooterrs.ErrExternalSignerFailed, err)
		}
		return sig, nil
	}
	if priv.RSA == nil {
		return nil, fmt.Errorf("%w: private key has no key material", vbooterrs.ErrBadKey)
	}
	h := priv.Algorithm.Hash().New()
	h.Write(data)
	digest := h.Sum(nil)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv.RSA, priv.Algorithm.Hash(), digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vbooterrs.ErrBadSignature, err)
	}
	return sig, nil
}

// Verify checks that sig is a valid signature over data by pub.
func Verify(pub *PublicKey, data, sig []byte) error {
	h := pub.Algorithm.Hash().New()
	h.Write(data)
	digest := h.Sum(nil)
	if err := rsa.VerifyPKCS1v15(pub.RSA(), pub.Algorithm.Hash(), digest, sig); err != nil {
		return fmt.Errorf("%w: %v", vbooterrs.ErrBadSignature, err)
	}
	return nil
}
