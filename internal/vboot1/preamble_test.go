// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vboot1

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vboot-go/futility/internal/vbootkey"
)

func TestFirmwarePreambleRoundTrip(t *testing.T) {
	dataPriv := genPriv(t, 1024, vbootkey.AlgoRSA1024SHA256)
	dataPub, err := dataPriv.PublicKey()
	require.NoError(t, err)
	kernelSubkeyPriv := genPriv(t, 1024, vbootkey.AlgoRSA1024SHA256)
	kernelSubkeyPub, err := kernelSubkeyPriv.PublicKey()
	require.NoError(t, err)

	body := []byte("pretend firmware body bytes")
	sig, err := vbootkey.Sign(dataPriv, body)
	require.NoError(t, err)
	bodySig := Signature{DataSize: uint32(len(body)), Sig: sig}

	buf, err := MakeFirmwarePreamble(7, kernelSubkeyPub, bodySig, 0x1, dataPriv)
	require.NoError(t, err)

	p, err := VerifyPreamble(buf, dataPub)
	require.NoError(t, err)
	require.Equal(t, uint32(7), p.Version)
	require.Equal(t, uint32(0x1), p.Flags)
	require.Equal(t, uint32(len(body)), p.BodySig.DataSize)
	require.Equal(t, 0, kernelSubkeyPub.Modulus.Cmp(p.KernelSubkey.Modulus))

	require.NoError(t, vbootkey.Verify(dataPub, body[:p.BodySig.DataSize], p.BodySig.Sig))
}

func TestVerifyPreambleRejectsTamperedFlags(t *testing.T) {
	dataPriv := genPriv(t, 1024, vbootkey.AlgoRSA1024SHA256)
	dataPub, err := dataPriv.PublicKey()
	require.NoError(t, err)
	kernelSubkeyPriv := genPriv(t, 1024, vbootkey.AlgoRSA1024SHA256)
	kernelSubkeyPub, err := kernelSubkeyPriv.PublicKey()
	require.NoError(t, err)

	body := []byte("body")
	sig, err := vbootkey.Sign(dataPriv, body)
	require.NoError(t, err)
	bodySig := Signature{DataSize: uint32(len(body)), Sig: sig}

	buf, err := MakeFirmwarePreamble(1, kernelSubkeyPub, bodySig, 0, dataPriv)
	require.NoError(t, err)

	// Flip the flags word after signing.
	buf[8] ^= 0xff

	_, err = VerifyPreamble(buf, dataPub)
	require.Error(t, err)
}
