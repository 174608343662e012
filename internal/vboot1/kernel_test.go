// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vboot1

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vboot-go/futility/internal/vbootkey"
)

func TestCreateKernelBlobLayout(t *testing.T) {
	vmlinuz := make([]byte, 8192)
	bootloader := make([]byte, 512)
	blob, err := CreateKernelBlob(vmlinuz, ArchARM, 0x100000, []byte("console=tty0"), bootloader)
	require.NoError(t, err)

	require.Equal(t, pageSize, blob.VmlinuzOffset)
	require.Equal(t, len(vmlinuz), blob.VmlinuzSize)
	ptr := order.Uint32(blob.Data[cmdLinePtrOffset : cmdLinePtrOffset+4])
	require.Equal(t, uint32(0x100000)+uint32(blob.CmdlineOffset), ptr)
	require.Contains(t, string(blob.Data[blob.CmdlineOffset:blob.CmdlineOffset+blob.CmdlineSize]), "console=tty0")
}

func TestCreateKernelBlobRejectsUnspecifiedArch(t *testing.T) {
	_, err := CreateKernelBlob([]byte("x"), ArchUnspecified, 0, nil, nil)
	require.Error(t, err)
}

func TestParseArch(t *testing.T) {
	cases := map[string]Arch{
		"x86": ArchX86, "amd64": ArchX86,
		"arm": ArchARM, "aarch64": ArchARM,
		"mips": ArchMIPS, "MIPS": ArchMIPS,
	}
	for in, want := range cases {
		got, err := ParseArch(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseArch("sparc")
	require.Error(t, err)
}

func TestSignAndUnpackKernelPartition(t *testing.T) {
	root := genPriv(t, 1024, vbootkey.AlgoRSA1024SHA256)
	dataPriv := genPriv(t, 1024, vbootkey.AlgoRSA1024SHA256)
	dataPub, err := dataPriv.PublicKey()
	require.NoError(t, err)
	keyBlockBytes, err := MakeKeyBlock(dataPub, root, 0)
	require.NoError(t, err)

	blob, err := CreateKernelBlob(make([]byte, 4096), ArchX86, 0x100000, []byte("a=b"), make([]byte, 256))
	require.NoError(t, err)

	const padding = 65536
	vblock, err := SignKernelBlob(blob.Data, padding, 3, 0x100000, keyBlockBytes, dataPriv, 0)
	require.NoError(t, err)
	require.Len(t, vblock, padding)

	partition := append(append([]byte{}, vblock...), blob.Data...)

	kb, preamble, unpackedBlob, err := UnpackKPart(partition, padding)
	require.NoError(t, err)
	require.Equal(t, 0, dataPub.Modulus.Cmp(kb.DataKey.Modulus))
	require.Equal(t, uint32(3), preamble.Version)
	require.Equal(t, uint32(0x100000), preamble.BodyLoadAddress)
	require.Equal(t, blob.Data, unpackedBlob)
}
