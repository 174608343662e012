// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package verify

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vboot-go/futility/internal/fmap"
	"github.com/vboot-go/futility/internal/iomap"
	"github.com/vboot-go/futility/internal/vboot1"
	"github.com/vboot-go/futility/internal/vbootkey"
	"github.com/vboot-go/futility/sign"
)

func fixedName(s string) []byte {
	b := make([]byte, 32)
	copy(b, s)
	return b
}

// buildFakeBIOS lays out a minimal FMAP'd image with FW_MAIN_A/B and
// VBLOCK_A/B areas, mirroring sign's own test helper of the same name.
func buildFakeBIOS(t *testing.T, fwA, fwB []byte, vblockAreaSize uint32) []byte {
	t.Helper()
	const fwAreaSize = 4096
	require.LessOrEqual(t, len(fwA), fwAreaSize)
	require.LessOrEqual(t, len(fwB), fwAreaSize)

	layout := []struct {
		name string
		size uint32
	}{
		{fmap.AreaFWMainA, fwAreaSize},
		{fmap.AreaFWMainB, fwAreaSize},
		{fmap.AreaVBlockA, vblockAreaSize},
		{fmap.AreaVBlockB, vblockAreaSize},
	}

	headerLen := uint32(8 + 2 + 8 + 4 + 32 + 2)
	entryLen := uint32(4 + 4 + 32 + 2)
	base := headerLen + entryLen*uint32(len(layout))
	offsets := map[string]uint32{}
	off := base
	for _, l := range layout {
		offsets[l.name] = off
		off += l.size
	}
	total := off

	buf := make([]byte, total)
	copy(buf[0:8], fmap.Signature)
	buf[8], buf[9] = 1, 0
	binary.LittleEndian.PutUint32(buf[18:22], total)
	copy(buf[22:54], fixedName("test-bios"))
	binary.LittleEndian.PutUint16(buf[54:56], uint16(len(layout)))

	entryOff := headerLen
	for _, l := range layout {
		binary.LittleEndian.PutUint32(buf[entryOff:entryOff+4], offsets[l.name])
		binary.LittleEndian.PutUint32(buf[entryOff+4:entryOff+8], l.size)
		copy(buf[entryOff+8:entryOff+40], fixedName(l.name))
		entryOff += entryLen
	}

	copy(buf[offsets[fmap.AreaFWMainA]:], fwA)
	copy(buf[offsets[fmap.AreaFWMainB]:], fwB)
	return buf
}

func genKey(t *testing.T, algo vbootkey.Algorithm) *vbootkey.PrivateKey {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, algo.Bits())
	require.NoError(t, err)
	return &vbootkey.PrivateKey{Algorithm: algo, RSA: rsaKey}
}

// signFakeBIOS produces a freshly signed image plus the root public key it
// was signed against, for verify to check.
func signFakeBIOS(t *testing.T) (signed []byte, root *vbootkey.PublicKey) {
	t.Helper()
	fw := bytes.Repeat([]byte{0x42}, 2048)
	img := buildFakeBIOS(t, fw, fw, 8192)

	rootPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	rootPub, err := rootPriv.PublicKey()
	require.NoError(t, err)
	dataPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	dataPub, err := dataPriv.PublicKey()
	require.NoError(t, err)
	keyblockBytes, err := vboot1.MakeKeyBlock(dataPub, rootPriv, 0)
	require.NoError(t, err)
	kernelSubkeyPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	kernelSubkeyPub, err := kernelSubkeyPriv.PublicKey()
	require.NoError(t, err)

	keys := sign.Keys{SignPrivate: dataPriv, Keyblock: keyblockBytes, KernelSubkey: kernelSubkeyPub}
	opt := sign.Options{Version: 3, VersionGiven: true, Flags: 0, FlagsGiven: true}

	path := filepath.Join(t.TempDir(), "bios.bin")
	require.NoError(t, os.WriteFile(path, img, 0644))
	imgBuf, err := iomap.OpenForSign(path, iomap.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, sign.SignBIOS(imgBuf, keys, opt))
	require.NoError(t, imgBuf.CloseSuccess())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	return out, rootPub
}

func TestBIOSAcceptsAFreshlySignedImage(t *testing.T) {
	signed, root := signFakeBIOS(t)

	report, err := BIOS(signed, root)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.True(t, report.SlotA.KeyblockValid)
	require.True(t, report.SlotA.PreambleValid)
	require.True(t, report.SlotA.BodyValid)
	require.Equal(t, uint32(3), report.SlotA.FirmwareVer)
	require.True(t, report.SlotB.BodyValid)
}

func TestBIOSRejectsWrongRootKey(t *testing.T) {
	signed, _ := signFakeBIOS(t)
	wrongRoot := genKey(t, vbootkey.AlgoRSA1024SHA256)
	wrongRootPub, err := wrongRoot.PublicKey()
	require.NoError(t, err)

	report, err := BIOS(signed, wrongRootPub)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Error(t, report.SlotA.Err)
	require.Error(t, report.SlotB.Err)
}

func TestBIOSRejectsTamperedFirmwareBody(t *testing.T) {
	signed, root := signFakeBIOS(t)

	dir, err := fmap.Parse(signed)
	require.NoError(t, err)
	fwMainA, ok := dir.FindArea(fmap.AreaFWMainA)
	require.True(t, ok)
	tampered := make([]byte, len(signed))
	copy(tampered, signed)
	tampered[fwMainA.Offset] ^= 0xff

	report, err := BIOS(tampered, root)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Error(t, report.SlotA.Err)
	require.True(t, report.SlotB.BodyValid)
}
