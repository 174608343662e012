// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sign

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
	"github.com/vboot-go/futility/internal/gbb"
	"github.com/vboot-go/futility/internal/iomap"
	"github.com/vboot-go/futility/internal/vboot1"
	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
)

func fixedName(s string) []byte {
	b := make([]byte, 32)
	copy(b, s)
	return b
}

// buildFakeBIOS lays out a minimal FMAP'd image with FW_MAIN_A/B and
// VBLOCK_A/B areas, mirroring the raw-byte construction style of
// internal/fmap's own tests. A non-nil gbbBlob is also laid out under a
// GBB area sized to fit it exactly.
func buildFakeBIOS(t *testing.T, fwA, fwB []byte, vblockAreaSize uint32, gbbBlob []byte) []byte {
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
	if gbbBlob != nil {
		layout = append(layout, struct {
			name string
			size uint32
		}{fmap.AreaGBB, uint32(len(gbbBlob))})
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
	if gbbBlob != nil {
		copy(buf[offsets[fmap.AreaGBB]:], gbbBlob)
	}
	return buf
}

// buildFakeGBB lays out a minimal GBB area with the given sub-region
// sizes, mirroring internal/gbb/gbb_test.go's buildFakeGBB.
func buildFakeGBB(t *testing.T, minorVersion uint16, hwidSize, rootKeySize, recoveryKeySize uint32) []byte {
	t.Helper()
	const headerSize = 8 + 2 + 2 + 4*8
	hwidOff := uint32(headerSize)
	rootKeyOff := hwidOff + hwidSize
	bmpFVOff := rootKeyOff + rootKeySize
	recoveryKeyOff := bmpFVOff
	total := recoveryKeyOff + recoveryKeySize

	buf := make([]byte, total)
	copy(buf[0:8], gbb.Signature[:])
	binary.LittleEndian.PutUint16(buf[8:10], 1)
	binary.LittleEndian.PutUint16(buf[10:12], minorVersion)
	binary.LittleEndian.PutUint32(buf[12:16], hwidOff)
	binary.LittleEndian.PutUint32(buf[16:20], hwidSize)
	binary.LittleEndian.PutUint32(buf[20:24], rootKeyOff)
	binary.LittleEndian.PutUint32(buf[24:28], rootKeySize)
	binary.LittleEndian.PutUint32(buf[28:32], bmpFVOff)
	binary.LittleEndian.PutUint32(buf[32:36], 0)
	binary.LittleEndian.PutUint32(buf[36:40], recoveryKeyOff)
	binary.LittleEndian.PutUint32(buf[40:44], recoveryKeySize)
	return buf
}

func genKey(t *testing.T, algo vbootkey.Algorithm) *vbootkey.PrivateKey {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, algo.Bits())
	require.NoError(t, err)
	return &vbootkey.PrivateKey{Algorithm: algo, RSA: rsaKey}
}

func TestSignBIOSMatchingFirmwareUsesNormalKeys(t *testing.T) {
	fw := bytes.Repeat([]byte{0x42}, 2048)
	img := buildFakeBIOS(t, fw, fw, 8192, nil)

	root := genKey(t, vbootkey.AlgoRSA1024SHA256)
	dataPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	dataPub, err := dataPriv.PublicKey()
	require.NoError(t, err)
	keyblockBytes, err := vboot1.MakeKeyBlock(dataPub, root, 0)
	require.NoError(t, err)
	kernelSubkeyPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	kernelSubkeyPub, err := kernelSubkeyPriv.PublicKey()
	require.NoError(t, err)

	keys := Keys{SignPrivate: dataPriv, Keyblock: keyblockBytes, KernelSubkey: kernelSubkeyPub}
	opt := Options{Version: 1, VersionGiven: true, Flags: 0, FlagsGiven: true}

	path := filepath.Join(t.TempDir(), "bios.bin")
	require.NoError(t, os.WriteFile(path, img, 0644))
	imgBuf, err := iomap.OpenForSign(path, iomap.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, SignBIOS(imgBuf, keys, opt))
	require.NoError(t, imgBuf.CloseSuccess())

	signed, err := os.ReadFile(path)
	require.NoError(t, err)
	dir, err := fmap.Parse(signed)
	require.NoError(t, err)

	vblockA, ok := dir.FindArea(fmap.AreaVBlockA)
	require.True(t, ok)
	p, err := vboot1.VerifyPreamble(signed[vblockA.Offset:][len(keyblockBytes):], dataPub)
	require.NoError(t, err)
	// No pre-existing valid preamble was present, so the whole FW_MAIN_A/B
	// area (not just the firmware payload written into it) gets signed.
	require.Equal(t, uint32(4096), p.BodySig.DataSize)
}

func TestSignBIOSDivergentFirmwareRequiresDevKeys(t *testing.T) {
	fwA := bytes.Repeat([]byte{0x41}, 2048)
	fwB := bytes.Repeat([]byte{0x42}, 2048)
	img := buildFakeBIOS(t, fwA, fwB, 8192, nil)

	root := genKey(t, vbootkey.AlgoRSA1024SHA256)
	dataPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	dataPub, err := dataPriv.PublicKey()
	require.NoError(t, err)
	keyblockBytes, err := vboot1.MakeKeyBlock(dataPub, root, 0)
	require.NoError(t, err)
	kernelSubkeyPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	kernelSubkeyPub, err := kernelSubkeyPriv.PublicKey()
	require.NoError(t, err)

	keys := Keys{SignPrivate: dataPriv, Keyblock: keyblockBytes, KernelSubkey: kernelSubkeyPub}
	opt := Options{Version: 1, VersionGiven: true}

	path := filepath.Join(t.TempDir(), "bios.bin")
	require.NoError(t, os.WriteFile(path, img, 0644))
	imgBuf, err := iomap.OpenForSign(path, iomap.ModeReadWrite)
	require.NoError(t, err)

	err = SignBIOS(imgBuf, keys, opt)
	require.Error(t, err)
	require.NoError(t, imgBuf.CloseError())
}

func TestSignBIOSMissingAreaIsLayoutIncomplete(t *testing.T) {
	fw := bytes.Repeat([]byte{0x42}, 2048)
	img := buildFakeBIOS(t, fw, fw, 8192, nil)

	// Truncate the image so VBLOCK_B's area no longer fits; FindArea still
	// finds the entry, but ClampToImage rejects it, so the area should be
	// reported missing just like an outright absent FMAP entry would be.
	dir, err := fmap.Parse(img)
	require.NoError(t, err)
	vblockB, ok := dir.FindArea(fmap.AreaVBlockB)
	require.True(t, ok)
	truncated := img[:vblockB.Offset]

	path := filepath.Join(t.TempDir(), "bios.bin")
	require.NoError(t, os.WriteFile(path, truncated, 0644))
	imgBuf, err := iomap.OpenForSign(path, iomap.ModeReadWrite)
	require.NoError(t, err)

	err = SignBIOS(imgBuf, Keys{}, Options{})
	require.ErrorIs(t, err, vbooterrs.ErrLayoutIncomplete)
	require.NoError(t, imgBuf.CloseError())
}

func TestSignBIOSAppliesGBBEdits(t *testing.T) {
	fw := bytes.Repeat([]byte{0x42}, 2048)
	gbbBlob := buildFakeGBB(t, 1, 64, 400, 400)
	img := buildFakeBIOS(t, fw, fw, 8192, gbbBlob)

	root := genKey(t, vbootkey.AlgoRSA1024SHA256)
	dataPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	dataPub, err := dataPriv.PublicKey()
	require.NoError(t, err)
	keyblockBytes, err := vboot1.MakeKeyBlock(dataPub, root, 0)
	require.NoError(t, err)
	kernelSubkeyPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	kernelSubkeyPub, err := kernelSubkeyPriv.PublicKey()
	require.NoError(t, err)
	recoveryPriv := genKey(t, vbootkey.AlgoRSA1024SHA256)
	recoveryPub, err := recoveryPriv.PublicKey()
	require.NoError(t, err)

	keys := Keys{SignPrivate: dataPriv, Keyblock: keyblockBytes, KernelSubkey: kernelSubkeyPub}
	opt := Options{
		Version: 1, VersionGiven: true,
		GBB: GBBEdits{
			HWID: "BOARD A1-B2C", HWIDGiven: true,
			RootKey:     dataPub,
			RecoveryKey: recoveryPub,
		},
	}

	path := filepath.Join(t.TempDir(), "bios.bin")
	require.NoError(t, os.WriteFile(path, img, 0644))
	imgBuf, err := iomap.OpenForSign(path, iomap.ModeReadWrite)
	require.NoError(t, err)
	require.NoError(t, SignBIOS(imgBuf, keys, opt))
	require.NoError(t, imgBuf.CloseSuccess())

	signed, err := os.ReadFile(path)
	require.NoError(t, err)
	dir, err := fmap.Parse(signed)
	require.NoError(t, err)
	area, ok := dir.FindArea(fmap.AreaGBB)
	require.True(t, ok)
	g, err := gbb.Parse(signed[area.Offset : area.Offset+area.Size])
	require.NoError(t, err)

	require.Equal(t, "BOARD A1-B2C", g.HWID())
	gotRoot, err := g.RootKey()
	require.NoError(t, err)
	require.Equal(t, dataPub.Marshal(), gotRoot.Marshal())
	gotRecovery, err := g.RecoveryKey()
	require.NoError(t, err)
	require.Equal(t, recoveryPub.Marshal(), gotRecovery.Marshal())
}

func TestCheckRollback(t *testing.T) {
	_, ok := CheckRollback(3, 1, 2)
	require.False(t, ok)

	warn, ok := CheckRollback(3, 1, 3)
	require.True(t, ok)
	require.Empty(t, warn)

	warn, ok = CheckRollback(3, 1, 5)
	require.True(t, ok)
	require.NotEmpty(t, warn)
}

func TestWriteLOEMSidecars(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteLOEMSidecars(dir, "myboard", []byte("vblock-a"), []byte("vblock-b")))

	gotA, err := os.ReadFile(filepath.Join(dir, "vblock_A.myboard"))
	require.NoError(t, err)
	require.Equal(t, "vblock-a", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(dir, "vblock_B.myboard"))
	require.NoError(t, err)
	require.Equal(t, "vblock-b", string(gotB))
}
