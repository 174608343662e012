// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sign implements the signing operations of a BIOS image, a kernel
// partition, or a bare public key, orchestrating internal/fmap, internal/gbb,
// internal/vboot1, and internal/vbootkey the way cmd_sign.c's ft_sign_*
// family orchestrates fmap.c, vb1_helper.c, and host_key2.c.
package sign

import "github.com/vboot-go/futility/internal/vbootkey"

// Keys bundles every signing key SignBIOS may need. DevSignPrivate and
// DevKeyblock are only required when FW_MAIN_A and FW_MAIN_B diverge.
type Keys struct {
	SignPrivate  *vbootkey.PrivateKey
	Keyblock     []byte
	KernelSubkey *vbootkey.PublicKey

	DevSignPrivate *vbootkey.PrivateKey
	DevKeyblock    []byte
}

// GBBEdits carries the optional Google Binary Block field updates a BIOS
// sign may apply alongside re-signing the firmware slots. A field is only
// written when its *Given flag is set (HWID, Flags) or its key pointer is
// non-nil (RootKey, RecoveryKey); a zero-value GBBEdits changes nothing.
type GBBEdits struct {
	HWID      string
	HWIDGiven bool

	RootKey     *vbootkey.PublicKey
	RecoveryKey *vbootkey.PublicKey

	Flags      uint32
	FlagsGiven bool
}

// IsZero reports whether no GBB field update was requested.
func (e GBBEdits) IsZero() bool {
	return !e.HWIDGiven && e.RootKey == nil && e.RecoveryKey == nil && !e.FlagsGiven
}

// Options carries the firmware preamble fields, sidecar-writer config, and
// GBB field updates that apply across a SignBIOS call.
type Options struct {
	Version      uint32
	VersionGiven bool
	Flags        uint32
	FlagsGiven   bool
	LoemDir      string
	LoemID       string
	GBB          GBBEdits
}
