// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sign

import (
	"github.com/vboot-go/futility/internal/vboot1"
	"github.com/vboot-go/futility/internal/vbootkey"
)

// SignRawFirmware signs a standalone firmware body blob (FW_MAIN_A/B taken
// in isolation, outside of a full BIOS image) and returns the resulting
// keyblock||preamble vblock. Grounded on cmd_sign.c's ft_sign_raw_firmware.
func SignRawFirmware(body []byte, keys Keys, opt Options) ([]byte, error) {
	sig, err := vbootkey.Sign(keys.SignPrivate, body)
	if err != nil {
		return nil, err
	}
	bodySig := vboot1.Signature{DataSize: uint32(len(body)), Sig: sig}

	preambleBytes, err := vboot1.MakeFirmwarePreamble(opt.Version, keys.KernelSubkey, bodySig, opt.Flags, keys.SignPrivate)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(keys.Keyblock)+len(preambleBytes))
	out = append(out, keys.Keyblock...)
	out = append(out, preambleBytes...)
	return out, nil
}
