// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sign

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vboot-go/futility/internal/vbooterrs"
)

// WriteLOEMSidecars writes vblockA and vblockB out as
// "<dir>/vblock_A.<id>" and "<dir>/vblock_B.<id>", the per-LOEM-customer
// copies a board image ships alongside the signed firmware (grounded on
// write_loem() in cmd_sign.c). dir defaults to "." when empty. Each file is
// written via a temp file in the same directory followed by os.Rename, so a
// reader never observes a partially written sidecar.
func WriteLOEMSidecars(dir, id string, vblockA, vblockB []byte) error {
	if dir == "" {
		dir = "."
	}
	if err := writeLOEMFile(dir, "A", id, vblockA); err != nil {
		return err
	}
	return writeLOEMFile(dir, "B", id, vblockB)
}

func writeLOEMFile(dir, ab, id string, data []byte) error {
	dest := filepath.Join(dir, fmt.Sprintf("vblock_%s.%s", ab, id))

	tmp, err := os.CreateTemp(dir, ".futility-loem-*")
	if err != nil {
		return fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", vbooterrs.ErrIO, dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing %s: %v", vbooterrs.ErrIO, dest, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming to %s: %v", vbooterrs.ErrIO, dest, err)
	}
	return nil
}
