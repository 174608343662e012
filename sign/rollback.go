// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sign

import "fmt"

// CheckRollback advises whether signing with newDataKeyVersion would trip
// the TPM's anti-rollback check against a platform that has already seen
// platformDataKeyVersion/platformFirmwareVersion. It never fails outright --
// rollback protection is enforced by the TPM at boot time, not by this
// tool -- it only returns a warning string for the caller to log (via
// vlog.Warnf) and an ok bool a CLI may use to decide whether to proceed
// without --force.
func CheckRollback(platformDataKeyVersion, platformFirmwareVersion, newDataKeyVersion uint32) (warn string, ok bool) {
	if newDataKeyVersion < platformDataKeyVersion {
		return fmt.Sprintf(
			"new data key version (%d) is lower than the platform's current version (%d); "+
				"a TPM enforcing anti-rollback will refuse to boot this image",
			newDataKeyVersion, platformDataKeyVersion), false
	}
	if newDataKeyVersion > platformDataKeyVersion+1 {
		return fmt.Sprintf(
			"new data key version (%d) skips ahead of the platform's current version (%d) by more than one; "+
				"every version in between becomes permanently unbootable once this image is installed",
			newDataKeyVersion, platformDataKeyVersion), true
	}
	return "", true
}
