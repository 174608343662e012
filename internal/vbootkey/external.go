// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vbootkey

import (
	"bytes"
	"fmt"
	"os/exec"
)

// execExternal streams data to program's stdin and returns its stdout as
// the signature, per the --pem_external contract: a blocking
// child-process call whose non-zero exit surfaces as ErrExternalSignerFailed.
// Tests may replace this variable with a fake.
var execExternal = func(program string, data []byte) ([]byte, error) {
	cmd := exec.Command(program)
	cmd.Stdin = bytes.NewReader(data)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %v (stderr: %s)", program, err, errOut.String())
	}
	return out.Bytes(), nil
}
