// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import "fmt"

// ErrArgs means arguments are invalid; it wraps a go-multierror so every
// flag problem discovered during validation is reported at once rather than
// making the user fix them one at a time.
type ErrArgs struct {
	Err error
}

func (err ErrArgs) Error() string {
	return fmt.Sprintf("invalid arguments:\n%v", err.Err)
}

func (err ErrArgs) Unwrap() error {
	return err.Err
}
