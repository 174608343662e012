// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vbooterrs defines the sentinel error taxonomy shared by every
// signing component, per the error taxonomy of the spec this engine follows.
package vbooterrs

import "errors"

// Crypto material problems.
var (
	ErrBadKey               = errors.New("bad key")
	ErrAlgoMismatch         = errors.New("algorithm mismatch")
	ErrBadSignature         = errors.New("bad signature")
	ErrExternalSignerFailed = errors.New("external signer failed")
)

// Structural problems.
var (
	ErrLayoutIncomplete = errors.New("layout incomplete")
	ErrRegionOverrun    = errors.New("region overrun")
	ErrFmapNotFound     = errors.New("fmap not found")
)

// A/B divergence.
var ErrDevKeysRequired = errors.New("FW A & B differ, DEV keys are required")

// GBB editing constraints. ErrUnsupportedField is warning-grade: callers
// downgrade it to a log message instead of aborting.
var (
	ErrGBBFull          = errors.New("GBB area too small for key")
	ErrUnsupportedField = errors.New("unsupported field in this GBB version")
)

// I/O.
var ErrIO = errors.New("i/o error")

// BadArgs is raised during CLI argument handling: an unknown --type,
// --arch, or an input type that cannot be determined.
var ErrBadArgs = errors.New("bad arguments")
