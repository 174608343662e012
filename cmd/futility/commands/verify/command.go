// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package verify implements `futility verify`: an independent round-trip
// check of a signed BIOS image against a trusted root public key.
package verify

import (
	"fmt"
	"os"

	"github.com/vboot-go/futility/cmd/futility/commands"
	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
	"github.com/vboot-go/futility/verify"
)

var _ commands.Command = (*Command)(nil)

// Command is `futility verify`'s flag surface.
type Command struct {
	Infile  string `short:"i" long:"infile" description:"signed BIOS image to verify" required:"true"`
	RootKey string `long:"rootkey" description:"trusted root public key (.vbpubk)" required:"true"`
}

// ShortDescription explains what this command does in one line.
func (cmd *Command) ShortDescription() string {
	return "independently re-verifies a signed BIOS image against a root key"
}

// LongDescription explains what this verb does.
func (cmd *Command) LongDescription() string {
	return "Re-derives the keyblock and preamble signatures of a signed BIOS " +
		"image's VBLOCK_A/VBLOCK_B slots from the given root public key, " +
		"rather than trusting whatever the signer last computed."
}

// Execute runs the command.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("unexpected extra arguments: %v", args)}
	}

	root, err := vbootkey.LoadPublicKeyFile(cmd.RootKey)
	if err != nil {
		return fmt.Errorf("%w: loading --rootkey: %v", vbooterrs.ErrBadKey, err)
	}

	img, err := os.ReadFile(cmd.Infile)
	if err != nil {
		return fmt.Errorf("%w: reading --infile: %v", vbooterrs.ErrIO, err)
	}

	report, err := verify.BIOS(img, root)
	if err != nil {
		return err
	}

	printSlot(report.SlotA)
	printSlot(report.SlotB)

	if !report.OK() {
		return fmt.Errorf("%w: verification failed, see above", vbooterrs.ErrBadSignature)
	}
	fmt.Println("verify: OK")
	return nil
}

func printSlot(s verify.SlotReport) {
	if s.Err != nil {
		fmt.Printf("slot %s: FAIL: %v\n", s.Slot, s.Err)
		return
	}
	fmt.Printf("slot %s: OK (keyblock=%v preamble=%v body=%v firmware_version=%d)\n",
		s.Slot, s.KeyblockValid, s.PreambleValid, s.BodyValid, s.FirmwareVer)
}
