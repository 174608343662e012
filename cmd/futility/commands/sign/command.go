// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sign implements `futility sign`: the verb that signs a public
// key into a keyblock, a raw firmware body into a vblock, a whole BIOS
// image in place, or a kernel partition -- whichever the given inputs
// describe. Flag surface and input-type inference follow cmd_sign.c's
// do_sign/set_options.
package sign

import (
	"bytes"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/vboot-go/futility/cmd/futility/commands"
	"github.com/vboot-go/futility/internal/fmap"
	"github.com/vboot-go/futility/internal/iomap"
	"github.com/vboot-go/futility/internal/vboot1"
	"github.com/vboot-go/futility/internal/vbooterrs"
	"github.com/vboot-go/futility/internal/vbootkey"
	"github.com/vboot-go/futility/internal/vlog"
	"github.com/vboot-go/futility/sign"
)

var _ commands.Command = (*Command)(nil)

// Command is `futility sign`'s flag surface.
type Command struct {
	SignPrivate    string `short:"s" long:"signprivate" description:"Private signing key (.vbprivk)"`
	Keyblock       string `short:"b" long:"keyblock" description:"Keyblock wrapping the public signing key"`
	KernelKey      string `short:"k" long:"kernelkey" description:"Public kernel subkey (.vbpubk)"`
	DevSignPrivate string `short:"S" long:"devsign" description:"DEV private signing key, required if FW A/B differ"`
	DevKeyblock    string `short:"B" long:"devkeyblock" description:"DEV keyblock, required if FW A/B differ"`

	Version *uint32 `short:"v" long:"version" description:"Firmware or kernel version"`
	Flags   *uint32 `short:"f" long:"flags" description:"Preamble flags"`

	LoemDir string `short:"d" long:"loemdir" description:"Directory to write LOEM sidecar vblocks into"`
	LoemID  string `short:"l" long:"loemid" description:"LOEM id; enables writing LOEM sidecar vblocks"`

	FV         string `long:"fv" description:"Raw firmware body blob (sign FW_MAIN_A/B in isolation)"`
	Infile     string `long:"infile" description:"Input file: BIOS image or kernel partition"`
	Vmlinuz    string `long:"vmlinuz" description:"Raw vmlinuz image (create a new kernel partition)"`
	DataPubKey string `long:"datapubkey" description:"Public key to wrap into a new keyblock"`
	Outfile    string `long:"outfile" description:"Output file; defaults to editing Infile in place"`

	Bootloader string `long:"bootloader" description:"Bootloader stub blob, for a new kernel partition"`
	Config     string `long:"config" description:"Replacement kernel command-line file"`
	Arch       string `long:"arch" description:"Kernel architecture: x86, arm, mips" default:"x86"`
	KLoadAddr  uint32 `long:"kloadaddr" description:"Kernel body load address" default:"1048576"`
	Pad        uint32 `long:"pad" description:"Vblock padding size" default:"65536"`

	PemSignpriv string `long:"pem_signpriv" description:"PEM-encoded private signing key, instead of --signprivate"`
	PemAlgo     *int   `long:"pem_algo" description:"Algorithm id for --pem_signpriv (0-11)"`
	PemExternal string `long:"pem_external" description:"External program invoked to sign for --pem_signpriv"`

	VblockOnly bool   `long:"vblockonly" description:"Write only the vblock, not the data it signs"`
	Type       string `long:"type" description:"Force input type: bios, fw_main, kernel_partition, raw_kernel, pubkey"`

	GBBHWID        *string `long:"gbb_hwid" description:"Replacement GBB hardware identifier string"`
	GBBRootKey     string  `long:"gbb_rootkey" description:"Public key to write into the GBB's root-key slot"`
	GBBRecoveryKey string  `long:"gbb_recoverykey" description:"Public key to write into the GBB's recovery-key slot"`
	GBBFlags       *uint32 `long:"gbb_flags" description:"Replacement GBB flags word"`
}

// ShortDescription explains what this command does in one line.
func (cmd *Command) ShortDescription() string {
	return "signs a public key, firmware blob, BIOS image, or kernel partition"
}

// LongDescription explains what this verb does.
func (cmd *Command) LongDescription() string {
	return "Signs whichever of a public key, a raw firmware body, a complete BIOS " +
		"image, or a kernel partition the given input flags describe."
}

// Execute runs the command.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("unexpected extra arguments: %v", args)}
	}

	inputType, err := cmd.inferType()
	if err != nil {
		return commands.ErrArgs{Err: err}
	}

	if errs := cmd.validate(inputType); errs != nil {
		return commands.ErrArgs{Err: errs}
	}

	opt, err := cmd.options()
	if err != nil {
		return err
	}
	keys, err := cmd.keys()
	if err != nil {
		return err
	}

	switch inputType {
	case typeBIOS:
		return cmd.signBIOS(keys, opt)
	case typeFWMain:
		return cmd.signFWMain(keys, opt)
	case typePubkey:
		return cmd.signPubkey(keys, opt)
	case typeRawKernel:
		return cmd.signRawKernel(keys, opt)
	case typeKernelPartition:
		return cmd.signKernelPartition(keys, opt)
	default:
		return fmt.Errorf("%w: unhandled input type %q", vbooterrs.ErrBadArgs, inputType)
	}
}

type inputType string

const (
	typeBIOS            inputType = "bios"
	typeFWMain          inputType = "fw_main"
	typePubkey          inputType = "pubkey"
	typeRawKernel       inputType = "raw_kernel"
	typeKernelPartition inputType = "kernel_partition"
)

// inferType decides what kind of signing operation the given flags
// describe, mirroring cmd_sign.c's reliance on which input flag was given
// plus a peek at the input file's content when --infile is ambiguous.
func (cmd *Command) inferType() (inputType, error) {
	if cmd.Type != "" {
		switch inputType(cmd.Type) {
		case typeBIOS, typeFWMain, typePubkey, typeRawKernel, typeKernelPartition:
			return inputType(cmd.Type), nil
		default:
			return "", fmt.Errorf("%w: unknown --type %q", vbooterrs.ErrBadArgs, cmd.Type)
		}
	}
	switch {
	case cmd.DataPubKey != "":
		return typePubkey, nil
	case cmd.FV != "":
		return typeFWMain, nil
	case cmd.Vmlinuz != "":
		return typeRawKernel, nil
	case cmd.Infile != "":
		return cmd.sniffInfile()
	}
	return "", fmt.Errorf("%w: one of --datapubkey, --fv, --vmlinuz, or --infile is required", vbooterrs.ErrBadArgs)
}

func (cmd *Command) sniffInfile() (inputType, error) {
	data, err := os.ReadFile(cmd.Infile)
	if err != nil {
		return "", fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	if _, err := fmap.Parse(data); err == nil {
		return typeBIOS, nil
	}
	if len(data) >= 8 && bytes.Equal(data[:8], vboot1.KeyBlockMagic[:]) {
		return typeKernelPartition, nil
	}
	return "", fmt.Errorf("%w: could not determine --infile's type from its content; pass --type explicitly", vbooterrs.ErrBadArgs)
}

// validate accumulates every missing-flag problem for the chosen input
// type, so the caller sees everything wrong with the invocation at once
// rather than one flag at a time, grounded on cmd_sign.c's no_opt_if and
// built on go-multierror as the rest of this module's accumulation idiom.
func (cmd *Command) validate(t inputType) error {
	var errs *multierror.Error
	need := func(val, name string) {
		if val == "" {
			errs = multierror.Append(errs, fmt.Errorf("missing --%s", name))
		}
	}
	haveSignKey := cmd.SignPrivate != "" || cmd.PemSignpriv != ""

	switch t {
	case typePubkey:
		need(cmd.DataPubKey, "datapubkey")
		need(cmd.Outfile, "outfile")
	case typeFWMain:
		if !haveSignKey {
			errs = multierror.Append(errs, fmt.Errorf("missing --signprivate or --pem_signpriv"))
		}
		need(cmd.Keyblock, "keyblock")
		need(cmd.KernelKey, "kernelkey")
		need(cmd.Outfile, "outfile")
		if cmd.Version == nil {
			errs = multierror.Append(errs, fmt.Errorf("missing --version"))
		}
	case typeBIOS:
		if !haveSignKey {
			errs = multierror.Append(errs, fmt.Errorf("missing --signprivate or --pem_signpriv"))
		}
		need(cmd.Keyblock, "keyblock")
		need(cmd.KernelKey, "kernelkey")
		need(cmd.Infile, "infile")
	case typeRawKernel:
		if !haveSignKey {
			errs = multierror.Append(errs, fmt.Errorf("missing --signprivate or --pem_signpriv"))
		}
		need(cmd.Keyblock, "keyblock")
		need(cmd.Outfile, "outfile")
		if _, err := vboot1.ParseArch(cmd.Arch); err != nil {
			errs = multierror.Append(errs, err)
		}
	case typeKernelPartition:
		if !haveSignKey {
			errs = multierror.Append(errs, fmt.Errorf("missing --signprivate or --pem_signpriv"))
		}
	}

	gbbRequested := cmd.GBBHWID != nil || cmd.GBBRootKey != "" || cmd.GBBRecoveryKey != "" || cmd.GBBFlags != nil
	if gbbRequested && t != typeBIOS {
		errs = multierror.Append(errs, fmt.Errorf("--gbb_hwid/--gbb_rootkey/--gbb_recoverykey/--gbb_flags require --type bios"))
	}

	if cmd.PemSignpriv != "" && cmd.PemAlgo == nil {
		errs = multierror.Append(errs, fmt.Errorf("--pem_signpriv requires --pem_algo"))
	}
	return errs.ErrorOrNil()
}

func (cmd *Command) options() (sign.Options, error) {
	opt := sign.Options{LoemDir: cmd.LoemDir, LoemID: cmd.LoemID}
	if cmd.Version != nil {
		opt.Version = *cmd.Version
		opt.VersionGiven = true
	} else {
		opt.Version = 1
	}
	if cmd.Flags != nil {
		opt.Flags = *cmd.Flags
		opt.FlagsGiven = true
	}

	gbbEdits, err := cmd.gbbEdits()
	if err != nil {
		return opt, err
	}
	opt.GBB = gbbEdits
	return opt, nil
}

// gbbEdits builds the GBB field updates requested via --gbb_hwid,
// --gbb_rootkey, --gbb_recoverykey, and --gbb_flags.
func (cmd *Command) gbbEdits() (sign.GBBEdits, error) {
	var edits sign.GBBEdits
	if cmd.GBBHWID != nil {
		edits.HWID = *cmd.GBBHWID
		edits.HWIDGiven = true
	}
	if cmd.GBBRootKey != "" {
		pub, err := vbootkey.LoadPublicKeyFile(cmd.GBBRootKey)
		if err != nil {
			return edits, err
		}
		edits.RootKey = pub
	}
	if cmd.GBBRecoveryKey != "" {
		pub, err := vbootkey.LoadPublicKeyFile(cmd.GBBRecoveryKey)
		if err != nil {
			return edits, err
		}
		edits.RecoveryKey = pub
	}
	if cmd.GBBFlags != nil {
		edits.Flags = *cmd.GBBFlags
		edits.FlagsGiven = true
	}
	return edits, nil
}

func (cmd *Command) keys() (sign.Keys, error) {
	var keys sign.Keys
	var err error

	if cmd.PemSignpriv != "" {
		algo := vbootkey.Algorithm(*cmd.PemAlgo)
		if cmd.PemExternal != "" {
			keys.SignPrivate = vbootkey.NewExternalSigner(algo, cmd.PemExternal)
		} else {
			keys.SignPrivate, err = vbootkey.LoadPrivateKeyPEM(cmd.PemSignpriv, algo)
		}
	} else if cmd.SignPrivate != "" {
		keys.SignPrivate, err = vbootkey.LoadPrivateKeyFile(cmd.SignPrivate)
	}
	if err != nil {
		return keys, err
	}

	if cmd.Keyblock != "" {
		keys.Keyblock, err = os.ReadFile(cmd.Keyblock)
		if err != nil {
			return keys, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
		}
	}
	if cmd.KernelKey != "" {
		keys.KernelSubkey, err = vbootkey.LoadPublicKeyFile(cmd.KernelKey)
		if err != nil {
			return keys, err
		}
	}
	if cmd.DevSignPrivate != "" {
		keys.DevSignPrivate, err = vbootkey.LoadPrivateKeyFile(cmd.DevSignPrivate)
		if err != nil {
			return keys, err
		}
	}
	if cmd.DevKeyblock != "" {
		keys.DevKeyblock, err = os.ReadFile(cmd.DevKeyblock)
		if err != nil {
			return keys, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
		}
	}
	return keys, nil
}

func (cmd *Command) signPubkey(keys sign.Keys, opt sign.Options) error {
	pub, err := vbootkey.LoadPublicKeyFile(cmd.DataPubKey)
	if err != nil {
		return err
	}
	var out []byte
	if keys.SignPrivate != nil {
		out, err = vboot1.MakeKeyBlock(pub, keys.SignPrivate, opt.Flags)
		if err != nil {
			return err
		}
	} else {
		vlog.Warnf("no signing key given, writing the bare public key without a keyblock")
		out = pub.Marshal()
	}
	return os.WriteFile(cmd.Outfile, out, 0644)
}

func (cmd *Command) signFWMain(keys sign.Keys, opt sign.Options) error {
	body, err := os.ReadFile(cmd.FV)
	if err != nil {
		return fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	vblock, err := sign.SignRawFirmware(body, keys, opt)
	if err != nil {
		return err
	}
	return os.WriteFile(cmd.Outfile, vblock, 0644)
}

func (cmd *Command) signBIOS(keys sign.Keys, opt sign.Options) error {
	var img *iomap.ImageBuffer
	var err error
	if cmd.Outfile != "" && cmd.Outfile != cmd.Infile {
		img, err = iomap.OpenForSignNewFile(cmd.Infile, cmd.Outfile)
	} else {
		img, err = iomap.OpenForSign(cmd.Infile, iomap.ModeReadWrite)
	}
	if err != nil {
		return err
	}

	if err := sign.SignBIOS(img, keys, opt); err != nil {
		if cerr := img.CloseError(); cerr != nil {
			vlog.Warnf("discarding failed signing attempt: %v", cerr)
		}
		return err
	}
	return img.CloseSuccess()
}

func (cmd *Command) signRawKernel(keys sign.Keys, opt sign.Options) error {
	vmlinuz, err := os.ReadFile(cmd.Vmlinuz)
	if err != nil {
		return fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	kopt, err := cmd.kernelOptions()
	if err != nil {
		return err
	}

	part, err := sign.CreateKernelPartition(vmlinuz, keys, opt, kopt)
	if err != nil {
		return err
	}
	return cmd.writeKernelPartition(part, kopt)
}

func (cmd *Command) signKernelPartition(keys sign.Keys, opt sign.Options) error {
	data, err := os.ReadFile(cmd.Infile)
	if err != nil {
		return fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
	}
	kopt, err := cmd.kernelOptions()
	if err != nil {
		return err
	}

	part, err := sign.ResignKernelPartition(data, kopt.Padding, keys, opt, kopt)
	if err != nil {
		return err
	}

	if cmd.Outfile == "" {
		return cmd.writeKernelPartitionInPlace(data, part)
	}
	return cmd.writeKernelPartition(part, kopt)
}

func (cmd *Command) kernelOptions() (sign.KernelOptions, error) {
	arch, err := vboot1.ParseArch(cmd.Arch)
	if err != nil {
		return sign.KernelOptions{}, err
	}
	kopt := sign.KernelOptions{
		Arch:        arch,
		LoadAddress: cmd.KLoadAddr,
		Padding:     cmd.Pad,
		VblockOnly:  cmd.VblockOnly,
	}
	if cmd.Bootloader != "" {
		kopt.Bootloader, err = os.ReadFile(cmd.Bootloader)
		if err != nil {
			return kopt, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
		}
	}
	if cmd.Config != "" {
		kopt.Cmdline, err = os.ReadFile(cmd.Config)
		if err != nil {
			return kopt, fmt.Errorf("%w: %v", vbooterrs.ErrIO, err)
		}
	}
	return kopt, nil
}

func (cmd *Command) writeKernelPartition(part *sign.KernelPartition, kopt sign.KernelOptions) error {
	var out []byte
	out = append(out, part.Vblock...)
	if !kopt.VblockOnly {
		out = append(out, part.Blob...)
	}
	return os.WriteFile(cmd.Outfile, out, 0644)
}

func (cmd *Command) writeKernelPartitionInPlace(original []byte, part *sign.KernelPartition) error {
	total := len(part.Vblock) + len(part.Blob)
	if total > len(original) {
		return fmt.Errorf("%w: resigned kernel partition (%d bytes) no longer fits in place (%d bytes)",
			vbooterrs.ErrRegionOverrun, total, len(original))
	}
	n := copy(original, part.Vblock)
	copy(original[n:], part.Blob)
	return os.WriteFile(cmd.Infile, original, 0644)
}
