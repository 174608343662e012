// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vboot1

import (
	"fmt"

	"github.com/vboot-go/futility/internal/vbooterrs"
)

// Arch is the CPU architecture a kernel blob is built for (the --arch flag).
type Arch int

// Supported architectures.
const (
	ArchUnspecified Arch = iota
	ArchX86
	ArchARM
	ArchMIPS
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchARM:
		return "arm"
	case ArchMIPS:
		return "mips"
	default:
		return "unspecified"
	}
}

// ParseArch maps a --arch argument to an Arch, matching the aliases the
// original tool accepted (x86/amd64, arm/aarch64, mips).
func ParseArch(s string) (Arch, error) {
	switch {
	case len(s) >= 3 && (s[:3] == "x86" || s[:3] == "X86"):
		return ArchX86, nil
	case eqFold(s, "amd64"):
		return ArchX86, nil
	case eqFold(s, "arm"), eqFold(s, "aarch64"):
		return ArchARM, nil
	case eqFold(s, "mips"):
		return ArchMIPS, nil
	}
	return ArchUnspecified, fmt.Errorf("%w: unknown architecture %q", vbooterrs.ErrBadArgs, s)
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

const (
	pageSize         = 4096
	cmdLinePtrOffset = 0x228 // mirrors the Linux/x86 boot_params cmd_line_ptr field
)

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// KernelBlob is the packed layout of a bootable kernel image: a zeroed entry
// page (whose cmd_line_ptr field is filled in once the command-line
// buffer's load address is known), the kernel image, an architecture
// stub, and the command-line buffer.
type KernelBlob struct {
	Arch Arch

	Data []byte

	VmlinuzOffset, VmlinuzSize       int
	BootloaderOffset, BootloaderSize int
	CmdlineOffset, CmdlineSize       int
}

// CreateKernelBlob builds a kernel blob from a raw vmlinuz, a bootloader
// stub, and a command-line buffer, following the "create from raw vmlinuz"
// sub-entry. loadAddr is where the blob will be loaded in RAM; it is used
// to compute the zero page's embedded command-line pointer.
func CreateKernelBlob(vmlinuz []byte, arch Arch, loadAddr uint32, cmdline, bootloader []byte) (*KernelBlob, error) {
	if arch == ArchUnspecified {
		return nil, fmt.Errorf("%w: kernel blob requires an architecture", vbooterrs.ErrBadArgs)
	}

	vmlinuzOff := pageSize
	vmlinuzEnd := vmlinuzOff + len(vmlinuz)
	bootloaderOff := alignUp(vmlinuzEnd, pageSize)
	bootloaderEnd := bootloaderOff + len(bootloader)
	cmdlineOff := alignUp(bootloaderEnd, pageSize)
	cmdlineBuf := make([]byte, len(cmdline)+1) // NUL-terminate
	copy(cmdlineBuf, cmdline)
	total := cmdlineOff + len(cmdlineBuf)

	data := make([]byte, total)
	copy(data[vmlinuzOff:vmlinuzEnd], vmlinuz)
	copy(data[bootloaderOff:bootloaderEnd], bootloader)
	copy(data[cmdlineOff:], cmdlineBuf)

	cmdlineLoadAddr := loadAddr + uint32(cmdlineOff)
	order.PutUint32(data[cmdLinePtrOffset:cmdLinePtrOffset+4], cmdlineLoadAddr)

	return &KernelBlob{
		Arch:             arch,
		Data:             data,
		VmlinuzOffset:    vmlinuzOff,
		VmlinuzSize:      len(vmlinuz),
		BootloaderOffset: bootloaderOff,
		BootloaderSize:   len(bootloader),
		CmdlineOffset:    cmdlineOff,
		CmdlineSize:      len(cmdlineBuf),
	}, nil
}

// OpenKernelBlobForResign recovers enough of a previously built kernel
// blob's layout to let UpdateCmdline replace its command line: the zero
// page's cmd_line_ptr field locates the command-line buffer (CreateKernelBlob
// always places it last), so its size is simply what remains of data from
// there on.
func OpenKernelBlobForResign(data []byte, loadAddr uint32) (*KernelBlob, error) {
	if len(data) < cmdLinePtrOffset+4 {
		return nil, fmt.Errorf("%w: kernel blob too small to contain a zero page", vbooterrs.ErrBadKey)
	}
	cmdLinePtr := order.Uint32(data[cmdLinePtrOffset : cmdLinePtrOffset+4])
	if cmdLinePtr < loadAddr {
		return nil, fmt.Errorf("%w: cmd_line_ptr precedes the blob's load address", vbooterrs.ErrBadKey)
	}
	cmdlineOffset := int(cmdLinePtr - loadAddr)
	if cmdlineOffset >= len(data) {
		return nil, fmt.Errorf("%w: cmd_line_ptr points beyond the blob", vbooterrs.ErrRegionOverrun)
	}
	return &KernelBlob{
		Data:          data,
		CmdlineOffset: cmdlineOffset,
		CmdlineSize:   len(data) - cmdlineOffset,
	}, nil
}

// UpdateCmdline rewrites the command-line buffer and the zero page's
// pointer to it in place, used when resigning with a replacement --config.
func (b *KernelBlob) UpdateCmdline(loadAddr uint32, cmdline []byte) error {
	newBuf := make([]byte, len(cmdline)+1)
	copy(newBuf, cmdline)
	if len(newBuf) > b.CmdlineSize {
		return fmt.Errorf("%w: new command line is larger than the existing buffer (%d > %d)",
			vbooterrs.ErrRegionOverrun, len(newBuf), b.CmdlineSize)
	}
	for i := range b.Data[b.CmdlineOffset : b.CmdlineOffset+b.CmdlineSize] {
		b.Data[b.CmdlineOffset+i] = 0
	}
	copy(b.Data[b.CmdlineOffset:], newBuf)
	cmdlineLoadAddr := loadAddr + uint32(b.CmdlineOffset)
	order.PutUint32(b.Data[cmdLinePtrOffset:cmdLinePtrOffset+4], cmdlineLoadAddr)
	return nil
}
