// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package show implements `futility show`: a read-only dump of a BIOS
// image's FMAP areas, GBB HWID and VBLOCK_A keyblock, of a keyblock, or of a
// public key. A kernel partition is reported by its leading keyblock only;
// preambles are not parsed.
package show

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/vboot-go/futility/cmd/futility/commands"
	"github.com/vboot-go/futility/internal/fmap"
	"github.com/vboot-go/futility/internal/gbb"
	"github.com/vboot-go/futility/internal/vboot1"
	"github.com/vboot-go/futility/internal/vbootkey"
)

var _ commands.Command = (*Command)(nil)

// Command is `futility show`'s flag surface.
type Command struct {
	Path   string  `short:"i" long:"infile" description:"path to the file to inspect" required:"true"`
	Format *string `long:"format" description:"output format [text, json]"`
	Pad    uint32  `long:"pad" description:"vblock padding size, for kernel partitions" default:"65536"`
}

// Format selects show's output rendering.
type Format int

// Output formats supported by show.
const (
	FormatUndefined = Format(iota)
	FormatText
	FormatJSON
)

// ParseFormat turns a --format flag value into a Format.
func ParseFormat(s string) Format {
	switch strings.Trim(strings.ToLower(s), " ") {
	case "", "text":
		return FormatText
	case "json":
		return FormatJSON
	}
	return FormatUndefined
}

// ShortDescription explains what this command does in one line.
func (cmd *Command) ShortDescription() string {
	return "prints the contents of a BIOS image, kernel partition, keyblock, or public key"
}

// LongDescription explains what this verb does.
func (cmd *Command) LongDescription() string {
	return ""
}

// Execute runs the command.
func (cmd *Command) Execute(args []string) error {
	if len(args) != 0 {
		return commands.ErrArgs{Err: fmt.Errorf("there are extra arguments")}
	}

	format := FormatText
	if cmd.Format != nil {
		format = ParseFormat(*cmd.Format)
		if format == FormatUndefined {
			return commands.ErrArgs{Err: fmt.Errorf("unknown format %q", *cmd.Format)}
		}
	}

	data, err := os.ReadFile(cmd.Path)
	if err != nil {
		return fmt.Errorf("unable to open %q: %w", cmd.Path, err)
	}

	report, err := cmd.describe(data)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		b, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	default:
		printText(report)
	}
	return nil
}

// report is the JSON/text-renderable description of whatever show parsed.
type report struct {
	Kind     string             `json:"kind"`
	FMAP     *fmapReport        `json:"fmap,omitempty"`
	GBB      *gbbReport         `json:"gbb,omitempty"`
	Keyblock *keyblockReport    `json:"keyblock,omitempty"`
	Preamble *firmwarePreReport `json:"firmware_preamble,omitempty"`
	PubKey   *pubkeyReport      `json:"pubkey,omitempty"`
}

type fmapReport struct {
	Name  string       `json:"name"`
	Base  uint64       `json:"base"`
	Areas []areaReport `json:"areas"`
}

type areaReport struct {
	Name   string `json:"name"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

type gbbReport struct {
	HWID string `json:"hwid"`
}

type keyblockReport struct {
	DataKeyAlgorithm string `json:"data_key_algorithm"`
	Flags            uint32 `json:"flags"`
}

type firmwarePreReport struct {
	Version uint32 `json:"version"`
	Flags   uint32 `json:"flags"`
}

type pubkeyReport struct {
	Algorithm string `json:"algorithm"`
}

func (cmd *Command) describe(data []byte) (*report, error) {
	if dir, err := fmap.Parse(data); err == nil {
		return describeBIOS(data, dir)
	}
	if kb, err := vboot1.ParseKeyBlock(data); err == nil {
		return &report{Kind: "keyblock", Keyblock: &keyblockReport{
			DataKeyAlgorithm: kb.DataKey.Algorithm.String(),
			Flags:            kb.Flags,
		}}, nil
	}
	if pub, err := vbootkey.UnmarshalPublicKey(data); err == nil {
		return &report{Kind: "pubkey", PubKey: &pubkeyReport{Algorithm: pub.Algorithm.String()}}, nil
	}
	return nil, fmt.Errorf("unable to determine the type of %q", cmd.Path)
}

func describeBIOS(data []byte, dir *fmap.Directory) (*report, error) {
	rep := &report{Kind: "bios", FMAP: &fmapReport{Base: dir.Start}}
	for _, a := range dir.Areas {
		rep.FMAP.Areas = append(rep.FMAP.Areas, areaReport{Name: a.Name, Offset: a.Offset, Size: a.Size})
	}

	if area, ok := dir.FindArea(fmap.AreaGBB); ok {
		if clamped, ok := fmap.ClampToImage(area, uint32(len(data))); ok {
			if g, err := gbb.Parse(data[clamped.Offset : clamped.Offset+clamped.Size]); err == nil {
				rep.GBB = &gbbReport{HWID: g.HWID()}
			}
		}
	}

	if area, ok := dir.FindArea(fmap.AreaVBlockA); ok {
		if clamped, ok := fmap.ClampToImage(area, uint32(len(data))); ok {
			if kb, err := vboot1.ParseKeyBlock(data[clamped.Offset : clamped.Offset+clamped.Size]); err == nil {
				rep.Keyblock = &keyblockReport{DataKeyAlgorithm: kb.DataKey.Algorithm.String(), Flags: kb.Flags}
			}
		}
	}
	return rep, nil
}

func printText(rep *report) {
	fmt.Printf("kind: %s\n", rep.Kind)
	if rep.FMAP != nil {
		fmt.Printf("fmap base: 0x%x\n", rep.FMAP.Base)
		for _, a := range rep.FMAP.Areas {
			fmt.Printf("  %-16s offset=0x%08x size=0x%08x\n", a.Name, a.Offset, a.Size)
		}
	}
	if rep.GBB != nil {
		fmt.Printf("gbb hwid: %s\n", rep.GBB.HWID)
	}
	if rep.Keyblock != nil {
		fmt.Printf("keyblock data key algorithm: %s\n", rep.Keyblock.DataKeyAlgorithm)
		fmt.Printf("keyblock flags: 0x%x\n", rep.Keyblock.Flags)
	}
	if rep.Preamble != nil {
		fmt.Printf("firmware preamble version: %d\n", rep.Preamble.Version)
		fmt.Printf("firmware preamble flags: 0x%x\n", rep.Preamble.Flags)
	}
	if rep.PubKey != nil {
		fmt.Printf("public key algorithm: %s\n", rep.PubKey.Algorithm)
	}
}
