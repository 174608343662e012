// Copyright 2024 the vbootsign Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// futility signs and inspects verified-boot v1 firmware images, kernel
// partitions, keyblocks, and public keys.
//
// Synopsis:
//     futility sign --signprivate KEY --keyblock KB --kernelkey PUBK --infile bios.bin
//     futility show --infile bios.bin --format=json
package main

import (
	"log"

	"github.com/jessevdk/go-flags"

	"github.com/vboot-go/futility/cmd/futility/commands"
	"github.com/vboot-go/futility/cmd/futility/commands/show"
	"github.com/vboot-go/futility/cmd/futility/commands/sign"
	"github.com/vboot-go/futility/cmd/futility/commands/verify"
)

var knownCommands = map[string]commands.Command{
	"sign":   &sign.Command{},
	"show":   &show.Command{},
	"verify": &verify.Command{},
}

func main() {
	flagsParser := flags.NewParser(nil, flags.Default)
	for name, command := range knownCommands {
		if _, err := flagsParser.AddCommand(name, command.ShortDescription(), command.LongDescription(), command); err != nil {
			panic(err)
		}
	}

	if _, err := flagsParser.Parse(); err != nil {
		log.Fatal(err)
	}
}
