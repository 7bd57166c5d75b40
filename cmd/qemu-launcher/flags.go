package main

import (
	"errors"
	"flag"
	"fmt"
)

var errHelpRequested = errors.New("help requested")

type cliFlags struct {
	debug       bool
	verbose     bool
	machineName string
}

func parseFlags(args []string) (*cliFlags, error) {
	var flags cliFlags

	fs := flag.NewFlagSet("qemu-launcher", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: qemu-launcher [-d] [-v] <name>")
		fs.PrintDefaults()
	}

	fs.BoolVar(&flags.debug, "d", false, "enable debug logging, including the rollback trace")
	fs.BoolVar(&flags.verbose, "v", false, "enable verbose logging")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errHelpRequested
		}

		return nil, err
	}

	if fs.NArg() != 1 {
		fs.Usage()

		return nil, fmt.Errorf("exactly one positional argument (machine name) is required")
	}

	flags.machineName = fs.Arg(0)

	return &flags, nil
}
