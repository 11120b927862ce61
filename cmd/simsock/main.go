// SPDX-License-Identifier: GPL-3.0-or-later

// Command simsock drives exchanges over a simulated network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rbmk-project/simsock/internal/echo"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := new(ffcli.Command)
	c.Name = filepath.Base(os.Args[0])
	c.ShortUsage = "simsock <command> [flags]"
	c.Subcommands = append(c.Subcommands, echo.NewCommand(os.Stdout, os.Stderr))

	c.FlagSet = flag.NewFlagSet("simsock", flag.ContinueOnError)
	c.Exec = func(ctx context.Context, args []string) error {
		fmt.Fprintf(os.Stderr, "%s\n", c.UsageFunc(c))
		if len(args) > 0 {
			return fmt.Errorf("unknown command %q", args[0])
		}
		return flag.ErrHelp
	}

	switch err := c.Parse(os.Args[1:]); {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		return
	default:
		fmt.Fprintf(os.Stderr, "simsock: error: %v\n", err)
		os.Exit(2)
	}

	switch err := c.Run(ctx); {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "simsock: error: %v\n", err)
		os.Exit(1)
	}
}
