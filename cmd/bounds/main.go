package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
)

func main() {
	m := NewMain()
	if err := m.Run(context.Background(), os.Args[1:]); err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Main represents the program.
type Main struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewMain returns a new instance of Main attached to the process streams.
func NewMain() *Main {
	return &Main{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run executes the subcommand named by the first argument. Any other first
// argument is passed, with the rest, to the "check" subcommand.
func (m *Main) Run(ctx context.Context, args []string) error {
	var cmd string
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "", "-h", "--help", "help":
		m.usage()
		return flag.ErrHelp
	case "check":
		args = args[1:]
	}

	c := NewCheckCommand()
	c.Stdout, c.Stderr = m.Stdout, m.Stderr
	return c.Run(ctx, args)
}

func (m *Main) usage() {
	fmt.Fprintln(m.Stderr, `
Bounds is a tool for proving array indices stay within fixed array lengths.

Usage:

	bounds <command> [arguments]
	bounds [arguments] path

The commands are:

	check       verify every fixed-length array access (default)
	help        this screen
`[1:])
}
