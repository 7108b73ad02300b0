package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"time"

	"github.com/benbjohnson/bounds"
	"github.com/benbjohnson/bounds/frontend"
	"github.com/benbjohnson/bounds/z3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CheckCommand represents a command for verifying array accesses.
type CheckCommand struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewCheckCommand returns a new instance of CheckCommand.
func NewCheckCommand() *CheckCommand {
	return &CheckCommand{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run executes the "check" subcommand.
func (cmd *CheckCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bounds-check", flag.ContinueOnError)
	fs.SetOutput(cmd.Stderr)
	verbose := fs.Bool("v", false, "verbose")
	timeout := fs.Duration("timeout", bounds.DefaultTimeout, "solver timeout")
	skipUnsupported := fs.Bool("skip-unsupported", false, "skip unsupported functions")
	quantified := fs.Bool("quantified", false, "assert quantified axioms")
	format := fs.String("format", bounds.FormatText, "report format (text, json, yaml)")
	dump := fs.String("dump", "", "smt-lib dump path")
	configPath := fs.String("config", "", "config path")
	fs.Usage = cmd.usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		cmd.usage()
		return fmt.Errorf("path required")
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many paths specified")
	}

	log.SetFlags(0)
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	} else {
		log.SetOutput(cmd.Stderr)
	}

	config := bounds.NewConfig()
	if *configPath != "" {
		if err := ReadConfigFile(*configPath, &config); err != nil {
			return err
		}
	}

	// Flags override the config file only when set explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "v":
			config.Verbose = *verbose
		case "timeout":
			config.Timeout = *timeout
		case "skip-unsupported":
			config.SkipUnsupported = *skipUnsupported
		case "quantified":
			config.Quantified = *quantified
		}
	})

	m, err := frontend.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	solver := z3.NewSolver()
	defer solver.Close()

	analysis, err := bounds.NewAnalyzer(config).Analyze(ctx, m, solver)
	if err != nil {
		return err
	}

	if err := bounds.WriteReport(cmd.Stdout, *format, analysis.Results); err != nil {
		return err
	}

	if *dump != "" {
		if err := writeDump(*dump, analysis, config.Quantified); err != nil {
			return err
		}
	}

	stats := solver.Stats()
	log.Printf("[stats] checks=%d time=%s", stats.CheckN, stats.CheckTime.Round(time.Microsecond))

	return nil
}

// ReadConfigFile decodes the YAML file at path into config. Keys missing
// from the file keep their current values.
func ReadConfigFile(path string, config *bounds.Config) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	} else if err := yaml.Unmarshal(buf, config); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func writeDump(path string, analysis *bounds.Analysis, quantified bool) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create dump")
	}
	defer f.Close()

	if err := bounds.WriteSMTLIB(f, analysis.Facts.Assertions(quantified), analysis.Results); err != nil {
		return err
	}
	return f.Close()
}

func (cmd *CheckCommand) usage() {
	fmt.Fprintln(cmd.Stderr, `
usage: bounds [check] [arguments] path

The path is an LLVM IR file ending in .ll or a Go package pattern.

Arguments:

	-v
	    Enable verbose logging.

	-timeout duration
	    Time limit for each solver query. Defaults to 30s.

	-skip-unsupported
	    Skip functions with unsupported signatures instead of failing.

	-quantified
	    Assert the universally quantified axioms instead of their
	    instances at each function's parameters and call sites.

	-format text|json|yaml
	    Report format. Defaults to text.

	-dump path
	    Write the generated SMT-LIB script to path.

	-config path
	    Read settings from a YAML file. Flags override the file.
`[1:])
}
