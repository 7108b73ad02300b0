package bounds

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Default configuration values.
const (
	DefaultIndexWidth = Width64
	DefaultTimeout    = 30 * time.Second
)

// Config represents the analysis configuration.
type Config struct {
	// Time limit for each solver query. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// If true, functions with unsupported signatures and calls to functions
	// without a signature are skipped instead of aborting the analysis.
	SkipUnsupported bool `yaml:"skip-unsupported" json:"skip_unsupported"`

	// If true, the universally quantified axioms are asserted instead of
	// their ground instances.
	Quantified bool `yaml:"quantified" json:"quantified"`

	// Width at which indices are compared against array lengths.
	IndexWidth uint `yaml:"index-width" json:"index_width"`

	// If true, the assertions of every query are logged.
	Verbose bool `yaml:"verbose" json:"verbose"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		IndexWidth: DefaultIndexWidth,
	}
}

// Validate returns an error if a configuration value is out of range.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	} else if c.IndexWidth > MaxWidth {
		return fmt.Errorf("invalid index width: %d", c.IndexWidth)
	}
	return nil
}

// TimeoutSetter is implemented by solvers that support a per-query time limit.
type TimeoutSetter interface {
	SetTimeout(d time.Duration) error
}

// Analysis holds the output of every phase of an analysis run.
type Analysis struct {
	Signatures *Signatures
	Facts      *Facts
	Results    []*Result
}

// Analyzer runs the signature, propagation & verification phases over a
// module, in that order.
type Analyzer struct {
	Config Config
}

// NewAnalyzer returns a new instance of Analyzer.
func NewAnalyzer(config Config) *Analyzer {
	return &Analyzer{Config: config}
}

// Analyze checks every fixed-length array access of m using solver. The
// solver must not be shared with any other analysis while this runs.
func (a *Analyzer) Analyze(ctx context.Context, m *Module, solver Solver) (*Analysis, error) {
	if err := a.Config.Validate(); err != nil {
		return nil, err
	}
	if a.Config.Timeout > 0 {
		if s, ok := solver.(TimeoutSetter); ok {
			if err := s.SetTimeout(a.Config.Timeout); err != nil {
				return nil, err
			}
		}
	}

	t := time.Now()
	sigs, err := BuildSignatures(m, a.Config.SkipUnsupported)
	if err != nil {
		return nil, err
	}
	log.Printf("[analyze] signatures: %d functions, %d skipped", len(sigs.Infos()), len(sigs.Skipped))

	facts, err := Propagate(m, sigs, a.Config.SkipUnsupported)
	if err != nil {
		return nil, err
	}
	log.Printf("[analyze] propagate: %d axioms", facts.AxiomN())

	v := NewVerifier(solver, facts)
	if a.Config.IndexWidth != 0 {
		v.IndexWidth = a.Config.IndexWidth
	}
	v.Quantified = a.Config.Quantified
	v.Verbose = a.Config.Verbose

	results, err := v.VerifyModule(ctx, m)
	if err != nil {
		return nil, err
	}
	log.Printf("[analyze] verify: %d accesses (%s)", len(results), time.Since(t))

	return &Analysis{Signatures: sigs, Facts: facts, Results: results}, nil
}
