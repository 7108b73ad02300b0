package bounds

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// WriteReport writes results to w in the given format.
func WriteReport(w io.Writer, format string, results []*Result) error {
	switch format {
	case FormatText, "":
		return WriteTextReport(w, results)
	case FormatJSON:
		return WriteJSONReport(w, results)
	case FormatYAML:
		return WriteYAMLReport(w, results)
	default:
		return fmt.Errorf("invalid report format: %q", format)
	}
}

// WriteTextReport writes one line per result. Unsafe results are followed
// by the witness, one parameter per line.
func WriteTextReport(w io.Writer, results []*Result) error {
	bw := bufio.NewWriter(w)
	for _, r := range results {
		switch r.Verdict {
		case Safe:
			fmt.Fprintf(bw, "@%s: GEP %%%s is safe.\n", r.Func, r.Access)
		case Unsafe:
			fmt.Fprintf(bw, "@%s: GEP %%%s is potentially out of bound.\n", r.Func, r.Access)
			for _, b := range r.Witness {
				fmt.Fprintf(bw, "  %%%s = %d\n", b.Param, b.Value)
			}
			fmt.Fprintf(bw, "  index = %d (len %d)\n", r.Index, r.Len)
		case Unknown:
			fmt.Fprintf(bw, "@%s: GEP %%%s is unknown: %s.\n", r.Func, r.Access, r.Reason)
		default:
			return fmt.Errorf("invalid verdict: %s", r.Verdict)
		}
	}
	return bw.Flush()
}

// reportResult is the serialized form of a Result.
type reportResult struct {
	Func    string          `json:"func" yaml:"func"`
	Block   string          `json:"block" yaml:"block"`
	Access  string          `json:"access" yaml:"access"`
	Len     uint64          `json:"len" yaml:"len"`
	Verdict string          `json:"verdict" yaml:"verdict"`
	Witness []reportBinding `json:"witness,omitempty" yaml:"witness,omitempty"`
	Index   *int64          `json:"index,omitempty" yaml:"index,omitempty"`
	Reason  string          `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type reportBinding struct {
	Param string `json:"param" yaml:"param"`
	Width uint   `json:"width" yaml:"width"`
	Value int64  `json:"value" yaml:"value"`
}

func newReportResults(results []*Result) []reportResult {
	a := make([]reportResult, 0, len(results))
	for _, r := range results {
		rr := reportResult{
			Func:    r.Func,
			Block:   r.Block,
			Access:  r.Access,
			Len:     r.Len,
			Verdict: r.Verdict.String(),
			Reason:  r.Reason,
		}
		if r.Verdict == Unsafe {
			index := r.Index
			rr.Index = &index
			for _, b := range r.Witness {
				rr.Witness = append(rr.Witness, reportBinding{Param: b.Param, Width: b.Width, Value: b.Value})
			}
		}
		a = append(a, rr)
	}
	return a
}

// WriteJSONReport writes results as an indented JSON array.
func WriteJSONReport(w io.Writer, results []*Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newReportResults(results))
}

// WriteYAMLReport writes results as a YAML sequence.
func WriteYAMLReport(w io.Writer, results []*Result) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(newReportResults(results)); err != nil {
		return err
	}
	return enc.Close()
}
