package bounds

import (
	"bufio"
	"fmt"
	"io"
)

// WriteSMTLIB writes an SMT-LIB2 script that replays an analysis: symbol
// declarations, the persistent axioms, then one scoped query per result.
func WriteSMTLIB(w io.Writer, axioms []Expr, results []*Result) error {
	all := append([]Expr(nil), axioms...)
	for _, r := range results {
		all = append(all, r.Assumptions...)
	}
	vars, decls := FindSymbols(all...)

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "(set-option :produce-models true)")
	for _, v := range vars {
		fmt.Fprintf(bw, "(declare-const %s (_ BitVec %d))\n", v.Name, v.Width)
	}
	for _, d := range decls {
		fmt.Fprintf(bw, "(declare-fun %s)\n", d)
	}
	for _, expr := range axioms {
		fmt.Fprintf(bw, "(assert %s)\n", expr)
	}

	for _, r := range results {
		fmt.Fprintf(bw, "\n; %s/%s %%%s [%d]\n", r.Func, r.Block, r.Access, r.Len)
		fmt.Fprintln(bw, "(push 1)")
		for _, expr := range r.Assumptions {
			fmt.Fprintf(bw, "(assert %s)\n", expr)
		}
		fmt.Fprintln(bw, "(check-sat)")
		fmt.Fprintln(bw, "(pop 1)")
	}
	return bw.Flush()
}
