package bounds

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/pkg/errors"
)

// Verdict represents the outcome of checking a single indexed access.
type Verdict int

// Verdicts.
const (
	Safe Verdict = iota + 1
	Unsafe
	Unknown
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case Safe:
		return "safe"
	case Unsafe:
		return "unsafe"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("Verdict<%d>", v)
	}
}

// Result is the verdict for one indexed access.
type Result struct {
	Func    string
	Block   string
	Access  string
	Len     uint64
	Verdict Verdict

	// Parameter assignment reaching the access with an out-of-range index.
	// Only set for Unsafe.
	Witness []Binding

	// Index value under the witness. Only set for Unsafe.
	Index int64

	// Reason the solver could not decide. Only set for Unknown.
	Reason string

	// Scoped formulas asserted for the query.
	Assumptions []Expr
}

// Binding is the value of one parameter in a witness.
type Binding struct {
	Param string
	Width uint
	Value int64
}

// Verifier checks every in-bounds fixed-length array access against the
// facts produced by propagation. Each check runs inside its own solver scope.
type Verifier struct {
	solver Solver
	facts  *Facts

	baseScopes     int
	baseAssertions int
	loaded         bool

	// Width at which indices are compared against the array length.
	IndexWidth uint

	// If true, the quantified axioms are loaded instead of their instances.
	Quantified bool

	// If true, the assertions of each query are logged before it is checked.
	Verbose bool
}

// NewVerifier returns a new instance of Verifier.
func NewVerifier(solver Solver, facts *Facts) *Verifier {
	return &Verifier{
		solver:     solver,
		facts:      facts,
		IndexWidth: Width64,
	}
}

// Load asserts the axiom set into the solver's outermost scope. Unless
// Quantified is set, the ground instances of the axioms are asserted.
func (v *Verifier) Load() error {
	assert(!v.loaded, "axioms already loaded")
	assertions := v.facts.Assertions(v.Quantified)
	for _, expr := range assertions {
		if err := v.solver.Assert(expr); err != nil {
			return errors.Wrapf(err, "assert %s", expr)
		}
	}

	n, err := v.solver.NumAssertions()
	if err != nil {
		return err
	}
	v.baseScopes, v.baseAssertions = v.solver.NumScopes(), n
	v.loaded = true
	log.Printf("[verify] loaded %d formulas (%d axioms)", len(assertions), v.facts.AxiomN())
	return nil
}

// VerifyModule checks every access of every analyzed function in m, in
// module and block order. Axioms are loaded first if Load was not called.
func (v *Verifier) VerifyModule(ctx context.Context, m *Module) ([]*Result, error) {
	if !v.loaded {
		if err := v.Load(); err != nil {
			return nil, err
		}
	}

	var results []*Result
	for _, fn := range m.Funcs {
		info := v.facts.Signatures.Lookup(fn.Name)
		if info == nil {
			continue
		}

		for _, b := range fn.Blocks {
			for _, instr := range b.Instrs {
				access, ok := instr.(*IndexedAccess)
				if !ok || !access.InBounds {
					continue
				} else if _, ok := access.Len(); !ok {
					continue
				}

				if err := ctx.Err(); err != nil {
					return results, err
				}
				result, err := v.VerifyAccess(ctx, info, b, access)
				if err != nil {
					return results, errors.Wrapf(err, "%s/%s: %%%s", fn.Name, b.Name, access.Name)
				}
				results = append(results, result)
			}
		}
	}

	if err := v.checkBalanced(); err != nil {
		return results, err
	}
	return results, nil
}

// checkBalanced returns ErrUnbalancedScope if a query left state behind.
func (v *Verifier) checkBalanced() error {
	n, err := v.solver.NumAssertions()
	if err != nil {
		return err
	} else if scopes := v.solver.NumScopes(); scopes != v.baseScopes || n != v.baseAssertions {
		return errors.Wrapf(ErrUnbalancedScope, "scopes=%d/%d assertions=%d/%d", scopes, v.baseScopes, n, v.baseAssertions)
	}
	return nil
}

// VerifyAccess checks whether access can be reached with an index outside
// of [0, len). The query asserts the negated bound and the reachability of
// the access's block in a scope that is always popped before returning.
func (v *Verifier) VerifyAccess(ctx context.Context, info *FunctionInfo, b *Block, access *IndexedAccess) (_ *Result, err error) {
	n, ok := access.Len()
	assert(ok, "access %%%s: not a fixed-length array", access.Name)

	result := &Result{Func: info.Name, Block: b.Name, Access: access.Name, Len: n}

	idx, err := v.index(info, access)
	if err != nil {
		return nil, err
	}
	inRange := NewAndExpr(
		NewBinaryExpr(SGE, idx, NewConstantExpr(0, ExprWidth(idx))),
		upperBound(idx, n),
	)
	assumptions := []Expr{
		NewNotExpr(inRange),
		v.facts.EnterCond(info.Name, b.Index),
	}
	result.Assumptions = assumptions

	if err := v.solver.Push(); err != nil {
		return nil, err
	}
	defer func() {
		if e := v.solver.Pop(); e != nil && err == nil {
			err = e
		}
	}()

	for _, expr := range assumptions {
		if err := v.solver.Assert(expr); err != nil {
			return nil, errors.Wrapf(err, "assert %s", expr)
		}
	}
	if v.Verbose {
		v.dump(assumptions)
	}

	exprs := make([]Expr, 0, len(info.Params)+1)
	for _, p := range info.Params {
		exprs = append(exprs, p)
	}
	exprs = append(exprs, idx)

	satisfiable, values, err := v.solver.Check(ctx, exprs)
	if errors.Is(err, ErrSolverCanceled) && ctx.Err() == nil {
		err = ErrSolverTimeout // interrupted by the solver's own time limit
	}
	switch {
	case errors.Is(err, ErrSolverTimeout), errors.Is(err, ErrSolverResourceLimit), errors.Is(err, ErrSolverUnknown):
		result.Verdict, result.Reason = Unknown, err.Error()
		log.Printf("[verify] %s/%s %%%s: %s", info.Name, b.Name, access.Name, err)
		return result, nil
	case err != nil:
		return nil, err
	case !satisfiable:
		result.Verdict = Safe
		log.Printf("[verify] %s/%s %%%s: safe", info.Name, b.Name, access.Name)
		return result, nil
	}

	result.Verdict = Unsafe
	for i, p := range info.Params {
		result.Witness = append(result.Witness, Binding{
			Param: info.Func().Params[i].Name,
			Width: p.Width,
			Value: values[i].Int64(),
		})
	}
	result.Index = values[len(info.Params)].Int64()

	// Indices computed directly from parameters must agree with the model.
	if value, err := NewExprEvaluator(info.Params, values[:len(info.Params)]).Evaluate(idx); err == nil && value.Int64() != result.Index {
		return nil, fmt.Errorf("inconsistent witness: index %d, model %d", value.Int64(), result.Index)
	}

	log.Printf("[verify] %s/%s %%%s: unsafe index=%d", info.Name, b.Name, access.Name, result.Index)
	return result, nil
}

// index returns the access index sign-extended to the comparison width.
func (v *Verifier) index(info *FunctionInfo, access *IndexedAccess) (Expr, error) {
	idx, err := Encode(access.Index, access.IndexWidth, info)
	if err != nil {
		return nil, err
	}
	width := v.IndexWidth
	if width < access.IndexWidth {
		width = access.IndexWidth
	}
	return NewCastExpr(idx, width, true), nil
}

// upperBound returns idx <s n. Lengths beyond the signed range of the index
// bound nothing.
func upperBound(idx Expr, n uint64) Expr {
	w := ExprWidth(idx)
	if limit := uint64(1)<<(w-1) - 1; n > limit {
		return NewBoolConstantExpr(true)
	}
	return NewBinaryExpr(SLT, idx, NewConstantExpr(n, w))
}

// dump logs the formulas in scope for the next query.
func (v *Verifier) dump(assumptions []Expr) {
	var buf strings.Builder
	buf.WriteString("Checking with assertions:\n")
	for _, expr := range v.facts.Assertions(v.Quantified) {
		fmt.Fprintf(&buf, "  %s\n", expr)
	}
	for _, expr := range assumptions {
		fmt.Fprintf(&buf, "  %s\n", expr)
	}
	log.Print(buf.String())
}
