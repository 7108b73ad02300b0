package bounds_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/bounds"
	"github.com/benbjohnson/bounds/z3"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// NewConstantAccess returns a function that indexes a [4 x i32] with the
// constant index.
func NewConstantAccess(index int64) *bounds.Function {
	return &bounds.Function{
		Name:   "constant",
		Result: &bounds.IntType{Width: 32},
		Blocks: []*bounds.Block{{Name: "entry", Instrs: []bounds.Instruction{
			&bounds.IndexedAccess{
				Name:       "p",
				InBounds:   true,
				Elem:       &bounds.ArrayType{Elem: &bounds.IntType{Width: 32}, Len: 4},
				Index:      &bounds.Const{Value: index},
				IndexWidth: 64,
			},
			&bounds.Return{X: &bounds.Const{Value: 0}, Width: 32},
		}}},
	}
}

// MustVerifyModule verifies every access of m with a Z3 solver. Fatal on error.
func MustVerifyModule(tb testing.TB, m *bounds.Module) []*bounds.Result {
	tb.Helper()

	s := z3.NewSolver()
	defer MustCloseSolver(tb, s)

	facts := MustPropagate(tb, m, false)
	results, err := bounds.NewVerifier(s, facts).VerifyModule(context.Background(), m)
	if err != nil {
		tb.Fatal(err)
	}

	if n := s.NumScopes(); n != 0 {
		tb.Fatalf("unexpected scopes: %d", n)
	} else if n, err := s.NumAssertions(); err != nil {
		tb.Fatal(err)
	} else if exp := len(facts.Instances()); n != exp {
		tb.Fatalf("unexpected assertion count: %d != %d", n, exp)
	}
	return results
}

// MustCloseSolver closes s. Fatal on error.
func MustCloseSolver(tb testing.TB, s *z3.Solver) {
	tb.Helper()
	if err := s.Close(); err != nil {
		tb.Fatal(err)
	}
}

func TestVerifier_VerifyModule(t *testing.T) {
	t.Run("Safe", func(t *testing.T) {
		results := MustVerifyModule(t, MustNewModule(t, NewDiamond()))
		if len(results) != 1 {
			t.Fatalf("unexpected results: %s", spew.Sdump(results))
		} else if r := results[0]; r.Verdict != bounds.Safe || r.Func != "diamond" || r.Block != "join" || r.Access != "p" || r.Len != 4 {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		}
	})

	t.Run("Unsafe", func(t *testing.T) {
		fn := NewDiamond()
		fn.Blocks[2].Instrs[0].(*bounds.BinaryOp).Y = &bounds.Const{Value: 7}

		results := MustVerifyModule(t, MustNewModule(t, fn))
		if len(results) != 1 {
			t.Fatalf("unexpected results: %s", spew.Sdump(results))
		}

		r := results[0]
		if r.Verdict != bounds.Unsafe {
			t.Fatalf("unexpected verdict: %s", r.Verdict)
		} else if len(r.Witness) != 1 || r.Witness[0].Param != "x" || r.Witness[0].Width != 32 {
			t.Fatalf("unexpected witness: %s", spew.Sdump(r.Witness))
		} else if x := r.Witness[0].Value; x < 0 || x&7 != r.Index {
			t.Fatalf("witness x=%d does not produce index %d", x, r.Index)
		} else if r.Index < 4 || r.Index > 7 {
			t.Fatalf("unexpected index: %d", r.Index)
		}
	})

	t.Run("ConstantOutOfBounds", func(t *testing.T) {
		results := MustVerifyModule(t, MustNewModule(t, NewConstantAccess(4)))
		if len(results) != 1 {
			t.Fatalf("unexpected results: %s", spew.Sdump(results))
		} else if r := results[0]; r.Verdict != bounds.Unsafe || r.Index != 4 || len(r.Witness) != 0 {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		}
	})

	t.Run("ConstantNegative", func(t *testing.T) {
		results := MustVerifyModule(t, MustNewModule(t, NewConstantAccess(-1)))
		if r := results[0]; r.Verdict != bounds.Unsafe || r.Index != -1 {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		}
	})

	t.Run("ConstantInBounds", func(t *testing.T) {
		results := MustVerifyModule(t, MustNewModule(t, NewConstantAccess(3)))
		if r := results[0]; r.Verdict != bounds.Safe {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		}
	})

	// The body of a loop is never reached by propagation, so its accesses
	// are vacuously safe.
	t.Run("Loop", func(t *testing.T) {
		fn := NewLoop()
		body := fn.Blocks[2]
		body.Instrs = append([]bounds.Instruction{&bounds.IndexedAccess{
			Name:       "p",
			InBounds:   true,
			Elem:       &bounds.ArrayType{Elem: &bounds.IntType{Width: 32}, Len: 2},
			Index:      &bounds.Ref{Name: "i"},
			IndexWidth: 32,
		}}, body.Instrs...)

		results := MustVerifyModule(t, MustNewModule(t, fn))
		if r := results[0]; r.Verdict != bounds.Safe {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		} else if diff := cmp.Diff("false", r.Assumptions[1].String()); diff != "" {
			t.Fatal(diff)
		}
	})

	// Quantified axioms leave a satisfiable query undecided within the time
	// limit; the access is reported as unknown instead of failing the run.
	t.Run("QuantifiedTimeout", func(t *testing.T) {
		fn := NewDiamond()
		fn.Blocks[2].Instrs[0].(*bounds.BinaryOp).Y = &bounds.Const{Value: 7}
		m := MustNewModule(t, fn)

		s := z3.NewSolver()
		defer MustCloseSolver(t, s)
		if err := s.SetTimeout(200 * time.Millisecond); err != nil {
			t.Fatal(err)
		}

		v := bounds.NewVerifier(s, MustPropagate(t, m, false))
		v.Quantified = true
		results, err := v.VerifyModule(context.Background(), m)
		if err != nil {
			t.Fatal(err)
		} else if r := results[0]; r.Verdict != bounds.Unknown || r.Reason == "" {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		} else if s.NumScopes() != 0 {
			t.Fatalf("unexpected scopes: %d", s.NumScopes())
		}
	})

	t.Run("SkipNotInBounds", func(t *testing.T) {
		fn := NewConstantAccess(9)
		fn.Blocks[0].Instrs[0].(*bounds.IndexedAccess).InBounds = false
		if results := MustVerifyModule(t, MustNewModule(t, fn)); len(results) != 0 {
			t.Fatalf("unexpected results: %s", spew.Sdump(results))
		}
	})

	t.Run("SkipUnknownLength", func(t *testing.T) {
		fn := NewConstantAccess(9)
		fn.Blocks[0].Instrs[0].(*bounds.IndexedAccess).Elem = &bounds.OpaqueType{Name: "[]int32"}
		if results := MustVerifyModule(t, MustNewModule(t, fn)); len(results) != 0 {
			t.Fatalf("unexpected results: %s", spew.Sdump(results))
		}
	})
}

func TestVerifier_VerifyModule_Solver(t *testing.T) {
	t.Run("Timeout", func(t *testing.T) {
		s := NewSolver()
		s.CheckFn = func(ctx context.Context, exprs []bounds.Expr) (bool, []*bounds.ConstantExpr, error) {
			return false, nil, bounds.ErrSolverTimeout
		}

		m := MustNewModule(t, NewDiamond())
		results, err := bounds.NewVerifier(s, MustPropagate(t, m, false)).VerifyModule(context.Background(), m)
		if err != nil {
			t.Fatal(err)
		} else if r := results[0]; r.Verdict != bounds.Unknown || r.Reason != bounds.ErrSolverTimeout.Error() {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		} else if s.scopes != 0 {
			t.Fatalf("unexpected scopes: %d", s.scopes)
		}
	})

	// A check interrupted while the caller's context is live was stopped by
	// the solver's time limit.
	t.Run("CanceledByTimeout", func(t *testing.T) {
		s := NewSolver()
		s.CheckFn = func(ctx context.Context, exprs []bounds.Expr) (bool, []*bounds.ConstantExpr, error) {
			return false, nil, bounds.ErrSolverCanceled
		}

		m := MustNewModule(t, NewDiamond())
		results, err := bounds.NewVerifier(s, MustPropagate(t, m, false)).VerifyModule(context.Background(), m)
		if err != nil {
			t.Fatal(err)
		} else if r := results[0]; r.Verdict != bounds.Unknown || r.Reason != bounds.ErrSolverTimeout.Error() {
			t.Fatalf("unexpected result: %s", spew.Sdump(r))
		}
	})

	t.Run("ErrCanceled", func(t *testing.T) {
		s := NewSolver()
		s.CheckFn = func(ctx context.Context, exprs []bounds.Expr) (bool, []*bounds.ConstantExpr, error) {
			return false, nil, context.Canceled
		}

		m := MustNewModule(t, NewDiamond())
		if _, err := bounds.NewVerifier(s, MustPropagate(t, m, false)).VerifyModule(context.Background(), m); errors.Cause(err) != context.Canceled {
			t.Fatalf("unexpected error: %v", err)
		} else if s.scopes != 0 {
			t.Fatalf("unexpected scopes: %d", s.scopes)
		}
	})

	t.Run("ErrUnbalancedScope", func(t *testing.T) {
		s := NewSolver()
		s.PopFn = func() error { return nil }

		m := MustNewModule(t, NewDiamond())
		if _, err := bounds.NewVerifier(s, MustPropagate(t, m, false)).VerifyModule(context.Background(), m); !errors.Is(err, bounds.ErrUnbalancedScope) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Quantified", func(t *testing.T) {
		s := NewSolver()
		m := MustNewModule(t, NewDiamond())
		facts := MustPropagate(t, m, false)

		v := bounds.NewVerifier(s, facts)
		v.Quantified = true
		if _, err := v.VerifyModule(context.Background(), m); err != nil {
			t.Fatal(err)
		} else if n, _ := s.NumAssertions(); n != facts.AxiomN() {
			t.Fatalf("unexpected assertion count: %d", n)
		}
	})

	t.Run("Assumptions", func(t *testing.T) {
		s := NewSolver()
		m := MustNewModule(t, NewDiamond())
		results, err := bounds.NewVerifier(s, MustPropagate(t, m, false)).VerifyModule(context.Background(), m)
		if err != nil {
			t.Fatal(err)
		}

		const idx = "(diamond$idx diamond$x)"
		if diff := cmp.Diff([]string{
			"(not (and (bvsge " + idx + " (_ bv0 64)) (bvslt " + idx + " (_ bv4 64))))",
			"(or (distinct (diamond$c diamond$x) (_ bv0 1)) (= (diamond$c diamond$x) (_ bv0 1)))",
		}, []string{results[0].Assumptions[0].String(), results[0].Assumptions[1].String()}); diff != "" {
			t.Fatal(diff)
		}
	})
}

// Solver is an in-memory bounds.Solver that records scopes and assertions.
// Check reports every query as unsatisfiable unless CheckFn is set.
type Solver struct {
	scopes     int
	assertions []int // per scope, outermost first

	CheckFn func(ctx context.Context, exprs []bounds.Expr) (bool, []*bounds.ConstantExpr, error)
	PopFn   func() error
}

// NewSolver returns a new instance of Solver.
func NewSolver() *Solver {
	return &Solver{assertions: []int{0}}
}

func (s *Solver) Assert(expr bounds.Expr) error {
	s.assertions[len(s.assertions)-1]++
	return nil
}

func (s *Solver) Push() error {
	s.scopes++
	s.assertions = append(s.assertions, 0)
	return nil
}

func (s *Solver) Pop() error {
	if s.PopFn != nil {
		return s.PopFn()
	}
	s.scopes--
	s.assertions = s.assertions[:len(s.assertions)-1]
	return nil
}

func (s *Solver) NumScopes() int { return s.scopes }

func (s *Solver) NumAssertions() (int, error) {
	var n int
	for _, v := range s.assertions {
		n += v
	}
	return n, nil
}

func (s *Solver) Check(ctx context.Context, exprs []bounds.Expr) (bool, []*bounds.ConstantExpr, error) {
	if s.CheckFn != nil {
		return s.CheckFn(ctx, exprs)
	}
	return false, nil, nil
}

// NewPhiDiamond returns a function that merges 10 and %y depending on %c.
func NewPhiDiamond(cond bounds.Operand) *bounds.Function {
	return &bounds.Function{
		Name: "merge",
		Params: []*bounds.Param{
			{Name: "c", Type: &bounds.IntType{Width: 1}},
			{Name: "y", Type: &bounds.IntType{Width: 32}},
		},
		Result: &bounds.IntType{Width: 32},
		Blocks: []*bounds.Block{
			{Name: "entry", Instrs: []bounds.Instruction{&bounds.Branch{Cond: cond, Succs: []int{1, 2}}}},
			{Name: "then", Instrs: []bounds.Instruction{&bounds.Branch{Succs: []int{3}}}},
			{Name: "else", Instrs: []bounds.Instruction{&bounds.Branch{Succs: []int{3}}}},
			{Name: "join", Instrs: []bounds.Instruction{
				&bounds.Phi{Name: "v", Width: 32, Edges: []bounds.PhiEdge{
					{Block: 1, Value: &bounds.Const{Value: 10}},
					{Block: 2, Value: &bounds.Ref{Name: "y"}},
				}},
				&bounds.Return{X: &bounds.Ref{Name: "v"}, Width: 32},
			}},
		},
	}
}

func TestPhi(t *testing.T) {
	t.Run("Guarded", func(t *testing.T) {
		m := MustNewModule(t, NewPhiDiamond(&bounds.Ref{Name: "c"}))
		facts := MustPropagate(t, m, false)
		info := facts.Signatures.Lookup("merge")

		s := z3.NewSolver()
		defer MustCloseSolver(t, s)
		for _, axiom := range facts.Axioms() {
			MustAssert(t, s, axiom)
		}

		// Under c != 0 the merged value is 10 for every y.
		v, err := bounds.Encode(&bounds.Ref{Name: "v"}, 32, info)
		if err != nil {
			t.Fatal(err)
		}
		MustAssert(t, s, bounds.NewIsNonZeroExpr(info.Param("c")))
		MustAssert(t, s, bounds.NewBinaryExpr(bounds.NE, v, bounds.NewConstantExpr(10, 32)))
		if satisfiable, _, err := s.Check(context.Background(), nil); err != nil {
			t.Fatal(err)
		} else if satisfiable {
			t.Fatal("expected unsatisfiable")
		}
	})

	t.Run("UnreachableEdge", func(t *testing.T) {
		facts := MustPropagate(t, MustNewModule(t, NewPhiDiamond(&bounds.Const{Value: 1})), false)
		if !bounds.IsConstantFalse(facts.EnterCond("merge", 2)) {
			t.Fatal("expected unreachable else block")
		}
		if diff := cmp.Diff([]string{
			"(forall ((merge$c (_ BitVec 1)) (merge$y (_ BitVec 32))) (= (merge$v merge$c merge$y) (_ bv10 32)))",
			"(forall ((merge$c (_ BitVec 1)) (merge$y (_ BitVec 32))) (= (merge$v merge$c merge$y) (merge merge$c merge$y)))",
		}, axiomStrings(facts)); diff != "" {
			t.Fatal(diff)
		}
	})
}

// MustAssert asserts expr. Fatal on error.
func MustAssert(tb testing.TB, s bounds.Solver, expr bounds.Expr) {
	tb.Helper()
	if err := s.Assert(expr); err != nil {
		tb.Fatal(err)
	}
}
