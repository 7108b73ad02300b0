package frontend_test

import (
	"strings"
	"testing"

	"github.com/benbjohnson/bounds"
	"github.com/benbjohnson/bounds/frontend"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

// MustLoadLLVM parses the LLVM IR file at path. Fatal on error.
func MustLoadLLVM(tb testing.TB, path string) *bounds.Module {
	tb.Helper()
	m, err := frontend.LoadLLVM(path)
	if err != nil {
		tb.Fatal(err)
	}
	return m
}

// MustFindFunc returns the named function. Fatal if not found.
func MustFindFunc(tb testing.TB, m *bounds.Module, name string) *bounds.Function {
	tb.Helper()
	fn := m.Func(name)
	if fn == nil {
		tb.Fatalf("function not found: %s", name)
	}
	return fn
}

func TestLoadLLVM(t *testing.T) {
	t.Run("Mask", func(t *testing.T) {
		m := MustLoadLLVM(t, "../testdata/mask.ll")
		if len(m.Funcs) != 3 {
			t.Fatalf("unexpected function count: %d", len(m.Funcs))
		}

		fn := MustFindFunc(t, m, "mask3")
		if diff := cmp.Diff([]*bounds.Param{{Name: "x", Type: &bounds.IntType{Width: 8}}}, fn.Params); diff != "" {
			t.Fatal(diff)
		} else if diff := cmp.Diff(&bounds.IntType{Width: 32}, fn.Result); diff != "" {
			t.Fatal(diff)
		}

		instrs := fn.Entry().Instrs
		if len(instrs) != 5 {
			t.Fatalf("unexpected instructions: %s", spew.Sdump(instrs))
		}
		if diff := cmp.Diff([]bounds.Instruction{
			&bounds.BinaryOp{Name: "and", Op: bounds.OpAnd, Width: 8, X: &bounds.Ref{Name: "x"}, Y: &bounds.Const{Value: 3}},
			&bounds.Cast{Name: "idx", Kind: bounds.SignExtend, From: 8, To: 64, X: &bounds.Ref{Name: "and"}},
			&bounds.IndexedAccess{
				Name:       "p",
				InBounds:   true,
				Elem:       &bounds.ArrayType{Elem: &bounds.IntType{Width: 32}, Len: 4},
				Index:      &bounds.Ref{Name: "idx"},
				IndexWidth: 64,
			},
		}, instrs[:3]); diff != "" {
			t.Fatal(diff)
		}

		// Loads are not modeled.
		if op, ok := instrs[3].(*bounds.Opaque); !ok || op.Name != "v" || op.Width != 32 {
			t.Fatalf("unexpected instruction: %s", spew.Sdump(instrs[3]))
		} else if diff := cmp.Diff(&bounds.Return{X: &bounds.Ref{Name: "v"}, Width: 32}, instrs[4]); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Branch", func(t *testing.T) {
		fn := MustFindFunc(t, MustLoadLLVM(t, "../testdata/branch.ll"), "diamond")
		if diff := cmp.Diff([]int{1, 2}, fn.Entry().Succs()); diff != "" {
			t.Fatal(diff)
		}

		join := fn.Block("join")
		if diff := cmp.Diff([]int{1, 2}, join.Preds()); diff != "" {
			t.Fatal(diff)
		}

		phi, ok := join.Instrs[0].(*bounds.Phi)
		if !ok {
			t.Fatalf("unexpected instruction: %s", spew.Sdump(join.Instrs[0]))
		} else if diff := cmp.Diff(&bounds.Phi{Name: "i", Width: 32, Edges: []bounds.PhiEdge{
			{Block: 1, Value: &bounds.Const{Value: 0}},
			{Block: 2, Value: &bounds.Ref{Name: "m"}},
		}}, phi); diff != "" {
			t.Fatal(diff)
		}

		if br, ok := fn.Entry().Terminator().(*bounds.Branch); !ok {
			t.Fatalf("unexpected terminator: %s", fn.Entry().Terminator())
		} else if diff := cmp.Diff(&bounds.Branch{Cond: &bounds.Ref{Name: "c"}, Succs: []int{1, 2}}, br); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("NoSignedWrap", func(t *testing.T) {
		fn := MustFindFunc(t, MustLoadLLVM(t, "../testdata/branch.ll"), "offset")
		if op, ok := fn.Entry().Instrs[1].(*bounds.BinaryOp); !ok || !op.NoSignedWrap || op.Op != bounds.OpAdd {
			t.Fatalf("unexpected instruction: %s", spew.Sdump(fn.Entry().Instrs[1]))
		}
	})

	t.Run("Divide", func(t *testing.T) {
		m := MustLoadLLVM(t, "../testdata/divide.ll")
		if diff := cmp.Diff(&bounds.BinaryOp{Name: "q", Op: bounds.OpUDiv, Width: 32, X: &bounds.Ref{Name: "m"}, Y: &bounds.Const{Value: 4}}, MustFindFunc(t, m, "quotient").Entry().Instrs[1]); diff != "" {
			t.Fatal(diff)
		} else if diff := cmp.Diff(&bounds.BinaryOp{Name: "r", Op: bounds.OpSRem, Width: 32, X: &bounds.Ref{Name: "x"}, Y: &bounds.Const{Value: 4}}, MustFindFunc(t, m, "remainder").Entry().Instrs[0]); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Call", func(t *testing.T) {
		m := MustLoadLLVM(t, "../testdata/call.ll")
		if m.Func("external") != nil {
			t.Fatal("expected declaration to be skipped")
		}

		fn := MustFindFunc(t, m, "caller")
		if diff := cmp.Diff(&bounds.Call{Name: "i", Callee: "clamp", Width: 32, Args: []bounds.Operand{&bounds.Ref{Name: "y"}}}, fn.Entry().Instrs[0]); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		m := MustLoadLLVM(t, "../testdata/unsupported.ll")
		if fn := MustFindFunc(t, m, "store"); fn.Result != nil {
			t.Fatalf("unexpected result type: %s", fn.Result)
		}

		fn := MustFindFunc(t, m, "callsWide")
		if op, ok := fn.Entry().Instrs[0].(*bounds.Opaque); !ok || op.Name != "" || !strings.Contains(op.Text, "sext") {
			t.Fatalf("unexpected instruction: %s", spew.Sdump(fn.Entry().Instrs[0]))
		}
		if p := MustFindFunc(t, m, "wide").Params[0]; p.Type.String() != "i128" {
			t.Fatalf("unexpected param type: %s", p.Type)
		}
	})

	t.Run("ErrNotExist", func(t *testing.T) {
		if _, err := frontend.LoadLLVM("../testdata/missing.ll"); err == nil {
			t.Fatal("expected error")
		}
	})
}
