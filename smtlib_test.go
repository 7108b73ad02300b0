package bounds_test

import (
	"bytes"
	"testing"

	"github.com/benbjohnson/bounds"
	"github.com/google/go-cmp/cmp"
)

func TestWriteSMTLIB(t *testing.T) {
	x := bounds.NewVarExpr("f$x", 8)
	decl := &bounds.FuncDecl{Name: "f$idx", Domain: []uint{8}, Range: 64}
	idx := bounds.NewAppExpr(decl, x)

	axioms := []bounds.Expr{
		bounds.NewForallExpr([]*bounds.VarExpr{x}, bounds.NewBinaryExpr(bounds.EQ, idx, bounds.NewCastExpr(x, 64, true))),
	}
	results := []*bounds.Result{{
		Func:   "f",
		Block:  "entry",
		Access: "p",
		Len:    4,
		Assumptions: []bounds.Expr{
			bounds.NewNotExpr(bounds.NewBinaryExpr(bounds.SLT, idx, bounds.NewConstantExpr(4, 64))),
		},
	}}

	var buf bytes.Buffer
	if err := bounds.WriteSMTLIB(&buf, axioms, results); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(`
(set-option :produce-models true)
(declare-const f$x (_ BitVec 8))
(declare-fun f$idx ((_ BitVec 8)) (_ BitVec 64))
(assert (forall ((f$x (_ BitVec 8))) (= (f$idx f$x) ((_ sign_extend 56) f$x))))

; f/entry %p [4]
(push 1)
(assert (not (bvslt (f$idx f$x) (_ bv4 64))))
(check-sat)
(pop 1)
`[1:], buf.String()); diff != "" {
		t.Fatal(diff)
	}
}
