package frontend

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"log"
	"runtime"
	"sort"

	"github.com/benbjohnson/bounds"
	"github.com/pkg/errors"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// LoadGo loads the Go packages matching patterns and translates their
// package-level functions.
func LoadGo(patterns ...string) (*bounds.Module, error) {
	prog, pkgs, err := BuildProgram(patterns...)
	if err != nil {
		return nil, err
	}
	return NewGoTranslator(prog).Translate(pkgs...)
}

// BuildProgram loads the packages matching patterns and builds them in SSA
// form. Returns the SSA packages of the patterns.
func BuildProgram(patterns ...string) (*ssa.Program, []*ssa.Package, error) {
	initial, err := packages.Load(&packages.Config{
		Mode: packages.LoadAllSyntax,
	}, patterns...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load packages")
	} else if len(initial) == 0 {
		return nil, nil, fmt.Errorf("no packages match %v", patterns)
	} else if packages.PrintErrors(initial) > 0 {
		return nil, nil, fmt.Errorf("packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			return nil, nil, fmt.Errorf("cannot build SSA for package %s", initial[i])
		}
	}
	prog.Build()
	return prog, pkgs, nil
}

// GoTranslator converts SSA functions into the bounds data model. Booleans
// are 1-bit integers and every array index is treated as bounds-checked.
type GoTranslator struct {
	prog *ssa.Program
	pkgs map[*ssa.Package]struct{}

	// Target architecture used to size int, uint & uintptr.
	Arch string
}

// NewGoTranslator returns a new instance of GoTranslator.
func NewGoTranslator(prog *ssa.Program) *GoTranslator {
	return &GoTranslator{
		prog: prog,
		pkgs: make(map[*ssa.Package]struct{}),
		Arch: runtime.GOARCH,
	}
}

// Translate converts every package-level function of pkgs, ordered by
// package path and source position.
func (t *GoTranslator) Translate(pkgs ...*ssa.Package) (*bounds.Module, error) {
	var fns []*ssa.Function
	for _, pkg := range pkgs {
		t.pkgs[pkg] = struct{}{}
		for _, mem := range pkg.Members {
			if fn, ok := mem.(*ssa.Function); ok && len(fn.Blocks) > 0 && fn.Synthetic == "" {
				fns = append(fns, fn)
			}
		}
	}
	sort.Slice(fns, func(i, j int) bool {
		if a, b := fns[i].Pkg.Pkg.Path(), fns[j].Pkg.Pkg.Path(); a != b {
			return a < b
		}
		return fns[i].Pos() < fns[j].Pos()
	})

	a := make([]*bounds.Function, 0, len(fns))
	for _, fn := range fns {
		f, err := t.TranslateFunc(fn)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", fn)
		}
		a = append(a, f)
	}
	return bounds.NewModule(a...)
}

// funcName returns the module name of fn. Functions outside the translated
// packages are fully qualified so they never resolve to a module function.
func (t *GoTranslator) funcName(fn *ssa.Function) string {
	if _, ok := t.pkgs[fn.Pkg]; ok && fn.Pkg != nil {
		return fn.Name()
	}
	return fn.String()
}

// TranslateFunc converts a single function.
func (t *GoTranslator) TranslateFunc(fn *ssa.Function) (*bounds.Function, error) {
	f := &bounds.Function{Name: t.funcName(fn)}
	for _, p := range fn.Params {
		f.Params = append(f.Params, &bounds.Param{Name: p.Name(), Type: t.typ(p.Type())})
	}
	if results := fn.Signature.Results(); results.Len() == 1 {
		f.Result = t.typ(results.At(0).Type())
	} else {
		f.Result = &bounds.OpaqueType{Name: results.String()}
	}

	for _, b := range fn.Blocks {
		block := &bounds.Block{Name: blockName(b)}
		for _, instr := range b.Instrs {
			if _, ok := instr.(*ssa.DebugRef); ok {
				continue
			}
			block.Instrs = append(block.Instrs, t.instrs(instr)...)
		}
		f.Blocks = append(f.Blocks, block)
	}
	return f, nil
}

func blockName(b *ssa.BasicBlock) string {
	if b.Comment == "" {
		return fmt.Sprintf("b%d", b.Index)
	}
	return fmt.Sprintf("%d.%s", b.Index, b.Comment)
}

// instrs converts an instruction. An access with an unsigned index narrower
// than 64 bits is preceded by a zero extension of the index, which the access
// then uses.
func (t *GoTranslator) instrs(instr ssa.Instruction) []bounds.Instruction {
	v := t.instr(instr)
	access, ok := v.(*bounds.IndexedAccess)
	if !ok || access.IndexWidth >= bounds.Width64 {
		return []bounds.Instruction{v}
	}

	var index ssa.Value
	switch instr := instr.(type) {
	case *ssa.IndexAddr:
		index = instr.Index
	case *ssa.Index:
		index = instr.Index
	}
	if index == nil || isSigned(index.Type()) {
		return []bounds.Instruction{v}
	}

	cast := &bounds.Cast{
		Name: access.Name + ".idx",
		Kind: bounds.ZeroExtend,
		From: access.IndexWidth,
		To:   bounds.Width64,
		X:    access.Index,
	}
	access.Index, access.IndexWidth = &bounds.Ref{Name: cast.Name}, bounds.Width64
	return []bounds.Instruction{cast, access}
}

// instr converts an instruction. Terminators are always converted;
// instructions without modeled semantics become opaque.
func (t *GoTranslator) instr(instr ssa.Instruction) bounds.Instruction {
	switch instr := instr.(type) {
	case *ssa.If:
		cond, err := t.operand(instr.Cond)
		if err != nil {
			// An unknown condition still splits control flow.
			cond = &bounds.Ref{Name: instr.Cond.Name()}
		}
		succs := instr.Block().Succs
		return &bounds.Branch{Cond: cond, Succs: []int{succs[0].Index, succs[1].Index}}
	case *ssa.Jump:
		return &bounds.Branch{Succs: []int{instr.Block().Succs[0].Index}}
	case *ssa.Return:
		return t.ret(instr)
	case *ssa.Panic:
		return &bounds.Return{}
	}

	v, err := t.convert(instr)
	if err != nil || v == nil {
		if err != nil {
			log.Printf("[ssa] %s: %s: %s", instr.Parent(), instr, err)
		}
		return t.opaque(instr)
	}
	return v
}

func (t *GoTranslator) convert(instr ssa.Instruction) (bounds.Instruction, error) {
	switch instr := instr.(type) {
	case *ssa.BinOp:
		return t.binOp(instr)
	case *ssa.UnOp:
		return t.unOp(instr)
	case *ssa.Convert:
		return t.conv(instr)
	case *ssa.Phi:
		return t.phi(instr)
	case *ssa.Call:
		return t.call(instr)
	case *ssa.IndexAddr:
		return t.indexAddr(instr)
	case *ssa.Index:
		return t.index(instr)
	default:
		return nil, nil
	}
}

var ssaOpcodes = map[token.Token]bounds.Opcode{
	token.ADD: bounds.OpAdd,
	token.SUB: bounds.OpSub,
	token.MUL: bounds.OpMul,
	token.AND: bounds.OpAnd,
	token.OR:  bounds.OpOr,
	token.XOR: bounds.OpXor,
	token.SHL: bounds.OpShl,
}

func (t *GoTranslator) binOp(instr *ssa.BinOp) (bounds.Instruction, error) {
	width, ok := t.intWidth(instr.X.Type())
	if !ok {
		return nil, nil
	}
	signed := isSigned(instr.X.Type())

	x, err := t.operand(instr.X)
	if err != nil {
		return nil, err
	}

	// Shift counts may have any integer type.
	if instr.Op == token.SHL || instr.Op == token.SHR {
		if w, _ := t.intWidth(instr.Y.Type()); w != width {
			if _, ok := instr.Y.(*ssa.Const); !ok {
				return nil, fmt.Errorf("shift count width mismatch: %d != %d", w, width)
			}
		}
	}
	y, err := t.operand(instr.Y)
	if err != nil {
		return nil, err
	}

	if pred, ok := comparePredicate(instr.Op, signed); ok {
		return &bounds.Compare{Name: instr.Name(), Pred: pred, Width: width, X: x, Y: y}, nil
	}

	op, ok := ssaOpcodes[instr.Op]
	switch instr.Op {
	case token.SHR:
		op, ok = bounds.OpLShr, true
		if signed {
			op = bounds.OpAShr
		}
	case token.QUO:
		op, ok = bounds.OpUDiv, true
		if signed {
			op = bounds.OpSDiv
		}
	case token.REM:
		op, ok = bounds.OpURem, true
		if signed {
			op = bounds.OpSRem
		}
	}
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s", instr.Op)
	}
	return &bounds.BinaryOp{Name: instr.Name(), Op: op, Width: width, X: x, Y: y}, nil
}

func comparePredicate(op token.Token, signed bool) (bounds.Predicate, bool) {
	switch op {
	case token.EQL:
		return bounds.PredEQ, true
	case token.NEQ:
		return bounds.PredNE, true
	case token.LSS:
		if signed {
			return bounds.PredSLT, true
		}
		return bounds.PredULT, true
	case token.LEQ:
		if signed {
			return bounds.PredSLE, true
		}
		return bounds.PredULE, true
	case token.GTR:
		if signed {
			return bounds.PredSGT, true
		}
		return bounds.PredUGT, true
	case token.GEQ:
		if signed {
			return bounds.PredSGE, true
		}
		return bounds.PredUGE, true
	default:
		return 0, false
	}
}

// unOp converts negation, bitwise complement & logical not into binary
// operations.
func (t *GoTranslator) unOp(instr *ssa.UnOp) (bounds.Instruction, error) {
	width, ok := t.intWidth(instr.Type())
	if !ok {
		return nil, nil
	}
	x, err := t.operand(instr.X)
	if err != nil {
		return nil, err
	}

	switch instr.Op {
	case token.SUB:
		return &bounds.BinaryOp{Name: instr.Name(), Op: bounds.OpSub, Width: width, X: &bounds.Const{Value: 0}, Y: x}, nil
	case token.XOR:
		return &bounds.BinaryOp{Name: instr.Name(), Op: bounds.OpXor, Width: width, X: x, Y: &bounds.Const{Value: -1}}, nil
	case token.NOT:
		return &bounds.BinaryOp{Name: instr.Name(), Op: bounds.OpXor, Width: width, X: x, Y: &bounds.Const{Value: 1}}, nil
	default:
		return nil, nil
	}
}

// conv converts integer conversions. Narrowing conversions are not modeled.
func (t *GoTranslator) conv(instr *ssa.Convert) (bounds.Instruction, error) {
	from, ok := t.intWidth(instr.X.Type())
	if !ok {
		return nil, nil
	}
	to, ok := t.intWidth(instr.Type())
	if !ok || to < from {
		return nil, nil
	}
	x, err := t.operand(instr.X)
	if err != nil {
		return nil, err
	}

	kind := bounds.ZeroExtend
	if isSigned(instr.X.Type()) {
		kind = bounds.SignExtend
	}
	return &bounds.Cast{Name: instr.Name(), Kind: kind, From: from, To: to, X: x}, nil
}

func (t *GoTranslator) phi(instr *ssa.Phi) (bounds.Instruction, error) {
	width, ok := t.intWidth(instr.Type())
	if !ok {
		return nil, nil
	}
	preds := instr.Block().Preds

	v := &bounds.Phi{Name: instr.Name(), Width: width}
	for i, edge := range instr.Edges {
		op, err := t.operand(edge)
		if err != nil {
			return nil, err
		}
		v.Edges = append(v.Edges, bounds.PhiEdge{Block: preds[i].Index, Value: op})
	}
	return v, nil
}

func (t *GoTranslator) call(instr *ssa.Call) (bounds.Instruction, error) {
	callee := instr.Call.StaticCallee()
	if callee == nil || instr.Call.IsInvoke() {
		return nil, nil
	}
	width, ok := t.intWidth(instr.Type())
	if !ok {
		return nil, nil
	}

	v := &bounds.Call{Name: instr.Name(), Callee: t.funcName(callee), Width: width}
	for _, arg := range instr.Call.Args {
		op, err := t.operand(arg)
		if err != nil {
			return nil, err
		}
		v.Args = append(v.Args, op)
	}
	return v, nil
}

// indexAddr converts &a[i]. Only pointers to arrays have a fixed length.
func (t *GoTranslator) indexAddr(instr *ssa.IndexAddr) (bounds.Instruction, error) {
	var elem bounds.Type = &bounds.OpaqueType{Name: instr.X.Type().String()}
	if ptr, ok := instr.X.Type().Underlying().(*types.Pointer); ok {
		elem = t.typ(ptr.Elem())
	}
	return t.access(instr.Name(), elem, instr.Index)
}

// index converts a[i] on an array value.
func (t *GoTranslator) index(instr *ssa.Index) (bounds.Instruction, error) {
	return t.access(instr.Name(), t.typ(instr.X.Type()), instr.Index)
}

func (t *GoTranslator) access(name string, elem bounds.Type, index ssa.Value) (bounds.Instruction, error) {
	width, ok := t.intWidth(index.Type())
	if !ok {
		return nil, fmt.Errorf("unsupported index type: %s", index.Type())
	}
	op, err := t.operand(index)
	if err != nil {
		return nil, err
	}
	return &bounds.IndexedAccess{Name: name, InBounds: true, Elem: elem, Index: op, IndexWidth: width}, nil
}

func (t *GoTranslator) ret(instr *ssa.Return) bounds.Instruction {
	if len(instr.Results) != 1 {
		return &bounds.Return{}
	}
	width, ok := t.intWidth(instr.Results[0].Type())
	if !ok {
		return &bounds.Return{}
	}
	op, err := t.operand(instr.Results[0])
	if err != nil {
		log.Printf("[ssa] %s: %s: %s", instr.Parent(), instr, err)
		return &bounds.Return{}
	}
	return &bounds.Return{X: op, Width: width}
}

func (t *GoTranslator) opaque(instr ssa.Instruction) bounds.Instruction {
	v := &bounds.Opaque{Text: instr.String()}
	if value, ok := instr.(ssa.Value); ok {
		if width, ok := t.intWidth(value.Type()); ok {
			v.Name, v.Width = value.Name(), width
		}
	}
	return v
}

func (t *GoTranslator) operand(v ssa.Value) (bounds.Operand, error) {
	switch v := v.(type) {
	case *ssa.Const:
		if v.Value == nil {
			return nil, fmt.Errorf("nil constant")
		} else if v.Value.Kind() == constant.Bool {
			if constant.BoolVal(v.Value) {
				return &bounds.Const{Value: 1}, nil
			}
			return &bounds.Const{Value: 0}, nil
		} else if !isInteger(v.Type()) {
			return nil, fmt.Errorf("unsupported constant: %s", v)
		} else if isSigned(v.Type()) {
			return &bounds.Const{Value: v.Int64()}, nil
		}
		return &bounds.Const{Value: int64(v.Uint64())}, nil
	case *ssa.Parameter, ssa.Instruction:
		return &bounds.Ref{Name: v.Name()}, nil
	default:
		return nil, fmt.Errorf("unsupported operand: %s", v)
	}
}

func (t *GoTranslator) typ(typ types.Type) bounds.Type {
	switch u := typ.Underlying().(type) {
	case *types.Basic:
		if width, ok := t.intWidth(typ); ok {
			return &bounds.IntType{Width: width}
		}
	case *types.Array:
		return &bounds.ArrayType{Elem: t.typ(u.Elem()), Len: uint64(u.Len())}
	}
	return &bounds.OpaqueType{Name: typ.String()}
}

// intWidth returns the bit width of an integer or boolean type.
func (t *GoTranslator) intWidth(typ types.Type) (uint, bool) {
	basic, ok := typ.Underlying().(*types.Basic)
	if !ok {
		return 0, false
	} else if basic.Info()&types.IsBoolean != 0 {
		return bounds.Width1, true
	} else if basic.Info()&types.IsInteger == 0 || basic.Info()&types.IsUntyped != 0 {
		return 0, false
	}
	return uint(types.SizesFor("gc", t.Arch).Sizeof(basic)) * 8, true
}

func isInteger(typ types.Type) bool {
	basic, ok := typ.Underlying().(*types.Basic)
	return ok && basic.Info()&types.IsInteger != 0
}

func isSigned(typ types.Type) bool {
	basic, ok := typ.Underlying().(*types.Basic)
	return ok && basic.Info()&types.IsUnsigned == 0
}
