package frontend

import (
	"fmt"
	"log"

	"github.com/benbjohnson/bounds"
	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
)

// LoadLLVM parses a textual LLVM IR file. Function declarations without a
// body are not part of the returned module.
func LoadLLVM(path string) (*bounds.Module, error) {
	m, err := asm.ParseFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return TranslateLLVM(m)
}

// TranslateLLVM converts a parsed LLVM module.
func TranslateLLVM(m *ir.Module) (*bounds.Module, error) {
	var fns []*bounds.Function
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			continue
		}
		fn, err := newLLVMTranslator(f).translate()
		if err != nil {
			return nil, errors.Wrapf(err, "@%s", f.Name())
		}
		fns = append(fns, fn)
	}
	return bounds.NewModule(fns...)
}

type llvmTranslator struct {
	f      *ir.Func
	blocks map[*ir.Block]int
}

func newLLVMTranslator(f *ir.Func) *llvmTranslator {
	t := &llvmTranslator{f: f, blocks: make(map[*ir.Block]int, len(f.Blocks))}
	for i, b := range f.Blocks {
		t.blocks[b] = i
	}
	return t
}

func (t *llvmTranslator) translate() (*bounds.Function, error) {
	fn := &bounds.Function{
		Name:   t.f.Name(),
		Result: llvmType(t.f.Sig.RetType),
	}
	for _, p := range t.f.Params {
		fn.Params = append(fn.Params, &bounds.Param{Name: p.Name(), Type: llvmType(p.Type())})
	}

	for _, b := range t.f.Blocks {
		block := &bounds.Block{Name: b.Name()}
		for _, inst := range b.Insts {
			block.Instrs = append(block.Instrs, t.inst(inst))
		}

		term, err := t.term(b.Term)
		if err != nil {
			return nil, errors.Wrapf(err, "%%%s", b.Name())
		}
		block.Instrs = append(block.Instrs, term)
		fn.Blocks = append(fn.Blocks, block)
	}
	return fn, nil
}

// inst converts a non-terminator instruction. Instructions that cannot be
// represented become opaque values.
func (t *llvmTranslator) inst(inst ir.Instruction) bounds.Instruction {
	instr, err := t.convert(inst)
	if err != nil || instr == nil {
		if err != nil {
			log.Printf("[llvm] @%s: %s: %s", t.f.Name(), inst.LLString(), err)
		}
		return opaqueLLVM(inst)
	}
	return instr
}

func (t *llvmTranslator) convert(inst ir.Instruction) (bounds.Instruction, error) {
	switch inst := inst.(type) {
	case *ir.InstAdd:
		return t.binaryOp(inst, bounds.OpAdd, inst.X, inst.Y, hasNSW(inst.OverflowFlags))
	case *ir.InstSub:
		return t.binaryOp(inst, bounds.OpSub, inst.X, inst.Y, hasNSW(inst.OverflowFlags))
	case *ir.InstMul:
		return t.binaryOp(inst, bounds.OpMul, inst.X, inst.Y, false)
	case *ir.InstUDiv:
		return t.binaryOp(inst, bounds.OpUDiv, inst.X, inst.Y, false)
	case *ir.InstSDiv:
		return t.binaryOp(inst, bounds.OpSDiv, inst.X, inst.Y, false)
	case *ir.InstURem:
		return t.binaryOp(inst, bounds.OpURem, inst.X, inst.Y, false)
	case *ir.InstSRem:
		return t.binaryOp(inst, bounds.OpSRem, inst.X, inst.Y, false)
	case *ir.InstShl:
		return t.binaryOp(inst, bounds.OpShl, inst.X, inst.Y, false)
	case *ir.InstLShr:
		return t.binaryOp(inst, bounds.OpLShr, inst.X, inst.Y, false)
	case *ir.InstAShr:
		return t.binaryOp(inst, bounds.OpAShr, inst.X, inst.Y, false)
	case *ir.InstAnd:
		return t.binaryOp(inst, bounds.OpAnd, inst.X, inst.Y, false)
	case *ir.InstOr:
		return t.binaryOp(inst, bounds.OpOr, inst.X, inst.Y, false)
	case *ir.InstXor:
		return t.binaryOp(inst, bounds.OpXor, inst.X, inst.Y, false)
	case *ir.InstICmp:
		return t.icmp(inst)
	case *ir.InstPhi:
		return t.phi(inst)
	case *ir.InstZExt:
		return t.cast(inst, bounds.ZeroExtend, inst.From, inst.To)
	case *ir.InstSExt:
		return t.cast(inst, bounds.SignExtend, inst.From, inst.To)
	case *ir.InstCall:
		return t.call(inst)
	case *ir.InstGetElementPtr:
		return t.gep(inst)
	default:
		return nil, nil
	}
}

func (t *llvmTranslator) binaryOp(inst value.Named, op bounds.Opcode, x, y value.Value, nsw bool) (bounds.Instruction, error) {
	width, err := llvmIntWidth(inst.Type())
	if err != nil {
		return nil, err
	}
	X, err := llvmOperand(x)
	if err != nil {
		return nil, err
	}
	Y, err := llvmOperand(y)
	if err != nil {
		return nil, err
	}
	return &bounds.BinaryOp{Name: inst.Name(), Op: op, Width: width, X: X, Y: Y, NoSignedWrap: nsw}, nil
}

var llvmPredicates = map[enum.IPred]bounds.Predicate{
	enum.IPredEQ:  bounds.PredEQ,
	enum.IPredNE:  bounds.PredNE,
	enum.IPredUGT: bounds.PredUGT,
	enum.IPredUGE: bounds.PredUGE,
	enum.IPredULT: bounds.PredULT,
	enum.IPredULE: bounds.PredULE,
	enum.IPredSGT: bounds.PredSGT,
	enum.IPredSGE: bounds.PredSGE,
	enum.IPredSLT: bounds.PredSLT,
	enum.IPredSLE: bounds.PredSLE,
}

func (t *llvmTranslator) icmp(inst *ir.InstICmp) (bounds.Instruction, error) {
	pred, ok := llvmPredicates[inst.Pred]
	if !ok {
		return nil, fmt.Errorf("unsupported predicate: %s", inst.Pred)
	}
	width, err := llvmIntWidth(inst.X.Type())
	if err != nil {
		return nil, err
	}
	X, err := llvmOperand(inst.X)
	if err != nil {
		return nil, err
	}
	Y, err := llvmOperand(inst.Y)
	if err != nil {
		return nil, err
	}
	return &bounds.Compare{Name: inst.Name(), Pred: pred, Width: width, X: X, Y: Y}, nil
}

func (t *llvmTranslator) phi(inst *ir.InstPhi) (bounds.Instruction, error) {
	width, err := llvmIntWidth(inst.Type())
	if err != nil {
		return nil, err
	}
	instr := &bounds.Phi{Name: inst.Name(), Width: width}
	for _, inc := range inst.Incs {
		pred, err := t.blockIndex(inc.Pred)
		if err != nil {
			return nil, err
		}
		v, err := llvmOperand(inc.X)
		if err != nil {
			return nil, err
		}
		instr.Edges = append(instr.Edges, bounds.PhiEdge{Block: pred, Value: v})
	}
	return instr, nil
}

func (t *llvmTranslator) cast(inst value.Named, kind bounds.CastKind, from value.Value, to types.Type) (bounds.Instruction, error) {
	fromWidth, err := llvmIntWidth(from.Type())
	if err != nil {
		return nil, err
	}
	toWidth, err := llvmIntWidth(to)
	if err != nil {
		return nil, err
	}
	X, err := llvmOperand(from)
	if err != nil {
		return nil, err
	}
	return &bounds.Cast{Name: inst.Name(), Kind: kind, From: fromWidth, To: toWidth, X: X}, nil
}

func (t *llvmTranslator) call(inst *ir.InstCall) (bounds.Instruction, error) {
	callee, ok := inst.Callee.(*ir.Func)
	if !ok {
		return nil, fmt.Errorf("indirect call")
	}

	// Calls without an integer result are kept for their side effects only.
	width, err := llvmIntWidth(inst.Type())
	if err != nil {
		return nil, nil
	}

	instr := &bounds.Call{Name: inst.Name(), Callee: callee.Name(), Width: width}
	for _, arg := range inst.Args {
		op, err := llvmOperand(arg)
		if err != nil {
			return nil, err
		}
		instr.Args = append(instr.Args, op)
	}
	return instr, nil
}

// gep converts an address computation. The second index selects the
// element of the array pointed to by the source operand.
func (t *llvmTranslator) gep(inst *ir.InstGetElementPtr) (bounds.Instruction, error) {
	if len(inst.Indices) < 2 {
		return nil, nil
	}
	idx := inst.Indices[1]
	width, err := llvmIntWidth(idx.Type())
	if err != nil {
		return nil, err
	}
	op, err := llvmOperand(idx)
	if err != nil {
		return nil, err
	}
	return &bounds.IndexedAccess{
		Name:       inst.Name(),
		InBounds:   inst.InBounds,
		Elem:       llvmType(inst.ElemType),
		Index:      op,
		IndexWidth: width,
	}, nil
}

func (t *llvmTranslator) term(term ir.Terminator) (bounds.Instruction, error) {
	switch term := term.(type) {
	case *ir.TermRet:
		if term.X == nil {
			return &bounds.Return{}, nil
		}
		width, err := llvmIntWidth(term.X.Type())
		if err != nil {
			return &bounds.Return{}, nil
		}
		op, err := llvmOperand(term.X)
		if err != nil {
			return nil, err
		}
		return &bounds.Return{X: op, Width: width}, nil

	case *ir.TermBr:
		target, err := t.blockIndex(term.Target)
		if err != nil {
			return nil, err
		}
		return &bounds.Branch{Succs: []int{target}}, nil

	case *ir.TermCondBr:
		cond, err := llvmOperand(term.Cond)
		if err != nil {
			return nil, err
		}
		then, err := t.blockIndex(term.TargetTrue)
		if err != nil {
			return nil, err
		}
		els, err := t.blockIndex(term.TargetFalse)
		if err != nil {
			return nil, err
		}
		return &bounds.Branch{Cond: cond, Succs: []int{then, els}}, nil

	case *ir.TermUnreachable:
		return &bounds.Return{}, nil

	default:
		return nil, fmt.Errorf("unsupported terminator: %s", term.LLString())
	}
}

// blockIndex returns the arena index of a branch target or phi predecessor.
func (t *llvmTranslator) blockIndex(v interface{}) (int, error) {
	b, ok := v.(*ir.Block)
	if !ok {
		return 0, fmt.Errorf("invalid block reference: %v", v)
	}
	i, ok := t.blocks[b]
	if !ok {
		return 0, fmt.Errorf("block not in function: %%%s", b.Name())
	}
	return i, nil
}

func opaqueLLVM(inst ir.Instruction) bounds.Instruction {
	instr := &bounds.Opaque{Text: inst.LLString()}
	if v, ok := inst.(value.Named); ok {
		if w, err := llvmIntWidth(v.Type()); err == nil {
			instr.Name, instr.Width = v.Name(), w
		}
	}
	return instr
}

func hasNSW(flags []enum.OverflowFlag) bool {
	for _, f := range flags {
		if f == enum.OverflowFlagNSW {
			return true
		}
	}
	return false
}

func llvmOperand(v value.Value) (bounds.Operand, error) {
	switch v := v.(type) {
	case *constant.Int:
		if v.X.IsInt64() {
			return &bounds.Const{Value: v.X.Int64()}, nil
		} else if v.X.IsUint64() {
			return &bounds.Const{Value: int64(v.X.Uint64())}, nil
		}
		return nil, fmt.Errorf("integer constant out of range: %s", v.X)
	case value.Named:
		return &bounds.Ref{Name: v.Name()}, nil
	default:
		return nil, fmt.Errorf("unsupported operand: %s", v.Ident())
	}
}

func llvmIntWidth(t types.Type) (uint, error) {
	if t, ok := t.(*types.IntType); ok && t.BitSize > 0 && t.BitSize <= bounds.MaxWidth {
		return uint(t.BitSize), nil
	}
	return 0, fmt.Errorf("not a supported integer type: %s", t)
}

func llvmType(t types.Type) bounds.Type {
	switch t := t.(type) {
	case *types.IntType:
		return &bounds.IntType{Width: uint(t.BitSize)}
	case *types.ArrayType:
		return &bounds.ArrayType{Elem: llvmType(t.ElemType), Len: t.Len}
	case *types.VoidType, nil:
		return nil
	default:
		return &bounds.OpaqueType{Name: t.String()}
	}
}
