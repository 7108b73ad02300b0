package bounds

import (
	"bytes"
	"fmt"
	"strings"
)

// Module represents an ordered set of uniquely named functions.
type Module struct {
	Funcs []*Function

	index map[string]*Function
}

// NewModule returns a new module containing fns. Returns an error if two
// functions share a name or if any function has a malformed CFG.
func NewModule(fns ...*Function) (*Module, error) {
	m := &Module{index: make(map[string]*Function, len(fns))}
	for _, fn := range fns {
		if _, ok := m.index[fn.Name]; ok {
			return nil, fmt.Errorf("duplicate function: %s", fn.Name)
		} else if err := fn.Link(); err != nil {
			return nil, err
		}
		m.index[fn.Name] = fn
		m.Funcs = append(m.Funcs, fn)
	}
	return m, nil
}

// Func returns the function with the given name, if any.
func (m *Module) Func(name string) *Function {
	return m.index[name]
}

// Function represents a function body as an arena of blocks. Block 0 is the
// entry block.
type Function struct {
	Name   string
	Params []*Param
	Result Type
	Blocks []*Block
}

// Param represents a function parameter.
type Param struct {
	Name string
	Type Type
}

// Entry returns the entry block.
func (fn *Function) Entry() *Block {
	if len(fn.Blocks) == 0 {
		return nil
	}
	return fn.Blocks[0]
}

// Block returns the block with the given name, if any.
func (fn *Function) Block(name string) *Block {
	for _, b := range fn.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Link assigns block indices and derives predecessor & successor lists from
// the block terminators. Returns an error if a block is not terminated by
// exactly one Branch or Return or if a branch target does not exist.
func (fn *Function) Link() error {
	if len(fn.Blocks) == 0 {
		return fmt.Errorf("%s: function has no blocks", fn.Name)
	}

	for i, b := range fn.Blocks {
		b.Index = i
		b.preds, b.succs = nil, nil
	}

	for _, b := range fn.Blocks {
		for i, instr := range b.Instrs {
			if IsTerminator(instr) != (i == len(b.Instrs)-1) {
				return fmt.Errorf("%s: block %s: expected exactly one terminator as last instruction", fn.Name, b.Name)
			}
		}
		if len(b.Instrs) == 0 {
			return fmt.Errorf("%s: block %s: missing terminator", fn.Name, b.Name)
		}

		br, ok := b.Terminator().(*Branch)
		if !ok {
			continue
		}
		if br.Cond == nil && len(br.Succs) != 1 {
			return fmt.Errorf("%s: block %s: unconditional branch requires one successor", fn.Name, b.Name)
		} else if br.Cond != nil && len(br.Succs) != 2 {
			return fmt.Errorf("%s: block %s: conditional branch requires two successors", fn.Name, b.Name)
		}
		for _, succ := range br.Succs {
			if succ < 0 || succ >= len(fn.Blocks) {
				return fmt.Errorf("%s: block %s: branch target out of range: %d", fn.Name, b.Name, succ)
			}
			b.succs = append(b.succs, succ)
			fn.Blocks[succ].preds = append(fn.Blocks[succ].preds, b.Index)
		}
	}
	return nil
}

// String returns a textual listing of the function.
func (fn *Function) String() string {
	var buf bytes.Buffer
	params := make([]string, len(fn.Params))
	for i, p := range fn.Params {
		params[i] = fmt.Sprintf("%s %%%s", p.Type, p.Name)
	}
	fmt.Fprintf(&buf, "define %s @%s(%s) {\n", fn.Result, fn.Name, strings.Join(params, ", "))
	for i, b := range fn.Blocks {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "%s:\n", b.Name)
		for _, instr := range b.Instrs {
			fmt.Fprintf(&buf, "  %s\n", instr)
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}

// Block represents a basic block. Edges are index lists into the owning
// function's block arena and are derived by Function.Link().
type Block struct {
	Index  int
	Name   string
	Instrs []Instruction

	preds []int
	succs []int
}

// Preds returns the indices of predecessor blocks, one per incoming edge.
func (b *Block) Preds() []int { return b.preds }

// Succs returns the indices of successor blocks, one per outgoing edge.
func (b *Block) Succs() []int { return b.succs }

// Terminator returns the last instruction of the block.
func (b *Block) Terminator() Instruction {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// Type represents the type of a parameter, result, or indexed element.
type Type interface {
	String() string
	typ()
}

func (*IntType) typ()    {}
func (*ArrayType) typ()  {}
func (*OpaqueType) typ() {}

// IntType represents a fixed-width integer.
type IntType struct {
	Width uint
}

// String returns the string representation of the type.
func (t *IntType) String() string { return fmt.Sprintf("i%d", t.Width) }

// ArrayType represents a fixed-length array.
type ArrayType struct {
	Elem Type
	Len  uint64
}

// String returns the string representation of the type.
func (t *ArrayType) String() string { return fmt.Sprintf("[%d x %s]", t.Len, t.Elem) }

// OpaqueType represents any type the analysis does not reason about.
type OpaqueType struct {
	Name string
}

// String returns the string representation of the type.
func (t *OpaqueType) String() string { return t.Name }

// IntWidth returns the bit width of t if it is a supported integer type.
func IntWidth(t Type) (uint, bool) {
	if t, ok := t.(*IntType); ok && t.Width > 0 && t.Width <= MaxWidth {
		return t.Width, true
	}
	return 0, false
}

// Operand represents an instruction operand.
type Operand interface {
	String() string
	operand()
}

func (*Const) operand() {}
func (*Ref) operand()   {}

// Const represents a literal integer operand. Value holds the sign-extended
// stored value.
type Const struct {
	Value int64
}

// String returns the string representation of the operand.
func (c *Const) String() string { return fmt.Sprint(c.Value) }

// Ref represents a reference to a parameter or a value-producing instruction.
type Ref struct {
	Name string
}

// String returns the string representation of the operand.
func (r *Ref) String() string { return "%" + r.Name }

// Instruction represents one of the instruction variants understood by the
// analysis.
type Instruction interface {
	String() string
	instr()
}

func (*BinaryOp) instr()      {}
func (*Compare) instr()       {}
func (*Branch) instr()        {}
func (*Phi) instr()           {}
func (*Cast) instr()          {}
func (*Call) instr()          {}
func (*Return) instr()        {}
func (*IndexedAccess) instr() {}
func (*Opaque) instr()        {}

// IsTerminator returns true if instr ends a block.
func IsTerminator(instr Instruction) bool {
	switch instr.(type) {
	case *Branch, *Return:
		return true
	default:
		return false
	}
}

// Opcode represents a binary integer operation.
type Opcode int

// Binary opcodes.
const (
	OpAdd Opcode = iota + 1
	OpSub
	OpMul
	OpUDiv
	OpSDiv
	OpURem
	OpSRem
	OpShl
	OpLShr
	OpAShr
	OpAnd
	OpOr
	OpXor
)

var opcodes = [...]string{
	OpAdd:  "add",
	OpSub:  "sub",
	OpMul:  "mul",
	OpUDiv: "udiv",
	OpSDiv: "sdiv",
	OpURem: "urem",
	OpSRem: "srem",
	OpShl:  "shl",
	OpLShr: "lshr",
	OpAShr: "ashr",
	OpAnd:  "and",
	OpOr:   "or",
	OpXor:  "xor",
}

// String returns the string representation of the opcode.
func (op Opcode) String() string {
	if op >= 0 && int(op) < len(opcodes) && opcodes[op] != "" {
		return opcodes[op]
	}
	return fmt.Sprintf("Opcode<%d>", op)
}

// BinaryOp represents an integer binary operation.
type BinaryOp struct {
	Name         string
	Op           Opcode
	Width        uint
	X, Y         Operand
	NoSignedWrap bool // add & sub only
}

// String returns the string representation of the instruction.
func (i *BinaryOp) String() string {
	var nsw string
	if i.NoSignedWrap {
		nsw = " nsw"
	}
	return fmt.Sprintf("%%%s = %s%s i%d %s, %s", i.Name, i.Op, nsw, i.Width, i.X, i.Y)
}

// Predicate represents an integer comparison predicate.
type Predicate int

// Comparison predicates.
const (
	PredEQ Predicate = iota + 1
	PredNE
	PredUGT
	PredUGE
	PredULT
	PredULE
	PredSGT
	PredSGE
	PredSLT
	PredSLE
)

var predicates = [...]string{
	PredEQ:  "eq",
	PredNE:  "ne",
	PredUGT: "ugt",
	PredUGE: "uge",
	PredULT: "ult",
	PredULE: "ule",
	PredSGT: "sgt",
	PredSGE: "sge",
	PredSLT: "slt",
	PredSLE: "sle",
}

// String returns the string representation of the predicate.
func (p Predicate) String() string {
	if p >= 0 && int(p) < len(predicates) && predicates[p] != "" {
		return predicates[p]
	}
	return fmt.Sprintf("Predicate<%d>", p)
}

// Compare represents an integer comparison producing a 1-bit result.
type Compare struct {
	Name  string
	Pred  Predicate
	Width uint // operand width
	X, Y  Operand
}

// String returns the string representation of the instruction.
func (i *Compare) String() string {
	return fmt.Sprintf("%%%s = icmp %s i%d %s, %s", i.Name, i.Pred, i.Width, i.X, i.Y)
}

// Branch represents a conditional or unconditional jump. A conditional
// branch has a 1-bit Cond and two successors: the true target, then the
// false target.
type Branch struct {
	Cond  Operand
	Succs []int
}

// String returns the string representation of the instruction.
func (i *Branch) String() string {
	if i.Cond == nil {
		return fmt.Sprintf("br #%d", i.Succs[0])
	}
	return fmt.Sprintf("br i1 %s, #%d, #%d", i.Cond, i.Succs[0], i.Succs[1])
}

// Phi represents an SSA merge of values from predecessor blocks.
type Phi struct {
	Name  string
	Width uint
	Edges []PhiEdge
}

// PhiEdge is the value flowing into a phi from a given predecessor.
type PhiEdge struct {
	Block int
	Value Operand
}

// String returns the string representation of the instruction.
func (i *Phi) String() string {
	edges := make([]string, len(i.Edges))
	for j, e := range i.Edges {
		edges[j] = fmt.Sprintf("[ %s, #%d ]", e.Value, e.Block)
	}
	return fmt.Sprintf("%%%s = phi i%d %s", i.Name, i.Width, strings.Join(edges, ", "))
}

// CastKind represents an integer widening conversion.
type CastKind int

// Cast kinds.
const (
	ZeroExtend CastKind = iota + 1
	SignExtend
)

// String returns the string representation of the cast kind.
func (k CastKind) String() string {
	switch k {
	case ZeroExtend:
		return "zext"
	case SignExtend:
		return "sext"
	default:
		return fmt.Sprintf("CastKind<%d>", k)
	}
}

// Cast represents a zero or sign extension.
type Cast struct {
	Name     string
	Kind     CastKind
	From, To uint
	X        Operand
}

// String returns the string representation of the instruction.
func (i *Cast) String() string {
	return fmt.Sprintf("%%%s = %s i%d %s to i%d", i.Name, i.Kind, i.From, i.X, i.To)
}

// Call represents a direct call to another function in the module.
type Call struct {
	Name   string
	Callee string
	Width  uint // result width
	Args   []Operand
}

// String returns the string representation of the instruction.
func (i *Call) String() string {
	args := make([]string, len(i.Args))
	for j, arg := range i.Args {
		args[j] = arg.String()
	}
	return fmt.Sprintf("%%%s = call i%d @%s(%s)", i.Name, i.Width, i.Callee, strings.Join(args, ", "))
}

// Return represents a function return of an integer value.
type Return struct {
	X     Operand
	Width uint
}

// String returns the string representation of the instruction.
func (i *Return) String() string {
	if i.X == nil {
		return "ret void"
	}
	return fmt.Sprintf("ret i%d %s", i.Width, i.X)
}

// IndexedAccess represents the computation of an element address within an
// array. Elem is an *ArrayType when the accessed object has a fixed length.
type IndexedAccess struct {
	Name       string
	InBounds   bool
	Elem       Type
	Index      Operand
	IndexWidth uint
}

// String returns the string representation of the instruction.
func (i *IndexedAccess) String() string {
	var inbounds string
	if i.InBounds {
		inbounds = " inbounds"
	}
	return fmt.Sprintf("%%%s = getelementptr%s %s, i%d %s", i.Name, inbounds, i.Elem, i.IndexWidth, i.Index)
}

// Len returns the fixed element count of the accessed array. Returns false
// if the element type is not a fixed-length array.
func (i *IndexedAccess) Len() (uint64, bool) {
	if t, ok := i.Elem.(*ArrayType); ok {
		return t.Len, true
	}
	return 0, false
}

// Opaque represents a value-producing instruction whose semantics are not
// modeled. It contributes no axiom.
type Opaque struct {
	Name  string
	Width uint
	Text  string
}

// String returns the string representation of the instruction.
func (i *Opaque) String() string {
	if i.Name == "" {
		return fmt.Sprintf("; %s", i.Text)
	}
	return fmt.Sprintf("%%%s = ; %s", i.Name, i.Text)
}
