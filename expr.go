package bounds

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Expr represents a symbolic expression. Bit-vector terms have a positive
// width; boolean formulas have a width of WidthBool.
type Expr interface {
	String() string
	expr()
}

func (*AppExpr) expr()        {}
func (*BinaryExpr) expr()     {}
func (*CastExpr) expr()       {}
func (*ConstantExpr) expr()   {}
func (*NotExpr) expr()        {}
func (*QuantifierExpr) expr() {}
func (*VarExpr) expr()        {}

// ExprWidth returns the bit width of the expression.
func ExprWidth(expr Expr) uint {
	switch expr := expr.(type) {
	case *AppExpr:
		return expr.Decl.Range
	case *BinaryExpr:
		if expr.Op.IsCompare() || expr.Op.IsLogical() {
			return WidthBool
		}
		return ExprWidth(expr.LHS)
	case *CastExpr:
		return expr.Width
	case *ConstantExpr:
		return expr.Width
	case *NotExpr:
		return ExprWidth(expr.Expr)
	case *QuantifierExpr:
		return WidthBool
	case *VarExpr:
		return expr.Width
	default:
		panic("unreachable")
	}
}

// IsBoolExpr returns true if expr is a boolean formula.
func IsBoolExpr(expr Expr) bool {
	return ExprWidth(expr) == WidthBool
}

// ExprOp represents a binary expression operation.
type ExprOp int

// BinaryExpr operations. AND, OR, XOR & EQ act as logical connectives when
// applied to boolean operands.
const (
	arithmetic_op_begin = ExprOp(iota)
	ADD
	SUB
	UDIV
	SDIV
	UREM
	SREM
	AND
	OR
	XOR
	SHL
	LSHR
	ASHR
	arithmetic_op_end

	compare_op_begin
	EQ
	NE
	ULT
	ULE
	UGT
	UGE
	SLT
	SLE
	SGT
	SGE
	compare_op_end

	logical_op_begin
	IMPLIES
	logical_op_end
)

var binaryOps = [...]string{
	ADD:     "bvadd",
	SUB:     "bvsub",
	UDIV:    "bvudiv",
	SDIV:    "bvsdiv",
	UREM:    "bvurem",
	SREM:    "bvsrem",
	AND:     "bvand",
	OR:      "bvor",
	XOR:     "bvxor",
	SHL:     "bvshl",
	LSHR:    "bvlshr",
	ASHR:    "bvashr",
	EQ:      "=",
	NE:      "distinct",
	ULT:     "bvult",
	ULE:     "bvule",
	UGT:     "bvugt",
	UGE:     "bvuge",
	SLT:     "bvslt",
	SLE:     "bvsle",
	SGT:     "bvsgt",
	SGE:     "bvsge",
	IMPLIES: "=>",
}

// String returns the SMT-LIB name of the operation.
func (op ExprOp) String() string {
	if op >= 0 && op < ExprOp(len(binaryOps)) && binaryOps[op] != "" {
		return binaryOps[op]
	}
	return fmt.Sprintf("ExprOp<%d>", op)
}

// IsArithmetic returns true if op is an arithmetic operator.
func (op ExprOp) IsArithmetic() bool {
	return op > arithmetic_op_begin && op < arithmetic_op_end
}

// IsCompare returns true if op is a comparison operator.
func (op ExprOp) IsCompare() bool {
	return op > compare_op_begin && op < compare_op_end
}

// IsLogical returns true if op only applies to boolean operands.
func (op ExprOp) IsLogical() bool {
	return op > logical_op_begin && op < logical_op_end
}

// BinaryExpr represents an operation on two expressions.
type BinaryExpr struct {
	Op  ExprOp
	LHS Expr
	RHS Expr
}

// NewBinaryExpr returns a new instance of BinaryExpr. Constant operands are
// folded and trivial boolean identities are removed.
func NewBinaryExpr(op ExprOp, lhs, rhs Expr) Expr {
	assert(ExprWidth(lhs) == ExprWidth(rhs), "binary expr width mismatch: op=%s %d != %d", op, ExprWidth(lhs), ExprWidth(rhs))

	if IsBoolExpr(lhs) {
		return newLogicalExpr(op, lhs, rhs)
	}
	assert(!op.IsLogical(), "logical op on bit-vector operands: %s", op)

	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.eval(op, rhs)
		}
	}
	return &BinaryExpr{Op: op, LHS: lhs, RHS: rhs}
}

// newLogicalExpr returns a boolean connective with constant operands folded.
func newLogicalExpr(op ExprOp, lhs, rhs Expr) Expr {
	switch op {
	case AND:
		if IsConstantFalse(lhs) || IsConstantFalse(rhs) {
			return NewBoolConstantExpr(false)
		} else if IsConstantTrue(lhs) {
			return rhs
		} else if IsConstantTrue(rhs) {
			return lhs
		}
	case OR:
		if IsConstantTrue(lhs) || IsConstantTrue(rhs) {
			return NewBoolConstantExpr(true)
		} else if IsConstantFalse(lhs) {
			return rhs
		} else if IsConstantFalse(rhs) {
			return lhs
		}
	case IMPLIES:
		if IsConstantFalse(lhs) || IsConstantTrue(rhs) {
			return NewBoolConstantExpr(true)
		} else if IsConstantTrue(lhs) {
			return rhs
		}
	case EQ, NE, XOR:
		if lhs, ok := lhs.(*ConstantExpr); ok {
			if rhs, ok := rhs.(*ConstantExpr); ok {
				return NewBoolConstantExpr((lhs.Value == rhs.Value) == (op == EQ))
			}
		}
	default:
		panic(fmt.Sprintf("invalid boolean operation: %s", op))
	}
	return &BinaryExpr{Op: op, LHS: lhs, RHS: rhs}
}

// String returns the string representation of the expression.
func (e *BinaryExpr) String() string {
	op := e.Op.String()
	if IsBoolExpr(e.LHS) {
		switch e.Op {
		case AND:
			op = "and"
		case OR:
			op = "or"
		case XOR:
			op = "xor"
		}
	}
	return fmt.Sprintf("(%s %s %s)", op, e.LHS, e.RHS)
}

// NewAndExpr returns the conjunction of exprs. Returns true if empty.
func NewAndExpr(exprs ...Expr) Expr {
	var cond Expr = NewBoolConstantExpr(true)
	for _, expr := range exprs {
		cond = NewBinaryExpr(AND, cond, expr)
	}
	return cond
}

// NewOrExpr returns the disjunction of exprs. Returns false if empty.
func NewOrExpr(exprs ...Expr) Expr {
	var cond Expr = NewBoolConstantExpr(false)
	for _, expr := range exprs {
		cond = NewBinaryExpr(OR, cond, expr)
	}
	return cond
}

// NewImpliesExpr returns an expression representing "lhs implies rhs".
func NewImpliesExpr(lhs, rhs Expr) Expr {
	return NewBinaryExpr(IMPLIES, lhs, rhs)
}

// NewIsZeroExpr returns an expression that checks the equality of other to zero.
func NewIsZeroExpr(other Expr) Expr {
	return NewBinaryExpr(EQ, other, NewConstantExpr(0, ExprWidth(other)))
}

// NewIsNonZeroExpr returns an expression that checks the inequality of other to zero.
func NewIsNonZeroExpr(other Expr) Expr {
	return NewBinaryExpr(NE, other, NewConstantExpr(0, ExprWidth(other)))
}

// NotExpr represents a logical NOT of a formula or a bitwise NOT of a term.
type NotExpr struct {
	Expr Expr
}

// NewNotExpr returns a new instance of NotExpr.
func NewNotExpr(expr Expr) Expr {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Not()
	case *NotExpr:
		return expr.Expr
	}
	return &NotExpr{Expr: expr}
}

// String returns the string representation of the expression.
func (e *NotExpr) String() string {
	if IsBoolExpr(e.Expr) {
		return fmt.Sprintf("(not %s)", e.Expr)
	}
	return fmt.Sprintf("(bvnot %s)", e.Expr)
}

// CastExpr represents an expression that extends an expression to a new width.
type CastExpr struct {
	Src    Expr
	Width  uint
	Signed bool
}

// NewCastExpr returns a new instance of CastExpr. Width must not be smaller
// than the width of src.
func NewCastExpr(src Expr, width uint, signed bool) Expr {
	sw := ExprWidth(src)
	assert(sw != WidthBool, "cast of boolean expression")
	assert(width >= sw, "cast narrows expression: %d -> %d", sw, width)

	if width == sw { // nop
		return src
	} else if src, ok := src.(*ConstantExpr); ok {
		if signed {
			return src.SExt(width)
		}
		return src.ZExt(width)
	}
	return &CastExpr{Src: src, Width: width, Signed: signed}
}

// String returns the string representation of the expression.
func (e *CastExpr) String() string {
	if e.Signed {
		return fmt.Sprintf("((_ sign_extend %d) %s)", e.Width-ExprWidth(e.Src), e.Src)
	}
	return fmt.Sprintf("((_ zero_extend %d) %s)", e.Width-ExprWidth(e.Src), e.Src)
}

// VarExpr represents a named bit-vector constant. It is free unless bound by
// an enclosing QuantifierExpr.
type VarExpr struct {
	Name  string
	Width uint
}

// NewVarExpr returns a new instance of VarExpr.
func NewVarExpr(name string, width uint) *VarExpr {
	return &VarExpr{Name: name, Width: width}
}

// String returns the string representation of the expression.
func (e *VarExpr) String() string { return e.Name }

// FuncDecl represents an uninterpreted function symbol over bit-vectors.
type FuncDecl struct {
	Name   string
	Domain []uint
	Range  uint
}

// String returns the string representation of the declaration.
func (d *FuncDecl) String() string {
	domain := make([]string, len(d.Domain))
	for i, w := range d.Domain {
		domain[i] = fmt.Sprintf("(_ BitVec %d)", w)
	}
	return fmt.Sprintf("%s (%s) (_ BitVec %d)", d.Name, strings.Join(domain, " "), d.Range)
}

// AppExpr represents the application of an uninterpreted function.
type AppExpr struct {
	Decl *FuncDecl
	Args []Expr
}

// NewAppExpr returns the application of decl to args.
func NewAppExpr(decl *FuncDecl, args ...Expr) *AppExpr {
	assert(len(decl.Domain) == len(args), "%s: arity mismatch: %d != %d", decl.Name, len(decl.Domain), len(args))
	for i, arg := range args {
		assert(ExprWidth(arg) == decl.Domain[i], "%s: argument %d width mismatch: %d != %d", decl.Name, i, ExprWidth(arg), decl.Domain[i])
	}
	return &AppExpr{Decl: decl, Args: args}
}

// String returns the string representation of the expression.
func (e *AppExpr) String() string {
	if len(e.Args) == 0 {
		return e.Decl.Name
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "(%s", e.Decl.Name)
	for _, arg := range e.Args {
		fmt.Fprintf(&buf, " %s", arg)
	}
	buf.WriteString(")")
	return buf.String()
}

// QuantifierExpr represents a universally or existentially quantified formula.
type QuantifierExpr struct {
	Forall bool
	Vars   []*VarExpr
	Body   Expr
}

// NewForallExpr returns body universally quantified over vars. Returns body
// itself when there is nothing to bind.
func NewForallExpr(vars []*VarExpr, body Expr) Expr {
	return newQuantifierExpr(true, vars, body)
}

// NewExistsExpr returns body existentially quantified over vars.
func NewExistsExpr(vars []*VarExpr, body Expr) Expr {
	return newQuantifierExpr(false, vars, body)
}

func newQuantifierExpr(forall bool, vars []*VarExpr, body Expr) Expr {
	assert(IsBoolExpr(body), "quantified body must be boolean")
	if len(vars) == 0 || IsConstantExpr(body) {
		return body
	}
	return &QuantifierExpr{Forall: forall, Vars: vars, Body: body}
}

// String returns the string representation of the expression.
func (e *QuantifierExpr) String() string {
	vars := make([]string, len(e.Vars))
	for i, v := range e.Vars {
		vars[i] = fmt.Sprintf("(%s (_ BitVec %d))", v.Name, v.Width)
	}
	kind := "exists"
	if e.Forall {
		kind = "forall"
	}
	return fmt.Sprintf("(%s (%s) %s)", kind, strings.Join(vars, " "), e.Body)
}

// ConstantExpr represents a bit-vector literal of up to 64 bits, or a
// boolean constant when Width is WidthBool.
type ConstantExpr struct {
	Value uint64
	Width uint
}

// NewConstantExpr returns a new instance of ConstantExpr truncated to width.
func NewConstantExpr(value uint64, width uint) *ConstantExpr {
	assert(width > 0 && width <= MaxWidth, "invalid constant width: %d", width)
	return &ConstantExpr{
		Value: value & bitmask(width),
		Width: width,
	}
}

// NewBoolConstantExpr is an ease of use function for creating constant boolean expressions.
func NewBoolConstantExpr(value bool) *ConstantExpr {
	if value {
		return &ConstantExpr{Value: 1, Width: WidthBool}
	}
	return &ConstantExpr{Value: 0, Width: WidthBool}
}

// String returns the string representation of the expression.
func (e *ConstantExpr) String() string {
	if e.Width == WidthBool {
		if e.Value != 0 {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("(_ bv%d %d)", e.Value, e.Width)
}

// IsTrue returns true if this is a boolean true expression.
func (e *ConstantExpr) IsTrue() bool {
	return e.Width == WidthBool && e.Value != 0
}

// IsFalse returns true if this is a boolean false expression.
func (e *ConstantExpr) IsFalse() bool {
	return e.Width == WidthBool && e.Value == 0
}

// Int64 returns the two's complement interpretation of the value.
func (e *ConstantExpr) Int64() int64 {
	return signExtend(e.Value, e.Width)
}

// eval computes a binary operation on two constants of equal width.
func (e *ConstantExpr) eval(op ExprOp, other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "%s: width mismatch: %d != %d", op, e.Width, other.Width)

	w := e.Width
	x, y := e.Value, other.Value
	sx, sy := e.Int64(), other.Int64()
	switch op {
	case ADD:
		return NewConstantExpr(x+y, w)
	case SUB:
		return NewConstantExpr(x-y, w)
	case UDIV:
		if y == 0 {
			return NewConstantExpr(bitmask(w), w)
		}
		return NewConstantExpr(x/y, w)
	case SDIV:
		if y == 0 {
			if sx < 0 {
				return NewConstantExpr(1, w)
			}
			return NewConstantExpr(bitmask(w), w)
		} else if sy == -1 {
			return NewConstantExpr(uint64(-sx), w)
		}
		return NewConstantExpr(uint64(sx/sy), w)
	case UREM:
		if y == 0 {
			return e
		}
		return NewConstantExpr(x%y, w)
	case SREM:
		if y == 0 {
			return e
		} else if sy == -1 {
			return NewConstantExpr(0, w)
		}
		return NewConstantExpr(uint64(sx%sy), w)
	case AND:
		return NewConstantExpr(x&y, w)
	case OR:
		return NewConstantExpr(x|y, w)
	case XOR:
		return NewConstantExpr(x^y, w)
	case SHL:
		if y >= uint64(w) {
			return NewConstantExpr(0, w)
		}
		return NewConstantExpr(x<<y, w)
	case LSHR:
		if y >= uint64(w) {
			return NewConstantExpr(0, w)
		}
		return NewConstantExpr(x>>y, w)
	case ASHR:
		if y >= uint64(w) {
			y = uint64(w) - 1
		}
		return NewConstantExpr(uint64(sx>>y), w)
	case EQ:
		return NewBoolConstantExpr(x == y)
	case NE:
		return NewBoolConstantExpr(x != y)
	case ULT:
		return NewBoolConstantExpr(x < y)
	case ULE:
		return NewBoolConstantExpr(x <= y)
	case UGT:
		return NewBoolConstantExpr(x > y)
	case UGE:
		return NewBoolConstantExpr(x >= y)
	case SLT:
		return NewBoolConstantExpr(sx < sy)
	case SLE:
		return NewBoolConstantExpr(sx <= sy)
	case SGT:
		return NewBoolConstantExpr(sx > sy)
	case SGE:
		return NewBoolConstantExpr(sx >= sy)
	default:
		panic(fmt.Sprintf("invalid constant operation: %s", op))
	}
}

// ZExt returns the zero-extension of e to a new width.
func (e *ConstantExpr) ZExt(width uint) *ConstantExpr {
	if e.Width == width {
		return e
	}
	return NewConstantExpr(e.Value, width)
}

// SExt returns the sign-extension of e to a new width.
func (e *ConstantExpr) SExt(width uint) *ConstantExpr {
	if e.Width == width {
		return e
	}
	return NewConstantExpr(uint64(e.Int64()), width)
}

// Not returns the bitwise NOT of a term or the negation of a boolean.
func (e *ConstantExpr) Not() *ConstantExpr {
	if e.Width == WidthBool {
		return NewBoolConstantExpr(e.Value == 0)
	}
	return NewConstantExpr(^e.Value, e.Width)
}

func bitmask(width uint) uint64 {
	return (1 << width) - 1
}

// signExtend interprets the low width bits of v as a two's complement integer.
func signExtend(v uint64, width uint) int64 {
	if width == 0 || width >= 64 {
		return int64(v)
	}
	shift := 64 - width
	return int64(v<<shift) >> shift
}

// IsConstantExpr returns true if expr is an instance of ConstantExpr.
func IsConstantExpr(expr Expr) bool {
	_, ok := expr.(*ConstantExpr)
	return ok
}

// IsConstantTrue returns true if expr is an instance of ConstantExpr and is true.
func IsConstantTrue(expr Expr) bool {
	tmp, ok := expr.(*ConstantExpr)
	return ok && tmp.IsTrue()
}

// IsConstantFalse returns true if expr is an instance of ConstantExpr and is false.
func IsConstantFalse(expr Expr) bool {
	tmp, ok := expr.(*ConstantExpr)
	return ok && tmp.IsFalse()
}

// ExprVisitor represents a visitor that can be passed to WalkExpr().
type ExprVisitor interface {
	// Executed for every visited node. Return nil to skip the node's children.
	Visit(expr Expr) ExprVisitor
}

// WalkExpr traverses expr in depth-first order.
func WalkExpr(v ExprVisitor, expr Expr) {
	if v = v.Visit(expr); v == nil {
		return
	}

	switch expr := expr.(type) {
	case *AppExpr:
		for _, arg := range expr.Args {
			WalkExpr(v, arg)
		}
	case *BinaryExpr:
		WalkExpr(v, expr.LHS)
		WalkExpr(v, expr.RHS)
	case *CastExpr:
		WalkExpr(v, expr.Src)
	case *ConstantExpr, *VarExpr:
		// nop
	case *NotExpr:
		WalkExpr(v, expr.Expr)
	case *QuantifierExpr:
		for _, vr := range expr.Vars {
			WalkExpr(v, vr)
		}
		WalkExpr(v, expr.Body)
	default:
		panic("unreachable")
	}
}

// FindSymbols returns all variables and function declarations referenced by
// the expressions, each sorted by name.
func FindSymbols(exprs ...Expr) ([]*VarExpr, []*FuncDecl) {
	v := &symbolVisitor{
		vars:  make(map[string]*VarExpr),
		decls: make(map[string]*FuncDecl),
	}
	for _, expr := range exprs {
		WalkExpr(v, expr)
	}

	vars := make([]*VarExpr, 0, len(v.vars))
	for _, vr := range v.vars {
		vars = append(vars, vr)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })

	decls := make([]*FuncDecl, 0, len(v.decls))
	for _, d := range v.decls {
		decls = append(decls, d)
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })

	return vars, decls
}

type symbolVisitor struct {
	vars  map[string]*VarExpr
	decls map[string]*FuncDecl
}

func (v *symbolVisitor) Visit(expr Expr) ExprVisitor {
	switch expr := expr.(type) {
	case *VarExpr:
		v.vars[expr.Name] = expr
	case *AppExpr:
		v.decls[expr.Decl.Name] = expr.Decl
	}
	return v
}

// ExprEvaluator evaluates expressions using known variable values.
type ExprEvaluator struct {
	m map[string]*ConstantExpr // mapping of variable name to value
}

// NewExprEvaluator returns a new instance of ExprEvaluator with the given variable/value mapping.
func NewExprEvaluator(vars []*VarExpr, values []*ConstantExpr) *ExprEvaluator {
	assert(len(vars) == len(values), "var/value count mismatch: %d != %d", len(vars), len(values))

	m := make(map[string]*ConstantExpr)
	for i, v := range vars {
		_, ok := m[v.Name]
		assert(!ok, "duplicate var: %s", v.Name)
		m[v.Name] = values[i]
	}

	return &ExprEvaluator{m: m}
}

// Evaluate evaluates expr to a constant expression. Returns an error if an
// unbound variable or an uninterpreted function is encountered.
func (ee *ExprEvaluator) Evaluate(expr Expr) (*ConstantExpr, error) {
	switch expr := expr.(type) {
	case *AppExpr:
		return nil, fmt.Errorf("uninterpreted function: %s", expr.Decl.Name)
	case *BinaryExpr:
		lhs, err := ee.Evaluate(expr.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := ee.Evaluate(expr.RHS)
		if err != nil {
			return nil, err
		}
		return NewBinaryExpr(expr.Op, lhs, rhs).(*ConstantExpr), nil
	case *CastExpr:
		src, err := ee.Evaluate(expr.Src)
		if err != nil {
			return nil, err
		}
		return NewCastExpr(src, expr.Width, expr.Signed).(*ConstantExpr), nil
	case *ConstantExpr:
		return expr, nil
	case *NotExpr:
		exp, err := ee.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return NewNotExpr(exp).(*ConstantExpr), nil
	case *QuantifierExpr:
		return nil, fmt.Errorf("cannot evaluate quantified expression")
	case *VarExpr:
		value, ok := ee.m[expr.Name]
		if !ok {
			return nil, fmt.Errorf("var not bound: %s", expr.Name)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("invalid expression type: %T", expr)
	}
}

// Substitute returns expr with every free occurrence of vars[i] replaced by
// values[i]. Constant subexpressions are folded.
func Substitute(expr Expr, vars []*VarExpr, values []Expr) Expr {
	assert(len(vars) == len(values), "var/value count mismatch: %d != %d", len(vars), len(values))

	m := make(map[string]Expr, len(vars))
	for i, v := range vars {
		assert(ExprWidth(values[i]) == v.Width, "%s: width mismatch: %d != %d", v.Name, ExprWidth(values[i]), v.Width)
		m[v.Name] = values[i]
	}
	return substitute(expr, m)
}

func substitute(expr Expr, m map[string]Expr) Expr {
	switch expr := expr.(type) {
	case *AppExpr:
		args := make([]Expr, len(expr.Args))
		for i, arg := range expr.Args {
			args[i] = substitute(arg, m)
		}
		return NewAppExpr(expr.Decl, args...)
	case *BinaryExpr:
		return NewBinaryExpr(expr.Op, substitute(expr.LHS, m), substitute(expr.RHS, m))
	case *CastExpr:
		return NewCastExpr(substitute(expr.Src, m), expr.Width, expr.Signed)
	case *ConstantExpr:
		return expr
	case *NotExpr:
		return NewNotExpr(substitute(expr.Expr, m))
	case *QuantifierExpr:
		// Bound variables shadow the substitution.
		inner := make(map[string]Expr, len(m))
		for k, v := range m {
			inner[k] = v
		}
		for _, v := range expr.Vars {
			delete(inner, v.Name)
		}
		return newQuantifierExpr(expr.Forall, expr.Vars, substitute(expr.Body, inner))
	case *VarExpr:
		if v, ok := m[expr.Name]; ok {
			return v
		}
		return expr
	default:
		panic("unreachable")
	}
}
