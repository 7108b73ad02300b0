package bounds

import (
	"fmt"
	"log"

	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"
)

// NoPred is the predecessor of the seed entry of a function's entry block.
const NoPred = -1

// ReachEntry is one way of entering a block: from Pred, when Guard holds.
type ReachEntry struct {
	Pred  int
	Guard Expr
}

// Facts is the output of propagation: the frozen axiom set and the final
// reachability table of every analyzed function.
type Facts struct {
	Signatures *Signatures

	axioms    *immutable.List                // Expr
	instances *immutable.List                // Expr
	reach     map[string]*immutable.SortedMap // function -> block index -> []ReachEntry
}

// Axioms returns the axiom set in insertion order.
func (f *Facts) Axioms() []Expr {
	return exprList(f.axioms)
}

// AxiomN returns the number of axioms.
func (f *Facts) AxiomN() int {
	return f.axioms.Len()
}

// Instances returns the quantifier-free instances of the axioms: every axiom
// at its own function's parameters, then the axioms of each callee at the
// arguments of every call site, transitively.
func (f *Facts) Instances() []Expr {
	return exprList(f.instances)
}

// Assertions returns the formulas loaded into a solver before verification.
func (f *Facts) Assertions(quantified bool) []Expr {
	if quantified {
		return f.Axioms()
	}
	return f.Instances()
}

func exprList(l *immutable.List) []Expr {
	a := make([]Expr, 0, l.Len())
	for itr := l.Iterator(); !itr.Done(); {
		_, v := itr.Next()
		a = append(a, v.(Expr))
	}
	return a
}

// Reachability returns the reachability list of a block. Returns nil if no
// edge into the block was processed.
func (f *Facts) Reachability(fn string, block int) []ReachEntry {
	m := f.reach[fn]
	if m == nil {
		return nil
	}
	return reachList(m, block)
}

// EnterCond returns the disjunction of a block's reachability guards. The
// condition is false if the block has no entries.
func (f *Facts) EnterCond(fn string, block int) Expr {
	return enterCond(f.Reachability(fn, block))
}

func reachList(m *immutable.SortedMap, block int) []ReachEntry {
	if v, ok := m.Get(block); ok {
		return v.([]ReachEntry)
	}
	return nil
}

func enterCond(entries []ReachEntry) Expr {
	guards := make([]Expr, len(entries))
	for i, e := range entries {
		guards[i] = e.Guard
	}
	return NewOrExpr(guards...)
}

// Propagator computes per-block reachability guards and the per-instruction
// axioms of each function in a module.
type Propagator struct {
	sigs            *Signatures
	skipUnsupported bool

	axioms *immutable.List
	reach  map[string]*immutable.SortedMap

	order  []string
	bodies map[string][]Expr // function -> unquantified axiom bodies
	calls  map[string][]callSite
}

// callSite is a modeled call with its arguments encoded in the caller.
type callSite struct {
	callee string
	args   []Expr
}

// NewPropagator returns a new instance of Propagator. If skipUnsupported is
// true, calls to functions without a signature contribute no axiom instead
// of failing.
func NewPropagator(sigs *Signatures, skipUnsupported bool) *Propagator {
	return &Propagator{
		sigs:            sigs,
		skipUnsupported: skipUnsupported,
		axioms:          immutable.NewList(),
		reach:           make(map[string]*immutable.SortedMap),
		bodies:          make(map[string][]Expr),
		calls:           make(map[string][]callSite),
	}
}

// Propagate traverses every function of m that has a signature and returns
// the resulting facts.
func Propagate(m *Module, sigs *Signatures, skipUnsupported bool) (*Facts, error) {
	p := NewPropagator(sigs, skipUnsupported)
	for _, fn := range m.Funcs {
		info := sigs.Lookup(fn.Name)
		if info == nil {
			continue
		}
		if err := p.PropagateFunc(fn, info); err != nil {
			return nil, err
		}
	}
	return p.Facts(), nil
}

// Facts returns a snapshot of the axioms and reachability computed so far.
func (p *Propagator) Facts() *Facts {
	reach := make(map[string]*immutable.SortedMap, len(p.reach))
	for k, v := range p.reach {
		reach[k] = v
	}
	return &Facts{Signatures: p.sigs, axioms: p.axioms, instances: p.instances(), reach: reach}
}

// instances returns the ground instances of the axioms of every propagated
// function. Duplicates are dropped.
func (p *Propagator) instances() *immutable.List {
	l := immutable.NewList()
	seen := make(map[string]struct{})
	add := func(expr Expr) {
		if IsConstantTrue(expr) {
			return
		}
		key := expr.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		l = l.Append(expr)
	}

	for _, name := range p.order {
		for _, body := range p.bodies[name] {
			add(body)
		}
		for _, site := range p.calls[name] {
			p.instantiate(site.callee, site.args, []string{name}, add)
		}
	}
	return l
}

// instantiate passes the axioms of fn at args to add, followed by the
// instances of fn's own callees. Recursive calls are not unfolded.
func (p *Propagator) instantiate(fn string, args []Expr, stack []string, add func(Expr)) {
	for _, name := range stack {
		if name == fn {
			log.Printf("[propagate] %s: recursive call to @%s not instantiated", stack[len(stack)-1], fn)
			return
		}
	}

	info := p.sigs.Lookup(fn)
	if info == nil {
		return
	}
	for _, body := range p.bodies[fn] {
		add(Substitute(body, info.Params, args))
	}
	for _, site := range p.calls[fn] {
		a := make([]Expr, len(site.args))
		for i, arg := range site.args {
			a[i] = Substitute(arg, info.Params, args)
		}
		p.instantiate(site.callee, a, append(stack[:len(stack):len(stack)], fn), add)
	}
}

// PropagateFunc visits the blocks of fn in topological order. A block is
// visited once every incoming edge has been processed, so blocks that are
// only entered through a back edge are never visited.
func (p *Propagator) PropagateFunc(fn *Function, info *FunctionInfo) error {
	reach := immutable.NewSortedMap(nil)
	reach = reach.Set(0, []ReachEntry{{Pred: NoPred, Guard: NewBoolConstantExpr(true)}})

	remaining := make([]int, len(fn.Blocks))
	for i, b := range fn.Blocks {
		remaining[i] = len(b.Preds())
	}
	visited := make([]bool, len(fn.Blocks))

	queue := []int{0}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		if visited[idx] {
			continue
		}
		visited[idx] = true

		b := fn.Blocks[idx]
		entries := reachList(reach, idx)
		cond := enterCond(entries)
		log.Printf("[propagate] %s/%s enter=%s", fn.Name, b.Name, cond)

		for _, instr := range b.Instrs {
			if br, ok := instr.(*Branch); ok {
				var err error
				if reach, err = p.branch(reach, info, b, br, cond); err != nil {
					return errors.Wrapf(err, "%s/%s", fn.Name, b.Name)
				}
				continue
			}

			body, err := p.body(info, entries, cond, instr)
			if err != nil {
				return errors.Wrapf(err, "%s/%s: %s", fn.Name, b.Name, instr)
			} else if body == nil {
				continue
			}
			axiom := NewForallExpr(info.Params, body)
			log.Printf("[axiom] %s", axiom)
			p.axioms = p.axioms.Append(axiom)
			p.bodies[fn.Name] = append(p.bodies[fn.Name], body)
		}

		for _, succ := range b.Succs() {
			if remaining[succ]--; remaining[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	p.reach[fn.Name] = reach
	p.order = append(p.order, fn.Name)
	return nil
}

// branch appends the guard of each outgoing edge to its target's list.
func (p *Propagator) branch(reach *immutable.SortedMap, info *FunctionInfo, b *Block, br *Branch, cond Expr) (*immutable.SortedMap, error) {
	add := func(m *immutable.SortedMap, target int, guard Expr) *immutable.SortedMap {
		entries := reachList(m, target)
		other := make([]ReachEntry, len(entries), len(entries)+1)
		copy(other, entries)
		return m.Set(target, append(other, ReachEntry{Pred: b.Index, Guard: guard}))
	}

	if br.Cond == nil {
		return add(reach, br.Succs[0], cond), nil
	}

	c, err := Encode(br.Cond, Width1, info)
	if err != nil {
		return nil, err
	}
	reach = add(reach, br.Succs[0], NewAndExpr(cond, NewIsNonZeroExpr(c)))
	reach = add(reach, br.Succs[1], NewAndExpr(cond, NewIsZeroExpr(c)))
	return reach, nil
}

// body returns the formula describing instr, unquantified. Returns nil if
// the instruction has no modeled semantics.
func (p *Propagator) body(info *FunctionInfo, entries []ReachEntry, cond Expr, instr Instruction) (Expr, error) {
	switch instr := instr.(type) {
	case *BinaryOp:
		return p.binaryOp(info, instr)
	case *Compare:
		return p.compare(info, instr)
	case *Phi:
		return p.phi(info, entries, instr)
	case *Cast:
		return p.cast(info, instr)
	case *Call:
		return p.call(info, instr)
	case *Return:
		return p.ret(info, cond, instr)
	case *IndexedAccess, *Opaque:
		return nil, nil
	case *Branch:
		panic("unreachable")
	default:
		return nil, fmt.Errorf("invalid instruction type: %T", instr)
	}
}

func (p *Propagator) operands(info *FunctionInfo, width uint, ops ...Operand) ([]Expr, error) {
	exprs := make([]Expr, len(ops))
	for i, op := range ops {
		expr, err := Encode(op, width, info)
		if err != nil {
			return nil, err
		}
		exprs[i] = expr
	}
	return exprs, nil
}

func (p *Propagator) binaryOp(info *FunctionInfo, instr *BinaryOp) (Expr, error) {
	a, err := p.operands(info, instr.Width, &Ref{Name: instr.Name}, instr.X, instr.Y)
	if err != nil {
		return nil, err
	}
	dst, l, r := a[0], a[1], a[2]

	var op ExprOp
	switch instr.Op {
	case OpAdd:
		op = ADD
	case OpSub:
		op = SUB
	case OpMul:
		op = SDIV // multiplication is modeled as signed division
	case OpUDiv:
		op = UDIV
	case OpSDiv:
		op = SDIV
	case OpURem:
		op = UREM
	case OpSRem:
		op = SREM
	case OpShl:
		op = SHL
	case OpLShr:
		op = LSHR
	case OpAShr:
		op = ASHR
	case OpAnd:
		op = AND
	case OpOr:
		op = OR
	case OpXor:
		op = XOR
	default:
		return nil, fmt.Errorf("invalid opcode: %s", instr.Op)
	}
	body := NewBinaryExpr(EQ, NewBinaryExpr(op, l, r), dst)

	if !instr.NoSignedWrap || (instr.Op != OpAdd && instr.Op != OpSub) {
		return body, nil
	}

	zero := NewConstantExpr(0, instr.Width)
	nonPositive := NewBinaryExpr(SLE, r, zero)
	positive := NewBinaryExpr(SGT, r, zero)
	if instr.Op == OpAdd {
		return NewAndExpr(
			body,
			NewImpliesExpr(nonPositive, NewBinaryExpr(SLE, dst, l)),
			NewImpliesExpr(positive, NewBinaryExpr(SGT, dst, l)),
		), nil
	}
	return NewAndExpr(
		body,
		NewImpliesExpr(nonPositive, NewBinaryExpr(SGE, dst, l)),
		NewImpliesExpr(positive, NewBinaryExpr(SLT, dst, l)),
	), nil
}

var comparePredicates = map[Predicate]ExprOp{
	PredEQ:  EQ,
	PredNE:  NE,
	PredUGT: UGT,
	PredUGE: UGE,
	PredULT: ULT,
	PredULE: ULE,
	PredSGT: SGT,
	PredSGE: SGE,
	PredSLT: SLT,
	PredSLE: SLE,
}

func (p *Propagator) compare(info *FunctionInfo, instr *Compare) (Expr, error) {
	op, ok := comparePredicates[instr.Pred]
	if !ok {
		return nil, fmt.Errorf("invalid predicate: %s", instr.Pred)
	}
	dst, err := Encode(&Ref{Name: instr.Name}, Width1, info)
	if err != nil {
		return nil, err
	}
	a, err := p.operands(info, instr.Width, instr.X, instr.Y)
	if err != nil {
		return nil, err
	}
	return NewBinaryExpr(EQ, NewBinaryExpr(op, a[0], a[1]), NewIsNonZeroExpr(dst)), nil
}

// phi constrains dst on each incoming edge whose predecessor appears in the
// block's reachability list, using the first matching entry's guard.
func (p *Propagator) phi(info *FunctionInfo, entries []ReachEntry, instr *Phi) (Expr, error) {
	dst, err := Encode(&Ref{Name: instr.Name}, instr.Width, info)
	if err != nil {
		return nil, err
	}

	var conds []Expr
	for _, edge := range instr.Edges {
		for _, e := range entries {
			if e.Pred != edge.Block {
				continue
			}
			v, err := Encode(edge.Value, instr.Width, info)
			if err != nil {
				return nil, err
			}
			conds = append(conds, NewImpliesExpr(e.Guard, NewBinaryExpr(EQ, dst, v)))
			break
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}
	return NewAndExpr(conds...), nil
}

func (p *Propagator) cast(info *FunctionInfo, instr *Cast) (Expr, error) {
	if instr.To < instr.From {
		return nil, fmt.Errorf("cast narrows value: i%d to i%d", instr.From, instr.To)
	}
	dst, err := Encode(&Ref{Name: instr.Name}, instr.To, info)
	if err != nil {
		return nil, err
	}
	src, err := Encode(instr.X, instr.From, info)
	if err != nil {
		return nil, err
	}
	return NewBinaryExpr(EQ, dst, NewCastExpr(src, instr.To, instr.Kind == SignExtend)), nil
}

func (p *Propagator) call(info *FunctionInfo, instr *Call) (Expr, error) {
	if instr.Name == "" {
		return nil, nil
	}

	callee := p.sigs.Lookup(instr.Callee)
	if callee == nil {
		if p.skipUnsupported || p.sigs.IsSkipped(instr.Callee) {
			log.Printf("[propagate] %s: no signature for @%s, call not modeled", info.Name, instr.Callee)
			return nil, nil
		}
		return nil, errors.Wrapf(ErrUnknownCallee, "@%s", instr.Callee)
	} else if len(callee.Domain) != len(instr.Args) {
		return nil, fmt.Errorf("@%s: expected %d arguments, got %d", instr.Callee, len(callee.Domain), len(instr.Args))
	} else if callee.Decl.Range != instr.Width {
		return nil, fmt.Errorf("@%s: result width mismatch: i%d != i%d", instr.Callee, instr.Width, callee.Decl.Range)
	}

	dst, err := Encode(&Ref{Name: instr.Name}, instr.Width, info)
	if err != nil {
		return nil, err
	}
	args := make([]Expr, len(instr.Args))
	for i, arg := range instr.Args {
		if args[i], err = Encode(arg, callee.Domain[i], info); err != nil {
			return nil, err
		}
	}
	p.calls[info.Name] = append(p.calls[info.Name], callSite{callee: instr.Callee, args: args})
	return NewBinaryExpr(EQ, dst, NewAppExpr(callee.Decl, args...)), nil
}

func (p *Propagator) ret(info *FunctionInfo, cond Expr, instr *Return) (Expr, error) {
	if instr.X == nil {
		return nil, nil
	} else if instr.Width != info.Decl.Range {
		return nil, fmt.Errorf("return width mismatch: i%d != i%d", instr.Width, info.Decl.Range)
	}
	v, err := Encode(instr.X, instr.Width, info)
	if err != nil {
		return nil, err
	}
	return NewImpliesExpr(cond, NewBinaryExpr(EQ, v, info.Result())), nil
}
