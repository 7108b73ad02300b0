package z3

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/benbjohnson/bounds"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
#include <stdio.h>
*/
import "C"

// Ensure solver implements interface.
var _ bounds.Solver = (*Solver)(nil)
var _ bounds.TimeoutSetter = (*Solver)(nil)

// Solver represents a solver that uses an embedded Z3 solver. A Solver is
// a single session and must not be used concurrently.
type Solver struct {
	ctx    *Context
	raw    C.Z3_solver
	scopes int
	stats  Stats
}

// NewSolver returns a new instance of Solver.
func NewSolver() *Solver {
	ctx := NewContext()
	raw := C.Z3_mk_solver(ctx.raw)
	if err := ctx.err("Z3_mk_solver"); err != nil {
		panic(err)
	}
	C.Z3_solver_inc_ref(ctx.raw, raw)
	return &Solver{ctx: ctx, raw: raw}
}

// Close releases the solver and deletes the underlying Z3 context.
func (s *Solver) Close() error {
	C.Z3_solver_dec_ref(s.ctx.raw, s.raw)
	return s.ctx.Close()
}

// Stats returns statistics for the solver.
func (s *Solver) Stats() Stats {
	return s.stats
}

// SetTimeout sets the time limit of each check. Zero disables the limit.
func (s *Solver) SetTimeout(d time.Duration) error {
	params := C.Z3_mk_params(s.ctx.raw)
	if err := s.ctx.err("Z3_mk_params"); err != nil {
		return err
	}
	C.Z3_params_inc_ref(s.ctx.raw, params)
	defer C.Z3_params_dec_ref(s.ctx.raw, params)

	ms := d / time.Millisecond
	if d > 0 && ms == 0 {
		ms = 1
	}
	C.Z3_params_set_uint(s.ctx.raw, params, s.ctx.symbol("timeout"), C.uint(ms))
	if err := s.ctx.err("Z3_params_set_uint"); err != nil {
		return err
	}
	C.Z3_solver_set_params(s.ctx.raw, s.raw, params)
	return s.ctx.err("Z3_solver_set_params")
}

// Assert adds a boolean formula to the current scope.
func (s *Solver) Assert(expr bounds.Expr) error {
	if !bounds.IsBoolExpr(expr) {
		return fmt.Errorf("z3.Solver.Assert: expression is not boolean: %s", expr)
	}
	ast, err := s.ctx.toAST(expr)
	if err != nil {
		return err
	}
	C.Z3_solver_assert(s.ctx.raw, s.raw, ast)
	return s.ctx.err("Z3_solver_assert")
}

// Push opens a new assertion scope.
func (s *Solver) Push() error {
	C.Z3_solver_push(s.ctx.raw, s.raw)
	if err := s.ctx.err("Z3_solver_push"); err != nil {
		return err
	}
	s.scopes++
	return nil
}

// Pop discards the innermost assertion scope.
func (s *Solver) Pop() error {
	if s.scopes == 0 {
		return fmt.Errorf("z3.Solver.Pop: no open scope")
	}
	C.Z3_solver_pop(s.ctx.raw, s.raw, 1)
	if err := s.ctx.err("Z3_solver_pop"); err != nil {
		return err
	}
	s.scopes--
	return nil
}

// NumScopes returns the number of open scopes.
func (s *Solver) NumScopes() int {
	return int(C.Z3_solver_get_num_scopes(s.ctx.raw, s.raw))
}

// NumAssertions returns the number of formulas asserted across all scopes.
func (s *Solver) NumAssertions() (int, error) {
	v := C.Z3_solver_get_assertions(s.ctx.raw, s.raw)
	if err := s.ctx.err("Z3_solver_get_assertions"); err != nil {
		return 0, err
	}
	C.Z3_ast_vector_inc_ref(s.ctx.raw, v)
	defer C.Z3_ast_vector_dec_ref(s.ctx.raw, v)
	return int(C.Z3_ast_vector_size(s.ctx.raw, v)), nil
}

// Check determines the satisfiability of the current assertions. If
// satisfiable, the model value of each expression in exprs is returned.
// Canceling ctx interrupts a running check.
func (s *Solver) Check(ctx context.Context, exprs []bounds.Expr) (satisfiable bool, values []*bounds.ConstantExpr, err error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	t := time.Now()
	defer func() {
		s.stats.CheckN++
		s.stats.CheckTime += time.Since(t)
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			C.Z3_interrupt(s.ctx.raw)
		case <-done:
		}
	}()

	// Exit immediately if unsatisfiable or the solver encountered an error.
	ret := C.Z3_solver_check(s.ctx.raw, s.raw)
	if err := s.ctx.err("Z3_solver_check"); err != nil {
		return false, nil, err
	} else if ret == C.Z3_L_FALSE {
		return false, nil, nil
	} else if ret == C.Z3_L_UNDEF {
		if err := ctx.Err(); err != nil {
			return false, nil, err
		}
		reason := C.GoString(C.Z3_solver_get_reason_unknown(s.ctx.raw, s.raw))
		switch {
		case strings.Contains(reason, "timeout"):
			return false, nil, bounds.ErrSolverTimeout
		case strings.Contains(reason, "canceled"):
			// ctx is live, so the check was interrupted by the timeout.
			return false, nil, bounds.ErrSolverTimeout
		case strings.Contains(reason, "(resource limits reached)"):
			return false, nil, bounds.ErrSolverResourceLimit
		case strings.Contains(reason, "unknown"), strings.Contains(reason, "incomplete"):
			return false, nil, bounds.ErrSolverUnknown
		default:
			return false, nil, fmt.Errorf("z3: %s", reason)
		}
	} else if len(exprs) == 0 {
		return true, nil, nil
	}

	model := C.Z3_solver_get_model(s.ctx.raw, s.raw)
	if err := s.ctx.err("Z3_solver_get_model"); err != nil {
		return true, nil, err
	}
	C.Z3_model_inc_ref(s.ctx.raw, model)
	defer C.Z3_model_dec_ref(s.ctx.raw, model)

	values = make([]*bounds.ConstantExpr, len(exprs))
	for i, expr := range exprs {
		if values[i], err = s.ctx.eval(model, expr); err != nil {
			return true, nil, err
		}
	}
	return true, values, nil
}

// Context represents a Z3 context object that is used for constructing expressions.
type Context struct {
	raw   C.Z3_context
	decls map[*bounds.FuncDecl]C.Z3_func_decl
}

// NewContext returns a new instance of Context.
func NewContext() *Context {
	config := C.Z3_mk_config()
	defer C.Z3_del_config(config)

	raw := C.Z3_mk_context(config)
	C.Z3_set_error_handler(raw, nil)
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Context{
		raw:   raw,
		decls: make(map[*bounds.FuncDecl]C.Z3_func_decl),
	}
}

// Close deletes the underlying Z3 context.
func (ctx *Context) Close() error {
	C.Z3_del_context(ctx.raw)
	return ctx.err("Z3_del_context")
}

// err returns the error for the last API call. Returns nil if last call was successful.
func (ctx *Context) err(op string) error {
	if code := C.Z3_get_error_code(ctx.raw); code != C.Z3_OK {
		return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(ctx.raw, code))}
	}
	return nil
}

func (ctx *Context) symbol(name string) C.Z3_symbol {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.Z3_mk_string_symbol(ctx.raw, cname)
}

// toAST returns a new instance of Z3_ast from an expression.
func (ctx *Context) toAST(expr bounds.Expr) (C.Z3_ast, error) {
	switch expr := expr.(type) {
	case *bounds.ConstantExpr:
		return ctx.toConstantAST(expr)
	case *bounds.VarExpr:
		return ctx.toVarAST(expr)
	case *bounds.AppExpr:
		return ctx.toAppAST(expr)
	case *bounds.CastExpr:
		return ctx.toCastAST(expr)
	case *bounds.NotExpr:
		return ctx.toNotAST(expr)
	case *bounds.BinaryExpr:
		return ctx.toBinaryAST(expr)
	case *bounds.QuantifierExpr:
		return ctx.toQuantifierAST(expr)
	default:
		return nil, fmt.Errorf("z3.Context.toAST: invalid expression type: %T", expr)
	}
}

func (ctx *Context) toConstantAST(expr *bounds.ConstantExpr) (C.Z3_ast, error) {
	if expr.Width == bounds.WidthBool {
		if expr.IsTrue() {
			return C.Z3_mk_true(ctx.raw), ctx.err("Z3_mk_true")
		}
		return C.Z3_mk_false(ctx.raw), ctx.err("Z3_mk_false")
	} else if expr.Width <= bounds.MaxWidth {
		return ctx.makeUint64(expr.Width, expr.Value)
	}
	return nil, fmt.Errorf("z3.Context.toConstantAST: invalid expression width: %d", expr.Width)
}

func (ctx *Context) toVarAST(expr *bounds.VarExpr) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(expr.Width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_const(ctx.raw, ctx.symbol(expr.Name), t), ctx.err("Z3_mk_const")
}

// funcDecl returns the Z3 declaration for an uninterpreted function.
func (ctx *Context) funcDecl(decl *bounds.FuncDecl) (C.Z3_func_decl, error) {
	if d, ok := ctx.decls[decl]; ok {
		return d, nil
	}

	domain := make([]C.Z3_sort, len(decl.Domain))
	for i, w := range decl.Domain {
		t, err := ctx.makeBVSort(w)
		if err != nil {
			return nil, err
		}
		domain[i] = t
	}
	rng, err := ctx.makeBVSort(decl.Range)
	if err != nil {
		return nil, err
	}

	var domainPtr *C.Z3_sort
	if len(domain) > 0 {
		domainPtr = &domain[0]
	}
	d := C.Z3_mk_func_decl(ctx.raw, ctx.symbol(decl.Name), C.uint(len(domain)), domainPtr, rng)
	if err := ctx.err("Z3_mk_func_decl"); err != nil {
		return nil, err
	}
	ctx.decls[decl] = d
	return d, nil
}

func (ctx *Context) toAppAST(expr *bounds.AppExpr) (C.Z3_ast, error) {
	d, err := ctx.funcDecl(expr.Decl)
	if err != nil {
		return nil, err
	}

	args := make([]C.Z3_ast, len(expr.Args))
	for i, arg := range expr.Args {
		if args[i], err = ctx.toAST(arg); err != nil {
			return nil, err
		}
	}

	var argsPtr *C.Z3_ast
	if len(args) > 0 {
		argsPtr = &args[0]
	}
	return C.Z3_mk_app(ctx.raw, d, C.uint(len(args)), argsPtr), ctx.err("Z3_mk_app")
}

func (ctx *Context) toCastAST(expr *bounds.CastExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Src)
	if err != nil {
		return nil, err
	}
	n := C.uint(expr.Width - bounds.ExprWidth(expr.Src))
	if expr.Signed {
		return C.Z3_mk_sign_ext(ctx.raw, n, src), ctx.err("Z3_mk_sign_ext")
	}
	return C.Z3_mk_zero_ext(ctx.raw, n, src), ctx.err("Z3_mk_zero_ext")
}

func (ctx *Context) toNotAST(expr *bounds.NotExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// If boolean, use boolean NOT operation.
	if bounds.IsBoolExpr(expr.Expr) {
		return C.Z3_mk_not(ctx.raw, src), ctx.err("Z3_mk_not")
	}
	return C.Z3_mk_bvnot(ctx.raw, src), ctx.err("Z3_mk_bvnot")
}

func (ctx *Context) toBinaryAST(expr *bounds.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}

	if bounds.IsBoolExpr(expr.LHS) {
		return ctx.toLogicalAST(expr.Op, lhs, rhs)
	}

	switch expr.Op {
	case bounds.ADD:
		return C.Z3_mk_bvadd(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvadd")
	case bounds.SUB:
		return C.Z3_mk_bvsub(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsub")
	case bounds.UDIV:
		return C.Z3_mk_bvudiv(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvudiv")
	case bounds.SDIV:
		return C.Z3_mk_bvsdiv(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsdiv")
	case bounds.UREM:
		return C.Z3_mk_bvurem(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvurem")
	case bounds.SREM:
		return C.Z3_mk_bvsrem(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsrem")
	case bounds.AND:
		return C.Z3_mk_bvand(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvand")
	case bounds.OR:
		return C.Z3_mk_bvor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvor")
	case bounds.XOR:
		return C.Z3_mk_bvxor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvxor")
	case bounds.SHL:
		return C.Z3_mk_bvshl(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvshl")
	case bounds.LSHR:
		return C.Z3_mk_bvlshr(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvlshr")
	case bounds.ASHR:
		return C.Z3_mk_bvashr(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvashr")
	case bounds.EQ:
		return C.Z3_mk_eq(ctx.raw, lhs, rhs), ctx.err("Z3_mk_eq")
	case bounds.NE:
		eq := C.Z3_mk_eq(ctx.raw, lhs, rhs)
		if err := ctx.err("Z3_mk_eq"); err != nil {
			return nil, err
		}
		return C.Z3_mk_not(ctx.raw, eq), ctx.err("Z3_mk_not")
	case bounds.ULT:
		return C.Z3_mk_bvult(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvult")
	case bounds.ULE:
		return C.Z3_mk_bvule(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvule")
	case bounds.UGT:
		return C.Z3_mk_bvugt(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvugt")
	case bounds.UGE:
		return C.Z3_mk_bvuge(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvuge")
	case bounds.SLT:
		return C.Z3_mk_bvslt(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvslt")
	case bounds.SLE:
		return C.Z3_mk_bvsle(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsle")
	case bounds.SGT:
		return C.Z3_mk_bvsgt(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsgt")
	case bounds.SGE:
		return C.Z3_mk_bvsge(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsge")
	default:
		return nil, fmt.Errorf("z3.Context.toBinaryAST: unexpected operation: %s", expr.Op)
	}
}

// toLogicalAST returns a boolean connective over two formulas.
func (ctx *Context) toLogicalAST(op bounds.ExprOp, lhs, rhs C.Z3_ast) (C.Z3_ast, error) {
	args := [2]C.Z3_ast{lhs, rhs}
	switch op {
	case bounds.AND:
		return C.Z3_mk_and(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_and")
	case bounds.OR:
		return C.Z3_mk_or(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_or")
	case bounds.XOR:
		return C.Z3_mk_xor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_xor")
	case bounds.EQ:
		return C.Z3_mk_iff(ctx.raw, lhs, rhs), ctx.err("Z3_mk_iff")
	case bounds.NE:
		return C.Z3_mk_xor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_xor")
	case bounds.IMPLIES:
		return C.Z3_mk_implies(ctx.raw, lhs, rhs), ctx.err("Z3_mk_implies")
	default:
		return nil, fmt.Errorf("z3.Context.toLogicalAST: unexpected operation: %s", op)
	}
}

func (ctx *Context) toQuantifierAST(expr *bounds.QuantifierExpr) (C.Z3_ast, error) {
	bound := make([]C.Z3_app, len(expr.Vars))
	for i, v := range expr.Vars {
		ast, err := ctx.toVarAST(v)
		if err != nil {
			return nil, err
		}
		bound[i] = C.Z3_to_app(ctx.raw, ast)
		if err := ctx.err("Z3_to_app"); err != nil {
			return nil, err
		}
	}
	body, err := ctx.toAST(expr.Body)
	if err != nil {
		return nil, err
	}

	if expr.Forall {
		return C.Z3_mk_forall_const(ctx.raw, 0, C.uint(len(bound)), &bound[0], 0, nil, body), ctx.err("Z3_mk_forall_const")
	}
	return C.Z3_mk_exists_const(ctx.raw, 0, C.uint(len(bound)), &bound[0], 0, nil, body), ctx.err("Z3_mk_exists_const")
}

func (ctx *Context) makeBVSort(width uint) (C.Z3_sort, error) {
	return C.Z3_mk_bv_sort(ctx.raw, C.uint(width)), ctx.err("Z3_mk_bv_sort")
}

func (ctx *Context) makeUint64(width uint, value uint64) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int64(ctx.raw, C.uint64_t(value), t), ctx.err("Z3_mk_unsigned_int64")
}

// eval returns the value of expr in model. Unconstrained symbols are
// completed with an arbitrary value.
func (ctx *Context) eval(model C.Z3_model, expr bounds.Expr) (*bounds.ConstantExpr, error) {
	ast, err := ctx.toAST(expr)
	if err != nil {
		return nil, err
	}

	var out C.Z3_ast
	if ok := C.Z3_model_eval(ctx.raw, model, ast, C.bool(true), &out); !ok {
		if err := ctx.err("Z3_model_eval"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("z3.Context.eval: cannot evaluate: %s", expr)
	}

	if bounds.IsBoolExpr(expr) {
		switch C.Z3_get_bool_value(ctx.raw, out) {
		case C.Z3_L_TRUE:
			return bounds.NewBoolConstantExpr(true), nil
		case C.Z3_L_FALSE:
			return bounds.NewBoolConstantExpr(false), nil
		default:
			return nil, fmt.Errorf("z3.Context.eval: not a boolean value: %s", ctx.astToString(out))
		}
	}

	var value C.uint64_t
	if ok := C.Z3_get_numeral_uint64(ctx.raw, out, &value); !ok {
		if err := ctx.err("Z3_get_numeral_uint64"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("z3.Context.eval: not a numeral: %s", ctx.astToString(out))
	}
	return bounds.NewConstantExpr(uint64(value), bounds.ExprWidth(expr)), nil
}

func (ctx *Context) astToString(ast C.Z3_ast) string {
	return C.GoString(C.Z3_ast_to_string(ctx.raw, ast))
}

// Error represents an error from the Z3 API.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Possible error codes.
const (
	ErrorCodeOK = iota
	ErrorCodeSortError
	ErrorCodeIOB
	ErrorCodeInvalidArg
	ErrorCodeParserError
	ErrorCodeNoParser
	ErrorCodeInvalidPattern
	ErrorCodeMemoutFail
	ErrorCodeFileAccessError
	ErrorCodeInternalFatal
	ErrorCodeInvalidUsage
	ErrorCodeDecRefError
	ErrorCodeException
)

// Stats holds counters for solver checks.
type Stats struct {
	CheckN    int
	CheckTime time.Duration
}
