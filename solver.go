package bounds

import (
	"context"
)

// Solver represents a stateful satisfiability session. Assertions made
// inside a scope are discarded when the scope is popped.
type Solver interface {
	// Assert adds a boolean formula to the current scope.
	Assert(expr Expr) error

	// Push opens a new scope. Pop discards the innermost scope.
	Push() error
	Pop() error

	// NumScopes returns the number of open scopes.
	NumScopes() int

	// NumAssertions returns the number of formulas asserted across all scopes.
	NumAssertions() (int, error)

	// Check determines the satisfiability of the current assertions. If
	// satisfiable, values holds the model value of each expression in exprs.
	// Returns ErrSolverTimeout, ErrSolverCanceled, ErrSolverResourceLimit or
	// ErrSolverUnknown if the solver cannot decide.
	Check(ctx context.Context, exprs []Expr) (satisfiable bool, values []*ConstantExpr, err error)
}
