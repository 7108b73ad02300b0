package bounds

import (
	"errors"
	"fmt"
)

// Standard widths. Boolean formulas carry no bit width.
const (
	WidthBool = 0
	Width1    = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

// MaxWidth is the widest integer type the analysis can represent.
const MaxWidth = Width64

var (
	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")
)

var (
	ErrUnsupportedSignature = errors.New("unsupported function signature")
	ErrUnknownCallee        = errors.New("call to function without a registered signature")
	ErrUnbalancedScope      = errors.New("solver scope not restored after query")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
