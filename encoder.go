package bounds

import (
	"fmt"
)

// Encode returns the symbolic term for an operand of the function described
// by info at the given width.
//
// A literal becomes a bit-vector constant built from its sign-extended
// value and truncated to width. A parameter becomes its symbolic constant.
// Any other value becomes the relation named "<function>$<value>" applied to
// the function's parameters.
func Encode(op Operand, width uint, info *FunctionInfo) (Expr, error) {
	if width == 0 || width > MaxWidth {
		return nil, fmt.Errorf("%s: cannot encode %v at width %d", info.Name, op, width)
	}

	switch op := op.(type) {
	case *Const:
		return NewConstantExpr(uint64(op.Value), width), nil

	case *Ref:
		if p := info.Param(op.Name); p != nil {
			if p.Width != width {
				return nil, fmt.Errorf("%s: parameter %%%s used at width %d, declared i%d", info.Name, op.Name, width, p.Width)
			}
			return p, nil
		}
		return NewAppExpr(info.relation(op.Name, width), info.args()...), nil

	case nil:
		return nil, fmt.Errorf("%s: missing operand", info.Name)

	default:
		return nil, fmt.Errorf("%s: invalid operand type: %T", info.Name, op)
	}
}
