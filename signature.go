package bounds

import (
	"fmt"
	"log"
	"strings"
)

// SignatureError is returned when a function cannot be given a symbolic
// signature because a parameter or its result is not a fixed-width integer.
type SignatureError struct {
	Func   string
	Reason string
}

// Error returns the error as a string.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Func, ErrUnsupportedSignature, e.Reason)
}

// Unwrap returns ErrUnsupportedSignature.
func (e *SignatureError) Unwrap() error { return ErrUnsupportedSignature }

// FunctionInfo represents the symbolic signature of a function. Every value
// of the function is encoded as a relation over Params and the function's
// result is the relation Decl applied to Params.
type FunctionInfo struct {
	Name   string
	Decl   *FuncDecl
	Domain []uint
	Params []*VarExpr

	fn     *Function
	params map[string]*VarExpr
	decls  map[relationKey]*FuncDecl
}

type relationKey struct {
	name  string
	width uint
}

// Func returns the function the signature was built from.
func (info *FunctionInfo) Func() *Function { return info.fn }

// Result returns the function's result relation applied to its own parameters.
func (info *FunctionInfo) Result() Expr {
	return NewAppExpr(info.Decl, info.args()...)
}

// Param returns the symbolic constant for the named parameter, if any.
func (info *FunctionInfo) Param(name string) *VarExpr {
	return info.params[name]
}

func (info *FunctionInfo) args() []Expr {
	args := make([]Expr, len(info.Params))
	for i, p := range info.Params {
		args[i] = p
	}
	return args
}

// relation returns the relation named by (function, value) at the given
// width. Repeated calls return the same declaration.
func (info *FunctionInfo) relation(name string, width uint) *FuncDecl {
	key := relationKey{name: name, width: width}
	if decl := info.decls[key]; decl != nil {
		return decl
	}
	decl := &FuncDecl{Name: RelationName(info.Name, name), Domain: info.Domain, Range: width}
	info.decls[key] = decl
	return decl
}

// RelationName returns the symbol used for a value or parameter of a function.
func RelationName(fn, value string) string {
	return fn + "$" + value
}

// Signatures holds the symbolic signature of every analyzed function.
type Signatures struct {
	funcs map[string]*FunctionInfo
	order []*FunctionInfo

	// Functions left out of the analysis under the skip policy.
	Skipped []*SignatureError
}

// Lookup returns the signature for the named function, if any.
func (s *Signatures) Lookup(name string) *FunctionInfo {
	return s.funcs[name]
}

// Infos returns signatures in module order.
func (s *Signatures) Infos() []*FunctionInfo {
	return s.order
}

// IsSkipped returns true if the named function was excluded from the analysis.
func (s *Signatures) IsSkipped(name string) bool {
	for _, e := range s.Skipped {
		if e.Func == name {
			return true
		}
	}
	return false
}

// BuildSignatures returns a signature for every function in m. If
// skipUnsupported is false, the first function with a non-integer parameter
// or result aborts the build with a *SignatureError. Otherwise the function
// is recorded in Skipped and left out.
func BuildSignatures(m *Module, skipUnsupported bool) (*Signatures, error) {
	sigs := &Signatures{funcs: make(map[string]*FunctionInfo, len(m.Funcs))}
	for _, fn := range m.Funcs {
		info, err := newFunctionInfo(fn)
		if e, ok := err.(*SignatureError); ok && skipUnsupported {
			log.Printf("[signature] skip %s", e)
			sigs.Skipped = append(sigs.Skipped, e)
			continue
		} else if err != nil {
			return nil, err
		}

		sigs.funcs[fn.Name] = info
		sigs.order = append(sigs.order, info)
		log.Printf("[signature] %s", info.Decl)
	}
	return sigs, nil
}

func newFunctionInfo(fn *Function) (*FunctionInfo, error) {
	rangeWidth, ok := IntWidth(fn.Result)
	if !ok {
		return nil, &SignatureError{Func: fn.Name, Reason: fmt.Sprintf("result type %s", typeName(fn.Result))}
	}

	info := &FunctionInfo{
		Name:   fn.Name,
		fn:     fn,
		params: make(map[string]*VarExpr, len(fn.Params)),
		decls:  make(map[relationKey]*FuncDecl),
	}
	for _, p := range fn.Params {
		width, ok := IntWidth(p.Type)
		if !ok {
			return nil, &SignatureError{Func: fn.Name, Reason: fmt.Sprintf("parameter %%%s type %s", p.Name, typeName(p.Type))}
		} else if _, ok := info.params[p.Name]; ok {
			return nil, fmt.Errorf("%s: duplicate parameter: %%%s", fn.Name, p.Name)
		}

		v := NewVarExpr(RelationName(fn.Name, p.Name), width)
		info.params[p.Name] = v
		info.Params = append(info.Params, v)
		info.Domain = append(info.Domain, width)
	}
	info.Decl = &FuncDecl{Name: fn.Name, Domain: info.Domain, Range: rangeWidth}
	return info, nil
}

func typeName(t Type) string {
	if t == nil {
		return "void"
	}
	return strings.TrimSpace(t.String())
}
