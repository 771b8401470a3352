package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// BinOpKind denotes the kind of [BinaryExpr] operation to perform.
type BinOpKind int

// Recognized values of [BinOpKind].
const (
	BinOpInvalid BinOpKind = iota

	BinOpEq  // =
	BinOpNeq // !=
	BinOpLt  // <
	BinOpLte // <=
	BinOpGt  // >
	BinOpGte // >=
	BinOpAnd // AND
	BinOpOr  // OR

	BinOpAdd // +
	BinOpSub // -
	BinOpMul // *
	BinOpDiv // /
	BinOpMod // %
)

var binOpKindStrings = map[BinOpKind]string{
	BinOpInvalid: "invalid",

	BinOpEq:  "=",
	BinOpNeq: "!=",
	BinOpLt:  "<",
	BinOpLte: "<=",
	BinOpGt:  ">",
	BinOpGte: ">=",
	BinOpAnd: "AND",
	BinOpOr:  "OR",

	BinOpAdd: "+",
	BinOpSub: "-",
	BinOpMul: "*",
	BinOpDiv: "/",
	BinOpMod: "%",
}

// String returns the operator as written in expressions.
func (k BinOpKind) String() string {
	if s, ok := binOpKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("BinOpKind(%d)", k)
}

// IsComparison reports whether the operator compares two values.
func (k BinOpKind) IsComparison() bool {
	return k >= BinOpEq && k <= BinOpGte
}

// IsLogical reports whether the operator combines booleans.
func (k BinOpKind) IsLogical() bool {
	return k == BinOpAnd || k == BinOpOr
}

// IsArithmetic reports whether the operator combines numbers.
func (k BinOpKind) IsArithmetic() bool {
	return k >= BinOpAdd && k <= BinOpMod
}

// UnaryOpKind denotes the kind of [UnaryExpr] operation to perform.
type UnaryOpKind int

const (
	UnaryOpInvalid UnaryOpKind = iota

	UnaryOpNeg // -
	UnaryOpNot // NOT
)

func (k UnaryOpKind) String() string {
	switch k {
	case UnaryOpNeg:
		return "-"
	case UnaryOpNot:
		return "NOT"
	}
	return fmt.Sprintf("UnaryOpKind(%d)", k)
}

// Expr is a node of the expression tree. String renders the canonical form
// used for cache keys, so two trees print the same iff they are structurally
// identical.
type Expr interface {
	String() string
	isExpr()
}

// Literal is a constant. Value is one of nil, string, int64, float64, bool.
type Literal struct {
	Value interface{}
}

// ColumnRef names a field of the cube.
type ColumnRef struct {
	Name string
}

// AggregateCall applies an aggregation. Star is set for COUNT(*).
type AggregateCall struct {
	Func AggFunc
	Arg  Expr
	Star bool
}

// FuncCall applies a scalar function.
type FuncCall struct {
	Name string
	Args []Expr
}

// BinaryExpr combines two operands.
type BinaryExpr struct {
	Op    BinOpKind
	Left  Expr
	Right Expr
}

// UnaryExpr applies a prefix operator.
type UnaryExpr struct {
	Op      UnaryOpKind
	Operand Expr
}

// InList tests membership in a literal list.
type InList struct {
	Expr    Expr
	Values  []Expr
	Negated bool
}

// IsNull tests for null.
type IsNull struct {
	Expr    Expr
	Negated bool
}

func (*Literal) isExpr()       {}
func (*ColumnRef) isExpr()     {}
func (*AggregateCall) isExpr() {}
func (*FuncCall) isExpr()      {}
func (*BinaryExpr) isExpr()    {}
func (*UnaryExpr) isExpr()     {}
func (*InList) isExpr()        {}
func (*IsNull) isExpr()        {}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return s
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	return fmt.Sprintf("%v", l.Value)
}

func (c *ColumnRef) String() string { return QuoteIdent(c.Name) }

// reservedWords are identifiers the parser reads as something other than a
// column reference.
var reservedWords = map[string]bool{
	"TRUE": true, "FALSE": true, "NULL": true,
	"AND": true, "OR": true, "NOT": true,
	"IN": true, "IS": true, "BETWEEN": true,
	"AS": true, "ASC": true, "DESC": true, "DISTINCT": true,
}

// QuoteIdent renders a column name so that it parses back to the same
// reference. Plain identifiers are left bare; anything else is wrapped in
// double quotes with embedded quotes doubled.
func QuoteIdent(name string) string {
	if isPlainIdent(name) && !reservedWords[strings.ToUpper(name)] {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isPlainIdent(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c == '.' || c >= '0' && c <= '9'):
		default:
			return false
		}
	}
	return true
}

func (a *AggregateCall) String() string {
	if a.Star {
		return string(a.Func) + "(*)"
	}
	return string(a.Func) + "(" + a.Arg.String() + ")"
}

func (f *FuncCall) String() string {
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.String()
	}
	return f.Name + "(" + strings.Join(args, ", ") + ")"
}

func (b *BinaryExpr) String() string {
	return "(" + b.Left.String() + " " + b.Op.String() + " " + b.Right.String() + ")"
}

func (u *UnaryExpr) String() string {
	if u.Op == UnaryOpNot {
		return "(NOT " + u.Operand.String() + ")"
	}
	return "(-" + u.Operand.String() + ")"
}

func (in *InList) String() string {
	vals := make([]string, len(in.Values))
	for i, v := range in.Values {
		vals[i] = v.String()
	}
	op := " IN ("
	if in.Negated {
		op = " NOT IN ("
	}
	return "(" + in.Expr.String() + op + strings.Join(vals, ", ") + "))"
}

func (n *IsNull) String() string {
	if n.Negated {
		return "(" + n.Expr.String() + " IS NOT NULL)"
	}
	return "(" + n.Expr.String() + " IS NULL)"
}

// Col is shorthand for a column reference.
func Col(name string) *ColumnRef { return &ColumnRef{Name: name} }

// Lit wraps a Go value as a literal, normalising integer and float widths.
func Lit(v interface{}) *Literal {
	switch x := v.(type) {
	case int:
		return &Literal{Value: int64(x)}
	case int32:
		return &Literal{Value: int64(x)}
	case float32:
		return &Literal{Value: float64(x)}
	}
	return &Literal{Value: v}
}

// Eq builds an equality comparison.
func Eq(left, right Expr) *BinaryExpr {
	return &BinaryExpr{Op: BinOpEq, Left: left, Right: right}
}

// And folds predicates into a left-deep conjunction, preserving order.
// It returns nil for an empty list.
func And(preds ...Expr) Expr {
	var out Expr
	for _, p := range preds {
		if p == nil {
			continue
		}
		if out == nil {
			out = p
			continue
		}
		out = &BinaryExpr{Op: BinOpAnd, Left: out, Right: p}
	}
	return out
}

// Walk visits e and its children depth first. Returning false from fn stops
// descent into that node's children.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case *AggregateCall:
		if !n.Star {
			Walk(n.Arg, fn)
		}
	case *FuncCall:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	case *BinaryExpr:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *UnaryExpr:
		Walk(n.Operand, fn)
	case *InList:
		Walk(n.Expr, fn)
		for _, v := range n.Values {
			Walk(v, fn)
		}
	case *IsNull:
		Walk(n.Expr, fn)
	}
}

// References returns the distinct column names e refers to, in first-seen order.
func References(e Expr) []string {
	var names []string
	seen := make(map[string]bool)
	Walk(e, func(n Expr) bool {
		if c, ok := n.(*ColumnRef); ok && !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
		return true
	})
	return names
}

// ContainsAggregate reports whether e has an aggregate call anywhere.
func ContainsAggregate(e Expr) bool {
	found := false
	Walk(e, func(n Expr) bool {
		if _, ok := n.(*AggregateCall); ok {
			found = true
		}
		return !found
	})
	return found
}

// Rewrite rebuilds e bottom-up, replacing each node with fn's result.
// inAgg tells fn whether the node sits inside an aggregate call argument.
func Rewrite(e Expr, fn func(n Expr, inAgg bool) (Expr, error)) (Expr, error) {
	return rewrite(e, false, fn)
}

func rewrite(e Expr, inAgg bool, fn func(Expr, bool) (Expr, error)) (Expr, error) {
	if e == nil {
		return nil, nil
	}
	switch n := e.(type) {
	case *AggregateCall:
		if n.Star {
			return fn(n, inAgg)
		}
		arg, err := rewrite(n.Arg, true, fn)
		if err != nil {
			return nil, err
		}
		return fn(&AggregateCall{Func: n.Func, Arg: arg}, inAgg)
	case *FuncCall:
		args := make([]Expr, len(n.Args))
		for i, a := range n.Args {
			r, err := rewrite(a, inAgg, fn)
			if err != nil {
				return nil, err
			}
			args[i] = r
		}
		return fn(&FuncCall{Name: n.Name, Args: args}, inAgg)
	case *BinaryExpr:
		l, err := rewrite(n.Left, inAgg, fn)
		if err != nil {
			return nil, err
		}
		r, err := rewrite(n.Right, inAgg, fn)
		if err != nil {
			return nil, err
		}
		return fn(&BinaryExpr{Op: n.Op, Left: l, Right: r}, inAgg)
	case *UnaryExpr:
		o, err := rewrite(n.Operand, inAgg, fn)
		if err != nil {
			return nil, err
		}
		return fn(&UnaryExpr{Op: n.Op, Operand: o}, inAgg)
	case *InList:
		x, err := rewrite(n.Expr, inAgg, fn)
		if err != nil {
			return nil, err
		}
		vals := make([]Expr, len(n.Values))
		for i, v := range n.Values {
			r, err := rewrite(v, inAgg, fn)
			if err != nil {
				return nil, err
			}
			vals[i] = r
		}
		return fn(&InList{Expr: x, Values: vals, Negated: n.Negated}, inAgg)
	case *IsNull:
		x, err := rewrite(n.Expr, inAgg, fn)
		if err != nil {
			return nil, err
		}
		return fn(&IsNull{Expr: x, Negated: n.Negated}, inAgg)
	}
	return fn(e, inAgg)
}
