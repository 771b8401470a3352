package exec

import (
	"math"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"

	"cube-engine/internal/schema"
)

// evalCtx is the input an expression is evaluated against: one row of a
// batch, or one group after aggregation.
type evalCtx struct {
	cols []arrow.Array
	row  int
	keys []interface{}
	aggs []interface{}
}

type evalFn func(c *evalCtx) (interface{}, error)

type compiled struct {
	fn  evalFn
	typ arrow.DataType
}

// binder resolves the leaves that depend on evaluation context. It returns
// ok=false for nodes it does not handle.
type binder interface {
	bind(e schema.Expr) (c *compiled, ok bool, err error)
}

var nullType = arrow.Null

func isNull(t arrow.DataType) bool { return t.ID() == arrow.NULL }

func isInteger(t arrow.DataType) bool {
	return t.ID() == arrow.INT32 || t.ID() == arrow.INT64
}

func isNumeric(t arrow.DataType) bool {
	return isInteger(t) || t.ID() == arrow.FLOAT64
}

func isString(t arrow.DataType) bool {
	return t.ID() == arrow.STRING || t.ID() == arrow.LARGE_STRING
}

func isBool(t arrow.DataType) bool { return t.ID() == arrow.BOOL }

func isDate(t arrow.DataType) bool { return t.ID() == arrow.DATE32 }

func canCompare(a, b arrow.DataType) bool {
	switch {
	case isNull(a) || isNull(b):
		return true
	case isNumeric(a) && isNumeric(b):
		return true
	case isString(a) && isString(b):
		return true
	case isBool(a) && isBool(b):
		return true
	case isDate(a) && (isDate(b) || isString(b)):
		return true
	case isString(a) && isDate(b):
		return true
	}
	return false
}

func compile(e schema.Expr, b binder) (*compiled, error) {
	if c, ok, err := b.bind(e); err != nil || ok {
		return c, err
	}

	switch n := e.(type) {
	case *schema.Literal:
		v := n.Value
		return &compiled{fn: func(*evalCtx) (interface{}, error) { return v, nil }, typ: literalType(v)}, nil

	case *schema.ColumnRef:
		return nil, errorf(KindInvalidExpression, e, "column %s is not available here", n.Name)

	case *schema.AggregateCall:
		return nil, errorf(KindInvalidExpression, e, "aggregate used outside an aggregation")

	case *schema.UnaryExpr:
		operand, err := compile(n.Operand, b)
		if err != nil {
			return nil, err
		}
		return compileUnary(n, operand)

	case *schema.BinaryExpr:
		left, err := compile(n.Left, b)
		if err != nil {
			return nil, err
		}
		right, err := compile(n.Right, b)
		if err != nil {
			return nil, err
		}
		return compileBinary(n, left, right)

	case *schema.InList:
		target, err := compile(n.Expr, b)
		if err != nil {
			return nil, err
		}
		values := make([]*compiled, len(n.Values))
		for i, v := range n.Values {
			if values[i], err = compile(v, b); err != nil {
				return nil, err
			}
			if !canCompare(target.typ, values[i].typ) {
				return nil, errorf(KindTypeMismatch, e, "cannot compare %s with %s", target.typ, values[i].typ)
			}
		}
		negated := n.Negated
		return &compiled{typ: arrow.FixedWidthTypes.Boolean, fn: func(c *evalCtx) (interface{}, error) {
			x, err := target.fn(c)
			if err != nil || x == nil {
				return nil, err
			}
			sawNull := false
			for _, v := range values {
				y, err := v.fn(c)
				if err != nil {
					return nil, err
				}
				if y == nil {
					sawNull = true
					continue
				}
				cmp, err := compareValues(x, y)
				if err != nil {
					return nil, errorf(KindTypeMismatch, e, "%v", err)
				}
				if cmp == 0 {
					return !negated, nil
				}
			}
			if sawNull {
				return nil, nil
			}
			return negated, nil
		}}, nil

	case *schema.IsNull:
		operand, err := compile(n.Expr, b)
		if err != nil {
			return nil, err
		}
		negated := n.Negated
		return &compiled{typ: arrow.FixedWidthTypes.Boolean, fn: func(c *evalCtx) (interface{}, error) {
			v, err := operand.fn(c)
			if err != nil {
				return nil, err
			}
			return (v == nil) != negated, nil
		}}, nil

	case *schema.FuncCall:
		args := make([]*compiled, len(n.Args))
		for i, a := range n.Args {
			var err error
			if args[i], err = compile(a, b); err != nil {
				return nil, err
			}
		}
		return compileFunc(n, args)
	}
	return nil, errorf(KindInvalidExpression, e, "unsupported expression node %T", e)
}

func literalType(v interface{}) arrow.DataType {
	switch v.(type) {
	case string:
		return arrow.BinaryTypes.String
	case int64:
		return arrow.PrimitiveTypes.Int64
	case float64:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	}
	return nullType
}

func compileUnary(n *schema.UnaryExpr, operand *compiled) (*compiled, error) {
	switch n.Op {
	case schema.UnaryOpNot:
		if !isBool(operand.typ) && !isNull(operand.typ) {
			return nil, errorf(KindTypeMismatch, n, "NOT needs a boolean, got %s", operand.typ)
		}
		return &compiled{typ: arrow.FixedWidthTypes.Boolean, fn: func(c *evalCtx) (interface{}, error) {
			v, err := operand.fn(c)
			if err != nil || v == nil {
				return nil, err
			}
			return !v.(bool), nil
		}}, nil

	case schema.UnaryOpNeg:
		if !isNumeric(operand.typ) && !isNull(operand.typ) {
			return nil, errorf(KindTypeMismatch, n, "cannot negate %s", operand.typ)
		}
		typ := arrow.DataType(arrow.PrimitiveTypes.Float64)
		if isInteger(operand.typ) {
			typ = arrow.PrimitiveTypes.Int64
		}
		return &compiled{typ: typ, fn: func(c *evalCtx) (interface{}, error) {
			v, err := operand.fn(c)
			if err != nil || v == nil {
				return nil, err
			}
			switch x := v.(type) {
			case int64:
				return -x, nil
			case float64:
				return -x, nil
			}
			return nil, errorf(KindTypeMismatch, n, "cannot negate %s", typeName(v))
		}}, nil
	}
	return nil, errorf(KindInvalidExpression, n, "unknown unary operator")
}

func compileBinary(n *schema.BinaryExpr, left, right *compiled) (*compiled, error) {
	op := n.Op
	switch {
	case op.IsLogical():
		for _, side := range []*compiled{left, right} {
			if !isBool(side.typ) && !isNull(side.typ) {
				return nil, errorf(KindTypeMismatch, n, "%s needs booleans, got %s", op, side.typ)
			}
		}
		isAnd := op == schema.BinOpAnd
		return &compiled{typ: arrow.FixedWidthTypes.Boolean, fn: func(c *evalCtx) (interface{}, error) {
			l, err := left.fn(c)
			if err != nil {
				return nil, err
			}
			// Short circuit on a decisive left operand.
			if lb, ok := l.(bool); ok && lb != isAnd {
				return lb, nil
			}
			r, err := right.fn(c)
			if err != nil {
				return nil, err
			}
			if rb, ok := r.(bool); ok && rb != isAnd {
				return rb, nil
			}
			if l == nil || r == nil {
				return nil, nil
			}
			return isAnd, nil
		}}, nil

	case op.IsComparison():
		if !canCompare(left.typ, right.typ) {
			return nil, errorf(KindTypeMismatch, n, "cannot compare %s with %s", left.typ, right.typ)
		}
		return &compiled{typ: arrow.FixedWidthTypes.Boolean, fn: func(c *evalCtx) (interface{}, error) {
			l, err := left.fn(c)
			if err != nil || l == nil {
				return nil, err
			}
			r, err := right.fn(c)
			if err != nil || r == nil {
				return nil, err
			}
			cmp, err := compareValues(l, r)
			if err != nil {
				return nil, errorf(KindTypeMismatch, n, "%v", err)
			}
			switch op {
			case schema.BinOpEq:
				return cmp == 0, nil
			case schema.BinOpNeq:
				return cmp != 0, nil
			case schema.BinOpLt:
				return cmp < 0, nil
			case schema.BinOpLte:
				return cmp <= 0, nil
			case schema.BinOpGt:
				return cmp > 0, nil
			}
			return cmp >= 0, nil
		}}, nil

	case op.IsArithmetic():
		for _, side := range []*compiled{left, right} {
			if !isNumeric(side.typ) && !isNull(side.typ) {
				return nil, errorf(KindTypeMismatch, n, "%s needs numbers, got %s", op, side.typ)
			}
		}
		typ := arrow.DataType(arrow.PrimitiveTypes.Float64)
		if op != schema.BinOpDiv && isInteger(left.typ) && isInteger(right.typ) {
			typ = arrow.PrimitiveTypes.Int64
		}
		sym := op.String()
		return &compiled{typ: typ, fn: func(c *evalCtx) (interface{}, error) {
			l, err := left.fn(c)
			if err != nil {
				return nil, err
			}
			r, err := right.fn(c)
			if err != nil {
				return nil, err
			}
			v, err := arithmetic(sym, l, r)
			if err != nil {
				return nil, errorf(KindTypeMismatch, n, "%v", err)
			}
			return v, nil
		}}, nil
	}
	return nil, errorf(KindInvalidExpression, n, "unknown operator %s", op)
}

func compileFunc(n *schema.FuncCall, args []*compiled) (*compiled, error) {
	arg := func(i int) *compiled { return args[i] }
	need := func(ok bool, what string) error {
		if !ok {
			return errorf(KindTypeMismatch, n, "%s expects %s", n.Name, what)
		}
		return nil
	}

	switch n.Name {
	case "upper", "lower":
		if err := need(isString(arg(0).typ) || isNull(arg(0).typ), "a string"); err != nil {
			return nil, err
		}
		conv := strings.ToUpper
		if n.Name == "lower" {
			conv = strings.ToLower
		}
		return &compiled{typ: arrow.BinaryTypes.String, fn: func(c *evalCtx) (interface{}, error) {
			v, err := arg(0).fn(c)
			if err != nil || v == nil {
				return nil, err
			}
			return conv(v.(string)), nil
		}}, nil

	case "abs":
		if err := need(isNumeric(arg(0).typ) || isNull(arg(0).typ), "a number"); err != nil {
			return nil, err
		}
		typ := arrow.DataType(arrow.PrimitiveTypes.Float64)
		if isInteger(arg(0).typ) {
			typ = arrow.PrimitiveTypes.Int64
		}
		return &compiled{typ: typ, fn: func(c *evalCtx) (interface{}, error) {
			v, err := arg(0).fn(c)
			if err != nil || v == nil {
				return nil, err
			}
			switch x := v.(type) {
			case int64:
				if x < 0 {
					return -x, nil
				}
				return x, nil
			case float64:
				return math.Abs(x), nil
			}
			return nil, errorf(KindTypeMismatch, n, "abs of %s", typeName(v))
		}}, nil

	case "round":
		if len(args) > 2 {
			return nil, errorf(KindInvalidExpression, n, "round takes one or two arguments")
		}
		if err := need(isNumeric(arg(0).typ) || isNull(arg(0).typ), "a number"); err != nil {
			return nil, err
		}
		if len(args) == 2 {
			if err := need(isInteger(arg(1).typ), "integer digits"); err != nil {
				return nil, err
			}
		}
		return &compiled{typ: arrow.PrimitiveTypes.Float64, fn: func(c *evalCtx) (interface{}, error) {
			v, err := arg(0).fn(c)
			if err != nil || v == nil {
				return nil, err
			}
			x, _ := toFloat(v)
			scale := 1.0
			if len(args) == 2 {
				d, err := arg(1).fn(c)
				if err != nil || d == nil {
					return nil, err
				}
				scale = math.Pow(10, float64(d.(int64)))
			}
			return math.Round(x*scale) / scale, nil
		}}, nil

	case "year", "quarter", "month", "day":
		t := arg(0).typ
		if err := need(isDate(t) || isString(t) || isNull(t), "a date"); err != nil {
			return nil, err
		}
		part := n.Name
		return &compiled{typ: arrow.PrimitiveTypes.Int64, fn: func(c *evalCtx) (interface{}, error) {
			v, err := arg(0).fn(c)
			if err != nil || v == nil {
				return nil, err
			}
			tm, ok := toTime(v)
			if !ok {
				return nil, errorf(KindTypeMismatch, n, "%v is not a date", v)
			}
			switch part {
			case "year":
				return int64(tm.Year()), nil
			case "quarter":
				return int64((int(tm.Month())-1)/3 + 1), nil
			case "month":
				return int64(tm.Month()), nil
			}
			return int64(tm.Day()), nil
		}}, nil

	case "concat":
		return &compiled{typ: arrow.BinaryTypes.String, fn: func(c *evalCtx) (interface{}, error) {
			var sb strings.Builder
			for _, a := range args {
				v, err := a.fn(c)
				if err != nil {
					return nil, err
				}
				sb.WriteString(formatValue(v))
			}
			return sb.String(), nil
		}}, nil

	case "coalesce":
		typ := arrow.DataType(nullType)
		for _, a := range args {
			switch {
			case isNull(a.typ):
			case isNull(typ):
				typ = a.typ
			case isNumeric(typ) && isNumeric(a.typ):
				if !arrow.TypeEqual(typ, a.typ) {
					typ = arrow.PrimitiveTypes.Float64
				}
			case !arrow.TypeEqual(typ, a.typ):
				return nil, errorf(KindTypeMismatch, n, "coalesce mixes %s and %s", typ, a.typ)
			}
		}
		return &compiled{typ: typ, fn: func(c *evalCtx) (interface{}, error) {
			for _, a := range args {
				v, err := a.fn(c)
				if err != nil {
					return nil, err
				}
				if v != nil {
					return v, nil
				}
			}
			return nil, nil
		}}, nil
	}
	return nil, errorf(KindInvalidExpression, n, "unknown function %s", n.Name)
}

// rowBinder resolves column references against a batch schema
type rowBinder struct {
	schema *arrow.Schema
}

func (b rowBinder) bind(e schema.Expr) (*compiled, bool, error) {
	ref, ok := e.(*schema.ColumnRef)
	if !ok {
		return nil, false, nil
	}
	idx := b.schema.FieldIndices(ref.Name)
	if len(idx) == 0 {
		return nil, true, errorf(KindInvalidExpression, e, "unknown column %s", ref.Name)
	}
	col := idx[0]
	return &compiled{typ: b.schema.Field(col).Type, fn: func(c *evalCtx) (interface{}, error) {
		return valueAt(c.cols[col], c.row), nil
	}}, true, nil
}
