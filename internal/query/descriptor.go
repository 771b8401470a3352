package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cube-engine/internal/common"
	"cube-engine/internal/schema"
)

// OLAPKind identifies an OLAP verb applied while building a query
type OLAPKind int

const (
	OpNone OLAPKind = iota
	OpSlice
	OpDice
	OpRollUp
	OpDrillDown
)

var olapKindStrings = map[OLAPKind]string{
	OpNone:      "none",
	OpSlice:     "slice",
	OpDice:      "dice",
	OpRollUp:    "roll_up",
	OpDrillDown: "drill_down",
}

func (k OLAPKind) String() string {
	if s, ok := olapKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("OLAPKind(%d)", int(k))
}

// DicePair restricts one dimension. A slice Value becomes an IN list.
type DicePair struct {
	Dimension string      `json:"dimension"`
	Value     interface{} `json:"value"`
}

// OLAPOp records one verb and its parameters
type OLAPOp struct {
	Kind       OLAPKind
	Dimension  string
	Value      interface{}
	Pairs      []DicePair
	Dimensions []string
	Hierarchy  string
	Level      string
}

func (op OLAPOp) String() string {
	switch op.Kind {
	case OpSlice:
		return fmt.Sprintf("slice(%s, %s)", op.Dimension, valueString(op.Value))
	case OpDice:
		parts := make([]string, len(op.Pairs))
		for i, p := range op.Pairs {
			parts[i] = p.Dimension + "=" + valueString(p.Value)
		}
		return "dice(" + strings.Join(parts, ", ") + ")"
	case OpRollUp:
		return "roll_up(" + strings.Join(op.Dimensions, ", ") + ")"
	case OpDrillDown:
		return "drill_down(" + op.Hierarchy + ", " + op.Level + ")"
	}
	return op.Kind.String()
}

// SelectItem is one output column. Name is the alias, or the expression as
// written when no alias was given.
type SelectItem struct {
	Name string
	Expr schema.Expr
}

// GroupKey is one grouping column, with virtual dimensions already expanded
type GroupKey struct {
	Name string
	Expr schema.Expr
}

// OrderItem sorts the result. Column is set when the item names an output
// column; otherwise Expr is evaluated against each group or row.
type OrderItem struct {
	Column string
	Expr   schema.Expr
	Desc   bool
}

// Descriptor is a materialized query. Every derived field has been inlined
// so expressions reference base dimensions and measures only. A descriptor
// must not be modified once Materialize returns it.
type Descriptor struct {
	Select  []SelectItem
	Filter  schema.Expr
	GroupBy []GroupKey
	OrderBy []OrderItem
	Limit   *int
	Offset  int
	Ops     []OLAPOp

	aggregating bool
}

// Aggregating reports whether the query groups or aggregates
func (d *Descriptor) Aggregating() bool { return d.aggregating }

// Op returns the last OLAP verb applied, or OpNone
func (d *Descriptor) Op() OLAPOp {
	if len(d.Ops) == 0 {
		return OLAPOp{Kind: OpNone}
	}
	return d.Ops[len(d.Ops)-1]
}

// GroupByNames returns the group-by column names in order
func (d *Descriptor) GroupByNames() []string {
	names := make([]string, len(d.GroupBy))
	for i, g := range d.GroupBy {
		names[i] = g.Name
	}
	return names
}

// Canonical serializes the descriptor. Clause order is preserved and every
// item is length-prefixed, so two descriptors encode equally iff they are
// structurally identical.
func (d *Descriptor) Canonical() string {
	var sb strings.Builder
	put := func(s string) {
		sb.WriteString(strconv.Itoa(len(s)))
		sb.WriteByte(':')
		sb.WriteString(s)
	}

	sb.WriteString("select[")
	for _, s := range d.Select {
		put(s.Name)
		put(s.Expr.String())
	}
	sb.WriteString("]filter[")
	if d.Filter != nil {
		put(d.Filter.String())
	}
	sb.WriteString("]group_by[")
	for _, g := range d.GroupBy {
		put(g.Name)
		put(g.Expr.String())
	}
	sb.WriteString("]order_by[")
	for _, o := range d.OrderBy {
		put(o.Column)
		if o.Expr != nil {
			put(o.Expr.String())
		} else {
			put("")
		}
		if o.Desc {
			sb.WriteByte('D')
		} else {
			sb.WriteByte('A')
		}
	}
	sb.WriteString("]limit[")
	if d.Limit != nil {
		sb.WriteString(strconv.Itoa(*d.Limit))
	}
	sb.WriteString("]offset[")
	sb.WriteString(strconv.Itoa(d.Offset))
	sb.WriteString("]ops[")
	for _, op := range d.Ops {
		put(op.String())
	}
	sb.WriteString("]")
	return sb.String()
}

// String renders the descriptor as a readable query
func (d *Descriptor) String() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	for i, s := range d.Select {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(s.Expr.String())
		if quoted := schema.QuoteIdent(s.Name); quoted != s.Expr.String() {
			sb.WriteString(" AS " + quoted)
		}
	}
	if d.Filter != nil {
		sb.WriteString(" WHERE " + d.Filter.String())
	}
	if len(d.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		for i, g := range d.GroupBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(g.Expr.String())
		}
	}
	if len(d.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, o := range d.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			if o.Column != "" {
				sb.WriteString(schema.QuoteIdent(o.Column))
			} else {
				sb.WriteString(o.Expr.String())
			}
			if o.Desc {
				sb.WriteString(" DESC")
			}
		}
	}
	if d.Limit != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", *d.Limit))
	}
	if d.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", d.Offset))
	}
	return sb.String()
}

// valueLiterals turns a filter value into literals. A slice yields one
// literal per element; anything else yields a single literal.
func valueLiterals(v interface{}) ([]schema.Expr, bool) {
	var items []interface{}
	switch vs := v.(type) {
	case []interface{}:
		items = vs
	case []string:
		for _, s := range vs {
			items = append(items, s)
		}
	case []int:
		for _, n := range vs {
			items = append(items, n)
		}
	case []int64:
		for _, n := range vs {
			items = append(items, n)
		}
	case []float64:
		for _, n := range vs {
			items = append(items, n)
		}
	default:
		return []schema.Expr{schema.Lit(normalizeValue(v))}, false
	}
	lits := make([]schema.Expr, len(items))
	for i, it := range items {
		lits[i] = schema.Lit(normalizeValue(it))
	}
	return lits, true
}

func valueString(v interface{}) string {
	lits, isList := valueLiterals(v)
	if !isList {
		return lits[0].String()
	}
	parts := make([]string, len(lits))
	for i, l := range lits {
		parts[i] = l.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// normalizeValue maps the integer and float widths callers commonly pass
// onto the literal types the expression tree understands.
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return int64(x)
	case uint64:
		return int64(x)
	}
	return v
}

// checkValue rejects unsigned values too large for an int64 literal
func checkValue(v interface{}) error {
	var u uint64
	switch x := v.(type) {
	case []interface{}:
		for _, it := range x {
			if err := checkValue(it); err != nil {
				return err
			}
		}
		return nil
	case uint:
		u = uint64(x)
	case uint64:
		u = x
	default:
		return nil
	}
	if u > math.MaxInt64 {
		return common.Errorf(common.ErrInvalidInput, "value %d overflows int64", u)
	}
	return nil
}

// predicateFor builds the filter for dim = value, or dim IN (...) for slices
func predicateFor(dim string, value interface{}) schema.Expr {
	lits, isList := valueLiterals(value)
	if isList {
		return &schema.InList{Expr: schema.Col(dim), Values: lits}
	}
	return schema.Eq(schema.Col(dim), lits[0])
}
