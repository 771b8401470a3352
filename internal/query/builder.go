package query

import (
	"cube-engine/internal/common"
	"cube-engine/internal/schema"
)

type selectSpec struct {
	expr  schema.Expr
	alias string
}

type orderSpec struct {
	expr schema.Expr
	desc bool
}

// Builder accumulates fluent query calls. Construction errors are latched and
// reported by Materialize, so calls can be chained freely. A Builder is not
// safe for concurrent use.
type Builder struct {
	graph *schema.Graph

	selects []selectSpec
	filters []schema.Expr
	groupBy []string
	rollUp  []string
	drill   []string
	orderBy []orderSpec
	limit   *int
	offset  int
	ops     []OLAPOp

	err error
}

// NewBuilder starts a query against a schema
func NewBuilder(g *schema.Graph) *Builder {
	return &Builder{graph: g}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Err returns the first construction error, if any
func (b *Builder) Err() error { return b.err }

// Select appends output items written as `<expr> [AS alias]`
func (b *Builder) Select(items ...string) *Builder {
	for _, item := range items {
		e, alias, err := schema.ParseSelectItem(item)
		if err != nil {
			return b.fail(err)
		}
		b.selects = append(b.selects, selectSpec{expr: e, alias: alias})
	}
	return b
}

// SelectExpr appends a parsed output item
func (b *Builder) SelectExpr(e schema.Expr, alias string) *Builder {
	if e == nil {
		return b.fail(common.NewError(common.ErrInvalidInput, "select expression is nil"))
	}
	b.selects = append(b.selects, selectSpec{expr: e, alias: alias})
	return b
}

// Filter adds a row predicate. Successive filters are combined with AND in
// call order.
func (b *Builder) Filter(predicate string) *Builder {
	e, err := schema.ParseExpr(predicate)
	if err != nil {
		return b.fail(err)
	}
	return b.FilterExpr(e)
}

// FilterExpr adds a parsed row predicate
func (b *Builder) FilterExpr(e schema.Expr) *Builder {
	if e == nil {
		return b.fail(common.NewError(common.ErrInvalidInput, "filter expression is nil"))
	}
	b.filters = append(b.filters, e)
	return b
}

// GroupBy appends grouping dimensions. An explicit group-by takes precedence
// over RollUp regardless of call order; drill-down levels extend either.
func (b *Builder) GroupBy(fields ...string) *Builder {
	b.groupBy = appendDistinct(b.groupBy, fields...)
	return b
}

// OrderBy appends sort items written as `<expr> [ASC|DESC]`. An item may name
// a select alias.
func (b *Builder) OrderBy(items ...string) *Builder {
	for _, item := range items {
		e, desc, err := schema.ParseOrderItem(item)
		if err != nil {
			return b.fail(err)
		}
		b.orderBy = append(b.orderBy, orderSpec{expr: e, desc: desc})
	}
	return b
}

// OrderByExpr appends a parsed sort item
func (b *Builder) OrderByExpr(e schema.Expr, desc bool) *Builder {
	if e == nil {
		return b.fail(common.NewError(common.ErrInvalidInput, "order expression is nil"))
	}
	b.orderBy = append(b.orderBy, orderSpec{expr: e, desc: desc})
	return b
}

// Limit caps the number of result rows
func (b *Builder) Limit(n int) *Builder {
	if n < 0 {
		return b.fail(common.Errorf(common.ErrInvalidInput, "limit must not be negative: %d", n))
	}
	b.limit = &n
	return b
}

// Offset skips leading result rows
func (b *Builder) Offset(n int) *Builder {
	if n < 0 {
		return b.fail(common.Errorf(common.ErrInvalidInput, "offset must not be negative: %d", n))
	}
	b.offset = n
	return b
}

// Slice restricts the query to dim = value
func (b *Builder) Slice(dim string, value interface{}) *Builder {
	if err := b.requireDimension(dim); err != nil {
		return b.fail(err)
	}
	if err := checkValue(value); err != nil {
		return b.fail(err)
	}
	b.ops = append(b.ops, OLAPOp{Kind: OpSlice, Dimension: dim, Value: value})
	b.filters = append(b.filters, predicateFor(dim, value))
	return b
}

// Dice restricts several dimensions at once, in the order given
func (b *Builder) Dice(pairs ...DicePair) *Builder {
	if len(pairs) == 0 {
		return b.fail(common.NewError(common.ErrInvalidInput, "dice needs at least one dimension"))
	}
	preds := make([]schema.Expr, 0, len(pairs))
	for _, p := range pairs {
		if err := b.requireDimension(p.Dimension); err != nil {
			return b.fail(err)
		}
		if err := checkValue(p.Value); err != nil {
			return b.fail(err)
		}
		preds = append(preds, predicateFor(p.Dimension, p.Value))
	}
	b.ops = append(b.ops, OLAPOp{Kind: OpDice, Pairs: append([]DicePair(nil), pairs...)})
	b.filters = append(b.filters, schema.And(preds...))
	return b
}

// RollUp groups by exactly dims unless an explicit GroupBy was given
func (b *Builder) RollUp(dims ...string) *Builder {
	if len(dims) == 0 {
		return b.fail(common.NewError(common.ErrInvalidInput, "roll_up needs at least one dimension"))
	}
	for _, d := range dims {
		if err := b.requireDimension(d); err != nil {
			return b.fail(err)
		}
	}
	b.ops = append(b.ops, OLAPOp{Kind: OpRollUp, Dimensions: append([]string(nil), dims...)})
	b.rollUp = appendDistinct(nil, dims...)
	return b
}

// DrillDown extends the group-by with every level of hierarchy down to and
// including level, whatever GroupBy or RollUp calls come before or after it.
// Levels already grouped on are kept where they are.
func (b *Builder) DrillDown(hierarchy, level string) *Builder {
	h, ok := b.graph.Hierarchy(hierarchy)
	if !ok {
		return b.fail(common.Errorf(common.ErrUnknownField, "unknown hierarchy: %s", hierarchy).
			WithContext("field", hierarchy))
	}
	idx := h.LevelIndex(level)
	if idx < 0 {
		return b.fail(common.Errorf(common.ErrInvalidHierarchyLevel,
			"level %s is not part of hierarchy %s %v", level, hierarchy, h.Levels).
			WithContext("hierarchy", hierarchy).WithContext("level", level))
	}
	b.ops = append(b.ops, OLAPOp{Kind: OpDrillDown, Hierarchy: hierarchy, Level: level})
	b.drill = appendDistinct(b.drill, h.Levels[:idx+1]...)
	return b
}

// groupNames is the explicit group-by, or the last roll-up when there is
// none, followed by any drill-down levels not already present.
func (b *Builder) groupNames() []string {
	base := b.groupBy
	if len(base) == 0 {
		base = b.rollUp
	}
	return appendDistinct(append([]string(nil), base...), b.drill...)
}

func (b *Builder) requireDimension(name string) error {
	f, ok := b.graph.Lookup(name)
	if !ok {
		return common.ErrUnknownFieldError(name)
	}
	if !f.Kind().IsDimension() {
		return common.Errorf(common.ErrUnknownField, "%s is a %s, not a dimension", name, f.Kind()).
			WithContext("field", name)
	}
	return nil
}

// Materialize validates the query and expands every derived field. The
// returned descriptor references base fields only.
func (b *Builder) Materialize() (*Descriptor, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.selects) == 0 {
		return nil, common.NewError(common.ErrEmptySelect, "select list is empty")
	}

	d := &Descriptor{
		Limit:  b.limit,
		Offset: b.offset,
		Ops:    append([]OLAPOp(nil), b.ops...),
	}

	for _, name := range b.groupNames() {
		if err := b.requireDimension(name); err != nil {
			return nil, err
		}
		exp, err := b.graph.Resolve(name)
		if err != nil {
			return nil, err
		}
		d.GroupBy = append(d.GroupBy, GroupKey{Name: name, Expr: exp.Expr})
	}

	// A query aggregates if it groups or any select item is aggregate-shaped
	// once derived fields are inlined.
	d.aggregating = len(d.GroupBy) > 0
	plain := make([]schema.Expr, len(b.selects))
	for i, s := range b.selects {
		e, err := b.graph.Expand(s.expr, false)
		if err != nil {
			return nil, err
		}
		plain[i] = e
		if schema.ContainsAggregate(e) {
			d.aggregating = true
		}
	}

	names := make(map[string]bool, len(b.selects))
	for i, s := range b.selects {
		e := plain[i]
		if d.aggregating {
			var err error
			if e, err = b.graph.Expand(s.expr, true); err != nil {
				return nil, err
			}
		}
		name := s.alias
		if name == "" {
			name = s.expr.String()
			if ref, ok := s.expr.(*schema.ColumnRef); ok {
				name = ref.Name
			}
		}
		if names[name] {
			return nil, common.ErrDuplicateNameError(name).WithContext("clause", "select")
		}
		names[name] = true
		d.Select = append(d.Select, SelectItem{Name: name, Expr: e})
	}

	if pred := schema.And(b.filters...); pred != nil {
		e, err := b.graph.Expand(pred, false)
		if err != nil {
			return nil, err
		}
		if schema.ContainsAggregate(e) {
			return nil, common.Errorf(common.ErrInvalidExpression,
				"filter %s aggregates; filters apply to rows before aggregation", pred)
		}
		d.Filter = e
	}

	for _, o := range b.orderBy {
		if ref, ok := o.expr.(*schema.ColumnRef); ok && names[ref.Name] {
			d.OrderBy = append(d.OrderBy, OrderItem{Column: ref.Name, Desc: o.desc})
			continue
		}
		e, err := b.graph.Expand(o.expr, d.aggregating)
		if err != nil {
			return nil, err
		}
		d.OrderBy = append(d.OrderBy, OrderItem{Expr: e, Desc: o.desc})
	}

	return d, nil
}

func appendDistinct(dst []string, items ...string) []string {
	for _, it := range items {
		if !common.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}
