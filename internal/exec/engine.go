package exec

import (
	"context"
	"slices"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"cube-engine/internal/query"
	"cube-engine/internal/schema"
	"cube-engine/internal/storage/batch"
)

// Engine runs materialized queries over a batch snapshot in memory. It is
// stateless apart from its allocator and safe for concurrent use.
type Engine struct {
	mem memory.Allocator
}

// NewEngine creates an engine. A nil allocator uses the default one.
func NewEngine(mem memory.Allocator) *Engine {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Engine{mem: mem}
}

// Result is the output of one query. It is immutable and may be shared.
type Result struct {
	Schema  *arrow.Schema
	Batches []arrow.Record
	NumRows int64
}

// Columns returns the output column names in select order
func (r *Result) Columns() []string {
	names := make([]string, len(r.Schema.Fields()))
	for i, f := range r.Schema.Fields() {
		names[i] = f.Name
	}
	return names
}

// Rows returns the result as plain values: nil, string, int64, float64 or
// bool. Dates are rendered as YYYY-MM-DD strings.
func (r *Result) Rows() [][]interface{} {
	rows := make([][]interface{}, 0, r.NumRows)
	for _, rec := range r.Batches {
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make([]interface{}, rec.NumCols())
			for j, col := range rec.Columns() {
				v := valueAt(col, i)
				if d, ok := v.(arrow.Date32); ok {
					v = formatValue(d)
				}
				row[j] = v
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// ApproxBytes estimates the memory held by the result's buffers
func (r *Result) ApproxBytes() int64 {
	var n int64
	for _, rec := range r.Batches {
		for _, col := range rec.Columns() {
			for _, buf := range col.Data().Buffers() {
				if buf != nil {
					n += int64(buf.Len())
				}
			}
		}
	}
	return n
}

type plan struct {
	filter      *compiled
	aggregating bool
	keys        []*compiled
	aggs        []*aggSpec
	outputs     []*compiled
	orderExprs  []*compiled
	orderCols   []int
	desc        []bool
	schema      *arrow.Schema
}

type outRow struct {
	values []interface{}
	sortBy []interface{}
}

// Execute runs d against snap. Cancellation is checked between batches.
func (e *Engine) Execute(ctx context.Context, d *query.Descriptor, snap *batch.Snapshot) (*Result, error) {
	if d == nil || snap == nil {
		return nil, errorf(KindInvalidExpression, nil, "descriptor and snapshot are required")
	}
	p, err := e.plan(d, snap.Schema)
	if err != nil {
		return nil, err
	}

	var rows []outRow
	var table *groupTable
	if p.aggregating {
		table = newGroupTable(p.aggs)
	}
	scratch := make([]interface{}, len(p.keys))

	for _, rec := range snap.Batches {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindCanceled, Message: "query canceled", Err: err}
		}
		c := &evalCtx{cols: rec.Columns()}
		for i := 0; i < int(rec.NumRows()); i++ {
			c.row = i
			if p.filter != nil {
				v, err := p.filter.fn(c)
				if err != nil {
					return nil, err
				}
				if keep, _ := v.(bool); !keep {
					continue
				}
			}

			if !p.aggregating {
				row, err := p.project(c)
				if err != nil {
					return nil, err
				}
				rows = append(rows, row)
				continue
			}

			for k, key := range p.keys {
				if scratch[k], err = key.fn(c); err != nil {
					return nil, err
				}
			}
			g := table.lookup(scratch)
			for a, spec := range p.aggs {
				var v interface{}
				if spec.arg != nil {
					if v, err = spec.arg.fn(c); err != nil {
						return nil, err
					}
				}
				if err := g.accs[a].add(v); err != nil {
					return nil, withExpr(err, spec.call)
				}
			}
		}
	}

	if p.aggregating {
		// A global aggregate yields one row even over no input.
		if len(table.order) == 0 && len(p.keys) == 0 {
			table.lookup(nil)
		}
		for _, g := range table.order {
			c := &evalCtx{keys: g.keys, aggs: make([]interface{}, len(g.accs))}
			for a, acc := range g.accs {
				c.aggs[a] = acc.result()
			}
			row, err := p.project(c)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}

	if err := p.sort(rows); err != nil {
		return nil, err
	}
	rows = window(rows, d.Offset, d.Limit)
	return e.build(p.schema, rows)
}

func (e *Engine) plan(d *query.Descriptor, input *arrow.Schema) (*plan, error) {
	if len(d.Select) == 0 {
		return nil, errorf(KindInvalidExpression, nil, "empty select list")
	}
	row := rowBinder{schema: input}
	p := &plan{aggregating: d.Aggregating()}

	if d.Filter != nil {
		f, err := compile(d.Filter, row)
		if err != nil {
			return nil, err
		}
		if !isBool(f.typ) && !isNull(f.typ) {
			return nil, errorf(KindTypeMismatch, d.Filter, "filter must be a boolean, got %s", f.typ)
		}
		p.filter = f
	}

	var out binder = row
	if p.aggregating {
		keyExprs := make([]schema.Expr, len(d.GroupBy))
		for i, g := range d.GroupBy {
			k, err := compile(g.Expr, row)
			if err != nil {
				return nil, err
			}
			p.keys = append(p.keys, k)
			keyExprs[i] = g.Expr
		}
		out = newPostBinder(row, p.keys, keyExprs)
	}

	fields := make([]arrow.Field, len(d.Select))
	for i, s := range d.Select {
		c, err := compile(s.Expr, out)
		if err != nil {
			return nil, err
		}
		p.outputs = append(p.outputs, c)
		typ := c.typ
		if isNull(typ) {
			typ = arrow.PrimitiveTypes.Float64
		}
		fields[i] = arrow.Field{Name: s.Name, Type: typ, Nullable: true}
	}
	p.schema = arrow.NewSchema(fields, nil)

	for _, o := range d.OrderBy {
		p.desc = append(p.desc, o.Desc)
		if o.Column != "" {
			idx := -1
			for i, s := range d.Select {
				if s.Name == o.Column {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil, errorf(KindInvalidExpression, nil, "order by unknown column %s", o.Column)
			}
			p.orderCols = append(p.orderCols, idx)
			p.orderExprs = append(p.orderExprs, nil)
			continue
		}
		c, err := compile(o.Expr, out)
		if err != nil {
			return nil, err
		}
		p.orderCols = append(p.orderCols, -1)
		p.orderExprs = append(p.orderExprs, c)
	}

	if pb, ok := out.(*postBinder); ok {
		p.aggs = pb.aggs
	}
	return p, nil
}

func (p *plan) project(c *evalCtx) (outRow, error) {
	r := outRow{values: make([]interface{}, len(p.outputs))}
	for i, o := range p.outputs {
		v, err := o.fn(c)
		if err != nil {
			return r, err
		}
		r.values[i] = v
	}
	if len(p.orderCols) > 0 {
		r.sortBy = make([]interface{}, len(p.orderCols))
		for i, col := range p.orderCols {
			if col >= 0 {
				r.sortBy[i] = r.values[col]
				continue
			}
			v, err := p.orderExprs[i].fn(c)
			if err != nil {
				return r, err
			}
			r.sortBy[i] = v
		}
	}
	return r, nil
}

// sort orders rows stably. Nulls sort last in either direction.
func (p *plan) sort(rows []outRow) error {
	if len(p.orderCols) == 0 {
		return nil
	}
	var sortErr error
	slices.SortStableFunc(rows, func(a, b outRow) int {
		for i := range p.orderCols {
			x, y := a.sortBy[i], b.sortBy[i]
			if x == nil || y == nil {
				cmp, _ := compareForSort(x, y)
				if cmp != 0 {
					return cmp
				}
				continue
			}
			cmp, err := compareValues(x, y)
			if err != nil {
				if sortErr == nil {
					sortErr = errorf(KindTypeMismatch, nil, "order by: %v", err)
				}
				return 0
			}
			if p.desc[i] {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp
			}
		}
		return 0
	})
	return sortErr
}

func window(rows []outRow, offset int, limit *int) []outRow {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit != nil && *limit < len(rows) {
		rows = rows[:*limit]
	}
	return rows
}

func (e *Engine) build(s *arrow.Schema, rows []outRow) (*Result, error) {
	b := array.NewRecordBuilder(e.mem, s)
	defer b.Release()
	for _, r := range rows {
		for i, v := range r.values {
			if err := appendValue(b.Field(i), v); err != nil {
				return nil, errorf(KindTypeMismatch, nil, "column %s: %v", s.Field(i).Name, err)
			}
		}
	}
	rec := b.NewRecord()
	return &Result{Schema: s, Batches: []arrow.Record{rec}, NumRows: rec.NumRows()}, nil
}

func withExpr(err error, e schema.Expr) error {
	if xe, ok := err.(*Error); ok && xe.Expr == "" {
		xe.Expr = e.String()
	}
	return err
}
