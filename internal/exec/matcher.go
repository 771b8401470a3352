package exec

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"cube-engine/internal/schema"
)

// Remove drops the rows of rec for which pred is true. Rows where pred is
// false or null are kept. rec is returned unchanged when nothing matches.
func (e *Engine) Remove(ctx context.Context, pred schema.Expr, rec arrow.Record) (arrow.Record, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, &Error{Kind: KindCanceled, Message: "delete canceled", Err: err}
	}
	f, err := compile(pred, rowBinder{schema: rec.Schema()})
	if err != nil {
		return nil, 0, err
	}
	if !isBool(f.typ) && !isNull(f.typ) {
		return nil, 0, errorf(KindTypeMismatch, pred, "predicate must be a boolean, got %s", f.typ)
	}

	c := &evalCtx{cols: rec.Columns()}
	keep := make([]int, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		c.row = i
		v, err := f.fn(c)
		if err != nil {
			return nil, 0, err
		}
		if match, _ := v.(bool); !match {
			keep = append(keep, i)
		}
	}

	removed := rec.NumRows() - int64(len(keep))
	if removed == 0 {
		return rec, 0, nil
	}
	out, err := takeRows(e.mem, rec, keep)
	if err != nil {
		return nil, 0, err
	}
	return out, removed, nil
}

// takeRows copies the given rows of rec, in order, into a new record
func takeRows(mem memory.Allocator, rec arrow.Record, rows []int) (arrow.Record, error) {
	for _, f := range rec.Schema().Fields() {
		if !supported(f.Type) {
			return nil, errorf(KindTypeMismatch, nil, "column %s has unsupported type %s", f.Name, f.Type)
		}
	}
	b := array.NewRecordBuilder(mem, rec.Schema())
	defer b.Release()
	for j, col := range rec.Columns() {
		fb := b.Field(j)
		fb.Reserve(len(rows))
		for _, i := range rows {
			if err := appendValue(fb, valueAt(col, i)); err != nil {
				return nil, errorf(KindTypeMismatch, nil, "column %s: %v", rec.ColumnName(j), err)
			}
		}
	}
	return b.NewRecord(), nil
}

func supported(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.STRING, arrow.LARGE_STRING, arrow.INT32, arrow.INT64,
		arrow.FLOAT64, arrow.BOOL, arrow.DATE32, arrow.NULL:
		return true
	}
	return false
}

func appendValue(b array.Builder, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			bb.Append(s)
		} else {
			bb.Append(formatValue(v))
		}
		return nil
	case *array.LargeStringBuilder:
		if s, ok := v.(string); ok {
			bb.Append(s)
		} else {
			bb.Append(formatValue(v))
		}
		return nil
	case *array.Int32Builder:
		if x, ok := v.(int64); ok {
			bb.Append(int32(x))
			return nil
		}
	case *array.Int64Builder:
		switch x := v.(type) {
		case int64:
			bb.Append(x)
			return nil
		case float64:
			bb.Append(int64(x))
			return nil
		}
	case *array.Float64Builder:
		if x, ok := toFloat(v); ok {
			bb.Append(x)
			return nil
		}
	case *array.BooleanBuilder:
		if x, ok := v.(bool); ok {
			bb.Append(x)
			return nil
		}
	case *array.Date32Builder:
		switch x := v.(type) {
		case arrow.Date32:
			bb.Append(x)
			return nil
		case string:
			if d, ok := parseDate(x); ok {
				bb.Append(d)
				return nil
			}
		}
	}
	return fmt.Errorf("cannot store %s value %v in %s", typeName(v), v, b.Type())
}
