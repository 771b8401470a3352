package exec

import (
	"encoding/binary"
	"math"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/cespare/xxhash/v2"

	"cube-engine/internal/schema"
)

type aggSpec struct {
	call *schema.AggregateCall
	arg  *compiled
	typ  arrow.DataType
}

// postBinder resolves expressions evaluated once per group. Group key
// expressions and aggregate calls become slot reads; any other column
// reference is an error.
type postBinder struct {
	row      rowBinder
	keyIndex map[string]int
	keyTypes []arrow.DataType
	aggIndex map[string]int
	aggs     []*aggSpec
}

func newPostBinder(row rowBinder, keys []*compiled, keyExprs []schema.Expr) *postBinder {
	b := &postBinder{
		row:      row,
		keyIndex: make(map[string]int, len(keyExprs)),
		keyTypes: make([]arrow.DataType, len(keys)),
		aggIndex: make(map[string]int),
	}
	for i, e := range keyExprs {
		if _, dup := b.keyIndex[e.String()]; !dup {
			b.keyIndex[e.String()] = i
		}
		b.keyTypes[i] = keys[i].typ
	}
	return b
}

func (b *postBinder) bind(e schema.Expr) (*compiled, bool, error) {
	if idx, ok := b.keyIndex[e.String()]; ok {
		return &compiled{typ: b.keyTypes[idx], fn: func(c *evalCtx) (interface{}, error) {
			return c.keys[idx], nil
		}}, true, nil
	}

	switch n := e.(type) {
	case *schema.AggregateCall:
		idx, err := b.register(n)
		if err != nil {
			return nil, true, err
		}
		return &compiled{typ: b.aggs[idx].typ, fn: func(c *evalCtx) (interface{}, error) {
			return c.aggs[idx], nil
		}}, true, nil

	case *schema.ColumnRef:
		return nil, true, errorf(KindAggregation, e,
			"column %s must appear in the group by or inside an aggregate", n.Name)
	}
	return nil, false, nil
}

func (b *postBinder) register(call *schema.AggregateCall) (int, error) {
	canon := call.String()
	if idx, ok := b.aggIndex[canon]; ok {
		return idx, nil
	}

	spec := &aggSpec{call: call}
	if !call.Star {
		if schema.ContainsAggregate(call.Arg) {
			return 0, errorf(KindAggregation, call, "aggregate calls cannot be nested")
		}
		arg, err := compile(call.Arg, b.row)
		if err != nil {
			return 0, err
		}
		spec.arg = arg
	} else if call.Func != schema.AggCount {
		return 0, errorf(KindAggregation, call, "only count accepts *")
	}

	typ, err := aggResultType(call, spec.arg)
	if err != nil {
		return 0, err
	}
	spec.typ = typ

	b.aggs = append(b.aggs, spec)
	b.aggIndex[canon] = len(b.aggs) - 1
	return len(b.aggs) - 1, nil
}

func aggResultType(call *schema.AggregateCall, arg *compiled) (arrow.DataType, error) {
	switch call.Func {
	case schema.AggCount, schema.AggCountDistinct:
		return arrow.PrimitiveTypes.Int64, nil
	case schema.AggAvg:
		if !isNumeric(arg.typ) && !isNull(arg.typ) {
			return nil, errorf(KindAggregation, call, "avg needs a number, got %s", arg.typ)
		}
		return arrow.PrimitiveTypes.Float64, nil
	case schema.AggSum:
		if isInteger(arg.typ) {
			return arrow.PrimitiveTypes.Int64, nil
		}
		if !isNumeric(arg.typ) && !isNull(arg.typ) {
			return nil, errorf(KindAggregation, call, "sum needs a number, got %s", arg.typ)
		}
		return arrow.PrimitiveTypes.Float64, nil
	case schema.AggMin, schema.AggMax:
		if isNull(arg.typ) {
			return arrow.PrimitiveTypes.Float64, nil
		}
		if isInteger(arg.typ) {
			return arrow.PrimitiveTypes.Int64, nil
		}
		return arg.typ, nil
	}
	return nil, errorf(KindAggregation, call, "unknown aggregation %s", call.Func)
}

// accumulator folds the non-null values of one group
type accumulator interface {
	add(v interface{}) error
	result() interface{}
}

func newAccumulator(spec *aggSpec) accumulator {
	switch spec.call.Func {
	case schema.AggCount:
		return &countAcc{star: spec.call.Star}
	case schema.AggCountDistinct:
		return &distinctAcc{seen: make(map[interface{}]struct{})}
	case schema.AggAvg:
		return &avgAcc{}
	case schema.AggSum:
		return &sumAcc{integer: isInteger(spec.typ)}
	case schema.AggMin:
		return &extremeAcc{want: -1}
	}
	return &extremeAcc{want: 1}
}

type countAcc struct {
	star bool
	n    int64
}

func (a *countAcc) add(v interface{}) error {
	if a.star || v != nil {
		a.n++
	}
	return nil
}

func (a *countAcc) result() interface{} { return a.n }

type distinctAcc struct {
	seen map[interface{}]struct{}
}

func (a *distinctAcc) add(v interface{}) error {
	if v != nil {
		a.seen[v] = struct{}{}
	}
	return nil
}

func (a *distinctAcc) result() interface{} { return int64(len(a.seen)) }

type sumAcc struct {
	integer bool
	any     bool
	i       int64
	f       float64
}

func (a *sumAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	a.any = true
	if a.integer {
		if x, ok := v.(int64); ok {
			a.i += x
			return nil
		}
	}
	x, ok := toFloat(v)
	if !ok {
		return errorf(KindAggregation, nil, "cannot sum %s", typeName(v))
	}
	a.f += x
	return nil
}

func (a *sumAcc) result() interface{} {
	switch {
	case !a.any:
		return nil
	case a.integer:
		return a.i
	}
	return a.f
}

type avgAcc struct {
	sum float64
	n   int64
}

func (a *avgAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	x, ok := toFloat(v)
	if !ok {
		return errorf(KindAggregation, nil, "cannot average %s", typeName(v))
	}
	a.sum += x
	a.n++
	return nil
}

func (a *avgAcc) result() interface{} {
	if a.n == 0 {
		return nil
	}
	return a.sum / float64(a.n)
}

// extremeAcc keeps the minimum (want=-1) or maximum (want=1)
type extremeAcc struct {
	want int
	best interface{}
}

func (a *extremeAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return nil
	}
	if a.best == nil {
		a.best = v
		return nil
	}
	cmp, err := compareValues(v, a.best)
	if err != nil {
		return errorf(KindAggregation, nil, "%v", err)
	}
	if cmp == a.want {
		a.best = v
	}
	return nil
}

func (a *extremeAcc) result() interface{} { return a.best }

type group struct {
	keys []interface{}
	accs []accumulator
}

// groupTable buckets rows by the xxhash of their group key values and keeps
// groups in first-seen order. Colliding keys share a bucket and are told
// apart by value.
type groupTable struct {
	specs   []*aggSpec
	buckets map[uint64][]*group
	order   []*group
	digest  *xxhash.Digest
	buf     []byte
}

func newGroupTable(specs []*aggSpec) *groupTable {
	return &groupTable{
		specs:   specs,
		buckets: make(map[uint64][]*group),
		digest:  xxhash.New(),
	}
}

func (t *groupTable) lookup(keys []interface{}) *group {
	h := t.hash(keys)
	for _, g := range t.buckets[h] {
		if keysEqual(g.keys, keys) {
			return g
		}
	}

	g := &group{
		keys: append([]interface{}(nil), keys...),
		accs: make([]accumulator, len(t.specs)),
	}
	for i, spec := range t.specs {
		g.accs[i] = newAccumulator(spec)
	}
	t.buckets[h] = append(t.buckets[h], g)
	t.order = append(t.order, g)
	return g
}

func (t *groupTable) hash(keys []interface{}) uint64 {
	t.digest.Reset()
	for _, k := range keys {
		b := t.buf[:0]
		switch v := k.(type) {
		case nil:
			b = append(b, 0)
		case string:
			b = append(b, 1)
			b = binary.LittleEndian.AppendUint64(b, uint64(len(v)))
			b = append(b, v...)
		case int64:
			b = append(b, 2)
			b = binary.LittleEndian.AppendUint64(b, uint64(v))
		case float64:
			b = append(b, 3)
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
		case bool:
			b = append(b, 4)
			if v {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
		case arrow.Date32:
			b = append(b, 5)
			b = binary.LittleEndian.AppendUint32(b, uint32(v))
		}
		_, _ = t.digest.Write(b)
		t.buf = b
	}
	return t.digest.Sum64()
}

func keysEqual(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
