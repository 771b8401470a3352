package exec

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
)

// Row values are nil, string, int64, float64, bool or arrow.Date32. Int32
// columns are widened to int64 on read.

const dateLayout = "2006-01-02"

func valueAt(arr arrow.Array, i int) interface{} {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.Date32:
		return a.Value(i)
	}
	return nil
}

func parseDate(s string) (arrow.Date32, bool) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return arrow.Date32FromTime(t), true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v interface{}) (time.Time, bool) {
	switch d := v.(type) {
	case arrow.Date32:
		return d.ToTime(), true
	case string:
		if dd, ok := parseDate(d); ok {
			return dd.ToTime(), true
		}
	}
	return time.Time{}, false
}

// compareValues orders two non-nil values. Numbers compare across int and
// float; dates compare with ISO date strings.
func compareValues(a, b interface{}) (int, error) {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmpOrdered(x, y), nil
		}
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), nil
		case arrow.Date32:
			if d, ok := parseDate(x); ok {
				return cmpOrdered(d, y), nil
			}
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			}
			return 1, nil
		}
	case arrow.Date32:
		switch y := b.(type) {
		case arrow.Date32:
			return cmpOrdered(x, y), nil
		case string:
			if d, ok := parseDate(y); ok {
				return cmpOrdered(x, d), nil
			}
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmpOrdered(fa, fb), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
}

type ordered interface {
	~int32 | ~int64 | ~float64
}

func cmpOrdered[T ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareForSort orders values with nulls after everything else
func compareForSort(a, b interface{}) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return 1, nil
	case b == nil:
		return -1, nil
	}
	return compareValues(a, b)
}

func arithmetic(op string, a, b interface{}) (interface{}, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok && op != "/" {
			switch op {
			case "+":
				return x + y, nil
			case "-":
				return x - y, nil
			case "*":
				return x * y, nil
			case "%":
				if y == 0 {
					return nil, nil
				}
				return x % y, nil
			}
		}
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return nil, fmt.Errorf("cannot apply %s to %s and %s", op, typeName(a), typeName(b))
	}
	switch op {
	case "+":
		return fa + fb, nil
	case "-":
		return fa - fb, nil
	case "*":
		return fa * fb, nil
	case "/":
		if fb == 0 {
			return nil, nil
		}
		return fa / fb, nil
	case "%":
		if fb == 0 {
			return nil, nil
		}
		return math.Mod(fa, fb), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case int64:
		return "integer"
	case float64:
		return "float"
	case bool:
		return "boolean"
	case arrow.Date32:
		return "date"
	}
	return fmt.Sprintf("%T", v)
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case arrow.Date32:
		return x.ToTime().Format(dateLayout)
	case float64:
		return fmt.Sprintf("%g", x)
	}
	return fmt.Sprint(v)
}
