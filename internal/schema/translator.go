package schema

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"

	"cube-engine/internal/common"
)

// ToArrowType maps a declared type to its arrow physical type
func ToArrowType(dt DataType) (arrow.DataType, error) {
	switch dt {
	case TypeString:
		return arrow.BinaryTypes.String, nil
	case TypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case TypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	}
	return nil, fmt.Errorf("unsupported data type: %s", dt)
}

// FromArrowType maps an arrow type back to a declared type
func FromArrowType(t arrow.DataType) (DataType, error) {
	switch t.ID() {
	case arrow.STRING, arrow.LARGE_STRING:
		return TypeString, nil
	case arrow.INT32:
		return TypeInt32, nil
	case arrow.INT64:
		return TypeInt64, nil
	case arrow.FLOAT64:
		return TypeFloat64, nil
	case arrow.BOOL:
		return TypeBoolean, nil
	case arrow.DATE32:
		return TypeDate, nil
	}
	return "", fmt.Errorf("unsupported arrow type: %s", t)
}

// ArrowSchema returns the physical batch layout: base dimensions followed by
// base measures, in declaration order. Every column is nullable.
func (g *Graph) ArrowSchema() *arrow.Schema {
	var cols []arrow.Field
	for _, kind := range []FieldKind{KindDimension, KindMeasure} {
		for _, f := range g.FieldsOfKind(kind) {
			at, err := ToArrowType(FieldType(f))
			if err != nil {
				// Declare rejects invalid types.
				panic(err)
			}
			cols = append(cols, arrow.Field{Name: f.FieldName(), Type: at, Nullable: true})
		}
	}
	return arrow.NewSchema(cols, nil)
}

// SchemaTranslator checks incoming arrow schemas against the cube layout
type SchemaTranslator struct {
	strictMode bool
}

// NewSchemaTranslator creates a translator. In strict mode schemas must match
// column for column; otherwise columns are matched by name and may be
// reordered or carry extras.
func NewSchemaTranslator(strict bool) *SchemaTranslator {
	return &SchemaTranslator{strictMode: strict}
}

// Projection returns, for each target column, the index of the matching
// column in actual.
func (st *SchemaTranslator) Projection(target, actual *arrow.Schema) ([]int, error) {
	if st.strictMode {
		if err := CheckSchema(target, actual); err != nil {
			return nil, err
		}
		idx := make([]int, target.NumFields())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}

	idx := make([]int, target.NumFields())
	var problems []string
	for i, want := range target.Fields() {
		found := actual.FieldIndices(want.Name)
		if len(found) == 0 {
			problems = append(problems, fmt.Sprintf("missing column %s", want.Name))
			continue
		}
		got := actual.Field(found[0])
		if !arrow.TypeEqual(want.Type, got.Type) {
			problems = append(problems, fmt.Sprintf("column %s: want %s, got %s", want.Name, want.Type, got.Type))
			continue
		}
		idx[i] = found[0]
	}
	if len(problems) > 0 {
		return nil, common.ErrSchemaMismatchError(strings.Join(problems, "; "))
	}
	return idx, nil
}

// CheckSchema requires actual to carry exactly the target columns, in order,
// with identical types.
func CheckSchema(target, actual *arrow.Schema) error {
	if actual == nil {
		return common.ErrSchemaMismatchError("batch has no schema")
	}
	if target.NumFields() != actual.NumFields() {
		return common.ErrSchemaMismatchError(fmt.Sprintf(
			"expected %d columns, got %d", target.NumFields(), actual.NumFields()))
	}
	for i, want := range target.Fields() {
		got := actual.Field(i)
		if want.Name != got.Name {
			return common.ErrSchemaMismatchError(fmt.Sprintf(
				"column %d: expected %s, got %s", i, want.Name, got.Name))
		}
		if !arrow.TypeEqual(want.Type, got.Type) {
			return common.ErrSchemaMismatchError(fmt.Sprintf(
				"column %s: expected type %s, got %s", want.Name, want.Type, got.Type)).
				WithContext("column", want.Name)
		}
	}
	return nil
}
