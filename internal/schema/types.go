package schema

import (
	"fmt"
	"strings"
)

// DataType represents the declared type of a field
type DataType string

const (
	TypeString  DataType = "string"
	TypeInt32   DataType = "int32"
	TypeInt64   DataType = "int64"
	TypeFloat64 DataType = "float64"
	TypeBoolean DataType = "boolean"
	TypeDate    DataType = "date"
)

// IsValidDataType reports whether dt is a supported data type
func IsValidDataType(dt DataType) bool {
	switch dt {
	case TypeString, TypeInt32, TypeInt64, TypeFloat64, TypeBoolean, TypeDate:
		return true
	}
	return false
}

// IsNumeric reports whether dt holds numbers
func (dt DataType) IsNumeric() bool {
	return dt == TypeInt32 || dt == TypeInt64 || dt == TypeFloat64
}

// ParseDataType parses a type name as written in definition files.
// Common SQL spellings are accepted.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "utf8", "varchar", "text":
		return TypeString, nil
	case "int32", "int", "integer":
		return TypeInt32, nil
	case "int64", "bigint", "long":
		return TypeInt64, nil
	case "float64", "double", "float", "decimal":
		return TypeFloat64, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "date", "date32":
		return TypeDate, nil
	}
	return "", fmt.Errorf("unsupported data type: %s", s)
}

// AggFunc is the aggregation applied to a measure
type AggFunc string

const (
	AggSum           AggFunc = "sum"
	AggAvg           AggFunc = "avg"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
	AggCount         AggFunc = "count"
	AggCountDistinct AggFunc = "count_distinct"
)

// ParseAggFunc parses an aggregation function name
func ParseAggFunc(s string) (AggFunc, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum":
		return AggSum, nil
	case "avg", "mean", "average":
		return AggAvg, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	case "count":
		return AggCount, nil
	case "count_distinct", "countdistinct", "distinct_count":
		return AggCountDistinct, nil
	}
	return "", fmt.Errorf("unsupported aggregation function: %s", s)
}

// ResultType returns the type an aggregation produces over an input type
func (f AggFunc) ResultType(input DataType) DataType {
	switch f {
	case AggCount, AggCountDistinct:
		return TypeInt64
	case AggAvg:
		return TypeFloat64
	case AggSum:
		if input == TypeInt32 || input == TypeInt64 {
			return TypeInt64
		}
		return TypeFloat64
	}
	return input
}

// FieldKind is the category a field belongs to
type FieldKind int

const (
	KindDimension FieldKind = iota + 1
	KindMeasure
	KindHierarchy
	KindCalculatedMeasure
	KindVirtualDimension
)

var fieldKindStrings = map[FieldKind]string{
	KindDimension:         "dimension",
	KindMeasure:           "measure",
	KindHierarchy:         "hierarchy",
	KindCalculatedMeasure: "calculated_measure",
	KindVirtualDimension:  "virtual_dimension",
}

func (k FieldKind) String() string {
	if s, ok := fieldKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// IsDimension reports whether the kind can be grouped and sliced on
func (k FieldKind) IsDimension() bool {
	return k == KindDimension || k == KindVirtualDimension
}

// Derived reports whether the kind is defined by an expression
func (k FieldKind) Derived() bool {
	return k == KindCalculatedMeasure || k == KindVirtualDimension
}

// Field is any named member of the cube schema
type Field interface {
	FieldName() string
	Kind() FieldKind
}

// Dimension is a categorical column used for grouping and filtering
type Dimension struct {
	Name        string   `json:"name" yaml:"name"`
	Type        DataType `json:"type" yaml:"type"`
	Cardinality *int64   `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

func (d *Dimension) FieldName() string { return d.Name }
func (d *Dimension) Kind() FieldKind   { return KindDimension }

// Measure is a numeric column with a default aggregation
type Measure struct {
	Name        string   `json:"name" yaml:"name"`
	Type        DataType `json:"type" yaml:"type"`
	Aggregation AggFunc  `json:"aggregation" yaml:"aggregation"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

func (m *Measure) FieldName() string { return m.Name }
func (m *Measure) Kind() FieldKind   { return KindMeasure }

// Validate checks that the measure's aggregation makes sense for its type
func (m *Measure) Validate() error {
	if !IsValidDataType(m.Type) {
		return fmt.Errorf("invalid data type: %s", m.Type)
	}
	switch m.Aggregation {
	case AggSum, AggAvg:
		if !m.Type.IsNumeric() {
			return fmt.Errorf("aggregation %s requires a numeric type, got %s", m.Aggregation, m.Type)
		}
	case AggMin, AggMax, AggCount, AggCountDistinct:
	default:
		return fmt.Errorf("unsupported aggregation function: %s", m.Aggregation)
	}
	return nil
}

// Hierarchy is an ordered drill path over dimensions, coarse to fine
type Hierarchy struct {
	Name   string   `json:"name" yaml:"name"`
	Levels []string `json:"levels" yaml:"levels"`
}

func (h *Hierarchy) FieldName() string { return h.Name }
func (h *Hierarchy) Kind() FieldKind   { return KindHierarchy }

// LevelIndex returns the position of level in the hierarchy, or -1
func (h *Hierarchy) LevelIndex(level string) int {
	for i, l := range h.Levels {
		if l == level {
			return i
		}
	}
	return -1
}

// CalculatedMeasure is a measure defined by an expression over other measures
type CalculatedMeasure struct {
	Name        string   `json:"name" yaml:"name"`
	Expression  string   `json:"expression" yaml:"expression"`
	Type        DataType `json:"type" yaml:"type"`
	Aggregation AggFunc  `json:"aggregation" yaml:"aggregation"`

	expr Expr
}

func (c *CalculatedMeasure) FieldName() string { return c.Name }
func (c *CalculatedMeasure) Kind() FieldKind   { return KindCalculatedMeasure }

// Expr returns the parsed expression. It is nil until the field is declared.
func (c *CalculatedMeasure) Expr() Expr { return c.expr }

// VirtualDimension is a dimension computed from base columns before aggregation
type VirtualDimension struct {
	Name        string   `json:"name" yaml:"name"`
	Expression  string   `json:"expression" yaml:"expression"`
	Type        DataType `json:"type" yaml:"type"`
	Cardinality *int64   `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`

	expr Expr
}

func (v *VirtualDimension) FieldName() string { return v.Name }
func (v *VirtualDimension) Kind() FieldKind   { return KindVirtualDimension }

// Expr returns the parsed expression. It is nil until the field is declared.
func (v *VirtualDimension) Expr() Expr { return v.expr }

// FieldType returns the declared type of a field; hierarchies have none.
func FieldType(f Field) DataType {
	switch f := f.(type) {
	case *Dimension:
		return f.Type
	case *Measure:
		return f.Type
	case *CalculatedMeasure:
		return f.Type
	case *VirtualDimension:
		return f.Type
	}
	return ""
}
