package cube

import (
	"cube-engine/internal/schema"
)

// SchemaInfo is a read-only description of a cube's fields
type SchemaInfo struct {
	Version uint64      `json:"version"`
	Fields  []FieldInfo `json:"fields"`
}

// FieldInfo describes one declared field
type FieldInfo struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Type        string   `json:"type,omitempty"`
	Aggregation string   `json:"aggregation,omitempty"`
	Expression  string   `json:"expression,omitempty"`
	Levels      []string `json:"levels,omitempty"`
}

// Lookup returns the field called name
func (s SchemaInfo) Lookup(name string) (FieldInfo, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldInfo{}, false
}

func describe(g *schema.Graph) SchemaInfo {
	// Fields and version are read separately; a declaration in between
	// only makes the version look newer than the field list.
	fields := g.Fields()
	info := SchemaInfo{Version: g.Version(), Fields: make([]FieldInfo, 0, len(fields))}
	for _, f := range fields {
		fi := FieldInfo{
			Name: f.FieldName(),
			Kind: f.Kind().String(),
			Type: string(schema.FieldType(f)),
		}
		switch f := f.(type) {
		case *schema.Measure:
			fi.Aggregation = string(f.Aggregation)
		case *schema.CalculatedMeasure:
			fi.Aggregation = string(f.Aggregation)
			fi.Expression = f.Expression
		case *schema.VirtualDimension:
			fi.Expression = f.Expression
		case *schema.Hierarchy:
			fi.Levels = append([]string(nil), f.Levels...)
		}
		info.Fields = append(info.Fields, fi)
	}
	return info
}
