package schema

import (
	"fmt"
	"sync"

	"cube-engine/internal/common"
)

// Expansion is a field with every derived reference inlined. Expr only
// references base dimensions and measures.
type Expansion struct {
	Name        string
	Kind        FieldKind
	Type        DataType
	Expr        Expr
	Aggregated  bool
	Aggregation AggFunc
}

// Graph holds the cube schema in one flat namespace and resolves derived
// fields into base-field expressions. Fields are add-only and immutable.
type Graph struct {
	mu      sync.RWMutex
	fields  map[string]Field
	order   []string
	version uint64

	memoMu   sync.Mutex
	resolved map[string]*Expansion
}

// NewGraph creates an empty schema at version 0
func NewGraph() *Graph {
	return &Graph{
		fields:   make(map[string]Field),
		order:    make([]string, 0),
		resolved: make(map[string]*Expansion),
	}
}

// Version returns the schema version. It increases by one per declared field.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Lookup returns the field declared under name
func (g *Graph) Lookup(name string) (Field, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.fields[name]
	return f, ok
}

// Hierarchy returns the hierarchy declared under name
func (g *Graph) Hierarchy(name string) (*Hierarchy, bool) {
	f, ok := g.Lookup(name)
	if !ok {
		return nil, false
	}
	h, ok := f.(*Hierarchy)
	return h, ok
}

// Fields returns all fields in declaration order
func (g *Graph) Fields() []Field {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Field, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.fields[name])
	}
	return out
}

// FieldsOfKind returns the fields of one kind in declaration order
func (g *Graph) FieldsOfKind(kind FieldKind) []Field {
	var out []Field
	for _, f := range g.Fields() {
		if f.Kind() == kind {
			out = append(out, f)
		}
	}
	return out
}

func (g *Graph) AddDimension(d Dimension) error { return g.Declare(&d) }

func (g *Graph) AddMeasure(m Measure) error { return g.Declare(&m) }

func (g *Graph) AddHierarchy(h Hierarchy) error { return g.Declare(&h) }

func (g *Graph) AddCalculatedMeasure(c CalculatedMeasure) error { return g.Declare(&c) }

func (g *Graph) AddVirtualDimension(v VirtualDimension) error { return g.Declare(&v) }

// Declare adds a field to the schema. On any error the schema is left
// unchanged. Checks run in order: duplicate name, field validity, cyclic
// references, unknown references, then cross-category reference rules.
func (g *Graph) Declare(f Field) error {
	if f == nil {
		return common.NewError(common.ErrInvalidInput, "field is nil")
	}
	name := f.FieldName()
	if name == "" {
		return common.NewError(common.ErrInvalidInput, "field name is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.fields[name]; exists {
		return common.ErrDuplicateNameError(name)
	}

	field, err := g.prepare(f)
	if err != nil {
		return err
	}

	if expr := derivedExpr(field); expr != nil {
		if err := g.checkReferences(name, field.Kind(), expr); err != nil {
			return err
		}
	}

	g.fields[name] = field
	if field.Kind().Derived() {
		// Inline once up front so nested-aggregate errors surface here.
		if _, err := g.resolveLocked(name); err != nil {
			delete(g.fields, name)
			g.forget(name)
			return err
		}
	}
	g.order = append(g.order, name)
	g.version++
	return nil
}

// prepare validates a field and returns a private copy with its expression parsed
func (g *Graph) prepare(f Field) (Field, error) {
	switch f := f.(type) {
	case *Dimension:
		cp := *f
		if !IsValidDataType(cp.Type) {
			return nil, invalidInput(cp.Name, "invalid data type %q", cp.Type)
		}
		if cp.Cardinality != nil && *cp.Cardinality < 0 {
			return nil, invalidInput(cp.Name, "cardinality must not be negative")
		}
		return &cp, nil

	case *Measure:
		cp := *f
		if cp.Aggregation == "" {
			cp.Aggregation = AggSum
		}
		if err := cp.Validate(); err != nil {
			return nil, invalidInput(cp.Name, "%v", err)
		}
		return &cp, nil

	case *Hierarchy:
		cp := *f
		cp.Levels = append([]string(nil), f.Levels...)
		if len(cp.Levels) == 0 {
			return nil, invalidInput(cp.Name, "hierarchy needs at least one level")
		}
		seen := make(map[string]bool)
		for _, level := range cp.Levels {
			if seen[level] {
				return nil, invalidInput(cp.Name, "level %q repeated", level)
			}
			seen[level] = true
			lf, ok := g.fields[level]
			if !ok {
				return nil, common.Errorf(common.ErrUnknownDependency,
					"hierarchy %s references unknown dimension %s", cp.Name, level).
					WithContext("field", cp.Name).WithContext("dependency", level)
			}
			if !lf.Kind().IsDimension() {
				return nil, common.Errorf(common.ErrInvalidExpression,
					"hierarchy %s level %s is a %s, not a dimension", cp.Name, level, lf.Kind()).
					WithContext("field", cp.Name)
			}
		}
		return &cp, nil

	case *CalculatedMeasure:
		cp := *f
		if cp.Type == "" {
			cp.Type = TypeFloat64
		}
		if cp.Aggregation == "" {
			cp.Aggregation = AggSum
		}
		if !IsValidDataType(cp.Type) {
			return nil, invalidInput(cp.Name, "invalid data type %q", cp.Type)
		}
		if _, err := ParseAggFunc(string(cp.Aggregation)); err != nil {
			return nil, invalidInput(cp.Name, "%v", err)
		}
		expr, err := ParseExpr(cp.Expression)
		if err != nil {
			return nil, err
		}
		cp.expr = expr
		return &cp, nil

	case *VirtualDimension:
		cp := *f
		if cp.Type == "" {
			cp.Type = TypeString
		}
		if !IsValidDataType(cp.Type) {
			return nil, invalidInput(cp.Name, "invalid data type %q", cp.Type)
		}
		expr, err := ParseExpr(cp.Expression)
		if err != nil {
			return nil, err
		}
		if ContainsAggregate(expr) {
			return nil, common.Errorf(common.ErrInvalidExpression,
				"virtual dimension %s must not aggregate", cp.Name).WithContext("field", cp.Name)
		}
		cp.expr = expr
		return &cp, nil
	}
	return nil, common.Errorf(common.ErrInvalidInput, "unsupported field type %T", f)
}

func (g *Graph) checkReferences(name string, kind FieldKind, expr Expr) error {
	refs := References(expr)

	if path := g.findCycle(name, refs); path != nil {
		return common.Errorf(common.ErrCyclicDependency,
			"field %s depends on itself via %v", name, path).WithContext("field", name)
	}

	for _, ref := range refs {
		if _, ok := g.fields[ref]; !ok {
			return common.Errorf(common.ErrUnknownDependency,
				"field %s references unknown field %s", name, ref).
				WithContext("field", name).WithContext("dependency", ref)
		}
	}

	for _, ref := range refs {
		refKind := g.fields[ref].Kind()
		allowed := false
		switch kind {
		case KindVirtualDimension:
			allowed = refKind == KindDimension
		case KindCalculatedMeasure:
			allowed = refKind != KindHierarchy
		}
		if !allowed {
			return common.Errorf(common.ErrInvalidExpression,
				"%s %s cannot reference %s %s", kind, name, refKind, ref).
				WithContext("field", name).WithContext("dependency", ref)
		}
	}
	return nil
}

// findCycle walks expression references depth first, visiting each derived
// field once, and returns the path back to name if there is one.
func (g *Graph) findCycle(name string, refs []string) []string {
	visited := make(map[string]bool)
	var visit func(ref string, path []string) []string
	visit = func(ref string, path []string) []string {
		path = append(path, ref)
		if ref == name {
			return path
		}
		if visited[ref] {
			return nil
		}
		visited[ref] = true
		f, ok := g.fields[ref]
		if !ok {
			return nil
		}
		if expr := derivedExpr(f); expr != nil {
			for _, next := range References(expr) {
				if p := visit(next, path); p != nil {
					return p
				}
			}
		}
		return nil
	}
	for _, ref := range refs {
		if p := visit(ref, []string{name}); p != nil {
			return p
		}
	}
	return nil
}

// Resolve returns the field with every derived reference inlined. Results
// are memoized; fields never change once declared so the memo stays valid
// across schema versions.
func (g *Graph) Resolve(name string) (*Expansion, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveLocked(name)
}

func (g *Graph) resolveLocked(name string) (*Expansion, error) {
	g.memoMu.Lock()
	if exp, ok := g.resolved[name]; ok {
		g.memoMu.Unlock()
		return exp, nil
	}
	g.memoMu.Unlock()

	f, ok := g.fields[name]
	if !ok {
		return nil, common.ErrUnknownFieldError(name)
	}

	exp := &Expansion{Name: name, Kind: f.Kind(), Type: FieldType(f)}
	switch f := f.(type) {
	case *Dimension:
		exp.Expr = Col(name)
	case *Measure:
		exp.Expr = Col(name)
		exp.Aggregation = f.Aggregation
	case *Hierarchy:
		return nil, common.Errorf(common.ErrInvalidExpression,
			"hierarchy %s has no expression", name).WithContext("field", name)
	case *VirtualDimension:
		inlined, err := g.inline(f.expr, false)
		if err != nil {
			return nil, err
		}
		exp.Expr = inlined
	case *CalculatedMeasure:
		inlined, err := g.inline(f.expr, false)
		if err != nil {
			return nil, err
		}
		if ContainsAggregate(inlined) {
			// Aggregate-shaped: bare measures beside aggregates take their own aggregation.
			if inlined, err = g.inline(f.expr, true); err != nil {
				return nil, err
			}
			exp.Aggregated = true
		}
		exp.Expr = inlined
		exp.Aggregation = f.Aggregation
	}

	g.memoMu.Lock()
	g.resolved[name] = exp
	g.memoMu.Unlock()
	return exp, nil
}

// Expand inlines every derived reference in e. With wrapMeasures set, measure
// references outside an aggregate are wrapped with their own aggregation,
// which is how bare measures behave in an aggregating query.
func (g *Graph) Expand(e Expr, wrapMeasures bool) (Expr, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.inline(e, wrapMeasures)
}

func (g *Graph) inline(e Expr, wrapMeasures bool) (Expr, error) {
	return Rewrite(e, func(n Expr, inAgg bool) (Expr, error) {
		ref, ok := n.(*ColumnRef)
		if !ok {
			return n, nil
		}
		f, ok := g.fields[ref.Name]
		if !ok {
			return nil, common.ErrUnknownFieldError(ref.Name)
		}
		switch f := f.(type) {
		case *Hierarchy:
			return nil, common.Errorf(common.ErrInvalidExpression,
				"hierarchy %s cannot be used in an expression", ref.Name).WithContext("field", ref.Name)
		case *Dimension:
			return ref, nil
		case *Measure:
			if wrapMeasures && !inAgg {
				return &AggregateCall{Func: f.Aggregation, Arg: ref}, nil
			}
			return ref, nil
		}

		exp, err := g.resolveLocked(ref.Name)
		if err != nil {
			return nil, err
		}
		if inAgg && exp.Aggregated {
			return nil, common.Errorf(common.ErrInvalidExpression,
				"aggregate field %s used inside an aggregate", ref.Name).WithContext("field", ref.Name)
		}
		if wrapMeasures && !inAgg && exp.Kind == KindCalculatedMeasure && !exp.Aggregated {
			return &AggregateCall{Func: exp.Aggregation, Arg: exp.Expr}, nil
		}
		return exp.Expr, nil
	})
}

func (g *Graph) forget(name string) {
	g.memoMu.Lock()
	delete(g.resolved, name)
	g.memoMu.Unlock()
}

func derivedExpr(f Field) Expr {
	switch f := f.(type) {
	case *CalculatedMeasure:
		return f.expr
	case *VirtualDimension:
		return f.expr
	}
	return nil
}

func invalidInput(field string, format string, args ...interface{}) error {
	return common.NewError(common.ErrInvalidInput, fmt.Sprintf("field %s: ", field)+fmt.Sprintf(format, args...)).
		WithContext("field", field)
}
