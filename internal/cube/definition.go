package cube

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cube-engine/internal/common"
	"cube-engine/internal/schema"
	"cube-engine/internal/sources"
	"cube-engine/internal/storage/block"
)

// Definition is a cube declared in a YAML file
type Definition struct {
	Name               string                     `yaml:"name"`
	Cache              *CacheDefinition           `yaml:"cache,omitempty"`
	Dimensions         []schema.Dimension         `yaml:"dimensions"`
	Measures           []schema.Measure           `yaml:"measures"`
	VirtualDimensions  []schema.VirtualDimension  `yaml:"virtual_dimensions,omitempty"`
	CalculatedMeasures []schema.CalculatedMeasure `yaml:"calculated_measures,omitempty"`
	Hierarchies        []schema.Hierarchy         `yaml:"hierarchies,omitempty"`
	Sources            []sources.Spec             `yaml:"sources,omitempty"`
}

// CacheDefinition overrides the cache options a cube is built with
type CacheDefinition struct {
	Enabled    *bool `yaml:"enabled,omitempty"`
	MaxEntries int   `yaml:"max_entries,omitempty"`
}

// LoadDefinition reads a definition file
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cube definition %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition decodes a definition. Unknown keys are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		return nil, common.NewErrorWithCause(common.ErrInvalidInput, "invalid cube definition", err)
	}
	if def.Name == "" {
		return nil, common.NewError(common.ErrInvalidInput, "cube definition needs a name")
	}
	return &def, nil
}

// Build creates the cube, declares every field and loads every source
// through storage. Fields are declared base first, then virtual dimensions,
// calculated measures and hierarchies, each in file order.
func (d *Definition) Build(ctx context.Context, opts Options, storage block.Storage) (*Cube, error) {
	if d.Cache != nil {
		if d.Cache.Enabled != nil {
			opts.CacheEnabled = *d.Cache.Enabled
		}
		if d.Cache.MaxEntries > 0 {
			opts.CacheMaxEntries = d.Cache.MaxEntries
		}
	}

	c, err := New(d.Name, opts)
	if err != nil {
		return nil, err
	}

	for _, dim := range d.Dimensions {
		if err := c.AddDimension(dim); err != nil {
			return nil, fmt.Errorf("dimension %s: %w", dim.Name, err)
		}
	}
	for _, m := range d.Measures {
		if err := c.AddMeasure(m); err != nil {
			return nil, fmt.Errorf("measure %s: %w", m.Name, err)
		}
	}
	for _, v := range d.VirtualDimensions {
		if err := c.AddVirtualDimension(v); err != nil {
			return nil, fmt.Errorf("virtual dimension %s: %w", v.Name, err)
		}
	}
	for _, m := range d.CalculatedMeasures {
		if err := c.AddCalculatedMeasure(m); err != nil {
			return nil, fmt.Errorf("calculated measure %s: %w", m.Name, err)
		}
	}
	for _, h := range d.Hierarchies {
		if err := c.AddHierarchy(h); err != nil {
			return nil, fmt.Errorf("hierarchy %s: %w", h.Name, err)
		}
	}

	if len(d.Sources) > 0 && storage == nil {
		return nil, common.NewError(common.ErrInvalidInput, "cube definition has sources but no storage is configured")
	}
	for _, spec := range d.Sources {
		src, err := sources.New(spec, storage)
		if err != nil {
			return nil, err
		}
		if _, err := c.Load(ctx, src); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", src.Name(), err)
		}
	}
	return c, nil
}
