package sources

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"

	"cube-engine/internal/schema"
)

// RecordSource serves batches already in memory, matching columns by name
type RecordSource struct {
	Records []arrow.Record
	Label   string
}

// NewRecordSource wraps in-memory batches
func NewRecordSource(records ...arrow.Record) *RecordSource {
	return &RecordSource{Records: records}
}

func (s *RecordSource) Name() string {
	if s.Label != "" {
		return "records:" + s.Label
	}
	return fmt.Sprintf("records:%d", len(s.Records))
}

func (s *RecordSource) Load(ctx context.Context, target *arrow.Schema) ([]arrow.Record, error) {
	tr := schema.NewSchemaTranslator(false)
	out := make([]arrow.Record, 0, len(s.Records))
	for i, rec := range s.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := project(tr, target, rec)
		if err != nil {
			return nil, sourceError(fmt.Sprintf("record %d", i), "project", err)
		}
		out = append(out, p)
	}
	return out, nil
}
