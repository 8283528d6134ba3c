package transform

import (
	"context"
	"fmt"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// Options configures a RowTransformer.
type Options struct {
	// Target decides how values are coerced; nil leaves values as read.
	Target  dialect.Syntax
	Lookups LookupSource
}

type columnPlan struct {
	mapping   model.ColumnMapping
	source    int // -1 when the column is derived only from its rule
	fieldType model.FieldType
}

// RowTransformer rewrites source rows into target rows for one table.
// It is not safe for concurrent use; each table's batch loop owns one.
type RowTransformer struct {
	columns   []columnPlan
	names     []string
	documents bool
	coerce    bool
	env       *Env
}

// NewRowTransformer compiles mapping against the column order the source
// returns rows in.
func NewRowTransformer(mapping model.TableMapping, sourceColumns []string, opts Options) (*RowTransformer, error) {
	index := make(map[string]int, len(sourceColumns))
	for i, c := range sourceColumns {
		index[c] = i
	}
	rt := &RowTransformer{
		names: sourceColumns,
		env:   &Env{Lookups: opts.Lookups},
	}
	if opts.Target != nil {
		rt.coerce = true
		rt.documents = !opts.Target.SupportsDDL()
	}
	for _, cm := range mapping.Columns {
		cp := columnPlan{mapping: cm, source: -1}
		if cm.Source != "" {
			i, ok := index[cm.Source]
			if !ok {
				return nil, fmt.Errorf("table %s: source column %s not in result set", mapping.SourceTable, cm.Source)
			}
			cp.source = i
		} else if cm.Rule == nil {
			return nil, fmt.Errorf("table %s: column %s has neither source nor rule", mapping.SourceTable, cm.Target)
		}
		if opts.Target != nil && cm.TargetType != "" {
			cp.fieldType = opts.Target.NormalizeType(cm.TargetType)
		}
		rt.columns = append(rt.columns, cp)
	}
	return rt, nil
}

// Columns returns the target column names in output order.
func (rt *RowTransformer) Columns() []string {
	out := make([]string, len(rt.columns))
	for i, c := range rt.columns {
		out[i] = c.mapping.Target
	}
	return out
}

// Transform maps one source row. When a required column's rule fails the
// row is dropped and the returned error wraps ErrSkipRow; other failures
// keep the original value and come back as warnings.
func (rt *RowTransformer) Transform(ctx context.Context, row []any) ([]any, []Warning, error) {
	rt.env.Ctx = ctx
	rt.env.Row = make(map[string]any, len(rt.names))
	for i, name := range rt.names {
		if i < len(row) {
			rt.env.Row[name] = row[i]
		}
	}

	out := make([]any, len(rt.columns))
	var warnings []Warning
	for i, c := range rt.columns {
		var v any
		if c.source >= 0 && c.source < len(row) {
			v = row[c.source]
		}
		if c.mapping.Rule != nil {
			nv, ws := Apply(v, c.mapping.Rule, rt.env)
			if len(ws) > 0 {
				for j := range ws {
					ws[j].Column = c.mapping.Target
				}
				if c.mapping.Required {
					return nil, ws, &TransformationError{
						Column: c.mapping.Target,
						Rule:   c.mapping.Rule.Kind,
						Err:    fmt.Errorf("%s: %w", ws[0].Message, ErrSkipRow),
					}
				}
				warnings = append(warnings, ws...)
			}
			v = nv
		}
		if rt.coerce && c.fieldType != "" {
			cv, err := Coerce(v, c.fieldType, rt.documents)
			if err != nil {
				if c.mapping.Required {
					return nil, warnings, &TransformationError{
						Column: c.mapping.Target,
						Rule:   model.RuleCast,
						Err:    fmt.Errorf("%v: %w", err, ErrSkipRow),
					}
				}
				warnings = append(warnings, Warning{Column: c.mapping.Target, Rule: model.RuleCast, Message: err.Error()})
			} else {
				v = cv
			}
		}
		out[i] = v
	}
	return out, warnings, nil
}
