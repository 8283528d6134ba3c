// Package compat generates the views that let code written against the old
// schema keep reading the migrated one.
package compat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// Object kinds.
const (
	KindView      = "view"
	KindProcedure = "procedure"
	KindTrigger   = "trigger"
)

// Generate builds the compatibility layer for plan. Statements use the
// source dialect's syntax and recreate every renamed or moved table and view
// under its old name, aliasing columns back to their old names.
func Generate(plan *model.MigrationPlan, source, target model.ConnectionConfig) (*model.CompatibilityLayerResult, error) {
	src, err := dialect.Lookup(plan.SourceDialect)
	if err != nil {
		return nil, err
	}
	res := &model.CompatibilityLayerResult{
		GeneratedAt: time.Now().UTC(),
		Dialect:     src.Tag(),
		Success:     true,
	}
	if src.SupportsDDL() {
		res.Objects = append(res.Objects, tableViews(plan, src)...)
		res.Objects = append(res.Objects, viewAliases(plan, src, source.Schema)...)
		res.Objects = append(res.Objects, routines(plan)...)
	}
	res.Document = document(plan, res, source, target, src.SupportsDDL())
	return res, nil
}

func tableViews(plan *model.MigrationPlan, src dialect.Dialect) []model.CompatibilityObject {
	var out []model.CompatibilityObject
	for _, m := range plan.Tables {
		if m.Skip || (m.SourceTable == m.TargetTable && m.SourceSchema == m.TargetSchema) {
			continue
		}
		var cols []string
		for _, c := range m.Columns {
			if c.Source == "" {
				continue
			}
			if c.Source == c.Target {
				cols = append(cols, src.QuoteIdent(c.Target))
				continue
			}
			cols = append(cols, src.QuoteIdent(c.Target)+" AS "+src.QuoteIdent(c.Source))
		}
		if len(cols) == 0 {
			continue
		}
		name := src.QualifiedName(m.SourceSchema, m.SourceTable)
		from := src.QualifiedName(m.TargetSchema, m.TargetTable)
		out = append(out, model.CompatibilityObject{
			Kind:      KindView,
			Name:      name,
			Target:    from,
			Statement: src.CreateOrReplaceView(name, fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), from)),
		})
	}
	return out
}

func viewAliases(plan *model.MigrationPlan, src dialect.Dialect, schema string) []model.CompatibilityObject {
	var out []model.CompatibilityObject
	for _, v := range plan.Views {
		if v.Skip || (v.SourceView == v.TargetView && v.TargetSchema == schema) {
			continue
		}
		name := src.QualifiedName(schema, v.SourceView)
		from := src.QualifiedName(v.TargetSchema, v.TargetView)
		out = append(out, model.CompatibilityObject{
			Kind:      KindView,
			Name:      name,
			Target:    from,
			Statement: src.CreateOrReplaceView(name, "SELECT * FROM "+from),
		})
	}
	return out
}

// routines carries procedures and triggers only when a rewritten definition
// exists; nothing is generated from the original bodies.
func routines(plan *model.MigrationPlan) []model.CompatibilityObject {
	var out []model.CompatibilityObject
	for _, p := range plan.Procedures {
		if p.Skip || p.TargetDefinition == "" || p.SourceName == p.TargetName {
			continue
		}
		out = append(out, model.CompatibilityObject{Kind: KindProcedure, Name: p.SourceName, Target: p.TargetName, Statement: p.TargetDefinition})
	}
	for _, t := range plan.Triggers {
		if t.Skip || t.TargetDefinition == "" {
			continue
		}
		out = append(out, model.CompatibilityObject{Kind: KindTrigger, Name: t.SourceName, Target: t.Table, Statement: t.TargetDefinition})
	}
	return out
}

// Apply executes the statements of res on conn in order. The first failure
// stops it; res then records the error and which objects were applied.
func Apply(ctx context.Context, conn dialect.Conn, res *model.CompatibilityLayerResult) error {
	res.Success = false
	res.Error = ""
	for i := range res.Objects {
		o := &res.Objects[i]
		if err := conn.ExecuteDDL(ctx, o.Statement); err != nil {
			res.Error = err.Error()
			return fmt.Errorf("%s %s: %w", o.Kind, o.Name, err)
		}
		o.Applied = true
	}
	res.Success = true
	return nil
}
