// Package planner turns an analyzed schema into an ordered migration plan
// for a target database.
package planner

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Limetric/dbferry/internal/analyzer"
	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/transform"
)

// ErrInfeasiblePlan is returned when an active table references a skipped
// one.
var ErrInfeasiblePlan = errors.New("infeasible migration plan")

// GeneratePlan builds the migration plan for moving schema to target.
// Foreign-key cycles never fail planning: tables on a cycle get
// DeferConstraints and the edges that close each cycle are listed in
// DeferredForeignKeys.
func GeneratePlan(schema *model.SchemaAnalysisResult, target model.ConnectionConfig, hints *RuleHints) (*model.MigrationPlan, error) {
	if schema == nil {
		return nil, errors.New("generate plan: no schema analysis")
	}
	if hints == nil {
		hints = &RuleHints{}
	}
	src, err := dialect.Lookup(schema.Dialect)
	if err != nil {
		return nil, fmt.Errorf("source dialect: %w", err)
	}
	dst, err := dialect.Lookup(target.Dialect)
	if err != nil {
		return nil, fmt.Errorf("target dialect: %w", err)
	}

	targetSchema := hints.TargetSchema
	if targetSchema == "" {
		targetSchema = target.Schema
	}
	if !dst.SupportsSchemas() {
		targetSchema = ""
	}

	p := &planBuilder{
		schema:       schema,
		src:          src,
		dst:          dst,
		hints:        hints,
		targetSchema: targetSchema,
		plan: &model.MigrationPlan{
			Version:       1,
			CreatedAt:     time.Now().UTC(),
			SourceDialect: src.Tag(),
			TargetDialect: dst.Tag(),
			TargetSchema:  targetSchema,
			PreScripts:    slices.Clone(hints.PreScripts),
			PostScripts:   slices.Clone(hints.PostScripts),
		},
	}
	if err := p.tables(); err != nil {
		return nil, err
	}
	p.views()
	p.routines()
	p.warnings()
	return p.plan, nil
}

type planBuilder struct {
	schema       *model.SchemaAnalysisResult
	src, dst     dialect.Dialect
	hints        *RuleHints
	targetSchema string
	plan         *model.MigrationPlan
}

func (p *planBuilder) tables() error {
	g := analyzer.DependencyGraph(p.schema.Tables)
	order, deferred := g.Order()

	onCycle := map[string]bool{}
	for _, scc := range g.StronglyConnected() {
		for _, n := range scc {
			onCycle[n] = true
		}
	}
	deferredEdge := map[[2]string]bool{}
	for _, e := range deferred {
		deferredEdge[[2]string{e.From, e.To}] = true
	}

	for _, name := range order {
		t, ok := p.schema.Table(name)
		if !ok {
			continue
		}
		m := p.tableMapping(t)
		m.DeferConstraints = onCycle[name]
		for _, dep := range g.DependsOn(name) {
			if dep != name && !deferredEdge[[2]string{name, dep}] {
				m.DependsOn = append(m.DependsOn, dep)
			}
		}
		p.plan.Tables = append(p.plan.Tables, m)
	}

	for _, e := range deferred {
		t, _ := p.schema.Table(e.From)
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == e.To {
				p.plan.DeferredForeignKeys = append(p.plan.DeferredForeignKeys, model.DeferredForeignKey{
					Table:    e.From,
					RefTable: e.To,
					Name:     p.foreignKeyName(t, fk),
				})
			}
		}
	}
	return p.feasible()
}

// feasible rejects plans where an active table references a skipped one.
func (p *planBuilder) feasible() error {
	skipped := map[string]bool{}
	for _, m := range p.plan.Tables {
		if m.Skip {
			skipped[m.SourceTable] = true
		}
	}
	var offenders []string
	for _, m := range p.plan.Tables {
		if m.Skip {
			continue
		}
		t, _ := p.schema.Table(m.SourceTable)
		for _, fk := range t.ForeignKeys {
			if fk.RefTable != t.Name && skipped[fk.RefTable] {
				offenders = append(offenders, fmt.Sprintf("%s -> %s", t.Name, fk.RefTable))
			}
		}
	}
	if len(offenders) > 0 {
		return fmt.Errorf("%w: active tables reference skipped tables: %s", ErrInfeasiblePlan, strings.Join(offenders, ", "))
	}
	return nil
}

func (p *planBuilder) tableMapping(t *model.TableSchema) model.TableMapping {
	m := model.TableMapping{
		SourceSchema: t.Schema,
		SourceTable:  t.Name,
		TargetSchema: p.targetSchema,
		TargetTable:  p.hints.tableName(t.Name),
		KeyColumns:   slices.Clone(primaryKeyColumns(t)),
		RowFilter:    p.hints.RowFilters[t.Name],
		OverrideSQL:  p.hints.OverrideSQL[t.Name],
	}
	if reason, ok := p.hints.SkipTables[t.Name]; ok {
		m.Skip = true
		m.SkipReason = cmp.Or(reason, "skipped by hint")
	} else if len(t.Columns) == 0 {
		m.Skip = true
		m.SkipReason = "table has no columns"
	}

	for _, col := range t.Columns {
		m.Columns = append(m.Columns, model.ColumnMapping{
			Source:     col.Name,
			Target:     p.hints.columnName(t.Name, col.Name),
			TargetType: p.columnType(t, col),
			Rule:       p.hints.ColumnRules[t.Name][col.Name],
			Required:   p.hints.required(t.Name, col.Name),
		})
	}
	for _, d := range p.hints.Derived[t.Name] {
		if d.Target == "" || d.Rule == nil {
			p.warn("%s: derived column without target or rule ignored", t.Name)
			continue
		}
		m.Columns = append(m.Columns, model.ColumnMapping{
			Target:     d.Target,
			TargetType: cmp.Or(d.Type, p.dst.WidestText()),
			Rule:       d.Rule,
			Required:   p.hints.required(t.Name, d.Target),
		})
	}

	if len(m.KeyColumns) == 0 && !m.Skip {
		m.OrderColumns = p.orderColumns(t)
	}

	if m.Skip || !p.dst.SupportsDDL() {
		return m
	}
	m.CreateSQL = p.createTable(t, m)
	m.IndexSQL = p.indexes(t, m)
	if !p.dst.InlineForeignKeys() {
		m.ForeignKeySQL = p.foreignKeys(t, m)
	}
	return m
}

// orderColumns lists the columns a keyless table can be read in order of.
func (p *planBuilder) orderColumns(t *model.TableSchema) []string {
	var out, left []string
	for _, col := range t.Columns {
		if p.src.Orderable(col.NativeType) {
			out = append(out, col.Name)
		} else {
			left = append(left, col.Name)
		}
	}
	if len(left) > 0 && p.src.RowID() == "" {
		p.warn("%s: no primary key and %s cannot be ordered; rows with equal remaining columns may be read in any order",
			t.Name, strings.Join(left, ", "))
	}
	return out
}

// columnType resolves the target type of col. Hints win; SQLite needs the
// exact INTEGER type for an auto-increment key.
func (p *planBuilder) columnType(t *model.TableSchema, col model.ColumnSchema) string {
	if typ, ok := p.hints.ColumnTypes[t.Name][col.Name]; ok && typ != "" {
		return typ
	}
	typ := transform.MapColumn(col, p.src, p.dst)
	ft := p.fieldType(col)
	if col.AutoIncrement && singlePrimaryKey(t, col.Name) && (ft == model.FieldInteger || ft == model.FieldBigInt) &&
		p.dst.AutoIncrement(typ, true) == "" && p.dst.AutoIncrement("INTEGER", true) != "" {
		return "INTEGER"
	}
	return typ
}

func (p *planBuilder) fieldType(col model.ColumnSchema) model.FieldType {
	if col.Type != "" {
		return col.Type
	}
	return p.src.NormalizeType(col.NativeType)
}

func singlePrimaryKey(t *model.TableSchema, col string) bool {
	pk := t.PrimaryKey
	if len(pk) == 0 {
		for _, c := range t.Columns {
			if c.PrimaryKey {
				pk = append(pk, c.Name)
			}
		}
	}
	return len(pk) == 1 && pk[0] == col
}

func (p *planBuilder) views() {
	renamed := p.renamedTables()
	for _, v := range p.schema.Views {
		vm := model.ViewMapping{
			SourceView:   v.Name,
			TargetView:   p.hints.tableName(v.Name),
			TargetSchema: p.targetSchema,
		}
		switch def, ok := p.hints.Views[v.Name]; {
		case ok && def != "":
			vm.TargetDefinition = dialect.ViewBody(def)
		case !p.dst.SupportsDDL():
			vm.Skip, vm.SkipReason = true, fmt.Sprintf("%s has no views", p.dst.Tag())
		case strings.TrimSpace(v.Definition) == "":
			vm.Skip, vm.SkipReason = true, "view definition unavailable"
		default:
			vm.TargetDefinition = repoint(dialect.ViewBody(v.Definition), renamed)
			if p.src.Tag() != p.dst.Tag() {
				p.warn("view %s: definition copied from %s syntax; review before use on %s", v.Name, p.src.Tag(), p.dst.Tag())
			}
		}
		p.plan.Views = append(p.plan.Views, vm)
	}
}

// tableRename is a source reference and what it becomes on the target.
type tableRename struct {
	pattern *regexp.Regexp
	target  string
}

// renamedTables returns a rewrite for every table whose schema or name
// differs on the target. Nothing is returned when naming agrees.
func (p *planBuilder) renamedTables() []tableRename {
	var out []tableRename
	for _, m := range p.plan.Tables {
		if m.SourceSchema == m.TargetSchema && m.SourceTable == m.TargetTable {
			continue
		}
		ref := `\b` + regexp.QuoteMeta(m.SourceTable) + `\b`
		if m.SourceSchema != "" {
			ref = `(?:\b` + regexp.QuoteMeta(m.SourceSchema) + `\.)?` + ref
		}
		out = append(out, tableRename{
			pattern: regexp.MustCompile(ref),
			target:  p.dst.QualifiedName(m.TargetSchema, m.TargetTable),
		})
	}
	return out
}

func repoint(query string, renames []tableRename) string {
	for _, r := range renames {
		query = r.pattern.ReplaceAllLiteralString(query, r.target)
	}
	return query
}

// routines carries procedures and triggers over only when a rewritten
// definition was supplied.
func (p *planBuilder) routines() {
	reason := fmt.Sprintf("no rewritten definition for %s", p.dst.Tag())
	for _, proc := range p.schema.Procedures {
		pm := model.ProcedureMapping{SourceName: proc.Name, TargetName: p.hints.tableName(proc.Name)}
		if def, ok := p.hints.Procedures[proc.Name]; ok && def != "" && p.dst.SupportsDDL() {
			pm.TargetDefinition = def
		} else {
			pm.Skip, pm.SkipReason = true, reason
		}
		p.plan.Procedures = append(p.plan.Procedures, pm)
	}
	for _, tr := range p.schema.Triggers {
		tm := model.TriggerMapping{SourceName: tr.Name, Table: p.hints.tableName(tr.Table)}
		if def, ok := p.hints.Triggers[tr.Name]; ok && def != "" && p.dst.SupportsDDL() {
			tm.TargetDefinition = def
		} else {
			tm.Skip, tm.SkipReason = true, reason
		}
		p.plan.Triggers = append(p.plan.Triggers, tm)
	}
}

func (p *planBuilder) warn(format string, args ...any) {
	p.plan.Warnings = append(p.plan.Warnings, fmt.Sprintf(format, args...))
}
