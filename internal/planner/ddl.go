package planner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/transform"
)

// createTable renders the CREATE TABLE statement for one mapping. Column
// clauses follow the order name TYPE [PRIMARY KEY] [auto-increment]
// [UNIQUE] [NOT NULL] [DEFAULT].
func (p *planBuilder) createTable(t *model.TableSchema, m model.TableMapping) string {
	pk := primaryKeyColumns(t)
	singlePK := len(pk) == 1

	var lines []string
	for _, cm := range m.Columns {
		var b strings.Builder
		fmt.Fprintf(&b, "  %s %s", p.dst.QuoteIdent(cm.Target), cm.TargetType)

		col, ok := t.Column(cm.Source)
		if !ok {
			// derived columns carry no constraints
			lines = append(lines, b.String())
			continue
		}
		isPK := slices.Contains(pk, col.Name)
		if singlePK && isPK {
			b.WriteString(" PRIMARY KEY")
		}
		if col.AutoIncrement {
			if clause := p.dst.AutoIncrement(cm.TargetType, isPK); clause != "" {
				b.WriteString(" " + clause)
			} else {
				p.warn("%s.%s: auto-increment not supported by %s target type %s", m.TargetTable, cm.Target, p.dst.Tag(), cm.TargetType)
			}
		}
		if col.Unique && !isPK {
			b.WriteString(" UNIQUE")
		}
		if !col.Nullable && !(singlePK && isPK) {
			b.WriteString(" NOT NULL")
		}
		def, err := transform.MapDefault(*col, p.fieldType(*col), p.dst)
		if err != nil {
			p.warn("%s.%s: default dropped: %v", m.TargetTable, cm.Target, err)
		} else if def != "" {
			b.WriteString(" DEFAULT " + def)
		}
		lines = append(lines, b.String())
	}

	if len(pk) > 1 {
		lines = append(lines, fmt.Sprintf("  PRIMARY KEY (%s)", p.targetColumnList(m, pk)))
	}
	if p.dst.InlineForeignKeys() {
		for _, fk := range t.ForeignKeys {
			if clause, ok := p.foreignKeyClause(t, m, fk); ok {
				lines = append(lines, "  "+clause)
			}
		}
	}

	return p.dst.CreateTable(p.dst.QualifiedName(m.TargetSchema, m.TargetTable), strings.Join(lines, ",\n"))
}

func primaryKeyColumns(t *model.TableSchema) []string {
	if len(t.PrimaryKey) > 0 {
		return t.PrimaryKey
	}
	var pk []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// targetNames maps source column names to their target names.
func targetNames(m model.TableMapping, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c
		for _, cm := range m.Columns {
			if cm.Source == c {
				out[i] = cm.Target
				break
			}
		}
	}
	return out
}

func (p *planBuilder) targetColumnList(m model.TableMapping, cols []string) string {
	names := targetNames(m, cols)
	for i, n := range names {
		names[i] = p.dst.QuoteIdent(n)
	}
	return strings.Join(names, ", ")
}

// indexName follows the <table>_<cols>_idx convention.
func indexName(table string, cols []string) string {
	return table + "_" + strings.Join(cols, "_") + "_idx"
}

// indexes renders one statement per supported source index plus one per
// unique column that has no index of its own, followed by the statements that
// move auto-increment counters past the copied keys.
func (p *planBuilder) indexes(t *model.TableSchema, m model.TableMapping) []string {
	qualified := p.dst.QualifiedName(m.TargetSchema, m.TargetTable)
	seen := map[string]bool{}
	var out []string
	add := func(cols []string, unique bool) {
		names := targetNames(m, cols)
		name := indexName(m.TargetTable, names)
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, p.dst.CreateIndex(name, qualified, names, unique))
	}

	covered := map[string]bool{}
	for _, idx := range t.Indexes {
		if reason, unsupported := indexUnsupportedReason(idx); unsupported {
			p.warn("%s.%s (%s): %s", t.Name, idx.Name, m.TargetTable, reason)
			continue
		}
		add(idx.Columns, idx.Unique)
		if idx.Unique && len(idx.Columns) == 1 {
			covered[idx.Columns[0]] = true
		}
	}
	for _, col := range t.Columns {
		if col.Unique && !covered[col.Name] {
			add([]string{col.Name}, true)
		}
	}
	for _, cm := range m.Columns {
		col, ok := t.Column(cm.Source)
		if !ok || !col.AutoIncrement {
			continue
		}
		if stmt := p.dst.ResetSequence(qualified, cm.Target); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// foreignKeyName keeps the source constraint name when there is one.
func (p *planBuilder) foreignKeyName(t *model.TableSchema, fk model.ForeignKeySchema) string {
	if fk.Name != "" {
		return fk.Name
	}
	return p.hints.tableName(t.Name) + "_" + strings.Join(fk.Columns, "_") + "_fkey"
}

// foreignKeyClause renders FOREIGN KEY ... REFERENCES ... for fk. References
// to tables outside the analysis are dropped with a warning.
func (p *planBuilder) foreignKeyClause(t *model.TableSchema, m model.TableMapping, fk model.ForeignKeySchema) (string, bool) {
	ref, ok := p.schema.Table(fk.RefTable)
	if !ok {
		p.warn("%s: foreign key %s references %s outside the migrated schema; not recreated", t.Name, fk.Name, fk.RefTable)
		return "", false
	}
	var refMapping model.TableMapping
	for _, c := range ref.Columns {
		refMapping.Columns = append(refMapping.Columns, model.ColumnMapping{
			Source: c.Name,
			Target: p.hints.columnName(ref.Name, c.Name),
		})
	}
	refCols := fk.RefColumns
	if len(refCols) == 0 {
		refCols = primaryKeyColumns(ref)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FOREIGN KEY (%s) REFERENCES %s (%s)",
		p.targetColumnList(m, fk.Columns),
		p.dst.QualifiedName(p.targetSchema, p.hints.tableName(ref.Name)),
		p.targetColumnList(refMapping, refCols))
	if action := referentialAction(fk.OnUpdate); action != "" {
		b.WriteString(" ON UPDATE " + action)
	}
	if action := referentialAction(fk.OnDelete); action != "" {
		b.WriteString(" ON DELETE " + action)
	}
	return b.String(), true
}

// referentialAction keeps the actions every dialect understands. NO ACTION
// and RESTRICT are the default and are left out.
func referentialAction(rule string) string {
	switch r := strings.ToUpper(strings.TrimSpace(rule)); r {
	case "CASCADE", "SET NULL", "SET DEFAULT":
		return r
	}
	return ""
}

// foreignKeys renders the ADD CONSTRAINT statements run after the data load.
func (p *planBuilder) foreignKeys(t *model.TableSchema, m model.TableMapping) []string {
	var out []string
	for _, fk := range t.ForeignKeys {
		clause, ok := p.foreignKeyClause(t, m, fk)
		if !ok {
			continue
		}
		out = append(out, p.dst.AddForeignKey(p.dst.QualifiedName(m.TargetSchema, m.TargetTable), p.foreignKeyName(t, fk), clause))
	}
	return out
}
