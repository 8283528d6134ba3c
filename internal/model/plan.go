package model

import "time"

// ColumnMapping maps one source column to one target column.
type ColumnMapping struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	TargetType string `json:"target_type"`
	Rule       *Rule  `json:"rule,omitempty"`
	// Required rows are skipped (and counted) when the rule fails.
	Required bool `json:"required,omitempty"`
}

// TableMapping is the source to target correspondence of one table.
type TableMapping struct {
	SourceSchema string          `json:"source_schema,omitempty"`
	SourceTable  string          `json:"source_table"`
	TargetSchema string          `json:"target_schema,omitempty"`
	TargetTable  string          `json:"target_table"`
	Columns      []ColumnMapping `json:"columns"`
	KeyColumns   []string        `json:"key_columns,omitempty"`
	// OrderColumns order reads of a table without key columns. Columns
	// that cannot be compared are left out.
	OrderColumns []string `json:"order_columns,omitempty"`
	RowFilter    string          `json:"row_filter,omitempty"`
	OverrideSQL  string          `json:"override_sql,omitempty"`
	Skip         bool            `json:"skip,omitempty"`
	SkipReason   string          `json:"skip_reason,omitempty"`

	// DeferConstraints is set on tables that sit on a foreign-key cycle. On a
	// target with inline foreign keys it makes the load run unchecked.
	DeferConstraints bool     `json:"defer_constraints,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`

	CreateSQL     string   `json:"create_sql,omitempty"`
	IndexSQL      []string `json:"index_sql,omitempty"`
	ForeignKeySQL []string `json:"foreign_key_sql,omitempty"`
}

// SourceColumns returns the mapped source column names in order. Derived
// columns have no source and are left out.
func (m *TableMapping) SourceColumns() []string {
	out := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		if c.Source != "" {
			out = append(out, c.Source)
		}
	}
	return out
}

// ReadOrder returns the source columns reads are ordered by: the key
// columns, else OrderColumns.
func (m *TableMapping) ReadOrder() []string {
	if len(m.KeyColumns) > 0 {
		return m.KeyColumns
	}
	return m.OrderColumns
}

// TargetNames translates source column names to their target names.
func (m *TableMapping) TargetNames(sources []string) []string {
	out := make([]string, 0, len(sources))
	for _, k := range sources {
		for _, c := range m.Columns {
			if c.Source == k {
				out = append(out, c.Target)
				break
			}
		}
	}
	return out
}

// TargetColumns returns the mapped target column names in order.
func (m *TableMapping) TargetColumns() []string {
	out := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		out = append(out, c.Target)
	}
	return out
}

// ViewMapping re-points a view at the migrated tables.
type ViewMapping struct {
	SourceView       string `json:"source_view"`
	TargetView       string `json:"target_view"`
	TargetSchema     string `json:"target_schema,omitempty"`
	TargetDefinition string `json:"target_definition,omitempty"`
	Skip             bool   `json:"skip,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
}

// ProcedureMapping carries a procedure over only when a rewrite exists.
type ProcedureMapping struct {
	SourceName       string `json:"source_name"`
	TargetName       string `json:"target_name"`
	TargetDefinition string `json:"target_definition,omitempty"`
	Skip             bool   `json:"skip,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
}

// TriggerMapping carries a trigger over only when a rewrite exists.
type TriggerMapping struct {
	SourceName       string `json:"source_name"`
	Table            string `json:"table"`
	TargetDefinition string `json:"target_definition,omitempty"`
	Skip             bool   `json:"skip,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
}

// DeferredForeignKey is a cycle edge whose constraint is created after load.
type DeferredForeignKey struct {
	Table    string `json:"table"`
	RefTable string `json:"ref_table"`
	Name     string `json:"name"`
}

// MigrationPlan is the ordered work list for one migration. It is not
// modified once execution starts; use Amend to derive a new version.
type MigrationPlan struct {
	Version             int                  `json:"version"`
	CreatedAt           time.Time            `json:"created_at"`
	SourceDialect       Dialect              `json:"source_dialect"`
	TargetDialect       Dialect              `json:"target_dialect"`
	TargetSchema        string               `json:"target_schema,omitempty"`
	Tables              []TableMapping       `json:"tables"`
	Views               []ViewMapping        `json:"views,omitempty"`
	Procedures          []ProcedureMapping   `json:"procedures,omitempty"`
	Triggers            []TriggerMapping     `json:"triggers,omitempty"`
	DeferredForeignKeys []DeferredForeignKey `json:"deferred_foreign_keys,omitempty"`
	PreScripts          []string             `json:"pre_scripts,omitempty"`
	PostScripts         []string             `json:"post_scripts,omitempty"`
	Warnings            []string             `json:"warnings,omitempty"`
}

// Table returns the mapping for a source table.
func (p *MigrationPlan) Table(source string) (*TableMapping, bool) {
	for i := range p.Tables {
		if p.Tables[i].SourceTable == source {
			return &p.Tables[i], true
		}
	}
	return nil, false
}

// ActiveTables returns the mappings that are not skipped, in plan order.
func (p *MigrationPlan) ActiveTables() []TableMapping {
	out := make([]TableMapping, 0, len(p.Tables))
	for _, t := range p.Tables {
		if !t.Skip {
			out = append(out, t)
		}
	}
	return out
}

// Amend returns a deep copy with the version bumped, leaving p untouched.
func (p *MigrationPlan) Amend() *MigrationPlan {
	cp := *p
	cp.Version = p.Version + 1
	cp.CreatedAt = time.Now().UTC()
	cp.Tables = make([]TableMapping, len(p.Tables))
	for i, t := range p.Tables {
		t.Columns = append([]ColumnMapping(nil), t.Columns...)
		t.KeyColumns = append([]string(nil), t.KeyColumns...)
		t.OrderColumns = append([]string(nil), t.OrderColumns...)
		t.DependsOn = append([]string(nil), t.DependsOn...)
		t.IndexSQL = append([]string(nil), t.IndexSQL...)
		t.ForeignKeySQL = append([]string(nil), t.ForeignKeySQL...)
		cp.Tables[i] = t
	}
	cp.Views = append([]ViewMapping(nil), p.Views...)
	cp.Procedures = append([]ProcedureMapping(nil), p.Procedures...)
	cp.Triggers = append([]TriggerMapping(nil), p.Triggers...)
	cp.DeferredForeignKeys = append([]DeferredForeignKey(nil), p.DeferredForeignKeys...)
	cp.PreScripts = append([]string(nil), p.PreScripts...)
	cp.PostScripts = append([]string(nil), p.PostScripts...)
	cp.Warnings = append([]string(nil), p.Warnings...)
	return &cp
}
