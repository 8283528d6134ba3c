package model

import (
	"fmt"
	"time"
)

// ColumnSchema is one column of the canonical model.
type ColumnSchema struct {
	Name          string    `json:"name"`
	NativeType    string    `json:"native_type"`
	Type          FieldType `json:"type"`
	Nullable      bool      `json:"nullable"`
	Default       *string   `json:"default,omitempty"`
	Length        int64     `json:"length,omitempty"`
	Precision     int64     `json:"precision,omitempty"`
	Scale         int64     `json:"scale,omitempty"`
	Position      int       `json:"position"`
	PrimaryKey    bool      `json:"primary_key,omitempty"`
	Unique        bool      `json:"unique,omitempty"`
	ForeignKey    bool      `json:"foreign_key,omitempty"`
	AutoIncrement bool      `json:"auto_increment,omitempty"`
	EnumValues    []string  `json:"enum_values,omitempty"`
	Collation     string    `json:"collation,omitempty"`
	// Generated holds the generation clause of a computed column.
	Generated string `json:"generated,omitempty"`
	// OnUpdateTimestamp marks MySQL's ON UPDATE CURRENT_TIMESTAMP.
	OnUpdateTimestamp bool `json:"on_update_timestamp,omitempty"`
}

// IndexSchema is a (possibly multi-column) index. Primary-key indexes are
// represented by TableSchema.PrimaryKey, not here.
type IndexSchema struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
	Type    string   `json:"type,omitempty"`
	Partial bool     `json:"partial,omitempty"`
}

// ForeignKeySchema is a foreign-key constraint from a table to RefTable.
type ForeignKeySchema struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefSchema  string   `json:"ref_schema,omitempty"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
	OnUpdate   string   `json:"on_update,omitempty"`
	OnDelete   string   `json:"on_delete,omitempty"`
}

// TableSchema is one table (or collection) of the canonical model.
type TableSchema struct {
	Name           string             `json:"name"`
	Schema         string             `json:"schema,omitempty"`
	Columns        []ColumnSchema     `json:"columns"`
	PrimaryKey     []string           `json:"primary_key,omitempty"`
	ForeignKeys    []ForeignKeySchema `json:"foreign_keys,omitempty"`
	Indexes        []IndexSchema      `json:"indexes,omitempty"`
	EstimatedRows  int64              `json:"estimated_rows,omitempty"`
	EstimatedBytes int64              `json:"estimated_bytes,omitempty"`
}

// QualifiedName returns schema.name, or name when no schema is set.
func (t *TableSchema) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column looks a column up by name.
func (t *TableSchema) Column(name string) (*ColumnSchema, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// HasPrimaryKey reports whether the table declares a PK constraint or any
// column carries the PK flag.
func (t *TableSchema) HasPrimaryKey() bool {
	if len(t.PrimaryKey) > 0 {
		return true
	}
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return true
		}
	}
	return false
}

// Renumber assigns contiguous positions starting at 1 in slice order.
func (t *TableSchema) Renumber() {
	for i := range t.Columns {
		t.Columns[i].Position = i + 1
	}
}

// Validate checks that column positions are unique and contiguous from 1.
func (t *TableSchema) Validate() error {
	seen := make(map[int]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Position < 1 || c.Position > len(t.Columns) {
			return fmt.Errorf("table %s: column %s has position %d outside 1..%d", t.Name, c.Name, c.Position, len(t.Columns))
		}
		if seen[c.Position] {
			return fmt.Errorf("table %s: duplicate column position %d", t.Name, c.Position)
		}
		seen[c.Position] = true
	}
	return nil
}

// ViewSchema is a view definition.
type ViewSchema struct {
	Name       string   `json:"name"`
	Schema     string   `json:"schema,omitempty"`
	Definition string   `json:"definition,omitempty"`
	Tables     []string `json:"tables,omitempty"`
}

// ProcedureSchema is a stored procedure or function.
type ProcedureSchema struct {
	Name       string `json:"name"`
	Schema     string `json:"schema,omitempty"`
	Kind       string `json:"kind"` // PROCEDURE or FUNCTION
	Language   string `json:"language,omitempty"`
	Definition string `json:"definition,omitempty"`
}

// TriggerSchema is a table trigger.
type TriggerSchema struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	Timing     string `json:"timing,omitempty"` // BEFORE, AFTER, INSTEAD OF
	Event      string `json:"event,omitempty"`  // INSERT, UPDATE, DELETE
	Definition string `json:"definition,omitempty"`
}

// ConstraintSchema is a named table constraint.
type ConstraintSchema struct {
	Name       string   `json:"name"`
	Table      string   `json:"table"`
	Kind       string   `json:"kind"` // CHECK, UNIQUE, PRIMARY KEY, FOREIGN KEY
	Columns    []string `json:"columns,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// SchemaStatistics aggregates counts over an analysis.
type SchemaStatistics struct {
	TableCount     int   `json:"table_count"`
	ColumnCount    int   `json:"column_count"`
	IndexCount     int   `json:"index_count"`
	ForeignKeys    int   `json:"foreign_key_count"`
	ViewCount      int   `json:"view_count"`
	ProcedureCount int   `json:"procedure_count"`
	TriggerCount   int   `json:"trigger_count"`
	EstimatedRows  int64 `json:"estimated_rows"`
	EstimatedBytes int64 `json:"estimated_bytes"`
}

// RedundantIndex names an index made redundant by a wider one.
type RedundantIndex struct {
	Table     string `json:"table"`
	Index     string `json:"index"`
	CoveredBy string `json:"covered_by"`
}

// MissingIndex names foreign-key columns with no covering index.
type MissingIndex struct {
	Table      string   `json:"table"`
	Columns    []string `json:"columns"`
	ForeignKey string   `json:"foreign_key"`
}

// NamingInconsistency reports a table whose columns follow another style.
type NamingInconsistency struct {
	Table       string `json:"table"`
	TableStyle  string `json:"table_style"`
	ColumnStyle string `json:"column_style"`
}

// SchemaIssues holds the structural findings of an analysis.
type SchemaIssues struct {
	TablesWithoutPrimaryKey []string              `json:"tables_without_primary_key"`
	RedundantIndexes        []RedundantIndex      `json:"redundant_indexes"`
	MissingIndexes          []MissingIndex        `json:"missing_indexes"`
	CircularDependencies    [][]string            `json:"circular_dependencies"`
	NamingInconsistencies   []NamingInconsistency `json:"naming_inconsistencies"`
}

// Count returns the total number of findings.
func (s SchemaIssues) Count() int {
	return len(s.TablesWithoutPrimaryKey) + len(s.RedundantIndexes) + len(s.MissingIndexes) +
		len(s.CircularDependencies) + len(s.NamingInconsistencies)
}

// SchemaAnalysisResult is produced once per analysis run. Re-analysis
// replaces it instead of mutating it.
type SchemaAnalysisResult struct {
	Dialect     Dialect            `json:"dialect"`
	AnalyzedAt  time.Time          `json:"analyzed_at"`
	Tables      []TableSchema      `json:"tables"`
	Views       []ViewSchema       `json:"views,omitempty"`
	Procedures  []ProcedureSchema  `json:"procedures,omitempty"`
	Triggers    []TriggerSchema    `json:"triggers,omitempty"`
	Constraints []ConstraintSchema `json:"constraints,omitempty"`
	Statistics  SchemaStatistics   `json:"statistics"`
	Issues      SchemaIssues       `json:"issues"`
}

// Table looks a table up by name.
func (r *SchemaAnalysisResult) Table(name string) (*TableSchema, bool) {
	for i := range r.Tables {
		if r.Tables[i].Name == name {
			return &r.Tables[i], true
		}
	}
	return nil, false
}
