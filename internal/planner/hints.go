package planner

import (
	"maps"

	"github.com/Limetric/dbferry/internal/model"
)

// RuleHints steer plan generation. Every field is optional; the zero value
// yields the deterministic default plan. Table keys are source table names
// and column keys are source column names.
type RuleHints struct {
	TargetSchema string `json:"target_schema,omitempty" toml:"target_schema"`
	// SnakeCase rewrites camelCase identifiers to snake_case.
	SnakeCase bool `json:"snake_case,omitempty" toml:"snake_case"`

	TableRenames  map[string]string                 `json:"table_renames,omitempty" toml:"table_renames"`
	ColumnRenames map[string]map[string]string      `json:"column_renames,omitempty" toml:"column_renames"`
	ColumnTypes   map[string]map[string]string      `json:"column_types,omitempty" toml:"column_types"`
	ColumnRules   map[string]map[string]*model.Rule `json:"column_rules,omitempty" toml:"column_rules"`
	Required      map[string][]string               `json:"required,omitempty" toml:"required"`
	SkipTables    map[string]string                 `json:"skip_tables,omitempty" toml:"skip_tables"`
	RowFilters    map[string]string                 `json:"row_filters,omitempty" toml:"row_filters"`
	OverrideSQL   map[string]string                 `json:"override_sql,omitempty" toml:"override_sql"`
	Views         map[string]string                 `json:"views,omitempty" toml:"views"`
	Procedures    map[string]string                 `json:"procedures,omitempty" toml:"procedures"`
	Triggers      map[string]string                 `json:"triggers,omitempty" toml:"triggers"`
	// Derived adds target columns computed by a rule, usually combine.
	Derived map[string][]DerivedColumn `json:"derived,omitempty" toml:"derived"`

	PreScripts  []string `json:"pre_scripts,omitempty" toml:"pre_scripts"`
	PostScripts []string `json:"post_scripts,omitempty" toml:"post_scripts"`
}

// DerivedColumn is a target column with no source column.
type DerivedColumn struct {
	Target string      `json:"target" toml:"target"`
	Type   string      `json:"type,omitempty" toml:"type"`
	Rule   *model.Rule `json:"rule" toml:"rule"`
}

// Merge overlays o onto h and returns the result. Entries in o win.
func (h *RuleHints) Merge(o *RuleHints) *RuleHints {
	out := &RuleHints{}
	for _, src := range []*RuleHints{h, o} {
		if src == nil {
			continue
		}
		if src.TargetSchema != "" {
			out.TargetSchema = src.TargetSchema
		}
		out.SnakeCase = out.SnakeCase || src.SnakeCase
		out.TableRenames = mergeFlat(out.TableRenames, src.TableRenames)
		out.SkipTables = mergeFlat(out.SkipTables, src.SkipTables)
		out.RowFilters = mergeFlat(out.RowFilters, src.RowFilters)
		out.OverrideSQL = mergeFlat(out.OverrideSQL, src.OverrideSQL)
		out.Views = mergeFlat(out.Views, src.Views)
		out.Procedures = mergeFlat(out.Procedures, src.Procedures)
		out.Triggers = mergeFlat(out.Triggers, src.Triggers)
		out.Required = mergeFlat(out.Required, src.Required)
		out.ColumnRenames = mergeNested(out.ColumnRenames, src.ColumnRenames)
		out.ColumnTypes = mergeNested(out.ColumnTypes, src.ColumnTypes)
		out.ColumnRules = mergeNested(out.ColumnRules, src.ColumnRules)
		out.Derived = mergeFlat(out.Derived, src.Derived)
		out.PreScripts = append(out.PreScripts, src.PreScripts...)
		out.PostScripts = append(out.PostScripts, src.PostScripts...)
	}
	return out
}

func mergeFlat[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

func mergeNested[V any](dst, src map[string]map[string]V) map[string]map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]map[string]V, len(src))
	}
	for k, inner := range src {
		dst[k] = mergeFlat(dst[k], inner)
	}
	return dst
}
