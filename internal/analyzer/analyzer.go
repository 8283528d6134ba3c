// Package analyzer builds the canonical schema from adapter output and runs
// structural checks over it.
package analyzer

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// Options select what an analysis reads.
type Options struct {
	Schema            string
	IncludeViews      bool
	IncludeProcedures bool
	IncludeTriggers   bool
	// TableFilter keeps only tables matching one of the entries. Entries are
	// exact names or path.Match globs; empty keeps every table.
	TableFilter []string
	Logger      *slog.Logger
}

// AnalyzeSchema introspects conn and returns the canonical schema with its
// statistics and findings. Introspection failures are fatal; checks never
// are.
func AnalyzeSchema(ctx context.Context, conn dialect.Conn, d dialect.Dialect, opts Options) (*model.SchemaAnalysisResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := conn.IntrospectSchema(ctx, dialect.IntrospectOptions{
		Schema:            opts.Schema,
		IncludeViews:      opts.IncludeViews,
		IncludeProcedures: opts.IncludeProcedures,
		IncludeTriggers:   opts.IncludeTriggers,
	})
	if err != nil {
		var ie *dialect.IntrospectionError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &dialect.IntrospectionError{Object: "schema", Err: err}
	}

	res := BuildResult(raw, d, opts, time.Now().UTC())
	logger.Info("schema analyzed",
		"dialect", res.Dialect,
		"tables", res.Statistics.TableCount,
		"columns", res.Statistics.ColumnCount,
		"rows", humanize.Comma(res.Statistics.EstimatedRows),
		"size", humanize.Bytes(uint64(max(res.Statistics.EstimatedBytes, 0))),
		"issues", res.Issues.Count())
	for _, cycle := range res.Issues.CircularDependencies {
		logger.Warn("circular foreign keys", "tables", strings.Join(cycle, " -> "))
	}
	return res, nil
}

// BuildResult turns raw adapter output into a SchemaAnalysisResult. It is
// deterministic: equal input yields equal output apart from now.
func BuildResult(raw *dialect.RawSchema, d dialect.Dialect, opts Options, now time.Time) *model.SchemaAnalysisResult {
	res := &model.SchemaAnalysisResult{
		Dialect:    d.Tag(),
		AnalyzedAt: now,
	}
	if raw == nil {
		raw = &dialect.RawSchema{}
	}

	kept := map[string]bool{}
	for _, t := range raw.Tables {
		if !MatchTable(opts.TableFilter, t) {
			continue
		}
		t = normalizeTable(t, d)
		kept[t.Name] = true
		res.Tables = append(res.Tables, t)
	}
	slices.SortFunc(res.Tables, func(a, b model.TableSchema) int {
		return cmp.Or(cmp.Compare(a.Schema, b.Schema), cmp.Compare(a.Name, b.Name))
	})

	if opts.IncludeViews {
		res.Views = slices.Clone(raw.Views)
		slices.SortFunc(res.Views, func(a, b model.ViewSchema) int { return cmp.Compare(a.Name, b.Name) })
	}
	if opts.IncludeProcedures {
		res.Procedures = slices.Clone(raw.Procedures)
		slices.SortFunc(res.Procedures, func(a, b model.ProcedureSchema) int { return cmp.Compare(a.Name, b.Name) })
	}
	if opts.IncludeTriggers {
		for _, tr := range raw.Triggers {
			if kept[tr.Table] {
				res.Triggers = append(res.Triggers, tr)
			}
		}
		slices.SortFunc(res.Triggers, func(a, b model.TriggerSchema) int {
			return cmp.Or(cmp.Compare(a.Table, b.Table), cmp.Compare(a.Name, b.Name))
		})
	}
	for _, c := range raw.Constraints {
		if kept[c.Table] {
			res.Constraints = append(res.Constraints, c)
		}
	}
	slices.SortFunc(res.Constraints, func(a, b model.ConstraintSchema) int {
		return cmp.Or(cmp.Compare(a.Table, b.Table), cmp.Compare(a.Name, b.Name))
	})

	res.Statistics = statistics(res)
	res.Issues = model.SchemaIssues{
		TablesWithoutPrimaryKey: FindTablesWithoutPrimaryKey(res.Tables),
		RedundantIndexes:        FindRedundantIndexes(res.Tables),
		MissingIndexes:          FindMissingForeignKeyIndexes(res.Tables),
		CircularDependencies:    FindCircularDependencies(res.Tables),
		NamingInconsistencies:   FindNamingInconsistencies(res.Tables),
	}
	return res
}

// MatchTable reports whether t passes filter. Entries match the bare or the
// schema-qualified name.
func MatchTable(filter []string, t model.TableSchema) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		for _, name := range []string{t.Name, t.QualifiedName()} {
			if f == name {
				return true
			}
			if ok, err := path.Match(f, name); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// normalizeTable orders columns by position, renumbers them contiguously,
// fills key flags and sorts indexes and foreign keys by name.
func normalizeTable(t model.TableSchema, syntax dialect.Syntax) model.TableSchema {
	t.Columns = slices.Clone(t.Columns)
	slices.SortStableFunc(t.Columns, func(a, b model.ColumnSchema) int { return cmp.Compare(a.Position, b.Position) })
	t.Renumber()
	t.Indexes = slices.Clone(t.Indexes)
	slices.SortFunc(t.Indexes, func(a, b model.IndexSchema) int { return cmp.Compare(a.Name, b.Name) })
	t.ForeignKeys = slices.Clone(t.ForeignKeys)
	slices.SortFunc(t.ForeignKeys, func(a, b model.ForeignKeySchema) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.RefTable, b.RefTable))
	})
	dialect.MarkKeys(&t, syntax)
	return t
}

func statistics(res *model.SchemaAnalysisResult) model.SchemaStatistics {
	s := model.SchemaStatistics{
		TableCount:     len(res.Tables),
		ViewCount:      len(res.Views),
		ProcedureCount: len(res.Procedures),
		TriggerCount:   len(res.Triggers),
	}
	for _, t := range res.Tables {
		s.ColumnCount += len(t.Columns)
		s.IndexCount += len(t.Indexes)
		s.ForeignKeys += len(t.ForeignKeys)
		s.EstimatedRows += t.EstimatedRows
		s.EstimatedBytes += t.EstimatedBytes
	}
	return s
}
