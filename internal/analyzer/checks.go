package analyzer

import (
	"slices"
	"strings"
	"unicode"

	"github.com/Limetric/dbferry/internal/depgraph"
	"github.com/Limetric/dbferry/internal/model"
)

// FindTablesWithoutPrimaryKey lists tables with neither a declared primary
// key nor a PK-flagged column.
func FindTablesWithoutPrimaryKey(tables []model.TableSchema) []string {
	var out []string
	for _, t := range tables {
		if !t.HasPrimaryKey() {
			out = append(out, t.QualifiedName())
		}
	}
	return out
}

// FindRedundantIndexes reports every index whose columns are a strict
// prefix of another index on the same table with the same uniqueness.
// Partial indexes are never reported or used as cover.
func FindRedundantIndexes(tables []model.TableSchema) []model.RedundantIndex {
	var out []model.RedundantIndex
	for _, t := range tables {
		for _, a := range t.Indexes {
			if a.Partial || len(a.Columns) == 0 {
				continue
			}
			for _, b := range t.Indexes {
				if b.Partial || a.Unique != b.Unique || len(a.Columns) >= len(b.Columns) {
					continue
				}
				if slices.Equal(a.Columns, b.Columns[:len(a.Columns)]) {
					out = append(out, model.RedundantIndex{Table: t.QualifiedName(), Index: a.Name, CoveredBy: b.Name})
					break
				}
			}
		}
	}
	return out
}

// FindMissingForeignKeyIndexes reports foreign keys whose columns do not
// form the leading columns (in any order) of an index or the primary key.
func FindMissingForeignKeyIndexes(tables []model.TableSchema) []model.MissingIndex {
	var out []model.MissingIndex
	for _, t := range tables {
		candidates := make([][]string, 0, len(t.Indexes)+1)
		if pk := primaryKey(t); len(pk) > 0 {
			candidates = append(candidates, pk)
		}
		for _, idx := range t.Indexes {
			if !idx.Partial {
				candidates = append(candidates, idx.Columns)
			}
		}
		for _, fk := range t.ForeignKeys {
			if len(fk.Columns) == 0 || covered(fk.Columns, candidates) {
				continue
			}
			out = append(out, model.MissingIndex{
				Table:      t.QualifiedName(),
				Columns:    slices.Clone(fk.Columns),
				ForeignKey: fk.Name,
			})
		}
	}
	return out
}

func primaryKey(t model.TableSchema) []string {
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

func covered(cols []string, candidates [][]string) bool {
	for _, idx := range candidates {
		if len(idx) < len(cols) {
			continue
		}
		lead := idx[:len(cols)]
		all := true
		for _, c := range cols {
			if !slices.Contains(lead, c) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// DependencyGraph builds the table graph with an edge from each table to
// every table it references. References to tables outside the list are
// ignored.
func DependencyGraph(tables []model.TableSchema) *depgraph.Graph {
	g := depgraph.New()
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		g.AddNode(t.Name)
		known[t.Name] = true
	}
	for _, t := range tables {
		for _, fk := range t.ForeignKeys {
			if known[fk.RefTable] {
				g.AddEdge(t.Name, fk.RefTable)
			}
		}
	}
	return g
}

// FindCircularDependencies returns the first foreign-key cycle found in each
// connected group of tables.
func FindCircularDependencies(tables []model.TableSchema) [][]string {
	return DependencyGraph(tables).Cycles()
}

// Naming styles recognized by Style.
const (
	StyleSnake  = "snake_case"
	StyleCamel  = "camelCase"
	StylePascal = "PascalCase"
	StyleKebab  = "kebab-case"
)

// Style classifies an identifier. Single lowercase words fit every style
// and return "".
func Style(name string) string {
	hasUpper, hasLower := false, false
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		}
	}
	switch {
	case name == "":
		return ""
	case strings.Contains(name, "-"):
		return StyleKebab
	case strings.Contains(name, "_"):
		return StyleSnake
	case unicode.IsUpper([]rune(name)[0]) && hasLower:
		return StylePascal
	case hasUpper && hasLower:
		return StyleCamel
	}
	return ""
}

// FindNamingInconsistencies flags tables whose dominant column naming style
// differs from the style of the table name itself.
func FindNamingInconsistencies(tables []model.TableSchema) []model.NamingInconsistency {
	var out []model.NamingInconsistency
	for _, t := range tables {
		tableStyle := Style(t.Name)
		if tableStyle == "" {
			continue
		}
		counts := map[string]int{}
		for _, c := range t.Columns {
			if s := Style(c.Name); s != "" {
				counts[s]++
			}
		}
		dominant, n := "", 0
		for _, s := range []string{StyleSnake, StyleCamel, StylePascal, StyleKebab} {
			if counts[s] > n {
				dominant, n = s, counts[s]
			}
		}
		if dominant != "" && dominant != tableStyle {
			out = append(out, model.NamingInconsistency{
				Table:       t.QualifiedName(),
				TableStyle:  tableStyle,
				ColumnStyle: dominant,
			})
		}
	}
	return out
}
