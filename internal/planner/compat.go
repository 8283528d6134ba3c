package planner

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Limetric/dbferry/internal/model"
)

func indexUnsupportedReason(idx model.IndexSchema) (string, bool) {
	if idx.Partial {
		return "partial indexes are not currently supported", true
	}
	if t := strings.ToUpper(idx.Type); t != "" && t != "BTREE" && t != "CLUSTERED" && t != "NONCLUSTERED" {
		return fmt.Sprintf("index type %q is not supported", idx.Type), true
	}
	if len(idx.Columns) == 0 {
		return "index has no plain column key-parts", true
	}
	return "", false
}

// warnings adds schema-level compatibility notes for columns the target
// cannot reproduce exactly.
func (p *planBuilder) warnings() {
	for _, t := range p.schema.Tables {
		for _, col := range t.Columns {
			if col.Generated != "" {
				p.warn("generated column %s.%s (%s) will be materialized as plain data; generation expression is not recreated",
					t.Name, col.Name, col.Generated)
			}
			if col.OnUpdateTimestamp {
				p.warn("column %s.%s refreshes on every update in the source; the target column keeps only its default", t.Name, col.Name)
			}
		}
	}
	if p.src.Tag() != p.dst.Tag() {
		p.collationWarnings()
	}
	if !p.dst.SupportsDDL() {
		p.warn("%s target: no DDL generated; collections are created on first insert", p.dst.Tag())
	}
}

// collationWarnings reports case-insensitive collations whose comparison
// and uniqueness semantics may change on the target.
func (p *planBuilder) collationWarnings() {
	collations := map[string]bool{}
	ciCounts := map[string]int{}
	ciUniqueRefs := map[string][]string{}

	for _, t := range p.schema.Tables {
		uniqueCols := map[string]bool{}
		for _, c := range primaryKeyColumns(&t) {
			uniqueCols[c] = true
		}
		for _, idx := range t.Indexes {
			if idx.Unique {
				for _, c := range idx.Columns {
					uniqueCols[c] = true
				}
			}
		}
		for _, col := range t.Columns {
			if col.Collation == "" {
				continue
			}
			collations[col.Collation] = true
			if !strings.HasSuffix(strings.ToLower(col.Collation), "_ci") {
				continue
			}
			ciCounts[col.Collation]++
			if uniqueCols[col.Name] || col.Unique {
				ciUniqueRefs[col.Collation] = append(ciUniqueRefs[col.Collation], t.Name+"."+col.Name)
			}
		}
	}

	if len(collations) > 0 {
		p.warn("source collations found: %s", strings.Join(slices.Sorted(maps.Keys(collations)), ", "))
	}
	for _, coll := range slices.Sorted(maps.Keys(ciCounts)) {
		p.warn("%d column(s) use %s (case-insensitive); %s text comparisons may be case-sensitive",
			ciCounts[coll], coll, p.dst.Tag())
	}
	for _, coll := range slices.Sorted(maps.Keys(ciUniqueRefs)) {
		p.warn("unique index/PK on %s column(s); uniqueness semantics may differ: %s",
			coll, strings.Join(ciUniqueRefs[coll], ", "))
	}
}
