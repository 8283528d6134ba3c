package dialect

import (
	"strings"

	"github.com/Limetric/dbferry/internal/model"
)

// MarkKeys sets the per-column PrimaryKey, Unique and ForeignKey flags from
// the table-level key, index and constraint lists, and fills FieldType from
// syntax where the adapter left it empty.
func MarkKeys(t *model.TableSchema, syntax Syntax) {
	pk := make(map[string]bool, len(t.PrimaryKey))
	for _, c := range t.PrimaryKey {
		pk[c] = true
	}
	unique := map[string]bool{}
	for _, idx := range t.Indexes {
		if idx.Unique && len(idx.Columns) == 1 {
			unique[idx.Columns[0]] = true
		}
	}
	fk := map[string]bool{}
	for _, f := range t.ForeignKeys {
		for _, c := range f.Columns {
			fk[c] = true
		}
	}
	for i := range t.Columns {
		c := &t.Columns[i]
		if pk[c.Name] {
			c.PrimaryKey = true
			c.Nullable = false
		}
		if unique[c.Name] && !(len(t.PrimaryKey) == 1 && pk[c.Name]) {
			c.Unique = true
		}
		if fk[c.Name] {
			c.ForeignKey = true
		}
		if c.Type == "" && syntax != nil {
			c.Type = syntax.NormalizeType(c.NativeType)
		}
	}
}

// ViewBody strips "CREATE VIEW name AS" from a stored view definition.
func ViewBody(def string) string {
	upper := strings.ToUpper(def)
	if idx := strings.Index(upper, " AS "); idx >= 0 && strings.HasPrefix(strings.TrimSpace(upper), "CREATE") {
		return strings.TrimSpace(def[idx+4:])
	}
	return strings.TrimSpace(def)
}

// TriggerShape extracts timing and event from a CREATE TRIGGER statement.
func TriggerShape(def string) (timing, event string) {
	fields := strings.Fields(strings.ToUpper(def))
	for i, f := range fields {
		switch f {
		case "BEFORE", "AFTER":
			if timing == "" {
				timing = f
			}
		case "INSTEAD":
			timing = "INSTEAD OF"
		case "FOR":
			// SQL Server spells AFTER as FOR
			if timing == "" && i+1 < len(fields) && strings.Trim(fields[i+1], ",") != "EACH" {
				timing = "AFTER"
			}
		case "INSERT", "UPDATE", "DELETE", "INSERT,", "UPDATE,", "DELETE,":
			if event == "" && i > 0 {
				event = strings.TrimSuffix(f, ",")
			}
		}
	}
	return timing, event
}
