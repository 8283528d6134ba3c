package planner

import (
	"slices"
	"strings"
	"unicode"
)

// SnakeCase converts camelCase and PascalCase identifiers to snake_case.
// Acronyms stay together: userID becomes user_id, HTTPServer http_server.
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsUpper(runes[i-1]) && unicode.IsLower(runes[i+1])
			if (prevLower || nextLower) && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == ' ' {
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tableName returns the target name of a source table.
func (h *RuleHints) tableName(source string) string {
	if n, ok := h.TableRenames[source]; ok && n != "" {
		return n
	}
	if h.SnakeCase {
		return SnakeCase(source)
	}
	return source
}

// columnName returns the target name of a source column.
func (h *RuleHints) columnName(table, column string) string {
	if n, ok := h.ColumnRenames[table][column]; ok && n != "" {
		return n
	}
	if h.SnakeCase {
		return SnakeCase(column)
	}
	return column
}

func (h *RuleHints) required(table, column string) bool {
	return slices.Contains(h.Required[table], column)
}
