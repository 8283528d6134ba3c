package sqlbase

import (
	"fmt"
	"strings"

	"github.com/Limetric/dbferry/internal/dialect"
)

// Renderer builds the paged SELECT and multi-row INSERT statements shared
// by every SQL adapter, including the pgx-based PostgreSQL one.
type Renderer struct {
	Syntax dialect.Syntax
	// Page renders a LIMIT/OFFSET clause; nil means "LIMIT n OFFSET m".
	Page func(limit, offset int) string
}

// Source renders the FROM target of table.
func (r Renderer) Source(table dialect.TableRef) string {
	if table.Query != "" {
		return "(" + table.Query + ") src"
	}
	return r.Syntax.QualifiedName(table.Schema, table.Name)
}

func (r Renderer) columnList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = r.Syntax.QuoteIdent(col)
	}
	return strings.Join(quoted, ", ")
}

// SelectQuery renders the paged read used by ReadBatch.
func (r Renderer) SelectQuery(table dialect.TableRef, columns []string, offset, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", r.columnList(columns), r.Source(table))
	if table.Filter != "" {
		fmt.Fprintf(&b, " WHERE %s", table.Filter)
	}
	fmt.Fprintf(&b, " ORDER BY %s", r.orderBy(table, columns))
	if r.Page != nil {
		b.WriteString(" " + r.Page(limit, offset))
	} else {
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, offset)
	}
	return b.String()
}

// orderBy picks a deterministic read order: the key columns, else the row id
// of a plain keyless table, else its comparable columns.
func (r Renderer) orderBy(table dialect.TableRef, columns []string) string {
	switch {
	case table.Keyless && table.Query == "" && r.Syntax.RowID() != "":
		return r.Syntax.RowID()
	case len(table.OrderBy) > 0:
		return r.columnList(table.OrderBy)
	case !table.Keyless && len(columns) > 0:
		return r.columnList(columns)
	}
	// SQL Server needs an ORDER BY for OFFSET/FETCH
	return "(SELECT NULL)"
}

// CountQuery renders an exact COUNT(*) over table.
func (r Renderer) CountQuery(table dialect.TableRef) string {
	q := "SELECT COUNT(*) FROM " + r.Source(table)
	if table.Filter != "" {
		q += " WHERE " + table.Filter
	}
	return q
}

// InsertStatement renders a multi-row INSERT for n rows.
func (r Renderer) InsertStatement(table dialect.TableRef, columns []string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", r.Syntax.QualifiedName(table.Schema, table.Name), r.columnList(columns))
	p := 1
	for i := range n {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.Syntax.Placeholder(p))
			p++
		}
		b.WriteByte(')')
	}
	return b.String()
}
