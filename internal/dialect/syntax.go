package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Limetric/dbferry/internal/model"
)

// Syntax holds the per-dialect rules used to render DDL and queries.
type Syntax interface {
	// QuoteIdent quotes name only when the dialect requires it.
	QuoteIdent(name string) string
	// QualifiedName renders schema.table, dropping the schema when the
	// dialect has none.
	QualifiedName(schema, table string) string
	// NormalizeType maps a native type name onto the canonical FieldType.
	NormalizeType(native string) model.FieldType
	// NativeType renders the dialect's type for ft.
	NativeType(ft model.FieldType, length, precision, scale int64) string
	// WidestText is the type used when nothing else fits.
	WidestText() string
	// AutoIncrement returns the column clause for an auto-increment column,
	// or "" when the column cannot carry one.
	AutoIncrement(nativeType string, primaryKey bool) string
	// InlineForeignKeys reports whether FKs must be declared in CREATE TABLE.
	InlineForeignKeys() bool
	SupportsSchemas() bool
	// SupportsDDL is false for stores that create collections implicitly.
	SupportsDDL() bool
	// CreateTable wraps a column body into an idempotent CREATE statement.
	CreateTable(qualified, body string) string
	// CreateOrReplaceView renders a statement that (re)defines a view.
	CreateOrReplaceView(qualified, query string) string
	// CreateIndex renders an index statement. Dialects that can, skip
	// indexes that already exist.
	CreateIndex(name, qualified string, columns []string, unique bool) string
	// Placeholder returns the bind marker for the n-th parameter (1-based).
	Placeholder(n int) string
	MaxBindParams() int
	MaxPrecision() int64
	MaxVarchar() int64
	// IndexableText reports whether an unbounded text column can be a key.
	IndexableText() bool
	// BoolLiteral renders a boolean constant for DEFAULT clauses.
	BoolLiteral(v bool) string
	// ResetSequence returns the statement that moves an auto-increment
	// counter past the loaded rows, or "" when the dialect does that itself.
	ResetSequence(qualified, column string) string
	// AddForeignKey renders the statement that adds constraint name to the
	// table; dialects that can, skip a constraint that already exists.
	AddForeignKey(qualified, name, clause string) string
	// RowID is the physical row identifier keyless tables are read in, or ""
	// when the dialect has none.
	RowID() string
	// Orderable reports whether a column of the native type can appear in
	// ORDER BY.
	Orderable(native string) bool
}

// Rules is a table-driven Syntax. Adapters fill one in and embed it.
type Rules struct {
	OpenQuote  string
	CloseQuote string
	// Reserved words always quoted; compared lowercased.
	Reserved map[string]bool
	Types    TypeTable

	VarcharFormat string // e.g. "VARCHAR(%d)"
	DecimalFormat string // e.g. "DECIMAL(%d,%d)"
	Widest        string

	AutoIncrementClause string
	// AutoIncrementIntegerPK limits AutoIncrementClause to INTEGER PRIMARY KEY.
	AutoIncrementIntegerPK bool

	InlineFKs bool
	Schemas   bool
	NoDDL     bool

	// CreateTableFormat takes the qualified name and column body. The
	// default is CREATE TABLE IF NOT EXISTS.
	CreateTableFormat func(qualified, body string) string
	ViewFormat        func(qualified, query string) string
	PlaceholderFormat func(n int) string
	// IndexIfNotExists adds IF NOT EXISTS to CREATE INDEX.
	IndexIfNotExists  bool
	CreateIndexFormat func(unique bool, name, qualified, columns string) string

	BindParams int
	Precision  int64
	Varchar    int64

	TextKeys bool
	// BoolTrue and BoolFalse default to TRUE and FALSE.
	BoolTrue  string
	BoolFalse string

	// SequenceResetFormat receives the qualified table, the raw column name
	// and the quoted column name.
	SequenceResetFormat func(qualified, column, quoted string) string

	// ForeignKeyFormat receives the qualified table, the raw and quoted
	// constraint name and the FOREIGN KEY clause.
	ForeignKeyFormat func(qualified, name, quoted, clause string) string
	RowIDColumn      string
	// Unorderable lists base type names without an ordering operator.
	Unorderable map[string]bool
}

func (r *Rules) QuoteIdent(name string) string {
	if name == "" {
		return name
	}
	if r.Reserved[strings.ToLower(name)] || needsQuoting(name) {
		esc := strings.ReplaceAll(name, r.CloseQuote, r.CloseQuote+r.CloseQuote)
		return r.OpenQuote + esc + r.CloseQuote
	}
	return name
}

// needsQuoting reports whether name contains anything beyond lowercase
// letters, digits, underscores and dollar signs, or starts with a digit.
func needsQuoting(name string) bool {
	for i, r := range name {
		if r >= 'a' && r <= 'z' || r == '_' {
			continue
		}
		if i > 0 && (r >= '0' && r <= '9' || r == '$') {
			continue
		}
		return true
	}
	return false
}

func (r *Rules) QualifiedName(schema, table string) string {
	if schema == "" || !r.Schemas {
		return r.QuoteIdent(table)
	}
	return r.QuoteIdent(schema) + "." + r.QuoteIdent(table)
}

func (r *Rules) NormalizeType(native string) model.FieldType {
	return r.Types.FieldType(native)
}

func (r *Rules) NativeType(ft model.FieldType, length, precision, scale int64) string {
	switch ft {
	case model.FieldString, model.FieldEnum:
		if length > 0 && r.VarcharFormat != "" && (r.Varchar == 0 || length <= r.Varchar) {
			return fmt.Sprintf(r.VarcharFormat, length)
		}
		if length > 0 {
			return r.Widest
		}
	case model.FieldDecimal:
		if precision > 0 && r.DecimalFormat != "" {
			if r.Precision > 0 && precision > r.Precision {
				precision = r.Precision
			}
			if scale > precision {
				scale = precision
			}
			return fmt.Sprintf(r.DecimalFormat, precision, scale)
		}
	}
	if t, ok := r.Types.Native[ft]; ok {
		return t
	}
	return r.Widest
}

func (r *Rules) WidestText() string { return r.Widest }

func (r *Rules) AutoIncrement(nativeType string, primaryKey bool) string {
	if r.AutoIncrementClause == "" {
		return ""
	}
	if r.AutoIncrementIntegerPK && (!primaryKey || !strings.EqualFold(nativeType, "INTEGER")) {
		return ""
	}
	return r.AutoIncrementClause
}

func (r *Rules) InlineForeignKeys() bool { return r.InlineFKs }
func (r *Rules) SupportsSchemas() bool   { return r.Schemas }
func (r *Rules) SupportsDDL() bool       { return !r.NoDDL }

func (r *Rules) CreateTable(qualified, body string) string {
	if r.CreateTableFormat != nil {
		return r.CreateTableFormat(qualified, body)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", qualified, body)
}

func (r *Rules) CreateOrReplaceView(qualified, query string) string {
	if r.ViewFormat != nil {
		return r.ViewFormat(qualified, query)
	}
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", qualified, query)
}

func (r *Rules) CreateIndex(name, qualified string, columns []string, unique bool) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = r.QuoteIdent(c)
	}
	cols := strings.Join(quoted, ", ")
	if r.CreateIndexFormat != nil {
		return r.CreateIndexFormat(unique, name, qualified, cols)
	}
	var b strings.Builder
	b.WriteString("CREATE ")
	if unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	if r.IndexIfNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	fmt.Fprintf(&b, "%s ON %s (%s)", r.QuoteIdent(name), qualified, cols)
	return b.String()
}

func (r *Rules) Placeholder(n int) string {
	if r.PlaceholderFormat != nil {
		return r.PlaceholderFormat(n)
	}
	return "?"
}

func (r *Rules) MaxBindParams() int {
	if r.BindParams <= 0 {
		return 999
	}
	return r.BindParams
}

func (r *Rules) MaxPrecision() int64 { return r.Precision }
func (r *Rules) MaxVarchar() int64   { return r.Varchar }
func (r *Rules) IndexableText() bool { return r.TextKeys }

func (r *Rules) BoolLiteral(v bool) string {
	switch {
	case v && r.BoolTrue != "":
		return r.BoolTrue
	case !v && r.BoolFalse != "":
		return r.BoolFalse
	case v:
		return "TRUE"
	default:
		return "FALSE"
	}
}

func (r *Rules) ResetSequence(qualified, column string) string {
	if r.SequenceResetFormat == nil {
		return ""
	}
	return r.SequenceResetFormat(qualified, column, r.QuoteIdent(column))
}

func (r *Rules) AddForeignKey(qualified, name, clause string) string {
	if r.ForeignKeyFormat != nil {
		return r.ForeignKeyFormat(qualified, name, r.QuoteIdent(name), clause)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", qualified, r.QuoteIdent(name), clause)
}

func (r *Rules) RowID() string { return r.RowIDColumn }

func (r *Rules) Orderable(native string) bool {
	base, _ := BaseType(native)
	if r.Unorderable[base] {
		return false
	}
	switch r.NormalizeType(native) {
	case model.FieldJSON, model.FieldArray, model.FieldObject:
		return false
	}
	return true
}

// TypeTable maps native type names to FieldTypes and back.
type TypeTable struct {
	// Normalize is keyed by the lowercased base type name, without
	// parameters or modifiers.
	Normalize map[string]model.FieldType
	Native    map[model.FieldType]string
}

// FieldType resolves a native type; unknown names map to FieldString.
func (t TypeTable) FieldType(native string) model.FieldType {
	base, _ := BaseType(native)
	if strings.HasSuffix(base, "[]") {
		return model.FieldArray
	}
	if ft, ok := t.Normalize[base]; ok {
		return ft
	}
	return model.FieldString
}

// BaseType strips parameters and modifiers from a native type name and
// returns the lowercased base plus the parameter list.
// "varchar(255)" yields ("varchar", [255]); "int unsigned" yields ("int", nil).
func BaseType(native string) (string, []int64) {
	s := strings.ToLower(strings.TrimSpace(native))
	var params []int64
	if open := strings.IndexByte(s, '('); open >= 0 {
		if end := strings.IndexByte(s[open:], ')'); end > 0 {
			for _, p := range strings.Split(s[open+1:open+end], ",") {
				if n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
					params = append(params, n)
				}
			}
			s = strings.TrimSpace(s[:open] + s[open+end+1:])
		}
	}
	for _, mod := range []string{" unsigned", " zerofill", " signed"} {
		s = strings.ReplaceAll(s, mod, "")
	}
	if strings.HasPrefix(s, "_") {
		// PostgreSQL array element types in information_schema (_int4)
		s = strings.TrimPrefix(s, "_") + "[]"
	}
	return strings.TrimSpace(s), params
}
