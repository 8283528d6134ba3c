// Package sqlite registers the SQLite adapter backed by the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/dialect/sqlbase"
	"github.com/Limetric/dbferry/internal/model"
)

var reservedWords = map[string]bool{
	"abort": true, "action": true, "add": true, "after": true, "all": true,
	"alter": true, "analyze": true, "and": true, "as": true, "asc": true,
	"attach": true, "autoincrement": true, "before": true, "begin": true,
	"between": true, "by": true, "cascade": true, "case": true, "cast": true,
	"check": true, "collate": true, "column": true, "commit": true,
	"conflict": true, "constraint": true, "create": true, "cross": true,
	"current_date": true, "current_time": true, "current_timestamp": true,
	"database": true, "default": true, "deferrable": true, "deferred": true,
	"delete": true, "desc": true, "detach": true, "distinct": true, "drop": true,
	"each": true, "else": true, "end": true, "escape": true, "except": true,
	"exclusive": true, "exists": true, "explain": true, "fail": true, "for": true,
	"foreign": true, "from": true, "full": true, "glob": true, "group": true,
	"having": true, "if": true, "ignore": true, "immediate": true, "in": true,
	"index": true, "indexed": true, "initially": true, "inner": true,
	"insert": true, "instead": true, "intersect": true, "into": true, "is": true,
	"isnull": true, "join": true, "key": true, "left": true, "like": true,
	"limit": true, "match": true, "natural": true, "no": true, "not": true,
	"notnull": true, "null": true, "of": true, "offset": true, "on": true,
	"or": true, "order": true, "outer": true, "plan": true, "pragma": true,
	"primary": true, "query": true, "raise": true, "recursive": true,
	"references": true, "regexp": true, "reindex": true, "release": true,
	"rename": true, "replace": true, "restrict": true, "right": true,
	"rollback": true, "row": true, "savepoint": true, "select": true, "set": true,
	"table": true, "temp": true, "temporary": true, "then": true, "to": true,
	"transaction": true, "trigger": true, "union": true, "unique": true,
	"update": true, "using": true, "vacuum": true, "values": true, "view": true,
	"virtual": true, "when": true, "where": true, "with": true, "without": true,
}

// Syntax is the SQLite rule set.
var Syntax = &dialect.Rules{
	OpenQuote:  `"`,
	CloseQuote: `"`,
	Reserved:   reservedWords,
	Types: dialect.TypeTable{
		Normalize: map[string]model.FieldType{
			"text": model.FieldString, "varchar": model.FieldString, "char": model.FieldString,
			"clob": model.FieldString, "nvarchar": model.FieldString, "nchar": model.FieldString,
			"integer": model.FieldInteger, "int": model.FieldInteger,
			"smallint": model.FieldInteger, "tinyint": model.FieldInteger,
			"mediumint": model.FieldInteger, "bigint": model.FieldBigInt,
			"real": model.FieldDouble, "double": model.FieldDouble,
			"double precision": model.FieldDouble, "float": model.FieldFloat,
			"numeric": model.FieldDecimal, "decimal": model.FieldDecimal,
			"boolean": model.FieldBoolean, "bool": model.FieldBoolean,
			"date": model.FieldDate, "datetime": model.FieldDateTime,
			"timestamp": model.FieldTimestamp,
			"json":      model.FieldJSON, "uuid": model.FieldUUID,
			"blob": model.FieldBinary, "": model.FieldBinary,
		},
		Native: map[model.FieldType]string{
			model.FieldString:    "TEXT",
			model.FieldInteger:   "INTEGER",
			model.FieldBigInt:    "BIGINT",
			model.FieldFloat:     "FLOAT",
			model.FieldDouble:    "REAL",
			model.FieldDecimal:   "NUMERIC",
			model.FieldBoolean:   "BOOLEAN",
			model.FieldDate:      "DATE",
			model.FieldDateTime:  "DATETIME",
			model.FieldTimestamp: "TIMESTAMP",
			model.FieldJSON:      "JSON",
			model.FieldUUID:      "UUID",
			model.FieldBinary:    "BLOB",
			model.FieldArray:     "JSON",
			model.FieldObject:    "JSON",
			model.FieldEnum:      "TEXT",
		},
	},
	VarcharFormat:          "VARCHAR(%d)",
	DecimalFormat:          "NUMERIC(%d,%d)",
	Widest:                 "TEXT",
	AutoIncrementClause:    "AUTOINCREMENT",
	AutoIncrementIntegerPK: true,
	InlineFKs:              true,
	TextKeys:               true,
	IndexIfNotExists:       true,
	RowIDColumn:            "rowid",
	ViewFormat: func(qualified, query string) string {
		return fmt.Sprintf("DROP VIEW IF EXISTS %s;\nCREATE VIEW %s AS %s", qualified, qualified, query)
	},
	BindParams: 32766,
}

// Dialect is the registered SQLite adapter.
type Dialect struct{ *dialect.Rules }

func init() {
	dialect.Register(Dialect{Rules: Syntax})
}

func (Dialect) Tag() model.Dialect { return model.SQLite }

func (d Dialect) Open(ctx context.Context, cfg model.ConnectionConfig) (dialect.Conn, error) {
	uri, err := cfg.URI()
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.SQLite, Err: err}
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.SQLite, Err: fmt.Errorf("open sqlite: %w", err)}
	}
	// PRAGMA foreign_keys is per connection; pin the pool to one.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &dialect.ConnectionError{Dialect: model.SQLite, Err: err}
	}
	return New(db, DatabaseName(uri)), nil
}

// New wraps an open SQLite handle.
func New(db *sql.DB, name string) *sqlbase.Conn {
	return sqlbase.New(db, sqlbase.Options{
		Dialect:      model.SQLite,
		Syntax:       Dialect{Rules: Syntax},
		Database:     name,
		VersionQuery: "SELECT sqlite_version()",
		Introspect:   introspect,
		ConstraintSQL: func(_ []string, enabled bool) []string {
			if enabled {
				return []string{"PRAGMA foreign_keys = ON"}
			}
			return []string{"PRAGMA foreign_keys = OFF"}
		},
		TruncateSQL: func(qualified string) string { return "DELETE FROM " + qualified },
	})
}

// DatabaseName derives a logical name from a file path or file: URI.
func DatabaseName(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	if base == "" || base == "." || base == ":memory:" {
		return "sqlite"
	}
	return base
}
