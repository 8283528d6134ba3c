// Package mssql registers the SQL Server adapter backed by
// github.com/microsoft/go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/dialect/sqlbase"
	"github.com/Limetric/dbferry/internal/model"
)

var reservedWords = map[string]bool{
	"add": true, "all": true, "alter": true, "and": true, "any": true, "as": true,
	"asc": true, "authorization": true, "backup": true, "begin": true, "between": true,
	"break": true, "browse": true, "bulk": true, "by": true, "cascade": true,
	"case": true, "check": true, "checkpoint": true, "close": true, "clustered": true,
	"coalesce": true, "collate": true, "column": true, "commit": true, "compute": true,
	"constraint": true, "contains": true, "continue": true, "convert": true,
	"create": true, "cross": true, "current": true, "current_date": true,
	"current_time": true, "current_timestamp": true, "current_user": true,
	"cursor": true, "database": true, "dbcc": true, "deallocate": true, "declare": true,
	"default": true, "delete": true, "deny": true, "desc": true, "distinct": true,
	"distributed": true, "double": true, "drop": true, "else": true, "end": true,
	"escape": true, "except": true, "exec": true, "execute": true, "exists": true,
	"exit": true, "external": true, "fetch": true, "file": true, "fillfactor": true,
	"for": true, "foreign": true, "from": true, "full": true, "function": true,
	"goto": true, "grant": true, "group": true, "having": true, "identity": true,
	"if": true, "in": true, "index": true, "inner": true, "insert": true,
	"intersect": true, "into": true, "is": true, "join": true, "key": true, "kill": true,
	"left": true, "like": true, "merge": true, "national": true, "nocheck": true,
	"nonclustered": true, "not": true, "null": true, "nullif": true, "of": true,
	"off": true, "offsets": true, "on": true, "open": true, "option": true, "or": true,
	"order": true, "outer": true, "over": true, "percent": true, "pivot": true,
	"plan": true, "primary": true, "print": true, "proc": true, "procedure": true,
	"public": true, "raiserror": true, "read": true, "references": true,
	"restore": true, "restrict": true, "return": true, "revoke": true, "right": true,
	"rollback": true, "rowcount": true, "rule": true, "save": true, "schema": true,
	"select": true, "session_user": true, "set": true, "some": true, "statistics": true,
	"table": true, "then": true, "to": true, "top": true, "tran": true,
	"transaction": true, "trigger": true, "truncate": true, "union": true,
	"unique": true, "update": true, "use": true, "user": true, "values": true,
	"view": true, "when": true, "where": true, "while": true, "with": true,
}

// Syntax is the SQL Server rule set.
var Syntax = &dialect.Rules{
	OpenQuote:  "[",
	CloseQuote: "]",
	Reserved:   reservedWords,
	Types: dialect.TypeTable{
		Normalize: map[string]model.FieldType{
			"varchar": model.FieldString, "nvarchar": model.FieldString, "char": model.FieldString,
			"nchar": model.FieldString, "text": model.FieldString, "ntext": model.FieldString,
			"sysname": model.FieldString, "xml": model.FieldString,
			"int": model.FieldInteger, "smallint": model.FieldInteger, "tinyint": model.FieldInteger,
			"bigint": model.FieldBigInt, "real": model.FieldFloat, "float": model.FieldDouble,
			"decimal": model.FieldDecimal, "numeric": model.FieldDecimal,
			"money": model.FieldDecimal, "smallmoney": model.FieldDecimal,
			"bit": model.FieldBoolean, "date": model.FieldDate, "datetime": model.FieldDateTime,
			"datetime2": model.FieldDateTime, "smalldatetime": model.FieldDateTime,
			"datetimeoffset": model.FieldTimestamp, "uniqueidentifier": model.FieldUUID,
			"varbinary": model.FieldBinary, "binary": model.FieldBinary, "image": model.FieldBinary,
			"rowversion": model.FieldBinary, "timestamp": model.FieldBinary,
		},
		Native: map[model.FieldType]string{
			model.FieldString:    "NVARCHAR(MAX)",
			model.FieldInteger:   "INT",
			model.FieldBigInt:    "BIGINT",
			model.FieldFloat:     "REAL",
			model.FieldDouble:    "FLOAT",
			model.FieldDecimal:   "DECIMAL(38,10)",
			model.FieldBoolean:   "BIT",
			model.FieldDate:      "DATE",
			model.FieldDateTime:  "DATETIME2",
			model.FieldTimestamp: "DATETIMEOFFSET",
			model.FieldJSON:      "NVARCHAR(MAX)",
			model.FieldUUID:      "UNIQUEIDENTIFIER",
			model.FieldBinary:    "VARBINARY(MAX)",
			model.FieldArray:     "NVARCHAR(MAX)",
			model.FieldObject:    "NVARCHAR(MAX)",
			model.FieldEnum:      "NVARCHAR(255)",
		},
	},
	VarcharFormat:       "NVARCHAR(%d)",
	DecimalFormat:       "DECIMAL(%d,%d)",
	Widest:              "NVARCHAR(MAX)",
	AutoIncrementClause: "IDENTITY(1,1)",
	Schemas:             true,
	CreateTableFormat: func(qualified, body string) string {
		return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nCREATE TABLE %s (\n%s\n)",
			strings.ReplaceAll(qualified, "'", "''"), qualified, body)
	},
	ViewFormat: func(qualified, query string) string {
		return fmt.Sprintf("CREATE OR ALTER VIEW %s AS %s", qualified, query)
	},
	CreateIndexFormat: func(unique bool, name, qualified, columns string) string {
		kind := "INDEX"
		if unique {
			kind = "UNIQUE INDEX"
		}
		return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s'))\nCREATE %s [%s] ON %s (%s)",
			strings.ReplaceAll(name, "'", "''"), strings.ReplaceAll(qualified, "'", "''"), kind, name, qualified, columns)
	},
	ForeignKeyFormat: func(qualified, name, quoted, clause string) string {
		return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.foreign_keys WHERE name = N'%s' AND parent_object_id = OBJECT_ID(N'%s'))\nALTER TABLE %s ADD CONSTRAINT %s %s",
			strings.ReplaceAll(name, "'", "''"), strings.ReplaceAll(qualified, "'", "''"), qualified, quoted, clause)
	},
	Unorderable: map[string]bool{
		"xml": true, "text": true, "ntext": true, "image": true,
		"geography": true, "geometry": true,
	},
	PlaceholderFormat: func(n int) string { return fmt.Sprintf("@p%d", n) },
	BindParams:        2000,
	Precision:         38,
	Varchar:           4000,
	BoolTrue:          "1",
	BoolFalse:         "0",
}

// Dialect is the registered SQL Server adapter.
type Dialect struct{ *dialect.Rules }

func init() {
	dialect.Register(Dialect{Rules: Syntax})
}

func (Dialect) Tag() model.Dialect { return model.SQLServer }

func (d Dialect) Open(ctx context.Context, cfg model.ConnectionConfig) (dialect.Conn, error) {
	uri, err := cfg.URI()
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.SQLServer, Err: err}
	}
	connector, err := mssqldb.NewConnector(uri)
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.SQLServer, Err: fmt.Errorf("parse sqlserver dsn: %w", err)}
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &dialect.ConnectionError{Dialect: model.SQLServer, Err: fmt.Errorf("ping sqlserver: %w", err)}
	}
	database := cfg.Database
	if database == "" {
		database = DatabaseName(uri)
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "dbo"
	}
	return New(db, database, schema), nil
}

// New wraps an open SQL Server handle.
func New(db *sql.DB, database, schema string) *sqlbase.Conn {
	ids := &identityCache{known: map[string]bool{}}
	return sqlbase.New(db, sqlbase.Options{
		Dialect:      model.SQLServer,
		Syntax:       Dialect{Rules: Syntax},
		Database:     database,
		Schema:       schema,
		VersionQuery: "SELECT CAST(SERVERPROPERTY('ProductVersion') AS NVARCHAR(128))",
		Introspect:   introspect,
		Page: func(limit, offset int) string {
			return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
		},
		ConstraintSQL: func(tables []string, enabled bool) []string {
			stmts := make([]string, len(tables))
			for i, t := range tables {
				if enabled {
					stmts[i] = "ALTER TABLE " + t + " WITH CHECK CHECK CONSTRAINT ALL"
				} else {
					stmts[i] = "ALTER TABLE " + t + " NOCHECK CONSTRAINT ALL"
				}
			}
			return stmts
		},
		// TRUNCATE is refused on referenced tables even with NOCHECK.
		TruncateSQL:   func(qualified string) string { return "DELETE FROM " + qualified },
		PrepareInsert: ids.wrap,
		ConvertValue:  convertValue,
		ObjectExists:  objectExists,
	})
}

// objectExists matches "There is already an object named" (2714) and a
// duplicate index name (1913).
func objectExists(err error) bool {
	var me mssqldb.Error
	return errors.As(err, &me) && (me.Number == 2714 || me.Number == 1913)
}

// convertValue renders UNIQUEIDENTIFIER bytes, which SQL Server stores in
// mixed-endian order, as canonical UUID text.
func convertValue(dbType string, v any) any {
	b, ok := v.([]byte)
	if !ok || dbType != "UNIQUEIDENTIFIER" || len(b) != 16 {
		return v
	}
	var id mssqldb.UniqueIdentifier
	if err := id.Scan(b); err != nil {
		return v
	}
	return id.String()
}

// identityCache remembers which tables carry an IDENTITY column so explicit
// key values can be inserted.
type identityCache struct {
	mu    sync.Mutex
	known map[string]bool
}

func (c *identityCache) wrap(ctx context.Context, db *sql.DB, table dialect.TableRef, stmt string) (string, error) {
	qualified := Syntax.QualifiedName(table.Schema, table.Name)
	c.mu.Lock()
	has, ok := c.known[qualified]
	c.mu.Unlock()
	if !ok {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COALESCE(OBJECTPROPERTY(OBJECT_ID(@p1), 'TableHasIdentity'), 0)", qualified).Scan(&n)
		if err != nil {
			return "", err
		}
		has = n == 1
		c.mu.Lock()
		c.known[qualified] = has
		c.mu.Unlock()
	}
	if !has {
		return stmt, nil
	}
	// IDENTITY_INSERT is session scoped; keep it inside the same batch.
	return fmt.Sprintf("SET IDENTITY_INSERT %s ON;\n%s;\nSET IDENTITY_INSERT %s OFF", qualified, stmt, qualified), nil
}

// DatabaseName reads the database query parameter of a sqlserver:// URL.
func DatabaseName(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	if db := u.Query().Get("database"); db != "" {
		return db
	}
	return strings.TrimPrefix(u.Path, "/")
}
