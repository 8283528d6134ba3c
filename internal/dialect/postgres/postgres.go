// Package postgres registers the PostgreSQL adapter. It talks to the server
// through a pgx connection pool and loads rows with COPY.
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/dialect/sqlbase"
	"github.com/Limetric/dbferry/internal/model"
)

// reservedWords are PostgreSQL reserved words that must be quoted as identifiers.
var reservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "authorization": true, "between": true,
	"binary": true, "both": true, "case": true, "cast": true, "check": true,
	"collate": true, "column": true, "constraint": true, "create": true, "cross": true,
	"current_date": true, "current_role": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true, "deferrable": true,
	"desc": true, "distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "fetch": true, "for": true, "foreign": true, "freeze": true,
	"from": true, "full": true, "grant": true, "group": true, "having": true,
	"ilike": true, "in": true, "initially": true, "inner": true, "intersect": true,
	"into": true, "is": true, "isnull": true, "join": true, "lateral": true,
	"leading": true, "left": true, "like": true, "limit": true, "localtime": true,
	"localtimestamp": true, "natural": true, "not": true, "notnull": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true, "outer": true,
	"overlaps": true, "placing": true, "primary": true, "references": true,
	"returning": true, "right": true, "select": true, "session_user": true,
	"similar": true, "some": true, "symmetric": true, "table": true, "then": true,
	"to": true, "trailing": true, "true": true, "union": true, "unique": true,
	"user": true, "using": true, "variadic": true, "verbose": true, "when": true,
	"where": true, "window": true, "with": true,
}

// Syntax is the PostgreSQL rule set.
var Syntax = &dialect.Rules{
	OpenQuote:  `"`,
	CloseQuote: `"`,
	Reserved:   reservedWords,
	Types: dialect.TypeTable{
		Normalize: map[string]model.FieldType{
			"character varying": model.FieldString, "varchar": model.FieldString,
			"character": model.FieldString, "char": model.FieldString, "bpchar": model.FieldString,
			"text": model.FieldString, "citext": model.FieldString, "name": model.FieldString,
			"smallint": model.FieldInteger, "int2": model.FieldInteger,
			"integer": model.FieldInteger, "int": model.FieldInteger, "int4": model.FieldInteger,
			"serial": model.FieldInteger, "smallserial": model.FieldInteger,
			"bigint": model.FieldBigInt, "int8": model.FieldBigInt, "bigserial": model.FieldBigInt,
			"real": model.FieldFloat, "float4": model.FieldFloat,
			"double precision": model.FieldDouble, "float8": model.FieldDouble,
			"numeric": model.FieldDecimal, "decimal": model.FieldDecimal, "money": model.FieldDecimal,
			"boolean": model.FieldBoolean, "bool": model.FieldBoolean,
			"date": model.FieldDate, "timestamp": model.FieldDateTime,
			"timestamp without time zone": model.FieldDateTime,
			"timestamptz": model.FieldTimestamp, "timestamp with time zone": model.FieldTimestamp,
			"json": model.FieldJSON, "jsonb": model.FieldJSON, "uuid": model.FieldUUID,
			"bytea": model.FieldBinary,
		},
		Native: map[model.FieldType]string{
			model.FieldString:    "TEXT",
			model.FieldInteger:   "INTEGER",
			model.FieldBigInt:    "BIGINT",
			model.FieldFloat:     "REAL",
			model.FieldDouble:    "DOUBLE PRECISION",
			model.FieldDecimal:   "NUMERIC",
			model.FieldBoolean:   "BOOLEAN",
			model.FieldDate:      "DATE",
			model.FieldDateTime:  "TIMESTAMP",
			model.FieldTimestamp: "TIMESTAMPTZ",
			model.FieldJSON:      "JSONB",
			model.FieldUUID:      "UUID",
			model.FieldBinary:    "BYTEA",
			model.FieldArray:     "JSONB",
			model.FieldObject:    "JSONB",
			model.FieldEnum:      "TEXT",
		},
	},
	VarcharFormat:       "VARCHAR(%d)",
	DecimalFormat:       "NUMERIC(%d,%d)",
	Widest:              "TEXT",
	AutoIncrementClause: "GENERATED BY DEFAULT AS IDENTITY",
	Schemas:             true,
	TextKeys:            true,
	IndexIfNotExists:    true,
	PlaceholderFormat:   func(n int) string { return fmt.Sprintf("$%d", n) },
	BindParams:          65535,
	Precision:           1000,
	Varchar:             10485760,
	ForeignKeyFormat: func(qualified, name, quoted, clause string) string {
		return fmt.Sprintf("DO $$\nBEGIN\n  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%s' AND conrelid = '%s'::regclass) THEN\n    ALTER TABLE %s ADD CONSTRAINT %s %s;\n  END IF;\nEND $$",
			strings.ReplaceAll(name, "'", "''"), strings.ReplaceAll(qualified, "'", "''"), qualified, quoted, clause)
	},
	RowIDColumn: "ctid",
	Unorderable: map[string]bool{
		"json": true, "xml": true, "point": true, "line": true, "lseg": true,
		"box": true, "path": true, "polygon": true, "circle": true,
	},
	SequenceResetFormat: func(qualified, column, quoted string) string {
		return fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', '%s'), COALESCE((SELECT MAX(%s) FROM %s), 0) + 1, false)",
			strings.ReplaceAll(qualified, "'", "''"), strings.ReplaceAll(column, "'", "''"), quoted, qualified)
	},
}

// Dialect is the registered PostgreSQL adapter.
type Dialect struct{ *dialect.Rules }

func init() {
	dialect.Register(Dialect{Rules: Syntax})
}

func (Dialect) Tag() model.Dialect { return model.PostgreSQL }

func (d Dialect) Open(ctx context.Context, cfg model.ConnectionConfig) (dialect.Conn, error) {
	uri, err := cfg.URI()
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.PostgreSQL, Err: err}
	}
	pcfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.PostgreSQL, Err: fmt.Errorf("parse postgres dsn: %w", err)}
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.PostgreSQL, Err: fmt.Errorf("connect postgres: %w", err)}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &dialect.ConnectionError{Dialect: model.PostgreSQL, Err: fmt.Errorf("ping postgres: %w", err)}
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return New(pool, pcfg.ConnConfig.Database, schema), nil
}

// Pool is the subset of *pgxpool.Pool the adapter uses.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Conn is a dialect.Conn over a pgx pool.
type Conn struct {
	sqlbase.Renderer

	pool     Pool
	database string
	schema   string
}

// New wraps an open pool. The Conn closes it on Close.
func New(pool Pool, database, schema string) *Conn {
	return &Conn{
		Renderer: sqlbase.Renderer{Syntax: Dialect{Rules: Syntax}},
		pool:     pool,
		database: database,
		schema:   schema,
	}
}

func (c *Conn) Info(ctx context.Context) (dialect.ConnectionInfo, error) {
	if err := c.pool.Ping(ctx); err != nil {
		return dialect.ConnectionInfo{}, &dialect.ConnectionError{Dialect: model.PostgreSQL, Err: err}
	}
	info := dialect.ConnectionInfo{Dialect: model.PostgreSQL, Database: c.database, Schema: c.schema}
	if err := c.pool.QueryRow(ctx, "SHOW server_version").Scan(&info.ServerVersion); err != nil {
		return info, fmt.Errorf("query server version: %w", err)
	}
	return info, nil
}

func (c *Conn) IntrospectSchema(ctx context.Context, opts dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	if opts.Schema == "" {
		opts.Schema = c.schema
	}
	return introspect(ctx, c.pool, opts)
}

func (c *Conn) ref(table dialect.TableRef) dialect.TableRef {
	if table.Schema == "" && table.Query == "" {
		table.Schema = c.schema
	}
	return table
}

func (c *Conn) ReadBatch(ctx context.Context, table dialect.TableRef, columns []string, cursor string, batchSize int) (dialect.Batch, error) {
	offset, err := sqlbase.ParseCursor(cursor)
	if err != nil {
		return dialect.Batch{}, err
	}
	table = c.ref(table)
	rows, err := c.pool.Query(ctx, c.SelectQuery(table, columns, offset, batchSize))
	if err != nil {
		return dialect.Batch{}, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	var batch dialect.Batch
	for _, fd := range rows.FieldDescriptions() {
		batch.Columns = append(batch.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return dialect.Batch{}, fmt.Errorf("scan %s: %w", table, err)
		}
		for i, v := range vals {
			vals[i] = plainValue(v)
		}
		batch.Rows = append(batch.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return dialect.Batch{}, fmt.Errorf("read %s: %w", table, err)
	}
	batch.NextCursor = fmt.Sprint(offset + len(batch.Rows))
	batch.Done = len(batch.Rows) < batchSize
	return batch, nil
}

// plainValue converts pgx-specific values into types every other driver
// accepts.
func plainValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case [16]byte:
		return uuid.UUID(x).String()
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		return dv
	}
	return v
}

func (c *Conn) ExecuteDDL(ctx context.Context, stmt string) error {
	if _, err := c.pool.Exec(ctx, stmt); err != nil {
		if objectExists(err) {
			err = fmt.Errorf("%w: %w", dialect.ErrObjectExists, err)
		}
		return &dialect.DDLError{Statement: stmt, Err: err}
	}
	return nil
}

// objectExists reports duplicate_object and duplicate_table.
func objectExists(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && (pe.Code == "42710" || pe.Code == "42P07")
}

// BulkInsert loads rows with COPY. COPY is all-or-nothing, so a failure
// never reports a partial count.
func (c *Conn) BulkInsert(ctx context.Context, table dialect.TableRef, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	table = c.ref(table)
	ident := pgx.Identifier{table.Name}
	if table.Schema != "" {
		ident = pgx.Identifier{table.Schema, table.Name}
	}
	n, err := c.pool.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}

func (c *Conn) CountRows(ctx context.Context, table dialect.TableRef) (int64, error) {
	table = c.ref(table)
	var n int64
	if err := c.pool.QueryRow(ctx, c.CountQuery(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// SetConstraints toggles the internal FK triggers of each table.
func (c *Conn) SetConstraints(ctx context.Context, tables []dialect.TableRef, enabled bool) error {
	verb := "DISABLE"
	if enabled {
		verb = "ENABLE"
	}
	for _, t := range tables {
		t = c.ref(t)
		stmt := fmt.Sprintf("ALTER TABLE %s %s TRIGGER ALL", Syntax.QualifiedName(t.Schema, t.Name), verb)
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set constraints enabled=%t: %w\nSQL: %s", enabled, err, stmt)
		}
	}
	return nil
}

func (c *Conn) TruncateTable(ctx context.Context, table dialect.TableRef) error {
	table = c.ref(table)
	stmt := "TRUNCATE TABLE " + Syntax.QualifiedName(table.Schema, table.Name)
	if _, err := c.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

var _ dialect.MultiTruncater = (*Conn)(nil)

// TruncateTables empties tables with one statement. PostgreSQL refuses to
// truncate a referenced table unless its referencing tables are listed too.
func (c *Conn) TruncateTables(ctx context.Context, tables []dialect.TableRef) error {
	if len(tables) == 0 {
		return nil
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		t = c.ref(t)
		names[i] = Syntax.QualifiedName(t.Schema, t.Name)
	}
	stmt := "TRUNCATE TABLE " + strings.Join(names, ", ")
	if _, err := c.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("truncate: %w\nSQL: %s", err, stmt)
	}
	return nil
}

func (c *Conn) Close() error {
	c.pool.Close()
	return nil
}
