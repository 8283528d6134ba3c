// Package sqlbase implements dialect.Conn on top of database/sql. The MySQL,
// SQLite and SQL Server adapters configure it with their syntax and
// introspection queries.
package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// Options describe the dialect-specific parts of a Conn.
type Options struct {
	Dialect model.Dialect
	Syntax  dialect.Syntax

	// Database and Schema are reported by Info and used as introspection
	// defaults.
	Database string
	Schema   string

	// VersionQuery returns a single string column.
	VersionQuery string

	// Introspect reads the schema through db.
	Introspect func(ctx context.Context, db *sql.DB, opts dialect.IntrospectOptions) (*dialect.RawSchema, error)

	// Page renders a LIMIT/OFFSET clause; nil means "LIMIT n OFFSET m".
	Page func(limit, offset int) string

	// ConstraintSQL returns the statements that toggle FK enforcement.
	ConstraintSQL func(tables []string, enabled bool) []string

	// TruncateSQL renders the truncate statement; nil means TRUNCATE TABLE.
	TruncateSQL func(qualified string) string

	// ConvertValue may replace a scanned value given the column's database
	// type name.
	ConvertValue func(dbType string, v any) any

	// ObjectExists reports whether a DDL error means the object is already
	// there.
	ObjectExists func(err error) bool

	// PrepareInsert may rewrite each INSERT batch before it runs.
	PrepareInsert func(ctx context.Context, db *sql.DB, table dialect.TableRef, stmt string) (string, error)
}

// Conn is a dialect.Conn over a *sql.DB.
type Conn struct {
	Renderer

	mu   sync.RWMutex
	db   *sql.DB
	opts Options
}

// New wraps db. The Conn owns db and closes it on Close.
func New(db *sql.DB, opts Options) *Conn {
	return &Conn{Renderer: Renderer{Syntax: opts.Syntax, Page: opts.Page}, db: db, opts: opts}
}

// DB returns the current handle.
func (c *Conn) DB() *sql.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Swap replaces the handle, closing the previous one. Adapters use it when
// a session setting can only be applied through the connection string.
func (c *Conn) Swap(db *sql.DB) error {
	c.mu.Lock()
	old := c.db
	c.db = db
	c.mu.Unlock()
	if old != nil && old != db {
		return old.Close()
	}
	return nil
}

// Options returns the configuration the Conn was built with.
func (c *Conn) Options() Options { return c.opts }

func (c *Conn) Info(ctx context.Context) (dialect.ConnectionInfo, error) {
	db := c.DB()
	if err := db.PingContext(ctx); err != nil {
		return dialect.ConnectionInfo{}, &dialect.ConnectionError{Dialect: c.opts.Dialect, Err: err}
	}
	info := dialect.ConnectionInfo{Dialect: c.opts.Dialect, Database: c.opts.Database, Schema: c.opts.Schema}
	if c.opts.VersionQuery != "" {
		if err := db.QueryRowContext(ctx, c.opts.VersionQuery).Scan(&info.ServerVersion); err != nil {
			return info, fmt.Errorf("query server version: %w", err)
		}
	}
	return info, nil
}

func (c *Conn) IntrospectSchema(ctx context.Context, opts dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	if c.opts.Introspect == nil {
		return nil, &dialect.IntrospectionError{Err: fmt.Errorf("%s: introspection not supported", c.opts.Dialect)}
	}
	if opts.Schema == "" {
		opts.Schema = c.opts.Schema
	}
	raw, err := c.opts.Introspect(ctx, c.DB(), opts)
	if err != nil {
		var ie *dialect.IntrospectionError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &dialect.IntrospectionError{Err: err}
	}
	return raw, nil
}

// ParseCursor decodes an offset cursor; the empty cursor is offset 0.
func ParseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return n, nil
}

func (c *Conn) ReadBatch(ctx context.Context, table dialect.TableRef, columns []string, cursor string, batchSize int) (dialect.Batch, error) {
	offset, err := ParseCursor(cursor)
	if err != nil {
		return dialect.Batch{}, err
	}
	query := c.SelectQuery(table, columns, offset, batchSize)
	rows, err := c.DB().QueryContext(ctx, query)
	if err != nil {
		return dialect.Batch{}, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return dialect.Batch{}, fmt.Errorf("read %s columns: %w", table, err)
	}
	var dbTypes []string
	if c.opts.ConvertValue != nil {
		types, err := rows.ColumnTypes()
		if err != nil {
			return dialect.Batch{}, fmt.Errorf("read %s column types: %w", table, err)
		}
		for _, ct := range types {
			dbTypes = append(dbTypes, ct.DatabaseTypeName())
		}
	}
	batch := dialect.Batch{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return dialect.Batch{}, fmt.Errorf("scan %s: %w", table, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
			if dbTypes != nil {
				vals[i] = c.opts.ConvertValue(dbTypes[i], vals[i])
			}
		}
		batch.Rows = append(batch.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return dialect.Batch{}, fmt.Errorf("read %s: %w", table, err)
	}
	batch.NextCursor = strconv.Itoa(offset + len(batch.Rows))
	batch.Done = len(batch.Rows) < batchSize
	return batch, nil
}

func (c *Conn) ExecuteDDL(ctx context.Context, stmt string) error {
	if _, err := c.DB().ExecContext(ctx, stmt); err != nil {
		if c.opts.ObjectExists != nil && c.opts.ObjectExists(err) {
			err = fmt.Errorf("%w: %w", dialect.ErrObjectExists, err)
		}
		return &dialect.DDLError{Statement: stmt, Err: err}
	}
	return nil
}

// ChunkSize returns how many rows of width columns fit in one statement.
func ChunkSize(maxParams, width int) int {
	if width <= 0 {
		return 1
	}
	n := maxParams / width
	if n < 1 {
		return 1
	}
	return n
}

func (c *Conn) BulkInsert(ctx context.Context, table dialect.TableRef, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	chunk := ChunkSize(c.opts.Syntax.MaxBindParams(), len(columns))
	db := c.DB()
	var inserted int64
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		args := make([]any, 0, (end-start)*len(columns))
		for _, row := range rows[start:end] {
			args = append(args, row...)
		}
		stmt := c.InsertStatement(table, columns, end-start)
		if c.opts.PrepareInsert != nil {
			var err error
			if stmt, err = c.opts.PrepareInsert(ctx, db, table, stmt); err != nil {
				return inserted, fmt.Errorf("prepare insert into %s: %w", table, err)
			}
		}
		if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
			if inserted == 0 {
				return 0, fmt.Errorf("insert into %s: %w", table, err)
			}
			return inserted, &dialect.PartialInsertError{
				Table:      table.String(),
				Inserted:   inserted,
				FailedRows: int64(len(rows)) - inserted,
				Err:        err,
			}
		}
		inserted += int64(end - start)
	}
	return inserted, nil
}

func (c *Conn) CountRows(ctx context.Context, table dialect.TableRef) (int64, error) {
	var n int64
	if err := c.DB().QueryRowContext(ctx, c.CountQuery(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (c *Conn) SetConstraints(ctx context.Context, tables []dialect.TableRef, enabled bool) error {
	if c.opts.ConstraintSQL == nil {
		return nil
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = c.opts.Syntax.QualifiedName(t.Schema, t.Name)
	}
	for _, stmt := range c.opts.ConstraintSQL(names, enabled) {
		if _, err := c.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set constraints enabled=%t: %w\nSQL: %s", enabled, err, stmt)
		}
	}
	return nil
}

func (c *Conn) TruncateTable(ctx context.Context, table dialect.TableRef) error {
	qualified := c.opts.Syntax.QualifiedName(table.Schema, table.Name)
	stmt := "TRUNCATE TABLE " + qualified
	if c.opts.TruncateSQL != nil {
		stmt = c.opts.TruncateSQL(qualified)
	}
	if _, err := c.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
