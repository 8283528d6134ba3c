package testutil

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// Table is one in-memory table. Rows follow Columns.
type Table struct {
	Columns []string
	Rows    [][]any
}

// Conn is an in-memory dialect.Conn. Tables are keyed by bare name; schema,
// order and filter of a TableRef are ignored.
type Conn struct {
	mu sync.Mutex

	Tables map[string]*Table
	Raw    *dialect.RawSchema
	Server dialect.ConnectionInfo

	DDL         []string
	InsertCalls map[string]int
	Constraints []bool
	Truncated   []string
	Closed      bool

	unchecked bool

	// FailDDL, when set, fails statements it returns an error for.
	FailDDL func(stmt string) error
	// FailInsert, when set, is consulted before each BulkInsert call with the
	// 1-based call number for the table.
	FailInsert func(table string, call int, rows [][]any) error
	// FailRead, when set, is consulted before each ReadBatch.
	FailRead func(table, cursor string) error
	// FailTruncate, when set, is consulted before each TruncateTable with
	// whether constraints are currently enforced.
	FailTruncate func(table string, enforcing bool) error
}

var _ dialect.Conn = (*Conn)(nil)

// NewConn returns an empty connection.
func NewConn() *Conn {
	return &Conn{Tables: map[string]*Table{}, InsertCalls: map[string]int{}}
}

// AddTable seeds a table with n rows produced by gen.
func (c *Conn) AddTable(name string, columns []string, n int, gen func(i int) []any) *Conn {
	t := &Table{Columns: columns}
	for i := range n {
		t.Rows = append(t.Rows, gen(i))
	}
	c.Tables[name] = t
	return c
}

// Rows returns a copy of a table's rows.
func (c *Conn) Rows(name string) [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.Tables[name]; ok {
		return slices.Clone(t.Rows)
	}
	return nil
}

func (c *Conn) Info(context.Context) (dialect.ConnectionInfo, error) {
	return c.Server, nil
}

func (c *Conn) IntrospectSchema(context.Context, dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	if c.Raw == nil {
		return &dialect.RawSchema{}, nil
	}
	return c.Raw, nil
}

func (c *Conn) ReadBatch(ctx context.Context, table dialect.TableRef, columns []string, cursor string, batchSize int) (dialect.Batch, error) {
	if err := ctx.Err(); err != nil {
		return dialect.Batch{}, err
	}
	if c.FailRead != nil {
		if err := c.FailRead(table.Name, cursor); err != nil {
			return dialect.Batch{}, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table.Name]
	if !ok {
		return dialect.Batch{}, fmt.Errorf("table %s does not exist", table.Name)
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return dialect.Batch{}, fmt.Errorf("bad cursor %q", cursor)
		}
		offset = n
	}
	idx := make([]int, len(columns))
	for i, col := range columns {
		idx[i] = slices.Index(t.Columns, col)
		if idx[i] < 0 {
			return dialect.Batch{}, fmt.Errorf("column %s.%s does not exist", table.Name, col)
		}
	}
	end := min(offset+batchSize, len(t.Rows))
	b := dialect.Batch{Columns: columns, NextCursor: strconv.Itoa(end), Done: end >= len(t.Rows)}
	for _, row := range t.Rows[min(offset, end):end] {
		out := make([]any, len(idx))
		for i, j := range idx {
			out[i] = row[j]
		}
		b.Rows = append(b.Rows, out)
	}
	return b, nil
}

func (c *Conn) ExecuteDDL(_ context.Context, stmt string) error {
	if c.FailDDL != nil {
		if err := c.FailDDL(stmt); err != nil {
			return &dialect.DDLError{Statement: stmt, Err: err}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DDL = append(c.DDL, stmt)
	return nil
}

// BulkInsert creates the table on first use, the way a document store does.
func (c *Conn) BulkInsert(ctx context.Context, table dialect.TableRef, columns []string, rows [][]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.InsertCalls[table.Name]++
	call := c.InsertCalls[table.Name]
	c.mu.Unlock()
	if c.FailInsert != nil {
		if err := c.FailInsert(table.Name, call, rows); err != nil {
			return 0, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table.Name]
	if !ok {
		t = &Table{Columns: slices.Clone(columns)}
		c.Tables[table.Name] = t
	}
	for _, row := range rows {
		t.Rows = append(t.Rows, slices.Clone(row))
	}
	return int64(len(rows)), nil
}

func (c *Conn) CountRows(_ context.Context, table dialect.TableRef) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table.Name]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", table.Name)
	}
	return int64(len(t.Rows)), nil
}

func (c *Conn) SetConstraints(_ context.Context, _ []dialect.TableRef, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Constraints = append(c.Constraints, enabled)
	c.unchecked = !enabled
	return nil
}

func (c *Conn) TruncateTable(_ context.Context, table dialect.TableRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailTruncate != nil {
		if err := c.FailTruncate(table.Name, !c.unchecked); err != nil {
			return err
		}
	}
	c.Truncated = append(c.Truncated, table.Name)
	if t, ok := c.Tables[table.Name]; ok {
		t.Rows = nil
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// Mapping builds an identity table mapping over columns, keyed by the first
// column.
func Mapping(table string, columns ...string) model.TableMapping {
	m := model.TableMapping{SourceTable: table, TargetTable: table}
	if len(columns) > 0 {
		m.KeyColumns = []string{columns[0]}
	}
	for _, c := range columns {
		m.Columns = append(m.Columns, model.ColumnMapping{Source: c, Target: c})
	}
	return m
}
