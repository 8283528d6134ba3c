// Package dialect defines the capability contract every database adapter
// implements, the registry adapters add themselves to, and the shared types
// passed between adapters and the rest of the engine.
package dialect

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/Limetric/dbferry/internal/model"
)

// Dialect is a registered database engine.
type Dialect interface {
	Syntax

	// Tag returns the canonical dialect tag.
	Tag() model.Dialect

	// Open connects and returns a live connection. Failures are *ConnectionError.
	Open(ctx context.Context, cfg model.ConnectionConfig) (Conn, error)
}

// Conn is one open connection (or pool) to a database.
type Conn interface {
	// Info pings the server and reports its version.
	Info(ctx context.Context) (ConnectionInfo, error)

	// IntrospectSchema reads tables, columns, keys, indexes and, when asked,
	// views, routines and triggers.
	IntrospectSchema(ctx context.Context, opts IntrospectOptions) (*RawSchema, error)

	// ReadBatch reads at most batchSize rows of table starting at cursor. The
	// empty cursor is the start of the table.
	ReadBatch(ctx context.Context, table TableRef, columns []string, cursor string, batchSize int) (Batch, error)

	// ExecuteDDL runs one schema statement. Failures are *DDLError.
	ExecuteDDL(ctx context.Context, stmt string) error

	// BulkInsert writes rows and returns how many were stored. A partial
	// write returns *PartialInsertError.
	BulkInsert(ctx context.Context, table TableRef, columns []string, rows [][]any) (int64, error)

	// CountRows returns the exact row count of table.
	CountRows(ctx context.Context, table TableRef) (int64, error)

	// SetConstraints disables or re-enables foreign-key enforcement.
	SetConstraints(ctx context.Context, tables []TableRef, enabled bool) error

	// TruncateTable removes every row of table.
	TruncateTable(ctx context.Context, table TableRef) error

	Close() error
}

// MultiTruncater is implemented by connections that can empty several tables
// in one statement, which some servers require when the tables reference
// each other.
type MultiTruncater interface {
	TruncateTables(ctx context.Context, tables []TableRef) error
}

// ConnectionInfo describes a reachable server.
type ConnectionInfo struct {
	Dialect       model.Dialect `json:"dialect"`
	ServerVersion string        `json:"server_version"`
	Database      string        `json:"database"`
	Schema        string        `json:"schema,omitempty"`
}

// IntrospectOptions select the optional object kinds to read.
type IntrospectOptions struct {
	Schema            string
	IncludeViews      bool
	IncludeProcedures bool
	IncludeTriggers   bool
}

// RawSchema is what an adapter reads before analysis. Column types carry the
// native name; FieldType may already be filled in by the adapter.
type RawSchema struct {
	Tables      []model.TableSchema
	Views       []model.ViewSchema
	Procedures  []model.ProcedureSchema
	Triggers    []model.TriggerSchema
	Constraints []model.ConstraintSchema
}

// TableRef addresses a table for reads and writes.
type TableRef struct {
	Schema string
	Name   string
	// OrderBy fixes row order for cursor reads; empty orders by all columns
	// unless Keyless is set.
	OrderBy []string
	// Keyless marks a table without a primary key. Readers then prefer the
	// dialect's physical row id and otherwise use OrderBy as is.
	Keyless bool
	// Filter is an optional WHERE predicate in the dialect's syntax.
	Filter string
	// Query replaces the table as row source when set.
	Query string
}

func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// SourceRef addresses the rows a table mapping reads.
func SourceRef(m *model.TableMapping) TableRef {
	return TableRef{
		Schema:  m.SourceSchema,
		Name:    m.SourceTable,
		OrderBy: m.ReadOrder(),
		Keyless: len(m.KeyColumns) == 0,
		Filter:  m.RowFilter,
		Query:   m.OverrideSQL,
	}
}

// TargetRef addresses the table a mapping writes.
func TargetRef(m *model.TableMapping) TableRef {
	return TableRef{
		Schema:  m.TargetSchema,
		Name:    m.TargetTable,
		OrderBy: m.TargetNames(m.ReadOrder()),
		Keyless: len(m.KeyColumns) == 0,
	}
}

// Batch is one page of rows plus the cursor that resumes after it.
type Batch struct {
	Columns    []string
	Rows       [][]any
	NextCursor string
	Done       bool
}

var (
	registryMu sync.RWMutex
	registry   = map[model.Dialect]Dialect{}
)

// Register makes d available under its tag. Adapters call it from init.
func Register(d Dialect) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Tag()] = d
}

// Lookup returns the dialect registered under tag or one of its aliases.
func Lookup(tag model.Dialect) (Dialect, error) {
	norm := Normalize(string(tag))
	registryMu.RLock()
	d, ok := registry[norm]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dialect not registered: %q (available: %v)", tag, Registered())
	}
	return d, nil
}

// Registered lists the registered tags in sorted order.
func Registered() []model.Dialect {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]model.Dialect, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var aliases = map[string]model.Dialect{
	"postgres":   model.PostgreSQL,
	"postgresql": model.PostgreSQL,
	"pg":         model.PostgreSQL,
	"pgx":        model.PostgreSQL,
	"mysql":      model.MySQL,
	"mariadb":    model.MySQL,
	"sqlite":     model.SQLite,
	"sqlite3":    model.SQLite,
	"mssql":      model.SQLServer,
	"sqlserver":  model.SQLServer,
	"mongodb":    model.MongoDB,
	"mongo":      model.MongoDB,
}

// Normalize maps common aliases to the canonical tag. Unknown names are
// returned lowercased.
func Normalize(name string) model.Dialect {
	n := strings.ToLower(strings.TrimSpace(name))
	if d, ok := aliases[n]; ok {
		return d
	}
	return model.Dialect(n)
}

// TestConnection opens cfg, reports the server version and closes again.
func TestConnection(ctx context.Context, cfg model.ConnectionConfig) (ConnectionInfo, error) {
	d, err := Lookup(cfg.Dialect)
	if err != nil {
		return ConnectionInfo{}, &ConnectionError{Dialect: cfg.Dialect, Err: err}
	}
	conn, err := d.Open(ctx, cfg)
	if err != nil {
		return ConnectionInfo{}, err
	}
	defer conn.Close()
	info, err := conn.Info(ctx)
	if err != nil {
		return ConnectionInfo{}, &ConnectionError{Dialect: cfg.Dialect, Err: err}
	}
	return info, nil
}

// StreamRows lazily reads table in batches starting at cursor. Every yielded
// batch carries the cursor that resumes after it; iteration stops at the
// first error or the end of the table.
func StreamRows(ctx context.Context, conn Conn, table TableRef, columns []string, cursor string, batchSize int) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(Batch{}, err)
				return
			}
			b, err := conn.ReadBatch(ctx, table, columns, cursor, batchSize)
			if err != nil {
				yield(Batch{}, err)
				return
			}
			if len(b.Rows) == 0 {
				return
			}
			if !yield(b, nil) {
				return
			}
			if b.Done {
				return
			}
			cursor = b.NextCursor
		}
	}
}
