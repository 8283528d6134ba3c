package dialect

import (
	"errors"
	"fmt"

	"github.com/Limetric/dbferry/internal/model"
)

// ErrObjectExists marks a DDL failure caused by an index or constraint that
// is already present. Adapters wrap their driver's duplicate-object errors
// with it.
var ErrObjectExists = errors.New("object already exists")

// ConnectionError reports that a database could not be reached.
type ConnectionError struct {
	Dialect model.Dialect
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Dialect, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IntrospectionError reports a failed schema read.
type IntrospectionError struct {
	Object string
	Err    error
}

func (e *IntrospectionError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("introspect: %v", e.Err)
	}
	return fmt.Sprintf("introspect %s: %v", e.Object, e.Err)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }

// DDLError carries the statement that failed.
type DDLError struct {
	Statement string
	Err       error
}

func (e *DDLError) Error() string {
	return fmt.Sprintf("%v\nDDL: %s", e.Err, e.Statement)
}

func (e *DDLError) Unwrap() error { return e.Err }

// PartialInsertError reports a bulk insert that stored only the first
// Inserted rows. Unordered writers set FailedIndexes instead; then every row
// not listed there was stored.
type PartialInsertError struct {
	Table         string
	Inserted      int64
	FailedRows    int64
	FailedIndexes []int
	Err           error
}

func (e *PartialInsertError) Error() string {
	return fmt.Sprintf("insert into %s: %d rows stored, %d failed: %v", e.Table, e.Inserted, e.FailedRows, e.Err)
}

func (e *PartialInsertError) Unwrap() error { return e.Err }
