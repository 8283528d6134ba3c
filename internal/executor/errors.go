package executor

import (
	"errors"
	"fmt"
)

// ErrTablesFailed is returned by Run when the pipeline finished but at least
// one table did not migrate.
var ErrTablesFailed = errors.New("tables failed to migrate")

// BatchTransferError reports a batch that still failed after every retry.
type BatchTransferError struct {
	Table    string
	Cursor   string
	Attempts int
	Err      error
}

func (e *BatchTransferError) Error() string {
	at := e.Cursor
	if at == "" {
		at = "start"
	}
	return fmt.Sprintf("table %s: batch at %s failed after %d attempt(s): %v", e.Table, at, e.Attempts, e.Err)
}

func (e *BatchTransferError) Unwrap() error { return e.Err }
