// Package transform maps column types between dialects and rewrites values
// row by row while data moves from source to target.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/Limetric/dbferry/internal/model"
)

// ErrSkipRow marks a row dropped because a required column failed.
var ErrSkipRow = errors.New("row skipped")

// TransformationError is a field-local failure.
type TransformationError struct {
	Column string
	Rule   model.RuleKind
	Err    error
}

func (e *TransformationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("column %s: %v", e.Column, e.Err)
	}
	return fmt.Sprintf("column %s (%s): %v", e.Column, e.Rule, e.Err)
}

func (e *TransformationError) Unwrap() error { return e.Err }

// Warning is a non-fatal problem met while applying a rule. The value it
// refers to is left unchanged.
type Warning struct {
	Column  string
	Rule    model.RuleKind
	Message string
}

func (w Warning) String() string {
	switch {
	case w.Column != "" && w.Rule != "":
		return fmt.Sprintf("%s (%s): %s", w.Column, w.Rule, w.Message)
	case w.Column != "":
		return w.Column + ": " + w.Message
	case w.Rule != "":
		return fmt.Sprintf("%s: %s", w.Rule, w.Message)
	}
	return w.Message
}

func warn(kind model.RuleKind, format string, args ...any) []Warning {
	return []Warning{{Rule: kind, Message: fmt.Sprintf(format, args...)}}
}

// LookupSource resolves named lookup tables.
type LookupSource interface {
	GetLookupData(ctx context.Context, table string) (map[string]string, error)
}
