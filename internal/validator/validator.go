// Package validator compares a migrated target with its source.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/transform"
)

// Issue kinds.
const (
	KindRowCount = "row_count"
	KindSample   = "sample"
	KindError    = "error"
)

// Options tune a validation run.
type Options struct {
	// SampleSize rows per table are compared value by value; 0 checks row
	// counts only.
	SampleSize int
	Workers    int
	// Result, when set, lets the row count account for rows the migration
	// skipped or the target rejected.
	Result  *model.MigrationResult
	Lookups transform.LookupSource
	Logger  *slog.Logger
}

// Validate checks every active table of plan. Mismatches are reported as
// issues, never as errors; the error return is reserved for cancellation.
func Validate(ctx context.Context, plan *model.MigrationPlan, src, dst dialect.Conn, opts Options) (*model.ValidationResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	target, err := dialect.Lookup(plan.TargetDialect)
	if err != nil {
		return nil, err
	}

	tables := plan.ActiveTables()
	results := make([]model.TableValidation, len(tables))
	issues := make([][]model.ValidationIssue, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for i := range tables {
		g.Go(func() error {
			results[i], issues[i] = validateTable(gctx, &tables[i], src, dst, target, opts)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &model.ValidationResult{ValidatedAt: time.Now().UTC(), Tables: results}
	for _, is := range issues {
		res.Issues = append(res.Issues, is...)
	}
	res.Success = len(res.Issues) == 0
	logger.Info("validation finished", "tables", len(results), "issues", len(res.Issues))
	return res, nil
}

func validateTable(ctx context.Context, m *model.TableMapping, src, dst dialect.Conn, target dialect.Dialect, opts Options) (model.TableValidation, []model.ValidationIssue) {
	tv := model.TableValidation{SourceTable: m.SourceTable, TargetTable: m.TargetTable}
	var issues []model.ValidationIssue
	issue := func(kind, format string, args ...any) {
		issues = append(issues, model.ValidationIssue{Table: m.SourceTable, Kind: kind, Message: fmt.Sprintf(format, args...)})
	}

	sourceRows, err := src.CountRows(ctx, dialect.SourceRef(m))
	if err != nil {
		issue(KindError, "count source rows: %v", err)
		return tv, issues
	}
	targetRows, err := dst.CountRows(ctx, dialect.TargetRef(m))
	if err != nil {
		issue(KindError, "count target rows: %v", err)
		return tv, issues
	}
	tv.SourceRows, tv.TargetRows = sourceRows, targetRows

	expected := sourceRows
	if opts.Result != nil {
		if tr, ok := opts.Result.Table(m.SourceTable); ok {
			expected -= tr.RowsSkipped + tr.RowsFailed
		}
	}
	tv.RowCountMatches = targetRows == expected
	if !tv.RowCountMatches {
		issue(KindRowCount, "target has %d rows, expected %d (source %d)", targetRows, expected, sourceRows)
	}

	if opts.SampleSize > 0 && len(m.KeyColumns) > 0 {
		sampled, mismatched, err := compareSample(ctx, m, src, dst, target, opts)
		tv.SampledRows, tv.MismatchedRows = sampled, mismatched
		switch {
		case err != nil:
			issue(KindError, "sample: %v", err)
		case mismatched > 0:
			issue(KindSample, "%d of %d sampled rows differ", mismatched, sampled)
		}
	}
	return tv, issues
}

// compareSample reads the first SampleSize rows by key from both sides,
// transforms the source rows the way the executor does and compares them
// with the target rows of the same key.
func compareSample(ctx context.Context, m *model.TableMapping, src, dst dialect.Conn, target dialect.Dialect, opts Options) (int, int, error) {
	rt, err := transform.NewRowTransformer(*m, m.SourceColumns(), transform.Options{Target: target, Lookups: opts.Lookups})
	if err != nil {
		return 0, 0, err
	}
	srcBatch, err := src.ReadBatch(ctx, dialect.SourceRef(m), m.SourceColumns(), "", opts.SampleSize)
	if err != nil {
		return 0, 0, fmt.Errorf("read source: %w", err)
	}
	dstBatch, err := dst.ReadBatch(ctx, dialect.TargetRef(m), m.TargetColumns(), "", opts.SampleSize)
	if err != nil {
		return 0, 0, fmt.Errorf("read target: %w", err)
	}

	keyIdx := keyPositions(m)
	byKey := make(map[string][]any, len(dstBatch.Rows))
	for _, row := range dstBatch.Rows {
		byKey[rowKey(row, keyIdx)] = row
	}

	sampled, mismatched := 0, 0
	for _, row := range srcBatch.Rows {
		out, _, err := rt.Transform(ctx, row)
		if errors.Is(err, transform.ErrSkipRow) {
			continue
		}
		if err != nil {
			return sampled, mismatched, err
		}
		sampled++
		got, ok := byKey[rowKey(out, keyIdx)]
		if !ok || !rowsEqual(out, got) {
			mismatched++
		}
	}
	return sampled, mismatched, nil
}

func keyPositions(m *model.TableMapping) []int {
	var idx []int
	for _, k := range m.KeyColumns {
		for i, c := range m.Columns {
			if c.Source == k {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

func rowKey(row []any, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		if j < len(row) {
			parts[i] = Canonical(row[j])
		}
	}
	return strings.Join(parts, "\x00")
}

func rowsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !ValuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two values read from different databases. Numbers
// compare numerically, times to the millisecond and JSON structurally.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			d := ta.Sub(tb)
			return d < time.Millisecond && d > -time.Millisecond
		}
	}
	return Canonical(a) == Canonical(b)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := transform.ParseTime(t); err == nil {
			return parsed, true
		}
	case []byte:
		if parsed, err := transform.ParseTime(string(t)); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// Canonical renders v in a form that is equal across drivers for equal
// values.
func Canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []byte:
		return canonicalText(string(t))
	case string:
		return canonicalText(t)
	case json.RawMessage:
		return canonicalText(string(t))
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return canonicalText(t.String())
	}
	if d, err := transform.ToDecimal(v); err == nil {
		if dec, ok := d.(decimal.Decimal); ok {
			return dec.String()
		}
	}
	if b, err := json.Marshal(v); err == nil {
		return canonicalText(string(b))
	}
	return fmt.Sprint(v)
}

func canonicalText(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if enc.Encode(parsed) == nil {
				return strings.TrimSpace(buf.String())
			}
		}
	}
	if d, err := decimal.NewFromString(trimmed); err == nil {
		return d.String()
	}
	return s
}
