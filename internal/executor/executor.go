// Package executor runs a migration plan: schema creation, batched data
// transfer, indexes and foreign keys, derived objects and the closing row
// count check.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/metrics"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/transform"
	"github.com/Limetric/dbferry/internal/validator"
)

// Defaults applied by New to zero options.
const (
	DefaultBatchSize    = 1000
	DefaultWorkers      = 4
	DefaultRetryBackoff = 500 * time.Millisecond

	maxBackoff = 30 * time.Second
)

// ProgressFunc receives stage changes and progress in percent. During the
// data stage it is called from worker goroutines.
type ProgressFunc func(stage model.ExecutionStage, percent int, message string)

// Options tune a run.
type Options struct {
	BatchSize int
	Workers   int
	// MaxRetries is the number of extra attempts per failing batch.
	MaxRetries   int
	RetryBackoff time.Duration
	// BatchTimeout bounds each read and each write; 0 means no limit.
	BatchTimeout time.Duration

	DisableConstraints bool
	TruncateBeforeLoad bool
	// Validate compares row counts once the data is in place.
	Validate bool
	// Attempt numbers the result; 0 is taken as the first attempt.
	Attempt int

	Lookups  transform.LookupSource
	Progress ProgressFunc
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Executor runs plans. It holds no per-run state and may run several plans
// at once.
type Executor struct {
	opts   Options
	logger *slog.Logger
}

// New returns an Executor with defaults filled in.
func New(opts Options) *Executor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{opts: opts, logger: logger}
}

type run struct {
	*Executor
	plan     *model.MigrationPlan
	src, dst dialect.Conn
	target   dialect.Dialect

	mu  sync.Mutex
	res *model.MigrationResult
	// unchecked is set while constraint enforcement is off on dst.
	unchecked bool
}

// Run migrates plan from src to dst. The result is returned even when err is
// non-nil. Schema, script and constraint failures stop the run; a table whose
// data, indexes or foreign keys fail is marked failed while the others carry
// on, and Run then reports ErrTablesFailed.
func (e *Executor) Run(ctx context.Context, plan *model.MigrationPlan, src, dst dialect.Conn) (*model.MigrationResult, error) {
	target, err := dialect.Lookup(plan.TargetDialect)
	if err != nil {
		return nil, err
	}
	r := &run{
		Executor: e,
		plan:     plan,
		src:      src,
		dst:      dst,
		target:   target,
		res: &model.MigrationResult{
			Attempt:     max(e.opts.Attempt, 1),
			PlanVersion: plan.Version,
			StartedAt:   time.Now().UTC(),
			Stage:       model.StageCreated,
		},
	}
	err = r.finish(ctx, r.execute(ctx))
	return r.res, err
}

func (r *run) execute(ctx context.Context) error {
	tables := r.plan.ActiveTables()
	r.stage(model.StageCreated, 0, fmt.Sprintf("migrating %d table(s) from %s to %s", len(tables), r.plan.SourceDialect, r.plan.TargetDialect))
	r.res.Warnings = append(r.res.Warnings, r.plan.Warnings...)

	if err := r.scripts(ctx, "pre-migration", r.plan.PreScripts); err != nil {
		return err
	}
	if err := r.createTables(ctx, tables); err != nil {
		return err
	}

	r.res.Tables = make([]model.TableResult, len(tables))
	for i, m := range tables {
		r.res.Tables[i] = model.TableResult{SourceTable: m.SourceTable, TargetTable: m.TargetTable}
	}
	if err := r.loadData(ctx, tables); err != nil {
		return err
	}
	if err := r.createIndexes(ctx, tables); err != nil {
		return err
	}
	if err := r.createObjects(ctx); err != nil {
		return err
	}
	if r.opts.Validate {
		if err := r.validate(ctx); err != nil {
			return err
		}
	}
	return r.scripts(ctx, "post-migration", r.plan.PostScripts)
}

// finish settles the terminal stage and totals.
func (r *run) finish(ctx context.Context, err error) error {
	res := r.res
	res.FinishedAt = time.Now().UTC()
	for _, t := range res.Tables {
		res.TotalRowsProcessed += t.RowsProcessed
		res.TotalRowsSkipped += t.RowsSkipped
		res.TotalRowsFailed += t.RowsFailed
		if !t.Success {
			res.FailedTables++
		}
	}
	if err == nil && res.FailedTables > 0 {
		err = fmt.Errorf("%w: %d of %d", ErrTablesFailed, res.FailedTables, len(res.Tables))
	}

	switch {
	case err == nil:
		res.Success = true
		r.stage(model.StageCompleted, 100, fmt.Sprintf("migrated %s rows in %s",
			humanize.Comma(res.TotalRowsProcessed), res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)))
	case ctx.Err() != nil:
		res.Error = err.Error()
		r.record(model.LevelWarn, "", "migration cancelled")
		r.stage(model.StageCancelled, r.percent(), "cancelled")
	default:
		res.Error = err.Error()
		r.record(model.LevelError, "", err.Error())
		r.stage(model.StageFailed, r.percent(), err.Error())
	}
	return err
}

func (r *run) scripts(ctx context.Context, kind string, stmts []string) error {
	for i, stmt := range stmts {
		if err := r.dst.ExecuteDDL(ctx, stmt); err != nil {
			return fmt.Errorf("%s script %d: %w", kind, i+1, err)
		}
	}
	if len(stmts) > 0 {
		r.logger.Info("scripts executed", "kind", kind, "count", len(stmts))
	}
	return nil
}

// createTables runs CREATE statements in plan order, which is dependency
// order. The statements are idempotent.
func (r *run) createTables(ctx context.Context, tables []model.TableMapping) error {
	created := 0
	for _, m := range tables {
		if m.CreateSQL == "" {
			continue
		}
		if err := r.dst.ExecuteDDL(ctx, m.CreateSQL); err != nil {
			return fmt.Errorf("create table %s: %w", m.TargetTable, err)
		}
		created++
	}
	r.stage(model.StageSchemaCreated, 10, fmt.Sprintf("%d table(s) created", created))
	return nil
}

// truncate empties targets in one statement when dst supports it, else in
// reverse dependency order.
func (r *run) truncate(ctx context.Context, tables []model.TableMapping) error {
	if mt, ok := r.dst.(dialect.MultiTruncater); ok {
		refs := make([]dialect.TableRef, len(tables))
		for i := range tables {
			refs[i] = dialect.TargetRef(&tables[i])
		}
		if err := mt.TruncateTables(ctx, refs); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		return nil
	}
	for _, m := range slices.Backward(tables) {
		if err := r.dst.TruncateTable(ctx, dialect.TargetRef(&m)); err != nil {
			return fmt.Errorf("truncate %s: %w", m.TargetTable, err)
		}
	}
	return nil
}

// loadData empties the targets when asked and transfers every table. With
// DisableConstraints, or when a target declaring foreign keys inline holds
// a cycle, both run inside a bracket that disables and re-enables constraint
// enforcement; the re-enable runs whatever the outcome, cancellation
// included.
func (r *run) loadData(ctx context.Context, tables []model.TableMapping) (err error) {
	r.stage(model.StageDataMigrating, 10, fmt.Sprintf("transferring data with %d worker(s)", r.opts.Workers))
	if !r.opts.DisableConstraints && !r.inlineCycle(tables) {
		if err := r.emptyTargets(ctx, tables); err != nil {
			return err
		}
		return r.transfer(ctx, tables)
	}

	refs := make([]dialect.TableRef, len(tables))
	for i := range tables {
		refs[i] = dialect.TargetRef(&tables[i])
	}
	if err := r.dst.SetConstraints(ctx, refs, false); err != nil {
		return fmt.Errorf("disable constraints: %w", err)
	}
	r.unchecked = true
	defer func() {
		r.stage(model.StageConstraintsRestoring, 80, "re-enabling constraints")
		if rerr := r.dst.SetConstraints(context.WithoutCancel(ctx), refs, true); rerr != nil {
			err = errors.Join(err, fmt.Errorf("enable constraints: %w", rerr))
		}
		r.unchecked = false
	}()
	if err := r.emptyTargets(ctx, tables); err != nil {
		return err
	}
	return r.transfer(ctx, tables)
}

func (r *run) emptyTargets(ctx context.Context, tables []model.TableMapping) error {
	if !r.opts.TruncateBeforeLoad {
		return nil
	}
	return r.truncate(ctx, tables)
}

// inlineCycle reports whether rows of a foreign-key cycle would be checked
// on insert: the target declares foreign keys in CREATE TABLE and some table
// defers its constraints.
func (r *run) inlineCycle(tables []model.TableMapping) bool {
	if !r.target.InlineForeignKeys() {
		return false
	}
	for _, m := range tables {
		if m.DeferConstraints {
			r.warn(fmt.Sprintf("foreign-key cycle on %s target: constraint enforcement disabled during the load", r.plan.TargetDialect))
			return true
		}
	}
	return false
}

// transfer migrates tables on a bounded pool. Tables are started in plan
// order; unless constraints are disabled each waits for the tables it
// references, which were started before it.
func (r *run) transfer(ctx context.Context, tables []model.TableMapping) error {
	done := make(map[string]chan struct{}, len(tables))
	for _, m := range tables {
		done[m.SourceTable] = make(chan struct{})
	}

	var finished atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i := range tables {
		m := &tables[i]
		g.Go(func() error {
			defer close(done[m.SourceTable])
			var tr model.TableResult
			if err := r.waitFor(ctx, m, done); err != nil {
				tr = model.TableResult{SourceTable: m.SourceTable, TargetTable: m.TargetTable, Error: err.Error()}
			} else {
				tr = r.migrateTable(ctx, m)
			}
			r.mu.Lock()
			r.res.Tables[i] = tr
			r.mu.Unlock()

			n := finished.Add(1)
			r.stage(model.StageDataMigrating, 10+int(70*n/int64(len(tables))),
				fmt.Sprintf("%s: %s rows", m.SourceTable, humanize.Comma(tr.RowsProcessed)))
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (r *run) waitFor(ctx context.Context, m *model.TableMapping, done map[string]chan struct{}) error {
	if r.unchecked {
		return nil
	}
	for _, dep := range m.DependsOn {
		ch, ok := done[dep]
		if !ok {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// migrateTable runs the read, transform and write loop for one table.
// Batches are strictly sequential; cancellation is checked between them.
func (r *run) migrateTable(ctx context.Context, m *model.TableMapping) (tr model.TableResult) {
	start := time.Now()
	tr = model.TableResult{SourceTable: m.SourceTable, TargetTable: m.TargetTable}
	tally := &warningTally{}
	defer func() {
		tr.Duration = time.Since(start)
		tr.Success = tr.Error == ""
		r.tableWarnings(m.SourceTable, &tr, tally)
		if tr.Success {
			r.logger.Info("table migrated", "table", m.SourceTable, "rows", humanize.Comma(tr.RowsProcessed),
				"batches", tr.Batches, "took", tr.Duration.Round(time.Millisecond))
			return
		}
		r.opts.Metrics.TableFailed(m.SourceTable)
		r.record(model.LevelError, m.SourceTable, tr.Error)
		r.logger.Error("table failed", "table", m.SourceTable, "rows", tr.RowsProcessed, "err", tr.Error)
	}()

	srcCols := m.SourceColumns()
	rt, err := transform.NewRowTransformer(*m, srcCols, transform.Options{Target: r.target, Lookups: r.opts.Lookups})
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	srcRef, dstRef := dialect.SourceRef(m), dialect.TargetRef(m)
	columns := rt.Columns()

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			tr.Error = err.Error()
			return tr
		}
		began := time.Now()

		var batch dialect.Batch
		err := r.attempt(ctx, m.SourceTable, cursor, &tr, func(ctx context.Context) error {
			var err error
			batch, err = r.src.ReadBatch(ctx, srcRef, srcCols, cursor, r.opts.BatchSize)
			return err
		})
		if err != nil {
			tr.Error = err.Error()
			return tr
		}
		if len(batch.Rows) == 0 {
			return tr
		}
		tr.RowsRead += int64(len(batch.Rows))

		rows := make([][]any, 0, len(batch.Rows))
		var skipped int64
		for _, row := range batch.Rows {
			out, ws, err := rt.Transform(ctx, row)
			if errors.Is(err, transform.ErrSkipRow) {
				skipped++
				continue
			}
			if err != nil {
				tr.Error = err.Error()
				return tr
			}
			tally.add(ws)
			rows = append(rows, out)
		}

		stored, failed, err := r.write(ctx, m.SourceTable, dstRef, columns, rows, cursor, &tr)
		tr.RowsProcessed += stored
		tr.RowsFailed += failed
		tr.RowsSkipped += skipped
		tr.Batches++
		r.opts.Metrics.Batch(m.SourceTable, stored, skipped, failed, time.Since(began))
		if err != nil {
			tr.Error = err.Error()
			return tr
		}
		tr.Cursor = batch.NextCursor
		r.logger.Debug("batch written", "table", m.SourceTable, "rows", stored, "cursor", batch.NextCursor)

		if batch.Done {
			return tr
		}
		cursor = batch.NextCursor
	}
}

// write stores rows. An ordered partial insert resumes after the stored
// prefix on the next attempt; rows an unordered writer rejected are counted
// as failed and not retried.
func (r *run) write(ctx context.Context, table string, ref dialect.TableRef, columns []string, rows [][]any, cursor string, tr *model.TableResult) (stored, failed int64, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	pending := rows
	err = r.attempt(ctx, table, cursor, tr, func(ctx context.Context) error {
		n, err := r.dst.BulkInsert(ctx, ref, columns, pending)
		if err == nil {
			stored += n
			return nil
		}
		var pe *dialect.PartialInsertError
		if !errors.As(err, &pe) {
			return err
		}
		if len(pe.FailedIndexes) > 0 {
			stored += int64(len(pending) - len(pe.FailedIndexes))
			failed += int64(len(pe.FailedIndexes))
			r.warn(fmt.Sprintf("table %s: %d row(s) rejected by the target: %v", table, len(pe.FailedIndexes), pe.Err))
			return nil
		}
		k := int(min(max(pe.Inserted, 0), int64(len(pending))))
		stored += int64(k)
		pending = pending[k:]
		return err
	})
	return stored, failed, err
}

// attempt runs f with the per-batch timeout, retrying with exponential
// backoff until MaxRetries extra attempts are spent.
func (r *run) attempt(ctx context.Context, table, cursor string, tr *model.TableResult, f func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(r.opts.MaxRetries),
		retry.WithCappedDuration(maxBackoff, retry.NewExponential(r.opts.RetryBackoff)))
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			tr.Retries++
			r.opts.Metrics.Retry(table)
		}
		bctx, cancel := r.batchContext(ctx)
		defer cancel()
		err := f(bctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempts <= r.opts.MaxRetries {
			r.logger.Warn("batch failed, retrying", "table", table, "attempt", attempts, "err", err)
		}
		return retry.RetryableError(err)
	})
	if err != nil && ctx.Err() == nil {
		return &BatchTransferError{Table: table, Cursor: cursor, Attempts: attempts, Err: err}
	}
	return err
}

func (r *run) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.BatchTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.BatchTimeout)
	}
	return context.WithCancel(ctx)
}

// createIndexes runs index and foreign-key statements of every table whose
// data arrived. Objects left by an earlier attempt count as created; any
// other failing statement marks only its table failed.
func (r *run) createIndexes(ctx context.Context, tables []model.TableMapping) error {
	r.stage(model.StageIndexesCreating, 85, "creating indexes and foreign keys")
	for i, m := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		tr := &r.res.Tables[i]
		if !tr.Success {
			continue
		}
		for _, stmt := range slices.Concat(m.IndexSQL, m.ForeignKeySQL) {
			err := r.dst.ExecuteDDL(ctx, stmt)
			if errors.Is(err, dialect.ErrObjectExists) {
				r.logger.Debug("already exists", "table", m.SourceTable, "statement", stmt)
				continue
			}
			if err != nil {
				tr.Success = false
				tr.Error = err.Error()
				r.opts.Metrics.TableFailed(m.SourceTable)
				r.record(model.LevelError, m.SourceTable, err.Error())
				r.logger.Error("index or foreign key failed", "table", m.SourceTable, "err", err)
				break
			}
		}
	}
	return nil
}

// createObjects creates views, procedures and triggers that carry a target
// definition. Failures are reported as warnings.
func (r *run) createObjects(ctx context.Context) error {
	for _, v := range r.plan.Views {
		if v.Skip || v.TargetDefinition == "" {
			continue
		}
		stmt := r.target.CreateOrReplaceView(r.target.QualifiedName(v.TargetSchema, v.TargetView), v.TargetDefinition)
		if err := r.dst.ExecuteDDL(ctx, stmt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.warn(fmt.Sprintf("view %s not created: %v", v.TargetView, err))
		}
	}
	for _, p := range r.plan.Procedures {
		if p.Skip || p.TargetDefinition == "" {
			continue
		}
		if err := r.dst.ExecuteDDL(ctx, p.TargetDefinition); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.warn(fmt.Sprintf("procedure %s not created: %v", p.TargetName, err))
		}
	}
	for _, t := range r.plan.Triggers {
		if t.Skip || t.TargetDefinition == "" {
			continue
		}
		if err := r.dst.ExecuteDDL(ctx, t.TargetDefinition); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.warn(fmt.Sprintf("trigger %s not created: %v", t.SourceName, err))
		}
	}
	return nil
}

// validate compares row counts and turns mismatches into warnings.
func (r *run) validate(ctx context.Context) error {
	r.stage(model.StageValidating, 95, "comparing row counts")
	vr, err := validator.Validate(ctx, r.plan, r.src, r.dst, validator.Options{
		Workers: r.opts.Workers,
		Result:  r.res,
		Logger:  r.logger,
	})
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	for _, is := range vr.Issues {
		r.warn(fmt.Sprintf("table %s: %s", is.Table, is.Message))
	}
	return nil
}

func (r *run) stage(s model.ExecutionStage, percent int, msg string) {
	r.mu.Lock()
	changed := r.res.Stage != s
	r.res.Stage = s
	r.mu.Unlock()
	if changed {
		r.record(model.LevelInfo, "", msg)
		r.logger.Info(msg, "stage", s, "progress", percent)
	}
	if r.opts.Progress != nil {
		r.opts.Progress(s, percent, msg)
	}
}

func (r *run) percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.res.Stage {
	case model.StageCreated:
		return 0
	case model.StageSchemaCreated, model.StageDataMigrating:
		return 10
	case model.StageConstraintsRestoring:
		return 80
	case model.StageIndexesCreating:
		return 85
	}
	return 95
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	r.res.Warnings = append(r.res.Warnings, msg)
	r.mu.Unlock()
	r.record(model.LevelWarn, "", msg)
	r.logger.Warn(msg)
}

func (r *run) record(level model.LogLevel, table, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Log = append(r.res.Log, model.LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Stage:   string(r.res.Stage),
		Table:   table,
		Message: msg,
	})
}

// tableWarnings summarizes what a table's transformations dropped or kept.
func (r *run) tableWarnings(table string, tr *model.TableResult, tally *warningTally) {
	if tr.RowsSkipped > 0 {
		r.warn(fmt.Sprintf("table %s: %s row(s) skipped by failed required transformations", table, humanize.Comma(tr.RowsSkipped)))
	}
	for _, w := range tally.entries {
		r.warn(fmt.Sprintf("table %s: %d value(s) kept unchanged, first: %s", table, w.count, w.first))
	}
}

type tallyEntry struct {
	key   string
	first string
	count int
}

// warningTally groups transformation warnings by column and rule.
type warningTally struct {
	entries []*tallyEntry
}

func (t *warningTally) add(ws []transform.Warning) {
	for _, w := range ws {
		key := w.Column + "\x00" + string(w.Rule)
		i := slices.IndexFunc(t.entries, func(e *tallyEntry) bool { return e.key == key })
		if i < 0 {
			t.entries = append(t.entries, &tallyEntry{key: key, first: w.String()})
			i = len(t.entries) - 1
		}
		t.entries[i].count++
	}
}
