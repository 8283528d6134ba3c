package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Limetric/dbferry/internal/dialect"
	_ "github.com/Limetric/dbferry/internal/dialect/sqlite"
	"github.com/Limetric/dbferry/internal/metrics"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/planner"
	"github.com/Limetric/dbferry/internal/testutil"
)

func userRow(i int) []any { return []any{int64(i + 1), fmt.Sprintf("user%d", i+1)} }

func orderRow(i int) []any { return []any{int64(i + 1), int64(i%10 + 1)} }

func planFor(tables ...model.TableMapping) *model.MigrationPlan {
	return &model.MigrationPlan{Version: 1, SourceDialect: model.SQLite, TargetDialect: model.SQLite, Tables: tables}
}

func newExecutor(t *testing.T, opts Options) *Executor {
	t.Helper()
	opts.RetryBackoff = time.Millisecond
	opts.Logger = testutil.NewTestLogger(t)
	return New(opts)
}

func TestRun_BatchesRows(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 10000, userRow)
	dst := testutil.NewConn()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	res, err := newExecutor(t, Options{BatchSize: 1000, Metrics: m}).
		Run(context.Background(), planFor(testutil.Mapping("users", "id", "name")), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := dst.InsertCalls["users"]; got != 10 {
		t.Errorf("BulkInsert calls = %d, want 10", got)
	}
	if res.TotalRowsProcessed != 10000 || res.Tables[0].RowsProcessed != 10000 {
		t.Errorf("processed = %d / %d, want 10000", res.TotalRowsProcessed, res.Tables[0].RowsProcessed)
	}
	if res.Tables[0].Batches != 10 || res.Tables[0].Cursor != "10000" {
		t.Errorf("table result = %+v", res.Tables[0])
	}
	if !res.Success || res.Stage != model.StageCompleted {
		t.Errorf("stage = %s, success = %v", res.Stage, res.Success)
	}
	if len(dst.Rows("users")) != 10000 {
		t.Errorf("target rows = %d", len(dst.Rows("users")))
	}
	if got := promtest.ToFloat64(m.RowsProcessed.WithLabelValues("users")); got != 10000 {
		t.Errorf("rows_processed metric = %v", got)
	}
	if got := promtest.ToFloat64(m.Batches.WithLabelValues("users")); got != 10 {
		t.Errorf("batches metric = %v", got)
	}
}

func TestRun_IdempotentSchemaCreation(t *testing.T) {
	schema := &model.SchemaAnalysisResult{
		Dialect: model.SQLite,
		Tables: []model.TableSchema{{
			Name: "users",
			Columns: []model.ColumnSchema{
				{Name: "id", NativeType: "INTEGER", Type: model.FieldInteger, PrimaryKey: true},
				{Name: "name", NativeType: "TEXT", Type: model.FieldString, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		}},
	}
	plan, err := planner.GeneratePlan(schema, model.ConnectionConfig{Dialect: model.SQLite}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 10, userRow)
	dst := testutil.NewConn()
	exec := newExecutor(t, Options{TruncateBeforeLoad: true})

	for run := 1; run <= 2; run++ {
		res, err := exec.Run(context.Background(), plan, src, dst)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if res.TotalRowsProcessed != 10 {
			t.Errorf("run %d processed %d", run, res.TotalRowsProcessed)
		}
	}
	creates := 0
	for _, stmt := range dst.DDL {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			creates++
			if !strings.Contains(stmt, "IF NOT EXISTS") {
				t.Errorf("not idempotent: %s", stmt)
			}
		}
	}
	if creates != 2 {
		t.Errorf("CREATE TABLE executed %d times, want 2", creates)
	}
	if len(dst.Rows("users")) != 10 {
		t.Errorf("target rows = %d, want 10", len(dst.Rows("users")))
	}
}

func TestRun_ResumeRerunsIndexesAndTruncates(t *testing.T) {
	src := testutil.NewConn().
		AddTable("users", []string{"id", "name"}, 10, userRow).
		AddTable("orders", []string{"id", "user_id"}, 10, orderRow)
	dst := testutil.NewConn()
	created := map[string]bool{}
	dst.FailDDL = func(stmt string) error {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			return nil
		}
		if created[stmt] {
			return dialect.ErrObjectExists
		}
		created[stmt] = true
		return nil
	}
	dst.FailTruncate = func(table string, enforcing bool) error {
		if table == "users" && enforcing {
			return errors.New("cannot truncate a table referenced in a foreign key constraint")
		}
		return nil
	}
	users := testutil.Mapping("users", "id", "name")
	users.CreateSQL = "CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY, name TEXT)"
	users.IndexSQL = []string{"CREATE UNIQUE INDEX users_name_idx ON users (name)"}
	orders := testutil.Mapping("orders", "id", "user_id")
	orders.CreateSQL = "CREATE TABLE IF NOT EXISTS orders (id INTEGER PRIMARY KEY, user_id INTEGER)"
	orders.DependsOn = []string{"users"}
	orders.ForeignKeySQL = []string{"ALTER TABLE orders ADD CONSTRAINT orders_user_fk FOREIGN KEY (user_id) REFERENCES users (id)"}
	plan := planFor(users, orders)

	for attempt := 1; attempt <= 2; attempt++ {
		exec := newExecutor(t, Options{Attempt: attempt, TruncateBeforeLoad: true, DisableConstraints: true})
		res, err := exec.Run(context.Background(), plan, src, dst)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if !res.Success || res.Attempt != attempt {
			t.Errorf("attempt %d: success = %v, attempt = %d", attempt, res.Success, res.Attempt)
		}
		for _, tr := range res.Tables {
			if !tr.Success {
				t.Errorf("attempt %d: %s failed: %s", attempt, tr.SourceTable, tr.Error)
			}
		}
	}
	for _, name := range []string{"users", "orders"} {
		if n := len(dst.Rows(name)); n != 10 {
			t.Errorf("%s rows = %d, want 10", name, n)
		}
	}
	if want := []string{"orders", "users", "orders", "users"}; !slices.Equal(dst.Truncated, want) {
		t.Errorf("truncated = %v, want %v", dst.Truncated, want)
	}
	if want := []bool{false, true, false, true}; !slices.Equal(dst.Constraints, want) {
		t.Errorf("constraint calls = %v, want %v", dst.Constraints, want)
	}
}

func TestRun_TruncateWithConstraintsEnforced(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 5, userRow)
	dst := testutil.NewConn().AddTable("users", []string{"id", "name"}, 5, userRow)
	dst.FailTruncate = func(table string, enforcing bool) error {
		if enforcing {
			return errors.New("cannot truncate a table referenced in a foreign key constraint")
		}
		return nil
	}
	plan := planFor(testutil.Mapping("users", "id", "name"))

	if _, err := newExecutor(t, Options{TruncateBeforeLoad: true}).Run(context.Background(), plan, src, dst); err == nil {
		t.Fatal("truncate with constraints enforced succeeded")
	}
	res, err := newExecutor(t, Options{TruncateBeforeLoad: true, DisableConstraints: true}).Run(context.Background(), plan, src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalRowsProcessed != 5 || len(dst.Rows("users")) != 5 {
		t.Errorf("processed %d, stored %d", res.TotalRowsProcessed, len(dst.Rows("users")))
	}
}

func TestRun_InlineForeignKeyCycleDisablesEnforcement(t *testing.T) {
	src := testutil.NewConn().
		AddTable("a", []string{"id", "b_id"}, 5, orderRow).
		AddTable("b", []string{"id", "a_id"}, 5, orderRow)
	dst := testutil.NewConn()
	a := testutil.Mapping("a", "id", "b_id")
	a.DeferConstraints = true
	b := testutil.Mapping("b", "id", "a_id")
	b.DeferConstraints = true

	res, err := newExecutor(t, Options{}).Run(context.Background(), planFor(a, b), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(dst.Constraints, []bool{false, true}) {
		t.Errorf("constraint calls = %v, want [false true]", dst.Constraints)
	}
	if !strings.Contains(strings.Join(res.Warnings, "\n"), "foreign-key cycle on sqlite target") {
		t.Errorf("warnings = %q", res.Warnings)
	}
}

func TestRun_RetriesFailedBatch(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 3000, userRow)
	dst := testutil.NewConn()
	dst.FailInsert = func(_ string, call int, _ [][]any) error {
		if call == 2 {
			return errors.New("connection reset")
		}
		return nil
	}

	res, err := newExecutor(t, Options{BatchSize: 1000, MaxRetries: 2}).
		Run(context.Background(), planFor(testutil.Mapping("users", "id", "name")), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tr := res.Tables[0]
	if tr.RowsProcessed != 3000 || tr.Retries != 1 || !tr.Success {
		t.Errorf("table result = %+v", tr)
	}
	if dst.InsertCalls["users"] != 4 {
		t.Errorf("BulkInsert calls = %d, want 4", dst.InsertCalls["users"])
	}
}

type partialConn struct {
	*testutil.Conn
	failed bool
	// unordered reports rejected rows by index instead of a stored prefix.
	unordered bool
}

func (c *partialConn) BulkInsert(ctx context.Context, table dialect.TableRef, columns []string, rows [][]any) (int64, error) {
	if c.failed || len(rows) < 10 {
		return c.Conn.BulkInsert(ctx, table, columns, rows)
	}
	c.failed = true
	if c.unordered {
		n, _ := c.Conn.BulkInsert(ctx, table, columns, rows[2:])
		return n, &dialect.PartialInsertError{Table: table.Name, Inserted: n, FailedRows: 2, FailedIndexes: []int{0, 1}, Err: errors.New("duplicate key")}
	}
	n, _ := c.Conn.BulkInsert(ctx, table, columns, rows[:4])
	return n, &dialect.PartialInsertError{Table: table.Name, Inserted: n, FailedRows: int64(len(rows)) - n, Err: errors.New("deadlock")}
}

func TestRun_PartialInsertResumesAfterStoredRows(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 100, userRow)
	dst := &partialConn{Conn: testutil.NewConn()}

	res, err := newExecutor(t, Options{BatchSize: 50, MaxRetries: 1}).
		Run(context.Background(), planFor(testutil.Mapping("users", "id", "name")), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows := dst.Rows("users")
	if len(rows) != 100 || res.Tables[0].RowsProcessed != 100 {
		t.Fatalf("stored %d rows, processed %d", len(rows), res.Tables[0].RowsProcessed)
	}
	for i, row := range rows {
		if row[0] != int64(i+1) {
			t.Fatalf("row %d has id %v: duplicated or lost rows", i, row[0])
		}
	}
}

func TestRun_UnorderedPartialInsertCountsFailedRows(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 100, userRow)
	dst := &partialConn{Conn: testutil.NewConn(), unordered: true}

	res, err := newExecutor(t, Options{BatchSize: 50}).
		Run(context.Background(), planFor(testutil.Mapping("users", "id", "name")), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tr := res.Tables[0]
	if tr.RowsProcessed != 98 || tr.RowsFailed != 2 || tr.Retries != 0 {
		t.Errorf("table result = %+v", tr)
	}
	if res.TotalRowsFailed != 2 {
		t.Errorf("TotalRowsFailed = %d", res.TotalRowsFailed)
	}
}

func TestRun_TableFailureIsolated(t *testing.T) {
	src := testutil.NewConn().
		AddTable("users", []string{"id", "name"}, 20, userRow).
		AddTable("orders", []string{"id", "user_id"}, 20, orderRow)
	dst := testutil.NewConn()
	dst.FailInsert = func(table string, _ int, _ [][]any) error {
		if table == "orders" {
			return errors.New("disk full")
		}
		return nil
	}
	plan := planFor(testutil.Mapping("users", "id", "name"), testutil.Mapping("orders", "id", "user_id"))

	res, err := newExecutor(t, Options{BatchSize: 10, MaxRetries: 2}).Run(context.Background(), plan, src, dst)
	if !errors.Is(err, ErrTablesFailed) {
		t.Fatalf("err = %v, want ErrTablesFailed", err)
	}
	users, _ := res.Table("users")
	orders, _ := res.Table("orders")
	if !users.Success || users.RowsProcessed != 20 {
		t.Errorf("users = %+v", users)
	}
	if orders.Success || orders.Retries != 2 || !strings.Contains(orders.Error, "after 3 attempt(s)") {
		t.Errorf("orders = %+v", orders)
	}
	if dst.InsertCalls["orders"] != 3 {
		t.Errorf("orders BulkInsert calls = %d, want 3", dst.InsertCalls["orders"])
	}
	if res.Stage != model.StageFailed || res.Success || res.FailedTables != 1 {
		t.Errorf("stage = %s, success = %v, failed = %d", res.Stage, res.Success, res.FailedTables)
	}
}

func TestBatchTransferError(t *testing.T) {
	cause := errors.New("timeout")
	var err error = &BatchTransferError{Table: "users", Cursor: "2000", Attempts: 4, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
	if got := err.Error(); got != "table users: batch at 2000 failed after 4 attempt(s): timeout" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRun_ConstraintsReleasedOnFailure(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 5, userRow)
	dst := testutil.NewConn()
	dst.FailInsert = func(string, int, [][]any) error { return errors.New("boom") }

	_, err := newExecutor(t, Options{DisableConstraints: true}).
		Run(context.Background(), planFor(testutil.Mapping("users", "id", "name")), src, dst)
	if !errors.Is(err, ErrTablesFailed) {
		t.Fatalf("err = %v", err)
	}
	if !slices.Equal(dst.Constraints, []bool{false, true}) {
		t.Errorf("constraint calls = %v, want [false true]", dst.Constraints)
	}
}

func TestRun_CancelledAtBatchBoundary(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 100, userRow)
	dst := testutil.NewConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dst.FailInsert = func(_ string, call int, _ [][]any) error {
		if call == 2 {
			cancel()
		}
		return nil
	}

	res, err := newExecutor(t, Options{BatchSize: 10, DisableConstraints: true}).
		Run(ctx, planFor(testutil.Mapping("users", "id", "name")), src, dst)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Stage != model.StageCancelled {
		t.Errorf("stage = %s", res.Stage)
	}
	if n := len(dst.Rows("users")); n != 20 {
		t.Errorf("stored %d rows, want the two completed batches", n)
	}
	if !slices.Equal(dst.Constraints, []bool{false, true}) {
		t.Errorf("constraint calls = %v, want [false true]", dst.Constraints)
	}
}

func TestRun_DDLFailureHalts(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 5, userRow)
	dst := testutil.NewConn()
	dst.FailDDL = func(string) error { return errors.New("permission denied") }
	m := testutil.Mapping("users", "id", "name")
	m.CreateSQL = "CREATE TABLE IF NOT EXISTS users (\n  id INTEGER PRIMARY KEY\n)"

	res, err := newExecutor(t, Options{}).Run(context.Background(), planFor(m), src, dst)
	var ddlErr *dialect.DDLError
	if !errors.As(err, &ddlErr) || ddlErr.Statement != m.CreateSQL {
		t.Fatalf("err = %v, want DDLError", err)
	}
	if dst.InsertCalls["users"] != 0 {
		t.Error("data transferred after failed DDL")
	}
	if res.Stage != model.StageFailed || res.Error == "" {
		t.Errorf("stage = %s, error = %q", res.Stage, res.Error)
	}
}

func TestRun_WaitsForReferencedTables(t *testing.T) {
	src := testutil.NewConn().
		AddTable("customers", []string{"id", "name"}, 50, userRow).
		AddTable("orders", []string{"id", "customer_id"}, 50, orderRow)
	dst := testutil.NewConn()
	var mu sync.Mutex
	var order []string
	dst.FailInsert = func(table string, _ int, _ [][]any) error {
		mu.Lock()
		order = append(order, table)
		mu.Unlock()
		return nil
	}
	orders := testutil.Mapping("orders", "id", "customer_id")
	orders.DependsOn = []string{"customers"}
	plan := planFor(testutil.Mapping("customers", "id", "name"), orders)

	if _, err := newExecutor(t, Options{BatchSize: 5, Workers: 2}).Run(context.Background(), plan, src, dst); err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := slices.Index(order, "orders")
	if first < 0 {
		t.Fatalf("orders never written: %v", order)
	}
	for i := first; i < len(order); i++ {
		if order[i] == "customers" {
			t.Fatalf("customers written after orders started: %v", order)
		}
	}
}

func TestRun_SkippedRowsReported(t *testing.T) {
	src := testutil.NewConn().AddTable("people", []string{"id", "age"}, 100, func(i int) []any {
		if i%10 == 0 {
			return []any{int64(i), "n/a"}
		}
		return []any{int64(i), fmt.Sprint(20 + i%50)}
	})
	dst := testutil.NewConn()
	m := testutil.Mapping("people", "id", "age")
	m.Columns[1].Rule = &model.Rule{Kind: model.RuleCast, To: model.FieldInteger}
	m.Columns[1].Required = true

	res, err := newExecutor(t, Options{BatchSize: 30, Validate: true}).Run(context.Background(), planFor(m), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tr := res.Tables[0]
	if tr.RowsSkipped != 10 || tr.RowsProcessed != 90 || tr.RowsRead != 100 {
		t.Errorf("table result = %+v", tr)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "10 row(s) skipped") {
			found = true
		}
		if strings.Contains(w, "expected") {
			t.Errorf("row count check ignored skipped rows: %s", w)
		}
	}
	if !found {
		t.Errorf("warnings = %q", res.Warnings)
	}
}

func TestRun_RowCountMismatchIsWarning(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 5, userRow)
	dst := testutil.NewConn().AddTable("users", []string{"id", "name"}, 2, userRow)

	res, err := newExecutor(t, Options{Validate: true}).
		Run(context.Background(), planFor(testutil.Mapping("users", "id", "name")), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || !res.Tables[0].Success {
		t.Errorf("success = %v, table success = %v", res.Success, res.Tables[0].Success)
	}
	if !strings.Contains(strings.Join(res.Warnings, "\n"), "table users: target has 7 rows, expected 5") {
		t.Errorf("warnings = %q", res.Warnings)
	}
}

func TestRun_IndexFailureMarksTable(t *testing.T) {
	src := testutil.NewConn().
		AddTable("users", []string{"id", "name"}, 5, userRow).
		AddTable("orders", []string{"id", "user_id"}, 5, orderRow)
	dst := testutil.NewConn()
	dst.FailDDL = func(stmt string) error {
		if strings.Contains(stmt, "orders_user_id_idx") {
			return errors.New("index exists")
		}
		return nil
	}
	users := testutil.Mapping("users", "id", "name")
	users.IndexSQL = []string{"CREATE INDEX IF NOT EXISTS users_name_idx ON users (name)"}
	orders := testutil.Mapping("orders", "id", "user_id")
	orders.IndexSQL = []string{"CREATE INDEX IF NOT EXISTS orders_user_id_idx ON orders (user_id)"}

	res, err := newExecutor(t, Options{}).Run(context.Background(), planFor(users, orders), src, dst)
	if !errors.Is(err, ErrTablesFailed) {
		t.Fatalf("err = %v", err)
	}
	u, _ := res.Table("users")
	o, _ := res.Table("orders")
	if !u.Success || o.Success {
		t.Errorf("users success = %v, orders success = %v", u.Success, o.Success)
	}
	if !slices.Contains(dst.DDL, users.IndexSQL[0]) {
		t.Errorf("users index not created: %q", dst.DDL)
	}
}

func TestRun_ScriptsAndViews(t *testing.T) {
	src := testutil.NewConn().AddTable("users", []string{"id", "name"}, 5, userRow)
	dst := testutil.NewConn()
	plan := planFor(testutil.Mapping("users", "id", "name"))
	plan.PreScripts = []string{"PRAGMA foreign_keys = OFF"}
	plan.PostScripts = []string{"ANALYZE"}
	plan.Views = []model.ViewMapping{
		{SourceView: "active_users", TargetView: "active_users", TargetDefinition: "SELECT id FROM users"},
		{SourceView: "report", TargetView: "report", Skip: true, SkipReason: "view definition unavailable"},
	}

	var stages []model.ExecutionStage
	exec := newExecutor(t, Options{Progress: func(s model.ExecutionStage, percent int, _ string) {
		if len(stages) == 0 || stages[len(stages)-1] != s {
			stages = append(stages, s)
		}
	}})
	if _, err := exec.Run(context.Background(), plan, src, dst); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dst.DDL[0] != "PRAGMA foreign_keys = OFF" || dst.DDL[len(dst.DDL)-1] != "ANALYZE" {
		t.Errorf("scripts out of order: %q", dst.DDL)
	}
	views := 0
	for _, stmt := range dst.DDL {
		if strings.Contains(stmt, "CREATE VIEW") {
			views++
		}
	}
	if views != 1 {
		t.Errorf("views created = %d, want 1: %q", views, dst.DDL)
	}
	want := []model.ExecutionStage{
		model.StageCreated, model.StageSchemaCreated, model.StageDataMigrating,
		model.StageIndexesCreating, model.StageCompleted,
	}
	if !slices.Equal(stages, want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}
}
