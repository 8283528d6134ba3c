package planner

import (
	"errors"
	"slices"
	"strings"
	"testing"

	_ "github.com/Limetric/dbferry/internal/dialect/mongodb"
	_ "github.com/Limetric/dbferry/internal/dialect/mssql"
	_ "github.com/Limetric/dbferry/internal/dialect/mysql"
	_ "github.com/Limetric/dbferry/internal/dialect/postgres"
	_ "github.com/Limetric/dbferry/internal/dialect/sqlite"
	"github.com/Limetric/dbferry/internal/model"
)

func col(name, native string, ft model.FieldType, mods ...func(*model.ColumnSchema)) model.ColumnSchema {
	c := model.ColumnSchema{Name: name, NativeType: native, Type: ft, Nullable: true}
	for _, m := range mods {
		m(&c)
	}
	return c
}

func pk(c *model.ColumnSchema)       { c.PrimaryKey, c.Nullable = true, false }
func notNull(c *model.ColumnSchema)  { c.Nullable = false }
func unique(c *model.ColumnSchema)   { c.Unique = true }
func autoIncr(c *model.ColumnSchema) { c.AutoIncrement = true }

func usersSchema() *model.SchemaAnalysisResult {
	return &model.SchemaAnalysisResult{
		Dialect: model.PostgreSQL,
		Tables: []model.TableSchema{{
			Name: "users",
			Columns: []model.ColumnSchema{
				col("id", "integer", model.FieldInteger, pk),
				col("email", "varchar(255)", model.FieldString, notNull, unique, func(c *model.ColumnSchema) { c.Length = 255 }),
			},
			PrimaryKey: []string{"id"},
		}},
	}
}

func shopSchema() *model.SchemaAnalysisResult {
	return &model.SchemaAnalysisResult{
		Dialect: model.PostgreSQL,
		Tables: []model.TableSchema{
			{
				Name: "customers",
				Columns: []model.ColumnSchema{
					col("id", "integer", model.FieldInteger, pk, autoIncr),
					col("name", "text", model.FieldString),
				},
				PrimaryKey: []string{"id"},
			},
			{
				Name: "orders",
				Columns: []model.ColumnSchema{
					col("id", "integer", model.FieldInteger, pk, autoIncr),
					col("customer_id", "integer", model.FieldInteger, notNull),
				},
				PrimaryKey: []string{"id"},
				ForeignKeys: []model.ForeignKeySchema{{
					Name: "orders_customer_fk", Columns: []string{"customer_id"},
					RefTable: "customers", RefColumns: []string{"id"}, OnDelete: "CASCADE", OnUpdate: "NO ACTION",
				}},
			},
		},
	}
}

func TestGeneratePlan_PostgresToMySQL(t *testing.T) {
	plan, err := GeneratePlan(usersSchema(), model.ConnectionConfig{Dialect: model.MySQL}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	users, ok := plan.Table("users")
	if !ok {
		t.Fatal("users not planned")
	}
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS users", "id INT PRIMARY KEY,", "email VARCHAR(255) UNIQUE NOT NULL"} {
		if !strings.Contains(users.CreateSQL, want) {
			t.Errorf("CreateSQL missing %q:\n%s", want, users.CreateSQL)
		}
	}
	wantIdx := []string{"CREATE UNIQUE INDEX users_email_idx ON users (email)"}
	if !slices.Equal(users.IndexSQL, wantIdx) {
		t.Errorf("IndexSQL = %q, want %q", users.IndexSQL, wantIdx)
	}
	if plan.SourceDialect != model.PostgreSQL || plan.TargetDialect != model.MySQL || plan.Version != 1 {
		t.Errorf("plan header = %s -> %s v%d", plan.SourceDialect, plan.TargetDialect, plan.Version)
	}
}

func TestGeneratePlan_DependencyOrder(t *testing.T) {
	plan, err := GeneratePlan(shopSchema(), model.ConnectionConfig{Dialect: model.PostgreSQL, Schema: "shop"}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if plan.Tables[0].SourceTable != "customers" || plan.Tables[1].SourceTable != "orders" {
		t.Fatalf("order = %s, %s", plan.Tables[0].SourceTable, plan.Tables[1].SourceTable)
	}
	orders := plan.Tables[1]
	if !slices.Equal(orders.DependsOn, []string{"customers"}) {
		t.Errorf("DependsOn = %v", orders.DependsOn)
	}
	wantFK := "DO $$\nBEGIN\n" +
		"  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'orders_customer_fk' AND conrelid = 'shop.orders'::regclass) THEN\n" +
		"    ALTER TABLE shop.orders ADD CONSTRAINT orders_customer_fk FOREIGN KEY (customer_id) REFERENCES shop.customers (id) ON DELETE CASCADE;\n" +
		"  END IF;\nEND $$"
	if !slices.Equal(orders.ForeignKeySQL, []string{wantFK}) {
		t.Errorf("ForeignKeySQL = %q", orders.ForeignKeySQL)
	}
	if !strings.Contains(orders.CreateSQL, "id integer PRIMARY KEY GENERATED BY DEFAULT AS IDENTITY") {
		t.Errorf("same-dialect CreateSQL = %s", orders.CreateSQL)
	}
	wantReset := "SELECT setval(pg_get_serial_sequence('shop.orders', 'id'), COALESCE((SELECT MAX(id) FROM shop.orders), 0) + 1, false)"
	if !slices.Contains(orders.IndexSQL, wantReset) {
		t.Errorf("IndexSQL = %q, want identity reset", orders.IndexSQL)
	}
}

func TestGeneratePlan_CycleDeferral(t *testing.T) {
	schema := &model.SchemaAnalysisResult{
		Dialect: model.PostgreSQL,
		Tables: []model.TableSchema{
			{
				Name:        "a",
				Columns:     []model.ColumnSchema{col("id", "integer", model.FieldInteger, pk), col("b_id", "integer", model.FieldInteger)},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []model.ForeignKeySchema{{Name: "a_b_fk", Columns: []string{"b_id"}, RefTable: "b", RefColumns: []string{"id"}}},
			},
			{
				Name:        "b",
				Columns:     []model.ColumnSchema{col("id", "integer", model.FieldInteger, pk), col("a_id", "integer", model.FieldInteger)},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []model.ForeignKeySchema{{Name: "b_a_fk", Columns: []string{"a_id"}, RefTable: "a", RefColumns: []string{"id"}}},
			},
			{
				Name:    "c",
				Columns: []model.ColumnSchema{col("id", "integer", model.FieldInteger, pk)},
			},
		},
	}
	plan, err := GeneratePlan(schema, model.ConnectionConfig{Dialect: model.MySQL}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan on a cycle: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		m, _ := plan.Table(name)
		if !m.DeferConstraints {
			t.Errorf("%s: DeferConstraints not set", name)
		}
	}
	if c, _ := plan.Table("c"); c.DeferConstraints {
		t.Error("c: DeferConstraints set outside the cycle")
	}
	want := []model.DeferredForeignKey{{Table: "b", RefTable: "a", Name: "b_a_fk"}}
	if !slices.Equal(plan.DeferredForeignKeys, want) {
		t.Errorf("DeferredForeignKeys = %+v, want %+v", plan.DeferredForeignKeys, want)
	}
	if b, _ := plan.Table("b"); len(b.DependsOn) != 0 {
		t.Errorf("b waits on deferred edge: %v", b.DependsOn)
	}
}

func TestGeneratePlan_Infeasible(t *testing.T) {
	hints := &RuleHints{SkipTables: map[string]string{"customers": "archived"}}
	_, err := GeneratePlan(shopSchema(), model.ConnectionConfig{Dialect: model.MySQL}, hints)
	if !errors.Is(err, ErrInfeasiblePlan) {
		t.Fatalf("err = %v, want ErrInfeasiblePlan", err)
	}
	if !strings.Contains(err.Error(), "orders -> customers") {
		t.Errorf("err does not name the offender: %v", err)
	}
}

func TestGeneratePlan_SQLiteInlineForeignKeys(t *testing.T) {
	plan, err := GeneratePlan(shopSchema(), model.ConnectionConfig{Dialect: model.SQLite}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	orders, _ := plan.Table("orders")
	if len(orders.ForeignKeySQL) != 0 {
		t.Errorf("ForeignKeySQL = %q, want inline only", orders.ForeignKeySQL)
	}
	for _, want := range []string{
		"id INTEGER PRIMARY KEY AUTOINCREMENT",
		"customer_id INTEGER NOT NULL",
		"FOREIGN KEY (customer_id) REFERENCES customers (id) ON DELETE CASCADE",
	} {
		if !strings.Contains(orders.CreateSQL, want) {
			t.Errorf("CreateSQL missing %q:\n%s", want, orders.CreateSQL)
		}
	}
}

func TestGeneratePlan_SQLServerIdentity(t *testing.T) {
	plan, err := GeneratePlan(shopSchema(), model.ConnectionConfig{Dialect: model.SQLServer, Schema: "dbo"}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	customers, _ := plan.Table("customers")
	if !strings.HasPrefix(customers.CreateSQL, "IF OBJECT_ID(N'dbo.customers', N'U') IS NULL") {
		t.Errorf("CreateSQL not guarded:\n%s", customers.CreateSQL)
	}
	if !strings.Contains(customers.CreateSQL, "id INT PRIMARY KEY IDENTITY(1,1)") {
		t.Errorf("CreateSQL missing identity:\n%s", customers.CreateSQL)
	}
	orders, _ := plan.Table("orders")
	if len(orders.ForeignKeySQL) != 1 ||
		!strings.HasPrefix(orders.ForeignKeySQL[0], "IF NOT EXISTS (SELECT 1 FROM sys.foreign_keys WHERE name = N'orders_customer_fk' AND parent_object_id = OBJECT_ID(N'dbo.orders'))") {
		t.Errorf("ForeignKeySQL not guarded: %q", orders.ForeignKeySQL)
	}
}

func TestGeneratePlan_KeylessReadOrder(t *testing.T) {
	events := func(d model.Dialect, payload string) *model.SchemaAnalysisResult {
		return &model.SchemaAnalysisResult{
			Dialect: d,
			Tables: []model.TableSchema{{
				Name: "events",
				Columns: []model.ColumnSchema{
					col("payload", payload, model.FieldJSON),
					col("seq", "integer", model.FieldInteger),
				},
			}},
		}
	}
	tests := []struct {
		name    string
		schema  *model.SchemaAnalysisResult
		target  model.Dialect
		warning bool
	}{
		{"postgres reads by ctid", events(model.PostgreSQL, "json"), model.MySQL, false},
		{"mysql has no row id", events(model.MySQL, "json"), model.PostgreSQL, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := GeneratePlan(tt.schema, model.ConnectionConfig{Dialect: tt.target}, nil)
			if err != nil {
				t.Fatalf("GeneratePlan: %v", err)
			}
			m := plan.Tables[0]
			if len(m.KeyColumns) != 0 || !slices.Equal(m.OrderColumns, []string{"seq"}) {
				t.Errorf("KeyColumns = %v, OrderColumns = %v", m.KeyColumns, m.OrderColumns)
			}
			warned := strings.Contains(strings.Join(plan.Warnings, "\n"), "events: no primary key and payload cannot be ordered")
			if warned != tt.warning {
				t.Errorf("ordering warning = %v, want %v: %q", warned, tt.warning, plan.Warnings)
			}
		})
	}
}

func TestGeneratePlan_CompositePrimaryKey(t *testing.T) {
	schema := &model.SchemaAnalysisResult{
		Dialect: model.MySQL,
		Tables: []model.TableSchema{{
			Name: "order_items",
			Columns: []model.ColumnSchema{
				col("order_id", "int", model.FieldInteger, pk),
				col("line", "int", model.FieldInteger, pk),
				col("qty", "int", model.FieldInteger, func(c *model.ColumnSchema) {
					d := "1"
					c.Default = &d
				}),
			},
			PrimaryKey: []string{"order_id", "line"},
		}},
	}
	plan, err := GeneratePlan(schema, model.ConnectionConfig{Dialect: model.PostgreSQL}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	items := plan.Tables[0]
	for _, want := range []string{"order_id INTEGER NOT NULL", "qty INTEGER DEFAULT 1", "PRIMARY KEY (order_id, line)"} {
		if !strings.Contains(items.CreateSQL, want) {
			t.Errorf("CreateSQL missing %q:\n%s", want, items.CreateSQL)
		}
	}
}

func TestGeneratePlan_Hints(t *testing.T) {
	schema := usersSchema()
	schema.Tables[0].Name = "AppUsers"
	schema.Tables[0].Columns = append(schema.Tables[0].Columns, col("fullName", "text", model.FieldString))
	schema.Views = []model.ViewSchema{{Name: "active_users", Definition: "SELECT id, email FROM AppUsers WHERE id > 0"}}

	hints := &RuleHints{
		SnakeCase:     true,
		ColumnRenames: map[string]map[string]string{"AppUsers": {"email": "email_address"}},
		ColumnRules:   map[string]map[string]*model.Rule{"AppUsers": {"email": {Kind: model.RuleFormat, Format: "lower"}}},
		Required:      map[string][]string{"AppUsers": {"email"}},
		RowFilters:    map[string]string{"AppUsers": "id > 0"},
		Derived: map[string][]DerivedColumn{"AppUsers": {
			{Target: "label", Type: "VARCHAR(300)", Rule: &model.Rule{Kind: model.RuleCombine, Template: "{fullName} <{email}>"}},
		}},
		PostScripts: []string{"ANALYZE"},
	}
	plan, err := GeneratePlan(schema, model.ConnectionConfig{Dialect: model.PostgreSQL}, hints)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	m := plan.Tables[0]
	if m.TargetTable != "app_users" || m.RowFilter != "id > 0" {
		t.Errorf("mapping = %s filter %q", m.TargetTable, m.RowFilter)
	}
	if got := m.TargetColumns(); !slices.Equal(got, []string{"id", "email_address", "full_name", "label"}) {
		t.Errorf("target columns = %v", got)
	}
	if !m.Columns[1].Required || m.Columns[1].Rule == nil {
		t.Errorf("email mapping = %+v", m.Columns[1])
	}
	if !strings.Contains(m.CreateSQL, "label VARCHAR(300)") {
		t.Errorf("derived column missing:\n%s", m.CreateSQL)
	}
	if len(plan.Views) != 1 || plan.Views[0].TargetDefinition != "SELECT id, email FROM app_users WHERE id > 0" {
		t.Errorf("views = %+v", plan.Views)
	}
	if !slices.Equal(plan.PostScripts, []string{"ANALYZE"}) {
		t.Errorf("post scripts = %v", plan.PostScripts)
	}
}

func TestGeneratePlan_ViewsUntouchedWhenNamingAgrees(t *testing.T) {
	schema := usersSchema()
	schema.Views = []model.ViewSchema{{Name: "v", Definition: "SELECT * FROM users"}}
	schema.Procedures = []model.ProcedureSchema{{Name: "touch", Kind: "FUNCTION"}}
	plan, err := GeneratePlan(schema, model.ConnectionConfig{Dialect: model.PostgreSQL}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if plan.Views[0].TargetDefinition != "SELECT * FROM users" {
		t.Errorf("view rewritten: %q", plan.Views[0].TargetDefinition)
	}
	if !plan.Procedures[0].Skip || plan.Procedures[0].SkipReason == "" {
		t.Errorf("procedure without rewrite not skipped: %+v", plan.Procedures[0])
	}
}

func TestGeneratePlan_DocumentTarget(t *testing.T) {
	plan, err := GeneratePlan(shopSchema(), model.ConnectionConfig{Dialect: model.MongoDB}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	for _, m := range plan.Tables {
		if m.CreateSQL != "" || len(m.IndexSQL) != 0 || len(m.ForeignKeySQL) != 0 {
			t.Errorf("%s: DDL generated for document target", m.SourceTable)
		}
		if len(m.Columns) != 2 {
			t.Errorf("%s: columns = %d", m.SourceTable, len(m.Columns))
		}
	}
	if len(plan.Warnings) == 0 {
		t.Error("no warning for document target")
	}
}

func TestGeneratePlan_CompatibilityWarnings(t *testing.T) {
	schema := &model.SchemaAnalysisResult{
		Dialect: model.MySQL,
		Tables: []model.TableSchema{{
			Name: "accounts",
			Columns: []model.ColumnSchema{
				col("id", "int", model.FieldInteger, pk),
				col("login", "varchar(64)", model.FieldString, unique, func(c *model.ColumnSchema) { c.Collation = "utf8mb4_general_ci" }),
				col("total", "int", model.FieldInteger, func(c *model.ColumnSchema) { c.Generated = "VIRTUAL GENERATED" }),
				col("updated_at", "timestamp", model.FieldTimestamp, func(c *model.ColumnSchema) { c.OnUpdateTimestamp = true }),
			},
			PrimaryKey: []string{"id"},
			Indexes:    []model.IndexSchema{{Name: "ft", Columns: []string{"login"}, Type: "FULLTEXT"}},
		}},
	}
	plan, err := GeneratePlan(schema, model.ConnectionConfig{Dialect: model.PostgreSQL}, nil)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	joined := strings.Join(plan.Warnings, "\n")
	for _, want := range []string{"generated column accounts.total", "utf8mb4_general_ci (case-insensitive)", "accounts.login", `index type "FULLTEXT"`, "accounts.updated_at refreshes on every update"} {
		if !strings.Contains(joined, want) {
			t.Errorf("warnings missing %q:\n%s", want, joined)
		}
	}
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"userId":     "user_id",
		"UserID":     "user_id",
		"HTTPServer": "http_server",
		"already_ok": "already_ok",
		"order-item": "order_item",
		"v2Name":     "v2_name",
	}
	for in, want := range tests {
		if got := SnakeCase(in); got != want {
			t.Errorf("SnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRuleHints_Merge(t *testing.T) {
	base := &RuleHints{TableRenames: map[string]string{"a": "x", "b": "y"}, PreScripts: []string{"one"}}
	over := &RuleHints{TableRenames: map[string]string{"a": "z"}, SnakeCase: true, PreScripts: []string{"two"}}
	got := base.Merge(over)
	if got.TableRenames["a"] != "z" || got.TableRenames["b"] != "y" || !got.SnakeCase {
		t.Errorf("merged = %+v", got)
	}
	if !slices.Equal(got.PreScripts, []string{"one", "two"}) {
		t.Errorf("pre scripts = %v", got.PreScripts)
	}
	if base.TableRenames["a"] != "x" {
		t.Error("Merge mutated the receiver")
	}
}
