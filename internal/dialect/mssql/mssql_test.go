package mssql

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

func TestQuoteIdent(t *testing.T) {
	d := Dialect{Rules: Syntax}
	tests := map[string]string{
		"users":     "users",
		"user":      "[user]",
		"Order":     "[Order]",
		"odd]name":  "[odd]]name]",
		"has space": "[has space]",
	}
	for in, want := range tests {
		if got := d.QuoteIdent(in); got != want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCreateTable(t *testing.T) {
	d := Dialect{Rules: Syntax}
	got := d.CreateTable("dbo.users", "id INT IDENTITY(1,1) PRIMARY KEY")
	want := "IF OBJECT_ID(N'dbo.users', N'U') IS NULL\nCREATE TABLE dbo.users (\nid INT IDENTITY(1,1) PRIMARY KEY\n)"
	if got != want {
		t.Errorf("CreateTable =\n%s\nwant\n%s", got, want)
	}
	if got := d.CreateOrReplaceView("dbo.v", "SELECT 1 AS x"); got != "CREATE OR ALTER VIEW dbo.v AS SELECT 1 AS x" {
		t.Errorf("CreateOrReplaceView = %s", got)
	}
}

func TestNativeType(t *testing.T) {
	d := Dialect{Rules: Syntax}
	tests := []struct {
		ft                  model.FieldType
		length, prec, scale int64
		want                string
	}{
		{model.FieldString, 100, 0, 0, "NVARCHAR(100)"},
		{model.FieldString, 5000, 0, 0, "NVARCHAR(MAX)"},
		{model.FieldString, 0, 0, 0, "NVARCHAR(MAX)"},
		{model.FieldDecimal, 0, 50, 4, "DECIMAL(38,4)"},
		{model.FieldBoolean, 0, 0, 0, "BIT"},
		{model.FieldUUID, 0, 0, 0, "UNIQUEIDENTIFIER"},
	}
	for _, tt := range tests {
		if got := d.NativeType(tt.ft, tt.length, tt.prec, tt.scale); got != tt.want {
			t.Errorf("NativeType(%s, %d, %d, %d) = %s, want %s", tt.ft, tt.length, tt.prec, tt.scale, got, tt.want)
		}
	}
}

func TestCatalogNativeType(t *testing.T) {
	tests := []struct {
		typ                      string
		maxLen, precision, scale int64
		want                     string
	}{
		{"nvarchar", 240, 0, 0, "nvarchar(120)"},
		{"nvarchar", -1, 0, 0, "nvarchar(max)"},
		{"varchar", 50, 0, 0, "varchar(50)"},
		{"decimal", 9, 10, 2, "decimal(10,2)"},
		{"int", 4, 10, 0, "int"},
	}
	for _, tt := range tests {
		if got := nativeType(tt.typ, tt.maxLen, tt.precision, tt.scale); got != tt.want {
			t.Errorf("nativeType(%s) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestUnwrapDefault(t *testing.T) {
	tests := map[string]string{
		"((0))":        "0",
		"(getdate())":  "getdate()",
		"(N'pending')": "'pending'",
		"((1)+(2))":    "(1)+(2)",
	}
	for in, want := range tests {
		if got := unwrapDefault(in); got != want {
			t.Errorf("unwrapDefault(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSelectQueryUsesOffsetFetch(t *testing.T) {
	c := New(nil, "shop", "dbo")
	got := c.SelectQuery(dialect.TableRef{Schema: "dbo", Name: "users"}, []string{"id"}, 20, 10)
	want := "SELECT id FROM dbo.users ORDER BY id OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY"
	if got != want {
		t.Errorf("SelectQuery = %s", got)
	}
	got = c.InsertStatement(dialect.TableRef{Name: "users"}, []string{"id", "name"}, 2)
	if want := "INSERT INTO users (id, name) VALUES (@p1, @p2), (@p3, @p4)"; got != want {
		t.Errorf("InsertStatement = %s", got)
	}
}

func TestBulkInsertIdentity(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	c := New(db, "shop", "dbo")

	mock.ExpectQuery(regexp.QuoteMeta("OBJECTPROPERTY")).WithArgs("dbo.users").
		WillReturnRows(sqlmock.NewRows([]string{"has"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT dbo.users ON;\nINSERT INTO dbo.users")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	// second call hits the cache
	mock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT dbo.users ON;")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ref := dialect.TableRef{Schema: "dbo", Name: "users"}
	if _, err := c.BulkInsert(context.Background(), ref, []string{"id"}, [][]any{{1}, {2}}); err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if _, err := c.BulkInsert(context.Background(), ref, []string{"id"}, [][]any{{3}}); err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetConstraints(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	c := New(db, "shop", "dbo")

	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE dbo.orders NOCHECK CONSTRAINT ALL")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE dbo.orders WITH CHECK CHECK CONSTRAINT ALL")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	tables := []dialect.TableRef{{Schema: "dbo", Name: "orders"}}
	if err := c.SetConstraints(context.Background(), tables, false); err != nil {
		t.Fatal(err)
	}
	if err := c.SetConstraints(context.Background(), tables, true); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestConvertValue(t *testing.T) {
	// 6F9619FF-8B86-D011-B42D-00C04FC964FF in SQL Server byte order
	raw := []byte{0xFF, 0x19, 0x96, 0x6F, 0x86, 0x8B, 0x11, 0xD0, 0xB4, 0x2D, 0x00, 0xC0, 0x4F, 0xC9, 0x64, 0xFF}
	if got := convertValue("UNIQUEIDENTIFIER", raw); got != "6F9619FF-8B86-D011-B42D-00C04FC964FF" {
		t.Errorf("convertValue = %v", got)
	}
	if got := convertValue("VARBINARY", raw); len(got.([]byte)) != 16 {
		t.Errorf("non-uuid bytes changed: %v", got)
	}
}

func TestDatabaseName(t *testing.T) {
	if got := DatabaseName("sqlserver://sa:pw@localhost:1433?database=shop&encrypt=disable"); got != "shop" {
		t.Errorf("DatabaseName = %q", got)
	}
}

func TestTriggerShapeFor(t *testing.T) {
	timing, event := dialect.TriggerShape("CREATE TRIGGER trg ON dbo.orders FOR INSERT, UPDATE AS BEGIN SELECT 1 END")
	if timing != "AFTER" || event != "INSERT" {
		t.Errorf("TriggerShape = %q %q", timing, event)
	}
}

func TestExecuteDDL_ObjectExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	c := New(db, "shop", "dbo")

	mock.ExpectExec(regexp.QuoteMeta("CREATE UNIQUE INDEX users_email_idx")).
		WillReturnError(mssqldb.Error{Number: 1913, Message: "The operation failed because an index or statistics with name 'users_email_idx' already exists"})
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX users_name_idx")).
		WillReturnError(mssqldb.Error{Number: 1088, Message: "Cannot find the object"})

	ctx := context.Background()
	if err := c.ExecuteDDL(ctx, "CREATE UNIQUE INDEX users_email_idx ON dbo.users (email)"); !errors.Is(err, dialect.ErrObjectExists) {
		t.Errorf("duplicate index: err = %v", err)
	}
	if err := c.ExecuteDDL(ctx, "CREATE INDEX users_name_idx ON dbo.users (name)"); err == nil || errors.Is(err, dialect.ErrObjectExists) {
		t.Errorf("missing table: err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReadOrderAndForeignKeys(t *testing.T) {
	if got := Syntax.RowID(); got != "" {
		t.Errorf("RowID = %q, want none", got)
	}
	for native, want := range map[string]bool{"int": true, "nvarchar(50)": true, "xml": false, "ntext": false, "image": false} {
		if got := Syntax.Orderable(native); got != want {
			t.Errorf("Orderable(%q) = %v, want %v", native, got, want)
		}
	}
	got := Syntax.AddForeignKey("dbo.orders", "orders_user_fk", "FOREIGN KEY (user_id) REFERENCES dbo.users (id)")
	for _, want := range []string{
		"IF NOT EXISTS (SELECT 1 FROM sys.foreign_keys WHERE name = N'orders_user_fk' AND parent_object_id = OBJECT_ID(N'dbo.orders'))",
		"\nALTER TABLE dbo.orders ADD CONSTRAINT orders_user_fk FOREIGN KEY (user_id) REFERENCES dbo.users (id)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("AddForeignKey missing %q:\n%s", want, got)
		}
	}
}

func TestSelectQuery_KeylessExcludesXML(t *testing.T) {
	c := New(nil, "shop", "dbo")
	ref := dialect.TableRef{Schema: "dbo", Name: "audit", OrderBy: []string{"seq"}, Keyless: true}
	got := c.SelectQuery(ref, []string{"doc", "seq"}, 0, 10)
	want := "SELECT doc, seq FROM dbo.audit ORDER BY seq OFFSET 0 ROWS FETCH NEXT 10 ROWS ONLY"
	if got != want {
		t.Errorf("SelectQuery = %s", got)
	}
}
