package mysql

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

func TestParseConfig_InvalidDSN(t *testing.T) {
	_, err := ParseConfig(model.ConnectionConfig{Dialect: model.MySQL, DSN: "://bad-dsn"})
	if err == nil {
		t.Fatal("expected error for invalid DSN")
	}
}

func TestParseConfig_ReadOptions(t *testing.T) {
	mc, err := ParseConfig(model.ConnectionConfig{Dialect: model.MySQL, Host: "127.0.0.1", User: "root", Password: "root", Database: "example_db"})
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	if mc.DBName != "example_db" {
		t.Errorf("DBName = %q, want example_db", mc.DBName)
	}
	if !mc.ParseTime || !mc.InterpolateParams {
		t.Error("expected ParseTime and InterpolateParams to be set")
	}
}

func TestQuoteIdent(t *testing.T) {
	d := Dialect{Rules: Syntax}
	tests := map[string]string{
		"users":    "users",
		"order":    "`order`",
		"my`table": "`my``table`",
		"UserName": "`UserName`",
	}
	for in, want := range tests {
		if got := d.QuoteIdent(in); got != want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNormalizeType(t *testing.T) {
	d := Dialect{Rules: Syntax}
	tests := map[string]model.FieldType{
		"tinyint(1)":       model.FieldBoolean,
		"tinyint(4)":       model.FieldInteger,
		"int(10) unsigned": model.FieldInteger,
		"bigint(20)":       model.FieldBigInt,
		"varchar(255)":     model.FieldString,
		"decimal(10,2)":    model.FieldDecimal,
		"datetime(6)":      model.FieldDateTime,
		"json":             model.FieldJSON,
		"enum('a','b')":    model.FieldEnum,
		"geometry":         model.FieldString,
		"longblob":         model.FieldBinary,
		"double precision": model.FieldDouble,
		"timestamp":        model.FieldTimestamp,
		"mediumtext":       model.FieldString,
		"set('x','y')":     model.FieldString,
		"year(4)":          model.FieldInteger,
		"float":            model.FieldFloat,
		"varbinary(16)":    model.FieldBinary,
		"date":             model.FieldDate,
		"geography":        model.FieldString,
	}
	for in, want := range tests {
		if got := d.NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNativeType(t *testing.T) {
	d := Dialect{Rules: Syntax}
	tests := []struct {
		ft                  model.FieldType
		length, prec, scale int64
		want                string
	}{
		{model.FieldInteger, 0, 0, 0, "INT"},
		{model.FieldString, 255, 0, 0, "VARCHAR(255)"},
		{model.FieldString, 0, 0, 0, "TEXT"},
		{model.FieldDecimal, 0, 10, 2, "DECIMAL(10,2)"},
		{model.FieldDecimal, 0, 0, 0, "DECIMAL(65,30)"},
		{model.FieldBoolean, 0, 0, 0, "TINYINT(1)"},
		{model.FieldUUID, 0, 0, 0, "CHAR(36)"},
	}
	for _, tt := range tests {
		if got := d.NativeType(tt.ft, tt.length, tt.prec, tt.scale); got != tt.want {
			t.Errorf("NativeType(%s) = %s, want %s", tt.ft, got, tt.want)
		}
	}
	if got := d.AutoIncrement("INT", true); got != "AUTO_INCREMENT" {
		t.Errorf("AutoIncrement = %q", got)
	}
}

func TestParseEnumValues(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"enum('a','b','c')", []string{"a", "b", "c"}},
		{"enum('it''s','x\\,y')", []string{"it's", "x,y"}},
		{"set('read', 'write')", []string{"read", "write"}},
	}
	for _, tt := range tests {
		got, err := parseEnumValues(tt.in)
		if err != nil {
			t.Fatalf("parseEnumValues(%q) error: %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseEnumValues(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseEnumValues("enum"); err == nil {
		t.Error("expected error for malformed type")
	}
}

func TestIntrospect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM INFORMATION_SCHEMA.TABLES").WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"name", "rows", "bytes"}).AddRow("users", 10, 16384))
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.COLUMNS").WithArgs("shop", "users").
		WillReturnRows(sqlmock.NewRows([]string{"c", "t", "l", "p", "s", "n", "d", "e", "o", "co"}).
			AddRow("id", "int(11)", 0, 10, 0, "NO", nil, "auto_increment", 1, "").
			AddRow("email", "varchar(255)", 255, 0, 0, "NO", nil, "", 2, "utf8mb4_0900_ai_ci").
			AddRow("status", "enum('active','banned')", 6, 0, 0, "YES", "active", "", 3, "utf8mb4_0900_ai_ci"))
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.STATISTICS").WithArgs("shop", "users").
		WillReturnRows(sqlmock.NewRows([]string{"i", "c", "nu", "t", "sp"}).
			AddRow("PRIMARY", "id", 0, "BTREE", nil).
			AddRow("email_uq", "email", 0, "BTREE", nil))
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE").WithArgs("shop", "users").
		WillReturnRows(sqlmock.NewRows([]string{"n", "c", "rs", "rt", "rc", "u", "d"}))

	raw, err := introspect(context.Background(), db, dialect.IntrospectOptions{Schema: "shop"})
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if len(raw.Tables) != 1 {
		t.Fatalf("tables = %d, want 1", len(raw.Tables))
	}
	users := raw.Tables[0]
	if !reflect.DeepEqual(users.PrimaryKey, []string{"id"}) {
		t.Errorf("PrimaryKey = %v", users.PrimaryKey)
	}
	id, _ := users.Column("id")
	if !id.PrimaryKey || !id.AutoIncrement || id.Type != model.FieldInteger {
		t.Errorf("id = %+v", id)
	}
	email, _ := users.Column("email")
	if !email.Unique || email.Length != 255 || email.Type != model.FieldString {
		t.Errorf("email = %+v", email)
	}
	status, _ := users.Column("status")
	if status.Type != model.FieldEnum || len(status.EnumValues) != 2 || status.Default == nil {
		t.Errorf("status = %+v", status)
	}
}

func TestExecuteDDL_ObjectExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	c := newConn(db, &mysql.Config{DBName: "shop"})

	idx := "CREATE UNIQUE INDEX users_email_idx ON users (email)"
	mock.ExpectExec(regexp.QuoteMeta(idx)).
		WillReturnError(&mysql.MySQLError{Number: 1061, Message: "Duplicate key name 'users_email_idx'"})
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE orders ADD CONSTRAINT")).
		WillReturnError(&mysql.MySQLError{Number: 1826, Message: "Duplicate foreign key constraint name"})
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX bad")).
		WillReturnError(&mysql.MySQLError{Number: 1064, Message: "syntax error"})

	ctx := context.Background()
	if err := c.ExecuteDDL(ctx, idx); !errors.Is(err, dialect.ErrObjectExists) {
		t.Errorf("duplicate index: err = %v", err)
	}
	fk := "ALTER TABLE orders ADD CONSTRAINT orders_user_fk FOREIGN KEY (user_id) REFERENCES users (id)"
	if err := c.ExecuteDDL(ctx, fk); !errors.Is(err, dialect.ErrObjectExists) {
		t.Errorf("duplicate foreign key: err = %v", err)
	}
	err = c.ExecuteDDL(ctx, "CREATE INDEX bad ON")
	var ddlErr *dialect.DDLError
	if !errors.As(err, &ddlErr) || errors.Is(err, dialect.ErrObjectExists) {
		t.Errorf("syntax error: err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTruncateTable_ChecksOffForSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	c := newConn(db, &mysql.Config{DBName: "shop"})

	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE shop.users")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 1")).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := c.TruncateTable(context.Background(), dialect.TableRef{Schema: "shop", Name: "users"}); err != nil {
		t.Fatalf("TruncateTable: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReadOrder(t *testing.T) {
	if got := Syntax.RowID(); got != "" {
		t.Errorf("RowID = %q, want none", got)
	}
	for native, want := range map[string]bool{"int": true, "varchar(255)": true, "json": false} {
		if got := Syntax.Orderable(native); got != want {
			t.Errorf("Orderable(%q) = %v, want %v", native, got, want)
		}
	}
}
