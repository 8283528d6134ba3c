package postgres

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

func TestQuoteIdent(t *testing.T) {
	d := Dialect{Rules: Syntax}
	tests := []struct {
		in, want string
	}{
		{"user", `"user"`},
		{"order", `"order"`},
		{"table", `"table"`},
		{"users", "users"},
		{"match_id", "match_id"},
		{"chat_id-ended_at", `"chat_id-ended_at"`},
		{"has space", `"has space"`},
		{"Upper", `"Upper"`},
		{"0start", `"0start"`},
		{`say"hi`, `"say""hi"`},
	}
	for _, tt := range tests {
		if got := d.QuoteIdent(tt.in); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := d.QualifiedName("app", "order"); got != `app."order"` {
		t.Errorf("QualifiedName = %s", got)
	}
}

func TestNormalizeType(t *testing.T) {
	d := Dialect{Rules: Syntax}
	tests := map[string]model.FieldType{
		"character varying(255)":      model.FieldString,
		"integer":                     model.FieldInteger,
		"bigint":                      model.FieldBigInt,
		"numeric(10,2)":               model.FieldDecimal,
		"double precision":            model.FieldDouble,
		"timestamp without time zone": model.FieldDateTime,
		"timestamp(3) with time zone": model.FieldTimestamp,
		"jsonb":                       model.FieldJSON,
		"uuid":                        model.FieldUUID,
		"bytea":                       model.FieldBinary,
		"integer[]":                   model.FieldArray,
		"_int4":                       model.FieldArray,
		"inet":                        model.FieldString,
	}
	for in, want := range tests {
		if got := d.NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNativeTypeRoundTrip(t *testing.T) {
	d := Dialect{Rules: Syntax}
	for _, ft := range []model.FieldType{
		model.FieldString, model.FieldInteger, model.FieldBigInt, model.FieldFloat,
		model.FieldDouble, model.FieldDecimal, model.FieldBoolean, model.FieldDate,
		model.FieldDateTime, model.FieldTimestamp, model.FieldJSON, model.FieldUUID,
		model.FieldBinary,
	} {
		if got := d.NormalizeType(d.NativeType(ft, 0, 0, 0)); got != ft {
			t.Errorf("NormalizeType(NativeType(%s)) = %s", ft, got)
		}
	}
	if got := d.NativeType(model.FieldString, 120, 0, 0); got != "VARCHAR(120)" {
		t.Errorf("NativeType(string, 120) = %s", got)
	}
	if got := d.AutoIncrement("INTEGER", true); got != "GENERATED BY DEFAULT AS IDENTITY" {
		t.Errorf("AutoIncrement = %q", got)
	}
}

func TestCatalogColumn(t *testing.T) {
	serial := "nextval('users_id_seq'::regclass)"
	col := catalogColumn("id", "integer", false, &serial, false, nil, 1)
	if !col.AutoIncrement || col.Default != nil || col.Type != model.FieldInteger {
		t.Errorf("serial column = %+v", col)
	}

	col = catalogColumn("email", "character varying(120)", true, nil, false, nil, 2)
	if col.Length != 120 || col.Type != model.FieldString {
		t.Errorf("varchar column = %+v", col)
	}

	col = catalogColumn("price", "numeric(12,4)", true, nil, false, nil, 3)
	if col.Precision != 12 || col.Scale != 4 {
		t.Errorf("numeric column = %+v", col)
	}

	col = catalogColumn("mood", "mood", true, nil, false, []string{"sad", "ok", "happy"}, 4)
	if col.Type != model.FieldEnum || !reflect.DeepEqual(col.EnumValues, []string{"sad", "ok", "happy"}) {
		t.Errorf("enum column = %+v", col)
	}

	col = catalogColumn("n", "bigint", false, nil, true, nil, 5)
	if !col.AutoIncrement {
		t.Errorf("identity column = %+v", col)
	}
}

func TestReferentialAction(t *testing.T) {
	tests := map[string]string{"a": "NO ACTION", "r": "RESTRICT", "c": "CASCADE", "n": "SET NULL", "d": "SET DEFAULT"}
	for in, want := range tests {
		if got := referentialAction(in); got != want {
			t.Errorf("referentialAction(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlainValue(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if got := plainValue([16]byte(id)); got != id.String() {
		t.Errorf("uuid = %v", got)
	}
	num := pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}
	if got := plainValue(num); got != "123.45" {
		t.Errorf("numeric = %v", got)
	}
	if got := plainValue(pgtype.Numeric{}); got != nil {
		t.Errorf("null numeric = %v", got)
	}
	if got := plainValue(int64(7)); got != int64(7) {
		t.Errorf("int64 = %v", got)
	}
}

func TestRenderedStatements(t *testing.T) {
	c := New(nil, "app", "public")
	got := c.SelectQuery(dialect.TableRef{Schema: "public", Name: "users", OrderBy: []string{"id"}}, []string{"id", "user"}, 100, 50)
	want := `SELECT id, "user" FROM public.users ORDER BY id LIMIT 50 OFFSET 100`
	if got != want {
		t.Errorf("SelectQuery =\n%s\nwant\n%s", got, want)
	}
	got = c.InsertStatement(dialect.TableRef{Name: "users"}, []string{"id", "email"}, 2)
	want = "INSERT INTO users (id, email) VALUES ($1, $2), ($3, $4)"
	if got != want {
		t.Errorf("InsertStatement = %s", got)
	}
}

func TestReadOrder(t *testing.T) {
	if got := Syntax.RowID(); got != "ctid" {
		t.Errorf("RowID = %q", got)
	}
	tests := map[string]bool{
		"integer":     true,
		"text":        true,
		"timestamptz": true,
		"json":        false,
		"jsonb":       false,
		"xml":         false,
		"point":       false,
		"integer[]":   false,
	}
	for native, want := range tests {
		if got := Syntax.Orderable(native); got != want {
			t.Errorf("Orderable(%q) = %v, want %v", native, got, want)
		}
	}
}

func TestAddForeignKeyGuarded(t *testing.T) {
	got := Syntax.AddForeignKey("app.orders", "orders_user_fk", "FOREIGN KEY (user_id) REFERENCES app.users (id)")
	want := "DO $$\nBEGIN\n" +
		"  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'orders_user_fk' AND conrelid = 'app.orders'::regclass) THEN\n" +
		"    ALTER TABLE app.orders ADD CONSTRAINT orders_user_fk FOREIGN KEY (user_id) REFERENCES app.users (id);\n" +
		"  END IF;\nEND $$"
	if got != want {
		t.Errorf("AddForeignKey =\n%s\nwant\n%s", got, want)
	}
}

func TestObjectExists(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "42710"}, true},
		{fmt.Errorf("exec: %w", &pgconn.PgError{Code: "42P07"}), true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := objectExists(tt.err); got != tt.want {
			t.Errorf("objectExists(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
