package dialect

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/Limetric/dbferry/internal/model"
)

type pagedConn struct {
	Conn
	rows  [][]any
	reads int
}

func (c *pagedConn) ReadBatch(_ context.Context, _ TableRef, cols []string, cursor string, n int) (Batch, error) {
	c.reads++
	off := 0
	if cursor != "" {
		off, _ = strconv.Atoi(cursor)
	}
	end := min(off+n, len(c.rows))
	if off >= len(c.rows) {
		return Batch{Columns: cols, Done: true}, nil
	}
	return Batch{Columns: cols, Rows: c.rows[off:end], NextCursor: strconv.Itoa(end), Done: end == len(c.rows)}, nil
}

func TestStreamRows(t *testing.T) {
	conn := &pagedConn{}
	for i := range 25 {
		conn.rows = append(conn.rows, []any{i})
	}

	var got int
	var batches int
	var last string
	for b, err := range StreamRows(context.Background(), conn, TableRef{Name: "t"}, []string{"id"}, "", 10) {
		if err != nil {
			t.Fatalf("StreamRows: %v", err)
		}
		batches++
		got += len(b.Rows)
		last = b.NextCursor
	}
	if got != 25 || batches != 3 {
		t.Errorf("rows=%d batches=%d, want 25 and 3", got, batches)
	}
	if last != "25" {
		t.Errorf("last cursor = %q, want 25", last)
	}

	// resuming from a boundary yields only the remainder
	got = 0
	for b, err := range StreamRows(context.Background(), conn, TableRef{Name: "t"}, []string{"id"}, "20", 10) {
		if err != nil {
			t.Fatalf("StreamRows: %v", err)
		}
		got += len(b.Rows)
	}
	if got != 5 {
		t.Errorf("resumed rows = %d, want 5", got)
	}
}

func TestStreamRowsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range StreamRows(ctx, &pagedConn{}, TableRef{Name: "t"}, nil, "", 10) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]model.Dialect{
		"postgresql": model.PostgreSQL,
		"PG":         model.PostgreSQL,
		"mariadb":    model.MySQL,
		"sqlite3":    model.SQLite,
		"sqlserver":  model.SQLServer,
		"mongo":      model.MongoDB,
		"Oracle":     "oracle",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

type stubDialect struct{ Rules }

func (stubDialect) Tag() model.Dialect { return "stub" }
func (stubDialect) Open(context.Context, model.ConnectionConfig) (Conn, error) {
	return nil, &ConnectionError{Dialect: "stub", Err: errors.New("refused")}
}

func TestRegistry(t *testing.T) {
	Register(&stubDialect{})
	d, err := Lookup("STUB")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if d.Tag() != "stub" {
		t.Errorf("Tag = %q", d.Tag())
	}
	if _, err := Lookup("nope"); err == nil {
		t.Error("expected error for unregistered dialect")
	}

	_, err = TestConnection(context.Background(), model.ConnectionConfig{Dialect: "stub"})
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("TestConnection err = %v, want *ConnectionError", err)
	}
}

func TestQuoteIdent(t *testing.T) {
	r := &Rules{OpenQuote: `"`, CloseQuote: `"`, Reserved: map[string]bool{"user": true, "order": true}}
	tests := map[string]string{
		"users":     "users",
		"user":      `"user"`,
		"ORDER":     `"ORDER"`,
		"createdAt": `"createdAt"`,
		"my-col":    `"my-col"`,
		"1abc":      `"1abc"`,
		`we"ird`:    `"we""ird"`,
		"col_2":     "col_2",
	}
	for in, want := range tests {
		if got := r.QuoteIdent(in); got != want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestBaseType(t *testing.T) {
	tests := []struct {
		in     string
		base   string
		params []int64
	}{
		{"varchar(255)", "varchar", []int64{255}},
		{"DECIMAL(10, 2)", "decimal", []int64{10, 2}},
		{"int(11) unsigned", "int", []int64{11}},
		{"timestamp with time zone", "timestamp with time zone", nil},
		{"_int4", "int4[]", nil},
	}
	for _, tt := range tests {
		base, params := BaseType(tt.in)
		if base != tt.base || len(params) != len(tt.params) {
			t.Errorf("BaseType(%q) = %q %v, want %q %v", tt.in, base, params, tt.base, tt.params)
			continue
		}
		for i := range params {
			if params[i] != tt.params[i] {
				t.Errorf("BaseType(%q) params = %v, want %v", tt.in, params, tt.params)
			}
		}
	}
}

func TestRulesNativeType(t *testing.T) {
	r := &Rules{
		VarcharFormat: "VARCHAR(%d)",
		DecimalFormat: "DECIMAL(%d,%d)",
		Widest:        "LONGTEXT",
		Precision:     65,
		Varchar:       16383,
		Types: TypeTable{Native: map[model.FieldType]string{
			model.FieldString:  "TEXT",
			model.FieldInteger: "INT",
		}},
	}
	tests := []struct {
		ft                  model.FieldType
		length, prec, scale int64
		want                string
	}{
		{model.FieldString, 255, 0, 0, "VARCHAR(255)"},
		{model.FieldString, 0, 0, 0, "TEXT"},
		{model.FieldString, 100000, 0, 0, "LONGTEXT"},
		{model.FieldDecimal, 0, 80, 4, "DECIMAL(65,4)"},
		{model.FieldInteger, 0, 0, 0, "INT"},
		{model.FieldJSON, 0, 0, 0, "LONGTEXT"},
	}
	for _, tt := range tests {
		if got := r.NativeType(tt.ft, tt.length, tt.prec, tt.scale); got != tt.want {
			t.Errorf("NativeType(%s,%d,%d,%d) = %s, want %s", tt.ft, tt.length, tt.prec, tt.scale, got, tt.want)
		}
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	var err error = &DDLError{Statement: "CREATE TABLE t (id INT)", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("DDLError does not unwrap")
	}
	err = &PartialInsertError{Table: "t", Inserted: 5, FailedRows: 2, Err: cause}
	var pe *PartialInsertError
	if !errors.As(err, &pe) || pe.Inserted != 5 {
		t.Errorf("PartialInsertError As failed: %v", err)
	}
}
