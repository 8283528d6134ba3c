//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

func TestIntegration_Postgres(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN env var required")
	}
	ctx := context.Background()

	conn, err := Dialect{Rules: Syntax}.Open(ctx, model.ConnectionConfig{Dialect: model.PostgreSQL, DSN: dsn, Schema: "dbferry_it"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	for _, stmt := range []string{
		"DROP SCHEMA IF EXISTS dbferry_it CASCADE",
		"CREATE SCHEMA dbferry_it",
		"CREATE TYPE dbferry_it.mood AS ENUM ('sad', 'happy')",
		`CREATE TABLE dbferry_it.users (
			id SERIAL PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			mood dbferry_it.mood,
			balance NUMERIC(10,2) DEFAULT 0
		)`,
		`CREATE TABLE dbferry_it.orders (
			id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES dbferry_it.users(id) ON DELETE CASCADE
		)`,
		"CREATE VIEW dbferry_it.active_users AS SELECT id, email FROM dbferry_it.users",
	} {
		if err := conn.ExecuteDDL(ctx, stmt); err != nil {
			t.Fatalf("ExecuteDDL: %v", err)
		}
	}

	raw, err := conn.IntrospectSchema(ctx, dialect.IntrospectOptions{IncludeViews: true})
	if err != nil {
		t.Fatalf("IntrospectSchema: %v", err)
	}
	if len(raw.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(raw.Tables))
	}
	users := raw.Tables[1]
	id, _ := users.Column("id")
	if !id.AutoIncrement || !id.PrimaryKey {
		t.Errorf("users.id = %+v", id)
	}
	email, _ := users.Column("email")
	if !email.Unique || email.Length != 255 {
		t.Errorf("users.email = %+v", email)
	}
	mood, _ := users.Column("mood")
	if mood.Type != model.FieldEnum || len(mood.EnumValues) != 2 {
		t.Errorf("users.mood = %+v", mood)
	}
	orders := raw.Tables[0]
	if len(orders.ForeignKeys) != 1 || orders.ForeignKeys[0].OnDelete != "CASCADE" {
		t.Errorf("orders FKs = %+v", orders.ForeignKeys)
	}
	if len(raw.Views) != 1 || len(raw.Views[0].Tables) != 1 {
		t.Errorf("views = %+v", raw.Views)
	}

	ref := dialect.TableRef{Name: "users", OrderBy: []string{"id"}}
	n, err := conn.BulkInsert(ctx, ref, []string{"id", "email"}, [][]any{{int32(1), "a@x"}, {int32(2), "b@x"}})
	if err != nil || n != 2 {
		t.Fatalf("BulkInsert = %d, %v", n, err)
	}
	b, err := conn.ReadBatch(ctx, ref, []string{"id", "email", "balance"}, "", 10)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(b.Rows) != 2 || !b.Done || b.NextCursor != "2" {
		t.Errorf("batch = %+v", b)
	}
	if got := b.Rows[0][2]; got != "0.00" {
		t.Errorf("balance = %#v, want \"0.00\"", got)
	}
}
