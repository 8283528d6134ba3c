package mongodb

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

func TestRegistered(t *testing.T) {
	d, err := dialect.Lookup("mongo")
	if err != nil {
		t.Fatal(err)
	}
	if d.Tag() != model.MongoDB || d.SupportsDDL() {
		t.Errorf("Lookup(mongo) = %v ddl=%v", d.Tag(), d.SupportsDDL())
	}
	if got := d.QuoteIdent("Order Items"); got != "Order Items" {
		t.Errorf("QuoteIdent = %q", got)
	}
	if got := d.QualifiedName("shop", "orders"); got != "orders" {
		t.Errorf("QualifiedName = %q", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	oid := bson.NewObjectID()
	tests := []any{oid, int32(7), int64(1 << 40), "user-9"}
	for _, id := range tests {
		tok, err := EncodeCursor(id)
		if err != nil {
			t.Fatalf("EncodeCursor(%v): %v", id, err)
		}
		got, ok, err := DecodeCursor(tok)
		if err != nil || !ok {
			t.Fatalf("DecodeCursor(%s) = %v, %v", tok, ok, err)
		}
		if got != id {
			t.Errorf("round trip %T %v -> %T %v", id, id, got, got)
		}
	}

	if _, ok, err := DecodeCursor(""); ok || err != nil {
		t.Errorf("empty cursor = %v, %v", ok, err)
	}
	if _, _, err := DecodeCursor("not json"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestFilterCombinesCursor(t *testing.T) {
	f, err := filter(dialect.TableRef{Name: "users", Filter: `{"active": true}`}, int32(5), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(f) != 1 || f[0].Key != "$and" {
		t.Fatalf("filter = %v", f)
	}
	if parts := f[0].Value.(bson.A); len(parts) != 2 {
		t.Errorf("$and parts = %d", len(parts))
	}

	if _, err := filter(dialect.TableRef{Name: "users", Filter: "{"}, nil, false); err == nil {
		t.Error("expected error for malformed filter")
	}
}

func TestPlainValue(t *testing.T) {
	oid := bson.NewObjectID()
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	dec, _ := bson.ParseDecimal128("12.50")

	if got := PlainValue(oid); got != oid.Hex() {
		t.Errorf("ObjectID -> %v", got)
	}
	if got := PlainValue(bson.NewDateTimeFromTime(when)); got != when {
		t.Errorf("DateTime -> %v", got)
	}
	if got, ok := PlainValue(dec).(decimal.Decimal); !ok || !got.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Decimal128 -> %v", got)
	}
	nested := PlainValue(bson.D{{Key: "tags", Value: bson.A{"a", int32(1)}}})
	m, ok := nested.(map[string]any)
	if !ok {
		t.Fatalf("document -> %T", nested)
	}
	if tags := m["tags"].([]any); len(tags) != 2 || tags[0] != "a" {
		t.Errorf("tags = %v", tags)
	}
	if got := PlainValue(bson.Null{}); got != nil {
		t.Errorf("null -> %v", got)
	}
}

func TestBSONValue(t *testing.T) {
	got, ok := BSONValue(decimal.RequireFromString("3.14")).(bson.Decimal128)
	if !ok || got.String() != "3.14" {
		t.Errorf("decimal -> %v", got)
	}
	doc, ok := BSONValue(map[string]any{"a": []any{1}}).(bson.D)
	if !ok || len(doc) != 1 {
		t.Fatalf("map -> %v", doc)
	}
	if _, ok := doc[0].Value.(bson.A); !ok {
		t.Errorf("nested slice -> %T", doc[0].Value)
	}
	if id, ok := objectID(bson.NewObjectID().Hex()).(bson.ObjectID); !ok || id.IsZero() {
		t.Errorf("objectID(hex) = %v", id)
	}
	if got := objectID("short"); got != "short" {
		t.Errorf("objectID(short) = %v", got)
	}
}

func TestInferColumns(t *testing.T) {
	docs := []bson.D{
		{{Key: "_id", Value: bson.NewObjectID()}, {Key: "email", Value: "a@example.com"}, {Key: "age", Value: int32(30)}},
		{{Key: "_id", Value: bson.NewObjectID()}, {Key: "email", Value: "bob@example.com"}, {Key: "tags", Value: bson.A{"x"}}},
	}
	cols := InferColumns(docs)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	want := []string{"_id", "email", "age", "tags"}
	if len(names) != len(want) {
		t.Fatalf("columns = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("columns = %v, want %v", names, want)
		}
		if cols[i].Position != i+1 {
			t.Errorf("%s position = %d", cols[i].Name, cols[i].Position)
		}
	}

	id := cols[0]
	if id.NativeType != "objectId" || id.Type != model.FieldString || id.Length != 24 || id.Nullable {
		t.Errorf("_id = %+v", id)
	}
	if email := cols[1]; email.Type != model.FieldString || email.Nullable {
		t.Errorf("email = %+v", email)
	}
	if age := cols[2]; age.Type != model.FieldInteger || !age.Nullable || age.NativeType != "int" {
		t.Errorf("age = %+v", age)
	}
	if tags := cols[3]; tags.Type != model.FieldArray {
		t.Errorf("tags = %+v", tags)
	}
}

func TestInferColumnsEmptyCollection(t *testing.T) {
	cols := InferColumns(nil)
	if len(cols) != 1 || cols[0].Name != "_id" || cols[0].NativeType != "objectId" {
		t.Errorf("columns = %+v", cols)
	}
}

func TestDatabaseName(t *testing.T) {
	if got := DatabaseName("mongodb://u:p@localhost:27017/shop?authSource=admin"); got != "shop" {
		t.Errorf("DatabaseName = %q", got)
	}
}
