package mongodb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/transform"
)

// SampleSize is the number of documents read per collection to infer fields.
var SampleSize int64 = 200

func introspect(ctx context.Context, db *mongo.Database, opts dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	specs, err := db.ListCollectionSpecifications(ctx, bson.D{})
	if err != nil {
		return nil, &dialect.IntrospectionError{Object: "collections", Err: err}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	raw := &dialect.RawSchema{}
	hasSystemJS := false
	for _, spec := range specs {
		if spec.Name == "system.js" {
			hasSystemJS = true
		}
		if strings.HasPrefix(spec.Name, "system.") {
			continue
		}
		if spec.Type == "view" {
			if opts.IncludeViews {
				raw.Views = append(raw.Views, viewFromSpec(spec))
			}
			continue
		}
		t, err := collection(ctx, db, spec.Name)
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: spec.Name, Err: err}
		}
		raw.Tables = append(raw.Tables, *t)
	}

	if opts.IncludeProcedures && hasSystemJS {
		procs, err := storedFunctions(ctx, db)
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "system.js", Err: err}
		}
		raw.Procedures = procs
	}
	return raw, nil
}

func collection(ctx context.Context, db *mongo.Database, name string) (*model.TableSchema, error) {
	coll := db.Collection(name)
	t := &model.TableSchema{Name: name, PrimaryKey: []string{"_id"}}

	var stats struct {
		Count int64 `bson:"count"`
		Size  int64 `bson:"size"`
	}
	if err := db.RunCommand(ctx, bson.D{{Key: "collStats", Value: name}}).Decode(&stats); err == nil {
		t.EstimatedRows = stats.Count
		t.EstimatedBytes = stats.Size
	} else if n, err := coll.EstimatedDocumentCount(ctx); err == nil {
		// collStats is unavailable on some managed deployments
		t.EstimatedRows = n
	}

	cur, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(SampleSize))
	if err != nil {
		return nil, fmt.Errorf("sample documents: %w", err)
	}
	var docs []bson.D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("sample documents: %w", err)
	}
	t.Columns = InferColumns(docs)

	specs, err := coll.Indexes().ListSpecifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	for _, s := range specs {
		if s.Name == "_id_" {
			continue
		}
		idx := model.IndexSchema{Name: s.Name, Unique: s.Unique != nil && *s.Unique}
		elems, err := s.KeysDocument.Elements()
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", s.Name, err)
		}
		for _, e := range elems {
			idx.Columns = append(idx.Columns, e.Key())
			if v := e.Value(); v.Type == bson.TypeString {
				// text, hashed, 2dsphere
				idx.Type = v.StringValue()
			}
		}
		t.Indexes = append(t.Indexes, idx)
	}
	sort.Slice(t.Indexes, func(i, j int) bool { return t.Indexes[i].Name < t.Indexes[j].Name })

	dialect.MarkKeys(t, Syntax)
	return t, nil
}

// InferColumns derives top-level fields from sampled documents. _id comes
// first, the rest in order of first appearance. A field missing from any
// sampled document is nullable.
func InferColumns(docs []bson.D) []model.ColumnSchema {
	order := []string{"_id"}
	seen := map[string]bool{"_id": true}
	for _, doc := range docs {
		for _, e := range doc {
			if !seen[e.Key] {
				seen[e.Key] = true
				order = append(order, e.Key)
			}
		}
	}

	cols := make([]model.ColumnSchema, 0, len(order))
	for i, name := range order {
		samples := make([]any, len(docs))
		natives := map[string]int{}
		for j, doc := range docs {
			v := lookup(doc, name)
			samples[j] = PlainValue(v)
			if v != nil {
				natives[bsonType(v)]++
			}
		}
		col := model.ColumnSchema{Name: name, Position: i + 1, Nullable: true}
		if len(docs) > 0 {
			attrs := transform.InferFieldAttributes(samples, Syntax)
			col.Type = attrs.Type
			col.Nullable = attrs.Nullable
			col.Length = attrs.Length
			col.Precision = attrs.Precision
			col.Scale = attrs.Scale
			col.EnumValues = attrs.EnumValues
		}
		col.NativeType = plurality(natives)
		if name == "_id" {
			col.Nullable = false
			if col.NativeType == "" {
				col.NativeType = "objectId"
			}
			if col.NativeType == "objectId" {
				col.Type = model.FieldString
				col.Length = 24
				col.EnumValues = nil
			}
		}
		if col.Type == "" {
			col.Type = Syntax.NormalizeType(col.NativeType)
		}
		cols = append(cols, col)
	}
	return cols
}

func plurality(counts map[string]int) string {
	best, n := "", 0
	for k, c := range counts {
		if c > n || c == n && k < best {
			best, n = k, c
		}
	}
	return best
}

// bsonType names the BSON type of a decoded value the way $type does.
func bsonType(v any) string {
	switch x := v.(type) {
	case string:
		return "string"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bool:
		return "bool"
	case bson.ObjectID:
		return "objectId"
	case bson.DateTime:
		return "date"
	case bson.Timestamp:
		return "timestamp"
	case bson.Decimal128:
		return "decimal"
	case bson.Binary:
		if x.Subtype == bson.TypeBinaryUUID {
			return "uuid"
		}
		return "binData"
	case bson.D, bson.M:
		return "object"
	case bson.A:
		return "array"
	default:
		return "string"
	}
}

func viewFromSpec(spec mongo.CollectionSpecification) model.ViewSchema {
	v := model.ViewSchema{Name: spec.Name}
	if spec.Options == nil {
		return v
	}
	if on, err := spec.Options.LookupErr("viewOn"); err == nil {
		if s, ok := on.StringValueOK(); ok {
			v.Tables = []string{s}
		}
	}
	if p, err := spec.Options.LookupErr("pipeline"); err == nil {
		if b, err := bson.MarshalExtJSON(bson.D{{Key: "pipeline", Value: p}}, false, false); err == nil {
			v.Definition = string(b)
		}
	}
	return v
}

func storedFunctions(ctx context.Context, db *mongo.Database) ([]model.ProcedureSchema, error) {
	cur, err := db.Collection("system.js").Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	var out []model.ProcedureSchema
	for _, d := range docs {
		name, ok := d["_id"].(string)
		if !ok {
			continue
		}
		p := model.ProcedureSchema{Name: name, Kind: "FUNCTION", Language: "javascript"}
		switch body := d["value"].(type) {
		case string:
			p.Definition = body
		case bson.JavaScript:
			p.Definition = string(body)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
