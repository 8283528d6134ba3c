// Package mongodb registers the document-store adapter. Collections map to
// tables, top-level document fields to columns, and _id to the primary key.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// Syntax is the MongoDB rule set. Collections are created on first insert,
// so there is no DDL.
var Syntax = &dialect.Rules{
	Types: dialect.TypeTable{
		Normalize: map[string]model.FieldType{
			"string": model.FieldString, "objectid": model.FieldString, "symbol": model.FieldString,
			"int": model.FieldInteger, "long": model.FieldBigInt,
			"double": model.FieldDouble, "decimal": model.FieldDecimal,
			"bool": model.FieldBoolean, "date": model.FieldDateTime, "timestamp": model.FieldTimestamp,
			"object": model.FieldObject, "array": model.FieldArray,
			"bindata": model.FieldBinary, "uuid": model.FieldUUID,
		},
		Native: map[model.FieldType]string{
			model.FieldString:    "string",
			model.FieldInteger:   "int",
			model.FieldBigInt:    "long",
			model.FieldFloat:     "double",
			model.FieldDouble:    "double",
			model.FieldDecimal:   "decimal",
			model.FieldBoolean:   "bool",
			model.FieldDate:      "date",
			model.FieldDateTime:  "date",
			model.FieldTimestamp: "date",
			model.FieldJSON:      "object",
			model.FieldUUID:      "uuid",
			model.FieldBinary:    "binData",
			model.FieldArray:     "array",
			model.FieldObject:    "object",
			model.FieldEnum:      "string",
		},
	},
	Widest:     "string",
	NoDDL:      true,
	TextKeys:   true,
	BindParams: 100000,
}

// Dialect is the registered MongoDB adapter.
type Dialect struct{ *dialect.Rules }

func init() {
	dialect.Register(Dialect{Rules: Syntax})
}

func (Dialect) Tag() model.Dialect { return model.MongoDB }

// QuoteIdent returns field names as is; documents have no reserved words.
func (Dialect) QuoteIdent(name string) string { return name }

// QualifiedName returns the collection name; the database is fixed per
// connection.
func (Dialect) QualifiedName(_, table string) string { return table }

func (d Dialect) Open(ctx context.Context, cfg model.ConnectionConfig) (dialect.Conn, error) {
	uri, err := cfg.URI()
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.MongoDB, Err: err}
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.MongoDB, Err: fmt.Errorf("connect mongodb: %w", err)}
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &dialect.ConnectionError{Dialect: model.MongoDB, Err: fmt.Errorf("ping mongodb: %w", err)}
	}
	name := cfg.Database
	if name == "" {
		name = DatabaseName(uri)
	}
	if name == "" {
		_ = client.Disconnect(context.Background())
		return nil, &dialect.ConnectionError{Dialect: model.MongoDB, Err: errors.New("mongodb needs a database name")}
	}
	return &Conn{client: client, db: client.Database(name)}, nil
}

// DatabaseName reads the database from the path of a mongodb:// URI.
func DatabaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// Conn is a dialect.Conn over one MongoDB database.
type Conn struct {
	client *mongo.Client
	db     *mongo.Database
}

func (c *Conn) Info(ctx context.Context) (dialect.ConnectionInfo, error) {
	info := dialect.ConnectionInfo{Dialect: model.MongoDB, Database: c.db.Name()}
	var build struct {
		Version string `bson:"version"`
	}
	if err := c.db.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&build); err != nil {
		return info, &dialect.ConnectionError{Dialect: model.MongoDB, Err: err}
	}
	info.ServerVersion = build.Version
	return info, nil
}

func (c *Conn) IntrospectSchema(ctx context.Context, opts dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	return introspect(ctx, c.db, opts)
}

// filter combines the table's optional Extended JSON filter with the cursor
// position.
func filter(table dialect.TableRef, after any, hasAfter bool) (bson.D, error) {
	var parts bson.A
	if table.Filter != "" {
		var f bson.D
		if err := bson.UnmarshalExtJSON([]byte(table.Filter), false, &f); err != nil {
			return nil, fmt.Errorf("parse filter for %s: %w", table, err)
		}
		parts = append(parts, f)
	}
	if hasAfter {
		parts = append(parts, bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: after}}}})
	}
	switch len(parts) {
	case 0:
		return bson.D{}, nil
	case 1:
		return parts[0].(bson.D), nil
	default:
		return bson.D{{Key: "$and", Value: parts}}, nil
	}
}

func (c *Conn) ReadBatch(ctx context.Context, table dialect.TableRef, columns []string, cursor string, batchSize int) (dialect.Batch, error) {
	after, hasAfter, err := DecodeCursor(cursor)
	if err != nil {
		return dialect.Batch{}, err
	}
	f, err := filter(table, after, hasAfter)
	if err != nil {
		return dialect.Batch{}, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(batchSize))
	cur, err := c.db.Collection(table.Name).Find(ctx, f, opts)
	if err != nil {
		return dialect.Batch{}, fmt.Errorf("read %s: %w", table, err)
	}
	var docs []bson.D
	if err := cur.All(ctx, &docs); err != nil {
		return dialect.Batch{}, fmt.Errorf("read %s: %w", table, err)
	}

	batch := dialect.Batch{Columns: columns}
	if len(batch.Columns) == 0 && len(docs) > 0 {
		for _, e := range docs[0] {
			batch.Columns = append(batch.Columns, e.Key)
		}
	}
	var lastID any
	for _, doc := range docs {
		row := make([]any, len(batch.Columns))
		for i, col := range batch.Columns {
			row[i] = PlainValue(lookup(doc, col))
		}
		batch.Rows = append(batch.Rows, row)
		lastID = lookup(doc, "_id")
	}
	batch.NextCursor = cursor
	if len(docs) > 0 {
		if batch.NextCursor, err = EncodeCursor(lastID); err != nil {
			return dialect.Batch{}, err
		}
	}
	batch.Done = len(docs) < batchSize
	return batch, nil
}

func lookup(doc bson.D, key string) any {
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

// ExecuteDDL accepts and ignores statements; collections need no DDL.
func (c *Conn) ExecuteDDL(context.Context, string) error { return nil }

func (c *Conn) BulkInsert(ctx context.Context, table dialect.TableRef, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	docs := make([]any, len(rows))
	for i, row := range rows {
		doc := make(bson.D, 0, len(columns))
		for j, col := range columns {
			if row[j] == nil && col == "_id" {
				// let the server assign an ObjectID
				continue
			}
			v := BSONValue(row[j])
			if col == "_id" {
				v = objectID(v)
			}
			doc = append(doc, bson.E{Key: col, Value: v})
		}
		docs[i] = doc
	}
	_, err := c.db.Collection(table.Name).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return int64(len(rows)), nil
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) < len(rows) {
		failed := make([]int, len(bwe.WriteErrors))
		for i, we := range bwe.WriteErrors {
			failed[i] = we.Index
		}
		inserted := int64(len(rows) - len(failed))
		return inserted, &dialect.PartialInsertError{
			Table: table.String(), Inserted: inserted, FailedRows: int64(len(failed)),
			FailedIndexes: failed, Err: err,
		}
	}
	return 0, fmt.Errorf("insert into %s: %w", table, err)
}

// objectID restores ObjectIDs that were flattened to hex on read.
func objectID(v any) any {
	s, ok := v.(string)
	if !ok || len(s) != 24 {
		return v
	}
	if id, err := bson.ObjectIDFromHex(s); err == nil {
		return id
	}
	return v
}

func (c *Conn) CountRows(ctx context.Context, table dialect.TableRef) (int64, error) {
	f, err := filter(table, nil, false)
	if err != nil {
		return 0, err
	}
	n, err := c.db.Collection(table.Name).CountDocuments(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// SetConstraints is a no-op; MongoDB has no foreign keys.
func (c *Conn) SetConstraints(context.Context, []dialect.TableRef, bool) error { return nil }

func (c *Conn) TruncateTable(ctx context.Context, table dialect.TableRef) error {
	if _, err := c.db.Collection(table.Name).DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

func (c *Conn) Close() error {
	return c.client.Disconnect(context.Background())
}
