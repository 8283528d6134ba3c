package mongodb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// PlainValue converts a decoded BSON value to the driver-neutral Go values the
// rest of the engine works with.
func PlainValue(v any) any {
	switch x := v.(type) {
	case nil, bson.Null, bson.Undefined:
		return nil
	case bson.ObjectID:
		return x.Hex()
	case bson.DateTime:
		return x.Time().UTC()
	case bson.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case bson.Decimal128:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return x.String()
		}
		return d
	case bson.Binary:
		if x.Subtype == bson.TypeBinaryUUID && len(x.Data) == 16 {
			id, err := uuid.FromBytes(x.Data)
			if err == nil {
				return id.String()
			}
		}
		return x.Data
	case bson.Symbol:
		return string(x)
	case bson.JavaScript:
		return string(x)
	case bson.Regex:
		return "/" + x.Pattern + "/" + x.Options
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = PlainValue(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = PlainValue(e)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = PlainValue(e)
		}
		return out
	default:
		return v
	}
}

// BSONValue prepares a row value for insertion. Decimals become Decimal128,
// UUID values become subtype 4 binaries and JSON text for objects or arrays
// is decoded into documents.
func BSONValue(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		d, err := bson.ParseDecimal128(x.String())
		if err != nil {
			return x.String()
		}
		return d
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return BSONValue(*x)
	case uuid.UUID:
		return bson.Binary{Subtype: bson.TypeBinaryUUID, Data: x[:]}
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(x, &out); err != nil {
			return string(x)
		}
		return BSONValue(out)
	case map[string]any:
		d := make(bson.D, 0, len(x))
		for k, e := range x {
			d = append(d, bson.E{Key: k, Value: BSONValue(e)})
		}
		return d
	case []any:
		out := make(bson.A, len(x))
		for i, e := range x {
			out[i] = BSONValue(e)
		}
		return out
	default:
		return v
	}
}

// EncodeCursor renders an _id value as an opaque cursor token. Canonical
// Extended JSON keeps the BSON type, so ObjectIDs and numeric ids compare
// correctly after a round trip.
func EncodeCursor(id any) (string, error) {
	if id == nil {
		return "", nil
	}
	b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: id}}, true, false)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return string(b), nil
}

// DecodeCursor parses a token produced by EncodeCursor. The empty token
// means the start of the collection.
func DecodeCursor(cursor string) (any, bool, error) {
	if cursor == "" {
		return nil, false, nil
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON([]byte(cursor), true, &d); err != nil {
		return nil, false, fmt.Errorf("decode cursor %q: %w", cursor, err)
	}
	if len(d) != 1 || d[0].Key != "v" {
		return nil, false, fmt.Errorf("decode cursor %q: unexpected shape", cursor)
	}
	return d[0].Value, true, nil
}
