package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Limetric/dbferry/internal/model"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts the textual date and time forms drivers commonly return.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Coerce converts v to a Go value every target driver accepts for ft.
// Documents keeps maps and slices intact for document stores; relational
// targets receive them as JSON text.
func Coerce(v any, ft model.FieldType, documents bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok && ft != model.FieldBinary && ft != model.FieldUUID {
		v = string(b)
	}
	if t, ok := v.(time.Time); ok && t.IsZero() {
		// MySQL zero dates
		return nil, nil
	}

	switch ft {
	case model.FieldString, model.FieldEnum:
		return toString(v)
	case model.FieldInteger, model.FieldBigInt:
		return toInt(v)
	case model.FieldFloat, model.FieldDouble:
		return toFloat(v)
	case model.FieldDecimal:
		return ToDecimal(v)
	case model.FieldBoolean:
		return toBool(v)
	case model.FieldDate, model.FieldDateTime, model.FieldTimestamp:
		return toTime(v)
	case model.FieldUUID:
		return toUUID(v)
	case model.FieldBinary:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
		return v, nil
	case model.FieldJSON, model.FieldArray, model.FieldObject:
		return toJSON(v, documents)
	}
	return v, nil
}

func toString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case decimal.Decimal:
		return x.String(), nil
	case uuid.UUID:
		return x.String(), nil
	case fmt.Stringer:
		return x.String(), nil
	case map[string]any, []any:
		return toJSON(x, false)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	return fmt.Sprint(v), nil
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("cannot convert %v to integer without loss", x)
		}
		return int64(x), nil
	case decimal.Decimal:
		if !x.IsInteger() {
			return nil, fmt.Errorf("cannot convert %s to integer without loss", x)
		}
		return x.IntPart(), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to integer", x)
		}
		return n, nil
	}
	return nil, fmt.Errorf("cannot convert %T to integer", v)
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to float", x)
		}
		return f, nil
	}
	n, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to float", v)
	}
	return float64(n.(int64)), nil
}

// ToDecimal converts numbers and numeric text to an exact decimal.
func ToDecimal(v any) (any, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to decimal", x)
		}
		return d, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("cannot convert %v to decimal", x)
		}
		return decimal.NewFromFloat(x), nil
	case float32:
		return decimal.NewFromFloat32(x), nil
	case fmt.Stringer:
		return ToDecimal(x.String())
	}
	n, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to decimal", v)
	}
	return decimal.NewFromInt(n.(int64)), nil
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "t", "true", "y", "yes", "on":
			return true, nil
		case "0", "f", "false", "n", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("cannot coerce %q to boolean", x)
	}
	n, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("cannot coerce %T to boolean", v)
	}
	switch n.(int64) {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return nil, fmt.Errorf("cannot coerce %d to boolean", n)
}

func toTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		if strings.HasPrefix(x, "0000-00-00") {
			return nil, nil
		}
		return ParseTime(x)
	case int64:
		return time.Unix(x, 0).UTC(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to time", v)
}

func toUUID(v any) (any, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return uuid.UUID(x), nil
	case []byte:
		if len(x) == 16 {
			return uuid.FromBytes(x)
		}
		return uuid.ParseBytes(x)
	case string:
		id, err := uuid.Parse(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to uuid", x)
		}
		return id, nil
	}
	return nil, fmt.Errorf("cannot convert %T to uuid", v)
}

func toJSON(v any, documents bool) (any, error) {
	if documents {
		if s, ok := v.(string); ok && json.Valid([]byte(s)) {
			return json.RawMessage(s), nil
		}
		return v, nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.RawMessage:
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}
