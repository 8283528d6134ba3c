package transform

import (
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// FieldAttributes is what InferFieldAttributes learns about one field.
type FieldAttributes struct {
	Type       model.FieldType
	Nullable   bool
	Length     int64
	Precision  int64
	Scale      int64
	EnumValues []string
}

const (
	enumMinSamples  = 20
	enumMaxDistinct = 10
	enumMaxLength   = 32
)

// InferFieldAttributes derives a column definition from sampled values of a
// schemaless field. The plurality type over non-null samples wins; ties go to
// the type listed first in model.FieldTypes.
func InferFieldAttributes(samples []any, syntax dialect.Syntax) FieldAttributes {
	var attrs FieldAttributes
	counts := map[model.FieldType]int{}
	var strs []string
	var maxLen, maxPrec, maxScale int64
	nonNull := 0

	for _, v := range samples {
		if v == nil {
			attrs.Nullable = true
			continue
		}
		nonNull++
		ft := valueType(v)
		counts[ft]++
		switch x := v.(type) {
		case string:
			strs = append(strs, x)
			if n := int64(len([]rune(x))); n > maxLen {
				maxLen = n
			}
		case decimal.Decimal:
			p, s := decimalShape(x)
			maxPrec = max(maxPrec, p)
			maxScale = max(maxScale, s)
		}
	}
	if nonNull == 0 {
		attrs.Type = model.FieldString
		attrs.Nullable = true
		return attrs
	}

	for _, ft := range model.FieldTypes {
		if counts[ft] > counts[attrs.Type] {
			attrs.Type = ft
		}
	}
	// widen integers so every observed number still fits
	if attrs.Type == model.FieldInteger && counts[model.FieldBigInt] > 0 {
		attrs.Type = model.FieldBigInt
	}
	if (attrs.Type == model.FieldInteger || attrs.Type == model.FieldBigInt) && counts[model.FieldDouble] > 0 {
		attrs.Type = model.FieldDouble
	}

	switch attrs.Type {
	case model.FieldString:
		if values := enumCandidates(strs, nonNull); values != nil {
			attrs.Type = model.FieldEnum
			attrs.EnumValues = values
			return attrs
		}
		attrs.Length = maxLen * 2
		if limit := syntax.MaxVarchar(); limit > 0 && attrs.Length > limit {
			attrs.Length = 0
		}
	case model.FieldDecimal:
		attrs.Precision = maxPrec + 2
		attrs.Scale = maxScale + 1
		if limit := syntax.MaxPrecision(); limit > 0 && attrs.Precision > limit {
			attrs.Precision = limit
		}
		if attrs.Scale > attrs.Precision {
			attrs.Scale = attrs.Precision
		}
	}
	return attrs
}

func valueType(v any) model.FieldType {
	switch x := v.(type) {
	case string:
		if len(x) == 36 {
			if _, err := uuid.Parse(x); err == nil {
				return model.FieldUUID
			}
		}
		return model.FieldString
	case bool:
		return model.FieldBoolean
	case int, int8, int16, int32, uint8, uint16:
		return model.FieldInteger
	case int64:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return model.FieldBigInt
		}
		return model.FieldInteger
	case uint32, uint64:
		return model.FieldBigInt
	case float32, float64:
		return model.FieldDouble
	case decimal.Decimal:
		return model.FieldDecimal
	case time.Time:
		return model.FieldDateTime
	case uuid.UUID:
		return model.FieldUUID
	case []byte:
		return model.FieldBinary
	case []any:
		return model.FieldArray
	case map[string]any:
		return model.FieldObject
	}
	return model.FieldString
}

// decimalShape returns the digits and fractional digits of d.
func decimalShape(d decimal.Decimal) (int64, int64) {
	scale := int64(0)
	if e := d.Exponent(); e < 0 {
		scale = int64(-e)
	}
	digits := int64(len(d.Coefficient().String()))
	if d.Coefficient().Sign() < 0 {
		digits--
	}
	if digits < scale {
		digits = scale
	}
	return digits, scale
}

// enumCandidates returns the sorted distinct values when a field looks like
// a small closed set: enough samples, few short distinct values, and each
// value repeated on average.
func enumCandidates(strs []string, nonNull int) []string {
	if len(strs) < enumMinSamples || len(strs) != nonNull {
		return nil
	}
	seen := map[string]bool{}
	for _, s := range strs {
		if len(s) == 0 || len(s) > enumMaxLength {
			return nil
		}
		seen[s] = true
		if len(seen) > enumMaxDistinct {
			return nil
		}
	}
	if len(seen)*2 > len(strs) {
		return nil
	}
	values := make([]string, 0, len(seen))
	for s := range seen {
		values = append(values, s)
	}
	slices.Sort(values)
	return values
}
