package transform

import (
	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

type pair struct{ from, to model.Dialect }

// pairOverrides replace the target's default native type for specific
// source and target combinations. Entries carry no length or precision.
var pairOverrides = map[pair]map[model.FieldType]string{
	{model.PostgreSQL, model.MySQL}: {
		// TIMESTAMP stops at 2038 and converts through the session zone
		model.FieldTimestamp: "DATETIME(6)",
		model.FieldDateTime:  "DATETIME(6)",
	},
	{model.SQLServer, model.MySQL}: {
		model.FieldDateTime:  "DATETIME(6)",
		model.FieldTimestamp: "DATETIME(6)",
	},
	{model.MongoDB, model.MySQL}: {
		model.FieldDateTime: "DATETIME(3)",
	},
	{model.MySQL, model.SQLServer}: {
		model.FieldTimestamp: "DATETIME2",
	},
	{model.MongoDB, model.PostgreSQL}: {
		// BSON dates are UTC instants
		model.FieldDateTime: "TIMESTAMPTZ",
	},
	{model.MongoDB, model.SQLServer}: {
		model.FieldDateTime: "DATETIMEOFFSET",
	},
	{model.PostgreSQL, model.SQLite}: {
		model.FieldUUID: "TEXT",
	},
	{model.SQLServer, model.SQLite}: {
		model.FieldUUID: "TEXT",
	},
}

// MapColumnType returns the target native type for ft when moving from src
// to dst. Same-dialect mapping is the identity on ft; unmapped types fall
// back to the target's widest text type.
func MapColumnType(ft model.FieldType, src, dst model.Dialect) (string, error) {
	target, err := dialect.Lookup(dst)
	if err != nil {
		return "", err
	}
	source := dialect.Normalize(string(src))
	if !ft.Valid() {
		return target.WidestText(), nil
	}
	if t, ok := pairOverrides[pair{source, target.Tag()}][ft]; ok {
		return t, nil
	}
	return target.NativeType(ft, 0, 0, 0), nil
}

// MapColumn renders the target type for one column, carrying length,
// precision and scale across. Within one dialect the native type is kept
// verbatim.
func MapColumn(col model.ColumnSchema, src, dst dialect.Dialect) string {
	ft := col.Type
	if ft == "" {
		ft = src.NormalizeType(col.NativeType)
	}
	if src.Tag() == dst.Tag() && col.NativeType != "" {
		return col.NativeType
	}
	if !ft.Valid() {
		return dst.WidestText()
	}
	if t, ok := pairOverrides[pair{src.Tag(), dst.Tag()}][ft]; ok {
		return t
	}

	length, precision, scale := col.Length, col.Precision, col.Scale
	switch ft {
	case model.FieldString:
		if length == 0 && (col.PrimaryKey || col.Unique) && !dst.IndexableText() {
			length = 255
		}
	case model.FieldEnum:
		if length == 0 {
			length = enumLength(col.EnumValues)
		}
	case model.FieldDecimal:
		if limit := dst.MaxPrecision(); limit > 0 && precision > limit {
			precision = limit
		}
		if scale > precision {
			scale = precision
		}
	}
	if length > 0 && ft == model.FieldString && dst.MaxVarchar() > 0 && length > dst.MaxVarchar() {
		if !col.PrimaryKey && !col.Unique || dst.IndexableText() {
			return dst.WidestText()
		}
		length = dst.MaxVarchar()
	}
	return dst.NativeType(ft, length, precision, scale)
}

// enumLength sizes a string column to hold every enum label.
func enumLength(values []string) int64 {
	n := int64(0)
	for _, v := range values {
		if l := int64(len(v)); l > n {
			n = l
		}
	}
	if n == 0 {
		return 255
	}
	return n
}
