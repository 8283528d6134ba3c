package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// MapDefault translates a column default into a DEFAULT expression for the
// target. It returns "" when the column has no usable default and an error
// for expression defaults that cannot be carried over.
func MapDefault(col model.ColumnSchema, ft model.FieldType, dst dialect.Syntax) (string, error) {
	if col.Default == nil || col.AutoIncrement {
		return "", nil
	}
	raw := stripCast(strings.TrimSpace(*col.Default))
	if raw == "" || strings.EqualFold(raw, "null") {
		return "", nil
	}

	lower := strings.ToLower(raw)
	switch lower {
	case "current_timestamp", "current_timestamp()", "now()", "localtimestamp", "localtimestamp()",
		"getdate()", "sysdatetime()", "getutcdate()", "sysutcdatetime()", "datetime('now')":
		return "CURRENT_TIMESTAMP", nil
	case "current_date", "current_time":
		return strings.ToUpper(raw), nil
	case "true", "false":
		if ft == model.FieldBoolean {
			return dst.BoolLiteral(lower == "true"), nil
		}
	}
	if strings.HasPrefix(lower, "current_timestamp(") && strings.HasSuffix(lower, ")") {
		return "CURRENT_TIMESTAMP", nil
	}
	if strings.HasPrefix(lower, "nextval(") {
		// sequence defaults become auto-increment columns
		return "", nil
	}

	value, quoted := unquoteDefault(raw)
	if !quoted && strings.ContainsAny(value, "()") {
		return "", fmt.Errorf("unsupported expression default %q", raw)
	}

	switch {
	case ft == model.FieldBoolean:
		switch strings.ToLower(value) {
		case "0", "f", "false", "b'0'", "n", "no":
			return dst.BoolLiteral(false), nil
		case "1", "t", "true", "b'1'", "y", "yes":
			return dst.BoolLiteral(true), nil
		}
		return "", fmt.Errorf("unsupported boolean default %q", raw)

	case ft.IsNumeric():
		if !isNumericLiteral(value) {
			return "", fmt.Errorf("unsupported numeric default %q", raw)
		}
		return value, nil

	case ft == model.FieldBinary:
		return "", fmt.Errorf("binary defaults are not supported (value %q)", raw)

	default:
		if !quoted && isNumericLiteral(value) && !ft.IsTemporal() && ft != model.FieldString && ft != model.FieldEnum {
			return value, nil
		}
		return sqlLiteral(value), nil
	}
}

var trailingCast = regexp.MustCompile(`::[a-z][a-z ]*(\(\d+(,\d+)?\))?(\[\])?$`)

// stripCast removes a trailing PostgreSQL cast such as ::character varying
// and the redundant parentheses SQL Server wraps defaults in.
func stripCast(s string) string {
	for {
		prev := s
		s = strings.TrimSpace(trailingCast.ReplaceAllString(s, ""))
		if len(s) >= 2 && s[0] == '(' && closingParen(s) == len(s)-1 {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
		if s == prev {
			return s
		}
	}
}

// closingParen returns the index of the parenthesis matching s[0].
func closingParen(s string) int {
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// unquoteDefault strips SQL string quoting (including N'' and E'') and
// reports whether the value was quoted. MySQL reports string defaults
// unquoted, so bare words are taken as literals too.
func unquoteDefault(v string) (string, bool) {
	if len(v) >= 3 && (v[0] == 'N' || v[0] == 'E' || v[0] == 'n' || v[0] == 'e') && v[1] == '\'' {
		v = v[1:]
	}
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return strings.ReplaceAll(v[1:len(v)-1], "''", "'"), true
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1], true
	}
	return v, false
}

func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil && !strings.ContainsAny(s, "xXpPiInN_")
}
