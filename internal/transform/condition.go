package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/Limetric/dbferry/internal/model"
)

// ParseCondition compiles the textual predicate form into a Condition tree.
//
//	age >= 18 and (status == 'active' or vip)
//	value is not null
//	name startsWith "Dr. "
//
// Quoted literals are opaque to the tokenizer, so operators inside them are
// not mistaken for comparisons. The field names "value" and "_" refer to the
// value being transformed. A bare field on its own means "is not empty".
func ParseCondition(src string) (model.Condition, error) {
	toks, err := tokenize(src)
	if err != nil {
		return model.Condition{}, err
	}
	if len(toks) == 0 {
		return model.Condition{}, fmt.Errorf("empty condition")
	}
	p := &condParser{toks: toks}
	c, err := p.or()
	if err != nil {
		return model.Condition{}, err
	}
	if !p.done() {
		return model.Condition{}, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return c, nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '\'' || r == '"':
			var sb strings.Builder
			j := i + 1
			closed := false
			for j < len(rs) {
				if rs[j] == '\\' && j+1 < len(rs) {
					sb.WriteRune(rs[j+1])
					j += 2
					continue
				}
				if rs[j] == r {
					// doubled quote inside a literal
					if j+1 < len(rs) && rs[j+1] == r {
						sb.WriteRune(r)
						j += 2
						continue
					}
					closed = true
					break
				}
				sb.WriteRune(rs[j])
				j++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, sb.String(), i})
			i = j + 1
		case strings.ContainsRune("=!<>&|", r):
			j := i + 1
			for j < len(rs) && j < i+2 && strings.ContainsRune("=<>&|", rs[j]) {
				j++
			}
			op := string(rs[i:j])
			switch op {
			case "=", "==", "!=", "<>", "<", "<=", ">", ">=", "&&", "||", "!":
			default:
				return nil, fmt.Errorf("unknown operator %q at offset %d", op, i)
			}
			toks = append(toks, token{tokOp, op, i})
			i = j
		case unicode.IsDigit(r) || (r == '-' || r == '.') && i+1 < len(rs) && unicode.IsDigit(rs[i+1]):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E') {
				j++
			}
			toks = append(toks, token{tokNumber, string(rs[i:j]), i})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, string(rs[i:j]), i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return toks, nil
}

type condParser struct {
	toks []token
	i    int
}

func (p *condParser) done() bool { return p.i >= len(p.toks) }

func (p *condParser) peek() token {
	if p.done() {
		return token{kind: -1, pos: -1}
	}
	return p.toks[p.i]
}

func (p *condParser) next() token {
	t := p.peek()
	p.i++
	return t
}

// word reports whether the next token is the keyword or operator w.
func (p *condParser) word(ws ...string) bool {
	t := p.peek()
	if t.kind != tokIdent && t.kind != tokOp {
		return false
	}
	for _, w := range ws {
		if strings.EqualFold(t.text, w) {
			return true
		}
	}
	return false
}

func (p *condParser) or() (model.Condition, error) {
	left, err := p.and()
	if err != nil {
		return left, err
	}
	terms := []model.Condition{left}
	for p.word("or", "||") {
		p.next()
		right, err := p.and()
		if err != nil {
			return right, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return model.Condition{Or: terms}, nil
}

func (p *condParser) and() (model.Condition, error) {
	left, err := p.unary()
	if err != nil {
		return left, err
	}
	terms := []model.Condition{left}
	for p.word("and", "&&") {
		p.next()
		right, err := p.unary()
		if err != nil {
			return right, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return model.Condition{And: terms}, nil
}

func (p *condParser) unary() (model.Condition, error) {
	if p.word("not", "!") {
		p.next()
		inner, err := p.unary()
		if err != nil {
			return inner, err
		}
		return model.Condition{Not: &inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.or()
		if err != nil {
			return inner, err
		}
		if p.peek().kind != tokRParen {
			return inner, fmt.Errorf("missing ) at offset %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	}
	return p.comparison()
}

var comparators = map[string]model.Comparator{
	"=": model.OpEq, "==": model.OpEq, "!=": model.OpNe, "<>": model.OpNe,
	">": model.OpGt, ">=": model.OpGe, "<": model.OpLt, "<=": model.OpLe,
	"contains": model.OpContains, "startswith": model.OpStartsWith, "endswith": model.OpEndsWith,
	"isnull": model.OpIsNull, "isnotnull": model.OpIsNotNull,
	"isempty": model.OpIsEmpty, "isnotempty": model.OpIsNotEmpty,
}

var flipped = map[model.Comparator]model.Comparator{
	model.OpEq: model.OpEq, model.OpNe: model.OpNe,
	model.OpGt: model.OpLt, model.OpGe: model.OpLe,
	model.OpLt: model.OpGt, model.OpLe: model.OpGe,
}

func (p *condParser) comparison() (model.Condition, error) {
	left, leftField, err := p.operand()
	if err != nil {
		return model.Condition{}, err
	}

	if p.word("is") {
		p.next()
		negate := false
		if p.word("not") {
			p.next()
			negate = true
		}
		var op model.Comparator
		switch {
		case p.word("null"):
			op = model.OpIsNull
			if negate {
				op = model.OpIsNotNull
			}
		case p.word("empty"):
			op = model.OpIsEmpty
			if negate {
				op = model.OpIsNotEmpty
			}
		default:
			return model.Condition{}, fmt.Errorf("expected null or empty at offset %d", p.peek().pos)
		}
		p.next()
		if !leftField {
			return model.Condition{}, fmt.Errorf("%v is not a field", left)
		}
		return model.Condition{Field: fieldName(left.(string)), Op: op}, nil
	}

	t := p.peek()
	op, ok := model.Comparator(""), false
	if t.kind == tokOp || t.kind == tokIdent {
		op, ok = comparators[strings.ToLower(t.text)]
	}
	if !ok {
		if !leftField {
			return model.Condition{}, fmt.Errorf("expected comparison after %v", left)
		}
		return model.Condition{Field: fieldName(left.(string)), Op: model.OpIsNotEmpty}, nil
	}
	p.next()
	if op.Unary() {
		if !leftField {
			return model.Condition{}, fmt.Errorf("%v is not a field", left)
		}
		return model.Condition{Field: fieldName(left.(string)), Op: op}, nil
	}

	right, rightField, err := p.operand()
	if err != nil {
		return model.Condition{}, err
	}
	switch {
	case leftField:
		// a bare word on the right is taken as a literal
		return model.Condition{Field: fieldName(left.(string)), Op: op, Value: right}, nil
	case rightField:
		f, ok := flipped[op]
		if !ok {
			return model.Condition{}, fmt.Errorf("operator %s needs the field on the left", op)
		}
		return model.Condition{Field: fieldName(right.(string)), Op: f, Value: left}, nil
	}
	return model.Condition{}, fmt.Errorf("comparison %v %s %v has no field", left, op, right)
}

// operand returns a literal value, or a field name with isField set.
func (p *condParser) operand() (any, bool, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, false, nil
	case tokNumber:
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return n, false, nil
		}
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, false, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return d, false, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, false, nil
		case "false":
			return false, false, nil
		case "null", "nil", "none":
			return nil, false, nil
		case "and", "or", "not", "is":
			return nil, false, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
		}
		return t.text, true, nil
	}
	if t.pos < 0 {
		return nil, false, fmt.Errorf("unexpected end of condition")
	}
	return nil, false, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func fieldName(s string) string {
	if s == "value" || s == "_" {
		return ""
	}
	return s
}

// Eval evaluates c against the current value and its row.
func Eval(c model.Condition, value any, row map[string]any) bool {
	switch {
	case len(c.And) > 0:
		for _, sub := range c.And {
			if !Eval(sub, value, row) {
				return false
			}
		}
		return true
	case len(c.Or) > 0:
		for _, sub := range c.Or {
			if Eval(sub, value, row) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !Eval(*c.Not, value, row)
	}

	v := value
	if c.Field != "" {
		v = row[c.Field]
	}
	switch c.Op {
	case model.OpIsNull:
		return v == nil
	case model.OpIsNotNull:
		return v != nil
	case model.OpIsEmpty:
		return isEmpty(v)
	case model.OpIsNotEmpty:
		return !isEmpty(v)
	case model.OpContains:
		return v != nil && strings.Contains(text(v), text(c.Value))
	case model.OpStartsWith:
		return v != nil && strings.HasPrefix(text(v), text(c.Value))
	case model.OpEndsWith:
		return v != nil && strings.HasSuffix(text(v), text(c.Value))
	}

	if v == nil || c.Value == nil {
		switch c.Op {
		case model.OpEq:
			return v == nil && c.Value == nil
		case model.OpNe:
			return (v == nil) != (c.Value == nil)
		}
		return false
	}
	cmp := compare(v, c.Value)
	switch c.Op {
	case model.OpEq:
		return cmp == 0
	case model.OpNe:
		return cmp != 0
	case model.OpGt:
		return cmp > 0
	case model.OpGe:
		return cmp >= 0
	case model.OpLt:
		return cmp < 0
	case model.OpLe:
		return cmp <= 0
	}
	return false
}

// compare orders two values numerically when both are numbers, by instant
// when both are times, and as text otherwise.
func compare(a, b any) int {
	if da, err := ToDecimal(a); err == nil {
		if db, err := ToDecimal(b); err == nil {
			return da.(decimal.Decimal).Cmp(db.(decimal.Decimal))
		}
	}
	if ta, err := toTime(a); err == nil && ta != nil {
		if tb, err := toTime(b); err == nil && tb != nil {
			return ta.(time.Time).Compare(tb.(time.Time))
		}
	}
	return strings.Compare(text(a), text(b))
}

func text(v any) string {
	if v == nil {
		return ""
	}
	s, _ := toString(v)
	return s.(string)
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []byte:
		return len(x) == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
