package transform

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Limetric/dbferry/internal/model"
)

func strptr(s string) *string { return &s }

func TestTransformValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		rule  model.Rule
		want  any
		warns bool
	}{
		{"upper", "hello", model.Rule{Kind: model.RuleFormat, Format: "upper"}, "HELLO", false},
		{"lower", "HeLLo", model.Rule{Kind: model.RuleFormat, Format: "lower"}, "hello", false},
		{"title", "jane doe", model.Rule{Kind: model.RuleFormat, Format: "title"}, "Jane Doe", false},
		{"trim", "  x  ", model.Rule{Kind: model.RuleFormat, Format: "trim"}, "x", false},
		{"truncate runes", "héllo wörld", model.Rule{Kind: model.RuleFormat, Format: "truncate", Length: 5}, "héllo", false},
		{"truncate short", "hi", model.Rule{Kind: model.RuleFormat, Format: "truncate", Length: 5}, "hi", false},
		{"format null", nil, model.Rule{Kind: model.RuleFormat, Format: "upper"}, nil, false},
		{"format non-string", int64(3), model.Rule{Kind: model.RuleFormat, Format: "upper"}, int64(3), true},
		{"unknown format", "x", model.Rule{Kind: model.RuleFormat, Format: "reverse"}, "x", true},
		{"date pattern", time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC), model.Rule{Kind: model.RuleFormat, Format: "date", Pattern: "DD/MM/YYYY HH:mm"}, "09/03/2024 14:05", false},
		{"date from text", "2024-03-09", model.Rule{Kind: model.RuleFormat, Format: "date", Pattern: "YYYY.MM.DD"}, "2024.03.09", false},
		{"regex replace", "555-123-4567", model.Rule{Kind: model.RuleRegexReplace, Pattern: `\D`, Replacement: ""}, "5551234567", false},
		{"bad regex", "x", model.Rule{Kind: model.RuleRegexReplace, Pattern: `(`}, "x", true},

		{"add int", int64(40), model.Rule{Kind: model.RuleNumeric, Op: "add", Operand: 2}, int64(42), false},
		{"mul float", 1.5, model.Rule{Kind: model.RuleNumeric, Op: "mul", Operand: 2}, 3.0, false},
		{"div text", "10", model.Rule{Kind: model.RuleNumeric, Op: "div", Operand: 4}, "2.5", false},
		{"div by zero", int64(10), model.Rule{Kind: model.RuleNumeric, Op: "div", Operand: 0}, int64(10), true},
		{"nan operand", int64(10), model.Rule{Kind: model.RuleNumeric, Op: "add", Operand: math.NaN()}, int64(10), true},
		{"nan value", math.NaN(), model.Rule{Kind: model.RuleNumeric, Op: "add", Operand: 1}, nil, true},
		{"round", decimal.RequireFromString("2.345"), model.Rule{Kind: model.RuleNumeric, Op: "round", Places: 2}, decimal.RequireFromString("2.35"), false},
		{"floor", 2.7, model.Rule{Kind: model.RuleNumeric, Op: "floor"}, 2.0, false},
		{"ceil", int64(2), model.Rule{Kind: model.RuleNumeric, Op: "ceil"}, int64(2), false},
		{"unknown op", int64(2), model.Rule{Kind: model.RuleNumeric, Op: "pow"}, int64(2), true},
		{"non numeric", "abc", model.Rule{Kind: model.RuleNumeric, Op: "add", Operand: 1}, "abc", true},

		{"split first", "Jane Doe", model.Rule{Kind: model.RuleSplit, Separator: " ", Index: 0}, "Jane", false},
		{"split last", "a,b,c", model.Rule{Kind: model.RuleSplit, Separator: ",", Index: -1}, "c", false},
		{"split out of range", "a,b", model.Rule{Kind: model.RuleSplit, Separator: ",", Index: 5}, nil, false},

		{"lookup inline", "US", model.Rule{Kind: model.RuleLookup, Values: map[string]string{"US": "United States"}}, "United States", false},
		{"lookup miss keeps value", "FR", model.Rule{Kind: model.RuleLookup, Values: map[string]string{"US": "United States"}}, "FR", false},
		{"lookup fallback", "FR", model.Rule{Kind: model.RuleLookup, Values: map[string]string{"US": "x"}, Fallback: strptr("other")}, "other", false},
		{"lookup without source", "FR", model.Rule{Kind: model.RuleLookup, Table: "countries"}, "FR", true},

		{"cast to int", "42", model.Rule{Kind: model.RuleCast, To: model.FieldInteger}, int64(42), false},
		{"cast fails", "x", model.Rule{Kind: model.RuleCast, To: model.FieldInteger}, "x", true},
		{"cast unknown type", "x", model.Rule{Kind: model.RuleCast, To: "money"}, "x", true},

		{"default on null", nil, model.Rule{Kind: model.RuleDefault, Value: "n/a"}, "n/a", false},
		{"default keeps value", "x", model.Rule{Kind: model.RuleDefault, Value: "n/a"}, "x", false},

		{"unknown kind", "x", model.Rule{Kind: "explode"}, "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := TransformValue(tt.value, &tt.rule)
			if tt.warns != (len(warnings) > 0) {
				t.Fatalf("warnings = %v, want warnings=%v", warnings, tt.warns)
			}
			if tt.name == "nan value" {
				if f, ok := got.(float64); !ok || !math.IsNaN(f) {
					t.Errorf("got %v, want NaN unchanged", got)
				}
				return
			}
			if !equalValues(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func equalValues(a, b any) bool {
	if da, ok := a.(decimal.Decimal); ok {
		db, ok := b.(decimal.Decimal)
		return ok && da.Equal(db)
	}
	return a == b
}

func TestTransformValue_NilRule(t *testing.T) {
	got, warnings := TransformValue("x", nil)
	if got != "x" || warnings != nil {
		t.Errorf("got %v %v", got, warnings)
	}
}

func TestTransformValue_UnrecognizedCondition(t *testing.T) {
	conditions := []string{
		"value >>> 3",
		"age >= ",
		"'unterminated",
		"this is nonsense ?",
		"",
	}
	for _, c := range conditions {
		rule := &model.Rule{Kind: model.RuleConditional, Condition: c, ThenValue: "changed"}
		got, warnings := TransformValue("original", rule)
		if got != "original" {
			t.Errorf("condition %q: got %v, want original value", c, got)
		}
		if len(warnings) == 0 {
			t.Errorf("condition %q: expected a warning", c)
		}
	}
}

func TestTransformValue_UnknownComparator(t *testing.T) {
	rule := &model.Rule{
		Kind:      model.RuleConditional,
		When:      &model.Condition{Op: "like", Value: "a%"},
		ThenValue: "changed",
	}
	got, warnings := TransformValue("abc", rule)
	if got != "abc" || len(warnings) != 1 {
		t.Errorf("got %v, warnings %v", got, warnings)
	}
}

func TestConditional(t *testing.T) {
	row := map[string]any{"age": int64(20), "status": "active", "country": nil}
	tests := []struct {
		name string
		rule model.Rule
		want any
	}{
		{
			"then value",
			model.Rule{Kind: model.RuleConditional, Condition: "age >= 18 and status == 'active'", ThenValue: "adult", ElseValue: "minor"},
			"adult",
		},
		{
			"else value",
			model.Rule{Kind: model.RuleConditional, Condition: "age < 18", ThenValue: "minor", ElseValue: "adult"},
			"adult",
		},
		{
			"nested rule",
			model.Rule{Kind: model.RuleConditional, Condition: "country is null", Then: &model.Rule{Kind: model.RuleDefault, Value: "unknown"}},
			"unknown",
		},
		{
			"structured predicate",
			model.Rule{Kind: model.RuleConditional, When: &model.Condition{Field: "status", Op: model.OpStartsWith, Value: "act"}, ThenValue: "yes"},
			"yes",
		},
		{
			"no branch keeps value",
			model.Rule{Kind: model.RuleConditional, Condition: "age > 99", ThenValue: "old"},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := Apply(nil, &tt.rule, &Env{Row: row})
			if len(warnings) > 0 {
				t.Fatalf("warnings: %v", warnings)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRowRules(t *testing.T) {
	row := map[string]any{"first": "Jane", "last": "Doe", "middle": nil, "full": "Jane Q Doe"}
	env := &Env{Row: row}

	got, _ := Apply(nil, &model.Rule{Kind: model.RuleMerge, Fields: []string{"first", "middle", "last"}, Separator: " "}, env)
	if got != "Jane Doe" {
		t.Errorf("merge = %v", got)
	}
	got, _ = Apply(nil, &model.Rule{Kind: model.RuleSplit, Fields: []string{"full"}, Index: 1}, env)
	if got != "Q" {
		t.Errorf("split = %v", got)
	}
	got, _ = Apply("x", &model.Rule{Kind: model.RuleCombine, Template: "{last}, {first} ({value})"}, env)
	if got != "Doe, Jane (x)" {
		t.Errorf("combine = %v", got)
	}
	got, warnings := Apply("x", &model.Rule{Kind: model.RuleCombine, Template: "{nope}"}, env)
	if got != "x" || len(warnings) == 0 {
		t.Errorf("combine unknown field = %v %v", got, warnings)
	}
	got, warnings = Apply("x", &model.Rule{Kind: model.RuleMerge, Fields: []string{"nope"}}, env)
	if got != "x" || len(warnings) == 0 {
		t.Errorf("merge unknown field = %v %v", got, warnings)
	}
}

type lookups struct {
	calls int
	data  map[string]map[string]string
}

func (l *lookups) GetLookupData(_ context.Context, table string) (map[string]string, error) {
	l.calls++
	t, ok := l.data[table]
	if !ok {
		return nil, errors.New("no such table")
	}
	return t, nil
}

func TestLookupTableIsCached(t *testing.T) {
	src := &lookups{data: map[string]map[string]string{"states": {"CA": "California"}}}
	env := &Env{Lookups: src}
	rule := &model.Rule{Kind: model.RuleLookup, Table: "states"}
	for range 3 {
		if got, _ := Apply("CA", rule, env); got != "California" {
			t.Fatalf("lookup = %v", got)
		}
	}
	if src.calls != 1 {
		t.Errorf("GetLookupData called %d times, want 1", src.calls)
	}

	got, warnings := Apply("CA", &model.Rule{Kind: model.RuleLookup, Table: "missing"}, env)
	if got != "CA" || len(warnings) == 0 {
		t.Errorf("missing table = %v %v", got, warnings)
	}
}

func TestCustomRule(t *testing.T) {
	script := `
def transform(value, row):
    if value == None:
        return row["fallback"]
    return value.upper() + "-" + str(len(row))
`
	env := &Env{Row: map[string]any{"fallback": "none", "n": int64(1)}}
	rule := &model.Rule{Kind: model.RuleCustom, Script: script}

	if got, w := Apply("abc", rule, env); got != "ABC-2" || len(w) > 0 {
		t.Errorf("got %v %v", got, w)
	}
	if got, _ := Apply(nil, rule, env); got != "none" {
		t.Errorf("got %v", got)
	}
}

func TestCustomRuleSandbox(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"no transform", "x = 1"},
		{"wrong arity", "def transform(v):\n    return v"},
		{"load disabled", "load('os.star', 'system')\ndef transform(v, r):\n    return v"},
		{"runtime error", "def transform(v, r):\n    return v + 1"},
		{"step limit", "def transform(v, r):\n    n = 0\n    for i in range(100000000):\n        n += i\n    return n"},
		{"syntax error", "def transform(v, r) return v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := TransformValue("abc", &model.Rule{Kind: model.RuleCustom, Script: tt.script})
			if got != "abc" || len(warnings) == 0 {
				t.Errorf("got %v, warnings %v", got, warnings)
			}
		})
	}
}
