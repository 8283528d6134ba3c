package transform

import (
	"reflect"
	"testing"
	"time"

	"github.com/Limetric/dbferry/internal/model"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		src  string
		want model.Condition
	}{
		{"age >= 18", model.Condition{Field: "age", Op: model.OpGe, Value: int64(18)}},
		{"value == 'a > b'", model.Condition{Op: model.OpEq, Value: "a > b"}},
		{`name startsWith "Dr. "`, model.Condition{Field: "name", Op: model.OpStartsWith, Value: "Dr. "}},
		{"18 < age", model.Condition{Field: "age", Op: model.OpGt, Value: int64(18)}},
		{"_ is not null", model.Condition{Op: model.OpIsNotNull}},
		{"email is empty", model.Condition{Field: "email", Op: model.OpIsEmpty}},
		{"email isNull", model.Condition{Field: "email", Op: model.OpIsNull}},
		{"vip", model.Condition{Field: "vip", Op: model.OpIsNotEmpty}},
		{"status = active", model.Condition{Field: "status", Op: model.OpEq, Value: "active"}},
		{"flag != true", model.Condition{Field: "flag", Op: model.OpNe, Value: true}},
		{"note == 'it''s'", model.Condition{Field: "note", Op: model.OpEq, Value: "it's"}},
		{
			"a > 1 and b < 2 or not c == 'x'",
			model.Condition{Or: []model.Condition{
				{And: []model.Condition{
					{Field: "a", Op: model.OpGt, Value: int64(1)},
					{Field: "b", Op: model.OpLt, Value: int64(2)},
				}},
				{Not: &model.Condition{Field: "c", Op: model.OpEq, Value: "x"}},
			}},
		},
		{
			"a > 1 && (b < 2 || c)",
			model.Condition{And: []model.Condition{
				{Field: "a", Op: model.OpGt, Value: int64(1)},
				{Or: []model.Condition{
					{Field: "b", Op: model.OpLt, Value: int64(2)},
					{Field: "c", Op: model.OpIsNotEmpty},
				}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := ParseCondition(tt.src)
			if err != nil {
				t.Fatalf("ParseCondition: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestParseCondition_Errors(t *testing.T) {
	for _, src := range []string{
		"",
		"age >=",
		"(a > 1",
		"a > 1)",
		"'x' == 'y'",
		"a ~ b",
		"a is maybe",
		"1 contains a",
		"'open",
	} {
		if _, err := ParseCondition(src); err == nil {
			t.Errorf("ParseCondition(%q) succeeded, want error", src)
		}
	}
}

func TestEval(t *testing.T) {
	row := map[string]any{
		"age":     int64(30),
		"price":   "19.99",
		"name":    "Dr. Who",
		"tags":    []any{},
		"created": time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		"deleted": nil,
	}
	tests := []struct {
		src   string
		value any
		want  bool
	}{
		{"age > 18", nil, true},
		{"age >= 30 and age <= 30", nil, true},
		{"price < 20", nil, true},
		{"price > 100", nil, false},
		{"name contains 'Who'", nil, true},
		{"name endsWith 'Who'", nil, true},
		{"tags is empty", nil, true},
		{"deleted is null", nil, true},
		{"deleted == null", nil, true},
		{"deleted > 1", nil, false},
		{"created > '2023-12-31'", nil, true},
		{"value == 'x'", "x", true},
		{"not value", "", true},
		{"value == 1", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			c, err := ParseCondition(tt.src)
			if err != nil {
				t.Fatalf("ParseCondition: %v", err)
			}
			if got := Eval(c, tt.value, row); got != tt.want {
				t.Errorf("Eval = %v, want %v", got, tt.want)
			}
		})
	}
}
