package model

// RuleKind is the closed set of value transformation kinds.
type RuleKind string

const (
	RuleCast         RuleKind = "cast"
	RuleFormat       RuleKind = "format"
	RuleNumeric      RuleKind = "numeric"
	RuleSplit        RuleKind = "split"
	RuleMerge        RuleKind = "merge"
	RuleCombine      RuleKind = "combine"
	RuleLookup       RuleKind = "lookup"
	RuleConditional  RuleKind = "conditional"
	RuleCustom       RuleKind = "custom"
	RuleDefault      RuleKind = "default"
	RuleRegexReplace RuleKind = "regex_replace"
)

// Rule describes how one target value is derived. Only the fields relevant
// to Kind are read; the rest stay zero.
type Rule struct {
	Kind RuleKind `json:"kind" toml:"kind"`

	// cast
	To FieldType `json:"to,omitempty" toml:"to"`

	// format: upper, lower, title, trim, truncate, date
	Format  string `json:"format,omitempty" toml:"format"`
	Length  int    `json:"length,omitempty" toml:"length"`
	Pattern string `json:"pattern,omitempty" toml:"pattern"`

	// regex_replace
	Replacement string `json:"replacement,omitempty" toml:"replacement"`

	// numeric: add, sub, mul, div, round, floor, ceil
	Op      string  `json:"op,omitempty" toml:"op"`
	Operand float64 `json:"operand,omitempty" toml:"operand"`
	Places  int     `json:"places,omitempty" toml:"places"`

	// split, merge, combine
	Separator string   `json:"separator,omitempty" toml:"separator"`
	Index     int      `json:"index,omitempty" toml:"index"`
	Fields    []string `json:"fields,omitempty" toml:"fields"`
	Template  string   `json:"template,omitempty" toml:"template"`

	// lookup: either an inline table or a named one resolved through storage
	Table    string            `json:"table,omitempty" toml:"table"`
	Values   map[string]string `json:"values,omitempty" toml:"values"`
	Fallback *string           `json:"fallback,omitempty" toml:"fallback"`

	// conditional: Condition (string form) or When (structured form)
	Condition string     `json:"condition,omitempty" toml:"condition"`
	When      *Condition `json:"when,omitempty" toml:"when"`
	Then      *Rule      `json:"then,omitempty" toml:"then"`
	Else      *Rule      `json:"else,omitempty" toml:"else"`
	// ThenValue/ElseValue replace the value outright when no nested rule is set.
	ThenValue any `json:"then_value,omitempty" toml:"then_value"`
	ElseValue any `json:"else_value,omitempty" toml:"else_value"`

	// custom: Starlark source defining transform(value, row)
	Script string `json:"script,omitempty" toml:"script"`

	// default
	Value any `json:"value,omitempty" toml:"value"`
}

// Comparator is a predicate operator.
type Comparator string

const (
	OpIsNull     Comparator = "isNull"
	OpIsNotNull  Comparator = "isNotNull"
	OpIsEmpty    Comparator = "isEmpty"
	OpIsNotEmpty Comparator = "isNotEmpty"
	OpEq         Comparator = "=="
	OpNe         Comparator = "!="
	OpGt         Comparator = ">"
	OpGe         Comparator = ">="
	OpLt         Comparator = "<"
	OpLe         Comparator = "<="
	OpContains   Comparator = "contains"
	OpStartsWith Comparator = "startsWith"
	OpEndsWith   Comparator = "endsWith"
)

// Unary reports whether the comparator takes no operand.
func (c Comparator) Unary() bool {
	switch c {
	case OpIsNull, OpIsNotNull, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// Known reports whether c is part of the closed comparator set.
func (c Comparator) Known() bool {
	switch c {
	case OpIsNull, OpIsNotNull, OpIsEmpty, OpIsNotEmpty, OpEq, OpNe, OpGt, OpGe,
		OpLt, OpLe, OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// Condition is a typed predicate tree. A leaf compares Field (empty means the
// current value) against Value; And/Or/Not compose leaves.
type Condition struct {
	Field string      `json:"field,omitempty" toml:"field"`
	Op    Comparator  `json:"op,omitempty" toml:"op"`
	Value any         `json:"value,omitempty" toml:"value"`
	And   []Condition `json:"and,omitempty" toml:"and"`
	Or    []Condition `json:"or,omitempty" toml:"or"`
	Not   *Condition  `json:"not,omitempty" toml:"not"`
}
