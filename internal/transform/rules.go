package transform

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Limetric/dbferry/internal/model"
)

// Env is the context a rule runs in. The zero value works for rules that
// only look at the value itself.
type Env struct {
	Ctx     context.Context
	Row     map[string]any
	Lookups LookupSource

	mu       sync.Mutex
	scripts  map[string]*Script
	patterns map[string]*regexp.Regexp
	tables   map[string]map[string]string
	conds    map[string]model.Condition
}

// TransformValue applies rule to value outside any row. Rules that read
// other fields see an empty row.
func TransformValue(value any, rule *model.Rule) (any, []Warning) {
	return Apply(value, rule, &Env{})
}

// Apply runs rule against value. It never panics and never fails: a rule
// that cannot be applied leaves the value unchanged and reports a warning.
func Apply(value any, rule *model.Rule, env *Env) (out any, warnings []Warning) {
	if rule == nil {
		return value, nil
	}
	if env == nil {
		env = &Env{}
	}
	defer func() {
		if r := recover(); r != nil {
			out, warnings = value, warn(rule.Kind, "rule panicked: %v", r)
		}
	}()

	switch rule.Kind {
	case model.RuleCast:
		return castValue(value, rule)
	case model.RuleFormat:
		return formatValue(value, rule, env)
	case model.RuleRegexReplace:
		return regexReplace(value, rule, env)
	case model.RuleNumeric:
		return numericValue(value, rule)
	case model.RuleSplit:
		return splitValue(value, rule, env)
	case model.RuleMerge:
		return mergeValue(value, rule, env)
	case model.RuleCombine:
		return combineValue(value, rule, env)
	case model.RuleLookup:
		return lookupValue(value, rule, env)
	case model.RuleConditional:
		return conditionalValue(value, rule, env)
	case model.RuleCustom:
		return customValue(value, rule, env)
	case model.RuleDefault:
		if value == nil || value == "" {
			return rule.Value, nil
		}
		return value, nil
	}
	return value, warn(rule.Kind, "unknown rule kind %q", rule.Kind)
}

func castValue(value any, rule *model.Rule) (any, []Warning) {
	if !rule.To.Valid() {
		return value, warn(rule.Kind, "unknown target type %q", rule.To)
	}
	out, err := Coerce(value, rule.To, true)
	if err != nil {
		return value, warn(rule.Kind, "%v", err)
	}
	return out, nil
}

func formatValue(value any, rule *model.Rule, env *Env) (any, []Warning) {
	if value == nil {
		return nil, nil
	}
	if rule.Format == "date" {
		return formatDate(value, rule)
	}
	s, ok := value.(string)
	if !ok {
		return value, warn(rule.Kind, "format %s needs a string, got %T", rule.Format, value)
	}
	switch rule.Format {
	case "upper":
		return strings.ToUpper(s), nil
	case "lower":
		return strings.ToLower(s), nil
	case "title":
		return cases.Title(language.Und).String(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "truncate":
		if rule.Length <= 0 {
			return value, warn(rule.Kind, "truncate needs a positive length")
		}
		if r := []rune(s); len(r) > rule.Length {
			return string(r[:rule.Length]), nil
		}
		return s, nil
	case "regex":
		return regexReplace(value, rule, env)
	}
	return value, warn(rule.Kind, "unknown format %q", rule.Format)
}

var dateTokens = strings.NewReplacer(
	"YYYY", "2006", "YY", "06",
	"MM", "01", "DD", "02",
	"HH", "15", "mm", "04", "ss", "05",
	"SSS", "000",
)

// DateLayout turns a YYYY-MM-DD style pattern into a Go time layout.
func DateLayout(pattern string) string {
	return dateTokens.Replace(pattern)
}

func formatDate(value any, rule *model.Rule) (any, []Warning) {
	layout := time.RFC3339
	if rule.Pattern != "" {
		layout = DateLayout(rule.Pattern)
	}
	var t time.Time
	switch x := value.(type) {
	case time.Time:
		t = x
	case string:
		parsed, err := ParseTime(x)
		if err != nil {
			return value, warn(rule.Kind, "%v", err)
		}
		t = parsed
	default:
		return value, warn(rule.Kind, "date format needs a time, got %T", value)
	}
	return t.Format(layout), nil
}

func regexReplace(value any, rule *model.Rule, env *Env) (any, []Warning) {
	if value == nil {
		return nil, nil
	}
	re, err := env.regexp(rule.Pattern)
	if err != nil {
		return value, warn(rule.Kind, "bad pattern: %v", err)
	}
	s, ok := value.(string)
	if !ok {
		return value, warn(rule.Kind, "regex replace needs a string, got %T", value)
	}
	return re.ReplaceAllString(s, rule.Replacement), nil
}

func numericValue(value any, rule *model.Rule) (any, []Warning) {
	if value == nil {
		return nil, nil
	}
	if f, ok := value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return value, warn(rule.Kind, "operand is not a number")
	}
	if math.IsNaN(rule.Operand) || math.IsInf(rule.Operand, 0) {
		return value, warn(rule.Kind, "rule operand is not a number")
	}
	dv, err := ToDecimal(value)
	if err != nil {
		return value, warn(rule.Kind, "%v", err)
	}
	d := dv.(decimal.Decimal)
	operand := decimal.NewFromFloat(rule.Operand)

	var res decimal.Decimal
	switch rule.Op {
	case "add":
		res = d.Add(operand)
	case "sub":
		res = d.Sub(operand)
	case "mul":
		res = d.Mul(operand)
	case "div":
		if operand.IsZero() {
			return value, warn(rule.Kind, "division by zero")
		}
		res = d.DivRound(operand, 16)
	case "round":
		res = d.Round(int32(rule.Places))
	case "floor":
		res = d.Floor()
	case "ceil":
		res = d.Ceil()
	default:
		return value, warn(rule.Kind, "unknown numeric op %q", rule.Op)
	}
	return sameKind(value, res), nil
}

// sameKind returns res in the numeric representation value arrived in.
func sameKind(value any, res decimal.Decimal) any {
	switch value.(type) {
	case decimal.Decimal:
		return res
	case float64, float32:
		f, _ := res.Float64()
		return f
	case string:
		return res.String()
	}
	if res.IsInteger() {
		return res.IntPart()
	}
	f, _ := res.Float64()
	return f
}

// splitValue splits the value (or Fields[0] from the row) on Separator and
// keeps part Index. A negative index counts from the end.
func splitValue(value any, rule *model.Rule, env *Env) (any, []Warning) {
	src := value
	if len(rule.Fields) > 0 {
		src = env.Row[rule.Fields[0]]
	}
	if src == nil {
		return nil, nil
	}
	s, ok := src.(string)
	if !ok {
		return value, warn(rule.Kind, "split needs a string, got %T", src)
	}
	sep := rule.Separator
	if sep == "" {
		sep = " "
	}
	parts := strings.Split(s, sep)
	i := rule.Index
	if i < 0 {
		i += len(parts)
	}
	if i < 0 || i >= len(parts) {
		return nil, nil
	}
	return strings.TrimSpace(parts[i]), nil
}

func mergeValue(value any, rule *model.Rule, env *Env) (any, []Warning) {
	if len(rule.Fields) == 0 {
		return value, warn(rule.Kind, "merge needs fields")
	}
	var parts []string
	for _, f := range rule.Fields {
		v, ok := env.Row[f]
		if !ok {
			return value, warn(rule.Kind, "unknown field %q", f)
		}
		if v == nil {
			continue
		}
		parts = append(parts, text(v))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return strings.Join(parts, rule.Separator), nil
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

func combineValue(value any, rule *model.Rule, env *Env) (any, []Warning) {
	if rule.Template == "" {
		return value, warn(rule.Kind, "combine needs a template")
	}
	var missing []string
	out := placeholder.ReplaceAllStringFunc(rule.Template, func(m string) string {
		name := m[1 : len(m)-1]
		if name == "value" {
			return text(value)
		}
		v, ok := env.Row[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return text(v)
	})
	if len(missing) > 0 {
		return value, warn(rule.Kind, "unknown fields %v", missing)
	}
	return out, nil
}

func lookupValue(value any, rule *model.Rule, env *Env) (any, []Warning) {
	if value == nil {
		return nil, nil
	}
	table := rule.Values
	if table == nil {
		if rule.Table == "" {
			return value, warn(rule.Kind, "lookup needs values or a table")
		}
		t, err := env.lookupTable(rule.Table)
		if err != nil {
			return value, warn(rule.Kind, "%v", err)
		}
		table = t
	}
	if out, ok := table[text(value)]; ok {
		return out, nil
	}
	if rule.Fallback != nil {
		return *rule.Fallback, nil
	}
	return value, nil
}

func conditionalValue(value any, rule *model.Rule, env *Env) (any, []Warning) {
	var cond model.Condition
	switch {
	case rule.When != nil:
		cond = *rule.When
	case rule.Condition != "":
		c, err := env.condition(rule.Condition)
		if err != nil {
			return value, warn(rule.Kind, "unrecognized condition %q: %v", rule.Condition, err)
		}
		cond = c
	default:
		return value, warn(rule.Kind, "conditional needs a condition")
	}
	if err := validCondition(cond); err != nil {
		return value, warn(rule.Kind, "%v", err)
	}

	if Eval(cond, value, env.Row) {
		switch {
		case rule.Then != nil:
			return Apply(value, rule.Then, env)
		case rule.ThenValue != nil:
			return rule.ThenValue, nil
		}
		return value, nil
	}
	switch {
	case rule.Else != nil:
		return Apply(value, rule.Else, env)
	case rule.ElseValue != nil:
		return rule.ElseValue, nil
	}
	return value, nil
}

func validCondition(c model.Condition) error {
	for _, sub := range c.And {
		if err := validCondition(sub); err != nil {
			return err
		}
	}
	for _, sub := range c.Or {
		if err := validCondition(sub); err != nil {
			return err
		}
	}
	if c.Not != nil {
		return validCondition(*c.Not)
	}
	if len(c.And) == 0 && len(c.Or) == 0 && !c.Op.Known() {
		return fmt.Errorf("unknown comparator %q", c.Op)
	}
	return nil
}

func customValue(value any, rule *model.Rule, env *Env) (any, []Warning) {
	s, err := env.script(rule.Script)
	if err != nil {
		return value, warn(rule.Kind, "%v", err)
	}
	ctx := env.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := s.Call(ctx, value, env.Row)
	if err != nil {
		return value, warn(rule.Kind, "%v", err)
	}
	return out, nil
}

func (e *Env) regexp(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if e.patterns == nil {
		e.patterns = map[string]*regexp.Regexp{}
	}
	e.patterns[pattern] = re
	return re, nil
}

func (e *Env) script(src string) (*Script, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.scripts[src]; ok {
		return s, nil
	}
	s, err := CompileScript(src)
	if err != nil {
		return nil, err
	}
	if e.scripts == nil {
		e.scripts = map[string]*Script{}
	}
	e.scripts[src] = s
	return s, nil
}

func (e *Env) condition(src string) (model.Condition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conds[src]; ok {
		return c, nil
	}
	c, err := ParseCondition(src)
	if err != nil {
		return c, err
	}
	if e.conds == nil {
		e.conds = map[string]model.Condition{}
	}
	e.conds[src] = c
	return c, nil
}

func (e *Env) lookupTable(name string) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[name]; ok {
		return t, nil
	}
	if e.Lookups == nil {
		return nil, fmt.Errorf("no lookup source for table %q", name)
	}
	ctx := e.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := e.Lookups.GetLookupData(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load lookup table %s: %w", name, err)
	}
	if e.tables == nil {
		e.tables = map[string]map[string]string{}
	}
	e.tables[name] = t
	return t, nil
}
