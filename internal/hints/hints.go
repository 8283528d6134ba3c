// Package hints supplies the optional rule hints the planner accepts: from a
// file, from an HTTP suggestion service or from both.
package hints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/planner"
)

// ErrUnavailable means no usable suggestion could be obtained. Callers fall
// back to the default plan.
var ErrUnavailable = errors.New("hints unavailable")

// Suggester proposes hints for a schema, optionally steered by free-form
// instructions.
type Suggester interface {
	SuggestTransformations(ctx context.Context, schema *model.SchemaAnalysisResult, instructions string) (*planner.RuleHints, error)
}

// Chain asks every suggester in order and merges the answers; later ones
// win. Failing members are skipped. It returns ErrUnavailable only when all
// of them fail.
type Chain []Suggester

func (c Chain) SuggestTransformations(ctx context.Context, schema *model.SchemaAnalysisResult, instructions string) (*planner.RuleHints, error) {
	var (
		out  *planner.RuleHints
		errs []error
	)
	for _, s := range c {
		h, err := s.SuggestTransformations(ctx, schema, instructions)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = out.Merge(h)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
	}
	return out, nil
}

// ParseSuggestion extracts hints from a free-text answer. Markdown code
// fences and text around the first JSON object are ignored.
func ParseSuggestion(text string) (*planner.RuleHints, error) {
	obj, ok := firstObject(stripFences(text))
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrUnavailable)
	}
	var h planner.RuleHints
	if err := json.Unmarshal([]byte(obj), &h); err != nil {
		return nil, fmt.Errorf("%w: malformed hints: %v", ErrUnavailable, err)
	}
	return &h, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// firstObject returns the first balanced {...} in s, honouring JSON strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
