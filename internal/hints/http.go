package hints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/planner"
)

const maxResponseBytes = 4 << 20

// HTTPSuggester posts the analyzed schema and the instructions to an
// endpoint and parses whatever text comes back with ParseSuggestion.
type HTTPSuggester struct {
	Endpoint string
	APIKey   string
	client   *http.Client
}

// NewHTTPSuggester returns a suggester for endpoint. A zero timeout means 60s.
func NewHTTPSuggester(endpoint, apiKey string, timeout time.Duration) *HTTPSuggester {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSuggester{
		Endpoint: endpoint,
		APIKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type suggestRequest struct {
	Instructions string                      `json:"instructions,omitempty"`
	Schema       *model.SchemaAnalysisResult `json:"schema"`
}

func (s *HTTPSuggester) SuggestTransformations(ctx context.Context, schema *model.SchemaAnalysisResult, instructions string) (*planner.RuleHints, error) {
	buf, err := json.Marshal(suggestRequest{Instructions: instructions, Schema: schema})
	if err != nil {
		return nil, fmt.Errorf("encode hint request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: hint service returned status %d", ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return ParseSuggestion(string(body))
}
