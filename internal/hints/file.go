package hints

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/planner"
)

// FileSuggester reads fixed hints from a TOML or JSON file. The schema and
// instructions are ignored.
type FileSuggester struct {
	Path string
}

func (f FileSuggester) SuggestTransformations(_ context.Context, _ *model.SchemaAnalysisResult, _ string) (*planner.RuleHints, error) {
	return LoadFile(f.Path)
}

// LoadFile decodes a hints file by extension. Unknown TOML keys are rejected.
func LoadFile(path string) (*planner.RuleHints, error) {
	var h planner.RuleHints
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.DecodeFile(path, &h)
		if err != nil {
			return nil, fmt.Errorf("parse hints %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown keys in hints %s: %s", path, strings.Join(keys, ", "))
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read hints: %w", err)
		}
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("parse hints %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("hints file %s: expected .toml or .json", path)
	}
	return &h, nil
}
