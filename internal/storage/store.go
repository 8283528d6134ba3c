// Package storage persists conversion projects, their logs and the lookup
// tables transformation rules read.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Limetric/dbferry/internal/model"
)

// ErrNotFound is returned for unknown project ids.
var ErrNotFound = errors.New("not found")

// Store is the persistence the orchestrator needs. Implementations are safe
// for concurrent use.
type Store interface {
	GetConversionProject(ctx context.Context, id string) (*model.ConversionProject, error)
	ListConversionProjects(ctx context.Context) ([]*model.ConversionProject, error)
	CreateConversionProject(ctx context.Context, p *model.ConversionProject) error
	// UpdateConversionProject applies u atomically and returns the stored
	// project.
	UpdateConversionProject(ctx context.Context, id string, u model.ProjectUpdate) (*model.ConversionProject, error)

	CreateConversionLog(ctx context.Context, e model.LogEntry) error
	ListConversionLogs(ctx context.Context, projectID string) ([]model.LogEntry, error)

	// GetLookupData returns the key/value pairs of a named lookup table.
	GetLookupData(ctx context.Context, table string) (map[string]string, error)
	PutLookupData(ctx context.Context, table string, data map[string]string) error

	Close() error
}

// clone deep-copies a project so callers never share state with the store.
func clone(p *model.ConversionProject) (*model.ConversionProject, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode project %s: %w", p.ID, err)
	}
	var out model.ConversionProject
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", p.ID, err)
	}
	return &out, nil
}
