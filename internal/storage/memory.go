package storage

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Limetric/dbferry/internal/model"
)

// MemoryStore keeps everything in process. Each instance is independent.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*model.ConversionProject
	logs     map[string][]model.LogEntry
	lookups  map[string]map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: map[string]*model.ConversionProject{},
		logs:     map[string][]model.LogEntry{},
		lookups:  map[string]map[string]string{},
	}
}

func (s *MemoryStore) GetConversionProject(_ context.Context, id string) (*model.ConversionProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return clone(p)
}

func (s *MemoryStore) ListConversionProjects(_ context.Context) ([]*model.ConversionProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ConversionProject, 0, len(s.projects))
	for _, p := range s.projects {
		cp, err := clone(p)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b *model.ConversionProject) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateConversionProject(_ context.Context, p *model.ConversionProject) error {
	cp, err := clone(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	s.projects[p.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateConversionProject(_ context.Context, id string, u model.ProjectUpdate) (*model.ConversionProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	next, err := clone(p)
	if err != nil {
		return nil, err
	}
	u.Apply(next, time.Now().UTC())
	stored, err := clone(next)
	if err != nil {
		return nil, err
	}
	s.projects[id] = stored
	return next, nil
}

func (s *MemoryStore) CreateConversionLog(_ context.Context, e model.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Details = maps.Clone(e.Details)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[e.ProjectID] = append(s.logs[e.ProjectID], e)
	return nil
}

func (s *MemoryStore) ListConversionLogs(_ context.Context, projectID string) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.logs[projectID])
	slices.SortStableFunc(out, func(a, b model.LogEntry) int { return cmp.Compare(a.Time.UnixNano(), b.Time.UnixNano()) })
	return out, nil
}

func (s *MemoryStore) GetLookupData(_ context.Context, table string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.lookups[table]
	if !ok {
		return nil, fmt.Errorf("lookup table %s: %w", table, ErrNotFound)
	}
	return maps.Clone(data), nil
}

func (s *MemoryStore) PutLookupData(_ context.Context, table string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups[table] = maps.Clone(data)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
