// Package orchestrator owns the lifecycle of conversion projects: it runs
// the analyze, plan, migrate, compatibility and validate stages, persists
// the project before and after each of them and reports what happened.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/hints"
	"github.com/Limetric/dbferry/internal/metrics"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/notify"
	"github.com/Limetric/dbferry/internal/storage"
)

var (
	// ErrBusy is returned when a stage of the project is already running in
	// this process.
	ErrBusy = errors.New("project stage already running")
	// ErrNotRunning is returned by Cancel when nothing is in flight.
	ErrNotRunning = errors.New("project is not running")
	// ErrInvalidTransition is returned when the project's status does not
	// allow the requested stage.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Opener connects to a database. OpenDialect is the default.
type Opener func(ctx context.Context, cfg model.ConnectionConfig) (dialect.Conn, error)

// OpenDialect opens cfg with the adapter registered for its dialect.
func OpenDialect(ctx context.Context, cfg model.ConnectionConfig) (dialect.Conn, error) {
	d, err := dialect.Lookup(cfg.Dialect)
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: cfg.Dialect, Err: err}
	}
	return d.Open(ctx, cfg)
}

// Options wire the orchestrator's collaborators. Store defaults to a
// MemoryStore, Notifier to notify.Nop and Open to OpenDialect. Suggester
// and Metrics are optional.
type Options struct {
	Store     storage.Store
	Suggester hints.Suggester
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Open      Opener
	Logger    *slog.Logger
}

// Orchestrator runs project stages. Several projects may run at once; a
// single project runs one stage at a time.
type Orchestrator struct {
	store     storage.Store
	suggester hints.Suggester
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	open      Opener
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New returns an Orchestrator with defaults filled in.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     opts.Store,
		suggester: opts.Suggester,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		open:      opts.Open,
		logger:    opts.Logger,
		running:   map[string]context.CancelFunc{},
	}
	if o.store == nil {
		o.store = storage.NewMemoryStore()
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}
	if o.open == nil {
		o.open = OpenDialect
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// CreateProject registers a new project in status created.
func (o *Orchestrator) CreateProject(ctx context.Context, name string, source, target model.ConnectionConfig, opts model.ProjectOptions) (*model.ConversionProject, error) {
	for _, side := range []*model.ConnectionConfig{&source, &target} {
		d, err := dialect.Lookup(side.Dialect)
		if err != nil {
			return nil, fmt.Errorf("create project: %w", err)
		}
		side.Dialect = d.Tag()
	}
	now := time.Now().UTC()
	p := &model.ConversionProject{
		ID:        uuid.NewString(),
		Name:      name,
		Source:    source,
		Target:    target,
		Options:   opts,
		Status:    model.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateConversionProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	o.logger.Info("project created", "project", p.ID, "name", name, "source", source.Dialect, "target", target.Dialect)
	o.log(ctx, p.ID, model.LevelInfo, "", "project created", map[string]any{
		"source": string(source.Dialect),
		"target": string(target.Dialect),
	})
	return p, nil
}

// Status returns the stored project.
func (o *Orchestrator) Status(ctx context.Context, id string) (*model.ConversionProject, error) {
	return o.store.GetConversionProject(ctx, id)
}

// Projects lists every stored project.
func (o *Orchestrator) Projects(ctx context.Context) ([]*model.ConversionProject, error) {
	return o.store.ListConversionProjects(ctx)
}

// Logs returns the project's log in time order.
func (o *Orchestrator) Logs(ctx context.Context, id string) ([]model.LogEntry, error) {
	return o.store.ListConversionLogs(ctx, id)
}

// Cancel stops the stage running for id. The stage ends at its next
// cancellation point and the project moves to cancelled.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	cancel()
	return nil
}

// Running reports whether a stage of id is in flight in this process.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// begin claims id for one stage and returns the stage's context.
func (o *Orchestrator) begin(ctx context.Context, id string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	ctx, cancel := context.WithCancel(ctx)
	o.running[id] = cancel
	return ctx, func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		cancel()
	}, nil
}

func (o *Orchestrator) log(ctx context.Context, id string, level model.LogLevel, stage, msg string, details map[string]any) {
	e := model.LogEntry{
		ProjectID: id,
		Time:      time.Now().UTC(),
		Level:     level,
		Stage:     stage,
		Message:   msg,
		Details:   details,
	}
	if err := o.store.CreateConversionLog(ctx, e); err != nil {
		o.logger.Warn("write conversion log", "project", id, "err", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, p *model.ConversionProject, kind, stage, msg string, details map[string]any) {
	o.notifier.Notify(ctx, notify.Event{
		ProjectID: p.ID,
		Project:   p.Name,
		Kind:      kind,
		Stage:     stage,
		Message:   msg,
		Time:      time.Now().UTC(),
		Details:   details,
	})
}

// warnings logs each warning and sends one notification for the lot.
func (o *Orchestrator) warnings(ctx context.Context, p *model.ConversionProject, stage model.ConversionStatus, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	for _, w := range warnings {
		o.log(ctx, p.ID, model.LevelWarn, string(stage), w, nil)
	}
	o.notify(ctx, p, notify.KindWarning, string(stage),
		fmt.Sprintf("%s: %d warning(s)", stage, len(warnings)),
		map[string]any{"warnings": warnings})
}

func ptr[T any](v T) *T { return &v }
