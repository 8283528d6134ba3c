package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/Limetric/dbferry/internal/analyzer"
	"github.com/Limetric/dbferry/internal/compat"
	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/executor"
	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/planner"
	"github.com/Limetric/dbferry/internal/validator"
)

var (
	errNoAnalysis = errors.New("no schema analysis; analyze the project first")
	errNoPlan     = errors.New("no migration plan; plan the project first")
)

func (o *Orchestrator) analyze(ctx context.Context, p *model.ConversionProject) (model.ProjectUpdate, error) {
	d, err := dialect.Lookup(p.Source.Dialect)
	if err != nil {
		return model.ProjectUpdate{}, err
	}
	conn, err := o.open(ctx, p.Source)
	if err != nil {
		return model.ProjectUpdate{}, fmt.Errorf("open source: %w", err)
	}
	defer conn.Close()

	res, err := analyzer.AnalyzeSchema(ctx, conn, d, analyzer.Options{
		Schema:            p.Source.Schema,
		IncludeViews:      p.Options.IncludeViews,
		IncludeProcedures: p.Options.IncludeProcedures,
		IncludeTriggers:   p.Options.IncludeTriggers,
		TableFilter:       p.Options.TableFilter,
		Logger:            o.logger,
	})
	if err != nil {
		return model.ProjectUpdate{}, err
	}
	if n := res.Issues.Count(); n > 0 {
		o.log(ctx, p.ID, model.LevelInfo, string(model.StatusAnalyzing),
			fmt.Sprintf("%s schema finding(s)", humanize.Comma(int64(n))), map[string]any{"tables": res.Statistics.TableCount})
	}
	return model.ProjectUpdate{Analysis: res}, nil
}

// plan asks the suggester for hints and falls back to the default plan when
// it has none to give.
func (o *Orchestrator) plan(ctx context.Context, p *model.ConversionProject) (model.ProjectUpdate, error) {
	if p.Analysis == nil {
		return model.ProjectUpdate{}, errNoAnalysis
	}
	h := &planner.RuleHints{PreScripts: p.Options.PreScripts, PostScripts: p.Options.PostScripts}
	if o.suggester != nil {
		suggested, err := o.suggester.SuggestTransformations(ctx, p.Analysis, p.Options.HintInstructions)
		switch {
		case ctx.Err() != nil:
			return model.ProjectUpdate{}, ctx.Err()
		case err != nil:
			o.logger.Warn("hints unavailable, using default plan", "project", p.ID, "err", err)
			o.log(ctx, p.ID, model.LevelWarn, string(model.StatusPlanning), "hints unavailable, using default plan: "+err.Error(), nil)
		default:
			h = h.Merge(suggested)
		}
	}

	plan, err := planner.GeneratePlan(p.Analysis, p.Target, h)
	if err != nil {
		return model.ProjectUpdate{}, err
	}
	if p.Plan != nil {
		plan.Version = p.Plan.Version + 1
	}
	o.logger.Info("plan generated", "project", p.ID, "version", plan.Version,
		"tables", len(plan.ActiveTables()), "warnings", len(plan.Warnings))
	o.warnings(ctx, p, model.StatusPlanning, plan.Warnings)
	return model.ProjectUpdate{Plan: plan}, nil
}

// migrate runs the plan. Every attempt is kept on the project, failed ones
// included. A repeated attempt starts from empty target tables.
func (o *Orchestrator) migrate(ctx context.Context, p *model.ConversionProject) (model.ProjectUpdate, error) {
	if p.Plan == nil {
		return model.ProjectUpdate{}, errNoPlan
	}
	src, err := o.open(ctx, p.Source)
	if err != nil {
		return model.ProjectUpdate{}, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()
	dst, err := o.open(ctx, p.Target)
	if err != nil {
		return model.ProjectUpdate{}, fmt.Errorf("open target: %w", err)
	}
	defer dst.Close()

	attempt := len(p.Migrations) + 1
	opts := p.Options
	ex := executor.New(executor.Options{
		BatchSize:          opts.BatchSize,
		Workers:            opts.Workers,
		MaxRetries:         opts.MaxRetries,
		RetryBackoff:       opts.RetryBackoff,
		BatchTimeout:       opts.BatchTimeout,
		DisableConstraints: opts.DisableConstraints,
		TruncateBeforeLoad: opts.TruncateBeforeLoad || attempt > 1,
		Validate:           opts.Validate,
		Attempt:            attempt,
		Lookups:            o.store,
		Progress:           o.progress(ctx, p.ID),
		Metrics:            o.metrics,
		Logger:             o.logger.With("project", p.ID),
	})
	res, err := ex.Run(ctx, p.Plan, src, dst)
	if res == nil {
		return model.ProjectUpdate{}, err
	}
	persist := context.WithoutCancel(ctx)
	for _, e := range res.Log {
		e.ProjectID = p.ID
		if e.Stage == "" {
			e.Stage = string(model.StatusMigrating)
		}
		if lerr := o.store.CreateConversionLog(persist, e); lerr != nil {
			o.logger.Warn("write conversion log", "project", p.ID, "err", lerr)
		}
	}
	o.warnings(persist, p, model.StatusMigrating, res.Warnings)
	return model.ProjectUpdate{Migration: res}, err
}

// progress stores the executor's progress on the project whenever the
// percentage moves.
func (o *Orchestrator) progress(ctx context.Context, id string) executor.ProgressFunc {
	var mu sync.Mutex
	last := -1
	return func(stage model.ExecutionStage, percent int, _ string) {
		mu.Lock()
		defer mu.Unlock()
		if percent == last {
			return
		}
		last = percent
		s := string(model.StatusMigrating) + ": " + string(stage)
		if _, err := o.store.UpdateConversionProject(ctx, id, model.ProjectUpdate{Progress: &percent, Stage: &s}); err != nil {
			o.logger.Debug("persist progress", "project", id, "err", err)
		}
	}
}

// compatibility generates the layer and applies it to the target when the
// target speaks the source's dialect. Otherwise only the document is kept.
func (o *Orchestrator) compatibility(ctx context.Context, p *model.ConversionProject) (model.ProjectUpdate, error) {
	if p.Plan == nil {
		return model.ProjectUpdate{}, errNoPlan
	}
	res, err := compat.Generate(p.Plan, p.Source, p.Target)
	if err != nil {
		return model.ProjectUpdate{}, err
	}
	u := model.ProjectUpdate{Compatibility: res}
	if len(res.Objects) == 0 {
		return u, nil
	}
	if res.Dialect != p.Plan.TargetDialect {
		o.warnings(ctx, p, model.StatusCreatingCompatibility, []string{fmt.Sprintf(
			"compatibility layer uses %s syntax and was not applied to the %s target", res.Dialect, p.Plan.TargetDialect)})
		return u, nil
	}

	dst, err := o.open(ctx, p.Target)
	if err != nil {
		return u, fmt.Errorf("open target: %w", err)
	}
	defer dst.Close()
	if err := compat.Apply(ctx, dst, res); err != nil {
		return u, err
	}
	o.logger.Info("compatibility layer applied", "project", p.ID, "objects", len(res.Objects))
	return u, nil
}

// validate compares source and target. Mismatches become warnings; only a
// failure to run the comparison fails the stage.
func (o *Orchestrator) validate(ctx context.Context, p *model.ConversionProject) (model.ProjectUpdate, error) {
	if p.Plan == nil {
		return model.ProjectUpdate{}, errNoPlan
	}
	src, err := o.open(ctx, p.Source)
	if err != nil {
		return model.ProjectUpdate{}, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()
	dst, err := o.open(ctx, p.Target)
	if err != nil {
		return model.ProjectUpdate{}, fmt.Errorf("open target: %w", err)
	}
	defer dst.Close()

	res, err := validator.Validate(ctx, p.Plan, src, dst, validator.Options{
		SampleSize: p.Options.SampleSize,
		Workers:    p.Options.Workers,
		Result:     p.LatestMigration(),
		Lookups:    o.store,
		Logger:     o.logger,
	})
	if err != nil {
		return model.ProjectUpdate{}, err
	}
	if !res.Success {
		issues := make([]string, len(res.Issues))
		for i, is := range res.Issues {
			issues[i] = fmt.Sprintf("%s: %s", is.Table, is.Message)
		}
		o.warnings(ctx, p, model.StatusValidating, issues)
	}
	return model.ProjectUpdate{Validation: res}, nil
}
