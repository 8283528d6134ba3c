package orchestrator

import (
	"context"
	"fmt"

	"github.com/Limetric/dbferry/internal/model"
)

// Analyze introspects the source and stores the analysis.
func (o *Orchestrator) Analyze(ctx context.Context, id string) (*model.SchemaAnalysisResult, error) {
	p, err := o.runStage(ctx, id, model.StatusAnalyzing)
	if err != nil {
		return nil, err
	}
	return p.Analysis, nil
}

// Plan generates a new plan version from the stored analysis.
func (o *Orchestrator) Plan(ctx context.Context, id string) (*model.MigrationPlan, error) {
	p, err := o.runStage(ctx, id, model.StatusPlanning)
	if err != nil {
		return nil, err
	}
	return p.Plan, nil
}

// Migrate executes the stored plan. The attempt's result is returned even
// when the migration failed.
func (o *Orchestrator) Migrate(ctx context.Context, id string) (*model.MigrationResult, error) {
	p, err := o.runStage(ctx, id, model.StatusMigrating)
	if p == nil {
		return nil, err
	}
	if p.Status != model.StatusMigrated && p.Status != model.StatusFailed && p.Status != model.StatusCancelled {
		return nil, err
	}
	return p.LatestMigration(), err
}

// CreateCompatibility generates and, where possible, applies the
// compatibility layer.
func (o *Orchestrator) CreateCompatibility(ctx context.Context, id string) (*model.CompatibilityLayerResult, error) {
	p, err := o.runStage(ctx, id, model.StatusCreatingCompatibility)
	if p == nil {
		return nil, err
	}
	return p.Compatibility, err
}

// Validate compares the migrated target with the source. A project that
// passes through validation ends completed.
func (o *Orchestrator) Validate(ctx context.Context, id string) (*model.ValidationResult, error) {
	p, err := o.runStage(ctx, id, model.StatusValidating)
	if err != nil {
		return nil, err
	}
	return p.Validation, nil
}

// Run drives the project from its current status through every remaining
// stage. A failed or cancelled project must be resumed instead.
func (o *Orchestrator) Run(ctx context.Context, id string) (*model.ConversionProject, error) {
	p, err := o.store.GetConversionProject(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.Status == model.StatusFailed || p.Status == model.StatusCancelled:
			return p, fmt.Errorf("%w: project %s is %s in %s; resume it", ErrInvalidTransition, id, p.Status, p.FailedStage)
		case p.Status.Running():
			return p, fmt.Errorf("%w: %s is %s", ErrBusy, id, p.Status)
		}
		next, ok := nextStage(p)
		if !ok {
			return p, nil
		}
		if next == model.StatusCompleted {
			return o.complete(ctx, id)
		}
		if p, err = o.runStage(ctx, id, next); err != nil {
			return p, err
		}
	}
}

// nextStage returns the stage that follows p's status, honouring the
// options that switch the late stages off.
func nextStage(p *model.ConversionProject) (model.ConversionStatus, bool) {
	switch p.Status {
	case model.StatusCreated:
		return model.StatusAnalyzing, true
	case model.StatusAnalyzed:
		return model.StatusPlanning, true
	case model.StatusPlanned:
		return model.StatusMigrating, true
	case model.StatusMigrated:
		if p.Options.CreateCompatibilityLayer {
			return model.StatusCreatingCompatibility, true
		}
		fallthrough
	case model.StatusCompatibilityCreated:
		if p.Options.Validate {
			return model.StatusValidating, true
		}
		return model.StatusCompleted, true
	}
	return "", false
}

// Resume restarts the stage a failed or cancelled project stopped in, from
// scratch, and then runs the remaining stages. A project left in a running
// status by a process that died is marked failed first.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*model.ConversionProject, error) {
	p, err := o.store.GetConversionProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Running() {
		if o.Running(id) {
			return p, fmt.Errorf("%w: %s", ErrBusy, id)
		}
		if p, err = o.interrupted(ctx, p); err != nil {
			return p, err
		}
	}
	if p.Status != model.StatusFailed && p.Status != model.StatusCancelled {
		return p, fmt.Errorf("%w: project %s is %s, not failed or cancelled", ErrInvalidTransition, id, p.Status)
	}
	stage := p.FailedStage
	if stage == "" {
		stage = model.StatusAnalyzing
	}
	o.logger.Info("resuming project", "project", id, "stage", stage)
	if p, err = o.runStage(ctx, id, stage); err != nil {
		return p, err
	}
	return o.Run(ctx, id)
}

func (o *Orchestrator) interrupted(ctx context.Context, p *model.ConversionProject) (*model.ConversionProject, error) {
	stage := p.Status
	msg := fmt.Sprintf("%s was interrupted", stage)
	p, err := o.store.UpdateConversionProject(ctx, p.ID, model.ProjectUpdate{
		Status:      ptr(model.StatusFailed),
		Stage:       ptr(string(model.StatusFailed)),
		Error:       &msg,
		FailedStage: &stage,
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", model.StatusFailed, err)
	}
	o.log(ctx, p.ID, model.LevelWarn, string(stage), msg, nil)
	return p, nil
}
