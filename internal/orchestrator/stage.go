package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/Limetric/dbferry/internal/model"
	"github.com/Limetric/dbferry/internal/notify"
)

type stageFunc func(ctx context.Context, p *model.ConversionProject) (model.ProjectUpdate, error)

// stageFor maps a running status to the work it does and the status it ends
// in on success.
func (o *Orchestrator) stageFor(s model.ConversionStatus) (model.ConversionStatus, stageFunc, bool) {
	switch s {
	case model.StatusAnalyzing:
		return model.StatusAnalyzed, o.analyze, true
	case model.StatusPlanning:
		return model.StatusPlanned, o.plan, true
	case model.StatusMigrating:
		return model.StatusMigrated, o.migrate, true
	case model.StatusCreatingCompatibility:
		return model.StatusCompatibilityCreated, o.compatibility, true
	case model.StatusValidating:
		return model.StatusCompleted, o.validate, true
	}
	return "", nil, false
}

// runStage moves the project into running, does the work and persists the
// outcome. The project is stored before the work starts and again once it
// ends, whichever way it ends.
func (o *Orchestrator) runStage(ctx context.Context, id string, running model.ConversionStatus) (*model.ConversionProject, error) {
	done, fn, ok := o.stageFor(running)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a stage", ErrInvalidTransition, running)
	}
	ctx, release, err := o.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := o.store.GetConversionProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(running) {
		return p, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, running)
	}
	p, err = o.store.UpdateConversionProject(ctx, id, model.ProjectUpdate{
		Status:   &running,
		Progress: ptr(0),
		Stage:    ptr(string(running)),
		Error:    ptr(""),
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", running, err)
	}
	o.logger.Info("stage started", "project", id, "stage", running)
	o.log(ctx, id, model.LevelInfo, string(running), "stage started", nil)

	u, stageErr := fn(ctx, p)
	// the outcome is stored even when the stage was cancelled
	persist := context.WithoutCancel(ctx)
	if stageErr != nil {
		return o.fail(persist, id, running, u, stageErr, ctx.Err() != nil)
	}

	u.Status = &done
	u.Progress = ptr(100)
	u.Stage = ptr(string(done))
	u.FailedStage = ptr(model.ConversionStatus(""))
	p, err = o.store.UpdateConversionProject(persist, id, u)
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", done, err)
	}
	o.logger.Info("stage completed", "project", id, "stage", running, "status", done)
	o.log(persist, id, model.LevelInfo, string(running), "stage completed", nil)
	o.notify(persist, p, notify.KindStageCompleted, string(running), fmt.Sprintf("%s finished", running), nil)
	return p, nil
}

// fail records a failed or cancelled stage. Results the stage produced
// before failing are kept in u and stored with it.
func (o *Orchestrator) fail(ctx context.Context, id string, stage model.ConversionStatus, u model.ProjectUpdate, cause error, cancelled bool) (*model.ConversionProject, error) {
	status, kind, level := model.StatusFailed, notify.KindStageFailed, model.LevelError
	if cancelled {
		status, kind, level = model.StatusCancelled, notify.KindCancelled, model.LevelWarn
	}
	msg := cause.Error()
	u.Status = &status
	u.Error = &msg
	u.FailedStage = &stage
	u.Stage = ptr(string(status))
	p, err := o.store.UpdateConversionProject(ctx, id, u)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%s: %w", stage, cause), fmt.Errorf("persist %s: %w", status, err))
	}
	if cancelled {
		o.logger.Warn("stage cancelled", "project", id, "stage", stage)
	} else {
		o.logger.Error("stage failed", "project", id, "stage", stage, "err", cause)
	}
	o.log(ctx, id, level, string(stage), msg, nil)
	o.notify(ctx, p, kind, string(stage), msg, nil)
	return p, fmt.Errorf("%s: %w", stage, cause)
}

// complete closes a project whose remaining stages are switched off.
func (o *Orchestrator) complete(ctx context.Context, id string) (*model.ConversionProject, error) {
	ctx, release, err := o.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := o.store.GetConversionProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(model.StatusCompleted) {
		return p, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, model.StatusCompleted)
	}
	p, err = o.store.UpdateConversionProject(ctx, id, model.ProjectUpdate{
		Status:   ptr(model.StatusCompleted),
		Progress: ptr(100),
		Stage:    ptr(string(model.StatusCompleted)),
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", model.StatusCompleted, err)
	}
	o.log(ctx, id, model.LevelInfo, "", "project completed", nil)
	o.notify(ctx, p, notify.KindStageCompleted, string(model.StatusCompleted), "conversion completed", nil)
	return p, nil
}
