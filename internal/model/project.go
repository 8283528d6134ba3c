package model

import "time"

// ConversionStatus is the lifecycle state of a ConversionProject.
type ConversionStatus string

const (
	StatusCreated               ConversionStatus = "created"
	StatusAnalyzing             ConversionStatus = "analyzing"
	StatusAnalyzed              ConversionStatus = "analyzed"
	StatusPlanning              ConversionStatus = "planning"
	StatusPlanned               ConversionStatus = "planned"
	StatusMigrating             ConversionStatus = "migrating"
	StatusMigrated              ConversionStatus = "migrated"
	StatusCreatingCompatibility ConversionStatus = "creating_compatibility"
	StatusCompatibilityCreated  ConversionStatus = "compatibility_created"
	StatusValidating            ConversionStatus = "validating"
	StatusCompleted             ConversionStatus = "completed"
	StatusFailed                ConversionStatus = "failed"
	StatusCancelled             ConversionStatus = "cancelled"
)

var transitions = map[ConversionStatus][]ConversionStatus{
	StatusCreated:   {StatusAnalyzing},
	StatusAnalyzing: {StatusAnalyzed},
	// re-analysis replaces the previous result
	StatusAnalyzed:              {StatusPlanning, StatusAnalyzing},
	StatusPlanning:              {StatusPlanned},
	StatusPlanned:               {StatusMigrating, StatusPlanning, StatusAnalyzing},
	StatusMigrating:             {StatusMigrated},
	// completed directly when the later stages are switched off
	StatusMigrated:              {StatusCreatingCompatibility, StatusValidating, StatusCompleted},
	StatusCreatingCompatibility: {StatusCompatibilityCreated},
	StatusCompatibilityCreated:  {StatusValidating, StatusCompleted},
	StatusValidating:            {StatusCompleted},
	StatusCompleted:             {StatusAnalyzing, StatusCreatingCompatibility, StatusValidating},
	// Resume restarts the stage that failed.
	StatusFailed:    {StatusAnalyzing, StatusPlanning, StatusMigrating, StatusCreatingCompatibility, StatusValidating},
	StatusCancelled: {StatusAnalyzing, StatusPlanning, StatusMigrating, StatusCreatingCompatibility, StatusValidating},
}

// CanTransition reports whether a project in status s may move to next.
// Any non-terminal status may fail or be cancelled.
func (s ConversionStatus) CanTransition(next ConversionStatus) bool {
	if next == StatusFailed || next == StatusCancelled {
		return s != StatusCompleted && s != StatusFailed && s != StatusCancelled
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Running reports whether a stage is in flight.
func (s ConversionStatus) Running() bool {
	switch s {
	case StatusAnalyzing, StatusPlanning, StatusMigrating, StatusCreatingCompatibility, StatusValidating:
		return true
	}
	return false
}

// ProjectOptions tune a conversion project.
type ProjectOptions struct {
	BatchSize                int           `json:"batch_size"`
	Workers                  int           `json:"workers"`
	MaxRetries               int           `json:"max_retries"`
	RetryBackoff             time.Duration `json:"retry_backoff"`
	BatchTimeout             time.Duration `json:"batch_timeout"`
	DisableConstraints       bool          `json:"disable_constraints"`
	TruncateBeforeLoad       bool          `json:"truncate_before_load"`
	CreateCompatibilityLayer bool          `json:"create_compatibility_layer"`
	Validate                 bool          `json:"validate"`
	SampleSize               int           `json:"sample_size"`
	IncludeViews             bool          `json:"include_views"`
	IncludeProcedures        bool          `json:"include_procedures"`
	IncludeTriggers          bool          `json:"include_triggers"`
	TableFilter              []string      `json:"table_filter,omitempty"`
	HintInstructions         string        `json:"hint_instructions,omitempty"`
	PreScripts               []string      `json:"pre_scripts,omitempty"`
	PostScripts              []string      `json:"post_scripts,omitempty"`
}

// ConversionProject is the unit of work owned by the orchestrator.
type ConversionProject struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	Source        ConnectionConfig          `json:"source"`
	Target        ConnectionConfig          `json:"target"`
	Options       ProjectOptions            `json:"options"`
	Status        ConversionStatus          `json:"status"`
	Progress      int                       `json:"progress"`
	Stage         string                    `json:"stage,omitempty"`
	Error         string                    `json:"error,omitempty"`
	FailedStage   ConversionStatus          `json:"failed_stage,omitempty"`
	Analysis      *SchemaAnalysisResult     `json:"analysis,omitempty"`
	Plan          *MigrationPlan            `json:"plan,omitempty"`
	Migrations    []MigrationResult         `json:"migrations,omitempty"`
	Validation    *ValidationResult         `json:"validation,omitempty"`
	Compatibility *CompatibilityLayerResult `json:"compatibility,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// LatestMigration returns the most recent execution attempt, if any.
func (p *ConversionProject) LatestMigration() *MigrationResult {
	if len(p.Migrations) == 0 {
		return nil
	}
	return &p.Migrations[len(p.Migrations)-1]
}

// ProjectUpdate is a partial update; nil fields are left untouched.
type ProjectUpdate struct {
	Status        *ConversionStatus
	Progress      *int
	Stage         *string
	Error         *string
	FailedStage   *ConversionStatus
	Analysis      *SchemaAnalysisResult
	Plan          *MigrationPlan
	Migration     *MigrationResult // appended, never replaces earlier attempts
	Validation    *ValidationResult
	Compatibility *CompatibilityLayerResult
}

// Apply merges u into p and stamps UpdatedAt.
func (u ProjectUpdate) Apply(p *ConversionProject, now time.Time) {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Progress != nil {
		p.Progress = *u.Progress
	}
	if u.Stage != nil {
		p.Stage = *u.Stage
	}
	if u.Error != nil {
		p.Error = *u.Error
	}
	if u.FailedStage != nil {
		p.FailedStage = *u.FailedStage
	}
	if u.Analysis != nil {
		p.Analysis = u.Analysis
	}
	if u.Plan != nil {
		p.Plan = u.Plan
	}
	if u.Migration != nil {
		p.Migrations = append(p.Migrations, *u.Migration)
	}
	if u.Validation != nil {
		p.Validation = u.Validation
	}
	if u.Compatibility != nil {
		p.Compatibility = u.Compatibility
	}
	p.UpdatedAt = now
}
