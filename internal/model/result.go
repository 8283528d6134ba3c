package model

import "time"

// ExecutionStage is a state of the migration executor.
type ExecutionStage string

const (
	StageCreated              ExecutionStage = "created"
	StageSchemaCreated        ExecutionStage = "schema_created"
	StageDataMigrating        ExecutionStage = "data_migrating"
	StageConstraintsRestoring ExecutionStage = "constraints_restoring"
	StageIndexesCreating      ExecutionStage = "indexes_creating"
	StageValidating           ExecutionStage = "validating"
	StageCompleted            ExecutionStage = "completed"
	StageFailed               ExecutionStage = "failed"
	StageCancelled            ExecutionStage = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// LogLevel is the severity of a log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of an append-only log.
type LogEntry struct {
	ID        string         `json:"id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Stage     string         `json:"stage,omitempty"`
	Table     string         `json:"table,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// TableResult is the outcome of migrating one table.
type TableResult struct {
	SourceTable   string        `json:"source_table"`
	TargetTable   string        `json:"target_table"`
	RowsRead      int64         `json:"rows_read"`
	RowsProcessed int64         `json:"rows_processed"`
	RowsSkipped   int64         `json:"rows_skipped"`
	RowsFailed    int64         `json:"rows_failed"`
	Batches       int           `json:"batches"`
	Retries       int           `json:"retries"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	Cursor        string        `json:"cursor,omitempty"`
}

// MigrationResult is produced by one execution attempt. Failed attempts
// are retained alongside later ones.
type MigrationResult struct {
	Attempt            int            `json:"attempt"`
	PlanVersion        int            `json:"plan_version"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`
	Stage              ExecutionStage `json:"stage"`
	Success            bool           `json:"success"`
	Tables             []TableResult  `json:"tables"`
	TotalRowsProcessed int64          `json:"total_rows_processed"`
	TotalRowsSkipped   int64          `json:"total_rows_skipped"`
	TotalRowsFailed    int64          `json:"total_rows_failed"`
	FailedTables       int            `json:"failed_tables"`
	Warnings           []string       `json:"warnings,omitempty"`
	Error              string         `json:"error,omitempty"`
	Log                []LogEntry     `json:"log,omitempty"`
}

// Table returns the result for a source table.
func (r *MigrationResult) Table(source string) (*TableResult, bool) {
	for i := range r.Tables {
		if r.Tables[i].SourceTable == source {
			return &r.Tables[i], true
		}
	}
	return nil, false
}

// ValidationIssue is a non-fatal mismatch found after migration.
type ValidationIssue struct {
	Table   string `json:"table"`
	Kind    string `json:"kind"` // row_count, sample, constraint, column
	Message string `json:"message"`
}

// TableValidation holds per-table validation figures.
type TableValidation struct {
	SourceTable     string `json:"source_table"`
	TargetTable     string `json:"target_table"`
	SourceRows      int64  `json:"source_rows"`
	TargetRows      int64  `json:"target_rows"`
	SampledRows     int    `json:"sampled_rows"`
	MismatchedRows  int    `json:"mismatched_rows"`
	RowCountMatches bool   `json:"row_count_matches"`
}

// ValidationResult is the post-migration verification report.
type ValidationResult struct {
	ValidatedAt time.Time         `json:"validated_at"`
	Success     bool              `json:"success"`
	Tables      []TableValidation `json:"tables"`
	Issues      []ValidationIssue `json:"issues,omitempty"`
}

// CompatibilityObject is one generated view or function.
type CompatibilityObject struct {
	Kind      string `json:"kind"` // view, function, trigger
	Name      string `json:"name"`
	Target    string `json:"target"`
	Statement string `json:"statement"`
	Applied   bool   `json:"applied"`
}

// CompatibilityLayerResult is the generated compatibility layer.
type CompatibilityLayerResult struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Dialect     Dialect               `json:"dialect"`
	Objects     []CompatibilityObject `json:"objects"`
	Document    string                `json:"document"`
	Success     bool                  `json:"success"`
	Error       string                `json:"error,omitempty"`
}

// Statements returns every generated DDL statement in order.
func (r *CompatibilityLayerResult) Statements() []string {
	out := make([]string, 0, len(r.Objects))
	for _, o := range r.Objects {
		out = append(out, o.Statement)
	}
	return out
}
