package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Limetric/dbferry/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps projects as JSON payloads in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and creates the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetConversionProject(ctx context.Context, id string) (*model.ConversionProject, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM projects WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return decodeProject(id, payload)
}

func (s *SQLiteStore) ListConversionProjects(ctx context.Context) ([]*model.ConversionProject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []*model.ConversionProject
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		p, err := decodeProject(id, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateConversionProject(ctx context.Context, p *model.ConversionProject) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode project %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, status, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Status), string(payload), p.CreatedAt.UTC().Format(timeLayout), p.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateConversionProject(ctx context.Context, id string, u model.ProjectUpdate) (*model.ConversionProject, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update project %s: %w", id, err)
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM projects WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update project %s: %w", id, err)
	}
	p, err := decodeProject(id, payload)
	if err != nil {
		return nil, err
	}
	u.Apply(p, time.Now().UTC())

	next, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode project %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE projects SET name = ?, status = ?, payload = ?, updated_at = ? WHERE id = ?`,
		p.Name, string(p.Status), string(next), p.UpdatedAt.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update project %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update project %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLiteStore) CreateConversionLog(ctx context.Context, e model.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	var details sql.NullString
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode log details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversion_logs (id, project_id, logged_at, level, stage, table_name, message, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Time.UTC().Format(timeLayout), string(e.Level), nullString(e.Stage), nullString(e.Table), e.Message, details,
	)
	if err != nil {
		return fmt.Errorf("create log for project %s: %w", e.ProjectID, err)
	}
	return nil
}

func (s *SQLiteStore) ListConversionLogs(ctx context.Context, projectID string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, logged_at, level, stage, table_name, message, details
		 FROM conversion_logs WHERE project_id = ? ORDER BY logged_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list logs for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var (
			e                     model.LogEntry
			loggedAt, level       string
			stage, table, details sql.NullString
		)
		if err := rows.Scan(&e.ID, &loggedAt, &level, &stage, &table, &e.Message, &details); err != nil {
			return nil, fmt.Errorf("list logs for project %s: %w", projectID, err)
		}
		e.ProjectID = projectID
		e.Level = model.LogLevel(level)
		e.Stage, e.Table = stage.String, table.String
		if e.Time, err = time.Parse(timeLayout, loggedAt); err != nil {
			return nil, fmt.Errorf("log %s: bad time %q", e.ID, loggedAt)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("log %s: decode details: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLookupData(ctx context.Context, table string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lookup_key, value FROM lookup_data WHERE table_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("lookup table %s: %w", table, err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("lookup table %s: %w", table, err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup table %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("lookup table %s: %w", table, ErrNotFound)
	}
	return out, nil
}

// PutLookupData replaces the contents of table.
func (s *SQLiteStore) PutLookupData(ctx context.Context, table string, data map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put lookup table %s: %w", table, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM lookup_data WHERE table_name = ?`, table); err != nil {
		return fmt.Errorf("put lookup table %s: %w", table, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO lookup_data (table_name, lookup_key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("put lookup table %s: %w", table, err)
	}
	defer stmt.Close()
	for k, v := range data {
		if _, err := stmt.ExecContext(ctx, table, k, v); err != nil {
			return fmt.Errorf("put lookup table %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func decodeProject(id, payload string) (*model.ConversionProject, error) {
	var p model.ConversionProject
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	return &p, nil
}

// nullString returns a sql.NullString for optional text columns.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
