package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/converge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore records runs and reports in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, host, platform, source, why_run, status, started_at, completed_at, updated, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Host,
		run.Platform,
		run.Source,
		run.WhyRun,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Updated,
		run.Failed,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the final status and counters of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, updated, failed int, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, updated = ?, failed = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, updated, failed, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

const runColumns = `id, host, platform, source, why_run, status, started_at, completed_at, updated, failed, error`

func scanRun(sc interface{ Scan(...interface{}) error }) (*Run, error) {
	run := &Run{}
	err := sc.Scan(
		&run.ID,
		&run.Host,
		&run.Platform,
		&run.Source,
		&run.WhyRun,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Updated,
		&run.Failed,
		&run.Error,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RecordReport stores a report and its items in one transaction and
// returns the report ID.
func (s *SQLiteStore) RecordReport(ctx context.Context, report *engine.Report) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var errMsg *string
	if err := report.Err(); err != nil {
		msg := err.Error()
		errMsg = &msg
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO reports (run_id, resource, provider, kind, action, why_run, updated, failed, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Resource,
		report.Provider,
		report.Kind,
		report.Action,
		report.WhyRun,
		report.Updated,
		report.Failed(),
		report.StartedAt,
		report.CompletedAt,
		errMsg,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert report: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get report id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO report_items (report_id, position, name, arch, phase, outcome, decision, version, updated, message, error_code, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for i, it := range report.Items {
		detail, err := json.Marshal(it)
		if err != nil {
			return 0, fmt.Errorf("failed to encode item %s: %w", it.Identity, err)
		}
		code := ""
		if it.Err != nil {
			code = engine.ErrorCode(it.Err)
		}
		_, err = stmt.ExecContext(ctx,
			id,
			i,
			it.Identity.Name,
			it.Identity.Arch,
			it.Phase,
			it.Outcome,
			it.Decision,
			it.Version,
			it.Updated,
			it.Message,
			code,
			string(detail),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert item %s: %w", it.Identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit report: %w", err)
	}
	return id, nil
}

const reportColumns = `id, run_id, resource, provider, kind, action, why_run, updated, failed, started_at, completed_at, error`

func scanReport(sc interface{ Scan(...interface{}) error }) (*ReportRecord, error) {
	r := &ReportRecord{}
	err := sc.Scan(
		&r.ID,
		&r.RunID,
		&r.Resource,
		&r.Provider,
		&r.Kind,
		&r.Action,
		&r.WhyRun,
		&r.Updated,
		&r.Failed,
		&r.StartedAt,
		&r.CompletedAt,
		&r.Error,
	)
	return r, err
}

// GetReport retrieves a report with its items.
func (s *SQLiteStore) GetReport(ctx context.Context, id int64) (*ReportRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, name, arch, phase, outcome, decision, version, updated, message, error_code, detail
		FROM report_items
		WHERE report_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list report items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it ItemRecord
		if err := rows.Scan(
			&it.Position,
			&it.Name,
			&it.Arch,
			&it.Phase,
			&it.Outcome,
			&it.Decision,
			&it.Version,
			&it.Updated,
			&it.Message,
			&it.ErrorCode,
			&it.Detail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan report item: %w", err)
		}
		r.Items = append(r.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating report items: %w", err)
	}

	return r, nil
}

// ListReports lists reports newest first without their items.
func (s *SQLiteStore) ListReports(ctx context.Context, f ReportFilter) ([]*ReportRecord, error) {
	var where []string
	var args []interface{}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}
	if f.UpdatedOnly {
		where = append(where, "updated = 1")
	}
	if f.FailedOnly {
		where = append(where, "failed > 0")
	}

	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []*ReportRecord{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	return reports, nil
}

// DeleteRunsBefore removes runs and their reports started before t.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, t time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reports WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, t.UTC()); err != nil {
		return 0, fmt.Errorf("failed to delete reports: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}
