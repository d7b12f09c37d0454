// Package history persists pipeline executions in SQLite.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"agentfabric/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ domain.HistoryStore = (*Store)(nil)

// Store implements domain.HistoryStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. ":memory:" gives a private in-process database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun stores run with its steps and adaptations. Saving the same
// pipeline twice replaces the earlier record.
func (s *Store) SaveRun(ctx context.Context, run domain.RunRecord) error {
	errJSON, err := json.Marshal(nonNil(run.Errors))
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE pipeline_id = ?", run.PipelineID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (pipeline_id, request, strategy, status, started_at, completed_at, duration, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.PipelineID, run.Request, string(run.Strategy), run.Status,
		formatTime(run.StartedAt), formatTime(run.CompletedAt), run.Duration, string(errJSON),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range run.Steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (pipeline_id, step_index, name, agent, status, error, execution_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.PipelineID, st.StepIndex, st.Name, st.Agent, string(st.Status), st.Error, st.ExecutionTime,
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.StepIndex, err)
		}
	}

	for _, a := range run.Adaptations {
		issues, err := json.Marshal(nonNil(a.Issues))
		if err != nil {
			return fmt.Errorf("marshal issues: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO adaptations (pipeline_id, step, agent, strategy, success, outcome, issues, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.PipelineID, a.Step, a.Agent, a.Strategy, a.Success, a.Outcome, string(issues), formatTime(a.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert adaptation: %w", err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipeline_id, request, strategy, status, started_at, completed_at, duration, errors
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var runs []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, *run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if err := s.loadChildren(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// GetRun returns a single run by pipeline ID.
func (s *Store) GetRun(ctx context.Context, pipelineID string) (*domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pipeline_id, request, strategy, status, started_at, completed_at, duration, errors
		 FROM runs WHERE pipeline_id = ?`, pipelineID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("history.GetRun", domain.ErrNotFound, pipelineID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// AgentStat aggregates step outcomes for one agent.
type AgentStat struct {
	Agent     string
	Runs      int
	Failures  int
	AvgTimeMS float64
}

// AgentStats summarises every agent that has run, busiest first.
func (s *Store) AgentStats(ctx context.Context) ([]AgentStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, COUNT(*), SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), AVG(execution_time) * 1000
		 FROM steps GROUP BY agent ORDER BY COUNT(*) DESC, agent`, string(domain.EnvelopeError))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentStat
	for rows.Next() {
		var st AgentStat
		if err := rows.Scan(&st.Agent, &st.Runs, &st.Failures, &st.AvgTimeMS); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanRun(row scanner) (*domain.RunRecord, error) {
	var (
		run                domain.RunRecord
		strategy           string
		started, completed string
		errJSON            string
	)
	if err := row.Scan(&run.PipelineID, &run.Request, &strategy, &run.Status, &started, &completed, &run.Duration, &errJSON); err != nil {
		return nil, err
	}
	run.Strategy = domain.WorkflowType(strategy)
	run.StartedAt = parseTime(started)
	run.CompletedAt = parseTime(completed)
	if err := json.Unmarshal([]byte(errJSON), &run.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	if len(run.Errors) == 0 {
		run.Errors = nil
	}
	return &run, nil
}

func (s *Store) loadChildren(ctx context.Context, run *domain.RunRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, name, agent, status, error, execution_time
		 FROM steps WHERE pipeline_id = ? ORDER BY step_index`, run.PipelineID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var st domain.StepRecord
		var status string
		if err := rows.Scan(&st.StepIndex, &st.Name, &st.Agent, &status, &st.Error, &st.ExecutionTime); err != nil {
			rows.Close()
			return err
		}
		st.Status = domain.EnvelopeStatus(status)
		run.Steps = append(run.Steps, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT step, agent, strategy, success, outcome, issues, created_at
		 FROM adaptations WHERE pipeline_id = ? ORDER BY id`, run.PipelineID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a       domain.Adaptation
			issues  string
			created string
		)
		if err := rows.Scan(&a.Step, &a.Agent, &a.Strategy, &a.Success, &a.Outcome, &issues, &created); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(issues), &a.Issues); err != nil {
			return fmt.Errorf("decode issues: %w", err)
		}
		a.Timestamp = parseTime(created)
		run.Adaptations = append(run.Adaptations, a)
	}
	return rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
