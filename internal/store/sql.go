package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const executionColumns = `task_name, task_instance, task_data, execution_time,
  picked, picked_by, last_heartbeat, last_success, last_failure, consecutive_failures`

// SQL implements ExecutionStore over database/sql with a pluggable Dialect.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	log     zerolog.Logger
}

func NewSQL(db *sql.DB, dialect Dialect, log zerolog.Logger) *SQL {
	return &SQL{db: db, dialect: dialect, log: log.With().Str("component", "store").Logger()}
}

// EnsureSchema creates the executions table and indexes if absent.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema (%s): %w", s.dialect.Name(), err)
		}
	}
	return nil
}

func (s *SQL) CreateIfNotExists(ctx context.Context, e Execution) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
INSERT INTO scheduled_executions
  (task_name, task_instance, task_data, execution_time, picked, consecutive_failures)
VALUES (?, ?, ?, ?, 0, 0)`),
		e.TaskName, e.InstanceID, e.Data, millis(e.ExecutionTime))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s/%s: %w", e.TaskName, e.InstanceID, err)
	}
	return true, nil
}

func (s *SQL) Get(ctx context.Context, taskName, instanceID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
SELECT `+executionColumns+`
FROM scheduled_executions
WHERE task_name = ? AND task_instance = ?`), taskName, instanceID)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", taskName, instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", taskName, instanceID, err)
	}
	return e, nil
}

// GetDue orders by execution_time ascending; equal due times fall back to
// (task_name, task_instance) so same-timestamp rows cannot starve each other.
func (s *SQL) GetDue(ctx context.Context, now time.Time, limit int) ([]Execution, error) {
	q := `
SELECT ` + executionColumns + `
FROM scheduled_executions
WHERE picked = 0 AND execution_time <= ?
ORDER BY execution_time ASC, task_name ASC, task_instance ASC`
	args := []any{millis(now)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryExecutions(ctx, "get due", q, args...)
}

func (s *SQL) Pick(ctx context.Context, e Execution, pickedBy string, timePicked time.Time) (*Execution, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
UPDATE scheduled_executions
SET picked = 1, picked_by = ?, last_heartbeat = ?
WHERE task_name = ? AND task_instance = ? AND picked = 0`),
		pickedBy, millis(timePicked), e.TaskName, e.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("pick %s/%s: %w", e.TaskName, e.InstanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("pick %s/%s: %w", e.TaskName, e.InstanceID, err)
	}
	if n == 0 {
		// Lost the race: another scheduler holds the row, or it is gone.
		return nil, nil
	}
	picked, err := s.Get(ctx, e.TaskName, e.InstanceID)
	if err != nil {
		return nil, err
	}
	return picked, nil
}

func (s *SQL) UpdateHeartbeat(ctx context.Context, e Execution, pickedBy string, heartbeatTime time.Time) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
UPDATE scheduled_executions
SET last_heartbeat = ?
WHERE task_name = ? AND task_instance = ? AND picked = 1 AND picked_by = ?`),
		millis(heartbeatTime), e.TaskName, e.InstanceID, pickedBy)
	if err != nil {
		return fmt.Errorf("heartbeat %s/%s: %w", e.TaskName, e.InstanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The claim was lost, most likely recovered as a dead execution by
		// another scheduler. Deliberately not an error.
		s.log.Warn().
			Str("task", e.TaskName).Str("instance", e.InstanceID).
			Str("picked_by", pickedBy).
			Msg("heartbeat for a claim no longer owned, ignoring")
	}
	return nil
}

func (s *SQL) Reschedule(ctx context.Context, e Execution, next time.Time, lastSuccess, lastFailure time.Time, consecutiveFailures int) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
UPDATE scheduled_executions
SET picked = 0, picked_by = NULL, last_heartbeat = NULL,
    execution_time = ?, last_success = ?, last_failure = ?, consecutive_failures = ?
WHERE task_name = ? AND task_instance = ?`),
		millis(next), nullMillis(lastSuccess), nullMillis(lastFailure), consecutiveFailures,
		e.TaskName, e.InstanceID)
	if err != nil {
		return fmt.Errorf("reschedule %s/%s: %w", e.TaskName, e.InstanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reschedule %s/%s: %w", e.TaskName, e.InstanceID, ErrNotFound)
	}
	return nil
}

func (s *SQL) RescheduleUnlessPicked(ctx context.Context, taskName, instanceID string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
UPDATE scheduled_executions
SET execution_time = ?
WHERE task_name = ? AND task_instance = ? AND picked = 0`),
		millis(next), taskName, instanceID)
	if err != nil {
		return fmt.Errorf("reschedule %s/%s: %w", taskName, instanceID, err)
	}
	return s.classifyConditionalMiss(ctx, res, "reschedule", taskName, instanceID)
}

func (s *SQL) Remove(ctx context.Context, e Execution) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
DELETE FROM scheduled_executions WHERE task_name = ? AND task_instance = ?`),
		e.TaskName, e.InstanceID)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", e.TaskName, e.InstanceID, err)
	}
	return nil
}

func (s *SQL) RemoveUnlessPicked(ctx context.Context, taskName, instanceID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
DELETE FROM scheduled_executions
WHERE task_name = ? AND task_instance = ? AND picked = 0`),
		taskName, instanceID)
	if err != nil {
		return fmt.Errorf("cancel %s/%s: %w", taskName, instanceID, err)
	}
	return s.classifyConditionalMiss(ctx, res, "cancel", taskName, instanceID)
}

// classifyConditionalMiss turns a zero-row conditional mutation into
// ErrNotFound or ErrExecutionInProgress. The follow-up read is only for the
// error message; the guarded statement already made the mutation safe.
func (s *SQL) classifyConditionalMiss(ctx context.Context, res sql.Result, op, taskName, instanceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", op, taskName, instanceID, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, taskName, instanceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s %s/%s: %w", op, taskName, instanceID, ErrNotFound)
		}
		return err
	}
	return fmt.Errorf("%s %s/%s: %w", op, taskName, instanceID, ErrExecutionInProgress)
}

func (s *SQL) GetDead(ctx context.Context, olderThan time.Time) ([]Execution, error) {
	return s.queryExecutions(ctx, "get dead", `
SELECT `+executionColumns+`
FROM scheduled_executions
WHERE picked = 1 AND last_heartbeat IS NOT NULL AND last_heartbeat <= ?
ORDER BY last_heartbeat ASC, task_name ASC, task_instance ASC`, millis(olderThan))
}

func (s *SQL) FailingLongerThan(ctx context.Context, now time.Time, d time.Duration) ([]Execution, error) {
	cutoff := millis(now.Add(-d))
	return s.queryExecutions(ctx, "get failing", `
SELECT `+executionColumns+`
FROM scheduled_executions
WHERE last_failure IS NOT NULL AND (last_success IS NULL OR last_success < ?)
ORDER BY task_name ASC, task_instance ASC`, cutoff)
}

func (s *SQL) ListScheduled(ctx context.Context, limit int) ([]Execution, error) {
	q := `
SELECT ` + executionColumns + `
FROM scheduled_executions
ORDER BY execution_time ASC, task_name ASC, task_instance ASC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryExecutions(ctx, "list", q, args...)
}

func (s *SQL) queryExecutions(ctx context.Context, op, query string, args ...any) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		e         Execution
		execTime  int64
		picked    int64
		pickedBy  sql.NullString
		heartbeat sql.NullInt64
		success   sql.NullInt64
		failure   sql.NullInt64
	)
	err := row.Scan(&e.TaskName, &e.InstanceID, &e.Data, &execTime,
		&picked, &pickedBy, &heartbeat, &success, &failure, &e.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	e.ExecutionTime = fromMillis(execTime)
	e.Picked = picked != 0
	e.PickedBy = pickedBy.String
	if heartbeat.Valid {
		e.LastHeartbeat = fromMillis(heartbeat.Int64)
	}
	if success.Valid {
		e.LastSuccess = fromMillis(success.Int64)
	}
	if failure.Valid {
		e.LastFailure = fromMillis(failure.Int64)
	}
	return &e, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
