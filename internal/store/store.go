// Package store persists Execution rows in a shared relational database and
// is the only component allowed to mutate them. Every mutation is a single
// atomic statement; cross-process mutual exclusion rests entirely on the
// conditional updates here.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a reschedule/cancel/get targets an
	// identity with no row.
	ErrNotFound = errors.New("execution not found")

	// ErrExecutionInProgress is returned when a reschedule/cancel targets a
	// row currently picked by a scheduler.
	ErrExecutionInProgress = errors.New("execution is currently executing")
)

// Execution is the persisted scheduling state for one task instance. The
// identity and Data are immutable for the row's lifetime; everything else
// changes only through the store operations below.
type Execution struct {
	TaskName      string
	InstanceID    string
	Data          []byte
	ExecutionTime time.Time

	Picked        bool
	PickedBy      string
	LastHeartbeat time.Time

	LastSuccess         time.Time
	LastFailure         time.Time
	ConsecutiveFailures int
}

// ExecutionStore is the contract every backing store must honor. At most one
// row exists per (TaskName, InstanceID); rows move between unpicked and
// picked only through the compare-and-set operations below.
type ExecutionStore interface {
	// CreateIfNotExists inserts the row iff none exists for its identity.
	// Returns false when the execution was already scheduled; that is not an
	// error. Backed by the primary-key constraint, never read-then-write.
	CreateIfNotExists(ctx context.Context, e Execution) (bool, error)

	// Get looks up one execution by identity. Returns ErrNotFound.
	Get(ctx context.Context, taskName, instanceID string) (*Execution, error)

	// GetDue returns unpicked rows with execution_time <= now, ordered by
	// execution_time ascending with (task_name, task_instance) as the
	// deterministic tie-break. limit <= 0 means no limit.
	GetDue(ctx context.Context, now time.Time, limit int) ([]Execution, error)

	// Pick atomically transitions the row from unpicked to picked for
	// pickedBy, stamping last_heartbeat. Returns (nil, nil) when someone
	// else holds the row or it no longer exists: losing the race is an
	// expected outcome, not an error.
	Pick(ctx context.Context, e Execution, pickedBy string, timePicked time.Time) (*Execution, error)

	// UpdateHeartbeat extends the claim of a row picked by pickedBy. If the
	// claim was lost (row recovered by another process) the update is a
	// logged no-op; the stale owner must never resurrect its claim.
	UpdateHeartbeat(ctx context.Context, e Execution, pickedBy string, heartbeatTime time.Time) error

	// Reschedule returns the row to unpicked with a new execution time and
	// outcome stamps. Used by run completion, the retry path and
	// dead-execution recovery. Zero lastSuccess/lastFailure persist as NULL.
	Reschedule(ctx context.Context, e Execution, next time.Time, lastSuccess, lastFailure time.Time, consecutiveFailures int) error

	// RescheduleUnlessPicked moves the due time of an unpicked row in one
	// conditional update. Returns ErrNotFound or ErrExecutionInProgress.
	RescheduleUnlessPicked(ctx context.Context, taskName, instanceID string, next time.Time) error

	// Remove deletes the row unconditionally. Callers only use it on rows
	// they own (completion, dead-execution give-up).
	Remove(ctx context.Context, e Execution) error

	// RemoveUnlessPicked deletes an unpicked row in one conditional
	// statement. Returns ErrNotFound or ErrExecutionInProgress.
	RemoveUnlessPicked(ctx context.Context, taskName, instanceID string) error

	// GetDead returns picked rows whose last heartbeat is at or before
	// olderThan; their pickers are presumed crashed or partitioned.
	GetDead(ctx context.Context, olderThan time.Time) ([]Execution, error)

	// FailingLongerThan returns rows that have recorded a failure and no
	// success within d before now, for alerting.
	FailingLongerThan(ctx context.Context, now time.Time, d time.Duration) ([]Execution, error)

	// ListScheduled returns rows ordered by due time, for inspection.
	ListScheduled(ctx context.Context, limit int) ([]Execution, error)
}
