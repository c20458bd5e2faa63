package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dbsched/internal/store"
	"dbsched/internal/task"
)

// Client is the facade application code uses to schedule, reschedule and
// cancel executions. It never touches currently-picked rows: the mutations it
// issues are conditional on the row being unpicked inside a single store
// statement, so there is no window between check and act.
type Client struct {
	store store.ExecutionStore
	log   zerolog.Logger
}

func NewClient(st store.ExecutionStore, log zerolog.Logger) *Client {
	return &Client{store: st, log: log.With().Str("component", "client").Logger()}
}

// Schedule persists inst for execution at executionTime. Scheduling the same
// identity twice is a safe no-op; idempotent enqueue.
func (c *Client) Schedule(ctx context.Context, inst task.Instance, executionTime time.Time) error {
	if inst.Task() == nil {
		return errors.New("schedule: instance was not created from a task")
	}
	data, err := inst.Serialize()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", inst.InstanceID, err)
	}
	created, err := c.store.CreateIfNotExists(ctx, store.Execution{
		TaskName:      inst.TaskName,
		InstanceID:    inst.ID,
		Data:          data,
		ExecutionTime: executionTime,
	})
	if err != nil {
		return err
	}
	if !created {
		c.log.Debug().Str("task", inst.TaskName).Str("instance", inst.ID).
			Msg("already scheduled")
	}
	return nil
}

// Reschedule moves an unpicked execution to newExecutionTime, leaving its
// outcome history untouched. Fails with store.ErrNotFound or
// store.ErrExecutionInProgress.
func (c *Client) Reschedule(ctx context.Context, id task.InstanceID, newExecutionTime time.Time) error {
	return c.store.RescheduleUnlessPicked(ctx, id.TaskName, id.ID, newExecutionTime)
}

// Cancel removes an unpicked execution. Cancelling is a logical delete, not
// a running-task interruption: a picked row fails with
// store.ErrExecutionInProgress until its run finishes or is recovered dead.
func (c *Client) Cancel(ctx context.Context, id task.InstanceID) error {
	return c.store.RemoveUnlessPicked(ctx, id.TaskName, id.ID)
}

// Get returns the current persisted state of one execution.
func (c *Client) Get(ctx context.Context, id task.InstanceID) (*store.Execution, error) {
	return c.store.Get(ctx, id.TaskName, id.ID)
}
