// Package task defines the schedulable unit of work: a named task with a
// payload codec, an execution callback and the handlers that decide what
// happens after a run completes, fails, or is abandoned by a dead scheduler.
package task

import (
	"context"
	"time"
)

// InstanceID identifies one schedulable unit across the fleet. The pair
// (TaskName, ID) is the natural key; there is no surrogate id.
type InstanceID struct {
	TaskName string
	ID       string
}

func (id InstanceID) String() string { return id.TaskName + "/" + id.ID }

// Instance is the immutable identity+payload describing one unit of work.
// Create instances through Task.Instance so the owning task (and its codec)
// travels with them.
type Instance struct {
	InstanceID
	Data any

	task *Task
}

// Task returns the task this instance was created from, or nil for an
// instance constructed directly.
func (i Instance) Task() *Task { return i.task }

// Serialize encodes the instance payload with the owning task's codec.
func (i Instance) Serialize() ([]byte, error) {
	return i.task.Codec.Serialize(i.Data)
}

// ExecutionContext carries run metadata into the execute callback.
type ExecutionContext struct {
	SchedulerName       string
	ExecutionTime       time.Time
	ConsecutiveFailures int
}

// ExecuteFunc is the task's business logic. A returned error marks the run
// failed and routes it through the task's failure policy.
type ExecuteFunc func(ctx context.Context, inst Instance, ec ExecutionContext) error

// CompletionHandler runs after a successful execution. It returns the next
// execution time; ok=false means the execution is finished and its row is
// removed.
type CompletionHandler func(inst Instance, now time.Time) (next time.Time, ok bool)

// DeadExecutionHandler runs when the liveness sweep finds an execution whose
// picker stopped heartbeating. It returns when the execution becomes
// claimable again; ok=false gives up and removes the row.
type DeadExecutionHandler func(inst Instance, now time.Time) (next time.Time, ok bool)

// FailureHandler runs after a failed execution. consecutiveFailures includes
// the failure that just happened. ok=false stops retrying and removes the
// row.
type FailureHandler func(inst Instance, now time.Time, consecutiveFailures int) (next time.Time, ok bool)

// Task is a capability record: a unique name, a payload codec and the
// function-valued handlers that define its behavior. No hierarchy; register
// values in a Registry keyed by name.
type Task struct {
	Name       string
	Codec      Codec
	Execute    ExecuteFunc
	OnComplete CompletionHandler
	OnDead     DeadExecutionHandler
	OnFailure  FailureHandler
}

// Instance builds an instance of this task with the given id and payload.
func (t *Task) Instance(id string, data any) Instance {
	return Instance{InstanceID: InstanceID{TaskName: t.Name, ID: id}, Data: data, task: t}
}

// OneTime returns a task that runs once: a successful run removes the
// execution, a failed run retries with capped exponential backoff, and a
// dead execution is made claimable again immediately.
func OneTime(name string, codec Codec, execute ExecuteFunc) *Task {
	return &Task{
		Name:    name,
		Codec:   codec,
		Execute: execute,
		OnComplete: func(Instance, time.Time) (time.Time, bool) {
			return time.Time{}, false
		},
		OnDead: func(_ Instance, now time.Time) (time.Time, bool) {
			return now, true
		},
		OnFailure: func(_ Instance, now time.Time, failures int) (time.Time, bool) {
			return now.Add(Backoff(failures, time.Minute)), true
		},
	}
}

// Recurring returns a task that is perpetually rescheduled by its schedule.
// Failures retry with backoff capped at the regular cadence so a broken task
// never fires more slowly than its schedule.
func Recurring(name string, schedule Schedule, codec Codec, execute ExecuteFunc) *Task {
	return &Task{
		Name:    name,
		Codec:   codec,
		Execute: execute,
		OnComplete: func(_ Instance, now time.Time) (time.Time, bool) {
			return schedule.Next(now), true
		},
		OnDead: func(_ Instance, now time.Time) (time.Time, bool) {
			return now, true
		},
		OnFailure: func(_ Instance, now time.Time, failures int) (time.Time, bool) {
			next := now.Add(Backoff(failures, time.Minute))
			if regular := schedule.Next(now); regular.Before(next) {
				next = regular
			}
			return next, true
		},
	}
}

// Backoff returns 1s, 2s, 4s, ... doubling per consecutive failure, capped
// at limit.
func Backoff(failures int, limit time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Registry maps task names to their handler records. Populate it before the
// scheduler starts; it is read-only afterwards.
type Registry map[string]*Task

func NewRegistry(tasks ...*Task) Registry {
	r := make(Registry, len(tasks))
	for _, t := range tasks {
		r[t.Name] = t
	}
	return r
}

func (r Registry) Resolve(name string) (*Task, bool) {
	t, ok := r[name]
	return t, ok
}
