// Package scheduler drives the picking & liveness protocol: it polls the
// store for due executions, claims them with the store's compare-and-set,
// runs them on a bounded set of workers, keeps claims alive with heartbeats
// and recovers executions abandoned by dead schedulers.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dbsched/internal/stats"
	"dbsched/internal/store"
	"dbsched/internal/task"
)

type Config struct {
	// Name identifies this scheduler in picked_by. Defaults to hostname plus
	// a random suffix so two processes on one host stay distinguishable.
	Name string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// DeadThreshold is how long a claim may go without a heartbeat before
	// the fleet treats its owner as dead. Must comfortably exceed the
	// heartbeat interval plus worst-case clock skew between nodes.
	DeadThreshold time.Duration
	Workers       int
	// PollLimit caps how many due rows one tick fetches. Defaults to twice
	// the worker count; fetching more is wasted contention.
	PollLimit int

	Clock  Clock
	Stats  stats.Registry
	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "dbsched"
		}
		c.Name = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = 4 * c.HeartbeatInterval
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PollLimit <= 0 {
		c.PollLimit = 2 * c.Workers
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Stats == nil {
		c.Stats = stats.Noop{}
	}
}

type Scheduler struct {
	store store.ExecutionStore
	tasks task.Registry
	cfg   Config
	log   zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	claims map[task.InstanceID]store.Execution
}

func New(st store.ExecutionStore, tasks task.Registry, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:  st,
		tasks:  tasks,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "scheduler").Str("scheduler", cfg.Name).Logger(),
		sem:    make(chan struct{}, cfg.Workers),
		claims: make(map[task.InstanceID]store.Execution),
	}
}

// Name returns the identity this scheduler claims executions under.
func (s *Scheduler) Name() string { return s.cfg.Name }

// Run polls until ctx is cancelled, then waits for in-flight executions.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("poll", s.cfg.PollInterval).
		Dur("heartbeat", s.cfg.HeartbeatInterval).
		Dur("dead_threshold", s.cfg.DeadThreshold).
		Int("workers", s.cfg.Workers).
		Msg("scheduler started")

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	live := time.NewTicker(s.cfg.HeartbeatInterval)
	defer live.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping, waiting for running executions")
			s.wg.Wait()
			return
		case <-poll.C:
			s.pollAndExecute(ctx)
		case <-live.C:
			s.heartbeat(ctx)
			s.detectDead(ctx)
		}
	}
}

// pollAndExecute claims as many due executions as there are free workers.
// Losing the pick race to another scheduler is expected and silent.
func (s *Scheduler) pollAndExecute(ctx context.Context) {
	now := s.cfg.Clock.Now()
	due, err := s.store.GetDue(ctx, now, s.cfg.PollLimit)
	if err != nil {
		s.cfg.Stats.UnexpectedError()
		s.log.Error().Err(err).Msg("due query failed")
		return
	}
	for _, e := range due {
		t, ok := s.tasks.Resolve(e.TaskName)
		if !ok {
			s.log.Warn().Str("task", e.TaskName).Str("instance", e.InstanceID).
				Msg("no task registered for due execution, skipping")
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			return // all workers busy, rest stays for the next tick
		}
		picked, err := s.store.Pick(ctx, e, s.cfg.Name, now)
		if err != nil {
			<-s.sem
			s.cfg.Stats.UnexpectedError()
			s.log.Error().Err(err).Str("task", e.TaskName).Str("instance", e.InstanceID).
				Msg("pick failed")
			continue
		}
		if picked == nil {
			<-s.sem
			continue
		}
		s.track(*picked)
		s.wg.Add(1)
		go s.execute(ctx, t, *picked)
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task.Task, e store.Execution) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer s.untrack(e)

	inst, err := s.instantiate(t, e)
	if err != nil {
		// Undecodable payload: the run cannot even start. Count it failed
		// and let the task's failure policy decide the retry.
		s.log.Error().Err(err).Str("task", e.TaskName).Str("instance", e.InstanceID).
			Msg("payload deserialization failed")
		s.failed(ctx, t, task.Instance{InstanceID: id(e)}, e)
		return
	}

	ec := task.ExecutionContext{
		SchedulerName:       s.cfg.Name,
		ExecutionTime:       e.ExecutionTime,
		ConsecutiveFailures: e.ConsecutiveFailures,
	}
	if err := t.Execute(ctx, inst, ec); err != nil {
		s.log.Warn().Err(err).Str("task", e.TaskName).Str("instance", e.InstanceID).
			Msg("execution failed")
		s.failed(ctx, t, inst, e)
		return
	}
	s.completed(ctx, t, inst, e)
}

func (s *Scheduler) completed(ctx context.Context, t *task.Task, inst task.Instance, e store.Execution) {
	now := s.cfg.Clock.Now()
	s.cfg.Stats.ExecutionCompleted()
	next, again := t.OnComplete(inst, now)
	if !again {
		if err := s.store.Remove(ctx, e); err != nil {
			s.storeFault(err, e, "remove after completion")
		}
		return
	}
	if err := s.store.Reschedule(ctx, e, next, now, e.LastFailure, 0); err != nil {
		s.storeFault(err, e, "reschedule after completion")
	}
}

func (s *Scheduler) failed(ctx context.Context, t *task.Task, inst task.Instance, e store.Execution) {
	now := s.cfg.Clock.Now()
	s.cfg.Stats.ExecutionFailed()
	failures := e.ConsecutiveFailures + 1
	next, retry := t.OnFailure(inst, now, failures)
	if !retry {
		s.log.Warn().Str("task", e.TaskName).Str("instance", e.InstanceID).
			Int("failures", failures).Msg("giving up on execution")
		if err := s.store.Remove(ctx, e); err != nil {
			s.storeFault(err, e, "remove after giving up")
		}
		return
	}
	if err := s.store.Reschedule(ctx, e, next, e.LastSuccess, now, failures); err != nil {
		s.storeFault(err, e, "reschedule after failure")
	}
}

// heartbeat extends every claim this scheduler currently holds. A claim that
// was reassigned in the meantime is a warn-level no-op inside the store.
func (s *Scheduler) heartbeat(ctx context.Context) {
	now := s.cfg.Clock.Now()
	for _, e := range s.snapshotClaims() {
		if err := s.store.UpdateHeartbeat(ctx, e, s.cfg.Name, now); err != nil {
			s.storeFault(err, e, "heartbeat")
		}
	}
}

// detectDead recovers executions whose picker has stopped heartbeating.
// Liveness is judged purely by heartbeat age: a process never has to detect
// its own death.
func (s *Scheduler) detectDead(ctx context.Context) {
	now := s.cfg.Clock.Now()
	dead, err := s.store.GetDead(ctx, now.Add(-s.cfg.DeadThreshold))
	if err != nil {
		s.cfg.Stats.UnexpectedError()
		s.log.Error().Err(err).Msg("dead execution query failed")
		return
	}
	for _, e := range dead {
		t, ok := s.tasks.Resolve(e.TaskName)
		if !ok {
			s.log.Warn().Str("task", e.TaskName).Str("instance", e.InstanceID).
				Msg("no task registered for dead execution, leaving as-is")
			continue
		}
		s.cfg.Stats.DeadExecution()
		s.log.Warn().Str("task", e.TaskName).Str("instance", e.InstanceID).
			Str("picked_by", e.PickedBy).Time("last_heartbeat", e.LastHeartbeat).
			Msg("recovering dead execution")

		inst, err := s.instantiate(t, e)
		if err != nil {
			inst = task.Instance{InstanceID: id(e)}
		}
		failures := e.ConsecutiveFailures + 1
		next, revive := t.OnDead(inst, now)
		if !revive {
			if err := s.store.Remove(ctx, e); err != nil {
				s.storeFault(err, e, "remove dead execution")
			}
			continue
		}
		if err := s.store.Reschedule(ctx, e, next, e.LastSuccess, now, failures); err != nil {
			s.storeFault(err, e, "reschedule dead execution")
		}
	}
}

func (s *Scheduler) instantiate(t *task.Task, e store.Execution) (task.Instance, error) {
	data, err := t.Codec.Deserialize(e.Data)
	if err != nil {
		return task.Instance{}, err
	}
	return t.Instance(e.InstanceID, data), nil
}

func (s *Scheduler) storeFault(err error, e store.Execution, op string) {
	s.cfg.Stats.UnexpectedError()
	s.log.Error().Err(err).Str("task", e.TaskName).Str("instance", e.InstanceID).
		Msg(op + " failed")
}

func (s *Scheduler) track(e store.Execution) {
	s.mu.Lock()
	s.claims[id(e)] = e
	s.mu.Unlock()
}

func (s *Scheduler) untrack(e store.Execution) {
	s.mu.Lock()
	delete(s.claims, id(e))
	s.mu.Unlock()
}

func (s *Scheduler) snapshotClaims() []store.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Execution, 0, len(s.claims))
	for _, e := range s.claims {
		out = append(out, e)
	}
	return out
}

func id(e store.Execution) task.InstanceID {
	return task.InstanceID{TaskName: e.TaskName, ID: e.InstanceID}
}
