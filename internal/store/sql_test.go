package store

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQL {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1) // SQLite single writer
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQL(db, SQLite(), zerolog.Nop())
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func mustCreate(t *testing.T, s *SQL, name, id string, at time.Time) Execution {
	t.Helper()
	e := Execution{TaskName: name, InstanceID: id, Data: []byte(`{}`), ExecutionTime: at}
	created, err := s.CreateIfNotExists(context.Background(), e)
	require.NoError(t, err)
	require.True(t, created)
	return e
}

func TestCreateIfNotExistsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := Execution{TaskName: "email", InstanceID: "user-42", ExecutionTime: t0}
	created, err := s.CreateIfNotExists(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateIfNotExists(ctx, e)
	require.NoError(t, err)
	assert.False(t, created, "second create for the same identity must be a no-op")

	all, err := s.ListScheduled(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetDueOrderingAndTieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "report", "late", t0.Add(2*time.Minute))
	mustCreate(t, s, "report", "b", t0.Add(time.Minute))
	mustCreate(t, s, "report", "a", t0.Add(time.Minute))
	mustCreate(t, s, "report", "future", t0.Add(time.Hour))

	due, err := s.GetDue(ctx, t0.Add(5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "a", due[0].InstanceID)
	assert.Equal(t, "b", due[1].InstanceID)
	assert.Equal(t, "late", due[2].InstanceID)

	due, err = s.GetDue(ctx, t0.Add(5*time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestPickSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, s, "email", "user-42", t0)

	picked, err := s.Pick(ctx, e, "node-a", t0)
	require.NoError(t, err)
	require.NotNil(t, picked)
	assert.True(t, picked.Picked)
	assert.Equal(t, "node-a", picked.PickedBy)
	assert.Equal(t, t0, picked.LastHeartbeat)

	loser, err := s.Pick(ctx, e, "node-b", t0)
	require.NoError(t, err)
	assert.Nil(t, loser, "losing a pick race is a nil result, not an error")

	// Picked rows are invisible to the due query.
	due, err := s.GetDue(ctx, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPickConcurrentRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, s, "email", "user-42", t0)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			got, err := s.Pick(ctx, e, name, t0)
			assert.NoError(t, err)
			if got != nil {
				wins <- name
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one of %d racing pickers may win", racers)
}

func TestPickMissingRow(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Pick(context.Background(), Execution{TaskName: "gone", InstanceID: "x"}, "node-a", t0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHeartbeatExtendsOwnClaimOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, s, "email", "user-42", t0)
	_, err := s.Pick(ctx, e, "node-a", t0)
	require.NoError(t, err)

	require.NoError(t, s.UpdateHeartbeat(ctx, e, "node-a", t0.Add(30*time.Second)))
	got, err := s.Get(ctx, "email", "user-42")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Second), got.LastHeartbeat)

	// Dead-execution recovery hands the row back to the fleet...
	require.NoError(t, s.Reschedule(ctx, e, t0.Add(time.Minute), time.Time{}, t0, 1))

	// ...after which the stale owner's heartbeat must not resurrect the claim.
	require.NoError(t, s.UpdateHeartbeat(ctx, e, "node-a", t0.Add(2*time.Minute)))
	got, err = s.Get(ctx, "email", "user-42")
	require.NoError(t, err)
	assert.False(t, got.Picked)
	assert.True(t, got.LastHeartbeat.IsZero())
}

// The full lifecycle from the contract: schedule, claim, lose a concurrent
// claim, reschedule after success, become due again at the new time.
func TestPickRescheduleLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "email", "user-42", t0)

	due, err := s.GetDue(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	picked, err := s.Pick(ctx, due[0], "node-a", t0)
	require.NoError(t, err)
	require.NotNil(t, picked)

	second, err := s.Pick(ctx, due[0], "node-b", t0)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, s.Reschedule(ctx, *picked, t0.Add(time.Hour), t0, time.Time{}, 0))

	due, err = s.GetDue(ctx, t0, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.GetDue(ctx, t0.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	got, err := s.Get(ctx, "email", "user-42")
	require.NoError(t, err)
	assert.False(t, got.Picked)
	assert.Empty(t, got.PickedBy)
	assert.Equal(t, t0, got.LastSuccess)
	assert.True(t, got.LastFailure.IsZero())
}

func TestRescheduleUnlessPicked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RescheduleUnlessPicked(ctx, "email", "missing", t0)
	require.ErrorIs(t, err, ErrNotFound)

	e := mustCreate(t, s, "email", "user-42", t0)
	require.NoError(t, s.RescheduleUnlessPicked(ctx, "email", "user-42", t0.Add(time.Hour)))

	got, err := s.Get(ctx, "email", "user-42")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), got.ExecutionTime)

	_, err = s.Pick(ctx, e, "node-a", t0)
	require.NoError(t, err)
	err = s.RescheduleUnlessPicked(ctx, "email", "user-42", t0.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrExecutionInProgress)
}

func TestRemoveUnlessPicked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RemoveUnlessPicked(ctx, "email", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	e := mustCreate(t, s, "email", "picked", t0)
	_, err = s.Pick(ctx, e, "node-a", t0)
	require.NoError(t, err)
	err = s.RemoveUnlessPicked(ctx, "email", "picked")
	require.ErrorIs(t, err, ErrExecutionInProgress)

	mustCreate(t, s, "email", "free", t0)
	require.NoError(t, s.RemoveUnlessPicked(ctx, "email", "free"))
	_, err = s.Get(ctx, "email", "free")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetDead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := mustCreate(t, s, "email", "stale", t0)
	_, err := s.Pick(ctx, stale, "node-a", t0)
	require.NoError(t, err)

	fresh := mustCreate(t, s, "email", "fresh", t0)
	_, err = s.Pick(ctx, fresh, "node-b", t0.Add(10*time.Minute))
	require.NoError(t, err)

	mustCreate(t, s, "email", "unpicked", t0)

	dead, err := s.GetDead(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "stale", dead[0].InstanceID)
	assert.Equal(t, "node-a", dead[0].PickedBy)
}

func TestFailingLongerThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := t0.Add(10 * time.Minute)

	broken := mustCreate(t, s, "email", "broken", t0)
	require.NoError(t, s.Reschedule(ctx, broken, now, time.Time{}, t0, 3))

	recovered := mustCreate(t, s, "email", "recovered", t0)
	require.NoError(t, s.Reschedule(ctx, recovered, now, now.Add(-time.Minute), t0, 0))

	mustCreate(t, s, "email", "healthy", t0)

	failing, err := s.FailingLongerThan(ctx, now, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, failing, 1)
	assert.Equal(t, "broken", failing[0].InstanceID)
	assert.Equal(t, 3, failing[0].ConsecutiveFailures)
}
