package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"checkinbox/internal/models"
	"checkinbox/internal/services/signer"
	"checkinbox/internal/storage/memstore"
)

type fakeAttempter struct {
	mu       sync.Mutex
	outcome  models.Outcome
	err      error
	calls    atomic.Int32
	requests []signer.Request
}

func (f *fakeAttempter) AttemptByPhone(_ context.Context, phone string, req signer.Request) (models.Outcome, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	out, err := f.outcome, f.err
	f.mu.Unlock()
	return out, err
}

type fakeLimiter struct {
	allow atomic.Bool
	calls atomic.Int32
}

func (l *fakeLimiter) Allow(context.Context, string, int64, time.Duration) (bool, int64, error) {
	l.calls.Add(1)
	return l.allow.Load(), 1, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func watchTask(id string) models.MonitorTask {
	return models.MonitorTask{
		ID:              id,
		Phone:           "13800000000",
		Courses:         []models.CourseRef{{CourseID: "1", ClassID: "2"}},
		IntervalSeconds: 1,
		Active:          true,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStart_AtMostOneWorkerPerTask(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeNoActivity, "quiet")}
	m := New(store, att, testLogger())
	defer m.StopAll()

	ctx := context.Background()
	task := watchTask("w1")
	require.NoError(t, store.SaveMonitorTasks(ctx, []models.MonitorTask{task}))

	m.Start(ctx, task)
	m.Start(ctx, task)
	m.Start(ctx, task)

	require.Equal(t, 1, m.Stats().Workers)
	require.True(t, m.Running("w1"))
}

func TestStartAll_LaunchesOnlyActiveTasks(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeNoActivity, "quiet")}
	m := New(store, att, testLogger())
	defer m.StopAll()

	ctx := context.Background()
	inactive := watchTask("w2")
	inactive.Active = false
	require.NoError(t, store.SaveMonitorTasks(ctx, []models.MonitorTask{watchTask("w1"), inactive}))

	require.NoError(t, m.StartAll(ctx))
	require.Equal(t, 1, m.Stats().Workers)
	require.True(t, m.Running("w1"))
	require.False(t, m.Running("w2"))
}

func TestStop_WorkerGoesAway(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeNoActivity, "quiet")}
	m := New(store, att, testLogger())

	ctx := context.Background()
	m.Start(ctx, watchTask("w1"))
	require.True(t, m.Running("w1"))

	m.Stop("w1")
	require.False(t, m.Running("w1"))
	require.Zero(t, m.Stats().Workers)

	// Повторный Stop безопасен.
	m.Stop("w1")
}

func TestWatch_RecordsLastCheckAndSign(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeSuccess, "success")}
	m := New(store, att, testLogger())
	defer m.StopAll()

	ctx := context.Background()
	task := watchTask("w1")
	require.NoError(t, store.SaveMonitorTasks(ctx, []models.MonitorTask{task}))

	m.Start(ctx, task)
	waitFor(t, func() bool { return att.calls.Load() >= 1 })
	waitFor(t, func() bool {
		tasks, err := store.LoadMonitorTasks(ctx)
		require.NoError(t, err)
		return tasks[0].LastCheck != nil && tasks[0].LastSign != nil
	})
	require.GreaterOrEqual(t, m.Stats().TotalSigns, int64(1))
}

func TestWatch_RecordDoesNotResurrectDeletedSibling(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeNoActivity, "quiet")}
	m := New(store, att, testLogger())
	defer m.StopAll()

	ctx := context.Background()
	watched := watchTask("w1")
	sibling := watchTask("w2")
	sibling.Active = false
	require.NoError(t, store.SaveMonitorTasks(ctx, []models.MonitorTask{watched, sibling}))

	m.Start(ctx, watched)
	waitFor(t, func() bool {
		tasks, err := store.LoadMonitorTasks(ctx)
		require.NoError(t, err)
		return tasks[0].LastCheck != nil
	})

	// Админ удаляет w2, пока воркер w1 продолжает штамповать last_check.
	deletedAt := time.Now()
	require.NoError(t, store.MutateMonitorTasks(ctx, func(tasks []models.MonitorTask) ([]models.MonitorTask, error) {
		kept := tasks[:0]
		for _, task := range tasks {
			if task.ID != "w2" {
				kept = append(kept, task)
			}
		}
		return kept, nil
	}))

	// Ждем штамп, записанный уже после удаления.
	waitFor(t, func() bool {
		tasks, err := store.LoadMonitorTasks(ctx)
		require.NoError(t, err)
		return len(tasks) > 0 && tasks[0].LastCheck != nil && tasks[0].LastCheck.After(deletedAt)
	})

	tasks, err := store.LoadMonitorTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "w1", tasks[0].ID)
}

func TestWatch_PassesCoursesAndDelays(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeNoActivity, "quiet")}
	m := New(store, att, testLogger())
	defer m.StopAll()

	task := watchTask("w1")
	task.DelayMinSeconds = 3
	task.DelayMaxSeconds = 7
	m.Start(context.Background(), task)

	waitFor(t, func() bool { return att.calls.Load() >= 1 })
	att.mu.Lock()
	req := att.requests[0]
	att.mu.Unlock()
	require.Equal(t, "monitor", req.Source)
	require.Equal(t, []models.CourseRef{{CourseID: "1", ClassID: "2"}}, req.Courses)
	require.Equal(t, 3*time.Second, req.DelayMin)
	require.Equal(t, 7*time.Second, req.DelayMax)
}

func TestWatch_SurvivesAttemptErrors(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{err: errors.New("upstream down")}
	m := New(store, att, testLogger())
	defer m.StopAll()

	m.Start(context.Background(), watchTask("w1"))
	waitFor(t, func() bool { return att.calls.Load() >= 2 })
	require.True(t, m.Running("w1"), "worker stays alive through failures")
	require.GreaterOrEqual(t, m.Stats().TotalErrors, int64(2))
}

func TestWatch_RateLimiterSkipsProbes(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeNoActivity, "quiet")}
	rl := &fakeLimiter{}
	m := New(store, att, testLogger()).WithRateLimiter(rl, 10, time.Minute)
	defer m.StopAll()

	m.Start(context.Background(), watchTask("w1"))
	waitFor(t, func() bool { return rl.calls.Load() >= 2 })
	require.Zero(t, att.calls.Load(), "no probes while the limiter denies")

	rl.allow.Store(true)
	waitFor(t, func() bool { return att.calls.Load() >= 1 })
}

func TestStopAll(t *testing.T) {
	store := memstore.New()
	att := &fakeAttempter{outcome: models.NewOutcome(models.OutcomeNoActivity, "quiet")}
	m := New(store, att, testLogger())

	ctx := context.Background()
	m.Start(ctx, watchTask("a"))
	m.Start(ctx, watchTask("b"))
	require.Equal(t, 2, m.Stats().Workers)

	m.StopAll()
	require.Zero(t, m.Stats().Workers)
}
