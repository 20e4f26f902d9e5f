package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"checkinbox/internal/cache"
	"checkinbox/internal/models"
	"checkinbox/internal/services/signer"
	"checkinbox/internal/storage"
)

// Attempter runs one sign attempt for one account.
type Attempter interface {
	AttemptByPhone(ctx context.Context, phone string, req signer.Request) (models.Outcome, error)
}

// joinTimeout bounds how long Stop waits for a worker to wind down before
// abandoning it. An abandoned worker still sees its cancelled context and
// exits on its own.
const joinTimeout = 5 * time.Second

type worker struct {
	task   models.MonitorTask
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager keeps one background watch loop per monitor task. Starting a task
// that already has a live worker replaces it, so at most one worker ever runs
// per task id.
type Manager struct {
	store  storage.Store
	signer Attempter
	rl     cache.RateLimiter
	log    *slog.Logger

	// probe limit per account per window
	probeLimit  int64
	probeWindow time.Duration

	mu      sync.Mutex
	workers map[string]*worker

	totalChecks atomic.Int64
	totalSigns  atomic.Int64
	totalErrors atomic.Int64
}

func New(store storage.Store, att Attempter, log *slog.Logger) *Manager {
	return &Manager{
		store:       store,
		signer:      att,
		rl:          cache.Noop{},
		log:         log,
		probeLimit:  12,
		probeWindow: time.Minute,
		workers:     make(map[string]*worker),
	}
}

func (m *Manager) WithRateLimiter(rl cache.RateLimiter, limit int64, window time.Duration) *Manager {
	if rl != nil {
		m.rl = rl
	}
	if limit > 0 {
		m.probeLimit = limit
	}
	if window > 0 {
		m.probeWindow = window
	}
	return m
}

type Stats struct {
	Workers     int   `json:"workers"`
	TotalChecks int64 `json:"totalChecks"`
	TotalSigns  int64 `json:"totalSigns"`
	TotalErrors int64 `json:"totalErrors"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := len(m.workers)
	m.mu.Unlock()
	return Stats{
		Workers:     n,
		TotalChecks: m.totalChecks.Load(),
		TotalSigns:  m.totalSigns.Load(),
		TotalErrors: m.totalErrors.Load(),
	}
}

// Running reports whether a live worker exists for the task.
func (m *Manager) Running(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[taskID]
	return ok
}

// StartAll launches workers for every active monitor task in storage.
func (m *Manager) StartAll(ctx context.Context) error {
	tasks, err := m.store.LoadMonitorTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "load monitor tasks")
	}
	for _, t := range tasks {
		if t.Active {
			m.Start(ctx, t)
		}
	}
	return nil
}

// Start launches a watch loop for the task, first stopping any previous
// worker with the same id.
func (m *Manager) Start(ctx context.Context, task models.MonitorTask) {
	m.Stop(task.ID)

	wctx, cancel := context.WithCancel(ctx)
	w := &worker{task: task, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.workers[task.ID] = w
	m.mu.Unlock()

	go func() {
		defer close(w.done)
		defer m.forget(task.ID, w)
		m.watch(wctx, task)
	}()

	m.log.Info("monitor worker started", "task_id", task.ID, "phone", task.Phone, "interval", task.Interval())
}

// Stop cancels the task's worker, if any, and waits up to joinTimeout for it
// to finish.
func (m *Manager) Stop(taskID string) {
	m.mu.Lock()
	w, ok := m.workers[taskID]
	if ok {
		delete(m.workers, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(joinTimeout):
		m.log.Warn("monitor worker did not stop in time", "task_id", taskID)
	}
}

// StopAll winds down every worker.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// forget removes the registry entry only if it still points at this worker,
// so a replacement started meanwhile is never evicted.
func (m *Manager) forget(taskID string, w *worker) {
	m.mu.Lock()
	if cur, ok := m.workers[taskID]; ok && cur == w {
		delete(m.workers, taskID)
	}
	m.mu.Unlock()
}

// watch is the worker loop: probe, maybe sign, sleep, repeat. Failures are
// logged and the loop keeps going; only context cancellation ends it.
func (m *Manager) watch(ctx context.Context, task models.MonitorTask) {
	log := m.log.With("task_id", task.ID, "phone", task.Phone)

	for {
		if ctx.Err() != nil {
			log.Info("monitor worker stopped")
			return
		}

		m.checkOnce(ctx, log, task)

		if !sleepCtx(ctx, task.Interval()) {
			log.Info("monitor worker stopped")
			return
		}
	}
}

func (m *Manager) checkOnce(ctx context.Context, log *slog.Logger, task models.MonitorTask) {
	ok, n, err := m.rl.Allow(ctx, "checkin:probe:"+task.Phone, m.probeLimit, m.probeWindow)
	if err != nil {
		// Лимитер недоступен: продолжаем без него.
		log.Debug("probe rate limiter unavailable", "err", err)
	} else if !ok {
		log.Debug("probe skipped, local rate limit", "count", n)
		return
	}

	m.totalChecks.Add(1)
	now := time.Now().UTC()

	out, err := m.signer.AttemptByPhone(ctx, task.Phone, signer.Request{
		Source:   "monitor",
		Courses:  task.Courses,
		DelayMin: time.Duration(task.DelayMinSeconds) * time.Second,
		DelayMax: time.Duration(task.DelayMaxSeconds) * time.Second,
	})
	if err != nil {
		m.totalErrors.Add(1)
		log.Warn("monitor check failed", "err", err)
		m.record(ctx, task.ID, now, false)
		return
	}

	signed := false
	switch {
	case out.Success:
		m.totalSigns.Add(1)
		signed = true
		log.Info("monitor signed in", "active_id", activeID(out))
	case out.Kind.Idle():
		// Тихий цикл: ничего подписывать не нужно.
	default:
		m.totalErrors.Add(1)
		log.Warn("monitor attempt failed", "outcome", string(out.Kind), "msg", out.Message)
	}
	m.record(ctx, task.ID, now, signed)
}

// record updates last_check (and last_sign on success) on the stored task.
// Best effort: storage trouble must not kill the watch loop. The stamp goes
// through the store's atomic mutate so a concurrent admin edit or delete is
// never overwritten with the worker's stale snapshot.
func (m *Manager) record(ctx context.Context, taskID string, at time.Time, signed bool) {
	err := m.store.MutateMonitorTasks(ctx, func(tasks []models.MonitorTask) ([]models.MonitorTask, error) {
		for i := range tasks {
			if tasks[i].ID != taskID {
				continue
			}
			tasks[i].LastCheck = &at
			if signed {
				tasks[i].LastSign = &at
			}
			break
		}
		return tasks, nil
	})
	if err != nil {
		m.log.Debug("record monitor check", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func activeID(out models.Outcome) string {
	if out.Event == nil {
		return ""
	}
	return out.Event.ActiveID
}
