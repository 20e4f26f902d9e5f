package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"checkinbox/internal/models"
	"checkinbox/internal/services/signer"
	"checkinbox/internal/storage"
)

// Attempter runs one sign attempt for one account.
type Attempter interface {
	AttemptByPhone(ctx context.Context, phone string, req signer.Request) (models.Outcome, error)
}

// maxConsecutiveTickErrors is the self-heal threshold: after this many failed
// ticks in a row the in-memory registry is rebuilt from storage.
const maxConsecutiveTickErrors = 5

type job struct {
	task models.ScheduledTask
	next time.Time
}

// Scheduler drives recurring check-in tasks off a one-second tick. The task
// list lives in storage; the scheduler keeps an in-memory registry of fire
// times and rebuilds it after any mutation.
type Scheduler struct {
	store   storage.Store
	signer  Attempter
	log     *slog.Logger
	loc     *time.Location
	tickDur time.Duration
	now     func() time.Time

	mu       sync.Mutex
	jobs     map[string]*job
	tickErrs int

	triggerCh chan struct{}

	startedAtUnixNano int64
	lastTickUnixNano  atomic.Int64
	totalFired        atomic.Int64
	totalTickErrors   atomic.Int64
	totalRebuilds     atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(store storage.Store, att Attempter, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:             store,
		signer:            att,
		log:               log,
		loc:               time.Local,
		tickDur:           time.Second,
		now:               time.Now,
		jobs:              make(map[string]*job),
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Scheduler) WithLocation(loc *time.Location) *Scheduler {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) WithTick(d time.Duration) *Scheduler {
	if d > 0 {
		s.tickDur = d
	}
	return s
}

// Trigger forces an immediate tick (best-effort, non-blocking).
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastTickAt      *time.Time `json:"lastTickAt,omitempty"`
	Jobs            int        `json:"jobs"`
	TotalFired      int64      `json:"totalFired"`
	TotalTickErrors int64      `json:"totalTickErrors"`
	TotalRebuilds   int64      `json:"totalRebuilds"`
	LastError       string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	jobs := len(s.jobs)
	s.mu.Unlock()

	st := Stats{
		StartedAt:       time.Unix(0, s.startedAtUnixNano).UTC(),
		Jobs:            jobs,
		TotalFired:      s.totalFired.Load(),
		TotalTickErrors: s.totalTickErrors.Load(),
		TotalRebuilds:   s.totalRebuilds.Load(),
	}
	if n := s.lastTickUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTickAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

// Run ticks until ctx is cancelled. Tick failures never stop the loop: after
// maxConsecutiveTickErrors failures in a row the registry is rebuilt from
// storage and the counter resets.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Rebuild(ctx); err != nil {
		return err
	}

	t := time.NewTicker(s.tickDur)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		case <-s.triggerCh:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().In(s.loc)
	s.lastTickUnixNano.Store(now.UnixNano())

	if err := s.tickOnce(ctx, now); err != nil {
		s.totalTickErrors.Add(1)
		s.lastErrorMu.Lock()
		s.lastError = err.Error()
		s.lastErrorMu.Unlock()
		s.log.Error("scheduler tick failed", "err", err)

		s.mu.Lock()
		s.tickErrs++
		heal := s.tickErrs >= maxConsecutiveTickErrors
		if heal {
			s.tickErrs = 0
		}
		s.mu.Unlock()

		if heal {
			s.log.Warn("too many consecutive tick errors, rebuilding task registry")
			if err := s.Rebuild(ctx); err != nil {
				s.log.Error("registry rebuild failed", "err", err)
			}
		}
		return
	}

	s.mu.Lock()
	s.tickErrs = 0
	s.mu.Unlock()
}

func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) error {
	due := s.claimDue(now)
	for _, task := range due {
		if err := s.fire(ctx, task, now); err != nil {
			return err
		}
	}
	return nil
}

// claimDue pops tasks whose fire time has passed and advances their next
// fire time so a slow run never double-fires.
func (s *Scheduler) claimDue(now time.Time) []models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.ScheduledTask
	for _, j := range s.jobs {
		if j.next.IsZero() || j.next.After(now) {
			continue
		}
		due = append(due, j.task)
		j.next = nextFire(j.task, now, s.loc)
	}
	return due
}

// fire runs the task for every listed account, strictly in order. One
// account's failure never prevents the next account's attempt.
func (s *Scheduler) fire(ctx context.Context, task models.ScheduledTask, now time.Time) error {
	s.totalFired.Add(1)
	s.log.Info("scheduled task firing", "task_id", task.ID, "name", task.Name, "accounts", len(task.Phones))

	req, err := s.buildRequest(ctx, task)
	if err != nil {
		return err
	}

	run := models.TaskRun{Time: now.UTC(), Success: true}
	succeeded := 0
	for _, phone := range task.Phones {
		out, err := s.signer.AttemptByPhone(ctx, phone, req)
		sub := models.SubAttempt{Target: phone}
		switch {
		case err != nil:
			sub.Kind = models.OutcomeRemoteUnknown
			sub.Message = err.Error()
		default:
			sub.Kind = out.Kind
			sub.Message = out.Message
			if out.Success {
				succeeded++
			}
		}
		if sub.Kind != models.OutcomeSuccess && !sub.Kind.Idle() {
			run.Success = false
		}
		run.Details = append(run.Details, sub)

		if ctx.Err() != nil {
			run.Success = false
			run.Message = "run cancelled"
			break
		}
	}
	if run.Message == "" {
		run.Message = fmt.Sprintf("%d/%d accounts signed", succeeded, len(task.Phones))
	}

	return s.recordRun(ctx, task.ID, run)
}

func (s *Scheduler) buildRequest(ctx context.Context, task models.ScheduledTask) (signer.Request, error) {
	req := signer.Request{
		Source:       "schedule",
		RandomOffset: task.RandomOffset,
		Location:     task.Location,
	}
	if req.Location == nil && task.LocationIndex != nil {
		locs, err := s.store.LoadLocations(ctx)
		if err != nil {
			return req, errors.Wrap(err, "load locations")
		}
		if i := *task.LocationIndex; i >= 0 && i < len(locs) {
			req.Location = &locs[i]
		}
	}
	return req, nil
}

func (s *Scheduler) recordRun(ctx context.Context, taskID string, run models.TaskRun) error {
	err := s.store.MutateScheduledTasks(ctx, func(tasks []models.ScheduledTask) ([]models.ScheduledTask, error) {
		for i := range tasks {
			if tasks[i].ID == taskID {
				tasks[i].LastRun = &run
				break
			}
		}
		return tasks, nil
	})
	if err != nil {
		return errors.Wrap(err, "record run")
	}

	s.mu.Lock()
	if j, ok := s.jobs[taskID]; ok {
		j.task.LastRun = &run
	}
	s.mu.Unlock()
	return nil
}

// Rebuild reloads the registry from storage and recomputes every fire time.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	tasks, err := s.store.LoadScheduledTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "load tasks")
	}
	now := s.now().In(s.loc)

	jobs := make(map[string]*job, len(tasks))
	for _, t := range tasks {
		if !t.Active {
			continue
		}
		jobs[t.ID] = &job{task: t, next: nextFire(t, now, s.loc)}
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	s.totalRebuilds.Add(1)
	s.log.Info("task registry rebuilt", "jobs", len(jobs))
	return nil
}

// Create stores a new task and registers it. A missing id gets a fresh uuid.
func (s *Scheduler) Create(ctx context.Context, task models.ScheduledTask) (models.ScheduledTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := validate(task); err != nil {
		return task, err
	}

	err := s.store.MutateScheduledTasks(ctx, func(tasks []models.ScheduledTask) ([]models.ScheduledTask, error) {
		for _, t := range tasks {
			if t.ID == task.ID {
				return nil, errors.Errorf("task %s already exists", task.ID)
			}
		}
		return append(tasks, task), nil
	})
	if err != nil {
		return task, err
	}
	return task, s.Rebuild(ctx)
}

func (s *Scheduler) Update(ctx context.Context, task models.ScheduledTask) error {
	if err := validate(task); err != nil {
		return err
	}

	err := s.store.MutateScheduledTasks(ctx, func(tasks []models.ScheduledTask) ([]models.ScheduledTask, error) {
		for i := range tasks {
			if tasks[i].ID == task.ID {
				task.LastRun = tasks[i].LastRun
				tasks[i] = task
				return tasks, nil
			}
		}
		return nil, errors.Errorf("task %s not found", task.ID)
	})
	if err != nil {
		return err
	}
	return s.Rebuild(ctx)
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	err := s.store.MutateScheduledTasks(ctx, func(tasks []models.ScheduledTask) ([]models.ScheduledTask, error) {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		if len(kept) == len(tasks) {
			return nil, errors.Errorf("task %s not found", id)
		}
		return kept, nil
	})
	if err != nil {
		return err
	}
	return s.Rebuild(ctx)
}

// RunNow fires the task immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	tasks, err := s.store.LoadScheduledTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "load tasks")
	}
	for _, t := range tasks {
		if t.ID == id {
			return s.fire(ctx, t, s.now().In(s.loc))
		}
	}
	return errors.Errorf("task %s not found", id)
}

func validate(task models.ScheduledTask) error {
	if len(task.Phones) == 0 {
		return errors.New("task has no accounts")
	}
	switch task.Trigger {
	case models.TriggerDaily:
		return validateAt(task.At)
	case models.TriggerWeekly:
		if len(task.Days) == 0 {
			return errors.New("weekly task has no days")
		}
		return validateAt(task.At)
	case models.TriggerInterval:
		if task.EverySeconds <= 0 {
			return errors.New("interval task needs everySeconds > 0")
		}
		return nil
	default:
		return errors.Errorf("unknown trigger %q", task.Trigger)
	}
}

func validateAt(at string) error {
	if _, _, err := parseAt(at); err != nil {
		return err
	}
	return nil
}

func parseAt(at string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(at, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, errors.Errorf("bad time %q, want HH:MM", at)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.Errorf("bad time %q, want HH:MM", at)
	}
	return hour, minute, nil
}

// nextFire returns the first instant strictly after now when the task should
// fire, or zero for tasks it cannot place.
func nextFire(task models.ScheduledTask, now time.Time, loc *time.Location) time.Time {
	switch task.Trigger {
	case models.TriggerDaily:
		h, m, err := parseAt(task.At)
		if err != nil {
			return time.Time{}
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case models.TriggerWeekly:
		h, m, err := parseAt(task.At)
		if err != nil || len(task.Days) == 0 {
			return time.Time{}
		}
		days := make(map[time.Weekday]bool, len(task.Days))
		for _, d := range task.Days {
			days[d] = true
		}
		for add := 0; add < 8; add++ {
			day := now.AddDate(0, 0, add)
			if !days[day.Weekday()] {
				continue
			}
			next := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc)
			if next.After(now) {
				return next
			}
		}
		return time.Time{}

	case models.TriggerInterval:
		if task.EverySeconds <= 0 {
			return time.Time{}
		}
		return now.Add(time.Duration(task.EverySeconds) * time.Second)

	default:
		return time.Time{}
	}
}
