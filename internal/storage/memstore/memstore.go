package memstore

import (
	"context"
	"sync"

	"checkinbox/internal/models"
)

// Storage is a map-backed Store. Tests lean on it, and it also serves as the
// reference semantics the file and postgres backends must match. FailWith
// makes every call return the given error, for exercising degraded paths.
type Storage struct {
	mu sync.Mutex

	accounts  []models.Account
	scheduled []models.ScheduledTask
	monitors  []models.MonitorTask
	locations []models.GeoPreset
	stats     map[string]*models.AccountStats

	failErr     error
	failSaveErr error
}

func New() *Storage {
	return &Storage{stats: make(map[string]*models.AccountStats)}
}

// FailWith makes every subsequent call fail with err; nil restores normal
// operation.
func (s *Storage) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// FailSavesWith fails only the write operations, leaving reads working.
func (s *Storage) FailSavesWith(err error) {
	s.mu.Lock()
	s.failSaveErr = err
	s.mu.Unlock()
}

func (s *Storage) saveErr() error {
	if s.failErr != nil {
		return s.failErr
	}
	return s.failSaveErr
}

func (s *Storage) LoadAccounts(_ context.Context) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]models.Account, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}

func (s *Storage) SaveAccount(_ context.Context, acct models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr(); err != nil {
		return err
	}
	for i := range s.accounts {
		if s.accounts[i].Phone == acct.Phone {
			s.accounts[i] = acct
			return nil
		}
	}
	s.accounts = append(s.accounts, acct)
	return nil
}

func (s *Storage) DeleteAccount(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	kept := s.accounts[:0]
	for _, a := range s.accounts {
		if a.Phone != phone {
			kept = append(kept, a)
		}
	}
	s.accounts = kept
	return nil
}

func (s *Storage) LoadScheduledTasks(_ context.Context) ([]models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]models.ScheduledTask, len(s.scheduled))
	copy(out, s.scheduled)
	return out, nil
}

func (s *Storage) SaveScheduledTasks(_ context.Context, tasks []models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr(); err != nil {
		return err
	}
	s.scheduled = make([]models.ScheduledTask, len(tasks))
	copy(s.scheduled, tasks)
	return nil
}

func (s *Storage) MutateScheduledTasks(_ context.Context, fn func([]models.ScheduledTask) ([]models.ScheduledTask, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	cur := make([]models.ScheduledTask, len(s.scheduled))
	copy(cur, s.scheduled)
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if err := s.saveErr(); err != nil {
		return err
	}
	s.scheduled = make([]models.ScheduledTask, len(next))
	copy(s.scheduled, next)
	return nil
}

func (s *Storage) LoadMonitorTasks(_ context.Context) ([]models.MonitorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]models.MonitorTask, len(s.monitors))
	copy(out, s.monitors)
	return out, nil
}

func (s *Storage) SaveMonitorTasks(_ context.Context, tasks []models.MonitorTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr(); err != nil {
		return err
	}
	s.monitors = make([]models.MonitorTask, len(tasks))
	copy(s.monitors, tasks)
	return nil
}

func (s *Storage) MutateMonitorTasks(_ context.Context, fn func([]models.MonitorTask) ([]models.MonitorTask, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	cur := make([]models.MonitorTask, len(s.monitors))
	copy(cur, s.monitors)
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if err := s.saveErr(); err != nil {
		return err
	}
	s.monitors = make([]models.MonitorTask, len(next))
	copy(s.monitors, next)
	return nil
}

func (s *Storage) LoadLocations(_ context.Context) ([]models.GeoPreset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]models.GeoPreset, len(s.locations))
	copy(out, s.locations)
	return out, nil
}

func (s *Storage) SaveLocations(_ context.Context, locs []models.GeoPreset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr(); err != nil {
		return err
	}
	s.locations = make([]models.GeoPreset, len(locs))
	copy(s.locations, locs)
	return nil
}

func (s *Storage) LoadStats(_ context.Context) (map[string]*models.AccountStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make(map[string]*models.AccountStats, len(s.stats))
	for k, v := range s.stats {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (s *Storage) SaveStats(_ context.Context, stats map[string]*models.AccountStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr(); err != nil {
		return err
	}
	s.stats = make(map[string]*models.AccountStats, len(stats))
	for k, v := range stats {
		cp := *v
		s.stats[k] = &cp
	}
	return nil
}
