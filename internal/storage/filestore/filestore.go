package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"checkinbox/internal/models"
)

const (
	accountsFile  = "accounts.json"
	scheduleFile  = "schedule_tasks.json"
	monitorFile   = "monitor_tasks.json"
	locationsFile = "locations.json"
	statsFile     = "stats.json"
)

// Storage keeps every document as a pretty-printed JSON file in a single
// directory. Writes go through a temp file rename so a crash never leaves a
// half-written document behind.
type Storage struct {
	dir string

	mu sync.Mutex
}

func New(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	return &Storage{dir: dir}, nil
}

func (s *Storage) LoadAccounts(_ context.Context) ([]models.Account, error) {
	var out []models.Account
	if err := s.read(accountsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveAccount(ctx context.Context, acct models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accts, err := s.loadAccountsLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range accts {
		if accts[i].Phone == acct.Phone {
			accts[i] = acct
			replaced = true
			break
		}
	}
	if !replaced {
		accts = append(accts, acct)
	}
	return s.write(accountsFile, accts)
}

func (s *Storage) DeleteAccount(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accts, err := s.loadAccountsLocked()
	if err != nil {
		return err
	}
	kept := accts[:0]
	for _, a := range accts {
		if a.Phone != phone {
			kept = append(kept, a)
		}
	}
	return s.write(accountsFile, kept)
}

func (s *Storage) LoadScheduledTasks(_ context.Context) ([]models.ScheduledTask, error) {
	var out []models.ScheduledTask
	if err := s.read(scheduleFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveScheduledTasks(_ context.Context, tasks []models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(scheduleFile, tasks)
}

func (s *Storage) MutateScheduledTasks(_ context.Context, fn func([]models.ScheduledTask) ([]models.ScheduledTask, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []models.ScheduledTask
	if err := s.read(scheduleFile, &tasks); err != nil {
		return err
	}
	tasks, err := fn(tasks)
	if err != nil {
		return err
	}
	return s.write(scheduleFile, tasks)
}

func (s *Storage) LoadMonitorTasks(_ context.Context) ([]models.MonitorTask, error) {
	var out []models.MonitorTask
	if err := s.read(monitorFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveMonitorTasks(_ context.Context, tasks []models.MonitorTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(monitorFile, tasks)
}

func (s *Storage) MutateMonitorTasks(_ context.Context, fn func([]models.MonitorTask) ([]models.MonitorTask, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []models.MonitorTask
	if err := s.read(monitorFile, &tasks); err != nil {
		return err
	}
	tasks, err := fn(tasks)
	if err != nil {
		return err
	}
	return s.write(monitorFile, tasks)
}

func (s *Storage) LoadLocations(_ context.Context) ([]models.GeoPreset, error) {
	var out []models.GeoPreset
	if err := s.read(locationsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveLocations(_ context.Context, locs []models.GeoPreset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(locationsFile, locs)
}

func (s *Storage) LoadStats(_ context.Context) (map[string]*models.AccountStats, error) {
	out := make(map[string]*models.AccountStats)
	if err := s.read(statsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveStats(_ context.Context, stats map[string]*models.AccountStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(statsFile, stats)
}

func (s *Storage) loadAccountsLocked() ([]models.Account, error) {
	var out []models.Account
	if err := s.read(accountsFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) read(name string, v any) error {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read %s", name)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "decode %s", name)
	}
	return nil
}

func (s *Storage) write(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}

	dst := filepath.Join(s.dir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.Wrapf(err, "rename %s", name)
	}
	return nil
}
