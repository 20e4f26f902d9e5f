package storage

import (
	"context"

	"checkinbox/internal/models"
)

// Store is the persistence collaborator: whole-document get/put with
// "missing document means empty" semantics. Implementations must serialize
// writers; readers may see slightly stale snapshots.
type Store interface {
	LoadAccounts(ctx context.Context) ([]models.Account, error)
	// SaveAccount upserts by phone.
	SaveAccount(ctx context.Context, acct models.Account) error
	DeleteAccount(ctx context.Context, phone string) error

	LoadScheduledTasks(ctx context.Context) ([]models.ScheduledTask, error)
	SaveScheduledTasks(ctx context.Context, tasks []models.ScheduledTask) error
	// MutateScheduledTasks applies fn to the current document and persists
	// the result as one atomic step under the store's writer lock. Callers
	// that read-modify-write through separate Load/Save calls race with each
	// other and lose updates. An error from fn aborts without writing.
	MutateScheduledTasks(ctx context.Context, fn func(tasks []models.ScheduledTask) ([]models.ScheduledTask, error)) error

	LoadMonitorTasks(ctx context.Context) ([]models.MonitorTask, error)
	SaveMonitorTasks(ctx context.Context, tasks []models.MonitorTask) error
	// MutateMonitorTasks: same contract as MutateScheduledTasks.
	MutateMonitorTasks(ctx context.Context, fn func(tasks []models.MonitorTask) ([]models.MonitorTask, error)) error

	// Locations is the shared geo preset list scheduled tasks may index into.
	LoadLocations(ctx context.Context) ([]models.GeoPreset, error)
	SaveLocations(ctx context.Context, locs []models.GeoPreset) error

	LoadStats(ctx context.Context) (map[string]*models.AccountStats, error)
	SaveStats(ctx context.Context, stats map[string]*models.AccountStats) error
}

// FindAccount is a convenience lookup over LoadAccounts.
func FindAccount(ctx context.Context, s Store, phone string) (models.Account, bool, error) {
	accts, err := s.LoadAccounts(ctx)
	if err != nil {
		return models.Account{}, false, err
	}
	for _, a := range accts {
		if a.Phone == phone {
			return a, true, nil
		}
	}
	return models.Account{}, false, nil
}
