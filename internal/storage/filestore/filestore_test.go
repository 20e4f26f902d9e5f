package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"checkinbox/internal/models"
)

func newStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestMissingFilesMeanEmpty(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	accts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Empty(t, accts)

	tasks, err := s.LoadScheduledTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)

	stats, err := s.LoadStats(ctx)
	require.NoError(t, err)
	require.Empty(t, stats)
}

func TestSaveAccount_Upserts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, models.Account{Phone: "111", Username: "old"}))
	require.NoError(t, s.SaveAccount(ctx, models.Account{Phone: "222"}))
	require.NoError(t, s.SaveAccount(ctx, models.Account{Phone: "111", Username: "new"}))

	accts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	require.Equal(t, "new", accts[0].Username)
}

func TestDeleteAccount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, models.Account{Phone: "111"}))
	require.NoError(t, s.SaveAccount(ctx, models.Account{Phone: "222"}))
	require.NoError(t, s.DeleteAccount(ctx, "111"))

	accts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 1)
	require.Equal(t, "222", accts[0].Phone)
}

func TestScheduledTasksRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := models.TaskRun{Time: time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC), Success: true, Message: "1/1 accounts signed"}
	in := []models.ScheduledTask{{
		ID:      "t1",
		Trigger: models.TriggerWeekly,
		At:      "08:30",
		Days:    []time.Weekday{time.Monday, time.Friday},
		Phones:  []string{"111"},
		Active:  true,
		LastRun: &run,
	}}
	require.NoError(t, s.SaveScheduledTasks(ctx, in))

	out, err := s.LoadScheduledTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMonitorTasksAndLocationsRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mt := []models.MonitorTask{{ID: "m1", Phone: "111", IntervalSeconds: 15, Active: true}}
	require.NoError(t, s.SaveMonitorTasks(ctx, mt))
	gotMT, err := s.LoadMonitorTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, mt, gotMT)

	locs := []models.GeoPreset{{Longitude: 37.61, Latitude: 55.75, Address: "Аудитория 1"}}
	require.NoError(t, s.SaveLocations(ctx, locs))
	gotLocs, err := s.LoadLocations(ctx)
	require.NoError(t, err)
	require.Equal(t, locs, gotLocs)
}

func TestStatsRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	in := map[string]*models.AccountStats{
		"111": {Phone: "111", Total: 3, Succeeded: 2, Failed: 1, LastKind: "success"},
	}
	require.NoError(t, s.SaveStats(ctx, in))
	out, err := s.LoadStats(ctx)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMutateMonitorTasks_SerializesConcurrentWriters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Каждый писатель добавляет свою задачу; при гонке load-modify-save
	// часть из них потерялась бы.
	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := s.MutateMonitorTasks(ctx, func(tasks []models.MonitorTask) ([]models.MonitorTask, error) {
				return append(tasks, models.MonitorTask{
					ID:    fmt.Sprintf("m%d", n),
					Phone: "13800000000",
				}), nil
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tasks, err := s.LoadMonitorTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, writers)
}

func TestMutateMonitorTasks_StampSurvivesInterleavedDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMonitorTasks(ctx, []models.MonitorTask{
		{ID: "t1", Phone: "111"},
		{ID: "t2", Phone: "222"},
	}))

	now := time.Now()
	stamp := func() error {
		return s.MutateMonitorTasks(ctx, func(tasks []models.MonitorTask) ([]models.MonitorTask, error) {
			for i := range tasks {
				if tasks[i].ID == "t1" {
					tasks[i].LastCheck = &now
				}
			}
			return tasks, nil
		})
	}
	del := func() error {
		return s.MutateMonitorTasks(ctx, func(tasks []models.MonitorTask) ([]models.MonitorTask, error) {
			kept := tasks[:0]
			for _, task := range tasks {
				if task.ID != "t2" {
					kept = append(kept, task)
				}
			}
			return kept, nil
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); require.NoError(t, stamp()) }()
	go func() { defer wg.Done(); require.NoError(t, del()) }()
	wg.Wait()

	// В любом порядке: t2 удалена и не воскресает, штамп t1 на месте.
	tasks, err := s.LoadMonitorTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)
	require.NotNil(t, tasks[0].LastCheck)
}

func TestMutateScheduledTasks_ErrorAbortsWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveScheduledTasks(ctx, []models.ScheduledTask{{ID: "t1"}}))

	boom := errors.New("duplicate id")
	err := s.MutateScheduledTasks(ctx, func(tasks []models.ScheduledTask) ([]models.ScheduledTask, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	tasks, err := s.LoadScheduledTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveAccount(context.Background(), models.Account{Phone: "111"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, ".tmp", filepath.Ext(e.Name()))
	}
}

func TestCorruptDocumentSurfacesError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "accounts.json"), []byte("{broken"), 0o644))

	_, err = s.LoadAccounts(context.Background())
	require.Error(t, err)
}
