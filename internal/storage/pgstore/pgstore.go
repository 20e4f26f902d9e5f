package pgstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"checkinbox/internal/models"
)

// Storage keeps accounts row-per-account and the task/location/stats
// documents as single JSONB rows. The payloads are opaque to SQL on purpose:
// the worker always loads and saves whole documents.
type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Storage) LoadAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT body FROM accounts ORDER BY phone`)
	if err != nil {
		return nil, errors.Wrap(err, "select accounts")
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		var a models.Account
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, errors.Wrap(err, "decode account")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "iterate accounts")
}

func (s *Storage) SaveAccount(ctx context.Context, acct models.Account) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return errors.Wrap(err, "encode account")
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO accounts (phone, body, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (phone)
DO UPDATE SET body = EXCLUDED.body, updated_at = now()
`, acct.Phone, raw)
	return errors.Wrap(err, "upsert account")
}

func (s *Storage) DeleteAccount(ctx context.Context, phone string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM accounts WHERE phone = $1`, phone)
	return errors.Wrap(err, "delete account")
}

func (s *Storage) LoadScheduledTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	var out []models.ScheduledTask
	if err := s.loadDoc(ctx, "schedule_tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveScheduledTasks(ctx context.Context, tasks []models.ScheduledTask) error {
	return s.saveDoc(ctx, "schedule_tasks", tasks)
}

func (s *Storage) MutateScheduledTasks(ctx context.Context, fn func([]models.ScheduledTask) ([]models.ScheduledTask, error)) error {
	return s.mutateDoc(ctx, "schedule_tasks", func(raw []byte) (any, error) {
		var tasks []models.ScheduledTask
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &tasks); err != nil {
				return nil, errors.Wrap(err, "decode document schedule_tasks")
			}
		}
		return fn(tasks)
	})
}

func (s *Storage) LoadMonitorTasks(ctx context.Context) ([]models.MonitorTask, error) {
	var out []models.MonitorTask
	if err := s.loadDoc(ctx, "monitor_tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveMonitorTasks(ctx context.Context, tasks []models.MonitorTask) error {
	return s.saveDoc(ctx, "monitor_tasks", tasks)
}

func (s *Storage) MutateMonitorTasks(ctx context.Context, fn func([]models.MonitorTask) ([]models.MonitorTask, error)) error {
	return s.mutateDoc(ctx, "monitor_tasks", func(raw []byte) (any, error) {
		var tasks []models.MonitorTask
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &tasks); err != nil {
				return nil, errors.Wrap(err, "decode document monitor_tasks")
			}
		}
		return fn(tasks)
	})
}

func (s *Storage) LoadLocations(ctx context.Context) ([]models.GeoPreset, error) {
	var out []models.GeoPreset
	if err := s.loadDoc(ctx, "locations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveLocations(ctx context.Context, locs []models.GeoPreset) error {
	return s.saveDoc(ctx, "locations", locs)
}

func (s *Storage) LoadStats(ctx context.Context) (map[string]*models.AccountStats, error) {
	out := make(map[string]*models.AccountStats)
	if err := s.loadDoc(ctx, "stats", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SaveStats(ctx context.Context, stats map[string]*models.AccountStats) error {
	return s.saveDoc(ctx, "stats", stats)
}

func (s *Storage) loadDoc(ctx context.Context, name string, v any) error {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT body FROM documents WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "select document %s", name)
	}
	return errors.Wrapf(json.Unmarshal(raw, v), "decode document %s", name)
}

// mutateDoc runs a read-modify-write on one document inside a transaction.
// SELECT FOR UPDATE on the row serializes concurrent mutators, so a slow
// writer can never clobber an edit that landed in between.
func (s *Storage) mutateDoc(ctx context.Context, name string, mutate func(raw []byte) (any, error)) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrapf(err, "begin mutate %s", name)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Строка должна существовать, иначе FOR UPDATE нечего блокировать.
	if _, err := tx.Exec(ctx, `
INSERT INTO documents (name, body, updated_at)
VALUES ($1, 'null', now())
ON CONFLICT (name) DO NOTHING
`, name); err != nil {
		return errors.Wrapf(err, "seed document %s", name)
	}

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT body FROM documents WHERE name = $1 FOR UPDATE`, name).Scan(&raw); err != nil {
		return errors.Wrapf(err, "lock document %s", name)
	}

	v, err := mutate(raw)
	if err != nil {
		return err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode document %s", name)
	}
	if _, err := tx.Exec(ctx, `UPDATE documents SET body = $2, updated_at = now() WHERE name = $1`, name, out); err != nil {
		return errors.Wrapf(err, "update document %s", name)
	}
	return errors.Wrapf(tx.Commit(ctx), "commit mutate %s", name)
}

func (s *Storage) saveDoc(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode document %s", name)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO documents (name, body, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name)
DO UPDATE SET body = EXCLUDED.body, updated_at = now()
`, name, raw)
	return errors.Wrapf(err, "upsert document %s", name)
}
