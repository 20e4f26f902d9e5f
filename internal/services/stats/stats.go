package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"checkinbox/internal/broker/messages"
	"checkinbox/internal/models"
	"checkinbox/internal/storage"
)

// Service folds sign outcome events into per-account counters. It is fed by
// the kafka consumer in the api binary and read back over HTTP.
type Service struct {
	store storage.Store
	log   *slog.Logger

	mu sync.Mutex
}

func New(store storage.Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log}
}

// Apply is the kafka message handler. Idle outcomes (nothing to sign) are
// counted as attempts but not as failures.
func (s *Service) Apply(ctx context.Context, _, value []byte) error {
	var msg messages.SignCompleted
	if err := json.Unmarshal(value, &msg); err != nil {
		// Кривое сообщение пропускаем, иначе застрянем на нём навсегда.
		s.log.Warn("skipping malformed sign event", "err", err)
		return nil
	}
	if msg.Phone == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.LoadStats(ctx)
	if err != nil {
		return errors.Wrap(err, "load stats")
	}

	st := all[msg.Phone]
	if st == nil {
		st = &models.AccountStats{Phone: msg.Phone}
		all[msg.Phone] = st
	}
	if msg.Username != "" {
		st.Username = msg.Username
	}
	st.Total++
	kind := models.OutcomeKind(msg.Outcome)
	switch {
	case msg.Success:
		st.Succeeded++
	case kind.Idle():
	default:
		st.Failed++
	}
	st.LastKind = msg.Outcome
	st.LastMessage = msg.Message
	st.LastAt = msg.AttemptAt

	return errors.Wrap(s.store.SaveStats(ctx, all), "save stats")
}

func (s *Service) All(ctx context.Context) (map[string]*models.AccountStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.LoadStats(ctx)
}

func (s *Service) ForPhone(ctx context.Context, phone string) (*models.AccountStats, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return all[phone], nil
}
