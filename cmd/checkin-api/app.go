package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"checkinbox/config"
	"checkinbox/internal/broker/kafka"
	"checkinbox/internal/broker/messages"
	"checkinbox/internal/services/stats"
	"checkinbox/internal/storage"
	"checkinbox/internal/storage/filestore"
	"checkinbox/internal/storage/pgstore"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
	Close() error
}

func RunCheckinAPI(ctx context.Context, cfg *config.Config) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, closeFn, err := newStore(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	svc := stats.New(store, log)

	topic := cfg.Kafka.SignCompletedTopicName
	if topic == "" {
		topic = messages.TopicSignCompleted
	}
	group := cfg.CheckIn.KafkaConsumerGroup
	if group == "" {
		group = "checkin-api"
	}
	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, group)
	defer func() { _ = consumer.Close() }()

	go runConsumerLoop(ctx, log, consumer, svc, topic, group)

	return runStatsHTTPServer(ctx, cfg.CheckIn.APIHTTPAddr, nil, svc)
}

// runConsumerLoop keeps the consumer alive: broker hiccups get a pause and
// another try instead of taking the whole binary down.
func runConsumerLoop(ctx context.Context, log *slog.Logger, consumer kafkaConsumer, svc *stats.Service, topic, group string) {
	log.Info("kafka consumer started", "topic", topic, "group", group)
	for {
		err := consumer.Consume(ctx, func(key, value []byte) error {
			return svc.Apply(ctx, key, value)
		})
		if ctx.Err() != nil {
			return
		}
		log.Warn("kafka consume failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func runStatsHTTPServer(ctx context.Context, addr string, onListen func(httpAddr string), svc *stats.Service) error {
	if addr == "" {
		addr = ":8080"
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if onListen != nil {
		onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		all, err := svc.All(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(all)
	})

	r.Get("/stats/{phone}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		st, err := svc.ForPhone(r.Context(), chi.URLParam(r, "phone"))
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		if st == nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no stats for account"})
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}

func newStore(cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "", "file":
		dir := cfg.Storage.Dir
		if dir == "" {
			dir = "data"
		}
		st, err := filestore.New(dir)
		return st, nil, err
	case "postgres":
		sslMode := cfg.Database.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
		st, err := pgstore.New(connString)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
