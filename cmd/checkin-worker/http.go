package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"checkinbox/config"
	"checkinbox/internal/api/adminapi"
	"checkinbox/internal/services/monitor"
	"checkinbox/internal/services/scheduler"
	"checkinbox/internal/services/signer"
	"checkinbox/internal/storage"
)

type workerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	scheduler *scheduler.Scheduler
	monitor   *monitor.Manager
	signer    *signer.Signer
	store     storage.Store
	cfg       *config.Config
	log       *slog.Logger
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
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
		out := map[string]any{}
		if opts.scheduler != nil {
			out["scheduler"] = opts.scheduler.Stats()
		}
		if opts.monitor != nil {
			out["monitor"] = opts.monitor.Stats()
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Avoid dumping secrets; show only operational worker settings.
		out := map[string]any{
			"storageBackend":        opts.cfg.Storage.Backend,
			"timezone":              opts.cfg.CheckIn.Timezone,
			"courseCacheTTLSeconds": opts.cfg.CheckIn.CourseCacheTTLSeconds,
			"probeLimitPerWindow":   opts.cfg.CheckIn.ProbeLimitPerWindow,
			"probeWindowSeconds":    opts.cfg.CheckIn.ProbeWindowSeconds,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.scheduler == nil {
			_, _ = w.Write([]byte(`{"error":"scheduler not wired"}`))
			return
		}
		opts.scheduler.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	if opts.store != nil && opts.signer != nil {
		admin := adminapi.New(opts.store, opts.signer, opts.scheduler, opts.monitor, opts.log)
		admin.Mount(r)
	}

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
