package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"checkinbox/config"
	"checkinbox/internal/broker/kafka"
	"checkinbox/internal/cache"
	"checkinbox/internal/cache/rediscache"
	"checkinbox/internal/platform"
	"checkinbox/internal/services/monitor"
	"checkinbox/internal/services/scheduler"
	"checkinbox/internal/services/signer"
	"checkinbox/internal/storage"
	"checkinbox/internal/storage/filestore"
	"checkinbox/internal/storage/pgstore"
)

type workerFactories struct {
	newStore    func(cfg *config.Config) (storage.Store, func(), error)
	newProducer func(cfg *config.Config) signer.Publisher
	newRedis    func(cfg *config.Config) redisClient
}

type redisClient interface {
	cache.BytesCache
	cache.RateLimiter
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStore: func(cfg *config.Config) (storage.Store, func(), error) {
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
		},
		newProducer: func(cfg *config.Config) signer.Publisher {
			if cfg.Kafka.Host == "" {
				return nil
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRedis: func(cfg *config.Config) redisClient {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
	}
}

func RunCheckinWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, closeFn, err := f.newStore(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	eps := platform.Endpoints{
		Passport: cfg.CheckIn.PassportBaseURL,
		API:      cfg.CheckIn.APIBaseURL,
		Study:    cfg.CheckIn.StudyBaseURL,
		Mobile:   cfg.CheckIn.MobileBaseURL,
		Pan:      cfg.CheckIn.PanBaseURL,
	}.WithDefaults()

	sg := signer.New(store, log).
		WithEndpoints(eps).
		WithPhotoPath(cfg.CheckIn.PhotoPath)
	if p := f.newProducer(cfg); p != nil {
		sg = sg.WithProducer(p)
	}

	var rc redisClient
	if f.newRedis != nil {
		rc = f.newRedis(cfg)
	}
	courseTTL := time.Duration(cfg.CheckIn.CourseCacheTTLSeconds) * time.Second
	if rc != nil {
		sg = sg.WithCache(rc, courseTTL)
	}

	loc := time.Local
	if cfg.CheckIn.Timezone != "" {
		if l, err := time.LoadLocation(cfg.CheckIn.Timezone); err == nil {
			loc = l
		} else {
			log.Warn("bad timezone in config, using local", "tz", cfg.CheckIn.Timezone)
		}
	}
	sched := scheduler.New(store, sg, log).WithLocation(loc)

	mon := monitor.New(store, sg, log)
	if rc != nil {
		mon = mon.WithRateLimiter(rc,
			int64(cfg.CheckIn.ProbeLimitPerWindow),
			time.Duration(cfg.CheckIn.ProbeWindowSeconds)*time.Second,
		)
	}
	if err := mon.StartAll(ctx); err != nil {
		return err
	}
	defer mon.StopAll()

	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:  cfg.CheckIn.WorkerHTTPAddr,
			scheduler: sched,
			monitor:   mon,
			signer:    sg,
			store:     store,
			cfg:       cfg,
			log:       log,
		})
		if err != nil && ctx.Err() == nil {
			log.Error("ops http server failed", "err", err)
		}
	}()

	return sched.Run(ctx)
}
