package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/roast-battle-backend/internal/clock"
	"github.com/DoyleJ11/roast-battle-backend/internal/config"
	"github.com/DoyleJ11/roast-battle-backend/internal/httpapi"
	"github.com/DoyleJ11/roast-battle-backend/internal/hub"
	"github.com/DoyleJ11/roast-battle-backend/internal/membership"
	"github.com/DoyleJ11/roast-battle-backend/internal/metrics"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/readiness"
	"github.com/DoyleJ11/roast-battle-backend/internal/session"
	"github.com/DoyleJ11/roast-battle-backend/internal/store"
	"github.com/DoyleJ11/roast-battle-backend/internal/store/memory"
	"github.com/DoyleJ11/roast-battle-backend/internal/store/postgres"
	"github.com/DoyleJ11/roast-battle-backend/internal/turns"
	"github.com/DoyleJ11/roast-battle-backend/internal/votes"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Production() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := postgres.Open(cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	default:
		st = memory.New()
	}

	var pool *pgxpool.Pool
	if cfg.FeedBackend == config.BackendPostgres {
		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect notify pool: %w", err)
		}
		defer p.Close()
		pool = p
	}

	var feed pubsub.Broker = pubsub.NewMemory(log.Named("feed"))
	if pool != nil {
		pg := pubsub.NewPGNotify(pool, log.Named("feed"))
		defer pg.Close()
		feed = pg
	}

	var live pubsub.Broker = pubsub.NewMemory(log.Named("broadcast"))
	if cfg.BroadcastBackend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		live = pubsub.NewRedis(rdb, log.Named("broadcast"))
	}

	m := metrics.New()
	members := membership.New(st, feed, log.Named("membership"))
	deps := session.Deps{
		Store:             st,
		Members:           members,
		Gate:              readiness.New(members, st, live, log.Named("readiness")),
		Turns:             turns.New(members),
		Votes:             votes.New(st, members),
		Clock:             clock.New(clock.WithTick(cfg.TickInterval)),
		Broadcast:         live,
		Metrics:           m,
		Log:               log.Named("session"),
		VoteGrace:         cfg.VoteGrace,
		ReconcileInterval: cfg.ReconcileInterval,
	}
	h := hub.NewHub(ctx, deps, hub.Options{Retention: cfg.Retention, ReapInterval: cfg.ReapInterval})
	defer h.Shutdown()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.SetupRoutes(h, m, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend),
			zap.String("feed", cfg.FeedBackend), zap.String("broadcast", cfg.BroadcastBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
