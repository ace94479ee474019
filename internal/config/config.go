// Package config reads server settings from flags, falling back to the environment.
// A .env file in the working directory is loaded first if present.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port     int
	AppEnv   string
	LogLevel string

	StoreBackend     string
	DatabaseURL      string
	FeedBackend      string
	BroadcastBackend string
	RedisAddr        string

	TickInterval      time.Duration
	VoteGrace         time.Duration
	ReconcileInterval time.Duration
	Retention         time.Duration
	ReapInterval      time.Duration
}

func Defaults() Config {
	return Config{
		Port:              8080,
		AppEnv:            "development",
		LogLevel:          "info",
		StoreBackend:      BackendMemory,
		FeedBackend:       BackendMemory,
		BroadcastBackend:  BackendMemory,
		RedisAddr:         "localhost:6379",
		TickInterval:      time.Second,
		VoteGrace:         60 * time.Second,
		ReconcileInterval: 15 * time.Second,
		Retention:         24 * time.Hour,
		ReapInterval:      10 * time.Minute,
	}
}

// Load parses args (without the program name). Flags win over the environment.
func Load(args []string) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Defaults()
	fs := flag.NewFlagSet("roast-battle", flag.ContinueOnError)

	var (
		port                                       int
		appEnv, logLevel, storeBackend, dsn        string
		feedBackend, broadcastBackend, redisAddr   string
		tick, grace, reconcile, retention, reapInt time.Duration
	)
	fs.IntVar(&port, "p", 0, "Server port")
	fs.StringVar(&appEnv, "env", "", "Environment (development or production)")
	fs.StringVar(&logLevel, "log-level", "", "Log level")
	fs.StringVar(&storeBackend, "store", "", "State store (memory or postgres)")
	fs.StringVar(&dsn, "d", "", "Database URL")
	fs.StringVar(&feedBackend, "feed", "", "Change feed (memory or postgres)")
	fs.StringVar(&broadcastBackend, "broadcast", "", "Broadcast channel (memory or redis)")
	fs.StringVar(&redisAddr, "redis", "", "Redis address")
	fs.DurationVar(&tick, "tick", 0, "Turn clock tick interval")
	fs.DurationVar(&grace, "vote-grace", 0, "How long voting stays open after a battle completes")
	fs.DurationVar(&reconcile, "reconcile", 0, "Membership reconciliation interval")
	fs.DurationVar(&retention, "retention", 0, "How long empty battles are kept")
	fs.DurationVar(&reapInt, "reap", 0, "How often empty battles are reaped")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.Port, err = intSetting(port, "PORT", cfg.Port); err != nil {
		return Config{}, err
	}
	cfg.AppEnv = stringSetting(appEnv, "APP_ENV", cfg.AppEnv)
	cfg.LogLevel = stringSetting(logLevel, "LOG_LEVEL", cfg.LogLevel)
	cfg.StoreBackend = stringSetting(storeBackend, "STORE_BACKEND", cfg.StoreBackend)
	cfg.DatabaseURL = stringSetting(dsn, "DATABASE_URL", "")
	cfg.FeedBackend = stringSetting(feedBackend, "FEED_BACKEND", cfg.FeedBackend)
	cfg.BroadcastBackend = stringSetting(broadcastBackend, "BROADCAST_BACKEND", cfg.BroadcastBackend)
	cfg.RedisAddr = stringSetting(redisAddr, "REDIS_ADDR", cfg.RedisAddr)

	durations := []struct {
		flag time.Duration
		env  string
		dst  *time.Duration
	}{
		{tick, "TICK_INTERVAL", &cfg.TickInterval},
		{grace, "VOTE_GRACE", &cfg.VoteGrace},
		{reconcile, "RECONCILE_INTERVAL", &cfg.ReconcileInterval},
		{retention, "RETENTION", &cfg.Retention},
		{reapInt, "REAP_INTERVAL", &cfg.ReapInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationSetting(d.flag, d.env, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.FeedBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown feed backend %q", c.FeedBackend)
	}
	switch c.BroadcastBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown broadcast backend %q", c.BroadcastBackend)
	}
	if (c.StoreBackend == BackendPostgres || c.FeedBackend == BackendPostgres) && c.DatabaseURL == "" {
		return errors.New("database URL required for postgres backends (use -d or DATABASE_URL env)")
	}
	if c.BroadcastBackend == BackendRedis && c.RedisAddr == "" {
		return errors.New("redis address required (use -redis or REDIS_ADDR env)")
	}
	for name, d := range map[string]time.Duration{
		"tick interval":           c.TickInterval,
		"reconciliation interval": c.ReconcileInterval,
		"retention":               c.Retention,
		"reap interval":           c.ReapInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.VoteGrace < 0 {
		return errors.New("vote grace must not be negative")
	}
	return nil
}

func (c Config) Production() bool { return c.AppEnv == "production" }

func stringSetting(flagVal, env, def string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func intSetting(flagVal int, env string, def int) (int, error) {
	if flagVal != 0 {
		return flagVal, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s env variable", env)
	}
	return n, nil
}

func durationSetting(flagVal time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flagVal != 0 {
		return flagVal, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s env variable: %w", env, err)
	}
	return d, nil
}
