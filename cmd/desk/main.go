package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/params"
	"github.com/uhyunpark/instruction-desk/pkg/api"
	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/infra"
	postgres_wrapper "github.com/uhyunpark/instruction-desk/pkg/infra/postgres"
	redis_wrapper "github.com/uhyunpark/instruction-desk/pkg/infra/redis"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
	"github.com/uhyunpark/instruction-desk/pkg/lifecycle"
	"github.com/uhyunpark/instruction-desk/pkg/presence"
	"github.com/uhyunpark/instruction-desk/pkg/session"
	"github.com/uhyunpark/instruction-desk/pkg/storage"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

func main() {
	// Load config from .env, CONFIG_FILE and environment variables
	cfg, err := params.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Store ----
	store, err := openStore(cfg.Store, sugar)
	if err != nil {
		sugar.Fatalw("store_init_failed", "backend", cfg.Store.Backend, "err", err)
	}
	defer store.Close()

	journal := storage.Journal(storage.NewNopJournal())
	if cfg.Server.JournalFile != "" {
		fj, err := storage.NewFileJournal(cfg.Server.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Server.JournalFile, "err", err)
		}
		journal = fj
	}
	defer journal.Close()

	// ---- Auth ----
	users := auth.NewDirectory(cfg.Auth.BcryptCost)
	for _, u := range cfg.Auth.Users {
		role, ok := instruction.ParseRole(u.Role)
		if !ok {
			sugar.Fatalw("seed_user_invalid_role", "username", u.Username, "role", u.Role)
		}
		id := auth.Identity{UserID: u.ID, Username: u.Username, Role: role, Org: u.Org}
		if err := users.Add(id, u.Password); err != nil {
			sugar.Fatalw("seed_user_failed", "username", u.Username, "err", err)
		}
	}
	tokens := auth.NewJWTIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, nil)

	// ---- Lifecycle ----
	bus := event.NewBus(sugar)
	engine := lifecycle.NewEngine(store, bus, lifecycle.WithLogger(sugar))

	if cfg.Lifecycle.AutoDispatch {
		dispatcher := lifecycle.NewDispatcher(engine, bus, cfg.Lifecycle.DispatchQueueSize, sugar)
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
	}

	// ---- Sessions ----
	opts := []session.Option{session.WithLogger(sugar)}
	if cfg.Redis.Enabled {
		rdb, err := redis_wrapper.InitRedis(ctx, cfg.Redis.Config)
		if err != nil {
			sugar.Fatalw("redis_init_failed", "err", err)
		}
		defer rdb.Close()
		opts = append(opts, session.WithPresence(presence.NewRedisTracker(rdb, sugar)))
	}
	sessions := session.NewManager(tokens, bus, session.Config{
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		SweepInterval:    cfg.Session.SweepInterval,
		SendBuffer:       cfg.Session.SendBuffer,
		WriteTimeout:     cfg.Session.WriteTimeout,
	}, opts...)
	go sessions.Run(ctx)

	// ---- API Server ----
	apiServer := api.NewServer(api.Deps{
		Engine:   engine,
		Sessions: sessions,
		Users:    users,
		Tokens:   tokens,
		Journal:  journal,
		Logger:   sugar,
	}, cfg.Server.AllowedOrigins)

	go func() {
		if err := apiServer.Start(cfg.Server.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("desk_started",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Backend,
		"auto_dispatch", cfg.Lifecycle.AutoDispatch,
		"redis_presence", cfg.Redis.Enabled,
		"users", len(cfg.Auth.Users))

	<-ctx.Done()
	sugar.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sessions.Close()
}

func openStore(cfg params.Store, logger *zap.SugaredLogger) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "pebble":
		return storage.NewPebbleStore(cfg.PebblePath)
	case "postgres":
		if cfg.Migrations != "" && cfg.Postgres.MigrationConnURL != "" {
			if err := infra.Migrate(cfg.Migrations, cfg.Postgres.MigrationConnURL, logger); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		db, err := postgres_wrapper.InitPostgresWithBackoff(cfg.Postgres, time.Minute)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
