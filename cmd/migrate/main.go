package main

import (
	"flag"
	"log"

	"github.com/uhyunpark/instruction-desk/params"
	"github.com/uhyunpark/instruction-desk/pkg/infra"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

func main() {
	down := flag.Bool("down", false, "revert the most recent migration instead of applying all")
	flag.Parse()

	cfg, err := params.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := util.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	conn := cfg.Store.Postgres.MigrationConnURL
	if conn == "" {
		sugar.Fatal("POSTGRES_MIGRATION_URL is not set")
	}

	if *down {
		if err := infra.Rollback(cfg.Store.Migrations, conn); err != nil {
			sugar.Fatalw("rollback_failed", "err", err)
		}
		sugar.Infow("rollback_done", "source", cfg.Store.Migrations)
		return
	}
	if err := infra.Migrate(cfg.Store.Migrations, conn, sugar); err != nil {
		sugar.Fatalw("migrate_failed", "err", err)
	}
}
