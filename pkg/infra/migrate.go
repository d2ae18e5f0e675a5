package infra

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/util"
)

var mutex sync.Mutex

// Migrate brings the schema at connStr up to the latest version found at
// source (a golang-migrate source URL such as file://migration/sql).
// A dirty schema is forced back one version and retried.
func Migrate(source, connStr string, logger *zap.SugaredLogger) error {
	mutex.Lock()
	defer mutex.Unlock()
	logger = util.OrNop(logger)

	mg, err := migrate.New(source, connStr)
	if err != nil {
		return fmt.Errorf("create migration: %w", err)
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	if dirty {
		logger.Warnw("migration_dirty", "version", version)
		if err := mg.Force(int(version) - 1); err != nil {
			return err
		}
	}

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	after, _, _ := mg.Version()
	logger.Infow("migration_done", "from", version, "to", after)
	return nil
}

// Rollback reverts the most recent migration step.
func Rollback(source, connStr string) error {
	mutex.Lock()
	defer mutex.Unlock()

	mg, err := migrate.New(source, connStr)
	if err != nil {
		return fmt.Errorf("create migration: %w", err)
	}
	defer mg.Close()

	if err := mg.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
