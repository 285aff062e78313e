package database

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// migrateLogger routes golang-migrate output through the service logger
type migrateLogger struct {
	logger ectologger.Logger
}

func (l migrateLogger) Verbose() bool {
	return false
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationConfig struct {
	// Path holds the numbered *.up.sql / *.down.sql files, absolute or relative to the working directory.
	Path string
	// Version pins the schema version. Zero migrates to the latest file.
	Version uint
	// Force marks the schema as clean at this version before migrating. Zero disables it.
	Force int
	// AutoRollback forces a dirty schema back to the version it had before the failed run.
	AutoRollback bool
}

type Migrator struct {
	config MigrationConfig
	logger ectologger.Logger
}

func NewMigrator(config MigrationConfig, logger ectologger.Logger) *Migrator {
	return &Migrator{
		config: config,
		logger: logger,
	}
}

// Run brings the person schema up to date
func (m *Migrator) Run(db *sqlx.DB, databaseName string) error {
	dir, err := filepath.Abs(m.config.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve migration path %s", m.config.Path)
	}
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "migration folder %s does not exist", dir)
	}

	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{DatabaseName: databaseName})
	if err != nil {
		return errors.Wrap(err, "failed to create postgres migration driver")
	}

	mig, err := migrate.NewWithDatabaseInstance("file://"+dir, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrator")
	}
	mig.Log = migrateLogger{logger: m.logger}

	if m.config.Force != 0 {
		if err := mig.Force(m.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force schema to version %d", m.config.Force)
		}
	}

	before, _, err := mig.Version()
	if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read schema version")
	}

	start := time.Now()
	if m.config.Version != 0 {
		err = mig.Migrate(m.config.Version)
	} else {
		err = mig.Up()
	}

	switch {
	case err == nil:
		after, _, _ := mig.Version()
		m.logger.WithFields(map[string]any{
			"from_version": before,
			"to_version":   after,
			"duration":     time.Since(start).String(),
		}).Info("Applied database migrations")
		return nil
	case stderrors.Is(err, migrate.ErrNoChange):
		m.logger.WithField("version", before).Info("Database schema is up to date")
		return nil
	}

	return m.recover(mig, dir, before, err)
}

// recover handles a failed run. A schema ahead of the files on disk is forced back to the
// latest file; a dirty schema is forced to its previous version when AutoRollback is set.
// The original error is returned either way, except in the first case.
func (m *Migrator) recover(mig *migrate.Migrate, dir string, before uint, cause error) error {
	if strings.Contains(cause.Error(), "no migration found for version") {
		latest, err := latestMigrationVersion(dir)
		if err != nil {
			return errors.Wrap(err, "failed to find latest migration")
		}
		m.logger.Warnf("Schema version %d has no migration file, forcing version %d", before, latest)
		return errors.Wrapf(mig.Force(latest), "failed to force schema to version %d", latest)
	}

	version, dirty, err := mig.Version()
	if err != nil {
		m.logger.WithError(err).Error("Failed to read schema version after failed migration")
		return errors.Wrap(cause, "migration failed")
	}

	log := m.logger.WithError(cause).WithFields(map[string]any{
		"version": version,
		"dirty":   dirty,
	})
	if !dirty || !m.config.AutoRollback {
		log.Error("Migration failed")
		return errors.Wrap(cause, "migration failed")
	}

	target := int(before)
	if target == 0 {
		target = int(version) - 1
	}
	log.Warnf("Migration failed, forcing schema back to version %d", target)
	if err := mig.Force(target); err != nil {
		return errors.Wrapf(err, "failed to force schema to version %d", target)
	}
	return errors.Wrap(cause, "migration failed and was rolled back")
}

func latestMigrationVersion(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return 0, err
	}

	latest := 0
	for _, file := range files {
		prefix, _, ok := strings.Cut(filepath.Base(file), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		latest = max(latest, version)
	}
	if latest == 0 {
		return 0, errors.Errorf("no migration files in %s", dir)
	}
	return latest, nil
}
