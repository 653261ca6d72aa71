// Package storage persists conversations, runs and generated images with
// GORM. Two drivers are supported: SQLite (default, zero-config) and
// PostgreSQL. The repositories are driver-agnostic; the driver packages
// only open the connection.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/storage/postgres"
	"github.com/poseylabs/posey/internal/storage/sqlite"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store bundles the repositories over one connection.
type Store struct {
	db     *gorm.DB
	driver string

	conversations *ConversationRepository
	runs          *RunRepository
}

// New wraps an open connection.
func New(db *gorm.DB, driver string) *Store {
	return &Store{
		db:            db,
		driver:        driver,
		conversations: NewConversationRepository(db),
		runs:          NewRunRepository(db),
	}
}

// Open connects using the configured driver. Call Migrate before use.
func Open(cfg *config.Config, slogger *slog.Logger) (*Store, error) {
	gl := NewGormLogger(slogger)

	switch driver := cfg.StorageDriverName(); driver {
	case DriverSQLite:
		sc := sqlite.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		db, err := sqlite.Open(sc, gl, slogger)
		if err != nil {
			return nil, err
		}
		return New(db, driver), nil

	case DriverPostgres:
		pc := cfg.Storage.Postgres
		db, err := postgres.Open(postgres.Config{
			DSN:             pc.DSN,
			MaxOpenConns:    pc.MaxOpenConns,
			MaxIdleConns:    pc.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
		}, gl, slogger)
		if err != nil {
			return nil, err
		}
		return New(db, driver), nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// Conversations returns the conversation repository.
func (s *Store) Conversations() *ConversationRepository { return s.conversations }

// Runs returns the run repository. It also records images.
func (s *Store) Runs() *RunRepository { return s.runs }

// Migrate creates or updates all tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

// Ping checks the connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite" or "postgres".
func (s *Store) Driver() string { return s.driver }

// NewGormLogger routes GORM warnings and slow queries to slogger.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
