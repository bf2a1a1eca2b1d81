package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stable-sync-backend/config"
	"stable-sync-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := logger.Warn
	if cfg.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Info("running database migrations", zap.String("driver", cfg.Driver))
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if cfg.ExcludeOverlaps {
		if cfg.Driver != "postgres" {
			log.Warn("exclude_overlaps needs postgres; skipping", zap.String("driver", cfg.Driver))
		} else if err := applyOverlapConstraint(db); err != nil {
			log.Warn("failed to apply booking overlap constraint; continuing without it", zap.Error(err))
		}
	}

	log.Info("database initialization complete")
	return db, nil
}

// Migrate creates or updates the schema for every synced collection.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Rental{},
		&model.Unit{},
		&model.Booking{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// applyOverlapConstraint makes Postgres refuse a second ACTIVE booking whose dates
// overlap another on the same unit. Ranges are half-open and a NULL end_date is open.
func applyOverlapConstraint(db *gorm.DB) error {
	ddls := []string{
		"CREATE EXTENSION IF NOT EXISTS btree_gist;",

		"ALTER TABLE bookings DROP CONSTRAINT IF EXISTS bookings_no_active_overlap;",

		"ALTER TABLE bookings ADD CONSTRAINT bookings_no_active_overlap " +
			"EXCLUDE USING GIST (unit_id WITH =, " +
			"tstzrange(start_date, COALESCE(end_date, 'infinity'::timestamptz), '[)') WITH &&) " +
			"WHERE (status = 'ACTIVE');",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
