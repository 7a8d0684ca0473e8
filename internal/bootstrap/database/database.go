package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"forecastcache/internal/bootstrap/config"
	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/errs"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured backing store. One pool is shared by every
// component; sqlite is limited to a single connection so writes serialise.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.database"))

	driver, dsn, err := ResolveDriver(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	var dial gorm.Dialector
	openConns := cfg.MaxOpenConns
	switch driver {
	case DriverSQLite:
		if err := ensureSQLiteDirectory(logCtx, dsn); err != nil {
			return nil, errs.Wrap(err, "ensure sqlite directory")
		}
		dial = gormsqlite.Open(dsn)
		openConns = 1
	case DriverPostgres:
		dial = postgres.Open(dsn)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 slogGorm.New(slogGorm.WithLogger(logging.Logger(ctx))),
	})
	if err != nil {
		return nil, errs.Wrapf(err, "open %s db", driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Wrap(err, "get sql db")
	}
	if openConns > 0 {
		sqlDB.SetMaxOpenConns(openConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if idle := cfg.ConnMaxIdleTime(); idle > 0 {
		sqlDB.SetConnMaxIdleTime(idle)
	}

	if driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=normal;", "PRAGMA busy_timeout=5000;"} {
			if err := db.WithContext(ctx).Exec(pragma).Error; err != nil {
				_ = sqlDB.Close()
				return nil, errs.Wrapf(err, "exec %s", pragma)
			}
		}
	}

	logging.Info(logCtx, "database opened", slog.String("driver", driver), slog.Int("max_open_conns", openConns))
	return db, nil
}

// ResolveDriver picks the driver from an explicit URL scheme when present
// (sqlite://, postgres://, postgresql://), otherwise from driver.
func ResolveDriver(driver string, dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)

	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		return DriverSQLite, dsn[len("sqlite://"):], nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DriverPostgres, dsn, nil
	}

	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, dsn, nil
	case "postgres", "postgresql":
		return DriverPostgres, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func ensureSQLiteDirectory(ctx context.Context, dsn string) error {
	candidate := strings.TrimSpace(dsn)
	if candidate == "" || strings.Contains(candidate, ":memory:") {
		return nil
	}

	if strings.HasPrefix(strings.ToLower(candidate), "file:") {
		candidate = candidate[len("file:"):]
	}
	if idx := strings.Index(candidate, "?"); idx >= 0 {
		candidate = candidate[:idx]
	}

	dir := filepath.Dir(candidate)
	if dir == "" || dir == "." {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrapf(err, "create sqlite directory %q", dir)
	}

	logging.Debug(ctx, "sqlite directory ensured", slog.String("dir", dir))
	return nil
}
