package bootstrap

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"forecastcache/internal/bootstrap/config"
	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/errs"
	"forecastcache/internal/infrastructure/cache"
	"forecastcache/internal/infrastructure/persistence/sqlstore/model"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/artifacts"
	"forecastcache/internal/usecase/retention"
)

// App is what a command gets once the fx graph has started.
type App struct {
	Config      config.Config
	DB          *gorm.DB
	Store       ports.ArtifactStore
	Coordinator *artifacts.Coordinator
	Sweeper     *retention.Sweeper
	// LookupCache shields upstream lookups made by the generation pipeline;
	// the REST adapter also keeps rendered /stats bodies in it.
	LookupCache *cache.LookupCache[[]byte]
}

func (a *App) InitSchema(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.app"))
	logging.Info(logCtx, "start schema migration")

	if err := MigrateSchema(ctx, a.DB); err != nil {
		return err
	}

	logging.Info(logCtx, "schema migration completed")
	return nil
}

// SchemaVersion is bumped whenever model.Artifact changes shape.
const SchemaVersion = "1"

// MigrateSchema creates or updates the artifacts table and its indexes, then
// records SchemaVersion in store_meta.
func MigrateSchema(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&model.Artifact{}, &model.StoreMeta{}); err != nil {
		return errs.Wrap(err, "auto migrate schema")
	}

	meta := model.StoreMeta{Key: model.MetaSchemaVersion, Value: SchemaVersion}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&meta).Error; err != nil {
		return errs.Wrap(err, "record schema version")
	}
	return nil
}

// StoredSchemaVersion reads the version written by the last migration.
// It returns "" when the store was never migrated.
func StoredSchemaVersion(ctx context.Context, db *gorm.DB) (string, error) {
	var meta model.StoreMeta
	err := db.WithContext(ctx).Where("key = ?", model.MetaSchemaVersion).Limit(1).Find(&meta).Error
	if err != nil {
		return "", errs.Wrap(err, "read schema version")
	}
	return meta.Value, nil
}
