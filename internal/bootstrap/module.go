package bootstrap

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"forecastcache/internal/bootstrap/config"
	"forecastcache/internal/bootstrap/database"
	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/errs"
	"forecastcache/internal/infrastructure/cache"
	"forecastcache/internal/infrastructure/events"
	"forecastcache/internal/infrastructure/metrics"
	"forecastcache/internal/infrastructure/persistence/sqlstore/repository"
	"forecastcache/internal/infrastructure/staging"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/artifacts"
	"forecastcache/internal/usecase/retention"
)

var Module = fx.Options(
	fx.Provide(provideConfig),
	fx.Provide(provideDatabase),
	fx.Provide(provideArtifactStore),
	fx.Provide(provideStaging),
	fx.Provide(provideEventPublisher),
	fx.Provide(provideLookupCache),
	fx.Provide(provideSweeper),
	fx.Provide(provideCoordinator),
	fx.Provide(provideApp),
)

type configParams struct {
	fx.In

	Ctx        context.Context
	ConfigFile string `name:"configFile"`
}

func provideConfig(p configParams) (config.Config, error) {
	ctx := logging.WithAttrs(p.Ctx, slog.String("component", "bootstrap.fx"))
	return config.Load(ctx, p.ConfigFile)
}

func provideDatabase(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.fx"))

	db, err := database.Open(logCtx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if !cfg.Database.AutoMigrate {
				return nil
			}
			return MigrateSchema(startCtx, db)
		},
		OnStop: func(_ context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	return db, nil
}

func provideArtifactStore(lc fx.Lifecycle, db *gorm.DB, cfg config.Config) (ports.ArtifactStore, error) {
	repo, err := repository.NewArtifactRepository(db, repository.Options{
		DefaultTTL:      cfg.Storage.ArtifactTTL(),
		DefaultEncoding: cfg.Storage.Encoding(),
		CompressAudio:   cfg.Storage.CompressAudio,
	})
	if err != nil {
		return nil, errs.Wrap(err, "create artifact repository")
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return repo.Close()
		},
	})
	return repo, nil
}

func provideStaging(cfg config.Config) (ports.StagingArea, error) {
	return staging.New(afero.NewOsFs(), cfg.Staging.Dir, cfg.Staging.Retention(), nil)
}

func provideEventPublisher(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (ports.EventPublisher, error) {
	if strings.TrimSpace(cfg.Events.NATSURL) == "" {
		return events.NopPublisher{}, nil
	}

	publisher, err := events.NewNATSPublisher(ctx, cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

func provideLookupCache(cfg config.Config) (*cache.LookupCache[[]byte], error) {
	return cache.NewLookupCache[[]byte](
		cfg.Cache.LookupTTL(),
		cfg.Cache.LookupCapacity,
		cache.WithHitMissHooks(metrics.LookupCacheHit, metrics.LookupCacheMiss),
	)
}

type sweeperParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Ctx       context.Context
	Config    config.Config
	Store     ports.ArtifactStore
	Staging   ports.StagingArea
	Publisher ports.EventPublisher
}

func provideSweeper(p sweeperParams) (*retention.Sweeper, error) {
	sweeper, err := retention.NewSweeper(p.Ctx, p.Store, p.Staging, p.Publisher, p.Config.Sweep.Retention(), nil)
	if err != nil {
		return nil, errs.Wrap(err, "create sweeper")
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sweeper.Start()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			return sweeper.Stop(stopCtx)
		},
	})
	return sweeper, nil
}

type coordinatorParams struct {
	fx.In

	Config    config.Config
	Store     ports.ArtifactStore
	Sweeper   *retention.Sweeper
	Staging   ports.StagingArea
	Publisher ports.EventPublisher
}

func provideCoordinator(p coordinatorParams) (*artifacts.Coordinator, error) {
	return artifacts.NewCoordinator(p.Store, p.Sweeper, p.Staging, p.Publisher, artifacts.Config{
		CallTimeout:   p.Config.Storage.CallTimeout(),
		SweepOnUpload: p.Sweeper.Mode().OnUpload(),
	}, nil)
}

type appParams struct {
	fx.In

	Config      config.Config
	DB          *gorm.DB
	Store       ports.ArtifactStore
	Coordinator *artifacts.Coordinator
	Sweeper     *retention.Sweeper
	LookupCache *cache.LookupCache[[]byte]
}

func provideApp(p appParams) *App {
	return &App{
		Config:      p.Config,
		DB:          p.DB,
		Store:       p.Store,
		Coordinator: p.Coordinator,
		Sweeper:     p.Sweeper,
		LookupCache: p.LookupCache,
	}
}
