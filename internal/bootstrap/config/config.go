package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/usecase/retention"
)

const EnvPrefix = "FC"

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Staging  StagingConfig  `mapstructure:"staging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Events   EventsConfig   `mapstructure:"events"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleSeconds int    `mapstructure:"conn_max_idle_seconds"`
	AutoMigrate        bool   `mapstructure:"auto_migrate"`
}

type CacheConfig struct {
	LookupTTLSeconds int `mapstructure:"lookup_ttl_seconds"`
	LookupCapacity   int `mapstructure:"lookup_capacity"`
}

type StorageConfig struct {
	ArtifactTTLSeconds int    `mapstructure:"artifact_ttl_seconds"`
	DefaultEncoding    string `mapstructure:"default_encoding"`
	CompressAudio      bool   `mapstructure:"compress_audio"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds"`
}

type SweepConfig struct {
	Mode               string `mapstructure:"mode"`
	IntervalSeconds    int    `mapstructure:"interval_seconds"`
	MaxRuntimeSeconds  int    `mapstructure:"max_runtime_seconds"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds"`
}

type StagingConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func (c CacheConfig) LookupTTL() time.Duration {
	return time.Duration(c.LookupTTLSeconds) * time.Second
}

func (c StorageConfig) ArtifactTTL() time.Duration {
	return time.Duration(c.ArtifactTTLSeconds) * time.Second
}

func (c StorageConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// Encoding is the parsed default_encoding; Load has already validated it.
func (c StorageConfig) Encoding() artifact.Encoding {
	enc, _ := artifact.ParseEncoding(c.DefaultEncoding)
	return enc
}

func (c SweepConfig) Retention() retention.Config {
	mode, _ := retention.ParseMode(c.Mode)
	return retention.Config{
		Mode:        mode,
		Interval:    time.Duration(c.IntervalSeconds) * time.Second,
		MaxRuntime:  time.Duration(c.MaxRuntimeSeconds) * time.Second,
		CallTimeout: time.Duration(c.CallTimeoutSeconds) * time.Second,
	}
}

func (c StagingConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleSeconds) * time.Second
}

func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Config{}, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.config"))

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			logging.Debug(logCtx, "config file not found, fallback to defaults and env")
		} else {
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logging.Debug(
		logCtx,
		"config loaded",
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("sweep_mode", cfg.Sweep.Mode),
	)

	return cfg, nil
}

func (c Config) Validate() error {
	var problems []error

	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, errors.New("database.dsn is required"))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		problems = append(problems, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Cache.LookupTTLSeconds <= 0 {
		problems = append(problems, errors.New("cache.lookup_ttl_seconds must be positive"))
	}
	if c.Cache.LookupCapacity < 0 {
		problems = append(problems, errors.New("cache.lookup_capacity must not be negative"))
	}
	if c.Storage.ArtifactTTLSeconds <= 0 {
		problems = append(problems, errors.New("storage.artifact_ttl_seconds must be positive"))
	}
	if c.Storage.CallTimeoutSeconds <= 0 {
		problems = append(problems, errors.New("storage.call_timeout_seconds must be positive"))
	}
	if _, err := artifact.ParseEncoding(c.Storage.DefaultEncoding); err != nil {
		problems = append(problems, errs.Wrap(err, "storage.default_encoding"))
	}
	mode, err := retention.ParseMode(c.Sweep.Mode)
	if err != nil {
		problems = append(problems, errs.Wrap(err, "sweep.mode"))
	}
	if mode.Periodic() && c.Sweep.IntervalSeconds <= 0 {
		problems = append(problems, errors.New("sweep.interval_seconds must be positive in periodic mode"))
	}
	if c.Sweep.MaxRuntimeSeconds <= 0 || c.Sweep.CallTimeoutSeconds <= 0 {
		problems = append(problems, errors.New("sweep.max_runtime_seconds and sweep.call_timeout_seconds must be positive"))
	}
	if strings.TrimSpace(c.Staging.Dir) == "" {
		problems = append(problems, errors.New("staging.dir is required"))
	}
	if c.Staging.RetentionDays <= 0 {
		problems = append(problems, errors.New("staging.retention_days must be positive"))
	}

	return errors.Join(problems...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "forecastcache")
	v.SetDefault("app.env", "local")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", ".data/forecasts.sqlite")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_idle_seconds", 3600)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("cache.lookup_ttl_seconds", 900)
	v.SetDefault("cache.lookup_capacity", 1024)

	v.SetDefault("storage.artifact_ttl_seconds", 1800)
	v.SetDefault("storage.default_encoding", "utf8")
	v.SetDefault("storage.compress_audio", false)
	v.SetDefault("storage.call_timeout_seconds", 5)

	v.SetDefault("sweep.mode", string(retention.ModeOnUpload))
	v.SetDefault("sweep.interval_seconds", 600)
	v.SetDefault("sweep.max_runtime_seconds", 120)
	v.SetDefault("sweep.call_timeout_seconds", 30)

	v.SetDefault("staging.dir", "output")
	v.SetDefault("staging.retention_days", 7)

	v.SetDefault("http.addr", ":8000")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "forecasts")
}

// bindLegacyEnv keeps the unprefixed variable names older deployments use.
// The FC_ form still wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	legacy := map[string]string{
		"staging.dir":            "OUTPUT_DIR",
		"staging.retention_days": "FORECAST_CLEANUP_DAYS",
		"database.dsn":           "DATABASE_URL",
	}
	for key, name := range legacy {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, name); err != nil {
			return errs.Wrapf(err, "bind env %s", name)
		}
	}
	return nil
}
