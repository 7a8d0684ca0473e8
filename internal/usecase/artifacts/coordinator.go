package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/infrastructure/metrics"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/retention"
)

// Sweeper is the part of retention.Sweeper the coordinator drives.
type Sweeper interface {
	Trigger()
	TryRun(ctx context.Context) (retention.Report, bool, error)
}

type Config struct {
	// CallTimeout bounds each store call made on behalf of a caller.
	CallTimeout   time.Duration
	SweepOnUpload bool
}

type LookupResult struct {
	Hit      bool
	Degraded bool
	Artifact ports.Artifact
	// AgeSeconds is now minus GeneratedAt; only set on a hit.
	AgeSeconds float64
	ExpiresAt  time.Time
}

type UploadRequest struct {
	Subject     string
	Text        string
	Encoding    artifact.Encoding
	Language    string
	Locale      string
	Audio       []byte
	AudioFormat string
	Metadata    map[string]any
	TTL         time.Duration
	// FromCache marks an artifact that was itself served from cache. Such
	// uploads are skipped so a cached artifact is never persisted twice.
	FromCache bool
}

type UploadResult struct {
	ID           string
	Skipped      bool
	Subject      string
	GeneratedAt  time.Time
	ExpiresAt    time.Time
	TextEncoding artifact.Encoding
	TextSize     int64
	AudioSize    int64
}

// StoredEvent is published after every successful upload.
type StoredEvent struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Language    string    `json:"language,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Coordinator is the entry point for reading and writing artifacts.
type Coordinator struct {
	store     ports.ArtifactStore
	sweeper   Sweeper
	staging   ports.StagingArea
	publisher ports.EventPublisher
	cfg       Config
	now       func() time.Time
}

// NewCoordinator wires the coordinator. staging and publisher may be nil.
func NewCoordinator(store ports.ArtifactStore, sweeper Sweeper, staging ports.StagingArea, publisher ports.EventPublisher, cfg Config, now func() time.Time) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	if cfg.CallTimeout <= 0 {
		return nil, errors.New("call timeout must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:     store,
		sweeper:   sweeper,
		staging:   staging,
		publisher: publisher,
		cfg:       cfg,
		now:       now,
	}, nil
}

// Lookup returns the latest valid artifact for subject. A miss is not an
// error, and neither is an unreachable or unreadable store: those come back
// as a degraded miss so the caller can generate a fresh artifact.
func (c *Coordinator) Lookup(ctx context.Context, subject string, language string) (LookupResult, error) {
	if ctx == nil {
		return LookupResult{}, errors.New("context is required")
	}
	subject = artifact.NormalizeSubject(subject)
	if subject == "" {
		return LookupResult{}, fmt.Errorf("%w: subject is required", artifact.ErrInvalidRecord)
	}

	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.artifacts"),
		slog.String("subject", subject),
	)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	item, found, err := c.store.GetLatestValid(callCtx, subject, language)
	cancel()

	if err != nil {
		if errors.Is(err, artifact.ErrInvalidRecord) {
			return LookupResult{}, err
		}
		metrics.Lookups.WithLabelValues("degraded").Inc()
		logging.Warn(logCtx, "artifact lookup degraded to miss", slog.Any("err", errs.Loggable(err)))
		return LookupResult{Degraded: true}, nil
	}
	if !found {
		metrics.Lookups.WithLabelValues("miss").Inc()
		logging.Debug(logCtx, "artifact cache miss")
		return LookupResult{}, nil
	}

	metrics.Lookups.WithLabelValues("hit").Inc()
	age := c.now().Sub(item.GeneratedAt).Seconds()
	if age < 0 {
		age = 0
	}
	logging.Debug(logCtx, "artifact cache hit", slog.String("artifact_id", item.ID), slog.Float64("age_seconds", age))

	return LookupResult{
		Hit:        true,
		Artifact:   item,
		AgeSeconds: age,
		ExpiresAt:  item.ExpiresAt,
	}, nil
}

// Upload persists a freshly generated artifact once. Storage failures are
// returned to the caller; the artifact was generated but not saved.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if ctx == nil {
		return UploadResult{}, errors.New("context is required")
	}

	subject := artifact.NormalizeSubject(req.Subject)
	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.artifacts"),
		slog.String("subject", subject),
	)

	if req.FromCache {
		metrics.Uploads.WithLabelValues("skipped").Inc()
		logging.Info(logCtx, "upload skipped for artifact served from cache")
		return UploadResult{Skipped: true, Subject: subject}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	stored, err := c.store.Put(callCtx, artifact.Draft{
		Subject:     req.Subject,
		Text:        req.Text,
		Encoding:    req.Encoding,
		Language:    req.Language,
		Locale:      req.Locale,
		Audio:       req.Audio,
		AudioFormat: req.AudioFormat,
		Metadata:    req.Metadata,
		TTL:         req.TTL,
	})
	cancel()
	if err != nil {
		metrics.Uploads.WithLabelValues("failed").Inc()
		logging.Error(logCtx, "artifact upload failed", slog.Any("err", errs.Loggable(err)))
		return UploadResult{}, errs.Wrap(err, "store artifact")
	}

	metrics.Uploads.WithLabelValues("stored").Inc()
	logging.Info(
		logCtx,
		"artifact stored",
		slog.String("artifact_id", stored.ID),
		slog.String("encoding", stored.TextEncoding.String()),
		slog.Int64("text_bytes", stored.TextSize),
		slog.Int64("audio_bytes", stored.AudioSize),
	)

	if c.publisher != nil {
		event := StoredEvent{
			ID:          stored.ID,
			Subject:     stored.Subject,
			Language:    stored.Language,
			GeneratedAt: stored.GeneratedAt,
			ExpiresAt:   stored.ExpiresAt,
		}
		if err := c.publisher.Publish(ctx, ports.TopicStored, event); err != nil {
			logging.Warn(logCtx, "publish stored event failed", slog.Any("err", errs.Loggable(err)))
		}
	}

	if c.cfg.SweepOnUpload {
		c.sweeper.Trigger()
	}

	return UploadResult{
		ID:           stored.ID,
		Subject:      stored.Subject,
		GeneratedAt:  stored.GeneratedAt,
		ExpiresAt:    stored.ExpiresAt,
		TextEncoding: stored.TextEncoding,
		TextSize:     stored.TextSize,
		AudioSize:    stored.AudioSize,
	}, nil
}

// History lists summaries newest first. An empty subject covers all subjects.
func (c *Coordinator) History(ctx context.Context, subject string, limit int) ([]ports.ArtifactSummary, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	items, err := c.store.ListHistory(callCtx, subject, limit)
	if err != nil {
		return nil, errs.Wrap(err, "list artifact history")
	}
	return items, nil
}

func (c *Coordinator) Stats(ctx context.Context) (ports.StoreStats, error) {
	if ctx == nil {
		return ports.StoreStats{}, errors.New("context is required")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	stats, err := c.store.Stats(callCtx)
	if err != nil {
		return ports.StoreStats{}, errs.Wrap(err, "query artifact stats")
	}
	return stats, nil
}

// Sweep forces a sweep now. ran is false when one was already running.
func (c *Coordinator) Sweep(ctx context.Context) (retention.Report, bool, error) {
	if ctx == nil {
		return retention.Report{}, false, errors.New("context is required")
	}
	return c.sweeper.TryRun(ctx)
}

func (c *Coordinator) Health(ctx context.Context) ports.HealthReport {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.store.Health(callCtx)
}

// Materialize looks the artifact up and, on a hit, writes it to the staging
// area. Files are empty on a miss.
func (c *Coordinator) Materialize(ctx context.Context, subject string, language string) (ports.StagedFiles, LookupResult, error) {
	if c.staging == nil {
		return ports.StagedFiles{}, LookupResult{}, errors.New("staging area is not configured")
	}

	result, err := c.Lookup(ctx, subject, language)
	if err != nil || !result.Hit {
		return ports.StagedFiles{}, result, err
	}

	item := result.Artifact
	files, err := c.staging.Stage(ctx, item.Subject, item.GeneratedAt, item.Text, item.Audio, item.AudioFormat)
	if err != nil {
		return ports.StagedFiles{}, result, errs.Wrap(err, "stage artifact")
	}
	return files, result, nil
}
