package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/infrastructure/metrics"
	"forecastcache/internal/ports"
)

type Mode string

const (
	ModeOnUpload Mode = "on-upload"
	ModePeriodic Mode = "periodic"
	ModeBoth     Mode = "both"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeOnUpload:
		return ModeOnUpload, nil
	case ModePeriodic:
		return ModePeriodic, nil
	case ModeBoth:
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("unknown sweep mode %q", raw)
	}
}

func (m Mode) OnUpload() bool { return m == ModeOnUpload || m == ModeBoth }
func (m Mode) Periodic() bool { return m == ModePeriodic || m == ModeBoth }

type Config struct {
	Mode     Mode
	Interval time.Duration
	// MaxRuntime is how long a sweep may hold the running flag before the
	// next trigger treats it as stuck and takes over.
	MaxRuntime time.Duration
	// CallTimeout bounds each store or filesystem call made by a sweep.
	CallTimeout time.Duration
}

type Report struct {
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	RecordsDeleted int64               `json:"records_deleted"`
	Files          ports.StagingReport `json:"files"`
	Errors         []string            `json:"errors,omitempty"`
}

type Counters struct {
	Triggers int64
	Started  int64
	Skipped  int64
	Resets   int64
}

// Sweeper deletes expired records and aged staging files. At most one sweep
// runs at a time; a trigger that arrives while one is running is dropped.
type Sweeper struct {
	store     ports.ArtifactStore
	staging   ports.StagingArea
	publisher ports.EventPublisher
	cfg       Config
	now       func() time.Time

	// owner is 0 when idle, otherwise the start time of the running sweep
	// in unix nanos.
	owner atomic.Int64

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	triggers atomic.Int64
	started  atomic.Int64
	skipped  atomic.Int64
	resets   atomic.Int64
}

// NewSweeper builds a sweeper. staging and publisher may be nil.
func NewSweeper(ctx context.Context, store ports.ArtifactStore, staging ports.StagingArea, publisher ports.EventPublisher, cfg Config, now func() time.Time) (*Sweeper, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeOnUpload
	}
	if cfg.MaxRuntime <= 0 {
		return nil, errors.New("sweep max runtime must be positive")
	}
	if cfg.CallTimeout <= 0 {
		return nil, errors.New("sweep call timeout must be positive")
	}
	if cfg.Mode.Periodic() && cfg.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive in periodic mode")
	}
	if now == nil {
		now = time.Now
	}

	base, cancel := context.WithCancel(context.WithoutCancel(
		logging.WithAttrs(ctx, slog.String("component", "retention.sweeper")),
	))

	return &Sweeper{
		store:     store,
		staging:   staging,
		publisher: publisher,
		cfg:       cfg,
		now:       now,
		base:      base,
		cancel:    cancel,
	}, nil
}

func (s *Sweeper) Mode() Mode { return s.cfg.Mode }

// Running reports whether a sweep currently holds the flag.
func (s *Sweeper) Running() bool { return s.owner.Load() != 0 }

func (s *Sweeper) Counters() Counters {
	return Counters{
		Triggers: s.triggers.Load(),
		Started:  s.started.Load(),
		Skipped:  s.skipped.Load(),
		Resets:   s.resets.Load(),
	}
}

// TryRun sweeps synchronously. ran is false when another sweep was already
// running. A non-nil error wraps artifact.ErrPartialSweepFailure; both halves
// of the sweep are attempted regardless.
func (s *Sweeper) TryRun(ctx context.Context) (Report, bool, error) {
	if ctx == nil {
		return Report{}, false, errors.New("context is required")
	}

	token, ok := s.acquire(ctx)
	if !ok {
		s.skipped.Add(1)
		metrics.Sweeps.WithLabelValues("skipped").Inc()
		logging.Debug(ctx, "sweep already running, trigger dropped")
		return Report{}, false, nil
	}
	defer s.owner.CompareAndSwap(token, 0)

	s.started.Add(1)
	report, err := s.sweep(ctx)
	return report, true, err
}

// Trigger starts a sweep in the background and returns immediately. Errors
// are logged, never returned to the caller.
func (s *Sweeper) Trigger() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.triggers.Add(1)
	if s.busy() {
		s.mu.Unlock()
		s.skipped.Add(1)
		metrics.Sweeps.WithLabelValues("skipped").Inc()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _, _ = s.TryRun(s.base)
	}()
}

// Start launches the periodic loop when the mode asks for one. It returns
// immediately; Stop ends the loop.
func (s *Sweeper) Start() {
	if !s.cfg.Mode.Periodic() {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.loop(s.base)
	}()
	logging.Info(s.base, "periodic sweep started", slog.Duration("interval", s.cfg.Interval))
}

// Stop cancels running sweeps and waits for background work to finish or
// for ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(s.base, "sweeper stopped")
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err(), "wait for sweeper")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.triggers.Add(1)
			_, _, _ = s.TryRun(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// acquire is a test-and-set on owner. A holder older than MaxRuntime is
// considered stuck and replaced.
// busy reports a sweep holding the flag that is still within MaxRuntime.
func (s *Sweeper) busy() bool {
	current := s.owner.Load()
	return current != 0 && time.Duration(s.now().UnixNano()-current) < s.cfg.MaxRuntime
}

func (s *Sweeper) acquire(ctx context.Context) (int64, bool) {
	now := s.now().UnixNano()
	if now == 0 {
		now = 1
	}

	for {
		current := s.owner.Load()
		if current == 0 {
			if s.owner.CompareAndSwap(0, now) {
				return now, true
			}
			continue
		}

		held := time.Duration(now - current)
		if held < s.cfg.MaxRuntime {
			return 0, false
		}
		if s.owner.CompareAndSwap(current, now) {
			s.resets.Add(1)
			metrics.Sweeps.WithLabelValues("reset").Inc()
			logging.Warn(ctx, "previous sweep exceeded max runtime, taking over", slog.Duration("held", held))
			return now, true
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) (Report, error) {
	report := Report{StartedAt: s.now().UTC()}
	var failures []error

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	removed, err := s.store.DeleteExpired(callCtx, report.StartedAt)
	cancel()
	if err != nil {
		failures = append(failures, errs.Wrap(err, "delete expired artifacts"))
		logging.Error(ctx, "delete expired artifacts failed", slog.Any("err", errs.Loggable(err)))
	} else {
		report.RecordsDeleted = removed
		metrics.RecordsRemoved.Add(float64(removed))
	}

	if s.staging != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		files, err := s.staging.Sweep(callCtx)
		cancel()
		report.Files = files
		metrics.StagedFilesRemoved.Add(float64(files.FilesDeleted))
		if err != nil {
			failures = append(failures, errs.Wrap(err, "sweep staging dir"))
			logging.Error(ctx, "sweep staging dir failed", slog.Any("err", errs.Loggable(err)))
		}
	}

	report.FinishedAt = s.now().UTC()
	for _, failure := range failures {
		report.Errors = append(report.Errors, failure.Error())
	}

	outcome := "completed"
	if len(failures) > 0 {
		outcome = "partial"
	} else {
		metrics.SweepDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
	metrics.Sweeps.WithLabelValues(outcome).Inc()

	logging.Info(
		ctx,
		"sweep finished",
		slog.String("outcome", outcome),
		slog.Int64("records_deleted", report.RecordsDeleted),
		slog.Int("files_deleted", report.Files.FilesDeleted),
		slog.Int64("bytes_freed", report.Files.BytesFreed),
		slog.Int("dirs_removed", report.Files.DirsRemoved),
	)

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ports.TopicSwept, report); err != nil {
			logging.Warn(ctx, "publish sweep event failed", slog.Any("err", errs.Loggable(err)))
		}
	}

	if len(failures) > 0 {
		return report, fmt.Errorf("%w: %w", artifact.ErrPartialSweepFailure, errors.Join(failures...))
	}
	return report, nil
}
