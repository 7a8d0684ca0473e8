package artifacts

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/infrastructure/persistence/sqlstore/model"
	"forecastcache/internal/infrastructure/persistence/sqlstore/repository"
	"forecastcache/internal/infrastructure/staging"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/retention"
)

type countingSweeper struct {
	triggers atomic.Int32
	runs     atomic.Int32
}

func (s *countingSweeper) Trigger() { s.triggers.Add(1) }

func (s *countingSweeper) TryRun(context.Context) (retention.Report, bool, error) {
	s.runs.Add(1)
	return retention.Report{RecordsDeleted: 1}, true, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	p.events = append(p.events, payload)
	p.mu.Unlock()
	return nil
}

// unavailableStore fails every call the way an unreachable database does.
type unavailableStore struct {
	ports.ArtifactStore
	block bool
}

func (s unavailableStore) wait(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return errs.Mark(ctx.Err(), artifact.ErrStorageUnavailable)
	}
	return errs.Mark(errors.New("dial tcp: connection refused"), artifact.ErrStorageUnavailable)
}

func (s unavailableStore) GetLatestValid(ctx context.Context, _ string, _ string) (ports.Artifact, bool, error) {
	return ports.Artifact{}, false, s.wait(ctx)
}

func (s unavailableStore) Put(ctx context.Context, _ artifact.Draft) (ports.Artifact, error) {
	return ports.Artifact{}, s.wait(ctx)
}

type testEnv struct {
	coordinator *Coordinator
	sweeper     *countingSweeper
	publisher   *recordingPublisher
	fs          afero.Fs
	now         *time.Time
}

func setupCoordinator(t *testing.T) testEnv {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "coordinator.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&model.Artifact{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	repo, err := repository.NewArtifactRepository(db, repository.Options{DefaultTTL: 30 * time.Minute, Now: clock})
	if err != nil {
		t.Fatalf("NewArtifactRepository() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	fsys := afero.NewMemMapFs()
	dir, err := staging.New(fsys, "output", 7*24*time.Hour, clock)
	if err != nil {
		t.Fatalf("staging.New() error = %v", err)
	}

	sweeper := &countingSweeper{}
	publisher := &recordingPublisher{}
	coordinator, err := NewCoordinator(repo, sweeper, dir, publisher, Config{CallTimeout: 2 * time.Second, SweepOnUpload: true}, clock)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	return testEnv{coordinator: coordinator, sweeper: sweeper, publisher: publisher, fs: fsys, now: &now}
}

func TestLookupMissThenUploadThenHit(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()

	result, err := env.coordinator.Lookup(ctx, "Chicago", "en")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if result.Hit || result.Degraded {
		t.Fatalf("Lookup() on empty store = %#v", result)
	}

	uploaded, err := env.coordinator.Upload(ctx, UploadRequest{
		Subject:  "Chicago",
		Text:     "Sunny, 75F",
		Language: "en",
		Audio:    []byte("RIFF"),
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if uploaded.ID == "" || uploaded.Skipped {
		t.Fatalf("Upload() = %#v", uploaded)
	}
	if env.sweeper.triggers.Load() != 1 {
		t.Fatalf("sweep triggers = %d, want 1", env.sweeper.triggers.Load())
	}
	if len(env.publisher.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(env.publisher.events))
	}
	if event, ok := env.publisher.events[0].(StoredEvent); !ok || event.ID != uploaded.ID || event.Subject != "chicago" {
		t.Fatalf("stored event = %#v", env.publisher.events[0])
	}

	*env.now = env.now.Add(90 * time.Second)

	result, err = env.coordinator.Lookup(ctx, "chicago", "en")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !result.Hit {
		t.Fatalf("Lookup() expected hit")
	}
	if result.Artifact.Text != "Sunny, 75F" || !bytes.Equal(result.Artifact.Audio, []byte("RIFF")) {
		t.Fatalf("Lookup() artifact = %#v", result.Artifact)
	}
	if result.AgeSeconds != 90 {
		t.Fatalf("AgeSeconds = %v, want 90", result.AgeSeconds)
	}
	if !result.ExpiresAt.Equal(uploaded.ExpiresAt) {
		t.Fatalf("ExpiresAt = %v, want %v", result.ExpiresAt, uploaded.ExpiresAt)
	}
}

func TestUploadFromCacheIsSkipped(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()

	result, err := env.coordinator.Upload(ctx, UploadRequest{Subject: "paris", Text: "Nuageux", FromCache: true})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !result.Skipped || result.ID != "" {
		t.Fatalf("Upload() = %#v, want skipped", result)
	}

	history, err := env.coordinator.History(ctx, "paris", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("History() = %d records, want 0", len(history))
	}
	if env.sweeper.triggers.Load() != 0 {
		t.Fatalf("skipped upload must not trigger a sweep")
	}
}

func TestDuplicateUploadsBothSucceed(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := env.coordinator.Upload(ctx, UploadRequest{Subject: "oslo", Text: "Snow"}); err != nil {
			t.Fatalf("Upload(%d) error = %v", i, err)
		}
	}

	history, err := env.coordinator.History(ctx, "oslo", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() = %d records, want 2", len(history))
	}
}

func TestUploadRejectsInvalidInput(t *testing.T) {
	env := setupCoordinator(t)

	_, err := env.coordinator.Upload(context.Background(), UploadRequest{Subject: "rome"})
	if !errors.Is(err, artifact.ErrInvalidRecord) {
		t.Fatalf("Upload() error = %v, want ErrInvalidRecord", err)
	}
	if env.sweeper.triggers.Load() != 0 {
		t.Fatalf("failed upload must not trigger a sweep")
	}
}

func TestLookupDegradesWhenStoreUnavailable(t *testing.T) {
	sweeper := &countingSweeper{}
	coordinator, err := NewCoordinator(unavailableStore{}, sweeper, nil, nil, Config{CallTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	result, err := coordinator.Lookup(context.Background(), "chicago", "")
	if err != nil {
		t.Fatalf("Lookup() error = %v, want nil", err)
	}
	if result.Hit || !result.Degraded {
		t.Fatalf("Lookup() = %#v, want degraded miss", result)
	}

	_, err = coordinator.Upload(context.Background(), UploadRequest{Subject: "chicago", Text: "Sunny"})
	if !errors.Is(err, artifact.ErrStorageUnavailable) {
		t.Fatalf("Upload() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestLookupTimeoutIsDegradedMiss(t *testing.T) {
	coordinator, err := NewCoordinator(unavailableStore{block: true}, &countingSweeper{}, nil, nil, Config{CallTimeout: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	start := time.Now()
	result, err := coordinator.Lookup(context.Background(), "chicago", "")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !result.Degraded {
		t.Fatalf("Lookup() = %#v, want degraded", result)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Lookup() ignored call timeout")
	}
}

func TestLookupRequiresSubject(t *testing.T) {
	env := setupCoordinator(t)

	if _, err := env.coordinator.Lookup(context.Background(), "   ", ""); !errors.Is(err, artifact.ErrInvalidRecord) {
		t.Fatalf("Lookup() error = %v, want ErrInvalidRecord", err)
	}
}

func TestMaterializeStagesHit(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()

	if _, err := env.coordinator.Upload(ctx, UploadRequest{Subject: "New York", Text: "Rain", Audio: []byte("ID3"), AudioFormat: "mp3"}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	files, result, err := env.coordinator.Materialize(ctx, "new york", "")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if !result.Hit || files.TextPath == "" || files.AudioPath == "" {
		t.Fatalf("Materialize() = %#v, %#v", files, result)
	}
	data, err := afero.ReadFile(env.fs, files.AudioPath)
	if err != nil || string(data) != "ID3" {
		t.Fatalf("staged audio = %q, err = %v", data, err)
	}

	files, result, err = env.coordinator.Materialize(ctx, "nowhere", "")
	if err != nil || result.Hit || files.TextPath != "" {
		t.Fatalf("Materialize(miss) = %#v, %#v, %v", files, result, err)
	}
}

func TestSweepAndStatsDelegate(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()

	if _, err := env.coordinator.Upload(ctx, UploadRequest{Subject: "cairo", Text: "Hot", Language: "en"}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	report, ran, err := env.coordinator.Sweep(ctx)
	if err != nil || !ran || report.RecordsDeleted != 1 {
		t.Fatalf("Sweep() = %#v, %v, %v", report, ran, err)
	}

	stats, err := env.coordinator.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalRecords != 1 || stats.ByLanguage["en"] != 1 {
		t.Fatalf("Stats() = %#v", stats)
	}

	health := env.coordinator.Health(ctx)
	if !health.Connected || !health.TableExists {
		t.Fatalf("Health() = %#v", health)
	}
}
