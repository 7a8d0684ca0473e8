package repository

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/infrastructure/persistence/sqlstore/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupArtifactRepository(t *testing.T, opts Options) (*ArtifactRepository, *gorm.DB, *testClock) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "artifacts.sqlite")
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

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = time.Hour
	}
	opts.Now = clock.Now

	repo, err := NewArtifactRepository(db, opts)
	if err != nil {
		t.Fatalf("NewArtifactRepository() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo, db, clock
}

func TestPutThenGetLatestValid(t *testing.T) {
	repo, _, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	stored, err := repo.Put(ctx, artifact.Draft{
		Subject:  "Chicago",
		Text:     "Sunny, 75F",
		Language: "en",
		Audio:    []byte{1, 2, 3},
		Metadata: map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if stored.ID == "" {
		t.Fatalf("Put() returned empty id")
	}
	if !stored.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", stored.ExpiresAt)
	}

	got, found, err := repo.GetLatestValid(ctx, "chicago", "")
	if err != nil {
		t.Fatalf("GetLatestValid() error = %v", err)
	}
	if !found {
		t.Fatalf("GetLatestValid() expected found=true")
	}
	if got.ID != stored.ID || got.Text != "Sunny, 75F" || got.TextEncoding != artifact.UTF8 {
		t.Fatalf("GetLatestValid() = %#v", got)
	}
	if !bytes.Equal(got.Audio, []byte{1, 2, 3}) || got.AudioFormat != "wav" {
		t.Fatalf("audio = %v/%q", got.Audio, got.AudioFormat)
	}
	if got.TextSize != int64(len("Sunny, 75F")) || got.AudioSize != 3 {
		t.Fatalf("sizes = %d/%d", got.TextSize, got.AudioSize)
	}
	if got.Metadata["source"] != "test" || got.Metadata[artifact.MetaEncodingUsed] != "utf8" {
		t.Fatalf("metadata = %#v", got.Metadata)
	}
	if got.Metadata[artifact.MetaTTLSeconds] != float64(3600) {
		t.Fatalf("ttl_seconds = %#v", got.Metadata[artifact.MetaTTLSeconds])
	}
}

func TestGetLatestValidMissIsNotAnError(t *testing.T) {
	repo, _, _ := setupArtifactRepository(t, Options{})

	_, found, err := repo.GetLatestValid(context.Background(), "nowhere", "")
	if err != nil {
		t.Fatalf("GetLatestValid() error = %v", err)
	}
	if found {
		t.Fatalf("GetLatestValid() expected found=false")
	}
}

func TestExpiredRecordIsAbsentButInHistory(t *testing.T) {
	repo, _, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	if _, err := repo.Put(ctx, artifact.Draft{Subject: "paris", Text: "Nuageux", TTL: 60 * time.Second}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	clock.Advance(60 * time.Second)

	_, found, err := repo.GetLatestValid(ctx, "paris", "")
	if err != nil {
		t.Fatalf("GetLatestValid() error = %v", err)
	}
	if found {
		t.Fatalf("GetLatestValid() returned a record at expiresAt")
	}

	history, err := repo.ListHistory(ctx, "paris", 10)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(history) != 1 || !history[0].Expired {
		t.Fatalf("ListHistory() = %#v", history)
	}
}

func TestLatestGenerationWins(t *testing.T) {
	early, db, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	lateNow := clock.Now().Add(time.Second)
	late, err := NewArtifactRepository(db, Options{DefaultTTL: time.Hour, Now: func() time.Time { return lateNow }})
	if err != nil {
		t.Fatalf("NewArtifactRepository(late) error = %v", err)
	}
	t.Cleanup(func() {
		_ = late.Close()
	})

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]string, 2)
		errs    = make([]error, 2)
	)
	for i, writer := range []*ArtifactRepository{early, late} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			text := []string{"first", "second"}[i]
			stored, err := writer.Put(ctx, artifact.Draft{Subject: "paris", Text: text})
			results[i], errs[i] = stored.ID, err
		}()
	}
	close(start)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Put(%d) error = %v", i, err)
		}
	}

	// Inserted last but generated earlier: must not become current.
	if _, err := early.Put(ctx, artifact.Draft{Subject: "paris", Text: "stale"}); err != nil {
		t.Fatalf("Put(stale) error = %v", err)
	}

	got, found, err := early.GetLatestValid(ctx, "paris", "")
	if err != nil || !found {
		t.Fatalf("GetLatestValid() found=%v err=%v", found, err)
	}
	if got.ID != results[1] || got.Text != "second" {
		t.Fatalf("GetLatestValid() = %q, want second", got.Text)
	}
	if !got.GeneratedAt.Equal(lateNow) {
		t.Fatalf("GeneratedAt = %s, want %s", got.GeneratedAt, lateNow)
	}
}

func TestGetLatestValidFiltersByLanguage(t *testing.T) {
	repo, _, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	if _, err := repo.Put(ctx, artifact.Draft{Subject: "madrid", Text: "Soleado", Language: "es"}); err != nil {
		t.Fatalf("Put(es) error = %v", err)
	}
	clock.Advance(time.Second)
	if _, err := repo.Put(ctx, artifact.Draft{Subject: "madrid", Text: "Sunny", Language: "en"}); err != nil {
		t.Fatalf("Put(en) error = %v", err)
	}

	got, found, err := repo.GetLatestValid(ctx, "madrid", "ES")
	if err != nil || !found {
		t.Fatalf("GetLatestValid(es) found=%v err=%v", found, err)
	}
	if got.Text != "Soleado" || got.Language != "es" {
		t.Fatalf("GetLatestValid(es) = %#v", got)
	}

	_, found, err = repo.GetLatestValid(ctx, "madrid", "fr")
	if err != nil || found {
		t.Fatalf("GetLatestValid(fr) found=%v err=%v", found, err)
	}
}

func TestDeleteExpired(t *testing.T) {
	repo, _, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	for _, ttl := range []time.Duration{time.Minute, 2 * time.Minute, time.Hour} {
		if _, err := repo.Put(ctx, artifact.Draft{Subject: "oslo", Text: "Snow", TTL: ttl}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	clock.Advance(5 * time.Minute)
	removed, err := repo.DeleteExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("DeleteExpired() = %d, want 2", removed)
	}

	removed, err = repo.DeleteExpired(ctx, clock.Now())
	if err != nil || removed != 0 {
		t.Fatalf("DeleteExpired(again) = %d, %v", removed, err)
	}

	live, found, err := repo.GetLatestValid(ctx, "oslo", "")
	if err != nil || !found {
		t.Fatalf("live record must survive: found=%v err=%v", found, err)
	}

	history, err := repo.ListHistory(ctx, "oslo", 10)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != live.ID || history[0].Expired {
		t.Fatalf("ListHistory() after delete = %#v, want only %s", history, live.ID)
	}
}

func TestGetLatestValidFallsBackOnWrongTag(t *testing.T) {
	repo, db, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	raw, _, err := artifact.Encode("晴れ", artifact.UTF16)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	now := clock.Now()
	row := model.Artifact{
		ID:           "mislabelled",
		Subject:      "kyoto",
		GeneratedAt:  now,
		ExpiresAt:    now.Add(time.Hour),
		TextBytes:    raw,
		TextEncoding: "utf8",
		TextSize:     int64(len(raw)),
		AudioFormat:  "wav",
		Metadata:     "{}",
		CreatedAt:    now,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("insert row: %v", err)
	}

	got, found, err := repo.GetLatestValid(ctx, "kyoto", "")
	if err != nil || !found {
		t.Fatalf("GetLatestValid() found=%v err=%v", found, err)
	}
	if got.Text != "晴れ" || got.DecodedWith != artifact.UTF16 || got.TextEncoding != artifact.UTF8 {
		t.Fatalf("GetLatestValid() = %q decoded with %s (tag %s)", got.Text, got.DecodedWith, got.TextEncoding)
	}
}

func TestPutHonoursPreferredEncoding(t *testing.T) {
	repo, _, _ := setupArtifactRepository(t, Options{DefaultEncoding: artifact.Auto})
	ctx := context.Background()

	stored, err := repo.Put(ctx, artifact.Draft{Subject: "beijing", Text: "北京天气晴朗"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if stored.TextEncoding != artifact.UTF16 {
		t.Fatalf("TextEncoding = %s, want utf16", stored.TextEncoding)
	}

	stored, err = repo.Put(ctx, artifact.Draft{Subject: "seoul", Text: "서울 날씨", Encoding: artifact.UTF32})
	if err != nil {
		t.Fatalf("Put(utf32) error = %v", err)
	}
	got, found, err := repo.GetLatestValid(ctx, "seoul", "")
	if err != nil || !found {
		t.Fatalf("GetLatestValid() found=%v err=%v", found, err)
	}
	if got.Text != "서울 날씨" || got.TextEncoding != artifact.UTF32 || got.ID != stored.ID {
		t.Fatalf("GetLatestValid() = %#v", got)
	}
}

func TestPutRejectsInvalidRecord(t *testing.T) {
	repo, _, _ := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	cases := map[string]artifact.Draft{
		"empty text":       {Subject: "rome"},
		"empty subject":    {Text: "Sole"},
		"unknown encoding": {Subject: "rome", Text: "Sole", Encoding: "latin1"},
		"invalid unicode":  {Subject: "rome", Text: string([]byte{0xff, 0xfe})},
	}
	for name, draft := range cases {
		if _, err := repo.Put(ctx, draft); !errors.Is(err, artifact.ErrInvalidRecord) {
			t.Fatalf("%s: Put() error = %v, want ErrInvalidRecord", name, err)
		}
	}
}

func TestCompressedAudioRoundTrip(t *testing.T) {
	repo, db, _ := setupArtifactRepository(t, Options{CompressAudio: true})
	ctx := context.Background()

	audio := bytes.Repeat([]byte("RIFFdata"), 1024)
	stored, err := repo.Put(ctx, artifact.Draft{Subject: "lima", Text: "Nublado", Audio: audio, AudioFormat: "mp3"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if stored.AudioSize != int64(len(audio)) {
		t.Fatalf("AudioSize = %d, want original length", stored.AudioSize)
	}

	var row model.Artifact
	if err := db.Where("id = ?", stored.ID).Take(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if len(row.AudioBytes) >= len(audio) {
		t.Fatalf("stored audio not compressed: %d bytes", len(row.AudioBytes))
	}

	got, found, err := repo.GetLatestValid(ctx, "lima", "")
	if err != nil || !found {
		t.Fatalf("GetLatestValid() found=%v err=%v", found, err)
	}
	if !bytes.Equal(got.Audio, audio) || got.AudioFormat != "mp3" {
		t.Fatalf("audio did not round trip")
	}
	if got.Metadata[artifact.MetaAudioCodec] != "zstd" {
		t.Fatalf("audio_codec = %#v", got.Metadata[artifact.MetaAudioCodec])
	}
}

func TestListHistoryOrderingAndLimit(t *testing.T) {
	repo, _, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	for _, subject := range []string{"berlin", "berlin", "vienna", "berlin"} {
		if _, err := repo.Put(ctx, artifact.Draft{Subject: subject, Text: "Regen"}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		clock.Advance(time.Minute)
	}

	history, err := repo.ListHistory(ctx, "berlin", 2)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("ListHistory() len = %d, want 2", len(history))
	}
	if !history[0].GeneratedAt.After(history[1].GeneratedAt) {
		t.Fatalf("ListHistory() not newest first: %v, %v", history[0].GeneratedAt, history[1].GeneratedAt)
	}

	all, err := repo.ListHistory(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListHistory(all) error = %v", err)
	}
	if len(all) != 4 || all[0].Subject != "berlin" || all[1].Subject != "vienna" {
		t.Fatalf("ListHistory(all) = %#v", all)
	}
}

func TestStats(t *testing.T) {
	repo, _, clock := setupArtifactRepository(t, Options{})
	ctx := context.Background()

	drafts := []artifact.Draft{
		{Subject: "cairo", Text: "Hot", Language: "en", Audio: []byte{1, 2}},
		{Subject: "cairo", Text: "Hot again", Language: "en"},
		{Subject: "osaka", Text: "晴れ", Language: "ja", Encoding: artifact.UTF16},
		{Subject: "quito", Text: "Lluvia", TTL: time.Second},
	}
	var textBytes int64
	for _, d := range drafts {
		stored, err := repo.Put(ctx, d)
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		textBytes += stored.TextSize
	}
	clock.Advance(time.Minute)

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalRecords != 4 || stats.TotalTextBytes != textBytes || stats.TotalAudioBytes != 2 {
		t.Fatalf("Stats() totals = %#v", stats)
	}
	if stats.ByEncoding["utf8"] != 3 || stats.ByEncoding["utf16"] != 1 {
		t.Fatalf("ByEncoding = %#v", stats.ByEncoding)
	}
	if stats.ByLanguage["en"] != 2 || stats.ByLanguage["ja"] != 1 || stats.ByLanguage["und"] != 1 {
		t.Fatalf("ByLanguage = %#v", stats.ByLanguage)
	}
	if len(stats.Subjects) != 2 || stats.Subjects[0].Subject != "cairo" || stats.Subjects[0].Count != 2 {
		t.Fatalf("Subjects = %#v", stats.Subjects)
	}
	if stats.Subjects[0].LatestGenerated.IsZero() {
		t.Fatalf("LatestGenerated not parsed")
	}
}

func TestHealth(t *testing.T) {
	repo, _, _ := setupArtifactRepository(t, Options{})

	report := repo.Health(context.Background())
	if !report.Connected || !report.TableExists || report.Version == "" {
		t.Fatalf("Health() = %#v", report)
	}
	if report.Driver != "sqlite" {
		t.Fatalf("Driver = %q", report.Driver)
	}
}

func TestCancelledContextIsStorageUnavailable(t *testing.T) {
	repo, _, _ := setupArtifactRepository(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := repo.Put(ctx, artifact.Draft{Subject: "dublin", Text: "Drizzle"}); !errors.Is(err, artifact.ErrStorageUnavailable) {
		t.Fatalf("Put() error = %v, want ErrStorageUnavailable", err)
	}
	if _, _, err := repo.GetLatestValid(ctx, "dublin", ""); !errors.Is(err, artifact.ErrStorageUnavailable) {
		t.Fatalf("GetLatestValid() error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := repo.DeleteExpired(ctx, time.Now()); !errors.Is(err, artifact.ErrStorageUnavailable) {
		t.Fatalf("DeleteExpired() error = %v, want ErrStorageUnavailable", err)
	}
}
