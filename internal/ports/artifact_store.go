package ports

import (
	"context"
	"time"

	"forecastcache/internal/domain/artifact"
)

// Artifact is a persisted artifact with its text already decoded.
type Artifact struct {
	ID           string
	Subject      string
	GeneratedAt  time.Time
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Text         string
	TextEncoding artifact.Encoding
	// DecodedWith differs from TextEncoding when the stored tag did not
	// decode and the fallback chain was used.
	DecodedWith artifact.Encoding
	Language    string
	Locale      string
	Audio       []byte
	AudioFormat string
	TextSize    int64
	AudioSize   int64
	Metadata    map[string]any
}

// ArtifactSummary is a history row; blobs are never loaded for it.
type ArtifactSummary struct {
	ID           string
	Subject      string
	GeneratedAt  time.Time
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Expired      bool
	TextEncoding artifact.Encoding
	Language     string
	Locale       string
	AudioFormat  string
	TextSize     int64
	AudioSize    int64
}

type SubjectStats struct {
	Subject         string
	Count           int64
	TextBytes       int64
	AudioBytes      int64
	LatestGenerated time.Time
}

type StoreStats struct {
	TotalRecords    int64
	TotalTextBytes  int64
	TotalAudioBytes int64
	ByEncoding      map[string]int64
	ByLanguage      map[string]int64
	// Subjects covers non-expired records only, busiest first.
	Subjects []SubjectStats
}

type HealthReport struct {
	Connected   bool
	Driver      string
	Version     string
	TableExists bool
	Error       string
}

// ArtifactStore is the durable, append-only artifact store.
type ArtifactStore interface {
	Put(ctx context.Context, draft artifact.Draft) (Artifact, error)
	GetLatestValid(ctx context.Context, subject string, language string) (Artifact, bool, error)
	ListHistory(ctx context.Context, subject string, limit int) ([]ArtifactSummary, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context) (StoreStats, error)
	Health(ctx context.Context) HealthReport
}
