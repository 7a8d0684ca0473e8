package ports

import (
	"context"
	"time"
)

// StagedFiles points at local copies of one artifact. AudioPath is empty
// when the artifact had no audio.
type StagedFiles struct {
	TextPath  string
	AudioPath string
}

// StagingReport describes one retention pass over the staging directory.
type StagingReport struct {
	FilesDeleted int
	BytesFreed   int64
	DirsRemoved  int
}

// StagingArea holds disposable local copies of artifacts.
type StagingArea interface {
	Stage(ctx context.Context, subject string, generatedAt time.Time, text string, audio []byte, audioFormat string) (StagedFiles, error)
	Sweep(ctx context.Context) (StagingReport, error)
}
