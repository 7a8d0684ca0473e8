package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/errs"
	"forecastcache/internal/ports"
)

const timestampLayout = "20060102T150405Z"

// Dir keeps local copies of artifacts under <root>/<subject>/ for callers
// that need file paths. Files are disposable; the durable copy lives in the
// artifact store.
type Dir struct {
	fs        afero.Fs
	root      string
	retention time.Duration
	now       func() time.Time
}

var _ ports.StagingArea = (*Dir)(nil)

func New(fsys afero.Fs, root string, retention time.Duration, now func() time.Time) (*Dir, error) {
	if fsys == nil {
		return nil, errors.New("filesystem is required")
	}
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("staging dir is required")
	}
	if retention <= 0 {
		return nil, errors.New("staging retention must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Dir{
		fs:        fsys,
		root:      filepath.Clean(root),
		retention: retention,
		now:       now,
	}, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) Retention() time.Duration { return d.retention }

// Stage writes text and optional audio as
// <root>/<subject>/forecast_text_<ts>.txt and forecast_audio_<ts>.<format>.
func (d *Dir) Stage(ctx context.Context, subject string, generatedAt time.Time, text string, audio []byte, audioFormat string) (ports.StagedFiles, error) {
	if ctx == nil {
		return ports.StagedFiles{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return ports.StagedFiles{}, errs.Wrap(err, "check context")
	}

	name := dirName(subject)
	if name == "" {
		return ports.StagedFiles{}, errors.New("subject is required")
	}
	subjectDir := filepath.Join(d.root, name)
	if err := d.fs.MkdirAll(subjectDir, 0o755); err != nil {
		return ports.StagedFiles{}, errs.Wrapf(err, "create staging dir %q", subjectDir)
	}

	stamp := generatedAt.UTC().Format(timestampLayout)
	files := ports.StagedFiles{TextPath: filepath.Join(subjectDir, "forecast_text_"+stamp+".txt")}
	if err := afero.WriteFile(d.fs, files.TextPath, []byte(text), 0o644); err != nil {
		return ports.StagedFiles{}, errs.Wrapf(err, "write %q", files.TextPath)
	}

	if len(audio) > 0 {
		format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(audioFormat)), ".")
		if format == "" {
			format = "wav"
		}
		files.AudioPath = filepath.Join(subjectDir, fmt.Sprintf("forecast_audio_%s.%s", stamp, format))
		if err := afero.WriteFile(d.fs, files.AudioPath, audio, 0o644); err != nil {
			return ports.StagedFiles{}, errs.Wrapf(err, "write %q", files.AudioPath)
		}
	}

	return files, nil
}

// Sweep removes files older than the retention window.
func (d *Dir) Sweep(ctx context.Context) (ports.StagingReport, error) {
	return d.RemoveOlderThan(ctx, d.now().Add(-d.retention))
}

// RemoveOlderThan deletes files in subject directories whose modification
// time is before cutoff, then removes subject directories left empty.
// Per-file failures are collected and do not stop the pass.
func (d *Dir) RemoveOlderThan(ctx context.Context, cutoff time.Time) (ports.StagingReport, error) {
	if ctx == nil {
		return ports.StagingReport{}, errors.New("context is required")
	}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "staging.dir"))

	var report ports.StagingReport
	entries, err := afero.ReadDir(d.fs, d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, errs.Wrapf(err, "read staging dir %q", d.root)
	}

	var failures []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			failures = append(failures, errs.Wrap(err, "check context"))
			break
		}
		if !entry.IsDir() {
			continue
		}

		subjectDir := filepath.Join(d.root, entry.Name())
		files, err := afero.ReadDir(d.fs, subjectDir)
		if err != nil {
			failures = append(failures, errs.Wrapf(err, "read %q", subjectDir))
			continue
		}

		remaining := 0
		for _, file := range files {
			if file.IsDir() || !file.ModTime().Before(cutoff) {
				remaining++
				continue
			}
			path := filepath.Join(subjectDir, file.Name())
			if err := d.fs.Remove(path); err != nil {
				remaining++
				failures = append(failures, errs.Wrapf(err, "remove %q", path))
				logging.Warn(logCtx, "failed to remove staged file", slog.String("path", path), slog.Any("err", errs.Loggable(err)))
				continue
			}
			report.FilesDeleted++
			report.BytesFreed += file.Size()
		}

		if remaining == 0 {
			if err := d.fs.Remove(subjectDir); err != nil {
				failures = append(failures, errs.Wrapf(err, "remove dir %q", subjectDir))
				continue
			}
			report.DirsRemoved++
		}
	}

	if report.FilesDeleted > 0 || report.DirsRemoved > 0 {
		logging.Info(
			logCtx,
			"staged files removed",
			slog.Int("files", report.FilesDeleted),
			slog.Int64("bytes", report.BytesFreed),
			slog.Int("dirs", report.DirsRemoved),
		)
	}
	return report, errors.Join(failures...)
}

// dirName maps a subject onto a single safe path element.
func dirName(subject string) string {
	fields := strings.Fields(strings.ToLower(subject))
	name := strings.Join(fields, "_")
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
