package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/usecase/artifacts"
)

type getCachedInput struct {
	Subject  string `json:"subject" jsonschema:"subject to look up, for example a city name"`
	Language string `json:"language,omitempty" jsonschema:"optional ISO 639-1 language filter"`
}

type cachedForecastOutput struct {
	Cached       bool    `json:"cached"`
	Degraded     bool    `json:"degraded,omitempty"`
	Subject      string  `json:"subject"`
	ID           string  `json:"id,omitempty"`
	Text         string  `json:"text,omitempty"`
	TextEncoding string  `json:"text_encoding,omitempty"`
	DecodedWith  string  `json:"decoded_with,omitempty"`
	Language     string  `json:"language,omitempty"`
	Locale       string  `json:"locale,omitempty"`
	AudioBase64  string  `json:"audio_base64,omitempty"`
	AudioFormat  string  `json:"audio_format,omitempty"`
	GeneratedAt  string  `json:"generated_at,omitempty"`
	ExpiresAt    string  `json:"expires_at,omitempty"`
	AgeSeconds   float64 `json:"age_seconds,omitempty"`
	TextBytes    int64   `json:"text_bytes,omitempty"`
	AudioBytes   int64   `json:"audio_bytes,omitempty"`
}

type uploadInput struct {
	Subject       string         `json:"subject" jsonschema:"subject the artifact is about"`
	Text          string         `json:"text" jsonschema:"generated forecast text, any unicode language"`
	Encoding      string         `json:"encoding,omitempty" jsonschema:"utf8, utf16, utf32 or auto; store default when omitted"`
	Language      string         `json:"language,omitempty" jsonschema:"ISO 639-1 language code"`
	Locale        string         `json:"locale,omitempty" jsonschema:"full locale such as en-US"`
	AudioBase64   string         `json:"audio_base64,omitempty" jsonschema:"audio bytes, base64 encoded"`
	AudioFilePath string         `json:"audio_file_path,omitempty" jsonschema:"path of an audio file to read instead of audio_base64"`
	AudioFormat   string         `json:"audio_format,omitempty" jsonschema:"audio container, wav when omitted"`
	TTLSeconds    int64          `json:"ttl_seconds,omitempty" jsonschema:"time to live in seconds; store default when omitted"`
	Metadata      map[string]any `json:"metadata,omitempty" jsonschema:"free-form metadata stored with the artifact"`
	FromCache     bool           `json:"from_cache,omitempty" jsonschema:"true when the artifact was itself served from cache"`
}

type uploadOutput struct {
	Status       string `json:"status"`
	ID           string `json:"id,omitempty"`
	Subject      string `json:"subject"`
	GeneratedAt  string `json:"generated_at,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	TextEncoding string `json:"text_encoding,omitempty"`
	TextBytes    int64  `json:"text_bytes,omitempty"`
	AudioBytes   int64  `json:"audio_bytes,omitempty"`
}

type listInput struct {
	Subject string `json:"subject,omitempty" jsonschema:"subject to filter by; all subjects when omitted"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

type forecastSummary struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	GeneratedAt  string `json:"generated_at"`
	ExpiresAt    string `json:"expires_at"`
	Expired      bool   `json:"expired"`
	TextEncoding string `json:"text_encoding"`
	Language     string `json:"language,omitempty"`
	Locale       string `json:"locale,omitempty"`
	AudioFormat  string `json:"audio_format,omitempty"`
	TextBytes    int64  `json:"text_bytes"`
	AudioBytes   int64  `json:"audio_bytes"`
}

type listOutput struct {
	Count     int               `json:"count"`
	Forecasts []forecastSummary `json:"forecasts"`
}

type emptyInput struct{}

type subjectStats struct {
	Subject           string `json:"subject"`
	Count             int64  `json:"count"`
	TextBytes         int64  `json:"text_bytes"`
	AudioBytes        int64  `json:"audio_bytes"`
	LatestGeneratedAt string `json:"latest_generated_at,omitempty"`
}

type statsOutput struct {
	TotalRecords    int64            `json:"total_records"`
	TotalTextBytes  int64            `json:"total_text_bytes"`
	TotalAudioBytes int64            `json:"total_audio_bytes"`
	ByEncoding      map[string]int64 `json:"by_encoding"`
	ByLanguage      map[string]int64 `json:"by_language"`
	BySubject       []subjectStats   `json:"by_subject"`
}

type cleanupOutput struct {
	Status         string   `json:"status"`
	DeletedCount   int64    `json:"deleted_count"`
	RemainingCount int64    `json:"remaining_count"`
	FilesDeleted   int      `json:"files_deleted"`
	BytesFreed     int64    `json:"bytes_freed"`
	Errors         []string `json:"errors,omitempty"`
}

type healthOutput struct {
	Connected   bool   `json:"connected"`
	Driver      string `json:"driver,omitempty"`
	Version     string `json:"version,omitempty"`
	TableExists bool   `json:"table_exists"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_cached_forecast",
		Description: "Return the latest non-expired forecast for a subject with base64 audio. cached is false on a miss; degraded is set when storage is unreachable.",
	}, s.getCachedForecast)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "upload_forecast",
		Description: "Store a freshly generated forecast (text plus optional audio). Artifacts marked from_cache are skipped.",
	}, s.uploadForecast)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_forecasts",
		Description: "List forecast history newest first, optionally for one subject. Expired records are included and flagged.",
	}, s.listForecasts)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_storage_stats",
		Description: "Report record counts, stored sizes, encodings and languages used, and a per-subject breakdown.",
	}, s.getStorageStats)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cleanup_expired_forecasts",
		Description: "Run a retention sweep now: delete expired records and aged staging files.",
	}, s.cleanupExpired)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "health_check",
		Description: "Check the backing store connection, its version and whether the artifacts table exists.",
	}, s.healthCheck)
}

func toolContext(ctx context.Context, tool string) context.Context {
	return logging.WithAttrs(ctx, slog.String("component", "transport.mcp"), slog.String("tool", tool))
}

func (s *Server) getCachedForecast(ctx context.Context, _ *mcp.CallToolRequest, in getCachedInput) (*mcp.CallToolResult, cachedForecastOutput, error) {
	ctx = toolContext(ctx, "get_cached_forecast")

	result, err := s.coordinator.Lookup(ctx, in.Subject, in.Language)
	if err != nil {
		return nil, cachedForecastOutput{}, err
	}

	out := cachedForecastOutput{Subject: artifact.NormalizeSubject(in.Subject), Degraded: result.Degraded}
	if !result.Hit {
		return nil, out, nil
	}

	item := result.Artifact
	out.Cached = true
	out.ID = item.ID
	out.Text = item.Text
	out.TextEncoding = item.TextEncoding.String()
	if item.DecodedWith != "" && item.DecodedWith != item.TextEncoding {
		out.DecodedWith = item.DecodedWith.String()
	}
	out.Language = item.Language
	out.Locale = item.Locale
	out.AudioFormat = item.AudioFormat
	if len(item.Audio) > 0 {
		out.AudioBase64 = base64.StdEncoding.EncodeToString(item.Audio)
	}
	out.GeneratedAt = formatTime(item.GeneratedAt)
	out.ExpiresAt = formatTime(item.ExpiresAt)
	out.AgeSeconds = result.AgeSeconds
	out.TextBytes = item.TextSize
	out.AudioBytes = item.AudioSize
	return nil, out, nil
}

func (s *Server) uploadForecast(ctx context.Context, _ *mcp.CallToolRequest, in uploadInput) (*mcp.CallToolResult, uploadOutput, error) {
	ctx = toolContext(ctx, "upload_forecast")

	encoding, err := artifact.ParseRequestedEncoding(in.Encoding)
	if err != nil {
		return nil, uploadOutput{}, err
	}
	ttl, err := artifact.TTLFromSeconds(in.TTLSeconds)
	if err != nil {
		return nil, uploadOutput{}, err
	}
	audio, err := s.readAudio(in)
	if err != nil {
		return nil, uploadOutput{}, err
	}

	result, err := s.coordinator.Upload(ctx, artifacts.UploadRequest{
		Subject:     in.Subject,
		Text:        in.Text,
		Encoding:    encoding,
		Language:    in.Language,
		Locale:      in.Locale,
		Audio:       audio,
		AudioFormat: in.AudioFormat,
		Metadata:    in.Metadata,
		TTL:         ttl,
		FromCache:   in.FromCache,
	})
	if err != nil {
		return nil, uploadOutput{}, err
	}
	if result.Skipped {
		return nil, uploadOutput{Status: "skipped", Subject: result.Subject}, nil
	}

	return nil, uploadOutput{
		Status:       "stored",
		ID:           result.ID,
		Subject:      result.Subject,
		GeneratedAt:  formatTime(result.GeneratedAt),
		ExpiresAt:    formatTime(result.ExpiresAt),
		TextEncoding: result.TextEncoding.String(),
		TextBytes:    result.TextSize,
		AudioBytes:   result.AudioSize,
	}, nil
}

func (s *Server) readAudio(in uploadInput) ([]byte, error) {
	switch {
	case in.AudioBase64 != "" && in.AudioFilePath != "":
		return nil, fmt.Errorf("%w: audio_base64 and audio_file_path are mutually exclusive", artifact.ErrInvalidRecord)
	case in.AudioBase64 != "":
		audio, err := base64.StdEncoding.DecodeString(in.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: audio_base64: %v", artifact.ErrInvalidRecord, err)
		}
		return audio, nil
	case in.AudioFilePath != "" && s.fs == nil:
		return nil, fmt.Errorf("%w: audio_file_path is not accepted by this server", artifact.ErrInvalidRecord)
	case in.AudioFilePath != "":
		audio, err := afero.ReadFile(s.fs, in.AudioFilePath)
		if err != nil {
			return nil, errs.Wrapf(err, "read audio file %s", in.AudioFilePath)
		}
		return audio, nil
	default:
		return nil, nil
	}
}

func (s *Server) listForecasts(ctx context.Context, _ *mcp.CallToolRequest, in listInput) (*mcp.CallToolResult, listOutput, error) {
	ctx = toolContext(ctx, "list_forecasts")

	if in.Limit < 0 {
		return nil, listOutput{}, fmt.Errorf("%w: limit must not be negative", artifact.ErrInvalidRecord)
	}
	items, err := s.coordinator.History(ctx, in.Subject, in.Limit)
	if err != nil {
		return nil, listOutput{}, err
	}

	out := listOutput{Count: len(items), Forecasts: make([]forecastSummary, 0, len(items))}
	for _, item := range items {
		out.Forecasts = append(out.Forecasts, forecastSummary{
			ID:           item.ID,
			Subject:      item.Subject,
			GeneratedAt:  formatTime(item.GeneratedAt),
			ExpiresAt:    formatTime(item.ExpiresAt),
			Expired:      item.Expired,
			TextEncoding: item.TextEncoding.String(),
			Language:     item.Language,
			Locale:       item.Locale,
			AudioFormat:  item.AudioFormat,
			TextBytes:    item.TextSize,
			AudioBytes:   item.AudioSize,
		})
	}
	return nil, out, nil
}

func (s *Server) getStorageStats(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, statsOutput, error) {
	ctx = toolContext(ctx, "get_storage_stats")

	stats, err := s.coordinator.Stats(ctx)
	if err != nil {
		return nil, statsOutput{}, err
	}

	out := statsOutput{
		TotalRecords:    stats.TotalRecords,
		TotalTextBytes:  stats.TotalTextBytes,
		TotalAudioBytes: stats.TotalAudioBytes,
		ByEncoding:      stats.ByEncoding,
		ByLanguage:      stats.ByLanguage,
		BySubject:       make([]subjectStats, 0, len(stats.Subjects)),
	}
	for _, subject := range stats.Subjects {
		out.BySubject = append(out.BySubject, subjectStats{
			Subject:           subject.Subject,
			Count:             subject.Count,
			TextBytes:         subject.TextBytes,
			AudioBytes:        subject.AudioBytes,
			LatestGeneratedAt: formatTime(subject.LatestGenerated),
		})
	}
	return nil, out, nil
}

func (s *Server) cleanupExpired(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, cleanupOutput, error) {
	ctx = toolContext(ctx, "cleanup_expired_forecasts")

	report, ran, sweepErr := s.coordinator.Sweep(ctx)
	if !ran {
		return nil, cleanupOutput{Status: "skipped"}, nil
	}

	out := cleanupOutput{
		Status:       "completed",
		DeletedCount: report.RecordsDeleted,
		FilesDeleted: report.Files.FilesDeleted,
		BytesFreed:   report.Files.BytesFreed,
		Errors:       report.Errors,
	}
	if sweepErr != nil {
		out.Status = "partial"
		logging.Warn(ctx, "sweep finished with errors", slog.Any("err", errs.Loggable(sweepErr)))
	}

	stats, err := s.coordinator.Stats(ctx)
	if err != nil {
		logging.Warn(ctx, "count remaining records failed", slog.Any("err", errs.Loggable(err)))
		out.RemainingCount = -1
		return nil, out, nil
	}
	out.RemainingCount = stats.TotalRecords
	return nil, out, nil
}

func (s *Server) healthCheck(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, healthOutput, error) {
	report := s.coordinator.Health(toolContext(ctx, "health_check"))
	return nil, healthOutput{
		Connected:   report.Connected,
		Driver:      report.Driver,
		Version:     report.Version,
		TableExists: report.TableExists,
		Error:       report.Error,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
