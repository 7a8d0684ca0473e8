package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/infrastructure/cache"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/retention"
)

type subjectBreakdown struct {
	Subject           string    `json:"subject"`
	Count             int64     `json:"count"`
	TextBytes         int64     `json:"text_bytes"`
	AudioBytes        int64     `json:"audio_bytes"`
	LatestGeneratedAt time.Time `json:"latest_generated_at,omitzero"`
}

type statistics struct {
	TotalRecords    int64              `json:"total_records"`
	TotalTextBytes  int64              `json:"total_text_bytes"`
	TotalAudioBytes int64              `json:"total_audio_bytes"`
	ByEncoding      map[string]int64   `json:"by_encoding"`
	ByLanguage      map[string]int64   `json:"by_language"`
	BySubject       []subjectBreakdown `json:"by_subject"`
}

type statsResponse struct {
	Status     string     `json:"status"`
	Statistics statistics `json:"statistics"`
}

type sweepResponse struct {
	Status string            `json:"status"`
	Report *retention.Report `json:"report,omitempty"`
	Error  string            `json:"error,omitempty"`
}

type databaseHealth struct {
	Connected   bool   `json:"connected"`
	Driver      string `json:"driver,omitempty"`
	Version     string `json:"version,omitempty"`
	TableExists bool   `json:"forecasts_table_exists"`
	Error       string `json:"error,omitempty"`
}

type lookupCacheHealth struct {
	Entries          int     `json:"entries"`
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
}

type healthResponse struct {
	Status      string             `json:"status"`
	Timestamp   time.Time          `json:"timestamp"`
	Database    databaseHealth     `json:"database"`
	LookupCache *lookupCacheHealth `json:"lookup_cache,omitempty"`
	Version     string             `json:"api_version,omitempty"`
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	var (
		body []byte
		err  error
	)
	if h.statsCache != nil {
		body, err = h.statsCache.GetOrLoad(r.Context(), cache.Key("stats"), h.statsTTL, h.renderStats)
	} else {
		body, err = h.renderStats(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *handler) renderStats(ctx context.Context) ([]byte, error) {
	stats, err := h.coordinator.Stats(ctx)
	if err != nil {
		return nil, err
	}

	out := statistics{
		TotalRecords:    stats.TotalRecords,
		TotalTextBytes:  stats.TotalTextBytes,
		TotalAudioBytes: stats.TotalAudioBytes,
		ByEncoding:      stats.ByEncoding,
		ByLanguage:      stats.ByLanguage,
		BySubject:       make([]subjectBreakdown, 0, len(stats.Subjects)),
	}
	for _, subject := range stats.Subjects {
		out.BySubject = append(out.BySubject, subjectBreakdown{
			Subject:           subject.Subject,
			Count:             subject.Count,
			TextBytes:         subject.TextBytes,
			AudioBytes:        subject.AudioBytes,
			LatestGeneratedAt: subject.LatestGenerated,
		})
	}

	body, err := json.Marshal(statsResponse{Status: "success", Statistics: out})
	if err != nil {
		return nil, errs.Wrap(err, "marshal stats")
	}
	return append(body, '\n'), nil
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	report, ran, err := h.coordinator.Sweep(r.Context())
	switch {
	case !ran:
		writeJSON(w, http.StatusConflict, sweepResponse{Status: "skipped", Error: "a sweep is already running"})
	case errors.Is(err, artifact.ErrPartialSweepFailure):
		writeJSON(w, http.StatusOK, sweepResponse{Status: "partial", Report: &report, Error: err.Error()})
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, sweepResponse{Status: "completed", Report: &report})
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.coordinator.Health(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Database:  toDatabaseHealth(report),
		Version:   h.version,
	}
	if h.statsCache != nil {
		stats := h.statsCache.Stats()
		resp.LookupCache = &lookupCacheHealth{
			Entries:          stats.EntryCount,
			OldestAgeSeconds: stats.OldestEntryAge.Seconds(),
		}
	}

	status := http.StatusOK
	if !report.Connected {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func toDatabaseHealth(report ports.HealthReport) databaseHealth {
	return databaseHealth{
		Connected:   report.Connected,
		Driver:      report.Driver,
		Version:     report.Version,
		TableExists: report.TableExists,
		Error:       report.Error,
	}
}
