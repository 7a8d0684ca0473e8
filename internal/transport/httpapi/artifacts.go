package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/artifacts"
)

const maxUploadBytes = 32 << 20

type forecastSizes struct {
	TextBytes  int64 `json:"text_bytes"`
	AudioBytes int64 `json:"audio_bytes"`
}

type forecastMetadata struct {
	Encoding    string         `json:"text_encoding"`
	DecodedWith string         `json:"decoded_with,omitempty"`
	Language    string         `json:"language,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	Sizes       forecastSizes  `json:"sizes"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type forecastBody struct {
	ID          string           `json:"id"`
	Text        string           `json:"text"`
	AudioBase64 string           `json:"audio_base64,omitempty"`
	AudioFormat string           `json:"audio_format,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	AgeSeconds  float64          `json:"age_seconds"`
	Metadata    forecastMetadata `json:"metadata"`
}

type latestResponse struct {
	Status   string       `json:"status"`
	Subject  string       `json:"subject"`
	Forecast forecastBody `json:"forecast"`
}

type missResponse struct {
	Status   string `json:"status"`
	Subject  string `json:"subject"`
	Degraded bool   `json:"degraded,omitempty"`
	Message  string `json:"message"`
}

type uploadRequest struct {
	Text        string         `json:"text"`
	Encoding    string         `json:"encoding,omitempty"`
	Language    string         `json:"language,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	AudioBase64 string         `json:"audio_base64,omitempty"`
	AudioFormat string         `json:"audio_format,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	TTLSeconds  int64          `json:"ttl_seconds,omitempty"`
	FromCache   bool           `json:"from_cache,omitempty"`
}

type uploadResponse struct {
	Status       string    `json:"status"`
	ID           string    `json:"id,omitempty"`
	Subject      string    `json:"subject"`
	GeneratedAt  time.Time `json:"generated_at,omitzero"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	TextEncoding string    `json:"text_encoding,omitempty"`
	TextBytes    int64     `json:"text_bytes,omitempty"`
	AudioBytes   int64     `json:"audio_bytes,omitempty"`
}

type historyItem struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Expired     bool      `json:"expired"`
	Encoding    string    `json:"text_encoding"`
	Language    string    `json:"language,omitempty"`
	Locale      string    `json:"locale,omitempty"`
	AudioFormat string    `json:"audio_format,omitempty"`
	TextBytes   int64     `json:"text_bytes"`
	AudioBytes  int64     `json:"audio_bytes"`
}

type historyResponse struct {
	Status    string        `json:"status"`
	Subject   string        `json:"subject,omitempty"`
	Count     int           `json:"count"`
	Forecasts []historyItem `json:"forecasts"`
}

func (h *handler) getLatest(w http.ResponseWriter, r *http.Request) {
	subject := artifact.NormalizeSubject(chi.URLParam(r, "subject"))
	language := r.URL.Query().Get("language")

	result, err := h.coordinator.Lookup(r.Context(), subject, language)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.Degraded {
		writeJSON(w, http.StatusServiceUnavailable, missResponse{
			Status:   "unavailable",
			Subject:  subject,
			Degraded: true,
			Message:  "artifact store is unavailable",
		})
		return
	}
	if !result.Hit {
		writeJSON(w, http.StatusNotFound, missResponse{
			Status:  "not_found",
			Subject: subject,
			Message: fmt.Sprintf("no valid forecast for %q", subject),
		})
		return
	}

	writeJSON(w, http.StatusOK, latestResponse{
		Status:   "success",
		Subject:  subject,
		Forecast: toForecastBody(result),
	})
}

func toForecastBody(result artifacts.LookupResult) forecastBody {
	item := result.Artifact
	body := forecastBody{
		ID:          item.ID,
		Text:        item.Text,
		AudioFormat: item.AudioFormat,
		GeneratedAt: item.GeneratedAt,
		ExpiresAt:   item.ExpiresAt,
		AgeSeconds:  result.AgeSeconds,
		Metadata: forecastMetadata{
			Encoding: item.TextEncoding.String(),
			Language: item.Language,
			Locale:   item.Locale,
			Sizes:    forecastSizes{TextBytes: item.TextSize, AudioBytes: item.AudioSize},
			Extra:    item.Metadata,
		},
	}
	if item.DecodedWith != "" && item.DecodedWith != item.TextEncoding {
		body.Metadata.DecodedWith = item.DecodedWith.String()
	}
	if len(item.Audio) > 0 {
		body.AudioBase64 = base64.StdEncoding.EncodeToString(item.Audio)
	}
	return body
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")

	var req uploadRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: decode request body: %v", artifact.ErrInvalidRecord, err))
		return
	}

	var audio []byte
	if req.AudioBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: audio_base64: %v", artifact.ErrInvalidRecord, err))
			return
		}
		audio = decoded
	}
	encoding, err := artifact.ParseRequestedEncoding(req.Encoding)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ttl, err := artifact.TTLFromSeconds(req.TTLSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.coordinator.Upload(r.Context(), artifacts.UploadRequest{
		Subject:     subject,
		Text:        req.Text,
		Encoding:    encoding,
		Language:    req.Language,
		Locale:      req.Locale,
		Audio:       audio,
		AudioFormat: req.AudioFormat,
		Metadata:    req.Metadata,
		TTL:         ttl,
		FromCache:   req.FromCache,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if result.Skipped {
		writeJSON(w, http.StatusOK, uploadResponse{Status: "skipped", Subject: result.Subject})
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		Status:       "stored",
		ID:           result.ID,
		Subject:      result.Subject,
		GeneratedAt:  result.GeneratedAt,
		ExpiresAt:    result.ExpiresAt,
		TextEncoding: result.TextEncoding.String(),
		TextBytes:    result.TextSize,
		AudioBytes:   result.AudioSize,
	})
}

func (h *handler) subjectHistory(w http.ResponseWriter, r *http.Request) {
	subject := artifact.NormalizeSubject(chi.URLParam(r, "subject"))
	h.history(w, r, subject)
}

func (h *handler) allHistory(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, "")
}

func (h *handler) history(w http.ResponseWriter, r *http.Request, subject string) {
	query := r.URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", artifact.ErrInvalidRecord))
			return
		}
		limit = parsed
	}
	includeExpired := true
	if raw := query.Get("include_expired"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: include_expired must be a boolean", artifact.ErrInvalidRecord))
			return
		}
		includeExpired = parsed
	}

	items, err := h.coordinator.History(r.Context(), subject, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]historyItem, 0, len(items))
	for _, item := range items {
		if item.Expired && !includeExpired {
			continue
		}
		out = append(out, toHistoryItem(item))
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Status:    "success",
		Subject:   subject,
		Count:     len(out),
		Forecasts: out,
	})
}

func toHistoryItem(item ports.ArtifactSummary) historyItem {
	return historyItem{
		ID:          item.ID,
		Subject:     item.Subject,
		GeneratedAt: item.GeneratedAt,
		ExpiresAt:   item.ExpiresAt,
		Expired:     item.Expired,
		Encoding:    item.TextEncoding.String(),
		Language:    item.Language,
		Locale:      item.Locale,
		AudioFormat: item.AudioFormat,
		TextBytes:   item.TextSize,
		AudioBytes:  item.AudioSize,
	}
}
