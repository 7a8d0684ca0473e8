package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/ports"
	"forecastcache/internal/usecase/artifacts"
)

const defaultStatsTTL = 5 * time.Second

// StatsCache keeps rendered /stats bodies; cache.LookupCache[[]byte]
// satisfies it. Its diagnostics are reported by /health.
type StatsCache interface {
	ports.LookupCacheInspector
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error)
}

type Options struct {
	// StatsCache holds the rendered /stats body for StatsTTL. Nil disables it.
	StatsCache StatsCache
	StatsTTL   time.Duration
	// MCP is mounted at /mcp when set.
	MCP     http.Handler
	Version string
}

type handler struct {
	coordinator *artifacts.Coordinator
	statsCache  StatsCache
	statsTTL    time.Duration
	version     string
	now         func() time.Time
}

// NewHandler builds the REST router over the coordinator.
func NewHandler(coordinator *artifacts.Coordinator, opts Options) (http.Handler, error) {
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = defaultStatsTTL
	}

	h := &handler{
		coordinator: coordinator,
		statsCache:  opts.StatsCache,
		statsTTL:    opts.StatsTTL,
		version:     opts.Version,
		now:         time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/artifacts/{subject}", func(r chi.Router) {
		r.Get("/", h.getLatest)
		r.Post("/", h.upload)
		r.Get("/history", h.subjectHistory)
	})
	r.Get("/history", h.allHistory)
	r.Get("/stats", h.stats)
	r.Post("/sweep", h.sweep)
	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	if opts.MCP != nil {
		r.Handle("/mcp", opts.MCP)
		r.Handle("/mcp/*", opts.MCP)
	}

	return r, nil
}

// requestLogger tags the request context with the chi request id and logs
// each request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = logging.WithAttrs(ctx, slog.String("component", "transport.http"))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logging.Debug(
			ctx,
			"http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(started)),
		)
	})
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Error(r.Context(), "request failed", slog.Int("status", status), slog.Any("err", errs.Loggable(err)))
	}
	writeJSON(w, status, errorResponse{Status: "error", Error: err.Error()})
}

func statusFor(err error) int {
	switch errs.Kind(
		err,
		artifact.ErrInvalidRecord,
		artifact.ErrUnsupportedEncoding,
		artifact.ErrNotFound,
		artifact.ErrStorageUnavailable,
	) {
	case artifact.ErrInvalidRecord, artifact.ErrUnsupportedEncoding:
		return http.StatusBadRequest
	case artifact.ErrNotFound:
		return http.StatusNotFound
	case artifact.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
