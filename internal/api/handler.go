// Package api provides the HTTP surface of the router control plane:
// request submission, status, cancellation, stream subscription and
// the provider summary.
package api //nolint:revive // package name is intentional

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/internal/capacity"
	"github.com/blueberrycongee/relaymux/internal/health"
	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/queue"
	"github.com/blueberrycongee/relaymux/internal/stream"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

const (
	// DefaultMaxBodySize is the default maximum request body size (1MB).
	// Prompts are text; anything larger is almost certainly abuse.
	DefaultMaxBodySize = 1 * 1024 * 1024
)

// Handler serves the control-plane API.
type Handler struct {
	client      redis.UniversalClient
	queue       *queue.Queue
	streams     *stream.Dispatcher
	registry    *provider.Registry
	capacity    *capacity.Manager
	recorder    *metrics.Recorder
	prober      *health.Prober
	logger      *slog.Logger
	maxBodySize int64
}

// HandlerConfig contains optional handler settings.
type HandlerConfig struct {
	// MaxBodySize caps the submit body in bytes.
	MaxBodySize int64

	// Prober supplies last-probe timestamps for the provider summary.
	// Optional; the summary omits probe data when nil.
	Prober *health.Prober
}

// NewHandler creates the API handler over the core components.
func NewHandler(
	client redis.UniversalClient,
	q *queue.Queue,
	streams *stream.Dispatcher,
	registry *provider.Registry,
	capMgr *capacity.Manager,
	recorder *metrics.Recorder,
	logger *slog.Logger,
	cfg *HandlerConfig,
) *Handler {
	h := &Handler{
		client:      client,
		queue:       q,
		streams:     streams,
		registry:    registry,
		capacity:    capMgr,
		recorder:    recorder,
		logger:      logger,
		maxBodySize: DefaultMaxBodySize,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if cfg != nil {
		if cfg.MaxBodySize > 0 {
			h.maxBodySize = cfg.MaxBodySize
		}
		h.prober = cfg.Prober
	}
	return h
}

// RegisterRoutes registers all control-plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/requests", h.SubmitRequest)
	mux.HandleFunc("GET /v1/requests/{id}", h.GetRequest)
	mux.HandleFunc("DELETE /v1/requests/{id}", h.CancelRequest)
	mux.HandleFunc("GET /v1/streams/{streamId}", h.StreamEvents)
	mux.HandleFunc("GET /v1/providers", h.ListProviders)
	mux.HandleFunc("GET /healthz", h.Healthz)
}

// Healthz reports process liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()).Err(); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps any error onto the canonical envelope. Wait hints
// surface as Retry-After so well-behaved clients back off.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var muxErr *muxerrors.Error
	if e, ok := err.(*muxerrors.Error); ok {
		muxErr = e
	} else {
		muxErr = muxerrors.NewServerError("", "", http.StatusInternalServerError, err.Error())
	}

	if wait, ok := muxerrors.WaitHint(err); ok {
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(muxErr.HTTPStatusCode())
	resp := ErrorResponse{Error: ErrorDetail{
		Kind:    string(muxErr.Kind),
		Message: muxErr.Message,
	}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
