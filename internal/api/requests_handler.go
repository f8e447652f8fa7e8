package api //nolint:revive // package name is intentional

import (
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// SubmitResponse acknowledges an accepted request.
type SubmitResponse struct {
	RequestID string `json:"requestId"`
}

// StatusResponse is the lifecycle document for one request.
type StatusResponse struct {
	RequestID   string              `json:"requestId"`
	Status      types.RequestStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	Position    *int64              `json:"position,omitempty"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Response    *types.Response     `json:"response,omitempty"`
	Error       *FailureDetail      `json:"error,omitempty"`
}

// SubmitRequest handles POST /v1/requests: validate, classify, enqueue.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	limitedReader := io.LimitReader(r.Body, h.maxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		h.writeError(w, muxerrors.NewInvalidRequest("", "", "failed to read request body"))
		return
	}
	defer func() { _ = r.Body.Close() }()

	if int64(len(body)) > h.maxBodySize {
		h.writeError(w, muxerrors.NewInvalidRequest("", "", "request body too large"))
		return
	}

	var req types.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, muxerrors.NewInvalidRequest("", "", "invalid JSON: "+err.Error()))
		return
	}

	// Normalize the closed enumerations so downstream lookups match.
	tier, err := types.ParseTier(string(req.Tier))
	if err != nil {
		h.writeError(w, muxerrors.NewInvalidRequest("", req.ModelHint, err.Error()))
		return
	}
	req.Tier = tier
	priority, err := types.ParsePriority(string(req.Priority))
	if err != nil {
		h.writeError(w, muxerrors.NewInvalidRequest("", req.ModelHint, err.Error()))
		return
	}
	req.Priority = priority

	if err := req.Validate(); err != nil {
		h.writeError(w, muxerrors.NewInvalidRequest("", req.ModelHint, err.Error()))
		return
	}

	// The server owns identity and bookkeeping fields.
	req.ID = ""
	req.Attempts = 0
	req.LastError = ""

	if req.EstimatedTokens <= 0 {
		req.EstimatedTokens = types.EstimateTokens(req.Messages)
	}
	if req.TimeoutMs > 0 {
		req.Deadline = time.Now().Add(req.Timeout())
	} else {
		req.Deadline = time.Time{}
	}
	if req.Stream && !hasCapability(req.Capabilities, types.CapabilityStreaming) {
		req.Capabilities = append(req.Capabilities, types.CapabilityStreaming)
	}

	qr, err := h.queue.Enqueue(r.Context(), &req)
	if err != nil {
		if kind := muxerrors.KindOf(err); kind == muxerrors.KindRateLimited || kind == muxerrors.KindQueueFull {
			h.logger.Debug("request rejected at admission",
				"user", req.UserID, "tier", req.Tier, "kind", string(kind))
		} else {
			h.logger.Error("enqueue failed", "user", req.UserID, "error", err)
		}
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, SubmitResponse{RequestID: qr.Request.ID})
}

// GetRequest handles GET /v1/requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	entry, err := h.queue.Get(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := StatusResponse{RequestID: id, Status: entry.Status}
	if entry.Queued != nil {
		resp.Attempts = entry.Queued.Request.Attempts
		if !entry.Queued.StartedAt.IsZero() {
			at := entry.Queued.StartedAt
			resp.StartedAt = &at
		}
		if !entry.Queued.CompletedAt.IsZero() {
			at := entry.Queued.CompletedAt
			resp.CompletedAt = &at
		}
	}

	if entry.Status == types.StatusPending {
		if pos, err := h.queue.Position(ctx, id); err == nil && pos >= 0 {
			resp.Position = &pos
		}
	}

	resp.Response = entry.Response
	if entry.Failure != nil {
		resp.Error = &FailureDetail{
			Kind:         string(entry.Failure.Kind),
			Message:      entry.Failure.Message,
			Attempts:     resp.Attempts,
			LastProvider: entry.Failure.Provider,
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CancelRequest handles DELETE /v1/requests/{id}. Cancelling an entry
// that is already terminal is a no-op 204.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	status, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("cancellation requested", "request_id", id, "status", string(status))
	w.WriteHeader(http.StatusNoContent)
}

func hasCapability(caps []types.Capability, want types.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
