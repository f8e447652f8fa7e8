package api //nolint:revive // package name is intentional

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/internal/stream"
	muxerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// StreamEvents handles GET /v1/streams/{streamId} as server-sent
// events. The optional subscriber query parameter rebinds a previous
// subscription after a reconnect, backlog included.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamId")

	sub, err := h.streams.Subscribe(streamID, r.URL.Query().Get("subscriber"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, muxerrors.NewServerError("", "", http.StatusInternalServerError, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("stream client disconnected", "stream_id", streamID, "subscriber", sub.ID)
			return
		case <-sub.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, flusher, ev); err != nil {
				h.logger.Debug("stream write failed", "stream_id", streamID, "error", err)
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev stream.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
