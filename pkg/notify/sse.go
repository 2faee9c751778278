package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE streams ownerID's events to w as Server-Sent Events until the
// client disconnects or the connection is reaped. Every flushed frame counts
// as a successful send for staleness purposes.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, ownerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	connID, events := h.Subscribe(ownerID)
	defer func() { _ = h.Unsubscribe(connID) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Connection-ID", connID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error().Err(err).Str("connection_id", connID).Msg("Failed to marshal event.")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", connID).Msg("SSE write failed, closing stream.")
				return
			}
			flusher.Flush()
			_ = h.Touch(connID)
		}
	}
}
