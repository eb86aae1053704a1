package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StreamProgress handles GET /api/asr/progress/{id}/sse.
// It streams status, progress and result events until the job reaches a
// terminal state or the client disconnects.
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")

	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Jobs can outlive the server write timeout; the stream manages its own
	// lifetime through the subscription channel and the request context.
	http.NewResponseController(w).SetWriteDeadline(time.Time{}) //nolint:errcheck

	// Already terminal: one result event and done.
	if rec.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", rec)
		return
	}

	ch := h.queue.Subscribe(id)
	defer h.queue.Unsubscribe(id, ch)

	// The job may have finished between the lookup and the subscription, in
	// which case the final fan-out already happened and the channel will
	// never deliver it.
	rec, err = h.svc.Get(r.Context(), id)
	if err != nil {
		return
	}
	if rec.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", rec)
		return
	}

	// Initial state so the client never starts blind.
	writeSSEEvent(w, flusher, "status", progressBody(rec))

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
			if event.Event == "result" {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
