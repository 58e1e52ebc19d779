package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/placqs/internal/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents serves the hub as text/event-stream. A reconnecting client
// gets the buffered events after its Last-Event-ID (or ?since=) before the
// live feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	live, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	seen := resumeFrom(r)
	for _, ev := range s.events.SnapshotSince(seen) {
		if writeFrame(w, ev) != nil {
			return
		}
		seen = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			if ev.ID <= seen {
				continue
			}
			err = writeFrame(w, ev)
		case <-ticker.C:
			_, err = io.WriteString(w, ": keep-alive\n\n")
		}
		if err != nil {
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr, "error", err)
			return
		}
		flusher.Flush()
	}
}

// resumeFrom returns the last event ID the client already has, or 0.
func resumeFrom(r *http.Request) int64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("since")} {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// writeFrame writes one SSE frame. Data is always single-line JSON.
func writeFrame(w io.Writer, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
