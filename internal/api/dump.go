package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleStreamDump streams the dump records of one execution as SSE. The
// stream ends with a "done" event when the execution finishes. Subscribing
// to an execution that already finished yields only the done event.
func (s *Server) handleStreamDump(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.session.Dump().Subscribe(id)
	defer unsub()
	dumpStreams.Inc()
	defer dumpStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case record, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "execution complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, record); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes record as one SSE data event, one "data:" line per
// line of the record.
func writeSSEData(w http.ResponseWriter, record string) error {
	for seg := range strings.SplitSeq(record, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
