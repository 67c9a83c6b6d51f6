package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentd/internal/eventbus"
	"agentd/pkg/logx"
)

const (
	sseBuffer    = 100
	ssePingEvery = 30 * time.Second
)

// handleEvents streams the live event feed as server-sent events. The first
// frame is a synthetic "connected" event carrying the current status so a
// client starts with a coherent picture. Slow clients are evicted by the bus
// rather than backpressuring publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsub := s.core.Events().Subscribe(sseBuffer)
	defer unsub()

	report, err := s.core.Status(r.Context())
	if err != nil {
		s.log.Warn("sse status preamble failed", logx.Err(err))
	}
	writeSSE(w, eventbus.Event{Type: "connected", Time: time.Now(), Data: report})
	flusher.Flush()

	ping := time.NewTicker(ssePingEvery)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				// Evicted for falling behind; the client should reconnect.
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev eventbus.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
}
