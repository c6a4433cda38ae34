package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/google/uuid"
)

const heartbeatInterval = 30 * time.Second

// streamNotifications serves the SSE event stream. A CONNECTED event goes
// out first; afterwards the client receives every event the buffer can
// hold. Missed events are corrected by the next snapshot fetch.
func (s *Server) streamNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.events.Subscribe()
	defer cancel()

	s.logger.Debug("sse client connected", "client_id", clientID)
	s.writeSSE(w, domain.NewEvent(domain.EventConnected, map[string]string{"clientId": clientID}))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected", "client_id", clientID)
			return
		case event, open := <-events:
			if !open {
				return
			}
			s.writeSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, event domain.Event) {
	data, err := xjson.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode sse event", "error", err.Error())
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}
