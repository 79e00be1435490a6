package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"minicontratos/pkg/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams store changes as server-sent events. topic takes a
// comma-separated list; none means every topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ jwt.RegisteredClaims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	var topics []events.Topic
	for _, raw := range strings.Split(r.URL.Query().Get("topic"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		topic, ok := events.ParseTopic(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown topic "+raw)
			return
		}
		topics = append(topics, topic)
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub := s.bus.Subscribe(topics...)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Topic, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
