package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"visaquest/internal/notify"
	"visaquest/pkg/logx"
)

// handleEvents streams bus events and notifications for one user over SSE.
// While a stream is connected the notifier treats the client as a foreground
// surface, so reminders show up here instead of going to external adapters.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	user := userKey(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "user key required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsub := s.bus.Subscribe(16)
	defer unsub()

	// Notifications land here from the notifier's worker goroutine.
	shown := make(chan notify.Notification, 8)
	detach := s.bridge.AttachForeground(func(n notify.Notification) bool {
		if n.UserKey != user {
			return false
		}
		select {
		case shown <- n:
			return true
		default:
			return false
		}
	})
	defer detach()

	s.log.Debug("sse stream opened", logx.String("user", user))

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("sse stream closed", logx.String("user", user))
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n := <-shown:
			writeSSE(w, "notification", n)
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.User != "" && ev.User != user {
				continue
			}
			writeSSE(w, ev.Kind, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
