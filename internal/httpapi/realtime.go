package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"clinicqueue/internal/models"

	"github.com/igm/sockjs-go/sockjs"
)

type StreamOptions struct {
	KeepAlive time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 25 * time.Second
	}
	return o
}

// realtimeHandler pushes every change to SockJS clients as a JSON message.
// Clients send nothing; anything received is ignored.
func (h *Handler) realtimeHandler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		handle := h.hub.Subscribe(func(change models.Change) {
			payload, err := json.Marshal(change)
			if err != nil {
				return
			}
			if err := session.Send(string(payload)); err != nil {
				log.Printf("realtime send error session=%s: %v", session.ID(), err)
			}
		})
		defer h.hub.Unsubscribe(handle)

		for {
			if _, err := session.Recv(); err != nil {
				return
			}
		}
	})
}

func (h *Handler) handleChangeStream(w http.ResponseWriter, r *http.Request) {
	controller := http.NewResponseController(w)
	_ = controller.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := controller.Flush(); err != nil {
		log.Printf("change stream flush unsupported: %v", err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	changes := make(chan models.Change, 8)
	handle := h.hub.Subscribe(func(change models.Change) {
		select {
		case changes <- change:
		case <-done:
		}
	})
	defer h.hub.Unsubscribe(handle)

	ticker := time.NewTicker(h.stream.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case change := <-changes:
			payload, err := json.Marshal(change)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload); err != nil {
				return
			}
		}
		if err := controller.Flush(); err != nil {
			return
		}
	}
}
