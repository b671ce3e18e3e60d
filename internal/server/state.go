package server

import (
	"encoding/json"
	"net/http"
	"time"
)

const keepaliveInterval = 15 * time.Second

// handleStateStream streams state snapshots as Server-Sent Events: one event
// immediately, one after every state change, and a comment line between to
// keep idle connections open.
func (d *Deps) handleStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	send := func() bool {
		b, err := json.Marshal(d.State.Snapshot())
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	changes, cancel := d.State.Subscribe()
	defer cancel()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-changes:
			if !send() {
				return
			}
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
