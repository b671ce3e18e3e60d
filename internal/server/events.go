package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/vocero/internal/appstate"
	"github.com/gaspardpetit/vocero/internal/bridge"
)

const wsWriteTimeout = 2 * time.Second

type stateEvent struct {
	Type  string            `json:"type"`
	State appstate.Snapshot `json:"state"`
}

type progressEvent struct {
	Type    string  `json:"type"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

type chunkEvent struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Index int64  `json:"index"`
	Path  string `json:"path"`
	Final bool   `json:"final"`
}

// Hub fans daemon events out to connected websocket clients: a state event
// after every state change, progress events during generation, and chunk
// events carrying the job id of the request that produced them.
type Hub struct {
	state *appstate.Store
	done  chan struct{}
	stop  func()

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub that watches the store for state changes.
func NewHub(state *appstate.Store) *Hub {
	h := &Hub{state: state, done: make(chan struct{}), clients: map[*wsClient]struct{}{}}
	changes, cancel := state.Subscribe()
	h.stop = cancel
	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-changes:
				h.broadcast(stateEvent{Type: "state", State: state.Snapshot()})
			}
		}
	}()
	return h
}

// Close disconnects all clients and stops the state watcher.
func (h *Hub) Close() {
	h.stop()
	close(h.done)
	h.mu.Lock()
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

// PublishProgress pushes a generation progress update. Safe on a nil hub.
func (h *Hub) PublishProgress(p bridge.Progress) {
	if h == nil {
		return
	}
	h.broadcast(progressEvent{Type: "progress", Percent: p.Percent, Message: p.Message})
}

// PublishChunk pushes one streamed audio chunk event. Safe on a nil hub.
func (h *Hub) PublishChunk(jobID string, c bridge.Chunk) {
	if h == nil {
		return
	}
	h.broadcast(chunkEvent{Type: "chunk", JobID: jobID, Index: c.Index, Path: c.Path, Final: c.IsFinal})
}

// Handler accepts websocket connections on /v1/events.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			http.Error(w, "events unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		cl := &wsClient{conn: c, send: make(chan []byte, 32)}
		// Greet with the current state so clients render without waiting
		// for the next change.
		greet, _ := json.Marshal(stateEvent{Type: "state", State: h.state.Snapshot()})
		h.mu.Lock()
		h.clients[cl] = struct{}{}
		if greet != nil {
			cl.send <- greet
		}
		h.mu.Unlock()

		go h.writePump(cl)
		go h.readPump(cl)
	}
}

func (h *Hub) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- b:
		default:
			// Slow consumers lose events rather than stalling the daemon.
		}
	}
}

// drop removes the client exactly once; the closed send channel ends its
// write pump.
func (h *Hub) drop(cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; !ok {
		return
	}
	delete(h.clients, cl)
	close(cl.send)
}

func (h *Hub) writePump(cl *wsClient) {
	defer func() { _ = cl.conn.Close(websocket.StatusNormalClosure, "closing") }()
	for b := range cl.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := cl.conn.Write(ctx, websocket.MessageText, b)
		cancel()
		if err != nil {
			h.drop(cl)
			for range cl.send {
			}
			return
		}
	}
}

func (h *Hub) readPump(cl *wsClient) {
	for {
		if _, _, err := cl.conn.Read(context.Background()); err != nil {
			h.drop(cl)
			return
		}
	}
}
