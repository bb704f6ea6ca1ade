package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
	"github.com/Imperial-lord/dionysus/internal/shared/logging"
)

const (
	broadcastBuffer = 256
	writeWait       = 10 * time.Second
)

// UpdateHub pushes job transitions to every connected websocket client.
// A single goroutine (Run) owns the client set.
type UpdateHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}

	clientCount atomic.Int32
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

func NewUpdateHub(logger logging.Logger) *UpdateHub {
	return &UpdateHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client connection.
func (h *UpdateHub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.clientCount.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.clientCount.Store(int32(len(h.clients)))
			h.logger.Debug("WebSocket client connected", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.clientCount.Store(int32(len(h.clients)))
				h.logger.Debug("WebSocket client disconnected", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("Failed to send job update", "error", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.clientCount.Store(int32(len(h.clients)))
		}
	}
}

// JobUpdated queues a job_update message. It never blocks; updates are
// dropped when the hub is stopped or its buffer is full.
func (h *UpdateHub) JobUpdated(job *core.Job) {
	message, err := json.Marshal(ToJobUpdateMessage(job))
	if err != nil {
		h.logger.Error("Failed to marshal job update", "job_id", job.ID, "error", err)
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- message:
	default:
		h.logger.Warn("Dropping job update, broadcast buffer full", "job_id", job.ID)
	}
}

func (h *UpdateHub) Clients() int {
	return int(h.clientCount.Load())
}

// ServeWS upgrades the request, sends initial (if any) and subscribes the
// connection to job updates.
func (h *UpdateHub) ServeWS(w http.ResponseWriter, r *http.Request, initial []byte) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", "error", err)
		return
	}

	if initial != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
			conn.Close()
			return
		}
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Clients only listen; reading detects when they go away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
