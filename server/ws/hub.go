// Package ws implements a Server-Sent Events (SSE) hub that streams bus
// events (task status, step and plan transitions, uninstall progress).
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/rollout/comms"
)

// Event is a typed real-time event broadcast to connected clients.
type Event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// clientBuffer bounds the events queued for one connection; a client
// that falls further behind misses events.
const clientBuffer = 64

// client represents a single SSE connection.
type client struct {
	ch    chan []byte
	topic string // empty receives everything
}

const defaultKeepalive = 20 * time.Second

// Hub fans bus events out to SSE connections.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	logger    *slog.Logger
	keepalive time.Duration
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		logger:    logger,
		keepalive: defaultKeepalive,
	}
}

// Attach forwards every bus event to connected clients until the returned
// function is called.
func (h *Hub) Attach(bus comms.Bus) (detach func()) {
	return bus.Subscribe(comms.TopicAll, func(_ context.Context, ev *comms.Event) error {
		h.Broadcast(Event{Type: string(ev.Type), Topic: ev.Topic, Payload: ev})
		return nil
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to all clients subscribed to its topic.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.topic != "" && c.topic != event.Topic {
			continue
		}
		select {
		case c.ch <- data:
		default:
			// Drop event if client is slow
		}
	}
}

// ServeSSE handles an SSE connection request. The optional "topic" query
// parameter limits the stream to one bus topic, e.g. a plan name.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := &client{ch: make(chan []byte, clientBuffer), topic: r.URL.Query().Get("topic")}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.ch)
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			// Comment lines keep idle proxies from closing the stream.
			fmt.Fprint(w, ": ping\n\n") //nolint:errcheck
			flusher.Flush()
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			writeFrame(w, data)
			flusher.Flush()
		}
	}
}

// writeFrame writes one SSE frame. A payload spanning lines becomes one
// "data:" field per line.
func writeFrame(w io.Writer, data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
	}
	fmt.Fprintln(w) //nolint:errcheck
}
