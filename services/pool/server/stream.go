package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"poolledger/core/events"
)

const (
	wsWriteTimeout    = 10 * time.Second
	defaultBacklog    = 256
	subscriberBacklog = 64
)

// StreamEvent is the wire form of a committed ledger event.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type subscriber struct {
	ch       chan StreamEvent
	prefixes []string
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// Hub fans committed events out to websocket subscribers and retains a short
// backlog so reconnecting clients can resume from a cursor.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	backlog []StreamEvent
	limit   int
	subs    map[*subscriber]struct{}
}

// NewHub returns a hub retaining up to backlog events.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{limit: backlog, subs: make(map[*subscriber]struct{})}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	rendered, ok := events.Render(evt)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	attrs := make(map[string]string, len(rendered.Attributes))
	for k, v := range rendered.Attributes {
		attrs[k] = v
	}
	item := StreamEvent{Sequence: h.seq, Type: rendered.Type, Attributes: attrs}
	h.backlog = append(h.backlog, item)
	if len(h.backlog) > h.limit {
		h.backlog = h.backlog[len(h.backlog)-h.limit:]
	}
	for sub := range h.subs {
		if !sub.wants(item.Type) {
			continue
		}
		select {
		case sub.ch <- item:
		default:
			// Slow consumer: drop it.
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe registers a listener and returns the retained events after
// cursor. The cancel func must be called once the listener is done.
func (h *Hub) Subscribe(cursor uint64, prefixes []string) (<-chan StreamEvent, []StreamEvent, func()) {
	sub := &subscriber{ch: make(chan StreamEvent, subscriberBacklog), prefixes: prefixes}
	h.mu.Lock()
	defer h.mu.Unlock()
	var replay []StreamEvent
	for _, item := range h.backlog {
		if item.Sequence > cursor && sub.wants(item.Type) {
			replay = append(replay, item)
		}
	}
	h.subs[sub] = struct{}{}
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, replay, cancel
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, "cursor must be an unsigned integer")
			return
		}
		cursor = parsed
	}
	var prefixes []string
	for _, p := range strings.Split(r.URL.Query().Get("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, prefixes); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64, prefixes []string) error {
	updates, backlog, cancel := s.hub.Subscribe(cursor, prefixes)
	defer cancel()

	for _, item := range backlog {
		if err := writeStreamEvent(ctx, conn, item); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamEvent(ctx, conn, item); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, item StreamEvent) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
