package main

import (
	"log/slog"
	"sync"

	cmdi "github.com/willie666687/hackersir-cmdi"
)

// notification is one event queued for delivery to a client stream.
type notification struct {
	Event   string
	Payload any
}

// hub fans scheduler emissions out to per-connection channels. Emit is
// fire-and-forget: unknown connections are dropped silently, and a full
// buffer drops the event rather than blocking the scheduler.
type hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[cmdi.ConnID]chan notification
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger,
		conns:  make(map[cmdi.ConnID]chan notification),
	}
}

// add registers a new connection and returns its delivery channel.
func (h *hub) add(conn cmdi.ConnID) <-chan notification {
	ch := make(chan notification, 16)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	return ch
}

// remove unregisters a connection. Its channel is left to be garbage
// collected once the stream goroutine returns.
func (h *hub) remove(conn cmdi.ConnID) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// has reports whether conn is currently registered.
func (h *hub) has(conn cmdi.ConnID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[conn]
	return ok
}

// Emit implements cmdi.Notifier.
func (h *hub) Emit(conn cmdi.ConnID, event string, payload any) {
	h.mu.Lock()
	ch, ok := h.conns[conn]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- notification{Event: event, Payload: payload}:
	default:
		h.logger.Warn("notification dropped, slow client", "conn", string(conn), "event", event)
	}
}

// compile-time check
var _ cmdi.Notifier = (*hub)(nil)
