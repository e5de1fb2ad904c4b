package dispatch

import (
	"log/slog"
	"sync"

	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/metrics"
	"github.com/icetk/stungather/internal/stunmsg"
)

// Router delivers decoded message events to the consumer registered for
// their transaction ID. It implements MessageHandler, so it plugs directly
// into a Pipeline.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[stunmsg.TransactionID]MessageHandler
	fallback MessageHandler
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger, m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.Default()
	}
	return &Router{
		logger:   logger.With(slog.String(logging.KeyComponent, "router")),
		metrics:  m,
		handlers: make(map[stunmsg.TransactionID]MessageHandler),
	}
}

// Register binds a transaction ID to a handler. Registering the same ID
// twice replaces the earlier handler.
func (r *Router) Register(id stunmsg.TransactionID, h MessageHandler) {
	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()
}

// Deregister removes the handler for a transaction ID. Unknown IDs are a
// no-op.
func (r *Router) Deregister(id stunmsg.TransactionID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// SetFallback installs a handler for messages whose transaction ID has no
// registration, such as inbound requests on a server socket.
func (r *Router) SetFallback(h MessageHandler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// HandleMessageEvent routes one event to its registered handler. Events
// with no registration go to the fallback, or are counted and dropped.
func (r *Router) HandleMessageEvent(ev MessageEvent) {
	r.mu.RLock()
	h, ok := r.handlers[ev.TransactionID]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		h.HandleMessageEvent(ev)
		return
	}
	if fallback != nil {
		fallback.HandleMessageEvent(ev)
		return
	}
	r.metrics.DispatchUnmatched.Inc()
	r.logger.Debug("no handler for transaction",
		slog.String(logging.KeyTransactionID, ev.TransactionID.String()),
		slog.String(logging.KeyRemoteAddr, ev.Raw.Source.String()))
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(ev MessageEvent)

// HandleMessageEvent calls the wrapped function.
func (f MessageHandlerFunc) HandleMessageEvent(ev MessageEvent) {
	f(ev)
}
