package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/metrics"
	"github.com/icetk/stungather/internal/socket"
)

// DefaultAcceptorTimeout bounds how long an unbind may take before it is
// reported as stuck.
const DefaultAcceptorTimeout = 10 * time.Second

// Options tunes the manager's binding behavior.
type Options struct {
	// SharedAcceptor lets AddBinding return the existing acceptor when the
	// endpoint is already bound instead of failing.
	SharedAcceptor bool
	// AggressiveReset abandons an acceptor whose unbind exceeds
	// AcceptorTimeout instead of waiting for it.
	AggressiveReset bool
	// AcceptorTimeout bounds background unbind operations.
	AcceptorTimeout time.Duration
	// ReceiveBufferSize sizes per-socket receive buffers.
	ReceiveBufferSize int
	// ReceiveQueueSize bounds each logical socket's pending-packet queue.
	ReceiveQueueSize int
}

// Manager owns every local port binding: UDP acceptors with their
// multiplexers, TCP accept loops, and connected client sockets. All traffic
// that matches no consumer falls through to the default consumer.
type Manager struct {
	opts            Options
	defaultConsumer func(socket.RawMessage)
	onConn          func(socket.Socket)
	logger          *slog.Logger
	metrics         *metrics.Metrics

	mu        sync.Mutex
	acceptors map[string]*Acceptor
	bound     map[int]struct{}
	clients   map[socket.Socket]struct{}
	stopped   bool

	unbinds sync.WaitGroup
}

// NewManager creates a manager. defaultConsumer receives packets no logical
// socket claims; onConn receives inbound TCP connections from accept loops.
// Both may be nil.
func NewManager(opts Options, defaultConsumer func(socket.RawMessage), onConn func(socket.Socket), logger *slog.Logger, m *metrics.Metrics) *Manager {
	if opts.AcceptorTimeout <= 0 {
		opts.AcceptorTimeout = DefaultAcceptorTimeout
	}
	if opts.ReceiveBufferSize <= 0 {
		opts.ReceiveBufferSize = socket.DefaultReceiveBufferSize
	}
	if opts.ReceiveQueueSize <= 0 {
		opts.ReceiveQueueSize = socket.DefaultLogicalQueueSize
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Manager{
		opts:            opts,
		defaultConsumer: defaultConsumer,
		onConn:          onConn,
		logger:          logger.With(slog.String(logging.KeyComponent, "transport")),
		metrics:         m,
		acceptors:       make(map[string]*Acceptor),
		bound:           make(map[int]struct{}),
		clients:         make(map[socket.Socket]struct{}),
	}
}

// acceptorKey computes the registry key for an endpoint. Shared mode keeps
// one acceptor per transport kind; exclusive mode keys per endpoint.
func (m *Manager) acceptorKey(local ice.TransportAddress) string {
	if m.opts.SharedAcceptor {
		return "shared/" + local.Transport.String()
	}
	return local.String()
}

// AddBinding binds a local UDP endpoint and returns the multiplexer over it.
// With SharedAcceptor enabled there is one UDP acceptor; later calls return
// its multiplexer regardless of the requested endpoint.
func (m *Manager) AddBinding(local ice.TransportAddress) (*socket.Multiplexer, error) {
	if local.Transport != ice.TransportUDP {
		return nil, fmt.Errorf("transport: binding requires a udp endpoint, got %s", local.Transport)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, socket.ErrClosed
	}

	key := m.acceptorKey(local)
	if existing, ok := m.acceptors[key]; ok {
		if m.opts.SharedAcceptor {
			return existing.Multiplexer(), nil
		}
		return nil, fmt.Errorf("transport: %s is already bound", local)
	}

	phys, err := socket.Listen(local, m.opts.ReceiveBufferSize)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}
	bound := phys.LocalAddress()

	mux := socket.NewMultiplexer(phys, m.defaultConsumer, m.opts.ReceiveQueueSize, m.logger, m.metrics)
	a := &Acceptor{
		id:     bound.String(),
		local:  bound,
		logger: m.logger.With(slog.String(logging.KeyAcceptor, bound.String())),
		mux:    mux,
		state:  AcceptorRunning,
	}

	// An ephemeral port request registers under the resolved endpoint too.
	m.acceptors[a.id] = a
	if key != a.id {
		m.acceptors[key] = a
	}
	m.bound[bound.Port] = struct{}{}
	m.metrics.RecordBindingAdded()
	m.logger.Info("bound endpoint", slog.String(logging.KeyLocalAddr, bound.String()))
	return mux, nil
}

// AddTCPAcceptor binds a local TCP endpoint and starts accepting inbound
// connections, handing each to the manager's connection sink.
func (m *Manager) AddTCPAcceptor(local ice.TransportAddress) (*Acceptor, error) {
	if local.Transport != ice.TransportTCP {
		return nil, fmt.Errorf("transport: acceptor requires a tcp endpoint, got %s", local.Transport)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, socket.ErrClosed
	}

	key := m.acceptorKey(local)
	if existing, ok := m.acceptors[key]; ok {
		if m.opts.SharedAcceptor {
			return existing, nil
		}
		return nil, fmt.Errorf("transport: %s is already bound", local)
	}

	listener, err := net.Listen("tcp", local.HostPort())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	bound, err := ice.FromNetAddr(listener.Addr())
	if err != nil {
		listener.Close()
		return nil, err
	}

	a := &Acceptor{
		id:       bound.String(),
		local:    bound,
		logger:   m.logger.With(slog.String(logging.KeyAcceptor, bound.String())),
		listener: listener,
		onConn:   m.onConn,
		state:    AcceptorRunning,
	}
	a.wg.Add(1)
	go a.acceptLoop(m.opts.ReceiveBufferSize)

	m.acceptors[a.id] = a
	if key != a.id {
		m.acceptors[key] = a
	}
	m.bound[bound.Port] = struct{}{}
	m.metrics.RecordBindingAdded()
	m.logger.Info("accepting on endpoint", slog.String(logging.KeyLocalAddr, bound.String()))
	return a, nil
}

// RemoveBinding releases a bound endpoint. It suspends until the release
// finishes or the acceptor timeout elapses; the port leaves the bound set
// on a finished release, or immediately when AggressiveReset abandons a
// hung acceptor. Without AggressiveReset a hung release keeps the binding
// registered and finishes in the background.
func (m *Manager) RemoveBinding(local ice.TransportAddress) {
	m.mu.Lock()
	a, ok := m.acceptors[local.String()]
	m.mu.Unlock()
	if !ok {
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- a.dispose()
	}()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("unbind failed",
				slog.String(logging.KeyAcceptor, a.ID()),
				slog.String(logging.KeyError, err.Error()))
		}
		m.removeAcceptor(a)
	case <-time.After(m.opts.AcceptorTimeout):
		m.metrics.RecordUnbindTimeout()
		if m.opts.AggressiveReset {
			m.metrics.RecordAcceptorReset()
			m.logger.Error("unbind timed out, abandoning acceptor",
				slog.String(logging.KeyAcceptor, a.ID()))
			m.removeAcceptor(a)
			return
		}
		m.logger.Warn("unbind slow, finishing in background",
			slog.String(logging.KeyAcceptor, a.ID()))
		m.unbinds.Add(1)
		go func() {
			defer m.unbinds.Done()
			if err := <-done; err != nil {
				m.logger.Warn("unbind failed",
					slog.String(logging.KeyAcceptor, a.ID()),
					slog.String(logging.KeyError, err.Error()))
			}
			m.removeAcceptor(a)
		}()
	}
}

func (m *Manager) removeAcceptor(a *Acceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeAcceptorLocked(a)
}

// removeAcceptorLocked drops every registry entry pointing at a and frees
// its port. A no-op when the acceptor is no longer registered. Callers
// hold m.mu.
func (m *Manager) removeAcceptorLocked(a *Acceptor) {
	var found bool
	for key, reg := range m.acceptors {
		if reg == a {
			delete(m.acceptors, key)
			found = true
		}
	}
	if !found {
		return
	}
	delete(m.bound, a.LocalAddress().Port)
	m.metrics.RecordBindingRemoved(1)
}

// ReceiveBufferSize returns the configured per-socket receive buffer size.
func (m *Manager) ReceiveBufferSize() int {
	return m.opts.ReceiveBufferSize
}

// IsBound reports whether the manager holds a binding on the given port.
func (m *Manager) IsBound(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bound[port]
	return ok
}

// Acceptor returns the acceptor bound to the given endpoint, if any.
func (m *Manager) Acceptor(local ice.TransportAddress) (*Acceptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acceptors[local.String()]
	return a, ok
}

// RegisterSocket tracks a connected client socket so Stop can close it.
func (m *Manager) RegisterSocket(s socket.Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		s.Close()
		return
	}
	m.clients[s] = struct{}{}
}

// DeregisterSocket stops tracking a client socket.
func (m *Manager) DeregisterSocket(s socket.Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, s)
}

// Stop releases every binding and closes every registered client socket.
// It waits for in-flight background unbinds.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	seen := make(map[*Acceptor]struct{})
	var acceptors []*Acceptor
	for _, a := range m.acceptors {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		acceptors = append(acceptors, a)
	}
	m.acceptors = make(map[string]*Acceptor)
	clients := make([]socket.Socket, 0, len(m.clients))
	for s := range m.clients {
		clients = append(clients, s)
	}
	m.clients = make(map[socket.Socket]struct{})
	m.bound = make(map[int]struct{})
	m.mu.Unlock()

	for _, a := range acceptors {
		if err := a.dispose(); err != nil {
			m.logger.Warn("acceptor dispose failed",
				slog.String(logging.KeyAcceptor, a.ID()),
				slog.String(logging.KeyError, err.Error()))
		}
	}
	m.metrics.RecordBindingRemoved(len(acceptors))
	for _, s := range clients {
		s.Close()
	}
	m.unbinds.Wait()
	m.logger.Info("transport manager stopped", slog.Int(logging.KeyCount, len(acceptors)))
}
