// Package harvest discovers server reflexive candidates by running STUN
// Binding transactions against configured servers.
package harvest

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/icetk/stungather/internal/dispatch"
	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/metrics"
	"github.com/icetk/stungather/internal/socket"
	"github.com/icetk/stungather/internal/stunmsg"
	"github.com/icetk/stungather/internal/transport"
)

// Config tunes transaction timing.
type Config struct {
	// RTO is the initial retransmission timeout; it doubles per attempt.
	RTO time.Duration
	// MaxRetransmissions bounds how often a request is resent.
	MaxRetransmissions int
	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the RFC 5389 derived transaction defaults.
func DefaultConfig() Config {
	return Config{
		RTO:                400 * time.Millisecond,
		MaxRetransmissions: 3,
		ConnectTimeout:     3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RTO <= 0 {
		c.RTO = d.RTO
	}
	if c.MaxRetransmissions < 0 {
		c.MaxRetransmissions = d.MaxRetransmissions
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}

// localEntry ties a host candidate to the logical socket its harvests send
// and receive through.
type localEntry struct {
	host *ice.Candidate
	sock *socket.LogicalSocket
	mux  *socket.Multiplexer
}

// Stack wires the transport manager, decode pipeline, and transaction router
// into one STUN client endpoint. Harvesters run on top of it.
type Stack struct {
	cfg      Config
	manager  *transport.Manager
	pipeline *dispatch.Pipeline
	router   *dispatch.Router
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries []*localEntry
	conns   map[socket.Socket]struct{}
	closed  bool

	drains sync.WaitGroup
}

// NewStack creates a running stack. Traffic on bound sockets that is not
// STUN falls through to a debug log.
func NewStack(cfg Config, topts transport.Options, logger *slog.Logger, m *metrics.Metrics) *Stack {
	if m == nil {
		m = metrics.Default()
	}
	s := &Stack{
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String(logging.KeyComponent, "harvest")),
		metrics: m,
		conns:   make(map[socket.Socket]struct{}),
	}
	s.router = dispatch.NewRouter(logger, m)
	pipeline, err := dispatch.NewPipeline(0, 0, s.router, nil, logger, m)
	if err != nil {
		// only reachable with a nil handler
		panic(err)
	}
	s.pipeline = pipeline
	s.pipeline.Start()
	s.manager = transport.NewManager(topts, s.consumeOther, s.AddConnectedSocket, logger, m)
	return s
}

// Manager exposes the stack's transport manager.
func (s *Stack) Manager() *transport.Manager {
	return s.manager
}

// Router exposes the stack's transaction router.
func (s *Stack) Router() *dispatch.Router {
	return s.router
}

// consumeOther absorbs non-STUN traffic arriving on bound sockets.
func (s *Stack) consumeOther(rm socket.RawMessage) {
	s.logger.Debug("ignoring non-stun packet",
		slog.String(logging.KeyRemoteAddr, rm.Source.String()),
		slog.Int("bytes", len(rm.Data)))
}

// AddSocket binds a local UDP endpoint and returns the host candidate for
// it. STUN traffic on the endpoint is decoded and routed; everything else
// goes to the default consumer.
func (s *Stack) AddSocket(local ice.TransportAddress, componentID int) (*ice.Candidate, error) {
	mux, err := s.manager.AddBinding(local)
	if err != nil {
		return nil, err
	}

	ls, err := mux.Open(func(rm socket.RawMessage) bool {
		return stunmsg.IsSTUN(rm.Data)
	})
	if err != nil {
		return nil, err
	}

	host := ice.NewHostCandidate(mux.LocalAddress(), componentID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ls.Close()
		return nil, socket.ErrClosed
	}
	s.entries = append(s.entries, &localEntry{host: host, sock: ls, mux: mux})
	s.mu.Unlock()

	s.drains.Add(1)
	go s.drain(ls)

	s.metrics.RecordCandidate(host.Type.String())
	s.logger.Info("added local endpoint",
		slog.String(logging.KeyCandidate, host.ShortString()))
	return host, nil
}

// SocketFor returns the send socket serving a host candidate's address.
func (s *Stack) SocketFor(addr ice.TransportAddress) (socket.Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.host.Address.Equal(addr) {
			return e.sock, true
		}
	}
	return nil, false
}

// AddConnectedSocket registers a connected socket, typically a TCP client
// connection, and starts feeding its inbound messages to the pipeline.
func (s *Stack) AddConnectedSocket(sock socket.Socket) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.Close()
		return
	}
	s.conns[sock] = struct{}{}
	s.mu.Unlock()

	s.manager.RegisterSocket(sock)
	s.drains.Add(1)
	go s.drain(sock)
}

// RemoveConnectedSocket closes a connected socket and stops tracking it.
func (s *Stack) RemoveConnectedSocket(sock socket.Socket) {
	s.mu.Lock()
	delete(s.conns, sock)
	s.mu.Unlock()
	s.manager.DeregisterSocket(sock)
	sock.Close()
}

// drain moves packets from a socket into the decode pipeline until the
// socket closes.
func (s *Stack) drain(sock socket.Socket) {
	defer s.drains.Done()
	for {
		rm, err := sock.Receive()
		if err != nil {
			if err == socket.ErrReceiveTimeout {
				continue
			}
			if err != socket.ErrClosed {
				s.logger.Debug("socket receive ended",
					slog.String(logging.KeyLocalAddr, sock.LocalAddress().String()),
					slog.String(logging.KeyError, err.Error()))
			}
			return
		}
		s.pipeline.Enqueue(rm)
	}
}

// Close shuts the stack down: all bindings are released, drains finish, and
// the pipeline stops.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.entries = nil
	s.conns = make(map[socket.Socket]struct{})
	s.mu.Unlock()

	s.manager.Stop()
	s.drains.Wait()
	s.pipeline.Stop()
	return nil
}

func (s *Stack) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("stun stack(%d endpoints, %d connections)", len(s.entries), len(s.conns))
}
