package socket

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/metrics"
)

// Filter decides whether a logical socket receives a packet.
type Filter func(RawMessage) bool

// DefaultLogicalQueueSize bounds a logical socket's pending-receive buffer
// when no size is configured.
const DefaultLogicalQueueSize = 64

// Multiplexer owns one physical socket and splits its inbound stream into
// logical sockets by applying content filters in registration order. A packet
// is delivered to at most one consumer: the first logical socket whose filter
// accepts it, or the default consumer when none match.
type Multiplexer struct {
	phys      Socket
	defaultFn func(RawMessage)
	queueSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// throttle the unmatched-packet and buffer-eviction warnings
	unmatchedLog *rate.Limiter
	evictedLog   *rate.Limiter

	mu     sync.Mutex
	regs   []*LogicalSocket
	closed bool

	wg sync.WaitGroup
}

// NewMultiplexer wraps a physical socket and starts its read loop. Packets
// matching no filter are handed to defaultFn; a nil defaultFn drops them.
func NewMultiplexer(phys Socket, defaultFn func(RawMessage), queueSize int, logger *slog.Logger, mm *metrics.Metrics) *Multiplexer {
	if queueSize <= 0 {
		queueSize = DefaultLogicalQueueSize
	}
	if mm == nil {
		mm = metrics.Default()
	}
	m := &Multiplexer{
		phys:         phys,
		defaultFn:    defaultFn,
		queueSize:    queueSize,
		logger:       logger.With(slog.String("component", "mux"), slog.String("local_addr", phys.LocalAddress().String())),
		metrics:      mm,
		unmatchedLog: rate.NewLimiter(rate.Every(time.Second), 1),
		evictedLog:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	m.wg.Add(1)
	go m.readLoop()
	return m
}

// LocalAddress returns the physical socket's bound endpoint.
func (m *Multiplexer) LocalAddress() ice.TransportAddress {
	return m.phys.LocalAddress()
}

// Open registers a logical socket with the given filter. Filters are
// evaluated in the order they were registered.
func (m *Multiplexer) Open(filter Filter) (*LogicalSocket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ls := &LogicalSocket{
		mux:    m,
		filter: filter,
		recv:   make(chan RawMessage, m.queueSize),
		done:   make(chan struct{}),
	}
	m.regs = append(m.regs, ls)
	return ls, nil
}

// Close shuts down the physical socket and disposes every logical socket.
func (m *Multiplexer) Close() error {
	err := m.phys.Close()
	m.wg.Wait()
	return err
}

func (m *Multiplexer) readLoop() {
	defer m.wg.Done()
	for {
		rm, err := m.phys.Receive()
		if err != nil {
			if err == ErrReceiveTimeout {
				continue
			}
			if err != ErrClosed {
				m.logger.Warn("physical receive failed", slog.String("error", err.Error()))
			}
			m.disposeAll()
			return
		}
		m.deliver(rm)
	}
}

// deliver routes one packet to the first matching logical socket, falling
// back to the default consumer.
func (m *Multiplexer) deliver(rm RawMessage) {
	m.mu.Lock()
	regs := make([]*LogicalSocket, len(m.regs))
	copy(regs, m.regs)
	m.mu.Unlock()

	for _, ls := range regs {
		if ls.filter != nil && !ls.filter(rm) {
			continue
		}
		m.metrics.PacketsMatched.Inc()
		ls.push(rm)
		return
	}
	m.metrics.PacketsUnmatched.Inc()
	if m.defaultFn != nil {
		m.defaultFn(rm)
		return
	}
	if m.unmatchedLog.Allow() {
		m.logger.Warn("dropping unmatched packet",
			slog.String("source", rm.Source.String()),
			slog.Int("bytes", len(rm.Data)))
	}
}

func (m *Multiplexer) disposeAll() {
	m.mu.Lock()
	regs := m.regs
	m.regs = nil
	m.closed = true
	m.mu.Unlock()
	for _, ls := range regs {
		ls.closeOnce.Do(func() { close(ls.done) })
	}
}

// closeLogical deregisters a logical socket and wakes its blocked receivers.
func (m *Multiplexer) closeLogical(ls *LogicalSocket) {
	m.mu.Lock()
	for i, reg := range m.regs {
		if reg == ls {
			m.regs = append(m.regs[:i], m.regs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	ls.closeOnce.Do(func() { close(ls.done) })
}

// LogicalSocket is a virtual receive endpoint over a multiplexed physical
// socket. It implements Socket; sends go straight to the physical socket.
type LogicalSocket struct {
	mux    *Multiplexer
	filter Filter
	recv   chan RawMessage
	done   chan struct{}

	timeoutMu sync.Mutex
	timeout   time.Duration

	closeOnce sync.Once
}

// push enqueues a packet, evicting the oldest pending packet when the buffer
// is full so a stalled consumer cannot wedge the read loop. Evictions are
// counted and logged; a matched packet is otherwise never dropped.
func (ls *LogicalSocket) push(rm RawMessage) {
	select {
	case ls.recv <- rm:
		return
	default:
	}
	evicted := false
	select {
	case <-ls.recv:
		evicted = true
	default:
	}
	select {
	case ls.recv <- rm:
	default:
		evicted = true
	}
	if evicted {
		ls.mux.metrics.PacketsEvicted.Inc()
		if ls.mux.evictedLog.Allow() {
			ls.mux.logger.Warn("receive buffer full, evicting oldest packet",
				slog.String("source", rm.Source.String()))
		}
	}
}

// LocalAddress returns the physical socket's bound endpoint.
func (ls *LogicalSocket) LocalAddress() ice.TransportAddress {
	return ls.mux.phys.LocalAddress()
}

// Send transmits through the owning physical socket.
func (ls *LogicalSocket) Send(b []byte, to ice.TransportAddress) error {
	select {
	case <-ls.done:
		return ErrClosed
	default:
	}
	return ls.mux.phys.Send(b, to)
}

// Receive blocks until a packet matching this socket's filter arrives, the
// receive timeout elapses, or the socket is closed.
func (ls *LogicalSocket) Receive() (RawMessage, error) {
	ls.timeoutMu.Lock()
	timeout := ls.timeout
	ls.timeoutMu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	// Drain pending packets even after close so nothing already accepted by
	// the filter is lost.
	select {
	case rm := <-ls.recv:
		return rm, nil
	default:
	}

	select {
	case rm := <-ls.recv:
		return rm, nil
	case <-ls.done:
		return RawMessage{}, ErrClosed
	case <-timer:
		return RawMessage{}, ErrReceiveTimeout
	}
}

// SetReceiveTimeout bounds how long Receive blocks. Zero disables the
// timeout.
func (ls *LogicalSocket) SetReceiveTimeout(d time.Duration) {
	ls.timeoutMu.Lock()
	ls.timeout = d
	ls.timeoutMu.Unlock()
}

// Close deregisters the filter and unblocks any pending Receive with
// ErrClosed. The physical socket stays open.
func (ls *LogicalSocket) Close() error {
	ls.mux.closeLogical(ls)
	return nil
}
