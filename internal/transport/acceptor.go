// Package transport manages local port bindings and the acceptors that
// receive traffic on them.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/socket"
)

// AcceptorState tracks an acceptor's lifecycle.
type AcceptorState int

const (
	// AcceptorIdle means the acceptor has not bound its port yet.
	AcceptorIdle AcceptorState = iota
	// AcceptorRunning means the acceptor holds its port and delivers traffic.
	AcceptorRunning
	// AcceptorClosing means a dispose is in progress.
	AcceptorClosing
	// AcceptorClosed means the port has been released.
	AcceptorClosed
)

// String returns the state name.
func (s AcceptorState) String() string {
	switch s {
	case AcceptorIdle:
		return "idle"
	case AcceptorRunning:
		return "running"
	case AcceptorClosing:
		return "closing"
	case AcceptorClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Acceptor owns one bound local endpoint. UDP acceptors expose a multiplexer
// over the bound socket; TCP acceptors run an accept loop and hand each
// inbound connection to the manager's connection sink.
type Acceptor struct {
	id     string
	local  ice.TransportAddress
	logger *slog.Logger

	mux      *socket.Multiplexer
	listener net.Listener
	onConn   func(socket.Socket)

	// disposeHook, when set, runs during dispose after the port is
	// released. Tests use it to simulate a slow teardown.
	disposeHook func()

	mu    sync.Mutex
	state AcceptorState
	conns []socket.Socket

	wg sync.WaitGroup
}

// ID returns the registry key of this acceptor.
func (a *Acceptor) ID() string {
	return a.id
}

// LocalAddress returns the bound endpoint.
func (a *Acceptor) LocalAddress() ice.TransportAddress {
	return a.local
}

// State returns the acceptor's lifecycle state.
func (a *Acceptor) State() AcceptorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Multiplexer returns the UDP acceptor's multiplexer, nil for TCP acceptors.
func (a *Acceptor) Multiplexer() *socket.Multiplexer {
	return a.mux
}

// acceptLoop accepts inbound TCP connections until the listener closes.
func (a *Acceptor) acceptLoop(recvBufSize int) {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		sock := socket.NewTCPSocket(conn, recvBufSize)
		a.mu.Lock()
		if a.state != AcceptorRunning {
			a.mu.Unlock()
			sock.Close()
			return
		}
		a.conns = append(a.conns, sock)
		a.mu.Unlock()
		a.logger.Debug("accepted connection",
			slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()))
		if a.onConn != nil {
			a.onConn(sock)
		}
	}
}

// dispose releases the port and closes any accepted connections. It is safe
// to call more than once.
func (a *Acceptor) dispose() error {
	a.mu.Lock()
	if a.state == AcceptorClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = AcceptorClosing
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()

	var firstErr error
	if a.mux != nil {
		if err := a.mux.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close multiplexer: %w", err)
		}
	}
	if a.listener != nil {
		if err := a.listener.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close listener: %w", err)
		}
	}
	for _, c := range conns {
		c.Close()
	}
	if a.disposeHook != nil {
		a.disposeHook()
	}
	a.wg.Wait()

	a.mu.Lock()
	a.state = AcceptorClosed
	a.mu.Unlock()
	return firstErr
}
