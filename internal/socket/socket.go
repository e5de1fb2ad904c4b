// Package socket provides the polymorphic socket layer: UDP and TCP
// endpoints behind a single send/receive/close contract, and a multiplexer
// that splits one physical socket into filtered logical sockets.
package socket

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/icetk/stungather/internal/ice"
)

// DefaultReceiveBufferSize is the read buffer size used when none is
// configured.
const DefaultReceiveBufferSize = 65535

var (
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("socket: closed")
	// ErrReceiveTimeout is returned by Receive when the configured receive
	// timeout elapses before a packet arrives.
	ErrReceiveTimeout = errors.New("socket: receive timeout")
)

// RawMessage is one packet read from the network. It is produced by a
// physical socket read and consumed exactly once by the dispatch pipeline.
type RawMessage struct {
	Data       []byte
	Source     ice.TransportAddress
	Local      ice.TransportAddress
	ReceivedAt time.Time
}

// Socket unifies connection-oriented and connectionless endpoints behind one
// contract. Implementations are safe for concurrent sends; Receive is owned
// by a single reader.
type Socket interface {
	// LocalAddress returns the bound local endpoint.
	LocalAddress() ice.TransportAddress

	// Send transmits a packet to the given address. Connected sockets
	// ignore addresses other than their peer.
	Send(b []byte, to ice.TransportAddress) error

	// Receive blocks until a packet arrives, the receive timeout elapses
	// (ErrReceiveTimeout) or the socket is closed (ErrClosed).
	Receive() (RawMessage, error)

	// SetReceiveTimeout bounds how long Receive blocks. Zero disables the
	// timeout.
	SetReceiveTimeout(d time.Duration)

	// Close releases the socket. Blocked receivers fail with ErrClosed.
	Close() error
}

// Listen binds a connectionless socket on the given local address. Only UDP
// endpoints can be bound this way; TCP endpoints are created by Dial or by
// an acceptor wrapping an accepted connection.
func Listen(local ice.TransportAddress, recvBufSize int) (Socket, error) {
	if local.Transport != ice.TransportUDP {
		return nil, fmt.Errorf("listen %s: only udp sockets can be bound without a peer", local)
	}
	conn, err := net.ListenUDP("udp", local.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	return newUDPSocket(conn, recvBufSize), nil
}

// Dial opens a socket connected to the remote address; the transport kind of
// the remote selects the implementation. UDP sockets are bound locally and
// unconnected so they can also exchange packets with other peers.
func Dial(remote ice.TransportAddress, timeout time.Duration, recvBufSize int) (Socket, error) {
	switch remote.Transport {
	case ice.TransportUDP:
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", remote, err)
		}
		return newUDPSocket(conn, recvBufSize), nil
	case ice.TransportTCP:
		conn, err := net.DialTimeout("tcp", remote.HostPort(), timeout)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", remote, err)
		}
		return NewTCPSocket(conn, recvBufSize), nil
	default:
		return nil, fmt.Errorf("dial %s: unsupported transport", remote)
	}
}
