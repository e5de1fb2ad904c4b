package socket

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/icetk/stungather/internal/ice"
)

// udpSocket wraps an unconnected UDP socket.
type udpSocket struct {
	conn  *net.UDPConn
	local ice.TransportAddress

	mu      sync.Mutex
	timeout time.Duration
	bufSize int
}

func newUDPSocket(conn *net.UDPConn, recvBufSize int) *udpSocket {
	if recvBufSize <= 0 {
		recvBufSize = DefaultReceiveBufferSize
	}
	local, _ := ice.FromNetAddr(conn.LocalAddr())
	return &udpSocket{
		conn:    conn,
		local:   local,
		bufSize: recvBufSize,
	}
}

func (s *udpSocket) LocalAddress() ice.TransportAddress {
	return s.local
}

func (s *udpSocket) Send(b []byte, to ice.TransportAddress) error {
	if _, err := s.conn.WriteToUDP(b, to.UDPAddr()); err != nil {
		return mapNetError(err)
	}
	return nil
}

func (s *udpSocket) Receive() (RawMessage, error) {
	s.mu.Lock()
	timeout := s.timeout
	bufSize := s.bufSize
	s.mu.Unlock()

	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return RawMessage{}, mapNetError(err)
		}
	} else {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return RawMessage{}, mapNetError(err)
		}
	}

	buf := make([]byte, bufSize)
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return RawMessage{}, mapNetError(err)
	}
	return RawMessage{
		Data:       buf[:n],
		Source:     ice.NewTransportAddress(from.IP, from.Port, ice.TransportUDP),
		Local:      s.local,
		ReceivedAt: time.Now(),
	}, nil
}

func (s *udpSocket) SetReceiveTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *udpSocket) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// mapNetError converts net-level failures into the package sentinels so
// callers can test with errors.Is.
func mapNetError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrReceiveTimeout
	}
	return err
}
