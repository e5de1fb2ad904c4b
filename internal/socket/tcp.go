package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/icetk/stungather/internal/ice"
)

// stunHeaderSize is the fixed STUN message header length; the two bytes at
// offset 2 carry the length of the attributes that follow the header.
const stunHeaderSize = 20

// tcpSocket wraps a connected TCP stream. STUN messages on the stream are
// delimited by the length field of the message header, so Receive returns
// one complete message per call.
type tcpSocket struct {
	conn   net.Conn
	local  ice.TransportAddress
	remote ice.TransportAddress

	mu      sync.Mutex
	timeout time.Duration
	maxSize int
}

// NewTCPSocket wraps an established TCP connection. The peer is fixed;
// Send ignores the destination address.
func NewTCPSocket(conn net.Conn, recvBufSize int) Socket {
	if recvBufSize <= 0 {
		recvBufSize = DefaultReceiveBufferSize
	}
	local, _ := ice.FromNetAddr(conn.LocalAddr())
	remote, _ := ice.FromNetAddr(conn.RemoteAddr())
	return &tcpSocket{
		conn:    conn,
		local:   local,
		remote:  remote,
		maxSize: recvBufSize,
	}
}

func (s *tcpSocket) LocalAddress() ice.TransportAddress {
	return s.local
}

// RemoteAddress returns the connected peer.
func (s *tcpSocket) RemoteAddress() ice.TransportAddress {
	return s.remote
}

func (s *tcpSocket) Send(b []byte, _ ice.TransportAddress) error {
	if _, err := s.conn.Write(b); err != nil {
		return mapNetError(err)
	}
	return nil
}

func (s *tcpSocket) Receive() (RawMessage, error) {
	s.mu.Lock()
	timeout := s.timeout
	maxSize := s.maxSize
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

	header := make([]byte, stunHeaderSize)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return RawMessage{}, mapNetError(err)
	}
	attrLen := int(binary.BigEndian.Uint16(header[2:4]))
	if stunHeaderSize+attrLen > maxSize {
		return RawMessage{}, fmt.Errorf("tcp message of %d bytes exceeds receive buffer", stunHeaderSize+attrLen)
	}
	data := make([]byte, stunHeaderSize+attrLen)
	copy(data, header)
	if _, err := io.ReadFull(s.conn, data[stunHeaderSize:]); err != nil {
		return RawMessage{}, mapNetError(err)
	}
	return RawMessage{
		Data:       data,
		Source:     s.remote,
		Local:      s.local,
		ReceivedAt: time.Now(),
	}, nil
}

func (s *tcpSocket) SetReceiveTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *tcpSocket) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
