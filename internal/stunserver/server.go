// Package stunserver implements a minimal STUN Binding responder, useful
// for harvesting against a known server in tests and deployments without
// external infrastructure.
package stunserver

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/socket"
	"github.com/icetk/stungather/internal/stunmsg"
	"github.com/icetk/stungather/internal/transport"
)

// Server answers Binding requests with the request's source address as
// XOR-MAPPED-ADDRESS. It serves UDP directly and TCP through an acceptor.
type Server struct {
	logger  *slog.Logger
	manager *transport.Manager

	mu    sync.Mutex
	udp   socket.Socket
	local ice.TransportAddress

	wg sync.WaitGroup
}

// New creates a stopped server.
func New(logger *slog.Logger) *Server {
	s := &Server{
		logger: logger.With(slog.String(logging.KeyComponent, "stunserver")),
	}
	s.manager = transport.NewManager(transport.Options{}, nil, s.serveConn, logger, nil)
	return s
}

// Listen binds the given address on both UDP and TCP and starts serving.
func (s *Server) Listen(addr string) error {
	udpAddr, err := ice.ResolveTransportAddress(addr, ice.TransportUDP)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}

	sock, err := socket.Listen(udpAddr, 0)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	s.mu.Lock()
	s.udp = sock
	s.local = sock.LocalAddress()
	s.mu.Unlock()

	tcpAddr := s.local
	tcpAddr.Transport = ice.TransportTCP
	if _, err := s.manager.AddTCPAcceptor(tcpAddr); err != nil {
		sock.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.wg.Add(1)
	go s.serve(sock)
	s.logger.Info("stun server listening",
		slog.String(logging.KeyLocalAddr, s.local.String()))
	return nil
}

// LocalAddress returns the bound UDP endpoint.
func (s *Server) LocalAddress() ice.TransportAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// serve answers requests on one socket until it closes.
func (s *Server) serve(sock socket.Socket) {
	defer s.wg.Done()
	for {
		rm, err := sock.Receive()
		if err != nil {
			if err == socket.ErrReceiveTimeout {
				continue
			}
			return
		}
		s.respond(sock, rm)
	}
}

// serveConn handles one accepted TCP connection.
func (s *Server) serveConn(sock socket.Socket) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sock.Close()
		s.serveInner(sock)
	}()
}

func (s *Server) serveInner(sock socket.Socket) {
	for {
		rm, err := sock.Receive()
		if err != nil {
			return
		}
		s.respond(sock, rm)
	}
}

// respond builds and sends the Binding success for one request.
func (s *Server) respond(sock socket.Socket, rm socket.RawMessage) {
	if !stunmsg.IsSTUN(rm.Data) {
		return
	}
	msg, err := stunmsg.Decode(rm.Data)
	if err != nil {
		s.logger.Debug("dropping malformed packet",
			slog.String(logging.KeyRemoteAddr, rm.Source.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	if !stunmsg.IsBindingRequest(msg) {
		return
	}

	resp, err := stunmsg.BuildBindingSuccess(stunmsg.TransactionOf(msg), rm.Source.IP, rm.Source.Port)
	if err != nil {
		s.logger.Warn("building response failed",
			slog.String(logging.KeyError, err.Error()))
		return
	}
	if err := sock.Send(stunmsg.Encode(resp), rm.Source); err != nil {
		s.logger.Debug("response send failed",
			slog.String(logging.KeyRemoteAddr, rm.Source.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	s.logger.Debug("answered binding request",
		slog.String(logging.KeyRemoteAddr, rm.Source.String()))
}

// Close stops serving and releases all sockets.
func (s *Server) Close() error {
	s.mu.Lock()
	sock := s.udp
	s.udp = nil
	s.mu.Unlock()

	var err error
	if sock != nil {
		err = sock.Close()
	}
	s.manager.Stop()
	s.wg.Wait()
	return err
}
