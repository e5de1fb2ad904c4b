// Package ice defines the transport address and candidate model used by the
// harvesting layer.
package ice

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Transport identifies the protocol of a transport address.
type Transport int

const (
	// TransportUDP is connectionless UDP.
	TransportUDP Transport = iota
	// TransportTCP is connection-oriented TCP.
	TransportTCP
)

// String returns the lowercase protocol name, usable as a net.Dial network.
func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseTransport converts a protocol name to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "udp":
		return TransportUDP, nil
	case "tcp":
		return TransportTCP, nil
	default:
		return TransportUDP, fmt.Errorf("unknown transport %q", s)
	}
}

// TransportAddress identifies a network endpoint: IP, port and protocol.
// It is a value type; two addresses are equal when all three fields match.
type TransportAddress struct {
	IP        net.IP
	Port      int
	Transport Transport
}

// NewTransportAddress creates a TransportAddress from its parts.
func NewTransportAddress(ip net.IP, port int, transport Transport) TransportAddress {
	return TransportAddress{IP: ip, Port: port, Transport: transport}
}

// ParseTransportAddress parses a "host:port" string into a TransportAddress
// with the given transport. The host must be a literal IP.
func ParseTransportAddress(hostPort string, transport Transport) (TransportAddress, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return TransportAddress{}, fmt.Errorf("parse address %q: %w", hostPort, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return TransportAddress{}, fmt.Errorf("parse address %q: not an IP literal", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return TransportAddress{}, fmt.Errorf("parse address %q: invalid port", hostPort)
	}
	return TransportAddress{IP: ip, Port: port, Transport: transport}, nil
}

// ResolveTransportAddress resolves a "host:port" string, performing a DNS
// lookup when the host is not an IP literal. An empty host resolves to the
// unspecified address.
func ResolveTransportAddress(hostPort string, transport Transport) (TransportAddress, error) {
	switch transport {
	case TransportTCP:
		a, err := net.ResolveTCPAddr("tcp", hostPort)
		if err != nil {
			return TransportAddress{}, fmt.Errorf("resolve address %q: %w", hostPort, err)
		}
		return TransportAddress{IP: a.IP, Port: a.Port, Transport: transport}, nil
	default:
		a, err := net.ResolveUDPAddr("udp", hostPort)
		if err != nil {
			return TransportAddress{}, fmt.Errorf("resolve address %q: %w", hostPort, err)
		}
		return TransportAddress{IP: a.IP, Port: a.Port, Transport: transport}, nil
	}
}

// FromNetAddr converts a *net.UDPAddr or *net.TCPAddr to a TransportAddress.
func FromNetAddr(addr net.Addr) (TransportAddress, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return TransportAddress{IP: a.IP, Port: a.Port, Transport: TransportUDP}, nil
	case *net.TCPAddr:
		return TransportAddress{IP: a.IP, Port: a.Port, Transport: TransportTCP}, nil
	default:
		return TransportAddress{}, fmt.Errorf("unsupported address type %T", addr)
	}
}

// Equal reports whether both addresses have the same IP, port and transport.
func (a TransportAddress) Equal(b TransportAddress) bool {
	return a.Transport == b.Transport && a.Port == b.Port && a.IP.Equal(b.IP)
}

// IsZero reports whether the address is the zero value.
func (a TransportAddress) IsZero() bool {
	return a.IP == nil && a.Port == 0
}

// IsIPv4 reports whether the address is an IPv4 address.
func (a TransportAddress) IsIPv4() bool {
	return a.IP.To4() != nil
}

// CanReach reports whether this address can exchange packets with other:
// transports must match and the address families must be compatible.
func (a TransportAddress) CanReach(other TransportAddress) bool {
	if a.Transport != other.Transport {
		return false
	}
	if a.IP == nil || other.IP == nil {
		return false
	}
	return a.IsIPv4() == other.IsIPv4()
}

// HostPort returns the address in "host:port" form.
func (a TransportAddress) HostPort() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// String returns the address as "host:port/transport".
func (a TransportAddress) String() string {
	return a.HostPort() + "/" + a.Transport.String()
}

// UDPAddr converts the address to a *net.UDPAddr.
func (a TransportAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// TCPAddr converts the address to a *net.TCPAddr.
func (a TransportAddress) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: a.Port}
}
