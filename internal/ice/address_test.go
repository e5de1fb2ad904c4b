package ice

import (
	"net"
	"testing"
)

func TestParseTransport(t *testing.T) {
	tests := []struct {
		in      string
		want    Transport
		wantErr bool
	}{
		{"udp", TransportUDP, false},
		{"UDP", TransportUDP, false},
		{"tcp", TransportTCP, false},
		{"TCP", TransportTCP, false},
		{"sctp", TransportUDP, true},
		{"", TransportUDP, true},
	}

	for _, tt := range tests {
		got, err := ParseTransport(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTransport(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTransport(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseTransportAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"ipv4", "192.168.1.10:3478", false},
		{"ipv6", "[2001:db8::1]:3478", false},
		{"ephemeral port", "127.0.0.1:0", false},
		{"hostname rejected", "stun.example.org:3478", true},
		{"no port", "192.168.1.10", true},
		{"bad port", "192.168.1.10:99999", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseTransportAddress(tt.in, TransportUDP)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTransportAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && addr.IP == nil {
				t.Errorf("ParseTransportAddress(%q) returned nil IP", tt.in)
			}
		})
	}
}

func TestResolveTransportAddress(t *testing.T) {
	addr, err := ResolveTransportAddress("127.0.0.1:3478", TransportTCP)
	if err != nil {
		t.Fatalf("ResolveTransportAddress() error = %v", err)
	}
	if addr.Port != 3478 || addr.Transport != TransportTCP {
		t.Errorf("unexpected address: %s", addr)
	}

	// Empty host binds the unspecified address.
	addr, err = ResolveTransportAddress(":3478", TransportUDP)
	if err != nil {
		t.Fatalf("ResolveTransportAddress(\":3478\") error = %v", err)
	}
	if addr.Port != 3478 {
		t.Errorf("Port = %d, want 3478", addr.Port)
	}
}

func TestTransportAddress_Equal(t *testing.T) {
	a := NewTransportAddress(net.ParseIP("10.0.0.1"), 5000, TransportUDP)

	tests := []struct {
		name string
		b    TransportAddress
		want bool
	}{
		{"same", NewTransportAddress(net.ParseIP("10.0.0.1"), 5000, TransportUDP), true},
		{"different port", NewTransportAddress(net.ParseIP("10.0.0.1"), 5001, TransportUDP), false},
		{"different ip", NewTransportAddress(net.ParseIP("10.0.0.2"), 5000, TransportUDP), false},
		{"different transport", NewTransportAddress(net.ParseIP("10.0.0.1"), 5000, TransportTCP), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransportAddress_CanReach(t *testing.T) {
	v4udp := NewTransportAddress(net.ParseIP("192.0.2.1"), 3478, TransportUDP)
	v4tcp := NewTransportAddress(net.ParseIP("192.0.2.1"), 3478, TransportTCP)
	v6udp := NewTransportAddress(net.ParseIP("2001:db8::1"), 3478, TransportUDP)

	tests := []struct {
		name string
		a, b TransportAddress
		want bool
	}{
		{"v4 udp to v4 udp", v4udp, NewTransportAddress(net.ParseIP("198.51.100.7"), 1234, TransportUDP), true},
		{"udp to tcp", v4udp, v4tcp, false},
		{"v4 to v6", v4udp, v6udp, false},
		{"v6 to v6", v6udp, NewTransportAddress(net.ParseIP("2001:db8::2"), 3478, TransportUDP), true},
		{"nil ip", TransportAddress{Transport: TransportUDP}, v4udp, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.CanReach(tt.b); got != tt.want {
				t.Errorf("CanReach() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransportAddress_String(t *testing.T) {
	a := NewTransportAddress(net.ParseIP("10.1.2.3"), 9000, TransportTCP)
	if got := a.String(); got != "10.1.2.3:9000/tcp" {
		t.Errorf("String() = %s, want 10.1.2.3:9000/tcp", got)
	}
	if got := a.HostPort(); got != "10.1.2.3:9000" {
		t.Errorf("HostPort() = %s, want 10.1.2.3:9000", got)
	}
}

func TestFromNetAddr(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}
	a, err := FromNetAddr(udp)
	if err != nil {
		t.Fatalf("FromNetAddr(udp) error = %v", err)
	}
	if a.Transport != TransportUDP || a.Port != 4000 {
		t.Errorf("unexpected address: %s", a)
	}

	tcp := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4001}
	a, err = FromNetAddr(tcp)
	if err != nil {
		t.Fatalf("FromNetAddr(tcp) error = %v", err)
	}
	if a.Transport != TransportTCP || a.Port != 4001 {
		t.Errorf("unexpected address: %s", a)
	}

	if _, err := FromNetAddr(&net.UnixAddr{Name: "/tmp/x"}); err == nil {
		t.Error("FromNetAddr(unix) expected error")
	}
}
