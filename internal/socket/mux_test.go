package socket

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/metrics"
)

func newTestMux(t *testing.T, defaultFn func(RawMessage), queueSize int) (*Multiplexer, Socket, *metrics.Metrics) {
	t.Helper()
	phys := listenLoopback(t)
	mm := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	m := NewMultiplexer(phys, defaultFn, queueSize, logging.NopLogger(), mm)
	t.Cleanup(func() { m.Close() })
	sender := listenLoopback(t)
	return m, sender, mm
}

func TestMultiplexer_FilterRouting(t *testing.T) {
	m, sender, _ := newTestMux(t, nil, 0)

	ls, err := m.Open(func(rm RawMessage) bool {
		return len(rm.Data) > 0 && rm.Data[0] == 'a'
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ls.Close()

	if err := sender.Send([]byte("abc"), m.LocalAddress()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ls.SetReceiveTimeout(2 * time.Second)
	rm, err := ls.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !bytes.Equal(rm.Data, []byte("abc")) {
		t.Errorf("Data = %q, want abc", rm.Data)
	}
}

func TestMultiplexer_FirstMatchWins(t *testing.T) {
	m, sender, _ := newTestMux(t, nil, 0)

	matchAll := func(RawMessage) bool { return true }
	first, err := m.Open(matchAll)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer first.Close()
	second, err := m.Open(matchAll)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer second.Close()

	if err := sender.Send([]byte("x"), m.LocalAddress()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	first.SetReceiveTimeout(2 * time.Second)
	if _, err := first.Receive(); err != nil {
		t.Fatalf("first Receive() error = %v", err)
	}

	second.SetReceiveTimeout(100 * time.Millisecond)
	if _, err := second.Receive(); err != ErrReceiveTimeout {
		t.Errorf("second Receive() error = %v, want ErrReceiveTimeout", err)
	}
}

func TestMultiplexer_DefaultConsumer(t *testing.T) {
	var mu sync.Mutex
	var fallthroughs [][]byte
	got := make(chan struct{}, 16)

	m, sender, _ := newTestMux(t, func(rm RawMessage) {
		mu.Lock()
		fallthroughs = append(fallthroughs, rm.Data)
		mu.Unlock()
		got <- struct{}{}
	}, 0)

	ls, err := m.Open(func(rm RawMessage) bool {
		return len(rm.Data) > 0 && rm.Data[0] == 'a'
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ls.Close()

	if err := sender.Send([]byte("zzz"), m.LocalAddress()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("default consumer never saw the packet")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(fallthroughs) != 1 || !bytes.Equal(fallthroughs[0], []byte("zzz")) {
		t.Errorf("fallthroughs = %q", fallthroughs)
	}
}

func TestLogicalSocket_DropOldest(t *testing.T) {
	m, sender, mm := newTestMux(t, nil, 2)

	ls, err := m.Open(func(RawMessage) bool { return true })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ls.Close()

	// Overfill the 2-slot buffer without a consumer.
	for _, p := range []string{"1", "2", "3"} {
		if err := sender.Send([]byte(p), m.LocalAddress()); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	// Let the read loop drain the wire.
	time.Sleep(200 * time.Millisecond)

	ls.SetReceiveTimeout(100 * time.Millisecond)
	var received []string
	for {
		rm, err := ls.Receive()
		if err != nil {
			break
		}
		received = append(received, string(rm.Data))
	}

	if len(received) != 2 {
		t.Fatalf("received %d packets, want 2 (oldest dropped)", len(received))
	}
	if received[len(received)-1] != "3" {
		t.Errorf("newest packet = %q, want 3", received[len(received)-1])
	}
	// The eviction is visible on the mux metrics.
	if got := testutil.ToFloat64(mm.PacketsEvicted); got != 1 {
		t.Errorf("evicted packets = %v, want 1", got)
	}
}

func TestLogicalSocket_Close(t *testing.T) {
	m, sender, _ := newTestMux(t, nil, 0)

	ls, err := m.Open(func(RawMessage) bool { return true })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := ls.Receive()
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := ls.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Errorf("Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive() did not unblock on close")
	}

	if err := ls.Send([]byte("x"), sender.LocalAddress()); err != ErrClosed {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}

	// A closed logical socket no longer claims packets.
	claimed := make(chan struct{}, 1)
	def, err := m.Open(func(RawMessage) bool { return true })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer def.Close()
	go func() {
		def.SetReceiveTimeout(2 * time.Second)
		if _, err := def.Receive(); err == nil {
			claimed <- struct{}{}
		}
	}()
	if err := sender.Send([]byte("y"), m.LocalAddress()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("packet was not rerouted after logical close")
	}
}

func TestMultiplexer_CloseUnblocksAll(t *testing.T) {
	phys := listenLoopback(t)
	m := NewMultiplexer(phys, nil, 0, logging.NopLogger(),
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))

	ls, err := m.Open(func(RawMessage) bool { return true })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := ls.Receive()
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Errorf("Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive() did not unblock on mux close")
	}

	if _, err := m.Open(func(RawMessage) bool { return true }); err != ErrClosed {
		t.Errorf("Open() after close error = %v, want ErrClosed", err)
	}
}
