package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/metrics"
	"github.com/icetk/stungather/internal/socket"
	"github.com/icetk/stungather/internal/stunmsg"
)

type collectingHandler struct {
	mu     sync.Mutex
	events []MessageEvent
	got    chan struct{}
}

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{got: make(chan struct{}, 64)}
}

func (h *collectingHandler) HandleMessageEvent(ev MessageEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *collectingHandler) snapshot() []MessageEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MessageEvent, len(h.events))
	copy(out, h.events)
	return out
}

type collectingErrors struct {
	mu          sync.Mutex
	recoverable []error
	got         chan struct{}
}

func newCollectingErrors() *collectingErrors {
	return &collectingErrors{got: make(chan struct{}, 64)}
}

func (e *collectingErrors) HandleRecoverable(context string, err error) {
	e.mu.Lock()
	e.recoverable = append(e.recoverable, err)
	e.mu.Unlock()
	e.got <- struct{}{}
}

func (e *collectingErrors) HandleFatal(component, context string, err error) {}

func rawSTUN(t *testing.T, source string) (socket.RawMessage, stunmsg.TransactionID) {
	t.Helper()
	id, err := stunmsg.NewTransactionID()
	if err != nil {
		t.Fatalf("transaction id: %v", err)
	}
	msg, err := stunmsg.BuildBindingRequest(id)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	src, err := ice.ParseTransportAddress(source, ice.TransportUDP)
	if err != nil {
		t.Fatalf("parse source: %v", err)
	}
	return socket.RawMessage{
		Data:       stunmsg.Encode(msg),
		Source:     src,
		ReceivedAt: time.Now(),
	}, id
}

func newTestPipeline(t *testing.T, workers int, handler MessageHandler, errs ErrorHandler) *Pipeline {
	t.Helper()
	p, err := NewPipeline(workers, 0, handler, errs,
		logging.NopLogger(),
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestNewPipeline_RequiresHandler(t *testing.T) {
	_, err := NewPipeline(1, 1, nil, nil, logging.NopLogger(), nil)
	if err == nil {
		t.Fatal("NewPipeline() expected error for nil handler")
	}
}

func TestPipeline_DeliversDecodedEvents(t *testing.T) {
	handler := newCollectingHandler()
	p := newTestPipeline(t, 2, handler, nil)

	rm, id := rawSTUN(t, "198.51.100.1:3478")
	p.Enqueue(rm)

	select {
	case <-handler.got:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
	}

	events := handler.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.TransactionID != id {
		t.Errorf("TransactionID = %s, want %s", ev.TransactionID, id)
	}
	if !stunmsg.IsBindingRequest(ev.Message) {
		t.Error("decoded message is not a binding request")
	}
	if !ev.Raw.Source.Equal(rm.Source) {
		t.Errorf("Source = %s, want %s", ev.Raw.Source, rm.Source)
	}
}

func TestPipeline_SameSourceKeepsOrder(t *testing.T) {
	handler := newCollectingHandler()
	p := newTestPipeline(t, 4, handler, nil)

	const n = 20
	var ids []stunmsg.TransactionID
	for i := 0; i < n; i++ {
		rm, id := rawSTUN(t, "198.51.100.1:3478")
		ids = append(ids, id)
		p.Enqueue(rm)
	}

	for i := 0; i < n; i++ {
		select {
		case <-handler.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d events arrived", i, n)
		}
	}

	events := handler.snapshot()
	for i, ev := range events {
		if ev.TransactionID != ids[i] {
			t.Fatalf("event %d out of order", i)
		}
	}
}

func TestPipeline_DecodeErrorIsRecoverable(t *testing.T) {
	handler := newCollectingHandler()
	errs := newCollectingErrors()
	p := newTestPipeline(t, 1, handler, errs)

	src, _ := ice.ParseTransportAddress("198.51.100.1:3478", ice.TransportUDP)
	p.Enqueue(socket.RawMessage{Data: []byte{0x00, 0x01, 0xff}, Source: src})

	select {
	case <-errs.got:
	case <-time.After(2 * time.Second):
		t.Fatal("decode error never reported")
	}
	if len(handler.snapshot()) != 0 {
		t.Error("handler saw an event for an undecodable packet")
	}

	// A good packet after a bad one still goes through.
	rm, _ := rawSTUN(t, "198.51.100.1:3478")
	p.Enqueue(rm)
	select {
	case <-handler.got:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after a decode error")
	}
}

func TestPipeline_PanicDoesNotPropagate(t *testing.T) {
	panicking := MessageHandlerFunc(func(ev MessageEvent) {
		panic("boom")
	})
	p := newTestPipeline(t, 1, panicking, newCollectingErrors())

	rm, _ := rawSTUN(t, "198.51.100.1:3478")
	p.Enqueue(rm)
	time.Sleep(100 * time.Millisecond)
	// reaching Stop without the test binary dying is the assertion
}

func TestPipeline_EnqueueAfterStop(t *testing.T) {
	handler := newCollectingHandler()
	p, err := NewPipeline(1, 1, handler, nil,
		logging.NopLogger(),
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	p.Start()
	p.Stop()

	rm, _ := rawSTUN(t, "198.51.100.1:3478")
	p.Enqueue(rm) // must not panic or block

	if len(handler.snapshot()) != 0 {
		t.Error("handler received an event after Stop")
	}
}
