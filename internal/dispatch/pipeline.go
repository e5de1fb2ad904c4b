// Package dispatch decodes raw packets into protocol messages and routes
// them to the consumers awaiting them.
package dispatch

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/metrics"
	"github.com/icetk/stungather/internal/socket"
	"github.com/icetk/stungather/internal/stunmsg"
)

// DefaultWorkers is the decode worker count used when none is configured.
const DefaultWorkers = 4

// DefaultQueueSize bounds each worker's pending-packet queue.
const DefaultQueueSize = 512

// MessageEvent is a successfully decoded message together with its origin.
type MessageEvent struct {
	Raw           socket.RawMessage
	Message       *stunmsg.Message
	TransactionID stunmsg.TransactionID
}

// MessageHandler consumes decoded message events.
type MessageHandler interface {
	HandleMessageEvent(ev MessageEvent)
}

// ErrorHandler receives failures from the pipeline. Recoverable errors are
// per-packet; fatal errors mean the reporting worker is gone.
type ErrorHandler interface {
	HandleRecoverable(context string, err error)
	HandleFatal(component, context string, err error)
}

// LogErrorHandler is the default ErrorHandler; it logs and carries on.
type LogErrorHandler struct {
	Logger *slog.Logger
}

// HandleRecoverable logs a per-packet failure at warn level.
func (h *LogErrorHandler) HandleRecoverable(context string, err error) {
	h.Logger.Warn("recoverable dispatch error",
		slog.String("context", context),
		slog.String(logging.KeyError, err.Error()))
}

// HandleFatal logs a worker-terminating failure at error level.
func (h *LogErrorHandler) HandleFatal(component, context string, err error) {
	h.Logger.Error("fatal dispatch error",
		slog.String(logging.KeyComponent, component),
		slog.String("context", context),
		slog.String(logging.KeyError, err.Error()))
}

// Pipeline is a fixed-size pool of decode workers. Packets are sharded to
// workers by source address so responses from one server are decoded in
// receipt order; there is no ordering across shards.
type Pipeline struct {
	shards  []chan socket.RawMessage
	handler MessageHandler
	errs    ErrorHandler
	logger  *slog.Logger
	metrics *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPipeline creates a pipeline delivering decoded events to handler.
// The handler is required; errs may be nil, in which case failures are
// logged through logger.
func NewPipeline(workers, queueSize int, handler MessageHandler, errs ErrorHandler, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if handler == nil {
		return nil, errors.New("dispatch: message handler is required")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger = logger.With(slog.String(logging.KeyComponent, "dispatch"))
	if errs == nil {
		errs = &LogErrorHandler{Logger: logger}
	}
	if m == nil {
		m = metrics.Default()
	}
	p := &Pipeline{
		shards:  make([]chan socket.RawMessage, workers),
		handler: handler,
		errs:    errs,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan socket.RawMessage, queueSize)
	}
	return p, nil
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		for i := range p.shards {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.logger.Debug("pipeline started", slog.Int("workers", len(p.shards)))
	})
}

// Enqueue hands a raw packet to the pipeline. Packets are dropped with a
// recoverable report when the owning shard's queue is full or the pipeline
// is stopped.
func (p *Pipeline) Enqueue(rm socket.RawMessage) {
	shard := p.shards[p.shardFor(rm)]
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case shard <- rm:
		p.metrics.DispatchEnqueued.Inc()
		p.metrics.DispatchQueueDepth.Inc()
	default:
		p.metrics.DispatchDropped.Inc()
		p.errs.HandleRecoverable("enqueue", fmt.Errorf("queue full, dropping %d byte packet from %s", len(rm.Data), rm.Source))
	}
}

func (p *Pipeline) shardFor(rm socket.RawMessage) int {
	h := fnv.New32a()
	h.Write([]byte(rm.Source.String()))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Stop cancels the workers. Packets still queued are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *Pipeline) worker(i int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.DispatchWorkerPanics.Inc()
			p.errs.HandleFatal("dispatch", fmt.Sprintf("worker %d", i), fmt.Errorf("panic: %v", r))
		}
	}()
	for {
		select {
		case <-p.done:
			return
		case rm := <-p.shards[i]:
			p.metrics.DispatchQueueDepth.Dec()
			p.process(rm)
		}
	}
}

func (p *Pipeline) process(rm socket.RawMessage) {
	msg, err := stunmsg.Decode(rm.Data)
	if err != nil {
		p.metrics.DispatchDecodeErrors.Inc()
		p.errs.HandleRecoverable(fmt.Sprintf("decode packet from %s", rm.Source), err)
		return
	}
	p.handler.HandleMessageEvent(MessageEvent{
		Raw:           rm,
		Message:       msg,
		TransactionID: stunmsg.TransactionOf(msg),
	})
}
