package harvest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/icetk/stungather/internal/dispatch"
	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/socket"
	"github.com/icetk/stungather/internal/stunmsg"
)

// HarvestState tracks one Binding transaction's lifecycle.
type HarvestState int

const (
	// HarvestIdle means the harvest has not been started.
	HarvestIdle HarvestState = iota
	// HarvestInProgress means the request is in flight.
	HarvestInProgress
	// HarvestCompleted means a response arrived.
	HarvestCompleted
	// HarvestFailed means the transaction timed out or got an error response.
	HarvestFailed
	// HarvestCancelled means the harvest was closed before resolving.
	HarvestCancelled
)

// String returns the state name.
func (s HarvestState) String() string {
	switch s {
	case HarvestIdle:
		return "idle"
	case HarvestInProgress:
		return "in-progress"
	case HarvestCompleted:
		return "completed"
	case HarvestFailed:
		return "failed"
	case HarvestCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// terminal result labels for metrics
const (
	resultSuccess   = "success"
	resultError     = "error"
	resultTimeout   = "timeout"
	resultCancelled = "cancelled"
)

// Harvest is one Binding transaction against one server from one host
// candidate. It retransmits with a doubling interval until a response
// arrives or the attempt budget runs out, then reports its terminal state
// to the owning harvester exactly once.
type Harvest struct {
	harvester *Harvester
	host      *ice.Candidate
	sock      socket.Socket
	id        stunmsg.TransactionID
	request   []byte
	logger    *slog.Logger

	mu         sync.Mutex
	state      HarvestState
	attempt    int
	timer      *time.Timer
	startedAt  time.Time
	candidates []*ice.Candidate
}

// TransactionID returns the harvest's transaction ID.
func (h *Harvest) TransactionID() stunmsg.TransactionID {
	return h.id
}

// State returns the harvest's lifecycle state.
func (h *Harvest) State() HarvestState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Candidates returns the candidates this harvest discovered.
func (h *Harvest) Candidates() []*ice.Candidate {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*ice.Candidate, len(h.candidates))
	copy(out, h.candidates)
	return out
}

// startResolvingCandidate sends the first Binding request and arms the
// retransmission timer. The harvest must be idle.
func (h *Harvest) startResolvingCandidate() error {
	msg, err := stunmsg.BuildBindingRequest(h.id)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.state != HarvestIdle {
		h.mu.Unlock()
		return nil
	}
	h.request = stunmsg.Encode(msg)
	h.state = HarvestInProgress
	h.startedAt = time.Now()
	h.mu.Unlock()

	h.harvester.stack.Router().Register(h.id, h)

	// Send under the lock so a concurrent terminate cannot be followed by
	// network activity for this transaction.
	h.mu.Lock()
	if h.state != HarvestInProgress {
		h.mu.Unlock()
		return nil
	}
	err = h.sock.Send(h.request, h.harvester.server)
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("binding request send failed",
			slog.String(logging.KeyServer, h.harvester.server.String()),
			slog.String(logging.KeyError, err.Error()))
		h.terminate(resultError, nil)
		return nil
	}
	h.armTimer(h.harvester.cfg.RTO)
	h.logger.Debug("sent binding request",
		slog.String(logging.KeyTransactionID, h.id.String()))
	return nil
}

func (h *Harvest) armTimer(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HarvestInProgress {
		return
	}
	h.timer = time.AfterFunc(d, h.onTimeout)
}

// onTimeout retransmits the pending request, doubling the interval, until
// the attempt budget is exhausted. The retransmit send happens under the
// lock so it cannot race a concurrent terminate.
func (h *Harvest) onTimeout() {
	h.mu.Lock()
	if h.state != HarvestInProgress {
		h.mu.Unlock()
		return
	}
	h.attempt++
	attempt := h.attempt

	if attempt > h.harvester.cfg.MaxRetransmissions {
		h.mu.Unlock()
		h.logger.Debug("transaction timed out",
			slog.String(logging.KeyTransactionID, h.id.String()),
			slog.Int("attempts", attempt))
		h.terminate(resultTimeout, nil)
		return
	}

	h.harvester.metrics.RecordRetransmission()
	err := h.sock.Send(h.request, h.harvester.server)
	h.mu.Unlock()
	if err != nil {
		h.terminate(resultError, nil)
		return
	}
	h.armTimer(h.harvester.cfg.RTO << uint(attempt))
}

// HandleMessageEvent consumes the response routed to this transaction.
func (h *Harvest) HandleMessageEvent(ev dispatch.MessageEvent) {
	switch {
	case stunmsg.IsBindingSuccess(ev.Message):
		h.handleSuccess(ev)
	case stunmsg.IsBindingError(ev.Message):
		code, reason := stunmsg.ErrorCode(ev.Message)
		h.logger.Debug("binding error response",
			slog.String(logging.KeyTransactionID, h.id.String()),
			slog.Int("code", code),
			slog.String("reason", reason))
		h.terminate(resultError, nil)
	default:
		// a request echoed back or an unknown method; ignore
	}
}

func (h *Harvest) handleSuccess(ev dispatch.MessageEvent) {
	ip, port, err := stunmsg.MappedAddress(ev.Message)
	if err != nil {
		h.logger.Warn("success response without mapped address",
			slog.String(logging.KeyTransactionID, h.id.String()))
		h.terminate(resultError, nil)
		return
	}

	mapped := ice.NewTransportAddress(ip, port, h.host.Address.Transport)
	var found []*ice.Candidate
	if !mapped.Equal(h.host.Address) {
		found = append(found, ice.NewServerReflexiveCandidate(mapped, h.host))
	}
	h.terminate(resultSuccess, found)
}

// Close cancels an in-flight harvest.
func (h *Harvest) Close() {
	h.terminate(resultCancelled, nil)
}

// terminate moves the harvest to its terminal state and notifies the
// harvester. Later calls are no-ops.
func (h *Harvest) terminate(result string, found []*ice.Candidate) {
	h.mu.Lock()
	if h.state != HarvestInProgress {
		h.mu.Unlock()
		return
	}
	switch result {
	case resultSuccess:
		h.state = HarvestCompleted
	case resultCancelled:
		h.state = HarvestCancelled
	default:
		h.state = HarvestFailed
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.candidates = found
	elapsed := time.Since(h.startedAt)
	h.mu.Unlock()

	h.harvester.stack.Router().Deregister(h.id)
	h.harvester.metrics.RecordHarvestCompleted(result, elapsed.Seconds())
	for _, c := range found {
		h.harvester.metrics.RecordCandidate(c.Type.String())
		h.logger.Info("discovered candidate",
			slog.String(logging.KeyCandidate, c.ShortString()),
			slog.String(logging.KeyServer, h.harvester.server.String()))
	}
	h.harvester.completedResolvingCandidate(h)
}
