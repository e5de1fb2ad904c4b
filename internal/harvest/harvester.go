package harvest

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/icetk/stungather/internal/ice"
	"github.com/icetk/stungather/internal/logging"
	"github.com/icetk/stungather/internal/metrics"
	"github.com/icetk/stungather/internal/socket"
	"github.com/icetk/stungather/internal/stunmsg"
)

// Harvester gathers server reflexive candidates from one STUN server. A
// call to Harvest starts one Binding transaction per eligible host
// candidate, waits for all of them to reach a terminal state, and returns
// what they found.
type Harvester struct {
	server  ice.TransportAddress
	stack   *Stack
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// started and completed have separate locks; a harvest's terminal
	// notification takes both in order, never nested.
	startedMu sync.Mutex
	started   map[*Harvest]struct{}

	completedMu sync.Mutex
	completed   []*Harvest

	// active counts harvests between start and terminal notification
	active sync.WaitGroup
}

// NewHarvester creates a harvester for the given server on top of a stack.
func NewHarvester(stack *Stack, server ice.TransportAddress) *Harvester {
	return &Harvester{
		server:  server,
		stack:   stack,
		cfg:     stack.cfg,
		logger:  stack.logger.With(slog.String(logging.KeyServer, server.String())),
		metrics: stack.metrics,
		started: make(map[*Harvest]struct{}),
	}
}

// Server returns the harvester's STUN server address.
func (hv *Harvester) Server() ice.TransportAddress {
	return hv.server
}

// String identifies the harvester by its server.
func (hv *Harvester) String() string {
	return fmt.Sprintf("STUN harvester(srvr: %s)", hv.server)
}

// StartedCount returns the number of harvests awaiting a terminal state.
func (hv *Harvester) StartedCount() int {
	hv.startedMu.Lock()
	defer hv.startedMu.Unlock()
	return len(hv.started)
}

// CompletedCount returns the number of harvests that produced candidates
// and have not yet been collected.
func (hv *Harvester) CompletedCount() int {
	hv.completedMu.Lock()
	defer hv.completedMu.Unlock()
	return len(hv.completed)
}

// Harvest gathers candidates for a component. It blocks until every
// transaction it started reaches a terminal state, adds the discovered
// candidates to the component, and returns them. Partial failure is
// normal: entries that cannot start are logged and skipped, and zero
// discovered candidates is a valid result.
func (hv *Harvester) Harvest(component *ice.Component) []*ice.Candidate {
	switch hv.server.Transport {
	case ice.TransportUDP:
		hv.startUDPHarvests(component)
	case ice.TransportTCP:
		hv.startTCPHarvest(component)
	default:
		hv.logger.Warn("unsupported server transport",
			slog.String("transport", hv.server.Transport.String()))
	}

	hv.waitForResolutionEnd()
	return hv.collect(component)
}

// startUDPHarvests starts one transaction per reachable host candidate.
func (hv *Harvester) startUDPHarvests(component *ice.Component) {
	var started int
	for _, host := range component.LocalCandidates() {
		if host.Type != ice.CandidateHost || !host.Address.CanReach(hv.server) {
			continue
		}
		sock, ok := hv.stack.SocketFor(host.Address)
		if !ok {
			hv.logger.Warn("no socket for host candidate",
				slog.String(logging.KeyCandidate, host.ShortString()))
			continue
		}
		if err := hv.startHarvest(host, sock); err != nil {
			hv.logger.Warn("harvest did not start",
				slog.String(logging.KeyCandidate, host.ShortString()),
				slog.String(logging.KeyError, err.Error()))
			continue
		}
		started++
	}
	if started == 0 {
		hv.logger.Debug("no host candidate can reach the server")
	}
}

// startTCPHarvest opens a fresh client connection to the server and runs
// the transaction over it. Every call gets its own connection and its own
// completion signal. A failed connect means no usable host candidate for
// this server; it is logged and skipped.
func (hv *Harvester) startTCPHarvest(component *ice.Component) {
	type dialResult struct {
		sock socket.Socket
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		s, err := socket.Dial(hv.server, hv.cfg.ConnectTimeout, hv.stack.manager.ReceiveBufferSize())
		done <- dialResult{sock: s, err: err}
	}()
	res := <-done
	if res.err != nil {
		hv.logger.Warn("connect failed",
			slog.String(logging.KeyError, res.err.Error()))
		return
	}

	hv.stack.AddConnectedSocket(res.sock)

	local := res.sock.LocalAddress()
	host := ice.NewHostCandidate(local, component.ID)
	host.TCPType = ice.TCPTypeActive
	component.AddLocalCandidate(host)

	if err := hv.startHarvest(host, res.sock); err != nil {
		hv.logger.Warn("harvest did not start",
			slog.String(logging.KeyCandidate, host.ShortString()),
			slog.String(logging.KeyError, err.Error()))
		hv.stack.RemoveConnectedSocket(res.sock)
	}
}

// startHarvest registers a new transaction and fires its first request.
// The harvest leaves the started set exactly once, through its terminal
// notification; a harvest that never starts is backed out here.
func (hv *Harvester) startHarvest(host *ice.Candidate, sock socket.Socket) error {
	id, err := stunmsg.NewTransactionID()
	if err != nil {
		return err
	}
	h := &Harvest{
		harvester: hv,
		host:      host,
		sock:      sock,
		id:        id,
		logger:    hv.logger,
	}

	hv.startedMu.Lock()
	hv.started[h] = struct{}{}
	hv.startedMu.Unlock()
	hv.active.Add(1)
	hv.metrics.RecordHarvestStarted()

	if err := h.startResolvingCandidate(); err != nil {
		hv.startedMu.Lock()
		delete(hv.started, h)
		hv.startedMu.Unlock()
		hv.active.Done()
		return err
	}
	return nil
}

// completedResolvingCandidate is the terminal notification from a harvest.
// Harvests that found candidates move to the completed list; the rest just
// leave the started set.
func (hv *Harvester) completedResolvingCandidate(h *Harvest) {
	hv.startedMu.Lock()
	_, ok := hv.started[h]
	delete(hv.started, h)
	hv.startedMu.Unlock()
	if !ok {
		return
	}

	if len(h.Candidates()) > 0 {
		hv.completedMu.Lock()
		hv.completed = append(hv.completed, h)
		hv.completedMu.Unlock()
	}
	hv.active.Done()
}

// waitForResolutionEnd blocks until every started harvest terminates.
func (hv *Harvester) waitForResolutionEnd() {
	hv.active.Wait()
}

// collect drains the completed list, deduplicates the discovered
// candidates, and adds them to the component.
func (hv *Harvester) collect(component *ice.Component) []*ice.Candidate {
	hv.completedMu.Lock()
	completed := hv.completed
	hv.completed = nil
	hv.completedMu.Unlock()

	seen := make(map[string]struct{})
	var out []*ice.Candidate
	for _, h := range completed {
		for _, c := range h.Candidates() {
			key := c.Address.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			component.AddLocalCandidate(c)
			out = append(out, c)
		}
	}
	return out
}

// Close cancels every in-flight harvest and waits for them to terminate.
func (hv *Harvester) Close() {
	hv.startedMu.Lock()
	pending := make([]*Harvest, 0, len(hv.started))
	for h := range hv.started {
		pending = append(pending, h)
	}
	hv.startedMu.Unlock()
	for _, h := range pending {
		h.Close()
	}
	hv.active.Wait()
}
