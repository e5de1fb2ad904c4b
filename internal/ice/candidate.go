package ice

import (
	"fmt"
	"sync"
)

// CandidateType classifies how a candidate address was obtained.
type CandidateType int

const (
	// CandidateHost is a locally bound endpoint.
	CandidateHost CandidateType = iota
	// CandidateServerReflexive is a NAT mapping discovered via a STUN server.
	CandidateServerReflexive
	// CandidateRelayed is an address allocated on a relay.
	CandidateRelayed
	// CandidatePeerReflexive is a mapping learned from a peer's check.
	CandidatePeerReflexive
)

// String returns the RFC 5245 candidate type name.
func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelayed:
		return "relay"
	case CandidatePeerReflexive:
		return "prflx"
	default:
		return "unknown"
	}
}

// TCPType describes the connection role of a TCP candidate.
type TCPType int

const (
	// TCPTypeNone applies to UDP candidates.
	TCPTypeNone TCPType = iota
	// TCPTypeActive candidates initiate outbound connections.
	TCPTypeActive
	// TCPTypePassive candidates accept inbound connections.
	TCPTypePassive
)

// String returns the SDP name for the TCP type.
func (t TCPType) String() string {
	switch t {
	case TCPTypeActive:
		return "active"
	case TCPTypePassive:
		return "passive"
	default:
		return "none"
	}
}

// Candidate is a network endpoint usable for a peer connection. A host
// candidate is its own base; a server-reflexive candidate's base is the host
// candidate whose NAT mapping it represents.
type Candidate struct {
	Type        CandidateType
	Address     TransportAddress
	ComponentID int
	TCPType     TCPType

	base *Candidate
}

// NewHostCandidate creates a host candidate; its base is itself.
func NewHostCandidate(addr TransportAddress, componentID int) *Candidate {
	c := &Candidate{
		Type:        CandidateHost,
		Address:     addr,
		ComponentID: componentID,
	}
	c.base = c
	return c
}

// NewServerReflexiveCandidate creates a server-reflexive candidate for a
// mapped address discovered through the given host candidate.
func NewServerReflexiveCandidate(addr TransportAddress, base *Candidate) *Candidate {
	return &Candidate{
		Type:        CandidateServerReflexive,
		Address:     addr,
		ComponentID: base.ComponentID,
		TCPType:     base.TCPType,
		base:        base,
	}
}

// Base returns the candidate this one was derived from. Host candidates
// return themselves.
func (c *Candidate) Base() *Candidate {
	return c.base
}

// ShortString renders the candidate compactly for logs.
func (c *Candidate) ShortString() string {
	return fmt.Sprintf("%s/%s", c.Type, c.Address)
}

// Component groups the local candidates belonging to one media component.
type Component struct {
	ID int

	mu     sync.Mutex
	locals []*Candidate
}

// NewComponent creates an empty component.
func NewComponent(id int) *Component {
	return &Component{ID: id}
}

// AddLocalCandidate appends a candidate to the component.
func (c *Component) AddLocalCandidate(cand *Candidate) {
	c.mu.Lock()
	c.locals = append(c.locals, cand)
	c.mu.Unlock()
}

// LocalCandidates returns a snapshot of the component's candidates.
func (c *Component) LocalCandidates() []*Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Candidate, len(c.locals))
	copy(out, c.locals)
	return out
}
