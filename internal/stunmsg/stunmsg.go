// Package stunmsg is the codec boundary between the harvesting layer and the
// STUN wire format. It wraps github.com/pion/stun; no other package touches
// message bytes directly.
package stunmsg

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun/v3"
)

// Message is the decoded protocol message handed around by the dispatch
// pipeline. Consumers treat it as opaque and use the helpers in this package.
type Message = stun.Message

// TransactionID correlates a request with its response.
type TransactionID [stun.TransactionIDSize]byte

// String returns the transaction ID as lowercase hex.
func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// NewTransactionID returns a cryptographically random transaction ID.
func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate transaction id: %w", err)
	}
	return id, nil
}

// ErrNoMappedAddress is returned when a response carries neither an
// XOR-MAPPED-ADDRESS nor a MAPPED-ADDRESS attribute.
var ErrNoMappedAddress = errors.New("stunmsg: no mapped address in response")

// IsSTUN reports whether the packet looks like a STUN message.
func IsSTUN(b []byte) bool {
	return stun.IsMessage(b)
}

// Decode parses a raw packet into a Message. The input bytes are copied so
// the caller may reuse its buffer.
func Decode(b []byte) (*Message, error) {
	m := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := m.Decode(); err != nil {
		return nil, fmt.Errorf("decode stun message: %w", err)
	}
	return m, nil
}

// Encode returns the wire bytes of a message.
func Encode(m *Message) []byte {
	return m.Raw
}

// TransactionOf returns the message's transaction ID.
func TransactionOf(m *Message) TransactionID {
	return TransactionID(m.TransactionID)
}

// BuildBindingRequest builds a Binding request carrying the given
// transaction ID.
func BuildBindingRequest(id TransactionID) (*Message, error) {
	m, err := stun.Build(
		stun.NewTransactionIDSetter([stun.TransactionIDSize]byte(id)),
		stun.BindingRequest,
		stun.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}
	return m, nil
}

// BuildBindingSuccess builds a Binding success response echoing the request's
// transaction ID and carrying the source address as XOR-MAPPED-ADDRESS.
func BuildBindingSuccess(id TransactionID, ip net.IP, port int) (*Message, error) {
	m, err := stun.Build(
		stun.NewTransactionIDSetter([stun.TransactionIDSize]byte(id)),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: ip, Port: port},
		stun.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("build binding success: %w", err)
	}
	return m, nil
}

// BuildBindingError builds a Binding error response with the given error
// code.
func BuildBindingError(id TransactionID, code int, reason string) (*Message, error) {
	m, err := stun.Build(
		stun.NewTransactionIDSetter([stun.TransactionIDSize]byte(id)),
		stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
		&stun.ErrorCodeAttribute{Code: stun.ErrorCode(code), Reason: []byte(reason)},
		stun.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("build binding error: %w", err)
	}
	return m, nil
}

// IsBindingRequest reports whether the message is a Binding request.
func IsBindingRequest(m *Message) bool {
	return m.Type == stun.BindingRequest
}

// IsBindingSuccess reports whether the message is a Binding success response.
func IsBindingSuccess(m *Message) bool {
	return m.Type == stun.BindingSuccess
}

// IsBindingError reports whether the message is a Binding error response.
func IsBindingError(m *Message) bool {
	return m.Type.Method == stun.MethodBinding && m.Type.Class == stun.ClassErrorResponse
}

// MappedAddress extracts the mapped address from a Binding success response,
// preferring XOR-MAPPED-ADDRESS and falling back to the legacy
// MAPPED-ADDRESS attribute.
func MappedAddress(m *Message) (net.IP, int, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return xor.IP, xor.Port, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(m); err == nil {
		return mapped.IP, mapped.Port, nil
	}
	return nil, 0, ErrNoMappedAddress
}

// ErrorCode extracts the error code and reason from an error response.
// Returns zero values when the attribute is absent.
func ErrorCode(m *Message) (int, string) {
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err != nil {
		return 0, ""
	}
	return int(code.Code), string(code.Reason)
}
