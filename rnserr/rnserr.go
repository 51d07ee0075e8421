// Package rnserr defines the typed failure kinds surfaced across the
// packet, link, resource, channel and lxmf packages (see spec §7).
// Parse/crypto failures get the ErrWireFormat and ErrCrypto sentinels
// from the parsing functions, but their callers drop such input
// silently instead of surfacing it. Every kind is a sentinel so callers
// can branch with errors.Is instead of string matching.
package rnserr

import "errors"

var (
	// ErrTimeout covers link handshake, resource proof and receipt timeouts.
	ErrTimeout = errors.New("rns: timeout")
	// ErrCancelled covers operations aborted by link teardown.
	ErrCancelled = errors.New("rns: cancelled")
	// ErrWindowFull is returned by Channel.Send when the send window is saturated.
	ErrWindowFull = errors.New("rns: window full")
	// ErrUnregistered is returned when registering a Channel message type id that is reserved or already registered.
	ErrUnregistered = errors.New("rns: unregistered message type")
	// ErrNotReady is returned when an operation requires an ACTIVE link that isn't.
	ErrNotReady = errors.New("rns: link not ready")
	// ErrOverflow is returned when a send exceeds the link MDU.
	ErrOverflow = errors.New("rns: frame exceeds MDU")
	// ErrExhausted is returned when LXMF delivery attempts are exhausted.
	ErrExhausted = errors.New("rns: delivery attempts exhausted")
	// ErrWireFormat marks a packet/cell that failed to parse; always a silent drop at the call site.
	ErrWireFormat = errors.New("rns: malformed wire format")
	// ErrCrypto marks a signature/MAC/stamp validation failure; always a silent drop at the call site.
	ErrCrypto = errors.New("rns: cryptographic validation failed")
)
