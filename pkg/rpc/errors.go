package rpc

import "errors"

// Sentinel errors for the RPC reception pipeline and client call path, per
// the protocol's error taxonomy.
var (
	// ErrMissingIdentity is returned when a request arrives with no caller
	// NID header attached.
	ErrMissingIdentity = errors.New("rpc: missing caller identity")
	// ErrMissingPort is returned when a request arrives with no declared
	// listening port.
	ErrMissingPort = errors.New("rpc: missing listening port")
	// ErrIdentityMismatch is returned by a client when a peer's response
	// NID does not match the NID it was dialed as (or previously pinned).
	ErrIdentityMismatch = errors.New("rpc: peer identity mismatch")
	// ErrTimeout is returned when a call does not complete before its
	// deadline.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrUnreachable is returned when the transport could not be dialed or
	// failed before any response was received.
	ErrUnreachable = errors.New("rpc: peer unreachable")
	// ErrRemoteError is returned when a peer's reception pipeline rejected
	// the request; the wrapped error describes why.
	ErrRemoteError = errors.New("rpc: remote error")
	// ErrUnknownKind is returned when a message with an unrecognized kind
	// byte is received.
	ErrUnknownKind = errors.New("rpc: unknown message kind")
)
