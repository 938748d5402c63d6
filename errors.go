package phx

import "errors"

// Errors returned synchronously by Channel operations. These indicate
// programmer error (ProtocolViolation in the design terminology) rather
// than a transport or server fault, and are never retried automatically.
var (
	// ErrAlreadyJoined is returned by Channel.Join when joinedOnce is
	// already set. A channel may rejoin internally after an error, but a
	// second external Join call is always a mistake.
	ErrAlreadyJoined = errors.New("phx: channel already joined")

	// ErrNotJoined is returned by Channel.Push when called before the
	// first Join.
	ErrNotJoined = errors.New("phx: push called before join")

	// ErrNotConnected is returned by a transport's Send when no
	// connection is open.
	ErrNotConnected = errors.New("phx: transport not connected")
)

// ErrContractViolation panics out of Channel message dispatch when a
// MessageHook returns a nil payload for a non-nil inbound payload. This is
// always a bug in caller-supplied code, so it fails loudly rather than
// being swallowed.
var ErrContractViolation = errors.New("phx: message hook returned nil for non-nil payload")
