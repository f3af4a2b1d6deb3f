package link

import (
	"errors"
	"fmt"

	"github.com/meshcommons/meshlink/internal/transport"
)

// Sentinel errors returned synchronously by command methods.
var (
	// ErrNotReady: a command was issued outside the Ready state. Rejected
	// immediately, never queued.
	ErrNotReady = errors.New("link: not ready")

	// ErrBusy: a connect or handshake was requested while an attempt is
	// already in progress. The in-progress attempt is unaffected.
	ErrBusy = errors.New("link: connection attempt already in progress")

	// ErrRequestTimedOut: no matching reply arrived within the request
	// deadline. Surfaced to the submitting caller only.
	ErrRequestTimedOut = errors.New("link: request timed out")

	// ErrLinkDropped: the link went away while requests were pending.
	ErrLinkDropped = errors.New("link: link dropped")

	// ErrStopped: the manager has shut down.
	ErrStopped = errors.New("link: manager stopped")
)

// ErrorKind classifies a fault on the event surface so collaborators can
// render it without re-deriving context.
type ErrorKind string

const (
	KindRadioUnavailable   ErrorKind = "radio_unavailable"
	KindConnectionTimeout  ErrorKind = "connection_timeout"
	KindLinkDropped        ErrorKind = "link_dropped"
	KindHandshakeTimeout   ErrorKind = "handshake_timeout"
	KindMalformed          ErrorKind = "malformed_frame"
	KindRequestTimedOut    ErrorKind = "request_timed_out"
	KindNotReady           ErrorKind = "not_ready"
	KindPairingInvalidated ErrorKind = "pairing_invalidated"
	KindReconnectExhausted ErrorKind = "reconnect_exhausted"
	KindWriteFailed        ErrorKind = "write_failed"
)

// LinkError carries a classified fault plus a human-readable cause.
type LinkError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
	Err    error     `json:"-"`
}

func (e *LinkError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *LinkError) Unwrap() error { return e.Err }

func newLinkError(kind ErrorKind, err error, format string, args ...interface{}) *LinkError {
	return &LinkError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// classifyTransportErr maps transport sentinels onto the error taxonomy.
func classifyTransportErr(err error) ErrorKind {
	switch {
	case errors.Is(err, transport.ErrRadioUnavailable):
		return KindRadioUnavailable
	case errors.Is(err, transport.ErrConnectTimeout):
		return KindConnectionTimeout
	case errors.Is(err, transport.ErrPairingInvalidated):
		return KindPairingInvalidated
	default:
		return KindLinkDropped
	}
}
