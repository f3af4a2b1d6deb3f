// Package transport abstracts the physical link to a mesh radio device —
// scanning, connecting, writes and notifications — behind a capability
// interface so the link core is testable without real hardware.
//
// Two implementations ship here: TCP (devices expose the same framed stream
// on port 4403) and an in-memory simulated transport with a scriptable
// peripheral. A BLE implementation plugs in behind the same interface; the
// well-known GATT UUIDs for that service are
// 6ba1b218-15a8-461f-9fa8-5dcae273eafd (service),
// f75c76d2-129e-4dad-a1dd-7866124401e7 (to-radio) and
// 2c55e69e-4993-11ed-b878-0242ac120002 (from-radio).
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PeerID identifies a discoverable peripheral. For TCP it is the host:port
// address; for BLE it is the platform peripheral identifier.
type PeerID string

// DiscoveredPeer is one scan advertisement. Refreshed on every sighting and
// pruned after a staleness window; never persisted beyond the live session.
type DiscoveredPeer struct {
	ID       PeerID
	Name     string
	RSSI     int
	LastSeen time.Time
}

// Link is an established connection to one peer. At most one Link is active
// per Transport at a time.
type Link struct {
	ID     uuid.UUID
	Peer   PeerID
	Opened time.Time
}

// EventKind classifies a link-level lifecycle event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventWriteFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventWriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// Event is a link-level lifecycle notification consumed by the state
// machine. Reason is set for disconnects and write failures.
type Event struct {
	Kind   EventKind
	Link   *Link
	Reason error
}

// Sentinel transport errors. The link core maps these onto its
// user-visible error taxonomy.
var (
	// ErrRadioUnavailable: the underlying radio is powered off or absent.
	// Scans and connects are refused, not queued.
	ErrRadioUnavailable = errors.New("transport: radio unavailable")

	// ErrConnectTimeout: the lower layer never confirmed the link within
	// the caller-supplied deadline.
	ErrConnectTimeout = errors.New("transport: connect timeout")

	// ErrLinkClosed: a write or read was attempted on a link that is no
	// longer the active one.
	ErrLinkClosed = errors.New("transport: link closed")

	// ErrPairingInvalidated: the peer revoked its bond. Fatal for
	// auto-reconnect; the user must re-pair explicitly.
	ErrPairingInvalidated = errors.New("transport: pairing invalidated")
)

// Transport is the capability interface over the physical radio link.
// Implementations must be safe for concurrent use and must serialize
// outbound writes (one in flight at a time) while preserving
// caller-observable completion order.
type Transport interface {
	// Scan starts discovery and streams advertisements until StopScan or
	// ctx cancellation. Refused with ErrRadioUnavailable while the radio
	// is off. The returned channel is closed when scanning stops; no
	// discoveries leak past StopScan.
	Scan(ctx context.Context) (<-chan DiscoveredPeer, error)

	// StopScan halts an active scan. No-op when not scanning.
	StopScan()

	// Connect establishes a link to peer, racing the supplied timeout and
	// resolving ErrConnectTimeout if the lower layer never confirms.
	// Any prior link is aborted and disconnected first.
	Connect(ctx context.Context, peer PeerID, timeout time.Duration) (*Link, error)

	// Write sends one framed buffer over the link.
	Write(link *Link, frame []byte) error

	// Notifications returns the inbound chunk stream for the link. Chunks
	// may split or pack frames arbitrarily; reassembly is the codec's job.
	// The channel is closed when the link drops.
	Notifications(link *Link) <-chan []byte

	// Events streams link-level lifecycle events.
	Events() <-chan Event

	// Disconnect tears the link down gracefully. Idempotent.
	Disconnect(link *Link) error
}
