package link

import (
	"github.com/meshcommons/meshlink/internal/radio"
	"github.com/meshcommons/meshlink/internal/transport"
)

// Event payloads published on the bus. Each corresponds to one typed sink
// of the dispatcher; payloads are immutable once published.

// StateChange announces a LinkState transition.
type StateChange struct {
	Previous State  `json:"previous"`
	Status   Status `json:"status"`
}

// PeerSighting announces a scan advertisement.
type PeerSighting struct {
	Peer transport.DiscoveredPeer `json:"peer"`
}

// Message is a received mesh packet, annotated with the port label and,
// for text payloads, the decoded text.
type Message struct {
	Packet    *radio.MeshPacket `json:"packet"`
	PortLabel string            `json:"port_label"`
	Text      string            `json:"text,omitempty"`
}

// NodeUpdate carries fresh node metadata.
type NodeUpdate struct {
	Info *radio.NodeInfo `json:"info"`
}

// MyInfoUpdate carries the connected device's identity.
type MyInfoUpdate struct {
	Info *radio.MyNodeInfo `json:"info"`
}

// ConfigUpdate announces one ingested configuration piece. Complete is
// set when the configure handshake finished.
type ConfigUpdate struct {
	Section  string         `json:"section,omitempty"`
	Channel  *radio.Channel `json:"channel,omitempty"`
	Complete bool           `json:"complete,omitempty"`
}

// LogLine is a device-side log record forwarded over the link.
type LogLine struct {
	Record *radio.LogRecord `json:"record"`
}

// QueueUpdate reports the device's outbound queue status.
type QueueUpdate struct {
	Status *radio.QueueStatus `json:"status"`
}

// RequestOutcome announces the resolution of a correlated request.
type RequestOutcome struct {
	ID    RequestID `json:"id"`
	Label string    `json:"label"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

// Fault is a diagnostic or user-visible error event.
type Fault struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}
