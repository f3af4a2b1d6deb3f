package link

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshcommons/meshlink/internal/transport"
)

// State is the connection lifecycle position. Exactly one State is active
// at any time; transitions are the only way it changes, and every
// event/state pair not listed in the transition table is a no-op.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConfiguring
	StateReady
	StateDisconnecting
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON renders the state as its string form for API consumers.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the string form produced by MarshalJSON.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for st := StateIdle; st <= StateReconnecting; st++ {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("link: unknown state %q", name)
}

// Status is the queryable snapshot of the link state machine. Consumers
// subscribe to state-change events for updates; Status answers "where are
// we right now".
type Status struct {
	State State            `json:"state"`
	Peer  transport.PeerID `json:"peer,omitempty"`

	// AttemptStartedAt is set while Connecting.
	AttemptStartedAt time.Time `json:"attempt_started_at,omitempty"`

	// Attempt and NextRetryAt are set while Reconnecting.
	Attempt     int       `json:"attempt,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	// Err is the persistent user-visible error, set only for faults that
	// need user action (radio off, pairing invalidated, retries exhausted).
	Err *LinkError `json:"error,omitempty"`
}

// PeerInfo describes the currently connected peer. Created when the link
// is established, filled in during the configure handshake, destroyed on
// disconnect. Shared read-only with collaborators.
type PeerInfo struct {
	Peer            transport.PeerID `json:"peer"`
	NodeNum         uint32           `json:"node_num,omitempty"`
	FirmwareVersion string           `json:"firmware_version,omitempty"`
	MinAppVersion   uint32           `json:"min_app_version,omitempty"`
	ConnectedAt     time.Time        `json:"connected_at"`
}
