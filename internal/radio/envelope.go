// Package radio implements the wire codec for the mesh device protocol:
// length-prefixed protobuf envelopes exchanged over the to-radio and
// from-radio byte streams, plus reassembly of partial notification chunks.
package radio

import "fmt"

// PortNum mirrors the device PortNum enum for application payloads.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1  // TEXT_MESSAGE_APP
	PortPosition    PortNum = 3  // POSITION_APP
	PortNodeInfo    PortNum = 4  // NODEINFO_APP
	PortRouting     PortNum = 5  // ROUTING_APP
	PortAdmin       PortNum = 6  // ADMIN_APP
	PortTelemetry   PortNum = 67 // TELEMETRY_APP
	PortTraceroute  PortNum = 70 // TRACEROUTE_APP
)

// MessageTypeLabel returns a human-readable label for a PortNum.
func MessageTypeLabel(p PortNum) string {
	switch p {
	case PortTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortPosition:
		return "POSITION_APP"
	case PortNodeInfo:
		return "NODEINFO_APP"
	case PortRouting:
		return "ROUTING_APP"
	case PortAdmin:
		return "ADMIN_APP"
	case PortTelemetry:
		return "TELEMETRY_APP"
	case PortTraceroute:
		return "TRACEROUTE_APP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// Variant discriminates the payload carried by a from-radio Envelope.
type Variant uint8

const (
	VariantUnknown Variant = iota
	VariantPacket
	VariantMyInfo
	VariantNodeInfo
	VariantConfig
	VariantLogRecord
	VariantConfigComplete
	VariantRebooted
	VariantModuleConfig
	VariantChannel
	VariantQueueStatus
	VariantMetadata
)

func (v Variant) String() string {
	switch v {
	case VariantPacket:
		return "packet"
	case VariantMyInfo:
		return "my_info"
	case VariantNodeInfo:
		return "node_info"
	case VariantConfig:
		return "config"
	case VariantLogRecord:
		return "log_record"
	case VariantConfigComplete:
		return "config_complete_id"
	case VariantRebooted:
		return "rebooted"
	case VariantModuleConfig:
		return "module_config"
	case VariantChannel:
		return "channel"
	case VariantQueueStatus:
		return "queue_status"
	case VariantMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Envelope is a decoded from-radio message. Exactly one payload field is
// populated, selected by Variant. Envelopes are immutable once decoded.
type Envelope struct {
	// ID is the optional from-radio sequence id (field 1).
	ID uint32

	Variant Variant

	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	Config           *Config
	LogRecord        *LogRecord
	ConfigCompleteID uint32
	Rebooted         bool
	ModuleConfig     *ModuleConfig
	Channel          *Channel
	QueueStatus      *QueueStatus
	Metadata         *DeviceMetadata

	// Unknown preserves the raw field of a variant this codec does not
	// understand. Unknown variants decode successfully so that future
	// protocol additions never break a live link.
	Unknown *UnknownVariant
}

// UnknownVariant is the undecoded body of an unrecognized envelope field.
type UnknownVariant struct {
	Field    uint32
	WireType uint8
	Bytes    []byte
}

// Command is an outbound to-radio message. Exactly one field is set.
type Command struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Disconnect   bool
	Heartbeat    bool
}

// MeshPacket is a routed mesh packet, inbound or outbound.
type MeshPacket struct {
	ID       uint32
	From     uint32
	To       uint32 // 0xFFFFFFFF = broadcast
	Channel  uint32
	Decoded  *Data
	Enc      []byte // encrypted payload, when not decoded by the device
	RxTime   uint32
	RxSNR    float32
	RxRSSI   int32
	HopLimit uint32
	WantAck  bool
}

// Broadcast is the destination node number meaning "all nodes".
const Broadcast uint32 = 0xFFFFFFFF

// Data is the decoded application payload of a MeshPacket.
type Data struct {
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
}

// User identifies a node owner.
type User struct {
	ID         string // canonical "!hex" form
	LongName   string
	ShortName  string
	HWModel    uint32
	IsLicensed bool
	Role       uint32
}

// Position holds GPS coordinates reported by a node.
type Position struct {
	LatitudeI  int32 // degrees × 1e-7
	LongitudeI int32 // degrees × 1e-7
	Altitude   int32 // metres
	Time       uint32
}

// DeviceMetrics carries battery and channel utilisation telemetry.
type DeviceMetrics struct {
	BatteryLevel  uint32
	Voltage       float32
	ChannelUtil   float32
	AirUtilTx     float32
	UptimeSeconds uint32
}

// NodeInfo carries metadata about a known mesh node.
type NodeInfo struct {
	Num       uint32
	User      *User
	Position  *Position
	SNR       float32
	LastHeard uint32
	Metrics   *DeviceMetrics
	Channel   uint32
	HopsAway  uint32
}

// MyNodeInfo carries the connected device's own identity.
type MyNodeInfo struct {
	MyNodeNum     uint32
	RebootCount   uint32
	MinAppVersion uint32
}

// ConfigSection identifies which section of device config a Config carries.
type ConfigSection uint32

const (
	ConfigDevice    ConfigSection = 1
	ConfigPosition  ConfigSection = 2
	ConfigPower     ConfigSection = 3
	ConfigNetwork   ConfigSection = 4
	ConfigDisplay   ConfigSection = 5
	ConfigLoRa      ConfigSection = 6
	ConfigBluetooth ConfigSection = 7
	ConfigSecurity  ConfigSection = 8
)

func (s ConfigSection) String() string {
	switch s {
	case ConfigDevice:
		return "device"
	case ConfigPosition:
		return "position"
	case ConfigPower:
		return "power"
	case ConfigNetwork:
		return "network"
	case ConfigDisplay:
		return "display"
	case ConfigLoRa:
		return "lora"
	case ConfigBluetooth:
		return "bluetooth"
	case ConfigSecurity:
		return "security"
	default:
		return fmt.Sprintf("section(%d)", uint32(s))
	}
}

// Config is one section of device configuration. The section body is kept
// opaque; this core routes config, it does not interpret every knob.
type Config struct {
	Section ConfigSection
	Raw     []byte
}

// ModuleConfig is one section of module configuration, kept opaque.
type ModuleConfig struct {
	Section uint32
	Raw     []byte
}

// Channel describes one configured channel slot.
type Channel struct {
	Index int32
	Name  string
	Role  uint32 // 0 disabled, 1 primary, 2 secondary
}

// LogRecord is a device-side log line forwarded over the link.
type LogRecord struct {
	Message string
	Time    uint32
	Source  string
	Level   uint32
}

// QueueStatus reports the device's outbound packet queue.
type QueueStatus struct {
	Res          int32
	Free         uint32
	Maxlen       uint32
	MeshPacketID uint32
}

// DeviceMetadata describes firmware capabilities, returned by the admin
// get-metadata request.
type DeviceMetadata struct {
	FirmwareVersion    string
	DeviceStateVersion uint32
	CanShutdown        bool
	HasWifi            bool
	HasBluetooth       bool
	HasEthernet        bool
	Role               uint32
	HWModel            uint32
}
