package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Stream framing: 4-byte big-endian length prefix + protobuf payload.
const (
	FramePrefixLen = 4
	MaxFrameBytes  = 512 * 1024
)

// ErrMalformed is returned when a frame cannot be decoded. A malformed
// frame is discarded by callers; it never tears down the link.
var ErrMalformed = errors.New("radio: malformed frame")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// from-radio field numbers
const (
	fromID             = 1
	fromPacket         = 2
	fromMyInfo         = 3
	fromNodeInfo       = 4
	fromConfig         = 5
	fromLogRecord      = 6
	fromConfigComplete = 7
	fromRebooted       = 8
	fromModuleConfig   = 9
	fromChannel        = 10
	fromQueueStatus    = 11
	fromMetadata       = 13
)

// to-radio field numbers
const (
	toPacket       = 1
	toWantConfigID = 3
	toDisconnect   = 4
	toHeartbeat    = 7
)

// Codec translates between framed byte buffers and typed envelopes.
// It is stateless and safe for concurrent use.
type Codec struct{}

// NewCodec returns a ready Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// DecodeFrame parses a complete framed from-radio buffer. The length prefix
// must match the payload size exactly; a mismatch is ErrMalformed. Unknown
// payload variants decode successfully into an opaque Envelope.
func (c *Codec) DecodeFrame(frame []byte) (*Envelope, error) {
	payload, err := unframe(frame)
	if err != nil {
		return nil, err
	}
	return unmarshalFromRadio(payload)
}

// EncodeFrame serialises a from-radio envelope into a framed buffer.
// It is the inverse of DecodeFrame and is used by simulated peripherals.
func (c *Codec) EncodeFrame(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("radio: cannot encode nil envelope")
	}
	payload, err := marshalFromRadio(env)
	if err != nil {
		return nil, err
	}
	return frame(payload), nil
}

// EncodeCommand serialises a to-radio command into a framed buffer.
func (c *Codec) EncodeCommand(cmd *Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("radio: cannot encode nil command")
	}
	var b []byte
	switch {
	case cmd.Packet != nil:
		b = appendMessage(b, toPacket, marshalMeshPacket(cmd.Packet))
	case cmd.WantConfigID != 0:
		b = protowire.AppendTag(b, toWantConfigID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(cmd.WantConfigID))
	case cmd.Disconnect:
		b = protowire.AppendTag(b, toDisconnect, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	case cmd.Heartbeat:
		// Heartbeat is an empty message; presence is the signal.
		b = appendMessage(b, toHeartbeat, nil)
	default:
		return nil, fmt.Errorf("radio: command has no payload")
	}
	return frame(b), nil
}

// DecodeCommand parses a framed to-radio buffer. Used by simulated
// peripherals to react to host commands.
func (c *Codec) DecodeCommand(fr []byte) (*Command, error) {
	payload, err := unframe(fr)
	if err != nil {
		return nil, err
	}
	cmd := &Command{}
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("bad tag in to-radio")
		}
		b = b[n:]
		switch {
		case num == toPacket && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated to-radio packet")
			}
			pkt, err := unmarshalMeshPacket(v)
			if err != nil {
				return nil, err
			}
			cmd.Packet = pkt
			b = b[n:]
		case num == toWantConfigID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated want_config_id")
			}
			cmd.WantConfigID = uint32(v)
			b = b[n:]
		case num == toDisconnect && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated disconnect")
			}
			cmd.Disconnect = protowire.DecodeBool(v)
			b = b[n:]
		case num == toHeartbeat && typ == protowire.BytesType:
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated heartbeat")
			}
			cmd.Heartbeat = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("bad to-radio field %d", num)
			}
			b = b[n:]
		}
	}
	return cmd, nil
}

// ── framing ───────────────────────────────────────────────────────────────

func frame(payload []byte) []byte {
	hdr := make([]byte, FramePrefixLen, FramePrefixLen+len(payload))
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	return append(hdr, payload...)
}

func unframe(fr []byte) ([]byte, error) {
	if len(fr) < FramePrefixLen {
		return nil, malformed("frame too short (%d bytes)", len(fr))
	}
	length := binary.BigEndian.Uint32(fr[:FramePrefixLen])
	if length > MaxFrameBytes {
		return nil, malformed("frame length %d exceeds limit", length)
	}
	payload := fr[FramePrefixLen:]
	if uint32(len(payload)) != length {
		return nil, malformed("length prefix %d does not match payload %d", length, len(payload))
	}
	return payload, nil
}

// ── from-radio ────────────────────────────────────────────────────────────

func marshalFromRadio(env *Envelope) ([]byte, error) {
	var b []byte
	if env.ID != 0 {
		b = protowire.AppendTag(b, fromID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.ID))
	}
	switch env.Variant {
	case VariantPacket:
		b = appendMessage(b, fromPacket, marshalMeshPacket(env.Packet))
	case VariantMyInfo:
		b = appendMessage(b, fromMyInfo, marshalMyInfo(env.MyInfo))
	case VariantNodeInfo:
		b = appendMessage(b, fromNodeInfo, marshalNodeInfo(env.NodeInfo))
	case VariantConfig:
		b = appendMessage(b, fromConfig, marshalConfig(env.Config))
	case VariantLogRecord:
		b = appendMessage(b, fromLogRecord, marshalLogRecord(env.LogRecord))
	case VariantConfigComplete:
		b = protowire.AppendTag(b, fromConfigComplete, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.ConfigCompleteID))
	case VariantRebooted:
		b = protowire.AppendTag(b, fromRebooted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(env.Rebooted))
	case VariantModuleConfig:
		b = appendMessage(b, fromModuleConfig, marshalModuleConfig(env.ModuleConfig))
	case VariantChannel:
		b = appendMessage(b, fromChannel, marshalChannel(env.Channel))
	case VariantQueueStatus:
		b = appendMessage(b, fromQueueStatus, marshalQueueStatus(env.QueueStatus))
	case VariantMetadata:
		b = appendMessage(b, fromMetadata, marshalMetadata(env.Metadata))
	case VariantUnknown:
		if env.Unknown == nil {
			return nil, fmt.Errorf("radio: unknown variant with no raw bytes")
		}
		b = protowire.AppendTag(b, protowire.Number(env.Unknown.Field), protowire.Type(env.Unknown.WireType))
		b = append(b, env.Unknown.Bytes...)
	default:
		return nil, fmt.Errorf("radio: envelope has no payload")
	}
	return b, nil
}

func unmarshalFromRadio(payload []byte) (*Envelope, error) {
	env := &Envelope{}
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("bad tag in from-radio")
		}
		b = b[n:]
		switch {
		case num == fromID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated from-radio id")
			}
			env.ID = uint32(v)
			b = b[n:]
		case num == fromPacket && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated packet")
			}
			pkt, err := unmarshalMeshPacket(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.Packet = VariantPacket, pkt
			b = b[n:]
		case num == fromMyInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated my_info")
			}
			mi, err := unmarshalMyInfo(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.MyInfo = VariantMyInfo, mi
			b = b[n:]
		case num == fromNodeInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated node_info")
			}
			ni, err := unmarshalNodeInfo(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.NodeInfo = VariantNodeInfo, ni
			b = b[n:]
		case num == fromConfig && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated config")
			}
			cfg, err := unmarshalConfig(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.Config = VariantConfig, cfg
			b = b[n:]
		case num == fromLogRecord && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated log_record")
			}
			lr, err := unmarshalLogRecord(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.LogRecord = VariantLogRecord, lr
			b = b[n:]
		case num == fromConfigComplete && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated config_complete_id")
			}
			env.Variant, env.ConfigCompleteID = VariantConfigComplete, uint32(v)
			b = b[n:]
		case num == fromRebooted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated rebooted")
			}
			env.Variant, env.Rebooted = VariantRebooted, protowire.DecodeBool(v)
			b = b[n:]
		case num == fromModuleConfig && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated module_config")
			}
			mc, err := unmarshalModuleConfig(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.ModuleConfig = VariantModuleConfig, mc
			b = b[n:]
		case num == fromChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated channel")
			}
			ch, err := unmarshalChannel(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.Channel = VariantChannel, ch
			b = b[n:]
		case num == fromQueueStatus && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated queue_status")
			}
			qs, err := unmarshalQueueStatus(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.QueueStatus = VariantQueueStatus, qs
			b = b[n:]
		case num == fromMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated metadata")
			}
			md, err := unmarshalMetadata(v)
			if err != nil {
				return nil, err
			}
			env.Variant, env.Metadata = VariantMetadata, md
			b = b[n:]
		default:
			// Forward compatibility: keep the raw field instead of failing.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("bad from-radio field %d", num)
			}
			env.Variant = VariantUnknown
			env.Unknown = &UnknownVariant{
				Field:    uint32(num),
				WireType: uint8(typ),
				Bytes:    append([]byte(nil), b[:n]...),
			}
			b = b[n:]
		}
	}
	if env.Variant == VariantUnknown && env.Unknown == nil {
		return nil, malformed("from-radio envelope has no payload")
	}
	return env, nil
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// ── MeshPacket ────────────────────────────────────────────────────────────

const (
	pktFrom     = 1
	pktTo       = 2
	pktChannel  = 3
	pktDecoded  = 4
	pktEnc      = 5
	pktID       = 6
	pktRxTime   = 7
	pktRxSNR    = 8
	pktHopLimit = 9
	pktWantAck  = 10
	pktRxRSSI   = 12
)

func marshalMeshPacket(p *MeshPacket) []byte {
	var b []byte
	if p == nil {
		return b
	}
	if p.From != 0 {
		b = appendUint(b, pktFrom, uint64(p.From))
	}
	if p.To != 0 {
		b = appendUint(b, pktTo, uint64(p.To))
	}
	if p.Channel != 0 {
		b = appendUint(b, pktChannel, uint64(p.Channel))
	}
	if p.Decoded != nil {
		b = appendMessage(b, pktDecoded, marshalData(p.Decoded))
	}
	if len(p.Enc) > 0 {
		b = protowire.AppendTag(b, pktEnc, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Enc)
	}
	if p.ID != 0 {
		b = appendUint(b, pktID, uint64(p.ID))
	}
	if p.RxTime != 0 {
		b = appendUint(b, pktRxTime, uint64(p.RxTime))
	}
	if p.RxSNR != 0 {
		b = protowire.AppendTag(b, pktRxSNR, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(p.RxSNR))
	}
	if p.HopLimit != 0 {
		b = appendUint(b, pktHopLimit, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = appendBool(b, pktWantAck, true)
	}
	if p.RxRSSI != 0 {
		b = appendInt(b, pktRxRSSI, int64(p.RxRSSI))
	}
	return b
}

func unmarshalMeshPacket(body []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	b := body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("bad tag in packet")
		}
		b = b[n:]
		switch {
		case num == pktFrom && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.from")
			}
			p.From = uint32(v)
			b = b[n:]
		case num == pktTo && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.to")
			}
			p.To = uint32(v)
			b = b[n:]
		case num == pktChannel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.channel")
			}
			p.Channel = uint32(v)
			b = b[n:]
		case num == pktDecoded && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated packet.decoded")
			}
			d, err := unmarshalData(v)
			if err != nil {
				return nil, err
			}
			p.Decoded = d
			b = b[n:]
		case num == pktEnc && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated packet.encrypted")
			}
			p.Enc = append([]byte(nil), v...)
			b = b[n:]
		case num == pktID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.id")
			}
			p.ID = uint32(v)
			b = b[n:]
		case num == pktRxTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.rx_time")
			}
			p.RxTime = uint32(v)
			b = b[n:]
		case num == pktRxSNR && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, malformed("truncated packet.rx_snr")
			}
			p.RxSNR = math.Float32frombits(v)
			b = b[n:]
		case num == pktHopLimit && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.hop_limit")
			}
			p.HopLimit = uint32(v)
			b = b[n:]
		case num == pktWantAck && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.want_ack")
			}
			p.WantAck = protowire.DecodeBool(v)
			b = b[n:]
		case num == pktRxRSSI && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated packet.rx_rssi")
			}
			p.RxRSSI = int32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("bad packet field %d", num)
			}
			b = b[n:]
		}
	}
	return p, nil
}

// ── Data ──────────────────────────────────────────────────────────────────

const (
	dataPort         = 1
	dataPayload      = 2
	dataWantResponse = 3
	dataDest         = 4
	dataSource       = 5
	dataRequestID    = 6
	dataReplyID      = 7
	dataEmoji        = 8
)

func marshalData(d *Data) []byte {
	var b []byte
	if d == nil {
		return b
	}
	if d.PortNum != 0 {
		b = appendUint(b, dataPort, uint64(d.PortNum))
	}
	if len(d.Payload) > 0 {
		b = protowire.AppendTag(b, dataPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	if d.WantResponse {
		b = appendBool(b, dataWantResponse, true)
	}
	if d.Dest != 0 {
		b = appendUint(b, dataDest, uint64(d.Dest))
	}
	if d.Source != 0 {
		b = appendUint(b, dataSource, uint64(d.Source))
	}
	if d.RequestID != 0 {
		b = appendUint(b, dataRequestID, uint64(d.RequestID))
	}
	if d.ReplyID != 0 {
		b = appendUint(b, dataReplyID, uint64(d.ReplyID))
	}
	if d.Emoji != 0 {
		b = appendUint(b, dataEmoji, uint64(d.Emoji))
	}
	return b
}

func unmarshalData(body []byte) (*Data, error) {
	d := &Data{}
	b := body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("bad tag in data")
		}
		b = b[n:]
		switch {
		case num == dataPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated data.portnum")
			}
			d.PortNum = PortNum(v)
			b = b[n:]
		case num == dataPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("truncated data.payload")
			}
			d.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == dataWantResponse && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated data.want_response")
			}
			d.WantResponse = protowire.DecodeBool(v)
			b = b[n:]
		case num == dataDest && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated data.dest")
			}
			d.Dest = uint32(v)
			b = b[n:]
		case num == dataSource && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated data.source")
			}
			d.Source = uint32(v)
			b = b[n:]
		case num == dataRequestID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated data.request_id")
			}
			d.RequestID = uint32(v)
			b = b[n:]
		case num == dataReplyID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated data.reply_id")
			}
			d.ReplyID = uint32(v)
			b = b[n:]
		case num == dataEmoji && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("truncated data.emoji")
			}
			d.Emoji = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("bad data field %d", num)
			}
			b = b[n:]
		}
	}
	return d, nil
}

// ── scalar helpers ────────────────────────────────────────────────────────

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}
