package radio

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// marshal/unmarshal for the smaller sub-messages carried by envelopes.
// Encoding follows proto3 presence rules: zero-valued scalars are omitted.

// ── MyNodeInfo ────────────────────────────────────────────────────────────

const (
	myInfoNodeNum       = 1
	myInfoRebootCount   = 8
	myInfoMinAppVersion = 11
)

func marshalMyInfo(mi *MyNodeInfo) []byte {
	var b []byte
	if mi == nil {
		return b
	}
	if mi.MyNodeNum != 0 {
		b = appendUint(b, myInfoNodeNum, uint64(mi.MyNodeNum))
	}
	if mi.RebootCount != 0 {
		b = appendUint(b, myInfoRebootCount, uint64(mi.RebootCount))
	}
	if mi.MinAppVersion != 0 {
		b = appendUint(b, myInfoMinAppVersion, uint64(mi.MinAppVersion))
	}
	return b
}

func unmarshalMyInfo(body []byte) (*MyNodeInfo, error) {
	mi := &MyNodeInfo{}
	err := eachField(body, "my_info", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case myInfoNodeNum:
			mi.MyNodeNum = uint32(v)
		case myInfoRebootCount:
			mi.RebootCount = uint32(v)
		case myInfoMinAppVersion:
			mi.MinAppVersion = uint32(v)
		}
	})
	return mi, err
}

// ── User ──────────────────────────────────────────────────────────────────

const (
	userID         = 1
	userLongName   = 2
	userShortName  = 3
	userHWModel    = 5
	userIsLicensed = 6
	userRole       = 7
)

func marshalUser(u *User) []byte {
	var b []byte
	if u == nil {
		return b
	}
	if u.ID != "" {
		b = appendString(b, userID, u.ID)
	}
	if u.LongName != "" {
		b = appendString(b, userLongName, u.LongName)
	}
	if u.ShortName != "" {
		b = appendString(b, userShortName, u.ShortName)
	}
	if u.HWModel != 0 {
		b = appendUint(b, userHWModel, uint64(u.HWModel))
	}
	if u.IsLicensed {
		b = appendBool(b, userIsLicensed, true)
	}
	if u.Role != 0 {
		b = appendUint(b, userRole, uint64(u.Role))
	}
	return b
}

func unmarshalUser(body []byte) (*User, error) {
	u := &User{}
	err := eachField(body, "user", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case userID:
			u.ID = string(raw)
		case userLongName:
			u.LongName = string(raw)
		case userShortName:
			u.ShortName = string(raw)
		case userHWModel:
			u.HWModel = uint32(v)
		case userIsLicensed:
			u.IsLicensed = protowire.DecodeBool(v)
		case userRole:
			u.Role = uint32(v)
		}
	})
	return u, err
}

// ── Position ──────────────────────────────────────────────────────────────

const (
	posLatitudeI  = 1
	posLongitudeI = 2
	posAltitude   = 3
	posTime       = 4
)

func marshalPosition(p *Position) []byte {
	var b []byte
	if p == nil {
		return b
	}
	if p.LatitudeI != 0 {
		b = protowire.AppendTag(b, posLatitudeI, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(p.LatitudeI))
	}
	if p.LongitudeI != 0 {
		b = protowire.AppendTag(b, posLongitudeI, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(p.LongitudeI))
	}
	if p.Altitude != 0 {
		b = appendInt(b, posAltitude, int64(p.Altitude))
	}
	if p.Time != 0 {
		b = appendUint(b, posTime, uint64(p.Time))
	}
	return b
}

func unmarshalPosition(body []byte) (*Position, error) {
	p := &Position{}
	err := eachField(body, "position", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case posLatitudeI:
			if typ == protowire.Fixed32Type {
				p.LatitudeI = int32(v)
			}
		case posLongitudeI:
			if typ == protowire.Fixed32Type {
				p.LongitudeI = int32(v)
			}
		case posAltitude:
			p.Altitude = int32(v)
		case posTime:
			p.Time = uint32(v)
		}
	})
	return p, err
}

// ── DeviceMetrics ─────────────────────────────────────────────────────────

const (
	metricsBattery  = 1
	metricsVoltage  = 2
	metricsChanUtil = 3
	metricsAirUtil  = 4
	metricsUptime   = 5
)

func marshalMetrics(m *DeviceMetrics) []byte {
	var b []byte
	if m == nil {
		return b
	}
	if m.BatteryLevel != 0 {
		b = appendUint(b, metricsBattery, uint64(m.BatteryLevel))
	}
	if m.Voltage != 0 {
		b = appendFloat(b, metricsVoltage, m.Voltage)
	}
	if m.ChannelUtil != 0 {
		b = appendFloat(b, metricsChanUtil, m.ChannelUtil)
	}
	if m.AirUtilTx != 0 {
		b = appendFloat(b, metricsAirUtil, m.AirUtilTx)
	}
	if m.UptimeSeconds != 0 {
		b = appendUint(b, metricsUptime, uint64(m.UptimeSeconds))
	}
	return b
}

func unmarshalMetrics(body []byte) (*DeviceMetrics, error) {
	m := &DeviceMetrics{}
	err := eachField(body, "device_metrics", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case metricsBattery:
			m.BatteryLevel = uint32(v)
		case metricsVoltage:
			if typ == protowire.Fixed32Type {
				m.Voltage = math.Float32frombits(uint32(v))
			}
		case metricsChanUtil:
			if typ == protowire.Fixed32Type {
				m.ChannelUtil = math.Float32frombits(uint32(v))
			}
		case metricsAirUtil:
			if typ == protowire.Fixed32Type {
				m.AirUtilTx = math.Float32frombits(uint32(v))
			}
		case metricsUptime:
			m.UptimeSeconds = uint32(v)
		}
	})
	return m, err
}

// ── NodeInfo ──────────────────────────────────────────────────────────────

const (
	nodeNum       = 1
	nodeUser      = 2
	nodePosition  = 3
	nodeSNR       = 4
	nodeLastHeard = 5
	nodeMetrics   = 6
	nodeChannel   = 7
	nodeHopsAway  = 9
)

func marshalNodeInfo(ni *NodeInfo) []byte {
	var b []byte
	if ni == nil {
		return b
	}
	if ni.Num != 0 {
		b = appendUint(b, nodeNum, uint64(ni.Num))
	}
	if ni.User != nil {
		b = appendMessage(b, nodeUser, marshalUser(ni.User))
	}
	if ni.Position != nil {
		b = appendMessage(b, nodePosition, marshalPosition(ni.Position))
	}
	if ni.SNR != 0 {
		b = appendFloat(b, nodeSNR, ni.SNR)
	}
	if ni.LastHeard != 0 {
		b = appendUint(b, nodeLastHeard, uint64(ni.LastHeard))
	}
	if ni.Metrics != nil {
		b = appendMessage(b, nodeMetrics, marshalMetrics(ni.Metrics))
	}
	if ni.Channel != 0 {
		b = appendUint(b, nodeChannel, uint64(ni.Channel))
	}
	if ni.HopsAway != 0 {
		b = appendUint(b, nodeHopsAway, uint64(ni.HopsAway))
	}
	return b
}

func unmarshalNodeInfo(body []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	var inner error
	err := eachField(body, "node_info", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case nodeNum:
			ni.Num = uint32(v)
		case nodeUser:
			u, err := unmarshalUser(raw)
			if err != nil {
				inner = err
				return
			}
			ni.User = u
		case nodePosition:
			p, err := unmarshalPosition(raw)
			if err != nil {
				inner = err
				return
			}
			ni.Position = p
		case nodeSNR:
			if typ == protowire.Fixed32Type {
				ni.SNR = math.Float32frombits(uint32(v))
			}
		case nodeLastHeard:
			ni.LastHeard = uint32(v)
		case nodeMetrics:
			m, err := unmarshalMetrics(raw)
			if err != nil {
				inner = err
				return
			}
			ni.Metrics = m
		case nodeChannel:
			ni.Channel = uint32(v)
		case nodeHopsAway:
			ni.HopsAway = uint32(v)
		}
	})
	if err != nil {
		return nil, err
	}
	return ni, inner
}

// ── Config / ModuleConfig ─────────────────────────────────────────────────

func marshalConfig(c *Config) []byte {
	var b []byte
	if c == nil {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(c.Section), protowire.BytesType)
	return protowire.AppendBytes(b, c.Raw)
}

func unmarshalConfig(body []byte) (*Config, error) {
	c := &Config{}
	err := eachField(body, "config", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		if typ == protowire.BytesType {
			c.Section = ConfigSection(num)
			c.Raw = append([]byte(nil), raw...)
		}
	})
	if err != nil {
		return nil, err
	}
	if c.Section == 0 {
		return nil, malformed("config envelope has no section")
	}
	return c, nil
}

func marshalModuleConfig(mc *ModuleConfig) []byte {
	var b []byte
	if mc == nil {
		return b
	}
	b = protowire.AppendTag(b, protowire.Number(mc.Section), protowire.BytesType)
	return protowire.AppendBytes(b, mc.Raw)
}

func unmarshalModuleConfig(body []byte) (*ModuleConfig, error) {
	mc := &ModuleConfig{}
	err := eachField(body, "module_config", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		if typ == protowire.BytesType {
			mc.Section = uint32(num)
			mc.Raw = append([]byte(nil), raw...)
		}
	})
	if err != nil {
		return nil, err
	}
	if mc.Section == 0 {
		return nil, malformed("module_config envelope has no section")
	}
	return mc, nil
}

// ── Channel ───────────────────────────────────────────────────────────────

const (
	channelIndex    = 1
	channelSettings = 2
	channelRole     = 3

	settingsName = 3
)

func marshalChannel(c *Channel) []byte {
	var b []byte
	if c == nil {
		return b
	}
	if c.Index != 0 {
		b = appendInt(b, channelIndex, int64(c.Index))
	}
	if c.Name != "" {
		var settings []byte
		settings = appendString(settings, settingsName, c.Name)
		b = appendMessage(b, channelSettings, settings)
	}
	if c.Role != 0 {
		b = appendUint(b, channelRole, uint64(c.Role))
	}
	return b
}

func unmarshalChannel(body []byte) (*Channel, error) {
	c := &Channel{}
	var inner error
	err := eachField(body, "channel", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case channelIndex:
			c.Index = int32(v)
		case channelSettings:
			inner = eachField(raw, "channel.settings", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
				if num == settingsName && typ == protowire.BytesType {
					c.Name = string(raw)
				}
			})
		case channelRole:
			c.Role = uint32(v)
		}
	})
	if err != nil {
		return nil, err
	}
	return c, inner
}

// ── LogRecord ─────────────────────────────────────────────────────────────

const (
	logMessage = 1
	logTime    = 2
	logSource  = 3
	logLevel   = 4
)

func marshalLogRecord(lr *LogRecord) []byte {
	var b []byte
	if lr == nil {
		return b
	}
	if lr.Message != "" {
		b = appendString(b, logMessage, lr.Message)
	}
	if lr.Time != 0 {
		b = appendUint(b, logTime, uint64(lr.Time))
	}
	if lr.Source != "" {
		b = appendString(b, logSource, lr.Source)
	}
	if lr.Level != 0 {
		b = appendUint(b, logLevel, uint64(lr.Level))
	}
	return b
}

func unmarshalLogRecord(body []byte) (*LogRecord, error) {
	lr := &LogRecord{}
	err := eachField(body, "log_record", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case logMessage:
			lr.Message = string(raw)
		case logTime:
			lr.Time = uint32(v)
		case logSource:
			lr.Source = string(raw)
		case logLevel:
			lr.Level = uint32(v)
		}
	})
	return lr, err
}

// ── QueueStatus ───────────────────────────────────────────────────────────

const (
	queueRes    = 1
	queueFree   = 2
	queueMaxlen = 3
	queuePktID  = 4
)

func marshalQueueStatus(qs *QueueStatus) []byte {
	var b []byte
	if qs == nil {
		return b
	}
	if qs.Res != 0 {
		b = appendInt(b, queueRes, int64(qs.Res))
	}
	if qs.Free != 0 {
		b = appendUint(b, queueFree, uint64(qs.Free))
	}
	if qs.Maxlen != 0 {
		b = appendUint(b, queueMaxlen, uint64(qs.Maxlen))
	}
	if qs.MeshPacketID != 0 {
		b = appendUint(b, queuePktID, uint64(qs.MeshPacketID))
	}
	return b
}

func unmarshalQueueStatus(body []byte) (*QueueStatus, error) {
	qs := &QueueStatus{}
	err := eachField(body, "queue_status", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case queueRes:
			qs.Res = int32(v)
		case queueFree:
			qs.Free = uint32(v)
		case queueMaxlen:
			qs.Maxlen = uint32(v)
		case queuePktID:
			qs.MeshPacketID = uint32(v)
		}
	})
	return qs, err
}

// ── DeviceMetadata ────────────────────────────────────────────────────────

const (
	metaFirmware     = 1
	metaStateVersion = 2
	metaCanShutdown  = 3
	metaHasWifi      = 4
	metaHasBluetooth = 5
	metaHasEthernet  = 6
	metaRole         = 7
	metaHWModel      = 9
)

func marshalMetadata(md *DeviceMetadata) []byte {
	var b []byte
	if md == nil {
		return b
	}
	if md.FirmwareVersion != "" {
		b = appendString(b, metaFirmware, md.FirmwareVersion)
	}
	if md.DeviceStateVersion != 0 {
		b = appendUint(b, metaStateVersion, uint64(md.DeviceStateVersion))
	}
	if md.CanShutdown {
		b = appendBool(b, metaCanShutdown, true)
	}
	if md.HasWifi {
		b = appendBool(b, metaHasWifi, true)
	}
	if md.HasBluetooth {
		b = appendBool(b, metaHasBluetooth, true)
	}
	if md.HasEthernet {
		b = appendBool(b, metaHasEthernet, true)
	}
	if md.Role != 0 {
		b = appendUint(b, metaRole, uint64(md.Role))
	}
	if md.HWModel != 0 {
		b = appendUint(b, metaHWModel, uint64(md.HWModel))
	}
	return b
}

func unmarshalMetadata(body []byte) (*DeviceMetadata, error) {
	md := &DeviceMetadata{}
	err := eachField(body, "metadata", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case metaFirmware:
			md.FirmwareVersion = string(raw)
		case metaStateVersion:
			md.DeviceStateVersion = uint32(v)
		case metaCanShutdown:
			md.CanShutdown = protowire.DecodeBool(v)
		case metaHasWifi:
			md.HasWifi = protowire.DecodeBool(v)
		case metaHasBluetooth:
			md.HasBluetooth = protowire.DecodeBool(v)
		case metaHasEthernet:
			md.HasEthernet = protowire.DecodeBool(v)
		case metaRole:
			md.Role = uint32(v)
		case metaHWModel:
			md.HWModel = uint32(v)
		}
	})
	return md, err
}

// eachField walks a message body, handing every field to fn. Varint and
// fixed32 values arrive in v; length-delimited values arrive in raw.
// Unknown fields are skipped. fn must copy raw if it retains it beyond the
// callback for scalar string/bytes conversions (string(raw) copies).
func eachField(body []byte, what string, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte)) error {
	b := body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("bad tag in %s", what)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformed("truncated varint in %s", what)
			}
			fn(num, typ, v, nil)
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return malformed("truncated fixed32 in %s", what)
			}
			fn(num, typ, uint64(v), nil)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return malformed("truncated fixed64 in %s", what)
			}
			fn(num, typ, v, nil)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return malformed("truncated bytes in %s", what)
			}
			fn(num, typ, 0, raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed("bad field %d in %s", num, what)
			}
			b = b[n:]
		}
	}
	return nil
}
