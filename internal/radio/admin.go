package radio

import "google.golang.org/protobuf/encoding/protowire"

// Admin payloads ride inside a Data payload on PortAdmin. Only the
// metadata request/response pair is understood here; everything else an
// admin channel carries is opaque to this core.

const (
	adminGetMetadataRequest  = 13
	adminGetMetadataResponse = 14
)

// AdminMessage is a decoded admin payload.
type AdminMessage struct {
	GetMetadataRequest  bool
	GetMetadataResponse *DeviceMetadata
}

// EncodeAdminGetMetadata builds the admin payload requesting device
// metadata from a node.
func EncodeAdminGetMetadata() []byte {
	var b []byte
	b = protowire.AppendTag(b, adminGetMetadataRequest, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	return b
}

// DecodeAdmin parses an admin payload. Unrecognized admin variants yield an
// empty AdminMessage rather than an error.
func DecodeAdmin(payload []byte) (*AdminMessage, error) {
	am := &AdminMessage{}
	var inner error
	err := eachField(payload, "admin", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case adminGetMetadataRequest:
			am.GetMetadataRequest = protowire.DecodeBool(v)
		case adminGetMetadataResponse:
			md, err := unmarshalMetadata(raw)
			if err != nil {
				inner = err
				return
			}
			am.GetMetadataResponse = md
		}
	})
	if err != nil {
		return nil, err
	}
	return am, inner
}

// RouteDiscovery is the decoded traceroute payload: the chain of node
// numbers a probe travelled through.
type RouteDiscovery struct {
	Route     []uint32
	SNRToward []int32
	RouteBack []uint32
	SNRBack   []int32
}

const (
	routeNodes     = 1
	routeSNRToward = 2
	routeBackNodes = 3
	routeSNRBack   = 4
)

// EncodeRouteDiscovery serialises a traceroute payload. A request carries
// an empty RouteDiscovery; the firmware fills the route on the way back.
func EncodeRouteDiscovery(rd *RouteDiscovery) []byte {
	var b []byte
	if rd == nil {
		return b
	}
	for _, n := range rd.Route {
		b = protowire.AppendTag(b, routeNodes, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, n)
	}
	for _, s := range rd.SNRToward {
		b = appendInt(b, routeSNRToward, int64(s))
	}
	for _, n := range rd.RouteBack {
		b = protowire.AppendTag(b, routeBackNodes, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, n)
	}
	for _, s := range rd.SNRBack {
		b = appendInt(b, routeSNRBack, int64(s))
	}
	return b
}

// DecodeRouteDiscovery parses a traceroute payload.
func DecodeRouteDiscovery(payload []byte) (*RouteDiscovery, error) {
	rd := &RouteDiscovery{}
	err := eachField(payload, "route_discovery", func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch num {
		case routeNodes:
			if typ == protowire.Fixed32Type {
				rd.Route = append(rd.Route, uint32(v))
			}
		case routeSNRToward:
			rd.SNRToward = append(rd.SNRToward, int32(v))
		case routeBackNodes:
			if typ == protowire.Fixed32Type {
				rd.RouteBack = append(rd.RouteBack, uint32(v))
			}
		case routeSNRBack:
			rd.SNRBack = append(rd.SNRBack, int32(v))
		}
	})
	return rd, err
}
