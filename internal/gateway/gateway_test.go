package gateway

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/bus"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/link"
	"github.com/meshcommons/meshlink/internal/radio"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Transport = "sim"
	cfg.DBPath = filepath.Join(t.TempDir(), "gateway.db")
	cfg.ListenAddr = "127.0.0.1:0"

	gw, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { gw.db.Close() })
	return gw
}

func TestIngestMessagePersists(t *testing.T) {
	gw := testGateway(t)
	at := time.Now().UTC().Truncate(time.Millisecond)

	gw.ingest(bus.Event{
		Type:      bus.EventMessage,
		Timestamp: at,
		Data: link.Message{
			Packet: &radio.MeshPacket{
				ID: 77, From: 7, To: radio.Broadcast, RxSNR: 4.5, RxRSSI: -88,
				Decoded: &radio.Data{PortNum: radio.PortTextMessage, Payload: []byte("hello")},
			},
			PortLabel: "text",
			Text:      "hello",
		},
	})

	msgs, err := gw.db.ListMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(77), msgs[0].MeshID)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, at, msgs[0].ReceivedAt)

	// The sender lands in the roster with a last-heard timestamp.
	n, ok := gw.nodes.GetNode(7)
	require.True(t, ok)
	assert.Equal(t, at, n.LastHeard)
}

func TestIngestNodeUpdate(t *testing.T) {
	gw := testGateway(t)

	gw.ingest(bus.Event{
		Type: bus.EventNodeUpdate,
		Data: link.NodeUpdate{Info: &radio.NodeInfo{
			Num:  0x2A,
			User: &radio.User{ID: "!0000002a", LongName: "Base Station"},
		}},
	})

	n, ok := gw.nodes.GetNode(0x2A)
	require.True(t, ok)
	assert.Equal(t, "Base Station", n.LongName)
}

func TestIngestReadyRemembersRadio(t *testing.T) {
	gw := testGateway(t)

	gw.ingest(bus.Event{
		Type:      bus.EventLinkState,
		Timestamp: time.Now().UTC(),
		Data: link.StateChange{
			Previous: link.StateConfiguring,
			Status:   link.Status{State: link.StateReady, Peer: "AA:BB"},
		},
	})

	radios, err := gw.db.ListRadios()
	require.NoError(t, err)
	require.Len(t, radios, 1)
	assert.Equal(t, "AA:BB", radios[0].PeerID)
	assert.False(t, radios[0].Preferred, "remembering never sets preference")
}
