package link

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/bus"
	"github.com/meshcommons/meshlink/internal/radio"
	"github.com/meshcommons/meshlink/internal/transport"
)

const (
	testPeer    = transport.PeerID("AA:BB:CC:DD:EE:FF")
	testNodeNum = uint32(0x2A2A2A)
)

type harness struct {
	t      *testing.T
	tr     *transport.SimTransport
	clock  *fakeClock
	bus    *bus.Bus
	events <-chan bus.Event
	m      *Manager
	codec  *radio.Codec
}

func testConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		ConfigTimeout:        15 * time.Second,
		RequestTimeout:       30 * time.Second,
		SweepInterval:        250 * time.Millisecond,
		HeartbeatInterval:    0, // periodic keep-alive off; tested separately
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		BackoffInitial:       2 * time.Second,
		BackoffMax:           60 * time.Second,
		ScanStaleAfter:       30 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tr:    transport.NewSimTransport(zap.NewNop()),
		clock: newFakeClock(),
		bus:   bus.New(),
		codec: radio.NewCodec(),
	}
	ch, unsub := h.bus.Subscribe()
	t.Cleanup(unsub)
	h.events = ch

	h.m = NewManager(cfg, h.tr, h.clock, h.bus, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.m.Run(ctx) }()
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.m.Status().State == want },
		2*time.Second, 2*time.Millisecond, "waiting for state %s", want)
}

func (h *harness) awaitEvent(typ bus.EventType, pred func(bus.Event) bool) bus.Event {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ && (pred == nil || pred(e)) {
				return e
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func (h *harness) frame(env *radio.Envelope) []byte {
	h.t.Helper()
	fr, err := h.codec.EncodeFrame(env)
	require.NoError(h.t, err)
	return fr
}

// deviceResponder emulates the configure handshake: on want-config it
// streams identity, one node, one config section and the completion
// marker echoing the nonce.
func (h *harness) deviceResponder() transport.Responder {
	return func(frame []byte) [][]byte {
		cmd, err := h.codec.DecodeCommand(frame)
		if err != nil || cmd.WantConfigID == 0 {
			return nil
		}
		return [][]byte{
			h.frame(&radio.Envelope{Variant: radio.VariantMyInfo,
				MyInfo: &radio.MyNodeInfo{MyNodeNum: testNodeNum, MinAppVersion: 30200}}),
			h.frame(&radio.Envelope{Variant: radio.VariantNodeInfo,
				NodeInfo: &radio.NodeInfo{Num: testNodeNum, User: &radio.User{ID: "!002a2a2a", LongName: "base station"}}}),
			h.frame(&radio.Envelope{Variant: radio.VariantConfig,
				Config: &radio.Config{Section: radio.ConfigDevice}}),
			h.frame(&radio.Envelope{Variant: radio.VariantConfigComplete,
				ConfigCompleteID: cmd.WantConfigID}),
		}
	}
}

func (h *harness) connectReady() {
	h.t.Helper()
	h.tr.SetResponder(h.deviceResponder())
	require.NoError(h.t, h.m.Connect(testPeer))
	h.waitState(StateReady)
}

// ── scanning ──────────────────────────────────────────────────────────────

func TestScanRefusedWhileRadioOff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.SetPoweredOn(false)

	err := h.m.StartScan()
	require.ErrorIs(t, err, transport.ErrRadioUnavailable)

	st := h.m.Status()
	assert.Equal(t, StateIdle, st.State)
	require.NotNil(t, st.Err)
	assert.Equal(t, KindRadioUnavailable, st.Err.Kind)
}

func TestScanDiscoversPeers(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.m.StartScan())
	h.waitState(StateScanning)

	h.tr.AddPeer(transport.DiscoveredPeer{ID: testPeer, Name: "meshtastic_2a2a", RSSI: -61, LastSeen: h.clock.Now()})
	e := h.awaitEvent(bus.EventPeerDiscovered, nil)
	sighting := e.Data.(PeerSighting)
	assert.Equal(t, testPeer, sighting.Peer.ID)

	require.Eventually(t, func() bool { return len(h.m.Peers()) == 1 },
		time.Second, 2*time.Millisecond)

	h.m.StopScan()
	h.waitState(StateIdle)
}

// ── connect and configure ─────────────────────────────────────────────────

func TestConnectHandshakeToReady(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.SetResponder(h.deviceResponder())

	require.NoError(t, h.m.Connect(testPeer))
	h.waitState(StateReady)

	e := h.awaitEvent(bus.EventMyInfo, nil)
	assert.Equal(t, testNodeNum, e.Data.(MyInfoUpdate).Info.MyNodeNum)
	h.awaitEvent(bus.EventConfigUpdate, func(e bus.Event) bool {
		return e.Data.(ConfigUpdate).Complete
	})

	info := h.m.Info()
	require.NotNil(t, info)
	assert.Equal(t, testPeer, info.Peer)
	assert.Equal(t, testNodeNum, info.NodeNum)
	assert.Equal(t, uint32(30200), info.MinAppVersion)
}

func TestConnectWhileConnectingRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.SetResponder(h.deviceResponder())
	release := h.tr.HoldConnects()

	require.NoError(t, h.m.Connect(testPeer))
	h.waitState(StateConnecting)

	err := h.m.Connect("11:22:33:44:55:66")
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, testPeer, h.m.Status().Peer, "in-flight attempt undisturbed")

	release()
	h.waitState(StateReady)
}

func TestWantConfigRejectedDuringHandshake(t *testing.T) {
	h := newHarness(t, testConfig())
	// No responder: the device never completes the handshake.
	require.NoError(t, h.m.Connect(testPeer))
	h.waitState(StateConfiguring)

	require.ErrorIs(t, h.m.SendWantConfig(), ErrBusy)
}

func TestHandshakeTimeoutEntersReconnecting(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	// Silent device: connects fine, never sends config.
	require.NoError(t, h.m.Connect(testPeer))
	h.waitState(StateConfiguring)

	h.clock.Advance(cfg.ConfigTimeout + time.Second)
	h.waitState(StateReconnecting)

	st := h.m.Status()
	assert.Equal(t, 1, st.Attempt)
	assert.False(t, st.NextRetryAt.IsZero())
	h.awaitEvent(bus.EventError, func(e bus.Event) bool {
		return e.Data.(Fault).Kind == KindHandshakeTimeout
	})

	// Device behaves on the retry.
	h.tr.SetResponder(h.deviceResponder())
	h.clock.Advance(3 * time.Second) // past 2s initial backoff +20% jitter
	h.waitState(StateReady)
	assert.Equal(t, 0, h.m.Status().Attempt)
}

// ── ready-state traffic ───────────────────────────────────────────────────

func TestTraceRouteCorrelation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	var pktID uint32
	h.tr.SetResponder(func(frame []byte) [][]byte {
		cmd, err := h.codec.DecodeCommand(frame)
		if err != nil || cmd.Packet == nil || cmd.Packet.Decoded == nil {
			return nil
		}
		if cmd.Packet.Decoded.PortNum != radio.PortTraceroute {
			return nil
		}
		pktID = cmd.Packet.ID
		reply := h.frame(&radio.Envelope{Variant: radio.VariantPacket, Packet: &radio.MeshPacket{
			From: 42, To: testNodeNum, ID: 555,
			Decoded: &radio.Data{PortNum: radio.PortTraceroute, RequestID: pktID},
		}})
		// The device answers twice; only the first reply resolves the
		// request, the duplicate flows to the dispatcher as a message.
		return [][]byte{reply, reply}
	})

	require.True(t, h.m.SendTraceRouteRequest(42, true))

	e := h.awaitEvent(bus.EventRequest, nil)
	outcome := e.Data.(RequestOutcome)
	assert.True(t, outcome.OK)
	assert.Equal(t, "traceroute", outcome.Label)

	msg := h.awaitEvent(bus.EventMessage, nil).Data.(Message)
	assert.Equal(t, uint32(42), msg.Packet.From)
	assert.Equal(t, 0, h.m.PendingRequests())
	assert.Equal(t, StateReady, h.m.Status().State)
}

func TestRequestTimesOutViaSweep(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.connectReady()
	h.tr.SetResponder(nil) // device goes quiet

	id, err := h.m.RequestDeviceMetadata(testNodeNum, 42, 0)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, 1, h.m.PendingRequests())

	h.clock.Advance(cfg.RequestTimeout + cfg.SweepInterval)

	e := h.awaitEvent(bus.EventRequest, nil)
	outcome := e.Data.(RequestOutcome)
	assert.Equal(t, id, outcome.ID)
	assert.False(t, outcome.OK)
	assert.Contains(t, outcome.Error, "timed out")
	assert.Equal(t, StateReady, h.m.Status().State, "timeout never tears the link")
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	// Valid length prefix, body truncates mid-field.
	require.NoError(t, h.tr.Inject([]byte{0, 0, 0, 1, 0xFD}))

	e := h.awaitEvent(bus.EventError, nil)
	assert.Equal(t, KindMalformed, e.Data.(Fault).Kind)
	assert.Equal(t, StateReady, h.m.Status().State)

	// The link still carries traffic.
	require.NoError(t, h.tr.Inject(h.frame(&radio.Envelope{Variant: radio.VariantPacket, Packet: &radio.MeshPacket{
		From: 7, To: radio.Broadcast, ID: 99,
		Decoded: &radio.Data{PortNum: radio.PortTextMessage, Payload: []byte("hello mesh")},
	}})))
	msg := h.awaitEvent(bus.EventMessage, nil).Data.(Message)
	assert.Equal(t, "hello mesh", msg.Text)
}

func TestSendDataMessage(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.False(t, h.m.SendDataMessage([]byte("too early"), radio.Broadcast))

	h.connectReady()
	before := len(h.tr.Writes())
	require.True(t, h.m.SendDataMessage([]byte("ping"), radio.Broadcast))

	writes := h.tr.Writes()
	require.Greater(t, len(writes), before)
	cmd, err := h.codec.DecodeCommand(writes[len(writes)-1])
	require.NoError(t, err)
	require.NotNil(t, cmd.Packet)
	assert.Equal(t, radio.Broadcast, cmd.Packet.To)
	assert.Equal(t, radio.PortTextMessage, cmd.Packet.Decoded.PortNum)
	assert.Equal(t, []byte("ping"), cmd.Packet.Decoded.Payload)
	assert.True(t, cmd.Packet.WantAck)
}

func TestHeartbeatTicksWhileReady(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Minute
	h := newHarness(t, cfg)
	h.connectReady()

	before := len(h.tr.Writes())
	h.clock.Advance(61 * time.Second)

	require.Eventually(t, func() bool { return len(h.tr.Writes()) > before },
		time.Second, 2*time.Millisecond)
	cmd, err := h.codec.DecodeCommand(h.tr.Writes()[len(h.tr.Writes())-1])
	require.NoError(t, err)
	assert.True(t, cmd.Heartbeat)
}

// ── drops, reconnects, disconnects ────────────────────────────────────────

func TestLinkDropTriggersReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	h.tr.DropLink(io.ErrUnexpectedEOF)
	h.waitState(StateReconnecting)
	assert.Equal(t, 1, h.m.Status().Attempt)

	h.clock.Advance(3 * time.Second)
	h.waitState(StateReady)
}

func TestLinkDropAbortsPendingRequests(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()
	h.tr.SetResponder(nil)

	id, err := h.m.RequestDeviceMetadata(testNodeNum, 42, 0)
	require.NoError(t, err)

	h.tr.DropLink(io.ErrUnexpectedEOF)

	e := h.awaitEvent(bus.EventRequest, nil)
	outcome := e.Data.(RequestOutcome)
	assert.Equal(t, id, outcome.ID)
	assert.False(t, outcome.OK)
	assert.Equal(t, 0, h.m.PendingRequests())
}

func TestDisconnectDuringReconnectCancelsRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	h.tr.DropLink(io.ErrUnexpectedEOF)
	h.waitState(StateReconnecting)

	require.NoError(t, h.m.Disconnect())
	h.waitState(StateIdle)

	before := len(h.tr.Writes())
	h.clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, h.m.Status().State, "no reconnect after explicit cancel")
	assert.Equal(t, before, len(h.tr.Writes()))
}

func TestDisconnectSendsDeviceNotice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	require.NoError(t, h.m.Disconnect())
	h.waitState(StateIdle)
	assert.Nil(t, h.m.Info())

	writes := h.tr.Writes()
	require.NotEmpty(t, writes)
	cmd, err := h.codec.DecodeCommand(writes[len(writes)-1])
	require.NoError(t, err)
	assert.True(t, cmd.Disconnect)
}

func TestReconnectExhaustionSettlesIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	h := newHarness(t, cfg)
	h.connectReady()

	h.tr.FailConnects(io.ErrUnexpectedEOF)
	h.tr.DropLink(io.ErrUnexpectedEOF)

	// Two failed attempts, then the policy gives up.
	h.waitState(StateReconnecting)
	assert.Equal(t, 1, h.m.Status().Attempt)

	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		st := h.m.Status()
		return st.State == StateReconnecting && st.Attempt == 2
	}, 2*time.Second, 2*time.Millisecond)

	h.clock.Advance(6 * time.Second)

	require.Eventually(t, func() bool {
		st := h.m.Status()
		return st.State == StateIdle && st.Err != nil && st.Err.Kind == KindReconnectExhausted
	}, 2*time.Second, 2*time.Millisecond)
}

func TestPreferredPeerWinsReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.PreferredPeer = "77:77:77:77:77:77"
	h := newHarness(t, cfg)
	h.connectReady()

	h.tr.DropLink(io.ErrUnexpectedEOF)
	h.waitState(StateReconnecting)
	assert.Equal(t, cfg.PreferredPeer, h.m.Status().Peer)
}

// ── pairing failures ──────────────────────────────────────────────────────

func TestPairingInvalidatedStopsReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	h.tr.DropLink(transport.ErrPairingInvalidated)

	require.Eventually(t, func() bool {
		st := h.m.Status()
		return st.State == StateIdle && st.Err != nil && st.Err.Kind == KindPairingInvalidated
	}, 2*time.Second, 2*time.Millisecond)

	// Lost pairing needs user action; no backoff retry may fire.
	h.clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	st := h.m.Status()
	assert.Equal(t, StateIdle, st.State)
	require.NotNil(t, st.Err)
	assert.Equal(t, KindPairingInvalidated, st.Err.Kind)
}

func TestPairingInvalidatedOnConnectSettlesIdle(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tr.FailConnects(transport.ErrPairingInvalidated)

	require.NoError(t, h.m.Connect(testPeer))

	require.Eventually(t, func() bool {
		st := h.m.Status()
		return st.State == StateIdle && st.Err != nil && st.Err.Kind == KindPairingInvalidated
	}, 2*time.Second, 2*time.Millisecond)

	h.clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, h.m.Status().State)
	assert.Zero(t, h.m.Status().Attempt)
}

// ── defined no-ops ────────────────────────────────────────────────────────

func TestConfigCompleteNonceMismatchIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	nonceCh := make(chan uint32, 1)
	h.tr.SetResponder(func(frame []byte) [][]byte {
		if cmd, err := h.codec.DecodeCommand(frame); err == nil && cmd.WantConfigID != 0 {
			select {
			case nonceCh <- cmd.WantConfigID:
			default:
			}
		}
		return nil // silent device: handshake stays open
	})
	require.NoError(t, h.m.Connect(testPeer))
	h.waitState(StateConfiguring)

	var nonce uint32
	select {
	case nonce = <-nonceCh:
	case <-time.After(2 * time.Second):
		t.Fatal("want-config never reached the device")
	}

	// A completion marker with somebody else's nonce and stray traffic
	// during the handshake both leave the state machine where it is.
	require.NoError(t, h.tr.Inject(
		h.frame(&radio.Envelope{Variant: radio.VariantConfigComplete, ConfigCompleteID: nonce + 1}),
		h.frame(&radio.Envelope{Variant: radio.VariantPacket, Packet: &radio.MeshPacket{
			From: 42, To: testNodeNum, ID: 9,
			Decoded: &radio.Data{PortNum: radio.PortTextMessage, Payload: []byte("hi")},
		}}),
	))
	time.Sleep(20 * time.Millisecond)
	st := h.m.Status()
	assert.Equal(t, StateConfiguring, st.State)
	assert.Nil(t, st.Err)

	require.NoError(t, h.tr.Inject(
		h.frame(&radio.Envelope{Variant: radio.VariantConfigComplete, ConfigCompleteID: nonce})))
	h.waitState(StateReady)
}

func TestLateDisconnectEventAfterTeardownIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	// Disconnect tears the link down first; the transport's own
	// disconnected event then refers to a link that is already gone.
	require.NoError(t, h.m.Disconnect())
	h.waitState(StateIdle)

	time.Sleep(20 * time.Millisecond)
	st := h.m.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.Err)

	// The session machinery is still healthy afterwards.
	h.connectReady()
}

func TestRetryWindowIgnoredAfterManualConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connectReady()

	h.tr.DropLink(io.ErrUnexpectedEOF)
	h.waitState(StateReconnecting)

	// An explicit connect supersedes the pending backoff retry.
	require.NoError(t, h.m.Connect(testPeer))
	h.waitState(StateReady)

	before := len(h.tr.Writes())
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	st := h.m.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Zero(t, st.Attempt)
	assert.Equal(t, before, len(h.tr.Writes()), "stale retry window must not redial")
}
