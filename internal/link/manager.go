// Package link implements the device-protocol core: the connection state
// machine driving scan/connect/configure/ready, the request/response
// correlator, and the dispatcher that turns decoded envelopes into typed
// events. Collaborators issue commands into the Manager and subscribe to
// its bus; they never touch the transport directly.
package link

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/bus"
	"github.com/meshcommons/meshlink/internal/radio"
	"github.com/meshcommons/meshlink/internal/transport"
)

// Config holds the link-layer knobs. Zero values fall back to defaults.
type Config struct {
	ConnectTimeout    time.Duration
	ConfigTimeout     time.Duration
	RequestTimeout    time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	AutoReconnect        bool
	MaxReconnectAttempts int // 0 = retry forever
	BackoffInitial       time.Duration
	BackoffMax           time.Duration

	ScanStaleAfter time.Duration

	// PreferredPeer, when set, takes priority as the auto-reconnect
	// target. It is the one piece of persisted state this core reads.
	PreferredPeer transport.PeerID
}

// DefaultConfig returns production defaults. Backoff follows a 2s initial
// delay doubling to a 60s ceiling with ±20% jitter.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		ConfigTimeout:        15 * time.Second,
		RequestTimeout:       30 * time.Second,
		SweepInterval:        250 * time.Millisecond,
		HeartbeatInterval:    2 * time.Minute,
		AutoReconnect:        true,
		MaxReconnectAttempts: 10,
		BackoffInitial:       2 * time.Second,
		BackoffMax:           60 * time.Second,
		ScanStaleAfter:       30 * time.Second,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ConfigTimeout <= 0 {
		c.ConfigTimeout = d.ConfigTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.ScanStaleAfter <= 0 {
		c.ScanStaleAfter = d.ScanStaleAfter
	}
}

type inboundChunk struct {
	link *transport.Link
	data []byte
}

// Manager owns the link lifecycle. All state lives on a single event loop;
// public methods post work onto it, so callers never block on the radio
// and two inbound notifications are never interleaved mid-decode.
type Manager struct {
	cfg   Config
	tr    transport.Transport
	clock Clock
	log   *zap.Logger
	bus   *bus.Bus
	codec *radio.Codec
	corr  *Correlator

	cmds    chan func()
	inbound chan inboundChunk
	done    chan struct{}

	// Loop-owned state. Only the run loop touches these.
	ctx         context.Context
	st          Status
	link        *transport.Link
	deframer    *radio.Deframer
	scanCh      <-chan transport.DiscoveredPeer
	discovered  map[transport.PeerID]transport.DiscoveredPeer
	info        *PeerInfo
	nonce       uint32
	configTimer Timer
	retryTimer  Timer
	heartbeat   Ticker
	bo          *backoff
	reconnectOn bool
	gen         int

	// Read-side snapshots for Status/Info/Peers.
	snapMu    sync.RWMutex
	snap      Status
	snapInfo  *PeerInfo
	snapPeers []transport.DiscoveredPeer
}

// NewManager wires a Manager. Transport, clock and logger are injected so
// tests run against a simulated radio and a fake clock.
func NewManager(cfg Config, tr transport.Transport, clock Clock, b *bus.Bus, log *zap.Logger) *Manager {
	cfg.fillDefaults()
	m := &Manager{
		cfg:        cfg,
		tr:         tr,
		clock:      clock,
		log:        log,
		bus:        b,
		codec:      radio.NewCodec(),
		cmds:       make(chan func(), 32),
		inbound:    make(chan inboundChunk, 256),
		done:       make(chan struct{}),
		st:         Status{State: StateIdle},
		deframer:   radio.NewDeframer(),
		discovered: make(map[transport.PeerID]transport.DiscoveredPeer),
		bo:         newBackoff(cfg.BackoffInitial, cfg.BackoffMax),
	}
	m.corr = NewCorrelator(clock, func(r Result) {
		m.bus.Publish(bus.Event{Type: bus.EventRequest, Data: RequestOutcome{
			ID:    r.ID,
			Label: r.Label,
			OK:    r.OK(),
			Error: errString(r.Err),
		}})
	})
	return m
}

// Run drives the event loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	m.publishSnapshot()

	sweep := m.clock.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil

		case fn := <-m.cmds:
			fn()

		case ev := <-m.tr.Events():
			m.onTransportEvent(ev)

		case p, ok := <-m.scanCh:
			if !ok {
				m.scanCh = nil
				continue
			}
			m.onPeerSighting(p)

		case ic := <-m.inbound:
			m.onChunk(ic)

		case <-timerC(m.configTimer):
			m.onConfigTimeout()

		case <-timerC(m.retryTimer):
			m.onRetryElapsed()

		case <-tickerC(m.heartbeat):
			if err := m.write(&radio.Command{Heartbeat: true}); err != nil {
				m.log.Debug("link: heartbeat", zap.Error(err))
			}

		case <-sweep.C():
			now := m.clock.Now()
			m.corr.Sweep(now)
			m.pruneStalePeers(now)
		}
	}
}

// ── command surface ───────────────────────────────────────────────────────

// StartScan begins peer discovery. Refused while a connection attempt or
// session is active, and with the transport's RadioUnavailable error while
// the radio is off (state stays Idle).
func (m *Manager) StartScan() error {
	return m.call(func() error {
		switch m.st.State {
		case StateIdle, StateScanning:
		default:
			return ErrBusy
		}
		ch, err := m.tr.Scan(m.ctx)
		if err != nil {
			le := m.fault(classifyTransportErr(err), err, "scan refused")
			if le.Kind == KindRadioUnavailable {
				m.setState(Status{State: StateIdle, Err: le})
			}
			return err
		}
		m.scanCh = ch
		if m.st.State != StateScanning {
			m.setState(Status{State: StateScanning})
		}
		return nil
	})
}

// StopScan halts discovery and releases the peer stream. No-op when not
// scanning.
func (m *Manager) StopScan() {
	_ = m.call(func() error {
		if m.scanCh != nil {
			m.tr.StopScan()
			m.scanCh = nil
		}
		if m.st.State == StateScanning {
			m.setState(Status{State: StateIdle})
		}
		return nil
	})
}

// Connect starts a connection attempt to peer. A second Connect while an
// attempt or session is in progress is rejected with ErrBusy and does not
// disturb the in-flight attempt.
func (m *Manager) Connect(peer transport.PeerID) error {
	return m.call(func() error {
		switch m.st.State {
		case StateIdle, StateScanning:
		case StateReconnecting:
			stopTimer(m.retryTimer)
			m.retryTimer = nil
		default:
			return ErrBusy
		}
		m.reconnectOn = m.cfg.AutoReconnect
		m.bo.reset()
		m.beginConnect(peer)
		return nil
	})
}

// Disconnect cancels whatever is in flight (scan, connect attempt,
// reconnect backoff or live session) and settles in Idle. Explicit
// cancellation wins: auto-reconnect stays off until the next Connect.
func (m *Manager) Disconnect() error {
	return m.call(func() error {
		m.reconnectOn = false
		m.gen++ // orphan any in-flight connect attempt
		stopTimer(m.retryTimer)
		m.retryTimer = nil
		if m.scanCh != nil {
			m.tr.StopScan()
			m.scanCh = nil
		}
		if m.link != nil {
			l := m.link
			m.setState(Status{State: StateDisconnecting, Peer: m.st.Peer})
			// Best-effort device notice before the link goes away.
			_ = m.write(&radio.Command{Disconnect: true})
			m.teardownLink()
			_ = m.tr.Disconnect(l)
		}
		m.corr.Abort(ErrLinkDropped)
		if m.st.State != StateIdle {
			m.setState(Status{State: StateIdle})
		}
		return nil
	})
}

// SendWantConfig re-requests the device configuration stream. During the
// automatic post-connect handshake this is driven internally; at most one
// handshake is in flight per connection.
func (m *Manager) SendWantConfig() error {
	return m.call(func() error {
		switch m.st.State {
		case StateConfiguring:
			return ErrBusy
		case StateReady:
			m.nonce = newNonce()
			return m.write(&radio.Command{WantConfigID: m.nonce})
		default:
			return ErrNotReady
		}
	})
}

// SendTraceRouteRequest probes the route to a destination node. When
// wantResponse is set, the reply is correlated and surfaced as a
// request-completed event. Returns false unless the command was written
// while Ready.
func (m *Manager) SendTraceRouteRequest(dest uint32, wantResponse bool) bool {
	err := m.call(func() error {
		if m.st.State != StateReady {
			return ErrNotReady
		}
		pkt := &radio.MeshPacket{
			ID:       newPacketID(),
			To:       dest,
			HopLimit: 7,
			Decoded: &radio.Data{
				PortNum:      radio.PortTraceroute,
				WantResponse: wantResponse,
			},
		}
		if err := m.write(&radio.Command{Packet: pkt}); err != nil {
			return err
		}
		if wantResponse {
			m.corr.Submit("traceroute",
				packetReplyMatcher(dest, pkt.ID, radio.PortTraceroute),
				m.cfg.RequestTimeout)
		}
		return nil
	})
	return err == nil
}

// RequestDeviceMetadata asks a node for its device metadata over the admin
// channel and returns the correlated request id. The outcome arrives as a
// request-completed event.
func (m *Manager) RequestDeviceMetadata(fromNode, toNode uint32, adminChannel uint32) (RequestID, error) {
	var id RequestID
	err := m.call(func() error {
		if m.st.State != StateReady {
			return ErrNotReady
		}
		pkt := &radio.MeshPacket{
			ID:      newPacketID(),
			From:    fromNode,
			To:      toNode,
			Channel: adminChannel,
			Decoded: &radio.Data{
				PortNum:      radio.PortAdmin,
				Payload:      radio.EncodeAdminGetMetadata(),
				WantResponse: true,
			},
		}
		if err := m.write(&radio.Command{Packet: pkt}); err != nil {
			return err
		}
		id, _ = m.corr.Submit("device_metadata",
			packetReplyMatcher(toNode, pkt.ID, radio.PortAdmin),
			m.cfg.RequestTimeout)
		return nil
	})
	return id, err
}

// SendDataMessage sends a text payload to a destination node (or
// radio.Broadcast). Returns false unless written while Ready.
func (m *Manager) SendDataMessage(payload []byte, dest uint32) bool {
	err := m.call(func() error {
		if m.st.State != StateReady {
			return ErrNotReady
		}
		pkt := &radio.MeshPacket{
			ID:      newPacketID(),
			To:      dest,
			WantAck: true,
			Decoded: &radio.Data{
				PortNum: radio.PortTextMessage,
				Payload: payload,
			},
		}
		return m.write(&radio.Command{Packet: pkt})
	})
	return err == nil
}

// SendHeartbeat writes an immediate keep-alive. The manager also sends
// one periodically while Ready.
func (m *Manager) SendHeartbeat() error {
	return m.call(func() error {
		if m.st.State != StateReady {
			return ErrNotReady
		}
		return m.write(&radio.Command{Heartbeat: true})
	})
}

// Status returns the current state snapshot.
func (m *Manager) Status() Status {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Info returns a copy of the connected peer's info, or nil when no link is
// established.
func (m *Manager) Info() *PeerInfo {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if m.snapInfo == nil {
		return nil
	}
	cp := *m.snapInfo
	return &cp
}

// Peers returns the live set of discovered peers.
func (m *Manager) Peers() []transport.DiscoveredPeer {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make([]transport.DiscoveredPeer, len(m.snapPeers))
	copy(out, m.snapPeers)
	return out
}

// PendingRequests reports how many correlated requests are outstanding.
func (m *Manager) PendingRequests() int { return m.corr.Len() }

// ── loop internals ────────────────────────────────────────────────────────

func (m *Manager) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case m.cmds <- func() { errc <- fn() }:
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-m.done:
		return ErrStopped
	}
}

func (m *Manager) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func (m *Manager) beginConnect(peer transport.PeerID) {
	if m.scanCh != nil {
		m.tr.StopScan()
		m.scanCh = nil
	}
	m.gen++
	gen := m.gen
	m.setState(Status{
		State:            StateConnecting,
		Peer:             peer,
		AttemptStartedAt: m.clock.Now(),
	})
	go func() {
		l, err := m.tr.Connect(m.ctx, peer, m.cfg.ConnectTimeout)
		m.post(func() { m.onConnectResult(gen, peer, l, err) })
	}()
}

func (m *Manager) onConnectResult(gen int, peer transport.PeerID, l *transport.Link, err error) {
	if gen != m.gen || m.st.State != StateConnecting {
		// Attempt was cancelled or superseded; release a stale link.
		if l != nil {
			_ = m.tr.Disconnect(l)
		}
		return
	}
	if err != nil {
		le := m.fault(classifyTransportErr(err), err, "connect failed")
		switch le.Kind {
		case KindRadioUnavailable, KindPairingInvalidated:
			m.reconnectOn = false
			m.setState(Status{State: StateIdle, Err: le})
		default:
			if m.reconnectOn {
				m.enterReconnecting(peer)
			} else {
				m.setState(Status{State: StateIdle, Err: le})
			}
		}
		return
	}

	m.link = l
	m.deframer.Reset()
	m.info = &PeerInfo{Peer: peer, ConnectedAt: m.clock.Now()}
	go m.pump(l, m.tr.Notifications(l))

	m.setState(Status{State: StateConfiguring, Peer: peer})
	m.startHandshake()
}

func (m *Manager) startHandshake() {
	m.nonce = newNonce()
	if err := m.write(&radio.Command{WantConfigID: m.nonce}); err != nil {
		m.log.Warn("link: want-config write", zap.Error(err))
	}
	stopTimer(m.configTimer)
	m.configTimer = m.clock.NewTimer(m.cfg.ConfigTimeout)
}

func (m *Manager) pump(l *transport.Link, ch <-chan []byte) {
	for chunk := range ch {
		select {
		case m.inbound <- inboundChunk{link: l, data: chunk}:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) onChunk(ic inboundChunk) {
	if m.link == nil || ic.link != m.link {
		return // stale reader from a previous link
	}
	frames, err := m.deframer.Push(ic.data)
	if err != nil {
		m.fault(KindMalformed, err, "frame reassembly")
	}
	for _, fr := range frames {
		env, err := m.codec.DecodeFrame(fr)
		if err != nil {
			// One bad frame never kills a live session.
			m.fault(KindMalformed, err, "frame discarded")
			continue
		}
		m.onEnvelope(env)
	}
}

func (m *Manager) onEnvelope(env *radio.Envelope) {
	switch m.st.State {
	case StateConfiguring:
		m.ingestConfig(env)
	case StateReady:
		if m.corr.Offer(env) {
			return
		}
		m.dispatch(env)
	default:
		// Unhandled state/event pair: defined no-op.
	}
}

// ingestConfig accumulates the configure stream until the completion
// marker carrying our nonce arrives.
func (m *Manager) ingestConfig(env *radio.Envelope) {
	switch env.Variant {
	case radio.VariantMyInfo:
		m.info.NodeNum = env.MyInfo.MyNodeNum
		m.info.MinAppVersion = env.MyInfo.MinAppVersion
		m.publishSnapshot()
		m.bus.Publish(bus.Event{Type: bus.EventMyInfo, Data: MyInfoUpdate{Info: env.MyInfo}})
	case radio.VariantNodeInfo:
		m.bus.Publish(bus.Event{Type: bus.EventNodeUpdate, Data: NodeUpdate{Info: env.NodeInfo}})
	case radio.VariantMetadata:
		m.info.FirmwareVersion = env.Metadata.FirmwareVersion
		m.publishSnapshot()
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Section: "metadata"}})
	case radio.VariantConfig:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Section: env.Config.Section.String()}})
	case radio.VariantModuleConfig:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Section: fmt.Sprintf("module(%d)", env.ModuleConfig.Section)}})
	case radio.VariantChannel:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Channel: env.Channel}})
	case radio.VariantLogRecord:
		m.bus.Publish(bus.Event{Type: bus.EventLogLine, Data: LogLine{Record: env.LogRecord}})
	case radio.VariantConfigComplete:
		if env.ConfigCompleteID != m.nonce {
			m.log.Debug("link: config complete id mismatch",
				zap.Uint32("got", env.ConfigCompleteID),
				zap.Uint32("want", m.nonce))
			return
		}
		stopTimer(m.configTimer)
		m.configTimer = nil
		m.bo.reset()
		if m.cfg.HeartbeatInterval > 0 {
			m.heartbeat = m.clock.NewTicker(m.cfg.HeartbeatInterval)
		}
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Complete: true}})
		m.setState(Status{State: StateReady, Peer: m.st.Peer})
	default:
		m.log.Debug("link: envelope dropped during configure",
			zap.String("variant", env.Variant.String()))
	}
}

// dispatch routes a Ready-state envelope to its typed sink. Unknown
// variants are dropped with a debug diagnostic, never an error.
func (m *Manager) dispatch(env *radio.Envelope) {
	switch env.Variant {
	case radio.VariantPacket:
		msg := Message{Packet: env.Packet}
		if d := env.Packet.Decoded; d != nil {
			msg.PortLabel = radio.MessageTypeLabel(d.PortNum)
			if d.PortNum == radio.PortTextMessage {
				msg.Text = string(d.Payload)
			}
		}
		m.bus.Publish(bus.Event{Type: bus.EventMessage, Data: msg})
	case radio.VariantNodeInfo:
		m.bus.Publish(bus.Event{Type: bus.EventNodeUpdate, Data: NodeUpdate{Info: env.NodeInfo}})
	case radio.VariantMyInfo:
		if m.info != nil {
			m.info.NodeNum = env.MyInfo.MyNodeNum
			m.publishSnapshot()
		}
		m.bus.Publish(bus.Event{Type: bus.EventMyInfo, Data: MyInfoUpdate{Info: env.MyInfo}})
	case radio.VariantConfig:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Section: env.Config.Section.String()}})
	case radio.VariantModuleConfig:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Section: fmt.Sprintf("module(%d)", env.ModuleConfig.Section)}})
	case radio.VariantChannel:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Channel: env.Channel}})
	case radio.VariantConfigComplete:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Complete: true}})
	case radio.VariantLogRecord:
		m.bus.Publish(bus.Event{Type: bus.EventLogLine, Data: LogLine{Record: env.LogRecord}})
	case radio.VariantQueueStatus:
		m.bus.Publish(bus.Event{Type: bus.EventQueueStatus, Data: QueueUpdate{Status: env.QueueStatus}})
	case radio.VariantMetadata:
		m.bus.Publish(bus.Event{Type: bus.EventConfigUpdate, Data: ConfigUpdate{Section: "metadata"}})
	case radio.VariantRebooted:
		m.log.Info("link: device rebooted")
	default:
		m.log.Debug("link: unhandled envelope variant - dropped",
			zap.String("variant", env.Variant.String()))
	}
}

func (m *Manager) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDisconnected:
		if m.link == nil || ev.Link != m.link {
			return // already handled or belongs to a dead link
		}
		peer := m.st.Peer
		prev := m.st.State
		m.teardownLink()

		switch prev {
		case StateReady, StateConfiguring:
			le := m.fault(classifyTransportErr(ev.Reason), ev.Reason, "link dropped")
			if le.Kind == KindPairingInvalidated {
				m.reconnectOn = false
				m.setState(Status{State: StateIdle, Err: le})
				return
			}
			if m.reconnectOn {
				m.enterReconnecting(peer)
			} else {
				m.setState(Status{State: StateIdle})
			}
		case StateDisconnecting:
			m.setState(Status{State: StateIdle})
		default:
			// Connect-phase failures surface via onConnectResult.
		}

	case transport.EventWriteFailed:
		if m.link != nil && ev.Link == m.link {
			m.fault(KindWriteFailed, ev.Reason, "write failed")
		}

	case transport.EventConnected:
		// The link handle arrives via the Connect call itself.
	}
}

func (m *Manager) onConfigTimeout() {
	if m.st.State != StateConfiguring {
		return
	}
	m.configTimer = nil
	peer := m.st.Peer
	l := m.link
	m.teardownLink()
	if l != nil {
		_ = m.tr.Disconnect(l)
	}
	m.fault(KindHandshakeTimeout, nil, fmt.Sprintf("no config-complete within %s", m.cfg.ConfigTimeout))
	if m.reconnectOn {
		m.enterReconnecting(peer)
	} else {
		m.setState(Status{State: StateIdle, Err: newLinkError(KindHandshakeTimeout, nil, "configure handshake stalled")})
	}
}

func (m *Manager) enterReconnecting(peer transport.PeerID) {
	if m.cfg.MaxReconnectAttempts > 0 && m.bo.attempts() >= m.cfg.MaxReconnectAttempts {
		le := m.fault(KindReconnectExhausted, nil,
			fmt.Sprintf("gave up after %d attempts", m.bo.attempts()))
		m.reconnectOn = false
		m.setState(Status{State: StateIdle, Err: le})
		return
	}
	target := peer
	if m.cfg.PreferredPeer != "" {
		target = m.cfg.PreferredPeer
	}
	delay := m.bo.next()
	stopTimer(m.retryTimer)
	m.retryTimer = m.clock.NewTimer(delay)
	m.setState(Status{
		State:       StateReconnecting,
		Peer:        target,
		Attempt:     m.bo.attempts(),
		NextRetryAt: m.clock.Now().Add(delay),
	})
}

func (m *Manager) onRetryElapsed() {
	if m.st.State != StateReconnecting {
		return
	}
	m.retryTimer = nil
	m.beginConnect(m.st.Peer)
}

func (m *Manager) onPeerSighting(p transport.DiscoveredPeer) {
	m.discovered[p.ID] = p
	m.publishSnapshot()
	m.bus.Publish(bus.Event{Type: bus.EventPeerDiscovered, Data: PeerSighting{Peer: p}})
}

func (m *Manager) pruneStalePeers(now time.Time) {
	if len(m.discovered) == 0 {
		return
	}
	changed := false
	for id, p := range m.discovered {
		if now.Sub(p.LastSeen) > m.cfg.ScanStaleAfter {
			delete(m.discovered, id)
			changed = true
		}
	}
	if changed {
		m.publishSnapshot()
	}
}

func (m *Manager) teardownLink() {
	m.link = nil
	m.info = nil
	stopTimer(m.configTimer)
	m.configTimer = nil
	stopTicker(m.heartbeat)
	m.heartbeat = nil
	m.deframer.Reset()
	m.corr.Abort(ErrLinkDropped)
	m.publishSnapshot()
}

func (m *Manager) shutdown() {
	if m.scanCh != nil {
		m.tr.StopScan()
		m.scanCh = nil
	}
	if m.link != nil {
		l := m.link
		m.teardownLink()
		_ = m.tr.Disconnect(l)
	}
	stopTimer(m.retryTimer)
	m.corr.Abort(ErrStopped)
	m.setState(Status{State: StateIdle})
	close(m.done)
}

func (m *Manager) write(cmd *radio.Command) error {
	if m.link == nil {
		return ErrNotReady
	}
	fr, err := m.codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return m.tr.Write(m.link, fr)
}

func (m *Manager) setState(next Status) {
	prev := m.st
	m.st = next
	m.publishSnapshot()
	m.log.Info("link: state",
		zap.String("from", prev.State.String()),
		zap.String("to", next.State.String()),
		zap.String("peer", string(next.Peer)))
	m.bus.Publish(bus.Event{Type: bus.EventLinkState, Data: StateChange{Previous: prev.State, Status: next}})
}

func (m *Manager) publishSnapshot() {
	m.snapMu.Lock()
	m.snap = m.st
	if m.info != nil {
		cp := *m.info
		m.snapInfo = &cp
	} else {
		m.snapInfo = nil
	}
	peers := make([]transport.DiscoveredPeer, 0, len(m.discovered))
	for _, p := range m.discovered {
		peers = append(peers, p)
	}
	m.snapPeers = peers
	m.snapMu.Unlock()
}

func (m *Manager) fault(kind ErrorKind, err error, detail string) *LinkError {
	if err != nil {
		detail = fmt.Sprintf("%s: %v", detail, err)
	}
	le := &LinkError{Kind: kind, Detail: detail, Err: err}
	m.log.Warn("link: fault", zap.String("kind", string(kind)), zap.String("detail", detail))
	m.bus.Publish(bus.Event{Type: bus.EventError, Data: Fault{Kind: kind, Detail: detail}})
	return le
}

// packetReplyMatcher matches a decoded packet from a given node on a given
// port whose request id echoes the outbound packet id.
func packetReplyMatcher(from, requestID uint32, port radio.PortNum) Matcher {
	return func(env *radio.Envelope) bool {
		if env.Variant != radio.VariantPacket || env.Packet == nil || env.Packet.Decoded == nil {
			return false
		}
		p := env.Packet
		return p.From == from &&
			p.Decoded.PortNum == port &&
			p.Decoded.RequestID == requestID
	}
}

func newPacketID() uint32 { return rand.Uint32() | 1 }

func newNonce() uint32 { return rand.Uint32() | 1 }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
