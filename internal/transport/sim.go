package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const simChunkChanSize = 64

// Responder is a scripted peripheral: it receives every frame written by
// the host and returns the frames the device answers with. Returned frames
// are delivered as notifications in order.
type Responder func(frame []byte) [][]byte

// SimTransport is an in-memory Transport with a scriptable peripheral.
// Tests and demo mode drive the whole link stack through it: radio power,
// advertisements, connect failures, notification injection and link drops
// are all under caller control.
type SimTransport struct {
	log *zap.Logger

	mu         sync.Mutex
	poweredOn  bool
	peers      []DiscoveredPeer
	connectErr error
	holdConn   chan struct{} // non-nil: Connect blocks until released
	responder  Responder
	cur        *simLink
	scanOut    chan DiscoveredPeer
	scanCancel context.CancelFunc
	writes     [][]byte

	events chan Event
}

type simLink struct {
	link   *Link
	chunks chan []byte
	closed bool
}

// NewSimTransport returns a powered-on simulated transport with no peers.
func NewSimTransport(log *zap.Logger) *SimTransport {
	return &SimTransport{
		log:       log,
		poweredOn: true,
		events:    make(chan Event, tcpEventChanSize),
	}
}

// ── scripting surface ─────────────────────────────────────────────────────

// SetPoweredOn flips the simulated radio power state.
func (s *SimTransport) SetPoweredOn(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poweredOn = on
}

// AddPeer registers an advertising peer. If a scan is active the peer is
// also delivered to it immediately.
func (s *SimTransport) AddPeer(p DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	s.peers = append(s.peers, p)
	if s.scanOut != nil {
		select {
		case s.scanOut <- p:
		default:
		}
	}
}

// FailConnects makes every subsequent Connect return err (nil restores
// normal behaviour).
func (s *SimTransport) FailConnects(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// HoldConnects makes Connect block until the returned release function is
// called, so callers can observe the connecting window or force a timeout.
func (s *SimTransport) HoldConnects() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.holdConn = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// SetResponder installs the scripted peripheral.
func (s *SimTransport) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// Inject delivers raw notification chunks on the active link.
func (s *SimTransport) Inject(chunks ...[]byte) error {
	s.mu.Lock()
	tl := s.cur
	s.mu.Unlock()
	if tl == nil {
		return ErrLinkClosed
	}
	for _, c := range chunks {
		tl.chunks <- c
	}
	return nil
}

// DropLink severs the active link as if the peer walked away.
func (s *SimTransport) DropLink(reason error) {
	s.mu.Lock()
	tl := s.cur
	s.cur = nil
	s.mu.Unlock()
	if tl == nil {
		return
	}
	close(tl.chunks)
	s.emit(Event{Kind: EventDisconnected, Link: tl.link, Reason: reason})
}

// Writes returns a snapshot of every frame the host has written.
func (s *SimTransport) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// ── Transport implementation ──────────────────────────────────────────────

func (s *SimTransport) Scan(ctx context.Context) (<-chan DiscoveredPeer, error) {
	s.mu.Lock()
	if !s.poweredOn {
		s.mu.Unlock()
		return nil, ErrRadioUnavailable
	}
	if s.scanCancel != nil {
		s.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(ctx)
	s.scanCancel = cancel
	out := make(chan DiscoveredPeer, 16)
	s.scanOut = out
	known := append([]DiscoveredPeer(nil), s.peers...)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			if s.scanOut == out {
				s.scanOut = nil
			}
			s.mu.Unlock()
			close(out)
		}()
		for _, p := range known {
			select {
			case out <- p:
			case <-scanCtx.Done():
				return
			}
		}
		<-scanCtx.Done()
	}()
	return out, nil
}

func (s *SimTransport) StopScan() {
	s.mu.Lock()
	cancel := s.scanCancel
	s.scanCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *SimTransport) Connect(ctx context.Context, peer PeerID, timeout time.Duration) (*Link, error) {
	s.mu.Lock()
	if !s.poweredOn {
		s.mu.Unlock()
		return nil, ErrRadioUnavailable
	}
	if err := s.connectErr; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	hold := s.holdConn
	prev := s.cur
	s.cur = nil
	s.mu.Unlock()

	if prev != nil {
		close(prev.chunks)
		s.emit(Event{Kind: EventDisconnected, Link: prev.link})
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, peer)
		case <-time.After(timeout):
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, peer)
		}
	}

	tl := &simLink{
		link:   &Link{ID: uuid.New(), Peer: peer, Opened: time.Now().UTC()},
		chunks: make(chan []byte, simChunkChanSize),
	}
	s.mu.Lock()
	s.cur = tl
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debug("sim: connected", zap.String("peer", string(peer)))
	}
	s.emit(Event{Kind: EventConnected, Link: tl.link})
	return tl.link, nil
}

func (s *SimTransport) Write(link *Link, frame []byte) error {
	s.mu.Lock()
	tl := s.cur
	if tl == nil || tl.link != link {
		s.mu.Unlock()
		return ErrLinkClosed
	}
	s.writes = append(s.writes, append([]byte(nil), frame...))
	r := s.responder
	s.mu.Unlock()

	if r != nil {
		for _, reply := range r(frame) {
			select {
			case tl.chunks <- reply:
			default:
				if s.log != nil {
					s.log.Warn("sim: chunk channel full - dropping reply")
				}
			}
		}
	}
	return nil
}

func (s *SimTransport) Notifications(link *Link) <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.link == link {
		return s.cur.chunks
	}
	closed := make(chan []byte)
	close(closed)
	return closed
}

func (s *SimTransport) Events() <-chan Event { return s.events }

func (s *SimTransport) Disconnect(link *Link) error {
	s.mu.Lock()
	tl := s.cur
	if tl == nil || tl.link != link {
		s.mu.Unlock()
		return nil
	}
	s.cur = nil
	s.mu.Unlock()

	close(tl.chunks)
	s.emit(Event{Kind: EventDisconnected, Link: tl.link})
	return nil
}

func (s *SimTransport) emit(e Event) {
	select {
	case s.events <- e:
	default:
		if s.log != nil {
			s.log.Warn("sim: event channel full - dropping event",
				zap.String("kind", e.Kind.String()))
		}
	}
}
