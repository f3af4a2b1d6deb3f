package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	tcpReadBufSize   = 4096
	tcpChunkChanSize = 256
	tcpEventChanSize = 32
)

// TCPTransport talks to a mesh device over its TCP stream port (default
// :4403). The network is "always powered"; scanning simply advertises the
// configured address so the state machine can treat TCP and BLE uniformly.
type TCPTransport struct {
	addr string
	log  *zap.Logger

	events chan Event

	mu         sync.Mutex
	cur        *tcpLink
	scanCancel context.CancelFunc

	writeMu sync.Mutex
}

type tcpLink struct {
	link   *Link
	conn   net.Conn
	chunks chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTCPTransport constructs a TCPTransport for one device address.
func NewTCPTransport(addr string, log *zap.Logger) *TCPTransport {
	return &TCPTransport{
		addr:   addr,
		log:    log,
		events: make(chan Event, tcpEventChanSize),
	}
}

func (t *TCPTransport) Scan(ctx context.Context) (<-chan DiscoveredPeer, error) {
	t.mu.Lock()
	if t.scanCancel != nil {
		t.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(ctx)
	t.scanCancel = cancel
	t.mu.Unlock()

	out := make(chan DiscoveredPeer, 1)
	go func() {
		defer close(out)
		// A TCP device does not advertise; report the configured address
		// once and hold the stream open until the scan is stopped.
		select {
		case out <- DiscoveredPeer{
			ID:       PeerID(t.addr),
			Name:     "tcp:" + t.addr,
			LastSeen: time.Now().UTC(),
		}:
		case <-scanCtx.Done():
			return
		}
		<-scanCtx.Done()
	}()
	return out, nil
}

func (t *TCPTransport) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
}

func (t *TCPTransport) Connect(ctx context.Context, peer PeerID, timeout time.Duration) (*Link, error) {
	// At most one active link: abort any prior one first.
	t.mu.Lock()
	if prev := t.cur; prev != nil {
		t.cur = nil
		t.mu.Unlock()
		t.teardown(prev, nil)
		t.mu.Lock()
	}
	t.mu.Unlock()

	d := net.Dialer{Timeout: timeout}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", string(peer))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, peer)
		}
		return nil, fmt.Errorf("tcp: dial %s: %w", peer, err)
	}

	linkCtx, linkCancel := context.WithCancel(context.Background())
	tl := &tcpLink{
		link:   &Link{ID: uuid.New(), Peer: peer, Opened: time.Now().UTC()},
		conn:   conn,
		chunks: make(chan []byte, tcpChunkChanSize),
		cancel: linkCancel,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.cur = tl
	t.mu.Unlock()

	go t.readLoop(linkCtx, tl)

	t.log.Info("tcp: connected", zap.String("addr", string(peer)), zap.String("link", tl.link.ID.String()))
	t.emit(Event{Kind: EventConnected, Link: tl.link})
	return tl.link, nil
}

func (t *TCPTransport) Write(link *Link, frame []byte) error {
	t.mu.Lock()
	tl := t.cur
	t.mu.Unlock()
	if tl == nil || tl.link != link {
		return ErrLinkClosed
	}

	// One write in flight at a time; completion order follows call order.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := tl.conn.Write(frame); err != nil {
		wrapped := fmt.Errorf("tcp: send: %w", err)
		t.emit(Event{Kind: EventWriteFailed, Link: link, Reason: wrapped})
		return wrapped
	}
	return nil
}

func (t *TCPTransport) Notifications(link *Link) <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil && t.cur.link == link {
		return t.cur.chunks
	}
	closed := make(chan []byte)
	close(closed)
	return closed
}

func (t *TCPTransport) Events() <-chan Event { return t.events }

func (t *TCPTransport) Disconnect(link *Link) error {
	t.mu.Lock()
	tl := t.cur
	if tl == nil || tl.link != link {
		t.mu.Unlock()
		return nil
	}
	t.cur = nil
	t.mu.Unlock()

	t.teardown(tl, nil)
	return nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *TCPTransport) readLoop(ctx context.Context, tl *tcpLink) {
	defer close(tl.done)
	defer close(tl.chunks)

	go func() {
		<-ctx.Done()
		tl.conn.Close()
	}()

	buf := make([]byte, tcpReadBufSize)
	for {
		n, err := tl.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			// A dropped chunk would desynchronize the length-prefixed
			// stream, so a slow consumer backpressures the socket instead.
			select {
			case tl.chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				// Graceful teardown; Disconnect reports it.
				return
			}
			t.log.Debug("tcp: read", zap.Error(err))
			t.mu.Lock()
			if t.cur == tl {
				t.cur = nil
			}
			t.mu.Unlock()
			t.emit(Event{Kind: EventDisconnected, Link: tl.link, Reason: fmt.Errorf("tcp: read: %w", err)})
			return
		}
	}
}

func (t *TCPTransport) teardown(tl *tcpLink, reason error) {
	tl.cancel()
	tl.conn.Close()
	<-tl.done
	t.emit(Event{Kind: EventDisconnected, Link: tl.link, Reason: reason})
}

func (t *TCPTransport) emit(e Event) {
	select {
	case t.events <- e:
	default:
		t.log.Warn("tcp: event channel full - dropping event",
			zap.String("kind", e.Kind.String()))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
