package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDevice accepts TCP connections and echoes writes back.
type fakeDevice struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDevice{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.mu.Lock()
			d.conns = append(d.conns, conn)
			d.mu.Unlock()
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						c.Close()
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		d.closeAll()
	})
	return d
}

func (d *fakeDevice) addr() string { return d.ln.Addr().String() }

func (d *fakeDevice) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

func TestTCPConnectWriteEcho(t *testing.T) {
	dev := newFakeDevice(t)
	tr := NewTCPTransport(dev.addr(), zap.NewNop())

	link, err := tr.Connect(context.Background(), PeerID(dev.addr()), 2*time.Second)
	require.NoError(t, err)
	defer tr.Disconnect(link)

	ev := <-tr.Events()
	assert.Equal(t, EventConnected, ev.Kind)

	require.NoError(t, tr.Write(link, []byte{0x00, 0x00, 0x00, 0x01, 0x42}))

	select {
	case chunk := <-tr.Notifications(link):
		assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x42}, chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestTCPConnectTimeout(t *testing.T) {
	// RFC 5737 TEST-NET address: unroutable on a normal network, so the
	// dial hangs until the deadline. Some environments answer or refuse
	// instead; only a genuine hang exercises the timeout path.
	tr := NewTCPTransport("192.0.2.1:4403", zap.NewNop())

	start := time.Now()
	link, err := tr.Connect(context.Background(), "192.0.2.1:4403", 100*time.Millisecond)
	if err == nil {
		tr.Disconnect(link)
		t.Skip("test-net address accepted the connection")
	}
	if !errors.Is(err, ErrConnectTimeout) {
		t.Skipf("dial failed before the deadline: %v", err)
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTCPSlowConsumerKeepsStreamIntact(t *testing.T) {
	dev := newFakeDevice(t)
	tr := NewTCPTransport(dev.addr(), zap.NewNop())

	link, err := tr.Connect(context.Background(), PeerID(dev.addr()), 2*time.Second)
	require.NoError(t, err)
	defer tr.Disconnect(link)
	<-tr.Events() // connected

	// Push far more chunks than the notification channel buffers while
	// nobody is reading. Every byte must still come out, in order; a
	// shed chunk would leave the length-prefixed stream unparseable.
	const frames = tcpChunkChanSize * 3
	var want []byte
	for i := 0; i < frames; i++ {
		f := []byte{0x00, 0x00, 0x00, 0x01, byte(i)}
		want = append(want, f...)
		require.NoError(t, tr.Write(link, f))
	}
	time.Sleep(200 * time.Millisecond)

	var got []byte
	notif := tr.Notifications(link)
	deadline := time.After(5 * time.Second)
	for len(got) < len(want) {
		select {
		case chunk := <-notif:
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("stream stalled after %d of %d bytes", len(got), len(want))
		}
	}
	assert.Equal(t, want, got)
}

func TestTCPDisconnectEmitsEvent(t *testing.T) {
	dev := newFakeDevice(t)
	tr := NewTCPTransport(dev.addr(), zap.NewNop())

	link, err := tr.Connect(context.Background(), PeerID(dev.addr()), 2*time.Second)
	require.NoError(t, err)
	<-tr.Events() // connected

	require.NoError(t, tr.Disconnect(link))
	ev := <-tr.Events()
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.NoError(t, ev.Reason)

	assert.ErrorIs(t, tr.Write(link, []byte{0x01}), ErrLinkClosed)
}

func TestTCPPeerDroppedMidSession(t *testing.T) {
	dev := newFakeDevice(t)
	tr := NewTCPTransport(dev.addr(), zap.NewNop())

	link, err := tr.Connect(context.Background(), PeerID(dev.addr()), 2*time.Second)
	require.NoError(t, err)
	<-tr.Events() // connected

	dev.closeAll()
	notif := tr.Notifications(link)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == EventDisconnected {
				assert.Error(t, ev.Reason)
				return
			}
		case _, open := <-notif:
			if !open {
				notif = nil
			}
		case <-deadline:
			t.Fatal("disconnect event never surfaced")
		}
	}
}

func TestTCPScanReportsConfiguredAddress(t *testing.T) {
	tr := NewTCPTransport("10.0.0.5:4403", zap.NewNop())

	ch, err := tr.Scan(context.Background())
	require.NoError(t, err)

	p := <-ch
	assert.Equal(t, PeerID("10.0.0.5:4403"), p.ID)
	assert.Equal(t, "tcp:10.0.0.5:4403", p.Name)

	tr.StopScan()
	_, open := <-ch
	assert.False(t, open)
}
