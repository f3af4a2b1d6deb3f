package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimScanRequiresPower(t *testing.T) {
	s := NewSimTransport(zap.NewNop())
	s.SetPoweredOn(false)

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrRadioUnavailable)
}

func TestSimScanStreamsPeers(t *testing.T) {
	s := NewSimTransport(zap.NewNop())
	s.AddPeer(DiscoveredPeer{ID: "peer-a", Name: "Alpha", RSSI: -60})

	ch, err := s.Scan(context.Background())
	require.NoError(t, err)

	p := <-ch
	assert.Equal(t, PeerID("peer-a"), p.ID)

	// Peers appearing mid-scan are streamed too.
	s.AddPeer(DiscoveredPeer{ID: "peer-b", Name: "Bravo", RSSI: -80})
	p = <-ch
	assert.Equal(t, PeerID("peer-b"), p.ID)

	// Stopping closes the stream; no discoveries leak afterwards.
	s.StopScan()
	_, open := <-ch
	assert.False(t, open)
}

func TestSimConnectWriteNotify(t *testing.T) {
	s := NewSimTransport(zap.NewNop())
	s.SetResponder(func(frame []byte) [][]byte {
		return [][]byte{append([]byte("echo:"), frame...)}
	})

	link, err := s.Connect(context.Background(), "peer-a", time.Second)
	require.NoError(t, err)

	ev := <-s.Events()
	assert.Equal(t, EventConnected, ev.Kind)

	require.NoError(t, s.Write(link, []byte("ping")))
	assert.Equal(t, [][]byte{[]byte("ping")}, s.Writes())

	chunk := <-s.Notifications(link)
	assert.Equal(t, []byte("echo:ping"), chunk)
}

func TestSimConnectTimeoutWhileHeld(t *testing.T) {
	s := NewSimTransport(zap.NewNop())
	release := s.HoldConnects()
	defer release()

	_, err := s.Connect(context.Background(), "peer-a", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

func TestSimConnectReplacesPriorLink(t *testing.T) {
	s := NewSimTransport(zap.NewNop())

	first, err := s.Connect(context.Background(), "peer-a", time.Second)
	require.NoError(t, err)
	<-s.Events() // connected

	second, err := s.Connect(context.Background(), "peer-b", time.Second)
	require.NoError(t, err)

	// Old link was aborted before the new one came up.
	ev := <-s.Events()
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, first, ev.Link)
	ev = <-s.Events()
	assert.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, second, ev.Link)

	assert.ErrorIs(t, s.Write(first, []byte("late")), ErrLinkClosed)
	assert.NoError(t, s.Write(second, []byte("ok")))
}

func TestSimDropLink(t *testing.T) {
	s := NewSimTransport(zap.NewNop())
	link, err := s.Connect(context.Background(), "peer-a", time.Second)
	require.NoError(t, err)
	<-s.Events()

	notif := s.Notifications(link)
	s.DropLink(assert.AnError)

	_, open := <-notif
	assert.False(t, open)
	ev := <-s.Events()
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, assert.AnError, ev.Reason)
}

func TestSimDisconnectIdempotent(t *testing.T) {
	s := NewSimTransport(zap.NewNop())
	link, err := s.Connect(context.Background(), "peer-a", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Disconnect(link))
	require.NoError(t, s.Disconnect(link))
}
