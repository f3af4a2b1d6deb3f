// Package gateway wires the daemon together: storage, the node roster,
// the device link and the HTTP surface, all joined through the event bus.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/api"
	"github.com/meshcommons/meshlink/internal/bus"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/link"
	"github.com/meshcommons/meshlink/internal/state"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
)

// Gateway is the central application service.
type Gateway struct {
	cfg    *config.Config
	db     *store.DB
	log    *zap.Logger
	bus    *bus.Bus
	nodes  *state.Manager
	mgr    *link.Manager
	server *http.Server
}

// New constructs a Gateway without starting it: opens and migrates the
// database, hydrates the roster, and builds the link manager over the
// configured transport.
func New(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	nodes, err := state.New(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	var tr transport.Transport
	switch cfg.Transport {
	case "sim":
		tr = transport.NewSimTransport(log)
	default:
		tr = transport.NewTCPTransport(cfg.DeviceAddr, log)
	}

	preferred, err := db.PreferredRadio()
	if err != nil {
		db.Close()
		return nil, err
	}

	b := bus.New()
	mgr := link.NewManager(link.Config{
		ConnectTimeout:       cfg.ConnectTimeout,
		ConfigTimeout:        cfg.ConfigTimeout,
		RequestTimeout:       cfg.RequestTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		AutoReconnect:        cfg.AutoReconnect,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BackoffInitial:       cfg.BackoffInitial,
		BackoffMax:           cfg.BackoffMax,
		PreferredPeer:        transport.PeerID(preferred),
	}, tr, link.SystemClock(), b, log)

	router := api.NewRouter(db, nodes, mgr, b.Subscribe, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Gateway{
		cfg:    cfg,
		db:     db,
		log:    log,
		bus:    b,
		nodes:  nodes,
		mgr:    mgr,
		server: srv,
	}, nil
}

// Start launches all subsystems and blocks until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	defer g.db.Close()

	go func() {
		if err := g.mgr.Run(ctx); err != nil {
			g.log.Error("gateway: link manager", zap.Error(err))
		}
	}()
	go g.ingestLoop(ctx)

	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.ListenAddr, err)
	}
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	// Serve HTTP in background; shut down on ctx cancel.
	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.log.Info("context cancelled - shutting down gateway")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}

// ingestLoop feeds link events into the roster and message history.
func (g *Gateway) ingestLoop(ctx context.Context) {
	events, unsub := g.bus.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			g.ingest(e)
		}
	}
}

func (g *Gateway) ingest(e bus.Event) {
	switch e.Type {
	case bus.EventMessage:
		msg, ok := e.Data.(link.Message)
		if !ok || msg.Packet == nil {
			return
		}
		g.nodes.MarkHeard(msg.Packet.From, e.Timestamp)
		row := &store.Message{
			MeshID:     msg.Packet.ID,
			FromNode:   msg.Packet.From,
			ToNode:     msg.Packet.To,
			Channel:    msg.Packet.Channel,
			Port:       msg.PortLabel,
			Text:       msg.Text,
			RxSNR:      float64(msg.Packet.RxSNR),
			RxRSSI:     msg.Packet.RxRSSI,
			ReceivedAt: e.Timestamp,
		}
		if d := msg.Packet.Decoded; d != nil {
			row.Payload = d.Payload
		}
		if _, err := g.db.InsertMessage(row); err != nil {
			g.log.Warn("ingest: store message", zap.Error(err))
		}

	case bus.EventNodeUpdate:
		upd, ok := e.Data.(link.NodeUpdate)
		if !ok || upd.Info == nil {
			return
		}
		if err := g.nodes.ApplyNodeInfo(upd.Info); err != nil {
			g.log.Warn("ingest: node update", zap.Error(err))
		}

	case bus.EventLinkState:
		sc, ok := e.Data.(link.StateChange)
		if !ok {
			return
		}
		if sc.Status.State == link.StateReady {
			name := ""
			if info := g.mgr.Info(); info != nil {
				name = fmt.Sprintf("!%08x", info.NodeNum)
			}
			if err := g.db.RememberRadio(string(sc.Status.Peer), name, e.Timestamp); err != nil {
				g.log.Warn("ingest: remember radio", zap.Error(err))
			}
		}
	}
}
