// Package api implements the REST surface for meshlink.
//
// Routes:
//   GET    /api/v1/nodes             — list the node roster
//   GET    /api/v1/nodes/{id}        — single node detail
//   GET    /api/v1/messages          — message history
//   POST   /api/v1/messages          — send a text message over the mesh
//   GET    /api/v1/link              — link status and connected peer info
//   POST   /api/v1/link/scan         — start peer discovery
//   DELETE /api/v1/link/scan         — stop peer discovery
//   GET    /api/v1/link/peers        — peers seen by the current scan
//   POST   /api/v1/link/connect      — connect to a peer
//   POST   /api/v1/link/disconnect   — tear the link down
//   POST   /api/v1/link/refresh      — re-request device configuration
//   POST   /api/v1/link/heartbeat    — immediate keep-alive
//   POST   /api/v1/link/traceroute   — probe the route to a node
//   POST   /api/v1/link/metadata     — request a node's device metadata
//   GET    /api/v1/radios            — remembered radios
//   PUT    /api/v1/radios/preferred  — set the auto-reconnect target
//   GET    /api/v1/status            — daemon health
//   GET    /api/v1/events            — WebSocket live event stream
//
// Framework: standard library net/http method patterns, gorilla/websocket
// for the event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/bus"
	"github.com/meshcommons/meshlink/internal/link"
	"github.com/meshcommons/meshlink/internal/radio"
	"github.com/meshcommons/meshlink/internal/state"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
)

// LinkController is the slice of the link manager the API drives.
type LinkController interface {
	Status() link.Status
	Info() *link.PeerInfo
	Peers() []transport.DiscoveredPeer
	PendingRequests() int
	StartScan() error
	StopScan()
	Connect(peer transport.PeerID) error
	Disconnect() error
	SendWantConfig() error
	SendDataMessage(payload []byte, dest uint32) bool
	SendHeartbeat() error
	SendTraceRouteRequest(dest uint32, wantResponse bool) bool
	RequestDeviceMetadata(fromNode, toNode, adminChannel uint32) (link.RequestID, error)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	db          *store.DB
	nodes       *state.Manager
	ctrl        LinkController
	subscribeFn func() (<-chan bus.Event, func())
	log         *zap.Logger
	started     time.Time
}

// NewRouter wires all /api/v1/* routes and returns an http.Handler.
// subFn is called for each new WebSocket client; it must return an event
// channel and an unsubscribe function.
func NewRouter(
	db *store.DB,
	nodes *state.Manager,
	ctrl LinkController,
	subFn func() (<-chan bus.Event, func()),
	log *zap.Logger,
) http.Handler {
	s := &Server{db: db, nodes: nodes, ctrl: ctrl, subscribeFn: subFn, log: log, started: time.Now().UTC()}

	mux := http.NewServeMux()

	// Nodes
	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.getNode)

	// Messages
	mux.HandleFunc("GET /api/v1/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/messages", s.sendMessage)

	// Link control
	mux.HandleFunc("GET /api/v1/link", s.linkStatus)
	mux.HandleFunc("POST /api/v1/link/scan", s.startScan)
	mux.HandleFunc("DELETE /api/v1/link/scan", s.stopScan)
	mux.HandleFunc("GET /api/v1/link/peers", s.listPeers)
	mux.HandleFunc("POST /api/v1/link/connect", s.connect)
	mux.HandleFunc("POST /api/v1/link/disconnect", s.disconnect)
	mux.HandleFunc("POST /api/v1/link/refresh", s.refreshConfig)
	mux.HandleFunc("POST /api/v1/link/heartbeat", s.heartbeat)
	mux.HandleFunc("POST /api/v1/link/traceroute", s.traceroute)
	mux.HandleFunc("POST /api/v1/link/metadata", s.deviceMetadata)

	// Remembered radios
	mux.HandleFunc("GET /api/v1/radios", s.listRadios)
	mux.HandleFunc("PUT /api/v1/radios/preferred", s.setPreferredRadio)

	// Status / health
	mux.HandleFunc("GET /api/v1/status", s.status)

	// WebSocket event stream
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.nodes.ListNodes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	nodeNum, err := parseNodeID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	node, ok := s.nodes.GetNode(nodeNum)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ── Messages ──────────────────────────────────────────────────────────────

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msgs, err := s.db.ListMessages(limit)
	if err != nil {
		s.log.Error("api: list messages", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	Text   string `json:"text"`
	ToNode string `json:"to_node,omitempty"` // decimal, "!hex", or empty for broadcast
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	dest := radio.Broadcast
	if req.ToNode != "" {
		n, err := parseNodeID(req.ToNode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dest = n
	}
	if !s.ctrl.SendDataMessage([]byte(req.Text), dest) {
		http.Error(w, "link not ready", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "sent"})
}

// ── Link control ──────────────────────────────────────────────────────────

func (s *Server) linkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           s.ctrl.Status(),
		"peer_info":        s.ctrl.Info(),
		"pending_requests": s.ctrl.PendingRequests(),
	})
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartScan(); err != nil {
		writeLinkErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "scanning"})
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopScan()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "stopped"})
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.ctrl.Peers()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

type connectRequest struct {
	PeerID string `json:"peer_id"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peer_id required", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.Connect(transport.PeerID(req.PeerID)); err != nil {
		writeLinkErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "connecting", "peer_id": req.PeerID})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Disconnect(); err != nil {
		writeLinkErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "disconnected"})
}

func (s *Server) refreshConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SendWantConfig(); err != nil {
		writeLinkErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "refreshing"})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SendHeartbeat(); err != nil {
		writeLinkErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "sent"})
}

type tracerouteRequest struct {
	Dest         string `json:"dest"`
	WantResponse bool   `json:"want_response"`
}

func (s *Server) traceroute(w http.ResponseWriter, r *http.Request) {
	var req tracerouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	dest, err := parseNodeID(req.Dest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.ctrl.SendTraceRouteRequest(dest, req.WantResponse) {
		http.Error(w, "link not ready", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "sent"})
}

type metadataRequest struct {
	ToNode  string `json:"to_node"`
	Channel uint32 `json:"channel"`
}

func (s *Server) deviceMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	toNode, err := parseNodeID(req.ToNode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info := s.ctrl.Info()
	if info == nil {
		http.Error(w, "link not ready", http.StatusConflict)
		return
	}
	id, err := s.ctrl.RequestDeviceMetadata(info.NodeNum, toNode, req.Channel)
	if err != nil {
		writeLinkErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"request_id": id})
}

// ── Radios ────────────────────────────────────────────────────────────────

func (s *Server) listRadios(w http.ResponseWriter, r *http.Request) {
	radios, err := s.db.ListRadios()
	if err != nil {
		s.log.Error("api: list radios", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"radios": radios})
}

type preferredRadioRequest struct {
	PeerID string `json:"peer_id"`
}

func (s *Server) setPreferredRadio(w http.ResponseWriter, r *http.Request) {
	var req preferredRadioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peer_id required", http.StatusBadRequest)
		return
	}
	if err := s.db.SetPreferredRadio(req.PeerID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"preferred": req.PeerID})
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"node_count": s.nodes.NodeCount(),
		"link_state": s.ctrl.Status().State,
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribeFn()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeLinkErr maps link-layer sentinels onto HTTP status codes.
func writeLinkErr(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case err == nil:
		return
	case errors.Is(err, link.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, link.ErrNotReady):
		code = http.StatusConflict
	case errors.Is(err, transport.ErrRadioUnavailable):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

// parseNodeID accepts both decimal and canonical "!hex" node ids.
func parseNodeID(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("node id required")
	}
	if strings.HasPrefix(s, "!") {
		n, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", s)
		}
		return uint32(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return uint32(n), nil
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
