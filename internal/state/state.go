// Package state keeps the live node roster: a hot in-memory index fed by
// the device link, persisted through the store package so the roster
// survives restarts.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshcommons/meshlink/internal/radio"
	"github.com/meshcommons/meshlink/internal/store"
)

// Node is a known mesh participant.
type Node struct {
	NodeNum   uint32  `json:"node_num"`
	NodeIDHex string  `json:"node_id"` // e.g. "!deadbeef"
	LongName  string  `json:"long_name,omitempty"`
	ShortName string  `json:"short_name,omitempty"`
	HWModel   uint32  `json:"hw_model,omitempty"`
	SNR       float32 `json:"snr,omitempty"`
	HopsAway  uint32  `json:"hops_away,omitempty"`

	LastHeard time.Time `json:"last_heard"`

	// Latest telemetry
	BatteryLevel uint32  `json:"battery_level,omitempty"`
	Voltage      float32 `json:"voltage,omitempty"`

	// Latest position, degrees
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`
	Alt int32   `json:"alt,omitempty"`
}

// Manager holds the node roster. All exported methods are safe for
// concurrent use.
type Manager struct {
	db    *store.DB
	mu    sync.RWMutex
	nodes map[uint32]*Node // keyed by numeric node number
}

// New creates a Manager and hydrates the node cache from the database.
func New(db *store.DB) (*Manager, error) {
	m := &Manager{
		db:    db,
		nodes: make(map[uint32]*Node),
	}
	if err := m.loadNodes(); err != nil {
		return nil, fmt.Errorf("state: load nodes: %w", err)
	}
	return m, nil
}

// ApplyNodeInfo folds a node-info update from the device into the roster,
// in memory and in SQLite.
func (m *Manager) ApplyNodeInfo(info *radio.NodeInfo) error {
	if info == nil || info.Num == 0 {
		return fmt.Errorf("state: node number must not be zero")
	}

	m.mu.Lock()
	n, ok := m.nodes[info.Num]
	if !ok {
		n = &Node{NodeNum: info.Num, NodeIDHex: fmt.Sprintf("!%08x", info.Num)}
		m.nodes[info.Num] = n
	}
	if u := info.User; u != nil {
		if u.ID != "" {
			n.NodeIDHex = u.ID
		}
		n.LongName = u.LongName
		n.ShortName = u.ShortName
		n.HWModel = u.HWModel
	}
	if p := info.Position; p != nil {
		n.Lat = float64(p.LatitudeI) * 1e-7
		n.Lon = float64(p.LongitudeI) * 1e-7
		n.Alt = p.Altitude
	}
	if dm := info.Metrics; dm != nil {
		n.BatteryLevel = dm.BatteryLevel
		n.Voltage = dm.Voltage
	}
	n.SNR = info.SNR
	n.HopsAway = info.HopsAway
	if info.LastHeard != 0 {
		n.LastHeard = time.Unix(int64(info.LastHeard), 0).UTC()
	} else {
		n.LastHeard = time.Now().UTC()
	}
	row := *n
	m.mu.Unlock()

	return m.db.UpsertNode(row.NodeNum, row.NodeIDHex, row.LongName, row.ShortName, row.LastHeard)
}

// MarkHeard refreshes the last-heard timestamp for a node that just sent a
// packet. Unknown senders get a skeleton roster entry.
func (m *Manager) MarkHeard(nodeNum uint32, at time.Time) {
	if nodeNum == 0 || nodeNum == radio.Broadcast {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeNum]
	if !ok {
		n = &Node{NodeNum: nodeNum, NodeIDHex: fmt.Sprintf("!%08x", nodeNum)}
		m.nodes[nodeNum] = n
	}
	if at.After(n.LastHeard) {
		n.LastHeard = at
	}
}

// GetNode retrieves a copy of a node by number.
func (m *Manager) GetNode(nodeNum uint32) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeNum]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// ListNodes returns a snapshot of all known nodes, most recently heard
// first.
func (m *Manager) ListNodes() []*Node {
	m.mu.RLock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastHeard.After(out[j].LastHeard) })
	return out
}

// NodeCount returns how many nodes are currently known.
func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *Manager) loadNodes() error {
	rows, err := m.db.ListNodes()
	if err != nil {
		return err
	}
	for _, r := range rows {
		m.nodes[r.NodeNum] = &Node{
			NodeNum:   r.NodeNum,
			NodeIDHex: r.NodeIDHex,
			LongName:  r.LongName,
			ShortName: r.ShortName,
			LastHeard: r.LastSeen,
		}
	}
	return nil
}
