package metrics

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// PeerStats tracks traffic exchanged with one overlay peer.
type PeerStats struct {
	PeerID           string  `json:"peer_id"`
	ConnectedSince   int64   `json:"connected_since"`
	MessagesSent     uint64  `json:"messages_sent"`
	MessagesReceived uint64  `json:"messages_received"`
	BytesSent        uint64  `json:"bytes_sent"`
	BytesReceived    uint64  `json:"bytes_received"`
	ConnectionType   string  `json:"connection_type"`
	LatencyMs        float64 `json:"latency_ms"`
}

type NetworkStats struct {
	ConnectedPeers   int                  `json:"connected_peers"`
	MessagesSent     uint64               `json:"messages_sent"`
	MessagesReceived uint64               `json:"messages_received"`
	BytesSent        uint64               `json:"bytes_sent"`
	BytesReceived    uint64               `json:"bytes_received"`
	UptimeSecs       uint64               `json:"uptime_secs"`
	PeerConnections  map[string]PeerStats `json:"peer_connections"`
}

type SystemStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
	NumCPU         int    `json:"num_cpu"`
}

type WebSocketStats struct {
	ActiveConnections int    `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	BytesSent         uint64 `json:"bytes_sent"`
	BytesReceived     uint64 `json:"bytes_received"`
}

type Stats struct {
	Network   NetworkStats   `json:"network"`
	System    SystemStats    `json:"system"`
	WebSocket WebSocketStats `json:"websocket"`
}

// Monitor aggregates overlay and WebSocket traffic. All hooks are safe for
// concurrent use and tolerate a nil receiver.
type Monitor struct {
	now   func() time.Time
	start time.Time

	mu      sync.Mutex
	network NetworkStats
	peers   map[string]*PeerStats
	ws      WebSocketStats
}

func NewMonitor() *Monitor {
	return newMonitor(time.Now)
}

func newMonitor(now func() time.Time) *Monitor {
	return &Monitor{
		now:   now,
		start: now(),
		peers: make(map[string]*PeerStats),
	}
}

// PeerConnected starts tracking peer. A repeated call for a tracked peer only
// refreshes its connection type.
func (m *Monitor) PeerConnected(peer, connectionType string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peer]; ok {
		ps.ConnectionType = connectionType
		return
	}
	m.peers[peer] = &PeerStats{
		PeerID:         peer,
		ConnectedSince: m.now().Unix(),
		ConnectionType: connectionType,
	}
}

// PeerDisconnected stops tracking peer. Unknown peers are ignored.
func (m *Monitor) PeerDisconnected(peer string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.peers, peer)
	m.mu.Unlock()
}

// OverlayMessageSent records an outgoing overlay message. An empty peer
// means the message was published to the whole topic.
func (m *Monitor) OverlayMessageSent(peer string, bytes int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network.MessagesSent++
	m.network.BytesSent += uint64(bytes)
	if ps, ok := m.peers[peer]; ok {
		ps.MessagesSent++
		ps.BytesSent += uint64(bytes)
	}
}

func (m *Monitor) OverlayMessageReceived(peer string, bytes int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network.MessagesReceived++
	m.network.BytesReceived += uint64(bytes)
	if ps, ok := m.peers[peer]; ok {
		ps.MessagesReceived++
		ps.BytesReceived += uint64(bytes)
	}
}

func (m *Monitor) WebSocketConnected() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ws.ActiveConnections++
	m.ws.TotalConnections++
	m.mu.Unlock()
}

func (m *Monitor) WebSocketDisconnected() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.ws.ActiveConnections > 0 {
		m.ws.ActiveConnections--
	}
	m.mu.Unlock()
}

func (m *Monitor) WebSocketMessage(outgoing bool, bytes int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if outgoing {
		m.ws.MessagesSent++
		m.ws.BytesSent += uint64(bytes)
	} else {
		m.ws.MessagesReceived++
		m.ws.BytesReceived += uint64(bytes)
	}
	m.mu.Unlock()
}

// PeerIDs returns the tracked overlay peers, sorted.
func (m *Monitor) PeerIDs() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Stats returns a consistent copy of the current counters plus a fresh
// runtime sample.
func (m *Monitor) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	sys := sampleSystem()

	m.mu.Lock()
	defer m.mu.Unlock()

	network := m.network
	network.ConnectedPeers = len(m.peers)
	network.UptimeSecs = uint64(m.now().Sub(m.start) / time.Second)
	network.PeerConnections = make(map[string]PeerStats, len(m.peers))
	for id, ps := range m.peers {
		network.PeerConnections[id] = *ps
	}
	return Stats{Network: network, System: sys, WebSocket: m.ws}
}

func sampleSystem() SystemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemStats{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		SysBytes:       ms.Sys,
		NumGC:          ms.NumGC,
		NumCPU:         runtime.NumCPU(),
	}
}
