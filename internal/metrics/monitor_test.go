package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestMonitor_PeerLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mon := newMonitor(func() time.Time { return now })

	mon.PeerConnected("a", "gossip")
	mon.PeerConnected("a", "broker")
	mon.OverlayMessageSent("a", 10)
	mon.OverlayMessageReceived("a", 4)
	mon.OverlayMessageSent("", 6)
	mon.OverlayMessageReceived("unknown", 1)

	now = now.Add(90 * time.Second)
	s := mon.Stats()

	if s.Network.ConnectedPeers != 1 {
		t.Fatalf("ConnectedPeers=%d, want 1", s.Network.ConnectedPeers)
	}
	if s.Network.MessagesSent != 2 || s.Network.BytesSent != 16 {
		t.Fatalf("sent=%d/%d, want 2/16", s.Network.MessagesSent, s.Network.BytesSent)
	}
	if s.Network.MessagesReceived != 2 || s.Network.BytesReceived != 5 {
		t.Fatalf("received=%d/%d, want 2/5", s.Network.MessagesReceived, s.Network.BytesReceived)
	}
	if s.Network.UptimeSecs != 90 {
		t.Fatalf("UptimeSecs=%d, want 90", s.Network.UptimeSecs)
	}
	ps := s.Network.PeerConnections["a"]
	if ps.ConnectionType != "broker" || ps.MessagesSent != 1 || ps.BytesReceived != 4 {
		t.Fatalf("peer stats=%+v", ps)
	}

	mon.PeerDisconnected("a")
	mon.PeerDisconnected("a")
	mon.PeerDisconnected("never-seen")
	if got := mon.Stats().Network.ConnectedPeers; got != 0 {
		t.Fatalf("ConnectedPeers=%d, want 0", got)
	}
}

func TestMonitor_WebSocketCountersNeverUnderflow(t *testing.T) {
	mon := NewMonitor()
	mon.WebSocketDisconnected()
	mon.WebSocketConnected()
	mon.WebSocketConnected()
	mon.WebSocketDisconnected()
	mon.WebSocketMessage(true, 3)
	mon.WebSocketMessage(false, 5)

	ws := mon.Stats().WebSocket
	if ws.ActiveConnections != 1 || ws.TotalConnections != 2 {
		t.Fatalf("ws=%+v, want active 1 total 2", ws)
	}
	if ws.MessagesSent != 1 || ws.MessagesReceived != 1 || ws.BytesSent != 3 || ws.BytesReceived != 5 {
		t.Fatalf("ws=%+v", ws)
	}
}

func TestMonitor_NilReceiverIsNoop(t *testing.T) {
	var mon *Monitor
	mon.PeerConnected("a", "x")
	mon.WebSocketConnected()
	mon.OverlayMessageSent("a", 1)
	if s := mon.Stats(); s.Network.ConnectedPeers != 0 {
		t.Fatalf("Stats=%+v", s)
	}
}

func TestMonitor_ConcurrentHooks(t *testing.T) {
	mon := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				mon.WebSocketConnected()
				mon.WebSocketMessage(j%2 == 0, 1)
				mon.WebSocketDisconnected()
			}
		}()
	}
	wg.Wait()

	ws := mon.Stats().WebSocket
	if ws.ActiveConnections != 0 || ws.TotalConnections != 800 {
		t.Fatalf("ws=%+v, want active 0 total 800", ws)
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.Inc(SignalingMalformed)
	snap := m.Snapshot()
	snap[SignalingMalformed] = 99
	if got := m.Get(SignalingMalformed); got != 1 {
		t.Fatalf("Get=%d, want 1", got)
	}
}
