package signaling

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/overlay"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/rooms"
)

type busNode struct {
	relay *Relay
	store *rooms.Store
	ov    *overlay.Local
}

func startBusNode(t *testing.T, ctx context.Context, bus *overlay.Bus, bootnode bool) *busNode {
	t.Helper()
	id, err := overlay.GenerateIdentity(nil)
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	// Subscribing at join time means publishes made before Run gets
	// scheduled are not missed; Run's own Subscribe is then a no-op.
	ov, err := bus.Join(id, overlay.Options{Topics: []string{DefaultTopic}}, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(func() { _ = ov.Close() })

	store := rooms.NewStore(rooms.Options{})
	r := NewRelay(RelayConfig{
		Rooms:    store,
		Peers:    registry.New(store),
		Overlay:  ov,
		Bootnode: bootnode,
		Metrics:  metrics.New(),
	})
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &busNode{relay: r, store: store, ov: ov}
}

func waitForDocument(t *testing.T, s *rooms.Store, roomID string, want []byte) rooms.State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, ok := s.Snapshot(roomID); ok && bytes.Equal(st.DocumentState, want) {
			return st
		}
		if time.Now().After(deadline) {
			st, _ := s.Snapshot(roomID)
			t.Fatalf("room %s document=%v, want %v", roomID, st.DocumentState, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelay_ReplicatesAcrossBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := overlay.NewBus()
	a := startBusNode(t, ctx, bus, false)
	b := startBusNode(t, ctx, bus, false)

	outB := registry.NewOutbox(0)
	if err := b.relay.Connect("viewer", outB); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b.relay.HandleFrame(ctx, "viewer", []byte(`{"type":"Join","payload":{"user_id":"v","user_color":"green","room_id":"doc1"}}`))

	outA := registry.NewOutbox(0)
	if err := a.relay.Connect("writer", outA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.relay.HandleFrame(ctx, "writer", []byte(`{"type":"SyncUpdate","payload":{"update":[1,2,3],"room_id":"doc1"}}`))

	stA, _ := a.store.Snapshot("doc1")
	stB := waitForDocument(t, b.store, "doc1", []byte{1, 2, 3})
	if stB.LastUpdated != stA.LastUpdated {
		t.Fatalf("replica timestamp=%d, want %d", stB.LastUpdated, stA.LastUpdated)
	}
	if stB.PeerCount != 1 {
		t.Fatalf("replica peer_count=%d, want local count 1", stB.PeerCount)
	}

	select {
	case <-outB.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("viewer on the remote node got no SyncUpdate")
	}
	frames := outB.Drain()
	if len(frames) != 1 {
		t.Fatalf("viewer got %d frames, want 1", len(frames))
	}
	msg, err := Decode(frames[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if su, ok := msg.(SyncUpdate); !ok || !bytes.Equal(su.Update, []byte{1, 2, 3}) || su.RoomID != "doc1" {
		t.Fatalf("viewer got %#v", msg)
	}
}

func TestRelay_BootnodeBringsLateNodeUpToDate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := overlay.NewBus()
	boot := startBusNode(t, ctx, bus, true)

	out := registry.NewOutbox(0)
	if err := boot.relay.Connect("writer", out); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	boot.relay.HandleFrame(ctx, "writer", []byte(`{"type":"SyncUpdate","payload":{"update":[42],"room_id":"retained"}}`))

	late := startBusNode(t, ctx, bus, false)
	waitForDocument(t, late.store, "retained", []byte{42})
}
