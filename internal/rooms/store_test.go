package rooms

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStore_LocalUpdateTimestampsStrictlyIncrease(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Options{Clock: clock})

	var last uint64
	for i := 0; i < 5; i++ {
		st := s.ApplyLocalUpdate("doc1", []byte{byte(i)}, false)
		if st.LastUpdated <= last {
			t.Fatalf("update %d: lastUpdated=%d, want > %d", i, st.LastUpdated, last)
		}
		last = st.LastUpdated
	}

	// Clock going backwards still advances.
	clock.Advance(-time.Hour)
	st := s.ApplyLocalUpdate("doc1", []byte("x"), false)
	if st.LastUpdated != last+1 {
		t.Fatalf("lastUpdated=%d, want %d", st.LastUpdated, last+1)
	}
}

func TestStore_LocalUpdateUsesWallClockWhenAhead(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Options{Clock: clock})

	st := s.ApplyLocalUpdate("doc1", []byte("a"), false)
	if want := uint64(clock.Now().UnixMilli()); st.LastUpdated != want {
		t.Fatalf("lastUpdated=%d, want %d", st.LastUpdated, want)
	}
}

func TestStore_EncryptedIsSticky(t *testing.T) {
	s := NewStore(Options{Clock: newFakeClock()})

	_ = s.ApplyLocalUpdate("doc1", []byte("a"), true)
	st := s.ApplyLocalUpdate("doc1", []byte("b"), false)
	if !st.Encrypted {
		t.Fatalf("expected encrypted to stay set")
	}

	_ = s.ApplyRemoteUpdate("doc2", State{DocumentState: []byte("r"), Encrypted: true}, 10)
	_ = s.ApplyRemoteUpdate("doc2", State{DocumentState: []byte("r2")}, 11)
	if snap, _ := s.Snapshot("doc2"); !snap.Encrypted {
		t.Fatalf("expected remote encrypted flag to stay set")
	}

	s.MarkEncrypted("doc3")
	if snap, ok := s.Snapshot("doc3"); !ok || !snap.Encrypted {
		t.Fatalf("Snapshot(doc3)=%+v,%v, want encrypted", snap, ok)
	}
}

func TestStore_RemoteUpdateLWW(t *testing.T) {
	s := NewStore(Options{Clock: newFakeClock()})

	if !s.ApplyRemoteUpdate("doc1", State{DocumentState: []byte("v5")}, 5) {
		t.Fatalf("expected unseen room to accept update")
	}
	if s.ApplyRemoteUpdate("doc1", State{DocumentState: []byte("v3")}, 3) {
		t.Fatalf("expected older update to be rejected")
	}
	if s.ApplyRemoteUpdate("doc1", State{DocumentState: []byte("v5b")}, 5) {
		t.Fatalf("expected equal timestamp to be rejected")
	}

	snap, _ := s.Snapshot("doc1")
	if !bytes.Equal(snap.DocumentState, []byte("v5")) || snap.LastUpdated != 5 {
		t.Fatalf("snapshot=%+v, want v5@5", snap)
	}

	if !s.ApplyRemoteUpdate("doc1", State{DocumentState: []byte("v9")}, 9) {
		t.Fatalf("expected newer update to be accepted")
	}
	snap, _ = s.Snapshot("doc1")
	if !bytes.Equal(snap.DocumentState, []byte("v9")) || snap.LastUpdated != 9 {
		t.Fatalf("snapshot=%+v, want v9@9", snap)
	}
}

func TestStore_RemoteUpdateDoesNotTouchMembers(t *testing.T) {
	s := NewStore(Options{Clock: newFakeClock()})
	s.AddMember("doc1", "a")

	_ = s.ApplyRemoteUpdate("doc1", State{DocumentState: []byte("x"), PeerCount: 42}, 100)

	snap, _ := s.Snapshot("doc1")
	if snap.PeerCount != 1 {
		t.Fatalf("PeerCount=%d, want 1", snap.PeerCount)
	}
}

func TestStore_LocalAfterRemoteAdvancesPastRemote(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Options{Clock: clock})

	future := uint64(clock.Now().Add(time.Hour).UnixMilli())
	_ = s.ApplyRemoteUpdate("doc1", State{DocumentState: []byte("r")}, future)

	st := s.ApplyLocalUpdate("doc1", []byte("l"), false)
	if st.LastUpdated != future+1 {
		t.Fatalf("lastUpdated=%d, want %d", st.LastUpdated, future+1)
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewStore(Options{Clock: newFakeClock()})
	doc := []byte("abc")
	_ = s.ApplyLocalUpdate("doc1", doc, false)
	doc[0] = 'z'

	snap, _ := s.Snapshot("doc1")
	snap.DocumentState[1] = 'z'

	again, _ := s.Snapshot("doc1")
	if !bytes.Equal(again.DocumentState, []byte("abc")) {
		t.Fatalf("document=%q, want abc", again.DocumentState)
	}
}

func TestStore_Membership(t *testing.T) {
	s := NewStore(Options{Clock: newFakeClock()})

	if !s.AddMember("doc1", "a") {
		t.Fatalf("expected first add to report true")
	}
	if s.AddMember("doc1", "a") {
		t.Fatalf("expected duplicate add to report false")
	}
	s.AddMember("doc1", "b")

	if got := len(s.Members("doc1")); got != 2 {
		t.Fatalf("members=%d, want 2", got)
	}
	if s.RemoveMember("doc1", "zz") {
		t.Fatalf("expected removing non-member to report false")
	}
	if s.RemoveMember("missing", "a") {
		t.Fatalf("expected removing from unknown room to report false")
	}

	s.RemoveMember("doc1", "a")
	s.RemoveMember("doc1", "b")
	if m := s.Members("doc1"); m != nil {
		t.Fatalf("members=%v, want nil", m)
	}
	// The room survives with zero members.
	if snap, ok := s.Snapshot("doc1"); !ok || snap.PeerCount != 0 {
		t.Fatalf("Snapshot=%+v,%v, want retained empty room", snap, ok)
	}
}

func TestStore_ListAndExport(t *testing.T) {
	s := NewStore(Options{Clock: newFakeClock()})
	s.AddMember("b", "c1")
	s.AddMember("b", "c2")
	_ = s.ApplyLocalUpdate("a", []byte("doc"), true)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("List=%+v, want 2 rooms", list)
	}
	if list[0] != (Summary{RoomID: "a", PeerCount: 0, Encrypted: true}) {
		t.Fatalf("list[0]=%+v", list[0])
	}
	if list[1] != (Summary{RoomID: "b", PeerCount: 2}) {
		t.Fatalf("list[1]=%+v", list[1])
	}

	exp := s.Export()
	if len(exp) != 1 || exp[0].RoomID != "a" {
		t.Fatalf("Export=%+v, want only room a", exp)
	}
}

func TestStore_ReapAfterRetention(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Options{Clock: clock, Retention: time.Minute})

	_ = s.ApplyLocalUpdate("idle", []byte("x"), false)
	s.AddMember("busy", "a")

	clock.Advance(30 * time.Second)
	if got := s.Reap(clock.Now()); len(got) != 0 {
		t.Fatalf("reaped=%v before retention elapsed", got)
	}

	clock.Advance(31 * time.Second)
	got := s.Reap(clock.Now())
	if len(got) != 1 || got[0] != "idle" {
		t.Fatalf("reaped=%v, want [idle]", got)
	}
	if _, ok := s.Snapshot("busy"); !ok {
		t.Fatalf("expected room with members to survive")
	}
}

func TestStore_JoinResetsReapTimer(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Options{Clock: clock, Retention: time.Minute})

	s.AddMember("doc1", "a")
	s.RemoveMember("doc1", "a")
	clock.Advance(50 * time.Second)
	s.AddMember("doc1", "b")
	s.RemoveMember("doc1", "b")
	clock.Advance(50 * time.Second)

	if got := s.Reap(clock.Now()); len(got) != 0 {
		t.Fatalf("reaped=%v, want none", got)
	}
}

func TestStore_ZeroRetentionKeepsRooms(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Options{Clock: clock})
	_ = s.ApplyLocalUpdate("doc1", []byte("x"), false)

	clock.Advance(24 * time.Hour)
	if got := s.Reap(clock.Now()); got != nil {
		t.Fatalf("reaped=%v, want nil", got)
	}
}

func TestStore_RunReaperStopsOnCancel(t *testing.T) {
	var reapedMu sync.Mutex
	var reaped []string
	s := NewStore(Options{Retention: time.Nanosecond, OnReap: func(ids []string) {
		reapedMu.Lock()
		reaped = append(reaped, ids...)
		reapedMu.Unlock()
	}})
	_ = s.ApplyLocalUpdate("doc1", []byte("x"), false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunReaper(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room not reaped")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunReaper did not return after cancel")
	}

	reapedMu.Lock()
	defer reapedMu.Unlock()
	if len(reaped) != 1 || reaped[0] != "doc1" {
		t.Fatalf("OnReap saw %v, want [doc1]", reaped)
	}
}

func TestStore_ConcurrentUpdatesStayMonotonic(t *testing.T) {
	s := NewStore(Options{})

	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	results := make([][]uint64, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := registry.ClientID(fmt.Sprintf("c%d", w))
			s.AddMember("doc1", id)
			for i := 0; i < perWriter; i++ {
				st := s.ApplyLocalUpdate("doc1", []byte{byte(i)}, false)
				results[w] = append(results[w], st.LastUpdated)
			}
			s.RemoveMember("doc1", id)
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, writers*perWriter)
	for w, ts := range results {
		for i := 1; i < len(ts); i++ {
			if ts[i] <= ts[i-1] {
				t.Fatalf("writer %d: ts[%d]=%d <= ts[%d]=%d", w, i, ts[i], i-1, ts[i-1])
			}
		}
		for _, v := range ts {
			if _, dup := seen[v]; dup {
				t.Fatalf("duplicate timestamp %d", v)
			}
			seen[v] = struct{}{}
		}
	}

	if snap, _ := s.Snapshot("doc1"); snap.PeerCount != 0 {
		t.Fatalf("PeerCount=%d, want 0", snap.PeerCount)
	}
}
