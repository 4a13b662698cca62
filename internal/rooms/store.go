// Package rooms holds the authoritative per-room state of a relay node.
//
// A room carries an opaque document blob replicated with last-writer-wins
// semantics and the set of locally connected clients that joined it. Member
// sets are node-local and never replicated.
//
// Conflict policy: a remote update is accepted only when its timestamp is
// strictly greater than the stored one (or the room is unseen). Concurrent
// writers with equal or skewed timestamps can lose edits; that is a known
// limitation of LWW, not something this package tries to repair.
package rooms

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/registry"
)

// DefaultRetention is how long a room without local members keeps its
// document before the reaper drops it.
const DefaultRetention = 10 * time.Minute

// Clock supplies wall time. Logical timestamps are derived from it in
// milliseconds and forced to advance per room.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// State is the externally visible projection of a room.
type State struct {
	DocumentState []byte
	Encrypted     bool
	LastUpdated   uint64
	// PeerCount is the local membership size only.
	PeerCount int
}

// Summary is one entry of List.
type Summary struct {
	RoomID    string
	PeerCount int
	Encrypted bool
}

// Record pairs a room id with its snapshot. See Export.
type Record struct {
	RoomID string
	State  State
}

type room struct {
	members     map[registry.ClientID]struct{}
	document    []byte
	encrypted   bool
	lastUpdated uint64

	// emptiedAt is set whenever the member set becomes (or starts) empty and
	// cleared on the next join. The reaper keys off it.
	emptiedAt time.Time
}

func (r *room) state() State {
	return State{
		DocumentState: bytes.Clone(r.document),
		Encrypted:     r.encrypted,
		LastUpdated:   r.lastUpdated,
		PeerCount:     len(r.members),
	}
}

type Options struct {
	Clock Clock
	// Retention bounds how long an empty room keeps its document. Zero keeps
	// documents for the life of the process.
	Retention time.Duration
	// OnReap, if set, is called by RunReaper with the ids of reaped rooms.
	OnReap func(roomIDs []string)

	Logger *slog.Logger
}

// Store is safe for concurrent use. Every method holds the lock for a single
// map operation and never calls out while holding it.
type Store struct {
	clock     Clock
	retention time.Duration
	onReap    func([]string)
	log       *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		clock:     opts.Clock,
		retention: opts.Retention,
		onReap:    opts.OnReap,
		log:       opts.Logger,
		rooms:     make(map[string]*room),
	}
}

func (s *Store) getOrCreateLocked(roomID string, now time.Time) *room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{emptiedAt: now}
		s.rooms[roomID] = r
	}
	return r
}

// ApplyLocalUpdate stores doc as the room's document and stamps it with the
// next logical timestamp. The encrypted flag is sticky.
func (s *Store) ApplyLocalUpdate(roomID string, doc []byte, encrypted bool) State {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.getOrCreateLocked(roomID, now)
	ts := uint64(now.UnixMilli())
	if ts <= r.lastUpdated {
		ts = r.lastUpdated + 1
	}
	r.document = bytes.Clone(doc)
	r.encrypted = r.encrypted || encrypted
	r.lastUpdated = ts
	return r.state()
}

// ApplyRemoteUpdate replaces the room's document with incoming when timestamp
// is newer than what is stored or the room has never been seen. It reports
// whether the update was accepted; a rejected update changes nothing.
func (s *Store) ApplyRemoteUpdate(roomID string, incoming State, timestamp uint64) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if ok && timestamp <= r.lastUpdated {
		return false
	}
	if !ok {
		r = &room{emptiedAt: now}
		s.rooms[roomID] = r
	}
	r.document = bytes.Clone(incoming.DocumentState)
	r.encrypted = r.encrypted || incoming.Encrypted
	r.lastUpdated = timestamp
	return true
}

// MarkEncrypted sets the sticky encrypted flag without touching the document.
func (s *Store) MarkEncrypted(roomID string) {
	now := s.clock.Now()

	s.mu.Lock()
	s.getOrCreateLocked(roomID, now).encrypted = true
	s.mu.Unlock()
}

func (s *Store) Snapshot(roomID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return State{}, false
	}
	return r.state(), true
}

// List returns every known room ordered by id, including rooms that are only
// retained for late joiners.
func (s *Store) List() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.rooms))
	for id, r := range s.rooms {
		out = append(out, Summary{RoomID: id, PeerCount: len(r.members), Encrypted: r.encrypted})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Export returns snapshots of every room that has received a document.
func (s *Store) Export() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.rooms))
	for id, r := range s.rooms {
		if r.lastUpdated == 0 {
			continue
		}
		out = append(out, Record{RoomID: id, State: r.state()})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// AddMember adds clientID to the room, creating the room if needed. It
// reports false if the client was already a member.
func (s *Store) AddMember(roomID string, clientID registry.ClientID) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.getOrCreateLocked(roomID, now)
	if _, ok := r.members[clientID]; ok {
		return false
	}
	if r.members == nil {
		r.members = make(map[registry.ClientID]struct{})
	}
	r.members[clientID] = struct{}{}
	r.emptiedAt = time.Time{}
	return true
}

// RemoveMember removes clientID from the room. When the last member leaves the
// member set is dropped; the document stays until reaped.
func (s *Store) RemoveMember(roomID string, clientID registry.ClientID) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := r.members[clientID]; !ok {
		return false
	}
	delete(r.members, clientID)
	if len(r.members) == 0 {
		r.members = nil
		r.emptiedAt = now
	}
	return true
}

// Members returns a copy of the room's current member set.
func (s *Store) Members(roomID string) []registry.ClientID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok || len(r.members) == 0 {
		return nil
	}
	out := make([]registry.ClientID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Reap deletes rooms that have had no members for at least the retention
// period and returns their ids. It is a no-op when retention is disabled.
func (s *Store) Reap(now time.Time) []string {
	if s.retention <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []string
	for id, r := range s.rooms {
		if len(r.members) > 0 || r.emptiedAt.IsZero() {
			continue
		}
		if now.Sub(r.emptiedAt) < s.retention {
			continue
		}
		delete(s.rooms, id)
		reaped = append(reaped, id)
	}
	sort.Strings(reaped)
	return reaped
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped := s.Reap(s.clock.Now())
			if len(reaped) == 0 {
				continue
			}
			s.log.Debug("reaped idle rooms", "count", len(reaped), "room_ids", reaped)
			if s.onReap != nil {
				s.onReap(reaped)
			}
		}
	}
}
