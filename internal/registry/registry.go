// Package registry tracks the clients connected to this node: their outbound
// queues, the peer ids they registered for point-to-point signaling and the
// rooms they joined.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrDuplicateClient = errors.New("registry: client already registered")
	ErrUnknownClient   = errors.New("registry: unknown client")
	ErrAliasTaken      = errors.New("registry: peer id held by another client")
)

// ClientID identifies one local socket connection for its lifetime.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// MemberSource answers which clients are currently joined to a room. The
// returned slice must be a copy the caller may keep.
type MemberSource interface {
	Members(roomID string) []ClientID
}

type Peer struct {
	id     ClientID
	outbox *Outbox
	reg    *Registry
}

func (p *Peer) ID() ClientID { return p.id }

// Send enqueues frame without blocking. A false result means the frame was
// dropped (queue full or connection closing).
func (p *Peer) Send(frame []byte) bool {
	if p.outbox.Enqueue(frame) {
		return true
	}
	p.reg.dropped.Add(1)
	return false
}

type Registry struct {
	members MemberSource

	mu      sync.RWMutex
	peers   map[ClientID]*Peer
	aliases map[string]ClientID
	aliasOf map[ClientID]string
	joined  map[ClientID]map[string]struct{}

	dropped atomic.Uint64
}

func New(members MemberSource) *Registry {
	return &Registry{
		members: members,
		peers:   make(map[ClientID]*Peer),
		aliases: make(map[string]ClientID),
		aliasOf: make(map[ClientID]string),
		joined:  make(map[ClientID]map[string]struct{}),
	}
}

func (r *Registry) Register(id ClientID, outbox *Outbox) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		return nil, ErrDuplicateClient
	}
	p := &Peer{id: id, outbox: outbox, reg: r}
	r.peers[id] = p
	return p, nil
}

// Unregister forgets id and returns the rooms it had joined. ok is false when
// id was not registered, which makes repeated teardown harmless.
func (r *Registry) Unregister(id ClientID) (rooms []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return nil, false
	}
	delete(r.peers, id)
	if alias, ok := r.aliasOf[id]; ok {
		delete(r.aliases, alias)
		delete(r.aliasOf, id)
	}
	for roomID := range r.joined[id] {
		rooms = append(rooms, roomID)
	}
	delete(r.joined, id)
	sort.Strings(rooms)
	return rooms, true
}

// Alias binds peerID to id so other clients can address it. The first live
// holder of a peer id keeps it; rebinding the same pair is a no-op.
func (r *Registry) Alias(id ClientID, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return ErrUnknownClient
	}
	if holder, ok := r.aliases[peerID]; ok {
		if holder == id {
			return nil
		}
		return ErrAliasTaken
	}
	if prev, ok := r.aliasOf[id]; ok {
		delete(r.aliases, prev)
	}
	r.aliases[peerID] = id
	r.aliasOf[id] = peerID
	return nil
}

// DisplayID is the identity other clients see in from_peer: the registered
// peer id if any, else the client id.
func (r *Registry) DisplayID(id ClientID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if alias, ok := r.aliasOf[id]; ok {
		return alias
	}
	return string(id)
}

// Lookup resolves a client id or registered peer id.
func (r *Registry) Lookup(key string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.peers[ClientID(key)]; ok {
		return p, true
	}
	if id, ok := r.aliases[key]; ok {
		p, ok := r.peers[id]
		return p, ok
	}
	return nil, false
}

// TrackJoin records that id joined roomID. It reports false when id is no
// longer registered, in which case the caller must undo the join.
func (r *Registry) TrackJoin(id ClientID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	set := r.joined[id]
	if set == nil {
		set = make(map[string]struct{})
		r.joined[id] = set
	}
	set[roomID] = struct{}{}
	return true
}

func (r *Registry) TrackLeave(id ClientID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.joined[id]
	delete(set, roomID)
	if len(set) == 0 {
		delete(r.joined, id)
	}
}

// Joined returns the rooms id has joined, sorted.
func (r *Registry) Joined(id ClientID) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.joined[id]))
	for roomID := range r.joined[id] {
		out = append(out, roomID)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Send unicasts frame to id. It reports false if id is unknown or its queue
// rejected the frame.
func (r *Registry) Send(id ClientID, frame []byte) bool {
	r.mu.RLock()
	p, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return p.Send(frame)
}

// BroadcastToRoom sends frame to every current member of roomID except
// exclude (pass "" to exclude nobody) and returns how many queues accepted it.
//
// Members are read as a snapshot; no registry lock is held while enqueueing.
// A member whose queue rejects the frame is skipped, not removed: its
// connection teardown will unregister it.
func (r *Registry) BroadcastToRoom(roomID string, frame []byte, exclude ClientID) int {
	members := r.members.Members(roomID)
	if len(members) == 0 {
		return 0
	}

	targets := make([]*Peer, 0, len(members))
	r.mu.RLock()
	for _, id := range members {
		if id == exclude {
			continue
		}
		if p, ok := r.peers[id]; ok {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if p.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Dropped counts frames rejected by any client's outbox since startup.
func (r *Registry) Dropped() uint64 { return r.dropped.Load() }

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
