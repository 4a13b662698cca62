package signaling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/overlay"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/rooms"
)

const DefaultTopic = "aero-room-relay/rooms"

// RelayConfig wires a Relay to its collaborators. Rooms and Peers are
// required; the rest are optional.
type RelayConfig struct {
	Rooms *rooms.Store
	Peers *registry.Registry

	// Overlay replicates document updates. When nil updates stay local.
	Overlay overlay.Overlay
	Topic   string

	// Bootnode republishes every retained room when a new overlay peer is
	// discovered.
	Bootnode bool

	Metrics *metrics.Metrics
	Monitor *metrics.Monitor
	Logger  *slog.Logger
}

// Relay is the protocol engine shared by every connection on a node and by
// the overlay event loop.
type Relay struct {
	rooms    *rooms.Store
	peers    *registry.Registry
	overlay  overlay.Overlay
	topic    string
	bootnode bool

	metrics *metrics.Metrics
	monitor *metrics.Monitor
	log     *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		rooms:    cfg.Rooms,
		peers:    cfg.Peers,
		overlay:  cfg.Overlay,
		topic:    cfg.Topic,
		bootnode: cfg.Bootnode,
		metrics:  cfg.Metrics,
		monitor:  cfg.Monitor,
		log:      cfg.Logger,
	}
}

// Connect registers a new client and its outbound queue.
func (r *Relay) Connect(id registry.ClientID, outbox *registry.Outbox) error {
	if _, err := r.peers.Register(id, outbox); err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	r.log.Debug("client connected", "client_id", id)
	return nil
}

// Disconnect removes id from the registry and from every room it joined.
// Calling it again for the same client does nothing.
func (r *Relay) Disconnect(id registry.ClientID) {
	joined, ok := r.peers.Unregister(id)
	if !ok {
		return
	}
	for _, roomID := range joined {
		if !r.rooms.RemoveMember(roomID, id) {
			r.invariant("joined room has no membership entry", "client_id", id, "room_id", roomID)
		}
	}
	r.log.Debug("client disconnected", "client_id", id, "rooms", len(joined))
}

// HandleFrame decodes one client frame and dispatches it. Malformed frames
// are dropped; the connection stays open and nothing is sent back.
func (r *Relay) HandleFrame(ctx context.Context, from registry.ClientID, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		r.metrics.Inc(metrics.SignalingMalformed)
		r.log.Debug("dropping malformed frame", "client_id", from, "err", err)
		return
	}
	r.Handle(ctx, from, msg)
}

// Handle dispatches msg sent by client from. Every handler tolerates
// duplicate delivery.
func (r *Relay) Handle(ctx context.Context, from registry.ClientID, msg Message) {
	switch m := msg.(type) {
	case Register:
		r.handleRegister(from, m)
	case Join:
		r.handleJoin(from, m)
	case SyncUpdate:
		r.handleSyncUpdate(ctx, from, m)
	case LeaveRoom:
		r.handleLeave(from, m)
	case GetRooms:
		r.handleGetRooms(from)
	case Offer:
		m.FromPeer = r.peers.DisplayID(from)
		r.forward(from, m.ToPeer, m)
	case Answer:
		m.FromPeer = r.peers.DisplayID(from)
		r.forward(from, m.ToPeer, m)
	case IceCandidate:
		m.FromPeer = r.peers.DisplayID(from)
		r.forward(from, m.ToPeer, m)
	case RoomList:
		// Server to client only.
		r.metrics.Inc(metrics.SignalingUnexpected)
	default:
		r.metrics.Inc(metrics.SignalingUnexpected)
		r.log.Debug("unhandled message type", "client_id", from, "type", fmt.Sprintf("%T", msg))
	}
}

func (r *Relay) handleRegister(from registry.ClientID, m Register) {
	if err := r.peers.Alias(from, m.PeerID); err != nil {
		r.log.Debug("register rejected", "client_id", from, "peer_id", m.PeerID, "err", err)
		return
	}
	r.send(from, Register{PeerID: m.PeerID})
}

func (r *Relay) handleJoin(from registry.ClientID, m Join) {
	if !r.rooms.AddMember(m.RoomID, from) {
		return
	}
	if !r.peers.TrackJoin(from, m.RoomID) {
		// The client was torn down while joining; undo so no member leaks.
		r.rooms.RemoveMember(m.RoomID, from)
		return
	}
	if m.EncryptedData != nil {
		r.rooms.MarkEncrypted(m.RoomID)
	}

	if snap, ok := r.rooms.Snapshot(m.RoomID); ok && len(snap.DocumentState) > 0 {
		r.send(from, syncFromState(m.RoomID, snap))
	}
	r.broadcast(m.RoomID, m, from)
}

func (r *Relay) handleSyncUpdate(ctx context.Context, from registry.ClientID, m SyncUpdate) {
	st := r.rooms.ApplyLocalUpdate(m.RoomID, m.Update, m.EncryptedData != nil)
	r.broadcast(m.RoomID, m, from)
	r.publish(ctx, newRoomUpdate(m.RoomID, st))
}

// handleLeave forgets the room in the registry before touching the store so
// a concurrent teardown never finds a tracked room without a member entry.
func (r *Relay) handleLeave(from registry.ClientID, m LeaveRoom) {
	r.peers.TrackLeave(from, m.RoomID)
	r.rooms.RemoveMember(m.RoomID, from)
}

func (r *Relay) handleGetRooms(from registry.ClientID) {
	summaries := r.rooms.List()
	list := RoomList{Rooms: make([]RoomInfo, 0, len(summaries))}
	for _, s := range summaries {
		list.Rooms = append(list.Rooms, RoomInfo{RoomID: s.RoomID, PeerCount: s.PeerCount, Encrypted: s.Encrypted})
	}
	r.send(from, list)
}

// forward relays a point-to-point message. An unknown recipient is a normal
// outcome and is dropped without telling the sender.
func (r *Relay) forward(from registry.ClientID, to string, msg Message) {
	peer, ok := r.peers.Lookup(to)
	if !ok {
		r.metrics.Inc(metrics.SignalingRouteMiss)
		r.log.Debug("no route to peer", "client_id", from, "to_peer", to, "type", msg.MessageType())
		return
	}
	frame, err := Encode(msg)
	if err != nil {
		r.log.Error("encode forwarded message", "type", msg.MessageType(), "err", err)
		return
	}
	_ = peer.Send(frame)
}

func (r *Relay) send(to registry.ClientID, msg Message) {
	frame, err := Encode(msg)
	if err != nil {
		r.log.Error("encode message", "type", msg.MessageType(), "err", err)
		return
	}
	_ = r.peers.Send(to, frame)
}

func (r *Relay) broadcast(roomID string, msg Message, exclude registry.ClientID) {
	frame, err := Encode(msg)
	if err != nil {
		r.log.Error("encode broadcast", "type", msg.MessageType(), "room_id", roomID, "err", err)
		return
	}
	_ = r.peers.BroadcastToRoom(roomID, frame, exclude)
}

// publish replicates an update. Failure is logged and counted; the local
// state is kept either way.
func (r *Relay) publish(ctx context.Context, u RoomUpdate) {
	if r.overlay == nil {
		return
	}
	data, err := EncodeRoomUpdate(u)
	if err != nil {
		r.log.Error("encode room update", "room_id", u.RoomID, "err", err)
		return
	}
	if _, err := r.overlay.Publish(ctx, r.topic, data); err != nil {
		r.metrics.Inc(metrics.OverlayPublishFailed)
		r.log.Warn("overlay publish failed", "room_id", u.RoomID, "timestamp", u.Timestamp, "err", err)
		return
	}
	r.monitor.OverlayMessageSent("", len(data))
}

// ApplyRemote merges an update received from another node and, if it won,
// pushes the new document to every local member of the room.
func (r *Relay) ApplyRemote(u RoomUpdate) bool {
	if !r.rooms.ApplyRemoteUpdate(u.RoomID, u.state(), u.effectiveTimestamp()) {
		r.metrics.Inc(metrics.OverlayRemoteStale)
		return false
	}
	r.metrics.Inc(metrics.OverlayRemoteApplied)

	snap, ok := r.rooms.Snapshot(u.RoomID)
	if !ok {
		r.invariant("accepted remote update left no room", "room_id", u.RoomID)
		return true
	}
	r.broadcast(u.RoomID, syncFromState(u.RoomID, snap), "")
	return true
}

// Run subscribes to the replication topic and consumes overlay events until
// ctx is done or the overlay closes its event stream.
func (r *Relay) Run(ctx context.Context) error {
	if r.overlay == nil {
		<-ctx.Done()
		return nil
	}
	if err := r.overlay.Subscribe(ctx, r.topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.log.Info("overlay event loop started", "node_id", r.overlay.LocalID().Short(), "topic", r.topic, "bootnode", r.bootnode)

	events := r.overlay.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Relay) handleEvent(ctx context.Context, ev overlay.Event) {
	switch e := ev.(type) {
	case overlay.MessageEvent:
		// Payload bytes, matching what publish reports as sent.
		r.monitor.OverlayMessageReceived(e.Message.Source.String(), len(e.Message.Data))
		if e.Message.Topic != r.topic {
			return
		}
		u, err := DecodeRoomUpdate(e.Message.Data)
		if err != nil {
			r.metrics.Inc(metrics.OverlayDecodeFailed)
			r.log.Debug("dropping overlay message", "source", e.Message.Source.Short(), "err", err)
			return
		}
		r.ApplyRemote(u)
	case overlay.PeerDiscovered:
		r.monitor.PeerConnected(e.Peer.String(), "gossip")
		if r.bootnode {
			r.republish(ctx)
		}
	case overlay.PeerExpired:
		r.monitor.PeerDisconnected(e.Peer.String())
	}
}

// republish sends every retained document so a newly discovered node
// converges without waiting for the next edit.
func (r *Relay) republish(ctx context.Context) {
	records := r.rooms.Export()
	for _, rec := range records {
		r.publish(ctx, newRoomUpdate(rec.RoomID, rec.State))
	}
	if len(records) > 0 {
		r.metrics.Add(metrics.BootnodeRepublished, uint64(len(records)))
		r.log.Debug("republished rooms for new peer", "count", len(records))
	}
}

func (r *Relay) invariant(msg string, args ...any) {
	r.metrics.Inc(metrics.InvariantViolations)
	r.log.Error("invariant violated: "+msg, args...)
}

// syncFromState builds the SyncUpdate a client would have received had it
// been connected when the document was written.
func syncFromState(roomID string, st rooms.State) SyncUpdate {
	m := SyncUpdate{RoomID: roomID, Update: Bytes(st.DocumentState)}
	if m.Update == nil {
		m.Update = Bytes{}
	}
	if st.Encrypted {
		m.EncryptedData = bytesPtr(nil)
	}
	return m
}
