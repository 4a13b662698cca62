package overlay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// transport moves signed frames between nodes. deliver on the owning node is
// called for every frame received on a subscribed channel.
type transport interface {
	publish(ctx context.Context, channel string, wire []byte) error
	subscribe(ctx context.Context, channel string) error
	close() error
}

// node is the transport-independent half of an Overlay: framing, signature
// checks, dedup, presence tracking and event fan-out.
type node struct {
	identity Identity
	opts     Options
	log      *slog.Logger
	tr       transport

	seq atomic.Uint64

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	closed bool
	seen   *seenCache
	topics map[string]struct{}
	peers  map[NodeID]time.Time
	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNode(identity Identity, opts Options, log *slog.Logger) *node {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &node{
		identity: identity,
		opts:     opts,
		log:      log.With("node_id", identity.ID().Short()),
		seen:     newSeenCache(0),
		topics:   make(map[string]struct{}),
		peers:    make(map[NodeID]time.Time),
		events:   make(chan Event, opts.EventBuffer),
	}
}

// subscribeInitial subscribes tr to opts.Topics ahead of start.
func (n *node) subscribeInitial(ctx context.Context, tr transport) error {
	for _, topic := range n.opts.Topics {
		if err := tr.subscribe(ctx, topic); err != nil {
			return err
		}
		n.mu.Lock()
		n.topics[topic] = struct{}{}
		n.mu.Unlock()
	}
	return nil
}

// start announces the node and runs the heartbeat loop. The transport must
// already be receiving on the presence channel.
func (n *node) start(tr transport) {
	n.tr = tr
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	_ = n.sendControl(ctx, kindPresence)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.heartbeat(ctx)
	}()
}

func (n *node) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(n.opts.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := n.sendControl(ctx, kindPresence); err != nil && !errors.Is(err, context.Canceled) {
				n.log.Warn("presence heartbeat failed", "err", err)
			}
			n.expire(now)
		}
	}
}

func (n *node) LocalID() NodeID { return n.identity.ID() }

func (n *node) Events() <-chan Event { return n.events }

func (n *node) Subscribe(ctx context.Context, topic string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	_, already := n.topics[topic]
	n.topics[topic] = struct{}{}
	n.mu.Unlock()

	if already {
		return nil
	}
	if err := n.tr.subscribe(ctx, topic); err != nil {
		n.mu.Lock()
		delete(n.topics, topic)
		n.mu.Unlock()
		return err
	}
	return nil
}

func (n *node) Publish(ctx context.Context, topic string, data []byte) (MessageID, error) {
	if n.isClosed() {
		return "", ErrClosed
	}
	wire, id, err := encodeFrame(n.identity, n.frame(kindData, topic, data))
	if err != nil {
		return "", err
	}
	if err := n.tr.publish(ctx, topic, wire); err != nil {
		return "", err
	}
	return id, nil
}

func (n *node) Peers() []NodeID {
	n.mu.Lock()
	out := make([]NodeID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close announces departure, stops the transport and closes Events. It is
// safe to call more than once.
func (n *node) Close() error {
	n.closeOnce.Do(func() { n.closeErr = n.shutdown() })
	return n.closeErr
}

func (n *node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = n.sendControl(ctx, kindLeave)
	cancel()

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	var err error
	if n.tr != nil {
		err = n.tr.close()
	}

	n.mu.Lock()
	close(n.events)
	n.mu.Unlock()
	return err
}

func (n *node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *node) frame(kind frameKind, topic string, data []byte) frameBody {
	return frameBody{
		Kind:   kind,
		Source: n.identity.ID(),
		Seq:    n.seq.Add(1),
		SentAt: time.Now().UnixMilli(),
		Topic:  topic,
		Data:   data,
	}
}

func (n *node) sendControl(ctx context.Context, kind frameKind) error {
	if n.tr == nil {
		return ErrClosed
	}
	wire, _, err := encodeFrame(n.identity, n.frame(kind, "", nil))
	if err != nil {
		return err
	}
	return n.tr.publish(ctx, n.opts.PresenceChannel, wire)
}

// deliver handles one frame read from channel.
func (n *node) deliver(channel string, wire []byte) {
	body, id, err := decodeFrame(wire)
	if err != nil {
		n.log.Debug("dropping overlay frame", "channel", channel, "err", err)
		return
	}
	if body.Source == n.identity.ID() {
		return
	}

	now := time.Now()
	var (
		discovered bool
		expired    bool
		event      Event
	)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.seen.Add(id) {
		n.mu.Unlock()
		return
	}
	switch body.Kind {
	case kindLeave:
		if _, ok := n.peers[body.Source]; ok {
			delete(n.peers, body.Source)
			expired = true
		}
	default:
		if _, ok := n.peers[body.Source]; !ok {
			discovered = true
		}
		n.peers[body.Source] = now
	}
	if body.Kind == kindData {
		if _, ok := n.topics[body.Topic]; ok && channel == body.Topic {
			event = MessageEvent{Message: Message{
				ID:       id,
				Source:   body.Source,
				Topic:    body.Topic,
				Data:     body.Data,
				WireSize: len(wire),
			}}
		}
	}
	n.mu.Unlock()

	if discovered {
		n.log.Info("overlay peer discovered", "peer", body.Source.Short())
		n.emit(PeerDiscovered{Peer: body.Source})
		// Answer right away so the newcomer does not wait a full interval.
		if body.Kind == kindPresence {
			_ = n.sendControl(context.Background(), kindPresence)
		}
	}
	if expired {
		n.log.Info("overlay peer left", "peer", body.Source.Short())
		n.emit(PeerExpired{Peer: body.Source})
	}
	if event != nil {
		n.emit(event)
	}
}

func (n *node) expire(now time.Time) {
	var gone []NodeID
	n.mu.Lock()
	for id, last := range n.peers {
		if now.Sub(last) > n.opts.PresenceTTL {
			delete(n.peers, id)
			gone = append(gone, id)
		}
	}
	n.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		n.log.Info("overlay peer expired", "peer", id.Short())
		n.emit(PeerExpired{Peer: id})
	}
}

// emit never blocks; a full event buffer drops the event.
func (n *node) emit(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	default:
		n.log.Warn("overlay event buffer full, dropping event", "event", eventName(ev))
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case MessageEvent:
		return "message"
	case PeerDiscovered:
		return "peer_discovered"
	case PeerExpired:
		return "peer_expired"
	default:
		return "unknown"
	}
}
