package overlay

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is an in-process broker. Every node joined to the same Bus sees the
// frames the others publish, delivered synchronously on the publisher's
// goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*busTransport]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busTransport]struct{})}
}

// Local is an Overlay attached to a Bus.
type Local struct {
	*node
}

var _ Overlay = (*Local)(nil)

// Join attaches a new node to the bus and announces it.
func (b *Bus) Join(identity Identity, opts Options, log *slog.Logger) (*Local, error) {
	if !identity.valid() {
		return nil, errInvalidIdentity
	}
	n := newNode(identity, opts, log)
	t := &busTransport{bus: b, owner: n}
	if err := t.subscribe(context.Background(), n.opts.PresenceChannel); err != nil {
		return nil, err
	}
	if err := n.subscribeInitial(context.Background(), t); err != nil {
		_ = t.close()
		return nil, err
	}
	n.start(t)
	return &Local{node: n}, nil
}

func (b *Bus) subscribers(channel string) []*busTransport {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.subs[channel]
	out := make([]*busTransport, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

type busTransport struct {
	bus   *Bus
	owner *node

	mu       sync.Mutex
	closed   bool
	channels []string
}

func (t *busTransport) publish(ctx context.Context, channel string, wire []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	for _, sub := range t.bus.subscribers(channel) {
		sub.owner.deliver(channel, wire)
	}
	return nil
}

func (t *busTransport) subscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.channels = append(t.channels, channel)

	t.bus.mu.Lock()
	set := t.bus.subs[channel]
	if set == nil {
		set = make(map[*busTransport]struct{})
		t.bus.subs[channel] = set
	}
	set[t] = struct{}{}
	t.bus.mu.Unlock()
	return nil
}

func (t *busTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.bus.mu.Lock()
	for _, ch := range t.channels {
		delete(t.bus.subs[ch], t)
		if len(t.bus.subs[ch]) == 0 {
			delete(t.bus.subs, ch)
		}
	}
	t.bus.mu.Unlock()
	return nil
}
