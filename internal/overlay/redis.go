package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is an Overlay that uses Redis pub/sub as the broker. Each topic maps
// to a Redis channel of the same name.
type Redis struct {
	*node
	client *redis.Client
}

var _ Overlay = (*Redis)(nil)

// DialRedis connects to the broker at url (redis://[user:pass@]host:port/db),
// subscribes to the presence channel and announces the node.
func DialRedis(ctx context.Context, url string, identity Identity, opts Options, log *slog.Logger) (*Redis, error) {
	if !identity.valid() {
		return nil, errInvalidIdentity
	}
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	n := newNode(identity, opts, log)
	pubsub := client.Subscribe(ctx, n.opts.PresenceChannel)
	// Wait for the subscription confirmation so the first presence reply is
	// not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", n.opts.PresenceChannel, err)
	}

	t := &redisTransport{client: client, pubsub: pubsub, done: make(chan struct{})}
	go t.receive(n)
	if err := n.subscribeInitial(ctx, t); err != nil {
		_ = t.close()
		return nil, err
	}
	n.start(t)

	return &Redis{node: n, client: client}, nil
}

// Ping reports whether the broker is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type redisTransport struct {
	client *redis.Client
	pubsub *redis.PubSub
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (t *redisTransport) receive(n *node) {
	defer close(t.done)
	for msg := range t.pubsub.Channel() {
		n.deliver(msg.Channel, []byte(msg.Payload))
	}
}

func (t *redisTransport) publish(ctx context.Context, channel string, wire []byte) error {
	if err := t.client.Publish(ctx, channel, wire).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (t *redisTransport) subscribe(ctx context.Context, channel string) error {
	if err := t.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	return nil
}

func (t *redisTransport) close() error {
	t.closeOnce.Do(func() {
		if err := t.pubsub.Close(); err != nil {
			t.closeErr = err
		}
		<-t.done
		if err := t.client.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}
