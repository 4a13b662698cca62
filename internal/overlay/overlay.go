// Package overlay is the gossip layer relay nodes use to reach each other.
//
// An Overlay publishes opaque payloads to named topics and delivers the
// payloads of other nodes as events, together with peer discovery events
// derived from presence heartbeats. Delivery is best effort: a message can be
// lost or, across reconnects, delivered twice. Consumers must be idempotent.
//
// Two implementations exist. Bus connects nodes inside one process and is
// what tests and standalone mode use. Redis rides on Redis pub/sub so nodes in
// different processes share a broker. Both sign every frame with the node's
// ed25519 key and drop frames whose signature or origin does not check out.
package overlay

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("overlay: closed")
	errInvalidIdentity = errors.New("overlay: identity has no signing key")
)

const (
	DefaultPresenceChannel  = "aero-room-relay/presence"
	DefaultPresenceInterval = 5 * time.Second
	DefaultPresenceTTL      = 15 * time.Second
	DefaultEventBuffer      = 256
)

// NodeID is the lowercase hex BLAKE3-256 digest of a node's public key.
type NodeID string

func (id NodeID) String() string { return string(id) }

// Short is a log-friendly prefix of the id.
func (id NodeID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// MessageID is the hex BLAKE3-256 digest of a signed frame body. Two frames
// with the same id are the same message.
type MessageID string

type Message struct {
	ID     MessageID
	Source NodeID
	Topic  string
	Data   []byte
	// WireSize is the size of the frame as it crossed the transport.
	WireSize int
}

// Event is one of MessageEvent, PeerDiscovered or PeerExpired.
type Event interface {
	isEvent()
}

type MessageEvent struct {
	Message Message
}

type PeerDiscovered struct {
	Peer NodeID
}

// PeerExpired is emitted when a peer announces it is leaving or misses
// heartbeats for longer than the presence TTL.
type PeerExpired struct {
	Peer NodeID
}

func (MessageEvent) isEvent()   {}
func (PeerDiscovered) isEvent() {}
func (PeerExpired) isEvent()    {}

type Overlay interface {
	LocalID() NodeID
	// Subscribe starts delivery of messages published to topic. Subscribing
	// twice is harmless.
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, data []byte) (MessageID, error)
	// Events is closed after Close returns.
	Events() <-chan Event
	// Peers returns the currently live remote nodes, sorted.
	Peers() []NodeID
	Close() error
}

type Options struct {
	// PresenceChannel carries heartbeats and leave announcements.
	PresenceChannel  string
	PresenceInterval time.Duration
	PresenceTTL      time.Duration
	EventBuffer      int

	// Topics are subscribed before the node first announces itself, so
	// anything peers publish in reaction to the announcement is received.
	Topics []string
}

func (o Options) withDefaults() Options {
	if o.PresenceChannel == "" {
		o.PresenceChannel = DefaultPresenceChannel
	}
	if o.PresenceInterval <= 0 {
		o.PresenceInterval = DefaultPresenceInterval
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = DefaultPresenceTTL
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}
