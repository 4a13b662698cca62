package metrics

import "sync"

// Event counter names. They surface as the `event` label of
// aero_room_relay_events_total.
const (
	SignalingMalformed     = "signaling_malformed"
	SignalingRateLimited   = "signaling_rate_limited"
	SignalingBinaryDropped = "signaling_binary_dropped"
	SignalingUnexpected    = "signaling_unexpected"
	SignalingRouteMiss     = "signaling_route_miss"

	OverlayPublishFailed = "overlay_publish_failed"
	OverlayDecodeFailed  = "overlay_decode_failed"
	OverlayRemoteApplied = "overlay_remote_applied"
	OverlayRemoteStale   = "overlay_remote_stale"
	BootnodeRepublished  = "bootnode_republished"
	RoomsReaped          = "rooms_reaped"
	InvariantViolations  = "invariant_violations"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
