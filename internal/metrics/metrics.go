package metrics

import "sync"

// Event names incremented by the relay and SFU layers.
const (
	EventRelayConnAccepted   = "relay_conn_accepted"
	EventRelayConnClosed     = "relay_conn_closed"
	EventRelayConnRejected   = "relay_conn_rejected"
	EventRelayMsgForwarded   = "relay_msg_forwarded"
	EventRelayMsgMalformed   = "relay_msg_malformed"
	EventRelayMsgRateLimited = "relay_msg_rate_limited"
	EventRelaySlowConsumer   = "relay_slow_consumer"

	EventRoomCreated      = "room_created"
	EventRoomCollected    = "room_collected"
	EventRoomJoined       = "room_joined"
	EventRoomLeft         = "room_left"
	EventRoomDisconnected = "room_disconnected"

	EventSFUProducerStarted = "sfu_producer_started"
	EventSFUProducerStopped = "sfu_producer_stopped"
	EventSFUConsumerStarted = "sfu_consumer_started"
	EventSFUConsumerStopped = "sfu_consumer_stopped"
	EventSFUNegotiationErr  = "sfu_negotiation_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The broker is expected to plug into a real metrics backend eventually; this
// type keeps the relay/SFU accounting testable and scrapeable in the meantime.
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

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
