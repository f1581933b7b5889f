package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Bridge events.
const (
	BridgeConnections          = "bridge_connections"
	BridgeConnectionsRejected  = "bridge_connections_rejected"
	BridgeBindFailures         = "bridge_bind_failures"
	BridgeDatagramsIn          = "bridge_datagrams_in"
	BridgeDatagramsOut         = "bridge_datagrams_out"
	BridgeDroppedShort         = "bridge_dropped_short"
	BridgeDroppedOversized     = "bridge_dropped_oversized"
	BridgeDroppedPolicy        = "bridge_dropped_denied_by_policy"
	BridgeDroppedRateLimited   = "bridge_dropped_rate_limited"
	BridgeDroppedBackpressure  = "bridge_dropped_backpressure"
	BridgeDroppedSendFailed    = "bridge_dropped_send_failed"
	BridgeTextFramesIgnored    = "bridge_text_frames_ignored"
	BridgePortAllocationFailed = "bridge_port_allocation_failed"
)

// Relay and peer process events.
const (
	RelayCalls          = "relay_calls"
	RelayTimeouts       = "relay_timeouts"
	RelayProtocolErrors = "relay_protocol_errors"
	RelayStaleDiscarded = "relay_stale_replies_discarded"
	PeerSpawns          = "peer_spawns"
	PeerSpawnFailures   = "peer_spawn_failures"
	PeerRestarts        = "peer_restarts"
)

const namespace = "portal_relay"

// Metrics is a concurrency-safe counter registry.
//
// Counters are mirrored into a private Prometheus registry (one counter vector
// labelled by event) so they can be scraped, while Get/Snapshot keep
// enforcement logic testable without parsing the exposition format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func New() *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(events)

	return &Metrics{
		m:        make(map[string]uint64),
		registry: reg,
		events:   events,
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()

	if m.events != nil {
		m.events.WithLabelValues(name).Add(float64(delta))
	}
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Registry exposes the Prometheus registry backing m. Callers may register
// additional collectors (e.g. gauges) on it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
