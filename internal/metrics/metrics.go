package metrics

import "sync"

// Counter names. The transport increments these alongside the per-transport
// byte counters; they are process-wide totals across all transports.
const (
	DatagramsReceived = "datagrams_received"
	DatagramsSent     = "datagrams_sent"

	// Inbound drop reasons.
	DropUnknownFraming = "drop_unknown_framing"
	DropNotConnected   = "drop_not_connected"
	DropSpoofedSource  = "drop_spoofed_source"
	DropRTPDecrypt     = "drop_rtp_decrypt"
	DropRTCPDecrypt    = "drop_rtcp_decrypt"
	DropRTPParse       = "drop_rtp_parse"
	DropRTCPParse      = "drop_rtcp_parse"

	// Outbound failures.
	SendNotConnected = "send_not_connected"
	SendEncrypt      = "send_encrypt_error"
	SendSocket       = "send_socket_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps the pipeline drop accounting testable without one.
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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
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
