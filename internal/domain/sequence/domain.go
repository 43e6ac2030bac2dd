package sequence

import "time"

// RequestDef is one caller-supplied pair definition: leg 1 goes out with the
// URL's own hostname, leg 2 with HostHeader, both over one connection.
type RequestDef struct {
	URL        string `json:"url"`
	HostHeader string `json:"host_header"`
	Method     string `json:"method"`
}

const (
	RequestTypeNormal   = "normal"
	RequestTypeInjected = "injected"
)

// Result is the per-leg timing/metadata record. ProbeID is a weak reference:
// it is nulled if the probe row disappears, never the other way around.
type Result struct {
	ID                int64     `json:"id"`
	RunID             int64     `json:"run_id"`
	ProbeID           *int64    `json:"probe_id"`
	SequenceIndex     int       `json:"sequence_index"`
	ConnectionReused  bool      `json:"connection_reused"`
	DNSTimeMS         *int64    `json:"dns_time_ms"`
	TCPConnectTimeMS  *int64    `json:"tcp_connect_time_ms"`
	TLSHandshakeMS    *int64    `json:"tls_handshake_time_ms"`
	TimeToFirstByteMS *int64    `json:"time_to_first_byte_ms"`
	TotalTimeMS       *int64    `json:"total_time_ms"`
	RequestType       string    `json:"request_type"`
	CreatedAt         time.Time `json:"created_at"`
}
