package probe

import "time"

// Probe is one observed (request URL, Host header) outcome. Rows are
// immutable once written; the owning run cascades deletes.
type Probe struct {
	ID               int64     `json:"id"`
	RunID            int64     `json:"run_id"`
	TargetURL        string    `json:"target_url"`
	TestedHostHeader string    `json:"tested_host_header"`
	HTTPStatus       int       `json:"http_status"`
	StatusText       string    `json:"status_text"`
	BytesTotal       int       `json:"bytes_total"`
	ResponseTimeMS   int64     `json:"response_time_ms"`
	SnippetB64       string    `json:"snippet_b64"`
	RawResponsePath  string    `json:"raw_response_path"`
	Attempt          int       `json:"attempt"`
	SNIUsed          bool      `json:"sni_used"`
	SNIOverridden    bool      `json:"sni_overridden"`
	Auto421Override  bool      `json:"auto_421_override"`
	HitIPBlacklist   bool      `json:"hit_ip_blacklist"`
	CorrelationID    string    `json:"correlation_id"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}

// Distribution buckets probes by status class.
type Distribution struct {
	Success     int `json:"success"`
	Redirect    int `json:"redirect"`
	ClientError int `json:"client_error"`
	ServerError int `json:"server_error"`
	Other       int `json:"other"`
}

// LatencyStats covers probes with a positive recorded response time.
type LatencyStats struct {
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
}

// Summary421 accounts for automatic SNI-override retries. A retry counts as
// successful when the final recorded status landed in [200,400).
type Summary421 struct {
	Total421          int `json:"total_421"`
	Retries           int `json:"retries"`
	SuccessfulRetries int `json:"successful_retries"`
	FailedRetries     int `json:"failed_retries"`
}
