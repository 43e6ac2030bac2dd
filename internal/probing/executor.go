package probing

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vhostlab/hostmatrix/internal/artifacts"
)

const (
	probeUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

	defaultProbeTimeout = 5 * time.Second
	defaultSnippetCap   = 2048
	maxConcurrency      = 20
)

// Doer issues one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientFactory builds a client whose TLS handshake presents serverName as
// SNI. An empty serverName means "derive from the URL host" as usual.
type ClientFactory func(serverName string) Doer

// DefaultClientFactory returns the production client: short timeout, no
// redirect following, TLS verification off (the target universe is
// pre-authorized test infrastructure, frequently self-signed).
func DefaultClientFactory(timeout time.Duration) ClientFactory {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return func(serverName string) Doer {
		return &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName:         serverName,
					InsecureSkipVerify: true,
				},
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
}

// Result is one executed (or synthesized) combination outcome, ready to be
// mapped to a probe row by the scheduler.
type Result struct {
	Combination     Combination
	HTTPStatus      int
	StatusText      string
	BytesTotal      int
	ResponseTimeMS  int64
	SnippetB64      string
	RawResponsePath string
	Attempt         int
	SNIUsed         bool
	SNIOverridden   bool
	Auto421Override bool
	HitIPBlacklist  bool
	Reason          string

	skipped bool // dropped before persistence, filtered out by Run
}

// Executor fans a batch of combinations out under a concurrency cap.
type Executor struct {
	Clients         ClientFactory
	Artifacts       *artifacts.Store
	Attempt         int
	Concurrency     int
	SnippetCap      int
	AutoOverride421 bool
	Log             Logf

	mu          sync.Mutex
	failedHosts map[string]string
}

func (e *Executor) clients() ClientFactory {
	if e.Clients != nil {
		return e.Clients
	}
	return DefaultClientFactory(defaultProbeTimeout)
}

func (e *Executor) snippetCap() int {
	if e.SnippetCap > 0 {
		return e.SnippetCap
	}
	return defaultSnippetCap
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}

// Run executes one batch. Results come back in input order, minus the
// combinations skipped after a same-host DNS failure; tasks complete in any
// order behind the gate.
func (e *Executor) Run(ctx context.Context, combos []Combination) []Result {
	e.mu.Lock()
	e.failedHosts = make(map[string]string)
	e.mu.Unlock()

	results := make([]Result, len(combos))
	gate := make(chan struct{}, clampConcurrency(e.Concurrency))
	var wg sync.WaitGroup
	for i, combo := range combos {
		wg.Add(1)
		go func(i int, combo Combination) {
			defer wg.Done()
			gate <- struct{}{}
			defer func() { <-gate }()
			results[i] = e.probe(ctx, combo)
		}(i, combo)
	}
	wg.Wait()

	kept := results[:0]
	for _, res := range results {
		if res.skipped {
			continue
		}
		kept = append(kept, res)
	}
	return kept
}

// probe runs the full per-combination protocol: default SNI pick, request,
// and the bounded auto-421 retry.
func (e *Executor) probe(ctx context.Context, combo Combination) Result {
	res := Result{Combination: combo, Attempt: e.Attempt}

	parsed, err := url.Parse(combo.RequestURL)
	if err != nil {
		res.Reason = fmt.Sprintf("invalid URL: %v", err)
		return res
	}
	isHTTPS := strings.EqualFold(parsed.Scheme, "https")
	res.SNIUsed = isHTTPS

	// A same-host DNS failure earlier in this batch skips the combination
	// entirely; only the probe that actually failed gets a row.
	requestHost := parsed.Hostname()
	if msg := e.failedHost(requestHost); msg != "" {
		e.Log.printf(fmt.Sprintf("Skipping %s (Host: %s), DNS already failed for %s.", combo.RequestURL, combo.HostHeader, requestHost))
		res.Reason = msg
		res.skipped = true
		return res
	}

	// Attempt 1 handshakes with the original hostname while the Host
	// header lies; attempt 2 presents the tested header as SNI too.
	sni := combo.OriginalHostname
	if e.Attempt >= 2 {
		sni = combo.HostHeader
	}

	status, statusText, body, elapsed, reqErr := e.request(ctx, combo, sni)

	if e.AutoOverride421 && isHTTPS && reqErr == nil && status == http.StatusMisdirectedRequest && sni != combo.HostHeader {
		e.Log.printf(fmt.Sprintf("421 from %s with SNI %s, retrying once with SNI %s", combo.RequestURL, sni, combo.HostHeader))
		sni = combo.HostHeader
		status, statusText, body, elapsed, reqErr = e.request(ctx, combo, sni)
		res.Auto421Override = true
	}

	res.ResponseTimeMS = elapsed.Milliseconds()
	res.SNIOverridden = isHTTPS && sni != combo.OriginalHostname

	if reqErr != nil {
		res.Reason = reqErr.Error()
		if isDNSFailure(reqErr.Error()) {
			e.recordFailedHost(requestHost, reqErr.Error())
		}
		e.writeErrorArtifact(&res, reqErr.Error())
		return res
	}

	res.HTTPStatus = status
	res.StatusText = statusText
	res.BytesTotal = len(body)
	res.SnippetB64 = e.snippet(body)
	if e.Artifacts != nil {
		path, werr := e.Artifacts.WriteResponse(e.Attempt, combo.RequestURL, combo.HostHeader, body, false)
		if werr != nil {
			e.Log.printf(fmt.Sprintf("failed to store response for %s: %v", combo.RequestURL, werr))
		} else {
			res.RawResponsePath = path
		}
	}
	return res
}

// request issues one HTTP exchange and renders the raw status line, headers
// and body into a single dump string.
func (e *Executor) request(ctx context.Context, combo Combination, sni string) (status int, statusText, dump string, elapsed time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, combo.RequestURL, nil)
	if err != nil {
		return 0, "", "", 0, err
	}
	req.Host = combo.HostHeader
	req.Header.Set("User-Agent", probeUserAgent)

	start := time.Now()
	resp, err := e.clients()(sni).Do(req)
	elapsed = time.Since(start)
	if err != nil {
		return 0, "", "", elapsed, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", "", elapsed, err
	}

	statusText = strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	return resp.StatusCode, statusText, renderExchange(resp, body), elapsed, nil
}

// renderExchange formats status line, sorted headers, blank line, body.
func renderExchange(resp *http.Response, body []byte) string {
	var b strings.Builder
	b.WriteString(resp.Proto + " " + resp.Status + "\n")
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range resp.Header[name] {
			b.WriteString(name + ": " + value + "\n")
		}
	}
	b.WriteString("\n")
	b.Write(body)
	return b.String()
}

func (e *Executor) snippet(content string) string {
	raw := []byte(content)
	if limit := e.snippetCap(); len(raw) > limit {
		raw = raw[:limit]
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func (e *Executor) writeErrorArtifact(res *Result, message string) {
	content := "ERROR: " + message
	res.SnippetB64 = e.snippet(content)
	if e.Artifacts == nil {
		return
	}
	path, err := e.Artifacts.WriteResponse(e.Attempt, res.Combination.RequestURL, res.Combination.HostHeader, content, false)
	if err != nil {
		e.Log.printf(fmt.Sprintf("failed to store error artifact for %s: %v", res.Combination.RequestURL, err))
		return
	}
	res.RawResponsePath = path
}

// BlacklistResult synthesizes the row for a combination that never goes on
// the wire because its resolved IP (or literal host) hit the blacklist.
func (e *Executor) BlacklistResult(combo Combination) Result {
	res := Result{
		Combination:    combo,
		Attempt:        e.Attempt,
		StatusText:     "BLACKLISTED",
		HitIPBlacklist: true,
		Reason:         "IP matched blacklist",
	}
	content := fmt.Sprintf(
		"Skipped request because the resolved IP hit the configured blacklist (URL: %s, Host header: %s).",
		combo.RequestURL, combo.HostHeader,
	)
	res.BytesTotal = len(content)
	res.SnippetB64 = e.snippet(content)
	if e.Artifacts != nil {
		path, err := e.Artifacts.WriteResponse(e.Attempt, combo.RequestURL, combo.HostHeader, content, true)
		if err != nil {
			e.Log.printf(fmt.Sprintf("failed to store blacklist artifact for %s: %v", combo.RequestURL, err))
		} else {
			res.RawResponsePath = path
		}
	}
	return res
}

func (e *Executor) failedHost(host string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failedHosts[host]
}

func (e *Executor) recordFailedHost(host, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.failedHosts[host]; !exists {
		e.failedHosts[host] = message
	}
}

var dnsFailureSignatures = []string{
	"no such host",
	"name or service not known",
	"temporary failure in name resolution",
	"nodename nor servname provided",
	"server misbehaving",
}

func isDNSFailure(message string) bool {
	lowered := strings.ToLower(message)
	for _, sig := range dnsFailureSignatures {
		if strings.Contains(lowered, sig) {
			return true
		}
	}
	return false
}
