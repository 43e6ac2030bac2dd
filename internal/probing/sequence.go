package probing

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/vhostlab/hostmatrix/internal/artifacts"
	"github.com/vhostlab/hostmatrix/internal/domain/probe"
	"github.com/vhostlab/hostmatrix/internal/domain/run"
	"github.com/vhostlab/hostmatrix/internal/domain/sequence"
)

const (
	defaultSequenceTimeout = 15 * time.Second
	sequenceSkipReason     = "SKIPPED (normal request failed)"
)

// SequenceProber sends each request definition as a baseline/injected pair
// over one TCP connection, timing every phase. Connections never outlive
// their pair.
type SequenceProber struct {
	Runs       run.Repo
	Probes     probe.Repo
	Results    sequence.Repo
	Artifacts  *artifacts.Store
	Timeout    time.Duration
	SnippetCap int
	Log        Logf

	// NewClient overrides the per-pair client constructor in tests.
	NewClient func() *http.Client
}

func (p *SequenceProber) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultSequenceTimeout
}

func (p *SequenceProber) snippetCap() int {
	if p.SnippetCap > 0 {
		return p.SnippetCap
	}
	return defaultSnippetCap
}

func (p *SequenceProber) client() *http.Client {
	if p.NewClient != nil {
		return p.NewClient()
	}
	return &http.Client{
		Timeout: p.timeout(),
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			// Reuse within the pair is the point; one idle slot is enough.
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ValidateGroup rejects definitions that do not all target the same host.
// Splitting a sequence group across hosts would break the single-connection
// guarantee, so it is an input error, not a degraded run.
func ValidateGroup(defs []sequence.RequestDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("sequence group is empty")
	}
	var host string
	for _, def := range defs {
		parsed, err := url.Parse(strings.TrimSpace(def.URL))
		if err != nil || parsed.Hostname() == "" || parsed.Scheme == "" {
			return fmt.Errorf("invalid sequence URL %q", def.URL)
		}
		if host == "" {
			host = parsed.Hostname()
		} else if parsed.Hostname() != host {
			return fmt.Errorf("sequence group spans hosts %q and %q, all requests must share one host", host, parsed.Hostname())
		}
	}
	return nil
}

// Execute runs all pairs in order, persisting one probe row and one sequence
// row per leg and bumping the run's progress counter after each pair.
func (p *SequenceProber) Execute(ctx context.Context, r *run.Run, defs []sequence.RequestDef) error {
	if err := ValidateGroup(defs); err != nil {
		return err
	}

	for pairIdx, def := range defs {
		stopped, err := p.checkStop(ctx, r)
		if err != nil {
			return err
		}
		if stopped {
			p.Log.printf(fmt.Sprintf("Run %d stopped before sequence pair %d.", r.ID, pairIdx))
			return nil
		}

		client := p.client()

		normalIdx := pairIdx * 2
		injectedIdx := normalIdx + 1

		parsed, _ := url.Parse(strings.TrimSpace(def.URL))
		baselineHost := parsed.Hostname()

		leg1 := p.sendLeg(ctx, client, def, baselineHost, sequence.RequestTypeNormal, normalIdx, r.ID)
		p.persistLeg(ctx, r, leg1)

		var leg2 *legOutcome
		if leg1.err == nil {
			leg2 = p.sendLeg(ctx, client, def, def.HostHeader, sequence.RequestTypeInjected, injectedIdx, r.ID)
		} else {
			p.Log.printf(fmt.Sprintf("Normal request for pair %d failed, skipping injected leg: %v", pairIdx, leg1.err))
			leg2 = p.skippedLeg(def, injectedIdx, r.ID)
		}
		p.persistLeg(ctx, r, leg2)

		client.CloseIdleConnections()

		r.ProcessedCombinations = clampProcessed(r.ProcessedCombinations+1, r.TotalCombinations)
		if err := p.Runs.Update(ctx, r); err != nil {
			p.Log.printf(fmt.Sprintf("failed to update progress after pair %d: %v", pairIdx, err))
		}
	}
	return nil
}

func (p *SequenceProber) checkStop(ctx context.Context, r *run.Run) (bool, error) {
	current, err := p.Runs.GetByID(ctx, r.ID)
	if err != nil {
		return false, fmt.Errorf("poll run status: %w", err)
	}
	r.Status = current.Status
	if current.Status == run.StatusStopping {
		r.Status = run.StatusStopped
		if err := p.Runs.Update(ctx, r); err != nil {
			return true, fmt.Errorf("acknowledge stop: %w", err)
		}
		return true, nil
	}
	return current.Status == run.StatusStopped, nil
}

type legOutcome struct {
	def         sequence.RequestDef
	runID       int64
	index       int
	requestType string
	host        string

	status     int
	statusText string
	bytes      int
	dump       string
	reused     bool
	err        error
	skipped    bool

	totalMS *int64
	dnsMS   *int64
	tcpMS   *int64
	tlsMS   *int64
	ttfbMS  *int64
}

// sendLeg issues one request with full phase tracing on the shared client.
func (p *SequenceProber) sendLeg(ctx context.Context, client *http.Client, def sequence.RequestDef, host, requestType string, index int, runID int64) *legOutcome {
	out := &legOutcome{def: def, runID: runID, index: index, requestType: requestType, host: host}

	method := strings.ToUpper(strings.TrimSpace(def.Method))
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, def.URL, nil)
	if err != nil {
		out.err = err
		return out
	}
	req.Host = host
	req.Header.Set("User-Agent", probeUserAgent)

	var (
		dnsStart, connStart, tlsStart time.Time
		dnsMS, tcpMS, tlsMS, ttfbMS   *int64
		reused                        bool
	)
	start := time.Now()
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			dnsMS = int64Ptr(time.Since(dnsStart).Milliseconds())
		},
		ConnectStart: func(string, string) { connStart = time.Now() },
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				tcpMS = int64Ptr(time.Since(connStart).Milliseconds())
			}
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				tlsMS = int64Ptr(time.Since(tlsStart).Milliseconds())
			}
		},
		GotConn: func(info httptrace.GotConnInfo) { reused = info.Reused },
		GotFirstResponseByte: func() {
			ttfbMS = int64Ptr(time.Since(start).Milliseconds())
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := client.Do(req)
	elapsed := time.Since(start)
	out.totalMS = int64Ptr(elapsed.Milliseconds())
	out.dnsMS, out.tcpMS, out.tlsMS, out.ttfbMS = dnsMS, tcpMS, tlsMS, ttfbMS
	out.reused = reused
	if err != nil {
		out.err = err
		out.dump = fmt.Sprintf("%s %s\nHost: %s\n\nERROR: %v", method, def.URL, host, err)
		return out
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		out.err = err
		out.dump = fmt.Sprintf("%s %s\nHost: %s\n\nERROR: %v", method, def.URL, host, err)
		return out
	}

	out.status = resp.StatusCode
	out.statusText = strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	out.bytes = len(body)
	out.dump = fmt.Sprintf("=== REQUEST ===\n%s %s\nHost: %s\n\n=== RESPONSE ===\n%s", method, def.URL, host, renderExchange(resp, body))
	return out
}

func (p *SequenceProber) skippedLeg(def sequence.RequestDef, index int, runID int64) *legOutcome {
	return &legOutcome{
		def:         def,
		runID:       runID,
		index:       index,
		requestType: sequence.RequestTypeInjected,
		host:        def.HostHeader,
		skipped:     true,
		dump:        sequenceSkipReason,
	}
}

// persistLeg writes the artifact, the probe row and the sequence row for one
// leg. Persistence failures are logged, not fatal; a lost leg record should
// not break replay ordering of the rest of the group.
func (p *SequenceProber) persistLeg(ctx context.Context, r *run.Run, leg *legOutcome) {
	var rawPath string
	if p.Artifacts != nil {
		path, err := p.Artifacts.WriteSequence(leg.runID, leg.index, leg.requestType, leg.dump)
		if err != nil {
			p.Log.printf(fmt.Sprintf("failed to store sequence dump %d: %v", leg.index, err))
		} else {
			rawPath = path
		}
	}

	reason := ""
	if leg.skipped {
		reason = sequenceSkipReason
	} else if leg.err != nil {
		reason = leg.err.Error()
	}

	responseTime := int64(0)
	if leg.totalMS != nil {
		responseTime = *leg.totalMS
	}

	row := &probe.Probe{
		RunID:            leg.runID,
		TargetURL:        leg.def.URL,
		TestedHostHeader: leg.host,
		HTTPStatus:       leg.status,
		StatusText:       leg.statusText,
		BytesTotal:       leg.bytes,
		ResponseTimeMS:   responseTime,
		SnippetB64:       p.legSnippet(leg.dump),
		RawResponsePath:  rawPath,
		Attempt:          1,
		SNIUsed:          strings.HasPrefix(strings.ToLower(leg.def.URL), "https"),
		CorrelationID:    sequenceCorrelationID(leg.def.URL, leg.host, leg.index),
		Reason:           reason,
	}
	var probeID *int64
	if err := p.Probes.Insert(ctx, row); err != nil {
		p.Log.printf(fmt.Sprintf("failed to insert probe for sequence leg %d: %v", leg.index, err))
	} else {
		probeID = &row.ID
	}

	result := &sequence.Result{
		RunID:             leg.runID,
		ProbeID:           probeID,
		SequenceIndex:     leg.index,
		ConnectionReused:  leg.reused,
		DNSTimeMS:         leg.dnsMS,
		TCPConnectTimeMS:  leg.tcpMS,
		TLSHandshakeMS:    leg.tlsMS,
		TimeToFirstByteMS: leg.ttfbMS,
		TotalTimeMS:       leg.totalMS,
		RequestType:       leg.requestType,
	}
	if err := p.Results.Insert(ctx, result); err != nil {
		p.Log.printf(fmt.Sprintf("failed to insert sequence result %d: %v", leg.index, err))
	}
}

func (p *SequenceProber) legSnippet(content string) string {
	raw := []byte(content)
	if limit := p.snippetCap(); len(raw) > limit {
		raw = raw[:limit]
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// sequenceCorrelationID keys each leg separately: legs of one pair are not
// attempts of one combination, so they must not collapse in diffs.
func sequenceCorrelationID(rawURL, host string, index int) string {
	id := fmt.Sprintf("%s__%s__%d", artifacts.URLSlug(rawURL), artifacts.Slug(host), index)
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}

func clampProcessed(processed, total int) int {
	if processed > total {
		return total
	}
	return processed
}

func int64Ptr(v int64) *int64 { return &v }
