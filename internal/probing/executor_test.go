package probing

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

type recordedRequest struct {
	sni  string
	host string
}

// recordingFactory replays canned responses keyed by SNI and records every
// issued request.
type recordingFactory struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]int
	err       error
}

func (r *recordingFactory) factory() ClientFactory {
	return func(serverName string) Doer {
		return doerFunc(func(req *http.Request) (*http.Response, error) {
			r.mu.Lock()
			r.requests = append(r.requests, recordedRequest{sni: serverName, host: req.Host})
			r.mu.Unlock()
			if r.err != nil {
				return nil, r.err
			}
			status := r.responses[serverName]
			if status == 0 {
				status = http.StatusOK
			}
			return &http.Response{
				StatusCode: status,
				Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
				Proto:      "HTTP/1.1",
				Header:     http.Header{"Content-Type": {"text/plain"}},
				Body:       io.NopCloser(strings.NewReader("body")),
			}, nil
		})
	}
}

func httpsCombo() Combination {
	return Combination{
		RequestURL:       "https://203.0.113.5/",
		HostHeader:       "evil.example.com",
		OriginalHostname: "example.com",
		OriginalURL:      "https://example.com/",
	}
}

func TestProbeAttempt1UsesOriginalHostnameAsSNI(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{}}
	e := &Executor{Clients: rf.factory(), Attempt: 1}

	res := e.probe(context.Background(), httpsCombo())

	require.Len(t, rf.requests, 1)
	require.Equal(t, "example.com", rf.requests[0].sni)
	require.Equal(t, "evil.example.com", rf.requests[0].host)
	require.Equal(t, http.StatusOK, res.HTTPStatus)
	require.True(t, res.SNIUsed)
	require.False(t, res.SNIOverridden)
	require.False(t, res.Auto421Override)
}

func TestProbeAttempt2OverridesSNI(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{}}
	e := &Executor{Clients: rf.factory(), Attempt: 2}

	res := e.probe(context.Background(), httpsCombo())

	require.Len(t, rf.requests, 1)
	require.Equal(t, "evil.example.com", rf.requests[0].sni)
	require.True(t, res.SNIOverridden)
	require.Equal(t, 2, res.Attempt)
}

func TestAuto421RetriesExactlyOnce(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{
		"example.com":      http.StatusMisdirectedRequest,
		"evil.example.com": http.StatusOK,
	}}
	e := &Executor{Clients: rf.factory(), Attempt: 1, AutoOverride421: true}

	res := e.probe(context.Background(), httpsCombo())

	require.Len(t, rf.requests, 2)
	require.Equal(t, "example.com", rf.requests[0].sni)
	require.Equal(t, "evil.example.com", rf.requests[1].sni)
	require.Equal(t, http.StatusOK, res.HTTPStatus)
	require.True(t, res.Auto421Override)
	require.True(t, res.SNIOverridden)
}

func TestAuto421RetryStillReports421(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{
		"example.com":      http.StatusMisdirectedRequest,
		"evil.example.com": http.StatusMisdirectedRequest,
	}}
	e := &Executor{Clients: rf.factory(), Attempt: 1, AutoOverride421: true}

	res := e.probe(context.Background(), httpsCombo())

	// one retry, never more, even when the override also returns 421
	require.Len(t, rf.requests, 2)
	require.Equal(t, http.StatusMisdirectedRequest, res.HTTPStatus)
	require.True(t, res.Auto421Override)
}

func TestAuto421NoRetryWhenDisabled(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{
		"example.com": http.StatusMisdirectedRequest,
	}}
	e := &Executor{Clients: rf.factory(), Attempt: 1}

	res := e.probe(context.Background(), httpsCombo())

	require.Len(t, rf.requests, 1)
	require.Equal(t, http.StatusMisdirectedRequest, res.HTTPStatus)
	require.False(t, res.Auto421Override)
}

func TestAuto421NoRetryWhenSNIAlreadyMatches(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{
		"evil.example.com": http.StatusMisdirectedRequest,
	}}
	e := &Executor{Clients: rf.factory(), Attempt: 2, AutoOverride421: true}

	res := e.probe(context.Background(), httpsCombo())

	require.Len(t, rf.requests, 1)
	require.False(t, res.Auto421Override)
}

func TestAuto421NoRetryOnPlainHTTP(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{
		"example.com": http.StatusMisdirectedRequest,
	}}
	e := &Executor{Clients: rf.factory(), Attempt: 1, AutoOverride421: true}

	combo := httpsCombo()
	combo.RequestURL = "http://203.0.113.5/"
	res := e.probe(context.Background(), combo)

	require.Len(t, rf.requests, 1)
	require.False(t, res.Auto421Override)
	require.False(t, res.SNIUsed)
}

func TestProbeTransportError(t *testing.T) {
	rf := &recordingFactory{err: fmt.Errorf("dial tcp: connection refused")}
	e := &Executor{Clients: rf.factory(), Attempt: 1}

	res := e.probe(context.Background(), httpsCombo())

	require.Zero(t, res.HTTPStatus)
	require.Contains(t, res.Reason, "connection refused")

	snippet, err := base64.StdEncoding.DecodeString(res.SnippetB64)
	require.NoError(t, err)
	require.Equal(t, "ERROR: dial tcp: connection refused", string(snippet))
}

func TestDNSFailureShortCircuitsSameHost(t *testing.T) {
	rf := &recordingFactory{err: fmt.Errorf("lookup gone.example: no such host")}
	e := &Executor{Clients: rf.factory(), Attempt: 1, Concurrency: 1}

	combos := []Combination{
		{RequestURL: "http://gone.example/a", HostHeader: "h1", OriginalHostname: "gone.example"},
		{RequestURL: "http://gone.example/b", HostHeader: "h2", OriginalHostname: "gone.example"},
	}
	results := e.Run(context.Background(), combos)

	// only the first combination reaches the transport; the short-circuited
	// one yields no result at all
	require.Len(t, rf.requests, 1)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Reason, "no such host")
	require.Zero(t, results[0].HTTPStatus)
}

func TestBlacklistResultIssuesNoRequest(t *testing.T) {
	rf := &recordingFactory{}
	e := &Executor{Clients: rf.factory(), Attempt: 1}

	res := e.BlacklistResult(httpsCombo())

	require.Empty(t, rf.requests)
	require.Zero(t, res.HTTPStatus)
	require.Equal(t, "BLACKLISTED", res.StatusText)
	require.True(t, res.HitIPBlacklist)
	require.Equal(t, "IP matched blacklist", res.Reason)
}

func TestSnippetCap(t *testing.T) {
	rf := &recordingFactory{responses: map[string]int{}}
	e := &Executor{Clients: rf.factory(), Attempt: 1, SnippetCap: 10}

	res := e.probe(context.Background(), httpsCombo())

	snippet, err := base64.StdEncoding.DecodeString(res.SnippetB64)
	require.NoError(t, err)
	require.Len(t, snippet, 10)
}

func TestRunBoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	factory := func(string) Doer {
		return doerFunc(func(*http.Request) (*http.Response, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()
			return &http.Response{
				StatusCode: http.StatusOK,
				Status:     "200 OK",
				Proto:      "HTTP/1.1",
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("ok")),
			}, nil
		})
	}
	e := &Executor{Clients: factory, Attempt: 1, Concurrency: 3}

	combos := make([]Combination, 30)
	for i := range combos {
		combos[i] = Combination{
			RequestURL:       fmt.Sprintf("http://host%d.example/", i),
			HostHeader:       "h.example",
			OriginalHostname: fmt.Sprintf("host%d.example", i),
		}
	}
	results := e.Run(context.Background(), combos)

	require.Len(t, results, 30)
	require.LessOrEqual(t, peak, 3)
	for _, res := range results {
		require.Equal(t, http.StatusOK, res.HTTPStatus)
	}
}
