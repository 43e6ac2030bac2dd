package probing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vhostlab/hostmatrix/internal/domain/run"
	"github.com/vhostlab/hostmatrix/internal/domain/sequence"
)

type memSeqs struct {
	mu     sync.Mutex
	nextID int64
	rows   []*sequence.Result
}

func (m *memSeqs) Insert(_ context.Context, r *sequence.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	cp := *r
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memSeqs) ListByRun(_ context.Context, runID int64) ([]*sequence.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sequence.Result
	for _, r := range m.rows {
		if r.RunID == runID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func TestValidateGroup(t *testing.T) {
	require.Error(t, ValidateGroup(nil))
	require.Error(t, ValidateGroup([]sequence.RequestDef{{URL: "no scheme"}}))
	require.Error(t, ValidateGroup([]sequence.RequestDef{
		{URL: "http://a.example/"},
		{URL: "http://b.example/"},
	}))
	require.NoError(t, ValidateGroup([]sequence.RequestDef{
		{URL: "http://a.example/x"},
		{URL: "http://a.example/y"},
	}))
}

func TestSequencePairReusesConnection(t *testing.T) {
	var mu sync.Mutex
	var seenHosts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenHosts = append(seenHosts, r.Host)
		mu.Unlock()
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 1}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	seqs := &memSeqs{}

	p := &SequenceProber{Runs: runs, Probes: probes, Results: seqs}
	err := p.Execute(context.Background(), rn, []sequence.RequestDef{
		{URL: srv.URL + "/", HostHeader: "evil.example.com"},
	})
	require.NoError(t, err)

	require.Len(t, seenHosts, 2)
	require.Equal(t, "evil.example.com", seenHosts[1])

	require.Len(t, probes.rows, 2)
	require.Equal(t, http.StatusOK, probes.rows[0].HTTPStatus)
	require.Equal(t, http.StatusOK, probes.rows[1].HTTPStatus)
	require.Equal(t, "evil.example.com", probes.rows[1].TestedHostHeader)

	require.Len(t, seqs.rows, 2)
	require.Equal(t, sequence.RequestTypeNormal, seqs.rows[0].RequestType)
	require.Equal(t, 0, seqs.rows[0].SequenceIndex)
	require.False(t, seqs.rows[0].ConnectionReused)
	require.Equal(t, sequence.RequestTypeInjected, seqs.rows[1].RequestType)
	require.Equal(t, 1, seqs.rows[1].SequenceIndex)
	require.True(t, seqs.rows[1].ConnectionReused)
	require.NotNil(t, seqs.rows[1].TotalTimeMS)

	stored, err := runs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, stored.ProcessedCombinations)
}

func TestSequenceSkipsInjectedLegWhenNormalFails(t *testing.T) {
	rn := &run.Run{ID: 2, Status: run.StatusRunning, TotalCombinations: 1}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	seqs := &memSeqs{}

	p := &SequenceProber{Runs: runs, Probes: probes, Results: seqs}
	err := p.Execute(context.Background(), rn, []sequence.RequestDef{
		// closed port: leg 1 cannot connect
		{URL: "http://127.0.0.1:1/", HostHeader: "evil.example.com"},
	})
	require.NoError(t, err)

	require.Len(t, probes.rows, 2)
	require.NotEmpty(t, probes.rows[0].Reason)
	require.Zero(t, probes.rows[0].HTTPStatus)

	skipped := probes.rows[1]
	require.Equal(t, "SKIPPED (normal request failed)", skipped.Reason)
	require.Zero(t, skipped.HTTPStatus)
	require.Zero(t, skipped.BytesTotal)

	require.Len(t, seqs.rows, 2)
	require.Equal(t, sequence.RequestTypeInjected, seqs.rows[1].RequestType)
	require.False(t, seqs.rows[1].ConnectionReused)
}

func TestSequenceStopsCooperatively(t *testing.T) {
	rn := &run.Run{ID: 3, Status: run.StatusRunning, TotalCombinations: 2}
	runs := newMemRuns(rn)
	runs.setStatus(3, run.StatusStopping)

	p := &SequenceProber{Runs: runs, Probes: &memProbes{}, Results: &memSeqs{}}
	err := p.Execute(context.Background(), rn, []sequence.RequestDef{
		{URL: "http://127.0.0.1:1/a", HostHeader: "x"},
		{URL: "http://127.0.0.1:1/b", HostHeader: "y"},
	})
	require.NoError(t, err)

	stored, err := runs.GetByID(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, run.StatusStopped, stored.Status)
}
