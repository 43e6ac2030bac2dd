package probing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vhostlab/hostmatrix/internal/domain/probe"
	"github.com/vhostlab/hostmatrix/internal/domain/run"
)

type memRuns struct {
	mu   sync.Mutex
	runs map[int64]*run.Run
}

func newMemRuns(rn *run.Run) *memRuns {
	cp := *rn
	return &memRuns{runs: map[int64]*run.Run{rn.ID: &cp}}
}

func (m *memRuns) Create(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memRuns) GetByID(_ context.Context, id int64) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %d not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memRuns) Update(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memRuns) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

func (m *memRuns) setStatus(id int64, s run.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = s
}

type memProbes struct {
	mu     sync.Mutex
	nextID int64
	rows   []*probe.Probe
}

func (m *memProbes) Insert(_ context.Context, p *probe.Probe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now().UTC()
	cp := *p
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memProbes) GetByID(_ context.Context, id int64) (*probe.Probe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("probe %d not found", id)
}

func (m *memProbes) ListByRun(_ context.Context, runID int64) ([]*probe.Probe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*probe.Probe
	for _, p := range m.rows {
		if p.RunID == runID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// passTx executes the function inline; failBatches pretends those commits
// failed after the fact.
type passTx struct {
	calls       int
	failBatches map[int]bool
}

func (t *passTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	t.calls++
	if t.failBatches[t.calls] {
		return fmt.Errorf("commit failed")
	}
	return fn(ctx)
}

func okFactory(status int) ClientFactory {
	return func(string) Doer {
		return doerFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: status,
				Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
				Proto:      "HTTP/1.1",
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("hello")),
			}, nil
		})
	}
}

func testCombos(n int) []Combination {
	combos := make([]Combination, n)
	for i := range combos {
		combos[i] = Combination{
			RequestURL:       fmt.Sprintf("http://203.0.113.%d/", i+1),
			HostHeader:       "evil.example.com",
			OriginalHostname: fmt.Sprintf("host%d.example", i+1),
		}
	}
	return combos
}

func newTestScheduler(runs *memRuns, probes *memProbes, tx Transactor, status int) *Scheduler {
	return &Scheduler{
		Runs:   runs,
		Probes: probes,
		Tx:     tx,
		Executor: &Executor{
			Clients:     okFactory(status),
			Attempt:     1,
			Concurrency: 4,
		},
		BatchSize:  2,
		BatchPause: time.Millisecond,
	}
}

func TestSchedulerPersistsAllBatches(t *testing.T) {
	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 5}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := newTestScheduler(runs, probes, &passTx{}, http.StatusOK)

	status, err := s.Execute(context.Background(), rn, &Expansion{Combos: testCombos(5)})
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, status)

	require.Len(t, probes.rows, 5)
	stored, err := runs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 5, stored.ProcessedCombinations)
}

func TestSchedulerCommitsBlacklistFirst(t *testing.T) {
	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 3}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := newTestScheduler(runs, probes, &passTx{}, http.StatusOK)

	exp := &Expansion{
		Combos:      testCombos(2),
		Blacklisted: []Combination{{RequestURL: "http://10.0.0.5/", HostHeader: "evil.example.com"}},
	}
	_, err := s.Execute(context.Background(), rn, exp)
	require.NoError(t, err)

	require.Len(t, probes.rows, 3)
	first := probes.rows[0]
	require.True(t, first.HitIPBlacklist)
	require.Zero(t, first.HTTPStatus)
	require.Equal(t, "BLACKLISTED", first.StatusText)
}

func TestSchedulerStopsBetweenBatches(t *testing.T) {
	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 6}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := newTestScheduler(runs, probes, &passTx{}, http.StatusOK)

	runs.setStatus(1, run.StatusStopping)

	status, err := s.Execute(context.Background(), rn, &Expansion{Combos: testCombos(6)})
	require.NoError(t, err)
	require.Equal(t, run.StatusStopped, status)

	require.Empty(t, probes.rows)
	stored, err := runs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, run.StatusStopped, stored.Status)
}

func TestSchedulerStatusFilterCountsButDoesNotStore(t *testing.T) {
	rn := &run.Run{
		ID:                1,
		Status:            run.StatusRunning,
		TotalCombinations: 4,
		SubTestCase:       2,
		StatusFilters:     []int{http.StatusNotFound},
	}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := newTestScheduler(runs, probes, &passTx{}, http.StatusNotFound)

	_, err := s.Execute(context.Background(), rn, &Expansion{Combos: testCombos(4)})
	require.NoError(t, err)

	require.Empty(t, probes.rows)
	stored, err := runs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 4, stored.ProcessedCombinations)
}

func TestSchedulerStatusFilterIgnoredOutsideDirectoryMode(t *testing.T) {
	rn := &run.Run{
		ID:                1,
		Status:            run.StatusRunning,
		TotalCombinations: 2,
		SubTestCase:       1,
		StatusFilters:     []int{http.StatusNotFound},
	}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := newTestScheduler(runs, probes, &passTx{}, http.StatusNotFound)

	_, err := s.Execute(context.Background(), rn, &Expansion{Combos: testCombos(2)})
	require.NoError(t, err)
	require.Len(t, probes.rows, 2)
}

func TestSchedulerContinuesAfterCommitFailure(t *testing.T) {
	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 6}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	tx := &passTx{failBatches: map[int]bool{1: true}}
	s := newTestScheduler(runs, probes, tx, http.StatusOK)

	status, err := s.Execute(context.Background(), rn, &Expansion{Combos: testCombos(6)})
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, status)

	// first batch of two lost, the remaining four persisted
	require.Len(t, probes.rows, 4)
	require.Equal(t, 3, tx.calls)

	stored, err := runs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 4, stored.ProcessedCombinations)
}

// commitFailTx runs the work and then fails the commit.
type commitFailTx struct{}

func (commitFailTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	_ = fn(ctx)
	return fmt.Errorf("commit failed")
}

func TestSchedulerRestoresCounterAfterCommitFailure(t *testing.T) {
	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 4}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := &Scheduler{Runs: runs, Probes: probes, Tx: commitFailTx{}}

	results := []Result{
		{Combination: Combination{RequestURL: "http://203.0.113.1/", HostHeader: "h"}, HTTPStatus: http.StatusOK},
		{Combination: Combination{RequestURL: "http://203.0.113.2/", HostHeader: "h"}, HTTPStatus: http.StatusOK},
	}
	stopped, err := s.persistBatch(context.Background(), rn, results)
	require.Error(t, err)
	require.False(t, stopped)

	// the rolled-back rows must not linger in the in-memory counter
	require.Zero(t, rn.ProcessedCombinations)
}

func TestSchedulerStopsWithinFinalBatch(t *testing.T) {
	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 4}
	runs := newMemRuns(rn)
	probes := &memProbes{}

	// the stop request lands while the only batch is in flight
	var once sync.Once
	factory := func(string) Doer {
		return doerFunc(func(*http.Request) (*http.Response, error) {
			once.Do(func() { runs.setStatus(1, run.StatusStopping) })
			return &http.Response{
				StatusCode: http.StatusOK,
				Status:     "200 OK",
				Proto:      "HTTP/1.1",
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("ok")),
			}, nil
		})
	}
	s := &Scheduler{
		Runs:       runs,
		Probes:     probes,
		Tx:         &passTx{},
		Executor:   &Executor{Clients: factory, Attempt: 1, Concurrency: 2},
		BatchSize:  4,
		BatchPause: time.Millisecond,
	}

	status, err := s.Execute(context.Background(), rn, &Expansion{Combos: testCombos(4)})
	require.NoError(t, err)
	require.Equal(t, run.StatusStopped, status)

	// the in-batch poll fires before the first row lands
	require.Empty(t, probes.rows)
	stored, err := runs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, run.StatusStopped, stored.Status)
}

func TestSchedulerFailsOnEmptyExpansion(t *testing.T) {
	rn := &run.Run{ID: 1, Status: run.StatusRunning}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := newTestScheduler(runs, probes, &passTx{}, http.StatusOK)

	status, err := s.Execute(context.Background(), rn, &Expansion{})
	require.Error(t, err)
	require.Equal(t, run.StatusFailed, status)
	require.Empty(t, probes.rows)
}

func TestSchedulerClampsProcessedAtTotal(t *testing.T) {
	// declared total lower than actual combinations
	rn := &run.Run{ID: 1, Status: run.StatusRunning, TotalCombinations: 3}
	runs := newMemRuns(rn)
	probes := &memProbes{}
	s := newTestScheduler(runs, probes, &passTx{}, http.StatusOK)

	_, err := s.Execute(context.Background(), rn, &Expansion{Combos: testCombos(5)})
	require.NoError(t, err)

	stored, err := runs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 3, stored.ProcessedCombinations)
}
