package analysis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vhostlab/hostmatrix/internal/domain/probe"
)

func p(id int64, url, host string, attempt, status, bytes int) *probe.Probe {
	return &probe.Probe{
		ID:               id,
		RunID:            1,
		TargetURL:        url,
		TestedHostHeader: host,
		HTTPStatus:       status,
		BytesTotal:       bytes,
		Attempt:          attempt,
		CorrelationID:    url + "|" + host,
		CreatedAt:        time.Unix(int64(1700000000)+id, 0).UTC(),
	}
}

func TestMatrixHigherAttemptWins(t *testing.T) {
	rows := ComputeMatrix([]*probe.Probe{
		p(1, "http://a/", "h1", 1, 200, 10),
		p(2, "http://a/", "h1", 2, 500, 20),
	})
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Cells, 1)

	cell := rows[0].Cells[0]
	require.Equal(t, int64(2), cell.ProbeID)
	require.Equal(t, 500, cell.Status)
	require.Equal(t, 2, cell.Attempt)
}

func TestMatrixLowerStatusWinsOnEqualAttempt(t *testing.T) {
	rows := ComputeMatrix([]*probe.Probe{
		p(1, "http://a/", "h1", 1, 500, 10),
		p(2, "http://a/", "h1", 1, 200, 20),
	})
	cell := rows[0].Cells[0]
	require.Equal(t, int64(2), cell.ProbeID)
	require.Equal(t, 200, cell.Status)
}

func TestMatrixCellsOrderedByHost(t *testing.T) {
	rows := ComputeMatrix([]*probe.Probe{
		p(1, "http://a/", "zz.example", 1, 200, 1),
		p(2, "http://a/", "aa.example", 1, 200, 1),
		p(3, "http://b/", "mm.example", 1, 404, 1),
	})
	require.Len(t, rows, 2)
	require.Equal(t, "http://a/", rows[0].TargetURL)
	require.Equal(t, "aa.example", rows[0].Cells[0].Host)
	require.Equal(t, "zz.example", rows[0].Cells[1].Host)
	require.Equal(t, "http://b/", rows[1].TargetURL)
}

func TestMatrixAuto421OverrideFoldsAcrossTarget(t *testing.T) {
	a := p(1, "http://a/", "h1", 1, 200, 1)
	a.Auto421Override = true
	b := p(2, "http://a/", "h2", 1, 200, 1)

	rows := ComputeMatrix([]*probe.Probe{a, b})
	require.Len(t, rows[0].Cells, 2)
	// an automatic 421 override on the target URL marks every cell of it
	for _, cell := range rows[0].Cells {
		require.True(t, cell.SNIOverridden)
	}
}

func TestMatrixPlainSNIMismatchStaysPerCell(t *testing.T) {
	a := p(1, "http://a/", "h1", 1, 200, 1)
	a.SNIOverridden = true
	b := p(2, "http://a/", "h2", 1, 200, 1)

	rows := ComputeMatrix([]*probe.Probe{a, b})
	require.Len(t, rows[0].Cells, 2)
	require.Equal(t, "h1", rows[0].Cells[0].Host)
	require.True(t, rows[0].Cells[0].SNIOverridden)
	require.Equal(t, "h2", rows[0].Cells[1].Host)
	require.False(t, rows[0].Cells[1].SNIOverridden)
}

func TestStatusDistribution(t *testing.T) {
	dist := ComputeStatusDistribution([]*probe.Probe{
		p(1, "u", "h1", 1, 200, 0),
		p(2, "u", "h2", 1, 204, 0),
		p(3, "u", "h3", 1, 301, 0),
		p(4, "u", "h4", 1, 404, 0),
		p(5, "u", "h5", 1, 503, 0),
		p(6, "u", "h6", 1, 0, 0),
	})
	require.Equal(t, probe.Distribution{Success: 2, Redirect: 1, ClientError: 1, ServerError: 1, Other: 1}, dist)
}

func TestLatencyStatsPositiveSamplesOnly(t *testing.T) {
	a := p(1, "u", "h1", 1, 200, 0)
	a.ResponseTimeMS = 100
	b := p(2, "u", "h2", 1, 200, 0)
	b.ResponseTimeMS = 300
	c := p(3, "u", "h3", 1, 0, 0)
	c.ResponseTimeMS = 0

	stats := ComputeLatencyStats([]*probe.Probe{a, b, c})
	require.Equal(t, 200.0, stats.AvgMS)
	require.Equal(t, 100.0, stats.MinMS)
	require.Equal(t, 300.0, stats.MaxMS)

	require.Equal(t, probe.LatencyStats{}, ComputeLatencyStats(nil))
}

func TestDiffsCompareEarliestAndLatest(t *testing.T) {
	first := p(1, "http://a/", "h1", 1, 421, 100)
	second := p(2, "http://a/", "h1", 2, 200, 150)
	lone := p(3, "http://b/", "h1", 1, 200, 10)

	diffs := ComputeDiffs([]*probe.Probe{second, first, lone})
	require.Len(t, diffs, 1)
	require.Equal(t, "421->200", diffs[0].Transition)
	require.Equal(t, 50, diffs[0].ByteDelta)
}

func TestDiffsFallbackKeyWithoutCorrelationID(t *testing.T) {
	a := p(1, "http://a/", "h1", 1, 500, 10)
	a.CorrelationID = ""
	b := p(2, "http://a/", "h1", 1, 200, 10)
	b.CorrelationID = ""

	diffs := ComputeDiffs([]*probe.Probe{a, b})
	require.Len(t, diffs, 1)
	require.Equal(t, "http://a/|h1", diffs[0].Key)
	require.Equal(t, "500->200", diffs[0].Transition)
}

func TestSummary421StatusRange(t *testing.T) {
	ok := p(1, "u", "h1", 1, 200, 0)
	ok.Auto421Override = true
	redirect := p(2, "u", "h2", 1, 302, 0)
	redirect.Auto421Override = true
	still421 := p(3, "u", "h3", 1, 421, 0)
	still421.Auto421Override = true
	unrelated := p(4, "u", "h4", 1, 421, 0)

	s := Compute421Summary([]*probe.Probe{ok, redirect, still421, unrelated})
	require.Equal(t, probe.Summary421{Total421: 3, Retries: 3, SuccessfulRetries: 2, FailedRetries: 1}, s)
}

func TestAggregationIdempotent(t *testing.T) {
	probes := []*probe.Probe{
		p(1, "http://a/", "h2", 1, 200, 10),
		p(2, "http://a/", "h1", 1, 404, 20),
		p(3, "http://b/", "h1", 2, 500, 30),
		p(4, "http://a/", "h2", 2, 301, 15),
	}

	marshal := func() string {
		m, err := json.Marshal(ComputeMatrix(probes))
		require.NoError(t, err)
		d, err := json.Marshal(ComputeDiffs(probes))
		require.NoError(t, err)
		return string(m) + string(d)
	}
	require.Equal(t, marshal(), marshal())
}
