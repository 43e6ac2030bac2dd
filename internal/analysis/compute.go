// Package analysis turns a run's raw probe rows into the cached aggregate:
// per-target response matrix, status histogram, latency statistics, retry
// diffs and the 421-override summary.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/vhostlab/hostmatrix/internal/domain/aggregate"
	"github.com/vhostlab/hostmatrix/internal/domain/probe"
	pg "github.com/vhostlab/hostmatrix/internal/repository/postgres"
)

// MatrixCell is the representative outcome for one (target URL, host) pair.
type MatrixCell struct {
	Host           string `json:"host"`
	Status         int    `json:"status"`
	Bytes          int    `json:"bytes"`
	Attempt        int    `json:"attempt"`
	SNIUsed        bool   `json:"sni_used"`
	SNIOverridden  bool   `json:"sni_overridden"`
	AutoOverride   bool   `json:"auto_421_override"`
	HitIPBlacklist bool   `json:"hit_ip_blacklist"`
	ProbeID        int64  `json:"probe_id"`
}

// MatrixRow groups cells under one target URL, cells ordered by host.
type MatrixRow struct {
	TargetURL string       `json:"target_url"`
	Cells     []MatrixCell `json:"cells"`
}

// Diff reports how repeated probes of one combination drifted between the
// earliest and latest attempt.
type Diff struct {
	Key        string `json:"key"`
	TargetURL  string `json:"target_url"`
	Host       string `json:"host"`
	ByteDelta  int    `json:"byte_delta"`
	Transition string `json:"transition"`
}

// ComputeMatrix builds the response matrix. Within a cell the representative
// probe is picked by: higher attempt wins, then lower status, then first
// seen. The cell's sni_overridden flag ORs in every automatic 421 override
// observed anywhere on the same target URL; a plain SNI mismatch stays local
// to its own cell.
func ComputeMatrix(probes []*probe.Probe) []MatrixRow {
	type cellKey struct{ url, host string }
	best := make(map[cellKey]*probe.Probe)
	overrideByURL := make(map[string]bool)
	var urlOrder []string
	seenURL := make(map[string]struct{})

	for _, p := range probes {
		if _, ok := seenURL[p.TargetURL]; !ok {
			seenURL[p.TargetURL] = struct{}{}
			urlOrder = append(urlOrder, p.TargetURL)
		}
		if p.Auto421Override {
			overrideByURL[p.TargetURL] = true
		}
		key := cellKey{p.TargetURL, p.TestedHostHeader}
		current, ok := best[key]
		if !ok || betterCell(p, current) {
			best[key] = p
		}
	}

	rows := make([]MatrixRow, 0, len(urlOrder))
	for _, target := range urlOrder {
		var cells []MatrixCell
		for key, p := range best {
			if key.url != target {
				continue
			}
			cells = append(cells, MatrixCell{
				Host:           p.TestedHostHeader,
				Status:         p.HTTPStatus,
				Bytes:          p.BytesTotal,
				Attempt:        p.Attempt,
				SNIUsed:        p.SNIUsed,
				SNIOverridden:  overrideByURL[target] || p.SNIOverridden,
				AutoOverride:   p.Auto421Override,
				HitIPBlacklist: p.HitIPBlacklist,
				ProbeID:        p.ID,
			})
		}
		sort.Slice(cells, func(i, j int) bool { return cells[i].Host < cells[j].Host })
		rows = append(rows, MatrixRow{TargetURL: target, Cells: cells})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TargetURL < rows[j].TargetURL })
	return rows
}

func betterCell(candidate, current *probe.Probe) bool {
	if candidate.Attempt != current.Attempt {
		return candidate.Attempt > current.Attempt
	}
	return candidate.HTTPStatus < current.HTTPStatus
}

// ComputeStatusDistribution buckets every probe into status classes.
func ComputeStatusDistribution(probes []*probe.Probe) probe.Distribution {
	var dist probe.Distribution
	for _, p := range probes {
		switch {
		case p.HTTPStatus >= 200 && p.HTTPStatus < 300:
			dist.Success++
		case p.HTTPStatus >= 300 && p.HTTPStatus < 400:
			dist.Redirect++
		case p.HTTPStatus >= 400 && p.HTTPStatus < 500:
			dist.ClientError++
		case p.HTTPStatus >= 500 && p.HTTPStatus < 600:
			dist.ServerError++
		default:
			dist.Other++
		}
	}
	return dist
}

// ComputeLatencyStats covers probes with a positive recorded response time,
// zero-filled when none exist.
func ComputeLatencyStats(probes []*probe.Probe) probe.LatencyStats {
	var stats probe.LatencyStats
	var sum float64
	samples := 0
	for _, p := range probes {
		if p.ResponseTimeMS <= 0 {
			continue
		}
		v := float64(p.ResponseTimeMS)
		if samples == 0 {
			stats.MinMS, stats.MaxMS = v, v
		} else {
			if v < stats.MinMS {
				stats.MinMS = v
			}
			if v > stats.MaxMS {
				stats.MaxMS = v
			}
		}
		sum += v
		samples++
	}
	if samples > 0 {
		stats.AvgMS = sum / float64(samples)
	}
	return stats
}

// ComputeDiffs compares the earliest and latest probe of each correlation
// group, ordered by (attempt, created_at). Groups of one are silent.
func ComputeDiffs(probes []*probe.Probe) []Diff {
	groups := make(map[string][]*probe.Probe)
	var keyOrder []string
	for _, p := range probes {
		key := p.CorrelationID
		if key == "" {
			key = p.TargetURL + "|" + p.TestedHostHeader
		}
		if _, ok := groups[key]; !ok {
			keyOrder = append(keyOrder, key)
		}
		groups[key] = append(groups[key], p)
	}
	sort.Strings(keyOrder)

	var diffs []Diff
	for _, key := range keyOrder {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Attempt != group[j].Attempt {
				return group[i].Attempt < group[j].Attempt
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		earliest, latest := group[0], group[len(group)-1]
		diffs = append(diffs, Diff{
			Key:        key,
			TargetURL:  latest.TargetURL,
			Host:       latest.TestedHostHeader,
			ByteDelta:  latest.BytesTotal - earliest.BytesTotal,
			Transition: fmt.Sprintf("%d->%d", earliest.HTTPStatus, latest.HTTPStatus),
		})
	}
	return diffs
}

// Compute421Summary accounts for automatic SNI-override retries. A retry is
// successful when its final status landed in [200,400).
func Compute421Summary(probes []*probe.Probe) probe.Summary421 {
	var s probe.Summary421
	for _, p := range probes {
		if !p.Auto421Override {
			continue
		}
		s.Total421++
		s.Retries++
		if p.HTTPStatus >= 200 && p.HTTPStatus < 400 {
			s.SuccessfulRetries++
		} else {
			s.FailedRetries++
		}
	}
	return s
}

// Aggregator recomputes and caches the derived statistics for a run.
type Aggregator struct {
	Probes     probe.Repo
	Aggregates aggregate.Repo
}

func NewAggregator(probes probe.Repo, aggregates aggregate.Repo) *Aggregator {
	return &Aggregator{Probes: probes, Aggregates: aggregates}
}

// Recompute rebuilds every section from the run's probe rows and overwrites
// the cached aggregate. The output is deterministic for an unchanged probe
// set, so recomputing is idempotent.
func (a *Aggregator) Recompute(ctx context.Context, runID int64) (*aggregate.Aggregate, error) {
	probes, err := a.Probes.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list probes: %w", err)
	}

	matrix, err := marshalSection(ComputeMatrix(probes))
	if err != nil {
		return nil, err
	}
	dist, err := marshalSection(ComputeStatusDistribution(probes))
	if err != nil {
		return nil, err
	}
	latency, err := marshalSection(ComputeLatencyStats(probes))
	if err != nil {
		return nil, err
	}
	diffs, err := marshalSection(ComputeDiffs(probes))
	if err != nil {
		return nil, err
	}
	summary, err := marshalSection(Compute421Summary(probes))
	if err != nil {
		return nil, err
	}

	agg := &aggregate.Aggregate{
		RunID:                  runID,
		MatrixJSON:             matrix,
		StatusDistributionJSON: dist,
		LatencyStatsJSON:       latency,
		DiffsJSON:              diffs,
		Summary421JSON:         summary,
	}
	if err := a.Aggregates.Upsert(ctx, agg); err != nil {
		return nil, fmt.Errorf("upsert aggregate: %w", err)
	}
	return agg, nil
}

// Get returns the cached aggregate, computing it lazily on first read.
func (a *Aggregator) Get(ctx context.Context, runID int64) (*aggregate.Aggregate, error) {
	agg, err := a.Aggregates.GetByRun(ctx, runID)
	if errors.Is(err, pg.ErrNotFound) {
		return a.Recompute(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func marshalSection(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal aggregate section: %w", err)
	}
	return string(data), nil
}
