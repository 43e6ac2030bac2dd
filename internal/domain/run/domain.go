package run

import "time"

type Status string

const (
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further execution happens for this status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusSuccess || s == StatusFailed
}

type Type string

const (
	TypeStandard      Type = "standard"
	TypeSequenceGroup Type = "sequence_group"
)

type Run struct {
	ID                    int64     `json:"id"`
	Name                  string    `json:"name"`
	Description           string    `json:"description"`
	Status                Status    `json:"status"`
	Concurrency           int       `json:"concurrency"`
	TotalCombinations     int       `json:"total_combinations"`
	ProcessedCombinations int       `json:"processed_combinations"`
	ResolveAllDNSRecords  bool      `json:"resolve_all_dns_records"`
	SubTestCase           int       `json:"sub_test_case"`
	AutoOverride421       bool      `json:"auto_override_421"`
	StatusFilters         []int     `json:"status_filters"`
	RunType               Type      `json:"run_type"`
	CreatedAt             time.Time `json:"created_at"`
}

// DisabledStatuses returns the status-filter set for membership tests.
func (r *Run) DisabledStatuses() map[int]struct{} {
	if len(r.StatusFilters) == 0 {
		return nil
	}
	out := make(map[int]struct{}, len(r.StatusFilters))
	for _, code := range r.StatusFilters {
		out[code] = struct{}{}
	}
	return out
}
