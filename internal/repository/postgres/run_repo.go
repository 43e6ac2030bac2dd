package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/vhostlab/hostmatrix/internal/domain/run"
)

var _ run.Repo = (*RunRepoImpl)(nil)

type RunRepoImpl struct {
	db *DB
}

func NewRunRepo(db *DB) *RunRepoImpl { return &RunRepoImpl{db: db} }

const (
	qRunInsert = `
INSERT INTO runs (name, description, status, concurrency, total_combinations, processed_combinations,
                  resolve_all_dns_records, sub_test_case, auto_override_421, status_filters_json, run_type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id, created_at;
`

	qRunGetByID = `
SELECT id, name, description, status, concurrency, total_combinations, processed_combinations,
       resolve_all_dns_records, sub_test_case, auto_override_421, status_filters_json, run_type, created_at
FROM runs
WHERE id = $1;
`

	qRunUpdate = `
UPDATE runs
SET status = $2, total_combinations = $3, processed_combinations = $4, status_filters_json = $5
WHERE id = $1;
`

	qRunDelete = `DELETE FROM runs WHERE id = $1;`
)

func encodeStatusFilters(codes []int) *string {
	uniq := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		if code >= 100 && code <= 599 {
			uniq[code] = struct{}{}
		}
	}
	if len(uniq) == 0 {
		return nil
	}
	out := make([]int, 0, len(uniq))
	for code := range uniq {
		out = append(out, code)
	}
	sort.Ints(out)
	b, _ := json.Marshal(out)
	s := string(b)
	return &s
}

func decodeStatusFilters(raw *string) []int {
	if raw == nil || *raw == "" {
		return nil
	}
	var parsed []int
	if err := json.Unmarshal([]byte(*raw), &parsed); err != nil {
		return nil
	}
	uniq := make(map[int]struct{}, len(parsed))
	for _, code := range parsed {
		if code >= 100 && code <= 599 {
			uniq[code] = struct{}{}
		}
	}
	out := make([]int, 0, len(uniq))
	for code := range uniq {
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}

func scanRun(row pgx.Row, r *run.Run) error {
	var filters *string
	if err := row.Scan(
		&r.ID,
		&r.Name,
		&r.Description,
		&r.Status,
		&r.Concurrency,
		&r.TotalCombinations,
		&r.ProcessedCombinations,
		&r.ResolveAllDNSRecords,
		&r.SubTestCase,
		&r.AutoOverride421,
		&filters,
		&r.RunType,
		&r.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan run: %w", err)
	}
	r.StatusFilters = decodeStatusFilters(filters)
	return nil
}

func (r *RunRepoImpl) Create(ctx context.Context, rr *run.Run) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if rr.Status == "" {
		rr.Status = run.StatusRunning
	}
	if rr.RunType == "" {
		rr.RunType = run.TypeStandard
	}
	if rr.SubTestCase == 0 {
		rr.SubTestCase = 1
	}

	eq := r.db.execQueryer(ctx)
	row := eq.QueryRow(ctx, qRunInsert,
		rr.Name, rr.Description, rr.Status, rr.Concurrency,
		rr.TotalCombinations, rr.ProcessedCombinations,
		rr.ResolveAllDNSRecords, rr.SubTestCase, rr.AutoOverride421,
		encodeStatusFilters(rr.StatusFilters), rr.RunType,
	)
	if err := row.Scan(&rr.ID, &rr.CreatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r *RunRepoImpl) GetByID(ctx context.Context, id int64) (*run.Run, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var rr run.Run
	if err := scanRun(r.db.Pool.QueryRow(ctx, qRunGetByID, id), &rr); err != nil {
		return nil, err
	}
	return &rr, nil
}

func (r *RunRepoImpl) Update(ctx context.Context, rr *run.Run) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	_, err := eq.Exec(ctx, qRunUpdate,
		rr.ID, rr.Status, rr.TotalCombinations, rr.ProcessedCombinations,
		encodeStatusFilters(rr.StatusFilters),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (r *RunRepoImpl) Delete(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cmd, err := r.db.Pool.Exec(ctx, qRunDelete, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
