package postgres

import (
	"context"
	"fmt"

	"github.com/vhostlab/hostmatrix/internal/domain/sequence"
)

var _ sequence.Repo = (*SequenceRepoImpl)(nil)

type SequenceRepoImpl struct{ db *DB }

func NewSequenceRepo(db *DB) *SequenceRepoImpl { return &SequenceRepoImpl{db: db} }

const (
	qSeqInsert = `
INSERT INTO sequence_group_results (run_id, probe_id, sequence_index, connection_reused,
                                    dns_time_ms, tcp_connect_time_ms, tls_handshake_time_ms,
                                    time_to_first_byte_ms, total_time_ms, request_type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at;
`

	qSeqByRun = `
SELECT id, run_id, probe_id, sequence_index, connection_reused,
       dns_time_ms, tcp_connect_time_ms, tls_handshake_time_ms,
       time_to_first_byte_ms, total_time_ms, request_type, created_at
FROM sequence_group_results
WHERE run_id = $1
ORDER BY sequence_index;
`
)

func (r *SequenceRepoImpl) Insert(ctx context.Context, sr *sequence.Result) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	eq := r.db.execQueryer(ctx)
	row := eq.QueryRow(ctx, qSeqInsert,
		sr.RunID, sr.ProbeID, sr.SequenceIndex, sr.ConnectionReused,
		sr.DNSTimeMS, sr.TCPConnectTimeMS, sr.TLSHandshakeMS,
		sr.TimeToFirstByteMS, sr.TotalTimeMS, sr.RequestType,
	)
	if err := row.Scan(&sr.ID, &sr.CreatedAt); err != nil {
		return fmt.Errorf("insert sequence result: %w", err)
	}
	return nil
}

func (r *SequenceRepoImpl) ListByRun(ctx context.Context, runID int64) ([]*sequence.Result, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, qSeqByRun, runID)
	if err != nil {
		return nil, fmt.Errorf("query sequence results: %w", err)
	}
	defer rows.Close()

	var out []*sequence.Result
	for rows.Next() {
		var sr sequence.Result
		if err := rows.Scan(
			&sr.ID, &sr.RunID, &sr.ProbeID, &sr.SequenceIndex, &sr.ConnectionReused,
			&sr.DNSTimeMS, &sr.TCPConnectTimeMS, &sr.TLSHandshakeMS,
			&sr.TimeToFirstByteMS, &sr.TotalTimeMS, &sr.RequestType, &sr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sequence result: %w", err)
		}
		out = append(out, &sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
