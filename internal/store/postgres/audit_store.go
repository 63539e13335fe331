package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

var _ domain.AuditStore = (*AuditStore)(nil)

// Log appends a new audit entry for the given strategy. The detail map is
// stored as JSONB. An empty strategyID records a system-level event.
func (s *AuditStore) Log(ctx context.Context, strategyID, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (strategy_id, event, detail) VALUES ($1, $2, $3)`
	_, err = s.pool.Exec(ctx, query, strategyID, event, detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// ListByStrategy returns the strategy's audit trail with pagination and
// optional time filtering, newest first.
func (s *AuditStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var args sqlArgs
	conds := []string{"strategy_id = " + args.add(strategyID)}
	query := `SELECT id, strategy_id, event, detail, created_at FROM audit_log` +
		windowClause(&args, conds, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ListBefore returns entries created strictly before the cutoff whose
// strategies have reached a terminal state, oldest first. System-level
// entries (empty strategy_id) are included once old enough.
func (s *AuditStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	const query = `
		SELECT a.id, a.strategy_id, a.event, a.detail, a.created_at
		FROM audit_log a
		LEFT JOIN strategies s ON s.id = a.strategy_id
		WHERE a.created_at < $1
		  AND (a.strategy_id = '' OR s.state IN ('settlement_committed', 'failed'))
		ORDER BY a.created_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries before cutoff: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// DeleteBefore removes entries the archiver has already exported. Same
// predicate as ListBefore so a successful upload can be followed by an exact
// cleanup.
func (s *AuditStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `
		DELETE FROM audit_log a
		WHERE a.created_at < $1
		  AND (
			a.strategy_id = ''
			OR EXISTS (
				SELECT 1 FROM strategies s
				WHERE s.id = a.strategy_id
				  AND s.state IN ('settlement_committed', 'failed')
			)
		  )`

	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit entries before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuditRows(rows pgx.Rows) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte

		if err := rows.Scan(&e.ID, &e.StrategyID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}

		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: audit rows: %w", err)
	}
	return entries, nil
}
