package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// StrategyStore implements domain.StrategyLedger using PostgreSQL.
//
// Every Apply runs in one transaction: the version CAS on the strategies row,
// the child-record writes, and the audit entry either all land or none do.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

var _ domain.StrategyLedger = (*StrategyStore)(nil)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const strategySelectCols = `id, buyer, gross_amount::text, net_amount::text, maturity_at,
	spec, state, fail_stage, fail_reason, version, created_at, updated_at`

const legSelectCols = `strategy_id, kind, symbol, side, status, venue_ref,
	size::text, limit_price::text, realized_pnl::text, closed,
	submit_attempts, close_attempts, created_at, updated_at, closed_at`

const transferSelectCols = `strategy_id, direction, requested_amount::text, bridge_ref,
	delivered_amount::text, status, poll_attempts, initiated_at, completed_at`

const settlementSelectCols = `strategy_id, futures_pnl::text, market_pnl::text,
	aggregated_pnl::text, payout_ratio::text, commit_status, tx_ref, computed_at, confirmed_at`

// Create inserts the strategy row and its two leg rows in one transaction.
// A duplicate id maps to domain.ErrAlreadyExists so replayed purchase events
// are dropped without side effects.
func (s *StrategyStore) Create(ctx context.Context, st domain.Strategy) error {
	specJSON, err := json.Marshal(st.Spec)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy spec: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create strategy: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertStrategy = `
		INSERT INTO strategies (
			id, buyer, gross_amount, net_amount, maturity_at, spec,
			state, version, created_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, 1, NOW(), NOW())`

	_, err = tx.Exec(ctx, insertStrategy,
		st.ID, st.Buyer,
		st.GrossAmount.String(), st.NetAmount.String(),
		st.MaturityAt, specJSON, string(st.State),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create strategy %s: %w", st.ID, err)
	}

	const insertLeg = `
		INSERT INTO strategy_legs (
			strategy_id, kind, symbol, side, status, size, limit_price, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, NOW(), NOW())`

	for _, leg := range st.Legs {
		if _, err := tx.Exec(ctx, insertLeg,
			st.ID, string(leg.Kind), leg.Symbol, leg.Side, string(leg.Status),
			leg.Size.String(), leg.LimitPrice.String(),
		); err != nil {
			return fmt.Errorf("postgres: create %s leg for %s: %w", leg.Kind, st.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create strategy %s: %w", st.ID, err)
	}
	return nil
}

// Get loads the full strategy aggregate: the instance row plus legs, transfers
// and settlement.
func (s *StrategyStore) Get(ctx context.Context, id string) (domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, id)

	st, err := scanStrategyRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}

	if st.Legs, err = s.loadLegs(ctx, id); err != nil {
		return domain.Strategy{}, err
	}
	if st.Transfers, err = s.loadTransfers(ctx, id); err != nil {
		return domain.Strategy{}, err
	}
	if st.Settlement, err = s.loadSettlement(ctx, id); err != nil {
		return domain.Strategy{}, err
	}
	return st, nil
}

// Apply executes one transition atomically. The version CAS is the write
// guard: when the stored version differs from expectedVersion nothing is
// written and a ConflictError carrying the actual version is returned.
func (s *StrategyStore) Apply(ctx context.Context, id string, expectedVersion int64, t domain.Transition) (domain.Strategy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Version CAS on the strategies row.
	casSQL := `UPDATE strategies SET state = $3, version = version + 1, updated_at = NOW()`
	args := []any{id, expectedVersion, string(t.To)}
	if t.To == domain.StateFailed {
		casSQL += `, fail_stage = $4, fail_reason = $5`
		args = append(args, t.FailStage, t.FailReason)
	}
	casSQL += ` WHERE id = $1 AND version = $2 RETURNING net_amount::text`

	var netStr string
	if err := tx.QueryRow(ctx, casSQL, args...).Scan(&netStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, s.conflictFor(ctx, id, expectedVersion)
		}
		return domain.Strategy{}, fmt.Errorf("postgres: apply transition for %s: %w", id, err)
	}
	netAmount, err := parseDec(netStr)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: apply transition for %s: %w", id, err)
	}

	// 2. Leg updates.
	for _, u := range t.Legs {
		if err := applyLegUpdate(ctx, tx, id, u); err != nil {
			return domain.Strategy{}, err
		}
	}

	// 3. Transfer upsert.
	if t.Transfer != nil {
		if err := applyTransferPut(ctx, tx, id, netAmount, *t.Transfer); err != nil {
			return domain.Strategy{}, err
		}
	}

	// 4. Settlement insert / commit progress.
	if t.Settlement != nil {
		if err := applySettlementPut(ctx, tx, id, *t.Settlement); err != nil {
			return domain.Strategy{}, err
		}
	}

	// 5. Audit entry in the same transaction.
	if t.Event != "" {
		detailJSON, err := json.Marshal(t.Detail)
		if err != nil {
			return domain.Strategy{}, fmt.Errorf("postgres: marshal audit detail: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_log (strategy_id, event, detail) VALUES ($1, $2, $3)`,
			id, t.Event, detailJSON,
		); err != nil {
			return domain.Strategy{}, fmt.Errorf("postgres: log transition event %s: %w", t.Event, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: commit apply for %s: %w", id, err)
	}

	return s.Get(ctx, id)
}

// conflictFor distinguishes a stale version from a missing strategy after a
// CAS matched zero rows.
func (s *StrategyStore) conflictFor(ctx context.Context, id string, expected int64) error {
	var actual int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM strategies WHERE id = $1`, id).Scan(&actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: read version for %s: %w", id, err)
	}
	return &domain.ConflictError{StrategyID: id, ExpectedVersion: expected, ActualVersion: actual}
}

// applyLegUpdate builds and executes the per-leg UPDATE. Only fields the
// update carries make it into the SET clause.
func applyLegUpdate(ctx context.Context, tx pgx.Tx, id string, u domain.LegUpdate) error {
	set := []string{"updated_at = NOW()"}
	args := []any{id, string(u.Kind)}
	idx := 3

	if u.Status != "" {
		set = append(set, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(u.Status))
		idx++
	}
	if u.VenueRef != "" {
		set = append(set, fmt.Sprintf("venue_ref = $%d", idx))
		args = append(args, u.VenueRef)
		idx++
	}
	if u.Size != nil {
		set = append(set, fmt.Sprintf("size = $%d::numeric", idx))
		args = append(args, u.Size.String())
		idx++
	}
	if u.RealizedPnL != nil {
		set = append(set, fmt.Sprintf("realized_pnl = $%d::numeric", idx))
		args = append(args, u.RealizedPnL.String())
		idx++
	}
	if u.Closed != nil {
		set = append(set, fmt.Sprintf("closed = $%d", idx))
		args = append(args, *u.Closed)
		idx++
		if *u.Closed {
			set = append(set, "closed_at = NOW()")
		}
	}
	if u.BumpSubmitAttempts {
		set = append(set, "submit_attempts = submit_attempts + 1")
	}
	if u.BumpCloseAttempts {
		set = append(set, "close_attempts = close_attempts + 1")
	}

	query := fmt.Sprintf(
		`UPDATE strategy_legs SET %s WHERE strategy_id = $1 AND kind = $2`,
		strings.Join(set, ", "),
	)
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update %s leg for %s: %w", u.Kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// applyTransferPut inserts or advances the strategy's transfer for one
// direction. Inserts are guarded: an outbound request larger than the net
// amount is rejected, and a settled transfer cannot be restarted.
func applyTransferPut(ctx context.Context, tx pgx.Tx, id string, netAmount decimal.Decimal, p domain.TransferPut) error {
	var existing string
	err := tx.QueryRow(ctx,
		`SELECT status FROM strategy_transfers WHERE strategy_id = $1 AND direction = $2 FOR UPDATE`,
		id, string(p.Direction),
	).Scan(&existing)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if p.Direction == domain.TransferOutbound && p.RequestedAmount.GreaterThan(netAmount) {
			return domain.ErrOutboundExceeded
		}
		const insert = `
			INSERT INTO strategy_transfers (
				strategy_id, direction, requested_amount, bridge_ref, status, initiated_at
			) VALUES ($1, $2, $3::numeric, $4, $5, NOW())`
		if _, err := tx.Exec(ctx, insert,
			id, string(p.Direction), p.RequestedAmount.String(), p.BridgeRef, string(p.Status),
		); err != nil {
			return fmt.Errorf("postgres: insert %s transfer for %s: %w", p.Direction, id, err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("postgres: read %s transfer for %s: %w", p.Direction, id, err)
	}

	// Row exists: a transfer that already settled is immutable.
	if domain.TransferStatus(existing) != domain.TransferStatusPending {
		return domain.ErrTransferActive
	}

	set := []string{}
	args := []any{id, string(p.Direction)}
	idx := 3

	if p.Status != "" {
		set = append(set, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(p.Status))
		idx++
	}
	if p.BridgeRef != "" {
		set = append(set, fmt.Sprintf("bridge_ref = $%d", idx))
		args = append(args, p.BridgeRef)
		idx++
	}
	if p.DeliveredAmount != nil {
		set = append(set, fmt.Sprintf("delivered_amount = $%d::numeric", idx))
		args = append(args, p.DeliveredAmount.String())
		idx++
	}
	if p.CompletedAt != nil {
		set = append(set, fmt.Sprintf("completed_at = $%d", idx))
		args = append(args, *p.CompletedAt)
		idx++
	}
	if p.BumpPollAttempts {
		set = append(set, "poll_attempts = poll_attempts + 1")
	}
	if len(set) == 0 {
		return nil
	}

	query := fmt.Sprintf(
		`UPDATE strategy_transfers SET %s WHERE strategy_id = $1 AND direction = $2`,
		strings.Join(set, ", "),
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: update %s transfer for %s: %w", p.Direction, id, err)
	}
	return nil
}

// applySettlementPut inserts the settlement once or advances its commit
// fields. The PnL and ratio columns are written only on insert; a confirmed
// settlement rejects every further write.
func applySettlementPut(ctx context.Context, tx pgx.Tx, id string, p domain.SettlementPut) error {
	var existing string
	err := tx.QueryRow(ctx,
		`SELECT commit_status FROM strategy_settlements WHERE strategy_id = $1 FOR UPDATE`, id,
	).Scan(&existing)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		const insert = `
			INSERT INTO strategy_settlements (
				strategy_id, futures_pnl, market_pnl, aggregated_pnl, payout_ratio,
				commit_status, tx_ref, computed_at
			) VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7, NOW())`
		if _, err := tx.Exec(ctx, insert,
			id, p.FuturesPnL.String(), p.MarketPnL.String(),
			p.AggregatedPnL.String(), p.PayoutRatio.String(),
			string(p.CommitStatus), p.TxRef,
		); err != nil {
			return fmt.Errorf("postgres: insert settlement for %s: %w", id, err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("postgres: read settlement for %s: %w", id, err)
	}

	if domain.CommitStatus(existing) == domain.CommitStatusConfirmed {
		return domain.ErrSettlementFrozen
	}

	const update = `
		UPDATE strategy_settlements SET
			commit_status = $2,
			tx_ref        = CASE WHEN $3 <> '' THEN $3 ELSE tx_ref END,
			confirmed_at  = COALESCE($4, confirmed_at)
		WHERE strategy_id = $1`
	if _, err := tx.Exec(ctx, update, id, string(p.CommitStatus), p.TxRef, p.ConfirmedAt); err != nil {
		return fmt.Errorf("postgres: update settlement for %s: %w", id, err)
	}
	return nil
}

// ListByStates returns strategies whose state is in states, newest first.
func (s *StrategyStore) ListByStates(ctx context.Context, states []domain.State, opts domain.ListOpts) ([]domain.Strategy, error) {
	var args sqlArgs
	conds := []string{"state = ANY(" + args.add(stateStrings(states)) + ")"}
	query := `SELECT ` + strategySelectCols + ` FROM strategies` + windowClause(&args, conds, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategyRows(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies rows: %w", err)
	}

	if err := s.hydrateChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecent returns strategies in any state, newest first.
func (s *StrategyStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Strategy, error) {
	var args sqlArgs
	query := `SELECT ` + strategySelectCols + ` FROM strategies` + windowClause(&args, nil, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategyRows(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list recent rows: %w", err)
	}

	if err := s.hydrateChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// hydrateChildren loads legs, transfers and settlement for each listed
// strategy; lists are small enough that per-row loads are fine.
func (s *StrategyStore) hydrateChildren(ctx context.Context, out []domain.Strategy) error {
	var err error
	for i := range out {
		if out[i].Legs, err = s.loadLegs(ctx, out[i].ID); err != nil {
			return err
		}
		if out[i].Transfers, err = s.loadTransfers(ctx, out[i].ID); err != nil {
			return err
		}
		if out[i].Settlement, err = s.loadSettlement(ctx, out[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// ListMatured returns ids of strategies whose maturity has passed asOf and
// whose state is in states, oldest maturity first.
func (s *StrategyStore) ListMatured(ctx context.Context, asOf time.Time, states []domain.State) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM strategies
		 WHERE maturity_at <= $1 AND state = ANY($2)
		 ORDER BY maturity_at ASC`,
		asOf, stateStrings(states),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list matured strategies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan matured id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list matured rows: %w", err)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Row loading helpers
// ---------------------------------------------------------------------------

func (s *StrategyStore) loadLegs(ctx context.Context, id string) ([]domain.Leg, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+legSelectCols+` FROM strategy_legs WHERE strategy_id = $1 ORDER BY kind`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load legs for %s: %w", id, err)
	}
	defer rows.Close()

	var legs []domain.Leg
	for rows.Next() {
		var l domain.Leg
		var kind, status, size, limitPrice, pnl string

		if err := rows.Scan(
			&l.StrategyID, &kind, &l.Symbol, &l.Side, &status, &l.VenueRef,
			&size, &limitPrice, &pnl, &l.Closed,
			&l.SubmitAttempts, &l.CloseAttempts,
			&l.CreatedAt, &l.UpdatedAt, &l.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan leg for %s: %w", id, err)
		}

		l.Kind = domain.LegKind(kind)
		l.Status = domain.LegStatus(status)
		if l.Size, err = parseDec(size); err != nil {
			return nil, err
		}
		if l.LimitPrice, err = parseDec(limitPrice); err != nil {
			return nil, err
		}
		if l.RealizedPnL, err = parseDec(pnl); err != nil {
			return nil, err
		}
		legs = append(legs, l)
	}
	return legs, rows.Err()
}

func (s *StrategyStore) loadTransfers(ctx context.Context, id string) ([]domain.Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferSelectCols+` FROM strategy_transfers WHERE strategy_id = $1 ORDER BY initiated_at`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load transfers for %s: %w", id, err)
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var direction, requested, status string
		var delivered *string

		if err := rows.Scan(
			&t.StrategyID, &direction, &requested, &t.BridgeRef,
			&delivered, &status, &t.PollAttempts, &t.InitiatedAt, &t.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan transfer for %s: %w", id, err)
		}

		t.Direction = domain.TransferDirection(direction)
		t.Status = domain.TransferStatus(status)
		if t.RequestedAmount, err = parseDec(requested); err != nil {
			return nil, err
		}
		if delivered != nil {
			if t.DeliveredAmount, err = parseDec(*delivered); err != nil {
				return nil, err
			}
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (s *StrategyStore) loadSettlement(ctx context.Context, id string) (*domain.Settlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM strategy_settlements WHERE strategy_id = $1`, id)

	var st domain.Settlement
	var futures, market, aggregated, ratio, commitStatus string

	err := row.Scan(
		&st.StrategyID, &futures, &market, &aggregated, &ratio,
		&commitStatus, &st.TxRef, &st.ComputedAt, &st.ConfirmedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load settlement for %s: %w", id, err)
	}

	st.CommitStatus = domain.CommitStatus(commitStatus)
	if st.FuturesPnL, err = parseDec(futures); err != nil {
		return nil, err
	}
	if st.MarketPnL, err = parseDec(market); err != nil {
		return nil, err
	}
	if st.AggregatedPnL, err = parseDec(aggregated); err != nil {
		return nil, err
	}
	if st.PayoutRatio, err = parseDec(ratio); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanStrategyRow(row pgx.Row) (domain.Strategy, error) {
	var st domain.Strategy
	var gross, net, state string
	var specJSON []byte

	err := row.Scan(
		&st.ID, &st.Buyer, &gross, &net, &st.MaturityAt,
		&specJSON, &state, &st.FailStage, &st.FailReason,
		&st.Version, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	return hydrateStrategy(st, gross, net, state, specJSON)
}

func scanStrategyRows(rows pgx.Rows) (domain.Strategy, error) {
	var st domain.Strategy
	var gross, net, state string
	var specJSON []byte

	err := rows.Scan(
		&st.ID, &st.Buyer, &gross, &net, &st.MaturityAt,
		&specJSON, &state, &st.FailStage, &st.FailReason,
		&st.Version, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	return hydrateStrategy(st, gross, net, state, specJSON)
}

func hydrateStrategy(st domain.Strategy, gross, net, state string, specJSON []byte) (domain.Strategy, error) {
	var err error
	if st.GrossAmount, err = parseDec(gross); err != nil {
		return domain.Strategy{}, err
	}
	if st.NetAmount, err = parseDec(net); err != nil {
		return domain.Strategy{}, err
	}
	st.State = domain.State(state)
	if err := json.Unmarshal(specJSON, &st.Spec); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: unmarshal strategy spec: %w", err)
	}
	return st, nil
}

func parseDec(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: parse numeric %q: %w", s, err)
	}
	return d, nil
}

func stateStrings(states []domain.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
