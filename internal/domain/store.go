package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is one append-only transition record. Every ledger Apply writes
// one in the same transaction; observers and operators append their own.
type AuditEntry struct {
	ID         int64
	StrategyID string
	Event      string
	Detail     map[string]any
	CreatedAt  time.Time
}

// Checkpoint is the last fully processed block for one observed chain.
type Checkpoint struct {
	Chain       string
	BlockNumber uint64
	UpdatedAt   time.Time
}

// StrategyLedger is the durable, versioned source of truth for strategy
// execution state. Create is the idempotency boundary for purchase ingestion;
// Apply is a compare-and-swap keyed on the instance version and returns
// ConflictError when the expected version is stale.
type StrategyLedger interface {
	// Create inserts the instance together with both leg rows. It returns
	// ErrAlreadyExists when the strategy id is already present, which is how
	// replayed purchase events are dropped.
	Create(ctx context.Context, s Strategy) error

	// Get loads the full instance with legs, transfers and settlement.
	Get(ctx context.Context, id string) (Strategy, error)

	// Apply executes one transition atomically: version bump, state change,
	// child-record writes and the audit entry. The transition is rejected
	// wholesale on version mismatch or guard violation.
	Apply(ctx context.Context, id string, expectedVersion int64, t Transition) (Strategy, error)

	// ListByStates returns instances whose state is in states, newest first.
	ListByStates(ctx context.Context, states []State, opts ListOpts) ([]Strategy, error)

	// ListRecent returns instances in any state, newest first.
	ListRecent(ctx context.Context, opts ListOpts) ([]Strategy, error)

	// ListMatured returns ids of strategies whose maturity has passed asOf
	// and whose state is in states. Feeds the maturity scanner.
	ListMatured(ctx context.Context, asOf time.Time, states []State) ([]string, error)
}

// AuditStore records and reads the transition trail.
type AuditStore interface {
	Log(ctx context.Context, strategyID, event string, detail map[string]any) error
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]AuditEntry, error)
	// ListBefore returns entries created strictly before the cutoff that
	// belong to strategies already in a terminal state. Feeds the archiver.
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}

// CheckpointStore persists observer progress per chain.
type CheckpointStore interface {
	// Load returns ErrNotFound when the chain has never been observed.
	Load(ctx context.Context, chain string) (Checkpoint, error)
	Save(ctx context.Context, chain string, block uint64) error
}
