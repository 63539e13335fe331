package orchestrator

// TriggerKind names what woke a strategy worker. Triggers carry no state
// beyond the abort reason: every action is decided from the reloaded ledger
// instance, so replayed or coalesced triggers are harmless.
type TriggerKind string

const (
	// TriggerResume is the startup nudge for every non-terminal strategy.
	TriggerResume TriggerKind = "resume"
	// TriggerPurchase follows a purchase event's ledger insert.
	TriggerPurchase TriggerKind = "purchase"
	// TriggerDelivery follows an observed bridge delivery on the market chain.
	TriggerDelivery TriggerKind = "delivery"
	// TriggerMaturity follows a settlement-request event or a scanner tick.
	TriggerMaturity TriggerKind = "maturity"
	// TriggerAbort is the operator kill switch for one strategy.
	TriggerAbort TriggerKind = "abort"
	// TriggerPoll is the worker's own timer wakeup.
	TriggerPoll TriggerKind = "poll"
)

// Trigger is one mailbox entry for a strategy worker.
type Trigger struct {
	Kind   TriggerKind
	Reason string // abort only
}
