package bridge

import (
	"sync"

	"github.com/shopspring/decimal"
)

// DeliveryTracker caches deliveries observed on the market chain. The
// receiving contract emits the bridge reference and the delivered amount;
// the chain observer records them here so Poll can resolve a delivery
// before the relayer's own status catches up.
type DeliveryTracker struct {
	mu         sync.RWMutex
	deliveries map[string]decimal.Decimal
}

// NewDeliveryTracker creates an empty tracker.
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		deliveries: make(map[string]decimal.Decimal),
	}
}

// Record stores an observed delivery. Recording the same reference again
// keeps the first amount; a delivery happens once on-chain.
func (t *DeliveryTracker) Record(bridgeRef string, amount decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.deliveries[bridgeRef]; exists {
		return
	}
	t.deliveries[bridgeRef] = amount
}

// Lookup returns the delivered amount for a bridge reference, if observed.
func (t *DeliveryTracker) Lookup(bridgeRef string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	amount, ok := t.deliveries[bridgeRef]
	return amount, ok
}

// Forget drops a reference once its transfer record is settled, keeping the
// map from growing with completed strategies.
func (t *DeliveryTracker) Forget(bridgeRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deliveries, bridgeRef)
}
