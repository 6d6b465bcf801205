package connection

import "sync"

// bandwidthAccount tracks the bit-rate budget for one call leg. Units
// are bits per second throughout.
type bandwidthAccount struct {
	mu        sync.Mutex
	available uint64
	used      uint64
}

// SetAvailable replaces the budget. Shrinking below current usage is
// allowed; subsequent requests will fail until usage drops.
func (b *bandwidthAccount) SetAvailable(bps uint64) {
	b.mu.Lock()
	b.available = bps
	b.mu.Unlock()
}

// Available returns the configured budget.
func (b *bandwidthAccount) Available() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// Used returns the committed usage.
func (b *bandwidthAccount) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// SetUsed releases one allocation and requests another in a single
// atomic step. Returns false, leaving the account untouched, if the
// resulting usage would exceed the budget and force is unset.
func (b *bandwidthAccount) SetUsed(release, request uint64, force bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	newUsed := b.used
	if release > newUsed {
		newUsed = 0
	} else {
		newUsed -= release
	}
	newUsed += request

	if !force && b.available != 0 && newUsed > b.available {
		return false
	}
	b.used = newUsed
	return true
}
