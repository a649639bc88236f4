package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Refresher caches the catalog's collection-ids list, refreshed
// periodically (per spec.md §4.5's "collection-ids — refreshed
// periodically from the central catalog") rather than queried fresh on
// every audit round, so a catalog outage stalls refresh without
// stalling the auditor against its last-known list.
type Refresher struct {
	log    *zap.Logger
	client Client

	mu  sync.RWMutex
	ids []int64
}

// NewRefresher returns a Refresher with an empty cache; call Refresh at
// least once before CollectionIDs returns anything useful.
func NewRefresher(log *zap.Logger, client Client) *Refresher {
	return &Refresher{log: log, client: client}
}

// Refresh re-fetches the collection-ids list from the catalog client and
// swaps it into the cache. A failure leaves the previous cache in place.
func (r *Refresher) Refresh(ctx context.Context) error {
	ids, err := r.client.CollectionIDs(ctx)
	if err != nil {
		r.log.Warn("catalog refresh failed, keeping previous collection-ids", zap.Error(err))
		return Error.Wrap(err)
	}
	r.mu.Lock()
	r.ids = ids
	r.mu.Unlock()
	return nil
}

// CollectionIDs returns the most recently refreshed collection-ids list.
func (r *Refresher) CollectionIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, len(r.ids))
	copy(out, r.ids)
	return out
}
