package quota

import (
	"context"
	"errors"
	"sort"
)

// ErrNoEligibleNode is returned when no active node can hold the requested
// size. This signals pool exhaustion, a normal outcome, not an internal
// failure.
var ErrNoEligibleNode = errors.New("quota: no node with sufficient available space")

// Selector chooses the target node for an upload.
type Selector struct {
	ledger *Ledger
}

// NewSelector creates a Selector over the ledger's snapshots.
func NewSelector(ledger *Ledger) *Selector {
	return &Selector{ledger: ledger}
}

// SelectForUpload returns the active node with the most available space
// that can hold size bytes and is not in excluded. Most-space-first spreads
// load across accounts instead of packing one until it saturates. Ties
// break on ascending node id so selection is deterministic for a fixed
// snapshot.
func (s *Selector) SelectForUpload(ctx context.Context, size int64, excluded map[string]bool) (*NodeQuota, error) {
	quotas, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	eligible := quotas[:0]
	for _, q := range quotas {
		if !q.Active || q.Available < size || excluded[q.ID] {
			continue
		}
		eligible = append(eligible, q)
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleNode
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Available != eligible[j].Available {
			return eligible[i].Available > eligible[j].Available
		}
		return eligible[i].ID < eligible[j].ID
	})
	best := eligible[0]
	return &best, nil
}
