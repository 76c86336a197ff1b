/*
reweight.go - Retroactive reweight engine

PURPOSE:
  Applies a new star value to a Reason (or cost to a Reward), optionally
  rewriting the frozen snapshot of every historical event that still
  references it. This is the ONLY code path permitted to rewrite event
  snapshots in bulk.

TRANSACTIONAL SHAPE:
  Per affected user, the snapshot rewrite and that user's recompute
  commit together inside one per-user transaction. Across users the
  engine converges incrementally: a crash mid-way leaves some users
  already consistent under the new value and others not yet, which is
  acceptable - it never leaves a user's aggregates inconsistent with
  that user's own event rows.

NON-RETROACTIVE:
  Only the catalog row changes. Past snapshots are untouched; future
  events pick up the new value at creation time.
*/
package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// REWEIGHT ENGINE
// =============================================================================

type ReweightEngine struct {
	store TxStore
}

func NewReweightEngine(store TxStore) *ReweightEngine {
	return &ReweightEngine{store: store}
}

// ReweightReason sets the reason's star value. With retroactive=true it
// also rewrites every referencing award's frozen snapshot and recomputes
// each distinct affected user, returning their authoritative counts.
func (e *ReweightEngine) ReweightReason(ctx context.Context, id ReasonID, value int, retroactive bool) ([]UserCounts, error) {
	if value == 0 {
		return nil, fmt.Errorf("%w: reason star value must be non-zero", ErrInvalidValue)
	}
	if _, err := e.store.GetReason(ctx, id); err != nil {
		return nil, err
	}
	if err := e.store.UpdateReasonValue(ctx, id, value); err != nil {
		return nil, err
	}
	if !retroactive {
		return nil, nil
	}

	affected, err := e.store.UsersWithAwardsForReason(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.rewritePerUser(ctx, affected, func(s Store, user UserID) error {
		return s.RewriteAwardValues(ctx, id, user, value)
	})
}

// ReweightReward sets the reward's cost, which must stay positive. Same
// retroactive semantics as ReweightReason, over redemption snapshots.
func (e *ReweightEngine) ReweightReward(ctx context.Context, id RewardID, cost int, retroactive bool) ([]UserCounts, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("%w: reward cost must be positive", ErrInvalidValue)
	}
	if _, err := e.store.GetReward(ctx, id); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRewardCost(ctx, id, cost); err != nil {
		return nil, err
	}
	if !retroactive {
		return nil, nil
	}

	affected, err := e.store.UsersWithRedemptionsForReward(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.rewritePerUser(ctx, affected, func(s Store, user UserID) error {
		return s.RewriteRedemptionCosts(ctx, id, user, cost)
	})
}

// rewritePerUser runs rewrite+recompute atomically for each user in
// turn. A failure stops the sweep; users already processed stay
// consistent under the new value.
func (e *ReweightEngine) rewritePerUser(ctx context.Context, users []UserID, rewrite func(Store, UserID) error) ([]UserCounts, error) {
	counts := make([]UserCounts, 0, len(users))
	for _, user := range users {
		var c UserCounts
		err := e.store.WithUserTx(ctx, user, func(s Store) error {
			if err := rewrite(s, user); err != nil {
				return err
			}
			var err error
			c, err = recompute(ctx, s, user)
			return err
		})
		if err != nil {
			return counts, err
		}
		counts = append(counts, c)
	}
	return counts, nil
}
