/*
aggregator.go - Derived aggregate maintenance

PURPOSE:
  The Aggregator is the only component allowed to write a user's
  CurrentStars and StarCount. Every operation pairs an event-log
  mutation with the matching aggregate update inside one per-user
  transaction, so a committed operation always leaves the invariants
  holding:

    CurrentStars(u) = sum(award.StarValue) - sum(redemption.Cost)
    StarCount(u)    = sum(award.StarValue where StarValue > 0)

INCREMENTAL vs FULL:
  ApplyAward/ApplyRedemption/Undo adjust the stored aggregates
  incrementally. RecomputeUser re-derives them from the event log and
  is the ground-truth repair path; the reweight engine uses it after
  rewriting snapshots. Both paths take the same per-user boundary, so
  a recompute never races an in-flight award on the same user.

RETRY:
  Serialization conflicts (ErrConcurrencyConflict) are retried a
  bounded number of times with a short backoff before surfacing.
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// AGGREGATOR
// =============================================================================

const (
	conflictRetries = 3
	retryBackoff    = 25 * time.Millisecond
)

type Aggregator struct {
	store TxStore
}

func NewAggregator(store TxStore) *Aggregator {
	return &Aggregator{store: store}
}

// withUser runs fn under the per-user boundary, retrying conflicts.
func (a *Aggregator) withUser(ctx context.Context, user UserID, fn func(Store) error) error {
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = a.store.WithUserTx(ctx, user, fn)
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ApplyAward inserts the award and credits the target's aggregates in
// one atomic unit. Negative StarValue debits CurrentStars but never
// touches StarCount. Returns the post-mutation counts.
func (a *Aggregator) ApplyAward(ctx context.Context, award *StarAward) (UserCounts, error) {
	var counts UserCounts
	err := a.withUser(ctx, award.UserID, func(s Store) error {
		c, err := s.Counts(ctx, award.UserID)
		if err != nil {
			return err
		}
		if err := s.InsertAward(ctx, award); err != nil {
			return err
		}
		c.CurrentStars += award.StarValue
		if award.StarValue > 0 {
			c.StarCount += award.StarValue
		}
		if err := s.SetCounts(ctx, c); err != nil {
			return err
		}
		counts = c
		return nil
	})
	return counts, err
}

// ApplyRedemption validates the target can afford the cost against the
// authoritative balance, then inserts and debits atomically. Fails with
// InsufficientStarsError (leaving log and aggregates untouched) if not.
func (a *Aggregator) ApplyRedemption(ctx context.Context, red *Redemption) (UserCounts, error) {
	var counts UserCounts
	err := a.withUser(ctx, red.UserID, func(s Store) error {
		c, err := s.Counts(ctx, red.UserID)
		if err != nil {
			return err
		}
		if red.Cost > c.CurrentStars {
			return &InsufficientStarsError{
				UserID:    red.UserID,
				Available: c.CurrentStars,
				Cost:      red.Cost,
			}
		}
		if err := s.InsertRedemption(ctx, red); err != nil {
			return err
		}
		c.CurrentStars -= red.Cost
		if err := s.SetCounts(ctx, c); err != nil {
			return err
		}
		counts = c
		return nil
	})
	return counts, err
}

// Undo deletes the event and reverses its aggregate effect exactly.
// Returns the post-undo counts for the affected user.
func (a *Aggregator) Undo(ctx context.Context, ref EventRef) (UserCounts, error) {
	// Resolve the owning user first; the event is re-read inside the
	// transaction so a concurrent undo of the same event loses cleanly.
	user, err := a.eventOwner(ctx, ref)
	if err != nil {
		return UserCounts{}, err
	}

	var counts UserCounts
	err = a.withUser(ctx, user, func(s Store) error {
		c, err := s.Counts(ctx, user)
		if err != nil {
			return err
		}
		switch ref.Kind {
		case EventAward:
			award, err := s.GetAward(ctx, ref.ID)
			if err != nil {
				return err
			}
			if err := s.DeleteAward(ctx, ref.ID); err != nil {
				return err
			}
			c.CurrentStars -= award.StarValue
			if award.StarValue > 0 {
				c.StarCount -= award.StarValue
			}
		case EventRedemption:
			red, err := s.GetRedemption(ctx, ref.ID)
			if err != nil {
				return err
			}
			if err := s.DeleteRedemption(ctx, ref.ID); err != nil {
				return err
			}
			c.CurrentStars += red.Cost
		default:
			return ErrEventNotFound
		}
		if err := s.SetCounts(ctx, c); err != nil {
			return err
		}
		counts = c
		return nil
	})
	return counts, err
}

// RecomputeUser re-derives both aggregates by summing the user's event
// log. Ground truth: the incremental paths must always agree with it.
func (a *Aggregator) RecomputeUser(ctx context.Context, user UserID) (UserCounts, error) {
	var counts UserCounts
	err := a.withUser(ctx, user, func(s Store) error {
		c, err := recompute(ctx, s, user)
		if err != nil {
			return err
		}
		counts = c
		return nil
	})
	return counts, err
}

// eventOwner resolves which user an event belongs to.
func (a *Aggregator) eventOwner(ctx context.Context, ref EventRef) (UserID, error) {
	switch ref.Kind {
	case EventAward:
		award, err := a.store.GetAward(ctx, ref.ID)
		if err != nil {
			return 0, err
		}
		return award.UserID, nil
	case EventRedemption:
		red, err := a.store.GetRedemption(ctx, ref.ID)
		if err != nil {
			return 0, err
		}
		return red.UserID, nil
	}
	return 0, ErrEventNotFound
}

// recompute sums the event log and writes the result. It runs on the
// plain Store so the reweight engine can call it inside an already-open
// per-user transaction.
func recompute(ctx context.Context, s Store, user UserID) (UserCounts, error) {
	awards, err := s.AwardsByUser(ctx, user)
	if err != nil {
		return UserCounts{}, err
	}
	reds, err := s.RedemptionsByUser(ctx, user)
	if err != nil {
		return UserCounts{}, err
	}

	c := UserCounts{UserID: user}
	for _, a := range awards {
		c.CurrentStars += a.StarValue
		if a.StarValue > 0 {
			c.StarCount += a.StarValue
		}
	}
	for _, r := range reds {
		c.CurrentStars -= r.Cost
	}

	if err := s.SetCounts(ctx, c); err != nil {
		return UserCounts{}, err
	}
	return c, nil
}
