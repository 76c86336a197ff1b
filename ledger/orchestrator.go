/*
orchestrator.go - Batch award/redeem orchestration

PURPOSE:
  Accepts a logical operation (award stars / redeem reward) against an
  ordered list of target users and applies it one target at a time
  through the Aggregator.

BATCH SEMANTICS:
  Strictly sequential, fail-fast, no rollback. Each target's mutation
  completes before the next starts. The first per-target failure stops
  the batch immediately; mutations already applied for earlier targets
  stand. Fail-fast avoids silently awarding or charging a long tail of
  targets after a real error (say, a reward that no longer exists),
  without paying for a cross-target transaction on a low-stakes batch.

  The loop is a plain bounded loop with early exit. No concurrency
  primitive is needed here; the per-user boundary underneath the
  Aggregator is what protects concurrent batches from other callers.

TARGETS:
  The acting user is never an eligible target of their own operation,
  regardless of role. Duplicate targets are collapsed, first occurrence
  wins. An empty eligible set is rejected before any mutation.
*/
package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	store    TxStore
	agg      *Aggregator
	reweight *ReweightEngine
}

func NewOrchestrator(store TxStore) *Orchestrator {
	return &Orchestrator{
		store:    store,
		agg:      NewAggregator(store),
		reweight: NewReweightEngine(store),
	}
}

// AwardInput describes one batch award operation.
type AwardInput struct {
	ActingUser UserID
	Targets    []UserID

	// Either ReasonID (catalog reason) or ReasonText (free text,
	// find-or-create) must be set. StarValue overrides the reason's
	// stored value when non-nil.
	ReasonID   *ReasonID
	ReasonText string
	StarValue  *int
}

// BatchResult carries the authoritative post-mutation counts for every
// user touched, plus the created events for rendering and undo.
type BatchResult struct {
	Counts []UserCounts
	Events []EventRef
}

// =============================================================================
// AWARD
// =============================================================================

// AwardStars applies one award per eligible target, in order, fail-fast.
// On a mid-batch failure the returned error is a *BatchError carrying
// the counts already applied.
func (o *Orchestrator) AwardStars(ctx context.Context, in AwardInput) (*BatchResult, error) {
	targets := eligibleTargets(in.Targets, in.ActingUser)
	if len(targets) == 0 {
		return nil, ErrNoEligibleTargets
	}

	reasonID, reasonText, starValue, err := o.resolveReason(ctx, in)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	for i, target := range targets {
		award := &StarAward{
			UserID:     target,
			AwardedBy:  in.ActingUser,
			ReasonID:   reasonID,
			ReasonText: reasonText,
			StarValue:  starValue,
		}
		counts, err := o.agg.ApplyAward(ctx, award)
		if err != nil {
			return res, &BatchError{Index: i, Target: target, Applied: res.Counts, Err: err}
		}
		res.Counts = append(res.Counts, counts)
		res.Events = append(res.Events, award.Ref())
	}
	return res, nil
}

// resolveReason pins down the reason reference and the frozen snapshot
// values before any mutation starts, so every award in the batch is cut
// from the same cloth.
//
// Resolution order follows the original economy rules: an explicit
// ReasonID wins; otherwise free text matches an existing reason or
// creates one. An award with neither is rejected. A missing StarValue
// falls back to the reason's stored value, then to 1.
func (o *Orchestrator) resolveReason(ctx context.Context, in AwardInput) (*ReasonID, string, int, error) {
	if in.ReasonID != nil {
		reason, err := o.store.GetReason(ctx, *in.ReasonID)
		if err != nil {
			return nil, "", 0, err
		}
		value := reason.StarValue
		if in.StarValue != nil {
			value = *in.StarValue
		}
		if value == 0 {
			value = 1
		}
		return &reason.ID, reason.Text, value, nil
	}

	if in.ReasonText == "" {
		return nil, "", 0, fmt.Errorf("%w: reason required", ErrValidation)
	}

	value := 1
	if in.StarValue != nil && *in.StarValue != 0 {
		value = *in.StarValue
	}

	reason, err := o.store.FindReasonByText(ctx, in.ReasonText)
	if IsNotFound(err) {
		reason = &Reason{Text: in.ReasonText, StarValue: value}
		if err := o.store.CreateReason(ctx, reason); err != nil {
			return nil, "", 0, err
		}
	} else if err != nil {
		return nil, "", 0, err
	}
	return &reason.ID, in.ReasonText, value, nil
}

// =============================================================================
// REDEEM
// =============================================================================

// RedeemReward redeems the reward once per eligible target, in order,
// fail-fast. An InsufficientStars failure for one target leaves that
// target untouched and stops the batch; earlier redemptions stand.
func (o *Orchestrator) RedeemReward(ctx context.Context, acting UserID, targetList []UserID, rewardID RewardID) (*BatchResult, error) {
	targets := eligibleTargets(targetList, acting)
	if len(targets) == 0 {
		return nil, ErrNoEligibleTargets
	}

	reward, err := o.store.GetReward(ctx, rewardID)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	for i, target := range targets {
		red := &Redemption{
			UserID:     target,
			RewardID:   &reward.ID,
			RewardName: reward.Name,
			Cost:       reward.Cost,
		}
		counts, err := o.agg.ApplyRedemption(ctx, red)
		if err != nil {
			return res, &BatchError{Index: i, Target: target, Applied: res.Counts, Err: err}
		}
		res.Counts = append(res.Counts, counts)
		res.Events = append(res.Events, red.Ref())
	}
	return res, nil
}

// =============================================================================
// UNDO / REWEIGHT PASS-THROUGHS
// =============================================================================

// UndoEvent deletes the event and reverses its aggregate effect.
func (o *Orchestrator) UndoEvent(ctx context.Context, ref EventRef) (UserCounts, error) {
	return o.agg.Undo(ctx, ref)
}

// ReweightReason delegates to the reweight engine.
func (o *Orchestrator) ReweightReason(ctx context.Context, id ReasonID, value int, retroactive bool) ([]UserCounts, error) {
	return o.reweight.ReweightReason(ctx, id, value, retroactive)
}

// ReweightReward delegates to the reweight engine.
func (o *Orchestrator) ReweightReward(ctx context.Context, id RewardID, cost int, retroactive bool) ([]UserCounts, error) {
	return o.reweight.ReweightReward(ctx, id, cost, retroactive)
}

// RecomputeUser exposes the ground-truth repair path.
func (o *Orchestrator) RecomputeUser(ctx context.Context, user UserID) (UserCounts, error) {
	return o.agg.RecomputeUser(ctx, user)
}

// =============================================================================
// TARGET RESOLUTION
// =============================================================================

// eligibleTargets drops the acting user and collapses duplicates while
// preserving order.
func eligibleTargets(targets []UserID, acting UserID) []UserID {
	seen := make(map[UserID]bool, len(targets))
	out := make([]UserID, 0, len(targets))
	for _, t := range targets {
		if t == acting || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
