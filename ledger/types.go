/*
Package ledger provides the star ledger and aggregation engine.

PURPOSE:
  This package contains the domain core for a points-like currency
  ("stars") earned for chores and spent on rewards. User balances are
  derived values over an append-mostly event log of star awards and
  reward redemptions: there is no hand-maintained balance that can
  drift from the events that produced it.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: holder of the two derived aggregates (CurrentStars, StarCount)
  - Reason/Reward: weighted catalog entries referenced by events
  - StarAward/Redemption: the two event kinds; each carries a frozen
    snapshot of the reason/reward it was created from
  - EventRef: kind-tagged event identifier, used by undo
  - UserCounts: the authoritative aggregate pair returned to callers

DESIGN PRINCIPLES:
  1. Snapshots: events are self-contained; aggregates never read the
     current Reason/Reward, only the event's own frozen values
  2. Derived aggregates: CurrentStars/StarCount are recomputable from
     the event log at any time and are only written by the Aggregator
  3. Type safety: distinct ID types prevent mixing user/reason/reward
     identifiers

SEE ALSO:
  - aggregator.go: maintains the derived aggregates
  - reweight.go: the only path allowed to rewrite snapshots
  - orchestrator.go: batch award/redeem with fail-fast semantics
  - selection.go: which users a batch may target
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID int64
type ReasonID int64
type RewardID int64
type EventID int64

// EventKind distinguishes the two event tables sharing the undo path.
type EventKind string

const (
	EventAward      EventKind = "award"
	EventRedemption EventKind = "redemption"
)

// EventRef identifies a single ledger event for undo and rendering.
type EventRef struct {
	Kind EventKind `json:"kind"`
	ID   EventID   `json:"id"`
}

// =============================================================================
// USERS
// =============================================================================

type Role string

const (
	RoleKid    Role = "kid"
	RoleParent Role = "parent"
)

// User is a participant in the star economy.
//
// CurrentStars and StarCount are derived from the event log and are
// exclusively written by the Aggregator. Everything else is owned by
// the entity store.
type User struct {
	ID          UserID
	Username    string // unique, immutable after creation
	Role        Role
	Admin       bool
	DisplayName string // presentation only

	CurrentStars int // signed spendable balance
	StarCount    int // lifetime stars ever earned, never negative

	CreatedAt time.Time
}

// UserCounts is the aggregate pair for one user. It is the single
// source of truth callers must use to refresh any cached display.
type UserCounts struct {
	UserID       UserID `json:"user_id"`
	CurrentStars int    `json:"current_stars"`
	StarCount    int    `json:"star_count"`
}

// =============================================================================
// CATALOG - Reasons and Rewards
// =============================================================================

// Reason is a weighted cause for awarding stars. StarValue is typically
// positive but may be negative for penalties.
type Reason struct {
	ID        ReasonID
	Text      string
	StarValue int
	UseCount  int // derived: StarAwards referencing this reason
}

// Reward is something stars can be spent on. Cost is always positive.
type Reward struct {
	ID   RewardID
	Name string
	Cost int
}

// =============================================================================
// EVENTS - StarAward and Redemption
// =============================================================================

// StarAward credits StarValue stars to UserID.
//
// ReasonID is the live reference and may be nil (custom reasons, or a
// reason deleted after the fact). ReasonText and StarValue are the
// frozen snapshot: all aggregation reads them, never the Reason row.
// Snapshots are immutable except under a retroactive reweight.
type StarAward struct {
	ID        EventID
	UserID    UserID
	AwardedBy UserID
	ReasonID  *ReasonID
	ReasonText string
	StarValue  int
	CreatedAt  time.Time
}

// Redemption debits Cost stars from UserID. Same snapshot rules as
// StarAward: RewardName and Cost are frozen at creation.
type Redemption struct {
	ID         EventID
	UserID     UserID
	RewardID   *RewardID
	RewardName string
	Cost       int
	CreatedAt  time.Time
}

// Ref returns the undo handle for this award.
func (a StarAward) Ref() EventRef { return EventRef{Kind: EventAward, ID: a.ID} }

// Ref returns the undo handle for this redemption.
func (r Redemption) Ref() EventRef { return EventRef{Kind: EventRedemption, ID: r.ID} }
