/*
store.go - Persistence interfaces for entities, events, and aggregates

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   Entity CRUD, event persistence, aggregate read/write
  TxStore: Store plus the per-user transaction boundary

OWNERSHIP CONTRACT:
  The store owns identity and snapshot fields. The derived aggregates
  (current_stars, star_count) are only ever written through SetCounts,
  and only the Aggregator calls SetCounts. No other component may write
  them.

PER-USER SERIALIZATION:
  WithUserTx(ctx, userID, fn) runs fn atomically with respect to every
  other mutation of the same user's rows. The read-modify-write of
  "check balance, insert redemption, decrement" must happen entirely
  inside one WithUserTx call, otherwise two concurrent redemptions can
  both pass the balance check against a stale value. Mutations on
  disjoint users may proceed in parallel.

SNAPSHOT REWRITES:
  RewriteAwardValues/RewriteRedemptionCosts are scoped to one user so
  the retroactive reweight engine can pair the rewrite with that user's
  recompute inside a single WithUserTx call.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - ledger/store:  in-memory store for tests and dev
*/
package ledger

import "context"

// =============================================================================
// STORE - Entity, event, and aggregate persistence
// =============================================================================

type Store interface {
	// ---- Users --------------------------------------------------------------

	// CreateUser inserts u and assigns its ID.
	// Returns ErrDuplicateUsername if the username is taken.
	CreateUser(ctx context.Context, u *User) error

	// GetUser returns ErrUserNotFound for unknown ids.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// GetUserByUsername returns ErrUserNotFound for unknown usernames.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// ListUsers returns all users with their current aggregates,
	// ordered by lifetime star count descending.
	ListUsers(ctx context.Context) ([]User, error)

	// DeleteUser hard-deletes the user and cascades deletion of every
	// StarAward and Redemption owned by that user.
	DeleteUser(ctx context.Context, id UserID) error

	// ---- Reasons ------------------------------------------------------------

	CreateReason(ctx context.Context, r *Reason) error
	GetReason(ctx context.Context, id ReasonID) (*Reason, error)

	// FindReasonByText matches on exact text; ErrReasonNotFound if none.
	FindReasonByText(ctx context.Context, text string) (*Reason, error)

	// ListReasons includes the derived UseCount, most used first.
	ListReasons(ctx context.Context) ([]Reason, error)

	UpdateReasonValue(ctx context.Context, id ReasonID, value int) error

	// DeleteReason severs (nulls) the reason reference on dependent
	// awards; their frozen snapshots are untouched.
	DeleteReason(ctx context.Context, id ReasonID) error

	// ---- Rewards ------------------------------------------------------------

	CreateReward(ctx context.Context, r *Reward) error
	GetReward(ctx context.Context, id RewardID) (*Reward, error)
	ListRewards(ctx context.Context) ([]Reward, error)
	UpdateRewardCost(ctx context.Context, id RewardID, cost int) error

	// DeleteReward severs references like DeleteReason.
	DeleteReward(ctx context.Context, id RewardID) error

	// ---- Events -------------------------------------------------------------

	// InsertAward persists a and assigns its ID.
	InsertAward(ctx context.Context, a *StarAward) error
	InsertRedemption(ctx context.Context, r *Redemption) error

	GetAward(ctx context.Context, id EventID) (*StarAward, error)
	GetRedemption(ctx context.Context, id EventID) (*Redemption, error)

	// DeleteAward/DeleteRedemption remove one event row (undo path).
	// ErrEventNotFound if the id is unknown.
	DeleteAward(ctx context.Context, id EventID) error
	DeleteRedemption(ctx context.Context, id EventID) error

	// AwardsByUser/RedemptionsByUser return the user's event log,
	// newest first.
	AwardsByUser(ctx context.Context, id UserID) ([]StarAward, error)
	RedemptionsByUser(ctx context.Context, id UserID) ([]Redemption, error)

	// UsersWithAwardsForReason returns the distinct users having at
	// least one award referencing the reason. Used by retroactive
	// reweight to enumerate affected users.
	UsersWithAwardsForReason(ctx context.Context, id ReasonID) ([]UserID, error)
	UsersWithRedemptionsForReward(ctx context.Context, id RewardID) ([]UserID, error)

	// RewriteAwardValues sets the frozen star_value snapshot of every
	// award by user referencing reason. ONLY the reweight engine may
	// call this, and only inside WithUserTx(user).
	RewriteAwardValues(ctx context.Context, reason ReasonID, user UserID, value int) error
	RewriteRedemptionCosts(ctx context.Context, reward RewardID, user UserID, cost int) error

	// ---- Aggregates ---------------------------------------------------------

	// Counts returns the stored aggregates for one user.
	Counts(ctx context.Context, id UserID) (UserCounts, error)

	// AllCounts returns every user's aggregates, ordered by lifetime
	// star count descending (the leaderboard query).
	AllCounts(ctx context.Context) ([]UserCounts, error)

	// SetCounts writes the aggregates. Aggregator only.
	SetCounts(ctx context.Context, c UserCounts) error
}

// =============================================================================
// TRANSACTIONAL STORE - Per-user serialization boundary
// =============================================================================

// TxStore wraps Store with the per-user transaction boundary.
type TxStore interface {
	Store

	// WithUserTx executes fn atomically with respect to all other
	// mutations of user's rows. If fn returns an error the transaction
	// is rolled back and the error returned. Contention surfaces as
	// ErrConcurrencyConflict.
	WithUserTx(ctx context.Context, user UserID, fn func(Store) error) error
}
