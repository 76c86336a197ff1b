package ledger_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/star-ledger/ledger"
	"github.com/warp/star-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================
// Shared by the other _test.go files in this package.

func newTestStore(t *testing.T) ledger.TxStore {
	t.Helper()
	return store.NewMemory()
}

func newTestUser(t *testing.T, s ledger.TxStore, username string, role ledger.Role) ledger.UserID {
	t.Helper()
	u := ledger.User{Username: username, Role: role}
	require.NoError(t, s.CreateUser(context.Background(), &u))
	return u.ID
}

func award(user, by ledger.UserID, value int) *ledger.StarAward {
	return &ledger.StarAward{UserID: user, AwardedBy: by, ReasonText: "helped out", StarValue: value}
}

func redemption(user ledger.UserID, cost int) *ledger.Redemption {
	return &ledger.Redemption{UserID: user, RewardName: "movie night", Cost: cost}
}

// =============================================================================
// AWARD / REDEMPTION TESTS
// =============================================================================

func TestAggregator_ApplyAward_UpdatesBothAggregates(t *testing.T) {
	// GIVEN: a fresh user
	// WHEN: awarding 3 stars
	// THEN: current stars and lifetime count both increase by 3

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, s, "amy", ledger.RoleKid)

	counts, err := agg.ApplyAward(ctx, award(kid, 0, 3))
	require.NoError(t, err)

	assert.Equal(t, 3, counts.CurrentStars)
	assert.Equal(t, 3, counts.StarCount)
}

func TestAggregator_NegativeAward_SkipsLifetimeCount(t *testing.T) {
	// GIVEN: a user with 5 stars
	// WHEN: applying a penalty award of -2
	// THEN: the balance drops but the lifetime count stays at 5

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, s, "amy", ledger.RoleKid)

	_, err := agg.ApplyAward(ctx, award(kid, 0, 5))
	require.NoError(t, err)

	counts, err := agg.ApplyAward(ctx, award(kid, 0, -2))
	require.NoError(t, err)

	assert.Equal(t, 3, counts.CurrentStars)
	assert.Equal(t, 5, counts.StarCount)
}

func TestAggregator_Redemption_DebitsBalanceOnly(t *testing.T) {
	// GIVEN: a user with 10 earned stars
	// WHEN: redeeming a reward costing 4
	// THEN: balance drops to 6, lifetime count stays at 10

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, s, "amy", ledger.RoleKid)

	_, err := agg.ApplyAward(ctx, award(kid, 0, 10))
	require.NoError(t, err)

	counts, err := agg.ApplyRedemption(ctx, redemption(kid, 4))
	require.NoError(t, err)

	assert.Equal(t, 6, counts.CurrentStars)
	assert.Equal(t, 10, counts.StarCount)
}

func TestAggregator_InsufficientStars_LeavesStateUntouched(t *testing.T) {
	// GIVEN: a user with 2 stars
	// WHEN: redeeming a reward costing 5
	// THEN: InsufficientStars with the offending user, and neither the
	//       aggregates nor the event log change

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, s, "amy", ledger.RoleKid)

	_, err := agg.ApplyAward(ctx, award(kid, 0, 2))
	require.NoError(t, err)

	_, err = agg.ApplyRedemption(ctx, redemption(kid, 5))
	assert.ErrorIs(t, err, ledger.ErrInsufficientStars)

	var insErr *ledger.InsufficientStarsError
	require.ErrorAs(t, err, &insErr)
	assert.Equal(t, kid, insErr.UserID)
	assert.Equal(t, 2, insErr.Available)
	assert.Equal(t, 5, insErr.Cost)

	counts, err := s.Counts(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.CurrentStars)

	reds, err := s.RedemptionsByUser(ctx, kid)
	require.NoError(t, err)
	assert.Empty(t, reds)
}

// =============================================================================
// UNDO TESTS
// =============================================================================

func TestAggregator_Undo_ReversesAwardExactly(t *testing.T) {
	// GIVEN: an award applied on top of an existing balance
	// WHEN: undoing that award
	// THEN: aggregates return to their pre-award values exactly

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, s, "amy", ledger.RoleKid)

	before, err := agg.ApplyAward(ctx, award(kid, 0, 7))
	require.NoError(t, err)

	a := award(kid, 0, 4)
	_, err = agg.ApplyAward(ctx, a)
	require.NoError(t, err)

	after, err := agg.Undo(ctx, a.Ref())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAggregator_Undo_NegativeAward(t *testing.T) {
	// Undo must reverse penalties too: -3 undone restores the balance
	// without ever having touched the lifetime count.

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, s, "amy", ledger.RoleKid)

	before, err := agg.ApplyAward(ctx, award(kid, 0, 5))
	require.NoError(t, err)

	penalty := award(kid, 0, -3)
	_, err = agg.ApplyAward(ctx, penalty)
	require.NoError(t, err)

	after, err := agg.Undo(ctx, penalty.Ref())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAggregator_Undo_Redemption_RestoresBalance(t *testing.T) {
	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, s, "amy", ledger.RoleKid)

	_, err := agg.ApplyAward(ctx, award(kid, 0, 10))
	require.NoError(t, err)

	red := redemption(kid, 6)
	_, err = agg.ApplyRedemption(ctx, red)
	require.NoError(t, err)

	counts, err := agg.Undo(ctx, red.Ref())
	require.NoError(t, err)
	assert.Equal(t, 10, counts.CurrentStars)
	assert.Equal(t, 10, counts.StarCount)
}

func TestAggregator_Undo_UnknownEvent(t *testing.T) {
	s := newTestStore(t)
	agg := ledger.NewAggregator(s)

	_, err := agg.Undo(context.Background(), ledger.EventRef{Kind: ledger.EventAward, ID: 999})
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

// =============================================================================
// CONFLICT RETRY TESTS
// =============================================================================

// conflictingStore injects serialization conflicts on the transaction
// boundary before delegating to the real store.
type conflictingStore struct {
	ledger.TxStore
	conflicts int // remaining WithUserTx calls to fail
	calls     int
}

func (c *conflictingStore) WithUserTx(ctx context.Context, user ledger.UserID, fn func(ledger.Store) error) error {
	c.calls++
	if c.conflicts > 0 {
		c.conflicts--
		return ledger.ErrConcurrencyConflict
	}
	return c.TxStore.WithUserTx(ctx, user, fn)
}

func TestAggregator_ConflictRetry_SucceedsWithinBudget(t *testing.T) {
	// GIVEN: a store that conflicts twice before letting a transaction
	//        through
	// WHEN: applying an award
	// THEN: the operation succeeds transparently on the third attempt
	//       and the aggregates reflect it

	inner := newTestStore(t)
	s := &conflictingStore{TxStore: inner, conflicts: 2}
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, inner, "amy", ledger.RoleKid)

	counts, err := agg.ApplyAward(ctx, award(kid, 0, 3))
	require.NoError(t, err)

	assert.Equal(t, 3, s.calls)
	assert.Equal(t, 3, counts.CurrentStars)
	assert.Equal(t, 3, counts.StarCount)
}

func TestAggregator_ConflictRetry_SurfacesAfterBudget(t *testing.T) {
	// GIVEN: a store that conflicts on every attempt
	// WHEN: applying an award
	// THEN: the conflict surfaces after the initial attempt plus three
	//       retries, and nothing was committed

	inner := newTestStore(t)
	s := &conflictingStore{TxStore: inner, conflicts: 100}
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := newTestUser(t, inner, "amy", ledger.RoleKid)

	_, err := agg.ApplyAward(ctx, award(kid, 0, 3))
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.Equal(t, 4, s.calls)

	counts, err := inner.Counts(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.CurrentStars)
}

// =============================================================================
// BALANCE IDENTITY PROPERTY
// =============================================================================

func TestAggregator_BalanceIdentity_RandomOperationSequence(t *testing.T) {
	// PROPERTY: after any committed sequence of awards, redemptions and
	// undos, the incrementally-maintained aggregates equal a full
	// recomputation from the surviving event log.

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	users := []ledger.UserID{
		newTestUser(t, s, "amy", ledger.RoleKid),
		newTestUser(t, s, "ben", ledger.RoleKid),
		newTestUser(t, s, "mom", ledger.RoleParent),
	}

	var undoable []ledger.EventRef
	for i := 0; i < 500; i++ {
		user := users[rng.Intn(len(users))]
		switch rng.Intn(10) {
		case 0, 1, 2, 3, 4: // award, values in [-3, 6] excluding 0
			value := rng.Intn(10) - 3
			if value == 0 {
				value = 1
			}
			a := award(user, 0, value)
			_, err := agg.ApplyAward(ctx, a)
			require.NoError(t, err)
			undoable = append(undoable, a.Ref())
		case 5, 6, 7: // redemption, may legitimately bounce
			red := redemption(user, 1+rng.Intn(5))
			if _, err := agg.ApplyRedemption(ctx, red); err == nil {
				undoable = append(undoable, red.Ref())
			} else {
				require.ErrorIs(t, err, ledger.ErrInsufficientStars)
			}
		default: // undo a random surviving event
			if len(undoable) == 0 {
				continue
			}
			i := rng.Intn(len(undoable))
			_, err := agg.Undo(ctx, undoable[i])
			require.NoError(t, err)
			undoable = append(undoable[:i], undoable[i+1:]...)
		}
	}

	for _, user := range users {
		stored, err := s.Counts(ctx, user)
		require.NoError(t, err)

		recomputed, err := agg.RecomputeUser(ctx, user)
		require.NoError(t, err)

		assert.Equal(t, recomputed, stored, "user %d drifted from its event log", user)
		assert.GreaterOrEqual(t, stored.StarCount, 0)
	}
}
