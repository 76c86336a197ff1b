package sqlite_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/star-ledger/ledger"
	"github.com/warp/star-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createUser(t *testing.T, s *sqlite.Store, username string, role ledger.Role) ledger.UserID {
	t.Helper()
	u := ledger.User{Username: username, Role: role}
	require.NoError(t, s.CreateUser(context.Background(), &u))
	return u.ID
}

// =============================================================================
// ENTITY CRUD
// =============================================================================

func TestStore_UserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := ledger.User{Username: "amy", Role: ledger.RoleKid, DisplayName: "Amy"}
	require.NoError(t, s.CreateUser(ctx, &u))
	require.NotZero(t, u.ID)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "amy", got.Username)
	assert.Equal(t, ledger.RoleKid, got.Role)
	assert.Equal(t, 0, got.CurrentStars)
	assert.False(t, got.CreatedAt.IsZero())

	byName, err := s.GetUserByUsername(ctx, "amy")
	require.NoError(t, err)
	assert.Equal(t, got.ID, byName.ID)
}

func TestStore_DuplicateUsername_Rejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createUser(t, s, "amy", ledger.RoleKid)
	err := s.CreateUser(ctx, &ledger.User{Username: "amy"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateUsername)
}

func TestStore_GetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), 404)
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestStore_DeleteUser_CascadesEvents(t *testing.T) {
	// GIVEN: a user with an award and a redemption
	// WHEN: deleting the user
	// THEN: the user and both events are hard-deleted

	s := newTestStore(t)
	ctx := context.Background()
	kid := createUser(t, s, "amy", ledger.RoleKid)

	a := ledger.StarAward{UserID: kid, ReasonText: "chores", StarValue: 5}
	require.NoError(t, s.InsertAward(ctx, &a))
	red := ledger.Redemption{UserID: kid, RewardName: "movie", Cost: 2}
	require.NoError(t, s.InsertRedemption(ctx, &red))

	require.NoError(t, s.DeleteUser(ctx, kid))

	_, err := s.GetUser(ctx, kid)
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
	_, err = s.GetAward(ctx, a.ID)
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
	_, err = s.GetRedemption(ctx, red.ID)
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func TestStore_DeleteReason_SeversButKeepsSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	kid := createUser(t, s, "amy", ledger.RoleKid)

	reason := ledger.Reason{Text: "homework", StarValue: 2}
	require.NoError(t, s.CreateReason(ctx, &reason))

	a := ledger.StarAward{UserID: kid, ReasonID: &reason.ID, ReasonText: "homework", StarValue: 2}
	require.NoError(t, s.InsertAward(ctx, &a))

	require.NoError(t, s.DeleteReason(ctx, reason.ID))

	got, err := s.GetAward(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReasonID)
	assert.Equal(t, "homework", got.ReasonText)
	assert.Equal(t, 2, got.StarValue)
}

func TestStore_ReasonUseCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	kid := createUser(t, s, "amy", ledger.RoleKid)

	often := ledger.Reason{Text: "dishes", StarValue: 1}
	rarely := ledger.Reason{Text: "laundry", StarValue: 2}
	require.NoError(t, s.CreateReason(ctx, &often))
	require.NoError(t, s.CreateReason(ctx, &rarely))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertAward(ctx, &ledger.StarAward{
			UserID: kid, ReasonID: &often.ID, ReasonText: "dishes", StarValue: 1,
		}))
	}

	reasons, err := s.ListReasons(ctx)
	require.NoError(t, err)
	require.Len(t, reasons, 2)
	assert.Equal(t, "dishes", reasons[0].Text, "most used first")
	assert.Equal(t, 3, reasons[0].UseCount)
	assert.Equal(t, 0, reasons[1].UseCount)
}

// =============================================================================
// PER-USER TRANSACTION BOUNDARY
// =============================================================================

func TestStore_WithUserTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	kid := createUser(t, s, "amy", ledger.RoleKid)

	err := s.WithUserTx(ctx, kid, func(tx ledger.Store) error {
		if err := tx.InsertAward(ctx, &ledger.StarAward{UserID: kid, StarValue: 5}); err != nil {
			return err
		}
		if err := tx.SetCounts(ctx, ledger.UserCounts{UserID: kid, CurrentStars: 5, StarCount: 5}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	counts, err := s.Counts(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.CurrentStars, "everything rolled back")

	awards, err := s.AwardsByUser(ctx, kid)
	require.NoError(t, err)
	assert.Empty(t, awards)
}

func TestStore_ConcurrentRedemptions_OnlyOneSucceeds(t *testing.T) {
	// GIVEN: a user whose balance affords exactly one redemption
	// WHEN: two concurrent redemptions run through the Aggregator
	// THEN: one commits, the other fails InsufficientStars, and the
	//       final balance is consistent with exactly one debit

	s := newTestStore(t)
	agg := ledger.NewAggregator(s)
	ctx := context.Background()
	kid := createUser(t, s, "amy", ledger.RoleKid)

	_, err := agg.ApplyAward(ctx, &ledger.StarAward{UserID: kid, ReasonText: "chores", StarValue: 6})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = agg.ApplyRedemption(ctx, &ledger.Redemption{
				UserID: kid, RewardName: "movie", Cost: 5,
			})
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ledger.ErrInsufficientStars)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one redemption must lose the race")

	counts, err := s.Counts(ctx, kid)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.CurrentStars)

	reds, err := s.RedemptionsByUser(ctx, kid)
	require.NoError(t, err)
	assert.Len(t, reds, 1)
}

// =============================================================================
// SNAPSHOT REWRITES
// =============================================================================

func TestStore_RewriteAwardValues_ScopedToUserAndReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createUser(t, s, "amy", ledger.RoleKid)
	b := createUser(t, s, "ben", ledger.RoleKid)

	reason := ledger.Reason{Text: "dishes", StarValue: 1}
	other := ledger.Reason{Text: "laundry", StarValue: 1}
	require.NoError(t, s.CreateReason(ctx, &reason))
	require.NoError(t, s.CreateReason(ctx, &other))

	awardA := ledger.StarAward{UserID: a, ReasonID: &reason.ID, StarValue: 1}
	awardB := ledger.StarAward{UserID: b, ReasonID: &reason.ID, StarValue: 1}
	awardOther := ledger.StarAward{UserID: a, ReasonID: &other.ID, StarValue: 1}
	require.NoError(t, s.InsertAward(ctx, &awardA))
	require.NoError(t, s.InsertAward(ctx, &awardB))
	require.NoError(t, s.InsertAward(ctx, &awardOther))

	require.NoError(t, s.RewriteAwardValues(ctx, reason.ID, a, 9))

	got, _ := s.GetAward(ctx, awardA.ID)
	assert.Equal(t, 9, got.StarValue)
	got, _ = s.GetAward(ctx, awardB.ID)
	assert.Equal(t, 1, got.StarValue, "other user untouched")
	got, _ = s.GetAward(ctx, awardOther.ID)
	assert.Equal(t, 1, got.StarValue, "other reason untouched")

	users, err := s.UsersWithAwardsForReason(ctx, reason.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{a, b}, users)
}

// =============================================================================
// AGGREGATE QUERIES
// =============================================================================

func TestStore_AllCounts_OrderedByLifetimeStars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createUser(t, s, "amy", ledger.RoleKid)
	b := createUser(t, s, "ben", ledger.RoleKid)

	require.NoError(t, s.SetCounts(ctx, ledger.UserCounts{UserID: a, CurrentStars: 1, StarCount: 3}))
	require.NoError(t, s.SetCounts(ctx, ledger.UserCounts{UserID: b, CurrentStars: 5, StarCount: 8}))

	counts, err := s.AllCounts(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, b, counts[0].UserID)
	assert.Equal(t, a, counts[1].UserID)
}
