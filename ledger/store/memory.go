/*
Package store provides an in-memory ledger.Store implementation for
tests and development.

PURPOSE:
  A full TxStore over plain maps. WithUserTx simulates the per-user
  transaction boundary with a per-user mutex plus snapshot/rollback of
  the whole state, so engine tests exercise exactly the same commit and
  failure paths as the SQLite store.

NOT FOR PRODUCTION:
  Nothing persists. The global lock means disjoint-user parallelism is
  sacrificed for simplicity; the per-user mutex still provides the
  serialization the engine depends on.
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/star-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.Mutex

	users       map[ledger.UserID]ledger.User
	reasons     map[ledger.ReasonID]ledger.Reason
	rewards     map[ledger.RewardID]ledger.Reward
	awards      map[ledger.EventID]ledger.StarAward
	redemptions map[ledger.EventID]ledger.Redemption

	nextUser   ledger.UserID
	nextReason ledger.ReasonID
	nextReward ledger.RewardID
	nextEvent  ledger.EventID

	userLocks map[ledger.UserID]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[ledger.UserID]ledger.User),
		reasons:     make(map[ledger.ReasonID]ledger.Reason),
		rewards:     make(map[ledger.RewardID]ledger.Reward),
		awards:      make(map[ledger.EventID]ledger.StarAward),
		redemptions: make(map[ledger.EventID]ledger.Redemption),
		userLocks:   make(map[ledger.UserID]*sync.Mutex),
	}
}

var _ ledger.TxStore = (*Memory)(nil)

// =============================================================================
// PER-USER TRANSACTION BOUNDARY
// =============================================================================

// WithUserTx serializes against other transactions on the same user and
// rolls the whole state back if fn fails.
func (m *Memory) WithUserTx(_ context.Context, user ledger.UserID, fn func(ledger.Store) error) error {
	lock := m.userLock(user)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) userLock(user ledger.UserID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.userLocks[user]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.userLocks[user] = l
	return l
}

type memorySnapshot struct {
	users       map[ledger.UserID]ledger.User
	reasons     map[ledger.ReasonID]ledger.Reason
	rewards     map[ledger.RewardID]ledger.Reward
	awards      map[ledger.EventID]ledger.StarAward
	redemptions map[ledger.EventID]ledger.Redemption
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		users:       copyMap(m.users),
		reasons:     copyMap(m.reasons),
		rewards:     copyMap(m.rewards),
		awards:      copyMap(m.awards),
		redemptions: copyMap(m.redemptions),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.users = s.users
	m.reasons = s.reasons
	m.rewards = s.rewards
	m.awards = s.awards
	m.redemptions = s.redemptions
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// txView exposes the unlocked internals to fn while WithUserTx holds
// the lock. Calling the Memory's public methods from inside fn would
// deadlock; the engine only ever uses the Store it is handed.
type txView struct{ m *Memory }

var _ ledger.Store = (*txView)(nil)

// =============================================================================
// LOCKED PUBLIC METHODS (delegate to unlocked impls)
// =============================================================================

func (m *Memory) CreateUser(ctx context.Context, u *ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createUser(u)
}

func (m *Memory) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getUser(id)
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*ledger.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getUserByUsername(username)
}

func (m *Memory) ListUsers(ctx context.Context) ([]ledger.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listUsers()
}

func (m *Memory) DeleteUser(ctx context.Context, id ledger.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteUser(id)
}

func (m *Memory) CreateReason(ctx context.Context, r *ledger.Reason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReason(r)
}

func (m *Memory) GetReason(ctx context.Context, id ledger.ReasonID) (*ledger.Reason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getReason(id)
}

func (m *Memory) FindReasonByText(ctx context.Context, text string) (*ledger.Reason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findReasonByText(text)
}

func (m *Memory) ListReasons(ctx context.Context) ([]ledger.Reason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listReasons()
}

func (m *Memory) UpdateReasonValue(ctx context.Context, id ledger.ReasonID, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateReasonValue(id, value)
}

func (m *Memory) DeleteReason(ctx context.Context, id ledger.ReasonID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteReason(id)
}

func (m *Memory) CreateReward(ctx context.Context, r *ledger.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReward(r)
}

func (m *Memory) GetReward(ctx context.Context, id ledger.RewardID) (*ledger.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getReward(id)
}

func (m *Memory) ListRewards(ctx context.Context) ([]ledger.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRewards()
}

func (m *Memory) UpdateRewardCost(ctx context.Context, id ledger.RewardID, cost int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRewardCost(id, cost)
}

func (m *Memory) DeleteReward(ctx context.Context, id ledger.RewardID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteReward(id)
}

func (m *Memory) InsertAward(ctx context.Context, a *ledger.StarAward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAward(a)
}

func (m *Memory) InsertRedemption(ctx context.Context, r *ledger.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRedemption(r)
}

func (m *Memory) GetAward(ctx context.Context, id ledger.EventID) (*ledger.StarAward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAward(id)
}

func (m *Memory) GetRedemption(ctx context.Context, id ledger.EventID) (*ledger.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRedemption(id)
}

func (m *Memory) DeleteAward(ctx context.Context, id ledger.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteAward(id)
}

func (m *Memory) DeleteRedemption(ctx context.Context, id ledger.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRedemption(id)
}

func (m *Memory) AwardsByUser(ctx context.Context, id ledger.UserID) ([]ledger.StarAward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awardsByUser(id)
}

func (m *Memory) RedemptionsByUser(ctx context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redemptionsByUser(id)
}

func (m *Memory) UsersWithAwardsForReason(ctx context.Context, id ledger.ReasonID) ([]ledger.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usersWithAwardsForReason(id)
}

func (m *Memory) UsersWithRedemptionsForReward(ctx context.Context, id ledger.RewardID) ([]ledger.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usersWithRedemptionsForReward(id)
}

func (m *Memory) RewriteAwardValues(ctx context.Context, reason ledger.ReasonID, user ledger.UserID, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rewriteAwardValues(reason, user, value)
}

func (m *Memory) RewriteRedemptionCosts(ctx context.Context, reward ledger.RewardID, user ledger.UserID, cost int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rewriteRedemptionCosts(reward, user, cost)
}

func (m *Memory) Counts(ctx context.Context, id ledger.UserID) (ledger.UserCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts(id)
}

func (m *Memory) AllCounts(ctx context.Context) ([]ledger.UserCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allCounts()
}

func (m *Memory) SetCounts(ctx context.Context, c ledger.UserCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCounts(c)
}

// =============================================================================
// TX VIEW METHODS (unlocked; WithUserTx holds the lock)
// =============================================================================

func (t *txView) CreateUser(_ context.Context, u *ledger.User) error  { return t.m.createUser(u) }
func (t *txView) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	return t.m.getUser(id)
}
func (t *txView) GetUserByUsername(_ context.Context, name string) (*ledger.User, error) {
	return t.m.getUserByUsername(name)
}
func (t *txView) ListUsers(_ context.Context) ([]ledger.User, error) { return t.m.listUsers() }
func (t *txView) DeleteUser(_ context.Context, id ledger.UserID) error {
	return t.m.deleteUser(id)
}
func (t *txView) CreateReason(_ context.Context, r *ledger.Reason) error { return t.m.createReason(r) }
func (t *txView) GetReason(_ context.Context, id ledger.ReasonID) (*ledger.Reason, error) {
	return t.m.getReason(id)
}
func (t *txView) FindReasonByText(_ context.Context, text string) (*ledger.Reason, error) {
	return t.m.findReasonByText(text)
}
func (t *txView) ListReasons(_ context.Context) ([]ledger.Reason, error) { return t.m.listReasons() }
func (t *txView) UpdateReasonValue(_ context.Context, id ledger.ReasonID, value int) error {
	return t.m.updateReasonValue(id, value)
}
func (t *txView) DeleteReason(_ context.Context, id ledger.ReasonID) error {
	return t.m.deleteReason(id)
}
func (t *txView) CreateReward(_ context.Context, r *ledger.Reward) error { return t.m.createReward(r) }
func (t *txView) GetReward(_ context.Context, id ledger.RewardID) (*ledger.Reward, error) {
	return t.m.getReward(id)
}
func (t *txView) ListRewards(_ context.Context) ([]ledger.Reward, error) { return t.m.listRewards() }
func (t *txView) UpdateRewardCost(_ context.Context, id ledger.RewardID, cost int) error {
	return t.m.updateRewardCost(id, cost)
}
func (t *txView) DeleteReward(_ context.Context, id ledger.RewardID) error {
	return t.m.deleteReward(id)
}
func (t *txView) InsertAward(_ context.Context, a *ledger.StarAward) error {
	return t.m.insertAward(a)
}
func (t *txView) InsertRedemption(_ context.Context, r *ledger.Redemption) error {
	return t.m.insertRedemption(r)
}
func (t *txView) GetAward(_ context.Context, id ledger.EventID) (*ledger.StarAward, error) {
	return t.m.getAward(id)
}
func (t *txView) GetRedemption(_ context.Context, id ledger.EventID) (*ledger.Redemption, error) {
	return t.m.getRedemption(id)
}
func (t *txView) DeleteAward(_ context.Context, id ledger.EventID) error {
	return t.m.deleteAward(id)
}
func (t *txView) DeleteRedemption(_ context.Context, id ledger.EventID) error {
	return t.m.deleteRedemption(id)
}
func (t *txView) AwardsByUser(_ context.Context, id ledger.UserID) ([]ledger.StarAward, error) {
	return t.m.awardsByUser(id)
}
func (t *txView) RedemptionsByUser(_ context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	return t.m.redemptionsByUser(id)
}
func (t *txView) UsersWithAwardsForReason(_ context.Context, id ledger.ReasonID) ([]ledger.UserID, error) {
	return t.m.usersWithAwardsForReason(id)
}
func (t *txView) UsersWithRedemptionsForReward(_ context.Context, id ledger.RewardID) ([]ledger.UserID, error) {
	return t.m.usersWithRedemptionsForReward(id)
}
func (t *txView) RewriteAwardValues(_ context.Context, reason ledger.ReasonID, user ledger.UserID, value int) error {
	return t.m.rewriteAwardValues(reason, user, value)
}
func (t *txView) RewriteRedemptionCosts(_ context.Context, reward ledger.RewardID, user ledger.UserID, cost int) error {
	return t.m.rewriteRedemptionCosts(reward, user, cost)
}
func (t *txView) Counts(_ context.Context, id ledger.UserID) (ledger.UserCounts, error) {
	return t.m.counts(id)
}
func (t *txView) AllCounts(_ context.Context) ([]ledger.UserCounts, error) { return t.m.allCounts() }
func (t *txView) SetCounts(_ context.Context, c ledger.UserCounts) error   { return t.m.setCounts(c) }

// =============================================================================
// UNLOCKED IMPLEMENTATIONS
// =============================================================================

func (m *Memory) createUser(u *ledger.User) error {
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return ledger.ErrDuplicateUsername
		}
	}
	m.nextUser++
	u.ID = m.nextUser
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = ledger.RoleKid
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) getUser(id ledger.UserID) (*ledger.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) getUserByUsername(username string) (*ledger.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, ledger.ErrUserNotFound
}

func (m *Memory) listUsers() ([]ledger.User, error) {
	out := make([]ledger.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StarCount != out[j].StarCount {
			return out[i].StarCount > out[j].StarCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) deleteUser(id ledger.UserID) error {
	if _, ok := m.users[id]; !ok {
		return ledger.ErrUserNotFound
	}
	delete(m.users, id)
	// Hard cascade: the user's events go with them.
	for eid, a := range m.awards {
		if a.UserID == id {
			delete(m.awards, eid)
		}
	}
	for eid, r := range m.redemptions {
		if r.UserID == id {
			delete(m.redemptions, eid)
		}
	}
	return nil
}

func (m *Memory) createReason(r *ledger.Reason) error {
	m.nextReason++
	r.ID = m.nextReason
	m.reasons[r.ID] = *r
	return nil
}

func (m *Memory) getReason(id ledger.ReasonID) (*ledger.Reason, error) {
	r, ok := m.reasons[id]
	if !ok {
		return nil, ledger.ErrReasonNotFound
	}
	r.UseCount = m.reasonUseCount(id)
	return &r, nil
}

func (m *Memory) findReasonByText(text string) (*ledger.Reason, error) {
	for _, r := range m.reasons {
		if r.Text == text {
			r.UseCount = m.reasonUseCount(r.ID)
			return &r, nil
		}
	}
	return nil, ledger.ErrReasonNotFound
}

func (m *Memory) listReasons() ([]ledger.Reason, error) {
	out := make([]ledger.Reason, 0, len(m.reasons))
	for _, r := range m.reasons {
		r.UseCount = m.reasonUseCount(r.ID)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UseCount != out[j].UseCount {
			return out[i].UseCount > out[j].UseCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) reasonUseCount(id ledger.ReasonID) int {
	n := 0
	for _, a := range m.awards {
		if a.ReasonID != nil && *a.ReasonID == id {
			n++
		}
	}
	return n
}

func (m *Memory) updateReasonValue(id ledger.ReasonID, value int) error {
	r, ok := m.reasons[id]
	if !ok {
		return ledger.ErrReasonNotFound
	}
	r.StarValue = value
	m.reasons[id] = r
	return nil
}

func (m *Memory) deleteReason(id ledger.ReasonID) error {
	if _, ok := m.reasons[id]; !ok {
		return ledger.ErrReasonNotFound
	}
	delete(m.reasons, id)
	// Sever references; frozen snapshots stay.
	for eid, a := range m.awards {
		if a.ReasonID != nil && *a.ReasonID == id {
			a.ReasonID = nil
			m.awards[eid] = a
		}
	}
	return nil
}

func (m *Memory) createReward(r *ledger.Reward) error {
	m.nextReward++
	r.ID = m.nextReward
	m.rewards[r.ID] = *r
	return nil
}

func (m *Memory) getReward(id ledger.RewardID) (*ledger.Reward, error) {
	r, ok := m.rewards[id]
	if !ok {
		return nil, ledger.ErrRewardNotFound
	}
	return &r, nil
}

func (m *Memory) listRewards() ([]ledger.Reward, error) {
	out := make([]ledger.Reward, 0, len(m.rewards))
	for _, r := range m.rewards {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) updateRewardCost(id ledger.RewardID, cost int) error {
	r, ok := m.rewards[id]
	if !ok {
		return ledger.ErrRewardNotFound
	}
	r.Cost = cost
	m.rewards[id] = r
	return nil
}

func (m *Memory) deleteReward(id ledger.RewardID) error {
	if _, ok := m.rewards[id]; !ok {
		return ledger.ErrRewardNotFound
	}
	delete(m.rewards, id)
	for eid, r := range m.redemptions {
		if r.RewardID != nil && *r.RewardID == id {
			r.RewardID = nil
			m.redemptions[eid] = r
		}
	}
	return nil
}

func (m *Memory) insertAward(a *ledger.StarAward) error {
	if _, ok := m.users[a.UserID]; !ok {
		return ledger.ErrUserNotFound
	}
	m.nextEvent++
	a.ID = m.nextEvent
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.awards[a.ID] = *a
	return nil
}

func (m *Memory) insertRedemption(r *ledger.Redemption) error {
	if _, ok := m.users[r.UserID]; !ok {
		return ledger.ErrUserNotFound
	}
	m.nextEvent++
	r.ID = m.nextEvent
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.redemptions[r.ID] = *r
	return nil
}

func (m *Memory) getAward(id ledger.EventID) (*ledger.StarAward, error) {
	a, ok := m.awards[id]
	if !ok {
		return nil, ledger.ErrEventNotFound
	}
	return &a, nil
}

func (m *Memory) getRedemption(id ledger.EventID) (*ledger.Redemption, error) {
	r, ok := m.redemptions[id]
	if !ok {
		return nil, ledger.ErrEventNotFound
	}
	return &r, nil
}

func (m *Memory) deleteAward(id ledger.EventID) error {
	if _, ok := m.awards[id]; !ok {
		return ledger.ErrEventNotFound
	}
	delete(m.awards, id)
	return nil
}

func (m *Memory) deleteRedemption(id ledger.EventID) error {
	if _, ok := m.redemptions[id]; !ok {
		return ledger.ErrEventNotFound
	}
	delete(m.redemptions, id)
	return nil
}

func (m *Memory) awardsByUser(id ledger.UserID) ([]ledger.StarAward, error) {
	var out []ledger.StarAward
	for _, a := range m.awards {
		if a.UserID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) redemptionsByUser(id ledger.UserID) ([]ledger.Redemption, error) {
	var out []ledger.Redemption
	for _, r := range m.redemptions {
		if r.UserID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) usersWithAwardsForReason(id ledger.ReasonID) ([]ledger.UserID, error) {
	seen := make(map[ledger.UserID]bool)
	var out []ledger.UserID
	for _, a := range m.awards {
		if a.ReasonID != nil && *a.ReasonID == id && !seen[a.UserID] {
			seen[a.UserID] = true
			out = append(out, a.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) usersWithRedemptionsForReward(id ledger.RewardID) ([]ledger.UserID, error) {
	seen := make(map[ledger.UserID]bool)
	var out []ledger.UserID
	for _, r := range m.redemptions {
		if r.RewardID != nil && *r.RewardID == id && !seen[r.UserID] {
			seen[r.UserID] = true
			out = append(out, r.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) rewriteAwardValues(reason ledger.ReasonID, user ledger.UserID, value int) error {
	for eid, a := range m.awards {
		if a.UserID == user && a.ReasonID != nil && *a.ReasonID == reason {
			a.StarValue = value
			m.awards[eid] = a
		}
	}
	return nil
}

func (m *Memory) rewriteRedemptionCosts(reward ledger.RewardID, user ledger.UserID, cost int) error {
	for eid, r := range m.redemptions {
		if r.UserID == user && r.RewardID != nil && *r.RewardID == reward {
			r.Cost = cost
			m.redemptions[eid] = r
		}
	}
	return nil
}

func (m *Memory) counts(id ledger.UserID) (ledger.UserCounts, error) {
	u, ok := m.users[id]
	if !ok {
		return ledger.UserCounts{}, ledger.ErrUserNotFound
	}
	return ledger.UserCounts{UserID: id, CurrentStars: u.CurrentStars, StarCount: u.StarCount}, nil
}

func (m *Memory) allCounts() ([]ledger.UserCounts, error) {
	users, _ := m.listUsers()
	out := make([]ledger.UserCounts, len(users))
	for i, u := range users {
		out[i] = ledger.UserCounts{UserID: u.ID, CurrentStars: u.CurrentStars, StarCount: u.StarCount}
	}
	return out, nil
}

func (m *Memory) setCounts(c ledger.UserCounts) error {
	u, ok := m.users[c.UserID]
	if !ok {
		return ledger.ErrUserNotFound
	}
	u.CurrentStars = c.CurrentStars
	u.StarCount = c.StarCount
	m.users[c.UserID] = u
	return nil
}
