/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using database/sql with
  the mattn/go-sqlite3 driver. The same SQL shapes port to PostgreSQL
  with minor dialect changes.

KEY TABLES:
  users        entity rows plus the two derived aggregate columns
               (current_stars, star_count), written only via SetCounts
  reasons      weighted award catalog
  rewards      redemption catalog
  star_awards  award events with frozen reason_text/star_value snapshots
  redemptions  redemption events with frozen reward_name/cost snapshots

REFERENTIAL RULES:
  star_awards.user_id / redemptions.user_id: ON DELETE CASCADE - deleting
  a user hard-deletes their events.
  star_awards.reason_id / redemptions.reward_id: ON DELETE SET NULL -
  deleting a catalog row severs the live reference and leaves the
  frozen snapshot untouched.

PER-USER SERIALIZATION:
  WithUserTx opens an immediate-mode transaction (_txlock=immediate in
  the DSN), so the write lock is taken at BEGIN rather than at first
  write. SQLite allows one writer at a time, which subsumes the
  per-user boundary the engine requires; contention surfaces as
  SQLITE_BUSY and is mapped to ledger.ErrConcurrencyConflict for the
  Aggregator's retry loop.

WAL MODE:
  The database is opened with WAL so readers never block on the writer
  and recovery after a crash replays the log.

MIGRATION:
  Schema is created on New(). For a production fleet use a versioned
  migration tool instead.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/star-ledger/ledger"
)

// =============================================================================
// STORE
// =============================================================================

// Store implements ledger.TxStore on SQLite.
type Store struct {
	session
	db *sql.DB
}

var _ ledger.TxStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection sidesteps in-process SQLITE_BUSY
	// storms; WAL keeps readers unblocked regardless.
	db.SetMaxOpenConns(1)

	s := &Store{session: session{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT 'kid',
		is_admin INTEGER NOT NULL DEFAULT 0,
		display_name TEXT NOT NULL DEFAULT '',
		current_stars INTEGER NOT NULL DEFAULT 0,
		star_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reasons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		star_value INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS rewards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		cost INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS star_awards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		awarded_by INTEGER NOT NULL DEFAULT 0,
		reason_id INTEGER REFERENCES reasons(id) ON DELETE SET NULL,
		reason_text TEXT NOT NULL DEFAULT '',
		star_value INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reward_id INTEGER REFERENCES rewards(id) ON DELETE SET NULL,
		reward_name TEXT NOT NULL DEFAULT '',
		cost INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_star_awards_user
		ON star_awards(user_id);
	CREATE INDEX IF NOT EXISTS idx_star_awards_reason
		ON star_awards(reason_id) WHERE reason_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_redemptions_user
		ON redemptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_redemptions_reward
		ON redemptions(reward_id) WHERE reward_id IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PER-USER TRANSACTION BOUNDARY
// =============================================================================

// WithUserTx runs fn inside one immediate-mode transaction. The userID
// names the serialization scope for the caller's benefit; SQLite's
// single-writer model makes the guarantee at least that strong.
func (s *Store) WithUserTx(ctx context.Context, _ ledger.UserID, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(&session{q: tx}); err != nil {
		tx.Rollback()
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr converts driver-level failures to engine sentinels; engine
// errors pass through untouched.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch {
		case serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ledger.ErrConcurrencyConflict, err)
		case serr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %v", ledger.ErrDuplicateUsername, err)
		}
	}
	return err
}

// =============================================================================
// SESSION - shared query implementations for *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type session struct {
	q querier
}

var _ ledger.Store = (*session)(nil)

// ---- Users ------------------------------------------------------------------

func (s *session) CreateUser(ctx context.Context, u *ledger.User) error {
	if u.Role == "" {
		u.Role = ledger.RoleKid
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO users (username, role, is_admin, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.Username, string(u.Role), u.Admin, u.DisplayName, u.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = ledger.UserID(id)
	return nil
}

const userColumns = `id, username, role, is_admin, display_name, current_stars, star_count, created_at`

func scanUser(row interface{ Scan(...any) error }) (*ledger.User, error) {
	var u ledger.User
	var role string
	err := row.Scan(&u.ID, &u.Username, &role, &u.Admin, &u.DisplayName,
		&u.CurrentStars, &u.StarCount, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = ledger.Role(role)
	return &u, nil
}

func (s *session) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *session) GetUserByUsername(ctx context.Context, username string) (*ledger.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (s *session) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY star_count DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *session) DeleteUser(ctx context.Context, id ledger.UserID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrUserNotFound)
}

// ---- Reasons ----------------------------------------------------------------

func (s *session) CreateReason(ctx context.Context, r *ledger.Reason) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO reasons (text, star_value) VALUES (?, ?)`, r.Text, r.StarValue)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = ledger.ReasonID(id)
	return nil
}

func (s *session) GetReason(ctx context.Context, id ledger.ReasonID) (*ledger.Reason, error) {
	return s.scanReason(s.q.QueryRowContext(ctx, `
		SELECT r.id, r.text, r.star_value,
			(SELECT COUNT(*) FROM star_awards a WHERE a.reason_id = r.id)
		FROM reasons r WHERE r.id = ?`, id))
}

func (s *session) FindReasonByText(ctx context.Context, text string) (*ledger.Reason, error) {
	return s.scanReason(s.q.QueryRowContext(ctx, `
		SELECT r.id, r.text, r.star_value,
			(SELECT COUNT(*) FROM star_awards a WHERE a.reason_id = r.id)
		FROM reasons r WHERE r.text = ? LIMIT 1`, text))
}

func (s *session) scanReason(row *sql.Row) (*ledger.Reason, error) {
	var r ledger.Reason
	err := row.Scan(&r.ID, &r.Text, &r.StarValue, &r.UseCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReasonNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *session) ListReasons(ctx context.Context) ([]ledger.Reason, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT r.id, r.text, r.star_value, COUNT(a.id) AS use_count
		FROM reasons r
		LEFT JOIN star_awards a ON a.reason_id = r.id
		GROUP BY r.id, r.text, r.star_value
		ORDER BY use_count DESC, r.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reasons []ledger.Reason
	for rows.Next() {
		var r ledger.Reason
		if err := rows.Scan(&r.ID, &r.Text, &r.StarValue, &r.UseCount); err != nil {
			return nil, err
		}
		reasons = append(reasons, r)
	}
	return reasons, rows.Err()
}

func (s *session) UpdateReasonValue(ctx context.Context, id ledger.ReasonID, value int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE reasons SET star_value = ? WHERE id = ?`, value, id)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrReasonNotFound)
}

func (s *session) DeleteReason(ctx context.Context, id ledger.ReasonID) error {
	// ON DELETE SET NULL severs award references.
	res, err := s.q.ExecContext(ctx, `DELETE FROM reasons WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrReasonNotFound)
}

// ---- Rewards ----------------------------------------------------------------

func (s *session) CreateReward(ctx context.Context, r *ledger.Reward) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO rewards (name, cost) VALUES (?, ?)`, r.Name, r.Cost)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = ledger.RewardID(id)
	return nil
}

func (s *session) GetReward(ctx context.Context, id ledger.RewardID) (*ledger.Reward, error) {
	var r ledger.Reward
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, cost FROM rewards WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Cost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRewardNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *session) ListRewards(ctx context.Context) ([]ledger.Reward, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, cost FROM rewards ORDER BY cost ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rewards []ledger.Reward
	for rows.Next() {
		var r ledger.Reward
		if err := rows.Scan(&r.ID, &r.Name, &r.Cost); err != nil {
			return nil, err
		}
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

func (s *session) UpdateRewardCost(ctx context.Context, id ledger.RewardID, cost int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE rewards SET cost = ? WHERE id = ?`, cost, id)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrRewardNotFound)
}

func (s *session) DeleteReward(ctx context.Context, id ledger.RewardID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM rewards WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrRewardNotFound)
}

// ---- Events -----------------------------------------------------------------

func (s *session) InsertAward(ctx context.Context, a *ledger.StarAward) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO star_awards (user_id, awarded_by, reason_id, reason_text, star_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.UserID, a.AwardedBy, reasonIDArg(a.ReasonID), a.ReasonText, a.StarValue, a.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = ledger.EventID(id)
	return nil
}

func (s *session) InsertRedemption(ctx context.Context, r *ledger.Redemption) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO redemptions (user_id, reward_id, reward_name, cost, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.UserID, rewardIDArg(r.RewardID), r.RewardName, r.Cost, r.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = ledger.EventID(id)
	return nil
}

const awardColumns = `id, user_id, awarded_by, reason_id, reason_text, star_value, created_at`

func scanAward(row interface{ Scan(...any) error }) (*ledger.StarAward, error) {
	var a ledger.StarAward
	var reasonID sql.NullInt64
	err := row.Scan(&a.ID, &a.UserID, &a.AwardedBy, &reasonID, &a.ReasonText,
		&a.StarValue, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if reasonID.Valid {
		id := ledger.ReasonID(reasonID.Int64)
		a.ReasonID = &id
	}
	return &a, nil
}

func (s *session) GetAward(ctx context.Context, id ledger.EventID) (*ledger.StarAward, error) {
	return scanAward(s.q.QueryRowContext(ctx,
		`SELECT `+awardColumns+` FROM star_awards WHERE id = ?`, id))
}

const redemptionColumns = `id, user_id, reward_id, reward_name, cost, created_at`

func scanRedemption(row interface{ Scan(...any) error }) (*ledger.Redemption, error) {
	var r ledger.Redemption
	var rewardID sql.NullInt64
	err := row.Scan(&r.ID, &r.UserID, &rewardID, &r.RewardName, &r.Cost, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if rewardID.Valid {
		id := ledger.RewardID(rewardID.Int64)
		r.RewardID = &id
	}
	return &r, nil
}

func (s *session) GetRedemption(ctx context.Context, id ledger.EventID) (*ledger.Redemption, error) {
	return scanRedemption(s.q.QueryRowContext(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE id = ?`, id))
}

func (s *session) DeleteAward(ctx context.Context, id ledger.EventID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM star_awards WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrEventNotFound)
}

func (s *session) DeleteRedemption(ctx context.Context, id ledger.EventID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM redemptions WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrEventNotFound)
}

func (s *session) AwardsByUser(ctx context.Context, id ledger.UserID) ([]ledger.StarAward, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+awardColumns+` FROM star_awards WHERE user_id = ? ORDER BY id DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var awards []ledger.StarAward
	for rows.Next() {
		a, err := scanAward(rows)
		if err != nil {
			return nil, err
		}
		awards = append(awards, *a)
	}
	return awards, rows.Err()
}

func (s *session) RedemptionsByUser(ctx context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE user_id = ? ORDER BY id DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reds []ledger.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		reds = append(reds, *r)
	}
	return reds, rows.Err()
}

func (s *session) UsersWithAwardsForReason(ctx context.Context, id ledger.ReasonID) ([]ledger.UserID, error) {
	return s.userIDs(ctx,
		`SELECT DISTINCT user_id FROM star_awards WHERE reason_id = ? ORDER BY user_id`, id)
}

func (s *session) UsersWithRedemptionsForReward(ctx context.Context, id ledger.RewardID) ([]ledger.UserID, error) {
	return s.userIDs(ctx,
		`SELECT DISTINCT user_id FROM redemptions WHERE reward_id = ? ORDER BY user_id`, id)
}

func (s *session) userIDs(ctx context.Context, query string, args ...any) ([]ledger.UserID, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *session) RewriteAwardValues(ctx context.Context, reason ledger.ReasonID, user ledger.UserID, value int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE star_awards SET star_value = ? WHERE reason_id = ? AND user_id = ?`,
		value, reason, user)
	return mapErr(err)
}

func (s *session) RewriteRedemptionCosts(ctx context.Context, reward ledger.RewardID, user ledger.UserID, cost int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE redemptions SET cost = ? WHERE reward_id = ? AND user_id = ?`,
		cost, reward, user)
	return mapErr(err)
}

// ---- Aggregates -------------------------------------------------------------

func (s *session) Counts(ctx context.Context, id ledger.UserID) (ledger.UserCounts, error) {
	var c ledger.UserCounts
	err := s.q.QueryRowContext(ctx,
		`SELECT id, current_stars, star_count FROM users WHERE id = ?`, id).
		Scan(&c.UserID, &c.CurrentStars, &c.StarCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.UserCounts{}, ledger.ErrUserNotFound
	}
	return c, err
}

func (s *session) AllCounts(ctx context.Context) ([]ledger.UserCounts, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, current_stars, star_count FROM users ORDER BY star_count DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []ledger.UserCounts
	for rows.Next() {
		var c ledger.UserCounts
		if err := rows.Scan(&c.UserID, &c.CurrentStars, &c.StarCount); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *session) SetCounts(ctx context.Context, c ledger.UserCounts) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE users SET current_stars = ?, star_count = ? WHERE id = ?`,
		c.CurrentStars, c.StarCount, c.UserID)
	if err != nil {
		return mapErr(err)
	}
	return oneRowOr(res, ledger.ErrUserNotFound)
}

// =============================================================================
// HELPERS
// =============================================================================

func oneRowOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func reasonIDArg(id *ledger.ReasonID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func rewardIDArg(id *ledger.RewardID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
