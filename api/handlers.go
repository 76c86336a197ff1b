/*
handlers.go - HTTP API handlers for the star ledger

PURPOSE:
  Exposes the ledger engine via REST. Handles HTTP request/response and
  JSON serialization, and delegates every mutation to the Orchestrator;
  handlers never touch aggregates directly.

ENDPOINTS:
  Users:
    GET    /api/users                list users with counts
    POST   /api/users                create user
    GET    /api/users/{id}           get user
    DELETE /api/users/{id}           delete user (cascades events)
    GET    /api/users/{id}/events    award/redemption history

  Catalog:
    GET/POST /api/reasons, DELETE /api/reasons/{id}
    POST     /api/reasons/{id}/reweight
    GET/POST /api/rewards, DELETE /api/rewards/{id}
    POST     /api/rewards/{id}/reweight

  Ledger:
    POST   /api/stars/award          batch award (fail-fast)
    POST   /api/stars/redeem         batch redemption (fail-fast)
    DELETE /api/events/{kind}/{id}   undo one event
    GET    /api/counts               leaderboard

ERROR HANDLING:
  Engine errors map to status codes via their taxonomy:
  - 400: validation, insufficient stars, no eligible targets
  - 404: unknown user/reason/reward/event
  - 409: duplicate username
  - 503: serialization conflict that exhausted retries
  A mid-batch failure returns the failing status with a BatchResponse
  body carrying the partial results.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/star-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  ledger.TxStore
	Engine *ledger.Orchestrator
}

// NewHandler creates a handler over the given store.
func NewHandler(store ledger.TxStore) *Handler {
	return &Handler{
		Store:  store,
		Engine: ledger.NewOrchestrator(store),
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all users with their aggregates.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser provisions a new user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required", nil)
		return
	}

	u := ledger.User{
		Username:    req.Username,
		Role:        ledger.Role(req.Role),
		Admin:       req.Admin,
		DisplayName: req.DisplayName,
	}
	if err := h.Store.CreateUser(r.Context(), &u); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// GetUser returns one user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.UserID](w, r, "id")
	if !ok {
		return
	}
	u, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// DeleteUser hard-deletes the user and all their events.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.UserID](w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteUser(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUserEvents returns the user's award/redemption history.
func (h *Handler) GetUserEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.UserID](w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetUser(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	awards, err := h.Store.AwardsByUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load awards", err)
		return
	}
	reds, err := h.Store.RedemptionsByUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load redemptions", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(awards, reds))
}

// =============================================================================
// CATALOG HANDLERS - Reasons
// =============================================================================

// ListReasons returns the reason catalog with usage counts.
func (h *Handler) ListReasons(w http.ResponseWriter, r *http.Request) {
	reasons, err := h.Store.ListReasons(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reasons", err)
		return
	}
	dtos := make([]ReasonDTO, len(reasons))
	for i, re := range reasons {
		dtos[i] = ReasonDTO{ID: re.ID, Text: re.Text, StarValue: re.StarValue, UseCount: re.UseCount}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReason adds a catalog reason.
func (h *Handler) CreateReason(w http.ResponseWriter, r *http.Request) {
	var req CreateReasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required", nil)
		return
	}
	if req.StarValue == 0 {
		req.StarValue = 1
	}
	reason := ledger.Reason{Text: req.Text, StarValue: req.StarValue}
	if err := h.Store.CreateReason(r.Context(), &reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReasonDTO{ID: reason.ID, Text: reason.Text, StarValue: reason.StarValue})
}

// DeleteReason removes a reason, severing event references.
func (h *Handler) DeleteReason(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.ReasonID](w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteReason(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReweightReason changes a reason's star value, optionally rewriting
// history. POST /api/reasons/{id}/reweight
func (h *Handler) ReweightReason(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.ReasonID](w, r, "id")
	if !ok {
		return
	}
	var req ReweightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	counts, err := h.Engine.ReweightReason(r.Context(), id, req.Value, req.Retroactive)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Counts: nonNilCounts(counts)})
}

// =============================================================================
// CATALOG HANDLERS - Rewards
// =============================================================================

// ListRewards returns the reward catalog.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Store.ListRewards(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rewards", err)
		return
	}
	dtos := make([]RewardDTO, len(rewards))
	for i, rw := range rewards {
		dtos[i] = RewardDTO{ID: rw.ID, Name: rw.Name, Cost: rw.Cost}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReward adds a reward.
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req CreateRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" || req.Cost <= 0 {
		writeError(w, http.StatusBadRequest, "name and positive cost required", nil)
		return
	}
	reward := ledger.Reward{Name: req.Name, Cost: req.Cost}
	if err := h.Store.CreateReward(r.Context(), &reward); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RewardDTO{ID: reward.ID, Name: reward.Name, Cost: reward.Cost})
}

// DeleteReward removes a reward, severing event references.
func (h *Handler) DeleteReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.RewardID](w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteReward(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReweightReward changes a reward's cost, optionally rewriting history.
func (h *Handler) ReweightReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID[ledger.RewardID](w, r, "id")
	if !ok {
		return
	}
	var req ReweightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	counts, err := h.Engine.ReweightReward(r.Context(), id, req.Value, req.Retroactive)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Counts: nonNilCounts(counts)})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// AwardStars applies one batch award. POST /api/stars/award
func (h *Handler) AwardStars(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	res, err := h.Engine.AwardStars(r.Context(), ledger.AwardInput{
		ActingUser: req.ActingUser,
		Targets:    resolveTargets(req.Targets, req.Selection, req.ActingUser),
		ReasonID:   req.ReasonID,
		ReasonText: req.ReasonText,
		StarValue:  req.StarValue,
	})
	writeBatch(w, res, err)
}

// RedeemReward applies one batch redemption. POST /api/stars/redeem
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	targets := resolveTargets(req.Targets, req.Selection, req.ActingUser)
	res, err := h.Engine.RedeemReward(r.Context(), req.ActingUser, targets, req.RewardID)
	writeBatch(w, res, err)
}

// UndoEvent deletes one event and reverses its effect.
// DELETE /api/events/{kind}/{id}
func (h *Handler) UndoEvent(w http.ResponseWriter, r *http.Request) {
	kind := ledger.EventKind(chi.URLParam(r, "kind"))
	if kind != ledger.EventAward && kind != ledger.EventRedemption {
		writeError(w, http.StatusNotFound, "unknown event kind", nil)
		return
	}
	id, ok := pathID[ledger.EventID](w, r, "id")
	if !ok {
		return
	}
	counts, err := h.Engine.UndoEvent(r.Context(), ledger.EventRef{Kind: kind, ID: id})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Counts: []ledger.UserCounts{counts}})
}

// GetCounts returns the leaderboard: every user's authoritative counts.
func (h *Handler) GetCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Store.AllCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load counts", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilCounts(counts))
}

// =============================================================================
// HELPERS
// =============================================================================

// resolveTargets prefers an explicit target list; otherwise derives the
// eligible set from the caller's selection snapshot.
func resolveTargets(targets []ledger.UserID, sel *ledger.SelectionState, acting ledger.UserID) []ledger.UserID {
	if len(targets) > 0 || sel == nil {
		return targets
	}
	return ledger.RestoreSelection(*sel).EligibleTargets(acting)
}

// nonNilCounts keeps empty results encoding as [] rather than null.
func nonNilCounts(counts []ledger.UserCounts) []ledger.UserCounts {
	if counts == nil {
		return []ledger.UserCounts{}
	}
	return counts
}

// writeBatch renders an orchestrator result, including fail-fast
// partials: a *BatchError produces the error status plus the counts
// already applied, so the caller can refresh what did change.
func writeBatch(w http.ResponseWriter, res *ledger.BatchResult, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, BatchResponse{Counts: res.Counts, Events: res.Events})
		return
	}
	var batchErr *ledger.BatchError
	if errors.As(err, &batchErr) {
		idx := batchErr.Index
		target := batchErr.Target
		body := BatchResponse{
			FailedTarget: &target,
			FailedIndex:  &idx,
			Error:        batchErr.Err.Error(),
		}
		if res != nil {
			body.Counts = res.Counts
			body.Events = res.Events
		}
		writeJSON(w, statusFor(batchErr.Err), body)
		return
	}
	writeEngineError(w, err)
}

func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateUsername):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// pathID parses an integer URL parameter into the given ID type,
// responding 400 itself when the parameter is malformed.
func pathID[T ~int64](w http.ResponseWriter, r *http.Request, name string) (T, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name, err)
		return 0, false
	}
	return T(id), true
}
