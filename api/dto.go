/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs. DTOs
  are pure data carriers.
*/
package api

import (
	"sort"
	"time"

	"github.com/warp/star-ledger/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// UserDTO represents a user with their authoritative aggregates.
type UserDTO struct {
	ID           ledger.UserID `json:"id"`
	Username     string        `json:"username"`
	Role         string        `json:"role"`
	Admin        bool          `json:"admin,omitempty"`
	DisplayName  string        `json:"display_name,omitempty"`
	CurrentStars int           `json:"current_stars"`
	StarCount    int           `json:"star_count"`
	CreatedAt    string        `json:"created_at,omitempty"`
}

// CreateUserRequest is the request to create a user.
type CreateUserRequest struct {
	Username    string `json:"username"`
	Role        string `json:"role"`
	Admin       bool   `json:"admin"`
	DisplayName string `json:"display_name"`
}

// ReasonDTO represents an award reason with its usage count.
type ReasonDTO struct {
	ID        ledger.ReasonID `json:"id"`
	Text      string          `json:"text"`
	StarValue int             `json:"star_value"`
	UseCount  int             `json:"use_count"`
}

// CreateReasonRequest is the request to create a reason.
type CreateReasonRequest struct {
	Text      string `json:"text"`
	StarValue int    `json:"star_value"`
}

// RewardDTO represents a redeemable reward.
type RewardDTO struct {
	ID   ledger.RewardID `json:"id"`
	Name string          `json:"name"`
	Cost int             `json:"cost"`
}

// CreateRewardRequest is the request to create a reward.
type CreateRewardRequest struct {
	Name string `json:"name"`
	Cost int    `json:"cost"`
}

// ReweightRequest changes a reason's star value or a reward's cost.
// With retroactive=true, every historical event snapshot referencing it
// is rewritten and the affected users recomputed.
type ReweightRequest struct {
	Value       int  `json:"value"`
	Retroactive bool `json:"retroactive"`
}

// AwardRequest is one batch star award. Targets may be given explicitly
// or as a selection snapshot; reason_id or reason_text must be set.
type AwardRequest struct {
	ActingUser ledger.UserID           `json:"acting_user"`
	Targets    []ledger.UserID         `json:"targets,omitempty"`
	Selection  *ledger.SelectionState  `json:"selection,omitempty"`
	ReasonID   *ledger.ReasonID        `json:"reason_id,omitempty"`
	ReasonText string                  `json:"reason_text,omitempty"`
	StarValue  *int                    `json:"star_value,omitempty"`
}

// RedeemRequest is one batch reward redemption.
type RedeemRequest struct {
	ActingUser ledger.UserID          `json:"acting_user"`
	Targets    []ledger.UserID        `json:"targets,omitempty"`
	Selection  *ledger.SelectionState `json:"selection,omitempty"`
	RewardID   ledger.RewardID        `json:"reward_id"`
}

// BatchResponse reports the authoritative counts for every user touched
// and the created events (for rendering and undo). On a mid-batch
// failure it carries the partial results plus the failing target.
type BatchResponse struct {
	Counts []ledger.UserCounts `json:"counts"`
	Events []ledger.EventRef   `json:"events,omitempty"`

	FailedTarget *ledger.UserID `json:"failed_target,omitempty"`
	FailedIndex  *int           `json:"failed_index,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// EventDTO is one history entry, rendered from the frozen snapshot.
type EventDTO struct {
	Kind      ledger.EventKind `json:"kind"`
	ID        ledger.EventID   `json:"id"`
	UserID    ledger.UserID    `json:"user_id"`
	Text      string           `json:"text"`
	Stars     int              `json:"stars"` // signed: +award value, -redemption cost
	CreatedAt string           `json:"created_at"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(u ledger.User) UserDTO {
	return UserDTO{
		ID:           u.ID,
		Username:     u.Username,
		Role:         string(u.Role),
		Admin:        u.Admin,
		DisplayName:  u.DisplayName,
		CurrentStars: u.CurrentStars,
		StarCount:    u.StarCount,
		CreatedAt:    u.CreatedAt.Format(time.RFC3339),
	}
}

// toEventDTOs merges both event kinds into one history, newest first.
func toEventDTOs(awards []ledger.StarAward, reds []ledger.Redemption) []EventDTO {
	type entry struct {
		dto EventDTO
		at  time.Time
	}
	entries := make([]entry, 0, len(awards)+len(reds))
	for _, a := range awards {
		entries = append(entries, entry{at: a.CreatedAt, dto: EventDTO{
			Kind:      ledger.EventAward,
			ID:        a.ID,
			UserID:    a.UserID,
			Text:      a.ReasonText,
			Stars:     a.StarValue,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		}})
	}
	for _, r := range reds {
		entries = append(entries, entry{at: r.CreatedAt, dto: EventDTO{
			Kind:      ledger.EventRedemption,
			ID:        r.ID,
			UserID:    r.UserID,
			Text:      r.RewardName,
			Stars:     -r.Cost,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		}})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.After(entries[j].at)
		}
		return entries[i].dto.ID > entries[j].dto.ID
	})
	out := make([]EventDTO, len(entries))
	for i, e := range entries {
		out[i] = e.dto
	}
	return out
}
