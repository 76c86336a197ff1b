package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/star-ledger/ledger"
)

func family() []ledger.User {
	return []ledger.User{
		{ID: 1, Username: "mom", Role: ledger.RoleParent},
		{ID: 2, Username: "dad", Role: ledger.RoleParent},
		{ID: 3, Username: "amy", Role: ledger.RoleKid},
		{ID: 4, Username: "ben", Role: ledger.RoleKid},
	}
}

// =============================================================================
// TOGGLE SEMANTICS
// =============================================================================

func TestSelection_Individual_ToggleReplacesAndClears(t *testing.T) {
	s := ledger.NewSelection()

	s.Toggle(3)
	assert.Equal(t, []ledger.UserID{3}, s.State().Selected)

	// Toggling another user replaces, not adds.
	s.Toggle(4)
	assert.Equal(t, []ledger.UserID{4}, s.State().Selected)

	// Toggling the selected user clears.
	s.Toggle(4)
	assert.Empty(t, s.State().Selected)
}

func TestSelection_Multiple_ToggleAddsAndRemoves(t *testing.T) {
	s := ledger.NewSelection()
	s.SetMode(ledger.ModeMultiple)

	s.Toggle(3)
	s.Toggle(4)
	assert.Equal(t, []ledger.UserID{3, 4}, s.State().Selected)

	s.Toggle(3)
	assert.Equal(t, []ledger.UserID{4}, s.State().Selected)
}

func TestSelection_SwitchToIndividual_CollapsesToFirstSelected(t *testing.T) {
	s := ledger.NewSelection()
	s.SetMode(ledger.ModeMultiple)
	s.Toggle(3)
	s.Toggle(4)
	s.Toggle(2)

	s.SetMode(ledger.ModeIndividual)

	state := s.State()
	assert.Equal(t, ledger.ModeIndividual, state.Mode)
	assert.Equal(t, []ledger.UserID{3}, state.Selected)
}

// =============================================================================
// GROUP FILTERS
// =============================================================================

func TestSelection_GroupFilters_ForceMultipleMode(t *testing.T) {
	tests := []struct {
		name   string
		filter ledger.GroupFilter
		want   []ledger.UserID
	}{
		{"all", ledger.FilterAll, []ledger.UserID{1, 2, 3, 4}},
		{"kids", ledger.FilterKids, []ledger.UserID{3, 4}},
		{"parents", ledger.FilterParents, []ledger.UserID{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ledger.NewSelection()
			s.Toggle(1) // pre-existing individual selection

			s.ApplyGroupFilter(tt.filter, family())

			state := s.State()
			assert.Equal(t, ledger.ModeMultiple, state.Mode)
			assert.Equal(t, tt.want, state.Selected)
		})
	}
}

func TestSelection_SpecificUser_LeavesModeUnchanged(t *testing.T) {
	s := ledger.NewSelection()
	s.SetMode(ledger.ModeMultiple)
	s.Toggle(1)
	s.Toggle(2)

	s.SelectUser(3)

	state := s.State()
	assert.Equal(t, ledger.ModeMultiple, state.Mode)
	assert.Equal(t, []ledger.UserID{3}, state.Selected)
}

// =============================================================================
// ELIGIBLE TARGETS
// =============================================================================

func TestSelection_EligibleTargets_ExcludesActingUser(t *testing.T) {
	s := ledger.NewSelection()
	s.ApplyGroupFilter(ledger.FilterAll, family())

	targets := s.EligibleTargets(1)
	assert.Equal(t, []ledger.UserID{2, 3, 4}, targets)
}

func TestSelection_SelfOnly_YieldsEmptyInEveryMode(t *testing.T) {
	for _, mode := range []ledger.SelectionMode{ledger.ModeIndividual, ledger.ModeMultiple} {
		s := ledger.NewSelection()
		s.SetMode(mode)
		s.Toggle(1)

		assert.Empty(t, s.EligibleTargets(1), "mode %s", mode)
	}
}

// =============================================================================
// SERIALIZATION
// =============================================================================

func TestSelection_RestoreRoundTrip(t *testing.T) {
	s := ledger.NewSelection()
	s.SetMode(ledger.ModeMultiple)
	s.Toggle(3)
	s.Toggle(4)

	restored := ledger.RestoreSelection(s.State())
	assert.Equal(t, s.State(), restored.State())
}

func TestSelection_Restore_SanitizesBadSnapshots(t *testing.T) {
	// Duplicates are dropped; an over-full individual selection
	// collapses to its first element; unknown modes fall back to
	// individual.
	restored := ledger.RestoreSelection(ledger.SelectionState{
		Mode:     "bogus",
		Selected: []ledger.UserID{3, 3, 4},
	})

	state := restored.State()
	assert.Equal(t, ledger.ModeIndividual, state.Mode)
	assert.Equal(t, []ledger.UserID{3}, state.Selected)
}
