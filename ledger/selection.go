/*
selection.go - Selection model for batch targeting

PURPOSE:
  A pure state machine tracking which users are "selected" for the next
  batch operation. No I/O, no locking: callers own a Selection value
  and pass its eligible-target snapshot to the Orchestrator. This keeps
  selection out of ambient global state - the whole contract lives
  behind State/Toggle/SetMode/ApplyGroupFilter.

MODES:
  individual - at most one user selected; toggling the selected user
               clears the selection, toggling another replaces it
  multiple   - a set; toggle adds or removes

GROUP FILTERS:
  all/kids/parents force multiple mode and replace the selection with
  the matching user set. A specific-username filter leaves the mode
  unchanged and selects exactly that user.

SELF-EXCLUSION:
  EligibleTargets(acting) never contains the acting user, in any mode.
  An empty result means the batch is a no-op and no request is issued.
*/
package ledger

// =============================================================================
// SELECTION MODEL
// =============================================================================

type SelectionMode string

const (
	ModeIndividual SelectionMode = "individual"
	ModeMultiple   SelectionMode = "multiple"
)

type GroupFilter string

const (
	FilterAll     GroupFilter = "all"
	FilterKids    GroupFilter = "kids"
	FilterParents GroupFilter = "parents"
)

// SelectionState is the serializable snapshot of a Selection.
type SelectionState struct {
	Mode     SelectionMode `json:"mode"`
	Selected []UserID      `json:"selected"`
}

// Selection tracks selected users under one of two modes. The selected
// set is kept in insertion order and never contains duplicates.
type Selection struct {
	mode     SelectionMode
	selected []UserID
}

func NewSelection() *Selection {
	return &Selection{mode: ModeIndividual}
}

// RestoreSelection rebuilds a Selection from a snapshot, dropping any
// duplicates the snapshot may carry.
func RestoreSelection(state SelectionState) *Selection {
	s := &Selection{mode: state.Mode}
	if s.mode != ModeIndividual && s.mode != ModeMultiple {
		s.mode = ModeIndividual
	}
	for _, u := range state.Selected {
		if !s.contains(u) {
			s.selected = append(s.selected, u)
		}
	}
	if s.mode == ModeIndividual && len(s.selected) > 1 {
		s.selected = s.selected[:1]
	}
	return s
}

// State returns a snapshot safe for the caller to hold or serialize.
func (s *Selection) State() SelectionState {
	out := make([]UserID, len(s.selected))
	copy(out, s.selected)
	return SelectionState{Mode: s.mode, Selected: out}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// SetMode switches modes. Switching to individual with more than one
// user selected collapses to the first-selected user.
func (s *Selection) SetMode(m SelectionMode) {
	s.mode = m
	if m == ModeIndividual && len(s.selected) > 1 {
		s.selected = s.selected[:1]
	}
}

// Toggle flips u's membership according to the current mode.
func (s *Selection) Toggle(u UserID) {
	switch s.mode {
	case ModeMultiple:
		if i := s.indexOf(u); i >= 0 {
			s.selected = append(s.selected[:i], s.selected[i+1:]...)
		} else {
			s.selected = append(s.selected, u)
		}
	default: // individual
		if len(s.selected) == 1 && s.selected[0] == u {
			s.selected = nil
		} else {
			s.selected = []UserID{u}
		}
	}
}

// ApplyGroupFilter forces multiple mode and replaces the selection with
// the users matching the filter.
func (s *Selection) ApplyGroupFilter(f GroupFilter, users []User) {
	s.mode = ModeMultiple
	s.selected = nil
	for _, u := range users {
		switch f {
		case FilterAll:
			s.selected = append(s.selected, u.ID)
		case FilterKids:
			if u.Role == RoleKid {
				s.selected = append(s.selected, u.ID)
			}
		case FilterParents:
			if u.Role == RoleParent {
				s.selected = append(s.selected, u.ID)
			}
		}
	}
}

// SelectUser is the specific-username filter: mode is left unchanged
// and the selection becomes exactly {u}.
func (s *Selection) SelectUser(u UserID) {
	s.selected = []UserID{u}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// EligibleTargets is the selection minus the acting user - the set the
// Orchestrator receives.
func (s *Selection) EligibleTargets(acting UserID) []UserID {
	out := make([]UserID, 0, len(s.selected))
	for _, u := range s.selected {
		if u != acting {
			out = append(out, u)
		}
	}
	return out
}

func (s *Selection) indexOf(u UserID) int {
	for i, v := range s.selected {
		if v == u {
			return i
		}
	}
	return -1
}

func (s *Selection) contains(u UserID) bool { return s.indexOf(u) >= 0 }
