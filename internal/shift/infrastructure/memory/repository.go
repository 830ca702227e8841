package memory

import (
	"context"
	"sort"
	"sync"

	shift "hospital-pager/internal/shift/domain"
)

// Repository keeps duty state and handover records in process.
type Repository struct {
	mu        sync.RWMutex
	states    map[string]shift.State
	handovers map[string]shift.HandoverRecord
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{
		states:    make(map[string]shift.State),
		handovers: make(map[string]shift.HandoverRecord),
	}
}

// Get returns the user's state or nil.
func (r *Repository) Get(_ context.Context, userID string) (*shift.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[userID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// Save upserts a state.
func (r *Repository) Save(_ context.Context, state shift.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.UserID] = state
	return nil
}

// SetRosterTier assigns the escalation tier at which a user is paged.
func (r *Repository) SetRosterTier(userID string, tier int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.states[userID]
	state.UserID = userID
	state.RosterTier = tier
	r.states[userID] = state
}

// OnDutyStaff returns on-duty users of the scope whose roster tier is at most tier.
func (r *Repository) OnDutyStaff(_ context.Context, hospitalScopeID string, tier int) ([]string, error) {
	r.mu.RLock()
	var matched []shift.State
	for _, state := range r.states {
		if state.OnDuty && state.HospitalScopeID == hospitalScopeID && state.RosterTier <= tier {
			matched = append(matched, state)
		}
	}
	r.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RosterTier != matched[j].RosterTier {
			return matched[i].RosterTier < matched[j].RosterTier
		}
		return matched[i].UserID < matched[j].UserID
	})
	out := make([]string, 0, len(matched))
	for _, state := range matched {
		out = append(out, state.UserID)
	}
	return out, nil
}

// RecordHandover stores a handover record; an existing id is kept unchanged.
func (r *Repository) RecordHandover(_ context.Context, record shift.HandoverRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handovers[record.ID]; exists {
		return nil
	}
	record.UnresolvedAlertIDs = append([]string(nil), record.UnresolvedAlertIDs...)
	r.handovers[record.ID] = record
	return nil
}

// GetHandover returns a handover record.
func (r *Repository) GetHandover(_ context.Context, id string) (*shift.HandoverRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.handovers[id]
	if !ok {
		return nil, shift.ErrNotFound
	}
	return &record, nil
}

// ListHandovers returns a scope's newest handovers first.
func (r *Repository) ListHandovers(_ context.Context, hospitalScopeID string, limit int) ([]shift.HandoverRecord, error) {
	r.mu.RLock()
	var out []shift.HandoverRecord
	for _, record := range r.handovers {
		if record.HospitalScopeID == hospitalScopeID {
			out = append(out, record)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
