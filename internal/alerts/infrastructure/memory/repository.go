package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	alerts "hospital-pager/internal/alerts/domain"
)

// Repository is an in-process alert store used by tests and the single-node dev server.
type Repository struct {
	mu     sync.RWMutex
	alerts map[string]alerts.Alert
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{alerts: make(map[string]alerts.Alert)}
}

// Create inserts an alert.
func (r *Repository) Create(_ context.Context, alert *alerts.Alert) error {
	if alert == nil || alert.ID == "" {
		return alerts.ErrInvalidAlert
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.alerts[alert.ID]; exists {
		return errors.New("alert repo: duplicate id")
	}
	r.alerts[alert.ID] = *alert
	return nil
}

// Get returns a copy of an alert or ErrNotFound.
func (r *Repository) Get(_ context.Context, id string) (*alerts.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, alerts.ErrNotFound
	}
	return &alert, nil
}

// MarkAcknowledged moves an active alert to acknowledged.
func (r *Repository) MarkAcknowledged(_ context.Context, id, actorID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return false, alerts.ErrNotFound
	}
	if alert.Status != alerts.StatusActive {
		return false, nil
	}
	alert.Status = alerts.StatusAcknowledged
	alert.AcknowledgedBy = actorID
	alert.AcknowledgedAt = at
	alert.UpdatedAt = at
	r.alerts[id] = alert
	return true, nil
}

// MarkResolved moves an unresolved alert to resolved.
func (r *Repository) MarkResolved(_ context.Context, id, actorID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return false, alerts.ErrNotFound
	}
	if alert.Status == alerts.StatusResolved {
		return false, nil
	}
	alert.Status = alerts.StatusResolved
	alert.ResolvedBy = actorID
	alert.ResolvedAt = at
	alert.UpdatedAt = at
	r.alerts[id] = alert
	return true, nil
}

// AdvanceTier moves an active alert from tier from to tier to.
func (r *Repository) AdvanceTier(_ context.Context, id string, from, to int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return false, alerts.ErrNotFound
	}
	if alert.Status != alerts.StatusActive || alert.EscalationTier != from {
		return false, nil
	}
	alert.EscalationTier = to
	alert.TierChangedAt = at
	alert.UpdatedAt = at
	r.alerts[id] = alert
	return true, nil
}

// ListUnresolved returns unresolved alerts of a scope, oldest first.
func (r *Repository) ListUnresolved(_ context.Context, hospitalScopeID string) ([]alerts.Alert, error) {
	return r.list(func(a alerts.Alert) bool {
		return a.HospitalScopeID == hospitalScopeID && a.Unresolved()
	}), nil
}

// ListActive returns every active alert, oldest first.
func (r *Repository) ListActive(_ context.Context) ([]alerts.Alert, error) {
	return r.list(alerts.Alert.Escalating), nil
}

func (r *Repository) list(keep func(alerts.Alert) bool) []alerts.Alert {
	r.mu.RLock()
	out := make([]alerts.Alert, 0, len(r.alerts))
	for _, alert := range r.alerts {
		if keep(alert) {
			out = append(out, alert)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
