package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	eventingrepo "hospital-pager/internal/eventing/infrastructure/postgres"
)

const maxDeadLetterLimit = 500

// DeadLetterLister reads dead-lettered events.
type DeadLetterLister interface {
	List(ctx context.Context, scopeID string, limit int) ([]eventingrepo.DeadLetter, error)
}

type deadLetterView struct {
	EventID         string    `json:"event_id"`
	Type            string    `json:"type"`
	AlertID         string    `json:"alert_id"`
	HospitalScopeID string    `json:"hospital_scope_id"`
	Error           string    `json:"error"`
	Failures        int       `json:"failures"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// DeadLetterHandler serves GET /api/v1/admin/dead-letters.
type DeadLetterHandler struct {
	store DeadLetterLister
}

// NewDeadLetterHandler constructs a handler.
func NewDeadLetterHandler(store DeadLetterLister) (*DeadLetterHandler, error) {
	if store == nil {
		return nil, errors.New("dead letter handler: nil store")
	}
	return &DeadLetterHandler{store: store}, nil
}

func (h *DeadLetterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxDeadLetterLimit)
	}
	letters, err := h.store.List(r.Context(), query.Get("hospital_scope_id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]deadLetterView, 0, len(letters))
	for _, letter := range letters {
		views = append(views, deadLetterView{
			EventID:         letter.Event.ID,
			Type:            string(letter.Event.Type),
			AlertID:         letter.Event.AlertID,
			HospitalScopeID: letter.Event.HospitalScopeID,
			Error:           letter.LastError,
			Failures:        letter.Failures,
			FirstSeenAt:     letter.FirstSeenAt,
			LastSeenAt:      letter.LastSeenAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"dead_letters": views})
}
