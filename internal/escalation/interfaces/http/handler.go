package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// Recoverer re-arms deadlines for alerts that are still active.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RecoverHandler serves POST /api/v1/admin/escalations/recover.
type RecoverHandler struct {
	recoverer Recoverer
}

// NewRecoverHandler constructs a handler.
func NewRecoverHandler(recoverer Recoverer) (*RecoverHandler, error) {
	if recoverer == nil {
		return nil, errors.New("escalation handler: nil recoverer")
	}
	return &RecoverHandler{recoverer: recoverer}, nil
}

func (h *RecoverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	armed, err := h.recoverer.Recover(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"armed": armed})
}
