package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	alerts "hospital-pager/internal/alerts/domain"
	"hospital-pager/internal/audit"
	"hospital-pager/internal/auth"
	"hospital-pager/internal/observability/metrics"
	shiftapp "hospital-pager/internal/shift/application"
	shift "hospital-pager/internal/shift/domain"
)

const maxBodyBytes = 16 << 10

// HandoverStore reads handover records for export.
type HandoverStore interface {
	GetHandover(ctx context.Context, id string) (*shift.HandoverRecord, error)
	ListHandovers(ctx context.Context, hospitalScopeID string, limit int) ([]shift.HandoverRecord, error)
}

// Handler provides shift and handover HTTP endpoints.
type Handler struct {
	guard     *shiftapp.Guard
	handovers HandoverStore
	alerts    shiftapp.AlertLister
}

// NewHandler constructs a handler.
func NewHandler(guard *shiftapp.Guard, handovers HandoverStore, alertLister shiftapp.AlertLister) (*Handler, error) {
	if guard == nil {
		return nil, errors.New("shift handler: nil guard")
	}
	if handovers == nil || alertLister == nil {
		return nil, errors.New("shift handler: nil handover store")
	}
	return &Handler{guard: guard, handovers: handovers, alerts: alertLister}, nil
}

type toggleRequest struct {
	UserID          string `json:"user_id"`
	HospitalScopeID string `json:"hospital_scope_id"`
	Notes           string `json:"notes"`
}

// ServeHTTP handles /api/v1/shifts/* and /api/v1/handovers/*.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/shifts/can-start":
		h.handleCheck(w, r, h.guard.CanStart)
	case r.URL.Path == "/api/v1/shifts/can-end":
		h.handleCheck(w, r, h.guard.CanEnd)
	case r.URL.Path == "/api/v1/shifts/me":
		h.handleState(w, r)
	case r.URL.Path == "/api/v1/shifts/toggle":
		h.handleToggle(w, r)
	case r.URL.Path == "/api/v1/handovers":
		h.handleListHandovers(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/handovers/"):
		h.handleExport(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request, check func(context.Context, string) (shift.Decision, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, ok := requestUser(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	decision, err := check(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, ok := requestUser(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	state, err := h.guard.State(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req toggleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}
	userID, ok := requestUser(w, r, req.UserID)
	if !ok {
		return
	}
	ctx := audit.WithRequest(r.Context(), r)
	result, err := h.guard.Toggle(ctx, userID, req.HospitalScopeID, req.Notes)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListHandovers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	scopeID, err := auth.ResolveScope(r.Context(), r.URL.Query().Get("hospital_scope_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	list, err := h.handovers.ListHandovers(r.Context(), scopeID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []shift.HandoverRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/handovers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	format := strings.TrimPrefix(parts[1], "export.")
	if format != "pdf" && format != "xlsx" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	start := time.Now()
	record, err := h.handovers.GetHandover(r.Context(), parts[0])
	if err != nil {
		metrics.ObserveHandoverExport(format, metrics.ResultError, time.Since(start))
		respondError(w, err)
		return
	}
	if err := auth.EnsureScope(r.Context(), record.HospitalScopeID); err != nil {
		respondError(w, err)
		return
	}
	open, err := h.alerts.ListUnresolved(r.Context(), record.HospitalScopeID)
	if err != nil {
		metrics.ObserveHandoverExport(format, metrics.ResultError, time.Since(start))
		respondError(w, err)
		return
	}

	var (
		body        []byte
		contentType string
	)
	if format == "pdf" {
		body, err = BuildHandoverPDF(record, open)
		contentType = "application/pdf"
	} else {
		body, err = BuildHandoverXLSX(record, open)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		metrics.ObserveHandoverExport(format, metrics.ResultError, time.Since(start))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveHandoverExport(format, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+record.ID+`.`+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// requestUser resolves the target user. Staff act on themselves; charge and admin may name another user.
func requestUser(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	subject := auth.SubjectFromContext(r.Context())
	requested = strings.TrimSpace(requested)
	switch {
	case requested == "" && subject == "":
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return "", false
	case requested == "":
		return subject, true
	case subject != "" && requested != subject && !auth.RoleAtLeast(auth.RoleFromContext(r.Context()), auth.RoleCharge):
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return requested, true
}

func respondError(w http.ResponseWriter, err error) {
	var validation *shift.ValidationError
	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Reason, http.StatusConflict)
	case errors.Is(err, shift.ErrNotFound), errors.Is(err, alerts.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrScopeMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, auth.ErrScopeRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
