package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	alertapp "hospital-pager/internal/alerts/application"
	alerts "hospital-pager/internal/alerts/domain"
	"hospital-pager/internal/auth"
)

const maxBodyBytes = 64 << 10

// Handler provides alert HTTP endpoints.
type Handler struct {
	service *alertapp.Service
	stream  *StreamHandler
}

// NewHandler constructs a handler. stream may be nil when streaming is disabled.
func NewHandler(service *alertapp.Service, stream *StreamHandler) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	return &Handler{service: service, stream: stream}, nil
}

// ServeHTTP handles /api/v1/alerts and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/alerts":
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case r.URL.Path == "/api/v1/alerts/stream" && h.stream != nil:
		h.stream.ServeSSE(w, r)
	case r.URL.Path == "/api/v1/alerts/ws" && h.stream != nil:
		h.stream.ServeWS(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/alerts/"):
		h.handleItem(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListUnresolved(r.Context(), r.URL.Query().Get("hospital_scope_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var input alerts.NewAlertInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&input); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	alert, err := h.service.Create(r.Context(), input)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (h *Handler) handleItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		alert, err := h.service.Get(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var (
		alert *alerts.Alert
		err   error
	)
	switch parts[1] {
	case "ack":
		alert, err = h.service.Acknowledge(r.Context(), id)
	case "resolve":
		alert, err = h.service.Resolve(r.Context(), id)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrScopeMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, alerts.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, alerts.ErrInvalidAlert), errors.Is(err, auth.ErrScopeRequired):
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
