package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type requestKey struct{}

// RequestInfo describes the client behind an audited action.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// WithRequest stores the request's client details in context.
func WithRequest(ctx context.Context, r *http.Request) context.Context {
	if r == nil {
		return ctx
	}
	return context.WithValue(ctx, requestKey{}, RequestInfo{IP: ClientIP(r), UserAgent: r.UserAgent()})
}

// RequestFromContext returns client details stored by WithRequest.
func RequestFromContext(ctx context.Context) RequestInfo {
	if ctx == nil {
		return RequestInfo{}
	}
	info, _ := ctx.Value(requestKey{}).(RequestInfo)
	return info
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote host.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Reader queries stored audit entries.
type Reader interface {
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Handler serves GET /api/v1/admin/audit.
type Handler struct {
	reader Reader
}

// NewHandler constructs an audit query handler.
func NewHandler(reader Reader) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("audit handler: nil reader")
	}
	return &Handler{reader: reader}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	f := Filter{
		HospitalScopeID: q.Get("hospital_scope_id"),
		Actor:           q.Get("actor"),
		Action:          q.Get("action"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		f.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}
	entries, err := h.reader.List(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}
