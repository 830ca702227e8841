package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertapp "hospital-pager/internal/alerts/application"
	alerts "hospital-pager/internal/alerts/domain"
	"hospital-pager/internal/alerts/infrastructure/memory"
	"hospital-pager/internal/auth"
	"hospital-pager/internal/eventing"
)

type noopEscalator struct{}

func (noopEscalator) Arm(context.Context, alerts.Alert) error { return nil }
func (noopEscalator) Cancel(string)                           {}

func newTestHandler(t *testing.T) (*Handler, *Broker) {
	t.Helper()
	broker := NewBroker()
	svc, err := alertapp.NewService(memory.NewRepository(), noopEscalator{}, broker)
	require.NoError(t, err)
	h, err := NewHandler(svc, NewStreamHandler(broker, nil))
	require.NoError(t, err)
	return h, broker
}

func withStaff(r *http.Request, scope string) *http.Request {
	return r.WithContext(auth.WithIdentity(r.Context(), scope, auth.RoleStaff, "nurse-1"))
}

func TestHandlerLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	req := withStaff(httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(`{"urgency":"critical","room":"4"}`)), "ward-a")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	require.Equal(t, http.StatusCreated, resp.Code)

	var created alerts.Alert
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, alerts.StatusActive, created.Status)

	req = withStaff(httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil), "ward-a")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	var list []alerts.Alert
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)

	req = withStaff(httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+created.ID+"/ack", nil), "ward-b")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	req = withStaff(httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+created.ID+"/resolve", nil), "ward-a")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	req = withStaff(httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+created.ID+"/ack", nil), "ward-a")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusConflict, resp.Code)

	req = withStaff(httptest.NewRequest(http.MethodPost, "/api/v1/alerts/missing/ack", nil), "ward-a")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h, _ := newTestHandler(t)

	req := withStaff(httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(`{`)), "ward-a")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	req = withStaff(httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(`{"urgency":"soon"}`)), "ward-a")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestBrokerFiltersByScope(t *testing.T) {
	broker := NewBroker()
	wardA := broker.Subscribe("ward-a")
	wardB := broker.Subscribe("ward-b")
	defer broker.Unsubscribe(wardA)
	defer broker.Unsubscribe(wardB)

	evt, err := eventing.NewAlertEvent(eventing.EventCreated, "a1", "ward-a", nil, eventing.Meta{})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), evt))

	select {
	case payload := <-wardA:
		assert.Contains(t, string(payload), `"alert_id":"a1"`)
	case <-time.After(time.Second):
		t.Fatal("ward-a client did not receive event")
	}
	select {
	case <-wardB:
		t.Fatal("ward-b client received another scope's event")
	default:
	}
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	h, broker := newTestHandler(t)
	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/alerts/stream?hospital_scope_id=ward-a")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.Clients() == 1 }, time.Second, 10*time.Millisecond)
	evt, err := eventing.NewAlertEvent(eventing.EventEscalated, "a7", "ward-a", map[string]int{"tier": 2}, eventing.Meta{})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), evt))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 5 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
		if strings.HasPrefix(line, "data: {\"id\"") {
			break
		}
	}
	assert.Equal(t, "event: ready", lines[0])
	assert.Equal(t, "event: alert", lines[2])
	assert.Contains(t, lines[3], `"alert_id":"a7"`)
}

func TestWebSocketStreamDeliversEvents(t *testing.T) {
	h, broker := newTestHandler(t)
	server := httptest.NewServer(h)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/alerts/ws?hospital_scope_id=ward-a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return broker.Clients() == 1 }, time.Second, 10*time.Millisecond)
	evt, err := eventing.NewAlertEvent(eventing.EventResolved, "a9", "ward-a", nil, eventing.Meta{})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), evt))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got eventing.AlertEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "a9", got.AlertID)
	assert.Equal(t, eventing.EventResolved, got.Type)
}
