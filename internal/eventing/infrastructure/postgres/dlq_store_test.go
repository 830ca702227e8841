package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospital-pager/internal/eventing"
)

func newMockDLQ(t *testing.T, now time.Time) (*DLQStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := NewDLQStore(db)
	store.now = func() time.Time { return now }
	return store, mock
}

func TestRecordFailureUpsertsByEventID(t *testing.T) {
	now := time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)
	store, mock := newMockDLQ(t, now)
	evt := eventing.AlertEvent{ID: "evt-1", Type: eventing.EventEscalated, AlertID: "alert-1", HospitalScopeID: "ward-2"}
	body, err := json.Marshal(evt)
	require.NoError(t, err)

	mock.ExpectExec(`(?s)INSERT INTO alert_event_dead_letters AS d .*ON CONFLICT \(event_id\) DO UPDATE.*attempts = d.attempts \+ 1`).
		WithArgs("evt-1", "escalated", "alert-1", "ward-2", body, "broker offline", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.RecordFailure(context.Background(), evt, errors.New("broker offline")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureRejectsEmptyID(t *testing.T) {
	store, mock := newMockDLQ(t, time.Now())
	assert.Error(t, store.RecordFailure(context.Background(), eventing.AlertEvent{}, errors.New("x")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeadLettersDecodesPayload(t *testing.T) {
	now := time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC)
	store, mock := newMockDLQ(t, now)
	evt := eventing.AlertEvent{ID: "evt-1", Type: eventing.EventCreated, AlertID: "alert-1", HospitalScopeID: "ward-2"}
	body, err := json.Marshal(evt)
	require.NoError(t, err)

	mock.ExpectQuery(`(?s)FROM alert_event_dead_letters\s+WHERE \$1 = '' OR hospital_scope_id = \$1.*LIMIT \$2`).
		WithArgs("ward-2", 50).
		WillReturnRows(sqlmock.NewRows([]string{"payload", "error", "attempts", "first_seen_at", "last_seen_at"}).
			AddRow(body, "timeout", 3, now.Add(-time.Hour), now))

	letters, err := store.List(context.Background(), "ward-2", 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "alert-1", letters[0].Event.AlertID)
	assert.Equal(t, "timeout", letters[0].LastError)
	assert.Equal(t, 3, letters[0].Failures)
	require.NoError(t, mock.ExpectationsWereMet())
}
