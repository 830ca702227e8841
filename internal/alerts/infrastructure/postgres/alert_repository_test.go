package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "hospital-pager/internal/alerts/domain"
	escalation "hospital-pager/internal/escalation/domain"
)

var alertColumnNames = []string{
	"id", "hospital_scope_id", "room", "patient_id", "message", "urgency", "status", "escalation_tier",
	"created_by", "acknowledged_by", "resolved_by", "created_at", "tier_changed_at", "acknowledged_at", "resolved_at", "updated_at",
}

func setupMockAlertDB(t *testing.T) (*AlertRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAlertRepository(db), mock
}

func TestAdvanceTierGuardsStatusAndTier(t *testing.T) {
	repo, mock := setupMockAlertDB(t)
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE alerts\s+SET escalation_tier = \$3, tier_changed_at = \$4, updated_at = \$4\s+WHERE id = \$1 AND status = 'active' AND escalation_tier = \$2`).
		WithArgs("alert-1", 1, 2, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	advanced, err := repo.AdvanceTier(context.Background(), "alert-1", 1, 2, at)
	require.NoError(t, err)
	assert.True(t, advanced)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceTierLostRaceReportsNoChange(t *testing.T) {
	repo, mock := setupMockAlertDB(t)
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`WHERE id = \$1 AND status = 'active' AND escalation_tier = \$2`).
		WithArgs("alert-1", 1, 2, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM alerts WHERE id = \$1\)`).
		WithArgs("alert-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	advanced, err := repo.AdvanceTier(context.Background(), "alert-1", 1, 2, at)
	require.NoError(t, err)
	assert.False(t, advanced)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAcknowledgedOnlyFromActive(t *testing.T) {
	repo, mock := setupMockAlertDB(t)
	at := time.Date(2026, 4, 2, 10, 5, 0, 0, time.UTC)

	mock.ExpectExec(`SET status = 'acknowledged', acknowledged_by = \$2, acknowledged_at = \$3, updated_at = \$3\s+WHERE id = \$1 AND status = 'active'`).
		WithArgs("alert-1", "nurse-7", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("alert-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	changed, err := repo.MarkAcknowledged(context.Background(), "alert-1", "nurse-7", at)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConditionalUpdateMissingAlert(t *testing.T) {
	repo, mock := setupMockAlertDB(t)
	at := time.Date(2026, 4, 2, 10, 5, 0, 0, time.UTC)

	mock.ExpectExec(`WHERE id = \$1 AND status <> 'resolved'`).
		WithArgs("ghost", "nurse-7", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	changed, err := repo.MarkResolved(context.Background(), "ghost", "nurse-7", at)
	assert.ErrorIs(t, err, alerts.ErrNotFound)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlertScansNullableTimes(t *testing.T) {
	repo, mock := setupMockAlertDB(t)
	created := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT .* FROM alerts WHERE id = \$1`).
		WithArgs("alert-1").
		WillReturnRows(sqlmock.NewRows(alertColumnNames).AddRow(
			"alert-1", "ward-1", "12B", "p-9", "fall", "high", "active", 2,
			"nurse-1", "", "", created, created.Add(time.Minute), nil, nil, created.Add(time.Minute),
		))

	alert, err := repo.Get(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Equal(t, escalation.UrgencyHigh, alert.Urgency)
	assert.Equal(t, alerts.StatusActive, alert.Status)
	assert.Equal(t, 2, alert.EscalationTier)
	assert.True(t, alert.AcknowledgedAt.IsZero())
	assert.True(t, alert.ResolvedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlertNotFound(t *testing.T) {
	repo, mock := setupMockAlertDB(t)
	mock.ExpectQuery(`FROM alerts WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, alerts.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnresolvedFiltersScope(t *testing.T) {
	repo, mock := setupMockAlertDB(t)
	created := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE hospital_scope_id = \$1 AND status <> 'resolved'\s+ORDER BY created_at ASC, id ASC`).
		WithArgs("ward-1").
		WillReturnRows(sqlmock.NewRows(alertColumnNames).
			AddRow("a1", "ward-1", "", "", "", "normal", "active", 1, "n1", "", "", created, created, nil, nil, created).
			AddRow("a2", "ward-1", "", "", "", "low", "acknowledged", 1, "n1", "n2", "", created, created, created, nil, created))

	list, err := repo.ListUnresolved(context.Background(), "ward-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, alerts.StatusAcknowledged, list[1].Status)
	assert.Equal(t, created, list[1].AcknowledgedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
