package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"hospital-pager/internal/eventing"
	eventingrepo "hospital-pager/internal/eventing/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type failingTransport struct{}

func (failingTransport) Publish(context.Context, eventing.AlertEvent) error {
	return errors.New("boom")
}

type countingTransport struct{ count int }

func (c *countingTransport) Publish(context.Context, eventing.AlertEvent) error {
	c.count++
	return nil
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if !tableExists(db, "alert_event_outbox") || !tableExists(db, "alert_event_dead_letters") {
		db.Close()
		t.Skip("missing tables; run migrations")
	}
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM alert_event_dead_letters")
	_, _ = db.ExecContext(ctx, "DELETE FROM alert_event_outbox")
	return db
}

func TestOutbox_DuplicateEventIDDeliveredOnce(t *testing.T) {
	db := openDB(t)
	defer db.Close()

	ctx := context.Background()
	outboxStore := eventingrepo.NewOutboxStore(db)
	transport := &countingTransport{}
	dispatcher := eventing.NewDispatcher(transport, outboxStore, eventingrepo.NewDLQStore(db))
	publisher := eventing.NewPublisher(outboxStore)

	evt, err := eventing.NewAlertEvent(eventing.EventCreated, "alert-dup", "ward-1", map[string]string{"urgency": "high"}, eventing.MetaFromContext(eventing.WithEventID(ctx, "evt-dup-001")))
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := publisher.Publish(ctx, evt); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if err := publisher.Publish(ctx, evt); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}

	if _, err := dispatcher.Dispatch(ctx, 10); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if transport.count != 1 {
		t.Fatalf("expected one delivery, got %d", transport.count)
	}
}

func TestOutbox_ClaimHidesRecordsUntilLeaseExpires(t *testing.T) {
	db := openDB(t)
	defer db.Close()

	ctx := context.Background()
	store := eventingrepo.NewOutboxStore(db, eventingrepo.WithClaimLease(time.Hour))
	evt, err := eventing.NewAlertEvent(eventing.EventCreated, "alert-lease", "ward-4", nil, eventing.Meta{})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	first, err := store.Insert(ctx, evt)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	again, err := store.Insert(ctx, evt)
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if again != first {
		t.Fatalf("duplicate insert returned %q, want %q", again, first)
	}

	claimed, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Event.ID != evt.ID {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if rest, err := store.ListPending(ctx, 10); err != nil || len(rest) != 0 {
		t.Fatalf("leased record offered again: %+v, %v", rest, err)
	}

	if _, err := store.MarkFailed(ctx, claimed[0].ID, 5); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retry, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(retry) != 1 || retry[0].Attempts != 1 {
		t.Fatalf("failed record not released: %+v", retry)
	}
}

func TestOutbox_DLQAfterMaxAttempts(t *testing.T) {
	db := openDB(t)
	defer db.Close()

	ctx := context.Background()
	outboxStore := eventingrepo.NewOutboxStore(db)
	dispatcher := eventing.NewDispatcher(failingTransport{}, outboxStore, eventingrepo.NewDLQStore(db), eventing.WithMaxAttempts(2))
	publisher := eventing.NewPublisher(outboxStore)

	evt, err := eventing.NewAlertEvent(eventing.EventEscalated, "alert-dlq", "ward-2", nil, eventing.Meta{})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := publisher.Publish(ctx, evt); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	_, _ = dispatcher.Dispatch(ctx, 10)
	_, _ = dispatcher.Dispatch(ctx, 10)

	letters, err := eventingrepo.NewDLQStore(db).List(ctx, "ward-2", 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	found := false
	for _, letter := range letters {
		if letter.Event.ID == evt.ID {
			found = true
			if letter.LastError != "boom" || letter.Failures != 1 {
				t.Fatalf("unexpected dead letter: %+v", letter)
			}
		}
	}
	if !found {
		t.Fatalf("event %s not dead-lettered", evt.ID)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
