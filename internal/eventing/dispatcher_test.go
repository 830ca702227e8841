package eventing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryOutbox struct {
	mu      sync.Mutex
	records []*memoryRecord
}

type memoryRecord struct {
	OutboxRecord
	status string
}

func (m *memoryOutbox) Insert(_ context.Context, evt AlertEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Event.ID == evt.ID {
			return rec.ID, nil
		}
	}
	id := NewEventID()
	m.records = append(m.records, &memoryRecord{OutboxRecord: OutboxRecord{ID: id, Event: evt}, status: "pending"})
	return id, nil
}

func (m *memoryOutbox) ListPending(_ context.Context, limit int) ([]OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboxRecord
	for _, rec := range m.records {
		if rec.status == "pending" && len(out) < limit {
			out = append(out, rec.OutboxRecord)
		}
	}
	return out, nil
}

func (m *memoryOutbox) MarkSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			rec.status = "sent"
		}
	}
	return nil
}

func (m *memoryOutbox) MarkFailed(_ context.Context, id string, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			rec.Attempts++
			if rec.Attempts >= maxAttempts {
				rec.status = "failed"
				return true, nil
			}
			return false, nil
		}
	}
	return false, errors.New("not found")
}

func (m *memoryOutbox) status(eventID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Event.ID == eventID {
			return rec.status
		}
	}
	return ""
}

type recordingTransport struct {
	mu     sync.Mutex
	events []AlertEvent
	err    error
}

func (r *recordingTransport) Publish(_ context.Context, evt AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

type recordingDLQ struct {
	events []AlertEvent
}

func (r *recordingDLQ) RecordFailure(_ context.Context, evt AlertEvent, _ error) error {
	r.events = append(r.events, evt)
	return nil
}

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func mustEvent(t *testing.T, eventType EventType, alertID string) AlertEvent {
	t.Helper()
	evt, err := NewAlertEvent(eventType, alertID, "ward-3", map[string]any{"tier": 1}, Meta{})
	require.NoError(t, err)
	return evt
}

func TestPublishThenDispatch(t *testing.T) {
	outbox := &memoryOutbox{}
	transport := &recordingTransport{}
	waker := &countingWaker{}
	publisher := NewPublisher(outbox, WithWaker(waker))
	dispatcher := NewDispatcher(transport, outbox, &recordingDLQ{})

	evt := mustEvent(t, EventCreated, "a1")
	require.NoError(t, publisher.Publish(context.Background(), evt))
	require.NoError(t, publisher.Publish(context.Background(), evt))
	assert.Equal(t, 2, waker.n)

	result, err := dispatcher.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Sent)
	require.Len(t, transport.events, 1)
	assert.Equal(t, evt.ID, transport.events[0].ID)
	assert.Equal(t, "sent", outbox.status(evt.ID))
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	publisher := NewPublisher(&memoryOutbox{})
	err := publisher.Publish(context.Background(), AlertEvent{ID: "x", Type: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDispatchDeadLettersAfterMaxAttempts(t *testing.T) {
	outbox := &memoryOutbox{}
	transport := &recordingTransport{err: errors.New("broker down")}
	dlq := &recordingDLQ{}
	dispatcher := NewDispatcher(transport, outbox, dlq, WithMaxAttempts(3))

	evt := mustEvent(t, EventEscalated, "a2")
	_, err := outbox.Insert(context.Background(), evt)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := dispatcher.Dispatch(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 0, result.DLQ)
		assert.Equal(t, "pending", outbox.status(evt.ID))
	}

	result, err := dispatcher.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DLQ)
	assert.Equal(t, "failed", outbox.status(evt.ID))
	require.Len(t, dlq.events, 1)

	result, err = dispatcher.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}

func TestMultiTransportJoinsErrors(t *testing.T) {
	ok := &recordingTransport{}
	bad := &recordingTransport{err: errors.New("offline")}
	multi := NewMultiTransport(ok, nil, bad)

	err := multi.Publish(context.Background(), mustEvent(t, EventResolved, "a3"))
	require.Error(t, err)
	assert.Len(t, ok.events, 1)
}

func TestFingerprintIgnoresIDAndTimestamp(t *testing.T) {
	first, err := NewAlertEvent(EventCreated, "a1", "ward-3", []byte(`{"urgency":"high","tier":1}`), Meta{})
	require.NoError(t, err)
	second, err := NewAlertEvent(EventCreated, "a1", "ward-3", []byte(`{"tier":1, "urgency":"high"}`), Meta{})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, Fingerprint(first), Fingerprint(second))

	other, err := NewAlertEvent(EventAcknowledged, "a1", "ward-3", []byte(`{"urgency":"high","tier":1}`), Meta{})
	require.NoError(t, err)
	assert.NotEqual(t, Fingerprint(first), Fingerprint(other))
}

func TestNewAlertEventValidation(t *testing.T) {
	_, err := NewAlertEvent(EventCreated, "", "ward-3", nil, Meta{})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewAlertEvent(EventCreated, "a1", "", nil, Meta{})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewAlertEvent(EventCreated, "a1", "ward-3", []byte(`{broken`), Meta{})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	evt, err := NewAlertEvent(EventCreated, "a1", "ward-3", nil, Meta{EventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", evt.ID)
}
