package agent

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospital-pager/internal/eventing"
	"hospital-pager/internal/eventqueue"
	"hospital-pager/internal/kvstore"
	"hospital-pager/internal/transport"
)

type scriptedSubscriber struct {
	mu     sync.Mutex
	calls  int
	events []eventing.AlertEvent
}

func (s *scriptedSubscriber) Subscribe(ctx context.Context, _ string, handle transport.HandlerFunc) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if call == 1 {
		return errors.New("connection refused")
	}
	for _, evt := range s.events {
		handle(evt)
	}
	<-ctx.Done()
	return nil
}

func (s *scriptedSubscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingQueue struct {
	mu     sync.Mutex
	seen   map[string]bool
	events []eventing.AlertEvent
}

func (q *recordingQueue) Enqueue(evt eventing.AlertEvent) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen == nil {
		q.seen = make(map[string]bool)
	}
	if q.seen[evt.ID] {
		return false, nil
	}
	q.seen[evt.ID] = true
	q.events = append(q.events, evt)
	return true, nil
}

func (q *recordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func mustEvent(t *testing.T, eventType eventing.EventType, id, alertID string, payload any) eventing.AlertEvent {
	t.Helper()
	evt, err := eventing.NewAlertEvent(eventType, alertID, "ward-a", payload, eventing.Meta{EventID: id})
	require.NoError(t, err)
	return evt
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, &recordingQueue{}, "ward-a")
	assert.Error(t, err)
	_, err = New(&scriptedSubscriber{}, nil, "ward-a")
	assert.Error(t, err)
	_, err = New(&scriptedSubscriber{}, &recordingQueue{}, "")
	assert.Error(t, err)
}

func TestRunResubscribesAfterFailure(t *testing.T) {
	evt := mustEvent(t, eventing.EventCreated, "evt-1", "a1", nil)
	sub := &scriptedSubscriber{events: []eventing.AlertEvent{evt, evt}}
	queue := &recordingQueue{}
	a, err := New(sub, queue, "ward-a", WithReconnectBackoff(5*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sub.Calls())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestPrinterFormatsLifecycle(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printer := NewPrinter(&buf)
	ctx := context.Background()

	require.NoError(t, printer.Handle(ctx, mustEvent(t, eventing.EventCreated, "e1", "a1", map[string]string{"urgency": "critical", "room": "ICU-3"})))
	require.NoError(t, printer.Handle(ctx, mustEvent(t, eventing.EventEscalated, "e2", "a1", map[string]any{"tier": 2, "previous_tier": 1})))
	require.NoError(t, printer.Handle(ctx, mustEvent(t, eventing.EventAcknowledged, "e3", "a1", map[string]string{"actor_id": "nurse-7"})))

	out := buf.String()
	assert.Contains(t, out, "NEW")
	assert.Contains(t, out, "room=ICU-3")
	assert.Contains(t, out, "tier 1 -> 2")
	assert.Contains(t, out, "ACK")
	assert.Contains(t, out, "by nurse-7")
}

func TestPrinterRegisteredOnQueue(t *testing.T) {
	color.NoColor = true
	var buf syncBuffer
	queue, err := eventqueue.New(kvstore.NewMemory())
	require.NoError(t, err)
	Register(queue, NewPrinter(&buf))
	require.NoError(t, queue.Start(context.Background()))
	defer queue.Close()

	accepted, err := queue.Enqueue(mustEvent(t, eventing.EventResolved, "e9", "a9", map[string]string{"actor_id": "dr-1"}))
	require.NoError(t, err)
	require.True(t, accepted)

	require.Eventually(t, func() bool { return bytes.Contains(buf.Bytes(), []byte("RESOLVED")) }, time.Second, 5*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
