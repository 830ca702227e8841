package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospital-pager/internal/eventing"
	"hospital-pager/internal/transport"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestTopicDefaults(t *testing.T) {
	tr := New(nil, "", 9, nil)
	assert.Equal(t, "pager/alerts/ward-a", tr.Topic("ward-a"))
	assert.Equal(t, byte(1), tr.qos)
}

func TestMessageHandlerDecodesEvents(t *testing.T) {
	tr := New(nil, "", 1, nil)
	var got []eventing.AlertEvent
	handler := tr.messageHandler(func(evt eventing.AlertEvent) { got = append(got, evt) })

	evt, err := eventing.NewAlertEvent(eventing.EventEscalated, "a1", "ward-a", map[string]int{"tier": 2}, eventing.Meta{})
	require.NoError(t, err)
	data, err := transport.Encode(evt)
	require.NoError(t, err)

	handler(nil, fakeMessage{topic: tr.Topic("ward-a"), payload: []byte("{")})
	handler(nil, fakeMessage{topic: tr.Topic("ward-a"), payload: data})

	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)
	assert.Equal(t, eventing.EventEscalated, got[0].Type)
}

func TestNilTransportErrors(t *testing.T) {
	var tr *Transport
	assert.Error(t, tr.Publish(context.Background(), eventing.AlertEvent{}))
}
