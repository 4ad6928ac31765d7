package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/lesson-engine/engine"
)

var (
	_ engine.Notifier = (*LogNotifier)(nil)
	_ engine.Notifier = (*AMQPPublisher)(nil)
)

func sampleNote(kind engine.SyncKind) engine.Notification {
	start := time.Date(2026, time.March, 4, 9, 0, 0, 0, time.UTC)
	return engine.Notification{
		Kind:      kind,
		BookingID: "b-1",
		StudentID: "student-1",
		TutorID:   "tutor-1",
		Slot: engine.Slot{
			Subject:   "maths",
			StartTime: start,
			EndTime:   start.Add(time.Hour),
			TimeZone:  "Europe/Paris",
		},
	}
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		kind engine.SyncKind
		want string
	}{
		{engine.SyncNotifyReserved, RKBookingReserved},
		{engine.SyncNotifyCancelled, RKBookingCancelled},
		{engine.SyncNotifyRescheduled, RKBookingRescheduled},
	}
	for _, tt := range tests {
		got, err := routingKey(tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := routingKey(engine.SyncCalendarPush)
	require.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	err := n.Notify(context.Background(), sampleNote(engine.SyncNotifyCancelled))

	require.NoError(t, err)
	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, RKBookingCancelled, fields["event"])
	assert.Equal(t, "b-1", fields["booking_id"])
	assert.Equal(t, "tutor-1", fields["tutor_id"])
}

func TestAMQPPublisher_Notify(t *testing.T) {
	// GIVEN: a publisher over a fake channel
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "lessons.events"}

	// WHEN: a rescheduled notification is sent
	err := p.Notify(context.Background(), sampleNote(engine.SyncNotifyRescheduled))

	// THEN: one persistent JSON message on the right routing key
	require.NoError(t, err)
	require.Len(t, ch.sent, 1)
	sent := ch.sent[0]
	assert.Equal(t, "lessons.events", sent.exchange)
	assert.Equal(t, RKBookingRescheduled, sent.key)
	assert.Equal(t, "application/json", sent.msg.ContentType)
	assert.Equal(t, amqp.Persistent, sent.msg.DeliveryMode)

	var body BookingEvent
	require.NoError(t, json.Unmarshal(sent.msg.Body, &body))
	assert.Equal(t, "b-1", body.BookingID)
	assert.Equal(t, "student-1", body.StudentID)
	assert.Equal(t, "maths", body.Subject)
	assert.Equal(t, sampleNote(engine.SyncNotifyRescheduled).Slot.StartTime.Unix(), body.Start)
	assert.Equal(t, "Europe/Paris", body.TimeZone)
}

func TestAMQPPublisher_Errors(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := &AMQPPublisher{ch: ch, exchange: "lessons.events"}

	err := p.Notify(context.Background(), sampleNote(engine.SyncNotifyReserved))
	require.Error(t, err)

	err = p.Notify(context.Background(), sampleNote(engine.SyncCalendarDelete))
	require.Error(t, err)
}

func TestAMQPPublisher_CloseWithoutConnection(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch}

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
