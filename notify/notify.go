// Package notify delivers booking notifications produced by the outbox.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/warp/lesson-engine/engine"
)

// Routing keys, one per notification kind.
const (
	RKBookingReserved    = "booking.reserved"
	RKBookingCancelled   = "booking.cancelled"
	RKBookingRescheduled = "booking.rescheduled"
)

func routingKey(kind engine.SyncKind) (string, error) {
	switch kind {
	case engine.SyncNotifyReserved:
		return RKBookingReserved, nil
	case engine.SyncNotifyCancelled:
		return RKBookingCancelled, nil
	case engine.SyncNotifyRescheduled:
		return RKBookingRescheduled, nil
	}
	return "", fmt.Errorf("no routing key for %q", kind)
}

// BookingEvent is the message body published for every notification.
type BookingEvent struct {
	BookingID string `json:"booking_id"`
	StudentID string `json:"student_id"`
	TutorID   string `json:"tutor_id"`
	Subject   string `json:"subject"`
	Start     int64  `json:"start"` // unix seconds
	End       int64  `json:"end"`
	TimeZone  string `json:"time_zone"`
}

func eventOf(n engine.Notification) BookingEvent {
	return BookingEvent{
		BookingID: string(n.BookingID),
		StudentID: string(n.StudentID),
		TutorID:   string(n.TutorID),
		Subject:   n.Slot.Subject,
		Start:     n.Slot.StartTime.Unix(),
		End:       n.Slot.EndTime.Unix(),
		TimeZone:  n.Slot.TimeZone,
	}
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes notifications to the log. Used when no broker is set.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, note engine.Notification) error {
	key, err := routingKey(note.Kind)
	if err != nil {
		return err
	}
	n.log.Info("notification",
		zap.String("event", key),
		zap.String("booking_id", string(note.BookingID)),
		zap.String("student_id", string(note.StudentID)),
		zap.String("tutor_id", string(note.TutorID)),
		zap.Time("start", note.Slot.StartTime),
		zap.Time("end", note.Slot.EndTime),
	)
	return nil
}

// =============================================================================
// AMQP PUBLISHER
// =============================================================================

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes notifications as JSON on a topic exchange with the
// routing keys above.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Notify(ctx context.Context, n engine.Notification) error {
	key, err := routingKey(n.Kind)
	if err != nil {
		return err
	}
	return p.publishJSON(ctx, key, eventOf(n))
}

func (p *AMQPPublisher) publishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         b,
	})
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
