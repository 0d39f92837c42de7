package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/payment"
)

// HandleFunc processes one message body. Errors classified as retryable by
// apperr.IsRetryable requeue the message; any other error rejects it.
type HandleFunc func(ctx context.Context, body []byte) error

// Consumer reads a durable queue and hands each delivery to a HandleFunc.
type Consumer struct {
	url    string
	queue  string
	handle HandleFunc
	log    *slog.Logger
	// requeueDelay slows down redelivery of retryable failures so a
	// broken dependency does not turn into a tight loop.
	requeueDelay time.Duration
}

func NewConsumer(url, queue string, handle HandleFunc, log *slog.Logger) *Consumer {
	return &Consumer{
		url:          url,
		queue:        queue,
		handle:       handle,
		log:          log.With(slog.String("queue", queue)),
		requeueDelay: time.Second,
	}
}

// Run connects to RabbitMQ, declares the queue and consumes it. It keeps
// reconnecting with exponential backoff until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	const op = "queue.Consumer.Run"
	log := c.log.With(slog.String("op", op))

	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			log.Warn("failed to dial broker", sl.Err(err), slog.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("consume loop ended, reconnecting", sl.Err(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("set QoS failed", sl.Err(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.handle(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case apperr.IsRetryable(err):
		c.log.Warn("handle message failed, requeueing", sl.Err(err))
		sleep(ctx, c.requeueDelay)
		_ = d.Nack(false, true)
	default:
		c.log.Error("handle message failed, rejecting", sl.Err(err))
		_ = d.Nack(false, false)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ApplyFunc applies one payment notification.
type ApplyFunc func(ctx context.Context, n payment.Notification) error

// NotificationHandler decodes queued processor notifications and applies
// them. Duplicates are acknowledged like any other success.
func NotificationHandler(apply ApplyFunc) HandleFunc {
	return func(ctx context.Context, body []byte) error {
		var n payment.Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		if err := n.Validate(); err != nil {
			return err
		}
		return apply(ctx, n)
	}
}

// AuditLogHandler appends one line per booking lifecycle event to
// dir/booking.log.
func AuditLogHandler(dir string) HandleFunc {
	return func(ctx context.Context, body []byte) error {
		var ev BookingEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "booking.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()

		if _, err := f.WriteString(auditLine(ev)); err != nil {
			return fmt.Errorf("write log: %w", err)
		}
		return nil
	}
}

func auditLine(ev BookingEvent) string {
	line := fmt.Sprintf("[%s] Booking %s | booking_id=%d | event_id=%d | user_id=%d | seats=%d | total=%d %s",
		ev.OccurredAt.UTC().Format(time.RFC3339), ev.State, ev.BookingID, ev.EventID, ev.UserID,
		ev.Seats, ev.AmountCents, ev.Currency)
	if ev.PaymentReference != "" {
		line += " | payment=" + ev.PaymentReference
	}
	if ev.RefundReference != "" {
		line += " | refund=" + ev.RefundReference
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" | reason=%q", ev.Reason)
	}
	return line + "\n"
}
