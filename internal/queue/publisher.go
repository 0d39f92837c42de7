package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
)

// Publisher sends a JSON message to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// AMQP publishes persistent JSON messages to RabbitMQ. It dials lazily and
// redials when the connection drops.
type AMQP struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewAMQP(url string, log *slog.Logger) *AMQP {
	return &AMQP{url: url, log: log}
}

// Publish declares the queue (idempotent) and publishes v to it through the
// default exchange. Errors are logged and returned so the caller can choose
// to ignore them.
func (p *AMQP) Publish(ctx context.Context, queue string, v any) error {
	const op = "queue.AMQP.Publish"
	log := p.log.With(slog.String("op", op), slog.String("queue", queue))

	body, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal message failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	ch, err := p.channel()
	if err != nil {
		log.Error("channel open failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		log.Error("queue declare failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		log.Error("publish failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *AMQP) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}
	return p.conn.Channel()
}

// Close closes the underlying connection, if any.
func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Memory records published messages in process. It backs tests and runs
// without a broker.
type Memory struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func NewMemory() *Memory { return &Memory{msgs: map[string][][]byte{}} }

func (m *Memory) Publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.msgs[queue] = append(m.msgs[queue], body)
	m.mu.Unlock()
	return nil
}

// Messages returns the raw bodies published to queue.
func (m *Memory) Messages(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.msgs[queue]))
	copy(out, m.msgs[queue])
	return out
}
