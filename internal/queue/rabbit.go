package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/forgepilot/forgepilot/internal/task"
)

// Rabbit is the durable broker backend: persistent messages on a durable
// queue with manual acks, giving at-least-once delivery. Consumers must
// treat the forge label state as the real source of truth for ownership.
type Rabbit struct {
	url       string
	queueName string

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// NewRabbit connects to the broker and declares the durable queue.
func NewRabbit(url, queueName string) (*Rabbit, error) {
	r := &Rabbit{url: url, queueName: queueName}
	if err := r.connect(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rabbit) connect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(r.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", r.queueName, err)
	}

	r.conn = conn
	r.ch = ch
	return nil
}

// reconnect re-establishes the channel after a broker disconnect.
func (r *Rabbit) reconnect() error {
	if r.conn != nil {
		r.conn.Close()
	}
	slog.Warn("broker connection lost, reconnecting", "queue", r.queueName)
	return r.connect()
}

func (r *Rabbit) Put(d task.Descriptor) error {
	body, err := d.Encode()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrQueueClosed
	}

	publish := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.ch.PublishWithContext(ctx, "", r.queueName, false, false, amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		})
	}

	if err := publish(); err != nil {
		if rerr := r.reconnect(); rerr != nil {
			return rerr
		}
		if err := publish(); err != nil {
			return fmt.Errorf("publish descriptor: %w", err)
		}
	}
	return nil
}

// Get polls the queue until the deadline. Messages are acked as soon as they
// decode; a consumer crash after ack is recovered through the forge label
// state, not the broker.
func (r *Rabbit) Get(timeout time.Duration) (task.Descriptor, bool, error) {
	return r.GetWithSignalCheck(timeout, DefaultPollInterval, nil)
}

func (r *Rabbit) GetWithSignalCheck(timeout, pollInterval time.Duration, signal SignalChecker) (task.Descriptor, bool, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		if signal != nil && signal() {
			return task.Descriptor{}, false, nil
		}

		d, ok, err := r.tryGet()
		if err != nil || ok {
			return d, ok, err
		}

		if time.Now().After(deadline) {
			return task.Descriptor{}, false, nil
		}
		time.Sleep(pollInterval)
	}
}

func (r *Rabbit) tryGet() (task.Descriptor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return task.Descriptor{}, false, ErrQueueClosed
	}

	msg, ok, err := r.ch.Get(r.queueName, false)
	if err != nil {
		if rerr := r.reconnect(); rerr != nil {
			return task.Descriptor{}, false, rerr
		}
		msg, ok, err = r.ch.Get(r.queueName, false)
		if err != nil {
			return task.Descriptor{}, false, fmt.Errorf("broker get: %w", err)
		}
	}
	if !ok {
		return task.Descriptor{}, false, nil
	}

	d, err := task.DecodeDescriptor(msg.Body)
	if err != nil {
		// Poison message: reject without requeue so it does not loop forever.
		slog.Error("dropping undecodable queue message", "error", err)
		_ = msg.Nack(false, false)
		return task.Descriptor{}, false, nil
	}

	if err := msg.Ack(false); err != nil {
		return task.Descriptor{}, false, fmt.Errorf("ack message: %w", err)
	}
	return d, true, nil
}

func (r *Rabbit) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	state, err := r.ch.QueueDeclarePassive(r.queueName, true, false, false, false, nil)
	if err != nil {
		// Inspection failures are advisory only; claim non-empty so the
		// producer does not over-poll.
		return false
	}
	return state.Messages == 0
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ch != nil {
		r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
