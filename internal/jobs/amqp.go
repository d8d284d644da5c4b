package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueueName is the RabbitMQ queue used for scoring jobs.
const DefaultQueueName = "livepanel.scoring"

const publishTimeout = 5 * time.Second

// AMQPQueue carries scoring jobs over a durable RabbitMQ queue. Messages are
// acknowledged only after the handler succeeds. A failed job is republished
// with its attempt count until the retry policy gives up.
type AMQPQueue struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	queue  string
	retry  RetryPolicy
	logger *slog.Logger
}

// NewAMQPQueue connects to url and declares the queue.
func NewAMQPQueue(url, queue string, retry RetryPolicy, logger *slog.Logger) (*AMQPQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == "" {
		queue = DefaultQueueName
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	logger.Info("Connected to RabbitMQ", "queue", queue)
	return &AMQPQueue{conn: conn, ch: ch, queue: queue, retry: retry.normalized(), logger: logger}, nil
}

// EnqueueScoring publishes a persistent job message.
func (q *AMQPQueue) EnqueueScoring(ctx context.Context, sessionID string, roundNumber int) error {
	return q.publish(ctx, Job{SessionID: sessionID, RoundNumber: roundNumber, Attempt: 1})
}

func (q *AMQPQueue) publish(ctx context.Context, job Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish scoring job: %w", err)
	}
	return nil
}

// Ping reports whether the broker connection is open.
func (q *AMQPQueue) Ping(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Run consumes jobs one at a time until ctx is cancelled or the delivery
// channel closes.
func (q *AMQPQueue) Run(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if err := q.ch.Qos(1, 0, false); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	q.logger.Info("Scoring worker started", "queue", "amqp", "name", q.queue)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Scoring worker shutting down", "reason", ctx.Err())
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			q.handle(ctx, h, d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	job, err := decodeJob(d.Body)
	if err != nil {
		q.logger.Warn("Dropping malformed scoring message", "error", err)
		_ = d.Nack(false, false)
		return
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}

	herr := runHandler(ctx, h, job)
	if herr == nil {
		if err := d.Ack(false); err != nil {
			q.logger.Error("Failed to ack scoring job", "session_id", job.SessionID, "round_number", job.RoundNumber, "error", err)
		}
		return
	}

	if job.Attempt >= q.retry.MaxAttempts {
		q.logger.Error("Scoring job dead-lettered",
			"session_id", job.SessionID,
			"round_number", job.RoundNumber,
			"attempts", job.Attempt,
			"error", herr)
		_ = d.Nack(false, false)
		return
	}

	q.logger.Warn("Scoring job failed, will retry",
		"session_id", job.SessionID,
		"round_number", job.RoundNumber,
		"attempt", job.Attempt,
		"error", herr)
	delay := q.retry.Backoff(job.Attempt)
	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-time.After(delay):
	}
	next := job
	next.Attempt++
	if err := q.publish(ctx, next); err != nil {
		q.logger.Error("Failed to republish scoring job", "session_id", job.SessionID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close shuts the channel and connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
