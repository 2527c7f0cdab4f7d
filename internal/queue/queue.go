// Package queue implements the durable notification queue on RabbitMQ.
//
// One priority queue orders ready entries urgent > high > normal > low.
// Delayed visibility (scheduled delivery, retry backoff, quiet-hours and
// rate-limit deferral) goes through a wait queue whose per-message TTL
// dead-letters entries back into the main exchange when they become due.
// Exhausted records are published to a separate dead-letter queue for
// operator inspection.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/streadway/amqp"
	"github.com/wb-go/wbf/retry"
)

const (
	ExchangeName        = "notify-exchange"
	MainQueueName       = "notify-queue"
	WaitQueueName       = "notify-wait"
	DeadLetterQueueName = "notify-dlq"
	RoutingKey          = "notify"

	maxPriority = 10
)

// Manager owns the queue topology and provides publish/consume access.
type Manager struct {
	ch *amqp.Channel
}

// New declares the exchange and queues on the given channel.
func New(ch *amqp.Channel) (*Manager, error) {
	if err := ch.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	mainArgs := amqp.Table{
		"x-max-priority":            int32(maxPriority),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueueName,
	}
	mainQ, err := ch.QueueDeclare(MainQueueName, true, false, false, false, mainArgs)
	if err != nil {
		return nil, fmt.Errorf("declare main queue: %w", err)
	}

	if err := ch.QueueBind(mainQ.Name, RoutingKey, ExchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("bind main queue: %w", err)
	}

	// Entries published here carry a per-message TTL and dead-letter back
	// into the main exchange once it elapses.
	waitArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": RoutingKey,
	}
	if _, err := ch.QueueDeclare(WaitQueueName, true, false, false, false, waitArgs); err != nil {
		return nil, fmt.Errorf("declare wait queue: %w", err)
	}

	if _, err := ch.QueueDeclare(DeadLetterQueueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare dead-letter queue: %w", err)
	}

	return &Manager{ch: ch}, nil
}

// Enqueue publishes the message. If notBefore is in the future the entry
// goes through the wait queue and only becomes visible to consumers once
// the delay elapses; otherwise it is immediately visible.
func (m *Manager) Enqueue(msg Message, notBefore time.Time, strategy retry.Strategy) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     msg.Priority.AMQP(),
		Body:         body,
	}

	exchange, key := ExchangeName, RoutingKey
	if delay := time.Until(notBefore); delay > 0 {
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		exchange, key = "", WaitQueueName
	}

	return retry.Do(func() error {
		return m.ch.Publish(exchange, key, false, false, pub)
	}, strategy)
}

// DeadLetter publishes the message to the dead-letter queue with the
// terminal reason attached for operator inspection.
func (m *Manager) DeadLetter(msg Message, reason string, strategy retry.Strategy) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"x-failure-reason": reason},
		Body:         body,
	}

	return retry.Do(func() error {
		return m.ch.Publish("", DeadLetterQueueName, false, false, pub)
	}, strategy)
}

// Consume returns the main-queue delivery stream. Acknowledgement is
// manual: a delivery left unacked returns to the queue when the channel
// drops, which is what makes processing at-least-once.
func (m *Manager) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 50
	}
	if err := m.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := m.ch.Consume(
		MainQueueName,
		"",    // consumer tag
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

// Depth returns the number of ready entries in the main queue.
func (m *Manager) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q, err := m.ch.QueueInspect(MainQueueName)
	if err != nil {
		return 0, fmt.Errorf("inspect queue: %w", err)
	}

	return q.Messages, nil
}
