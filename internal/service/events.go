package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/models"
)

// Event routing keys published to the wallet exchange.
const (
	EventTransactionCreated   = "transaction.created"
	EventTransactionCompleted = "transaction.completed"
	EventTransactionFailed    = "transaction.failed"
	EventTransactionCancelled = "transaction.cancelled"
	EventTransactionFlagged   = "transaction.flagged"
	EventRewardClaimed        = "reward.claimed"
	EventWebhookAnomaly       = "webhook.anomaly"
)

// EventPublisher fans wallet events out to interested services. Publishing is
// best-effort: a broker outage must never block money movement.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event *TransactionEvent) error
	Close() error
}

// TransactionEvent is the wire shape of every wallet event.
type TransactionEvent struct {
	EventID       string                 `json:"event_id"`
	TransactionID string                 `json:"transaction_id"`
	UserID        string                 `json:"user_id"`
	Type          string                 `json:"type"`
	Status        string                 `json:"status"`
	Amount        string                 `json:"amount"`
	Currency      string                 `json:"currency"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NewTransactionEvent builds the event envelope for a transaction. Every
// publication gets a fresh event ID so consumers can deduplicate deliveries
// without conflating distinct events for the same transaction.
func NewTransactionEvent(tx *models.Transaction) *TransactionEvent {
	return &TransactionEvent{
		EventID:       uuid.New().String(),
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		OccurredAt:    time.Now(),
	}
}

type rabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitPublisher connects to RabbitMQ and declares the wallet exchange.
func NewRabbitPublisher(cfg config.RabbitMQConfig) (EventPublisher, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Dial: amqp.DefaultDial(cfg.ConnectionTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &rabbitPublisher{
		conn:     conn,
		channel:  channel,
		exchange: cfg.Exchange,
	}, nil
}

func (p *rabbitPublisher) Publish(ctx context.Context, routingKey string, event *TransactionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	logrus.WithFields(logrus.Fields{
		"routing_key":    routingKey,
		"transaction_id": event.TransactionID,
	}).Debug("Event published")

	return nil
}

func (p *rabbitPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// noopPublisher keeps the service running when the broker is disabled.
type noopPublisher struct{}

// NewNoopPublisher returns a publisher that drops every event.
func NewNoopPublisher() EventPublisher { return &noopPublisher{} }

func (noopPublisher) Publish(ctx context.Context, routingKey string, event *TransactionEvent) error {
	return nil
}

func (noopPublisher) Close() error { return nil }
