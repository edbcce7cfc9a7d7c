package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cambista/ledger/internal/models"
)

// TypeTransactionCompleted is emitted once per transaction row that reached
// COMPLETED through reconciliation or a forced escrow release.
const TypeTransactionCompleted = "ledger.transaction.completed"

// TransactionEvent is the wire shape consumed by notification and analytics
// services. Amount is a decimal string.
type TransactionEvent struct {
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Kind          string    `json:"kind"`
	Currency      string    `json:"currency"`
	Amount        string    `json:"amount"`
	MatchID       string    `json:"match_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher writes ledger events to Kafka. Construction with no brokers
// yields a disabled publisher whose methods are no-ops, so the broker stays
// optional in small deployments.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 || topic == "" {
		return &Publisher{}
	}
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}}
}

// TransactionCompleted publishes one completed row. Keyed by user id so a
// user's events stay ordered within a partition.
func (p *Publisher) TransactionCompleted(ctx context.Context, t *models.Transaction) error {
	if p == nil || p.writer == nil {
		return nil
	}

	var meta models.TxMetadata
	if len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &meta)
	}
	evt := TransactionEvent{
		Type:          TypeTransactionCompleted,
		TransactionID: t.ID.String(),
		UserID:        t.UserID,
		Kind:          t.Kind,
		Currency:      t.Currency,
		Amount:        t.Amount.String(),
		MatchID:       meta.MatchID,
		OccurredAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.UserID),
		Value: payload,
		Time:  evt.OccurredAt,
	})
}

func (p *Publisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
