// Package events owns the escrow audit trail: every status transition
// (and every failed attempt) is appended durably before the operation
// returns, then published to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/TheRebzu/ecodeli-sub018/internal/interfaces"
	"github.com/TheRebzu/ecodeli-sub018/internal/models"
	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

const Topic = "escrow.events"

type Log struct {
	store  interfaces.EventStore
	writer *kafka.Writer
}

// NewLog builds the event log. writer may be nil, in which case events
// are only persisted.
func NewLog(store interfaces.EventStore, writer *kafka.Writer) *Log {
	return &Log{store: store, writer: writer}
}

// NewWriter builds the Kafka writer for escrow events, keyed by
// transaction id so per-transaction ordering is preserved.
func NewWriter(brokers string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers),
		Topic:    Topic,
		Balancer: &kafka.LeastBytes{},
	}
}

// Record appends the event to durable storage and then publishes it.
// Persistence failure is returned to the caller; publish failure is only
// logged, the durable record is the source of truth.
func (l *Log) Record(ctx context.Context, event *models.EscrowEvent) error {
	if event.ID == "" {
		event.ID = models.NewEventID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := l.store.Append(ctx, event); err != nil {
		return err
	}

	if event.FromStatus != event.ToStatus {
		telemetry.TransitionsTotal.WithLabelValues(string(event.FromStatus), string(event.ToStatus)).Inc()
	}

	if l.writer != nil {
		payload, _ := json.Marshal(event)
		if err := l.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.TransactionID),
			Value: payload,
		}); err != nil {
			telemetry.Logger.Warn("Failed to publish escrow event",
				zap.String("transaction_id", event.TransactionID),
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)
		}
	}

	telemetry.Logger.Info("Escrow event recorded",
		zap.String("transaction_id", event.TransactionID),
		zap.String("event_type", event.EventType),
		zap.String("from_status", string(event.FromStatus)),
		zap.String("to_status", string(event.ToStatus)),
		zap.String("actor", event.Actor),
	)
	return nil
}

// History returns the ordered audit trail for a transaction.
func (l *Log) History(ctx context.Context, transactionID string) ([]*models.EscrowEvent, error) {
	return l.store.ListByTransaction(ctx, transactionID)
}

// Replay recomputes the status a transaction should hold according to
// its event history. Used for reconciliation checks: a mismatch with the
// stored status means a financial inconsistency to be flagged.
func (l *Log) Replay(ctx context.Context, transactionID string) (models.EscrowStatus, error) {
	history, err := l.store.ListByTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	status := models.StatusPending
	for _, ev := range history {
		if ev.FromStatus != ev.ToStatus {
			status = ev.ToStatus
		}
	}
	return status, nil
}
