// Package events publishes order fill events to Kafka for downstream
// consumers (notifications, analytics). Delivery is best-effort and never
// blocks or fails a settlement.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/coinharbor/exchange/pkg/models"
)

// FillEvent is the wire payload for a settled order.
type FillEvent struct {
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId"`
	CoinName      string    `json:"coinName"`
	OrderType     string    `json:"orderType"`
	Side          string    `json:"side"`
	Amount        string    `json:"amount"`
	Price         string    `json:"price"`
	TransactionID string    `json:"transactionId"`
	ExecutedAt    time.Time `json:"executedAt"`
}

// KafkaFillPublisher writes fill events to a Kafka topic.
type KafkaFillPublisher struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewKafkaFillPublisher creates a publisher for the given brokers and topic.
func NewKafkaFillPublisher(logger *zap.Logger, brokers []string, topic string) *KafkaFillPublisher {
	return &KafkaFillPublisher{
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// PublishFill emits a fill event keyed by user id. Errors are logged and
// dropped; the settlement already committed.
func (p *KafkaFillPublisher) PublishFill(ctx context.Context, order *models.Order, txn *models.Transaction) {
	evt := FillEvent{
		OrderID:       order.ID.String(),
		UserID:        order.UserID.String(),
		CoinName:      order.CoinName,
		OrderType:     order.OrderType,
		Side:          order.Side,
		Amount:        order.Amount.String(),
		Price:         order.Price.String(),
		TransactionID: txn.ID.String(),
		ExecutedAt:    time.Now().UTC(),
	}
	if order.ExecutedAt != nil {
		evt.ExecutedAt = *order.ExecutedAt
	}

	value, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("failed to encode fill event", zap.Error(err))
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(order.UserID.String()),
		Value: value,
	})
	if err != nil {
		p.logger.Error("failed to publish fill event",
			zap.String("orderID", order.ID.String()),
			zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaFillPublisher) Close() error {
	return p.writer.Close()
}
