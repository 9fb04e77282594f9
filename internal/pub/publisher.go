// internal/pub/publisher.go
package pub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ussd-service/config"
	"ussd-service/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher emits transaction lifecycle events keyed by transaction id,
// so every event of one transaction lands on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("kafka writer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))

	return &KafkaPublisher{writer: writer, logger: logger}
}

func message(tx *domain.Transaction) (kafka.Message, error) {
	data, err := json.Marshal(domain.NewTransactionEvent(tx))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(tx.ID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("transaction." + string(tx.Status))},
		},
	}, nil
}

func (p *KafkaPublisher) PublishTransaction(ctx context.Context, tx *domain.Transaction) error {
	msg, err := message(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish transaction event",
			zap.String("tx_id", tx.ID),
			zap.String("status", string(tx.Status)),
			zap.Error(err))
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records events in the log when Kafka is disabled.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishTransaction(_ context.Context, tx *domain.Transaction) error {
	p.logger.Info("transaction event",
		zap.String("tx_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("status", string(tx.Status)))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
