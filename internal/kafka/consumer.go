package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/IBM/sarama"
)

// MessageHandler processes one message. A nil error marks the message
// consumed; any other error leaves the offset where it was so the message
// is redelivered.
type MessageHandler func(ctx context.Context, value []byte) error

type ConsumerGroupHandler struct {
	handle MessageHandler
}

func NewConsumerGroupHandler(handle MessageHandler) ConsumerGroupHandler {
	return ConsumerGroupHandler{handle: handle}
}

func (ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		log.Printf("Consumed message: topic=%s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
		if err := h.handle(session.Context(), msg.Value); err != nil {
			return fmt.Errorf("handle offset %d: %w", msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return cfg
}

// StartSaramaConsumer blocks until ctx is cancelled.
func StartSaramaConsumer(ctx context.Context, cfg *sarama.Config, brokers []string, groupID string, topics []string, handle MessageHandler) error {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() {
		if err := consumerGroup.Close(); err != nil {
			log.Printf("Error closing consumer group: %v", err)
		}
	}()

	handler := NewConsumerGroupHandler(handle)

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Printf("Error from consumer: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
