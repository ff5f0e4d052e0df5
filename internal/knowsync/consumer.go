package knowsync

import (
	"context"
	"fmt"
	"log"

	"github.com/IBM/sarama"
)

// Consumer pulls sync frames off the broadcast topic and this peer's direct
// topic, feeding each one to the broadcaster. A frame that fails to apply is
// logged and skipped; the stream keeps moving.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler func(ctx context.Context, raw []byte) error
}

func NewConsumer(brokers []string, groupID string, topics []string, handler func(ctx context.Context, raw []byte) error) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{group: group, topics: topics, handler: handler}, nil
}

// Run blocks consuming until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	go func() {
		for err := range c.group.Errors() {
			log.Printf("knowsync: consumer group error: %v", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, &groupHandler{handler: c.handler}); err != nil {
			log.Printf("knowsync: consume: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler func(ctx context.Context, raw []byte) error
}

func (groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.handler(session.Context(), message.Value); err != nil {
			log.Printf("knowsync: drop inbound frame topic=%s offset=%d: %v", message.Topic, message.Offset, err)
		}
		session.MarkMessage(message, "")
	}
	return nil
}
