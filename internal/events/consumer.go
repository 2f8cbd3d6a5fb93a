package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
)

// UsernameChangedHandler reacts to username changes from the event topic.
type UsernameChangedHandler interface {
	OnUsernameChanged(ctx context.Context, event domain.UsernameChangedEvent) error
}

// Consumer consumes player events from Kafka and dispatches them to a
// handler. Only username changes are acted on; other event types are
// observability traffic and are skipped.
type Consumer struct {
	config        *config.KafkaConfig
	handler       UsernameChangedHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler UsernameChangedHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting event consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.EventTopic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.EventTopic}, handler); err != nil {
				if err == sarama.ErrClosedConsumerGroup {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("event consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping event consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			var m message
			if err := json.Unmarshal(msg.Value, &m); err != nil {
				h.consumer.logger.Warn("failed to unmarshal event",
					"error", err,
					"offset", msg.Offset,
					"partition", msg.Partition,
				)
				session.MarkMessage(msg, "")
				continue
			}

			if m.Type != domain.EventTypeUsernameChanged {
				session.MarkMessage(msg, "")
				continue
			}

			var event domain.UsernameChangedEvent
			if err := json.Unmarshal(m.Payload, &event); err != nil {
				h.consumer.logger.Warn("failed to unmarshal username change",
					"error", err,
					"offset", msg.Offset,
				)
				session.MarkMessage(msg, "")
				continue
			}

			if err := h.consumer.handler.OnUsernameChanged(session.Context(), event); err != nil {
				// Mark anyway: the presence layer is idempotent and a
				// missed rename is corrected by the next sweep.
				h.consumer.logger.Error("failed to handle username change",
					"chat_identity", event.ChatIdentity,
					"error", err,
				)
			}
			session.MarkMessage(msg, "")
		}
	}
}
