package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает сообщение из Kafka. Возвращённая ошибка
// запускает retry и, после исчерпания попыток, отправку в DLQ.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer читает топики исходов страховых заказов consumer-группой.
// Сообщение, не обработанное за maxRetries доставок, перекладывается в DLQ
// и подтверждается; без DLQ-продюсера оно остаётся неподтверждённым.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handle     MessageHandler
	logger     *log.Entry
	wg         sync.WaitGroup
	dlq        *Producer
	maxRetries int
}

// deadLetter — конверт записи в DLQ-топике. Поля original_* несут всё
// необходимое для возврата сообщения в исходный топик инструментом
// переигрывания.
type deadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// NewConsumer создает consumer без DLQ: после исчерпания retry сообщение
// остаётся в топике и будет перечитано.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3)
}

// NewConsumerWithDLQ создает consumer с перекладыванием неудачных сообщений
// в Dead Letter Queue.
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, maxRetries int) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, groupConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		group:      group,
		topics:     topics,
		handle:     handler,
		logger:     log.WithField("component", "kafka-consumer"),
		dlq:        dlqProducer,
		maxRetries: maxRetries,
	}, nil
}

func groupConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

// Start запускает цикл чтения и слив фоновых ошибок группы.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.drainErrors()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		// Consume завершается при каждом rebalance, поэтому крутимся до
		// отмены контекста.
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			c.logger.WithError(err).Error("error from consumer")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) drainErrors() {
	defer c.wg.Done()
	for err := range c.group.Errors() {
		c.logger.WithError(err).Error("consumer error")
	}
}

// Stop закрывает consumer-группу и дожидается фоновых горутин.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup — часть sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup — часть sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim по одному проводит сообщения partition через обработчик.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			if c.consumeOne(session.Context(), message) {
				session.MarkMessage(message, "")
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// consumeOne возвращает true, когда сообщение можно подтвердить: оно либо
// обработано, либо уложено в DLQ.
func (c *Consumer) consumeOne(ctx context.Context, message *sarama.ConsumerMessage) bool {
	fields := log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}
	c.logger.WithFields(fields).Debug("received message")

	if err := c.process(ctx, message); err != nil {
		// Без подтверждения сообщение будет доставлено снова.
		c.logger.WithError(err).WithFields(fields).Error("message processing failed after all retries")
		return false
	}
	return true
}

// process прогоняет сообщение через обработчик с учётом счётчика доставок.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	err := c.handle(ctx, message)
	if err == nil {
		return nil
	}

	attempts := c.retryCount(message)
	if attempts < c.maxRetries {
		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempts,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")
		return err
	}

	if c.dlq == nil {
		return err
	}

	if dlqErr := c.forwardToDLQ(message, err); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": attempts,
	}).Info("message sent to DLQ after max retries")
	return nil
}

// retryCount читает счётчик доставок из заголовков сообщения.
func (c *Consumer) retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil {
			return count
		}
	}
	return 0
}

// forwardToDLQ упаковывает безнадёжное сообщение в DLQ-конверт.
func (c *Consumer) forwardToDLQ(message *sarama.ConsumerMessage, cause error) error {
	envelope := deadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
		RetryCount:        c.retryCount(message),
	}

	return c.dlq.PublishEvent(TopicDeadLetterQueue, string(message.Key), envelope)
}
