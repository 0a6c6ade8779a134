package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	handlerkafka "github.com/dmsilantev/insurance-oms/internal/handler/kafka"
	"github.com/dmsilantev/insurance-oms/internal/messaging/kafka"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// startOutcomeConsumers запускает consumer'ы топиков исходов оплаты и
// подписки. Сообщения, исчерпавшие повторы, уходят в DLQ через dlqProducer.
func startOutcomeConsumers(
	ctx context.Context,
	cfg Config,
	handlers *handlerkafka.OutcomeHandlers,
	dlqProducer *kafka.Producer,
	logger *log.Entry,
) ([]*kafka.Consumer, error) {
	lanes := []struct {
		topic   string
		handler kafka.MessageHandler
	}{
		{topic: kafka.TopicPaymentOutcomes, handler: handlers.HandlePaymentOutcome},
		{topic: kafka.TopicSubscriptionOutcomes, handler: handlers.HandleSubscriptionOutcome},
	}

	consumers := make([]*kafka.Consumer, 0, len(lanes))
	for _, lane := range lanes {
		consumer, err := kafka.NewConsumerWithDLQ(
			cfg.KafkaBrokers,
			cfg.KafkaGroupID,
			[]string{lane.topic},
			lane.handler,
			dlqProducer,
			cfg.ConsumerMaxRetries,
		)
		if err != nil {
			stopConsumers(consumers, logger)
			return nil, err
		}

		go func(topic string, consumer *kafka.Consumer) {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).WithField("topic", topic).Error("outcome consumer stopped with error")
			}
		}(lane.topic, consumer)

		logger.WithField("topic", lane.topic).Info("outcome consumer started")
		consumers = append(consumers, consumer)
	}

	return consumers, nil
}

// stopConsumers останавливает запущенные consumer'ы.
func stopConsumers(consumers []*kafka.Consumer, logger *log.Entry) {
	for _, consumer := range consumers {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
}
