// Команда dlq-reprocess возвращает записи страхового DLQ в рабочие топики.
//
// В insurance.dlq попадают два вида записей: конверты consumer-контура
// (outcome-сообщение, не пережившее retry обработчика) и конверты
// outbox-воркера (событие жизненного цикла заказа, которое не удалось
// опубликовать). Первые возвращаются в свой исходный топик, вторые — в
// топик событий заказов. По умолчанию — dry-run со списком кандидатов.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/dmsilantev/insurance-oms/internal/messaging/kafka"
)

const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

// options — параметры прогона, собранные из флагов и окружения.
type options struct {
	brokers     []string
	dlqTopic    string
	eventsTopic string
	orderID     string
	eventType   string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

// candidate — запись DLQ, восстановленная до публикуемого сообщения.
type candidate struct {
	topic     string
	key       string
	value     []byte
	orderID   string
	eventType string
}

// consumerLaneRecord — конверт consumer-контура (см. deadLetter в
// internal/messaging/kafka): полей original_* достаточно для возврата
// сообщения как есть.
type consumerLaneRecord struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// outboxLaneEnvelope — внешний конверт outbox-публикатора; его payload
// содержит DLQ-запись воркера с исходным событием заказа.
type outboxLaneEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type outboxLaneRecord struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// republishedEvent — конверт, в котором восстановленное событие заказа
// уходит обратно в топик событий.
type republishedEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Узкие интерфейсы поверх sarama, чтобы прогон можно было тестировать
// без брокера.
type offsetReader interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionHandle interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionHandle, error)
	Close() error
}

type messageSink interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionHandle, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s saramaSource) Close() error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Close()
}

// connectKafka подменяется в тестах.
var connectKafka = func(opts options) (offsetReader, partitionSource, messageSink, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	source := saramaSource{consumer: rawConsumer}

	if !opts.execute {
		return client, source, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(opts.brokers, producerConfig)
	if err != nil {
		_ = source.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, source, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	opts, err := parseOptions()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), opts); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseOptions() (options, error) {
	var (
		brokersRaw string
		opts       options
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: IOMS_KAFKA_BROKERS)")
	flag.StringVar(&opts.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	flag.StringVar(&opts.eventsTopic, "events-topic", kafka.TopicOrderEvents, "topic for recovered order lifecycle events")
	flag.StringVar(&opts.orderID, "order-id", "", "replay only records of this order")
	flag.StringVar(&opts.eventType, "event-type", "", "replay only lifecycle events of this type (e.g. OrderApproved)")
	flag.IntVar(&opts.limit, "limit", defaultScanLimit, "max number of DLQ records to scan")
	flag.BoolVar(&opts.execute, "execute", false, "publish the candidates; default is dry-run")
	flag.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("IOMS_KAFKA_BROKERS")
	}

	opts.brokers = splitBrokerList(brokersRaw)
	if len(opts.brokers) == 0 {
		return options{}, fmt.Errorf("kafka brokers are required (-brokers or IOMS_KAFKA_BROKERS)")
	}
	if strings.TrimSpace(opts.dlqTopic) == "" {
		return options{}, fmt.Errorf("dlq-topic is required")
	}
	if strings.TrimSpace(opts.eventsTopic) == "" {
		return options{}, fmt.Errorf("events-topic is required")
	}
	if opts.limit <= 0 {
		return options{}, fmt.Errorf("limit must be > 0")
	}
	if opts.idleTimeout <= 0 {
		return options{}, fmt.Errorf("idle-timeout must be > 0")
	}

	return opts, nil
}

func splitBrokerList(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, opts options) error {
	log.WithFields(log.Fields{
		"dlq_topic":    opts.dlqTopic,
		"events_topic": opts.eventsTopic,
		"order_id":     opts.orderID,
		"event_type":   opts.eventType,
		"limit":        opts.limit,
		"execute":      opts.execute,
	}).Info("starting dlq replay")

	offsets, source, sink, err := connectKafka(opts)
	if err != nil {
		return err
	}
	defer func() {
		if sink != nil {
			_ = sink.Close()
		}
		if source != nil {
			_ = source.Close()
		}
		if offsets != nil {
			_ = offsets.Close()
		}
	}()

	r := &replayer{opts: opts, offsets: offsets, source: source, sink: sink}
	return r.run(ctx)
}

// replayReport — итог прогона по всем partition.
type replayReport struct {
	scanned  int
	replayed int
	filtered int
	skipped  int
}

func (a *replayReport) add(b replayReport) {
	a.scanned += b.scanned
	a.replayed += b.replayed
	a.filtered += b.filtered
	a.skipped += b.skipped
}

type replayer struct {
	opts    options
	offsets offsetReader
	source  partitionSource
	sink    messageSink
}

func (r *replayer) run(ctx context.Context) error {
	if r.offsets == nil || r.source == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if r.opts.execute && r.sink == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.opts.dlqTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", r.opts.dlqTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", r.opts.dlqTopic).Warn("dlq topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var report replayReport
	for _, partition := range partitions {
		budget := r.opts.limit - report.scanned
		if budget <= 0 {
			break
		}
		part, err := r.scanPartition(ctx, partition, budget)
		if err != nil {
			return err
		}
		report.add(part)
	}

	mode := "dry-run"
	if r.opts.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  report.scanned,
		"replayed": report.replayed,
		"filtered": report.filtered,
		"skipped":  report.skipped,
	}).Info("dlq replay finished")

	return nil
}

func (r *replayer) scanPartition(ctx context.Context, partition int32, budget int) (replayReport, error) {
	var report replayReport

	oldest, err := r.offsets.GetOffset(r.opts.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return report, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.opts.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return report, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return report, nil
	}

	handle, err := r.source.ConsumePartition(r.opts.dlqTopic, partition, oldest)
	if err != nil {
		return report, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = handle.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	for report.scanned < budget {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		select {
		case <-ctx.Done():
			return report, ctx.Err()

		case err := <-handle.Errors():
			if err != nil {
				return report, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}

		case msg, ok := <-handle.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return report, nil
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.idleTimeout)

			report.scanned++
			if err := r.handleRecord(msg, &report); err != nil {
				return report, err
			}

			if msg.Offset+1 >= newest {
				return report, nil
			}

		case <-idle.C:
			return report, nil
		}
	}

	return report, nil
}

func (r *replayer) handleRecord(msg *sarama.ConsumerMessage, report *replayReport) error {
	cand, ok, err := resolveRecord(msg.Value, r.opts.eventsTopic)
	if err != nil {
		report.skipped++
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip malformed dlq record")
		return nil
	}
	if !ok {
		report.skipped++
		return nil
	}
	if !r.matchesFilters(cand) {
		report.filtered++
		return nil
	}

	if !r.opts.execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": cand.topic,
			"key":          cand.key,
			"event_type":   cand.eventType,
		}).Info("dlq replay candidate")
		report.replayed++
		return nil
	}

	if err := r.publish(cand); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	report.replayed++
	return nil
}

// matchesFilters отбирает кандидата по заказу и типу события. Фильтр по
// типу события осмыслен только для записей outbox-контура: у записей
// consumer-контура тип события неизвестен без разбора исходного сообщения.
func (r *replayer) matchesFilters(cand candidate) bool {
	if r.opts.orderID != "" && cand.orderID != r.opts.orderID {
		return false
	}
	if r.opts.eventType != "" && cand.eventType != "" && cand.eventType != r.opts.eventType {
		return false
	}
	return true
}

func (r *replayer) publish(cand candidate) error {
	if r.sink == nil {
		return fmt.Errorf("producer is nil")
	}

	_, _, err := r.sink.SendMessage(&sarama.ProducerMessage{
		Topic:     cand.topic,
		Key:       sarama.StringEncoder(cand.key),
		Value:     sarama.ByteEncoder(cand.value),
		Timestamp: time.Now().UTC(),
	})
	return err
}

// resolveRecord пробует оба формата DLQ-записи. Возвращает ok=false для
// записей неизвестной формы и ошибку для повреждённых outbox-конвертов.
func resolveRecord(raw []byte, eventsTopic string) (candidate, bool, error) {
	var lane consumerLaneRecord
	if err := json.Unmarshal(raw, &lane); err == nil && lane.OriginalValue != "" {
		topic := strings.TrimSpace(lane.OriginalTopic)
		if topic == "" {
			topic = eventsTopic
		}
		return candidate{
			topic:   topic,
			key:     lane.OriginalKey,
			value:   []byte(lane.OriginalValue),
			orderID: lane.OriginalKey,
		}, true, nil
	}

	var envelope outboxLaneEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return candidate{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return candidate{}, false, nil
	}

	var record outboxLaneRecord
	if err := json.Unmarshal(envelope.Payload, &record); err != nil {
		return candidate{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(record.Payload) == 0 {
		return candidate{}, false, fmt.Errorf("outbox dlq record has no original event payload")
	}

	event := republishedEvent{
		ID:            firstNonEmpty(record.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(record.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(record.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(record.EventType, envelope.EventType),
		Payload:       record.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return candidate{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	return candidate{
		topic:     eventsTopic,
		key:       key,
		value:     encoded,
		orderID:   event.AggregateID,
		eventType: event.EventType,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
