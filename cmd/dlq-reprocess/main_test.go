package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmsilantev/insurance-oms/internal/messaging/kafka"
)

type stubOffsets struct {
	partitions []int32
	oldest     map[int32]int64
	newest     map[int32]int64
	partErr    error
	closed     bool
}

func (s *stubOffsets) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if at == sarama.OffsetOldest {
		return s.oldest[partition], nil
	}
	return s.newest[partition], nil
}

func (s *stubOffsets) Partitions(string) ([]int32, error) {
	return s.partitions, s.partErr
}

func (s *stubOffsets) Close() error {
	s.closed = true
	return nil
}

type stubHandle struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
	closed   bool
}

func (h *stubHandle) Messages() <-chan *sarama.ConsumerMessage { return h.messages }

func (h *stubHandle) Errors() <-chan *sarama.ConsumerError { return h.errs }
func (h *stubHandle) Close() error {
	h.closed = true
	return nil
}

type stubSource struct {
	handles map[int32]*stubHandle
	err     error
	closed  bool
}

func (s *stubSource) ConsumePartition(_ string, partition int32, _ int64) (partitionHandle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.handles[partition], nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

type stubSink struct {
	sent   []*sarama.ProducerMessage
	err    error
	closed bool
}

func (s *stubSink) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	s.sent = append(s.sent, msg)
	return 0, int64(len(s.sent)), nil
}

func (s *stubSink) Close() error {
	s.closed = true
	return nil
}

func consumerLaneJSON(t *testing.T, topic, key, value string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"original_topic":     topic,
		"original_partition": 0,
		"original_offset":    42,
		"original_key":       key,
		"original_value":     value,
		"error_message":      "handler exhausted retries",
		"failed_at":          time.Now().UTC().Format(time.RFC3339),
		"retry_count":        3,
	})
	require.NoError(t, err)
	return raw
}

func outboxLaneJSON(t *testing.T, outboxID, orderID, eventType string) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"outbox_id":      outboxID,
		"aggregate_type": "insurance_order",
		"aggregate_id":   orderID,
		"event_type":     eventType,
		"payload":        json.RawMessage(`{"order_id":"` + orderID + `"}`),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"id":             outboxID,
		"aggregate_type": "insurance_order",
		"aggregate_id":   orderID,
		"event_type":     eventType,
		"payload":        json.RawMessage(inner),
	})
	require.NoError(t, err)
	return raw
}

// dlqHandle кладёт записи в буферизованный канал с offset'ами от 0.
func dlqHandle(values ...[]byte) *stubHandle {
	h := &stubHandle{
		messages: make(chan *sarama.ConsumerMessage, len(values)+1),
		errs:     make(chan *sarama.ConsumerError, 1),
	}
	for i, value := range values {
		h.messages <- &sarama.ConsumerMessage{
			Topic:     kafka.TopicDeadLetterQueue,
			Partition: 0,
			Offset:    int64(i),
			Value:     value,
		}
	}
	return h
}

func testOptions(execute bool) options {
	return options{
		brokers:     []string{"localhost:9092"},
		dlqTopic:    kafka.TopicDeadLetterQueue,
		eventsTopic: kafka.TopicOrderEvents,
		limit:       defaultScanLimit,
		execute:     execute,
		idleTimeout: 200 * time.Millisecond,
	}
}

func singlePartitionReplayer(opts options, sink *stubSink, values ...[]byte) *replayer {
	offsets := &stubOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: int64(len(values))},
	}
	source := &stubSource{handles: map[int32]*stubHandle{0: dlqHandle(values...)}}
	r := &replayer{opts: opts, offsets: offsets, source: source}
	if sink != nil {
		r.sink = sink
	}
	return r
}

func TestSplitBrokerList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitBrokerList(" a:9092 , b:9092 "))
	assert.Equal(t, []string{"a:9092"}, splitBrokerList("a:9092,,"))
	assert.Empty(t, splitBrokerList("  ,  "))
}

func TestResolveRecordConsumerLane(t *testing.T) {
	raw := consumerLaneJSON(t, kafka.TopicPaymentOutcomes, "order-1", `{"order_id":"order-1","status":"APPROVED"}`)

	cand, ok, err := resolveRecord(raw, kafka.TopicOrderEvents)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, kafka.TopicPaymentOutcomes, cand.topic)
	assert.Equal(t, "order-1", cand.key)
	assert.Equal(t, "order-1", cand.orderID)
	assert.Empty(t, cand.eventType)
	assert.JSONEq(t, `{"order_id":"order-1","status":"APPROVED"}`, string(cand.value))
}

func TestResolveRecordConsumerLaneWithoutTopicFallsBack(t *testing.T) {
	raw := consumerLaneJSON(t, "", "order-2", `{"order_id":"order-2"}`)

	cand, ok, err := resolveRecord(raw, kafka.TopicOrderEvents)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kafka.TopicOrderEvents, cand.topic)
}

func TestResolveRecordOutboxLane(t *testing.T) {
	raw := outboxLaneJSON(t, "outbox-7", "order-3", "OrderApproved")

	cand, ok, err := resolveRecord(raw, kafka.TopicOrderEvents)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, kafka.TopicOrderEvents, cand.topic)
	assert.Equal(t, "order-3", cand.key)
	assert.Equal(t, "order-3", cand.orderID)
	assert.Equal(t, "OrderApproved", cand.eventType)

	var event republishedEvent
	require.NoError(t, json.Unmarshal(cand.value, &event))
	assert.Equal(t, "outbox-7", event.ID)
	assert.Equal(t, "insurance_order", event.AggregateType)
	assert.Equal(t, "order-3", event.AggregateID)
	assert.Equal(t, "OrderApproved", event.EventType)
	assert.JSONEq(t, `{"order_id":"order-3"}`, string(event.Payload))
	assert.False(t, event.PublishedAt.IsZero())
}

func TestResolveRecordOutboxLaneUsesEnvelopeFallbacks(t *testing.T) {
	inner, err := json.Marshal(map[string]any{
		"payload": json.RawMessage(`{"order_id":"order-4"}`),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"id":             "envelope-id",
		"aggregate_type": "insurance_order",
		"aggregate_id":   "order-4",
		"event_type":     "OrderRejected",
		"payload":        json.RawMessage(inner),
	})
	require.NoError(t, err)

	cand, ok, resolveErr := resolveRecord(raw, kafka.TopicOrderEvents)
	require.NoError(t, resolveErr)
	require.True(t, ok)

	var event republishedEvent
	require.NoError(t, json.Unmarshal(cand.value, &event))
	assert.Equal(t, "envelope-id", event.ID)
	assert.Equal(t, "order-4", event.AggregateID)
	assert.Equal(t, "OrderRejected", event.EventType)
}

func TestResolveRecordUnknownShape(t *testing.T) {
	_, ok, err := resolveRecord([]byte(`{"hello":"world"}`), kafka.TopicOrderEvents)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = resolveRecord([]byte(`not json at all`), kafka.TopicOrderEvents)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveRecordBrokenOutboxPayload(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":      "x",
		"payload": json.RawMessage(`"not an object"`),
	})
	require.NoError(t, err)

	_, _, resolveErr := resolveRecord(raw, kafka.TopicOrderEvents)
	require.Error(t, resolveErr)
	assert.Contains(t, resolveErr.Error(), "decode outbox dlq payload")

	empty, err := json.Marshal(map[string]any{
		"id":      "y",
		"payload": json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, _, resolveErr = resolveRecord(empty, kafka.TopicOrderEvents)
	require.Error(t, resolveErr)
	assert.Contains(t, resolveErr.Error(), "no original event payload")
}

func TestMatchesFilters(t *testing.T) {
	outboxCand := candidate{orderID: "order-1", eventType: "OrderApproved"}
	consumerCand := candidate{orderID: "order-1"}

	r := &replayer{opts: testOptions(false)}
	assert.True(t, r.matchesFilters(outboxCand))

	r.opts.orderID = "order-1"
	assert.True(t, r.matchesFilters(outboxCand))
	r.opts.orderID = "order-2"
	assert.False(t, r.matchesFilters(outboxCand))

	r.opts.orderID = ""
	r.opts.eventType = "OrderRejected"
	assert.False(t, r.matchesFilters(outboxCand))
	// У записи consumer-контура тип события неизвестен, фильтр её пропускает.
	assert.True(t, r.matchesFilters(consumerCand))
}

func TestReplayerDryRunDoesNotPublish(t *testing.T) {
	opts := testOptions(false)
	r := singlePartitionReplayer(opts, nil,
		consumerLaneJSON(t, kafka.TopicPaymentOutcomes, "order-1", `{"order_id":"order-1"}`),
		outboxLaneJSON(t, "outbox-1", "order-2", "OrderApproved"),
		[]byte(`{"unknown":"shape"}`),
	)

	require.NoError(t, r.run(context.Background()))
}

func TestReplayerExecutePublishesBothLanes(t *testing.T) {
	opts := testOptions(true)
	sink := &stubSink{}
	r := singlePartitionReplayer(opts, sink,
		consumerLaneJSON(t, kafka.TopicSubscriptionOutcomes, "order-1", `{"order_id":"order-1"}`),
		outboxLaneJSON(t, "outbox-1", "order-2", "OrderCompleted"),
	)

	require.NoError(t, r.run(context.Background()))
	require.Len(t, sink.sent, 2)

	assert.Equal(t, kafka.TopicSubscriptionOutcomes, sink.sent[0].Topic)
	key, err := sink.sent[0].Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "order-1", string(key))

	assert.Equal(t, kafka.TopicOrderEvents, sink.sent[1].Topic)
	key, err = sink.sent[1].Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "order-2", string(key))
}

func TestReplayerOrderFilterSkipsOtherOrders(t *testing.T) {
	opts := testOptions(true)
	opts.orderID = "order-2"
	sink := &stubSink{}
	r := singlePartitionReplayer(opts, sink,
		consumerLaneJSON(t, kafka.TopicPaymentOutcomes, "order-1", `{"order_id":"order-1"}`),
		outboxLaneJSON(t, "outbox-1", "order-2", "OrderApproved"),
	)

	require.NoError(t, r.run(context.Background()))
	require.Len(t, sink.sent, 1)
	assert.Equal(t, kafka.TopicOrderEvents, sink.sent[0].Topic)
}

func TestReplayerLimitBoundsScan(t *testing.T) {
	opts := testOptions(true)
	opts.limit = 2
	sink := &stubSink{}
	r := singlePartitionReplayer(opts, sink,
		outboxLaneJSON(t, "outbox-1", "order-1", "OrderApproved"),
		outboxLaneJSON(t, "outbox-2", "order-2", "OrderApproved"),
		outboxLaneJSON(t, "outbox-3", "order-3", "OrderApproved"),
	)

	require.NoError(t, r.run(context.Background()))
	assert.Len(t, sink.sent, 2)
}

func TestReplayerSkipsMalformedRecords(t *testing.T) {
	opts := testOptions(true)
	sink := &stubSink{}
	r := singlePartitionReplayer(opts, sink,
		[]byte(`{"id":"x","payload":"not an object"}`),
		outboxLaneJSON(t, "outbox-1", "order-1", "OrderApproved"),
	)

	require.NoError(t, r.run(context.Background()))
	require.Len(t, sink.sent, 1)
}

func TestReplayerIdleTimeoutStopsStalledPartition(t *testing.T) {
	opts := testOptions(false)
	opts.idleTimeout = 50 * time.Millisecond

	offsets := &stubOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 5},
	}
	handle := dlqHandle(outboxLaneJSON(t, "outbox-1", "order-1", "OrderApproved"))
	source := &stubSource{handles: map[int32]*stubHandle{0: handle}}
	r := &replayer{opts: opts, offsets: offsets, source: source}

	start := time.Now()
	require.NoError(t, r.run(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, handle.closed)
}

func TestReplayerEmptyPartitionNoConsume(t *testing.T) {
	opts := testOptions(false)
	offsets := &stubOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 7},
		newest:     map[int32]int64{0: 7},
	}
	source := &stubSource{err: errors.New("must not consume empty partition")}
	r := &replayer{opts: opts, offsets: offsets, source: source}

	require.NoError(t, r.run(context.Background()))
}

func TestReplayerRequiresProducerInExecuteMode(t *testing.T) {
	opts := testOptions(true)
	r := &replayer{opts: opts, offsets: &stubOffsets{}, source: &stubSource{}}

	err := r.run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer is required")
}

func TestReplayerPartitionsError(t *testing.T) {
	opts := testOptions(false)
	offsets := &stubOffsets{partErr: errors.New("metadata unavailable")}
	r := &replayer{opts: opts, offsets: offsets, source: &stubSource{}}

	err := r.run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get partitions")
}

func TestReplayerCancelledContext(t *testing.T) {
	opts := testOptions(false)
	r := singlePartitionReplayer(opts, nil,
		outboxLaneJSON(t, "outbox-1", "order-1", "OrderApproved"),
		outboxLaneJSON(t, "outbox-2", "order-2", "OrderApproved"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunClosesDependencies(t *testing.T) {
	opts := testOptions(true)
	offsets := &stubOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 1},
	}
	source := &stubSource{handles: map[int32]*stubHandle{
		0: dlqHandle(outboxLaneJSON(t, "outbox-1", "order-1", "OrderApproved")),
	}}
	sink := &stubSink{}

	restore := connectKafka
	connectKafka = func(options) (offsetReader, partitionSource, messageSink, error) {
		return offsets, source, sink, nil
	}
	defer func() { connectKafka = restore }()

	require.NoError(t, run(context.Background(), opts))
	assert.True(t, offsets.closed)
	assert.True(t, source.closed)
	assert.True(t, sink.closed)
	require.Len(t, sink.sent, 1)
}
