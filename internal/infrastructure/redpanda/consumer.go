package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/observability/metrics"
	"github.com/carepoint/billing-engine/pkg/workerpool"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeout and HeartbeatInterval tune group membership
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// StartOffset is earliest or latest
	StartOffset string
	Pool        workerpool.Config
}

// DefaultConsumerConfig returns defaults for the claims worker
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "claims-worker",
		Topics:            []string{TopicClaimsRequests},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
		Pool:              workerpool.DefaultConfig(),
	}
}

// MessageHandler is called for each consumed message. Returning an error
// wrapped with workerpool.Permanent skips retries.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// DeadLetterFunc receives messages whose handler failed for good
type DeadLetterFunc func(ctx context.Context, msg *ConsumedMessage, cause error) error

// ConsumedMessage is a record handed to a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads a consumer group and runs each fetch on a keyed worker pool.
// Records with the same key are handled one at a time in partition order;
// offsets are committed once the whole fetch has been handled or dead-lettered.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	pool       *workerpool.Pool
	handler    MessageHandler
	deadLetter DeadLetterFunc
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	bytesRead      int64
	errorCount     int64
	deadLettered   int64
	lastCommitTime time.Time
}

// NewConsumer creates a consumer. deadLetter and m may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetter DeadLetterFunc, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(cfg.HeartbeatInterval))
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.FetchMaxBytes))
	}
	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:     client,
		config:     cfg,
		pool:       workerpool.New(cfg.Pool, logger.Named("pool")),
		handler:    handler,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop finishes the in-flight fetch and closes the client. Every batch
// commits its own settled records, so nothing else is committed here.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("worker pool stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(t string, p int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", t),
				zap.Int32("partition", p),
				zap.Error(err))
			c.incrementErrorCount()
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.processBatch(records)
	}
}

// processBatch fans the records out by key and commits once all are done.
// A record that could neither be handled nor dead-lettered holds back the
// commit of its partition, and the partition is rewound so it is fetched again.
func (c *Consumer) processBatch(records []*kgo.Record) {
	// handlers run to completion even while stopping so offsets stay consistent
	ctx := context.WithoutCancel(c.ctx)

	settled := make([]bool, len(records))
	var wg sync.WaitGroup
	for i, record := range records {
		i, record := i, record
		key := string(record.Key)
		if key == "" {
			key = record.Topic + "/" + strconv.Itoa(int(record.Partition))
		}

		run := func(ctx context.Context) error { return c.processRecord(ctx, record) }

		done, err := c.pool.Submit(ctx, key, run)
		if errors.Is(err, workerpool.ErrQueueFull) {
			// drain what is queued so per-key order survives the resubmit
			wg.Wait()
			done, err = c.pool.Submit(ctx, key, run)
		}
		if err != nil {
			settled[i] = c.finish(ctx, record, run(ctx))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			settled[i] = c.finish(ctx, record, <-done)
		}()
	}
	wg.Wait()

	commit, rewind := splitSettled(records, settled)
	if len(commit) > 0 {
		if err := c.CommitRecords(ctx, commit...); err != nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
	if len(rewind) > 0 {
		c.logger.Warn("rewinding partitions with unsettled records", zap.Any("offsets", rewind))
		c.client.SetOffsets(rewind)
	}
}

// splitSettled returns, per partition, the records before the first unsettled
// one, and the offsets to resume from where a record was left unsettled.
func splitSettled(records []*kgo.Record, settled []bool) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	type tp struct {
		topic     string
		partition int32
	}
	blocked := make(map[tp]bool)
	var commit []*kgo.Record
	rewind := make(map[string]map[int32]kgo.EpochOffset)
	for i, r := range records {
		k := tp{r.Topic, r.Partition}
		if blocked[k] {
			continue
		}
		if settled[i] {
			commit = append(commit, r)
			continue
		}
		blocked[k] = true
		if rewind[r.Topic] == nil {
			rewind[r.Topic] = make(map[int32]kgo.EpochOffset)
		}
		rewind[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
	}
	return commit, rewind
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	err := c.handler(ctx, toMessage(record))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// finish records the outcome of one record and dead-letters failures. It
// reports whether the record may be committed.
func (c *Consumer) finish(ctx context.Context, record *kgo.Record, err error) bool {
	if err == nil {
		c.incrementMetrics(record.Topic, len(record.Value))
		return true
	}

	c.incrementErrorCount()
	c.logger.Error("message handler failed",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Error(err))
	if c.deadLetter == nil {
		return true
	}
	if dlErr := c.deadLetter(ctx, toMessage(record), err); dlErr != nil {
		c.logger.Error("dead letter publish failed",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(dlErr))
		return false
	}
	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
	return true
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// CommitRecords commits the offsets of records
func (c *Consumer) CommitRecords(ctx context.Context, records ...*kgo.Record) error {
	ctx, span := c.tracer.Start(ctx, "commit_offsets",
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit offsets: %w", err)
	}
	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
	return nil
}

// DeadLetterTo returns a DeadLetterFunc that republishes the original payload
// to topic with the failure recorded in headers.
func DeadLetterTo(p *Producer, topic string) DeadLetterFunc {
	return func(ctx context.Context, msg *ConsumedMessage, cause error) error {
		headers := map[string]string{
			"x-original-topic":     msg.Topic,
			"x-original-partition": strconv.Itoa(int(msg.Partition)),
			"x-original-offset":    strconv.FormatInt(msg.Offset, 10),
			"x-error":              cause.Error(),
		}
		for k, v := range msg.Headers {
			if _, taken := headers[k]; !taken {
				headers[k] = v
			}
		}
		return p.PublishWithHeaders(ctx, topic, string(msg.Key), msg.Value, headers)
	}
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BytesRead:      c.bytesRead,
		ErrorCount:     c.errorCount,
		DeadLettered:   c.deadLettered,
		LastCommitTime: c.lastCommitTime,
		Pool:           c.pool.Stats(),
	}
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	DeadLettered   int64
	LastCommitTime time.Time
	Pool           workerpool.Stats
}

func (c *Consumer) incrementMetrics(topic string, bytes int) {
	c.mu.Lock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.KafkaMessagesConsumed.WithLabelValues(topic).Inc()
	}
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
