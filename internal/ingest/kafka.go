package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"geotrack/internal/config"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads location reports from a consumer group. Messages are
// routed to workers by partition, so reports keyed by device id are handled
// in order. An offset is committed only after its report was handled.
type KafkaConsumer struct {
	reader      messageReader
	handler     Handler
	logger      *slog.Logger
	workers     int
	pollTimeout time.Duration
	topic       string
}

func NewKafkaConsumer(cfg config.IngestConfig, handler Handler, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.Topic,
		GroupID:     cfg.Kafka.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newKafkaConsumer(reader, cfg, handler, logger)
}

func newKafkaConsumer(reader messageReader, cfg config.IngestConfig, handler Handler, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	poll := cfg.Kafka.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	return &KafkaConsumer{
		reader:      reader,
		handler:     handler,
		logger:      logger,
		workers:     workers,
		pollTimeout: poll,
		topic:       cfg.Kafka.Topic,
	}
}

// Run blocks until ctx is cancelled or the reader is closed. Messages
// already handed to a worker are drained and committed before Run returns.
func (c *KafkaConsumer) Run(ctx context.Context) {
	c.logger.Info("kafka ingest started", "topic", c.topic, "workers", c.workers)

	// in-flight reports finish even after shutdown starts
	drainCtx := context.WithoutCancel(ctx)
	queues := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(q <-chan kafka.Message) {
			defer wg.Done()
			for msg := range q {
				c.handle(drainCtx, msg)
			}
		}(queues[i])
	}

	c.fetchLoop(ctx, queues)

	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("kafka reader close failed", "error", err)
	}
	c.logger.Info("kafka ingest stopped", "topic", c.topic)
}

func (c *KafkaConsumer) fetchLoop(ctx context.Context, queues []chan kafka.Message) {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			c.logger.Warn("kafka fetch error", "error", err)
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		q := queues[shard(msg.Partition, len(queues))]
		select {
		case q <- msg:
		case <-ctx.Done():
			// not committed; redelivered after restart
			return
		}
	}
}

func shard(partition, n int) int {
	if partition < 0 {
		partition = -partition
	}
	return partition % n
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	report, err := DecodeReport(msg.Value)
	if err != nil {
		c.handler.Rejected("kafka", err)
	} else if err := c.handler.Handle(ctx, report); err != nil {
		// already logged and counted by the handler; the report is dropped
		c.logger.Debug("kafka report not stored", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("kafka commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}
