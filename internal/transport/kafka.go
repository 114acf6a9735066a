package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka bus.
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// KafkaBus publishes with one writer per topic and consumes through
// consumer-group readers. Offsets are committed after the handler returns,
// whatever its result; a failed message is logged and not redelivered.
type KafkaBus struct {
	cfg    KafkaConfig
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

// NewKafkaBus creates a bus. No connection is made until first use.
func NewKafkaBus(cfg KafkaConfig, logger *slog.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("transport: kafka: no brokers configured")
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBus{cfg: cfg, logger: logger, writers: make(map[string]*kafka.Writer)}, nil
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           b.cfg.BatchTimeout,
		WriteTimeout:           b.cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w
}

// Publish writes v to topic. Messages with the same key land on the same
// partition.
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, v any) error {
	data, err := encode(topic, v)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now().UTC()}
	if err := b.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("transport: kafka publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a group reader for topic in the background.
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(ctx, r, topic, group, h)
	b.logger.Info("kafka subscription started", "topic", topic, "group", group)
	return nil
}

func (b *KafkaBus) consume(ctx context.Context, r *kafka.Reader, topic, group string, h Handler) {
	defer b.wg.Done()
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			b.logger.Error("kafka fetch failed", "topic", topic, "group", group, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg := Message{Topic: km.Topic, Key: string(km.Key), Value: km.Value, Time: km.Time}
		if err := h(ctx, msg); err != nil {
			b.logger.Error("message handler failed",
				"topic", topic, "group", group, "partition", km.Partition, "offset", km.Offset, "err", err)
		}
		if err := r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			b.logger.Error("kafka commit failed", "topic", topic, "offset", km.Offset, "err", err)
		}
	}
}

// Ping dials the brokers in order and succeeds on the first that answers.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var errs []error
	for _, broker := range b.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("transport: no kafka broker reachable: %w", errors.Join(errs...))
}

// Close flushes the writers and stops the readers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	writers := b.writers
	readers := b.readers
	b.writers = make(map[string]*kafka.Writer)
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	b.wg.Wait()
	return errors.Join(errs...)
}
