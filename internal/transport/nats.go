package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding every sentinel subject.
	StreamName    = "SENTINEL"
	subjectPrefix = "sentinel."
	keyHeader     = "Sentinel-Key"
)

// NATSBus maps topic T to subject "sentinel.T" on one JetStream stream.
// Consumers are durable per (group, topic) with explicit ack; a handler
// error naks the message for redelivery, up to five deliveries.
type NATSBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
}

// ConnectNATS dials url, ensures the stream exists and returns a bus.
func ConnectNATS(ctx context.Context, url string, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("sentinel-risk-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: ensure stream %s: %w", StreamName, err)
	}

	return &NATSBus{nc: nc, js: js, logger: logger}, nil
}

// Publish sends v on the topic's subject and waits for the stream ack.
func (b *NATSBus) Publish(ctx context.Context, topic, key string, v any) error {
	data, err := encode(topic, v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subjectPrefix + topic, Data: data, Header: nats.Header{}}
	msg.Header.Set(keyHeader, key)

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("transport: nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates or reuses the durable consumer for (group, topic).
func (b *NATSBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	durable := consumerName(group, topic)
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subjectPrefix + topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("transport: create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		msg := Message{
			Topic: strings.TrimPrefix(m.Subject(), subjectPrefix),
			Key:   m.Headers().Get(keyHeader),
			Value: m.Data(),
			Time:  time.Now().UTC(),
		}
		if meta, err := m.Metadata(); err == nil {
			msg.Time = meta.Timestamp.UTC()
		}

		if err := h(ctx, msg); err != nil {
			b.logger.Error("message handler failed", "topic", topic, "consumer", durable, "err", err)
			_ = m.Nak()
			return
		}
		if err := m.Ack(); err != nil {
			b.logger.Error("nats ack failed", "topic", topic, "consumer", durable, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("transport: consume %s: %w", durable, err)
	}

	b.mu.Lock()
	b.consumes = append(b.consumes, cc)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	b.logger.Info("nats subscription started", "subject", subjectPrefix+topic, "consumer", durable)
	return nil
}

// Close stops the consumers and drains the connection.
// Ping reports whether the connection to the server is up.
func (b *NATSBus) Ping(_ context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("transport: nats %s", b.nc.Status())
	}
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	for _, cc := range b.consumes {
		cc.Stop()
	}
	b.consumes = nil
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("transport: nats drain: %w", err)
	}
	return nil
}

// consumerName builds a durable name; JetStream forbids '.' in it.
func consumerName(group, topic string) string {
	return strings.ReplaceAll(group+"-"+topic, ".", "_")
}
