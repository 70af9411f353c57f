package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkjeldsen/tablebook/libs/kafkax"
	otelx "github.com/mkjeldsen/tablebook/libs/otel"
	"github.com/segmentio/kafka-go"
)

// pendingSource yields unpublished reservation events; satisfied by
// *Repository.
type pendingSource interface {
	PublishPending(ctx context.Context, limit int, send func(context.Context, Record) error) (int, error)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher drains the outbox to Kafka. Each reservation event type is its
// own topic, keyed by reservation id so created/extended/deleted for the same
// reservation land in order on one partition.
type Publisher struct {
	source    pendingSource
	writer    messageWriter
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		source:    repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

// Run polls until ctx is cancelled. Consecutive failures stretch the poll
// interval up to eight times the configured period so a broker outage does
// not hammer the database.
func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}
	if p.writer == nil {
		w := &kafka.Writer{
			Addr:         kafka.TCP(p.brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 100 * time.Millisecond,
		}
		defer w.Close()
		p.writer = w
	}

	failures := 0
	for {
		wait := p.pollEvery
		if failures > 0 {
			backoff := min(failures, 3)
			wait = p.pollEvery << backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		published, err := p.publishOnce(ctx)
		if err != nil {
			failures++
			p.logger.Error("outbox publish failed", "err", err, "consecutive_failures", failures)
			continue
		}
		failures = 0
		if published > 0 {
			p.logger.Info("outbox batch published", "events", published)
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) (int, error) {
	return p.source.PublishPending(ctx, p.batchSize, func(ctx context.Context, rcd Record) error {
		msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
		return p.writer.WriteMessages(msgCtx, messageFor(msgCtx, rcd))
	})
}

// messageFor maps an outbox row to its Kafka message: topic from the event
// type, key from the reservation id, trace context injected into headers.
func messageFor(ctx context.Context, rcd Record) kafka.Message {
	msg := kafka.Message{
		Topic: rcd.EventType,
		Key:   []byte(rcd.AggregateID),
		Value: rcd.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(rcd.EventID)},
			{Key: "event_type", Value: []byte(rcd.EventType)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return msg
}
