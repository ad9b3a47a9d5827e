package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// DefaultEventsPrefix is the subject root of outbound events:
// liq.events.{event_type}[.{symbol}]
const DefaultEventsPrefix = "liq.events"

// StreamPublisher is the subset of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher forwards liquidation events to NATS. Publish never
// blocks: envelopes go into a bounded queue and are dropped (and counted)
// when it is full. Subscribers dedup on the envelope's idempotency key.
type OutboundPublisher struct {
	js      StreamPublisher
	prefix  string
	queue   chan event.EventEnvelope
	seq     atomic.Int64
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewOutboundPublisher(js StreamPublisher, prefix string, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	if prefix == "" {
		prefix = DefaultEventsPrefix
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutboundPublisher{
		js:      js,
		prefix:  prefix,
		queue:   make(chan event.EventEnvelope, buffer),
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish enqueues evt. It implements core.EventSink.
func (op *OutboundPublisher) Publish(evt event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		op.logger.Error().Err(err).Str("key", evt.IdempotencyKey()).Msg("marshal event payload")
		return
	}

	env := event.EventEnvelope{
		Sequence:       op.seq.Add(1),
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType().String(),
		Symbol:         evt.Symbol(),
		PublishedAt:    op.now().UTC(),
		Payload:        payload,
	}

	select {
	case op.queue <- env:
		if op.metrics != nil {
			op.metrics.PublishQueueSize.Set(float64(len(op.queue)))
		}
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		op.logger.Warn().
			Int64("seq", env.Sequence).
			Str("event_type", env.EventType).
			Str("key", env.IdempotencyKey).
			Msg("outbound queue full, event dropped")
	}
}

// Run drains the queue until ctx is done.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-op.queue:
			if op.metrics != nil {
				op.metrics.PublishQueueSize.Set(float64(len(op.queue)))
			}
			if err := op.publish(ctx, env); err != nil {
				// Non-fatal: records remain queryable from the store.
				op.logger.Warn().Err(err).Int64("seq", env.Sequence).Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.EventsPublished.WithLabelValues(env.EventType).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = op.js.Publish(ctx, op.Subject(env), data, jetstream.WithMsgID(env.IdempotencyKey))
	return err
}

// Subject builds prefix.{event_type}[.{symbol}].
func (op *OutboundPublisher) Subject(env event.EventEnvelope) string {
	subject := op.prefix + "." + subjectToken(env.EventType)
	if env.Symbol != "" {
		subject += "." + subjectToken(env.Symbol)
	}
	return subject
}

// Pending returns the number of queued envelopes.
func (op *OutboundPublisher) Pending() int {
	return len(op.queue)
}

// subjectToken lowercases s and replaces characters that NATS treats as
// separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, strings.ToLower(s))
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, prefix string, logger zerolog.Logger) error {
	if prefix == "" {
		prefix = DefaultEventsPrefix
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "LIQ_EVENTS",
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "LIQ_EVENTS").Msg("ensured outbound stream")
	return nil
}
