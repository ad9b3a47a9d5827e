package ingestion

import (
	"context"
	"errors"

	"PerpLiquidator/internal/liqerr"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/service"

	"github.com/rs/zerolog"
)

// Executor runs liquidation commands. *service.Liquidator satisfies it.
type Executor interface {
	Execute(ctx context.Context, cmd service.Command) (*service.Result, error)
}

// Processor settles requests read from the subscriber channel one at a time.
//
// Requests rejected with a liquidation error code, or for unknown owners, are
// acknowledged; a keeper re-requests when conditions change. Anything else
// is NAKed so JetStream retries it.
type Processor struct {
	exec    Executor
	input   <-chan RawEvent
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewProcessor(exec Executor, input <-chan RawEvent, logger zerolog.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{exec: exec, input: input, logger: logger, metrics: metrics}
}

// Run processes requests until ctx is done or the input closes.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.input:
			if !ok {
				return nil
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle settles one request and acks or naks it.
func (p *Processor) Handle(ctx context.Context, raw RawEvent) {
	cmd, err := ParseRequest(raw)
	if err != nil {
		// Malformed payloads never become valid; drop them.
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("discarding malformed request")
		p.count(raw.Kind, "malformed")
		ack(raw)
		return
	}

	logger := p.logger.With().
		Str("owner", cmd.Owner.String()).
		Str("kind", raw.Kind).
		Str("request_id", cmd.IdempotencyKey).
		Logger()

	res, err := p.exec.Execute(ctx, cmd)
	switch {
	case err == nil && res.Duplicate:
		p.count(raw.Kind, "duplicate")
		ack(raw)
	case err == nil:
		if res.Outcome.Executed {
			p.count(raw.Kind, "executed")
		} else {
			p.count(raw.Kind, "healthy")
		}
		ack(raw)
	case errors.Is(err, service.ErrPositionNotFound):
		logger.Info().Err(err).Msg("request for unknown position")
		p.count(raw.Kind, "rejected")
		ack(raw)
	default:
		if code, ok := liqerr.CodeOf(err); ok {
			logger.Info().Err(err).Str("code", code.String()).Msg("request rejected")
			p.count(raw.Kind, "rejected")
			ack(raw)
			return
		}
		logger.Error().Err(err).Msg("request failed, will be redelivered")
		p.count(raw.Kind, "failed")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	}
}

func (p *Processor) count(kind, result string) {
	if p.metrics != nil {
		p.metrics.RequestsConsumed.WithLabelValues(kind, result).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
