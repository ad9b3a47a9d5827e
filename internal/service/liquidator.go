// Package service hosts the liquidation engine: it serializes attempts per
// position, loads state from a Backend, runs the engine inside a settlement
// and publishes events once the settlement is durable.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/liqerr"
	"PerpLiquidator/internal/lock"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPositionNotFound is returned for owners without a stored position.
var ErrPositionNotFound = errors.New("position not found")

// Command asks for one liquidation.
type Command struct {
	Kind           event.LiquidationKind
	Owner          uuid.UUID
	Liquidator     uuid.UUID
	IdempotencyKey string // optional; repeated keys are skipped
}

// Result is what a settled command produced.
type Result struct {
	Outcome   *core.Outcome
	Position  state.Position
	Fund      state.InsuranceFund
	Duplicate bool
}

// Options configure a Liquidator.
type Options struct {
	// Feeds maps a position symbol to its oracle feed id. Symbols without
	// an entry use the symbol itself.
	Feeds map[string]string
	// Liquidators restricts who may liquidate. Empty allows anyone.
	Liquidators []uuid.UUID
	LockTimeout time.Duration
	// Clock stamps requests; defaults to time.Now.
	Clock func() time.Time
}

// Liquidator runs commands against a Backend.
type Liquidator struct {
	engine  *core.Engine
	backend Backend
	locker  lock.Locker
	sink    core.EventSink
	dedup   *core.IdempotencyChecker

	feeds       map[string]string
	allowed     map[uuid.UUID]struct{}
	lockTimeout time.Duration

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewLiquidator wires the host. sink and dedup may be nil.
func NewLiquidator(
	engine *core.Engine,
	backend Backend,
	locker lock.Locker,
	sink core.EventSink,
	dedup *core.IdempotencyChecker,
	opts Options,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (*Liquidator, error) {
	if engine == nil || backend == nil || locker == nil {
		return nil, fmt.Errorf("engine, backend and locker are required")
	}

	allowed := make(map[uuid.UUID]struct{}, len(opts.Liquidators))
	for _, id := range opts.Liquidators {
		allowed[id] = struct{}{}
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Liquidator{
		engine:      engine,
		backend:     backend,
		locker:      locker,
		sink:        sink,
		dedup:       dedup,
		feeds:       opts.Feeds,
		allowed:     allowed,
		lockTimeout: timeout,
		now:         clock,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Engine returns the wrapped engine.
func (l *Liquidator) Engine() *core.Engine {
	return l.engine
}

// Backend returns the state backend.
func (l *Liquidator) Backend() Backend {
	return l.backend
}

// FeedFor resolves the oracle feed of a symbol.
func (l *Liquidator) FeedFor(symbol string) string {
	if feed, ok := l.feeds[symbol]; ok {
		return feed
	}
	return symbol
}

// Execute runs one liquidation command end to end.
func (l *Liquidator) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Owner == uuid.Nil {
		return nil, fmt.Errorf("position owner is required")
	}
	if cmd.Kind != event.LiquidationKindPartial && cmd.Kind != event.LiquidationKindFull {
		return nil, fmt.Errorf("unknown liquidation kind %d", cmd.Kind)
	}
	if err := l.authorize(cmd.Liquidator); err != nil {
		return nil, err
	}

	kind := cmd.Kind.String()
	if cmd.IdempotencyKey != "" && l.dedup != nil && l.dedup.IsDuplicate(ctx, kind, cmd.IdempotencyKey) {
		l.logger.Debug().Str("key", cmd.IdempotencyKey).Str("kind", kind).Msg("duplicate command skipped")
		return &Result{Duplicate: true}, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	release, err := l.locker.Acquire(lockCtx, "position:"+cmd.Owner.String())
	cancel()
	if err != nil {
		if l.metrics != nil {
			l.metrics.LockFailures.WithLabelValues(lockBackend(l.locker)).Inc()
		}
		return nil, fmt.Errorf("lock position %s: %w", cmd.Owner, err)
	}
	defer release()

	start := time.Now()
	sink := &deferredSink{}
	var result *Result

	err = l.backend.Settle(ctx, func(tx Tx) error {
		r, err := l.settle(ctx, tx, cmd, sink)
		result = r
		return err
	})
	if l.metrics != nil {
		l.metrics.SettleDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	if cmd.IdempotencyKey != "" && l.dedup != nil && result.Outcome.Executed {
		l.dedup.MarkProcessed(kind, cmd.IdempotencyKey)
	}
	if l.sink != nil {
		for _, evt := range sink.events {
			l.sink.Publish(evt)
		}
	}
	return result, nil
}

func (l *Liquidator) settle(ctx context.Context, tx Tx, cmd Command, sink *deferredSink) (*Result, error) {
	pos, err := tx.LoadPosition(ctx, cmd.Owner)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("position %s: %w", cmd.Owner, ErrPositionNotFound)
	}
	if err != nil {
		return nil, err
	}

	// Partial closes never touch the fund; only full closes lock it.
	var fund state.InsuranceFund
	if cmd.Kind == event.LiquidationKindFull {
		fund, err = tx.LoadFund(ctx)
	} else {
		fund, err = tx.ReadFund(ctx)
	}
	if err != nil {
		return nil, err
	}

	posVersion, fundVersion := pos.Version, fund.Version
	req := core.Request{
		Position:   &pos,
		Fund:       &fund,
		Feed:       l.FeedFor(pos.Symbol),
		Liquidator: cmd.Liquidator,
		Now:        l.now(),
	}
	deps := core.Deps{Transfers: tx, Records: tx, Balances: tx, Events: sink}

	var outcome *core.Outcome
	if cmd.Kind == event.LiquidationKindFull {
		outcome, err = l.engine.LiquidateFull(ctx, req, deps)
	} else {
		outcome, err = l.engine.Liquidate(ctx, req, deps)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{Outcome: outcome, Position: pos, Fund: fund}
	if !outcome.Executed {
		return result, nil
	}

	if err := tx.SavePosition(ctx, pos, posVersion); err != nil {
		return nil, err
	}
	if fund.Version != fundVersion {
		if err := tx.SaveFund(ctx, fund, fundVersion); err != nil {
			return nil, err
		}
	}
	if cmd.IdempotencyKey != "" {
		if err := tx.MarkProcessed(ctx, cmd.Kind.String(), cmd.IdempotencyKey, outcome.RecordID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (l *Liquidator) authorize(liquidator uuid.UUID) error {
	if liquidator == uuid.Nil {
		return liqerr.New(liqerr.CodeUnauthorized, "liquidator identity is required")
	}
	if len(l.allowed) == 0 {
		return nil
	}
	if _, ok := l.allowed[liquidator]; !ok {
		return liqerr.New(liqerr.CodeUnauthorized, "liquidator %s is not permitted", liquidator)
	}
	return nil
}

// Evaluate reports a stored position's health at the current oracle price.
func (l *Liquidator) Evaluate(ctx context.Context, owner uuid.UUID) (state.Position, core.Assessment, error) {
	pos, err := l.backend.Position(ctx, owner)
	if err != nil {
		return state.Position{}, core.Assessment{}, err
	}
	a, err := l.engine.Evaluate(ctx, pos, l.FeedFor(pos.Symbol), l.now())
	if err != nil {
		return pos, core.Assessment{}, err
	}
	return pos, a, nil
}

// deferredSink holds events until the settlement commits.
type deferredSink struct {
	events []event.Event
}

func (s *deferredSink) Publish(evt event.Event) {
	s.events = append(s.events, evt)
}

func lockBackend(l lock.Locker) string {
	switch l.(type) {
	case *lock.RedisLocker:
		return "redis"
	case *lock.KeyedMutex:
		return "memory"
	default:
		return "other"
	}
}
