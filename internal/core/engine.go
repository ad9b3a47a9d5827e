package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/liqerr"
	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PriceFeed yields a validated price at the engine's price scale.
// *oracle.Adapter satisfies it.
type PriceFeed interface {
	GetPrice(ctx context.Context, feed string, now time.Time) (uint64, error)
}

// TransferExecutor moves funds between ledger accounts.
type TransferExecutor interface {
	Transfer(ctx context.Context, t ledger.Transfer) error
}

// RecordStore appends audit records. Append returns the store identifier and
// must fill PrevHash and Hash before persisting.
type RecordStore interface {
	Append(ctx context.Context, rec *event.LiquidationRecord) (string, error)
}

// BalanceReader reads ledger balances inside the same unit of work as the
// transfers.
type BalanceReader interface {
	Balance(ctx context.Context, key ledger.AccountKey) (int64, error)
}

// EventSink receives notifications. Publish must not block.
type EventSink interface {
	Publish(evt event.Event)
}

// Deps are the collaborators of one call. They are passed per call so a
// host can bind them to a single database transaction.
type Deps struct {
	Transfers TransferExecutor
	Records   RecordStore
	Balances  BalanceReader // required by LiquidateFull
	Events    EventSink     // optional
}

// Request names the position to liquidate. Position and Fund are replaced
// in place only when the call succeeds.
type Request struct {
	Position   *state.Position
	Fund       *state.InsuranceFund
	Feed       string
	Liquidator uuid.UUID
	Now        time.Time
}

// Outcome describes what a call did.
type Outcome struct {
	State     state.LiquidationState
	Executed  bool
	RecordID  string
	Record    *event.LiquidationRecord
	Price     uint64
	Health    state.Health   // before
	Post      state.Health   // partial: post-close health
	Coverage  state.Coverage // full with bad debt
	Transfers []ledger.Transfer
}

// Action is what the engine would do to a position at a price.
type Action int

const (
	ActionNone Action = iota
	ActionPartial
	ActionFull
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPartial:
		return "partial"
	case ActionFull:
		return "full"
	default:
		return "unknown"
	}
}

// Assessment is the read-only view of a position at a price.
type Assessment struct {
	Price  uint64
	Health state.Health
	Action Action
	Post   *state.Health // set when a partial close was simulated
}

// Engine decides and executes liquidations of single positions.
type Engine struct {
	prices   PriceFeed
	params   *state.RiskParams
	calc     *state.MarginCalculator
	accounts ledger.Accounts
	recorder *Recorder
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewEngine(
	prices PriceFeed,
	params *state.RiskParams,
	accounts ledger.Accounts,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (*Engine, error) {
	if prices == nil {
		return nil, fmt.Errorf("price feed is required")
	}
	if err := state.ValidateRiskParams(params); err != nil {
		return nil, fmt.Errorf("invalid risk params: %w", err)
	}

	return &Engine{
		prices:   prices,
		params:   params,
		calc:     state.NewMarginCalculator(params),
		accounts: accounts,
		recorder: NewRecorder(),
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Params returns the engine's risk params.
func (e *Engine) Params() *state.RiskParams {
	return e.params
}

// Calculator returns the margin calculator bound to the engine's params.
func (e *Engine) Calculator() *state.MarginCalculator {
	return e.calc
}

// plan is the complete result of a call, computed before anything is executed.
type plan struct {
	kind      event.LiquidationKind
	state     state.LiquidationState
	position  state.Position
	fund      state.InsuranceFund
	transfers []ledger.Transfer
	record    *event.LiquidationRecord
	health    state.Health
	post      state.Health
	coverage  state.Coverage
}

// partialTerms are the numbers of closing half a position.
type partialTerms struct {
	closeSize  uint64
	remaining  uint64
	proceeds   uint64
	reward     uint64
	net        uint64
	collateral int64 // collateral + net, before the post-close check
	post       state.Health
}

// progress walks the liquidation state machine for one call.
type progress struct {
	current state.LiquidationState
	logger  zerolog.Logger
}

func (p *progress) advance(next state.LiquidationState) {
	if !p.current.CanTransitionTo(next) {
		panic(fmt.Sprintf("FATAL: invalid liquidation transition %s -> %s", p.current, next))
	}
	p.logger.Debug().
		Str("from", p.current.String()).
		Str("to", next.String()).
		Msg("liquidation state transition")
	p.current = next
}

// Liquidate runs the partial entry point: close half the position if that
// restores health. A position that would stay unhealthy is left untouched
// and PartialInsufficient is returned; escalation is the caller's decision.
func (e *Engine) Liquidate(ctx context.Context, req Request, deps Deps) (*Outcome, error) {
	return e.run(ctx, event.LiquidationKindPartial, req, deps)
}

// LiquidateFull closes the whole position and settles it, routing any bad
// debt through the insurance fund.
func (e *Engine) LiquidateFull(ctx context.Context, req Request, deps Deps) (*Outcome, error) {
	return e.run(ctx, event.LiquidationKindFull, req, deps)
}

func (e *Engine) run(ctx context.Context, kind event.LiquidationKind, req Request, deps Deps) (*Outcome, error) {
	start := time.Now()
	label := kind.String()

	logger := e.logger.With().
		Str("owner", ownerOf(req)).
		Str("kind", label).
		Str("feed", req.Feed).
		Logger()

	outcome, err := e.execute(ctx, kind, req, deps, logger)
	if e.metrics != nil {
		e.metrics.LiquidationDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		code := "internal"
		if c, ok := liqerr.CodeOf(err); ok {
			code = c.String()
		}
		if e.metrics != nil {
			e.metrics.LiquidationsTotal.WithLabelValues(label, "rejected").Inc()
			e.metrics.LiquidationRejections.WithLabelValues(label, code).Inc()
		}
		logger.Warn().Err(err).Str("code", code).Msg("liquidation rejected")
		return nil, err
	}

	e.observe(kind, outcome)
	return outcome, nil
}

func (e *Engine) execute(ctx context.Context, kind event.LiquidationKind, req Request, deps Deps, logger zerolog.Logger) (*Outcome, error) {
	if err := validateRequest(kind, req, deps); err != nil {
		return nil, err
	}

	// Price first: a rejected reading fails before any engine logic.
	price, err := e.prices.GetPrice(ctx, req.Feed, req.Now)
	if err != nil {
		if e.metrics != nil {
			if code, ok := liqerr.CodeOf(err); ok {
				e.metrics.OracleRejections.WithLabelValues(code.String()).Inc()
			}
		}
		return nil, err
	}

	pos := *req.Position
	health, err := e.calc.Evaluate(pos, price)
	if err != nil {
		return nil, err
	}

	if health.Healthy {
		logger.Debug().
			Int64("margin", health.Margin).
			Int64("ratio_bps", health.RatioBps).
			Msg("position healthy, nothing to do")
		return &Outcome{
			State:  state.LiquidationStateHealthy,
			Price:  price,
			Health: health,
		}, nil
	}

	prog := &progress{current: state.LiquidationStateHealthy, logger: logger}

	var p *plan
	if kind == event.LiquidationKindPartial {
		p, err = e.planPartial(prog, req, pos, *req.Fund, price, health)
	} else {
		var escrow uint64
		escrow, err = e.escrow(ctx, deps, pos)
		if err != nil {
			return nil, err
		}
		p, err = e.planFull(prog, req, pos, *req.Fund, price, health, escrow)
	}
	if err != nil {
		return nil, err
	}

	recordID, err := e.commit(ctx, req, deps, p, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("state", p.state.String()).
		Str("record_id", recordID).
		Uint64("price", price).
		Uint64("size", p.record.LiquidatedSize).
		Int64("margin_before", p.record.MarginBefore).
		Int64("margin_after", p.record.MarginAfter).
		Uint64("reward", p.record.LiquidatorReward).
		Uint64("bad_debt", p.record.BadDebt).
		Msg("liquidation executed")

	return &Outcome{
		State:     p.state,
		Executed:  true,
		RecordID:  recordID,
		Record:    p.record,
		Price:     price,
		Health:    health,
		Post:      p.post,
		Coverage:  p.coverage,
		Transfers: p.transfers,
	}, nil
}

func validateRequest(kind event.LiquidationKind, req Request, deps Deps) error {
	if req.Position == nil {
		return fmt.Errorf("position is required")
	}
	if req.Fund == nil {
		return fmt.Errorf("insurance fund is required")
	}
	if req.Now.IsZero() {
		return fmt.Errorf("request time is required")
	}
	if req.Liquidator == uuid.Nil {
		return liqerr.New(liqerr.CodeUnauthorized, "liquidator identity is required")
	}
	if deps.Transfers == nil || deps.Records == nil {
		return fmt.Errorf("transfer executor and record store are required")
	}
	if kind == event.LiquidationKindFull && deps.Balances == nil {
		return fmt.Errorf("balance reader is required for full liquidation")
	}
	if err := req.Position.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	return nil
}

// escrow is what partial closes of pos parked in its collateral account.
func (e *Engine) escrow(ctx context.Context, deps Deps, pos state.Position) (uint64, error) {
	bal, err := deps.Balances.Balance(ctx, e.accounts.PositionCollateral(pos.Owner))
	if err != nil {
		return 0, fmt.Errorf("read position escrow: %w", err)
	}
	if bal <= 0 {
		return 0, nil
	}
	return uint64(bal), nil
}

// partial computes the effect of closing half of pos at price.
func (e *Engine) partial(pos state.Position, price uint64) (partialTerms, error) {
	closeSize := pos.Size / 2
	if closeSize == 0 {
		return partialTerms{}, liqerr.New(liqerr.CodeTooSmallToPartial, "size %d cannot be halved", pos.Size)
	}

	proceeds, err := state.Notional(price, closeSize, e.params.PriceScale())
	if err != nil {
		return partialTerms{}, err
	}
	reward, err := fpmath.ApplyBps(proceeds, e.params.LiquidatorRewardBps, e.params.BpsDenom)
	if err != nil {
		return partialTerms{}, err
	}
	net, err := fpmath.CheckedSubUint(proceeds, reward)
	if err != nil {
		return partialTerms{}, err
	}
	netSigned, err := fpmath.ToInt64(net)
	if err != nil {
		return partialTerms{}, err
	}
	collateral, err := fpmath.CheckedAdd(pos.Collateral, netSigned)
	if err != nil {
		return partialTerms{}, err
	}

	remaining := pos.Size - closeSize
	after := pos
	after.Size = remaining
	after.Collateral = collateral

	post, err := e.calc.Evaluate(after, price)
	if err != nil {
		return partialTerms{}, err
	}

	return partialTerms{
		closeSize:  closeSize,
		remaining:  remaining,
		proceeds:   proceeds,
		reward:     reward,
		net:        net,
		collateral: collateral,
		post:       post,
	}, nil
}

func (e *Engine) planPartial(prog *progress, req Request, pos state.Position, fund state.InsuranceFund, price uint64, health state.Health) (*plan, error) {
	prog.advance(state.LiquidationStateEvaluatingPartial)

	terms, err := e.partial(pos, price)
	if err != nil {
		return nil, err
	}
	if !terms.post.Healthy {
		prog.advance(state.LiquidationStateFallbackToFull)
		return nil, liqerr.New(liqerr.CodePartialInsufficient,
			"closing %d of %d leaves margin %d at %d bps (need %d)",
			terms.closeSize, pos.Size, terms.post.Margin, terms.post.RatioBps, terms.post.MaintenanceBps)
	}
	prog.advance(state.LiquidationStatePartialExecuted)

	ts := req.Now.Unix()

	// The remaining exposure is re-based at the liquidation price, so the
	// post-close margin becomes the new collateral.
	next := pos
	next.Size = terms.remaining
	next.Collateral = terms.post.Margin
	next.EntryPrice = price
	next.LastUpdateTimestamp = ts
	next.Version++

	rec := e.recorder.Build(RecordEntry{
		Position:     pos,
		Liquidator:   req.Liquidator,
		Kind:         event.LiquidationKindPartial,
		Size:         terms.closeSize,
		Price:        price,
		MarginBefore: health.Margin,
		MarginAfter:  terms.post.Margin,
		Reward:       terms.reward,
		Timestamp:    req.Now.UnixMilli(),
	})

	ref := rec.ID.String()
	transfers := nonZero(
		ledger.Transfer{
			From:   e.accounts.Vault(),
			To:     e.accounts.Wallet(req.Liquidator),
			Amount: terms.reward,
			Type:   ledger.JournalTypeLiquidatorReward,
			Ref:    ref,
		},
		ledger.Transfer{
			From:   e.accounts.Vault(),
			To:     e.accounts.PositionCollateral(pos.Owner),
			Amount: terms.net,
			Type:   ledger.JournalTypeNetProceeds,
			Ref:    ref,
		},
	)

	return &plan{
		kind:      event.LiquidationKindPartial,
		state:     prog.current,
		position:  next,
		fund:      fund,
		transfers: transfers,
		record:    rec,
		health:    health,
		post:      terms.post,
	}, nil
}

// planFull settles pos. Net proceeds parked by earlier partial closes are
// already part of the position's margin, so the escrow returns to the vault
// before anything is paid out of it.
func (e *Engine) planFull(prog *progress, req Request, pos state.Position, fund state.InsuranceFund, price uint64, health state.Health, escrow uint64) (*plan, error) {
	prog.advance(state.LiquidationStateEvaluatingFull)

	if pos.Size == 0 {
		return nil, liqerr.New(liqerr.CodeZeroPosition, "position of %s is already closed", pos.Owner)
	}

	ts := req.Now.Unix()
	finalMargin := health.Margin

	var (
		reward    uint64
		coverage  state.Coverage
		nextFund  = fund
		transfers []ledger.Transfer
	)

	entry := RecordEntry{
		Position:     pos,
		Liquidator:   req.Liquidator,
		Kind:         event.LiquidationKindFull,
		Size:         pos.Size,
		Price:        price,
		MarginBefore: finalMargin,
		MarginAfter:  0,
		Timestamp:    req.Now.UnixMilli(),
	}

	if finalMargin >= 0 {
		margin, err := fpmath.ToUint64(finalMargin)
		if err != nil {
			return nil, err
		}
		reward, err = fpmath.ApplyBps(margin, e.params.LiquidatorRewardBps, e.params.BpsDenom)
		if err != nil {
			return nil, err
		}
		remainder, err := fpmath.CheckedSubUint(margin, reward)
		if err != nil {
			return nil, err
		}
		prog.advance(state.LiquidationStateFullSettled)

		entry.Reward = reward
		rec := e.recorder.Build(entry)
		ref := rec.ID.String()
		transfers = nonZero(
			e.release(pos, escrow, ref),
			ledger.Transfer{
				From:   e.accounts.Vault(),
				To:     e.accounts.Wallet(req.Liquidator),
				Amount: reward,
				Type:   ledger.JournalTypeLiquidatorReward,
				Ref:    ref,
			},
			ledger.Transfer{
				From:   e.accounts.Vault(),
				To:     e.accounts.Wallet(pos.Owner),
				Amount: remainder,
				Type:   ledger.JournalTypeTraderPayout,
				Ref:    ref,
			},
		)
		return &plan{
			kind:      event.LiquidationKindFull,
			state:     prog.current,
			position:  pos.Closed(ts),
			fund:      fund,
			transfers: transfers,
			record:    rec,
			health:    health,
		}, nil
	}

	negated, err := fpmath.Neg(finalMargin)
	if err != nil {
		return nil, err
	}
	badDebt, err := fpmath.ToUint64(negated)
	if err != nil {
		return nil, err
	}

	coverage = state.ComputeCoverage(fund.Balance, badDebt)
	nextFund, err = fund.WithCoverage(coverage)
	if err != nil {
		return nil, err
	}
	// Reward is taken out of what the fund actually covered.
	reward, err = state.CoveredReward(coverage.Covered, e.params.LiquidatorRewardBps, e.params.BpsDenom)
	if err != nil {
		return nil, err
	}
	prog.advance(state.LiquidationStateFullWithBadDebt)

	entry.Reward = reward
	entry.Coverage = coverage
	rec := e.recorder.Build(entry)
	ref := rec.ID.String()
	transfers = nonZero(
		e.release(pos, escrow, ref),
		ledger.Transfer{
			From:   e.accounts.InsuranceFund(),
			To:     e.accounts.Wallet(req.Liquidator),
			Amount: reward,
			Type:   ledger.JournalTypeLiquidatorReward,
			Ref:    ref,
		},
		ledger.Transfer{
			From:   e.accounts.InsuranceFund(),
			To:     e.accounts.Vault(),
			Amount: coverage.Covered - reward,
			Type:   ledger.JournalTypeInsuranceCoverage,
			Ref:    ref,
		},
	)

	return &plan{
		kind:      event.LiquidationKindFull,
		state:     prog.current,
		position:  pos.Closed(ts),
		fund:      nextFund,
		transfers: transfers,
		record:    rec,
		health:    health,
		coverage:  coverage,
	}, nil
}

func (e *Engine) release(pos state.Position, escrow uint64, ref string) ledger.Transfer {
	return ledger.Transfer{
		From:   e.accounts.PositionCollateral(pos.Owner),
		To:     e.accounts.Vault(),
		Amount: escrow,
		Type:   ledger.JournalTypeCollateralRelease,
		Ref:    ref,
	}
}

// commit executes the plan. Transfers are logged as they succeed so any
// later failure can be compensated in reverse order. State is assigned only
// after the record is stored; events go out last.
func (e *Engine) commit(ctx context.Context, req Request, deps Deps, p *plan, logger zerolog.Logger) (string, error) {
	executed := make([]ledger.Transfer, 0, len(p.transfers))

	for _, t := range p.transfers {
		if err := deps.Transfers.Transfer(ctx, t); err != nil {
			return "", e.rollback(ctx, deps, executed, fmt.Errorf("transfer %s: %w", t.Type, err), logger)
		}
		executed = append(executed, t)
	}

	recordID, err := deps.Records.Append(ctx, p.record)
	if err != nil {
		return "", e.rollback(ctx, deps, executed, fmt.Errorf("append record: %w", err), logger)
	}

	*req.Position = p.position
	*req.Fund = p.fund

	if deps.Events != nil {
		for _, evt := range e.recorder.Events(p.record) {
			deps.Events.Publish(evt)
		}
	}

	return recordID, nil
}

// rollback compensates executed transfers newest first. Compensation runs
// even if ctx was cancelled.
func (e *Engine) rollback(ctx context.Context, deps Deps, executed []ledger.Transfer, cause error, logger zerolog.Logger) error {
	if len(executed) == 0 {
		return cause
	}

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(executed) - 1; i >= 0; i-- {
		reversal := executed[i].Reverse()
		if err := deps.Transfers.Transfer(ctx, reversal); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s: %w", executed[i], err))
		}
	}

	if len(errs) > 0 {
		if e.metrics != nil {
			e.metrics.CompensationFailures.Add(float64(len(errs)))
		}
		logger.Error().
			Err(cause).
			Errs("compensation_errors", errs).
			Msg("CRITICAL: liquidation rollback incomplete, ledger needs manual repair")
		return errors.Join(append([]error{cause}, errs...)...)
	}

	logger.Warn().Err(cause).Int("compensated", len(executed)).Msg("liquidation rolled back")
	return cause
}

func (e *Engine) observe(kind event.LiquidationKind, o *Outcome) {
	if e.metrics == nil {
		return
	}
	label := kind.String()

	switch o.State {
	case state.LiquidationStateHealthy:
		e.metrics.LiquidationsTotal.WithLabelValues(label, "noop").Inc()
		return
	case state.LiquidationStatePartialExecuted:
		e.metrics.LiquidationsTotal.WithLabelValues(label, "partial").Inc()
	case state.LiquidationStateFullSettled:
		e.metrics.LiquidationsTotal.WithLabelValues(label, "settled").Inc()
	case state.LiquidationStateFullWithBadDebt:
		e.metrics.LiquidationsTotal.WithLabelValues(label, "bad_debt").Inc()
		e.metrics.BadDebtTotal.Add(float64(o.Coverage.BadDebt))
		e.metrics.InsuranceCovered.Add(float64(o.Coverage.Covered))
		if o.Coverage.Leftover > 0 {
			e.metrics.InsuranceUncovered.Add(float64(o.Coverage.Leftover))
			e.metrics.InsolvencyEvents.Inc()
		}
		e.metrics.InsuranceFundBalance.Set(float64(o.Coverage.NewBalance))
	}

	if o.Record != nil {
		e.metrics.LiquidatorRewards.WithLabelValues(label).Add(float64(o.Record.LiquidatorReward))
	}
}

// Evaluate reads the price for feed and reports the position's health and
// the action a liquidation call would take. Nothing is mutated.
func (e *Engine) Evaluate(ctx context.Context, pos state.Position, feed string, now time.Time) (Assessment, error) {
	price, err := e.prices.GetPrice(ctx, feed, now)
	if err != nil {
		return Assessment{}, err
	}
	return e.Assess(pos, price)
}

// Assess is Evaluate at a known price.
func (e *Engine) Assess(pos state.Position, price uint64) (Assessment, error) {
	health, err := e.calc.Evaluate(pos, price)
	if err != nil {
		return Assessment{}, err
	}

	a := Assessment{Price: price, Health: health}
	switch {
	case health.Healthy:
		a.Action = ActionNone
	case pos.Size == 0:
		a.Action = ActionNone
	default:
		terms, err := e.partial(pos, price)
		if errors.Is(err, liqerr.ErrTooSmallToPartial) {
			a.Action = ActionFull
			return a, nil
		}
		if err != nil {
			return Assessment{}, err
		}
		a.Post = &terms.post
		if terms.post.Healthy {
			a.Action = ActionPartial
		} else {
			a.Action = ActionFull
		}
	}
	return a, nil
}

func nonZero(transfers ...ledger.Transfer) []ledger.Transfer {
	out := transfers[:0]
	for _, t := range transfers {
		if t.Amount > 0 {
			out = append(out, t)
		}
	}
	return out
}

func ownerOf(req Request) string {
	if req.Position == nil {
		return ""
	}
	return req.Position.Owner.String()
}
