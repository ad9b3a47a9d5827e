package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpLiquidator/internal/oracle"
	"PerpLiquidator/internal/service"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AdminIngestService is the manual injection surface: opening positions,
// capitalizing the insurance fund and, in dev mode, pushing oracle prices.
// High-throughput liquidation requests go through NATS instead.
type AdminIngestService struct {
	backend service.Backend
	prices  *oracle.StaticSource // nil unless the static source is in use
	now     func() time.Time
	logger  zerolog.Logger
}

func NewAdminIngestService(backend service.Backend, prices *oracle.StaticSource, logger zerolog.Logger) *AdminIngestService {
	return &AdminIngestService{backend: backend, prices: prices, now: time.Now, logger: logger}
}

// InjectPosition opens a position and deposits its collateral.
func (s *AdminIngestService) InjectPosition(ctx context.Context, pos state.Position) error {
	if pos.Size == 0 {
		return fmt.Errorf("size must be positive")
	}
	if pos.EntryPrice == 0 {
		return fmt.Errorf("entry price must be positive")
	}
	if pos.LastUpdateTimestamp == 0 {
		pos.LastUpdateTimestamp = s.now().Unix()
	}
	pos.Version = 0

	if err := s.backend.OpenPosition(ctx, pos); err != nil {
		return err
	}
	s.logger.Info().
		Str("owner", pos.Owner.String()).
		Str("symbol", pos.Symbol).
		Uint64("size", pos.Size).
		Int64("collateral", pos.Collateral).
		Msg("position injected")
	return nil
}

// InjectContribution adds capital to the insurance fund.
func (s *AdminIngestService) InjectContribution(ctx context.Context, authority uuid.UUID, amount uint64, ref string) (state.InsuranceFund, error) {
	if amount == 0 {
		return state.InsuranceFund{}, fmt.Errorf("amount must be positive")
	}
	if ref == "" {
		ref = "admin:" + uuid.NewString()
	}
	fund, err := s.backend.Contribute(ctx, authority, amount, ref)
	if err != nil {
		return state.InsuranceFund{}, err
	}
	s.logger.Info().Uint64("amount", amount).Uint64("balance", fund.Balance).Msg("insurance contribution injected")
	return fund, nil
}

// InjectPrice sets a price on the static oracle source, published now.
func (s *AdminIngestService) InjectPrice(feed string, price int64, conf uint64, expo int32) error {
	if s.prices == nil {
		return fmt.Errorf("price injection requires the static oracle source")
	}
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	s.prices.SetPrice(feed, price, conf, expo, s.now())
	return nil
}
