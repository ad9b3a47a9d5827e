package oracle

import (
	"context"
	"fmt"
	"time"

	"PerpLiquidator/internal/liqerr"
	fpmath "PerpLiquidator/internal/math"
)

// Config holds the oracle acceptance policy.
type Config struct {
	// MaxStaleness is the oldest acceptable sample age.
	MaxStaleness time.Duration

	// MaxConfFactor rejects readings whose confidence is >= price / factor
	// (100 means a 1% band).
	MaxConfFactor int64

	// Target is the engine's price precision.
	Target fpmath.DecimalConfig
}

// DefaultConfig returns a 60s staleness window and a 1% confidence band.
func DefaultConfig() Config {
	return Config{
		MaxStaleness:  60 * time.Second,
		MaxConfFactor: 100,
		Target:        fpmath.PriceConfig,
	}
}

// Validate checks the policy is usable.
func (c Config) Validate() error {
	if c.MaxStaleness <= 0 {
		return fmt.Errorf("max_staleness must be > 0, got %s", c.MaxStaleness)
	}
	if c.MaxConfFactor <= 0 {
		return fmt.Errorf("max_conf_factor must be > 0, got %d", c.MaxConfFactor)
	}
	if c.Target.Scale <= 0 {
		return fmt.Errorf("target price scale must be > 0")
	}
	return nil
}

// Adapter turns raw readings into validated fixed-point prices.
type Adapter struct {
	source PriceSource
	cfg    Config
}

func NewAdapter(source PriceSource, cfg Config) (*Adapter, error) {
	if source == nil {
		return nil, fmt.Errorf("price source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oracle config: %w", err)
	}
	return &Adapter{source: source, cfg: cfg}, nil
}

// Config returns the adapter's acceptance policy.
func (a *Adapter) Config() Config {
	return a.cfg
}

// GetPrice fetches the reading for feed and validates it against now.
// Checks run in a fixed order: source failure, staleness, sign, confidence,
// then rescale.
func (a *Adapter) GetPrice(ctx context.Context, feed string, now time.Time) (uint64, error) {
	reading, err := a.source.GetPrice(ctx, feed)
	if err != nil {
		return 0, liqerr.Wrap(liqerr.CodeInvalidOracleAccount, err, "feed %s", feed)
	}
	return a.Validate(reading, now)
}

// Validate applies the acceptance policy to a reading already in hand.
func (a *Adapter) Validate(reading PriceReading, now time.Time) (uint64, error) {
	age := now.Unix() - reading.PublishTime
	if age > int64(a.cfg.MaxStaleness/time.Second) {
		return 0, liqerr.New(liqerr.CodeStaleOraclePrice,
			"sample is %ds old, max %s", age, a.cfg.MaxStaleness)
	}

	if reading.Price <= 0 {
		return 0, liqerr.New(liqerr.CodeInvalidOraclePrice, "price %d is not positive", reading.Price)
	}

	band := uint64(reading.Price / a.cfg.MaxConfFactor)
	if reading.Conf >= band {
		return 0, liqerr.New(liqerr.CodeOracleConfidenceTooHigh,
			"confidence %d >= price/%d (%d)", reading.Conf, a.cfg.MaxConfFactor, band)
	}

	scaled, err := fpmath.RescaleExponent(reading.Price, reading.Expo, a.cfg.Target.Exponent())
	if err != nil {
		return 0, err
	}
	if scaled <= 0 {
		return 0, liqerr.New(liqerr.CodeInvalidOraclePrice,
			"price %d at exponent %d truncates to zero", reading.Price, reading.Expo)
	}

	return uint64(scaled), nil
}
