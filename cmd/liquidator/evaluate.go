package main

import (
	"encoding/json"
	"fmt"
	"os"

	"PerpLiquidator/internal/config"
	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/ledger"
	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/oracle"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type evaluateFlags struct {
	symbol     string
	size       string
	entry      string
	collateral string
	leverage   uint32
	short      bool
	price      string
}

var evalFlags evaluateFlags

// evaluateCmd runs the margin check and decision logic against a
// hypothetical position without touching any storage or oracle.
var evaluateCmd = &cobra.Command{
	Use:     "evaluate",
	Short:   "Assess a hypothetical position at a given price",
	Example: "  liquidator evaluate --size 2 --entry 50000 --collateral 1000 --leverage 50 --price 40000",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return evaluate(cfg, evalFlags)
	},
}

func init() {
	f := evaluateCmd.Flags()
	f.StringVar(&evalFlags.symbol, "symbol", "BTC-USD", "market symbol")
	f.StringVar(&evalFlags.size, "size", "", "position size (decimal)")
	f.StringVar(&evalFlags.entry, "entry", "", "entry price (decimal)")
	f.StringVar(&evalFlags.collateral, "collateral", "", "posted collateral (decimal)")
	f.Uint32Var(&evalFlags.leverage, "leverage", 10, "position leverage")
	f.BoolVar(&evalFlags.short, "short", false, "evaluate a short position")
	f.StringVar(&evalFlags.price, "price", "", "mark price (decimal)")
	for _, name := range []string{"size", "entry", "collateral", "price"} {
		_ = evaluateCmd.MarkFlagRequired(name)
	}
}

type evaluation struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Price          string `json:"price"`
	Notional       string `json:"notional"`
	UnrealizedPnl  string `json:"unrealized_pnl"`
	Margin         string `json:"margin"`
	RatioBps       int64  `json:"ratio_bps"`
	MaintenanceBps uint64 `json:"maintenance_bps"`
	Status         string `json:"status"`
	Action         string `json:"action"`
	PostRatioBps   *int64 `json:"post_ratio_bps,omitempty"`
}

func evaluate(cfg *config.Config, fl evaluateFlags) error {
	params, err := cfg.RiskParams()
	if err != nil {
		return err
	}
	decimals := cfg.Risk.PriceDecimals

	parse := func(name, v string) (int64, error) {
		n, err := fpmath.ParseDecimal(v, decimals)
		if err != nil {
			return 0, fmt.Errorf("--%s: %w", name, err)
		}
		return n, nil
	}
	size, err := parse("size", fl.size)
	if err != nil {
		return err
	}
	entry, err := parse("entry", fl.entry)
	if err != nil {
		return err
	}
	collateral, err := parse("collateral", fl.collateral)
	if err != nil {
		return err
	}
	price, err := parse("price", fl.price)
	if err != nil {
		return err
	}
	if size <= 0 || entry <= 0 || price <= 0 {
		return fmt.Errorf("size, entry and price must be positive")
	}

	accounts, err := ledger.NewAccounts(cfg.Liquidator.Asset)
	if err != nil {
		return err
	}
	// Assess takes the price directly; the empty feed is never read.
	adapter, err := oracle.NewAdapter(oracle.NewStaticSource(), oracle.DefaultConfig())
	if err != nil {
		return err
	}
	engine, err := core.NewEngine(adapter, params, accounts, zerolog.Nop(), nil)
	if err != nil {
		return err
	}

	pos := state.Position{
		Owner:      uuid.Nil,
		Symbol:     fl.symbol,
		Size:       uint64(size),
		EntryPrice: uint64(entry),
		Collateral: collateral,
		IsLong:     !fl.short,
		Leverage:   fl.leverage,
	}
	a, err := engine.Assess(pos, uint64(price))
	if err != nil {
		return err
	}

	out := evaluation{
		Symbol:         pos.Symbol,
		Side:           "long",
		Price:          fpmath.ToDecimalUint(a.Price, decimals).String(),
		Notional:       fpmath.ToDecimalUint(a.Health.Notional, decimals).String(),
		UnrealizedPnl:  fpmath.ToDecimal(a.Health.UnrealizedPnl, decimals).String(),
		Margin:         fpmath.ToDecimal(a.Health.Margin, decimals).String(),
		RatioBps:       a.Health.RatioBps,
		MaintenanceBps: a.Health.MaintenanceBps,
		Status:         a.Health.Status(pos.Size).String(),
		Action:         a.Action.String(),
	}
	if fl.short {
		out.Side = "short"
	}
	if a.Post != nil {
		ratio := a.Post.RatioBps
		out.PostRatioBps = &ratio
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
