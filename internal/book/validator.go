package book

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// Validator runs the microstructure checks that gate every entry. Checks run
// in a fixed order and the first failure wins, so a rejection always names
// the most fundamental problem.
type Validator struct {
	cache  *Cache
	cfg    config.ValidatorConfig
	logger *slog.Logger
}

func NewValidator(cache *Cache, cfg config.ValidatorConfig, logger *slog.Logger) *Validator {
	return &Validator{
		cache:  cache,
		cfg:    cfg,
		logger: logger.With("component", "validator"),
	}
}

// Check vets an intended entry against the live book. Order of verdicts:
// usable book, spread, depth on the filling side, book imbalance, then
// structure score. A nil return means the entry may proceed.
func (v *Validator) Check(symbol string, side types.OrderSide, size decimal.Decimal, regime types.RegimeVector) error {
	if err := v.cache.Validate(symbol); err != nil {
		return err
	}

	sum, err := v.cache.Summary(symbol)
	if err != nil {
		return err
	}

	if sum.SpreadPct > v.cfg.MaxSpreadPct {
		return fmt.Errorf("spread %.4f%% exceeds %.4f%%: %w",
			sum.SpreadPct, v.cfg.MaxSpreadPct, types.ErrWideSpread)
	}

	// Liquidity must sit on the side that would fill us: asks for a BUY,
	// bids for a SELL.
	available := sum.BestAskQty
	if side == types.SELL {
		available = sum.BestBidQty
	}
	required := size.Mul(decimal.NewFromFloat(v.cfg.MinDepthMult))
	if available.LessThan(required) {
		return fmt.Errorf("top-of-book %s for %s short of %s: %w",
			available, size, required, types.ErrInsufficientDepth)
	}

	if !sum.OBIValid {
		return fmt.Errorf("book one-sided, imbalance undefined: %w", types.ErrOBIAdverse)
	}
	switch side {
	case types.BUY:
		if sum.OBI < v.cfg.OBIBuyThreshold {
			return fmt.Errorf("imbalance %.3f below buy threshold %.3f: %w",
				sum.OBI, v.cfg.OBIBuyThreshold, types.ErrOBIAdverse)
		}
	case types.SELL:
		sellMax := 1 / v.cfg.OBIBuyThreshold
		if sum.OBI > sellMax {
			return fmt.Errorf("imbalance %.3f above sell ceiling %.3f: %w",
				sum.OBI, sellMax, types.ErrOBIAdverse)
		}
	}

	if regime.StructureScore < v.cfg.MinStructure {
		return fmt.Errorf("structure score %.1f below %.1f: %w",
			regime.StructureScore, v.cfg.MinStructure, types.ErrWeakStructure)
	}

	return nil
}
