// pricing.go implements order sizing and maker/aggressive pricing as pure
// functions over shopspring/decimal values: no I/O, no clock, every result
// quantized to the venue's tick/step.
package execution

import (
	"github.com/shopspring/decimal"

	"reduceagent/internal/roundutil"
	"reduceagent/pkg/types"
)

// MakerPriceMode selects how the maker price is derived from the touch.
type MakerPriceMode string

const (
	ModeAtTouch           MakerPriceMode = "at_touch"
	ModeInsideSpread1Tick MakerPriceMode = "inside_spread_1tick"
	ModeCustomTicks       MakerPriceMode = "custom_ticks"
)

// PriceConfig is the resolved set of pricing knobs for one (instrument,
// side), after config.Merge has applied per-symbol overrides.
type PriceConfig struct {
	Mode                MakerPriceMode
	NTicks              int
	SafetyTicks         int
	AggressiveSlipTicks int
}

// SizeConfig is the resolved set of sizing knobs for one (instrument, side).
type SizeConfig struct {
	BaseLotMult      decimal.Decimal
	MaxMult          decimal.Decimal
	MaxOrderNotional decimal.Decimal
}

// computeQty runs the order-sizing ladder: nominal base qty, effective
// multiplier capped at MaxMult, clamp to the absolute position, notional
// cap shrink, floor to step, then min_qty/min_notional admission. Returns
// ErrNoOrderSizable if no qty satisfies both floors without overselling.
func computeQty(sig *types.ExitSignal, posAmt decimal.Decimal, rules types.InstrumentRules, sizeCfg SizeConfig, referencePrice decimal.Decimal) (decimal.Decimal, error) {
	q0 := sizeCfg.BaseLotMult.Mul(rules.StepSize)

	mult := sig.ROIMult.Mul(sig.AccelMult)
	if sizeCfg.MaxMult.IsPositive() && mult.GreaterThan(sizeCfg.MaxMult) {
		mult = sizeCfg.MaxMult
	}

	qty := q0.Mul(mult)

	absPos := posAmt.Abs()
	if qty.GreaterThan(absPos) {
		qty = absPos
	}

	if sizeCfg.MaxOrderNotional.IsPositive() && referencePrice.IsPositive() {
		notional := qty.Mul(referencePrice)
		if notional.GreaterThan(sizeCfg.MaxOrderNotional) {
			maxQty := sizeCfg.MaxOrderNotional.Div(referencePrice)
			qty = roundutil.FloorToStep(maxQty, rules.StepSize)
		}
	}

	qty = roundutil.FloorToStep(qty, rules.StepSize)

	if qty.LessThan(rules.MinQty) {
		return decimal.Zero, ErrNoOrderSizable
	}
	if referencePrice.IsPositive() && qty.Mul(referencePrice).LessThan(rules.MinNotional) {
		return decimal.Zero, ErrNoOrderSizable
	}
	if qty.GreaterThan(absPos) || qty.IsZero() {
		return decimal.Zero, ErrNoOrderSizable
	}

	return qty, nil
}

// computeMakerPrice derives the resting price from the touch per the
// configured mode plus the maker_safety_ticks conservative offset, rounds
// toward the side-specific safe tick direction, and rejects a price that
// would cross the opposite book so the caller re-plans instead of sending
// a crossing post-only order.
func computeMakerPrice(side types.PositionSide, bid, ask, tick decimal.Decimal, cfg PriceConfig) (decimal.Decimal, error) {
	tickD := func(n int) decimal.Decimal { return tick.Mul(decimal.NewFromInt(int64(n))) }

	var raw decimal.Decimal
	switch side {
	case types.PositionLong: // reduce order is SELL
		switch cfg.Mode {
		case ModeAtTouch:
			raw = bid
		case ModeCustomTicks:
			raw = bid.Add(tickD(cfg.NTicks))
		default: // inside_spread_1tick
			raw = bid.Add(tick)
			if cap := ask.Sub(tick); raw.GreaterThan(cap) {
				raw = cap
			}
		}
		raw = raw.Add(tickD(cfg.SafetyTicks))
		price := roundutil.FloorToStep(raw, tick)
		if price.LessThanOrEqual(bid) {
			return decimal.Zero, ErrPriceWouldCross
		}
		return price, nil

	default: // PositionShort: reduce order is BUY
		switch cfg.Mode {
		case ModeAtTouch:
			raw = ask
		case ModeCustomTicks:
			raw = ask.Sub(tickD(cfg.NTicks))
		default: // inside_spread_1tick
			raw = ask.Sub(tick)
			if floor := bid.Add(tick); raw.LessThan(floor) {
				raw = floor
			}
		}
		raw = raw.Sub(tickD(cfg.SafetyTicks))
		price := roundutil.CeilToStep(raw, tick)
		if price.GreaterThanOrEqual(ask) {
			return decimal.Zero, ErrPriceWouldCross
		}
		return price, nil
	}
}

// computeAggressivePrice prices the aggressive (IOC-limit equivalent to
// market) path: long reduce SELLs at the bid minus a slip allowance, short
// reduce BUYs at the ask plus a slip allowance.
func computeAggressivePrice(side types.PositionSide, bid, ask, tick decimal.Decimal, slipTicks int) decimal.Decimal {
	slip := tick.Mul(decimal.NewFromInt(int64(slipTicks)))
	if side == types.PositionLong {
		return roundutil.FloorToStep(bid.Sub(slip), tick)
	}
	return roundutil.CeilToStep(ask.Add(slip), tick)
}

// reduceOrderSide returns the venue-level BUY/SELL direction for a reduce
// order against the given position side (long positions are reduced by
// selling, short positions by buying).
func reduceOrderSide(side types.PositionSide) types.Side {
	if side == types.PositionLong {
		return types.SELL
	}
	return types.BUY
}
