// Package signal implements the per-instrument microstructure state machine
// that watches top-of-book and trade-by-trade data and emits exit signals
// with contextual multipliers.
//
// Engine is a pure function of market state, position, and time: it performs
// no I/O and owns no goroutines. The agent package feeds it stream events
// and asks it to evaluate on each update.
package signal

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"reduceagent/pkg/types"
)

// Tier is a (threshold, mult) pair for the acceleration and ROI tier
// ladders. Tiers are expected sorted ascending by Threshold.
type Tier struct {
	Threshold decimal.Decimal
	Mult      decimal.Decimal
}

// SymbolConfig holds the per-symbol thresholds that differ from package
// defaults.
type SymbolConfig struct {
	AccelWindowMs int64
	AccelTiers    []Tier // sorted ascending by Threshold
	ROITiers      []Tier // sorted ascending by Threshold
}

type symbolState struct {
	market types.MarketState
	trades []types.TradeTick // ascending by timestamp, bounded by accel window

	// Both maps are keyed by position side: the two sides of an instrument
	// throttle and de-duplicate log output independently.
	lastSignalMs map[types.PositionSide]int64
	lastLogged   map[types.PositionSide]string // "(reason, bid, ask, last)" signature
}

// Engine is the Signal Engine. One instance is shared across all
// instruments; internal state is guarded by a mutex so every exported method
// is safe to call from any goroutine (the agent feeds market data and runs
// evaluation from its market-event dispatcher).
type Engine struct {
	mu sync.Mutex

	minSignalIntervalMs int64
	defaultAccelWindow  int64
	defaultAccelTiers   []Tier
	defaultROITiers     []Tier

	symbols map[string]*symbolState
	configs map[string]SymbolConfig

	logger *slog.Logger
}

// New creates a Signal Engine with the package-wide default throttle
// interval and tier ladders.
func New(minSignalIntervalMs int64, defaultAccelWindowMs int64, defaultAccelTiers, defaultROITiers []Tier, logger *slog.Logger) *Engine {
	return &Engine{
		minSignalIntervalMs: minSignalIntervalMs,
		defaultAccelWindow:  defaultAccelWindowMs,
		defaultAccelTiers:   sortedTiers(defaultAccelTiers),
		defaultROITiers:     sortedTiers(defaultROITiers),
		symbols:             make(map[string]*symbolState),
		configs:             make(map[string]SymbolConfig),
		logger:              logger.With("component", "signal_engine"),
	}
}

func sortedTiers(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Threshold.LessThan(out[j-1].Threshold); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ConfigureSymbol installs a per-symbol override. Tiers are sorted ascending
// by threshold on entry, resolving the open question of tier ordering once
// at configuration time rather than on every evaluation.
func (e *Engine) ConfigureSymbol(symbol string, cfg SymbolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg.AccelTiers = sortedTiers(cfg.AccelTiers)
	cfg.ROITiers = sortedTiers(cfg.ROITiers)
	e.configs[symbol] = cfg
}

func (e *Engine) stateFor(symbol string) *symbolState {
	s, ok := e.symbols[symbol]
	if !ok {
		s = &symbolState{
			lastSignalMs: make(map[types.PositionSide]int64),
			lastLogged:   make(map[types.PositionSide]string),
		}
		e.symbols[symbol] = s
	}
	return s
}

func (e *Engine) accelWindowFor(symbol string) int64 {
	if c, ok := e.configs[symbol]; ok && c.AccelWindowMs > 0 {
		return c.AccelWindowMs
	}
	return e.defaultAccelWindow
}

func (e *Engine) accelTiersFor(symbol string) []Tier {
	if c, ok := e.configs[symbol]; ok && len(c.AccelTiers) > 0 {
		return c.AccelTiers
	}
	return e.defaultAccelTiers
}

func (e *Engine) roiTiersFor(symbol string) []Tier {
	if c, ok := e.configs[symbol]; ok && len(c.ROITiers) > 0 {
		return c.ROITiers
	}
	return e.defaultROITiers
}

// UpdateBookTicker applies a book-top update to the instrument's market
// state.
func (e *Engine) UpdateBookTicker(symbol string, bid, ask decimal.Decimal, tsMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stateFor(symbol)
	s.market.ApplyBookTicker(bid, ask, tsMs)
}

// UpdateTrade applies an aggregated-trade update: it shifts last-trade into
// previous-trade and appends to the bounded acceleration window, evicting
// ticks older than now-window.
func (e *Engine) UpdateTrade(symbol string, price decimal.Decimal, tsMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stateFor(symbol)
	s.market.ApplyTrade(price, tsMs)

	s.trades = append(s.trades, types.TradeTick{TimestampMs: tsMs, Price: price})
	s.trades = evictOlderThan(s.trades, tsMs-e.accelWindowFor(symbol))
}

func evictOlderThan(trades []types.TradeTick, cutoff int64) []types.TradeTick {
	i := 0
	for i < len(trades) && trades[i].TimestampMs < cutoff {
		i++
	}
	if i == 0 {
		return trades
	}
	return trades[i:]
}

// IsDataReady reports whether the instrument has enough data to evaluate.
func (e *Engine) IsDataReady(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.symbols[symbol]
	if !ok {
		return false
	}
	return s.market.IsReady()
}

// MarketState returns a copy of the current market state for diagnostics.
func (e *Engine) MarketState(symbol string) (types.MarketState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.symbols[symbol]
	if !ok {
		return types.MarketState{}, false
	}
	return s.market, true
}

// ResetThrottle clears the throttle timer for (symbol, side), an operational
// escape hatch for manual intervention.
func (e *Engine) ResetThrottle(symbol string, side types.PositionSide) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.symbols[symbol]
	if !ok {
		return
	}
	delete(s.lastSignalMs, side)
}

// ClearState drops all tracked state for a symbol, as on an explicit reset.
func (e *Engine) ClearState(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.symbols, symbol)
}

// Evaluate evaluates the exit conditions for (symbol, side) against the
// given position, subject to throttling. Returns nil if no signal fires.
func (e *Engine) Evaluate(symbol string, side types.PositionSide, pos types.Position, nowMs int64) *types.ExitSignal {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.symbols[symbol]
	if !ok || !s.market.IsReady() {
		return nil
	}
	if pos.IsFlat() {
		return nil
	}
	if e.isThrottled(s, side, nowMs) {
		return nil
	}

	var reason types.SignalReason
	var matched bool
	switch side {
	case types.PositionLong:
		reason, matched = checkLongExit(s.market)
	case types.PositionShort:
		reason, matched = checkShortExit(s.market)
	}
	if !matched {
		return nil
	}

	accelMult, ret := e.computeAccelMult(s, symbol, side, nowMs)
	roi := computeROI(pos)
	roiMult := selectROIMult(e.roiTiersFor(symbol), roi, side)

	sig := &types.ExitSignal{
		CorrelationID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Reason:        reason,
		TimestampMs:   nowMs,
		BestBid:       s.market.BestBid,
		BestAsk:       s.market.BestAsk,
		LastTrade:     s.market.LastTradePrice,
		ROIMult:       roiMult,
		AccelMult:     accelMult,
		ROI:           roi,
		RetWindow:     ret,
	}

	s.lastSignalMs[side] = nowMs
	e.logSignal(s, sig)

	return sig
}

func (e *Engine) isThrottled(s *symbolState, side types.PositionSide, nowMs int64) bool {
	last, ok := s.lastSignalMs[side]
	if !ok {
		return false
	}
	return nowMs-last < e.minSignalIntervalMs
}

// checkLongExit implements: long_primary iff last > prev AND bid >= last;
// long_bid_improve iff not primary AND bid >= last AND bid > prev. Primary
// dominates improve.
func checkLongExit(m types.MarketState) (types.SignalReason, bool) {
	last, prev, bid := m.LastTradePrice, m.PreviousTradePrice, m.BestBid

	if last.GreaterThan(prev) && bid.GreaterThanOrEqual(last) {
		return types.ReasonLongPrimary, true
	}
	if bid.GreaterThanOrEqual(last) && bid.GreaterThan(prev) {
		return types.ReasonLongBidImprove, true
	}
	return "", false
}

// checkShortExit implements the symmetric short-side conditions.
func checkShortExit(m types.MarketState) (types.SignalReason, bool) {
	last, prev, ask := m.LastTradePrice, m.PreviousTradePrice, m.BestAsk

	if last.LessThan(prev) && ask.LessThanOrEqual(last) {
		return types.ReasonShortPrimary, true
	}
	if ask.LessThanOrEqual(last) && ask.LessThan(prev) {
		return types.ReasonShortAskImprove, true
	}
	return "", false
}

// computeAccelMult computes ret = last/earliest_in_window - 1 and selects
// the acceleration multiplier from the configured tiers.
func (e *Engine) computeAccelMult(s *symbolState, symbol string, side types.PositionSide, nowMs int64) (decimal.Decimal, decimal.Decimal) {
	if len(s.trades) == 0 {
		return decimal.NewFromInt(1), decimal.Zero
	}

	windowPrice := s.trades[0].Price
	if windowPrice.IsZero() {
		return decimal.NewFromInt(1), decimal.Zero
	}

	ret := s.market.LastTradePrice.Div(windowPrice).Sub(decimal.NewFromInt(1))
	tiers := e.accelTiersFor(symbol)

	best := decimal.NewFromInt(1)
	for _, t := range tiers {
		matched := false
		switch side {
		case types.PositionLong:
			matched = ret.GreaterThanOrEqual(t.Threshold)
		case types.PositionShort:
			matched = ret.LessThanOrEqual(t.Threshold.Neg())
		}
		if matched && t.Mult.GreaterThan(best) {
			best = t.Mult
		}
	}
	return best, ret
}

// computeROI computes roi = unrealized_pnl / (|position_amt| * entry_price / leverage).
func computeROI(pos types.Position) decimal.Decimal {
	if pos.Leverage.IsZero() || pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	margin := pos.AbsAmt().Mul(pos.EntryPrice).Div(pos.Leverage)
	if margin.IsZero() {
		return decimal.Zero
	}
	return pos.UnrealizedPnL.Div(margin)
}

// selectROIMult chooses the highest mult whose threshold <= roi, or 1 if
// none match. Side is unused today (ROI is computed symmetrically) but kept
// for symmetry with computeAccelMult, which does use the side.
func selectROIMult(tiers []Tier, roi decimal.Decimal, _ types.PositionSide) decimal.Decimal {
	best := decimal.NewFromInt(1)
	for _, t := range tiers {
		if roi.GreaterThanOrEqual(t.Threshold) && t.Mult.GreaterThan(best) {
			best = t.Mult
		}
	}
	return best
}

func (e *Engine) logSignal(s *symbolState, sig *types.ExitSignal) {
	sigKey := string(sig.Reason) + "|" + sig.BestBid.String() + "|" + sig.BestAsk.String() + "|" + sig.LastTrade.String()
	if sigKey == s.lastLogged[sig.Side] {
		return
	}
	s.lastLogged[sig.Side] = sigKey

	e.logger.Info("exit signal",
		"correlation_id", sig.CorrelationID,
		"symbol", sig.Symbol,
		"side", sig.Side,
		"reason", sig.Reason,
		"bid", sig.BestBid,
		"ask", sig.BestAsk,
		"last_trade", sig.LastTrade,
		"roi_mult", sig.ROIMult,
		"accel_mult", sig.AccelMult,
	)
}
