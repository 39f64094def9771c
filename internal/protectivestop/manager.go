// Package protectivestop maintains exactly one venue-side close-position
// conditional stop per non-flat (instrument, side), tightening it as the
// liquidation price moves and yielding to any externally placed close-stop.
//
// Reconciliation for one symbol interleaves several venue round-trips, so
// it is serialized by a lazily created per-symbol mutex; each cycle first
// classifies the open orders by ownership, then reconciles side by side.
package protectivestop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"reduceagent/internal/exchange"
	"reduceagent/internal/metrics"
	"reduceagent/internal/roundutil"
	"reduceagent/pkg/types"
)

// SymbolConfig controls protective-stop behavior for one instrument.
type SymbolConfig struct {
	Enabled    bool
	DistToLiq  decimal.Decimal
	TickSize   decimal.Decimal
}

type sideKey struct {
	symbol string
	side   types.PositionSide
}

// Manager reconciles protective stops across instruments. All mutable state
// is keyed by (symbol, side) and guarded by per-symbol locks so that the
// multiple venue round-trips of one reconciliation cycle stay atomic with
// respect to other cycles on the same symbol; different symbols reconcile
// concurrently.
type Manager struct {
	prefix string // process-wide client-order-id prefix

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stateMu sync.Mutex
	state   map[sideKey]types.ProtectiveStopState
	hint    map[sideKey]bool // WS-observed external stop this cycle

	startupLoggedMu sync.Mutex
	startupLogged   map[sideKey]bool
	startupExternal map[sideKey]bool

	configsMu sync.Mutex
	configs   map[string]SymbolConfig

	exchange exchange.Adapter
	logger   *slog.Logger
}

// New creates a Manager. prefix is the fixed process-wide client-order-id
// prefix prepended before the per-symbol encoding.
func New(exch exchange.Adapter, prefix string, logger *slog.Logger) *Manager {
	return &Manager{
		prefix:          prefix,
		locks:           make(map[string]*sync.Mutex),
		state:           make(map[sideKey]types.ProtectiveStopState),
		hint:            make(map[sideKey]bool),
		startupLogged:   make(map[sideKey]bool),
		startupExternal: make(map[sideKey]bool),
		configs:         make(map[string]SymbolConfig),
		exchange:        exch,
		logger:          logger.With("component", "protective_stop"),
	}
}

// ConfigureSymbol sets or replaces the per-instrument protective-stop config.
func (m *Manager) ConfigureSymbol(symbol string, cfg SymbolConfig) {
	m.configsMu.Lock()
	defer m.configsMu.Unlock()
	m.configs[symbol] = cfg
}

func (m *Manager) configFor(symbol string) SymbolConfig {
	m.configsMu.Lock()
	defer m.configsMu.Unlock()
	return m.configs[symbol]
}

func (m *Manager) getLock(symbol string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

func (m *Manager) prefixFor(symbol string, side types.PositionSide) string {
	code := byte('L')
	if side == types.PositionShort {
		code = 'S'
	}
	return roundutil.BuildClientOrderIDPrefix(m.prefix, symbol, code)
}

// computeStopPrice implements the formula: Long raw = liq/(1-dist), rounded
// up to tick; Short raw = liq/(1+dist), rounded down to tick.
func computeStopPrice(side types.PositionSide, liq, distToLiq, tick decimal.Decimal) (decimal.Decimal, error) {
	if !liq.IsPositive() {
		return decimal.Zero, fmt.Errorf("liquidation price must be positive")
	}
	if distToLiq.LessThanOrEqual(decimal.Zero) || distToLiq.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("dist_to_liq must be in (0,1)")
	}

	if side == types.PositionLong {
		raw := liq.Div(decimal.NewFromInt(1).Sub(distToLiq))
		return roundutil.CeilToStep(raw, tick), nil
	}
	raw := liq.Div(decimal.NewFromInt(1).Add(distToLiq))
	return roundutil.FloorToStep(raw, tick), nil
}

// OnOrderUpdate clears locally tracked state for a side whose owned regular
// order reached a terminal status, so the next reconciliation re-places it
// if still needed.
func (m *Manager) OnOrderUpdate(symbol string, evt types.OrderUpdateEvent) {
	if !evt.Status.IsTerminal() {
		return
	}
	m.clearIfOwned(symbol, evt.ClientOrderID)
}

// OnAlgoUpdate is the algo-order equivalent of OnOrderUpdate.
func (m *Manager) OnAlgoUpdate(symbol string, evt types.AlgoUpdateEvent) {
	if evt.ClosePosition {
		m.markExternalHint(symbol, evt)
	}
	if !evt.Status.IsTerminal() {
		return
	}
	m.clearIfOwned(symbol, evt.ClientAlgoID)
}

func (m *Manager) clearIfOwned(symbol, clientID string) {
	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		prefix := m.prefixFor(symbol, side)
		if roundutil.MatchesPrefix(clientID, prefix) {
			m.stateMu.Lock()
			delete(m.state, sideKey{symbol, side})
			m.stateMu.Unlock()
			return
		}
	}
}

// markExternalHint records that an externally owned close-position stop was
// just observed via the user-data stream, so the next reconciliation cycle
// skips any modification on both sides of the symbol rather than racing the venue's
// would-immediately-trigger rejection.
func (m *Manager) markExternalHint(symbol string, evt types.AlgoUpdateEvent) {
	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		if roundutil.MatchesPrefix(evt.ClientAlgoID, m.prefixFor(symbol, side)) {
			return // ours, not external — no debounce needed
		}
	}

	// The event doesn't carry which side the external stop protects, so
	// conservatively debounce both sides for this symbol for one cycle.
	m.stateMu.Lock()
	m.hint[sideKey{symbol, types.PositionLong}] = true
	m.hint[sideKey{symbol, types.PositionShort}] = true
	m.stateMu.Unlock()
}

func (m *Manager) consumeHint(symbol string, side types.PositionSide) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	k := sideKey{symbol, side}
	had := m.hint[k]
	delete(m.hint, k)
	return had
}

// SyncSymbol reconciles protective stops for one instrument across both
// sides, serialized against any other in-flight reconciliation for the same
// symbol.
func (m *Manager) SyncSymbol(ctx context.Context, symbol string, positions map[types.PositionSide]types.Position) error {
	lock := m.getLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	cfg := m.configFor(symbol)

	regular, err := m.exchange.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	algo, err := m.exchange.FetchOpenAlgoOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch open algo orders: %w", err)
	}
	all := append(append([]types.Order{}, regular...), algo...)

	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		pos := positions[side]
		if err := m.syncSide(ctx, symbol, side, pos, cfg, all); err != nil {
			m.logger.Error("sync side failed", "symbol", symbol, "side", side, "error", err)
		}
	}
	return nil
}

func (m *Manager) syncSide(ctx context.Context, symbol string, side types.PositionSide, pos types.Position, cfg SymbolConfig, orders []types.Order) error {
	key := sideKey{symbol, side}
	prefix := m.prefixFor(symbol, side)

	var owned []types.Order
	var external *types.Order
	for i := range orders {
		o := &orders[i]
		if o.PositionSide != side && o.PositionSide != "" {
			continue
		}
		if roundutil.MatchesPrefix(o.ClientOrderID, prefix) {
			owned = append(owned, *o)
			continue
		}
		if o.IsCloseStop() {
			external = o
		}
	}

	m.logStartupOnce(key, owned, external)

	// Step 3: collapse duplicates, keep the first.
	if len(owned) > 1 {
		for _, dup := range owned[1:] {
			m.cancelOwned(ctx, symbol, dup)
		}
		owned = owned[:1]
	}

	flat := pos.IsFlat()
	if flat || !cfg.Enabled {
		if len(owned) == 1 {
			m.cancelOwned(ctx, symbol, owned[0])
		}
		m.clearState(key)
		return nil
	}

	if external != nil {
		if len(owned) == 1 {
			m.cancelOwned(ctx, symbol, owned[0])
		}
		m.clearState(key)
		return nil
	}

	if m.consumeHint(symbol, side) {
		m.logger.Debug("skip_external_stop_ws_hint", "symbol", symbol, "side", side)
		return nil
	}

	if pos.LiquidationPrice == nil || !pos.LiquidationPrice.IsPositive() {
		m.logger.Debug("skip_missing_liquidation_price", "symbol", symbol, "side", side)
		return nil
	}

	desired, err := computeStopPrice(side, *pos.LiquidationPrice, cfg.DistToLiq, cfg.TickSize)
	if err != nil {
		m.logger.Debug("skip_invalid_stop_price", "symbol", symbol, "side", side, "error", err)
		return nil
	}

	if len(owned) == 0 {
		return m.placeStop(ctx, symbol, side, key, prefix, desired)
	}

	existing := owned[0]
	var existingPrice decimal.Decimal
	if existing.StopPrice != nil {
		existingPrice = *existing.StopPrice
	} else if existing.TriggerPrice != nil {
		existingPrice = *existing.TriggerPrice
	}

	existingNorm := roundutil.NormalizeToStep(existingPrice, cfg.TickSize)
	desiredNorm := roundutil.NormalizeToStep(desired, cfg.TickSize)

	if existingNorm.Equal(desiredNorm) {
		m.storeState(key, types.ProtectiveStopState{
			ClientOrderID: existing.ClientOrderID,
			OrderID:       existing.OrderID,
			StopPrice:     existingNorm,
		})
		return nil
	}

	// Tighten-only: long stops may only rise, short stops may only fall.
	if side == types.PositionLong && desiredNorm.LessThan(existingNorm) {
		m.storeState(key, types.ProtectiveStopState{ClientOrderID: existing.ClientOrderID, OrderID: existing.OrderID, StopPrice: existingNorm})
		return nil
	}
	if side == types.PositionShort && desiredNorm.GreaterThan(existingNorm) {
		m.storeState(key, types.ProtectiveStopState{ClientOrderID: existing.ClientOrderID, OrderID: existing.OrderID, StopPrice: existingNorm})
		return nil
	}

	if !m.cancelOwned(ctx, symbol, existing) {
		return nil // avoid duplicates if cancel failed
	}
	return m.placeStop(ctx, symbol, side, key, prefix, desiredNorm)
}

func (m *Manager) placeStop(ctx context.Context, symbol string, side types.PositionSide, key sideKey, prefix string, stopPrice decimal.Decimal) error {
	orderSide := types.SELL
	if side == types.PositionShort {
		orderSide = types.BUY
	}

	cid := roundutil.BuildClientOrderID(prefix, types.NowMs())
	intent := types.OrderIntent{
		Symbol:        symbol,
		Side:          orderSide,
		PositionSide:  side,
		Qty:           decimal.Zero,
		OrderType:     types.OrderTypeStopMarket,
		StopPrice:     &stopPrice,
		ReduceOnly:    true,
		ClosePosition: true,
		ClientOrderID: cid,
		IsRisk:        true,
	}

	result, err := m.exchange.PlaceOrder(ctx, intent)
	if err != nil {
		return fmt.Errorf("place protective stop: %w", err)
	}
	if !result.Success {
		m.logger.Warn("protective stop rejected", "symbol", symbol, "side", side, "error", result.ErrorMessage)
		return nil
	}

	m.storeState(key, types.ProtectiveStopState{ClientOrderID: cid, OrderID: result.OrderID, StopPrice: stopPrice})
	metrics.IncProtectiveStopPlaced(symbol, string(side))
	metrics.SetProtectiveStopPrice(symbol, string(side), stopPrice.InexactFloat64())
	m.logger.Info("place_or_update", "symbol", symbol, "side", side, "stop_price", stopPrice.String())
	return nil
}

// cancelOwned cancels a known-owned order, routing to the algo cancel path
// when appropriate. Returns false if the cancel failed, signalling the
// caller not to place a replacement.
func (m *Manager) cancelOwned(ctx context.Context, symbol string, o types.Order) bool {
	var result types.OrderResult
	var err error
	if o.IsAlgo {
		result, err = m.exchange.CancelAlgoOrder(ctx, symbol, o.OrderID)
	} else {
		result, err = m.exchange.CancelOrder(ctx, symbol, o.OrderID)
	}
	if err != nil || !result.Success {
		m.logger.Warn("cancel protective stop failed", "symbol", symbol, "order_id", o.OrderID, "error", err)
		return false
	}
	return true
}

func (m *Manager) storeState(key sideKey, s types.ProtectiveStopState) {
	m.stateMu.Lock()
	m.state[key] = s
	m.stateMu.Unlock()
}

func (m *Manager) clearState(key sideKey) {
	m.stateMu.Lock()
	delete(m.state, key)
	m.stateMu.Unlock()
}

// State returns the locally tracked protective-stop state for a side, if
// any.
func (m *Manager) State(symbol string, side types.PositionSide) (types.ProtectiveStopState, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	s, ok := m.state[sideKey{symbol, side}]
	return s, ok
}

func (m *Manager) logStartupOnce(key sideKey, owned []types.Order, external *types.Order) {
	m.startupLoggedMu.Lock()
	defer m.startupLoggedMu.Unlock()

	if len(owned) > 0 && !m.startupLogged[key] {
		m.startupLogged[key] = true
		m.logger.Info("found existing owned protective stop on startup", "symbol", key.symbol, "side", key.side)
	}
	if external != nil && !m.startupExternal[key] {
		m.startupExternal[key] = true
		m.logger.Info("found existing external close-position stop on startup", "symbol", key.symbol, "side", key.side)
	}
}
