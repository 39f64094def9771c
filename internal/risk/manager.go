// Package risk implements the risk and rate control subsystem: a
// liquidation-distance guard plus the account-wide order/cancel admission
// buckets the execution engine consults before every venue call.
//
// Manager is a small struct wrapping mutex-protected aggregate state,
// queried synchronously by other components rather than driven by its own
// ticker loop: the risk check runs inline on every position refresh, not on
// a fixed cadence.
package risk

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"reduceagent/internal/metrics"
	"reduceagent/internal/ratelimit"
	"reduceagent/pkg/types"
)

// Manager evaluates liquidation distance and owns the account-wide
// admission buckets.
type Manager struct {
	mu sync.RWMutex

	liqDistanceThreshold decimal.Decimal
	buckets              *ratelimit.Buckets

	flags map[string]types.RiskFlag // keyed by symbol|side, most recent flag wins

	logger *slog.Logger
}

// New creates a Risk Manager with the configured liquidation-distance
// threshold and order/cancel rate caps.
func New(liqDistanceThreshold decimal.Decimal, maxOrdersPerSec, maxCancelsPerSec int, logger *slog.Logger) *Manager {
	return &Manager{
		liqDistanceThreshold: liqDistanceThreshold,
		buckets:              ratelimit.NewBuckets(maxOrdersPerSec, maxCancelsPerSec),
		flags:                make(map[string]types.RiskFlag),
		logger:               logger.With("component", "risk_manager"),
	}
}

// AdmitOrder consults the order sliding-window bucket. False means the
// caller must treat this as an admission failure and return to IDLE.
func (m *Manager) AdmitOrder(nowMs int64) bool {
	return m.buckets.Orders.TryAcquire(nowMs)
}

// AdmitCancel consults the cancel sliding-window bucket.
func (m *Manager) AdmitCancel(nowMs int64) bool {
	return m.buckets.Cancels.TryAcquire(nowMs)
}

// CheckLiquidationDistance evaluates dist_to_liq = |mark - liq| / mark for a
// position and records the outcome. A breach or missing-data condition never
// blocks trading; the last recorded flag is readable through HasBreach and
// MissingData.
func (m *Manager) CheckLiquidationDistance(symbol string, side types.PositionSide, pos types.Position, nowMs int64) []types.RiskFlag {
	var flags []types.RiskFlag

	if pos.MarkPrice == nil {
		flags = append(flags, types.RiskFlag{Symbol: symbol, Side: side, Reason: "missing_mark_price", TimestampMs: nowMs})
	}
	if pos.LiquidationPrice == nil {
		flags = append(flags, types.RiskFlag{Symbol: symbol, Side: side, Reason: "missing_liquidation_price", TimestampMs: nowMs})
	}

	if pos.MarkPrice != nil && pos.LiquidationPrice != nil && !pos.MarkPrice.IsZero() {
		dist := pos.MarkPrice.Sub(*pos.LiquidationPrice).Abs().Div(*pos.MarkPrice)
		metrics.SetLiqDistance(symbol, string(side), dist.InexactFloat64())
		if dist.LessThan(m.liqDistanceThreshold) {
			flags = append(flags, types.RiskFlag{Symbol: symbol, Side: side, Reason: "liq_distance_breach", TimestampMs: nowMs})
			m.logger.Warn("liquidation distance breach",
				"symbol", symbol, "side", side, "dist_to_liq", dist, "threshold", m.liqDistanceThreshold)
		}
	}

	for _, f := range flags {
		metrics.IncRiskFlag(symbol, string(side), f.Reason)
	}

	key := symbol + "|" + string(side)
	m.mu.Lock()
	if len(flags) > 0 {
		m.flags[key] = flags[len(flags)-1]
	} else {
		delete(m.flags, key)
	}
	m.mu.Unlock()

	return flags
}

// HasBreach reports whether the last liquidation-distance check for
// (symbol, side) raised liq_distance_breach.
func (m *Manager) HasBreach(symbol string, side types.PositionSide) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flags[symbol+"|"+string(side)]
	return ok && f.Reason == "liq_distance_breach"
}

// MissingData reports whether mark or liquidation price is currently
// missing for (symbol, side). The Protective-Stop Manager does not consult
// it; it skips placement on a missing liquidation price by reading the
// position itself.
func (m *Manager) MissingData(symbol string, side types.PositionSide) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flags[symbol+"|"+string(side)]
	return ok && (f.Reason == "missing_mark_price" || f.Reason == "missing_liquidation_price")
}
