// Package agent is the orchestrator of the reduce-only execution agent.
//
// It wires together all subsystems:
//
//  1. The exchange adapter (Binance USDT-M futures, hedge mode) plus the
//     market and user-data WebSocket feeds.
//  2. The Signal Engine, fed book-top and trade events per instrument.
//  3. The Execution Engine, one runner goroutine per (instrument, side).
//  4. The Risk Manager's admission buckets and liquidation-distance checks,
//     driven by a periodic position refresh.
//  5. The Protective-Stop Manager, reconciled on a fixed cycle.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop(). All mutable
// cross-subsystem state flows through the position snapshot store; the
// agent itself only owns goroutines and routing.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"reduceagent/internal/config"
	"reduceagent/internal/exchange"
	"reduceagent/internal/exchange/binancefutures"
	"reduceagent/internal/exchange/stream"
	"reduceagent/internal/execution"
	"reduceagent/internal/metrics"
	"reduceagent/internal/protectivestop"
	"reduceagent/internal/risk"
	"reduceagent/internal/signal"
	"reduceagent/internal/store"
	"reduceagent/pkg/types"
)

// stopClientPrefixRoot is the process-wide client-order-id root for
// protective stops, distinct from the execution engine's reduce-order root
// so neither subsystem claims the other's orders when scanning by prefix.
const stopClientPrefixRoot = "raps"

const (
	positionRefreshInterval = 5 * time.Second
	stopSyncInterval        = 5 * time.Second
)

// Agent owns the lifecycle of every long-running goroutine and routes
// stream events to the subsystem that consumes them.
type Agent struct {
	cfg    *config.Config
	merged map[string]config.InstrumentConfig

	adapter   exchange.Adapter
	mktFeed   *stream.Feed
	usrFeed   *stream.Feed
	signals   *signal.Engine
	execEng   *execution.Engine
	riskMgr   *risk.Manager
	stops     *protectivestop.Manager
	positions *store.Store
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all agent components. No venue calls are made until
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	merged := cfg.ResolveInstruments()

	var adapter exchange.Adapter = binancefutures.New(
		cfg.Venue.APIKey, cfg.Venue.APISecret, cfg.Venue.AlgoBaseURL, logger)
	if cfg.DryRun {
		adapter = newDryRunAdapter(adapter, logger)
	}

	policy := stream.ReconnectPolicy{
		InitialDelay: time.Duration(cfg.Venue.ReconnectInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Venue.ReconnectMaxDelayMs) * time.Millisecond,
		Multiplier:   cfg.Venue.ReconnectMultiplier,
	}

	liqThreshold, err := decimal.NewFromString(cfg.Defaults.LiqDistanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("parse liq_distance_threshold: %w", err)
	}

	accelTiers, err := parseTiers(cfg.Defaults.AccelTiers)
	if err != nil {
		return nil, fmt.Errorf("parse default accel_tiers: %w", err)
	}
	roiTiers, err := parseTiers(cfg.Defaults.ROITiers)
	if err != nil {
		return nil, fmt.Errorf("parse default roi_tiers: %w", err)
	}

	riskMgr := risk.New(liqThreshold, cfg.Defaults.MaxOrdersPerSec, cfg.Defaults.MaxCancelsPerSec, logger)
	positions := store.New()

	return &Agent{
		cfg:       cfg,
		merged:    merged,
		adapter:   adapter,
		mktFeed:   stream.NewMarketFeed(cfg.Venue.WSMarketURL, policy, logger),
		usrFeed:   stream.NewUserFeed(cfg.Venue.WSUserURL, policy, logger),
		signals:   signal.New(cfg.Defaults.MinSignalIntervalMs, cfg.Defaults.AccelWindowMs, accelTiers, roiTiers, logger),
		execEng:   execution.New(adapter, riskMgr, positions, logger),
		riskMgr:   riskMgr,
		stops:     protectivestop.New(adapter, stopClientPrefixRoot, logger),
		positions: positions,
		logger:    logger.With("component", "agent"),
	}, nil
}

// Start performs the startup reconciliation (symbol rules, positions, open
// orders) and launches all background goroutines. Returns an error if the
// venue cannot be reached for the initial state rebuild.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	for sym, ic := range a.merged {
		if err := a.configureInstrument(a.ctx, sym, ic); err != nil {
			return fmt.Errorf("configure %s: %w", sym, err)
		}
	}

	if err := a.refreshPositions(a.ctx); err != nil {
		return fmt.Errorf("initial position fetch: %w", err)
	}
	if err := a.adoptOpenOrders(a.ctx); err != nil {
		return fmt.Errorf("startup open-order reconciliation: %w", err)
	}
	for sym := range a.merged {
		if err := a.stops.SyncSymbol(a.ctx, sym, a.positions.BySymbol(sym)); err != nil {
			a.logger.Error("startup protective-stop sync failed", "symbol", sym, "error", err)
		}
	}

	a.execEng.Start(a.ctx)

	a.spawn(func() {
		if err := a.mktFeed.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("market feed error", "error", err)
		}
	})
	a.spawn(func() {
		if err := a.usrFeed.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("user feed error", "error", err)
		}
	})
	a.spawn(a.dispatchMarketEvents)
	a.spawn(a.dispatchUserEvents)
	a.spawn(a.refreshLoop)
	a.spawn(a.stopSyncLoop)

	a.logger.Info("agent started", "symbols", len(a.merged), "dry_run", a.cfg.DryRun)
	return nil
}

// Stop cancels all goroutines, lets the runners cancel their own working
// orders, tears down the stream connections, and waits for everything to
// exit.
func (a *Agent) Stop() {
	a.logger.Info("shutting down...")
	a.cancel()
	a.execEng.Stop()
	a.mktFeed.Close()
	a.usrFeed.Close()
	a.wg.Wait()
	a.logger.Info("shutdown complete")
}

func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// configureInstrument fetches the venue's symbol rules and registers the
// symbol with every subsystem that keys on it.
func (a *Agent) configureInstrument(ctx context.Context, sym string, ic config.InstrumentConfig) error {
	rules, err := a.adapter.FetchSymbolRules(ctx, sym)
	if err != nil {
		return fmt.Errorf("fetch symbol rules: %w", err)
	}

	rcfg, err := execution.ResolveRunnerConfig(ic, rules)
	if err != nil {
		return err
	}
	a.execEng.AddInstrument(sym, rcfg)

	accelTiers, err := parseTiers(ic.AccelTiers)
	if err != nil {
		return fmt.Errorf("parse accel_tiers: %w", err)
	}
	roiTiers, err := parseTiers(ic.ROITiers)
	if err != nil {
		return fmt.Errorf("parse roi_tiers: %w", err)
	}
	a.signals.ConfigureSymbol(sym, signal.SymbolConfig{
		AccelWindowMs: ic.AccelWindowMs,
		AccelTiers:    accelTiers,
		ROITiers:      roiTiers,
	})

	dist, err := decimal.NewFromString(ic.ProtectiveStopDistToLiq)
	if err != nil {
		return fmt.Errorf("parse protective_stop_dist_to_liq: %w", err)
	}
	a.stops.ConfigureSymbol(sym, protectivestop.SymbolConfig{
		Enabled:   ic.ProtectiveStopEnabled,
		DistToLiq: dist,
		TickSize:  rules.TickSize,
	})

	a.logger.Info("instrument configured",
		"symbol", sym,
		"tick", rules.TickSize.String(),
		"step", rules.StepSize.String(),
		"protective_stop", ic.ProtectiveStopEnabled,
	)
	return nil
}

// adoptOpenOrders seeds each runner's working-order state from the venue's
// open orders, so a restart never violates at-most-one-working by placing a
// second order alongside a surviving one.
func (a *Agent) adoptOpenOrders(ctx context.Context) error {
	for sym := range a.merged {
		open, err := a.adapter.FetchOpenOrders(ctx, sym)
		if err != nil {
			return fmt.Errorf("fetch open orders %s: %w", sym, err)
		}
		for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
			if r, ok := a.execEng.Runner(sym, side); ok {
				r.Reconcile(open)
			}
		}
	}
	return nil
}

// dispatchMarketEvents feeds the signal engine and evaluates exit
// conditions after every market event, preserving per-instrument arrival
// order.
func (a *Agent) dispatchMarketEvents() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case evt := <-a.mktFeed.BookTickerEvents():
			a.signals.UpdateBookTicker(evt.Symbol, evt.Bid, evt.Ask, evt.TsMs)
			a.evaluate(evt.Symbol)
		case evt := <-a.mktFeed.TradeEvents():
			a.signals.UpdateTrade(evt.Symbol, evt.Price, evt.TsMs)
			a.evaluate(evt.Symbol)
		}
	}
}

// evaluate runs the exit conditions for both sides of a symbol and
// dispatches any resulting signal to the owning runner.
func (a *Agent) evaluate(symbol string) {
	ic, ok := a.merged[symbol]
	if !ok {
		return // event for a symbol we aren't configured to trade
	}

	nowMs := types.NowMs()
	if ic.StaleDataMs > 0 {
		if ms, ok := a.signals.MarketState(symbol); ok && nowMs-ms.LastUpdateMs > ic.StaleDataMs {
			return
		}
	}

	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		pos, ok := a.positions.Get(symbol, side)
		if !ok {
			continue
		}
		sig := a.signals.Evaluate(symbol, side, pos, nowMs)
		if sig == nil {
			continue
		}
		metrics.IncSignal(symbol, string(side), string(sig.Reason))
		a.execEng.Dispatch(*sig)
	}
}

// dispatchUserEvents routes order and algo updates to the execution
// runners and the protective-stop manager, preserving per-(instrument,
// side) arrival order.
func (a *Agent) dispatchUserEvents() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case evt := <-a.usrFeed.OrderEvents():
			a.execEng.OnOrderUpdate(evt)
			a.stops.OnOrderUpdate(evt.Symbol, evt)
		case evt := <-a.usrFeed.AlgoEvents():
			a.stops.OnAlgoUpdate(evt.Symbol, evt)
		}
	}
}

// refreshLoop periodically rebuilds the position snapshot from the venue
// and re-evaluates liquidation distance per position.
func (a *Agent) refreshLoop() {
	ticker := time.NewTicker(positionRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.refreshPositions(a.ctx); err != nil && a.ctx.Err() == nil {
				a.logger.Warn("position refresh failed", "error", err)
			}
		}
	}
}

func (a *Agent) refreshPositions(ctx context.Context) error {
	ps, err := a.adapter.FetchPositions(ctx)
	if err != nil {
		return err
	}
	a.positions.ReplaceAll(ps)

	nowMs := types.NowMs()
	for _, p := range ps {
		a.riskMgr.CheckLiquidationDistance(p.Symbol, p.Side, p, nowMs)
	}
	return nil
}

// stopSyncLoop drives the protective-stop reconciliation cycle and clears
// any runner left in an unknown state by a transport error.
func (a *Agent) stopSyncLoop() {
	ticker := time.NewTicker(stopSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.reconcileTransportErrors()
			for sym := range a.merged {
				if err := a.stops.SyncSymbol(a.ctx, sym, a.positions.BySymbol(sym)); err != nil && a.ctx.Err() == nil {
					a.logger.Warn("protective-stop sync failed", "symbol", sym, "error", err)
				}
			}
		}
	}
}

// reconcileTransportErrors re-fetches open orders and positions for every
// runner whose last venue call failed in transit, so it resumes from the
// venue's true state instead of a guess.
func (a *Agent) reconcileTransportErrors() {
	stuck := a.execEng.NeedsReconcile()
	if len(stuck) == 0 {
		return
	}

	if err := a.refreshPositions(a.ctx); err != nil {
		a.logger.Warn("reconciliation position fetch failed", "error", err)
		return
	}

	fetched := make(map[string][]types.Order)
	for _, r := range stuck {
		open, ok := fetched[r.Symbol]
		if !ok {
			var err error
			open, err = a.adapter.FetchOpenOrders(a.ctx, r.Symbol)
			if err != nil {
				a.logger.Warn("reconciliation open-orders fetch failed", "symbol", r.Symbol, "error", err)
				continue
			}
			fetched[r.Symbol] = open
		}
		r.Reconcile(open)
		a.logger.Info("runner reconciled after transport error", "symbol", r.Symbol, "side", r.Side)
	}
}
