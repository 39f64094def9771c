package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"reduceagent/internal/config"
	"reduceagent/internal/exchange"
	"reduceagent/internal/risk"
	"reduceagent/internal/store"
	"reduceagent/pkg/types"
)

// clientIDPrefixRoot is the process-wide client-order-id root for regular
// reduce orders, distinct from the protective-stop manager's own root so
// the two subsystems never mistake each other's orders for their own when
// scanning open orders by prefix.
const clientIDPrefixRoot = "rax"

// key identifies one runner: an (instrument, side) pair.
type key struct {
	symbol string
	side   types.PositionSide
}

// Engine owns one Runner per (instrument, side) and routes signals and
// order updates to the right one. One goroutine per runner; the map itself
// is fixed after startup.
type Engine struct {
	adapter   exchange.Adapter
	riskMgr   *risk.Manager
	positions *store.Store
	logger    *slog.Logger

	mu       sync.RWMutex
	runners  map[key]*Runner
	running  bool
	wg       sync.WaitGroup
	cancelFn context.CancelFunc
}

// New creates an Engine reading positions from the shared snapshot store.
// Runners are added with AddInstrument before Start.
func New(adapter exchange.Adapter, riskMgr *risk.Manager, positions *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		adapter:   adapter,
		riskMgr:   riskMgr,
		positions: positions,
		logger:    logger.With("component", "execution_engine"),
		runners:   make(map[key]*Runner),
	}
}

// ResolveRunnerConfig builds a RunnerConfig from merged instrument config
// and venue-supplied symbol rules.
func ResolveRunnerConfig(ic config.InstrumentConfig, rules types.InstrumentRules) (RunnerConfig, error) {
	baseLotMult, err := decimal.NewFromString(ic.BaseLotMult)
	if err != nil {
		return RunnerConfig{}, fmt.Errorf("parse base_lot_mult: %w", err)
	}
	maxMult, err := decimal.NewFromString(ic.MaxMult)
	if err != nil {
		return RunnerConfig{}, fmt.Errorf("parse max_mult: %w", err)
	}
	maxNotional, err := decimal.NewFromString(ic.MaxOrderNotional)
	if err != nil {
		return RunnerConfig{}, fmt.Errorf("parse max_order_notional: %w", err)
	}

	return RunnerConfig{
		OrderTTLMs:               ic.OrderTTLMs,
		AggressiveOrderTTLMs:     ic.AggressiveOrderTTLMs,
		RepostCooldownMs:         ic.RepostCooldownMs,
		MakerTimeoutsToEscalate:  ic.MakerTimeoutsToEscalate,
		AggrFillsToDeescalate:    ic.AggrFillsToDeescalate,
		AggrTimeoutsToDeescalate: ic.AggrTimeoutsToDeescalate,
		Rules:                    rules,
		Size: SizeConfig{
			BaseLotMult:      baseLotMult,
			MaxMult:          maxMult,
			MaxOrderNotional: maxNotional,
		},
		Price: PriceConfig{
			Mode:                MakerPriceMode(ic.MakerPriceMode),
			NTicks:              ic.MakerNTicks,
			SafetyTicks:         ic.MakerSafetyTicks,
			AggressiveSlipTicks: ic.AggressiveSlipTicks,
		},
	}, nil
}

// AddInstrument registers runners for both sides of a symbol. Must be
// called before Start.
func (e *Engine) AddInstrument(symbol string, cfg RunnerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		s := side
		pos := func() (types.Position, bool) { return e.positions.Get(symbol, s) }
		e.runners[key{symbol, side}] = NewRunner(symbol, side, cfg, e.adapter, e.riskMgr, pos, clientIDPrefixRoot, e.logger)
	}
}

// Runner returns the runner for (symbol, side), if registered.
func (e *Engine) Runner(symbol string, side types.PositionSide) (*Runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runners[key{symbol, side}]
	return r, ok
}

// Runners returns every registered runner, for reconciliation sweeps and
// metrics export.
func (e *Engine) Runners() []*Runner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Runner, 0, len(e.runners))
	for _, r := range e.runners {
		out = append(out, r)
	}
	return out
}

// Start launches one goroutine per registered runner. Returns immediately;
// call Stop (or cancel the parent context) to tear down.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.running = true

	for k, r := range e.runners {
		e.wg.Add(1)
		runner := r
		sym, side := k.symbol, k.side
		go func() {
			defer e.wg.Done()
			e.logger.Info("runner starting", "symbol", sym, "side", side)
			runner.Run(runCtx)
			e.logger.Info("runner stopped", "symbol", sym, "side", side)
		}()
	}
}

// Stop cancels every runner and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancelFn
	running := e.running
	e.running = false
	e.mu.Unlock()

	if !running || cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

// Dispatch delivers a signal to the runner for its (symbol, side).
func (e *Engine) Dispatch(sig types.ExitSignal) {
	r, ok := e.Runner(sig.Symbol, sig.Side)
	if !ok {
		return
	}
	r.SubmitSignal(sig)
}

// OnOrderUpdate broadcasts a user-data order update to both sides of the
// symbol; OrderUpdateEvent carries no position side, so each runner's own
// order/client-id match decides whether it owns the update.
func (e *Engine) OnOrderUpdate(evt types.OrderUpdateEvent) {
	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		if r, ok := e.Runner(evt.Symbol, side); ok {
			r.SubmitOrderUpdate(evt)
		}
	}
}

// NeedsReconcile returns the runners that have an unresolved transport
// error and must wait for a reconciliation sweep before placing new orders.
func (e *Engine) NeedsReconcile() []*Runner {
	var out []*Runner
	for _, r := range e.Runners() {
		if r.NeedsReconcile() {
			out = append(out, r)
		}
	}
	return out
}
