// Package execution implements the per-(instrument, side) execution engine:
// the state machine that turns exit signals into reduce-only orders, drives
// maker-to-aggressive escalation, enforces order TTLs and repost cooldowns,
// and guarantees at most one working order per side.
//
// One Runner owns one (instrument, side) key exclusively. Its ticker-driven
// Run loop dispatches to synchronous handler methods that are also directly
// unit-testable without spinning up goroutines.
package execution

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"reduceagent/internal/exchange"
	"reduceagent/internal/metrics"
	"reduceagent/internal/risk"
	"reduceagent/internal/roundutil"
	"reduceagent/pkg/types"
)

// RunnerConfig is the fully resolved (post config.Merge) set of knobs for
// one (instrument, side) runner.
type RunnerConfig struct {
	OrderTTLMs           int64
	AggressiveOrderTTLMs int64 // defaults to OrderTTLMs by the caller if unset
	RepostCooldownMs     int64

	MakerTimeoutsToEscalate  int
	AggrFillsToDeescalate    int
	AggrTimeoutsToDeescalate int

	Size   SizeConfig
	Price  PriceConfig
	Rules  types.InstrumentRules
}

// workingOrder is the single in-flight order this runner may hold.
type workingOrder struct {
	clientOrderID string
	orderID       string
	qty           decimal.Decimal
	filledQty     decimal.Decimal
	price         decimal.Decimal
	placedAtMs    int64
	aggressive    bool
	canceling     bool
}

// PositionFunc returns the latest known position for (symbol, side).
type PositionFunc func() (types.Position, bool)

// Runner drives the order state machine for one (instrument, side). All
// mutable state is confined to this struct and touched only from the
// goroutine running Run; mu guards the small surface (State/Mode) read by
// metrics and tests from other goroutines.
type Runner struct {
	Symbol string
	Side   types.PositionSide

	cfg          RunnerConfig
	adapter      exchange.Adapter
	riskMgr      *risk.Manager
	position     PositionFunc
	clientPrefix string

	logger *slog.Logger

	mu            sync.Mutex
	state         types.ExecState
	mode          types.ExecMode
	makerTimeouts int
	aggrFills     int
	aggrTimeouts  int
	working       *workingOrder
	cooldownUntil int64
	pendingSignal *types.ExitSignal

	signalCh      chan types.ExitSignal
	orderUpdateCh chan types.OrderUpdateEvent

	needsReconcile bool // set on transport error; Reconcile clears it
}

// NewRunner creates a Runner for one (instrument, side) key.
func NewRunner(symbol string, side types.PositionSide, cfg RunnerConfig, adapter exchange.Adapter, riskMgr *risk.Manager, position PositionFunc, clientPrefixRoot string, logger *slog.Logger) *Runner {
	code := byte('L')
	if side == types.PositionShort {
		code = 'S'
	}
	return &Runner{
		Symbol:        symbol,
		Side:          side,
		cfg:           cfg,
		adapter:       adapter,
		riskMgr:       riskMgr,
		position:      position,
		clientPrefix:  roundutil.BuildClientOrderIDPrefix(clientPrefixRoot, symbol, code),
		logger:        logger.With("component", "execution_runner", "symbol", symbol, "side", side),
		state:         types.StateIdle,
		mode:          types.ModeMakerOnly,
		signalCh:      make(chan types.ExitSignal, 1),
		orderUpdateCh: make(chan types.OrderUpdateEvent, 8),
	}
}

// setStateLocked records an FSM transition and flips the state gauge.
// Caller holds r.mu.
func (r *Runner) setStateLocked(s types.ExecState) {
	r.state = s
	metrics.SetExecState(r.Symbol, string(r.Side), strings.ToLower(string(s)))
}

func (r *Runner) modeLabel() string {
	return strings.ToLower(string(r.mode))
}

// State returns the current FSM state (safe for concurrent read).
func (r *Runner) State() types.ExecState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Mode returns the current maker/aggressive mode.
func (r *Runner) Mode() types.ExecMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// NeedsReconcile reports whether a transport error left this side's order
// state unknown; the agent must fetch open orders/positions before this
// runner resumes placing new work.
func (r *Runner) NeedsReconcile() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needsReconcile
}

// SubmitSignal delivers a signal to the runner's mailbox, dropping it if
// the mailbox is full (the signal engine's throttle already bounds the
// rate; a dropped signal just means the runner will act on the next one).
func (r *Runner) SubmitSignal(sig types.ExitSignal) {
	select {
	case r.signalCh <- sig:
	default:
	}
}

// SubmitOrderUpdate delivers a user-data order update to the runner.
func (r *Runner) SubmitOrderUpdate(evt types.OrderUpdateEvent) {
	select {
	case r.orderUpdateCh <- evt:
	default:
		r.logger.Warn("order update channel full, dropping event")
	}
}

// Run is the runner's main loop. Blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case sig := <-r.signalCh:
			r.handleSignal(ctx, sig)
		case upd := <-r.orderUpdateCh:
			r.handleOrderUpdate(ctx, upd)
		case <-ticker.C:
			r.checkTimeouts(ctx, types.NowMs())
		}
	}
}

func (r *Runner) shutdown() {
	r.mu.Lock()
	w := r.working
	r.mu.Unlock()
	if w == nil || w.canceling {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.cancelWorking(ctx, "shutdown")
}

// handleSignal is the IDLE->PLACING transition, or a WORKING->CANCELING
// supersede when a newer signal arrives while an order is already working.
// A side whose last venue call failed in transit stays parked — signals are
// dropped, not queued — until Reconcile confirms its true state.
func (r *Runner) handleSignal(ctx context.Context, sig types.ExitSignal) {
	r.mu.Lock()
	if r.needsReconcile {
		r.mu.Unlock()
		return
	}
	now := sig.TimestampMs
	if r.state == types.StateCooldown && now >= r.cooldownUntil {
		r.setStateLocked(types.StateIdle)
	}
	state := r.state
	r.mu.Unlock()

	switch state {
	case types.StateIdle:
		r.place(ctx, sig)
	case types.StateWorking:
		r.mu.Lock()
		r.pendingSignal = &sig
		r.mu.Unlock()
		r.cancelWorking(ctx, "superseded_by_signal")
	default:
		// PLACING/CANCELING/COOLDOWN: drop, at-most-one-in-flight.
	}
}

// place sizes and prices the order per the current mode, consults the risk
// admission gate, and issues the venue call.
func (r *Runner) place(ctx context.Context, sig types.ExitSignal) {
	pos, ok := r.position()
	if !ok || pos.IsFlat() {
		return
	}

	r.mu.Lock()
	if r.needsReconcile {
		r.mu.Unlock()
		return
	}
	mode := r.mode
	r.mu.Unlock()

	refPrice := sig.LastTrade
	qty, err := computeQty(&sig, pos.PositionAmt, r.cfg.Rules, r.cfg.Size, refPrice)
	if err != nil {
		return // no admission call made; stays IDLE
	}

	var price decimal.Decimal
	aggressive := mode == types.ModeAggressive
	if aggressive {
		price = computeAggressivePrice(r.Side, sig.BestBid, sig.BestAsk, r.cfg.Rules.TickSize, r.cfg.Price.AggressiveSlipTicks)
	} else {
		price, err = computeMakerPrice(r.Side, sig.BestBid, sig.BestAsk, r.cfg.Rules.TickSize, r.cfg.Price)
		if err != nil {
			return // would cross; re-plan on next signal
		}
	}

	nowMs := types.NowMs()
	if !r.riskMgr.AdmitOrder(nowMs) {
		metrics.IncAdmissionDenied(r.Symbol, string(r.Side), "order")
		return // admission failure: local, silent, stays IDLE
	}

	cid := roundutil.BuildClientOrderID(r.clientPrefix, nowMs)
	orderType := types.OrderTypeLimit
	if aggressive {
		orderType = types.OrderTypeMarket
	}

	intent := types.OrderIntent{
		Symbol:        r.Symbol,
		Side:          reduceOrderSide(r.Side),
		PositionSide:  r.Side,
		Qty:           qty,
		OrderType:     orderType,
		ReduceOnly:    true,
		ClosePosition: false,
		ClientOrderID: cid,
	}
	if !aggressive {
		intent.Price = &price
	}

	r.mu.Lock()
	r.setStateLocked(types.StatePlacing)
	r.mu.Unlock()

	r.logger.Debug("placing reduce order",
		"correlation_id", sig.CorrelationID,
		"client_order_id", cid,
		"qty", qty,
		"aggressive", aggressive,
	)

	result, err := r.adapter.PlaceOrder(ctx, intent)
	r.onPlaceResult(cid, qty, price, aggressive, nowMs, result, err)
}

func (r *Runner) onPlaceResult(cid string, qty, price decimal.Decimal, aggressive bool, placedAtMs int64, result types.OrderResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.logger.Warn("place order transport error", "error", err)
		metrics.IncTransportError(r.Symbol, string(r.Side))
		r.setStateLocked(types.StateIdle)
		r.needsReconcile = true
		return
	}
	if !result.Success {
		r.logger.Warn("order rejected", "error", result.ErrorMessage, "code", result.ErrorCode)
		metrics.IncOrderRejected(r.Symbol, string(r.Side))
		r.setStateLocked(types.StateCooldown)
		r.cooldownUntil = placedAtMs + r.cfg.RepostCooldownMs
		return
	}

	r.working = &workingOrder{
		clientOrderID: cid,
		orderID:       result.OrderID,
		qty:           qty,
		price:         price,
		placedAtMs:    placedAtMs,
		aggressive:    aggressive,
	}
	metrics.IncOrderPlaced(r.Symbol, string(r.Side), r.modeLabel())
	r.setStateLocked(types.StateWorking)
}

// handleOrderUpdate matches a user-data update to the working order and
// drives terminal transitions, escalation/de-escalation counters, and
// de-stash of a pending (superseding) signal.
func (r *Runner) handleOrderUpdate(ctx context.Context, evt types.OrderUpdateEvent) {
	r.mu.Lock()
	w := r.working
	if w == nil {
		r.mu.Unlock()
		return
	}
	matches := (evt.OrderID != "" && evt.OrderID == w.orderID) || roundutil.MatchesPrefix(evt.ClientOrderID, r.clientPrefix)
	if !matches {
		r.mu.Unlock()
		return
	}
	w.filledQty = evt.FilledQty
	terminal := evt.Status.IsTerminal()
	r.mu.Unlock()

	if !terminal {
		return
	}

	r.onTerminal(ctx, evt, w)
}

func (r *Runner) onTerminal(ctx context.Context, evt types.OrderUpdateEvent, w *workingOrder) {
	r.mu.Lock()

	wasCanceling := w.canceling
	switch evt.Status {
	case types.StatusFilled:
		metrics.IncOrderFilled(r.Symbol, string(r.Side), r.modeLabel())
		if w.aggressive {
			r.aggrFills++
			r.aggrTimeouts = 0
			if r.mode == types.ModeAggressive && r.aggrFills >= r.cfg.AggrFillsToDeescalate {
				r.deescalate()
			}
		}
		r.setStateLocked(types.StateIdle)
	case types.StatusPartial:
		// Non-terminal in practice, but guard anyway: residual becomes the
		// working qty; do not reset state.
		r.mu.Unlock()
		return
	case types.StatusCanceled, types.StatusExpired:
		r.setStateLocked(types.StateCooldown)
		r.cooldownUntil = types.NowMs() + r.cfg.RepostCooldownMs
	case types.StatusRejected:
		metrics.IncOrderRejected(r.Symbol, string(r.Side))
		r.setStateLocked(types.StateCooldown)
		r.cooldownUntil = types.NowMs() + r.cfg.RepostCooldownMs
	default:
		r.setStateLocked(types.StateIdle)
	}

	r.working = nil
	pending := r.pendingSignal
	r.pendingSignal = nil
	r.mu.Unlock()

	if wasCanceling && pending != nil {
		r.handleSignal(ctx, *pending)
	}
}

// checkTimeouts enforces order TTL (maker or aggressive) and clears an
// elapsed cooldown back to IDLE.
func (r *Runner) checkTimeouts(ctx context.Context, nowMs int64) {
	r.mu.Lock()
	state := r.state
	cooldownUntil := r.cooldownUntil
	w := r.working
	r.mu.Unlock()

	if state == types.StateCooldown && nowMs >= cooldownUntil {
		r.mu.Lock()
		r.setStateLocked(types.StateIdle)
		r.mu.Unlock()
		return
	}

	if state != types.StateWorking || w == nil {
		return
	}

	ttl := r.cfg.OrderTTLMs
	if w.aggressive {
		ttl = r.cfg.AggressiveOrderTTLMs
		if ttl <= 0 {
			ttl = r.cfg.OrderTTLMs
		}
	}
	if nowMs-w.placedAtMs < ttl {
		return
	}

	if !w.aggressive {
		r.mu.Lock()
		metrics.IncOrderTimeout(r.Symbol, string(r.Side), r.modeLabel())
		r.makerTimeouts++
		r.aggrTimeouts = 0
		if r.mode == types.ModeMakerOnly && r.makerTimeouts >= r.cfg.MakerTimeoutsToEscalate {
			r.escalate()
		}
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		metrics.IncOrderTimeout(r.Symbol, string(r.Side), r.modeLabel())
		r.aggrTimeouts++
		r.aggrFills = 0
		if r.mode == types.ModeAggressive && r.aggrTimeouts >= r.cfg.AggrTimeoutsToDeescalate {
			r.deescalate()
		}
		r.mu.Unlock()
	}

	r.cancelWorking(ctx, "ttl_elapsed")
}

// escalate/deescalate reset all streak counters on mode change. Callers
// must already hold r.mu.
func (r *Runner) escalate() {
	r.mode = types.ModeAggressive
	r.makerTimeouts = 0
	r.aggrFills = 0
	r.aggrTimeouts = 0
	metrics.SetExecMode(r.Symbol, string(r.Side), r.modeLabel())
}

func (r *Runner) deescalate() {
	r.mode = types.ModeMakerOnly
	r.makerTimeouts = 0
	r.aggrFills = 0
	r.aggrTimeouts = 0
	metrics.SetExecMode(r.Symbol, string(r.Side), r.modeLabel())
}

// cancelWorking issues a cancel for the current working order, gated by
// the cancel admission bucket. A denied admission leaves the order
// WORKING; the next timeout tick retries.
func (r *Runner) cancelWorking(ctx context.Context, reason string) {
	r.mu.Lock()
	w := r.working
	if w == nil || w.canceling {
		r.mu.Unlock()
		return
	}
	if !r.riskMgr.AdmitCancel(types.NowMs()) {
		metrics.IncAdmissionDenied(r.Symbol, string(r.Side), "cancel")
		r.mu.Unlock()
		return
	}
	w.canceling = true
	r.setStateLocked(types.StateCanceling)
	r.mu.Unlock()

	result, err := r.adapter.CancelOrder(ctx, r.Symbol, w.orderID)
	if err != nil {
		r.logger.Warn("cancel transport error", "error", err, "reason", reason)
		metrics.IncTransportError(r.Symbol, string(r.Side))
		r.mu.Lock()
		r.needsReconcile = true
		r.mu.Unlock()
		return
	}
	if !result.Success {
		r.logger.Warn("cancel rejected", "error", result.ErrorMessage, "reason", reason)
		return
	}
	// Terminal confirmation arrives via the order-update stream; onTerminal
	// drives the CANCELING -> IDLE/COOLDOWN transition and replays any
	// pending superseding signal.
}

// Reconcile aligns the runner with a fresh open-orders fetch — at startup,
// or after a transport error left the order state unknown. An owned open
// order is adopted as the working order so "at most one working order per
// side" survives a restart; when nothing of ours is open the local working
// state is cleared. Either way the runner resumes placing new work.
func (r *Runner) Reconcile(open []types.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var owned *types.Order
	for i := range open {
		o := &open[i]
		if o.PositionSide != "" && o.PositionSide != r.Side {
			continue
		}
		if roundutil.MatchesPrefix(o.ClientOrderID, r.clientPrefix) {
			owned = o
			break
		}
	}

	if owned != nil {
		r.working = &workingOrder{
			clientOrderID: owned.ClientOrderID,
			orderID:       owned.OrderID,
			placedAtMs:    types.NowMs(),
		}
		r.setStateLocked(types.StateWorking)
	} else {
		r.working = nil
		r.setStateLocked(types.StateIdle)
	}
	r.needsReconcile = false
}
