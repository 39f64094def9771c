// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — instrument rules,
// market state, positions, signals, order intents/results, and stream event
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
//
// All price, quantity, notional, and ROI fields are shopspring/decimal
// values. Floating point never appears in this package.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// PositionSide identifies which hedge-mode leg of an instrument an order or
// position belongs to.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Opposite returns the other side of the same instrument.
func (s PositionSide) Opposite() PositionSide {
	if s == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// Side is the venue-level buy/sell direction of an order, distinct from
// PositionSide: a reduce order against a LONG position is a SELL, against a
// SHORT position it is a BUY.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the order shapes this agent is allowed to emit.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStop             OrderType = "STOP"
	OrderTypeTakeProfit       OrderType = "TAKE_PROFIT"
)

// OrderStatus is the venue lifecycle status of an order or algo order.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCanceled  OrderStatus = "CANCELED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusTriggered OrderStatus = "TRIGGERED"
	StatusFinished  OrderStatus = "FINISHED"
)

// IsTerminal reports whether an order in this status will never change
// again and can be dropped from local tracking.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusTriggered, StatusFinished:
		return true
	default:
		return false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Instrument & market state
// ————————————————————————————————————————————————————————————————————————

// InstrumentRules are the immutable venue-mandated increments for a symbol,
// fetched once per session.
type InstrumentRules struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// MarketState is the latest book-top/trade view for one instrument.
type MarketState struct {
	BestBid            decimal.Decimal
	BestAsk            decimal.Decimal
	LastTradePrice     decimal.Decimal
	PreviousTradePrice decimal.Decimal
	LastUpdateMs       int64

	hasBook  bool
	hasTrade bool
}

// IsReady reports whether all four price fields are populated and positive
// and a previous trade price has been observed at least once.
func (m *MarketState) IsReady() bool {
	return m.hasBook && m.hasTrade &&
		m.BestBid.IsPositive() && m.BestAsk.IsPositive() &&
		m.LastTradePrice.IsPositive() && m.PreviousTradePrice.IsPositive()
}

// ApplyBookTicker updates the book-top side of the state.
func (m *MarketState) ApplyBookTicker(bid, ask decimal.Decimal, ts int64) {
	m.BestBid = bid
	m.BestAsk = ask
	m.LastUpdateMs = ts
	m.hasBook = true
}

// ApplyTrade shifts the current last-trade price into previous and records
// the new one.
func (m *MarketState) ApplyTrade(price decimal.Decimal, ts int64) {
	if m.hasTrade {
		m.PreviousTradePrice = m.LastTradePrice
	}
	m.LastTradePrice = price
	m.LastUpdateMs = ts
	m.hasTrade = true
}

// Reset clears the state back to its zero value, as on an explicit reset.
func (m *MarketState) Reset() {
	*m = MarketState{}
}

// TradeTick is one entry of the bounded acceleration-window trade history.
type TradeTick struct {
	TimestampMs int64
	Price       decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Position & execution state
// ————————————————————————————————————————————————————————————————————————

// Position is the per-instrument, per-side open exposure.
type Position struct {
	Symbol           string
	Side             PositionSide
	PositionAmt      decimal.Decimal // signed: positive long, negative short
	EntryPrice       decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         decimal.Decimal
	MarkPrice        *decimal.Decimal
	LiquidationPrice *decimal.Decimal
}

// IsFlat reports whether the position has zero size.
func (p *Position) IsFlat() bool {
	return p.PositionAmt.IsZero()
}

// AbsAmt returns the unsigned magnitude of the position.
func (p *Position) AbsAmt() decimal.Decimal {
	return p.PositionAmt.Abs()
}

// ExecMode is the maker/aggressive escalation state of a side's execution.
type ExecMode string

const (
	ModeMakerOnly  ExecMode = "MAKER_ONLY"
	ModeAggressive ExecMode = "AGGRESSIVE"
)

// ExecState is the per-(instrument,side) order-lifecycle FSM state.
type ExecState string

const (
	StateIdle      ExecState = "IDLE"
	StatePlacing   ExecState = "PLACING"
	StateWorking   ExecState = "WORKING"
	StateCanceling ExecState = "CANCELING"
	StateCooldown  ExecState = "COOLDOWN"
)

// ————————————————————————————————————————————————————————————————————————
// Signals & orders
// ————————————————————————————————————————————————————————————————————————

// SignalReason enumerates the exit-condition reasons the Signal Engine can
// emit.
type SignalReason string

const (
	ReasonLongPrimary     SignalReason = "LONG_PRIMARY"
	ReasonLongBidImprove  SignalReason = "LONG_BID_IMPROVE"
	ReasonShortPrimary    SignalReason = "SHORT_PRIMARY"
	ReasonShortAskImprove SignalReason = "SHORT_ASK_IMPROVE"
)

// ExitSignal is the ephemeral output of the Signal Engine for one
// (instrument, side) evaluation. CorrelationID ties a signal to the order it
// produces in logs; it is never sent to the venue.
type ExitSignal struct {
	CorrelationID string
	Symbol        string
	Side          PositionSide
	Reason        SignalReason
	TimestampMs   int64
	BestBid       decimal.Decimal
	BestAsk       decimal.Decimal
	LastTrade     decimal.Decimal
	ROIMult       decimal.Decimal
	AccelMult     decimal.Decimal
	ROI           decimal.Decimal
	RetWindow     decimal.Decimal
}

// OrderIntent is the ephemeral request the Execution Engine hands to the
// Exchange Adapter.
type OrderIntent struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Qty           decimal.Decimal
	OrderType     OrderType
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
	IsRisk        bool // true for protective-stop orders
}

// OrderResult is the Exchange Adapter's response to a place/cancel call.
type OrderResult struct {
	Success      bool
	OrderID      string
	Status       OrderStatus
	ErrorMessage string
	ErrorCode    int
}

// Order is the uniform shape the adapter returns for open regular and algo
// orders, regardless of venue wire representation.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	PositionSide  PositionSide
	Status        OrderStatus
	OrderType     OrderType
	StopPrice     *decimal.Decimal
	TriggerPrice  *decimal.Decimal
	ClosePosition bool
	IsAlgo        bool
}

// IsCloseStop reports whether this order is a close-position conditional
// stop of a kind the Protective-Stop Manager recognizes as an external stop.
func (o *Order) IsCloseStop() bool {
	if !o.ClosePosition {
		return false
	}
	switch o.OrderType {
	case OrderTypeStopMarket, OrderTypeTakeProfitMarket, OrderTypeStop, OrderTypeTakeProfit:
		return true
	default:
		return false
	}
}

// ProtectiveStopState is the locally tracked record of the owned stop for
// one (instrument, side).
type ProtectiveStopState struct {
	ClientOrderID string
	OrderID       string
	StopPrice     decimal.Decimal
}

// RiskFlag surfaces a non-fatal data or threshold condition from the Risk
// Manager.
type RiskFlag struct {
	Symbol      string
	Side        PositionSide
	Reason      string
	TimestampMs int64
}

// ————————————————————————————————————————————————————————————————————————
// Stream events
// ————————————————————————————————————————————————————————————————————————
// Normalized shapes the Exchange Adapter produces from venue-specific wire
// messages. Internal packages never see raw JSON.

type BookTickerEvent struct {
	Symbol string
	TsMs   int64
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

type AggTradeEvent struct {
	Symbol string
	TsMs   int64
	Price  decimal.Decimal
}

type OrderUpdateEvent struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
}

type AlgoUpdateEvent struct {
	Symbol        string
	AlgoID        string
	ClientAlgoID  string
	Status        OrderStatus
	ClosePosition bool
}

type PositionUpdateEvent struct {
	Symbol    string
	Positions []Position
}

type LeverageUpdateEvent struct {
	Symbol   string
	Leverage decimal.Decimal
}

// NowMs returns the current time in epoch milliseconds. Centralized so
// callers don't sprinkle time.Now() conversions.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
