// Package stream implements the market and user-data WebSocket feeds for
// Binance USDT-M futures: auto-reconnecting connections that normalize raw
// venue JSON into the typed events in pkg/types before handing them to the
// signal engine, execution engine, and protective-stop manager.
//
// Each feed runs one connect/read loop with exponential backoff,
// read-deadline-triggered reconnect, and a dedicated ping goroutine.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"reduceagent/internal/metrics"
	"reduceagent/pkg/types"
)

const (
	pingInterval   = 3 * time.Minute // Binance combined streams ping ~every 3m
	readTimeout    = 10 * time.Minute
	writeTimeout   = 10 * time.Second
	marketBufSize  = 1024
	userBufSize    = 256
)

// ReconnectPolicy parameterizes the exponential backoff between
// reconnect attempts.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Feed manages a single WebSocket connection (market or user-data channel)
// with auto-reconnect and typed event fan-out.
type Feed struct {
	name   string // "market" | "user", for logs and metrics
	url    string
	policy ReconnectPolicy

	connMu sync.Mutex
	conn   *websocket.Conn

	bookCh  chan types.BookTickerEvent
	tradeCh chan types.AggTradeEvent
	orderCh chan types.OrderUpdateEvent
	algoCh  chan types.AlgoUpdateEvent

	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public combined market-data stream.
func NewMarketFeed(wsURL string, policy ReconnectPolicy, logger *slog.Logger) *Feed {
	return &Feed{
		name:    "market",
		url:     wsURL,
		policy:  policy,
		bookCh:  make(chan types.BookTickerEvent, marketBufSize),
		tradeCh: make(chan types.AggTradeEvent, marketBufSize),
		logger:  logger.With("component", "stream_market"),
	}
}

// NewUserFeed creates a feed for the authenticated user-data stream. wsURL
// must already carry a listenKey; neither this package nor the REST client
// creates or renews one.
func NewUserFeed(wsURL string, policy ReconnectPolicy, logger *slog.Logger) *Feed {
	return &Feed{
		name:    "user",
		url:     wsURL,
		policy:  policy,
		orderCh: make(chan types.OrderUpdateEvent, userBufSize),
		algoCh:  make(chan types.AlgoUpdateEvent, userBufSize),
		logger:  logger.With("component", "stream_user"),
	}
}

func (f *Feed) BookTickerEvents() <-chan types.BookTickerEvent { return f.bookCh }
func (f *Feed) TradeEvents() <-chan types.AggTradeEvent        { return f.tradeCh }
func (f *Feed) OrderEvents() <-chan types.OrderUpdateEvent     { return f.orderCh }
func (f *Feed) AlgoEvents() <-chan types.AlgoUpdateEvent       { return f.algoCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.policy.InitialDelay
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)
		metrics.IncStreamReconnect(f.name)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		mult := f.policy.Multiplier
		if mult <= 1 {
			mult = 2
		}
		backoff = time.Duration(float64(backoff) * mult)
		if max := f.policy.MaxDelay; max > 0 && backoff > max {
			backoff = max
		}
	}
}

// Close gracefully tears down the live connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("stream connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// rawStreamEnvelope peels off Binance's combined-stream wrapper and the
// event-type discriminator used by both market and user streams.
type rawStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type rawEventType struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

func (f *Feed) dispatchMessage(raw []byte) {
	payload := raw
	var env rawStreamEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var evt rawEventType
	if err := json.Unmarshal(payload, &evt); err != nil {
		f.logger.Debug("ignoring non-json stream message", "data", string(raw))
		return
	}

	switch evt.EventType {
	case "bookTicker":
		f.dispatchBookTicker(payload)
	case "aggTrade":
		f.dispatchAggTrade(payload, evt)
	case "ORDER_TRADE_UPDATE":
		f.dispatchOrderUpdate(payload)
	case "STRATEGY_UPDATE":
		f.dispatchAlgoUpdate(payload)
	case "ACCOUNT_CONFIG_UPDATE", "ACCOUNT_UPDATE", "listenKeyExpired":
		f.logger.Debug("ignoring account stream event", "type", evt.EventType)
	default:
		f.logger.Debug("unknown stream event type", "type", evt.EventType)
	}
}

type bookTickerPayload struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	BestBid   string `json:"b"`
	BestAsk   string `json:"a"`
	EventTime int64  `json:"E"`
}

func (f *Feed) dispatchBookTicker(payload []byte) {
	var p bookTickerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		f.logger.Error("unmarshal bookTicker", "error", err)
		return
	}
	bid, err1 := decimal.NewFromString(p.BestBid)
	ask, err2 := decimal.NewFromString(p.BestAsk)
	if err1 != nil || err2 != nil {
		f.logger.Error("parse bookTicker prices", "symbol", p.Symbol)
		return
	}

	evt := types.BookTickerEvent{Symbol: p.Symbol, TsMs: p.EventTime, Bid: bid, Ask: ask}
	select {
	case f.bookCh <- evt:
	default:
		f.logger.Warn("book channel full, dropping event", "symbol", p.Symbol)
	}
}

type aggTradePayload struct {
	Price string `json:"p"`
}

func (f *Feed) dispatchAggTrade(payload []byte, meta rawEventType) {
	var p aggTradePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		f.logger.Error("unmarshal aggTrade", "error", err)
		return
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		f.logger.Error("parse aggTrade price", "symbol", meta.Symbol)
		return
	}

	evt := types.AggTradeEvent{Symbol: meta.Symbol, TsMs: meta.EventTime, Price: price}
	select {
	case f.tradeCh <- evt:
	default:
		f.logger.Warn("trade channel full, dropping event", "symbol", meta.Symbol)
	}
}

type orderTradeUpdatePayload struct {
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		OrderID       int64  `json:"i"`
		Status        string `json:"X"`
		FilledQty     string `json:"z"`
		AvgPrice      string `json:"ap"`
	} `json:"o"`
}

func (f *Feed) dispatchOrderUpdate(payload []byte) {
	var p orderTradeUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		f.logger.Error("unmarshal order update", "error", err)
		return
	}

	filled, _ := decimal.NewFromString(p.Order.FilledQty)
	avg, _ := decimal.NewFromString(p.Order.AvgPrice)

	evt := types.OrderUpdateEvent{
		Symbol:        p.Order.Symbol,
		OrderID:       strconv.FormatInt(p.Order.OrderID, 10),
		ClientOrderID: p.Order.ClientOrderID,
		Status:        types.OrderStatus(p.Order.Status),
		FilledQty:     filled,
		AvgPrice:      avg,
	}
	select {
	case f.orderCh <- evt:
	default:
		f.logger.Warn("order channel full, dropping event", "symbol", p.Order.Symbol)
	}
}

// strategyUpdatePayload is Binance's user-data event for algo (conditional
// close-position) order lifecycle changes.
type strategyUpdatePayload struct {
	Strategy struct {
		Symbol        string `json:"s"`
		StrategyID    int64  `json:"si"`
		ClientAlgoID  string `json:"c"`
		StrategyType  string `json:"st"`
		Status        string `json:"ss"`
		ClosePosition bool   `json:"cp"`
	} `json:"su"`
}

func (f *Feed) dispatchAlgoUpdate(payload []byte) {
	var p strategyUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		f.logger.Error("unmarshal strategy update", "error", err)
		return
	}

	evt := types.AlgoUpdateEvent{
		Symbol:        p.Strategy.Symbol,
		AlgoID:        strconv.FormatInt(p.Strategy.StrategyID, 10),
		ClientAlgoID:  p.Strategy.ClientAlgoID,
		Status:        types.OrderStatus(p.Strategy.Status),
		ClosePosition: p.Strategy.ClosePosition,
	}
	select {
	case f.algoCh <- evt:
	default:
		f.logger.Warn("algo channel full, dropping event", "symbol", p.Strategy.Symbol)
	}
}
