// Package binancefutures implements exchange.Adapter against Binance's
// USDT-M perpetual futures API in hedge mode.
//
// Regular orders, cancels, positions, and symbol rules go through
// github.com/adshao/go-binance/v2's futures client. Conditional
// (close-position) stop orders were migrated by the venue to a separate
// Algo Service REST surface that go-binance/v2 does not wrap; those three
// calls are implemented in algo.go with a small go-resty client signing
// requests with Binance's timestamp+HMAC-SHA256 query-string convention.
package binancefutures

import (
	"context"
	"fmt"
	"log/slog"

	binance "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"reduceagent/internal/ratelimit"
	"reduceagent/pkg/types"
)

// restBucketCapacity/restBucketRate smooth REST bursts against the venue's
// transport. This is distinct from the order/cancel admission buckets in
// internal/risk: those enforce the configured caps, this one just keeps a
// reconciliation sweep from firing a burst of fetches in one instant.
const (
	restBucketCapacity = 10
	restBucketRate     = 8
)

// Client adapts the go-binance/v2 futures client plus the algo-order REST
// client into a single exchange.Adapter implementation. Every REST call,
// regular or algo, waits on one shared transport token bucket.
type Client struct {
	futures *binance.Client
	algo    *AlgoClient
	rest    *ratelimit.TokenBucket
	logger  *slog.Logger
}

// New creates a Client from API credentials. An empty algoBaseURL uses the
// production Algo Service endpoint; regular REST calls always go to
// go-binance's default futures endpoint.
func New(apiKey, apiSecret, algoBaseURL string, logger *slog.Logger) *Client {
	fc := binance.NewClient(apiKey, apiSecret)
	rest := ratelimit.NewTokenBucket(restBucketCapacity, restBucketRate)
	return &Client{
		futures: fc,
		algo:    NewAlgoClient(apiKey, apiSecret, algoBaseURL, rest, logger),
		rest:    rest,
		logger:  logger.With("component", "exchange_binancefutures"),
	}
}

// FetchSymbolRules fetches tick/step/min-qty/min-notional for a symbol from
// the exchange info endpoint.
func (c *Client) FetchSymbolRules(ctx context.Context, symbol string) (types.InstrumentRules, error) {
	if err := c.rest.Wait(ctx); err != nil {
		return types.InstrumentRules{}, err
	}
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return types.InstrumentRules{}, fmt.Errorf("fetch exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := types.InstrumentRules{Symbol: symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				rules.TickSize = mustDecimal(f["tickSize"])
			case "LOT_SIZE":
				rules.StepSize = mustDecimal(f["stepSize"])
				rules.MinQty = mustDecimal(f["minQty"])
			case "MIN_NOTIONAL":
				rules.MinNotional = mustDecimal(f["notional"])
			}
		}
		return rules, nil
	}
	return types.InstrumentRules{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func mustDecimal(v interface{}) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FetchOpenOrders fetches regular (non-algo) open orders for a symbol.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := c.rest.Wait(ctx); err != nil {
		return nil, err
	}
	orders, err := c.futures.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrder(o))
	}
	return out, nil
}

// FetchOpenAlgoOrders delegates to the algo REST client.
func (c *Client) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return c.algo.FetchOpenAlgoOrders(ctx, symbol)
}

// FetchPositions fetches all open positions across both hedge-mode sides.
func (c *Client) FetchPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rest.Wait(ctx); err != nil {
		return nil, err
	}
	risks, err := c.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch position risk: %w", err)
	}

	out := make([]types.Position, 0, len(risks))
	for _, r := range risks {
		amt := mustDecimal(r.PositionAmt)
		if amt.IsZero() {
			continue
		}

		pos := types.Position{
			Symbol:        r.Symbol,
			Side:          positionSideOf(amt, r.PositionSide),
			PositionAmt:   amt,
			EntryPrice:    mustDecimal(r.EntryPrice),
			UnrealizedPnL: mustDecimal(r.UnRealizedProfit),
			Leverage:      mustDecimal(r.Leverage),
		}
		if mark := mustDecimal(r.MarkPrice); mark.IsPositive() {
			pos.MarkPrice = &mark
		}
		if liq := mustDecimal(r.LiquidationPrice); liq.IsPositive() {
			pos.LiquidationPrice = &liq
		}
		out = append(out, pos)
	}
	return out, nil
}

func positionSideOf(amt decimal.Decimal, raw string) types.PositionSide {
	switch raw {
	case "LONG":
		return types.PositionLong
	case "SHORT":
		return types.PositionShort
	default:
		if amt.IsNegative() {
			return types.PositionShort
		}
		return types.PositionLong
	}
}

// PlaceOrder places a regular reduce-only order, or delegates to the algo
// client for close-position conditional stops.
func (c *Client) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if intent.ClosePosition {
		return c.algo.PlaceCloseStop(ctx, intent)
	}

	if err := c.rest.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	svc := c.futures.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(binance.SideType(intent.Side)).
		PositionSide(binance.PositionSideType(intent.PositionSide)).
		Type(binance.OrderType(intent.OrderType)).
		Quantity(intent.Qty.String()).
		NewClientOrderID(intent.ClientOrderID).
		ReduceOnly(intent.ReduceOnly)

	if intent.Price != nil {
		svc = svc.Price(intent.Price.String()).TimeInForce(binance.TimeInForceTypeGTX)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return types.OrderResult{Success: false, ErrorMessage: err.Error()}, nil
	}

	return types.OrderResult{
		Success: true,
		OrderID: fmt.Sprintf("%d", order.OrderID),
		Status:  types.OrderStatus(order.Status),
	}, nil
}

// CancelOrder cancels a regular order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error) {
	if err := c.rest.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}
	_, err := c.futures.NewCancelOrderService().Symbol(symbol).OrderID(parseInt64(orderID)).Do(ctx)
	if err != nil {
		return types.OrderResult{Success: false, ErrorMessage: err.Error()}, nil
	}
	return types.OrderResult{Success: true, Status: types.StatusCanceled}, nil
}

// CancelAlgoOrder cancels a close-position conditional stop through the
// separate Algo Service surface.
func (c *Client) CancelAlgoOrder(ctx context.Context, symbol, algoID string) (types.OrderResult, error) {
	return c.algo.CancelAlgoOrder(ctx, symbol, algoID)
}

func toOrder(o *binance.Order) types.Order {
	out := types.Order{
		OrderID:       fmt.Sprintf("%d", o.OrderID),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		PositionSide:  types.PositionSide(o.PositionSide),
		Status:        types.OrderStatus(o.Status),
		OrderType:     types.OrderType(o.Type),
		ClosePosition: o.ClosePosition,
	}
	if sp := mustDecimal(o.StopPrice); sp.IsPositive() {
		out.StopPrice = &sp
	}
	return out
}

func parseInt64(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
