// Package exchange defines the narrow Exchange Adapter contract the core
// subsystems depend on, plus (in the binancefutures subpackage) a concrete
// implementation against Binance's USDT-M perpetual futures API.
//
// No subsystem outside this package and its subpackages knows about venue
// wire formats: REST payload shapes, WebSocket envelopes, and HMAC signing
// are confined here.
package exchange

import (
	"context"

	"reduceagent/pkg/types"
)

// Adapter is the only venue contract the core subsystems depend on.
type Adapter interface {
	FetchSymbolRules(ctx context.Context, symbol string) (types.InstrumentRules, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchPositions(ctx context.Context) ([]types.Position, error)
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error)
	CancelAlgoOrder(ctx context.Context, symbol, algoID string) (types.OrderResult, error)
}
