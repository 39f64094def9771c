package agent

import (
	"context"
	"fmt"
	"log/slog"

	"reduceagent/internal/exchange"
	"reduceagent/pkg/types"
)

// dryRunAdapter passes reads through to the real adapter and logs writes
// instead of sending them, so the full signal → sizing → admission path can
// run against live market data without placing a single order.
type dryRunAdapter struct {
	real   exchange.Adapter
	logger *slog.Logger
}

func newDryRunAdapter(real exchange.Adapter, logger *slog.Logger) *dryRunAdapter {
	return &dryRunAdapter{real: real, logger: logger.With("component", "dry_run")}
}

func (d *dryRunAdapter) FetchSymbolRules(ctx context.Context, symbol string) (types.InstrumentRules, error) {
	return d.real.FetchSymbolRules(ctx, symbol)
}

func (d *dryRunAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return d.real.FetchOpenOrders(ctx, symbol)
}

func (d *dryRunAdapter) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return d.real.FetchOpenAlgoOrders(ctx, symbol)
}

func (d *dryRunAdapter) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return d.real.FetchPositions(ctx)
}

func (d *dryRunAdapter) PlaceOrder(_ context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	price := ""
	if intent.Price != nil {
		price = intent.Price.String()
	}
	stop := ""
	if intent.StopPrice != nil {
		stop = intent.StopPrice.String()
	}
	d.logger.Info("DRY-RUN place order",
		"symbol", intent.Symbol,
		"side", intent.Side,
		"position_side", intent.PositionSide,
		"type", intent.OrderType,
		"qty", intent.Qty.String(),
		"price", price,
		"stop_price", stop,
		"close_position", intent.ClosePosition,
		"client_order_id", intent.ClientOrderID,
	)
	return types.OrderResult{
		Success: true,
		OrderID: fmt.Sprintf("dry-%d", types.NowMs()),
		Status:  types.StatusNew,
	}, nil
}

func (d *dryRunAdapter) CancelOrder(_ context.Context, symbol, orderID string) (types.OrderResult, error) {
	d.logger.Info("DRY-RUN cancel order", "symbol", symbol, "order_id", orderID)
	return types.OrderResult{Success: true, Status: types.StatusCanceled}, nil
}

func (d *dryRunAdapter) CancelAlgoOrder(_ context.Context, symbol, algoID string) (types.OrderResult, error) {
	d.logger.Info("DRY-RUN cancel algo order", "symbol", symbol, "algo_id", algoID)
	return types.OrderResult{Success: true, Status: types.StatusCanceled}, nil
}
