package protectivestop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"reduceagent/pkg/types"
)

// fakeExchange is an exchange.Adapter double that behaves like a tiny venue:
// placed close-position stops show up in subsequent open-algo-order fetches,
// and cancels remove them. That makes multi-cycle reconciliation tests read
// like the real flow.
type fakeExchange struct {
	open []types.Order
	algo []types.Order

	placed   []types.OrderIntent
	canceled []string

	nextID int
}

func (f *fakeExchange) FetchSymbolRules(ctx context.Context, symbol string) (types.InstrumentRules, error) {
	return types.InstrumentRules{}, nil
}

func (f *fakeExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return append([]types.Order{}, f.open...), nil
}

func (f *fakeExchange) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return append([]types.Order{}, f.algo...), nil
}

func (f *fakeExchange) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	f.placed = append(f.placed, intent)
	f.nextID++
	id := fmt.Sprintf("algo-%d", f.nextID)
	if intent.ClosePosition {
		var trigger *decimal.Decimal
		if intent.StopPrice != nil {
			tp := *intent.StopPrice
			trigger = &tp
		}
		f.algo = append(f.algo, types.Order{
			OrderID:       id,
			ClientOrderID: intent.ClientOrderID,
			Symbol:        intent.Symbol,
			PositionSide:  intent.PositionSide,
			Status:        types.StatusNew,
			OrderType:     intent.OrderType,
			TriggerPrice:  trigger,
			ClosePosition: true,
			IsAlgo:        true,
		})
	}
	return types.OrderResult{Success: true, OrderID: id, Status: types.StatusNew}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) (types.OrderResult, error) {
	f.canceled = append(f.canceled, orderID)
	f.open = removeByID(f.open, orderID)
	return types.OrderResult{Success: true, Status: types.StatusCanceled}, nil
}

func (f *fakeExchange) CancelAlgoOrder(ctx context.Context, symbol, algoID string) (types.OrderResult, error) {
	f.canceled = append(f.canceled, algoID)
	f.algo = removeByID(f.algo, algoID)
	return types.OrderResult{Success: true, Status: types.StatusCanceled}, nil
}

func removeByID(orders []types.Order, id string) []types.Order {
	out := orders[:0]
	for _, o := range orders {
		if o.OrderID != id {
			out = append(out, o)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestManager(f *fakeExchange) *Manager {
	m := New(f, "T", testLogger())
	m.ConfigureSymbol("BTCUSDT", SymbolConfig{
		Enabled:   true,
		DistToLiq: dec("0.01"),
		TickSize:  dec("0.1"),
	})
	return m
}

func longPos(liq string) types.Position {
	p := types.Position{
		Symbol:      "BTCUSDT",
		Side:        types.PositionLong,
		PositionAmt: dec("0.5"),
	}
	l := dec(liq)
	p.LiquidationPrice = &l
	return p
}

func TestComputeStopPriceLongRoundsUp(t *testing.T) {
	t.Parallel()

	// raw = 100 / (1 - 0.01) = 101.0101..., rounded up to tick 0.1.
	got, err := computeStopPrice(types.PositionLong, dec("100"), dec("0.01"), dec("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(dec("101.1")) {
		t.Errorf("stop = %s, want 101.1", got)
	}
}

func TestComputeStopPriceShortRoundsDown(t *testing.T) {
	t.Parallel()

	// raw = 100 / 1.01 = 99.0099..., rounded down to tick 0.1.
	got, err := computeStopPrice(types.PositionShort, dec("100"), dec("0.01"), dec("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(dec("99.0")) {
		t.Errorf("stop = %s, want 99.0", got)
	}
}

func TestComputeStopPriceRejectsBadInputs(t *testing.T) {
	t.Parallel()

	if _, err := computeStopPrice(types.PositionLong, dec("0"), dec("0.01"), dec("0.1")); err == nil {
		t.Error("expected error for non-positive liquidation price")
	}
	if _, err := computeStopPrice(types.PositionLong, dec("100"), dec("1"), dec("0.1")); err == nil {
		t.Error("expected error for dist_to_liq outside (0,1)")
	}
}

func TestSyncPlacesStopForUnprotectedPosition(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)

	positions := map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}
	if err := m.SyncSymbol(context.Background(), "BTCUSDT", positions); err != nil {
		t.Fatal(err)
	}

	if len(f.placed) != 1 {
		t.Fatalf("expected 1 placed stop, got %d", len(f.placed))
	}
	intent := f.placed[0]
	if !intent.ClosePosition || intent.OrderType != types.OrderTypeStopMarket {
		t.Errorf("expected close-position STOP_MARKET, got %+v", intent)
	}
	if intent.Side != types.SELL {
		t.Errorf("long protective stop must be SELL, got %s", intent.Side)
	}
	if intent.StopPrice == nil || !intent.StopPrice.Equal(dec("101.1")) {
		t.Errorf("stop price = %v, want 101.1", intent.StopPrice)
	}

	st, ok := m.State("BTCUSDT", types.PositionLong)
	if !ok {
		t.Fatal("expected local state after placement")
	}
	if !st.StopPrice.Equal(dec("101.1")) {
		t.Errorf("tracked stop = %s, want 101.1", st.StopPrice)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)

	positions := map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}
	if err := m.SyncSymbol(context.Background(), "BTCUSDT", positions); err != nil {
		t.Fatal(err)
	}
	placed, canceled := len(f.placed), len(f.canceled)

	if err := m.SyncSymbol(context.Background(), "BTCUSDT", positions); err != nil {
		t.Fatal(err)
	}
	if len(f.placed) != placed || len(f.canceled) != canceled {
		t.Errorf("second sync with no state change issued venue calls: placed %d→%d canceled %d→%d",
			placed, len(f.placed), canceled, len(f.canceled))
	}
}

func TestTightenOnlyKeepsLooserDesired(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)

	// Cycle 1 places a stop at 101.1 (liq=100).
	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}

	// Liquidation moved down: desired = 99.99/0.99 = 101.0 < 101.1. A long
	// stop may only rise, so the existing order is kept.
	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("99.99")}); err != nil {
		t.Fatal(err)
	}
	if len(f.placed) != 1 || len(f.canceled) != 0 {
		t.Fatalf("looser desired must not touch the venue: placed=%d canceled=%d", len(f.placed), len(f.canceled))
	}

	// Liquidation moved up: desired = 100.485/0.99 = 101.5 > 101.1, tighter.
	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100.485")}); err != nil {
		t.Fatal(err)
	}
	if len(f.canceled) != 1 {
		t.Fatalf("expected cancel-then-place for tighter stop, canceled=%d", len(f.canceled))
	}
	if len(f.placed) != 2 {
		t.Fatalf("expected replacement placement, placed=%d", len(f.placed))
	}
	if sp := f.placed[1].StopPrice; sp == nil || !sp.Equal(dec("101.5")) {
		t.Errorf("replacement stop = %v, want 101.5", sp)
	}
}

func TestFlatPositionCancelsOwnedStop(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)

	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.State("BTCUSDT", types.PositionLong); !ok {
		t.Fatal("expected tracked stop before flattening")
	}

	// Position went flat; the owned stop must be canceled and state cleared.
	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{}); err != nil {
		t.Fatal(err)
	}
	if len(f.canceled) != 1 {
		t.Fatalf("expected owned stop canceled on flat, canceled=%d", len(f.canceled))
	}
	if _, ok := m.State("BTCUSDT", types.PositionLong); ok {
		t.Error("expected local state cleared on flat")
	}
	if len(f.algo) != 0 {
		t.Errorf("venue still holds %d algo orders", len(f.algo))
	}
}

func TestExternalCloseStopTakesPrecedence(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)

	// Our stop exists from cycle 1.
	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}

	// An externally placed close-position stop appears on the same side.
	ext := dec("102")
	f.algo = append(f.algo, types.Order{
		OrderID:       "ext-1",
		ClientOrderID: "manual-stop",
		Symbol:        "BTCUSDT",
		PositionSide:  types.PositionLong,
		OrderType:     types.OrderTypeStopMarket,
		TriggerPrice:  &ext,
		ClosePosition: true,
		IsAlgo:        true,
	})

	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}

	if len(f.canceled) != 1 {
		t.Fatalf("expected our stop canceled in favor of external, canceled=%d", len(f.canceled))
	}
	if len(f.placed) != 1 {
		t.Fatalf("must not place alongside an external stop, placed=%d", len(f.placed))
	}
	if _, ok := m.State("BTCUSDT", types.PositionLong); ok {
		t.Error("expected local state cleared when external stop owns the side")
	}
}

func TestExternalHintSkipsCycle(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)

	// A user-data event announces external close-stop activity just before
	// the cycle runs.
	m.OnAlgoUpdate("BTCUSDT", types.AlgoUpdateEvent{
		Symbol:        "BTCUSDT",
		AlgoID:        "ext-2",
		ClientAlgoID:  "manual-stop",
		Status:        types.StatusNew,
		ClosePosition: true,
	})

	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}
	if len(f.placed) != 0 {
		t.Fatalf("hinted cycle must skip modifications, placed=%d", len(f.placed))
	}

	// The hint is consumed; the next cycle places normally.
	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}
	if len(f.placed) != 1 {
		t.Fatalf("expected placement once hint expired, placed=%d", len(f.placed))
	}
}

func TestDuplicateOwnedStopsCollapse(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)
	prefix := m.prefixFor("BTCUSDT", types.PositionLong)

	t1, t2 := dec("101.1"), dec("101.2")
	f.algo = []types.Order{
		{OrderID: "dup-1", ClientOrderID: prefix + "00001", Symbol: "BTCUSDT", PositionSide: types.PositionLong, OrderType: types.OrderTypeStopMarket, TriggerPrice: &t1, ClosePosition: true, IsAlgo: true},
		{OrderID: "dup-2", ClientOrderID: prefix + "00002", Symbol: "BTCUSDT", PositionSide: types.PositionLong, OrderType: types.OrderTypeStopMarket, TriggerPrice: &t2, ClosePosition: true, IsAlgo: true},
	}

	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}

	if len(f.canceled) != 1 || f.canceled[0] != "dup-2" {
		t.Fatalf("expected only the duplicate canceled, canceled=%v", f.canceled)
	}
	if len(f.algo) != 1 {
		t.Errorf("venue should keep exactly one owned stop, has %d", len(f.algo))
	}
}

func TestTerminalUpdateClearsState(t *testing.T) {
	t.Parallel()

	f := &fakeExchange{}
	m := newTestManager(f)

	if err := m.SyncSymbol(context.Background(), "BTCUSDT",
		map[types.PositionSide]types.Position{types.PositionLong: longPos("100")}); err != nil {
		t.Fatal(err)
	}

	st, ok := m.State("BTCUSDT", types.PositionLong)
	if !ok {
		t.Fatal("expected tracked stop")
	}

	m.OnAlgoUpdate("BTCUSDT", types.AlgoUpdateEvent{
		Symbol:       "BTCUSDT",
		ClientAlgoID: st.ClientOrderID,
		Status:       types.StatusTriggered,
	})

	if _, ok := m.State("BTCUSDT", types.PositionLong); ok {
		t.Error("terminal update on owned stop must clear local state")
	}
}
