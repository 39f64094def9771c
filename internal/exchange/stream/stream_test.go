package stream

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() ReconnectPolicy {
	return ReconnectPolicy{}
}

func TestDispatchBookTickerCombinedStream(t *testing.T) {
	t.Parallel()

	f := NewMarketFeed("wss://example", testPolicy(), testLogger())

	raw := []byte(`{"stream":"btcusdt@bookTicker","data":{"e":"bookTicker","E":1700000000000,"s":"BTCUSDT","b":"50000.10","a":"50000.20"}}`)
	f.dispatchMessage(raw)

	select {
	case evt := <-f.BookTickerEvents():
		if evt.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %s", evt.Symbol)
		}
		if !evt.Bid.Equal(decimal.RequireFromString("50000.10")) || !evt.Ask.Equal(decimal.RequireFromString("50000.20")) {
			t.Errorf("bid/ask = %s/%s", evt.Bid, evt.Ask)
		}
		if evt.TsMs != 1700000000000 {
			t.Errorf("ts = %d", evt.TsMs)
		}
	default:
		t.Fatal("expected a book-ticker event")
	}
}

func TestDispatchAggTradeBareEnvelope(t *testing.T) {
	t.Parallel()

	f := NewMarketFeed("wss://example", testPolicy(), testLogger())

	// Single-stream connections deliver the payload without the combined
	// wrapper; both shapes must parse.
	raw := []byte(`{"e":"aggTrade","E":1700000000001,"s":"ETHUSDT","p":"3000.55"}`)
	f.dispatchMessage(raw)

	select {
	case evt := <-f.TradeEvents():
		if evt.Symbol != "ETHUSDT" {
			t.Errorf("symbol = %s", evt.Symbol)
		}
		if !evt.Price.Equal(decimal.RequireFromString("3000.55")) {
			t.Errorf("price = %s", evt.Price)
		}
	default:
		t.Fatal("expected an agg-trade event")
	}
}

func TestDispatchOrderTradeUpdate(t *testing.T) {
	t.Parallel()

	f := NewUserFeed("wss://example", testPolicy(), testLogger())

	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000002,"o":{"s":"BTCUSDT","c":"raxBTCUSDTL00042","i":123456,"X":"FILLED","z":"0.010","ap":"50000.1"}}`)
	f.dispatchMessage(raw)

	select {
	case evt := <-f.OrderEvents():
		if evt.OrderID != "123456" {
			t.Errorf("order_id = %s", evt.OrderID)
		}
		if evt.ClientOrderID != "raxBTCUSDTL00042" {
			t.Errorf("client_order_id = %s", evt.ClientOrderID)
		}
		if !evt.Status.IsTerminal() {
			t.Errorf("FILLED should be terminal, status = %s", evt.Status)
		}
		if !evt.FilledQty.Equal(decimal.RequireFromString("0.010")) {
			t.Errorf("filled = %s", evt.FilledQty)
		}
	default:
		t.Fatal("expected an order update event")
	}
}

func TestDispatchStrategyUpdate(t *testing.T) {
	t.Parallel()

	f := NewUserFeed("wss://example", testPolicy(), testLogger())

	raw := []byte(`{"e":"STRATEGY_UPDATE","E":1700000000003,"su":{"s":"BTCUSDT","si":789,"c":"manual-stop","st":"STOP_MARKET","ss":"TRIGGERED","cp":true}}`)
	f.dispatchMessage(raw)

	select {
	case evt := <-f.AlgoEvents():
		if evt.AlgoID != "789" {
			t.Errorf("algo_id = %s", evt.AlgoID)
		}
		if !evt.ClosePosition {
			t.Error("close_position flag lost in translation")
		}
		if !evt.Status.IsTerminal() {
			t.Errorf("TRIGGERED should be terminal, status = %s", evt.Status)
		}
	default:
		t.Fatal("expected an algo update event")
	}
}

func TestDispatchIgnoresUnknownEvents(t *testing.T) {
	t.Parallel()

	f := NewMarketFeed("wss://example", testPolicy(), testLogger())
	f.dispatchMessage([]byte(`{"e":"markPriceUpdate","s":"BTCUSDT"}`))
	f.dispatchMessage([]byte(`not json at all`))

	select {
	case <-f.BookTickerEvents():
		t.Fatal("unknown event must not produce a book event")
	case <-f.TradeEvents():
		t.Fatal("unknown event must not produce a trade event")
	default:
	}
}
