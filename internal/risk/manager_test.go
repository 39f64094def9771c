package risk

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"reduceagent/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func newTestManager() *Manager {
	return New(dec("0.015"), 5, 8, testLogger())
}

// S6 — Rate limit.
func TestAdmitOrderRateLimit(t *testing.T) {
	t.Parallel()
	m := New(dec("0.015"), 2, 8, testLogger())

	if !m.AdmitOrder(0) {
		t.Fatalf("t=0 should admit")
	}
	if !m.AdmitOrder(100) {
		t.Fatalf("t=100 should admit")
	}
	if m.AdmitOrder(200) {
		t.Fatalf("t=200 should be refused (third call within window)")
	}
	if !m.AdmitOrder(1001) {
		t.Fatalf("t=1001 should admit (window has rolled)")
	}
}

func TestAdmitCancelIndependentBucket(t *testing.T) {
	t.Parallel()
	m := New(dec("0.015"), 1, 1, testLogger())

	if !m.AdmitOrder(0) {
		t.Fatalf("order bucket should admit")
	}
	if !m.AdmitCancel(0) {
		t.Fatalf("cancel bucket is independent, should also admit")
	}
	if m.AdmitOrder(10) {
		t.Fatalf("order bucket should be exhausted")
	}
}

func TestCheckLiquidationDistanceBreach(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	mark := dec("100")
	liq := dec("99")
	pos := types.Position{MarkPrice: &mark, LiquidationPrice: &liq}

	flags := m.CheckLiquidationDistance("BTCUSDT", types.PositionLong, pos, 0)
	if len(flags) != 1 || flags[0].Reason != "liq_distance_breach" {
		t.Fatalf("expected liq_distance_breach, got %+v", flags)
	}
	if !m.HasBreach("BTCUSDT", types.PositionLong) {
		t.Errorf("HasBreach should be true after a breach check")
	}
}

func TestCheckLiquidationDistanceSafe(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	mark := dec("100")
	liq := dec("50")
	pos := types.Position{MarkPrice: &mark, LiquidationPrice: &liq}

	flags := m.CheckLiquidationDistance("BTCUSDT", types.PositionLong, pos, 0)
	if len(flags) != 0 {
		t.Fatalf("expected no flags, got %+v", flags)
	}
	if m.HasBreach("BTCUSDT", types.PositionLong) {
		t.Errorf("HasBreach should be false when distance is safe")
	}
}

func TestCheckLiquidationDistanceMissingData(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	pos := types.Position{}
	flags := m.CheckLiquidationDistance("BTCUSDT", types.PositionLong, pos, 0)
	if len(flags) != 2 {
		t.Fatalf("expected two missing-data flags, got %+v", flags)
	}
	if !m.MissingData("BTCUSDT", types.PositionLong) {
		t.Errorf("MissingData should be true")
	}
}
