package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"reduceagent/pkg/types"
)

func pos(symbol string, side types.PositionSide, amt string) types.Position {
	return types.Position{
		Symbol:      symbol,
		Side:        side,
		PositionAmt: decimal.RequireFromString(amt),
	}
}

func TestReplaceAllAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	s.ReplaceAll([]types.Position{
		pos("BTCUSDT", types.PositionLong, "0.5"),
		pos("BTCUSDT", types.PositionShort, "-0.2"),
		pos("ETHUSDT", types.PositionLong, "3"),
	})

	long, ok := s.Get("BTCUSDT", types.PositionLong)
	if !ok {
		t.Fatal("expected BTCUSDT long position")
	}
	if !long.PositionAmt.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("unexpected amt %s", long.PositionAmt)
	}

	if _, ok := s.Get("ETHUSDT", types.PositionShort); ok {
		t.Error("expected no ETHUSDT short position")
	}
	if _, ok := s.Get("SOLUSDT", types.PositionLong); ok {
		t.Error("expected no position for unknown symbol")
	}
}

func TestReplaceAllDropsFlattenedPositions(t *testing.T) {
	t.Parallel()

	s := New()
	s.ReplaceAll([]types.Position{pos("BTCUSDT", types.PositionLong, "0.5")})
	s.ReplaceAll([]types.Position{pos("ETHUSDT", types.PositionShort, "-1")})

	if _, ok := s.Get("BTCUSDT", types.PositionLong); ok {
		t.Error("position missing from new snapshot should have been dropped")
	}
	if _, ok := s.Get("ETHUSDT", types.PositionShort); !ok {
		t.Error("expected ETHUSDT short position to survive refresh")
	}
}

func TestBySymbolReadsAsFlatForMissingSide(t *testing.T) {
	t.Parallel()

	s := New()
	s.ReplaceAll([]types.Position{pos("BTCUSDT", types.PositionLong, "0.5")})

	bySide := s.BySymbol("BTCUSDT")
	if len(bySide) != 1 {
		t.Fatalf("expected 1 side, got %d", len(bySide))
	}

	short := bySide[types.PositionShort]
	if !short.IsFlat() {
		t.Error("missing side should read as flat")
	}
}

func TestSymbols(t *testing.T) {
	t.Parallel()

	s := New()
	if n := len(s.Symbols()); n != 0 {
		t.Fatalf("expected empty store, got %d symbols", n)
	}

	s.ReplaceAll([]types.Position{
		pos("BTCUSDT", types.PositionLong, "0.5"),
		pos("BTCUSDT", types.PositionShort, "-0.2"),
		pos("ETHUSDT", types.PositionLong, "3"),
	})

	syms := s.Symbols()
	if len(syms) != 2 {
		t.Fatalf("expected 2 symbols, got %d: %v", len(syms), syms)
	}
}
