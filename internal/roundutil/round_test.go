package roundutil

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFloorCeilToStep(t *testing.T) {
	t.Parallel()

	tick := d("0.1")

	cases := []struct {
		name string
		v    decimal.Decimal
		want decimal.Decimal
		fn   func(decimal.Decimal, decimal.Decimal) decimal.Decimal
	}{
		{"floor exact", d("101.1"), d("101.1"), FloorToStep},
		{"floor rounds down", d("101.17"), d("101.1"), FloorToStep},
		{"ceil exact", d("99.0"), d("99.0"), CeilToStep},
		{"ceil rounds up", d("101.0101"), d("101.1"), CeilToStep},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.fn(tc.v, tick)
			if !got.Equal(tc.want) {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRoundTripLaw(t *testing.T) {
	t.Parallel()

	tick := d("0.1")
	x := d("101.17")

	floor := FloorToStep(x, tick)
	if floor.GreaterThan(x) {
		t.Errorf("floor(%s) = %s should be <= x", x, floor)
	}
	if x.Sub(floor).GreaterThanOrEqual(tick) {
		t.Errorf("x - floor(x) should be < tick")
	}

	ceil := CeilToStep(x, tick)
	if ceil.LessThan(x) {
		t.Errorf("ceil(%s) = %s should be >= x", x, ceil)
	}
}

func TestBuildClientOrderIDPrefixShortSymbol(t *testing.T) {
	t.Parallel()

	prefix := BuildClientOrderIDPrefix("ra_", "BTCUSDT", 'L')
	want := "ra_BTCUSDTL"
	if prefix != want {
		t.Errorf("prefix = %q, want %q", prefix, want)
	}
}

func TestBuildClientOrderIDPrefixHashFallback(t *testing.T) {
	t.Parallel()

	longSymbol := "SOMEVERYLONGPERPETUALSYMBOLUSDT"
	prefix := BuildClientOrderIDPrefix("reduceagent_", longSymbol, 'S')
	if len(prefix) >= maxPrefixLen {
		t.Errorf("fallback prefix %q should be under %d chars, got %d", prefix, maxPrefixLen, len(prefix))
	}
	if prefix == "reduceagent_"+longSymbol+"S" {
		t.Errorf("expected hash fallback, got raw concatenation")
	}
}

func TestBuildClientOrderIDTruncation(t *testing.T) {
	t.Parallel()

	prefix := BuildClientOrderIDPrefix("reduceagent_", "BTCUSDT", 'L')
	id := BuildClientOrderID(prefix, 1234567890123)
	if len(id) > maxClientOrderIDLen {
		t.Errorf("client order id %q exceeds %d chars", id, maxClientOrderIDLen)
	}
	if !MatchesPrefix(id, prefix) {
		t.Errorf("id %q should match its own prefix %q", id, prefix)
	}
}

func TestMatchesPrefixRejectsOther(t *testing.T) {
	t.Parallel()

	if MatchesPrefix("abc", "abcdef") {
		t.Errorf("shorter id should never match a longer prefix")
	}
	if MatchesPrefix("xyz123", "abc") {
		t.Errorf("unrelated id should not match prefix")
	}
}
