// Package roundutil implements exact-decimal tick/step rounding and the
// client-order-id prefix encoding shared by the execution engine and the
// protective-stop manager. Every function here works on
// shopspring/decimal.Decimal; none of it touches float64.
package roundutil

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"
)

// FloorToStep rounds v down to the nearest multiple of step. Used for order
// quantity, which must never round up past what the position can absorb.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}

// CeilToStep rounds v up to the nearest multiple of step.
func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Ceil()
	return units.Mul(step)
}

// RoundToStep rounds v to the nearest multiple of step (half away from
// zero). The result can lie above v (101.17 with step 0.1 gives 101.2), so
// unlike FloorToStep it does not guarantee result <= v < result+step.
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Round(0)
	return units.Mul(step)
}

// NormalizeToStep is RoundToStep under another name, used where the caller
// is comparing two prices for tick-equality rather than rounding a fresh
// value — kept distinct so call sites read intention-first.
func NormalizeToStep(v, step decimal.Decimal) decimal.Decimal {
	return RoundToStep(v, step)
}

const (
	maxClientOrderIDLen = 36
	maxPrefixLen        = 30
)

// BuildClientOrderIDPrefix produces the fixed, deterministic prefix used to
// claim ownership of orders for one (symbol, side). If processPrefix +
// encoded symbol + side code would reach or exceed 30 characters, the symbol
// is replaced by a short hash to keep the overall client_order_id within the
// venue's 36-character limit once the time-derived suffix is appended.
func BuildClientOrderIDPrefix(processPrefix, symbol string, side byte) string {
	candidate := fmt.Sprintf("%s%s%c", processPrefix, symbol, side)
	if len(candidate) < maxPrefixLen {
		return candidate
	}

	h := sha1.Sum([]byte(symbol))
	short := binary.BigEndian.Uint32(h[:4]) & 0xfffffff
	return fmt.Sprintf("%s%x%c", processPrefix, short, side)
}

// BuildClientOrderID appends a millisecond-derived suffix to prefix and
// truncates the result to 36 characters, the venue's hard limit. The suffix
// alone does not guarantee global uniqueness across the 7-day window the
// venue enforces, but combined with the per-(symbol,side) prefix and a
// normal order cadence it is more than sufficient in practice.
func BuildClientOrderID(prefix string, nowMs int64) string {
	suffix := nowMs % 100000
	id := fmt.Sprintf("%s%05d", prefix, suffix)
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}

// MatchesPrefix reports whether clientOrderID was minted from prefix.
func MatchesPrefix(clientOrderID, prefix string) bool {
	if len(clientOrderID) < len(prefix) {
		return false
	}
	return clientOrderID[:len(prefix)] == prefix
}
