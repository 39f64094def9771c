package execution

import "errors"

// Sizing and pricing can fail without anything being wrong: these sentinels
// tell the runner to emit no order this cycle. Neither ever reaches a log
// line or the venue.

// ErrNoOrderSizable is returned when no quantity can be computed without
// breaching min_qty/min_notional or overselling the position.
var ErrNoOrderSizable = errors.New("execution: no sizable order for current position/signal")

// ErrPriceWouldCross is returned when a computed maker price would cross
// the opposite side of the book; the caller re-plans rather than sending a
// crossing post-only order to the venue.
var ErrPriceWouldCross = errors.New("execution: maker price would cross the book")
