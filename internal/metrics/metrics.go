// Package metrics defines the Prometheus instrumentation for the agent:
// package-level CounterVec/GaugeVec instances registered in init(), exposed
// through small exported setter/incrementer helpers so call sites never
// touch the prometheus.Collector API directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_signals_total",
			Help: "Exit signals emitted by the signal engine.",
		},
		[]string{"symbol", "side", "reason"},
	)

	ordersPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_orders_placed_total",
			Help: "Reduce-only orders placed, by mode.",
		},
		[]string{"symbol", "side", "mode"},
	)

	ordersFilledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_orders_filled_total",
			Help: "Reduce-only orders filled, by mode.",
		},
		[]string{"symbol", "side", "mode"},
	)

	ordersTimeoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_orders_timeout_total",
			Help: "Working orders that hit their TTL without filling.",
		},
		[]string{"symbol", "side", "mode"},
	)

	ordersRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_orders_rejected_total",
			Help: "Orders rejected by the venue.",
		},
		[]string{"symbol", "side"},
	)

	admissionDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_admission_denied_total",
			Help: "Order/cancel calls refused by the local rate-limit admission gate.",
		},
		[]string{"symbol", "side", "action"}, // action: order|cancel
	)

	transportErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_transport_errors_total",
			Help: "Venue calls that failed with an unknown outcome (timeout/disconnect).",
		},
		[]string{"symbol", "side"},
	)

	execMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reduceagent_exec_mode",
			Help: "Execution mode indicator, 1 for the active mode's labeled series.",
		},
		[]string{"symbol", "side", "mode"}, // mode: maker_only|aggressive
	)

	execState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reduceagent_exec_state",
			Help: "Execution FSM state indicator, 1 for the active state's labeled series.",
		},
		[]string{"symbol", "side", "state"},
	)

	protectiveStopsPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_protective_stops_placed_total",
			Help: "Protective stops placed or replaced.",
		},
		[]string{"symbol", "side"},
	)

	protectiveStopPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reduceagent_protective_stop_price",
			Help: "Current owned protective-stop trigger price.",
		},
		[]string{"symbol", "side"},
	)

	liqDistance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reduceagent_liq_distance",
			Help: "Fractional distance between mark price and liquidation price.",
		},
		[]string{"symbol", "side"},
	)

	riskFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_risk_flags_total",
			Help: "Risk flags raised, by reason.",
		},
		[]string{"symbol", "side", "reason"},
	)

	streamReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceagent_stream_reconnects_total",
			Help: "WebSocket stream reconnects, by feed.",
		},
		[]string{"feed"}, // market|user
	)
)

func init() {
	prometheus.MustRegister(
		signalsTotal,
		ordersPlacedTotal,
		ordersFilledTotal,
		ordersTimeoutTotal,
		ordersRejectedTotal,
		admissionDeniedTotal,
		transportErrorsTotal,
		execMode,
		execState,
		protectiveStopsPlacedTotal,
		protectiveStopPrice,
		liqDistance,
		riskFlagsTotal,
		streamReconnectsTotal,
	)
}

// IncSignal records a signal emission.
func IncSignal(symbol, side, reason string) {
	signalsTotal.WithLabelValues(symbol, side, reason).Inc()
}

// IncOrderPlaced records a successful order placement.
func IncOrderPlaced(symbol, side, mode string) {
	ordersPlacedTotal.WithLabelValues(symbol, side, mode).Inc()
}

// IncOrderFilled records a fill.
func IncOrderFilled(symbol, side, mode string) {
	ordersFilledTotal.WithLabelValues(symbol, side, mode).Inc()
}

// IncOrderTimeout records a TTL expiry without a fill.
func IncOrderTimeout(symbol, side, mode string) {
	ordersTimeoutTotal.WithLabelValues(symbol, side, mode).Inc()
}

// IncOrderRejected records a venue rejection.
func IncOrderRejected(symbol, side string) {
	ordersRejectedTotal.WithLabelValues(symbol, side).Inc()
}

// IncAdmissionDenied records a local admission refusal.
func IncAdmissionDenied(symbol, side, action string) {
	admissionDeniedTotal.WithLabelValues(symbol, side, action).Inc()
}

// IncTransportError records a venue call with an unknown outcome.
func IncTransportError(symbol, side string) {
	transportErrorsTotal.WithLabelValues(symbol, side).Inc()
}

// SetExecMode flips the mode indicator gauges for (symbol, side): the
// active mode's series reads 1, every other series 0.
func SetExecMode(symbol, side, mode string) {
	for _, m := range []string{"maker_only", "aggressive"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		execMode.WithLabelValues(symbol, side, m).Set(v)
	}
}

// SetExecState flips the state indicator gauges for (symbol, side).
func SetExecState(symbol, side, state string) {
	for _, s := range []string{"idle", "placing", "working", "canceling", "cooldown"} {
		v := 0.0
		if s == state {
			v = 1
		}
		execState.WithLabelValues(symbol, side, s).Set(v)
	}
}

// IncProtectiveStopPlaced records a protective-stop place/replace.
func IncProtectiveStopPlaced(symbol, side string) {
	protectiveStopsPlacedTotal.WithLabelValues(symbol, side).Inc()
}

// SetProtectiveStopPrice reports the current owned protective-stop price.
func SetProtectiveStopPrice(symbol, side string, price float64) {
	protectiveStopPrice.WithLabelValues(symbol, side).Set(price)
}

// SetLiqDistance reports the current fractional liquidation distance.
func SetLiqDistance(symbol, side string, dist float64) {
	liqDistance.WithLabelValues(symbol, side).Set(dist)
}

// IncRiskFlag records a risk flag.
func IncRiskFlag(symbol, side, reason string) {
	riskFlagsTotal.WithLabelValues(symbol, side, reason).Inc()
}

// IncStreamReconnect records a stream reconnect.
func IncStreamReconnect(feed string) {
	streamReconnectsTotal.WithLabelValues(feed).Inc()
}
