package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncSignalIncrementsCounter(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(signalsTotal.WithLabelValues("BTCUSDT", "LONG", "LONG_PRIMARY"))
	IncSignal("BTCUSDT", "LONG", "LONG_PRIMARY")
	after := testutil.ToFloat64(signalsTotal.WithLabelValues("BTCUSDT", "LONG", "LONG_PRIMARY"))

	if after != before+1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
}

func TestSetExecModeFlipsExclusiveGauges(t *testing.T) {
	t.Parallel()

	SetExecMode("ETHUSDT", "SHORT", "aggressive")

	if got := testutil.ToFloat64(execMode.WithLabelValues("ETHUSDT", "SHORT", "aggressive")); got != 1 {
		t.Errorf("aggressive gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(execMode.WithLabelValues("ETHUSDT", "SHORT", "maker_only")); got != 0 {
		t.Errorf("maker_only gauge = %v, want 0", got)
	}

	SetExecMode("ETHUSDT", "SHORT", "maker_only")

	if got := testutil.ToFloat64(execMode.WithLabelValues("ETHUSDT", "SHORT", "aggressive")); got != 0 {
		t.Errorf("aggressive gauge after flip = %v, want 0", got)
	}
	if got := testutil.ToFloat64(execMode.WithLabelValues("ETHUSDT", "SHORT", "maker_only")); got != 1 {
		t.Errorf("maker_only gauge after flip = %v, want 1", got)
	}
}
