package agent

import (
	"fmt"

	"github.com/shopspring/decimal"

	"reduceagent/internal/config"
	"reduceagent/internal/signal"
)

// parseTiers converts the string-valued tier ladder from config into the
// signal engine's decimal form. Config strings rather than floats keep the
// YAML boundary exact.
func parseTiers(tiers []config.AccelTierConfig) ([]signal.Tier, error) {
	if len(tiers) == 0 {
		return nil, nil
	}

	out := make([]signal.Tier, 0, len(tiers))
	for _, t := range tiers {
		threshold, err := decimal.NewFromString(t.Threshold)
		if err != nil {
			return nil, fmt.Errorf("tier threshold %q: %w", t.Threshold, err)
		}
		mult, err := decimal.NewFromString(t.Mult)
		if err != nil {
			return nil, fmt.Errorf("tier mult %q: %w", t.Mult, err)
		}
		out = append(out, signal.Tier{Threshold: threshold, Mult: mult})
	}
	return out, nil
}
