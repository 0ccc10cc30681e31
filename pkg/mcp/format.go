package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/spendgate/pkg/models"
)

type textBuffer = strings.Builder

// render runs a report writer into a string. Writer errors are reported
// inline since tool output is text anyway.
func render(write func(w *textBuffer) error) string {
	var b textBuffer
	if err := write(&b); err != nil {
		fmt.Fprintf(&b, "\n(render error: %v)", err)
	}
	return b.String()
}

// formatFeatures formats feature configs as a text table.
func formatFeatures(fs []models.FeatureConfig, now time.Time) string {
	if len(fs) == 0 {
		return "No features configured."
	}
	periodKey := models.MonthOf(now).Key()
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-10s %-10s %-20s %s\n", "Feature", "State", "Min Tier", "Model", "Budget Override")
	b.WriteString(strings.Repeat("-", 84) + "\n")
	for _, f := range fs {
		state := "enabled"
		switch {
		case f.AdminDisabled():
			state = "disabled"
		case f.BudgetDisabled(periodKey):
			state = "locked"
		}
		override := "-"
		if o := f.ActiveOverride(periodKey); o != nil {
			switch {
			case o.Disabled:
				override = "disabled for " + o.Period
			case o.Throttled():
				override = fmt.Sprintf("throttled x%s for %s", o.RateFactor, o.Period)
			}
		}
		fmt.Fprintf(&b, "%-24s %-10s %-10s %-20s %s\n",
			f.FeatureKey, state, f.MinSubscriptionTier, f.PreferredModel, override)
	}
	return b.String()
}
