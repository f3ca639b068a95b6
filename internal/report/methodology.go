package report

import "fmt"

// methodologyText is keyed by strategy_code, then version (spec.md §4.9
// "Methodology: a static description keyed on strategy_code and version").
var methodologyText = map[string]map[int]string{
	"bullish_breakout": {
		1: "Scores tickers on trend alignment across SMA10/50/200, MACD momentum, " +
			"an RSI band favoring 55-80, and a 20-day volume multiple, with bonus " +
			"points for proximity to a trailing reference high. Gates on minimum " +
			"history, data staleness, and an optional overbought filter.",
	},
	"leap_entry": {
		1: "Identifies pullback entries for long-dated options positions: scores " +
			"RSI positioning around a 50-55 sweet spot, distance below an anchored " +
			"VWAP measured from the most recent swing low, average volume adequacy, " +
			"and a long-term trend/quality check.",
	},
}

// Methodology returns the static description for strategy_code/version, or a
// generic placeholder if neither is registered.
func Methodology(strategyCode string, version int) string {
	if byVersion, ok := methodologyText[strategyCode]; ok {
		if text, ok := byVersion[version]; ok {
			return text
		}
	}
	return fmt.Sprintf("no methodology description registered for %s v%d", strategyCode, version)
}
