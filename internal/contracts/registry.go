package contracts

import (
	"fmt"
	"strings"
	"time"
)

// ExpiryCycle is the set of delivery months a product trades.
type ExpiryCycle string

const (
	// CycleHMUZ is the Mar/Jun/Sep/Dec quarterly cycle (equity index futures).
	CycleHMUZ ExpiryCycle = "HMUZ"
	// CycleFJNV is the Jan/Apr/Jul/Oct quarterly cycle.
	CycleFJNV ExpiryCycle = "FJNV"
)

// monthCodes maps delivery month number to its futures month code.
var monthCodes = map[time.Month]string{
	time.January:   "F",
	time.February:  "G",
	time.March:     "H",
	time.April:     "J",
	time.May:       "K",
	time.June:      "M",
	time.July:      "N",
	time.August:    "Q",
	time.September: "U",
	time.October:   "V",
	time.November:  "X",
	time.December:  "Z",
}

// cycleMonths maps each cycle to its delivery months in calendar order.
var cycleMonths = map[ExpiryCycle][]time.Month{
	CycleHMUZ: {time.March, time.June, time.September, time.December},
	CycleFJNV: {time.January, time.April, time.July, time.October},
}

// Spec holds static metadata for one tradable symbol.
type Spec struct {
	Symbol      string      // e.g. "ES"
	IDPrefix    string      // broker contract id prefix, e.g. "CON.F.US.EP"
	Cycle       ExpiryCycle // delivery month cycle
	TickSize    float64     // minimum price increment
	TickValue   float64     // dollar value of one tick
	MicroFactor float64     // micro-contract-equivalent units per 1 contract
}

// rollDay is the day of the delivery month after which the front month
// advances to the next contract in the cycle.
const rollDay = 15

// registry holds the built-in contract specs. MicroFactor normalizes each
// product against its micro sibling so one capacity ceiling covers mixed
// symbol sets (ES=10 means 1 ES consumes the exposure of 10 MES).
var registry = map[string]Spec{
	"ES":  {Symbol: "ES", IDPrefix: "CON.F.US.EP", Cycle: CycleHMUZ, TickSize: 0.25, TickValue: 12.50, MicroFactor: 10},
	"MES": {Symbol: "MES", IDPrefix: "CON.F.US.MES", Cycle: CycleHMUZ, TickSize: 0.25, TickValue: 1.25, MicroFactor: 1},
	"NQ":  {Symbol: "NQ", IDPrefix: "CON.F.US.ENQ", Cycle: CycleHMUZ, TickSize: 0.25, TickValue: 5.00, MicroFactor: 10},
	"MNQ": {Symbol: "MNQ", IDPrefix: "CON.F.US.MNQ", Cycle: CycleHMUZ, TickSize: 0.25, TickValue: 0.50, MicroFactor: 1},
	"YM":  {Symbol: "YM", IDPrefix: "CON.F.US.YM", Cycle: CycleHMUZ, TickSize: 1.00, TickValue: 5.00, MicroFactor: 10},
	"MYM": {Symbol: "MYM", IDPrefix: "CON.F.US.MYM", Cycle: CycleHMUZ, TickSize: 1.00, TickValue: 0.50, MicroFactor: 1},
	"RTY": {Symbol: "RTY", IDPrefix: "CON.F.US.RTY", Cycle: CycleHMUZ, TickSize: 0.10, TickValue: 5.00, MicroFactor: 10},
	"M2K": {Symbol: "M2K", IDPrefix: "CON.F.US.M2K", Cycle: CycleHMUZ, TickSize: 0.10, TickValue: 0.50, MicroFactor: 1},
	"CL":  {Symbol: "CL", IDPrefix: "CON.F.US.CLE", Cycle: CycleFJNV, TickSize: 0.01, TickValue: 10.00, MicroFactor: 10},
	"MCL": {Symbol: "MCL", IDPrefix: "CON.F.US.MCLE", Cycle: CycleFJNV, TickSize: 0.01, TickValue: 1.00, MicroFactor: 1},
	"GC":  {Symbol: "GC", IDPrefix: "CON.F.US.GCE", Cycle: CycleFJNV, TickSize: 0.10, TickValue: 10.00, MicroFactor: 10},
	"MGC": {Symbol: "MGC", IDPrefix: "CON.F.US.MGC", Cycle: CycleFJNV, TickSize: 0.10, TickValue: 1.00, MicroFactor: 1},
}

// Lookup returns the spec for a symbol, if known.
func Lookup(symbol string) (Spec, bool) {
	spec, ok := registry[strings.ToUpper(symbol)]
	return spec, ok
}

// Symbols returns all registered symbols.
func Symbols() []string {
	out := make([]string, 0, len(registry))
	for sym := range registry {
		out = append(out, sym)
	}
	return out
}

// MicroUnits converts a quantity of the symbol's contracts into
// micro-contract-equivalent units for capacity accounting. Unknown symbols
// count 1:1 so they still consume capacity rather than bypassing it.
func MicroUnits(symbol string, quantity int) float64 {
	spec, ok := Lookup(symbol)
	if !ok {
		return float64(quantity)
	}
	return float64(quantity) * spec.MicroFactor
}

// FrontMonth resolves the current front-month contract id for a symbol at the
// given time, e.g. "CON.F.US.EP.H25". The front month rolls to the next cycle
// month partway through the delivery month.
func (s Spec) FrontMonth(now time.Time) string {
	months := cycleMonths[s.Cycle]

	year := now.Year()
	var month time.Month
	found := false
	for _, m := range months {
		if m > now.Month() || (m == now.Month() && now.Day() <= rollDay) {
			month = m
			found = true
			break
		}
	}
	if !found {
		month = months[0]
		year++
	}

	return fmt.Sprintf("%s.%s%02d", s.IDPrefix, monthCodes[month], year%100)
}

// FrontMonthID resolves a symbol directly to its front-month contract id.
func FrontMonthID(symbol string, now time.Time) (string, error) {
	spec, ok := Lookup(symbol)
	if !ok {
		return "", fmt.Errorf("unknown symbol: %s", symbol)
	}
	return spec.FrontMonth(now), nil
}

// TickValueFor returns the per-tick dollar value for a symbol, defaulting to
// the micro tick value when the symbol is unknown.
func TickValueFor(symbol string) float64 {
	spec, ok := Lookup(symbol)
	if !ok {
		return 1.25
	}
	return spec.TickValue
}

// PointValueFor returns the dollar value of a full price point for a symbol.
func PointValueFor(symbol string) float64 {
	spec, ok := Lookup(symbol)
	if !ok {
		return 5.0
	}
	return spec.TickValue / spec.TickSize
}
