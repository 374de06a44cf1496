package market

import (
	"errors"
	"math"
)

// Default profile parameters. The 70% value area is the standard market
// profile convention; the bin count trades resolution against noise on a
// 5-minute window.
const (
	DefaultBinCount          = 24
	DefaultMinBars           = 10
	DefaultValueAreaFraction = 0.70
)

// ErrInsufficientBars is returned when the window is too small to profile.
var ErrInsufficientBars = errors.New("not enough bars for volume profile")

// PriceBin is one discrete price level with its accumulated volume.
type PriceBin struct {
	Price  float64 `json:"price"`  // bin midpoint
	Volume float64 `json:"volume"` // volume attributed to this bin
}

// VolumeProfile holds price-level statistics over a bar window.
// Derived fresh per alert; never mutated after construction.
type VolumeProfile struct {
	Bins           []PriceBin `json:"bins"`
	PointOfControl float64    `json:"point_of_control"`
	ValueAreaHigh  float64    `json:"value_area_high"`
	ValueAreaLow   float64    `json:"value_area_low"`
	RangeHigh      float64    `json:"range_high"`
	RangeLow       float64    `json:"range_low"`
	TotalVolume    float64    `json:"total_volume"`
	BarCount       int        `json:"bar_count"`
}

// ProfileConfig controls volume profile computation.
type ProfileConfig struct {
	BinCount          int
	MinBars           int
	ValueAreaFraction float64
}

// DefaultProfileConfig returns the standard profile parameters.
func DefaultProfileConfig() ProfileConfig {
	return ProfileConfig{
		BinCount:          DefaultBinCount,
		MinBars:           DefaultMinBars,
		ValueAreaFraction: DefaultValueAreaFraction,
	}
}

// ComputeVolumeProfile buckets each bar's volume into discrete price bins and
// derives POC, VAH and VAL. Pure function: the live runner and the backtest
// simulator both call this exact code, so their levels are bit-identical for
// the same window.
func ComputeVolumeProfile(bars []Bar, cfg ProfileConfig) (*VolumeProfile, error) {
	if cfg.BinCount <= 0 {
		cfg.BinCount = DefaultBinCount
	}
	if cfg.MinBars <= 0 {
		cfg.MinBars = DefaultMinBars
	}
	if cfg.ValueAreaFraction <= 0 || cfg.ValueAreaFraction > 1 {
		cfg.ValueAreaFraction = DefaultValueAreaFraction
	}

	if len(bars) < cfg.MinBars {
		return nil, ErrInsufficientBars
	}

	rangeLow := math.Inf(1)
	rangeHigh := math.Inf(-1)
	totalVolume := 0.0
	for _, bar := range bars {
		if bar.Low < rangeLow {
			rangeLow = bar.Low
		}
		if bar.High > rangeHigh {
			rangeHigh = bar.High
		}
		totalVolume += bar.Volume
	}

	if totalVolume <= 0 || rangeHigh <= rangeLow {
		return nil, ErrInsufficientBars
	}

	binSize := (rangeHigh - rangeLow) / float64(cfg.BinCount)
	bins := make([]PriceBin, cfg.BinCount)
	for i := range bins {
		bins[i].Price = rangeLow + binSize*(float64(i)+0.5)
	}

	// Spread each bar's volume evenly across the bins its range covers.
	for _, bar := range bars {
		lo := binIndex(bar.Low, rangeLow, binSize, cfg.BinCount)
		hi := binIndex(bar.High, rangeLow, binSize, cfg.BinCount)
		span := hi - lo + 1
		perBin := bar.Volume / float64(span)
		for i := lo; i <= hi; i++ {
			bins[i].Volume += perBin
		}
	}

	// Point of control: the bin with the largest accumulated volume.
	pocIdx := 0
	for i, bin := range bins {
		if bin.Volume > bins[pocIdx].Volume {
			pocIdx = i
		}
	}

	// Value area: expand symmetrically outward from the POC until the
	// accumulated share reaches the target fraction.
	accumulated := bins[pocIdx].Volume
	lowIdx, highIdx := pocIdx, pocIdx
	target := totalVolume * cfg.ValueAreaFraction
	for accumulated < target && (lowIdx > 0 || highIdx < cfg.BinCount-1) {
		if lowIdx > 0 {
			lowIdx--
			accumulated += bins[lowIdx].Volume
		}
		if accumulated >= target {
			break
		}
		if highIdx < cfg.BinCount-1 {
			highIdx++
			accumulated += bins[highIdx].Volume
		}
	}

	return &VolumeProfile{
		Bins:           bins,
		PointOfControl: bins[pocIdx].Price,
		ValueAreaHigh:  bins[highIdx].Price,
		ValueAreaLow:   bins[lowIdx].Price,
		RangeHigh:      rangeHigh,
		RangeLow:       rangeLow,
		TotalVolume:    totalVolume,
		BarCount:       len(bars),
	}, nil
}

// binIndex maps a price into a bin, clamping to the valid range so the top of
// the window lands in the last bin instead of one past it.
func binIndex(price, rangeLow, binSize float64, binCount int) int {
	idx := int((price - rangeLow) / binSize)
	if idx < 0 {
		return 0
	}
	if idx >= binCount {
		return binCount - 1
	}
	return idx
}
