package indicators

import (
	"cmp"
	"math"
	"slices"

	"github.com/KafClaw/MarketClaw/internal/market"
)

// LevelKind distinguishes support from resistance.
type LevelKind int

const (
	Support LevelKind = iota
	Resistance
)

// Level is a price zone with a touch-based strength.
type Level struct {
	Price    float64  `json:"price"`
	Strength int      `json:"strength"`
	Type     string   `json:"type"`
	Sources  []string `json:"sources,omitempty"`
}

const pivotWindow = 20

// Pivots computes classic floor pivots over the last 20 bars.
func Pivots(bars []market.Bar, kind LevelKind) []Level {
	if len(bars) == 0 {
		return nil
	}
	recent := bars[max(0, len(bars)-pivotWindow):]
	high, low := recent[0].High, recent[0].Low
	for _, b := range recent[1:] {
		high = max(high, b.High)
		low = min(low, b.Low)
	}
	closePrice := recent[len(recent)-1].Close
	pivot := (high + low + closePrice) / 3
	if kind == Support {
		return []Level{
			{Price: Round(2*pivot-high, 2), Strength: 2, Type: "pivot_s1"},
			{Price: Round(pivot-(high-low), 2), Strength: 3, Type: "pivot_s2"},
		}
	}
	return []Level{
		{Price: Round(2*pivot-low, 2), Strength: 2, Type: "pivot_r1"},
		{Price: Round(pivot+(high-low), 2), Strength: 3, Type: "pivot_r2"},
	}
}

// CountTouches counts bars whose high or low lies within threshold
// (a fraction) of level.
func CountTouches(bars []market.Bar, level, threshold float64) int {
	if level == 0 {
		return 0
	}
	n := 0
	for _, b := range bars {
		if math.Abs(b.High-level)/level <= threshold || math.Abs(b.Low-level)/level <= threshold {
			n++
		}
	}
	return n
}

// LocalExtrema finds swing lows (support) or highs (resistance) that rule
// window bars on each side, keeping those touched at least minTouches times
// within 1%.
func LocalExtrema(bars []market.Bar, kind LevelKind, window, minTouches int) []Level {
	var out []Level
	for i := window; i < len(bars)-window; i++ {
		price := bars[i].Low
		if kind == Resistance {
			price = bars[i].High
		}
		ok := true
		for j := 1; j <= window && ok; j++ {
			if kind == Support {
				ok = price <= bars[i-j].Low && price <= bars[i+j].Low
			} else {
				ok = price >= bars[i-j].High && price >= bars[i+j].High
			}
		}
		if !ok {
			continue
		}
		if touches := CountTouches(bars, price, 0.01); touches >= minTouches {
			typ := "local_minimum"
			if kind == Resistance {
				typ = "local_maximum"
			}
			out = append(out, Level{Price: Round(price, 2), Strength: touches, Type: typ})
		}
	}
	return out
}

// PsychologicalLevels checks the four $5 steps below (support) or above
// (resistance) the last close, keeping those touched within 2%. Strength
// is capped at 3.
func PsychologicalLevels(bars []market.Bar, kind LevelKind) []Level {
	if len(bars) == 0 {
		return nil
	}
	base := math.Floor(bars[len(bars)-1].Close/5) * 5
	var out []Level
	for i := 1; i < 5; i++ {
		price := base + float64(i*5)
		if kind == Support {
			price = base - float64(i*5)
		}
		if price <= 0 {
			continue
		}
		if touches := CountTouches(bars, price, 0.02); touches >= 1 {
			out = append(out, Level{Price: Round(price, 2), Strength: min(touches, 3), Type: "psychological"})
		}
	}
	return out
}

// MergeLevels sorts all levels by price and folds each run within 1% of
// its first member into one level with the mean price and summed strength.
func MergeLevels(lists ...[]Level) []Level {
	var all []Level
	for _, l := range lists {
		all = append(all, l...)
	}
	if len(all) == 0 {
		return nil
	}
	slices.SortStableFunc(all, func(a, b Level) int { return cmp.Compare(a.Price, b.Price) })

	var merged []Level
	for i := 0; i < len(all); {
		head := all[i]
		j := i + 1
		for j < len(all) && head.Price != 0 && math.Abs(all[j].Price-head.Price)/head.Price <= 0.01 {
			j++
		}
		var sum float64
		strength := 0
		sources := make([]string, 0, j-i)
		for _, l := range all[i:j] {
			sum += l.Price
			strength += l.Strength
			sources = append(sources, l.Type)
		}
		merged = append(merged, Level{
			Price:    Round(sum/float64(j-i), 2),
			Strength: strength,
			Type:     "merged",
			Sources:  sources,
		})
		i = j
	}
	return merged
}

// FindLevels runs pivots, local extrema and psychological levels for kind,
// merges them, keeps strength two and above, and orders them outward from
// price: supports descending, resistances ascending.
func FindLevels(bars []market.Bar, kind LevelKind, minTouches int) []Level {
	merged := MergeLevels(
		Pivots(bars, kind),
		LocalExtrema(bars, kind, 10, minTouches),
		PsychologicalLevels(bars, kind),
	)
	strong := slices.DeleteFunc(merged, func(l Level) bool { return l.Strength < 2 })
	if kind == Support {
		slices.Reverse(strong)
	}
	return strong
}

// NearestBelow returns the highest level under price.
func NearestBelow(levels []Level, price float64) *Level {
	var best *Level
	for i := range levels {
		if levels[i].Price < price && (best == nil || levels[i].Price > best.Price) {
			best = &levels[i]
		}
	}
	return best
}

// NearestAbove returns the lowest level over price.
func NearestAbove(levels []Level, price float64) *Level {
	var best *Level
	for i := range levels {
		if levels[i].Price > price && (best == nil || levels[i].Price < best.Price) {
			best = &levels[i]
		}
	}
	return best
}
