// Package indicators holds the pure technical-analysis functions the
// analyzer agents share. Series are aligned with their input; positions
// without enough history hold NaN.
package indicators

import (
	"math"
)

// SMA returns the simple moving average over period.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the span-smoothed exponential average, seeded with the first
// value and without bias adjustment.
func EMA(values []float64, span int) []float64 {
	if span <= 0 {
		return nanSeries(len(values))
	}
	return ewm(values, 2/float64(span+1))
}

func ewm(values []float64, alpha float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if i == 0 {
			out[i] = v
			continue
		}
		out[i] = alpha*v + (1-alpha)*out[i-1]
	}
	return out
}

// RSI returns Wilder's relative strength index. The first defined value is
// at index period. A flat window reads 50.
func RSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}
	alpha := 1 / float64(period)
	var gain, loss float64
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := math.Max(d, 0), math.Max(-d, 0)
		if i == 1 {
			gain, loss = g, l
		} else {
			gain = alpha*g + (1-alpha)*gain
			loss = alpha*l + (1-alpha)*loss
		}
		if i < period {
			continue
		}
		switch {
		case loss == 0 && gain == 0:
			out[i] = 50
		case loss == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+gain/loss)
		}
	}
	return out
}

// Last returns the final element, or NaN for an empty series.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// Peaks returns indices strictly greater than the window neighbours on
// both sides. NaN positions never qualify.
func Peaks(series []float64, window int) []int {
	return extrema(series, window, func(a, b float64) bool { return a > b })
}

// Troughs returns indices strictly less than the window neighbours.
func Troughs(series []float64, window int) []int {
	return extrema(series, window, func(a, b float64) bool { return a < b })
}

func extrema(series []float64, window int, beats func(a, b float64) bool) []int {
	var out []int
	for i := window; i < len(series)-window; i++ {
		if math.IsNaN(series[i]) {
			continue
		}
		ok := true
		for j := 1; j <= window && ok; j++ {
			ok = beats(series[i], series[i-j]) && beats(series[i], series[i+j])
		}
		if ok {
			out = append(out, i)
		}
	}
	return out
}

// Crossover locates the latest sign change of fast minus slow, looking
// only where both averages are defined.
type Crossover struct {
	Index   int
	Bullish bool
}

// LastCrossover returns the most recent crossover, or false.
func LastCrossover(fast, slow []float64) (Crossover, bool) {
	n := min(len(fast), len(slow))
	prev := 0
	var last Crossover
	found := false
	for i := 0; i < n; i++ {
		if math.IsNaN(fast[i]) || math.IsNaN(slow[i]) {
			continue
		}
		sign := -1
		if fast[i] > slow[i] {
			sign = 1
		}
		if prev != 0 && sign != prev {
			last = Crossover{Index: i, Bullish: sign > 0}
			found = true
		}
		prev = sign
	}
	return last, found
}

// RateOfChange returns the percentage change from the value n positions
// before the end (inclusive of the last) to the last value. Too short a
// series yields 0.
func RateOfChange(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	base := values[len(values)-n]
	if base == 0 {
		return 0
	}
	return (values[len(values)-1] - base) / base * 100
}

// PctDistance is (price-ref)/ref in percent.
func PctDistance(price, ref float64) float64 {
	if ref == 0 {
		return 0
	}
	return (price - ref) / ref * 100
}

// Round rounds to places decimals. NaN and infinities pass through.
func Round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
