package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/MarketClaw/internal/market"
)

func assertSeries(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.IsNaN(want[i]) {
			assert.True(t, math.IsNaN(got[i]), "index %d: want NaN, got %v", i, got[i])
			continue
		}
		assert.InDelta(t, want[i], got[i], 1e-9, "index %d", i)
	}
}

var nan = math.NaN()

func TestSMA(t *testing.T) {
	assertSeries(t, []float64{nan, nan, 2, 3, 4}, SMA([]float64{1, 2, 3, 4, 5}, 3))
	assertSeries(t, []float64{nan, nan}, SMA([]float64{1, 2}, 3))
}

func TestEMA(t *testing.T) {
	assertSeries(t, []float64{1, 1.5, 2.25}, EMA([]float64{1, 2, 3}, 3))
}

func TestRSI(t *testing.T) {
	assertSeries(t, []float64{nan, nan, 50}, RSI([]float64{1, 2, 1}, 2))

	rising := make([]float64, 20)
	flat := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(i + 1)
		flat[i] = 7
	}
	r := RSI(rising, 14)
	assert.True(t, math.IsNaN(r[13]))
	assert.Equal(t, 100.0, Last(r))
	assert.Equal(t, 50.0, Last(RSI(flat, 14)))

	short := RSI([]float64{1, 2, 3}, 14)
	assert.True(t, math.IsNaN(Last(short)))
}

func TestPeaksAndTroughs(t *testing.T) {
	s := []float64{1, 3, 1, 0, 5, 0}
	assert.Equal(t, []int{1, 4}, Peaks(s, 1))
	assert.Equal(t, []int{3}, Troughs(s, 1))
	assert.Empty(t, Peaks([]float64{1, 1, 1}, 1), "ties are not peaks")
}

func TestLastCrossover(t *testing.T) {
	fast := []float64{nan, 1, 3, 2, 1}
	slow := []float64{nan, 2, 2, 2, 2}
	c, ok := LastCrossover(fast, slow)
	require.True(t, ok)
	assert.Equal(t, 3, c.Index)
	assert.False(t, c.Bullish)

	_, ok = LastCrossover([]float64{3, 4}, []float64{1, 2})
	assert.False(t, ok)
}

func TestRateOfChange(t *testing.T) {
	v := []float64{100, 101, 102, 103, 110}
	assert.InDelta(t, 10.0, RateOfChange(v, 5), 1e-9)
	assert.InDelta(t, (110.0-102)/102*100, RateOfChange(v, 3), 1e-9)
	assert.Zero(t, RateOfChange(v, 6))
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.23, Round(1.2345, 2))
	assert.True(t, math.IsNaN(Round(nan, 2)))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResampleWeekly(t *testing.T) {
	var bars []market.Bar
	for i := 0; i < 5; i++ {
		c := 10 + float64(i)
		bars = append(bars, market.Bar{Date: day(2026, 3, 2+i), Open: c, High: c + 1, Low: c - 1, Close: c + 0.5, Volume: 10})
	}
	bars = append(bars, market.Bar{Date: day(2026, 3, 9), Open: 20, High: 21, Low: 19, Close: 20.5, Volume: 5})

	weekly := Resample(bars, Weekly)
	require.Len(t, weekly, 2)
	assert.Equal(t, day(2026, 3, 8), weekly[0].Date)
	assert.Equal(t, 10.0, weekly[0].Open)
	assert.Equal(t, 15.0, weekly[0].High)
	assert.Equal(t, 9.0, weekly[0].Low)
	assert.Equal(t, 14.5, weekly[0].Close)
	assert.Equal(t, int64(50), weekly[0].Volume)
	assert.Equal(t, day(2026, 3, 15), weekly[1].Date)
}

func TestResampleMonthly(t *testing.T) {
	bars := []market.Bar{
		{Date: day(2026, 2, 27), Open: 1, High: 2, Low: 1, Close: 2},
		{Date: day(2026, 3, 2), Open: 2, High: 3, Low: 2, Close: 3},
		{Date: day(2026, 3, 31), Open: 3, High: 4, Low: 1.5, Close: 3.5},
	}
	monthly := Resample(bars, Monthly)
	require.Len(t, monthly, 2)
	assert.Equal(t, day(2026, 2, 28), monthly[0].Date)
	assert.Equal(t, day(2026, 3, 31), monthly[1].Date)
	assert.Equal(t, 1.5, monthly[1].Low)
	assert.Equal(t, 3.5, monthly[1].Close)

	assert.Equal(t, bars, Resample(bars, Daily))
	_, ok := ParseTimeframe("hourly")
	assert.False(t, ok)
}
