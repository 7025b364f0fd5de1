package indicators

import (
	"math"

	"crypto-screener/internal/market"
)

// ============================================================================
// CANDLESTICK PATTERNS
// ============================================================================

// IsBullishEngulfing detects a Bullish Engulfing pattern.
func IsBullishEngulfing(prev, current market.Kline) bool {
	// Previous candle is bearish
	prevBearish := prev.Close < prev.Open
	// Current candle is bullish
	currentBullish := current.Close > current.Open

	if !prevBearish || !currentBullish {
		return false
	}

	// Current candle's body engulfs previous candle's body
	return current.Open <= prev.Close && current.Close >= prev.Open
}

// IsBearishEngulfing detects a Bearish Engulfing pattern.
func IsBearishEngulfing(prev, current market.Kline) bool {
	// Previous candle is bullish
	prevBullish := prev.Close > prev.Open
	// Current candle is bearish
	currentBearish := current.Close < current.Open

	if !prevBullish || !currentBearish {
		return false
	}

	// Current candle's body engulfs previous candle's body
	return current.Open >= prev.Close && current.Close <= prev.Open
}

// IsEngulfing detects either engulfing variant on the last two bars.
func IsEngulfing(klines []market.Kline) bool {
	if len(klines) < 2 {
		return false
	}
	prev, current := klines[len(klines)-2], klines[len(klines)-1]
	return IsBullishEngulfing(prev, current) || IsBearishEngulfing(prev, current)
}

// Candle anatomy.
func body(k market.Kline) float64      { return math.Abs(k.Close - k.Open) }
func upperWick(k market.Kline) float64 { return k.High - max(k.Open, k.Close) }
func lowerWick(k market.Kline) float64 { return min(k.Open, k.Close) - k.Low }

// IsDoji detects an indecision candle: the body is under 10% of the
// full range.
func IsDoji(k market.Kline) bool {
	rng := k.High - k.Low
	if rng == 0 {
		return false
	}
	return body(k)/rng < 0.10
}

// IsDragonflyDoji detects a doji with a long lower wick and almost no
// upper wick.
func IsDragonflyDoji(k market.Kline) bool {
	if !IsDoji(k) {
		return false
	}
	return lowerWick(k) > body(k)*3 && upperWick(k) < body(k)*0.3
}

// IsGravestoneDoji is the bearish mirror: long upper wick, bare lower.
func IsGravestoneDoji(k market.Kline) bool {
	if !IsDoji(k) {
		return false
	}
	return upperWick(k) > body(k)*3 && lowerWick(k) < body(k)*0.3
}

// IsHammer detects a long lower wick candle after a down bar. The wick
// must be at least twice the body with almost no wick on top.
func IsHammer(prev, current market.Kline) bool {
	if lowerWick(current) < body(current)*2 || upperWick(current) > body(current)*0.3 {
		return false
	}
	return prev.Close < prev.Open
}

// IsHangingMan is the hammer shape after an up bar.
func IsHangingMan(prev, current market.Kline) bool {
	if lowerWick(current) < body(current)*2 || upperWick(current) > body(current)*0.3 {
		return false
	}
	return prev.Close > prev.Open
}

// IsShootingStar detects a long upper wick candle after an up bar.
func IsShootingStar(prev, current market.Kline) bool {
	if upperWick(current) < body(current)*2 || lowerWick(current) > body(current)*0.3 {
		return false
	}
	return prev.Close > prev.Open
}

// IsBullishHarami detects a small bullish candle contained inside the
// body of a large bearish one. The first body must dominate its range
// and the second must stay under half its size.
func IsBullishHarami(prev, current market.Kline) bool {
	if prev.Close >= prev.Open || current.Close <= current.Open {
		return false
	}
	prevBody := prev.Open - prev.Close
	if prevBody < (prev.High-prev.Low)*0.6 {
		return false
	}
	if current.Open < prev.Close || current.Close > prev.Open {
		return false
	}
	return current.Close-current.Open <= prevBody*0.5
}

// IsBearishHarami mirrors it: a small bearish candle inside a large
// bullish body.
func IsBearishHarami(prev, current market.Kline) bool {
	if prev.Close <= prev.Open || current.Close >= current.Open {
		return false
	}
	prevBody := prev.Close - prev.Open
	if prevBody < (prev.High-prev.Low)*0.6 {
		return false
	}
	if current.Open > prev.Close || current.Close < prev.Open {
		return false
	}
	return current.Open-current.Close <= prevBody*0.5
}

// IsMorningStar detects the three-bar bullish reversal: a decisive down
// bar, an indecision bar, then a decisive up bar closing above the
// midpoint of the first.
func IsMorningStar(first, second, third market.Kline) bool {
	if first.Close >= first.Open {
		return false
	}
	firstBody := first.Open - first.Close
	if firstBody < (first.High-first.Low)*0.6 {
		return false
	}
	if body(second) > firstBody*0.4 {
		return false
	}
	if third.Close <= third.Open {
		return false
	}
	if third.Close-third.Open < (third.High-third.Low)*0.6 {
		return false
	}
	return third.Close >= (first.Open+first.Close)/2
}

// IsEveningStar is the bearish mirror.
func IsEveningStar(first, second, third market.Kline) bool {
	if first.Close <= first.Open {
		return false
	}
	firstBody := first.Close - first.Open
	if firstBody < (first.High-first.Low)*0.6 {
		return false
	}
	if body(second) > firstBody*0.4 {
		return false
	}
	if third.Close >= third.Open {
		return false
	}
	if third.Open-third.Close < (third.High-third.Low)*0.6 {
		return false
	}
	return third.Close <= (first.Open+first.Close)/2
}

// ============================================================================
// CONTINUATION PATTERNS
// ============================================================================

// Flags split the window into a ten-bar pole and a five-bar drift.
// Triangles form over ten bars.
const (
	flagPoleBars  = 10
	flagDriftBars = 5
	triangleBars  = 10
)

// IsBullishFlag detects an upward pole followed by a shallow downward
// drift on the last fifteen bars. At least 60% of the pole bars must
// close up and the drift must stay within half the pole height.
func IsBullishFlag(klines []market.Kline) bool {
	n := len(klines)
	if n < flagPoleBars+flagDriftBars {
		return false
	}
	pole := klines[n-flagPoleBars-flagDriftBars : n-flagDriftBars]
	drift := klines[n-flagDriftBars:]

	height := pole[len(pole)-1].Close - pole[0].Open
	if height <= 0 {
		return false
	}
	up := 0
	for _, k := range pole {
		if k.Close > k.Open {
			up++
		}
	}
	if float64(up)/float64(len(pole)) < 0.6 {
		return false
	}

	top, bottom := drift[0].High, drift[len(drift)-1].Low
	if bottom > top {
		return false
	}
	return top-bottom <= height*0.5
}

// IsBearishFlag mirrors it: a downward pole with a shallow upward
// drift.
func IsBearishFlag(klines []market.Kline) bool {
	n := len(klines)
	if n < flagPoleBars+flagDriftBars {
		return false
	}
	pole := klines[n-flagPoleBars-flagDriftBars : n-flagDriftBars]
	drift := klines[n-flagDriftBars:]

	height := pole[0].Open - pole[len(pole)-1].Close
	if height <= 0 {
		return false
	}
	down := 0
	for _, k := range pole {
		if k.Close < k.Open {
			down++
		}
	}
	if float64(down)/float64(len(pole)) < 0.6 {
		return false
	}

	bottom, top := drift[0].Low, drift[len(drift)-1].High
	if top < bottom {
		return false
	}
	return top-bottom <= height*0.5
}

// IsAscendingTriangle detects flat resistance with rising support over
// the last ten bars. Resistance counts as flat when the variance of
// the highs stays within 2% of their mean.
func IsAscendingTriangle(klines []market.Kline) bool {
	highs, lows, ok := triangleWindow(klines)
	if !ok {
		return false
	}
	if variance(highs) > mean(highs)*0.02 {
		return false
	}
	return halfTrend(lows) > 0
}

// IsDescendingTriangle detects flat support with falling resistance.
func IsDescendingTriangle(klines []market.Kline) bool {
	highs, lows, ok := triangleWindow(klines)
	if !ok {
		return false
	}
	if variance(lows) > mean(lows)*0.02 {
		return false
	}
	return halfTrend(highs) < 0
}

func triangleWindow(klines []market.Kline) (highs, lows []float64, ok bool) {
	if len(klines) < triangleBars {
		return nil, nil, false
	}
	window := klines[len(klines)-triangleBars:]
	highs = make([]float64, len(window))
	lows = make([]float64, len(window))
	for i, k := range window {
		highs[i] = k.High
		lows[i] = k.Low
	}
	return highs, lows, true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}

// halfTrend compares the mean of the second half of a series against
// the first. Positive means rising.
func halfTrend(values []float64) float64 {
	half := len(values) / 2
	return mean(values[half:]) - mean(values[:half])
}

// ============================================================================
// DIVERGENCE
// ============================================================================

// Divergence marks oscillator/price disagreement within a lookback.
type Divergence struct {
	Bullish bool
	Bearish bool
}

// DetectDivergence compares price extremes against an oscillator series
// (parallel to klines, NaN-padded) over the last lookback bars. Bullish:
// price makes a lower low while the oscillator makes a higher low.
// Bearish: price makes a higher high while the oscillator makes a lower
// high. The lookback is split in two halves and their extremes compared.
func DetectDivergence(klines []market.Kline, osc []float64, lookback int) Divergence {
	if lookback < 4 || len(klines) < lookback || len(osc) != len(klines) {
		return Divergence{}
	}

	start := len(klines) - lookback
	mid := start + lookback/2

	oldLowIdx, oldHighIdx, ok1 := extremes(klines, osc, start, mid)
	newLowIdx, newHighIdx, ok2 := extremes(klines, osc, mid, len(klines))
	if !ok1 || !ok2 {
		return Divergence{}
	}

	var d Divergence
	if klines[newLowIdx].Low < klines[oldLowIdx].Low && osc[newLowIdx] > osc[oldLowIdx] {
		d.Bullish = true
	}
	if klines[newHighIdx].High > klines[oldHighIdx].High && osc[newHighIdx] < osc[oldHighIdx] {
		d.Bearish = true
	}
	return d
}

// extremes finds the lowest-low and highest-high bar indexes in
// [start, end) among bars where the oscillator is defined.
func extremes(klines []market.Kline, osc []float64, start, end int) (lowIdx, highIdx int, ok bool) {
	lowIdx, highIdx = -1, -1
	for i := start; i < end; i++ {
		if math.IsNaN(osc[i]) {
			continue
		}
		if lowIdx == -1 || klines[i].Low < klines[lowIdx].Low {
			lowIdx = i
		}
		if highIdx == -1 || klines[i].High > klines[highIdx].High {
			highIdx = i
		}
	}
	return lowIdx, highIdx, lowIdx != -1
}
