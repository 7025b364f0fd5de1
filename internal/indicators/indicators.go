// Package indicators holds the pure numerical primitives predicates are
// built from. Every function is deterministic over its inputs. Latest-value
// functions report ok=false on insufficient data; series functions return a
// slice parallel to the input with NaN where a value is not yet defined.
package indicators

import (
	"math"

	"crypto-screener/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates the latest Simple Moving Average of closes.
func CalculateSMA(klines []market.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period), true
}

// CalculateSMASeries calculates the SMA at every bar.
func CalculateSMASeries(klines []market.Kline, period int) []float64 {
	out := nanSeries(len(klines))
	if period <= 0 || len(klines) < period {
		return out
	}

	sum := 0.0
	for i, k := range klines {
		sum += k.Close
		if i >= period {
			sum -= klines[i-period].Close
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// CalculateEMA calculates the latest Exponential Moving Average of closes.
func CalculateEMA(klines []market.Kline, period int) (float64, bool) {
	series := CalculateEMASeries(klines, period)
	return latest(series)
}

// CalculateEMASeries calculates the EMA at every bar, seeded with the SMA
// of the first period.
func CalculateEMASeries(klines []market.Kline, period int) []float64 {
	out := nanSeries(len(klines))
	if period <= 0 || len(klines) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += klines[i].Close
	}
	ema := sum / float64(period)
	out[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close * multiplier) + (ema * (1 - multiplier))
		out[i] = ema
	}
	return out
}

// ============================================================================
// RSI (Relative Strength Index, Wilder smoothing)
// ============================================================================

// CalculateRSI calculates the latest RSI.
func CalculateRSI(klines []market.Kline, period int) (float64, bool) {
	return latest(CalculateRSISeries(klines, period))
}

// CalculateRSISeries calculates the RSI at every bar using Wilder's
// smoothing; values are defined from index `period` onward.
func CalculateRSISeries(klines []market.Kline, period int) []float64 {
	out := nanSeries(len(klines))
	if period <= 0 || len(klines) < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds MACD indicator values.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// CalculateMACD calculates the latest MACD line, signal line, and
// histogram. The signal line is a true EMA over the MACD series.
func CalculateMACD(klines []market.Kline, fastPeriod, slowPeriod, signalPeriod int) (MACDResult, bool) {
	macd, signal, hist := CalculateMACDSeries(klines, fastPeriod, slowPeriod, signalPeriod)
	n := len(hist)
	if n == 0 || math.IsNaN(hist[n-1]) {
		return MACDResult{}, false
	}
	return MACDResult{MACD: macd[n-1], Signal: signal[n-1], Histogram: hist[n-1]}, true
}

// CalculateMACDSeries calculates MACD, signal, and histogram at every bar.
func CalculateMACDSeries(klines []market.Kline, fastPeriod, slowPeriod, signalPeriod int) (macd, signal, histogram []float64) {
	n := len(klines)
	macd, signal, histogram = nanSeries(n), nanSeries(n), nanSeries(n)
	if fastPeriod <= 0 || slowPeriod <= fastPeriod || signalPeriod <= 0 || n < slowPeriod {
		return
	}

	fast := CalculateEMASeries(klines, fastPeriod)
	slow := CalculateEMASeries(klines, slowPeriod)
	for i := slowPeriod - 1; i < n; i++ {
		macd[i] = fast[i] - slow[i]
	}

	// EMA over the MACD values, seeded with their initial SMA.
	first := slowPeriod - 1
	if n-first < signalPeriod {
		return
	}
	sum := 0.0
	for i := first; i < first+signalPeriod; i++ {
		sum += macd[i]
	}
	sig := sum / float64(signalPeriod)
	signal[first+signalPeriod-1] = sig
	histogram[first+signalPeriod-1] = macd[first+signalPeriod-1] - sig

	multiplier := 2.0 / float64(signalPeriod+1)
	for i := first + signalPeriod; i < n; i++ {
		sig = (macd[i] * multiplier) + (sig * (1 - multiplier))
		signal[i] = sig
		histogram[i] = macd[i] - sig
	}
	return
}

// ============================================================================
// RANGE EXTREMES
// ============================================================================

// CalculateHighestHigh returns the highest high over the last n bars.
func CalculateHighestHigh(klines []market.Kline, n int) (float64, bool) {
	if n <= 0 || len(klines) < n {
		return 0, false
	}
	highest := klines[len(klines)-n].High
	for i := len(klines) - n; i < len(klines); i++ {
		if klines[i].High > highest {
			highest = klines[i].High
		}
	}
	return highest, true
}

// CalculateLowestLow returns the lowest low over the last n bars.
func CalculateLowestLow(klines []market.Kline, n int) (float64, bool) {
	if n <= 0 || len(klines) < n {
		return 0, false
	}
	lowest := klines[len(klines)-n].Low
	for i := len(klines) - n; i < len(klines); i++ {
		if klines[i].Low < lowest {
			lowest = klines[i].Low
		}
	}
	return lowest, true
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds Bollinger Band values.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// CalculateBollingerBands calculates the latest Bollinger Bands over
// period with a stdDevMultiplier-wide envelope.
func CalculateBollingerBands(klines []market.Kline, period int, stdDevMultiplier float64) (BollingerResult, bool) {
	middle, ok := CalculateSMA(klines, period)
	if !ok {
		return BollingerResult{}, false
	}

	variance := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		diff := klines[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return BollingerResult{
		Upper:  middle + (stdDev * stdDevMultiplier),
		Middle: middle,
		Lower:  middle - (stdDev * stdDevMultiplier),
	}, true
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// StochasticResult holds %K and %D.
type StochasticResult struct {
	K float64
	D float64
}

// CalculateStochastic calculates the classical Stochastic Oscillator;
// %D is the dPeriod SMA of %K.
func CalculateStochastic(klines []market.Kline, kPeriod, dPeriod int) (StochasticResult, bool) {
	kSeries := stochasticKSeries(klines, kPeriod)
	dSeries := smaOfSeries(kSeries, dPeriod)

	n := len(klines)
	if n == 0 || math.IsNaN(dSeries[n-1]) {
		return StochasticResult{}, false
	}
	return StochasticResult{K: kSeries[n-1], D: dSeries[n-1]}, true
}

func stochasticKSeries(klines []market.Kline, kPeriod int) []float64 {
	out := nanSeries(len(klines))
	if kPeriod <= 0 || len(klines) < kPeriod {
		return out
	}
	for i := kPeriod - 1; i < len(klines); i++ {
		hh := klines[i-kPeriod+1].High
		ll := klines[i-kPeriod+1].Low
		for j := i - kPeriod + 1; j <= i; j++ {
			if klines[j].High > hh {
				hh = klines[j].High
			}
			if klines[j].Low < ll {
				ll = klines[j].Low
			}
		}
		if hh == ll {
			out[i] = 50
			continue
		}
		out[i] = (klines[i].Close - ll) / (hh - ll) * 100
	}
	return out
}

// ============================================================================
// STOCHASTIC RSI
// ============================================================================

// StochRSIResult holds StochRSI %K and %D.
type StochRSIResult struct {
	K float64
	D float64
}

// CalculateStochRSI calculates the latest StochRSI: the stochastic of the
// RSI series, smoothed into %K and %D.
func CalculateStochRSI(klines []market.Kline, rsiPeriod, stochPeriod, kSmooth, dSmooth int) (StochRSIResult, bool) {
	kSeries, dSeries := CalculateStochRSISeries(klines, rsiPeriod, stochPeriod, kSmooth, dSmooth)
	n := len(klines)
	if n == 0 || math.IsNaN(dSeries[n-1]) {
		return StochRSIResult{}, false
	}
	return StochRSIResult{K: kSeries[n-1], D: dSeries[n-1]}, true
}

// CalculateStochRSISeries calculates StochRSI %K and %D at every bar.
func CalculateStochRSISeries(klines []market.Kline, rsiPeriod, stochPeriod, kSmooth, dSmooth int) (k, d []float64) {
	n := len(klines)
	if rsiPeriod <= 0 || stochPeriod <= 0 || kSmooth <= 0 || dSmooth <= 0 {
		return nanSeries(n), nanSeries(n)
	}

	rsi := CalculateRSISeries(klines, rsiPeriod)
	raw := nanSeries(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(rsi[i]) {
			continue
		}
		// Window must be fully defined.
		start := i - stochPeriod + 1
		if start < 0 || math.IsNaN(rsi[start]) {
			continue
		}
		lo, hi := rsi[start], rsi[start]
		for j := start; j <= i; j++ {
			if rsi[j] < lo {
				lo = rsi[j]
			}
			if rsi[j] > hi {
				hi = rsi[j]
			}
		}
		if hi == lo {
			raw[i] = 50
			continue
		}
		raw[i] = (rsi[i] - lo) / (hi - lo) * 100
	}

	k = smaOfSeries(raw, kSmooth)
	d = smaOfSeries(k, dSmooth)
	return k, d
}

// ============================================================================
// ADX (Average Directional Index, Wilder smoothing)
// ============================================================================

// CalculateADX calculates the latest ADX over period.
func CalculateADX(klines []market.Kline, period int) (float64, bool) {
	// Seeding DI plus smoothing DX needs two full periods of movement.
	if period <= 0 || len(klines) < 2*period+1 {
		return 0, false
	}

	n := len(klines)
	var smTR, smPlusDM, smMinusDM float64
	for i := 1; i <= period; i++ {
		tr, plusDM, minusDM := directionalMovement(klines[i-1], klines[i])
		smTR += tr
		smPlusDM += plusDM
		smMinusDM += minusDM
	}

	var adx float64
	var dxCount int
	for i := period + 1; i < n; i++ {
		tr, plusDM, minusDM := directionalMovement(klines[i-1], klines[i])
		smTR = smTR - (smTR / float64(period)) + tr
		smPlusDM = smPlusDM - (smPlusDM / float64(period)) + plusDM
		smMinusDM = smMinusDM - (smMinusDM / float64(period)) + minusDM

		if smTR == 0 {
			continue
		}
		plusDI := 100 * smPlusDM / smTR
		minusDI := 100 * smMinusDM / smTR
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI-minusDI) / sum

		dxCount++
		if dxCount < period {
			adx += dx
			continue
		}
		if dxCount == period {
			adx = (adx + dx) / float64(period)
			continue
		}
		adx = (adx*float64(period-1) + dx) / float64(period)
	}

	if dxCount < period {
		return 0, false
	}
	return adx, true
}

func directionalMovement(prev, cur market.Kline) (tr, plusDM, minusDM float64) {
	tr = math.Max(cur.High-cur.Low,
		math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))

	upMove := cur.High - prev.High
	downMove := prev.Low - cur.Low
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	return
}

// ============================================================================
// SERIES HELPERS
// ============================================================================

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// smaOfSeries smooths a NaN-padded series; a window containing any NaN
// stays undefined.
func smaOfSeries(series []float64, period int) []float64 {
	out := nanSeries(len(series))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(series); i++ {
		sum := 0.0
		ok := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(series[j]) {
				ok = false
				break
			}
			sum += series[j]
		}
		if ok {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func latest(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
