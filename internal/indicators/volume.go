package indicators

import (
	"math"
	"sort"

	"crypto-screener/internal/market"
)

// ============================================================================
// VOLUME
// ============================================================================

// CalculateAverageVolume calculates average volume over the last period
// bars.
func CalculateAverageVolume(klines []market.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period), true
}

// ============================================================================
// VWAP (Volume Weighted Average Price)
// ============================================================================

// VWAPBandsResult holds VWAP with a stddev envelope.
type VWAPBandsResult struct {
	VWAP  float64
	Upper float64
	Lower float64
}

// CalculateVWAP calculates VWAP over the whole view using the typical
// price (H+L+C)/3.
func CalculateVWAP(klines []market.Kline) (float64, bool) {
	return CalculateVWAPWindow(klines, len(klines))
}

// CalculateVWAPWindow calculates VWAP anchored to the last window bars.
func CalculateVWAPWindow(klines []market.Kline, window int) (float64, bool) {
	if window <= 0 || len(klines) < window {
		return 0, false
	}

	totalPV := 0.0
	totalVolume := 0.0
	for i := len(klines) - window; i < len(klines); i++ {
		typical := (klines[i].High + klines[i].Low + klines[i].Close) / 3
		totalPV += typical * klines[i].Volume
		totalVolume += klines[i].Volume
	}
	if totalVolume == 0 {
		return 0, false
	}
	return totalPV / totalVolume, true
}

// CalculateVWAPSeries calculates the cumulative VWAP at every bar.
func CalculateVWAPSeries(klines []market.Kline) []float64 {
	out := nanSeries(len(klines))
	totalPV := 0.0
	totalVolume := 0.0
	for i, k := range klines {
		typical := (k.High + k.Low + k.Close) / 3
		totalPV += typical * k.Volume
		totalVolume += k.Volume
		if totalVolume > 0 {
			out[i] = totalPV / totalVolume
		}
	}
	return out
}

// CalculateVWAPBands calculates VWAP over the last window bars with a
// volume-weighted stddev envelope of width k.
func CalculateVWAPBands(klines []market.Kline, window int, k float64) (VWAPBandsResult, bool) {
	vwap, ok := CalculateVWAPWindow(klines, window)
	if !ok {
		return VWAPBandsResult{}, false
	}

	variance := 0.0
	totalVolume := 0.0
	for i := len(klines) - window; i < len(klines); i++ {
		typical := (klines[i].High + klines[i].Low + klines[i].Close) / 3
		diff := typical - vwap
		variance += diff * diff * klines[i].Volume
		totalVolume += klines[i].Volume
	}
	stdDev := math.Sqrt(variance / totalVolume)

	return VWAPBandsResult{
		VWAP:  vwap,
		Upper: vwap + k*stdDev,
		Lower: vwap - k*stdDev,
	}, true
}

// ============================================================================
// PVI (Positive Volume Index)
// ============================================================================

// CalculatePVI calculates the latest Positive Volume Index.
func CalculatePVI(klines []market.Kline) (float64, bool) {
	return latest(CalculatePVISeries(klines))
}

// CalculatePVISeries calculates the PVI at every bar, starting at 1000.
// The index moves with price only on bars whose volume exceeds the
// previous bar's.
func CalculatePVISeries(klines []market.Kline) []float64 {
	out := nanSeries(len(klines))
	if len(klines) == 0 {
		return out
	}

	pvi := 1000.0
	out[0] = pvi
	for i := 1; i < len(klines); i++ {
		if klines[i].Volume > klines[i-1].Volume && klines[i-1].Close != 0 {
			change := (klines[i].Close - klines[i-1].Close) / klines[i-1].Close
			pvi *= 1 + change
		}
		out[i] = pvi
	}
	return out
}

// ============================================================================
// HVN (High Volume Nodes)
// ============================================================================

// HVNNode is one ranked price level with concentrated traded volume.
type HVNNode struct {
	Price      float64 // bin midpoint
	Volume     float64
	Strength   float64 // 0..100, relative to the strongest node
	BuyVolume  float64
	SellVolume float64
	RangeLow   float64
	RangeHigh  float64
}

// CalculateHVN bins traded volume by typical price over the last
// lookback bars and returns the non-empty nodes ranked by strength
// descending. Bars closing at or above their open count as buy volume.
func CalculateHVN(klines []market.Kline, lookback, binCount int) []HVNNode {
	if lookback <= 0 || binCount <= 0 || len(klines) == 0 {
		return nil
	}
	if lookback > len(klines) {
		lookback = len(klines)
	}
	window := klines[len(klines)-lookback:]

	low, high := window[0].Low, window[0].High
	for _, k := range window {
		if k.Low < low {
			low = k.Low
		}
		if k.High > high {
			high = k.High
		}
	}
	if high <= low {
		return nil
	}

	binSize := (high - low) / float64(binCount)
	type bin struct {
		volume float64
		buy    float64
		sell   float64
	}
	bins := make([]bin, binCount)

	for _, k := range window {
		typical := (k.High + k.Low + k.Close) / 3
		idx := int((typical - low) / binSize)
		if idx >= binCount {
			idx = binCount - 1
		}
		bins[idx].volume += k.Volume
		if k.Close >= k.Open {
			bins[idx].buy += k.Volume
		} else {
			bins[idx].sell += k.Volume
		}
	}

	maxVolume := 0.0
	for _, b := range bins {
		if b.volume > maxVolume {
			maxVolume = b.volume
		}
	}
	if maxVolume == 0 {
		return nil
	}

	nodes := make([]HVNNode, 0, binCount)
	for i, b := range bins {
		if b.volume == 0 {
			continue
		}
		rangeLow := low + float64(i)*binSize
		nodes = append(nodes, HVNNode{
			Price:      rangeLow + binSize/2,
			Volume:     b.volume,
			Strength:   b.volume / maxVolume * 100,
			BuyVolume:  b.buy,
			SellVolume: b.sell,
			RangeLow:   rangeLow,
			RangeHigh:  rangeLow + binSize,
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Strength > nodes[j].Strength })
	return nodes
}

// IsNearHVN reports whether price sits within tolerancePct of any node.
func IsNearHVN(price float64, nodes []HVNNode, tolerancePct float64) bool {
	for _, n := range nodes {
		if math.Abs(price-n.Price) <= price*tolerancePct/100 {
			return true
		}
	}
	return false
}

// GetClosestHVN returns the node nearest to price.
func GetClosestHVN(price float64, nodes []HVNNode) (HVNNode, bool) {
	if len(nodes) == 0 {
		return HVNNode{}, false
	}

	closest := nodes[0]
	minDiff := math.Abs(price - closest.Price)
	for _, n := range nodes[1:] {
		if diff := math.Abs(price - n.Price); diff < minDiff {
			minDiff = diff
			closest = n
		}
	}
	return closest, true
}

// CountHVNInRange counts nodes whose level falls inside [low, high].
func CountHVNInRange(nodes []HVNNode, low, high float64) int {
	count := 0
	for _, n := range nodes {
		if n.Price >= low && n.Price <= high {
			count++
		}
	}
	return count
}
