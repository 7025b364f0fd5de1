package klines

import "crypto-screener/internal/market"

// View is a read-only snapshot of one series taken at a point in time.
// Bars are ordered oldest to newest.
type View struct {
	klines []market.Kline
}

// NewView wraps a copied slice; used by the historical scanner to build
// truncated replay windows.
func NewView(ks []market.Kline) View {
	return View{klines: ks}
}

// Len returns the number of bars in the snapshot.
func (v View) Len() int {
	return len(v.klines)
}

// At returns the bar at index i (0 = oldest).
func (v View) At(i int) market.Kline {
	return v.klines[i]
}

// Last returns the newest bar.
func (v View) Last() (market.Kline, bool) {
	if len(v.klines) == 0 {
		return market.Kline{}, false
	}
	return v.klines[len(v.klines)-1], true
}

// Closed returns the bars with the open tail (if any) excluded. The
// returned slice aliases the snapshot, which is itself a copy.
func (v View) Closed() []market.Kline {
	n := len(v.klines)
	if n > 0 && !v.klines[n-1].IsFinal {
		n--
	}
	return v.klines[:n]
}

// All returns every bar in the snapshot including an open tail.
func (v View) All() []market.Kline {
	return v.klines
}

// Slice returns a sub-view over bars [from, to). Indices are clamped to
// the snapshot bounds.
func (v View) Slice(from, to int) View {
	if from < 0 {
		from = 0
	}
	if to > len(v.klines) {
		to = len(v.klines)
	}
	if from >= to {
		return View{}
	}
	return View{klines: v.klines[from:to]}
}

// TruncateAt returns a sub-view containing only bars with
// openTime <= cutoff. Used for historical replay positioning.
func (v View) TruncateAt(cutoff int64) View {
	i := len(v.klines)
	for i > 0 && v.klines[i-1].OpenTime > cutoff {
		i--
	}
	return View{klines: v.klines[:i]}
}
