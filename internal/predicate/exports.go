package predicate

import (
	"reflect"

	"crypto-screener/internal/indicators"
	"crypto-screener/internal/market"
)

// indicatorSymbols is the `ind` package visible to predicates. Names drop
// the Calculate prefix so filter code reads like a formula:
//
//	rsi, ok := ind.RSI(ctx.Timeframe("5m"), 14)
var indicatorSymbols = map[string]reflect.Value{
	// trend
	"SMA":         reflect.ValueOf(indicators.CalculateSMA),
	"SMASeries":   reflect.ValueOf(indicators.CalculateSMASeries),
	"EMA":         reflect.ValueOf(indicators.CalculateEMA),
	"EMASeries":   reflect.ValueOf(indicators.CalculateEMASeries),
	"MACD":        reflect.ValueOf(indicators.CalculateMACD),
	"MACDSeries":  reflect.ValueOf(indicators.CalculateMACDSeries),
	"ADX":         reflect.ValueOf(indicators.CalculateADX),
	"HighestHigh": reflect.ValueOf(indicators.CalculateHighestHigh),
	"LowestLow":   reflect.ValueOf(indicators.CalculateLowestLow),

	// oscillators
	"RSI":            reflect.ValueOf(indicators.CalculateRSI),
	"RSISeries":      reflect.ValueOf(indicators.CalculateRSISeries),
	"Stochastic":     reflect.ValueOf(indicators.CalculateStochastic),
	"StochRSI":       reflect.ValueOf(indicators.CalculateStochRSI),
	"StochRSISeries": reflect.ValueOf(indicators.CalculateStochRSISeries),
	"Bollinger":      reflect.ValueOf(indicators.CalculateBollingerBands),

	// volume
	"AverageVolume": reflect.ValueOf(indicators.CalculateAverageVolume),
	"VWAP":          reflect.ValueOf(indicators.CalculateVWAP),
	"VWAPWindow":    reflect.ValueOf(indicators.CalculateVWAPWindow),
	"VWAPSeries":    reflect.ValueOf(indicators.CalculateVWAPSeries),
	"VWAPBands":     reflect.ValueOf(indicators.CalculateVWAPBands),
	"PVI":           reflect.ValueOf(indicators.CalculatePVI),
	"PVISeries":     reflect.ValueOf(indicators.CalculatePVISeries),
	"HVN":           reflect.ValueOf(indicators.CalculateHVN),
	"IsNearHVN":     reflect.ValueOf(indicators.IsNearHVN),
	"ClosestHVN":    reflect.ValueOf(indicators.GetClosestHVN),
	"HVNInRange":    reflect.ValueOf(indicators.CountHVNInRange),

	// patterns
	"IsBullishEngulfing":   reflect.ValueOf(indicators.IsBullishEngulfing),
	"IsBearishEngulfing":   reflect.ValueOf(indicators.IsBearishEngulfing),
	"IsEngulfing":          reflect.ValueOf(indicators.IsEngulfing),
	"IsDoji":               reflect.ValueOf(indicators.IsDoji),
	"IsDragonflyDoji":      reflect.ValueOf(indicators.IsDragonflyDoji),
	"IsGravestoneDoji":     reflect.ValueOf(indicators.IsGravestoneDoji),
	"IsHammer":             reflect.ValueOf(indicators.IsHammer),
	"IsHangingMan":         reflect.ValueOf(indicators.IsHangingMan),
	"IsShootingStar":       reflect.ValueOf(indicators.IsShootingStar),
	"IsBullishHarami":      reflect.ValueOf(indicators.IsBullishHarami),
	"IsBearishHarami":      reflect.ValueOf(indicators.IsBearishHarami),
	"IsMorningStar":        reflect.ValueOf(indicators.IsMorningStar),
	"IsEveningStar":        reflect.ValueOf(indicators.IsEveningStar),
	"IsBullishFlag":        reflect.ValueOf(indicators.IsBullishFlag),
	"IsBearishFlag":        reflect.ValueOf(indicators.IsBearishFlag),
	"IsAscendingTriangle":  reflect.ValueOf(indicators.IsAscendingTriangle),
	"IsDescendingTriangle": reflect.ValueOf(indicators.IsDescendingTriangle),
	"DetectDivergence":     reflect.ValueOf(indicators.DetectDivergence),

	// result types, so predicates can declare variables of them
	"MACDResult":       reflect.ValueOf((*indicators.MACDResult)(nil)),
	"BollingerResult":  reflect.ValueOf((*indicators.BollingerResult)(nil)),
	"StochasticResult": reflect.ValueOf((*indicators.StochasticResult)(nil)),
	"StochRSIResult":   reflect.ValueOf((*indicators.StochRSIResult)(nil)),
	"VWAPBandsResult":  reflect.ValueOf((*indicators.VWAPBandsResult)(nil)),
	"HVNNode":          reflect.ValueOf((*indicators.HVNNode)(nil)),
	"Divergence":       reflect.ValueOf((*indicators.Divergence)(nil)),
	"Kline":            reflect.ValueOf((*market.Kline)(nil)),
}
