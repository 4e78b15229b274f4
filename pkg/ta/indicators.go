package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

// EMA 指数移动平均
func EMA(close []float64, period int) []float64 {
	return talib.Ema(close, period)
}

// RSI 相对强弱指标
func RSI(close []float64, period int) []float64 {
	return talib.Rsi(close, period)
}

// MACD 返回 macd 线、信号线和柱状图
func MACD(close []float64, fast, slow, signal int) (macd, signalLine, hist []float64) {
	return talib.Macd(close, fast, slow, signal)
}

// BBands 布林带，返回上轨、中轨、下轨
func BBands(close []float64, period int, nbDev float64) (upper, middle, lower []float64) {
	return talib.BBands(close, period, nbDev, nbDev, talib.SMA)
}

// ATR 平均真实波幅
func ATR(high, low, close []float64, period int) []float64 {
	return talib.Atr(high, low, close, period)
}

// Volatility 以收益率标准差衡量的已实现波动率，结果为百分比
func Volatility(close []float64) float64 {
	rets := Returns(close)
	if len(rets) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var sq float64
	for _, r := range rets {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(rets))) * 100
}
