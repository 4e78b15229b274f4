package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() Config {
	return Config{
		SignalThreshold:   0.5,
		TakeProfitMode:    TakeProfitPercent,
		TakeProfitValue:   1.5,
		StopLossPercent:   1.5,
		MinHold:           5 * time.Minute,
		MinSignalInterval: 30 * time.Second,
		FeeRate:           0.001,
		MLBuyConfidence:   0.4,
		MLSellConfidence:  0.3,
	}
}

func emaSnapshot(price, fast, slow float64) *Snapshot {
	return &Snapshot{
		Symbol:  "BTCUSDT",
		Price:   price,
		EMAFast: []float64{fast, fast},
		EMASlow: []float64{slow, slow},
	}
}

func openPosition(entry, quote, base float64, heldFor time.Duration, now time.Time) PositionView {
	return PositionView{
		Open:                true,
		WorstCaseEntryPrice: entry,
		TotalQuoteSize:      quote,
		TotalBaseAmount:     base,
		OpenedAt:            now.Add(-heldFor),
	}
}

func TestNewClosedSet(t *testing.T) {
	for _, name := range []string{"ema_ml", "macd_rsi", "bollinger", "price_action"} {
		s, err := New(name, defaultConfig())
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	_, err := New("grid", defaultConfig())
	assert.Error(t, err)
}

func TestTakeProfitPercentMode(t *testing.T) {
	// 入场100，现价102，双边手续费0.2%，净收益1.8% >= 1.5% 应当卖出
	s, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	pos := openPosition(100, 50, 0.5, time.Minute, now)

	decision := s.Evaluate(now, emaSnapshot(102, 100, 100), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
	assert.Contains(t, decision.Reason, "take profit")
}

func TestTakeProfitBelowThresholdWaits(t *testing.T) {
	// 现价101.5，净收益1.3% < 1.5%，最短持仓未到，不动作
	s, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	pos := openPosition(100, 50, 0.5, time.Minute, now)

	decision := s.Evaluate(now, emaSnapshot(101.5, 100, 100), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)
}

func TestTakeProfitQuoteCurrencyMode(t *testing.T) {
	cfg := defaultConfig()
	cfg.TakeProfitMode = TakeProfitQuoteCurrency
	cfg.TakeProfitValue = 0.5 // 0.5 USDT
	s, err := New("ema_ml", cfg)
	require.NoError(t, err)

	now := time.Now()
	pos := openPosition(100, 50, 0.5, time.Minute, now)

	// 毛利 (102-100)*0.5 = 1.0，手续费 0.001*(50+51) ≈ 0.101，净利 ≈ 0.899 >= 0.5
	decision := s.Evaluate(now, emaSnapshot(102, 100, 100), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
}

func TestStopLossUnconditional(t *testing.T) {
	// 刚建仓也要止损，最短持仓时间不拦截
	s, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	pos := openPosition(100, 50, 0.5, 10*time.Second, now)

	decision := s.Evaluate(now, emaSnapshot(98, 100, 100), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
	assert.Contains(t, decision.Reason, "stop loss")
}

func TestSignalCooldown(t *testing.T) {
	s, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	snap := emaSnapshot(100, 101, 100) // diff 1% > 0.5%

	first := s.Evaluate(now, snap, PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalBuy, first.Signal)

	// 冷却期内的第二次评估必须等待
	second := s.Evaluate(now.Add(10*time.Second), snap, PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, second.Signal)
	assert.Equal(t, "signal cooldown", second.Reason)

	third := s.Evaluate(now.Add(40*time.Second), snap, PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalBuy, third.Signal)
}

func TestZeroDenominatorYieldsWait(t *testing.T) {
	s, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)

	decision := s.Evaluate(time.Now(), emaSnapshot(100, 100, 0), PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)
}

func TestMLGateBlocksEntryOnly(t *testing.T) {
	s, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	snap := emaSnapshot(100, 101, 100)

	// 置信度不足，拒绝入场
	decision := s.Evaluate(now, snap, PositionView{}, MLScore{Score: 0.2})
	assert.Equal(t, SignalWait, decision.Signal)

	// 同样的低置信度不拦截止损
	s2, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)
	pos := openPosition(100, 50, 0.5, time.Minute, now)
	decision = s2.Evaluate(now, emaSnapshot(98, 101, 100), pos, MLScore{Score: 0.2})
	assert.Equal(t, SignalSell, decision.Signal)
	assert.Contains(t, decision.Reason, "stop loss")
}

func TestTrendReversalExitRespectsMinHold(t *testing.T) {
	s, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	snap := emaSnapshot(100.5, 99, 100) // diff -1% < -0.5%，但盈亏在止盈止损区间内

	// 持仓不足5分钟，趋势反转不离场
	pos := openPosition(100, 50, 0.5, time.Minute, now)
	decision := s.Evaluate(now, snap, pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)

	// 超过5分钟后允许趋势反转离场
	s2, err := New("ema_ml", defaultConfig())
	require.NoError(t, err)
	pos = openPosition(100, 50, 0.5, 10*time.Minute, now)
	decision = s2.Evaluate(now, snap, pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
	assert.Contains(t, decision.Reason, "trend reversal")
}

func TestMacdRsiEntry(t *testing.T) {
	s, err := New("macd_rsi", defaultConfig())
	require.NoError(t, err)

	snap := &Snapshot{
		Symbol:     "BTCUSDT",
		Price:      100,
		RSI:        []float64{25},
		MACD:       []float64{-0.5, 0.2},  // 上穿
		MACDSignal: []float64{-0.2, 0.1},
	}
	decision := s.Evaluate(time.Now(), snap, PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalBuy, decision.Signal)
}

func TestBollingerTouchBands(t *testing.T) {
	s, err := New("bollinger", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	snap := &Snapshot{
		Symbol:   "BTCUSDT",
		Price:    95,
		BBUpper:  []float64{110},
		BBMiddle: []float64{100},
		BBLower:  []float64{95},
	}
	decision := s.Evaluate(now, snap, PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalBuy, decision.Signal)

	// 触及上轨离场
	s2, err := New("bollinger", defaultConfig())
	require.NoError(t, err)
	snap.Price = 110.5
	pos := openPosition(110, 55, 0.5, 10*time.Minute, now)
	decision = s2.Evaluate(now, snap, pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
}

func TestBollingerSqueezeSuppressesTouch(t *testing.T) {
	// 带宽 4/100 = 4% < 5%：挤压期间触轨不交易
	s, err := New("bollinger", defaultConfig())
	require.NoError(t, err)

	now := time.Now()
	snap := &Snapshot{
		Symbol:   "BTCUSDT",
		Price:    97.9,
		BBUpper:  []float64{102},
		BBMiddle: []float64{100},
		BBLower:  []float64{98},
	}
	decision := s.Evaluate(now, snap, PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)
	assert.Contains(t, decision.Reason, "squeezed")

	// 持仓时触及上轨同样被挤压拦截
	s2, err := New("bollinger", defaultConfig())
	require.NoError(t, err)
	snap.Price = 102.1
	pos := openPosition(101.5, 50, 0.5, 10*time.Minute, now)
	decision = s2.Evaluate(now, snap, pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)
}

func TestBollingerMiddleExit(t *testing.T) {
	cfg := defaultConfig()
	cfg.ExitOnMiddle = true
	s, err := New("bollinger", cfg)
	require.NoError(t, err)

	now := time.Now()
	snap := &Snapshot{
		Symbol:   "BTCUSDT",
		Price:    100.5,
		BBUpper:  []float64{110},
		BBMiddle: []float64{100},
		BBLower:  []float64{90},
	}
	pos := openPosition(100.2, 50, 0.5, 10*time.Minute, now)

	decision := s.Evaluate(now, snap, pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
	assert.Contains(t, decision.Reason, "middle band")

	// 默认关闭时价格贴近中轨继续持有
	s2, err := New("bollinger", defaultConfig())
	require.NoError(t, err)
	decision = s2.Evaluate(now, snap, pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)
}

func TestEmaMlTrailingStop(t *testing.T) {
	cfg := defaultConfig()
	cfg.TrailingStop = true
	cfg.TrailingStopPercent = 1.0
	cfg.TakeProfitValue = 10
	s, err := New("ema_ml", cfg)
	require.NoError(t, err)

	now := time.Now()
	pos := openPosition(100, 50, 0.5, 10*time.Minute, now)

	// 先到105确立峰值，回撤0.1%（仅手续费）不触发
	decision := s.Evaluate(now, emaSnapshot(105, 100, 100), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)

	// 回落到103.5：从峰值回撤1.43% + 0.1%手续费 >= 1% 触发
	decision = s.Evaluate(now.Add(40*time.Second), emaSnapshot(103.5, 100, 100), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
	assert.Contains(t, decision.Reason, "trailing stop")
}

func paSnapshot(price, low, high, fast, slow float64) *Snapshot {
	return &Snapshot{
		Symbol:  "BTCUSDT",
		Price:   price,
		High:    []float64{high},
		Low:     []float64{low},
		EMAFast: []float64{fast},
		EMASlow: []float64{slow},
	}
}

func TestPriceActionBounceOffSupport(t *testing.T) {
	s, err := New("price_action", defaultConfig())
	require.NoError(t, err)

	now := time.Now()

	// 第一次评估只收集价格历史
	decision := s.Evaluate(now, paSnapshot(98.7, 99, 120, 98.5, 98), PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)

	// 贴近支撑99且带+0.35%动能反弹，趋势向上，买入
	decision = s.Evaluate(now.Add(40*time.Second), paSnapshot(99.05, 99, 120, 98.5, 98), PositionView{}, MLScore{Score: 0.9})
	assert.Equal(t, SignalBuy, decision.Signal)
	assert.Contains(t, decision.Reason, "support")
}

func TestPriceActionRejectionAtResistance(t *testing.T) {
	cfg := defaultConfig()
	cfg.TakeProfitValue = 50 // 不让止盈先于阻力位离场触发
	s, err := New("price_action", cfg)
	require.NoError(t, err)

	now := time.Now()
	pos := openPosition(110, 55, 0.5, 10*time.Minute, now)

	decision := s.Evaluate(now, paSnapshot(120.5, 100, 120, 120.5, 121), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalWait, decision.Signal)

	// 贴近阻力120且带-0.46%回落动能，趋势转空，卖出
	decision = s.Evaluate(now.Add(40*time.Second), paSnapshot(119.95, 100, 120, 120.5, 121), pos, MLScore{Score: 0.9})
	assert.Equal(t, SignalSell, decision.Signal)
	assert.Contains(t, decision.Reason, "resistance")
}
