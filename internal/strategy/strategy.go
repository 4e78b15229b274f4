package strategy

import (
	"fmt"
	"time"
)

// Signal 交易信号
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalWait Signal = "WAIT"
)

// TakeProfitMode 止盈判定模式，二者同一时间只会生效一个
const (
	TakeProfitPercent       = "PERCENT"
	TakeProfitQuoteCurrency = "QUOTE_CURRENCY"
)

// Decision 单次评估的结果
type Decision struct {
	Signal       Signal
	Reason       string
	IndicatorPct float64 // 指标差值（带符号百分比）
}

// Snapshot 市场快照，由行情服务在每个循环开始时构建
type Snapshot struct {
	Symbol     string
	Price      float64
	Close      []float64
	High       []float64
	Low        []float64
	EMAFast    []float64
	EMASlow    []float64
	RSI        []float64
	MACD       []float64
	MACDSignal []float64
	BBUpper    []float64
	BBMiddle   []float64
	BBLower    []float64
	Volatility float64 // 收益率标准差（百分比）
	Time       time.Time
}

// PositionView 策略可见的持仓视图，由账本快照推导
type PositionView struct {
	Open                bool
	WorstCaseEntryPrice float64
	TotalQuoteSize      float64
	TotalBaseAmount     float64
	OpenedAt            time.Time // 最早批次的建仓时间
}

// MLScore 外部评分服务给出的置信度
type MLScore struct {
	Score float64 // 0..1
	Label string
}

// Config 策略配置，每个循环内不可变
type Config struct {
	SignalThreshold     float64
	TakeProfitMode      string
	TakeProfitValue     float64
	StopLossPercent     float64
	MinHold             time.Duration
	MinSignalInterval   time.Duration
	FeeRate             float64
	MLBuyConfidence     float64
	MLSellConfidence    float64
	ExitOnMiddle        bool    // 布林带策略：价格回归中轨时离场
	TrailingStop        bool    // ema_ml 策略：启用跟踪止损
	TrailingStopPercent float64 // 跟踪止损回撤百分比
}

// Strategy 所有策略变体共用的评估契约
type Strategy interface {
	Name() string
	Evaluate(now time.Time, snap *Snapshot, pos PositionView, ml MLScore) Decision
}

// New 按名称创建策略，名称集合是封闭的
func New(name string, cfg Config) (Strategy, error) {
	switch name {
	case "ema_ml":
		return &EmaML{base: base{cfg: cfg}}, nil
	case "macd_rsi":
		return &MacdRsi{base: base{cfg: cfg}}, nil
	case "bollinger":
		return &Bollinger{base: base{cfg: cfg}}, nil
	case "price_action":
		return &PriceAction{base: base{cfg: cfg}}, nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
}

// base 各策略共用的冷却与离场逻辑
type base struct {
	cfg      Config
	lastEval time.Time
}

// coolingDown 信号冷却：距离上次评估不足冷却时间时直接等待
func (b *base) coolingDown(now time.Time) bool {
	if !b.lastEval.IsZero() && now.Sub(b.lastEval) < b.cfg.MinSignalInterval {
		return true
	}
	b.lastEval = now
	return false
}

// holdLongEnough 最短持仓时间只约束主观离场，不约束止盈止损
func (b *base) holdLongEnough(now time.Time, pos PositionView) bool {
	return now.Sub(pos.OpenedAt) >= b.cfg.MinHold
}

// netProfitPercent 扣除双边手续费后的收益率，入场价为零时返回 false
func (b *base) netProfitPercent(price float64, pos PositionView) (float64, bool) {
	if pos.WorstCaseEntryPrice <= 0 {
		return 0, false
	}
	gross := (price - pos.WorstCaseEntryPrice) / pos.WorstCaseEntryPrice * 100
	return gross - b.cfg.FeeRate*2*100, true
}

// checkExit 止盈止损判定，持仓存在时无条件执行。
// 盈亏一律以所有批次中最高的入场价为基准
func (b *base) checkExit(snap *Snapshot, pos PositionView) (Decision, bool) {
	netPct, ok := b.netProfitPercent(snap.Price, pos)
	if !ok {
		return Decision{}, false
	}

	switch b.cfg.TakeProfitMode {
	case TakeProfitQuoteCurrency:
		grossQuote := (snap.Price - pos.WorstCaseEntryPrice) * pos.TotalBaseAmount
		fees := b.cfg.FeeRate * (pos.TotalQuoteSize + snap.Price*pos.TotalBaseAmount)
		if grossQuote-fees >= b.cfg.TakeProfitValue {
			return Decision{
				Signal: SignalSell,
				Reason: fmt.Sprintf("take profit: net %.4f quote >= %.4f", grossQuote-fees, b.cfg.TakeProfitValue),
			}, true
		}
	default: // TakeProfitPercent
		if netPct >= b.cfg.TakeProfitValue {
			return Decision{
				Signal: SignalSell,
				Reason: fmt.Sprintf("take profit: net %.2f%% >= %.2f%%", netPct, b.cfg.TakeProfitValue),
			}, true
		}
	}

	if netPct <= -b.cfg.StopLossPercent {
		return Decision{
			Signal: SignalSell,
			Reason: fmt.Sprintf("stop loss: net %.2f%% <= -%.2f%%", netPct, b.cfg.StopLossPercent),
		}, true
	}

	return Decision{}, false
}

func wait(reason string) Decision {
	return Decision{Signal: SignalWait, Reason: reason}
}
