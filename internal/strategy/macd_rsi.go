package strategy

import (
	"fmt"
	"time"

	"github.com/dushixiang/lumen/pkg/ta"
)

// RSI 超买超卖阈值
const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// MacdRsi RSI超卖叠加MACD金叉确认的策略
type MacdRsi struct {
	base
}

func (s *MacdRsi) Name() string {
	return "macd_rsi"
}

func (s *MacdRsi) Evaluate(now time.Time, snap *Snapshot, pos PositionView, ml MLScore) Decision {
	if s.coolingDown(now) {
		return wait("signal cooldown")
	}
	if len(snap.RSI) == 0 || len(snap.MACD) < 2 || len(snap.MACDSignal) < 2 {
		return wait("insufficient indicator data")
	}

	rsi := ta.Last(snap.RSI, 0)
	macd := ta.Last(snap.MACD, 0)
	signal := ta.Last(snap.MACDSignal, 0)

	diffPct := 0.0
	if signal != 0 {
		diffPct = (macd - signal) / signal * 100
	}

	if pos.Open {
		if decision, ok := s.checkExit(snap, pos); ok {
			decision.IndicatorPct = diffPct
			return decision
		}
		if !s.holdLongEnough(now, pos) {
			return Decision{Signal: SignalWait, Reason: "holding: min hold time not reached", IndicatorPct: diffPct}
		}
		if rsi > rsiOverbought {
			return Decision{
				Signal:       SignalSell,
				Reason:       fmt.Sprintf("rsi overbought: %.1f > %.1f", rsi, rsiOverbought),
				IndicatorPct: diffPct,
			}
		}
		if ta.Crossunder(snap.MACD, snap.MACDSignal) {
			return Decision{Signal: SignalSell, Reason: "macd dead cross", IndicatorPct: diffPct}
		}
		return Decision{Signal: SignalWait, Reason: "holding", IndicatorPct: diffPct}
	}

	if rsi < rsiOversold && ta.Crossover(snap.MACD, snap.MACDSignal) && ml.Score > s.cfg.MLBuyConfidence {
		return Decision{
			Signal:       SignalBuy,
			Reason:       fmt.Sprintf("rsi oversold %.1f with macd golden cross, ml confidence %.2f", rsi, ml.Score),
			IndicatorPct: diffPct,
		}
	}

	return Decision{Signal: SignalWait, Reason: "no entry signal", IndicatorPct: diffPct}
}
