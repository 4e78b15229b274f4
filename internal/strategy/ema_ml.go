package strategy

import (
	"fmt"
	"time"

	"github.com/dushixiang/lumen/pkg/ta"
)

// EmaML 快慢EMA差值叠加ML置信度门控的策略
type EmaML struct {
	base
	peak float64 // 持仓期间的最高价，用于跟踪止损，空仓时清零
}

func (s *EmaML) Name() string {
	return "ema_ml"
}

func (s *EmaML) Evaluate(now time.Time, snap *Snapshot, pos PositionView, ml MLScore) Decision {
	if s.coolingDown(now) {
		return wait("signal cooldown")
	}
	if len(snap.EMAFast) == 0 || len(snap.EMASlow) == 0 {
		return wait("insufficient indicator data")
	}

	fast := ta.Last(snap.EMAFast, 0)
	slow := ta.Last(snap.EMASlow, 0)
	if slow == 0 {
		return wait("slow ema is zero")
	}
	diffPct := (fast - slow) / slow * 100

	if !pos.Open {
		s.peak = 0
	} else if snap.Price > s.peak {
		s.peak = snap.Price
	}

	if pos.Open {
		if decision, ok := s.checkExit(snap, pos); ok {
			decision.IndicatorPct = diffPct
			return decision
		}
		// 跟踪止损：从持仓期间最高价回撤超过阈值即离场，回撤计入卖出手续费
		if s.cfg.TrailingStop && s.peak > 0 {
			drawdown := (s.peak-snap.Price)/s.peak*100 + s.cfg.FeeRate*100
			if drawdown >= s.cfg.TrailingStopPercent {
				return Decision{
					Signal:       SignalSell,
					Reason:       fmt.Sprintf("trailing stop: %.2f%% drawdown from peak %.2f", drawdown, s.peak),
					IndicatorPct: diffPct,
				}
			}
		}
		if !s.holdLongEnough(now, pos) {
			return Decision{Signal: SignalWait, Reason: "holding: min hold time not reached", IndicatorPct: diffPct}
		}
		// 趋势反转离场
		if diffPct < -s.cfg.SignalThreshold {
			return Decision{
				Signal:       SignalSell,
				Reason:       fmt.Sprintf("trend reversal: ema diff %.2f%% < -%.2f%%", diffPct, s.cfg.SignalThreshold),
				IndicatorPct: diffPct,
			}
		}
		// ML置信度跌破下限时离场
		if ml.Score > 0 && ml.Score < s.cfg.MLSellConfidence {
			return Decision{
				Signal:       SignalSell,
				Reason:       fmt.Sprintf("ml confidence %.2f below %.2f", ml.Score, s.cfg.MLSellConfidence),
				IndicatorPct: diffPct,
			}
		}
		return Decision{Signal: SignalWait, Reason: "holding", IndicatorPct: diffPct}
	}

	if diffPct > s.cfg.SignalThreshold && ml.Score > s.cfg.MLBuyConfidence {
		return Decision{
			Signal:       SignalBuy,
			Reason:       fmt.Sprintf("ema diff %.2f%% > %.2f%%, ml confidence %.2f", diffPct, s.cfg.SignalThreshold, ml.Score),
			IndicatorPct: diffPct,
		}
	}

	return Decision{Signal: SignalWait, Reason: "no entry signal", IndicatorPct: diffPct}
}
