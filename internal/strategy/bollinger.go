package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/dushixiang/lumen/pkg/ta"
)

const (
	// 带宽占中轨比例低于该值视为挤压，挤压期间不做触轨交易
	squeezeBandWidth = 0.05
	// 中轨离场的价格接近度
	middleExitProximity = 0.01
)

// Bollinger 布林带触轨策略：触及下轨买入，触及上轨卖出。
// 带宽收窄（挤压）意味着即将变盘，期间的触轨不可信，一律等待突破
type Bollinger struct {
	base
}

func (s *Bollinger) Name() string {
	return "bollinger"
}

func (s *Bollinger) Evaluate(now time.Time, snap *Snapshot, pos PositionView, ml MLScore) Decision {
	if s.coolingDown(now) {
		return wait("signal cooldown")
	}
	if len(snap.BBUpper) == 0 || len(snap.BBMiddle) == 0 || len(snap.BBLower) == 0 {
		return wait("insufficient indicator data")
	}

	upper := ta.Last(snap.BBUpper, 0)
	middle := ta.Last(snap.BBMiddle, 0)
	lower := ta.Last(snap.BBLower, 0)
	if middle == 0 {
		return wait("bollinger middle band is zero")
	}

	// 价格相对中轨的偏离
	diffPct := (snap.Price - middle) / middle * 100
	inSqueeze := (upper-lower)/middle < squeezeBandWidth

	if pos.Open {
		if decision, ok := s.checkExit(snap, pos); ok {
			decision.IndicatorPct = diffPct
			return decision
		}
		if !s.holdLongEnough(now, pos) {
			return Decision{Signal: SignalWait, Reason: "holding: min hold time not reached", IndicatorPct: diffPct}
		}
		if snap.Price >= upper && !inSqueeze {
			return Decision{
				Signal:       SignalSell,
				Reason:       fmt.Sprintf("price %.2f touched upper band %.2f", snap.Price, upper),
				IndicatorPct: diffPct,
			}
		}
		if s.cfg.ExitOnMiddle && math.Abs(snap.Price-middle)/middle < middleExitProximity {
			return Decision{
				Signal:       SignalSell,
				Reason:       fmt.Sprintf("price %.2f reverted to middle band %.2f", snap.Price, middle),
				IndicatorPct: diffPct,
			}
		}
		return Decision{Signal: SignalWait, Reason: "holding", IndicatorPct: diffPct}
	}

	if inSqueeze {
		return Decision{Signal: SignalWait, Reason: "bands squeezed, waiting for breakout", IndicatorPct: diffPct}
	}

	if snap.Price <= lower && ml.Score > s.cfg.MLBuyConfidence {
		return Decision{
			Signal:       SignalBuy,
			Reason:       fmt.Sprintf("price %.2f touched lower band %.2f, ml confidence %.2f", snap.Price, lower, ml.Score),
			IndicatorPct: diffPct,
		}
	}

	return Decision{Signal: SignalWait, Reason: "no entry signal", IndicatorPct: diffPct}
}
