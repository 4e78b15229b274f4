package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/dushixiang/lumen/pkg/ta"
)

const (
	// 支撑/阻力回溯的K线数量
	levelLookback = 50
	// 价格与关键位的触碰阈值（相对比例）
	levelTouchThreshold = 0.001
	// 确认反弹/回落所需的最小动能（百分比）
	minMovePercent = 0.15
)

// PriceAction 关键位反弹策略：带动能触及支撑买入，触及阻力卖出，
// 支撑与阻力取回溯窗口内的最低价和最高价，趋势方向由快慢EMA确认
type PriceAction struct {
	base
	lastPrice float64
}

func (s *PriceAction) Name() string {
	return "price_action"
}

func (s *PriceAction) Evaluate(now time.Time, snap *Snapshot, pos PositionView, ml MLScore) Decision {
	if s.coolingDown(now) {
		return wait("signal cooldown")
	}
	if len(snap.High) == 0 || len(snap.Low) == 0 || len(snap.EMAFast) == 0 || len(snap.EMASlow) == 0 {
		return wait("insufficient indicator data")
	}

	prev := s.lastPrice
	s.lastPrice = snap.Price
	if prev <= 0 {
		return wait("collecting price history")
	}
	changePct := (snap.Price - prev) / prev * 100

	support := ta.Lowest(snap.Low, levelLookback)
	resistance := ta.Highest(snap.High, levelLookback)
	fast := ta.Last(snap.EMAFast, 0)
	slow := ta.Last(snap.EMASlow, 0)

	if pos.Open {
		if decision, ok := s.checkExit(snap, pos); ok {
			decision.IndicatorPct = changePct
			return decision
		}
		if !s.holdLongEnough(now, pos) {
			return Decision{Signal: SignalWait, Reason: "holding: min hold time not reached", IndicatorPct: changePct}
		}
		// 阻力位受阻回落且趋势转空
		if nearLevel(snap.Price, resistance) && changePct < -minMovePercent &&
			fast < slow && snap.Price < slow {
			return Decision{
				Signal:       SignalSell,
				Reason:       fmt.Sprintf("rejected at resistance %.2f, move %.2f%%", resistance, changePct),
				IndicatorPct: changePct,
			}
		}
		return Decision{Signal: SignalWait, Reason: "holding", IndicatorPct: changePct}
	}

	// 支撑位反弹且趋势向上
	if nearLevel(snap.Price, support) && changePct > minMovePercent &&
		fast > slow && snap.Price > fast {
		return Decision{
			Signal:       SignalBuy,
			Reason:       fmt.Sprintf("bounce off support %.2f, move +%.2f%%", support, changePct),
			IndicatorPct: changePct,
		}
	}

	return Decision{Signal: SignalWait, Reason: "no entry signal", IndicatorPct: changePct}
}

// nearLevel 价格是否贴近关键位
func nearLevel(price, level float64) bool {
	if level <= 0 {
		return false
	}
	return math.Abs(price-level)/level <= levelTouchThreshold
}
