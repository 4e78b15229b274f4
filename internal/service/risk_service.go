package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
)

// RiskService 风控闸门，按固定顺序执行检查并返回第一个失败项
type RiskService struct {
	conf   config.RiskConf
	logger *zap.Logger

	mu    sync.Mutex
	state RiskState
}

// RiskState 按自然日归零的风控计数器
type RiskState struct {
	Date                  string    `json:"date"` // YYYY-MM-DD
	CumulativeLossPercent float64   `json:"cumulative_loss_percent"`
	ConsecutiveLosses     int       `json:"consecutive_losses"`
	TradesToday           int       `json:"trades_today"`
	LastTradeAt           time.Time `json:"last_trade_at"`
}

// RiskCheckResult 风控检查结果
type RiskCheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// NewRiskService 创建风控服务
func NewRiskService(conf config.RiskConf, logger *zap.Logger) *RiskService {
	return &RiskService{
		conf:   conf,
		logger: logger,
	}
}

// Check 在下单前执行全部风控检查。
// positionSizePercent 为拟建仓位占可用余额的百分比，
// volatility 为最近收盘价收益率的标准差（百分比）
func (s *RiskService) Check(now time.Time, positionSizePercent, volatility float64) RiskCheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(now)

	// 1. 单日累计亏损
	if s.state.CumulativeLossPercent >= s.conf.MaxDailyLossPercent {
		return RiskCheckResult{
			Reason: fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
				s.state.CumulativeLossPercent, s.conf.MaxDailyLossPercent),
		}
	}

	// 2. 连续亏损次数
	if s.state.ConsecutiveLosses >= s.conf.MaxConsecutiveLosses {
		return RiskCheckResult{
			Reason: fmt.Sprintf("consecutive loss limit reached: %d >= %d",
				s.state.ConsecutiveLosses, s.conf.MaxConsecutiveLosses),
		}
	}

	// 3. 仓位占比
	if positionSizePercent > s.conf.MaxPositionPercent {
		return RiskCheckResult{
			Reason: fmt.Sprintf("position size too large: %.2f%% > %.2f%%",
				positionSizePercent, s.conf.MaxPositionPercent),
		}
	}

	// 4. 已实现波动率
	if volatility > s.conf.VolatilityLimit {
		return RiskCheckResult{
			Reason: fmt.Sprintf("volatility too high: %.2f%% > %.2f%%",
				volatility, s.conf.VolatilityLimit),
		}
	}

	return RiskCheckResult{Allowed: true, Reason: "within limits"}
}

// RecordOutcome 每笔已执行交易之后更新风控计数器。
// 任何方向都计入笔数并刷新时间；盈亏只在卖出时结算，
// 亏损累加当日亏损并递增连亏次数，盈利将连亏清零
func (s *RiskService) RecordOutcome(now time.Time, side string, pnlPercent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(now)

	s.state.TradesToday++
	s.state.LastTradeAt = now

	if side != "SELL" {
		return
	}

	if pnlPercent < 0 {
		s.state.CumulativeLossPercent += -pnlPercent
		s.state.ConsecutiveLosses++
		s.logger.Warn("losing trade recorded",
			zap.Float64("pnl_percent", pnlPercent),
			zap.Float64("cumulative_loss_percent", s.state.CumulativeLossPercent),
			zap.Int("consecutive_losses", s.state.ConsecutiveLosses))
	} else {
		s.state.ConsecutiveLosses = 0
	}
}

// Limits 当前生效的风控参数
func (s *RiskService) Limits() config.RiskConf {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf
}

// UpdateLimits 运行时调整风控参数，计数器保持不变
func (s *RiskService) UpdateLimits(conf config.RiskConf) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conf = conf
	s.logger.Info("risk limits updated",
		zap.Float64("max_daily_loss_percent", conf.MaxDailyLossPercent),
		zap.Int("max_consecutive_losses", conf.MaxConsecutiveLosses),
		zap.Float64("max_position_percent", conf.MaxPositionPercent),
		zap.Float64("volatility_limit", conf.VolatilityLimit))
}

// State 当前计数器快照
func (s *RiskService) State() RiskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// rolloverLocked 日期变化时归零当日计数器，调用方需持有锁
func (s *RiskService) rolloverLocked(now time.Time) {
	today := now.Format("2006-01-02")
	if s.state.Date == today {
		return
	}
	if s.state.Date != "" {
		s.logger.Info("risk counters reset for new day",
			zap.String("previous_date", s.state.Date),
			zap.String("date", today))
	}
	s.state = RiskState{Date: today}
}
