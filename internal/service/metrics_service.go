package service

import (
	"context"
	"time"

	"github.com/go-orz/orz"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dushixiang/lumen/internal/models"
	"github.com/dushixiang/lumen/internal/repo"
)

// MetricsService 交易统计服务，成交记录只增不改
type MetricsService struct {
	logger *zap.Logger

	*orz.Service

	tradeRepo *repo.TradeRepo
}

// NewMetricsService 创建统计服务
func NewMetricsService(db *gorm.DB, tradeRepo *repo.TradeRepo, logger *zap.Logger) *MetricsService {
	return &MetricsService{
		logger:    logger,
		Service:   orz.NewService(db),
		tradeRepo: tradeRepo,
	}
}

// TradeOutcome 编排器执行完一笔交易后的记录入参
type TradeOutcome struct {
	Symbol     string
	Side       string
	Price      float64
	Quantity   float64
	QuoteSize  float64
	Fee        float64
	Pnl        float64
	PnlPercent float64
	OrderID    string
	Reason     string
	ExecutedAt time.Time
}

// Record 写入一条成交记录
func (s *MetricsService) Record(ctx context.Context, outcome TradeOutcome) error {
	trade := models.Trade{
		ID:         ulid.Make().String(),
		Symbol:     outcome.Symbol,
		Side:       outcome.Side,
		Price:      outcome.Price,
		Quantity:   outcome.Quantity,
		QuoteSize:  outcome.QuoteSize,
		Fee:        outcome.Fee,
		Pnl:        outcome.Pnl,
		PnlPercent: outcome.PnlPercent,
		OrderID:    outcome.OrderID,
		Reason:     outcome.Reason,
		ExecutedAt: outcome.ExecutedAt,
	}
	return s.tradeRepo.Create(ctx, &trade)
}

// Summary 衍生统计指标
type Summary struct {
	TotalTrades      int     `json:"total_trades"`
	ClosedTrades     int     `json:"closed_trades"` // 卖出笔数
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"` // 0..1
	TotalPnl         float64 `json:"total_pnl"`
	TotalPnlPercent  float64 `json:"total_pnl_percent"`
	TotalFees        float64 `json:"total_fees"`
	ProfitFactor     float64 `json:"profit_factor"` // 毛利/毛损
	BestTradePnl     float64 `json:"best_trade_pnl"`
	WorstTradePnl    float64 `json:"worst_trade_pnl"`
	MaxWinStreak     int     `json:"max_win_streak"`
	MaxLossStreak    int     `json:"max_loss_streak"`
	TotalQuoteVolume float64 `json:"total_quote_volume"`
}

// Summarize 汇总指定交易对的全部已完成交易
func (s *MetricsService) Summarize(ctx context.Context, symbol string) (*Summary, error) {
	trades, err := s.tradeRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	var grossProfit, grossLoss float64
	var winStreak, lossStreak int

	for _, t := range trades {
		summary.TotalTrades++
		summary.TotalFees += t.Fee
		summary.TotalQuoteVolume += t.QuoteSize

		if t.Side != "SELL" {
			continue
		}
		summary.ClosedTrades++
		summary.TotalPnl += t.Pnl
		summary.TotalPnlPercent += t.PnlPercent

		if t.Pnl > summary.BestTradePnl {
			summary.BestTradePnl = t.Pnl
		}
		if t.Pnl < summary.WorstTradePnl {
			summary.WorstTradePnl = t.Pnl
		}

		if t.Pnl >= 0 {
			summary.Wins++
			grossProfit += t.Pnl
			winStreak++
			lossStreak = 0
		} else {
			summary.Losses++
			grossLoss += -t.Pnl
			lossStreak++
			winStreak = 0
		}
		if winStreak > summary.MaxWinStreak {
			summary.MaxWinStreak = winStreak
		}
		if lossStreak > summary.MaxLossStreak {
			summary.MaxLossStreak = lossStreak
		}
	}

	if summary.ClosedTrades > 0 {
		summary.WinRate = float64(summary.Wins) / float64(summary.ClosedTrades)
	}
	if grossLoss > 0 {
		summary.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		summary.ProfitFactor = grossProfit
	}

	return summary, nil
}

// RecentTrades 最近的成交记录
func (s *MetricsService) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.tradeRepo.FindRecentTrades(ctx, limit)
}
