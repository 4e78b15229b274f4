package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/ledger"
	"github.com/dushixiang/lumen/internal/xe"
	"github.com/dushixiang/lumen/pkg/exchange"
)

// 对账结果的处理方式
const (
	ReconcileNone     = "none"     // 本地与远端一致，无需处理
	ReconcileAnchored = "anchored" // 仅覆盖最差入场价
	ReconcileRebuilt  = "rebuilt"  // 按远端成交历史重建账本
	ReconcileSkipped  = "skipped"  // 交易所不可达，跳过本轮对账
)

// 单次对账拉取的最大成交数
const reconcileTradeLimit = 1000

// 余额比对容差：绝对1e-6个基础资产，外加0.1%的相对偏差，
// 覆盖以基础资产扣除手续费产生的粉尘
const (
	balanceAbsTolerance = 1e-6
	balanceRelTolerance = 0.001
)

// ReconcileReport 一次对账的结果摘要
type ReconcileReport struct {
	Symbol              string  `json:"symbol"`
	Action              string  `json:"action"`
	OpenBuys            int     `json:"open_buys"`
	RemoteWorstCase     float64 `json:"remote_worst_case"`
	RemoteBaseAmount    float64 `json:"remote_base_amount"`
	LocalBaseAmount     float64 `json:"local_base_amount"`
	AccountBaseBalance  float64 `json:"account_base_balance"`
	TruncationSuspected bool    `json:"truncation_suspected"`
}

// ReconcileService 对账引擎：判断本地账本是否可信，必要时修复。
// 远端成交历史是价格的最终裁决，本地账本负责当日的批次记账
type ReconcileService struct {
	logger *zap.Logger
	conf   config.TradingConf
	ex     exchange.Exchange
	store  *ledger.Store
}

// NewReconcileService 创建对账服务
func NewReconcileService(conf config.TradingConf, ex exchange.Exchange,
	store *ledger.Store, logger *zap.Logger) *ReconcileService {
	return &ReconcileService{
		logger: logger,
		conf:   conf,
		ex:     ex,
		store:  store,
	}
}

// Reconcile 对指定交易对执行一次对账。
// 交易所不可达时返回 skipped，本地账本原样保留，交由下一轮重试
func (s *ReconcileService) Reconcile(ctx context.Context, symbol string) (*ReconcileReport, error) {
	report := &ReconcileReport{Symbol: symbol, Action: ReconcileSkipped}

	lookbackDays := s.conf.ReconcileLookback
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	since := time.Now().AddDate(0, 0, -lookbackDays)

	trades, err := s.ex.GetMyTrades(ctx, symbol, since, reconcileTradeLimit)
	if err != nil {
		s.logger.Warn("reconciliation skipped: trade history unavailable",
			zap.String("symbol", symbol), zap.Error(err))
		return report, fmt.Errorf("%w: %v", xe.ErrNetworkUnavailable, err)
	}

	info, err := s.ex.GetSymbolInfo(ctx, symbol)
	if err != nil {
		s.logger.Warn("reconciliation skipped: symbol info unavailable",
			zap.String("symbol", symbol), zap.Error(err))
		return report, fmt.Errorf("%w: %v", xe.ErrNetworkUnavailable, err)
	}

	balance, err := s.ex.GetBalance(ctx, info.BaseAsset)
	if err != nil {
		s.logger.Warn("reconciliation skipped: balance unavailable",
			zap.String("symbol", symbol), zap.Error(err))
		return report, fmt.Errorf("%w: %v", xe.ErrNetworkUnavailable, err)
	}

	openBuys, truncationSuspected := openBuysFromHistory(trades)

	report.OpenBuys = len(openBuys)
	report.TruncationSuspected = truncationSuspected
	report.AccountBaseBalance = balance.Free + balance.Locked
	for _, t := range openBuys {
		report.RemoteBaseAmount += t.Quantity
		if t.Price > report.RemoteWorstCase {
			report.RemoteWorstCase = t.Price
		}
	}

	local := s.store.Snapshot(symbol)
	report.LocalBaseAmount = local.TotalBaseAmount

	switch {
	case len(local.Lots) == 0 && len(openBuys) > 0:
		if truncationSuspected {
			// 历史可能被截断，远端集合不可信，空账本保持原样
			s.logger.Warn("remote open buys found but history may be truncated, ledger left empty",
				zap.String("symbol", symbol),
				zap.Int("open_buys", len(openBuys)))
			report.Action = ReconcileNone
			break
		}
		// 本地为空但远端有未平买单，重建
		if err := s.rebuild(symbol, openBuys); err != nil {
			return report, err
		}
		report.Action = ReconcileRebuilt
		s.logger.Warn("reconciliation drift: ledger rebuilt from remote history",
			zap.String("symbol", symbol),
			zap.Int("open_buys", len(openBuys)),
			zap.Float64("remote_worst_case", report.RemoteWorstCase))

	case len(local.Lots) > 0 && !balanceMatches(local.TotalBaseAmount, report.AccountBaseBalance):
		// 本地持仓量与账户余额对不上
		if truncationSuspected {
			// 历史可能被截断，不能信任远端集合，仅锚定价格
			s.logger.Warn("reconciliation drift detected but history may be truncated, anchoring only",
				zap.String("symbol", symbol),
				zap.Float64("local_base", local.TotalBaseAmount),
				zap.Float64("account_base", report.AccountBaseBalance))
			if err := s.anchor(symbol, report); err != nil {
				return report, err
			}
			break
		}
		if err := s.rebuild(symbol, openBuys); err != nil {
			return report, err
		}
		report.Action = ReconcileRebuilt
		s.logger.Warn("reconciliation drift: base amount diverged from balance, ledger rebuilt",
			zap.String("symbol", symbol),
			zap.Float64("local_base", local.TotalBaseAmount),
			zap.Float64("account_base", report.AccountBaseBalance),
			zap.Int("open_buys", len(openBuys)))

	default:
		if err := s.anchor(symbol, report); err != nil {
			return report, err
		}
	}

	return report, nil
}

// anchor 仅用远端最差入场价覆盖本地值，本地批次不动
func (s *ReconcileService) anchor(symbol string, report *ReconcileReport) error {
	if !s.store.HasPosition(symbol) || report.OpenBuys == 0 {
		report.Action = ReconcileNone
		return nil
	}
	if err := s.store.SetWorstCase(symbol, report.RemoteWorstCase); err != nil {
		return err
	}
	report.Action = ReconcileAnchored
	return nil
}

// rebuild 用远端未平买单整体替换本地账本，每笔买单对应一个重建批次
func (s *ReconcileService) rebuild(symbol string, openBuys []*exchange.AccountTrade) error {
	lots := make([]ledger.Lot, 0, len(openBuys))
	for _, t := range openBuys {
		lots = append(lots, ledger.Lot{
			EntryPrice:      t.Price,
			QuoteSize:       t.QuoteQuantity,
			BaseAmount:      t.Quantity,
			OpenedAt:        t.Time,
			OrderRef:        fmt.Sprintf("%d", t.OrderID),
			IsReconstructed: true,
		})
	}
	return s.store.Replace(symbol, lots)
}

// openBuysFromHistory 找到最近一笔卖出，其后的所有买入即远端视角的未平批次。
// 没有卖出时全部买入视为未平，此时若返回的成交填满了单页，
// 历史可能被截断，结果只能作为参考
func openBuysFromHistory(trades []*exchange.AccountTrade) ([]*exchange.AccountTrade, bool) {
	sorted := append([]*exchange.AccountTrade(nil), trades...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	lastSell := -1
	for i, t := range sorted {
		if t.Side == exchange.OrderSideSell {
			lastSell = i
		}
	}

	var openBuys []*exchange.AccountTrade
	for i := lastSell + 1; i < len(sorted); i++ {
		if sorted[i].Side == exchange.OrderSideBuy {
			openBuys = append(openBuys, sorted[i])
		}
	}

	truncationSuspected := lastSell == -1 && len(sorted) >= reconcileTradeLimit
	return openBuys, truncationSuspected
}

// balanceMatches 本地持仓量与账户余额的比对
func balanceMatches(localBase, accountBase float64) bool {
	diff := math.Abs(localBase - accountBase)
	if diff <= balanceAbsTolerance {
		return true
	}
	if localBase > 0 && diff/localBase <= balanceRelTolerance {
		return true
	}
	return false
}
