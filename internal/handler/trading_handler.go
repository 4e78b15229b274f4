package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/ledger"
	"github.com/dushixiang/lumen/internal/repo"
	"github.com/dushixiang/lumen/internal/service"
	"github.com/dushixiang/lumen/internal/xe"
)

// TradingHandler 交易系统HTTP处理器，除循环控制外全部只读
type TradingHandler struct {
	conf          *config.Config
	tradeLoop     *service.TradeLoop
	store         *ledger.Store
	metrics       *service.MetricsService
	risk          *service.RiskService
	reconcile     *service.ReconcileService
	mlClient      *service.MLClient
	signalLogRepo *repo.SignalLogRepo
	logger        *zap.Logger
	loopCtx       context.Context
	loopCancel    context.CancelFunc
}

// NewTradingHandler 创建交易处理器
func NewTradingHandler(
	conf *config.Config,
	tradeLoop *service.TradeLoop,
	store *ledger.Store,
	metrics *service.MetricsService,
	risk *service.RiskService,
	reconcile *service.ReconcileService,
	mlClient *service.MLClient,
	signalLogRepo *repo.SignalLogRepo,
	logger *zap.Logger,
) *TradingHandler {
	return &TradingHandler{
		conf:          conf,
		tradeLoop:     tradeLoop,
		store:         store,
		metrics:       metrics,
		risk:          risk,
		reconcile:     reconcile,
		mlClient:      mlClient,
		signalLogRepo: signalLogRepo,
		logger:        logger,
	}
}

// GetStatus 获取交易状态
// GET /api/trading/status
func (h *TradingHandler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()
	symbol := h.conf.Trading.Symbol

	position := h.store.Snapshot(symbol)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"loop":       h.tradeLoop.Status(),
		"risk":       h.risk.State(),
		"ml_healthy": h.mlClient.Healthy(ctx),
		"position": map[string]interface{}{
			"open":             len(position.Lots) > 0,
			"lots":             position.Lots,
			"total_quote_size": position.TotalQuoteSize,
			"vw_entry_price":   position.VolumeWeightedEntryPrice,
			"worst_case_entry": position.WorstCaseEntryPrice,
			"base_amount":      position.TotalBaseAmount,
		},
	})
}

// GetLedger 获取持仓账本快照
// GET /api/trading/ledger
func (h *TradingHandler) GetLedger(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Snapshot(h.conf.Trading.Symbol))
}

// GetTrades 获取交易历史
// GET /api/trading/trades?limit=20
func (h *TradingHandler) GetTrades(c echo.Context) error {
	ctx := c.Request().Context()

	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}

	trades, err := h.metrics.RecentTrades(ctx, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":  len(trades),
		"trades": trades,
	})
}

// GetSignals 获取信号评估记录
// GET /api/trading/signals?limit=50
func (h *TradingHandler) GetSignals(c echo.Context) error {
	ctx := c.Request().Context()

	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}

	signals, err := h.signalLogRepo.FindRecentSignals(ctx, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":   len(signals),
		"signals": signals,
	})
}

// GetMetrics 获取交易统计数据
// GET /api/trading/metrics
func (h *TradingHandler) GetMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	summary, err := h.metrics.Summarize(ctx, h.conf.Trading.Symbol)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, summary)
}

// GetRisk 获取风控状态与参数
// GET /api/trading/risk
func (h *TradingHandler) GetRisk(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"state":  h.risk.State(),
		"limits": h.risk.Limits(),
	})
}

type updateRiskLimitsRequest struct {
	MaxDailyLossPercent  float64 `json:"max_daily_loss_percent" validate:"required,gt=0,lte=100"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" validate:"required,gte=1"`
	MaxPositionPercent   float64 `json:"max_position_percent" validate:"required,gt=0,lte=100"`
	VolatilityLimit      float64 `json:"volatility_limit" validate:"required,gt=0"`
}

// UpdateRiskLimits 运行时调整风控参数
// PUT /api/trading/risk
func (h *TradingHandler) UpdateRiskLimits(c echo.Context) error {
	var req updateRiskLimitsRequest
	if err := c.Bind(&req); err != nil {
		return xe.ErrInvalidParams
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	h.risk.UpdateLimits(config.RiskConf{
		MaxDailyLossPercent:  req.MaxDailyLossPercent,
		MaxConsecutiveLosses: req.MaxConsecutiveLosses,
		MaxPositionPercent:   req.MaxPositionPercent,
		VolatilityLimit:      req.VolatilityLimit,
	})

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "risk limits updated",
	})
}

// Reconcile 手动触发一次对账
// POST /api/trading/reconcile
func (h *TradingHandler) Reconcile(c echo.Context) error {
	ctx := c.Request().Context()

	report, err := h.reconcile.Reconcile(ctx, h.conf.Trading.Symbol)
	if err != nil {
		h.logger.Warn("manual reconciliation failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
	}

	return c.JSON(http.StatusOK, report)
}

// Start 启动交易循环
// POST /api/trading/start
func (h *TradingHandler) Start(c echo.Context) error {
	if h.tradeLoop.IsRunning() {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "trade loop is already running",
		})
	}

	h.loopCtx, h.loopCancel = context.WithCancel(context.Background())

	go func() {
		if err := h.tradeLoop.Start(h.loopCtx); err != nil {
			h.logger.Error("trade loop error", zap.Error(err))
		}
	}()

	h.logger.Info("trade loop started via API")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "trade loop started",
	})
}

// Stop 停止交易循环
// POST /api/trading/stop
func (h *TradingHandler) Stop(c echo.Context) error {
	if !h.tradeLoop.IsRunning() {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "trade loop is not running",
		})
	}

	h.tradeLoop.Stop()
	if h.loopCancel != nil {
		h.loopCancel()
	}

	h.logger.Info("trade loop stopped via API")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "trade loop stopped",
	})
}

// RegisterRoutes 注册路由
func (h *TradingHandler) RegisterRoutes(g *echo.Group) {
	trading := g.Group("/trading")

	trading.GET("/status", h.GetStatus)
	trading.GET("/ledger", h.GetLedger)
	trading.GET("/trades", h.GetTrades)
	trading.GET("/signals", h.GetSignals)
	trading.GET("/metrics", h.GetMetrics)
	trading.GET("/risk", h.GetRisk)

	trading.PUT("/risk", h.UpdateRiskLimits)
	trading.POST("/reconcile", h.Reconcile)
	trading.POST("/start", h.Start)
	trading.POST("/stop", h.Stop)
}
