package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/ledger"
	"github.com/dushixiang/lumen/internal/models"
	"github.com/dushixiang/lumen/internal/repo"
	"github.com/dushixiang/lumen/internal/strategy"
	"github.com/dushixiang/lumen/internal/telegram"
	"github.com/dushixiang/lumen/internal/xe"
	"github.com/dushixiang/lumen/pkg/exchange"
)

// 单个循环的状态机状态，终态永远是 idle，
// executing 状态不落盘，崩溃后由下一轮对账恢复
const (
	StateIdle       = "IDLE"
	StateEvaluating = "EVALUATING"
	StateGateDenied = "GATE_DENIED"
	StateExecuting  = "EXECUTING"
)

// TradeLoop 交易循环编排器，唯一有权下单的组件
type TradeLoop struct {
	conf          config.TradingConf
	strategyConf  config.StrategyConf
	logger        *zap.Logger
	market        *MarketService
	strat         strategy.Strategy
	risk          *RiskService
	reconcile     *ReconcileService
	store         *ledger.Store
	metrics       *MetricsService
	scorer        Scorer
	mlClient      *MLClient
	notifier      *telegram.Notifier
	ex            exchange.Exchange
	signalLogRepo *repo.SignalLogRepo

	mu          sync.Mutex
	state       string
	iteration   int
	startTime   time.Time
	lastTradeAt time.Time
	isRunning   bool
	ready       bool // 启动对账完成前不允许交易
	stopChan    chan struct{}
	cron        *cron.Cron
	cancel      context.CancelFunc

	// 连续失败后的跳周期退避
	backoff   *backoff.Backoff
	skipUntil time.Time
}

// NewTradeLoop 创建交易循环
func NewTradeLoop(
	conf *config.Config,
	market *MarketService,
	strat strategy.Strategy,
	risk *RiskService,
	reconcile *ReconcileService,
	store *ledger.Store,
	metrics *MetricsService,
	mlClient *MLClient,
	notifier *telegram.Notifier,
	ex exchange.Exchange,
	signalLogRepo *repo.SignalLogRepo,
	logger *zap.Logger,
) *TradeLoop {
	return &TradeLoop{
		conf:          conf.Trading,
		strategyConf:  conf.Strategy,
		logger:        logger,
		market:        market,
		strat:         strat,
		risk:          risk,
		reconcile:     reconcile,
		store:         store,
		metrics:       metrics,
		scorer:        mlClient,
		mlClient:      mlClient,
		notifier:      notifier,
		ex:            ex,
		signalLogRepo: signalLogRepo,
		state:         StateIdle,
		startTime:     time.Now(),
		stopChan:      make(chan struct{}),
		backoff: &backoff.Backoff{
			Min:    30 * time.Second,
			Max:    10 * time.Minute,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Start 启动交易循环。
// 先加载账本并完成一次启动对账，之后才允许第一笔交易
func (t *TradeLoop) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.isRunning {
		t.mu.Unlock()
		return fmt.Errorf("trade loop is already running")
	}
	t.isRunning = true
	t.ready = false
	t.startTime = time.Now()
	// 每次启动换新的停止通道并清空退避状态，停止后可以再次启动
	t.stopChan = make(chan struct{})
	stopChan := t.stopChan
	t.backoff.Reset()
	t.skipUntil = time.Time{}
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	fail := func(err error) error {
		t.mu.Lock()
		t.isRunning = false
		t.mu.Unlock()
		cancel()
		return err
	}

	if err := t.store.Load(); err != nil {
		return fail(fmt.Errorf("load ledger: %w", err))
	}

	// 启动对账：失败不阻止启动，账本按最近一次落盘状态使用
	if report, err := t.reconcile.Reconcile(ctx, t.conf.Symbol); err != nil {
		t.logger.Warn("startup reconciliation skipped", zap.Error(err))
	} else {
		t.logger.Info("startup reconciliation completed",
			zap.String("action", report.Action),
			zap.Int("open_buys", report.OpenBuys))
	}
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()

	interval := t.conf.IntervalSeconds
	if interval <= 0 {
		interval = 30
	}

	t.logger.Info("trade loop started",
		zap.String("symbol", t.conf.Symbol),
		zap.Int("interval_seconds", interval),
		zap.Bool("live_trading", t.conf.Enabled))

	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc(fmt.Sprintf("@every %ds", interval), func() {
		if err := t.ExecuteCycle(ctx); err != nil {
			t.logger.Error("cycle execution failed", zap.Error(err))
		}
	})
	if err != nil {
		return fail(fmt.Errorf("failed to add cron job: %w", err))
	}

	// 定期重训练任务只产生新的评分函数，不触碰交易状态
	if t.mlClient != nil {
		if hours := t.mlClient.conf.RetrainIntervalHours; hours > 0 {
			_, err = c.AddFunc(fmt.Sprintf("@every %dh", hours), func() {
				if err := t.mlClient.Train(ctx); err != nil {
					t.logger.Warn("ml retraining failed", zap.Error(err))
				}
			})
			if err != nil {
				t.logger.Warn("failed to schedule ml retraining", zap.Error(err))
			}
		}
	}

	t.mu.Lock()
	t.cron = c
	t.mu.Unlock()

	c.Start()
	// 无论因何退出，本次启动的调度器都随之停止
	defer func() { <-c.Stop().Done() }()

	select {
	case <-stopChan:
		t.logger.Info("trade loop stopped by user")
		return nil
	case <-ctx.Done():
		if !t.IsRunning() {
			// Stop() 触发的取消，按正常停止处理
			t.logger.Info("trade loop stopped by user")
			return nil
		}
		t.mu.Lock()
		t.isRunning = false
		t.ready = false
		t.mu.Unlock()
		t.logger.Info("trade loop stopped by context")
		return ctx.Err()
	}
}

// Stop 协作式停止：进行中的循环执行完毕后不再调度下一轮
func (t *TradeLoop) Stop() {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return
	}
	t.isRunning = false
	t.ready = false
	c := t.cron
	cancel := t.cancel
	stopChan := t.stopChan
	t.mu.Unlock()

	t.logger.Info("stopping trade loop...")

	if c != nil {
		ctx := c.Stop()
		<-ctx.Done()
	}
	if cancel != nil {
		cancel()
	}
	close(stopChan)
	t.logger.Info("trade loop stopped")
}

// ExecuteCycle 执行一个完整的交易循环
func (t *TradeLoop) ExecuteCycle(ctx context.Context) error {
	t.mu.Lock()
	if !t.ready {
		t.mu.Unlock()
		t.logger.Info("cycle skipped: startup reconciliation not finished")
		return nil
	}
	if now := time.Now(); now.Before(t.skipUntil) {
		t.mu.Unlock()
		t.logger.Warn("cycle skipped by backoff", zap.Time("skip_until", t.skipUntil))
		return nil
	}
	t.iteration++
	iteration := t.iteration
	t.state = StateEvaluating
	t.mu.Unlock()

	defer t.setState(StateIdle)

	cycleStart := time.Now()
	symbol := t.conf.Symbol

	t.logger.Info("========== TRADING CYCLE START ==========",
		zap.Int("iteration", iteration),
		zap.String("symbol", symbol))

	// ========== Step 1: 市场快照 ==========
	snap, err := t.market.Snapshot(ctx, symbol)
	if err != nil {
		t.cycleFailed()
		return fmt.Errorf("step 1 failed - market snapshot: %w", err)
	}
	t.logger.Info("[STEP 1/5] market snapshot built",
		zap.Float64("price", snap.Price),
		zap.Float64("volatility", snap.Volatility))

	// ========== Step 2: ML评分 ==========
	ml, err := t.scorer.Predict(ctx, snap.Close, nil)
	if err != nil {
		// 评分失败用中性置信度继续，绝不中断循环
		t.logger.Warn("[STEP 2/5] ml predict failed, neutral confidence used", zap.Error(err))
	} else {
		t.logger.Info("[STEP 2/5] ml score received",
			zap.Float64("confidence", ml.Score),
			zap.String("label", ml.Label))
	}

	// ========== Step 3: 信号评估 ==========
	posView := t.positionView(symbol)
	decision := t.strat.Evaluate(time.Now(), snap, posView, ml)
	t.logger.Info("[STEP 3/5] signal evaluated",
		zap.String("signal", string(decision.Signal)),
		zap.String("reason", decision.Reason),
		zap.Float64("indicator_pct", decision.IndicatorPct))

	outcome, executed, actionErr := t.dispatch(ctx, snap, posView, decision)

	t.journal(ctx, snap, decision, ml, outcome)

	t.notifier.MarketUpdate(telegram.MarketEvent{
		Symbol:        symbol,
		Signal:        string(decision.Signal),
		Reason:        outcome,
		Price:         snap.Price,
		IndicatorPct:  decision.IndicatorPct,
		MLScore:       ml.Score,
		PositionOpen:  posView.Open,
		PositionQuote: posView.TotalQuoteSize,
		WorstCase:     posView.WorstCaseEntryPrice,
	})

	if actionErr != nil {
		t.cycleFailed()
		return fmt.Errorf("cycle action failed: %w", actionErr)
	}
	t.cycleSucceeded()

	t.logger.Info("========== TRADING CYCLE END ==========",
		zap.Int("iteration", iteration),
		zap.Duration("duration", time.Since(cycleStart)),
		zap.Bool("trade_executed", executed),
		zap.String("outcome", outcome))
	return nil
}

// dispatch 根据信号与持仓状态决定本轮动作，返回结果描述
func (t *TradeLoop) dispatch(ctx context.Context, snap *strategy.Snapshot,
	posView strategy.PositionView, decision strategy.Decision) (string, bool, error) {

	symbol := snap.Symbol

	switch {
	case decision.Signal == strategy.SignalBuy && posView.Open:
		// 守护性修复：本地认为有持仓但交易所余额为零，说明重启丢了状态
		if t.exchangeShowsFlat(ctx, symbol) {
			if err := t.store.CloseAll(symbol); err != nil {
				t.logger.Error("failed to repair stale ledger", zap.Error(err))
				return "repair failed: " + err.Error(), false, err
			}
			t.logger.Warn("stale ledger repaired: local position not present on exchange",
				zap.String("symbol", symbol))
			return "stale position repaired, waiting next cycle", false, nil
		}
		t.logger.Info("[STEP 4/5] buy refused: position already open")
		return "position already open", false, nil

	case decision.Signal == strategy.SignalSell && !posView.Open:
		return "no position to sell", false, nil

	case decision.Signal == strategy.SignalBuy:
		return t.executeBuy(ctx, snap)

	case decision.Signal == strategy.SignalSell:
		return t.executeSell(ctx, snap, posView, decision.Reason)

	default:
		return decision.Reason, false, nil
	}
}

// executeBuy 买入路径：风控、对账、下单，账本只在订单确认后才变更
func (t *TradeLoop) executeBuy(ctx context.Context, snap *strategy.Snapshot) (string, bool, error) {
	symbol := snap.Symbol
	now := time.Now()

	if reason, ok := t.interTradeIntervalOK(now); !ok {
		t.logger.Info("[STEP 4/5] buy refused: " + reason)
		return reason, false, nil
	}

	info, err := t.ex.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return "symbol info unavailable: " + err.Error(), false, err
	}

	balance, err := t.ex.GetBalance(ctx, info.QuoteAsset)
	if err != nil {
		return "balance unavailable: " + err.Error(), false, err
	}

	tradePercent := t.conf.TradePercent
	if tradePercent <= 0 {
		tradePercent = 0.1
	}
	quoteSize := balance.Free * tradePercent
	if quoteSize < info.MinNotional {
		quoteSize = info.MinNotional
	}
	if quoteSize > balance.Free {
		t.logger.Warn("[STEP 4/5] buy refused: insufficient quote balance",
			zap.Float64("free", balance.Free),
			zap.Float64("required", quoteSize))
		return "insufficient funds", false, nil
	}

	positionSizePercent := 0.0
	if balance.Free > 0 {
		positionSizePercent = quoteSize / balance.Free * 100
	}

	// 风控永远在下单之前
	check := t.risk.Check(now, positionSizePercent, snap.Volatility)
	if !check.Allowed {
		t.setState(StateGateDenied)
		t.logger.Warn("[STEP 4/5] buy denied by risk gate", zap.String("reason", check.Reason))
		return check.Reason, false, nil
	}

	// 下单前对账，交易所不可达时沿用本地账本
	if _, err := t.reconcile.Reconcile(ctx, symbol); err != nil {
		t.logger.Warn("pre-trade reconciliation skipped", zap.Error(err))
	}
	if t.store.HasPosition(symbol) {
		return "position already open", false, nil
	}

	qty, err := t.ex.FormatQuantity(ctx, symbol, quoteSize/snap.Price)
	if err != nil {
		return "invalid quantity: " + err.Error(), false, nil
	}

	t.setState(StateExecuting)
	order, err := t.ex.CreateMarketOrder(ctx, symbol, exchange.OrderSideBuy, qty)
	if err != nil {
		// 订单失败时账本与内存镜像都保持原样
		classified := classifyOrderError(err)
		return "order failed: " + classified.Error(), false, classified
	}

	entryPrice := order.AvgPrice
	if entryPrice <= 0 {
		entryPrice = snap.Price
	}

	lot, err := t.store.AddLot(symbol, entryPrice, order.QuoteQty, order.ExecutedQty, strconv.FormatInt(order.OrderID, 10))
	if err != nil {
		// 订单已成交但落盘失败，下一轮对账会重建账本
		t.logger.Error("ledger persist failed after confirmed buy", zap.Error(err))
		return "ledger persist failed: " + err.Error(), true, err
	}

	t.mu.Lock()
	t.lastTradeAt = now
	t.mu.Unlock()

	// 买入同样计入当日交易笔数，盈亏在平仓时才结算
	t.risk.RecordOutcome(now, "BUY", 0)

	fee := order.QuoteQty * t.strategyConf.FeeRate
	if err := t.metrics.Record(ctx, TradeOutcome{
		Symbol:     symbol,
		Side:       "BUY",
		Price:      entryPrice,
		Quantity:   order.ExecutedQty,
		QuoteSize:  order.QuoteQty,
		Fee:        fee,
		OrderID:    strconv.FormatInt(order.OrderID, 10),
		Reason:     "entry signal",
		ExecutedAt: now,
	}); err != nil {
		t.logger.Error("failed to record buy trade", zap.Error(err))
	}

	t.notifier.TradeExecuted(telegram.TradeEvent{
		Symbol:    symbol,
		Side:      "BUY",
		Price:     entryPrice,
		Quantity:  order.ExecutedQty,
		QuoteSize: order.QuoteQty,
		Reason:    "entry signal",
		Time:      now,
	})

	t.logger.Info("[STEP 5/5] buy executed",
		zap.Int64("order_id", order.OrderID),
		zap.Float64("entry_price", entryPrice),
		zap.Float64("quantity", order.ExecutedQty),
		zap.Int64("lot_id", lot.ID))

	return "buy executed", true, nil
}

// executeSell 卖出路径：盈亏以账本的最差入场价为基准，
// 订单确认后才清空账本，失败则留待下一轮重试
func (t *TradeLoop) executeSell(ctx context.Context, snap *strategy.Snapshot,
	posView strategy.PositionView, reason string) (string, bool, error) {

	symbol := snap.Symbol
	now := time.Now()

	if intervalReason, ok := t.interTradeIntervalOK(now); !ok {
		t.logger.Info("[STEP 4/5] sell deferred: " + intervalReason)
		return intervalReason, false, nil
	}

	check := t.risk.Check(now, 0, snap.Volatility)
	if !check.Allowed {
		t.setState(StateGateDenied)
		t.logger.Warn("[STEP 4/5] sell denied by risk gate", zap.String("reason", check.Reason))
		return check.Reason, false, nil
	}

	qty, err := t.ex.FormatQuantity(ctx, symbol, posView.TotalBaseAmount)
	if err != nil {
		return "invalid quantity: " + err.Error(), false, nil
	}

	t.setState(StateExecuting)
	order, err := t.ex.CreateMarketOrder(ctx, symbol, exchange.OrderSideSell, qty)
	if err != nil {
		classified := classifyOrderError(err)
		return "order failed: " + classified.Error(), false, classified
	}

	exitPrice := order.AvgPrice
	if exitPrice <= 0 {
		exitPrice = snap.Price
	}

	// 已实现盈亏：以最差入场价为基准，扣除双边手续费
	fee := t.strategyConf.FeeRate * (posView.TotalQuoteSize + order.QuoteQty)
	pnl := (exitPrice-posView.WorstCaseEntryPrice)*posView.TotalBaseAmount - fee
	pnlPercent := 0.0
	if posView.WorstCaseEntryPrice > 0 {
		pnlPercent = (exitPrice-posView.WorstCaseEntryPrice)/posView.WorstCaseEntryPrice*100 - t.strategyConf.FeeRate*2*100
	}

	if err := t.store.CloseAll(symbol); err != nil {
		t.logger.Error("ledger persist failed after confirmed sell", zap.Error(err))
	}

	t.mu.Lock()
	t.lastTradeAt = now
	t.mu.Unlock()

	t.risk.RecordOutcome(now, "SELL", pnlPercent)

	if err := t.metrics.Record(ctx, TradeOutcome{
		Symbol:     symbol,
		Side:       "SELL",
		Price:      exitPrice,
		Quantity:   order.ExecutedQty,
		QuoteSize:  order.QuoteQty,
		Fee:        fee,
		Pnl:        pnl,
		PnlPercent: pnlPercent,
		OrderID:    strconv.FormatInt(order.OrderID, 10),
		Reason:     reason,
		ExecutedAt: now,
	}); err != nil {
		t.logger.Error("failed to record sell trade", zap.Error(err))
	}

	t.notifier.TradeExecuted(telegram.TradeEvent{
		Symbol:     symbol,
		Side:       "SELL",
		Price:      exitPrice,
		Quantity:   order.ExecutedQty,
		QuoteSize:  order.QuoteQty,
		Pnl:        pnl,
		PnlPercent: pnlPercent,
		Reason:     reason,
		Time:       now,
	})

	t.logger.Info("[STEP 5/5] sell executed",
		zap.Int64("order_id", order.OrderID),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl", pnl),
		zap.Float64("pnl_percent", pnlPercent))

	return "sell executed", true, nil
}

// positionView 从账本快照推导策略可见的持仓视图，镜像永远可重建
func (t *TradeLoop) positionView(symbol string) strategy.PositionView {
	snap := t.store.Snapshot(symbol)
	view := strategy.PositionView{
		Open:                len(snap.Lots) > 0,
		WorstCaseEntryPrice: snap.WorstCaseEntryPrice,
		TotalQuoteSize:      snap.TotalQuoteSize,
		TotalBaseAmount:     snap.TotalBaseAmount,
	}
	for i, lot := range snap.Lots {
		if i == 0 || lot.OpenedAt.Before(view.OpenedAt) {
			view.OpenedAt = lot.OpenedAt
		}
	}
	return view
}

// exchangeShowsFlat 交易所侧是否已经没有持仓
func (t *TradeLoop) exchangeShowsFlat(ctx context.Context, symbol string) bool {
	info, err := t.ex.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return false
	}
	balance, err := t.ex.GetBalance(ctx, info.BaseAsset)
	if err != nil {
		return false
	}
	return balance.Free+balance.Locked < balanceAbsTolerance
}

// interTradeIntervalOK 两笔交易之间的硬性最小间隔，独立于策略冷却
func (t *TradeLoop) interTradeIntervalOK(now time.Time) (string, bool) {
	minInterval := time.Duration(t.conf.MinTradeInterval) * time.Second
	if minInterval <= 0 {
		minInterval = time.Minute
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastTradeAt.IsZero() && now.Sub(t.lastTradeAt) < minInterval {
		return fmt.Sprintf("min trade interval not reached: %.0fs < %.0fs",
			now.Sub(t.lastTradeAt).Seconds(), minInterval.Seconds()), false
	}
	return "", true
}

// journal 记录本轮信号评估，写库失败只记日志
func (t *TradeLoop) journal(ctx context.Context, snap *strategy.Snapshot,
	decision strategy.Decision, ml strategy.MLScore, outcome string) {
	if t.signalLogRepo == nil {
		return
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"price":         snap.Price,
		"indicator_pct": decision.IndicatorPct,
		"ml_score":      ml.Score,
		"volatility":    snap.Volatility,
		"outcome":       outcome,
	})

	t.mu.Lock()
	gateAllowed := t.state != StateGateDenied
	t.mu.Unlock()

	record := models.SignalLog{
		ID:           ulid.Make().String(),
		Symbol:       snap.Symbol,
		Signal:       string(decision.Signal),
		Reason:       decision.Reason,
		Price:        snap.Price,
		IndicatorPct: decision.IndicatorPct,
		MLScore:      ml.Score,
		GateAllowed:  gateAllowed,
		Snapshot:     raw,
		EvaluatedAt:  snap.Time,
	}
	if err := t.signalLogRepo.Create(ctx, &record); err != nil {
		t.logger.Warn("failed to journal signal", zap.Error(err))
	}
}

func (t *TradeLoop) setState(state string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// cycleFailed 连续失败时按指数退避跳过后续循环
func (t *TradeLoop) cycleFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.backoff.Duration()
	t.skipUntil = time.Now().Add(d)
	t.logger.Warn("cycle failed, backing off",
		zap.Duration("backoff", d),
		zap.Time("skip_until", t.skipUntil))
}

func (t *TradeLoop) cycleSucceeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backoff.Reset()
	t.skipUntil = time.Time{}
}

// IsRunning 检查是否正在运行
func (t *TradeLoop) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRunning
}

// Status 状态信息，供状态接口使用
func (t *TradeLoop) Status() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"state":            t.state,
		"is_running":       t.isRunning,
		"iteration":        t.iteration,
		"start_time":       t.startTime,
		"elapsed_hours":    time.Since(t.startTime).Hours(),
		"symbol":           t.conf.Symbol,
		"interval_seconds": t.conf.IntervalSeconds,
		"last_trade_at":    t.lastTradeAt,
		"live_trading":     t.conf.Enabled,
	}
}

// classifyOrderError 将交易所错误归入既定分类
func classifyOrderError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", xe.ErrInsufficientFunds, err)
	case strings.Contains(msg, "lot_size"), strings.Contains(msg, "notional"),
		strings.Contains(msg, "below minimum"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w: %v", xe.ErrInvalidOrder, err)
	default:
		return fmt.Errorf("%w: %v", xe.ErrNetworkUnavailable, err)
	}
}
