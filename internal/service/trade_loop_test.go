package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/ledger"
	"github.com/dushixiang/lumen/internal/repo"
	"github.com/dushixiang/lumen/internal/strategy"
	"github.com/dushixiang/lumen/pkg/exchange"
)

type stubStrategy struct {
	decision strategy.Decision
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Evaluate(now time.Time, snap *strategy.Snapshot,
	pos strategy.PositionView, ml strategy.MLScore) strategy.Decision {
	return s.decision
}

func flatKlines(n int, price float64) []*exchange.Kline {
	klines := make([]*exchange.Kline, n)
	start := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		klines[i] = &exchange.Kline{
			OpenTime:  start.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    10,
			CloseTime: start.Add(time.Duration(i+1) * time.Minute),
		}
	}
	return klines
}

func newTestLoop(t *testing.T, mock *mockExchange, decision strategy.Decision) (*TradeLoop, *ledger.Store) {
	t.Helper()
	if mock.klines == nil {
		mock.klines = flatKlines(100, mock.price)
	}

	conf := &config.Config{
		Trading: config.TradingConf{
			Symbol:           "BTCUSDT",
			QuoteAsset:       "USDT",
			TradePercent:     0.1,
			MinTradeInterval: 60,
			IntervalSeconds:  30,
		},
		Strategy: config.StrategyConf{FeeRate: 0.001},
		Risk: config.RiskConf{
			MaxDailyLossPercent:  3.0,
			MaxConsecutiveLosses: 3,
			MaxPositionPercent:   25.0,
			VolatilityLimit:      5.0,
		},
	}

	store := newTestLedger(t)
	require.NoError(t, store.Load())

	db := newTestDB(t)
	loop := NewTradeLoop(
		conf,
		NewMarketService(conf.Trading, conf.Strategy, mock, zap.NewNop()),
		&stubStrategy{decision: decision},
		NewRiskService(conf.Risk, zap.NewNop()),
		NewReconcileService(conf.Trading, mock, store, zap.NewNop()),
		store,
		NewMetricsService(db, repo.NewTradeRepo(db), zap.NewNop()),
		NewMLClient(config.MLConf{}, zap.NewNop()),
		nil,
		mock,
		repo.NewSignalLogRepo(db),
		zap.NewNop(),
	)
	loop.ready = true
	return loop, store
}

func TestCycleBuyOpensLot(t *testing.T) {
	mock := newMockExchange()
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalBuy, Reason: "entry signal"})

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	require.Len(t, mock.placedOrders, 1)
	assert.Equal(t, exchange.OrderSideBuy, mock.placedOrders[0].Side)
	// 1000 USDT * 10% = 100 USDT，价格 100 即 1 BTC
	assert.InDelta(t, 1.0, mock.placedOrders[0].Quantity, 1e-9)

	snap := store.Snapshot("BTCUSDT")
	require.Len(t, snap.Lots, 1)
	assert.InDelta(t, 100.0, snap.Lots[0].EntryPrice, 1e-9)
	assert.InDelta(t, 100.0, snap.TotalQuoteSize, 1e-9)
}

func TestCycleBuyCountsTowardRiskState(t *testing.T) {
	mock := newMockExchange()
	loop, _ := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalBuy, Reason: "entry signal"})

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	state := loop.risk.State()
	assert.Equal(t, 1, state.TradesToday)
	assert.False(t, state.LastTradeAt.IsZero())
	assert.Zero(t, state.ConsecutiveLosses)
}

func TestCycleRefusesPyramiding(t *testing.T) {
	mock := newMockExchange()
	mock.balances["BTC"] = 0.5
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalBuy, Reason: "entry signal"})

	_, err := store.AddLot("BTCUSDT", 100, 50, 0.5, "")
	require.NoError(t, err)
	before := store.Snapshot("BTCUSDT")

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	assert.Empty(t, mock.placedOrders)
	after := store.Snapshot("BTCUSDT")
	assert.Equal(t, before, after)
}

func TestCycleRepairsStaleLedger(t *testing.T) {
	mock := newMockExchange()
	// 交易所侧没有任何基础资产，本地却认为有持仓
	mock.balances["BTC"] = 0
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalBuy, Reason: "entry signal"})

	_, err := store.AddLot("BTCUSDT", 100, 50, 0.5, "")
	require.NoError(t, err)

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	// 本轮只做修复不下单，交易留给下一轮
	assert.Empty(t, mock.placedOrders)
	assert.False(t, store.HasPosition("BTCUSDT"))
}

func TestCycleOrderFailureLeavesLedgerUntouched(t *testing.T) {
	mock := newMockExchange()
	mock.failOrders = true
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalBuy, Reason: "entry signal"})

	err := loop.ExecuteCycle(context.Background())
	require.Error(t, err)

	assert.False(t, store.HasPosition("BTCUSDT"))
	assert.Empty(t, mock.placedOrders)
	assert.False(t, loop.skipUntil.IsZero())
}

func TestCycleSellClosesPosition(t *testing.T) {
	mock := newMockExchange()
	mock.price = 102
	mock.balances["BTC"] = 0.5
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalSell, Reason: "take profit"})

	_, err := store.AddLot("BTCUSDT", 100, 50, 0.5, "")
	require.NoError(t, err)

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	require.Len(t, mock.placedOrders, 1)
	assert.Equal(t, exchange.OrderSideSell, mock.placedOrders[0].Side)
	assert.InDelta(t, 0.5, mock.placedOrders[0].Quantity, 1e-9)
	assert.False(t, store.HasPosition("BTCUSDT"))
}

func TestCycleSellWithoutPositionIsNoop(t *testing.T) {
	mock := newMockExchange()
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalSell, Reason: "take profit"})

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	assert.Empty(t, mock.placedOrders)
	assert.False(t, store.HasPosition("BTCUSDT"))
}

func TestCycleMinTradeIntervalBlocksBackToBack(t *testing.T) {
	mock := newMockExchange()
	mock.balances["BTC"] = 0.5
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalSell, Reason: "take profit"})

	_, err := store.AddLot("BTCUSDT", 100, 50, 0.5, "")
	require.NoError(t, err)
	loop.lastTradeAt = time.Now().Add(-10 * time.Second)

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	assert.Empty(t, mock.placedOrders)
	assert.True(t, store.HasPosition("BTCUSDT"))
}

func TestCycleRiskGateBlocksOversizedBuy(t *testing.T) {
	mock := newMockExchange()
	loop, store := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalBuy, Reason: "entry signal"})
	loop.conf.TradePercent = 0.5 // 超过 25% 仓位上限

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	assert.Empty(t, mock.placedOrders)
	assert.False(t, store.HasPosition("BTCUSDT"))
}

func TestCycleMarketErrorTriggersBackoff(t *testing.T) {
	mock := newMockExchange()
	mock.failKlines = true
	loop, _ := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalWait, Reason: "no signal"})

	err := loop.ExecuteCycle(context.Background())
	require.Error(t, err)
	assert.False(t, loop.skipUntil.IsZero())

	// 退避期内直接跳过，不访问交易所
	require.NoError(t, loop.ExecuteCycle(context.Background()))
	assert.Empty(t, mock.placedOrders)
}

func TestStartLoadFailureAllowsRetry(t *testing.T) {
	mock := newMockExchange()
	loop, _ := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalWait, Reason: "no signal"})

	// 损坏的账本文件让启动失败
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	loop.store = ledger.NewStore(path, zap.NewNop())

	err := loop.Start(context.Background())
	require.Error(t, err)
	assert.False(t, loop.IsRunning())

	// 失败之后必须还能再次尝试启动，而不是被运行标志卡死
	err = loop.Start(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "already running")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLoopRestartAfterStop(t *testing.T) {
	mock := newMockExchange()
	loop, _ := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalWait, Reason: "no signal"})

	done := make(chan error, 1)
	go func() { done <- loop.Start(context.Background()) }()
	waitFor(t, loop.IsRunning)

	loop.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("first start did not return after stop")
	}
	assert.False(t, loop.IsRunning())

	// 停止后必须可以再次启动，且保持阻塞运行而不是立刻退出
	go func() { done <- loop.Start(context.Background()) }()
	waitFor(t, loop.IsRunning)

	select {
	case <-done:
		t.Fatal("restarted loop exited immediately")
	case <-time.After(200 * time.Millisecond):
	}

	loop.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("second stop did not terminate the loop")
	}
	assert.False(t, loop.IsRunning())
}

func TestCycleSkipsBeforeStartupReconcile(t *testing.T) {
	mock := newMockExchange()
	loop, _ := newTestLoop(t, mock, strategy.Decision{Signal: strategy.SignalBuy, Reason: "entry signal"})
	loop.ready = false

	require.NoError(t, loop.ExecuteCycle(context.Background()))
	assert.Empty(t, mock.placedOrders)
}
