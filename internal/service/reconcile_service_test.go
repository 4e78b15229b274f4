package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/ledger"
	"github.com/dushixiang/lumen/pkg/exchange"
)

func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	return ledger.NewStore(filepath.Join(t.TempDir(), "ledger.json"), zap.NewNop())
}

func newReconcileService(ex exchange.Exchange, store *ledger.Store) *ReconcileService {
	return NewReconcileService(config.TradingConf{Symbol: "BTCUSDT"}, ex, store, zap.NewNop())
}

func buyTrade(price, qty float64, at time.Time) *exchange.AccountTrade {
	return &exchange.AccountTrade{
		Symbol:        "BTCUSDT",
		Side:          exchange.OrderSideBuy,
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price * qty,
		Time:          at,
	}
}

func sellTrade(price, qty float64, at time.Time) *exchange.AccountTrade {
	return &exchange.AccountTrade{
		Symbol:        "BTCUSDT",
		Side:          exchange.OrderSideSell,
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price * qty,
		Time:          at,
	}
}

func TestReconcileAnchorsWorstCase(t *testing.T) {
	// 本地有两个批次（100、120），远端历史确认同样的买单，
	// 最差入场价必须是120
	store := newTestLedger(t)
	_, err := store.AddLot("BTCUSDT", 100, 50, 0.5, "a")
	require.NoError(t, err)
	_, err = store.AddLot("BTCUSDT", 120, 60, 0.5, "b")
	require.NoError(t, err)

	ex := newMockExchange()
	now := time.Now()
	ex.trades = []*exchange.AccountTrade{
		sellTrade(90, 1, now.Add(-3*time.Hour)),
		buyTrade(100, 0.5, now.Add(-2*time.Hour)),
		buyTrade(120, 0.5, now.Add(-1*time.Hour)),
	}
	ex.balances["BTC"] = 1.0

	report, err := newReconcileService(ex, store).Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, ReconcileAnchored, report.Action)
	assert.Equal(t, 120.0, report.RemoteWorstCase)
	assert.Equal(t, 120.0, store.Snapshot("BTCUSDT").WorstCaseEntryPrice)
	assert.Len(t, store.Snapshot("BTCUSDT").Lots, 2, "local lots untouched")
}

func TestReconcileRebuildsEmptyLocal(t *testing.T) {
	store := newTestLedger(t)

	ex := newMockExchange()
	now := time.Now()
	ex.trades = []*exchange.AccountTrade{
		sellTrade(95, 0.3, now.Add(-4*time.Hour)),
		buyTrade(100, 0.5, now.Add(-2*time.Hour)),
		buyTrade(110, 0.4, now.Add(-1*time.Hour)),
	}
	ex.balances["BTC"] = 0.9

	report, err := newReconcileService(ex, store).Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, ReconcileRebuilt, report.Action)

	snap := store.Snapshot("BTCUSDT")
	require.Len(t, snap.Lots, 2)
	assert.True(t, snap.Lots[0].IsReconstructed)
	assert.Equal(t, 110.0, snap.WorstCaseEntryPrice)
	assert.InDelta(t, 0.9, snap.TotalBaseAmount, 1e-9)
}

func TestReconcileRebuildsOnBalanceDivergence(t *testing.T) {
	// 本地账本记了1个币，账户实际只有0.5个
	store := newTestLedger(t)
	_, err := store.AddLot("BTCUSDT", 100, 100, 1.0, "a")
	require.NoError(t, err)

	ex := newMockExchange()
	now := time.Now()
	ex.trades = []*exchange.AccountTrade{
		sellTrade(95, 0.5, now.Add(-2*time.Hour)),
		buyTrade(105, 0.5, now.Add(-1*time.Hour)),
	}
	ex.balances["BTC"] = 0.5

	report, err := newReconcileService(ex, store).Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, ReconcileRebuilt, report.Action)

	snap := store.Snapshot("BTCUSDT")
	require.Len(t, snap.Lots, 1)
	assert.Equal(t, 105.0, snap.Lots[0].EntryPrice)
	assert.InDelta(t, 0.5, snap.TotalBaseAmount, 1e-9)
}

func TestReconcileClearsStaleLocal(t *testing.T) {
	// 本地有持仓，但远端最近一笔是卖出且余额为零：账本已过期
	store := newTestLedger(t)
	_, err := store.AddLot("BTCUSDT", 100, 50, 0.5, "a")
	require.NoError(t, err)

	ex := newMockExchange()
	ex.trades = []*exchange.AccountTrade{
		buyTrade(100, 0.5, time.Now().Add(-2*time.Hour)),
		sellTrade(105, 0.5, time.Now().Add(-1*time.Hour)),
	}
	ex.balances["BTC"] = 0

	report, err := newReconcileService(ex, store).Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, ReconcileRebuilt, report.Action)
	assert.False(t, store.HasPosition("BTCUSDT"))
}

func TestReconcileTruncatedHistorySkipsRebuild(t *testing.T) {
	// 没有卖出且成交填满单页：历史可能被截断，空账本不得按残缺集合重建
	store := newTestLedger(t)

	ex := newMockExchange()
	now := time.Now()
	for i := 0; i < reconcileTradeLimit; i++ {
		ex.trades = append(ex.trades, buyTrade(100+float64(i%10), 0.001, now.Add(-time.Duration(i)*time.Minute)))
	}
	ex.balances["BTC"] = 5

	report, err := newReconcileService(ex, store).Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, report.TruncationSuspected)
	assert.Equal(t, ReconcileNone, report.Action)
	assert.False(t, store.HasPosition("BTCUSDT"))
}

func TestReconcileIdempotent(t *testing.T) {
	store := newTestLedger(t)

	ex := newMockExchange()
	now := time.Now()
	ex.trades = []*exchange.AccountTrade{
		buyTrade(100, 0.5, now.Add(-2*time.Hour)),
		buyTrade(110, 0.4, now.Add(-1*time.Hour)),
	}
	ex.balances["BTC"] = 0.9

	svc := newReconcileService(ex, store)
	_, err := svc.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	first := store.Snapshot("BTCUSDT")

	// 远端没有新成交，第二次对账不得改变账本
	_, err = svc.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	second := store.Snapshot("BTCUSDT")

	assert.Equal(t, first, second)
}

func TestReconcileSkippedOnExchangeError(t *testing.T) {
	store := newTestLedger(t)
	_, err := store.AddLot("BTCUSDT", 100, 50, 0.5, "a")
	require.NoError(t, err)
	before := store.Snapshot("BTCUSDT")

	ex := newMockExchange()
	ex.failTrades = true

	report, err := newReconcileService(ex, store).Reconcile(context.Background(), "BTCUSDT")
	assert.Error(t, err)
	assert.Equal(t, ReconcileSkipped, report.Action)
	assert.Equal(t, before, store.Snapshot("BTCUSDT"), "ledger untouched on skip")
}
