package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dushixiang/lumen/pkg/exchange"
)

// mockExchange 测试用交易所，行为通过字段注入
type mockExchange struct {
	mu sync.Mutex

	price       float64
	klines      []*exchange.Kline
	balances    map[string]float64
	trades      []*exchange.AccountTrade
	symbolInfo  *exchange.SymbolInfo
	failOrders  bool
	failTrades  bool
	failBalance bool
	failKlines  bool

	placedOrders []placedOrder
	nextOrderID  int64
}

type placedOrder struct {
	Symbol   string
	Side     exchange.OrderSide
	Quantity float64
}

var errMockNetwork = errors.New("connection refused")

func newMockExchange() *mockExchange {
	return &mockExchange{
		price: 100,
		balances: map[string]float64{
			"USDT": 1000,
			"BTC":  0,
		},
		symbolInfo: &exchange.SymbolInfo{
			Symbol:      "BTCUSDT",
			BaseAsset:   "BTC",
			QuoteAsset:  "USDT",
			MinQuantity: 0.00001,
			StepSize:    0.00001,
			MinNotional: 5,
		},
		nextOrderID: 1,
	}
}

func (m *mockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*exchange.Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKlines {
		return nil, errMockNetwork
	}
	return m.klines, nil
}

func (m *mockExchange) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *mockExchange) GetBalance(ctx context.Context, asset string) (*exchange.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBalance {
		return nil, errMockNetwork
	}
	return &exchange.Balance{Asset: asset, Free: m.balances[asset]}, nil
}

func (m *mockExchange) CreateMarketOrder(ctx context.Context, symbol string, side exchange.OrderSide, quantity float64) (*exchange.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOrders {
		return nil, errMockNetwork
	}

	m.placedOrders = append(m.placedOrders, placedOrder{Symbol: symbol, Side: side, Quantity: quantity})
	m.nextOrderID++

	quoteQty := m.price * quantity
	if side == exchange.OrderSideBuy {
		m.balances[m.symbolInfo.QuoteAsset] -= quoteQty
		m.balances[m.symbolInfo.BaseAsset] += quantity
	} else {
		m.balances[m.symbolInfo.BaseAsset] -= quantity
		m.balances[m.symbolInfo.QuoteAsset] += quoteQty
	}

	m.trades = append(m.trades, &exchange.AccountTrade{
		ID:            m.nextOrderID,
		OrderID:       m.nextOrderID,
		Symbol:        symbol,
		Side:          side,
		Price:         m.price,
		Quantity:      quantity,
		QuoteQuantity: quoteQty,
		Time:          time.Now(),
	})

	return &exchange.OrderResult{
		OrderID:     m.nextOrderID,
		Symbol:      symbol,
		Side:        side.String(),
		Type:        exchange.OrderTypeMarket.String(),
		Status:      exchange.OrderStatusFilled.String(),
		ExecutedQty: quantity,
		QuoteQty:    quoteQty,
		AvgPrice:    m.price,
	}, nil
}

func (m *mockExchange) GetMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]*exchange.AccountTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTrades {
		return nil, errMockNetwork
	}
	return m.trades, nil
}

func (m *mockExchange) GetSymbolInfo(ctx context.Context, symbol string) (*exchange.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbolInfo, nil
}

func (m *mockExchange) FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	return quantity, nil
}
