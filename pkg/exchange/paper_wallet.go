package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PaperWallet 纸钱包（现货模拟交易）
// 行情数据来自真实交易所，余额与成交全部在内存中模拟，
// 并保留自己的成交历史，保证对账流程在模拟盘下同样可用
type PaperWallet struct {
	market Exchange // 行情数据来源
	logger *zap.Logger

	feeRate      float64            // 单边手续费率，例如 0.001
	balances     map[string]float64 // asset -> 可用余额
	initialQuote float64
	quoteAsset   string
	trades       []*AccountTrade
	orderID      int64
	tradeID      int64
	mu           sync.RWMutex
}

// NewPaperWallet 创建纸钱包
func NewPaperWallet(market Exchange, quoteAsset string, initialQuote float64, feeRate float64, logger *zap.Logger) *PaperWallet {
	return &PaperWallet{
		market:       market,
		logger:       logger,
		feeRate:      feeRate,
		balances:     map[string]float64{quoteAsset: initialQuote},
		initialQuote: initialQuote,
		quoteAsset:   quoteAsset,
		orderID:      1000000, // 从1000000开始的模拟订单ID
		tradeID:      5000000,
	}
}

// GetKlines 获取K线数据（使用真实数据）
func (p *PaperWallet) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*Kline, error) {
	return p.market.GetKlines(ctx, symbol, interval, limit)
}

// GetCurrentPrice 获取当前价格（使用真实数据）
func (p *PaperWallet) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return p.market.GetCurrentPrice(ctx, symbol)
}

// GetBalance 获取模拟余额
func (p *PaperWallet) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return &Balance{
		Asset: asset,
		Free:  p.balances[asset],
	}, nil
}

// CreateMarketOrder 创建模拟市价单，立即按当前价格成交
func (p *PaperWallet) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (*OrderResult, error) {
	price, err := p.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}

	info, err := p.market.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol info: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	quoteQty := price * quantity

	switch side {
	case OrderSideBuy:
		cost := quoteQty * (1 + p.feeRate)
		if p.balances[info.QuoteAsset] < cost {
			return nil, fmt.Errorf("insufficient balance: required %.2f %s, available %.2f",
				cost, info.QuoteAsset, p.balances[info.QuoteAsset])
		}
		p.balances[info.QuoteAsset] -= cost
		p.balances[info.BaseAsset] += quantity
	case OrderSideSell:
		if p.balances[info.BaseAsset] < quantity {
			return nil, fmt.Errorf("insufficient balance: required %.8f %s, available %.8f",
				quantity, info.BaseAsset, p.balances[info.BaseAsset])
		}
		p.balances[info.BaseAsset] -= quantity
		p.balances[info.QuoteAsset] += quoteQty * (1 - p.feeRate)
	default:
		return nil, fmt.Errorf("unsupported order side: %s", side)
	}

	p.orderID++
	p.tradeID++

	p.trades = append(p.trades, &AccountTrade{
		ID:            p.tradeID,
		OrderID:       p.orderID,
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Quantity:      quantity,
		QuoteQuantity: quoteQty,
		Commission:    quoteQty * p.feeRate,
		Time:          time.Now(),
	})

	p.logger.Info("paper wallet: market order filled",
		zap.String("symbol", symbol),
		zap.String("side", side.String()),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
		zap.Int64("order_id", p.orderID))

	return &OrderResult{
		OrderID:     p.orderID,
		Symbol:      symbol,
		Side:        side.String(),
		Type:        OrderTypeMarket.String(),
		Status:      OrderStatusFilled.String(),
		ExecutedQty: quantity,
		QuoteQty:    quoteQty,
		AvgPrice:    price,
	}, nil
}

// GetMyTrades 获取模拟成交历史
func (p *PaperWallet) GetMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]*AccountTrade, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*AccountTrade, 0, len(p.trades))
	for _, t := range p.trades {
		if t.Symbol != symbol {
			continue
		}
		if !since.IsZero() && t.Time.Before(since) {
			continue
		}
		result = append(result, t)
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// GetSymbolInfo 获取交易对信息（使用真实数据）
func (p *PaperWallet) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	return p.market.GetSymbolInfo(ctx, symbol)
}

// FormatQuantity 格式化数量（使用真实规则）
func (p *PaperWallet) FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	return p.market.FormatQuantity(ctx, symbol, quantity)
}

// QuoteBalance 当前计价资产余额，用于测试和状态接口
func (p *PaperWallet) QuoteBalance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balances[p.quoteAsset]
}

// Reset 重置纸钱包到初始状态
func (p *PaperWallet) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.balances = map[string]float64{p.quoteAsset: p.initialQuote}
	p.trades = nil

	p.logger.Info("paper wallet reset to initial state",
		zap.Float64("initial_balance", p.initialQuote))
}
