package exchange

import (
	"context"
	"time"
)

// Exchange 现货交易所接口，真实盘和模拟盘共用同一套方法
type Exchange interface {
	// 市场数据
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*Kline, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	// 账户信息
	GetBalance(ctx context.Context, asset string) (*Balance, error)

	// 订单操作
	CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (*OrderResult, error)

	// 成交历史，since 为零值时由交易所决定返回范围
	GetMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]*AccountTrade, error)

	// 交易对信息
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error)
}
