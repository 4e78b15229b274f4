package exchange

import "time"

// 通用现货交易类型定义，独立于任何特定交易所

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"  // 限价单
	OrderTypeMarket OrderType = "MARKET" // 市价单
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

func (s OrderSide) String() string {
	return string(s)
}

func (o OrderType) String() string {
	return string(o)
}

func (o OrderStatus) String() string {
	return string(o)
}

// Kline K线数据
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Balance 单个资产的现货余额
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// AccountTrade 账户成交记录（一笔订单可能对应多笔成交）
type AccountTrade struct {
	ID            int64
	OrderID       int64
	Symbol        string
	Side          OrderSide
	Price         float64
	Quantity      float64 // 基础资产数量
	QuoteQuantity float64 // 计价资产金额
	Commission    float64
	Time          time.Time
}

// OrderResult 订单执行结果
type OrderResult struct {
	OrderID     int64
	Symbol      string
	Side        string
	Type        string
	Status      string
	ExecutedQty float64 // 成交的基础资产数量
	QuoteQty    float64 // 成交的计价资产金额
	AvgPrice    float64 // 成交均价
}

// SymbolInfo 交易对信息
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	MinQuantity float64
	MaxQuantity float64
	StepSize    float64
	MinNotional float64
	lastUpdated time.Time
}
