package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
)

// BinanceClient Binance现货API客户端
type BinanceClient struct {
	client         *binance.Client
	symbolInfoMap  map[string]*SymbolInfo
	symbolInfoLock sync.RWMutex
}

// NewBinanceClient 创建Binance客户端
func NewBinanceClient(apiKey, secretKey, proxyURL string, testnet bool) *BinanceClient {
	if testnet {
		binance.UseTestnet = true
	}

	var client *binance.Client
	if proxyURL != "" {
		client = binance.NewProxiedClient(apiKey, secretKey, proxyURL)
	} else {
		client = binance.NewClient(apiKey, secretKey)
	}

	return &BinanceClient{
		client:        client,
		symbolInfoMap: make(map[string]*SymbolInfo),
	}
}

// GetKlines 获取K线数据
func (b *BinanceClient) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*Kline, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to get klines: %w", err)
	}

	result := make([]*Kline, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		result = append(result, &Kline{
			OpenTime:  time.Unix(k.OpenTime/1000, 0),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: time.Unix(k.CloseTime/1000, 0),
		})
	}

	return result, nil
}

// GetCurrentPrice 获取当前价格
func (b *BinanceClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get current price: %w", err)
	}

	if len(prices) == 0 {
		return 0, fmt.Errorf("no price data for symbol %s", symbol)
	}

	price, _ := strconv.ParseFloat(prices[0].Price, 64)
	return price, nil
}

// GetBalance 获取指定资产的现货余额
func (b *BinanceClient) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}

	for _, bal := range account.Balances {
		if bal.Asset != asset {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		return &Balance{
			Asset:  asset,
			Free:   free,
			Locked: locked,
		}, nil
	}

	// 从未持有过的资产不会出现在账户列表中
	return &Balance{Asset: asset}, nil
}

// CreateMarketOrder 创建现货市价单
func (b *BinanceClient) CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (*OrderResult, error) {
	formattedQty, err := b.FormatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to format quantity: %w", err)
	}

	info, err := b.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol info: %w", err)
	}

	quantityStr := strconv.FormatFloat(formattedQty, 'f', stepPrecision(info.StepSize), 64)

	order, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(quantityStr).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create market order: %w", err)
	}

	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)

	avgPrice := 0.0
	if executedQty > 0 {
		avgPrice = quoteQty / executedQty
	}

	return &OrderResult{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        string(order.Side),
		Type:        string(order.Type),
		Status:      string(order.Status),
		ExecutedQty: executedQty,
		QuoteQty:    quoteQty,
		AvgPrice:    avgPrice,
	}, nil
}

// GetMyTrades 获取账户成交历史
func (b *BinanceClient) GetMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]*AccountTrade, error) {
	service := b.client.NewListTradesService().Symbol(symbol)
	if !since.IsZero() {
		service.StartTime(since.UnixMilli())
	}
	if limit > 0 {
		service.Limit(limit)
	}

	trades, err := service.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get my trades: %w", err)
	}

	result := make([]*AccountTrade, 0, len(trades))
	for _, t := range trades {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Quantity, 64)
		quoteQty, _ := strconv.ParseFloat(t.QuoteQuantity, 64)
		commission, _ := strconv.ParseFloat(t.Commission, 64)

		side := OrderSideSell
		if t.IsBuyer {
			side = OrderSideBuy
		}

		result = append(result, &AccountTrade{
			ID:            t.ID,
			OrderID:       t.OrderID,
			Symbol:        t.Symbol,
			Side:          side,
			Price:         price,
			Quantity:      qty,
			QuoteQuantity: quoteQty,
			Commission:    commission,
			Time:          time.Unix(t.Time/1000, 0),
		})
	}

	return result, nil
}

// GetSymbolInfo 获取交易对信息
func (b *BinanceClient) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	// 检查缓存（5分钟有效期）
	b.symbolInfoLock.RLock()
	if info, exists := b.symbolInfoMap[symbol]; exists {
		if time.Since(info.lastUpdated) < 5*time.Minute {
			b.symbolInfoLock.RUnlock()
			return info, nil
		}
	}
	b.symbolInfoLock.RUnlock()

	exchangeInfo, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	for _, s := range exchangeInfo.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info := &SymbolInfo{
			Symbol:      s.Symbol,
			BaseAsset:   s.BaseAsset,
			QuoteAsset:  s.QuoteAsset,
			lastUpdated: time.Now(),
		}

		// 解析过滤器
		for _, filter := range s.Filters {
			switch filter["filterType"] {
			case "LOT_SIZE":
				if minQty, ok := filter["minQty"].(string); ok {
					info.MinQuantity, _ = strconv.ParseFloat(minQty, 64)
				}
				if maxQty, ok := filter["maxQty"].(string); ok {
					info.MaxQuantity, _ = strconv.ParseFloat(maxQty, 64)
				}
				if stepSize, ok := filter["stepSize"].(string); ok {
					info.StepSize, _ = strconv.ParseFloat(stepSize, 64)
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if notional, ok := filter["minNotional"].(string); ok {
					info.MinNotional, _ = strconv.ParseFloat(notional, 64)
				}
			}
		}

		b.symbolInfoLock.Lock()
		b.symbolInfoMap[symbol] = info
		b.symbolInfoLock.Unlock()

		return info, nil
	}

	return nil, fmt.Errorf("symbol %s not found", symbol)
}

// FormatQuantity 根据交易对精度格式化数量
func (b *BinanceClient) FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	info, err := b.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return 0, err
	}

	// 根据 stepSize 向下取整
	if info.StepSize > 0 {
		quantity = math.Floor(quantity/info.StepSize) * info.StepSize
	}

	precision := math.Pow10(stepPrecision(info.StepSize))
	quantity = math.Floor(quantity*precision) / precision

	if quantity < info.MinQuantity {
		return 0, fmt.Errorf("quantity %.8f is below minimum %.8f for %s", quantity, info.MinQuantity, symbol)
	}
	if info.MaxQuantity > 0 && quantity > info.MaxQuantity {
		return 0, fmt.Errorf("quantity %.8f exceeds maximum %.8f for %s", quantity, info.MaxQuantity, symbol)
	}

	return quantity, nil
}

// stepPrecision 由 stepSize 推算数量的小数位数
func stepPrecision(stepSize float64) int {
	if stepSize <= 0 {
		return 8
	}
	precision := 0
	for stepSize < 1 && precision < 8 {
		stepSize *= 10
		precision++
	}
	return precision
}
