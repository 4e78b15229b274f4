package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/strategy"
	"github.com/dushixiang/lumen/internal/xe"
	"github.com/dushixiang/lumen/pkg/exchange"
	"github.com/dushixiang/lumen/pkg/ta"
)

// 指标计算所需的最少K线数量
const minKlines = 50

// MarketService 市场数据收集服务，负责在每个循环开始时构建市场快照
type MarketService struct {
	logger       *zap.Logger
	conf         config.TradingConf
	strategyConf config.StrategyConf
	ex           exchange.Exchange
}

// NewMarketService 创建市场数据服务
func NewMarketService(conf config.TradingConf, strategyConf config.StrategyConf,
	ex exchange.Exchange, logger *zap.Logger) *MarketService {
	return &MarketService{
		logger:       logger,
		conf:         conf,
		strategyConf: strategyConf,
		ex:           ex,
	}
}

// Snapshot 拉取K线与最新价格并计算全部技术指标
func (s *MarketService) Snapshot(ctx context.Context, symbol string) (*strategy.Snapshot, error) {
	interval := s.conf.KlineInterval
	if interval == "" {
		interval = "1m"
	}

	klines, err := s.ex.GetKlines(ctx, symbol, interval, 200)
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: %s", xe.ErrSymbolNotFound, symbol)
	}
	if len(klines) < minKlines {
		return nil, fmt.Errorf("insufficient klines: got %d, need %d", len(klines), minKlines)
	}

	price, err := s.ex.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get current price: %w", err)
	}

	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}

	fastPeriod := s.strategyConf.EMAFastPeriod
	if fastPeriod == 0 {
		fastPeriod = 12
	}
	slowPeriod := s.strategyConf.EMASlowPeriod
	if slowPeriod == 0 {
		slowPeriod = 26
	}

	macd, macdSignal, _ := ta.MACD(closes, 12, 26, 9)
	upper, middle, lower := ta.BBands(closes, 20, 2)

	// 默认口径是收益率标准差，atr 口径取平均真实波幅相对现价的百分比
	volatility := ta.Volatility(ta.LastValues(closes, minKlines))
	if s.strategyConf.VolatilityMode == "atr" && price > 0 {
		if atr := ta.ATR(highs, lows, closes, 14); len(atr) > 0 {
			volatility = ta.Last(atr, 0) / price * 100
		}
	}

	snap := &strategy.Snapshot{
		Symbol:     symbol,
		Price:      price,
		Close:      closes,
		High:       highs,
		Low:        lows,
		EMAFast:    ta.EMA(closes, fastPeriod),
		EMASlow:    ta.EMA(closes, slowPeriod),
		RSI:        ta.RSI(closes, 14),
		MACD:       macd,
		MACDSignal: macdSignal,
		BBUpper:    upper,
		BBMiddle:   middle,
		BBLower:    lower,
		Volatility: volatility,
		Time:       time.Now(),
	}

	s.logger.Debug("market snapshot built",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("volatility", snap.Volatility))

	return snap, nil
}
