//go:build wireinject
// +build wireinject

package internal

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/handler"
	"github.com/dushixiang/lumen/internal/ledger"
	"github.com/dushixiang/lumen/internal/repo"
	"github.com/dushixiang/lumen/internal/service"
	"github.com/dushixiang/lumen/internal/strategy"
	"github.com/dushixiang/lumen/internal/telegram"
	"github.com/dushixiang/lumen/internal/xe"
	"github.com/dushixiang/lumen/pkg/exchange"
)

const (
	telegramHTTPTimeout = 10 * time.Second
	defaultLedgerPath   = "ledger.json"
)

var (
	handlerSet = wire.NewSet(
		handler.NewTradingHandler,
	)

	tradingSet = wire.NewSet(
		provideExchange,
		provideLedgerStore,
		provideStrategy,
		provideMLClient,
		repo.NewTradeRepo,
		repo.NewSignalLogRepo,
		service.NewMarketService,
		service.NewRiskService,
		service.NewReconcileService,
		service.NewMetricsService,
		service.NewTradeLoop,
		wire.FieldsOf(new(*config.Config), "Trading", "Strategy", "Risk"),
	)
)

// InitializeApp 初始化应用
func InitializeApp(logger *zap.Logger, db *gorm.DB, conf *config.Config) (*AppComponents, error) {
	wire.Build(
		handlerSet,
		tradingSet,
		provideTelegram,
		provideNotifier,
		wire.Struct(new(AppComponents), "*"),
	)
	return nil, nil
}

// provideTelegram provides telegram instance
func provideTelegram(logger *zap.Logger, conf *config.Config) *telegram.Telegram {
	if !conf.Telegram.Enabled {
		return nil
	}

	httpClient := &http.Client{Timeout: telegramHTTPTimeout}

	tg, err := telegram.NewTelegram(logger, telegram.Settings{
		Token:  conf.Telegram.Token,
		Client: httpClient,
	})
	if err != nil {
		logger.Error("failed to init telegram", zap.Error(err))
		return nil
	}

	return tg
}

// provideNotifier provides trade notifier
func provideNotifier(tg *telegram.Telegram, conf *config.Config, logger *zap.Logger) *telegram.Notifier {
	return telegram.NewNotifier(tg, conf.Telegram.ChatID, logger)
}

// provideExchange provides the trading venue.
// 真实交易关闭时使用纸钱包，行情仍来自币安
func provideExchange(conf *config.Config, logger *zap.Logger) exchange.Exchange {
	client := exchange.NewBinanceClient(
		conf.Binance.APIKey,
		conf.Binance.Secret,
		conf.Binance.ProxyURL,
		conf.Binance.Testnet,
	)

	if conf.Binance.APIKey == "" || conf.Binance.Secret == "" {
		logger.Warn("Binance API credentials not configured; some private endpoints may fail")
	}

	logger.Info("Binance client initialized",
		zap.Bool("testnet", conf.Binance.Testnet),
		zap.Bool("has_credentials", conf.Binance.APIKey != "" && conf.Binance.Secret != ""),
	)

	if conf.Trading.Enabled {
		return client
	}

	initialBalance := conf.Trading.PaperWallet.InitialBalance
	if initialBalance <= 0 {
		initialBalance = 1000
	}
	quoteAsset := conf.Trading.QuoteAsset
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}

	logger.Info("paper wallet mode enabled",
		zap.String("quote_asset", quoteAsset),
		zap.Float64("initial_balance", initialBalance))

	return exchange.NewPaperWallet(client, quoteAsset, initialBalance, conf.Strategy.FeeRate, logger)
}

// provideLedgerStore provides the position ledger
func provideLedgerStore(conf *config.Config, logger *zap.Logger) *ledger.Store {
	path := conf.Trading.LedgerPath
	if path == "" {
		path = defaultLedgerPath
	}
	return ledger.NewStore(path, logger)
}

// provideStrategy provides the configured strategy
func provideStrategy(conf *config.Config) (strategy.Strategy, error) {
	strat, err := strategy.New(conf.Strategy.Name, strategyConfig(conf.Strategy))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xe.ErrStrategyNotFound, err)
	}
	return strat, nil
}

// provideMLClient provides the scoring service client
func provideMLClient(conf *config.Config, logger *zap.Logger) *service.MLClient {
	return service.NewMLClient(conf.ML, logger)
}

// strategyConfig 补全默认值并换算时间单位
func strategyConfig(c config.StrategyConf) strategy.Config {
	cfg := strategy.Config{
		SignalThreshold:     c.SignalThreshold,
		TakeProfitMode:      c.TakeProfitMode,
		TakeProfitValue:     c.TakeProfitValue,
		StopLossPercent:     c.StopLossPercent,
		MinHold:             time.Duration(c.MinHoldSeconds) * time.Second,
		MinSignalInterval:   time.Duration(c.MinSignalInterval) * time.Second,
		FeeRate:             c.FeeRate,
		MLBuyConfidence:     c.MLBuyConfidence,
		MLSellConfidence:    c.MLSellConfidence,
		ExitOnMiddle:        c.ExitOnMiddle,
		TrailingStop:        c.TrailingStop,
		TrailingStopPercent: c.TrailingStopPercent,
	}
	if cfg.SignalThreshold <= 0 {
		cfg.SignalThreshold = 0.5
	}
	if cfg.TakeProfitValue <= 0 {
		cfg.TakeProfitValue = 2.0
	}
	if cfg.StopLossPercent <= 0 {
		cfg.StopLossPercent = 1.5
	}
	if cfg.MinHold <= 0 {
		cfg.MinHold = 5 * time.Minute
	}
	if cfg.MinSignalInterval <= 0 {
		cfg.MinSignalInterval = 30 * time.Second
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = 0.001
	}
	if cfg.MLBuyConfidence <= 0 {
		cfg.MLBuyConfidence = 0.4
	}
	if cfg.MLSellConfidence <= 0 {
		cfg.MLSellConfidence = 0.3
	}
	if cfg.TrailingStopPercent <= 0 {
		cfg.TrailingStopPercent = 1.0
	}
	return cfg
}
