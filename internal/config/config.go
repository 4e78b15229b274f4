package config

type Config struct {
	Telegram TelegramConf `json:"telegram"`
	Binance  BinanceConf  `json:"binance"`
	Trading  TradingConf  `json:"trading"`
	Strategy StrategyConf `json:"strategy"`
	Risk     RiskConf     `json:"risk"`
	ML       MLConf       `json:"ml"`
}

type TelegramConf struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chat_id"`
}

type BinanceConf struct {
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
	ProxyURL string `json:"proxy_url"` // 代理地址，例如: http://127.0.0.1:7890
	Testnet  bool   `json:"testnet"`   // 是否使用测试网
}

type TradingConf struct {
	Enabled           bool            `json:"enabled"`             // 是否启用真实交易，false时使用纸钱包模式
	PaperWallet       PaperWalletConf `json:"paper_wallet"`        // 纸钱包配置
	Symbol            string          `json:"symbol"`              // 交易对，如 BTCUSDT
	QuoteAsset        string          `json:"quote_asset"`         // 计价资产，默认 USDT
	IntervalSeconds   int             `json:"interval_seconds"`    // 交易循环周期（秒），默认30
	KlineInterval     string          `json:"kline_interval"`      // K线周期，默认 1m
	TradePercent      float64         `json:"trade_percent"`       // 单笔下单占可用余额比例，默认0.1
	MinTradeInterval  int             `json:"min_trade_interval"`  // 两笔交易之间的最小间隔（秒），默认60
	LedgerPath        string          `json:"ledger_path"`         // 持仓账本文件路径
	ReconcileLookback int             `json:"reconcile_lookback"`  // 对账回溯天数，默认30
}

type PaperWalletConf struct {
	InitialBalance float64 `json:"initial_balance"` // 初始余额（USDT），默认1000
}

type StrategyConf struct {
	Name                string  `json:"name"`                  // 策略名称: ema_ml / macd_rsi / bollinger / price_action
	EMAFastPeriod       int     `json:"ema_fast_period"`       // 快线周期，默认12
	EMASlowPeriod       int     `json:"ema_slow_period"`       // 慢线周期，默认26
	SignalThreshold     float64 `json:"signal_threshold"`      // 入场信号阈值（百分比），默认0.5
	TakeProfitMode      string  `json:"take_profit_mode"`      // PERCENT 或 QUOTE_CURRENCY
	TakeProfitValue     float64 `json:"take_profit_value"`     // 止盈阈值，默认2.0
	StopLossPercent     float64 `json:"stop_loss_percent"`     // 止损百分比，默认1.5
	MinHoldSeconds      int     `json:"min_hold_seconds"`      // 最短持仓时间（秒），默认300
	MinSignalInterval   int     `json:"min_signal_interval"`   // 信号冷却时间（秒），默认30
	FeeRate             float64 `json:"fee_rate"`              // 单边手续费率，默认0.001
	MLBuyConfidence     float64 `json:"ml_buy_confidence"`     // 买入所需ML置信度，默认0.4
	MLSellConfidence    float64 `json:"ml_sell_confidence"`    // ML离场置信度下限，默认0.3
	ExitOnMiddle        bool    `json:"exit_on_middle"`        // 布林带策略价格回归中轨时离场
	TrailingStop        bool    `json:"trailing_stop"`         // ema_ml 策略启用跟踪止损
	TrailingStopPercent float64 `json:"trailing_stop_percent"` // 跟踪止损回撤百分比，默认1.0
	VolatilityMode      string  `json:"volatility_mode"`       // 波动率口径: returns（默认）或 atr
}

type RiskConf struct {
	MaxDailyLossPercent  float64 `json:"max_daily_loss_percent"`  // 单日最大累计亏损百分比，默认3.0
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`  // 最大连续亏损次数，默认3
	MaxPositionPercent   float64 `json:"max_position_percent"`    // 单仓最大占余额比例，默认25.0
	VolatilityLimit      float64 `json:"volatility_limit"`        // 波动率上限（百分比），默认5.0
}

type MLConf struct {
	Enabled              bool   `json:"enabled"`
	BaseURL              string `json:"base_url"`               // 评分服务地址，例如 http://127.0.0.1:5000
	TimeoutSeconds       int    `json:"timeout_seconds"`        // 请求超时（秒），默认5
	RetrainIntervalHours int    `json:"retrain_interval_hours"` // 定期重训练间隔（小时），0表示关闭
}
