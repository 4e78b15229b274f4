package telegram

import (
	"fmt"
	"time"

	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
)

// TradeEvent 一笔已执行交易的通知内容
type TradeEvent struct {
	Symbol     string
	Side       string
	Price      float64
	Quantity   float64
	QuoteSize  float64
	Pnl        float64
	PnlPercent float64
	Reason     string
	Time       time.Time
}

// MarketEvent 每个循环的市场快照通知内容
type MarketEvent struct {
	Symbol        string
	Signal        string
	Reason        string
	Price         float64
	IndicatorPct  float64
	MLScore       float64
	PositionOpen  bool
	PositionQuote float64
	WorstCase     float64
}

const tradeTemplate = `*{{side}}* {{symbol}}
价格: {{price}}
数量: {{quantity}}
金额: {{quote_size}} USDT
{{pnl_line}}原因: {{reason}}
时间: {{time}}`

const marketTemplate = `📊 {{symbol}} {{signal}}
价格: {{price}}
指标差值: {{indicator_pct}}%
ML置信度: {{ml_score}}
持仓: {{position}}
{{reason}}`

// Notifier 交易通知出口。
// 发送失败只记日志，永远不阻塞交易循环
type Notifier struct {
	tg     *Telegram
	chatID string
	logger *zap.Logger
}

func NewNotifier(tg *Telegram, chatID string, logger *zap.Logger) *Notifier {
	return &Notifier{
		tg:     tg,
		chatID: chatID,
		logger: logger,
	}
}

// TradeExecuted 交易完成通知
func (n *Notifier) TradeExecuted(ev TradeEvent) {
	if n == nil || n.tg == nil {
		return
	}

	pnlLine := ""
	if ev.Side == "SELL" {
		pnlLine = fmt.Sprintf("盈亏: %.4f USDT (%.2f%%)\n", ev.Pnl, ev.PnlPercent)
	}

	msg := fasttemplate.New(tradeTemplate, "{{", "}}").ExecuteString(map[string]interface{}{
		"side":       ev.Side,
		"symbol":     ev.Symbol,
		"price":      fmt.Sprintf("%.4f", ev.Price),
		"quantity":   fmt.Sprintf("%.8f", ev.Quantity),
		"quote_size": fmt.Sprintf("%.2f", ev.QuoteSize),
		"pnl_line":   pnlLine,
		"reason":     ev.Reason,
		"time":       ev.Time.Format("2006-01-02 15:04:05"),
	})

	go func() {
		if err := n.tg.Notify(n.chatID, msg); err != nil {
			n.logger.Warn("failed to send trade notification", zap.Error(err))
		}
	}()
}

// MarketUpdate 每循环的市场快照通知
func (n *Notifier) MarketUpdate(ev MarketEvent) {
	if n == nil || n.tg == nil {
		return
	}

	position := "无"
	if ev.PositionOpen {
		position = fmt.Sprintf("%.2f USDT @ %.4f", ev.PositionQuote, ev.WorstCase)
	}

	msg := fasttemplate.New(marketTemplate, "{{", "}}").ExecuteString(map[string]interface{}{
		"symbol":        ev.Symbol,
		"signal":        ev.Signal,
		"price":         fmt.Sprintf("%.4f", ev.Price),
		"indicator_pct": fmt.Sprintf("%.2f", ev.IndicatorPct),
		"ml_score":      fmt.Sprintf("%.2f", ev.MLScore),
		"position":      position,
		"reason":        ev.Reason,
	})

	go func() {
		if err := n.tg.Notify(n.chatID, msg); err != nil {
			n.logger.Warn("failed to send market notification", zap.Error(err))
		}
	}()
}
