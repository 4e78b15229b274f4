package models

import (
	"time"
)

// Trade 已完成成交记录，写入后不再修改
type Trade struct {
	ID         string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Symbol     string    `gorm:"type:varchar(20);not null;index" json:"symbol"` // 交易对
	Side       string    `gorm:"type:varchar(10);not null" json:"side"`         // BUY/SELL
	Price      float64   `gorm:"type:decimal(20,8);not null" json:"price"`      // 成交价格
	Quantity   float64   `gorm:"type:decimal(20,8);not null" json:"quantity"`   // 成交数量（基础资产）
	QuoteSize  float64   `gorm:"type:decimal(20,8);not null" json:"quote_size"` // 成交金额（计价资产）
	Fee        float64   `gorm:"type:decimal(20,8)" json:"fee"`                 // 手续费
	Pnl        float64   `gorm:"type:decimal(20,8)" json:"pnl"`                 // 已实现盈亏（仅卖出时有值）
	PnlPercent float64   `gorm:"type:decimal(20,8)" json:"pnl_percent"`        // 已实现盈亏百分比（仅卖出时有值）
	OrderID    string    `gorm:"type:varchar(50);index" json:"order_id"`        // 交易所订单ID
	Reason     string    `gorm:"type:varchar(100)" json:"reason"`               // 触发原因
	ExecutedAt time.Time `gorm:"not null;index" json:"executed_at"`             // 执行时间
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (Trade) TableName() string {
	return "trades"
}
