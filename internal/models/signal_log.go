package models

import (
	"time"

	"gorm.io/datatypes"
)

// SignalLog 每个交易循环的信号评估记录
type SignalLog struct {
	ID           string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Symbol       string         `gorm:"type:varchar(20);not null;index" json:"symbol"` // 交易对
	Signal       string         `gorm:"type:varchar(10);not null" json:"signal"`       // BUY/SELL/WAIT
	Reason       string         `gorm:"type:varchar(200)" json:"reason"`               // 信号或拒绝原因
	Price        float64        `gorm:"type:decimal(20,8)" json:"price"`               // 当时价格
	IndicatorPct float64        `gorm:"type:decimal(20,8)" json:"indicator_pct"`       // 指标差值百分比
	MLScore      float64        `gorm:"type:decimal(20,8)" json:"ml_score"`            // ML置信度
	GateAllowed  bool           `json:"gate_allowed"`                                  // 风控是否放行
	Snapshot     datatypes.JSON `json:"snapshot"`                                      // 完整市场快照
	EvaluatedAt  time.Time      `gorm:"not null;index" json:"evaluated_at"`            // 评估时间
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (SignalLog) TableName() string {
	return "signal_logs"
}
