package repo

import (
	"context"

	"github.com/dushixiang/lumen/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewTradeRepo(db *gorm.DB) *TradeRepo {
	return &TradeRepo{
		Repository: orz.NewRepository[models.Trade, string](db),
	}
}

type TradeRepo struct {
	orz.Repository[models.Trade, string]
}

// FindRecentTrades 获取最近的成交记录
func (r TradeRepo) FindRecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// FindBySymbol 按时间顺序获取指定交易对的全部成交
func (r TradeRepo) FindBySymbol(ctx context.Context, symbol string) ([]models.Trade, error) {
	var trades []models.Trade
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("symbol = ?", symbol).
		Order("executed_at ASC").
		Find(&trades).Error
	return trades, err
}
