package repo

import (
	"context"

	"github.com/dushixiang/lumen/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewSignalLogRepo(db *gorm.DB) *SignalLogRepo {
	return &SignalLogRepo{
		Repository: orz.NewRepository[models.SignalLog, string](db),
	}
}

type SignalLogRepo struct {
	orz.Repository[models.SignalLog, string]
}

// FindRecentSignals 获取最近的信号评估记录
func (r SignalLogRepo) FindRecentSignals(ctx context.Context, limit int) ([]models.SignalLog, error) {
	var logs []models.SignalLog
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Order("evaluated_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
