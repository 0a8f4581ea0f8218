package repository

import (
	"context"
	"time"

	"github.com/user/screenings/internal/model"
	"gorm.io/gorm"
)

type IngestRunRepository struct {
	db *gorm.DB
}

func NewIngestRunRepository(db *gorm.DB) *IngestRunRepository {
	return &IngestRunRepository{db: db}
}

// Record 记录一次已应用的批次
func (r *IngestRunRepository) Record(ctx context.Context, run *model.IngestRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

// Recent 获取影院最近的批次记录（新到旧）
func (r *IngestRunRepository) Recent(ctx context.Context, venueID string, limit int, since time.Time) ([]model.IngestRun, error) {
	var runs []model.IngestRun
	err := r.db.WithContext(ctx).
		Where("venue_id = ? AND created_at >= ?", venueID, since.UTC()).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// DeleteOlderThan 清理历史批次记录
func (r *IngestRunRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", time.Now().UTC().AddDate(0, 0, -days)).
		Delete(&model.IngestRun{})
	return res.RowsAffected, res.Error
}
