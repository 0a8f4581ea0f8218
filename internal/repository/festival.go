package repository

import (
	"context"
	"time"

	"github.com/user/screenings/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type FestivalRepository struct {
	db *gorm.DB
}

func NewFestivalRepository(db *gorm.DB) *FestivalRepository {
	return &FestivalRepository{db: db}
}

// ListActive 获取所有启用的电影节
func (r *FestivalRepository) ListActive(ctx context.Context) ([]model.Festival, error) {
	var festivals []model.Festival
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("start_date").Find(&festivals).Error
	return festivals, err
}

// ListInWatchWindow 获取 now 落在 [start-before, end+after] 内的启用电影节
func (r *FestivalRepository) ListInWatchWindow(ctx context.Context, now time.Time, before, after time.Duration) ([]model.Festival, error) {
	var festivals []model.Festival
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("start_date <= ? AND end_date >= ?", now.Add(before).UTC(), now.Add(-after).UTC()).
		Order("start_date").
		Find(&festivals).Error
	return festivals, err
}

// Upsert 按 slug 写入电影节配置（仅供种子数据与测试使用）
func (r *FestivalRepository) Upsert(ctx context.Context, f *model.Festival) error {
	f.StartDate = f.StartDate.UTC()
	f.EndDate = f.EndDate.UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "venues", "start_date", "end_date", "strategy", "title_keywords",
			"url_patterns", "typical_months", "is_active", "programme_url", "programme_probe", "updated_at",
		}),
	}).Create(f).Error
}

// TagScreenings 批量写入电影节关联，冲突时忽略，可重复执行
func (r *FestivalRepository) TagScreenings(ctx context.Context, festival *model.Festival, screeningIDs []uint) (int64, error) {
	if len(screeningIDs) == 0 {
		return 0, nil
	}
	now := time.Now()
	rows := make([]model.FestivalScreening, 0, len(screeningIDs))
	for _, id := range screeningIDs {
		rows = append(rows, model.FestivalScreening{FestivalID: festival.ID, ScreeningID: id, CreatedAt: now})
	}

	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 500)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected
		// 未标记过的场次顺带写上 slug
		return tx.Model(&model.Screening{}).
			Where("id IN ? AND (festival_slug IS NULL OR festival_slug = '')", screeningIDs).
			Update("festival_slug", festival.Slug).Error
	})
	return inserted, err
}

// CountTagged 电影节已关联的场次数
func (r *FestivalRepository) CountTagged(ctx context.Context, festivalID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.FestivalScreening{}).Where("festival_id = ?", festivalID).Count(&n).Error
	return n, err
}

// UpdateProbe 记录 Watchdog 的探测结果
func (r *FestivalRepository) UpdateProbe(ctx context.Context, id uint, announced bool, hash string, length int, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Festival{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"programme_announced": announced,
			"programme_hash":      hash,
			"programme_length":    length,
			"last_probed_at":      at,
		}).Error
}
