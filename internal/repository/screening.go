package repository

import (
	"context"
	"errors"
	"time"

	"github.com/user/screenings/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ScreeningRepository struct {
	db *gorm.DB
}

func NewScreeningRepository(db *gorm.DB) *ScreeningRepository {
	return &ScreeningRepository{db: db}
}

// FindSlot 按 (film_id, venue_id, starts_at) 查找场次
func (r *ScreeningRepository) FindSlot(ctx context.Context, filmID uint, venueID string, startsAt time.Time) (*model.Screening, error) {
	var s model.Screening
	err := r.db.WithContext(ctx).
		Where("film_id = ? AND venue_id = ? AND starts_at = ?", filmID, venueID, startsAt.UTC()).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert 插入或原地更新场次，返回是否为新插入
// 时间统一存为 UTC，保证唯一键在不同时区表示下一致
func (r *ScreeningRepository) Upsert(ctx context.Context, s *model.Screening) (bool, error) {
	s.StartsAt = s.StartsAt.UTC()
	if s.ScrapedAt.IsZero() {
		s.ScrapedAt = time.Now()
	}

	existing, err := r.FindSlot(ctx, s.FilmID, s.VenueID, s.StartsAt)
	if err != nil {
		return false, err
	}

	updates := []string{"format", "booking_url", "source_id", "scraped_at"}
	if s.FestivalSlug != "" {
		updates = append(updates, "festival_slug")
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "film_id"}, {Name: "venue_id"}, {Name: "starts_at"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(s).Error
	if err != nil {
		return false, err
	}

	// ON CONFLICT 更新时部分驱动不会回填主键
	if existing != nil {
		s.ID = existing.ID
	} else if s.ID == 0 {
		if row, err := r.FindSlot(ctx, s.FilmID, s.VenueID, s.StartsAt); err == nil && row != nil {
			s.ID = row.ID
		}
	}
	return existing == nil, nil
}

// CountByFilm 统计影片的场次数
func (r *ScreeningRepository) CountByFilm(ctx context.Context, filmID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Screening{}).Where("film_id = ?", filmID).Count(&n).Error
	return n, err
}

// Count 场次总数
func (r *ScreeningRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Screening{}).Count(&n).Error
	return n, err
}

// ListUntaggedInWindow 查询指定影院在时间窗口内、尚未关联该电影节的场次（附带影片标题）
func (r *ScreeningRepository) ListUntaggedInWindow(ctx context.Context, festivalID uint, venues []string, from, to time.Time) ([]model.ScreeningWithTitle, error) {
	if len(venues) == 0 {
		return nil, nil
	}
	var rows []model.ScreeningWithTitle
	err := r.db.WithContext(ctx).
		Table("screenings").
		Select("screenings.*, films.title AS film_title").
		Joins("JOIN films ON films.id = screenings.film_id").
		Where("screenings.venue_id IN ?", venues).
		Where("screenings.starts_at >= ? AND screenings.starts_at <= ?", from.UTC(), to.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM festival_screenings fs WHERE fs.screening_id = screenings.id AND fs.festival_id = ?)", festivalID).
		Order("screenings.starts_at").
		Scan(&rows).Error
	return rows, err
}

// DeleteBefore 清理早于指定时间的场次
func (r *ScreeningRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var res *gorm.DB
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&model.Screening{}).Select("id").Where("starts_at < ?", before.UTC())
		if err := tx.Where("screening_id IN (?)", sub).Delete(&model.FestivalScreening{}).Error; err != nil {
			return err
		}
		res = tx.Where("starts_at < ?", before.UTC()).Delete(&model.Screening{})
		return res.Error
	})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}
