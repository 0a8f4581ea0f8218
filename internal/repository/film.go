package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/screenings/internal/model"
	"gorm.io/gorm"
)

type FilmRepository struct {
	db *gorm.DB
}

func NewFilmRepository(db *gorm.DB) *FilmRepository {
	return &FilmRepository{db: db}
}

// ListTitleIndex 加载所有影片的匹配键，用于批次开始时构建标题缓存
func (r *FilmRepository) ListTitleIndex(ctx context.Context) ([]model.Film, error) {
	var films []model.Film
	err := r.db.WithContext(ctx).
		Select("id", "external_id", "title", "normalized_title", "year", "poster_url", "match_attempt_at").
		Order("id").
		Find(&films).Error
	return films, err
}

// FindByID 根据 ID 查找影片
func (r *FilmRepository) FindByID(ctx context.Context, id uint) (*model.Film, error) {
	var film model.Film
	err := r.db.WithContext(ctx).First(&film, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &film, nil
}

// FindByExternalID 根据外部影片库 ID 查找影片
func (r *FilmRepository) FindByExternalID(ctx context.Context, externalID int64) (*model.Film, error) {
	var film model.Film
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&film).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &film, nil
}

// FindNearTitles 按匹配键首词前缀 + 年份邻近检索候选影片
// year 为 0 时不限制年份；影片年份未知的也会被返回
func (r *FilmRepository) FindNearTitles(ctx context.Context, key string, year, tolerance int) ([]model.Film, error) {
	fields := strings.Fields(key)
	if len(fields) == 0 {
		return nil, nil
	}
	q := r.db.WithContext(ctx).
		Select("id", "external_id", "title", "normalized_title", "year", "poster_url", "match_attempt_at").
		Where("normalized_title LIKE ?", fields[0]+"%")
	if year > 0 {
		q = q.Where("(year = 0 OR year BETWEEN ? AND ?)", year-tolerance, year+tolerance)
	}
	var films []model.Film
	err := q.Order("id").Limit(200).Find(&films).Error
	return films, err
}

// Create 创建影片。外部 ID 冲突时返回 ErrDuplicateExternalID
func (r *FilmRepository) Create(ctx context.Context, film *model.Film) error {
	err := r.db.WithContext(ctx).Create(film).Error
	if isUniqueViolation(err) {
		return ErrDuplicateExternalID
	}
	return err
}

// AttachExternal 为未匹配的影片补上外部影片库信息
func (r *FilmRepository) AttachExternal(ctx context.Context, film *model.Film) error {
	if film.ExternalID == nil {
		return errors.New("attach requires external id")
	}
	err := r.db.WithContext(ctx).Model(&model.Film{ID: film.ID}).
		Select("external_id", "title", "original_title", "year", "directors", "cast_members", "genres",
			"runtime", "certification", "poster_url", "synopsis", "is_repertory").
		Updates(film).Error
	if isUniqueViolation(err) {
		return ErrDuplicateExternalID
	}
	return err
}

// MarkMatchAttempt 记录一次外部匹配尝试（未命中）
func (r *FilmRepository) MarkMatchAttempt(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Film{}).
		Where("id = ?", id).
		Update("match_attempt_at", at).Error
}

// UpdatePoster 只在海报为空时写入，避免覆盖已有海报
func (r *FilmRepository) UpdatePoster(ctx context.Context, id uint, posterURL string) error {
	return r.db.WithContext(ctx).Model(&model.Film{}).
		Where("id = ? AND (poster_url IS NULL OR poster_url = '')", id).
		Update("poster_url", posterURL).Error
}

// ListMissingPoster 获取缺少海报的影片
func (r *FilmRepository) ListMissingPoster(ctx context.Context, limit int) ([]model.Film, error) {
	var films []model.Film
	err := r.db.WithContext(ctx).
		Where("poster_url IS NULL OR poster_url = ''").
		Order("id").
		Limit(limit).
		Find(&films).Error
	return films, err
}

// Count 影片总数
func (r *FilmRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Film{}).Count(&n).Error
	return n, err
}

// MergeResult 合并结果
type MergeResult struct {
	Moved   int64
	Dropped int64
}

// Merge 将影片 from 合并进 into：
// 场次全部改挂到 into；与 into 在 (venue_id, starts_at) 上冲突的 from 场次被丢弃（into 的场次永不丢弃）；
// 最后删除 from。整个过程在一个事务内完成，不同的 (from, into) 组合之间无需全局锁。
func (r *FilmRepository) Merge(ctx context.Context, fromID, intoID uint) (*MergeResult, error) {
	if fromID == intoID {
		return nil, fmt.Errorf("cannot merge film %d into itself", fromID)
	}
	result := &MergeResult{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var from, into model.Film
		if err := tx.First(&into, intoID).Error; err != nil {
			return fmt.Errorf("load merge target %d: %w", intoID, err)
		}
		if err := tx.First(&from, fromID).Error; err != nil {
			return fmt.Errorf("load merge source %d: %w", fromID, err)
		}

		// 1. 找出冲突场次
		var conflictIDs []uint
		if err := tx.Raw(`
			SELECT a.id FROM screenings a
			JOIN screenings b ON b.venue_id = a.venue_id AND b.starts_at = a.starts_at AND b.film_id = ?
			WHERE a.film_id = ?
		`, intoID, fromID).Scan(&conflictIDs).Error; err != nil {
			return fmt.Errorf("find conflicting screenings: %w", err)
		}

		// 2. 丢弃冲突场次（连同电影节关联）
		if len(conflictIDs) > 0 {
			if err := tx.Where("screening_id IN ?", conflictIDs).Delete(&model.FestivalScreening{}).Error; err != nil {
				return err
			}
			res := tx.Delete(&model.Screening{}, conflictIDs)
			if res.Error != nil {
				return res.Error
			}
			result.Dropped = res.RowsAffected
		}

		// 3. 其余场次改挂
		res := tx.Model(&model.Screening{}).Where("film_id = ?", fromID).Update("film_id", intoID)
		if res.Error != nil {
			return fmt.Errorf("repoint screenings: %w", res.Error)
		}
		result.Moved = res.RowsAffected

		// 4. 用 from 的信息补全 into 的空字段
		fill := map[string]interface{}{}
		if into.PosterURL == "" && from.PosterURL != "" {
			fill["poster_url"] = from.PosterURL
		}
		if into.Synopsis == "" && from.Synopsis != "" {
			fill["synopsis"] = from.Synopsis
		}
		if into.Year == 0 && from.Year != 0 {
			fill["year"] = from.Year
		}
		if len(fill) > 0 {
			if err := tx.Model(&model.Film{}).Where("id = ?", intoID).Updates(fill).Error; err != nil {
				return err
			}
		}

		// 5. 删除 from
		return tx.Delete(&model.Film{}, fromID).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
