package model

import (
	"time"
)

// Film 影片（规范化后的目录条目）
// ExternalID 为外部影片库（TMDB）ID，唯一且可为空：同一个外部 ID 最多对应一部 Film
type Film struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	ExternalID      *int64     `json:"external_id" gorm:"uniqueIndex"`
	Title           string     `json:"title" gorm:"not null"`
	NormalizedTitle string     `json:"normalized_title" gorm:"index;not null"` // 匹配键
	OriginalTitle   string     `json:"original_title"`
	Year            int        `json:"year" gorm:"index"` // 0 表示未知
	Directors       []string   `json:"directors" gorm:"serializer:json;type:text"`
	Cast            []string   `json:"cast" gorm:"column:cast_members;serializer:json;type:text"`
	Genres          []string   `json:"genres" gorm:"serializer:json;type:text"`
	Runtime         int        `json:"runtime"`
	Certification   string     `json:"certification"`
	PosterURL       string     `json:"poster_url"`
	Synopsis        string     `json:"synopsis"`
	IsRepertory     bool       `json:"is_repertory"`
	MatchAttemptAt  *time.Time `json:"match_attempt_at"` // 最近一次外部匹配尝试
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"index"`
}

// HasExternalMatch 是否已关联外部影片库
func (f *Film) HasExternalMatch() bool {
	return f.ExternalID != nil && *f.ExternalID > 0
}

// Screening 放映场次
// (film_id, venue_id, starts_at) 唯一，重复入库只会原地更新
type Screening struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	FilmID       uint      `json:"film_id" gorm:"not null;uniqueIndex:idx_screening_slot,priority:1"`
	VenueID      string    `json:"venue_id" gorm:"not null;uniqueIndex:idx_screening_slot,priority:2;index"`
	StartsAt     time.Time `json:"starts_at" gorm:"not null;uniqueIndex:idx_screening_slot,priority:3;index"`
	Format       string    `json:"format"`
	BookingURL   string    `json:"booking_url"`
	SourceID     string    `json:"source_id" gorm:"index"`
	FestivalSlug string    `json:"festival_slug" gorm:"index"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

// ScreeningWithTitle 带影片标题的场次（反向标记时使用）
type ScreeningWithTitle struct {
	Screening
	FilmTitle string `json:"film_title"`
}
