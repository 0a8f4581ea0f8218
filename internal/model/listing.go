package model

import (
	"time"
)

// RawListing 爬虫适配器产出的原始排片条目（不直接入库）
type RawListing struct {
	VenueID          string    `json:"venue_id" validate:"required"`
	RawTitle         string    `json:"title" validate:"required"`
	StartsAt         time.Time `json:"datetime" validate:"required"`
	BookingURL       string    `json:"booking_url" validate:"required,url"`
	SourceID         string    `json:"source_id,omitempty"`
	Format           string    `json:"format,omitempty"`
	Year             int       `json:"year,omitempty" validate:"omitempty,gte=1880,lte=2100"`
	Director         string    `json:"director,omitempty"`
	PosterURL        string    `json:"poster_url,omitempty" validate:"omitempty,url"`
	FestivalSlugHint string    `json:"festival_slug,omitempty"`
}

// VenueBatch 单个影院的一批排片
type VenueBatch struct {
	Venue    Venue        `json:"venue"`
	Listings []RawListing `json:"listings"`
}

// 标题置信度
const (
	ConfidenceHigh = "high"
	ConfidenceLow  = "low"
)

// NormalizedTitle 标题清洗结果
type NormalizedTitle struct {
	DisplayTitle   string `json:"display_title"`
	CanonicalTitle string `json:"canonical_title"`
	MatchKey       string `json:"match_key"` // 去重音、小写、折叠标点
	Version        string `json:"version,omitempty"`
	Year           int    `json:"year,omitempty"` // 标题中携带的年份，如 "(1979)"
	Confidence     string `json:"confidence"`
}

// AmbiguityScore 标题歧义评分
type AmbiguityScore struct {
	Score          float64  `json:"score"`
	Reasons        []string `json:"reasons"`
	RequiresReview bool     `json:"requires_review"`
}

// MatchCandidate 外部影片库候选
type MatchCandidate struct {
	ExternalID      int64   `json:"external_id"`
	Title           string  `json:"title"`
	OriginalTitle   string  `json:"original_title"`
	Year            int     `json:"year"`
	PosterURL       string  `json:"poster_url"`
	Popularity      float64 `json:"popularity"`
	TitleSimilarity float64 `json:"title_similarity"`
	Score           float64 `json:"score"`
	Confidence      float64 `json:"confidence"`
}
