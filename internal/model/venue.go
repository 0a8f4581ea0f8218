package model

import (
	"time"
)

// Venue 影院信息
// 可选字段使用指针：爬虫适配器并不总能提供完整地址
type Venue struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	City      *string   `json:"city,omitempty"`
	Address   *string   `json:"address,omitempty"`
	Postcode  *string   `json:"postcode,omitempty"`
	Website   *string   `json:"website,omitempty"`
	Timezone  string    `json:"timezone"`
	Enabled   bool      `json:"enabled" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location 返回影院所在时区，无法识别时回退到 fallback
func (v *Venue) Location(fallback *time.Location) *time.Location {
	if v == nil || v.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(v.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// IngestRun 每次成功应用的影院批次记录，异常检测以此为历史基线
type IngestRun struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	RunID        string    `json:"run_id" gorm:"index"`
	VenueID      string    `json:"venue_id" gorm:"index;not null"`
	ListingCount int       `json:"listing_count"`
	Added        int       `json:"added"`
	Updated      int       `json:"updated"`
	Failed       int       `json:"failed"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}
