package model

import (
	"time"
)

// 标记策略
const (
	StrategyAuto  = "AUTO"  // 独占影院 + 日期窗口即可
	StrategyTitle = "TITLE" // 还需要标题关键词或购票链接命中
)

// Festival 电影节参考数据（由外部配置流程维护，此处只读，Watchdog 字段除外）
type Festival struct {
	ID                 uint       `json:"id" gorm:"primaryKey"`
	Slug               string     `json:"slug" gorm:"uniqueIndex;not null"`
	Name               string     `json:"name"`
	Venues             []string   `json:"venues" gorm:"serializer:json;type:text"`
	StartDate          time.Time  `json:"start_date"`
	EndDate            time.Time  `json:"end_date"`
	Strategy           string     `json:"strategy" gorm:"default:TITLE"`
	TitleKeywords      []string   `json:"title_keywords" gorm:"serializer:json;type:text"`
	URLPatterns        []string   `json:"url_patterns" gorm:"serializer:json;type:text"`
	TypicalMonths      []int      `json:"typical_months" gorm:"serializer:json;type:text"`
	IsActive           bool       `json:"is_active" gorm:"default:true;index"`
	ProgrammeURL       string     `json:"programme_url"`
	ProgrammeProbe     string     `json:"programme_probe"` // content | exists
	ProgrammeAnnounced bool       `json:"programme_announced"`
	ProgrammeHash      string     `json:"programme_hash"`
	ProgrammeLength    int        `json:"programme_length"`
	LastProbedAt       *time.Time `json:"last_probed_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HasVenue 影院是否属于该电影节
func (f *Festival) HasVenue(venueID string) bool {
	for _, v := range f.Venues {
		if v == venueID {
			return true
		}
	}
	return false
}

// FestivalScreening 电影节与场次的关联
type FestivalScreening struct {
	FestivalID  uint      `json:"festival_id" gorm:"primaryKey"`
	ScreeningID uint      `json:"screening_id" gorm:"primaryKey"`
	CreatedAt   time.Time `json:"created_at"`
}
