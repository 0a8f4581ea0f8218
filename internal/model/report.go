package model

import (
	"time"
)

// IngestionDiffReport 批次与历史对比的诊断结果
type IngestionDiffReport struct {
	VenueID             string   `json:"venue_id"`
	CurrentCount        int      `json:"current_count"`
	HistoricalBaseline  float64  `json:"historical_baseline"`
	HistoryRuns         int      `json:"history_runs"`
	PercentDelta        float64  `json:"percent_delta"`
	SuspiciousHourCount int      `json:"suspicious_hour_count"`
	Blocked             bool     `json:"blocked"`
	BlockReasons        []string `json:"block_reasons,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
}

// BatchReport 单个影院批次的运营报告
type BatchReport struct {
	RunID                 string               `json:"run_id"`
	VenueID               string               `json:"venue_id"`
	Added                 int                  `json:"added"`
	Updated               int                  `json:"updated"`
	Failed                int                  `json:"failed"`
	RejectedByValidation  int                  `json:"rejected_by_validation"`
	BlockedByAnomalyGuard bool                 `json:"blocked_by_anomaly_guard"`
	FilmsCreated          int                  `json:"films_created"`
	FilmsMatched          int                  `json:"films_matched"`
	FilmsMerged           int                  `json:"films_merged"`
	FestivalTagged        int                  `json:"festival_tagged"`
	Warnings              []string             `json:"warnings"`
	Diff                  *IngestionDiffReport `json:"diff,omitempty"`
	StartedAt             time.Time            `json:"started_at"`
	FinishedAt            time.Time            `json:"finished_at"`
}

// RunReport 一次完整入库运行（多个影院）的汇总
type RunReport struct {
	RunID      string         `json:"run_id"`
	Batches    []*BatchReport `json:"batches"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// BlockedVenues 被异常检测拦截的影院
func (r *RunReport) BlockedVenues() []string {
	var venues []string
	for _, b := range r.Batches {
		if b.BlockedByAnomalyGuard {
			venues = append(venues, b.VenueID)
		}
	}
	return venues
}
