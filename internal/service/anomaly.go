package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/model"
)

// 拦截规则名
const (
	RuleVolumeDrop      = "volume_drop"
	RuleSuspiciousHours = "suspicious_hours"
)

// historyWindow 只参考最近 30 天的批次
const historyWindow = 30 * 24 * time.Hour

// AnomalyBlockError 批次被拦截，携带诊断报告
type AnomalyBlockError struct {
	Report *model.IngestionDiffReport
}

func (e *AnomalyBlockError) Error() string {
	return fmt.Sprintf("batch for venue %s blocked by anomaly guard: %s",
		e.Report.VenueID, strings.Join(e.Report.BlockReasons, ","))
}

// IngestHistory 影院历史批次来源
type IngestHistory interface {
	Recent(ctx context.Context, venueID string, limit int, since time.Time) ([]model.IngestRun, error)
}

// AnomalyGuard 写入前对比历史，拦截明显是爬虫故障的批次
type AnomalyGuard struct {
	history  IngestHistory
	cfg      config.AnomalyConfig
	fallback *time.Location
	now      func() time.Time
}

func NewAnomalyGuard(history IngestHistory, cfg config.AnomalyConfig, fallback *time.Location) *AnomalyGuard {
	if fallback == nil {
		fallback = time.UTC
	}
	return &AnomalyGuard{history: history, cfg: cfg, fallback: fallback, now: time.Now}
}

// Evaluate 只读检查，不做任何写入
// 返回的报告 Blocked 为 true 时调用方必须放弃整个批次
func (g *AnomalyGuard) Evaluate(ctx context.Context, venue *model.Venue, listings []model.RawListing) (*model.IngestionDiffReport, error) {
	report := &model.IngestionDiffReport{
		VenueID:      venue.ID,
		CurrentCount: len(listings),
	}

	runs, err := g.history.Recent(ctx, venue.ID, g.cfg.HistoryRuns, g.now().Add(-historyWindow))
	if err != nil {
		return nil, fmt.Errorf("load ingest history: %w", err)
	}
	g.checkVolume(report, runs)
	g.checkHours(report, venue.Location(g.fallback), listings)

	if report.Blocked {
		log.Printf("[AnomalyGuard] 拦截影院 %s 的批次: %v (当前 %d, 基线 %.1f, 凌晨场次 %d)",
			venue.ID, report.BlockReasons, report.CurrentCount, report.HistoricalBaseline, report.SuspiciousHourCount)
	} else if len(report.Warnings) > 0 {
		log.Printf("[AnomalyGuard] 影院 %s 批次放行，但有警告: %v", venue.ID, report.Warnings)
	}
	return report, nil
}

func (g *AnomalyGuard) checkVolume(report *model.IngestionDiffReport, runs []model.IngestRun) {
	report.HistoryRuns = len(runs)
	if len(runs) == 0 {
		return
	}
	total := 0
	for _, r := range runs {
		total += r.ListingCount
	}
	baseline := float64(total) / float64(len(runs))
	report.HistoricalBaseline = baseline

	// 历史太短或基线太小时百分比没有意义
	if len(runs) < g.cfg.MinHistoryRuns || baseline < g.cfg.MinBaseline {
		return
	}
	delta := (float64(report.CurrentCount) - baseline) / baseline * 100
	report.PercentDelta = delta

	switch {
	case -delta >= g.cfg.BlockDropPct:
		block(report, RuleVolumeDrop, fmt.Sprintf("%s: %d listings vs baseline %.1f (%.0f%%)",
			RuleVolumeDrop, report.CurrentCount, baseline, delta))
	case -delta >= g.cfg.WarnDropPct:
		report.Warnings = append(report.Warnings, fmt.Sprintf("volume_dip: %d listings vs baseline %.1f (%.0f%%)",
			report.CurrentCount, baseline, delta))
	case delta >= g.cfg.WarnSpikePct:
		report.Warnings = append(report.Warnings, fmt.Sprintf("volume_spike: %d listings vs baseline %.1f (+%.0f%%)",
			report.CurrentCount, baseline, delta))
	}
}

func (g *AnomalyGuard) checkHours(report *model.IngestionDiffReport, loc *time.Location, listings []model.RawListing) {
	if len(listings) == 0 {
		return
	}
	suspicious := 0
	for _, l := range listings {
		h := l.StartsAt.In(loc).Hour()
		if h >= g.cfg.SuspiciousHourStart && h < g.cfg.SuspiciousHourEnd {
			suspicious++
		}
	}
	report.SuspiciousHourCount = suspicious
	if suspicious == 0 {
		return
	}

	share := float64(suspicious) / float64(len(listings))
	msg := fmt.Sprintf("%d of %d screenings between %02d:00 and %02d:00 (%.0f%%)",
		suspicious, len(listings), g.cfg.SuspiciousHourStart, g.cfg.SuspiciousHourEnd, share*100)
	switch {
	case len(listings) >= g.cfg.MinListingsForHourCheck && share >= g.cfg.BlockHourShare:
		block(report, RuleSuspiciousHours, RuleSuspiciousHours+": "+msg)
	case share >= g.cfg.WarnHourShare:
		report.Warnings = append(report.Warnings, "late_night_cluster: "+msg)
	}
}

func block(report *model.IngestionDiffReport, rule, msg string) {
	report.Blocked = true
	report.BlockReasons = append(report.BlockReasons, rule)
	report.Warnings = append(report.Warnings, msg)
}
