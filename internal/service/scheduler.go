package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/repository"
)

// Scheduler 定时任务：入库、电影节反向标记、节目单探测、过期数据清理
type Scheduler struct {
	repos    *repository.Repositories
	pipeline *Pipeline
	source   ListingSource
	sweeper  *FestivalSweeper
	watchdog *Watchdog
	cfg      *config.Config

	wg sync.WaitGroup
}

func NewScheduler(repos *repository.Repositories, pipeline *Pipeline, source ListingSource, sweeper *FestivalSweeper, watchdog *Watchdog, cfg *config.Config) *Scheduler {
	return &Scheduler{
		repos:    repos,
		pipeline: pipeline,
		source:   source,
		sweeper:  sweeper,
		watchdog: watchdog,
		cfg:      cfg,
	}
}

// Start 启动时先各运行一次，之后按各自间隔执行；ctx 取消后停止
func (s *Scheduler) Start(ctx context.Context) {
	s.every(ctx, "ingest", s.cfg.IngestInterval, s.runIngest)
	s.every(ctx, "festival-sweep", s.cfg.FestivalSweepInterval, s.runSweep)
	s.every(ctx, "watchdog", s.cfg.WatchdogInterval, s.runWatchdog)
	s.every(ctx, "cleanup", 24*time.Hour, s.runCleanup)
}

// Wait 等待所有任务退出
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		log.Printf("[Scheduler] 任务 %s 未配置间隔，已跳过", name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.safeRun(ctx, name, job)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeRun(ctx, name, job)
			}
		}
	}()
}

func (s *Scheduler) safeRun(ctx context.Context, name string, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] 任务 %s 发生恐慌: %v", name, r)
		}
	}()
	job(ctx)
}

func (s *Scheduler) runIngest(ctx context.Context) {
	if s.source == nil {
		return
	}
	report, err := s.pipeline.Run(ctx, s.source)
	if errors.Is(err, ErrRunInProgress) {
		log.Println("[Scheduler] 上一次入库尚未结束，跳过本轮")
		return
	}
	if err != nil {
		log.Printf("[Scheduler] 入库失败: %v", err)
		return
	}
	if blocked := report.BlockedVenues(); len(blocked) > 0 {
		// 唯一需要人工介入的情况
		log.Printf("[Scheduler] 【告警】运行 %s 中以下影院被异常检测拦截: %v", report.RunID, blocked)
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		log.Printf("[Scheduler] 电影节反向标记失败: %v", err)
		return
	}
	log.Printf("[Scheduler] 电影节反向标记完成: %d 个电影节，扫描 %d，新标记 %d", report.Festivals, report.Scanned, report.Tagged)
}

func (s *Scheduler) runWatchdog(ctx context.Context) {
	results, err := s.watchdog.Run(ctx)
	if err != nil {
		log.Printf("[Scheduler] 节目单探测失败: %v", err)
		return
	}
	log.Printf("[Scheduler] 节目单探测完成: %d 个电影节", len(results))
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	log.Println("[Scheduler] 开始清理过期数据...")

	// 1. 清理已放映超过保留期的场次
	affected, err := s.repos.Screening.DeleteBefore(ctx, time.Now().Add(-s.cfg.ScreeningRetention))
	if err != nil {
		log.Printf("[Scheduler] 清理过期场次失败: %v", err)
	} else {
		log.Printf("[Scheduler] 已清理 %d 条过期场次", affected)
	}

	// 2. 清理 90 天前的批次历史（异常检测只看最近 30 天）
	cleaned, err := s.repos.IngestRun.DeleteOlderThan(ctx, 90)
	if err != nil {
		log.Printf("[Scheduler] 清理批次历史失败: %v", err)
	} else if cleaned > 0 {
		log.Printf("[Scheduler] 已清理 %d 条批次历史", cleaned)
	}
}
