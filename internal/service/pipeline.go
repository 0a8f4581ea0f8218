package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/repository"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrValidation 单条排片不合法，只拒绝该条
	ErrValidation = errors.New("invalid listing")
	// ErrRunInProgress 上一次运行尚未结束
	ErrRunInProgress = errors.New("ingestion run already in progress")
)

// Pipeline 入库流水线：校验 -> 异常检测 -> 标题清洗 -> 去重/匹配 -> 场次写入 -> 电影节标记
type Pipeline struct {
	repos      *repository.Repositories
	normalizer *TitleNormalizer
	matcher    *EntityMatcher
	catalog    FilmCatalog
	guard      *AnomalyGuard
	posters    *PosterBackfill
	validate   *validator.Validate
	dedup      config.DedupConfig

	concurrency int
	now         func() time.Time

	runMu   sync.Mutex
	lastMu  sync.RWMutex
	lastRun *model.RunReport
}

// PipelineDeps 流水线依赖，catalog / posters 可为 nil
type PipelineDeps struct {
	Repos      *repository.Repositories
	Normalizer *TitleNormalizer
	Matcher    *EntityMatcher
	Catalog    FilmCatalog
	Guard      *AnomalyGuard
	Posters    *PosterBackfill
}

func NewPipeline(deps PipelineDeps, cfg *config.Config) *Pipeline {
	concurrency := cfg.VenueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pipeline{
		repos:       deps.Repos,
		normalizer:  deps.Normalizer,
		matcher:     deps.Matcher,
		catalog:     deps.Catalog,
		guard:       deps.Guard,
		posters:     deps.Posters,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		dedup:       cfg.Dedup,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// LastRun 最近一次运行报告
func (p *Pipeline) LastRun() *model.RunReport {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.lastRun
}

// Running 是否有运行正在进行
func (p *Pipeline) Running() bool {
	if p.runMu.TryLock() {
		p.runMu.Unlock()
		return false
	}
	return true
}

// Run 读取来源中的全部影院批次并发处理；单个影院失败或被拦截不影响其他影院
func (p *Pipeline) Run(ctx context.Context, source ListingSource) (*model.RunReport, error) {
	if !p.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer p.runMu.Unlock()
	return p.run(ctx, source)
}

// Start 先拿到运行锁再在后台运行，已有运行时立即返回 ErrRunInProgress
// done 可为 nil，在后台运行结束后被调用
func (p *Pipeline) Start(source ListingSource, timeout time.Duration, done func(*model.RunReport, error)) error {
	if !p.runMu.TryLock() {
		return ErrRunInProgress
	}
	go func() {
		defer p.runMu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Pipeline] 后台运行发生恐慌: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		report, err := p.run(ctx, source)
		if err != nil {
			log.Printf("[Pipeline] 后台运行失败: %v", err)
		}
		if done != nil {
			done(report, err)
		}
	}()
	return nil
}

func (p *Pipeline) run(ctx context.Context, source ListingSource) (*model.RunReport, error) {
	report := &model.RunReport{RunID: uuid.NewString(), StartedAt: p.now().UTC()}
	batches, err := source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch listings from %s: %w", source.Name(), err)
	}
	log.Printf("[Pipeline] 开始运行 %s: %d 个影院批次 (来源 %s)", report.RunID, len(batches), source.Name())

	// 电影节快照属于本次运行
	festivals := NewFestivalCache(p.repos.Festival)
	if err := festivals.Load(ctx); err != nil {
		log.Printf("[Pipeline] 加载电影节失败，本次运行跳过行内标记: %v", err)
	}

	report.Batches = make([]*model.BatchReport, len(batches))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range batches {
		i := i
		g.Go(func() error {
			br, err := p.ProcessBatch(gCtx, report.RunID, batches[i], festivals)
			var blockErr *AnomalyBlockError
			switch {
			case errors.As(err, &blockErr):
				// 已记录在报告中
			case err != nil:
				log.Printf("[Pipeline] 影院 %s 批次失败: %v", batches[i].Venue.ID, err)
			}
			report.Batches[i] = br
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = p.now().UTC()
	p.lastMu.Lock()
	p.lastRun = report
	p.lastMu.Unlock()

	if blocked := report.BlockedVenues(); len(blocked) > 0 {
		log.Printf("[Pipeline] 运行 %s 结束，%d 个影院被异常检测拦截: %v", report.RunID, len(blocked), blocked)
	} else {
		log.Printf("[Pipeline] 运行 %s 结束", report.RunID)
	}
	return report, nil
}

// ProcessBatch 处理单个影院批次。被异常检测拦截时返回 *AnomalyBlockError，且不写入任何数据
// 报告始终非 nil
func (p *Pipeline) ProcessBatch(ctx context.Context, runID string, batch model.VenueBatch, festivals *FestivalCache) (*model.BatchReport, error) {
	venue := batch.Venue
	if venue.ID == "" && len(batch.Listings) > 0 {
		venue.ID = batch.Listings[0].VenueID
	}
	report := &model.BatchReport{RunID: runID, VenueID: venue.ID, StartedAt: p.now().UTC()}
	defer func() { report.FinishedAt = p.now().UTC() }()

	if venue.ID == "" {
		report.RejectedByValidation = len(batch.Listings)
		return report, fmt.Errorf("%w: batch has no venue id", ErrValidation)
	}

	// 1. 逐条校验
	valid := make([]model.RawListing, 0, len(batch.Listings))
	for _, l := range batch.Listings {
		if err := p.validateListing(venue.ID, l); err != nil {
			report.RejectedByValidation++
			log.Printf("[Pipeline] 拒绝排片 (%s %q %s): %v", venue.ID, l.RawTitle, l.StartsAt.Format(time.RFC3339), err)
			continue
		}
		valid = append(valid, l)
	}

	// 2. 写入前的异常检测，拦截时一行都不写
	if p.guard != nil {
		diff, err := p.guard.Evaluate(ctx, &venue, valid)
		if err != nil {
			return report, err
		}
		report.Diff = diff
		report.Warnings = append(report.Warnings, diff.Warnings...)
		if diff.Blocked {
			report.BlockedByAnomalyGuard = true
			return report, &AnomalyBlockError{Report: diff}
		}
	}

	if err := p.repos.Venue.Upsert(ctx, &venue); err != nil {
		return report, fmt.Errorf("upsert venue: %w", err)
	}

	// 3. 批次开始时的标题缓存快照
	cache, err := p.loadTitleCache(ctx)
	if err != nil {
		return report, err
	}

	// 4. 按规范标题分组，逐组解析影片
	for _, g := range p.groupListings(ctx, valid) {
		film, err := p.resolveFilm(ctx, g, cache, report)
		if err != nil {
			report.Failed += len(g.listings)
			log.Printf("[Pipeline] 解析影片失败 (%s %q): %v", venue.ID, g.title.CanonicalTitle, err)
			continue
		}
		for _, l := range g.listings {
			p.upsertScreening(ctx, film, l, festivals, report)
		}
		if film.PosterURL == "" {
			p.posters.Enqueue(*film)
		}
	}

	// 5. 记录历史，作为下次异常检测的基线
	run := &model.IngestRun{
		RunID:        runID,
		VenueID:      venue.ID,
		ListingCount: len(valid),
		Added:        report.Added,
		Updated:      report.Updated,
		Failed:       report.Failed,
	}
	if err := p.repos.IngestRun.Record(ctx, run); err != nil {
		log.Printf("[Pipeline] 记录影院 %s 批次历史失败: %v", venue.ID, err)
	}

	log.Printf("[Pipeline] 影院 %s: 新增 %d, 更新 %d, 失败 %d, 拒绝 %d, 新建影片 %d, 匹配 %d, 合并 %d, 电影节 %d",
		venue.ID, report.Added, report.Updated, report.Failed, report.RejectedByValidation,
		report.FilmsCreated, report.FilmsMatched, report.FilmsMerged, report.FestivalTagged)
	return report, nil
}

func (p *Pipeline) validateListing(venueID string, l model.RawListing) error {
	if err := p.validate.Struct(l); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if l.VenueID != venueID {
		return fmt.Errorf("%w: listing venue %q does not match batch venue %q", ErrValidation, l.VenueID, venueID)
	}
	if l.StartsAt.Before(p.now().Add(-p.dedup.PastGrace)) {
		return fmt.Errorf("%w: screening is in the past", ErrValidation)
	}
	return nil
}

// upsertScreening 写入单个场次并做行内电影节标记；失败只计数
func (p *Pipeline) upsertScreening(ctx context.Context, film *model.Film, l model.RawListing, festivals *FestivalCache, report *model.BatchReport) {
	s := &model.Screening{
		FilmID:     film.ID,
		VenueID:    l.VenueID,
		StartsAt:   l.StartsAt.UTC(),
		Format:     l.Format,
		BookingURL: l.BookingURL,
		SourceID:   sourceID(l),
		ScrapedAt:  p.now().UTC(),
	}

	var festival *model.Festival
	if festivals != nil {
		festival = festivals.Classify(l.VenueID, l.StartsAt, l.RawTitle, l.BookingURL, l.FestivalSlugHint)
		if festival != nil {
			s.FestivalSlug = festival.Slug
		}
	}

	created, err := p.repos.Screening.Upsert(ctx, s)
	if err != nil {
		report.Failed++
		log.Printf("[Pipeline] 写入场次失败 (%s %q %s): %v", l.VenueID, film.Title, s.StartsAt.Format(time.RFC3339), err)
		return
	}
	if created {
		report.Added++
	} else {
		report.Updated++
	}

	if festival != nil && s.ID != 0 {
		n, err := p.repos.Festival.TagScreenings(ctx, festival, []uint{s.ID})
		if err != nil {
			log.Printf("[Festival] 行内标记失败 (%s, screening %d): %v", festival.Slug, s.ID, err)
			return
		}
		report.FestivalTagged += int(n)
	}
}

// sourceID 适配器没有提供时，由影院 + 时间 + 购票链接生成确定性 ID
func sourceID(l model.RawListing) string {
	if l.SourceID != "" {
		return l.SourceID
	}
	name := fmt.Sprintf("%s|%s|%s", l.VenueID, l.StartsAt.UTC().Format(time.RFC3339), l.BookingURL)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
