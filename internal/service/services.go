package service

import (
	"log"
	"time"

	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/repository"
	"github.com/user/screenings/internal/utils"
)

// Services 服务集合
type Services struct {
	Catalog   FilmCatalog
	Pipeline  *Pipeline
	Posters   *PosterBackfill
	Sweeper   *FestivalSweeper
	Watchdog  *Watchdog
	Scheduler *Scheduler
	Source    ListingSource
}

// NewServices 按配置组装所有服务
func NewServices(repos *repository.Repositories, cfg *config.Config) *Services {
	catalog := NewCatalogFromConfig(cfg)
	if catalog == nil {
		log.Println("[TMDB] 未设置 TMDB_API_KEY，新影片将以未匹配状态创建")
	}

	var classifier *ClassifierStage
	if backend := NewClassifierFromConfig(cfg); backend != nil {
		classifier = NewClassifierStage(backend, 1)
		log.Printf("[Classifier] 已启用标题分类器: %s", cfg.ClassifierProvider)
	}

	fallback, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		log.Printf("[Config] 无法识别时区 %q，使用 UTC: %v", cfg.DefaultTimezone, err)
		fallback = time.UTC
	}

	scorer := NewAmbiguityScorer()
	var posters *PosterBackfill
	if catalog != nil {
		posters = NewPosterBackfill(NewCatalogPosterResolver(catalog), repos.Film)
	}

	pipeline := NewPipeline(PipelineDeps{
		Repos:      repos,
		Normalizer: NewTitleNormalizer(classifier),
		Matcher:    NewEntityMatcher(catalog, scorer, cfg.Match),
		Catalog:    catalog,
		Guard:      NewAnomalyGuard(repos.IngestRun, cfg.Anomaly, fallback),
		Posters:    posters,
	}, cfg)

	var source ListingSource
	if cfg.ListingsDir != "" {
		source = NewJSONDirSource(cfg.ListingsDir)
	}

	sweeper := NewFestivalSweeper(repos.Festival, repos.Screening)
	watchdog := NewWatchdog(repos.Festival, utils.NewHTTPClient(20*time.Second))

	return &Services{
		Catalog:   catalog,
		Pipeline:  pipeline,
		Posters:   posters,
		Sweeper:   sweeper,
		Watchdog:  watchdog,
		Scheduler: NewScheduler(repos, pipeline, source, sweeper, watchdog, cfg),
		Source:    source,
	}
}
