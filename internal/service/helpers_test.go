package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/repository"
	"github.com/user/screenings/internal/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)

// at 相对 testNow 的第 day 天 hh:mm（UTC）
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, 2+day, hour, minute, 0, 0, time.UTC)
}

func newTestRepos(t *testing.T) *repository.Repositories {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), repository.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// 单连接，内存库在测试结束时随连接释放
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repository.NewRepositories(db)
}

func testConfig() *config.Config {
	return &config.Config{
		VenueConcurrency: 2,
		Match:            config.DefaultMatchConfig(),
		Anomaly:          config.DefaultAnomalyConfig(),
		Dedup:            config.DefaultDedupConfig(),
	}
}

// newTestPipeline catalog 为 nil 时只走本地去重
func newTestPipeline(t *testing.T, repos *repository.Repositories, catalog FilmCatalog) *Pipeline {
	t.Helper()
	cfg := testConfig()
	var matcher *EntityMatcher
	if catalog != nil {
		matcher = NewEntityMatcher(catalog, nil, cfg.Match)
	}
	p := NewPipeline(PipelineDeps{
		Repos:      repos,
		Normalizer: NewTitleNormalizer(nil),
		Matcher:    matcher,
		Catalog:    catalog,
		Guard:      NewAnomalyGuard(repos.IngestRun, cfg.Anomaly, time.UTC),
	}, cfg)
	p.now = func() time.Time { return testNow }
	return p
}

func listing(venueID, title string, startsAt time.Time) model.RawListing {
	return model.RawListing{
		VenueID:    venueID,
		RawTitle:   title,
		StartsAt:   startsAt,
		BookingURL: fmt.Sprintf("https://tickets.example.com/%s/%d", venueID, startsAt.Unix()),
	}
}

func venueBatch(venueID string, listings ...model.RawListing) model.VenueBatch {
	return model.VenueBatch{
		Venue:    model.Venue{ID: venueID, Name: strings.ToUpper(venueID)},
		Listings: listings,
	}
}

// fakeCatalog 内存影片库，按 匹配键|年份 返回预设结果
type fakeCatalog struct {
	mu       sync.Mutex
	results  map[string][]CatalogResult
	details  map[int64]*CatalogDetails
	err      error
	searches []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		results: map[string][]CatalogResult{},
		details: map[int64]*CatalogDetails{},
	}
}

func (f *fakeCatalog) addSearch(title string, year int, results ...CatalogResult) {
	f.results[fmt.Sprintf("%s|%d", utils.MatchKey(title), year)] = results
}

func (f *fakeCatalog) SearchByTitle(ctx context.Context, title string, year int) ([]CatalogResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s|%d", utils.MatchKey(title), year)
	f.searches = append(f.searches, key)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[key], nil
}

func (f *fakeCatalog) GetDetails(ctx context.Context, id int64) (*CatalogDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.details[id]
	if !ok {
		return nil, fmt.Errorf("movie %d not found", id)
	}
	return d, nil
}

func (f *fakeCatalog) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}
