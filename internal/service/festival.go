package service

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/repository"
)

const (
	festivalCacheKey = "active_festivals"
	festivalCacheTTL = 10 * time.Minute

	// 标记窗口 [start-3d, end+1d]
	tagLeadDays  = 3
	tagTrailDays = 1

	// 反向扫描 / Watchdog 的观察窗口 [start-14d, end+7d]
	watchLead  = 14 * 24 * time.Hour
	watchTrail = 7 * 24 * time.Hour
)

// festivalRule 预编译后的电影节规则
type festivalRule struct {
	festival model.Festival
	keywords []string
	urlRes   []*regexp.Regexp
	months   map[time.Month]bool
}

func compileFestival(f model.Festival) *festivalRule {
	r := &festivalRule{festival: f, months: map[time.Month]bool{}}
	for _, kw := range f.TitleKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			r.keywords = append(r.keywords, kw)
		}
	}
	for _, p := range f.URLPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			log.Printf("[Festival] 电影节 %s 的 URL 规则无效，已忽略: %q: %v", f.Slug, p, err)
			continue
		}
		r.urlRes = append(r.urlRes, re)
	}
	for _, m := range f.TypicalMonths {
		if m >= 1 && m <= 12 {
			r.months[time.Month(m)] = true
		}
	}
	return r
}

// inWindow 场次时间是否在 [start-3d, end+1d] 内（按日期，含首尾）
func (r *festivalRule) inWindow(startsAt time.Time) bool {
	from := r.festival.StartDate.AddDate(0, 0, -tagLeadDays)
	to := r.festival.EndDate.AddDate(0, 0, tagTrailDays+1)
	return !startsAt.Before(from) && startsAt.Before(to)
}

// matches AUTO：影院 + 日期窗口；TITLE：还需要标题关键词、购票链接或 slug 提示命中
func (r *festivalRule) matches(venueID string, startsAt time.Time, title, bookingURL, slugHint string) bool {
	if !r.festival.HasVenue(venueID) || !r.inWindow(startsAt) {
		return false
	}
	if r.festival.Strategy == model.StrategyAuto {
		return true
	}

	lower := strings.ToLower(title)
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, re := range r.urlRes {
		if bookingURL != "" && re.MatchString(bookingURL) {
			return true
		}
	}
	return slugHint != "" && strings.EqualFold(slugHint, r.festival.Slug)
}

// FestivalCache 入库运行期间的电影节快照（10 分钟 TTL）
// 由每次运行自己创建，不是进程级全局变量
type FestivalCache struct {
	repo  *repository.FestivalRepository
	store *cache.Cache
}

func NewFestivalCache(repo *repository.FestivalRepository) *FestivalCache {
	return &FestivalCache{
		repo:  repo,
		store: cache.New(festivalCacheTTL, 2*festivalCacheTTL),
	}
}

// Load 过期时从数据库重新加载；数据库出错时保留旧快照
func (c *FestivalCache) Load(ctx context.Context) error {
	if _, ok := c.store.Get(festivalCacheKey); ok {
		return nil
	}
	festivals, err := c.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	rules := make([]*festivalRule, 0, len(festivals))
	for _, f := range festivals {
		rules = append(rules, compileFestival(f))
	}
	c.store.Set(festivalCacheKey, rules, cache.DefaultExpiration)
	log.Printf("[Festival] 已加载 %d 个启用的电影节", len(rules))
	return nil
}

func (c *FestivalCache) rules() []*festivalRule {
	if v, ok := c.store.Get(festivalCacheKey); ok {
		return v.([]*festivalRule)
	}
	return nil
}

// Classify 行内判定，纯内存计算
// 月份预筛选最先执行：不在 typicalMonths 内直接跳过，未配置月份则不筛选
func (c *FestivalCache) Classify(venueID string, startsAt time.Time, title, bookingURL, slugHint string) *model.Festival {
	for _, r := range c.rules() {
		if len(r.months) > 0 && !r.months[startsAt.UTC().Month()] {
			continue
		}
		if r.matches(venueID, startsAt, title, bookingURL, slugHint) {
			f := r.festival
			return &f
		}
	}
	return nil
}

// SweepReport 反向扫描结果
type SweepReport struct {
	Festivals int            `json:"festivals"`
	Scanned   int            `json:"scanned"`
	Tagged    int64          `json:"tagged"`
	PerSlug   map[string]int `json:"per_slug"`
}

// FestivalSweeper 定时反向标记已入库的场次，可重复执行
type FestivalSweeper struct {
	festivals  *repository.FestivalRepository
	screenings *repository.ScreeningRepository
	now        func() time.Time
}

func NewFestivalSweeper(festivals *repository.FestivalRepository, screenings *repository.ScreeningRepository) *FestivalSweeper {
	return &FestivalSweeper{festivals: festivals, screenings: screenings, now: time.Now}
}

// Sweep 对观察窗口内的每个电影节：查询未标记的场次，套用同一套规则，批量写入（冲突忽略）
func (s *FestivalSweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	festivals, err := s.festivals.ListInWatchWindow(ctx, s.now(), watchLead, watchTrail)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Festivals: len(festivals), PerSlug: map[string]int{}}
	for i := range festivals {
		f := &festivals[i]
		rule := compileFestival(*f)

		rows, err := s.screenings.ListUntaggedInWindow(ctx, f.ID, f.Venues,
			f.StartDate.Add(-watchLead), f.EndDate.Add(watchTrail))
		if err != nil {
			log.Printf("[Festival] 查询电影节 %s 的场次失败: %v", f.Slug, err)
			continue
		}
		report.Scanned += len(rows)

		var ids []uint
		for _, row := range rows {
			if rule.matches(row.VenueID, row.StartsAt, row.FilmTitle, row.BookingURL, row.FestivalSlug) {
				ids = append(ids, row.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		n, err := s.festivals.TagScreenings(ctx, f, ids)
		if err != nil {
			log.Printf("[Festival] 电影节 %s 批量标记失败: %v", f.Slug, err)
			continue
		}
		report.Tagged += n
		report.PerSlug[f.Slug] = int(n)
		log.Printf("[Festival] 电影节 %s 反向标记 %d 个场次（扫描 %d）", f.Slug, n, len(rows))
	}
	return report, nil
}
