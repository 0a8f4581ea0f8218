package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/user/screenings/internal/utils"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrCatalogUnavailable 外部影片库不可用（网络错误、5xx、限流超时）
var ErrCatalogUnavailable = errors.New("external catalog unavailable")

// CatalogResult 搜索结果条目
type CatalogResult struct {
	ID            int64
	Title         string
	OriginalTitle string
	Year          int
	PosterURL     string
	Popularity    float64
}

// CatalogDetails 影片详情
type CatalogDetails struct {
	ID            int64
	Title         string
	OriginalTitle string
	Year          int
	Runtime       int
	Directors     []string
	Cast          []string
	Genres        []string
	Synopsis      string
	PosterURL     string
	Certification string
}

// FilmCatalog 外部影片库（只消费，不实现）
type FilmCatalog interface {
	SearchByTitle(ctx context.Context, title string, year int) ([]CatalogResult, error)
	GetDetails(ctx context.Context, id int64) (*CatalogDetails, error)
}

// catalogGateway 给任意 FilmCatalog 加上限流、请求合并和搜索缓存
// 多个影院批次并发时，同一标题只会真正请求一次
type catalogGateway struct {
	inner   FilmCatalog
	limiter *rate.Limiter
	group   singleflight.Group
	search  *utils.SearchCache[[]CatalogResult]
	details *utils.SearchCache[*CatalogDetails]
}

// NewCatalogGateway perSecond <= 0 表示不限流
func NewCatalogGateway(inner FilmCatalog, perSecond float64, burst int) FilmCatalog {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &catalogGateway{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		search:  utils.NewSearchCache[[]CatalogResult](2000, 10*time.Minute),
		details: utils.NewSearchCache[*CatalogDetails](2000, 10*time.Minute),
	}
}

func (g *catalogGateway) SearchByTitle(ctx context.Context, title string, year int) ([]CatalogResult, error) {
	key := fmt.Sprintf("%s|%d", utils.MatchKey(title), year)
	if cached, ok := g.search.Get(key); ok {
		return cached, nil
	}

	val, err, _ := g.group.Do("search:"+key, func() (interface{}, error) {
		// 排队期间可能已有请求写入缓存
		if cached, ok := g.search.Get(key); ok {
			return cached, nil
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		results, err := g.inner.SearchByTitle(ctx, title, year)
		if err != nil {
			return nil, err
		}
		g.search.Set(key, results)
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]CatalogResult), nil
}

func (g *catalogGateway) GetDetails(ctx context.Context, id int64) (*CatalogDetails, error) {
	key := fmt.Sprintf("%d", id)
	if cached, ok := g.details.Get(key); ok {
		return cached, nil
	}

	val, err, _ := g.group.Do("details:"+key, func() (interface{}, error) {
		if cached, ok := g.details.Get(key); ok {
			return cached, nil
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		d, err := g.inner.GetDetails(ctx, id)
		if err != nil {
			return nil, err
		}
		g.details.Set(key, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*CatalogDetails), nil
}

// yearFromDate "1979-08-15" -> 1979
func yearFromDate(date string) int {
	date = strings.TrimSpace(date)
	if len(date) < 4 {
		return 0
	}
	y := 0
	for _, r := range date[:4] {
		if r < '0' || r > '9' {
			return 0
		}
		y = y*10 + int(r-'0')
	}
	return y
}

func logCatalogError(title string, err error) {
	if errors.Is(err, ErrCatalogUnavailable) {
		log.Printf("[Matcher] 外部影片库不可用，跳过匹配 (%q): %v", title, err)
		return
	}
	log.Printf("[Matcher] 外部影片库请求失败 (%q): %v", title, err)
}
