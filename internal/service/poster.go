package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/repository"
)

// PosterResolver 海报解析协作方，返回空字符串表示没找到
type PosterResolver interface {
	ResolvePoster(ctx context.Context, film *model.Film) (string, error)
}

// CatalogPosterResolver 默认实现：从外部影片库详情取海报
type CatalogPosterResolver struct {
	catalog FilmCatalog
}

func NewCatalogPosterResolver(catalog FilmCatalog) *CatalogPosterResolver {
	return &CatalogPosterResolver{catalog: catalog}
}

func (r *CatalogPosterResolver) ResolvePoster(ctx context.Context, film *model.Film) (string, error) {
	if r.catalog == nil || !film.HasExternalMatch() {
		return "", nil
	}
	d, err := r.catalog.GetDetails(ctx, *film.ExternalID)
	if err != nil {
		return "", err
	}
	return d.PosterURL, nil
}

// PosterBackfill 异步补海报，只写 poster_url 字段，不阻塞批次
type PosterBackfill struct {
	resolver PosterResolver
	films    *repository.FilmRepository
	wg       sync.WaitGroup
	pending  sync.Map // filmID -> struct{}
}

func NewPosterBackfill(resolver PosterResolver, films *repository.FilmRepository) *PosterBackfill {
	return &PosterBackfill{resolver: resolver, films: films}
}

// Enqueue 异步处理，同一部影片同时只会有一个任务
func (b *PosterBackfill) Enqueue(film model.Film) {
	if b == nil || b.resolver == nil || film.PosterURL != "" {
		return
	}
	if _, loaded := b.pending.LoadOrStore(film.ID, struct{}{}); loaded {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.pending.Delete(film.ID)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Poster] 异步补海报发生恐慌 (FilmID: %d): %v", film.ID, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		url, err := b.resolver.ResolvePoster(ctx, &film)
		if err != nil {
			log.Printf("[Poster] 获取海报失败 (FilmID: %d, %q): %v", film.ID, film.Title, err)
			return
		}
		if url == "" {
			return
		}
		if err := b.films.UpdatePoster(ctx, film.ID, url); err != nil {
			log.Printf("[Poster] 保存海报失败 (FilmID: %d): %v", film.ID, err)
		}
	}()
}

// Wait 等待进行中的任务（测试和优雅退出时使用）
func (b *PosterBackfill) Wait() {
	if b != nil {
		b.wg.Wait()
	}
}
