package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/repository"
	"github.com/user/screenings/internal/utils"
)

// 续集编号：阿拉伯数字、1-39 的罗马数字、英文数词
var reSequelToken = regexp.MustCompile(`^(?:\d+|x{0,3}(?:ix|iv|v?i{1,3}|v)|x{1,3}|one|two|three|four|five|six|seven|eight|nine|ten)$`)

// titleGroup 同一规范标题下的排片
type titleGroup struct {
	title    model.NormalizedTitle
	year     int
	director string
	listings []model.RawListing
}

// titleCache 批次开始时构建的 匹配键 -> 影片 快照，只在单个影院批次内使用
type titleCache map[string]*model.Film

func (p *Pipeline) loadTitleCache(ctx context.Context) (titleCache, error) {
	films, err := p.repos.Film.ListTitleIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("load title cache: %w", err)
	}
	cache := make(titleCache, len(films))
	for i := range films {
		f := &films[i]
		existing, ok := cache[f.NormalizedTitle]
		// 同名多部时优先已匹配的
		if !ok || (!existing.HasExternalMatch() && f.HasExternalMatch()) {
			cache[f.NormalizedTitle] = f
		}
	}
	return cache, nil
}

// groupListings 清洗标题并按匹配键分组，保持首次出现的顺序
func (p *Pipeline) groupListings(ctx context.Context, listings []model.RawListing) []*titleGroup {
	index := map[string]*titleGroup{}
	var groups []*titleGroup
	for _, l := range listings {
		nt := p.normalizer.NormalizeWithFallback(ctx, l.RawTitle)
		if nt.MatchKey == "" {
			continue
		}
		g, ok := index[nt.MatchKey]
		if !ok {
			g = &titleGroup{title: nt, year: nt.Year}
			index[nt.MatchKey] = g
			groups = append(groups, g)
		}
		if g.year == 0 && l.Year > 0 {
			g.year = l.Year
		}
		if g.director == "" && strings.TrimSpace(l.Director) != "" {
			g.director = strings.TrimSpace(l.Director)
		}
		g.listings = append(g.listings, l)
	}
	return groups
}

// resolveFilm 查找顺序：标题缓存 -> 相似标题 -> 外部匹配 -> 新建未匹配影片
func (p *Pipeline) resolveFilm(ctx context.Context, g *titleGroup, cache titleCache, report *model.BatchReport) (*model.Film, error) {
	key := g.title.MatchKey

	// (a) 标题缓存
	if film, ok := cache[key]; ok {
		return p.refreshUnmatched(ctx, film, g, cache, report)
	}

	// (b) 相似标题 + 年份邻近
	if film, err := p.findNearTitle(ctx, g); err != nil {
		return nil, err
	} else if film != nil {
		cache[key] = film
		return p.refreshUnmatched(ctx, film, g, cache, report)
	}

	// (c) 外部匹配
	cand, decided := p.match(ctx, g)
	if cand != nil {
		film, err := p.filmForCandidate(ctx, g, cand, report)
		if err != nil {
			return nil, err
		}
		cache[key] = film
		return film, nil
	}

	// (d) 新建未匹配影片
	film := &model.Film{
		Title:           g.title.CanonicalTitle,
		NormalizedTitle: key,
		Year:            g.year,
	}
	if g.director != "" {
		film.Directors = []string{g.director}
	}
	if decided {
		at := p.now().UTC()
		film.MatchAttemptAt = &at
	}
	if err := p.repos.Film.Create(ctx, film); err != nil {
		return nil, fmt.Errorf("create film: %w", err)
	}
	report.FilmsCreated++
	cache[key] = film
	return film, nil
}

// match 返回候选，以及匹配器是否给出了结论（未命中、歧义跳过也算）
// 外部影片库出错时 decided 为 false，下次运行会重新尝试
func (p *Pipeline) match(ctx context.Context, g *titleGroup) (*model.MatchCandidate, bool) {
	if p.matcher == nil {
		return nil, false
	}
	cand, err := p.matcher.Match(ctx, g.title.CanonicalTitle, MatchHints{Year: g.year, Director: g.director})
	if err != nil {
		logCatalogError(g.title.CanonicalTitle, err)
		return nil, false
	}
	return cand, true
}

// findNearTitle 首词前缀 + 年份容差检索，再用编辑距离筛选
// 双方年份都已知才接受；续集编号不同的标题不算同一部
func (p *Pipeline) findNearTitle(ctx context.Context, g *titleGroup) (*model.Film, error) {
	if g.year == 0 {
		return nil, nil
	}
	films, err := p.repos.Film.FindNearTitles(ctx, g.title.MatchKey, g.year, p.dedup.YearTolerance)
	if err != nil {
		return nil, fmt.Errorf("find near titles: %w", err)
	}
	var best *model.Film
	bestSim := 0.0
	for i := range films {
		f := &films[i]
		if f.Year == 0 || abs(f.Year-g.year) > p.dedup.YearTolerance {
			continue
		}
		if differsBySequelNumber(g.title.MatchKey, f.NormalizedTitle) {
			continue
		}
		sim := editSimilarity(g.title.MatchKey, f.NormalizedTitle)
		if sim >= p.dedup.TitleSimilarity && sim > bestSim {
			best, bestSim = f, sim
		}
	}
	if best != nil {
		log.Printf("[Pipeline] 相似标题命中: %q -> %q (id=%d, sim=%.2f)", g.title.CanonicalTitle, best.Title, best.ID, bestSim)
	}
	return best, nil
}

// filmForCandidate 外部匹配成功：已有影片占用该外部 ID 时直接复用，否则新建
// 并发批次抢先创建导致唯一约束冲突时，重新查询并复用胜出者
func (p *Pipeline) filmForCandidate(ctx context.Context, g *titleGroup, cand *model.MatchCandidate, report *model.BatchReport) (*model.Film, error) {
	holder, err := p.repos.Film.FindByExternalID(ctx, cand.ExternalID)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		log.Printf("[Merge] %q 匹配到已存在的影片 %d (外部 ID %d)", g.title.CanonicalTitle, holder.ID, cand.ExternalID)
		return holder, nil
	}

	film := &model.Film{NormalizedTitle: g.title.MatchKey}
	p.applyCatalog(ctx, film, g, cand)
	err = p.repos.Film.Create(ctx, film)
	if errors.Is(err, repository.ErrDuplicateExternalID) {
		winner, qerr := p.repos.Film.FindByExternalID(ctx, cand.ExternalID)
		if qerr != nil {
			return nil, qerr
		}
		if winner == nil {
			return nil, fmt.Errorf("external id %d conflict but no holder found", cand.ExternalID)
		}
		log.Printf("[Merge] 并发创建冲突 (外部 ID %d)，复用影片 %d", cand.ExternalID, winner.ID)
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create matched film: %w", err)
	}
	report.FilmsCreated++
	report.FilmsMatched++
	return film, nil
}

// refreshUnmatched 缓存命中的影片若尚未匹配，按间隔重新尝试外部匹配
// 匹配到的外部 ID 已属于另一部影片时，把当前影片合并进去
func (p *Pipeline) refreshUnmatched(ctx context.Context, film *model.Film, g *titleGroup, cache titleCache, report *model.BatchReport) (*model.Film, error) {
	if film.HasExternalMatch() || p.matcher == nil {
		return film, nil
	}
	if film.MatchAttemptAt != nil && p.now().Sub(*film.MatchAttemptAt) < p.dedup.RematchInterval {
		return film, nil
	}
	if g.year == 0 && film.Year > 0 {
		g.year = film.Year
	}

	cand, decided := p.match(ctx, g)
	if cand == nil {
		if !decided {
			return film, nil
		}
		now := p.now().UTC()
		film.MatchAttemptAt = &now
		if err := p.repos.Film.MarkMatchAttempt(ctx, film.ID, now); err != nil {
			log.Printf("[Pipeline] 记录匹配尝试失败 (film %d): %v", film.ID, err)
		}
		return film, nil
	}

	holder, err := p.repos.Film.FindByExternalID(ctx, cand.ExternalID)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		attached := *film
		p.applyCatalog(ctx, &attached, g, cand)
		err := p.repos.Film.AttachExternal(ctx, &attached)
		if err == nil {
			report.FilmsMatched++
			*film = attached
			return film, nil
		}
		if !errors.Is(err, repository.ErrDuplicateExternalID) {
			return nil, fmt.Errorf("attach external id: %w", err)
		}
		// 另一个批次刚刚抢先占用
		if holder, err = p.repos.Film.FindByExternalID(ctx, cand.ExternalID); err != nil {
			return nil, err
		}
		if holder == nil {
			return nil, fmt.Errorf("external id %d conflict but no holder found", cand.ExternalID)
		}
	}
	if holder.ID == film.ID {
		return film, nil
	}

	res, err := p.repos.Film.Merge(ctx, film.ID, holder.ID)
	if err != nil {
		return nil, fmt.Errorf("merge film %d into %d: %w", film.ID, holder.ID, err)
	}
	report.FilmsMerged++
	log.Printf("[Merge] 影片 %d (%q) 合并进 %d (外部 ID %d)：改挂 %d 个场次，丢弃 %d 个冲突场次",
		film.ID, film.Title, holder.ID, cand.ExternalID, res.Moved, res.Dropped)
	for k, f := range cache {
		if f.ID == film.ID {
			cache[k] = holder
		}
	}
	return holder, nil
}

// applyCatalog 用候选和外部详情填充影片；详情获取失败时只用候选信息
func (p *Pipeline) applyCatalog(ctx context.Context, film *model.Film, g *titleGroup, cand *model.MatchCandidate) {
	id := cand.ExternalID
	film.ExternalID = &id
	film.Title = cand.Title
	film.OriginalTitle = cand.OriginalTitle
	film.Year = cand.Year
	film.PosterURL = cand.PosterURL
	if film.Title == "" {
		film.Title = g.title.CanonicalTitle
	}

	if p.catalog == nil {
		return
	}
	d, err := p.catalog.GetDetails(ctx, cand.ExternalID)
	if err != nil {
		log.Printf("[Pipeline] 获取影片详情失败 (外部 ID %d): %v", cand.ExternalID, err)
		return
	}
	if d.Title != "" {
		film.Title = d.Title
	}
	if d.OriginalTitle != "" {
		film.OriginalTitle = d.OriginalTitle
	}
	if d.Year > 0 {
		film.Year = d.Year
	}
	if d.PosterURL != "" {
		film.PosterURL = d.PosterURL
	}
	film.Directors = d.Directors
	film.Cast = d.Cast
	film.Genres = d.Genres
	film.Runtime = d.Runtime
	film.Synopsis = d.Synopsis
	film.Certification = d.Certification
	film.IsRepertory = film.Year > 0 && film.Year < p.now().Year()-1
}

// editSimilarity 1 - 编辑距离/较长串长度，不做包含关系的加分
func editSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longer := max(len([]rune(a)), len([]rune(b)))
	if longer == 0 {
		return 0
	}
	return 1 - float64(utils.Levenshtein(a, b))/float64(longer)
}

// differsBySequelNumber 两个匹配键之间不同的词里有续集编号：toy story / toy story 2
func differsBySequelNumber(a, b string) bool {
	ta, tb := strings.Fields(a), strings.Fields(b)
	inA := make(map[string]int, len(ta))
	for _, w := range ta {
		inA[w]++
	}
	var diff []string
	for _, w := range tb {
		if inA[w] > 0 {
			inA[w]--
			continue
		}
		diff = append(diff, w)
	}
	for w, n := range inA {
		if n > 0 {
			diff = append(diff, w)
		}
	}
	for _, w := range diff {
		if reSequelToken.MatchString(w) {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
