package service

import (
	"context"
	"log"
	"math"
	"regexp"
	"strings"

	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/utils"
)

var reParenthetical = regexp.MustCompile(`\([^()]*\)|\[[^\[\]]*\]`)

// MatchHints 匹配提示
type MatchHints struct {
	Year               int
	Director           string
	SkipAmbiguityCheck bool
}

// EntityMatcher 将规范标题解析为外部影片库条目
type EntityMatcher struct {
	catalog FilmCatalog
	scorer  *AmbiguityScorer
	cfg     config.MatchConfig
}

// NewEntityMatcher catalog 为 nil 时永远不匹配
func NewEntityMatcher(catalog FilmCatalog, scorer *AmbiguityScorer, cfg config.MatchConfig) *EntityMatcher {
	if scorer == nil {
		scorer = NewAmbiguityScorer()
	}
	return &EntityMatcher{catalog: catalog, scorer: scorer, cfg: cfg}
}

// Match 返回 (nil, nil) 表示未匹配；只有外部影片库请求失败时返回错误
// 相同输入和相同影片库状态下结果确定
func (m *EntityMatcher) Match(ctx context.Context, canonicalTitle string, hints MatchHints) (*model.MatchCandidate, error) {
	if m.catalog == nil || strings.TrimSpace(canonicalTitle) == "" {
		return nil, nil
	}

	// 1. 歧义标题缺少提示时不请求外部影片库
	if !hints.SkipAmbiguityCheck {
		hasDirector := strings.TrimSpace(hints.Director) != ""
		if !m.scorer.HasSufficientMetadata(canonicalTitle, hints.Year > 0, hasDirector) {
			a := m.scorer.Score(canonicalTitle)
			log.Printf("[Matcher] 标题歧义过高，跳过自动匹配: %q (score=%.2f, reasons=%v, year=%d, director=%t)",
				canonicalTitle, a.Score, a.Reasons, hints.Year, hasDirector)
			return nil, nil
		}
	}

	// 2. 搜索，带年份无结果时放宽
	results, err := m.catalog.SearchByTitle(ctx, canonicalTitle, hints.Year)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 && hints.Year > 0 {
		results, err = m.catalog.SearchByTitle(ctx, canonicalTitle, 0)
		if err != nil {
			return nil, err
		}
	}
	if len(results) == 0 {
		log.Printf("[Matcher] 外部影片库无结果: %q", canonicalTitle)
		return nil, nil
	}

	// 3-5. 打分
	scored := m.scoreCandidates(canonicalTitle, hints.Year, results)
	if len(scored) == 0 {
		log.Printf("[Matcher] 无候选通过标题相似度阈值: %q (%d 条结果)", canonicalTitle, len(results))
		return nil, nil
	}
	best := scored[0]
	for _, c := range scored[1:] {
		if c.Score > best.Score {
			best = c
		}
	}

	// 6. 接近的竞争者越多，越可能是撞名
	penalty := m.competitorPenalty(best, scored)
	confidence := clamp01(best.Score - penalty)

	// 7. 年份精确命中时找回一半惩罚
	if hints.Year > 0 && best.Year == hints.Year {
		confidence = clamp01(confidence + penalty/2)
	}
	best.Confidence = confidence

	// 8. 接受阈值
	if confidence < m.cfg.MinConfidence {
		log.Printf("[Matcher] 置信度不足: %q -> %q (%d) confidence=%.3f penalty=%.2f",
			canonicalTitle, best.Title, best.Year, confidence, penalty)
		return nil, nil
	}
	log.Printf("[Matcher] 匹配成功: %q -> %q (%d, id=%d) confidence=%.3f",
		canonicalTitle, best.Title, best.Year, best.ExternalID, confidence)
	return &best, nil
}

func (m *EntityMatcher) scoreCandidates(query string, yearHint int, results []CatalogResult) []model.MatchCandidate {
	limit := m.cfg.MaxCandidates
	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}

	var scored []model.MatchCandidate
	for _, r := range results[:limit] {
		sim := TitleSimilarity(query, r.Title)
		if r.OriginalTitle != "" {
			sim = math.Max(sim, TitleSimilarity(query, r.OriginalTitle))
		}
		if sim < m.cfg.MinTitleSimilarity {
			continue
		}

		yearBonus := 0.0
		if yearHint > 0 && r.Year > 0 {
			switch diff := r.Year - yearHint; {
			case diff == 0:
				yearBonus = m.cfg.YearExactBonus
			case diff == 1 || diff == -1:
				yearBonus = m.cfg.YearNearBonus
			}
		}

		popBonus := 0.0
		if m.cfg.PopularityScale > 0 {
			popBonus = math.Min(r.Popularity/m.cfg.PopularityScale, m.cfg.PopularityCap)
		}

		scored = append(scored, model.MatchCandidate{
			ExternalID:      r.ID,
			Title:           r.Title,
			OriginalTitle:   r.OriginalTitle,
			Year:            r.Year,
			PosterURL:       r.PosterURL,
			Popularity:      r.Popularity,
			TitleSimilarity: sim,
			Score:           m.cfg.TitleWeight*sim + yearBonus + popBonus,
		})
	}
	return scored
}

// competitorPenalty 统计得分在最佳候选 CompetitorBand 比例以内的其他候选
func (m *EntityMatcher) competitorPenalty(best model.MatchCandidate, scored []model.MatchCandidate) float64 {
	floor := best.Score * (1 - m.cfg.CompetitorBand)
	near := 0
	for _, c := range scored {
		if c.ExternalID == best.ExternalID {
			continue
		}
		if c.Score >= floor {
			near++
		}
	}
	switch {
	case near >= 4:
		return m.cfg.PenaltyMany
	case near >= 2:
		return m.cfg.PenaltyFew
	default:
		return 0
	}
}

// TitleSimilarity 标题相似度 [0,1]
// 比较前统一小写、去掉开头的 "the"、括号内容和冒号后的副标题
func TitleSimilarity(a, b string) float64 {
	a, b = comparableTitle(a), comparableTitle(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}

	la, lb := len([]rune(a)), len([]rune(b))
	shorter, longer := math.Min(float64(la), float64(lb)), math.Max(float64(la), float64(lb))
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.8 + 0.2*(shorter/longer)
	}
	return 1 - float64(utils.Levenshtein(a, b))/longer
}

func comparableTitle(s string) string {
	s = reParenthetical.ReplaceAllString(s, " ")
	if i := strings.Index(s, ":"); i > 0 {
		s = s[:i]
	}
	key := utils.MatchKey(s)
	key = strings.TrimPrefix(key, "the ")
	return key
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
