package service

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/utils"
)

var (
	reSurroundingQuotes = regexp.MustCompile(`^["']+\s*(.+?)\s*["']+$`)
	reInnerQuoted       = regexp.MustCompile(`"[^"]+"|(?:^|\s)'[^']{3,}'(?:\s|$|[,.:;!?])`)

	// 尾部 BBFC 分级：(15) [12A] (PG*) (TBC)
	reTrailingCert = regexp.MustCompile(`(?i)\s*[\(\[]\s*(?:u|pg|12a?|15|18|r18|tbc|ctba|tba|e)\s*\*?\s*[\)\]]\s*$`)
	// 尾部年份：(1979)
	reTrailingYear = regexp.MustCompile(`\s*\(((?:19|20)\d{2})\)\s*$`)
	// 尾部方括号备注
	reTrailingBracket = regexp.MustCompile(`\s*\[[^\[\]]*\]\s*$`)
	// 尾部圆括号放映备注
	reTrailingNote = regexp.MustCompile(`(?i)\s*\((?:subtitled|subs|dubbed|35\s?mm|70\s?mm|16\s?mm|4k|imax|3d|2d|digital|re-?release|parent (?:&|and) baby|relaxed(?: screening)?|audio described|hoh|q\s*&\s*a|with q\s*&\s*a|intro(?:duction)?|members only|encore|preview|original version|ov)\)\s*$`)
	// 尾部格式 / Q&A 后缀：" - 35mm" "+ Q&A" "with intro"
	reFormatSuffix = regexp.MustCompile(`(?i)\s*(?:[-+|/]\s*|\s+with\s+)(?:35\s?mm|70\s?mm|16\s?mm|4k|imax|3d|2d|dolby atmos|(?:live\s+)?q\s*&\s*a|intro(?:duction)?|panel(?: discussion)?|discussion|director in person|in person|subtitled|audio described|relaxed screening|preview|special guest)\b.*$`)

	rePartPattern = regexp.MustCompile(`(?i)\b(?:part|pt\.?|chapter|vol\.?|volume|episode|series|book)\s+(?:\d+|[ivx]+|one|two|three|four|five|six|seven|eight|nine|ten)\b`)
	reEventWords  = regexp.MustCompile(`(?i)\b(?:anniversary|concert|in concert|live on stage|tour|presents|celebration|tribute|gala|quiz|karaoke)\b`)

	// 版本标记，只匹配字符串末尾
	reVersion = regexp.MustCompile(`(?i)^(.*?)\s*(?:[:\-]\s*|\s)\(?\s*(the final cut|final cut|redux|director'?s cut|extended edition|extended cut|special edition|theatrical cut|ultimate cut|uncut|4k restoration|4k remaster(?:ed)?|restored|remastered|\d{1,3}(?:st|nd|rd|th) anniversary (?:edition|restoration)|anniversary edition|black (?:and|&) white edition)\s*\)?$`)
)

// 活动前缀，按顺序匹配，最多剥离一个
var eventPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:kids'?|kid's|children's|family)\s+(?:club|matinee|film club|screening)\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:parent (?:and|&) baby|carers? (?:and|&) bab(?:y|ies)|baby club|big scream|toddler time)\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:uk |world |european |london |gala |preview )?premiere\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:sing[- ]?a[- ]?long|singalong)(?:\s+screening)?(?:\s*[:\-|]\s*|\s+)`),
	regexp.MustCompile(`(?i)^[\w' ]{0,30}?marathon\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:retrospective|season|strand|focus)\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:preview|sneak preview|advance screening|early screening)\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:q\s*&\s*a|intro|introduced screening|in conversation)\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:\d{1,3}(?:st|nd|rd|th)\s+)?anniversary(?:\s+screening)?\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:double bill|triple bill|cult classic|classic|throwback|late night|midnight movie|relaxed screening|autism friendly|dementia friendly|silver screen|senior screen|members'? screening|bar screening|outdoor cinema|rooftop)\s*[:\-|]\s*`),
	regexp.MustCompile(`(?i)^(?:film club|cine[- ]?club|book club)\s*[:\-|]\s*`),
}

// 冒号前是系列名时保留完整标题
var franchisePrefixes = toSet([]string{
	"star wars", "star trek", "mission", "mission impossible", "alien", "aliens", "harry potter",
	"the lord of the rings", "lord of the rings", "the hobbit", "indiana jones", "pirates of the caribbean",
	"the chronicles of narnia", "x men", "spider man", "batman", "john wick", "fast and furious",
	"jurassic world", "jurassic park", "kill bill", "dune", "planet of the apes", "blade runner", "mad max",
	"rogue one", "avengers", "captain america", "guardians of the galaxy", "the hunger games",
	"transformers", "terminator", "wallace and gromit", "shaun the sheep", "paddington", "toy story",
	"borat", "mamma mia", "ghostbusters", "tron", "resident evil", "predator", "godzilla", "kong",
	"monty python", "the matrix", "deadpool", "venom", "thor", "black panther", "ant man", "doctor strange",
	"despicable me", "kung fu panda", "how to train your dragon", "shrek", "cars", "frozen", "moana",
	"sonic the hedgehog", "the conjuring", "insidious", "scream", "halloween", "saw", "final destination",
	"nosferatu", "wicked", "inside out", "top gun", "gladiator", "beetlejuice", "joker", "furiosa",
	"zack snyder's justice league", "justice league", "wonder woman", "superman", "man of steel",
})

// TitleNormalizer 标题清洗
type TitleNormalizer struct {
	classifier *ClassifierStage
}

// NewTitleNormalizer 创建标题清洗器，classifier 可为 nil
func NewTitleNormalizer(classifier *ClassifierStage) *TitleNormalizer {
	return &TitleNormalizer{classifier: classifier}
}

// Normalize 纯规则清洗，不做任何 I/O
func (n *TitleNormalizer) Normalize(rawTitle string) model.NormalizedTitle {
	title := utils.NormalizeSpaces(rawTitle)
	suspicious := false

	// 1. 去掉尾部分级、备注、格式后缀，可能叠加多层
	var year int
	title, year = stripSuffixes(title)

	// 2. 去掉包裹引号；内部仍有引号片段视为可疑（常见于外语短语）
	if m := reSurroundingQuotes.FindStringSubmatch(title); m != nil {
		title = m[1]
	}
	if reInnerQuoted.MatchString(title) {
		suspicious = true
	}

	// 3. 活动前缀，命中第一个即停止
	for _, re := range eventPrefixes {
		if loc := re.FindStringIndex(title); loc != nil && loc[1] < len(title) {
			title = strings.TrimSpace(title[loc[1]:])
			break
		}
	}
	var y int
	title, y = stripSuffixes(title)
	if year == 0 {
		year = y
	}

	// 4. 冒号：判断前半部分是系列名还是活动描述
	if idx := strings.Index(title, ":"); idx > 0 {
		prefix := strings.TrimSpace(title[:idx])
		suffix := strings.TrimSpace(title[idx+1:])
		if suffix != "" && !isVersionMarker(suffix) {
			switch {
			case isFranchise(prefix):
			case rePartPattern.MatchString(suffix) || rePartPattern.MatchString(prefix):
			case len(strings.Fields(prefix)) <= 2:
				title = suffix
			default:
				suspicious = true
			}
		}
	}

	if reEventWords.MatchString(title) {
		suspicious = true
	}

	display := strings.TrimSpace(title)
	if display == "" {
		display = utils.NormalizeSpaces(rawTitle)
		suspicious = true
	}

	// 5. 版本后缀
	canonical, version := splitVersion(display)

	confidence := model.ConfidenceHigh
	if suspicious {
		confidence = model.ConfidenceLow
	}
	return model.NormalizedTitle{
		DisplayTitle:   display,
		CanonicalTitle: canonical,
		MatchKey:       utils.MatchKey(canonical),
		Version:        version,
		Year:           year,
		Confidence:     confidence,
	}
}

// NormalizeWithFallback 低置信度时尝试外部分类器，失败静默回退到规则结果
// 高置信度标题不会调用分类器
func (n *TitleNormalizer) NormalizeWithFallback(ctx context.Context, rawTitle string) model.NormalizedTitle {
	nt := n.Normalize(rawTitle)
	if nt.Confidence == model.ConfidenceHigh || n.classifier == nil {
		return nt
	}

	res := n.classifier.Classify(ctx, rawTitle)
	if res.Status != ClassifyOK || strings.TrimSpace(res.CleanTitle) == "" {
		return nt
	}

	refined := n.Normalize(res.CleanTitle)
	refined.Confidence = model.ConfidenceLow
	if res.Confidence == model.ConfidenceHigh {
		refined.Confidence = model.ConfidenceHigh
	}
	if res.Year > 0 {
		refined.Year = res.Year
	} else if refined.Year == 0 {
		refined.Year = nt.Year
	}
	log.Printf("[Normalizer] 分类器修正标题: %q -> %q (置信度: %s)", rawTitle, refined.CanonicalTitle, refined.Confidence)
	return refined
}

func stripSuffixes(title string) (string, int) {
	year := 0
	for {
		before := title
		title = reTrailingCert.ReplaceAllString(title, "")
		if m := reTrailingYear.FindStringSubmatch(title); m != nil {
			if y, err := strconv.Atoi(m[1]); err == nil && year == 0 {
				year = y
			}
			title = reTrailingYear.ReplaceAllString(title, "")
		}
		title = reTrailingBracket.ReplaceAllString(title, "")
		title = reTrailingNote.ReplaceAllString(title, "")
		if loc := reFormatSuffix.FindStringIndex(title); loc != nil && loc[0] > 0 {
			title = title[:loc[0]]
		}
		title = strings.TrimSpace(title)
		if title == before {
			return title, year
		}
	}
}

func splitVersion(display string) (string, string) {
	m := reVersion.FindStringSubmatch(display)
	if m == nil {
		return display, ""
	}
	canonical := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[1]), ":-"))
	if canonical == "" {
		return display, ""
	}
	return canonical, strings.TrimSpace(m[2])
}

func isVersionMarker(s string) bool {
	_, version := splitVersion("x " + s)
	return version != "" && strings.EqualFold(strings.Trim(strings.TrimSpace(s), "()"), version)
}

func isFranchise(prefix string) bool {
	_, ok := franchisePrefixes[utils.MatchKey(prefix)]
	return ok
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
