package service

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/utils"
)

var reBareYear = regexp.MustCompile(`^(19|20)\d{2}$`)

// 容易与无关影片撞名的常见英文词
var commonWordTitles = toSet([]string{
	"up", "it", "us", "her", "him", "them", "she", "he", "me", "you", "we", "they", "go", "run", "ten",
	"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "love", "home", "heat", "drive",
	"crash", "fury", "rush", "taken", "split", "signs", "lucy", "nope", "cars", "frozen", "brave", "soul",
	"elf", "big", "jaws", "alien", "halloween", "scream", "saw", "tag", "fences", "rain", "storm", "fire",
	"ice", "water", "earth", "wind", "sun", "moon", "star", "stars", "night", "day", "dawn", "dusk", "light",
	"dark", "darkness", "shadow", "shadows", "ghost", "ghosts", "monster", "monsters", "creature", "it follows",
	"mother", "father", "family", "friends", "children", "kids", "boy", "girl", "man", "woman", "men", "women",
	"time", "life", "death", "war", "peace", "hope", "faith", "truth", "lies", "secrets", "memory", "dreams",
	"paradise", "heaven", "hell", "eden", "gravity", "arrival", "contact", "inception", "memento", "tenet",
	"old", "new", "young", "past", "future", "then", "here", "there", "away", "again", "always", "never",
	"blue", "red", "green", "white", "black", "gold", "silver", "room", "house", "door", "window", "road",
	"bridge", "river", "sea", "ocean", "island", "city", "town", "village", "country", "world", "sky", "space",
	"beast", "animal", "animals", "dog", "dogs", "cat", "cats", "birds", "horse", "wolf", "bear", "shark",
	"game", "games", "play", "player", "players", "match", "show", "party", "dinner", "wedding", "funeral",
	"escape", "chase", "hunt", "hunter", "hunted", "rescue", "revenge", "justice", "trust", "money", "greed",
	"power", "control", "change", "chance", "luck", "fate", "destiny", "beginning", "end", "ending", "after",
	"before", "tomorrow", "today", "yesterday", "forever", "holiday", "vacation", "weekend", "summer", "winter",
	"spring", "autumn", "fall", "amour", "bad", "good", "evil", "sin", "saint", "angel", "devil", "demon",
	"witness", "victim", "stranger", "strangers", "enemy", "hero", "heroes", "legend", "king", "queen",
	"prince", "princess", "boss", "doctor", "nurse", "teacher", "student", "soldier", "pilot", "driver",
	"wonder", "marvel", "her smell", "dune", "tar", "nomad", "roma", "coco", "joy", "anger", "fear", "pride",
	"prey", "speed", "twister", "titanic", "gladiator", "troy", "rocky", "rambo", "psycho",
})

// 常见名字（以人名为片名的影片很多）
var commonFirstNames = toSet([]string{
	"lucy", "annie", "carrie", "amelie", "juno", "emma", "rebecca", "laura", "ava", "lola", "matilda", "heidi",
	"harry", "sally", "tom", "jerry", "max", "alfie", "arthur", "paul", "peter", "john", "jack", "james",
	"george", "charlie", "oliver", "david", "michael", "sam", "ben", "joe", "frank", "adam", "eve", "mary",
	"jane", "kate", "anna", "maria", "sophie", "julia", "grace", "rose", "lily", "alice", "clara", "elena",
	"nina", "marie", "paris", "ray", "ali", "rudy", "hugo", "bruno", "leon", "carol", "christine", "jackie",
	"elvis", "priscilla", "judy", "sully", "ted", "bill", "bob", "fred", "harold", "maude", "thelma", "louise",
	"mustang", "mandy", "barbie", "ken", "oppenheimer", "tammy", "patti", "martha", "ruby", "victoria", "diana",
	"jules", "jim", "sabrina", "gilda", "vertigo", "marnie", "rosemary", "annabelle", "coraline",
})

// AmbiguityScorer 标题歧义评分器（纯计算）
type AmbiguityScorer struct{}

func NewAmbiguityScorer() *AmbiguityScorer {
	return &AmbiguityScorer{}
}

// Score 累加各项权重，上限 1.0
func (s *AmbiguityScorer) Score(canonicalTitle string) model.AmbiguityScore {
	key := utils.MatchKey(canonicalTitle)
	words := strings.Fields(key)
	score := 0.0
	var reasons []string
	add := func(w float64, reason string) {
		score += w
		reasons = append(reasons, reason)
	}

	switch len(words) {
	case 1:
		add(0.5, "single_word")
	case 2:
		add(0.3, "two_words")
	}

	length := len([]rune(strings.TrimSpace(canonicalTitle)))
	if length <= 5 {
		add(0.3, fmt.Sprintf("very_short(%d)", length))
	} else if length <= 10 {
		add(0.1, fmt.Sprintf("short(%d)", length))
	}

	// 完全命中常见词 +0.4；短标题中任一单词命中再 +0.2，两项叠加
	if _, ok := commonWordTitles[key]; ok {
		add(0.4, "common_word")
	}
	if len(words) > 0 && len(words) <= 2 {
		for _, w := range words {
			if _, ok := commonWordTitles[w]; ok {
				add(0.2, "contains_common_word:"+w)
				break
			}
		}
	}

	if _, ok := commonFirstNames[key]; ok {
		add(0.4, "first_name")
	} else if len(words) > 0 {
		if _, ok := commonFirstNames[words[0]]; ok {
			add(0.2, "leading_first_name:"+words[0])
		}
	}

	if reBareYear.MatchString(strings.TrimSpace(canonicalTitle)) {
		add(0.3, "bare_year")
	}

	if len(words) == 2 && words[0] == "the" {
		add(0.2, "the_noun")
	}

	// 权重都是两位小数，先取整避免浮点误差影响阈值判断
	score = math.Min(math.Round(score*100)/100, 1.0)
	return model.AmbiguityScore{
		Score:          score,
		Reasons:        reasons,
		RequiresReview: score >= 0.5 || len(words) == 1,
	}
}

// HasSufficientMetadata 歧义越高，自动匹配前需要的提示越多
func (s *AmbiguityScorer) HasSufficientMetadata(canonicalTitle string, hasYear, hasDirector bool) bool {
	a := s.Score(canonicalTitle)
	if !a.RequiresReview {
		return true
	}
	switch {
	case a.Score >= 0.8:
		return hasYear && hasDirector
	case a.Score >= 0.5:
		return hasYear
	default:
		return true
	}
}
