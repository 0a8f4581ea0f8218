package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/utils"
	"golang.org/x/time/rate"
)

// Classification 分类器原始输出
type Classification struct {
	CleanTitle string `json:"clean_title"`
	Year       int    `json:"year"`
	Confidence string `json:"confidence"` // high | low
}

// TitleClassifier 外部自由文本分类器（尽力而为）
type TitleClassifier interface {
	Classify(ctx context.Context, rawTitle string) (*Classification, error)
}

// ClassifyStatus 分类阶段结果状态
type ClassifyStatus int

const (
	ClassifyUnavailable ClassifyStatus = iota
	ClassifyOK
)

func (s ClassifyStatus) String() string {
	if s == ClassifyOK {
		return "ok"
	}
	return "unavailable"
}

// ClassifyResult 分类阶段的类型化结果，错误不会向外传播
type ClassifyResult struct {
	Status     ClassifyStatus
	CleanTitle string
	Year       int
	Confidence string
}

const classifierPrompt = `You clean cinema listing titles. Given the raw listing title below, return the title of the film being screened,
with event framing (club nights, premieres, Q&A, anniversaries, concerts, seasons) removed.
Respond with JSON only: {"clean_title": string, "year": number or 0 if unknown, "confidence": "high" or "low"}.
Raw title: %q`

// GeminiClassifier 基于 Gemini 的分类器
type GeminiClassifier struct {
	client *utils.GeminiClient
}

func NewGeminiClassifier(client *utils.GeminiClient) *GeminiClassifier {
	return &GeminiClassifier{client: client}
}

func (c *GeminiClassifier) Classify(ctx context.Context, rawTitle string) (*Classification, error) {
	text, err := c.client.GenerateJSON(ctx, fmt.Sprintf(classifierPrompt, rawTitle))
	if err != nil {
		return nil, err
	}
	return parseClassification(text)
}

// OllamaClassifier 基于本地 Ollama 的分类器
type OllamaClassifier struct {
	client *utils.OllamaClient
}

func NewOllamaClassifier(client *utils.OllamaClient) *OllamaClassifier {
	return &OllamaClassifier{client: client}
}

func (c *OllamaClassifier) Classify(ctx context.Context, rawTitle string) (*Classification, error) {
	text, err := c.client.GenerateJSON(ctx, fmt.Sprintf(classifierPrompt, rawTitle))
	if err != nil {
		return nil, err
	}
	return parseClassification(text)
}

// parseClassification 解析模型返回，容忍 ```json 包裹
func parseClassification(text string) (*Classification, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var c Classification
	if err := json.Unmarshal([]byte(text), &c); err != nil {
		return nil, fmt.Errorf("decode classification failed: %w", err)
	}
	c.CleanTitle = strings.TrimSpace(c.CleanTitle)
	if c.CleanTitle == "" {
		return nil, errors.New("classification has empty title")
	}
	c.Confidence = strings.ToLower(strings.TrimSpace(c.Confidence))
	if c.Confidence != model.ConfidenceHigh {
		c.Confidence = model.ConfidenceLow
	}
	if c.Year < 1880 || c.Year > 2100 {
		c.Year = 0
	}
	return &c, nil
}

// NewClassifierFromConfig 按配置创建分类器后端，未配置时返回 nil
func NewClassifierFromConfig(cfg *config.Config) TitleClassifier {
	switch strings.ToLower(cfg.ClassifierProvider) {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			log.Println("[Classifier] 未设置 GEMINI_API_KEY，分类器已禁用")
			return nil
		}
		return NewGeminiClassifier(utils.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel))
	case "ollama":
		return NewOllamaClassifier(utils.NewOllamaClient(cfg.OllamaHost, cfg.OllamaModel))
	default:
		return nil
	}
}

// ClassifierStage 分类器调用阶段：LRU 缓存 + 令牌桶限流
// 只缓存成功结果，失败下次仍会重试
type ClassifierStage struct {
	backend TitleClassifier
	cache   *utils.SearchCache[*Classification]
	limiter *rate.Limiter
	timeout time.Duration
}

// NewClassifierStage backend 为 nil 时所有调用都返回 Unavailable
func NewClassifierStage(backend TitleClassifier, perSecond float64) *ClassifierStage {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &ClassifierStage{
		backend: backend,
		cache:   utils.NewSearchCache[*Classification](2000, 24*time.Hour),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		timeout: 20 * time.Second,
	}
}

// Classify 不返回错误：任何失败都折叠为 ClassifyUnavailable
func (s *ClassifierStage) Classify(ctx context.Context, rawTitle string) ClassifyResult {
	if s == nil || s.backend == nil {
		return ClassifyResult{Status: ClassifyUnavailable}
	}
	key := utils.MatchKey(rawTitle)
	if c, ok := s.cache.Get(key); ok {
		return resultFrom(c)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return ClassifyResult{Status: ClassifyUnavailable}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	c, err := s.backend.Classify(callCtx, rawTitle)
	if err != nil {
		log.Printf("[Classifier] 分类失败，回退规则结果 (%q): %v", rawTitle, err)
		return ClassifyResult{Status: ClassifyUnavailable}
	}
	s.cache.Set(key, c)
	return resultFrom(c)
}

func resultFrom(c *Classification) ClassifyResult {
	return ClassifyResult{
		Status:     ClassifyOK,
		CleanTitle: c.CleanTitle,
		Year:       c.Year,
		Confidence: c.Confidence,
	}
}
