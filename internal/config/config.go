package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config 应用配置
type Config struct {
	Env       string
	AppSecret string
	Port      string

	// 数据库
	DBDriver    string // postgres | sqlite
	DatabaseURL string
	SQLitePath  string

	// 外部影片库（TMDB）
	TMDBAPIKey     string
	TMDBBaseURL    string
	TMDBLanguage   string
	TMDBRatePerSec float64
	TMDBBurst      int

	// 标题分类器（可选）
	ClassifierProvider string // gemini | ollama | none
	GeminiAPIKey       string
	GeminiModel        string
	OllamaHost         string
	OllamaModel        string

	// 调度
	ListingsDir           string
	IngestInterval        time.Duration
	FestivalSweepInterval time.Duration
	WatchdogInterval      time.Duration
	VenueConcurrency      int
	ScreeningRetention    time.Duration
	DefaultTimezone       string

	Match   MatchConfig
	Anomaly AnomalyConfig
	Dedup   DedupConfig
}

// MatchConfig 影片匹配阈值。数值来自线上调优，改动会直接影响匹配结果。
type MatchConfig struct {
	MinConfidence      float64
	MinTitleSimilarity float64
	CompetitorBand     float64
	PenaltyMany        float64 // >= 4 个接近的竞争者
	PenaltyFew         float64 // 2-3 个接近的竞争者
	YearExactBonus     float64
	YearNearBonus      float64
	PopularityCap      float64
	PopularityScale    float64
	TitleWeight        float64
	MaxCandidates      int
}

// AnomalyConfig 入库异常检测阈值
type AnomalyConfig struct {
	HistoryRuns             int
	MinHistoryRuns          int
	MinBaseline             float64
	BlockDropPct            float64
	WarnDropPct             float64
	WarnSpikePct            float64
	SuspiciousHourStart     int // 含
	SuspiciousHourEnd       int // 不含
	BlockHourShare          float64
	WarnHourShare           float64
	MinListingsForHourCheck int
}

// DedupConfig 去重相关参数
type DedupConfig struct {
	TitleSimilarity float64
	YearTolerance   int
	PastGrace       time.Duration
	RematchInterval time.Duration // 未匹配影片再次尝试外部匹配的最短间隔
}

// DefaultMatchConfig 默认匹配参数
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		MinConfidence:      0.6,
		MinTitleSimilarity: 0.6,
		CompetitorBand:     0.05,
		PenaltyMany:        0.15,
		PenaltyFew:         0.08,
		YearExactBonus:     0.2,
		YearNearBonus:      0.1,
		PopularityCap:      0.03,
		PopularityScale:    1000,
		TitleWeight:        0.7,
		MaxCandidates:      10,
	}
}

// DefaultAnomalyConfig 默认异常检测参数
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		HistoryRuns:             7,
		MinHistoryRuns:          3,
		MinBaseline:             10,
		BlockDropPct:            80,
		WarnDropPct:             50,
		WarnSpikePct:            200,
		SuspiciousHourStart:     2,
		SuspiciousHourEnd:       5,
		BlockHourShare:          0.5,
		WarnHourShare:           0.1,
		MinListingsForHourCheck: 5,
	}
}

// DefaultDedupConfig 默认去重参数
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		TitleSimilarity: 0.9,
		YearTolerance:   1,
		PastGrace:       time.Hour,
		RematchInterval: 24 * time.Hour,
	}
}

// Load 加载配置
func Load() *Config {
	dbUser := getEnv("DB_USER", "postgres")
	dbPass := getEnv("DB_PASSWORD", "postgres")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_NAME", "screenings")
	dbSSL := getEnv("DB_SSLMODE", "disable")

	dbURL := getEnv("DATABASE_URL", fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPass, dbHost, dbPort, dbName, dbSSL))

	appSecret := getEnv("APP_SECRET", "your-secret-key-change-in-production")
	if getEnv("APP_ENV", "development") == "production" && appSecret == "your-secret-key-change-in-production" {
		fmt.Println("【严重警告】生产环境正在使用默认密钥！请立即设置 APP_SECRET 环境变量。")
	}

	match := DefaultMatchConfig()
	match.MinConfidence = getEnvFloat("MATCH_MIN_CONFIDENCE", match.MinConfidence)
	match.MinTitleSimilarity = getEnvFloat("MATCH_MIN_TITLE_SIMILARITY", match.MinTitleSimilarity)
	match.CompetitorBand = getEnvFloat("MATCH_COMPETITOR_BAND", match.CompetitorBand)
	match.PenaltyMany = getEnvFloat("MATCH_PENALTY_MANY", match.PenaltyMany)
	match.PenaltyFew = getEnvFloat("MATCH_PENALTY_FEW", match.PenaltyFew)
	match.YearExactBonus = getEnvFloat("MATCH_YEAR_EXACT_BONUS", match.YearExactBonus)
	match.YearNearBonus = getEnvFloat("MATCH_YEAR_NEAR_BONUS", match.YearNearBonus)
	match.PopularityCap = getEnvFloat("MATCH_POPULARITY_CAP", match.PopularityCap)
	match.MaxCandidates = getEnvInt("MATCH_MAX_CANDIDATES", match.MaxCandidates)

	anomaly := DefaultAnomalyConfig()
	anomaly.HistoryRuns = getEnvInt("ANOMALY_HISTORY_RUNS", anomaly.HistoryRuns)
	anomaly.MinHistoryRuns = getEnvInt("ANOMALY_MIN_HISTORY_RUNS", anomaly.MinHistoryRuns)
	anomaly.MinBaseline = getEnvFloat("ANOMALY_MIN_BASELINE", anomaly.MinBaseline)
	anomaly.BlockDropPct = getEnvFloat("ANOMALY_BLOCK_DROP_PCT", anomaly.BlockDropPct)
	anomaly.WarnDropPct = getEnvFloat("ANOMALY_WARN_DROP_PCT", anomaly.WarnDropPct)
	anomaly.WarnSpikePct = getEnvFloat("ANOMALY_WARN_SPIKE_PCT", anomaly.WarnSpikePct)
	anomaly.BlockHourShare = getEnvFloat("ANOMALY_BLOCK_HOUR_SHARE", anomaly.BlockHourShare)
	anomaly.WarnHourShare = getEnvFloat("ANOMALY_WARN_HOUR_SHARE", anomaly.WarnHourShare)

	dedup := DefaultDedupConfig()
	dedup.TitleSimilarity = getEnvFloat("DEDUP_TITLE_SIMILARITY", dedup.TitleSimilarity)
	dedup.YearTolerance = getEnvInt("DEDUP_YEAR_TOLERANCE", dedup.YearTolerance)
	dedup.RematchInterval = getEnvDuration("DEDUP_REMATCH_INTERVAL", dedup.RematchInterval)

	return &Config{
		Env:       getEnv("APP_ENV", "development"),
		AppSecret: appSecret,
		Port:      getEnv("PORT", "5005"),

		DBDriver:    getEnv("DB_DRIVER", "postgres"),
		DatabaseURL: dbURL,
		SQLitePath:  getEnv("SQLITE_PATH", "screenings.db"),

		TMDBAPIKey:     getEnv("TMDB_API_KEY", ""),
		TMDBBaseURL:    getEnv("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		TMDBLanguage:   getEnv("TMDB_LANGUAGE", "en-GB"),
		TMDBRatePerSec: getEnvFloat("TMDB_RATE_PER_SEC", 4),
		TMDBBurst:      getEnvInt("TMDB_BURST", 4),

		ClassifierProvider: getEnv("CLASSIFIER_PROVIDER", "none"),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		OllamaHost:         getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:        getEnv("OLLAMA_MODEL", "qwen2.5:7b"),

		ListingsDir:           getEnv("LISTINGS_DIR", "./data/listings"),
		IngestInterval:        getEnvDuration("INGEST_INTERVAL", 6*time.Hour),
		FestivalSweepInterval: getEnvDuration("FESTIVAL_SWEEP_INTERVAL", 12*time.Hour),
		WatchdogInterval:      getEnvDuration("WATCHDOG_INTERVAL", 3*time.Hour),
		VenueConcurrency:      getEnvInt("VENUE_CONCURRENCY", 4),
		ScreeningRetention:    getEnvDuration("SCREENING_RETENTION", 30*24*time.Hour),
		DefaultTimezone:       getEnv("DEFAULT_TIMEZONE", "Europe/London"),

		Match:   match,
		Anomaly: anomaly,
		Dedup:   dedup,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}
