package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDuplicateExternalID 外部影片 ID 已被另一部 Film 占用（并发批次抢先创建）
var ErrDuplicateExternalID = errors.New("external catalog id already attached to another film")

// InitDB 初始化数据库连接
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := GormConfig()

	var db *gorm.DB
	switch cfg.DBDriver {
	case "sqlite":
		var err error
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("无法打开 SQLite: %w", err)
		}
	default:
		sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("无法连接数据库: %w", err)
		}

		// 测试连接
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("数据库 ping 失败: %w", err)
		}

		// 设置连接池
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)

		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("gorm 初始化失败: %w", err)
		}
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// GormConfig gorm 通用配置：时间统一使用 UTC，唯一约束错误翻译为 gorm.ErrDuplicatedKey
func GormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Migrate 自动建表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Film{},
		&model.Screening{},
		&model.Festival{},
		&model.FestivalScreening{},
		&model.Venue{},
		&model.IngestRun{},
	); err != nil {
		return fmt.Errorf("数据表迁移失败: %w", err)
	}
	return nil
}

// Repositories 仓库集合
type Repositories struct {
	DB        *gorm.DB
	Film      *FilmRepository
	Screening *ScreeningRepository
	Festival  *FestivalRepository
	Venue     *VenueRepository
	IngestRun *IngestRunRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		DB:        db,
		Film:      NewFilmRepository(db),
		Screening: NewScreeningRepository(db),
		Festival:  NewFestivalRepository(db),
		Venue:     NewVenueRepository(db),
		IngestRun: NewIngestRunRepository(db),
	}
}

// isUniqueViolation 兼容 gorm 翻译后的错误、lib/pq 原始错误与 SQLite 错误信息
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
