package handler

import (
	"github.com/user/screenings/internal/config"
	"github.com/user/screenings/internal/repository"
	"github.com/user/screenings/internal/service"
)

// Handler 运维接口处理器
type Handler struct {
	Repos    *repository.Repositories
	Config   *config.Config
	Pipeline *service.Pipeline
	Source   service.ListingSource
	Sweeper  *service.FestivalSweeper
	Watchdog *service.Watchdog
}

// NewHandler 创建处理器
func NewHandler(repos *repository.Repositories, cfg *config.Config, pipeline *service.Pipeline, source service.ListingSource, sweeper *service.FestivalSweeper, watchdog *service.Watchdog) *Handler {
	return &Handler{
		Repos:    repos,
		Config:   cfg,
		Pipeline: pipeline,
		Source:   source,
		Sweeper:  sweeper,
		Watchdog: watchdog,
	}
}
