package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/screenings/internal/model"
	"github.com/user/screenings/internal/service"
	"github.com/user/screenings/internal/utils"
)

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	if sqlDB, err := h.Repos.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "running": h.Pipeline.Running()})
}

// LatestRun 最近一次运行报告
func (h *Handler) LatestRun(c *gin.Context) {
	report := h.Pipeline.LastRun()
	if report == nil {
		utils.NotFound(c, "暂无运行记录")
		return
	}
	utils.Success(c, gin.H{
		"report":         report,
		"blocked_venues": report.BlockedVenues(),
	})
}

// Stats 目录统计
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	films, err := h.Repos.Film.Count(ctx)
	if err != nil {
		utils.InternalServerError(c, "")
		return
	}
	screenings, err := h.Repos.Screening.Count(ctx)
	if err != nil {
		utils.InternalServerError(c, "")
		return
	}
	utils.Success(c, gin.H{"films": films, "screenings": screenings})
}

type ingestRequest struct {
	Batches []model.VenueBatch `json:"batches"`
}

// TriggerIngest 请求体带批次时同步处理并返回报告；否则在后台运行配置的来源
func (h *Handler) TriggerIngest(c *gin.Context) {
	var req ingestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.Error(c, http.StatusBadRequest, "请求体格式错误: "+err.Error())
			return
		}
	}

	if len(req.Batches) > 0 {
		report, err := h.Pipeline.Run(c.Request.Context(), service.NewStaticSource(req.Batches...))
		if errors.Is(err, service.ErrRunInProgress) {
			utils.Conflict(c, "已有入库任务在运行")
			return
		}
		if err != nil {
			utils.InternalServerError(c, err.Error())
			return
		}
		utils.Success(c, report)
		return
	}

	if h.Source == nil {
		utils.Error(c, http.StatusBadRequest, "未配置排片来源")
		return
	}
	err := h.Pipeline.Start(h.Source, time.Hour, nil)
	if errors.Is(err, service.ErrRunInProgress) {
		utils.Conflict(c, "已有入库任务在运行")
		return
	}
	if err != nil {
		utils.InternalServerError(c, err.Error())
		return
	}
	utils.Accepted(c, "入库任务已启动", gin.H{"source": h.Source.Name()})
}

// TriggerSweep 立即执行电影节反向标记
func (h *Handler) TriggerSweep(c *gin.Context) {
	report, err := h.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		utils.InternalServerError(c, err.Error())
		return
	}
	utils.Success(c, report)
}

// TriggerWatchdog 立即探测节目单页面
func (h *Handler) TriggerWatchdog(c *gin.Context) {
	results, err := h.Watchdog.Run(c.Request.Context())
	if err != nil {
		utils.InternalServerError(c, err.Error())
		return
	}
	utils.Success(c, results)
}
