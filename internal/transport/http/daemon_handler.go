package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailarchive/backend/internal/daemon"
	"mailarchive/backend/internal/domain"
)

// DaemonHandler 守护进程控制处理器
type DaemonHandler struct {
	store    domain.Store
	registry *daemon.Registry
	logger   *zap.Logger
}

// NewDaemonHandler 创建守护进程控制处理器
func NewDaemonHandler(store domain.Store, registry *daemon.Registry, logger *zap.Logger) *DaemonHandler {
	return &DaemonHandler{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

type updateDaemonRequest struct {
	CycleInterval *int    `json:"cycleInterval"`
	RestartTime   *int    `json:"restartTime"`
	Criterion     *string `json:"criterion"`
}

type daemonResponse struct {
	ID            string     `json:"id"`
	MailboxID     string     `json:"mailboxId"`
	CycleInterval int        `json:"cycleInterval"`
	RestartTime   int        `json:"restartTime"`
	Criterion     string     `json:"criterion"`
	IsRunning     bool       `json:"isRunning"`
	LogFilepath   string     `json:"logFilepath,omitempty"`
	IsHealthy     *bool      `json:"isHealthy"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
}

type probeResponse struct {
	Healthy   bool   `json:"healthy"`
	LastError string `json:"lastError,omitempty"`
}

func (h *DaemonHandler) toDaemonResponse(record *domain.Daemon) daemonResponse {
	return daemonResponse{
		ID:            record.ID,
		MailboxID:     record.MailboxID,
		CycleInterval: record.CycleInterval,
		RestartTime:   record.RestartTime,
		Criterion:     string(record.Criterion),
		// 运行状态以注册表为准，数据库标记只用于重启恢复
		IsRunning:   h.registry.IsRunning(record.MailboxID),
		LogFilepath: record.LogFilepath,
		IsHealthy:   record.IsHealthy,
		LastError:   record.LastError,
		LastErrorAt: record.LastErrorAt,
	}
}

// GetDaemon 获取守护进程状态
func (h *DaemonHandler) GetDaemon(c *gin.Context) {
	record, err := h.store.GetDaemon(c.Param("mailboxId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgDaemonNotFound)
		} else {
			InternalError(c, MsgDaemonStatusFailed)
		}
		return
	}
	Success(c, h.toDaemonResponse(record))
}

// StartDaemon 启动邮箱的守护进程
func (h *DaemonHandler) StartDaemon(c *gin.Context) {
	mailboxID := c.Param("mailboxId")

	started, err := h.registry.StartDaemon(mailboxID)
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgMailboxNotFound)
		} else {
			h.logger.Error("failed to start daemon",
				zap.String("mailboxId", mailboxID),
				zap.Error(err))
			InternalError(c, MsgDaemonStartFailed)
		}
		return
	}
	if !started {
		Conflict(c, MsgDaemonAlreadyUp)
		return
	}

	record, err := h.store.GetDaemon(mailboxID)
	if err != nil {
		InternalError(c, MsgDaemonStatusFailed)
		return
	}
	SuccessWithMsg(c, "守护进程已启动", h.toDaemonResponse(record))
}

// StopDaemon 停止邮箱的守护进程
func (h *DaemonHandler) StopDaemon(c *gin.Context) {
	mailboxID := c.Param("mailboxId")

	stopped, err := h.registry.StopDaemon(mailboxID)
	if err != nil {
		h.logger.Error("failed to stop daemon",
			zap.String("mailboxId", mailboxID),
			zap.Error(err))
		InternalError(c, MsgDaemonStopFailed)
		return
	}
	if !stopped {
		Conflict(c, MsgDaemonNotRunning)
		return
	}
	SuccessWithMsg(c, "守护进程已停止", nil)
}

// TestDaemon 同步执行一次探测周期，不注册守护进程。
// 探测失败不是请求失败：结果携带最近一次错误供运维查看。
func (h *DaemonHandler) TestDaemon(c *gin.Context) {
	mailboxID := c.Param("mailboxId")

	if err := h.registry.TestDaemon(c.Request.Context(), mailboxID); err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgMailboxNotFound)
			return
		}
		Success(c, probeResponse{
			Healthy:   false,
			LastError: err.Error(),
		})
		return
	}
	Success(c, probeResponse{Healthy: true})
}

// UpdateDaemon 更新守护进程配置并推送给运行中的实体
func (h *DaemonHandler) UpdateDaemon(c *gin.Context) {
	record, err := h.store.GetDaemon(c.Param("mailboxId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgDaemonNotFound)
		} else {
			InternalError(c, MsgDaemonStatusFailed)
		}
		return
	}

	var req updateDaemonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if req.Criterion != nil {
		criterion := domain.FetchCriterion(*req.Criterion)
		if !criterion.Valid() {
			BadRequest(c, MsgInvalidCriterion)
			return
		}
		record.Criterion = criterion
	}
	if req.CycleInterval != nil {
		record.CycleInterval = *req.CycleInterval
	}
	if req.RestartTime != nil {
		record.RestartTime = *req.RestartTime
	}

	if err := h.store.SaveDaemon(record); err != nil {
		h.logger.Error("failed to save daemon config", zap.Error(err))
		InternalError(c, MsgDaemonUpdateFailed)
		return
	}
	if err := h.registry.UpdateDaemon(record.MailboxID); err != nil {
		h.logger.Error("failed to push daemon config", zap.Error(err))
		InternalError(c, MsgDaemonUpdateFailed)
		return
	}

	Success(c, h.toDaemonResponse(record))
}
