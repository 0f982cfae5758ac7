package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/daemon"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/fetcher"
)

// MailboxHandler 邮箱管理处理器
type MailboxHandler struct {
	store    domain.Store
	fetcher  *fetcher.Fetcher
	writer   *archive.Writer
	registry *daemon.Registry
	logger   *zap.Logger
}

// NewMailboxHandler 创建邮箱管理处理器
func NewMailboxHandler(store domain.Store, f *fetcher.Fetcher, writer *archive.Writer, registry *daemon.Registry, logger *zap.Logger) *MailboxHandler {
	return &MailboxHandler{
		store:    store,
		fetcher:  f,
		writer:   writer,
		registry: registry,
		logger:   logger,
	}
}

type createMailboxRequest struct {
	Name            string `json:"name" binding:"required"`
	SaveAttachments *bool  `json:"saveAttachments"`
	SaveToEML       *bool  `json:"saveToEml"`
	Criterion       string `json:"criterion"`
	CycleInterval   int    `json:"cycleInterval"`
}

type updateMailboxRequest struct {
	Name            *string `json:"name"`
	SaveAttachments *bool   `json:"saveAttachments"`
	SaveToEML       *bool   `json:"saveToEml"`
	Criterion       *string `json:"criterion"`
	CycleInterval   *int    `json:"cycleInterval"`
}

type mailboxResponse struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"accountId"`
	Name            string     `json:"name"`
	SaveAttachments bool       `json:"saveAttachments"`
	SaveToEML       bool       `json:"saveToEml"`
	Criterion       string     `json:"criterion"`
	CycleInterval   int        `json:"cycleInterval"`
	IsHealthy       *bool      `json:"isHealthy"`
	LastError       string     `json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type mailboxListResponse struct {
	Items []mailboxResponse `json:"items"`
	Count int               `json:"count"`
}

type fetchResponse struct {
	Found      int `json:"found"`
	Archived   int `json:"archived"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

func toMailboxResponse(mailbox *domain.Mailbox) mailboxResponse {
	return mailboxResponse{
		ID:              mailbox.ID,
		AccountID:       mailbox.AccountID,
		Name:            mailbox.Name,
		SaveAttachments: mailbox.SaveAttachments,
		SaveToEML:       mailbox.SaveToEML,
		Criterion:       string(mailbox.Criterion),
		CycleInterval:   mailbox.CycleInterval,
		IsHealthy:       mailbox.IsHealthy,
		LastError:       mailbox.LastError,
		LastErrorAt:     mailbox.LastErrorAt,
		CreatedAt:       mailbox.CreatedAt,
		UpdatedAt:       mailbox.UpdatedAt,
	}
}

// CreateMailbox 在账户下创建邮箱
func (h *MailboxHandler) CreateMailbox(c *gin.Context) {
	account, err := h.store.GetAccount(c.Param("accountId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgAccountNotFound)
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}

	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	criterion := domain.CriterionAll
	if req.Criterion != "" {
		criterion = domain.FetchCriterion(req.Criterion)
		if !criterion.Valid() {
			BadRequest(c, MsgInvalidCriterion)
			return
		}
	}

	mailbox := &domain.Mailbox{
		AccountID:       account.ID,
		Name:            req.Name,
		SaveAttachments: true,
		SaveToEML:       true,
		Criterion:       criterion,
		CycleInterval:   req.CycleInterval,
	}
	if req.SaveAttachments != nil {
		mailbox.SaveAttachments = *req.SaveAttachments
	}
	if req.SaveToEML != nil {
		mailbox.SaveToEML = *req.SaveToEML
	}

	if err := h.store.SaveMailbox(mailbox); err != nil {
		h.logger.Error("failed to create mailbox", zap.Error(err))
		InternalError(c, MsgMailboxCreateFailed)
		return
	}

	Created(c, toMailboxResponse(mailbox))
}

// ListMailboxes 获取账户下的邮箱列表
func (h *MailboxHandler) ListMailboxes(c *gin.Context) {
	mailboxes, err := h.store.ListMailboxes(c.Param("accountId"))
	if err != nil {
		InternalError(c, MsgMailboxListFailed)
		return
	}

	responses := make([]mailboxResponse, 0, len(mailboxes))
	for i := range mailboxes {
		responses = append(responses, toMailboxResponse(&mailboxes[i]))
	}

	Success(c, mailboxListResponse{
		Items: responses,
		Count: len(responses),
	})
}

// GetMailbox 获取邮箱详情
func (h *MailboxHandler) GetMailbox(c *gin.Context) {
	mailbox, err := h.store.GetMailbox(c.Param("mailboxId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgMailboxNotFound)
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}
	Success(c, toMailboxResponse(mailbox))
}

// UpdateMailbox 更新邮箱归档策略
func (h *MailboxHandler) UpdateMailbox(c *gin.Context) {
	mailbox, err := h.store.GetMailbox(c.Param("mailboxId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgMailboxNotFound)
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}

	var req updateMailboxRequest
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
		mailbox.Criterion = criterion
	}
	if req.Name != nil {
		mailbox.Name = *req.Name
	}
	if req.SaveAttachments != nil {
		mailbox.SaveAttachments = *req.SaveAttachments
	}
	if req.SaveToEML != nil {
		mailbox.SaveToEML = *req.SaveToEML
	}
	if req.CycleInterval != nil {
		mailbox.CycleInterval = *req.CycleInterval
	}

	if err := h.store.SaveMailbox(mailbox); err != nil {
		h.logger.Error("failed to update mailbox", zap.Error(err))
		InternalError(c, MsgMailboxUpdateFailed)
		return
	}

	Success(c, toMailboxResponse(mailbox))
}

// DeleteMailbox 删除邮箱及其归档索引，先停掉守护进程
func (h *MailboxHandler) DeleteMailbox(c *gin.Context) {
	mailboxID := c.Param("mailboxId")

	if _, err := h.registry.StopDaemon(mailboxID); err != nil {
		h.logger.Warn("failed to stop daemon before mailbox delete",
			zap.String("mailboxId", mailboxID),
			zap.Error(err))
	}

	// 归档写入器负责先清理磁盘文件再级联删除索引
	if err := h.writer.DeleteMailbox(mailboxID); err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgMailboxNotFound)
		} else {
			h.logger.Error("failed to delete mailbox", zap.Error(err))
			InternalError(c, MsgMailboxDeleteFailed)
		}
		return
	}
	NoContent(c)
}

// FetchMailbox 同步执行一次获取周期
func (h *MailboxHandler) FetchMailbox(c *gin.Context) {
	mailbox, err := h.store.GetMailbox(c.Param("mailboxId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgMailboxNotFound)
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}

	// 条件可选，缺省用邮箱配置的条件
	criterion := mailbox.Criterion
	if q := c.Query("criterion"); q != "" {
		criterion = domain.FetchCriterion(q)
		if !criterion.Valid() {
			BadRequest(c, MsgInvalidCriterion)
			return
		}
	}

	result, err := h.fetcher.FetchMailbox(c.Request.Context(), mailbox, criterion)
	if err != nil {
		h.logger.Error("manual fetch failed",
			zap.String("mailboxId", mailbox.ID),
			zap.Error(err))
		Error(c, 502, MsgFetchFailed+": "+err.Error())
		return
	}

	Success(c, fetchResponse{
		Found:      result.Found,
		Archived:   result.Archived,
		Duplicates: result.Duplicates,
		Skipped:    result.Skipped,
	})
}
