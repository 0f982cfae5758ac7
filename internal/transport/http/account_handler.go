package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailarchive/backend/internal/archive"
	"mailarchive/backend/internal/daemon"
	"mailarchive/backend/internal/domain"
)

// AccountHandler 账户管理处理器
type AccountHandler struct {
	store    domain.Store
	writer   *archive.Writer
	registry *daemon.Registry
	logger   *zap.Logger
}

// NewAccountHandler 创建账户管理处理器
func NewAccountHandler(store domain.Store, writer *archive.Writer, registry *daemon.Registry, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		store:    store,
		writer:   writer,
		registry: registry,
		logger:   logger,
	}
}

type createAccountRequest struct {
	Address  string `json:"address" binding:"required"`
	Password string `json:"password" binding:"required"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Protocol string `json:"protocol" binding:"required"`
}

type updateAccountRequest struct {
	Address  *string `json:"address"`
	Password *string `json:"password"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Protocol *string `json:"protocol"`
}

type accountResponse struct {
	ID            string     `json:"id"`
	Address       string     `json:"address"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Protocol      string     `json:"protocol"`
	IsHealthy     *bool      `json:"isHealthy"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type accountListResponse struct {
	Items []accountResponse `json:"items"`
	Count int               `json:"count"`
}

func toAccountResponse(account *domain.Account) accountResponse {
	return accountResponse{
		ID:            account.ID,
		Address:       account.Address,
		Host:          account.Host,
		Port:          account.Port,
		Protocol:      string(account.Protocol),
		IsHealthy:     account.IsHealthy,
		LastError:     account.LastError,
		LastErrorAt:   account.LastErrorAt,
		LastFetchedAt: account.LastFetchedAt,
		CreatedAt:     account.CreatedAt,
		UpdatedAt:     account.UpdatedAt,
	}
}

// CreateAccount 创建账户
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	protocol := domain.Protocol(req.Protocol)
	if !protocol.Valid() {
		BadRequest(c, MsgInvalidProtocol)
		return
	}

	// 地址唯一
	existing, err := h.store.ListAccounts()
	if err != nil {
		InternalError(c, MsgAccountCreateFailed)
		return
	}
	for i := range existing {
		if existing[i].Address == req.Address {
			Conflict(c, MsgAccountConflict)
			return
		}
	}

	account := &domain.Account{
		Address:  req.Address,
		Password: req.Password,
		Host:     req.Host,
		Port:     req.Port,
		Protocol: protocol,
	}
	if err := h.store.SaveAccount(account); err != nil {
		h.logger.Error("failed to create account", zap.Error(err))
		InternalError(c, MsgAccountCreateFailed)
		return
	}

	Created(c, toAccountResponse(account))
}

// ListAccounts 获取账户列表
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.ListAccounts()
	if err != nil {
		InternalError(c, MsgAccountListFailed)
		return
	}

	responses := make([]accountResponse, 0, len(accounts))
	for i := range accounts {
		responses = append(responses, toAccountResponse(&accounts[i]))
	}

	Success(c, accountListResponse{
		Items: responses,
		Count: len(responses),
	})
}

// GetAccount 获取账户详情
func (h *AccountHandler) GetAccount(c *gin.Context) {
	account, err := h.store.GetAccount(c.Param("accountId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgAccountNotFound)
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}
	Success(c, toAccountResponse(account))
}

// UpdateAccount 更新账户
func (h *AccountHandler) UpdateAccount(c *gin.Context) {
	account, err := h.store.GetAccount(c.Param("accountId"))
	if err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgAccountNotFound)
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}

	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if req.Protocol != nil {
		protocol := domain.Protocol(*req.Protocol)
		if !protocol.Valid() {
			BadRequest(c, MsgInvalidProtocol)
			return
		}
		account.Protocol = protocol
	}
	if req.Address != nil {
		account.Address = *req.Address
	}
	if req.Password != nil {
		account.Password = *req.Password
	}
	if req.Host != nil {
		account.Host = *req.Host
	}
	if req.Port != nil {
		account.Port = *req.Port
	}

	if err := h.store.SaveAccount(account); err != nil {
		h.logger.Error("failed to update account", zap.Error(err))
		InternalError(c, MsgAccountUpdateFailed)
		return
	}

	Success(c, toAccountResponse(account))
}

// DeleteAccount 删除账户及其全部邮箱和归档索引
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	accountID := c.Param("accountId")

	// 先停掉该账户下所有运行中的守护进程
	mailboxes, err := h.store.ListMailboxes(accountID)
	if err != nil && err != domain.ErrNotFound {
		InternalError(c, MsgAccountDeleteFailed)
		return
	}
	for i := range mailboxes {
		if _, err := h.registry.StopDaemon(mailboxes[i].ID); err != nil {
			h.logger.Warn("failed to stop daemon before account delete",
				zap.String("mailboxId", mailboxes[i].ID),
				zap.Error(err))
		}
	}

	// 归档写入器负责先清理磁盘文件再级联删除索引
	if err := h.writer.DeleteAccount(accountID); err != nil {
		if err == domain.ErrNotFound {
			NotFound(c, MsgAccountNotFound)
		} else {
			h.logger.Error("failed to delete account", zap.Error(err))
			InternalError(c, MsgAccountDeleteFailed)
		}
		return
	}
	NoContent(c)
}
