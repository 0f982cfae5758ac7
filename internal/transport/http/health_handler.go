package httptransport

import (
	"github.com/gin-gonic/gin"

	"mailarchive/backend/internal/daemon"
	"mailarchive/backend/internal/domain"
	"mailarchive/backend/internal/storage/shard"
)

// HealthHandler 聚合各组件的健康检查
type HealthHandler struct {
	store     domain.Store
	allocator *shard.Allocator
	registry  *daemon.Registry
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(store domain.Store, allocator *shard.Allocator, registry *daemon.Registry) *HealthHandler {
	return &HealthHandler{
		store:     store,
		allocator: allocator,
		registry:  registry,
	}
}

type healthResponse struct {
	Status     string            `json:"status"` // ok / degraded
	Components map[string]string `json:"components"`
}

// Health 检查索引存储、文件存储和守护进程注册表。
// 任何组件异常时返回 503，响应体内带各组件的具体错误。
func (h *HealthHandler) Health(c *gin.Context) {
	components := make(map[string]string, 3)
	healthy := true

	if err := h.store.Health(); err != nil {
		components["index"] = err.Error()
		healthy = false
	} else {
		components["index"] = "ok"
	}

	if err := h.allocator.Healthcheck(); err != nil {
		components["storage"] = err.Error()
		healthy = false
	} else {
		components["storage"] = "ok"
	}

	if err := h.registry.Healthcheck(); err != nil {
		components["daemons"] = err.Error()
		healthy = false
	} else {
		components["daemons"] = "ok"
	}

	if !healthy {
		ServiceUnavailable(c, healthResponse{
			Status:     "degraded",
			Components: components,
		})
		return
	}
	Success(c, healthResponse{
		Status:     "ok",
		Components: components,
	})
}
