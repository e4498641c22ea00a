package handler

import (
	"net/http"

	"retro-ingest-go/internal/service"
	"retro-ingest-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// MaintenanceHandler 暴露运维触发的维护操作。
type MaintenanceHandler struct {
	sweeper *service.Sweeper
}

// NewMaintenanceHandler 创建一个新的 MaintenanceHandler 实例。
func NewMaintenanceHandler(sweeper *service.Sweeper) *MaintenanceHandler {
	return &MaintenanceHandler{sweeper: sweeper}
}

// Sweep 立即执行一轮过期会话清扫，不等待下一个周期。
func (h *MaintenanceHandler) Sweep(c *gin.Context) {
	swept, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		log.Errorf("[Sweep] 手动清扫失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "清扫执行失败",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "清扫执行成功",
		"data":    gin.H{"swept": swept},
	})
}
