// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"echo-bot-go/internal/service"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理所有与管理运维相关的 API 请求。
type AdminHandler struct {
	adminService     service.AdminService
	schedulerService service.SchedulerService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService, schedulerService service.SchedulerService) *AdminHandler {
	return &AdminHandler{
		adminService:     adminService,
		schedulerService: schedulerService,
	}
}

// GetServerStats 处理获取服务器画像与会话统计的请求。
func (h *AdminHandler) GetServerStats(c *gin.Context) {
	serverID := c.Param("serverId")

	stats, err := h.adminService.GetServerStats(c.Request.Context(), serverID)
	if err != nil {
		log.Error("GetServerStats: 获取服务器统计失败", err)
		respondError(c, err)
		return
	}
	respondOK(c, stats)
}

// TriggerJob 处理手动触发一次维护任务的请求。
func (h *AdminHandler) TriggerJob(c *gin.Context) {
	jobName := c.Param("name")

	claimsValue, _ := c.Get("claims")
	if claims, ok := claimsValue.(*token.GatewayClaims); ok {
		log.Infof("网关 '%s' 手动触发维护任务 '%s'", claims.Principal, jobName)
	}

	result, err := h.schedulerService.ManualTrigger(c.Request.Context(), jobName)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// GetJobStatus 处理获取维护任务执行状态的请求。
func (h *AdminHandler) GetJobStatus(c *gin.Context) {
	respondOK(c, h.schedulerService.Status())
}

// GetHealth 处理获取依赖健康快照的请求。
func (h *AdminHandler) GetHealth(c *gin.Context) {
	respondOK(c, h.schedulerService.Health())
}
