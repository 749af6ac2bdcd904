// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"echo-bot-go/internal/service"

	"github.com/gin-gonic/gin"
)

// respondOK 以统一的 {code, message, data} 信封返回成功响应。
func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

// respondError 把领域错误映射为 HTTP 状态码并以统一信封返回。
// 未识别的错误一律归为 500，不向网关泄露内部细节。
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "内部服务错误"

	switch {
	case errors.Is(err, service.ErrInvalidCutoff):
		status, message = http.StatusBadRequest, "截止日期不合法"
	case errors.Is(err, service.ErrNotFound):
		status, message = http.StatusNotFound, "目标不存在"
	case errors.Is(err, service.ErrNoActiveSession):
		status, message = http.StatusNotFound, "频道内没有活跃会话"
	case errors.Is(err, service.ErrUnknownJob):
		status, message = http.StatusNotFound, "维护任务不存在"
	case errors.Is(err, service.ErrAlreadyInProgress):
		status, message = http.StatusConflict, "画像分析已在进行中"
	case errors.Is(err, service.ErrNotCancellable):
		status, message = http.StatusConflict, "画像已处于终态，无法取消"
	case errors.Is(err, service.ErrProfileNotReady):
		status, message = http.StatusConflict, "画像尚未训练完成"
	case errors.Is(err, service.ErrChannelAlreadyActive):
		status, message = http.StatusConflict, "频道内已有活跃会话"
	case errors.Is(err, service.ErrSessionNotActive):
		status, message = http.StatusConflict, "会话已被停用"
	case errors.Is(err, service.ErrServerSessionLimit):
		status, message = http.StatusTooManyRequests, "服务器活跃会话数已达上限"
	case errors.Is(err, service.ErrStorageUnavailable):
		status, message = http.StatusServiceUnavailable, "存储暂时不可用，请稍后重试"
	}

	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}
