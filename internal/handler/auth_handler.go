// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"crypto/subtle"
	"net/http"

	"echo-bot-go/internal/config"
	"echo-bot-go/pkg/log"
	"echo-bot-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责网关的凭证交换。
type AuthHandler struct {
	jwtManager *token.JWTManager
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(jwtManager *token.JWTManager) *AuthHandler {
	return &AuthHandler{jwtManager: jwtManager}
}

// TokenRequest 定义了网关换取 JWT 的请求体结构。
type TokenRequest struct {
	Principal    string `json:"principal" binding:"required"`
	SharedSecret string `json:"sharedSecret" binding:"required"`
}

// IssueToken 用共享密钥换取一个网关 JWT。
// 之后网关携带该 JWT 调用所有业务接口。
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}

	expected := config.Conf.Gateway.SharedSecret
	if expected == "" || subtle.ConstantTimeCompare([]byte(req.SharedSecret), []byte(expected)) != 1 {
		log.Warnf("IssueToken: 共享密钥校验失败, principal=%s", req.Principal)
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "共享密钥不正确", "data": nil})
		return
	}

	tokenString, err := h.jwtManager.GenerateToken(req.Principal)
	if err != nil {
		log.Error("IssueToken: 签发 token 失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "签发 token 失败", "data": nil})
		return
	}

	log.Infof("IssueToken: 已为网关签发 token, principal=%s", req.Principal)
	respondOK(c, gin.H{"token": tokenString})
}
