package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/auth"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	detailMissingCredentials = "아이디와 비밀번호를 입력하세요"
	detailInvalidCredentials = "아이디 또는 비밀번호가 틀렸습니다"
	detailDuplicateUsername  = "이미 존재하는 아이디입니다"
	detailInvalidUsername    = "사용할 수 없는 아이디입니다"
	detailInvalidPassword    = "비밀번호가 너무 짧습니다"
)

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": detailMissingCredentials})
		return
	}

	user, err := h.accounts.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credentials", "detail": detailInvalidCredentials})
			return
		}
		h.requestLogger(c).Error("failed to authenticate user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.issuer.IssueSessionToken(c.Request.Context(), auth.Identity{UserID: user.ID, Username: user.Username})
	if err != nil {
		h.requestLogger(c).Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		UserID:      user.ID,
		Username:    user.Username,
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": detailMissingCredentials})
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), request.Username, request.Password)
	switch {
	case err == nil:
	case errors.Is(err, users.ErrDuplicateUsername):
		c.JSON(http.StatusBadRequest, gin.H{"error": "duplicate_username", "detail": detailDuplicateUsername})
		return
	case errors.Is(err, users.ErrInvalidUsername):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_username", "detail": detailInvalidUsername})
		return
	case errors.Is(err, users.ErrInvalidPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_password", "detail": detailInvalidPassword})
		return
	default:
		h.requestLogger(c).Error("failed to register user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}
