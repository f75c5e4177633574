package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"miniquant/internal/auth"
	"miniquant/internal/database"
	apperrors "miniquant/internal/errors"
	"miniquant/internal/logger"
	"miniquant/internal/middleware"
)

// UserStore is the part of the user repository the auth handler needs
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*database.User, error)
	UpdateUserLastLogin(ctx context.Context, userID uuid.UUID) error
	CreateUserSession(ctx context.Context, userID uuid.UUID, refreshToken string, expiresAt time.Time) (*database.UserSession, error)
	GetUserSessionByToken(ctx context.Context, refreshToken string) (*database.UserSession, error)
	DeleteUserSession(ctx context.Context, sessionID uuid.UUID) error
}

// AuthHandler handles authentication requests
type AuthHandler struct {
	jwtManager *auth.JWTManager
	users      UserStore
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtManager *auth.JWTManager, users UserStore) *AuthHandler {
	return &AuthHandler{
		jwtManager: jwtManager,
		users:      users,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest represents a token refresh request
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           string    `json:"user_id"`
	Username         string    `json:"username"`
	Role             string    `json:"role"`
}

// @Summary User login
// @Description Authenticate user and return JWT tokens
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} Response{data=AuthResponse}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 401 {object} errors.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	ctx := c.Request.Context()

	user, err := h.users.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if !stderrors.Is(err, database.ErrNotFound) {
			c.Error(middleware.DatabaseErrorHandler(err))
			return
		}
		c.Error(apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "Invalid credentials", nil))
		return
	}

	// 验证密码
	if err := database.ValidatePassword(req.Password, user.PasswordHash); err != nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "Invalid credentials", nil))
		return
	}

	resp, err := h.issue(ctx, user.ID, user.Username, user.Role)
	if err != nil {
		c.Error(err)
		return
	}

	// 登录时间更新失败不影响登录
	if err := h.users.UpdateUserLastLogin(ctx, user.ID); err != nil {
		logger.Warn("Failed to update last login time", "user", user.Username, "error", err)
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: resp})
}

// @Summary Refresh tokens
// @Description Exchange a refresh token for a new token pair. The old refresh token is revoked.
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "Refresh token"
// @Success 200 {object} Response{data=AuthResponse}
// @Failure 401 {object} errors.ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	ctx := c.Request.Context()

	claims, err := h.jwtManager.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "Invalid refresh token", err))
		return
	}

	session, err := h.users.GetUserSessionByToken(ctx, req.RefreshToken)
	if err != nil {
		if !stderrors.Is(err, database.ErrNotFound) {
			c.Error(middleware.DatabaseErrorHandler(err))
			return
		}
		c.Error(apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "Session expired or revoked", nil))
		return
	}
	if session.UserID.String() != claims.UserID {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "Invalid refresh token", nil))
		return
	}

	if err := h.users.DeleteUserSession(ctx, session.ID); err != nil {
		c.Error(middleware.DatabaseErrorHandler(err))
		return
	}

	resp, err := h.issue(ctx, session.UserID, claims.Username, claims.Role)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: resp})
}

// @Summary Current user
// @Tags Auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: gin.H{
			"user_id":  c.GetString("user_id"),
			"username": c.GetString("username"),
			"role":     c.GetString("role"),
		},
	})
}

// issue generates an access/refresh pair and stores the refresh session
func (h *AuthHandler) issue(ctx context.Context, userID uuid.UUID, username, role string) (*AuthResponse, error) {
	accessToken, expiresAt, err := h.jwtManager.GenerateToken(userID.String(), username, role)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "Failed to generate access token", err)
	}
	refreshToken, refreshExpiresAt, err := h.jwtManager.GenerateRefreshToken(userID.String(), username, role)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "Failed to generate refresh token", err)
	}

	if _, err := h.users.CreateUserSession(ctx, userID, refreshToken, refreshExpiresAt); err != nil {
		return nil, middleware.DatabaseErrorHandler(err)
	}

	return &AuthResponse{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		UserID:           userID.String(),
		Username:         username,
		Role:             role,
	}, nil
}
