package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"miniquant/internal/config"
	apperrors "miniquant/internal/errors"
	"miniquant/internal/logger"
	"miniquant/internal/middleware"
)

// LimitSetter applies new grid search limits to running services
type LimitSetter interface {
	SetLimits(maxCombinations, maxConsecutiveFailures, workers int)
}

// ConfigHandler reads and updates the live grid search limits
type ConfigHandler struct {
	limits LimitSetter
}

// NewConfigHandler creates a new configuration handler
func NewConfigHandler(limits LimitSetter) *ConfigHandler {
	return &ConfigHandler{limits: limits}
}

// SensitivityLimits is the patch body for PUT /config/sensitivity. Absent
// fields keep their current value.
type SensitivityLimits struct {
	MaxCombinations        *int `json:"max_combinations"`
	MaxConsecutiveFailures *int `json:"max_consecutive_failures"`
	Workers                *int `json:"workers"`
}

// @Summary Get grid search limits
// @Tags Config
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response{data=config.SensitivityConfig}
// @Router /config/sensitivity [get]
func (h *ConfigHandler) GetSensitivity(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: config.GetSensitivity()})
}

// @Summary Update grid search limits
// @Description Takes effect for sweeps started afterwards
// @Tags Config
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SensitivityLimits true "Limits to change"
// @Success 200 {object} Response{data=config.SensitivityConfig}
// @Failure 400 {object} errors.ErrorResponse
// @Router /config/sensitivity [put]
func (h *ConfigHandler) UpdateSensitivity(c *gin.Context) {
	var req SensitivityLimits
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}

	updated := config.GetSensitivity()
	if req.MaxCombinations != nil {
		updated.MaxCombinations = *req.MaxCombinations
	}
	if req.MaxConsecutiveFailures != nil {
		updated.MaxConsecutiveFailures = *req.MaxConsecutiveFailures
	}
	if req.Workers != nil {
		updated.Workers = *req.Workers
	}

	switch {
	case updated.MaxCombinations <= 0:
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "max_combinations must be positive", nil))
		return
	case updated.MaxConsecutiveFailures < 0:
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "max_consecutive_failures must not be negative", nil))
		return
	case updated.Workers <= 0:
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "workers must be positive", nil))
		return
	}

	config.SetSensitivity(updated)
	if h.limits != nil {
		h.limits.SetLimits(updated.MaxCombinations, updated.MaxConsecutiveFailures, updated.Workers)
	}
	logger.Info("Sensitivity limits updated",
		"user", c.GetString("username"),
		"max_combinations", updated.MaxCombinations,
		"max_consecutive_failures", updated.MaxConsecutiveFailures,
		"workers", updated.Workers,
	)

	c.JSON(http.StatusOK, Response{Success: true, Data: updated})
}
