package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "miniquant/internal/errors"
	"miniquant/internal/middleware"
	"miniquant/internal/orchestrator"
	"miniquant/internal/strategy/sensitivity"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// TaskService is the part of the task manager the handlers drive
type TaskService interface {
	ResolveGrid(req orchestrator.SubmitRequest) (sensitivity.ParameterGrid, sensitivity.Params, error)
	Config() orchestrator.ManagerConfig
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Task, error)
	Get(ctx context.Context, id uuid.UUID) (*orchestrator.Task, error)
	List(ctx context.Context, status orchestrator.TaskStatus, limit int) ([]*orchestrator.Task, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Result(ctx context.Context, id uuid.UUID) (*sensitivity.GridSearchResult, error)
	Diagnosis(ctx context.Context, id uuid.UUID) (*sensitivity.DiagnosisResult, error)
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan orchestrator.Event, func(), error)
}

// SensitivityHandler serves sweeps, heatmaps and diagnoses
type SensitivityHandler struct {
	tasks    TaskService
	renderer *sensitivity.HeatmapRenderer
}

// NewSensitivityHandler creates a new sensitivity handler
func NewSensitivityHandler(tasks TaskService) *SensitivityHandler {
	return &SensitivityHandler{
		tasks:    tasks,
		renderer: sensitivity.NewHeatmapRenderer(),
	}
}

// ValidateResponse reports whether a grid can be submitted
type ValidateResponse struct {
	Grid            sensitivity.ParameterGrid `json:"grid"`
	BaseParams      sensitivity.Params        `json:"base_params"`
	XValues         []float64                 `json:"x_values"`
	YValues         []float64                 `json:"y_values"`
	Combinations    int                       `json:"combinations"`
	MaxCombinations int                       `json:"max_combinations"`
	WithinLimit     bool                      `json:"within_limit"`
}

// DiagnosisResponse carries the verdict and its rendered card
type DiagnosisResponse struct {
	Diagnosis *sensitivity.DiagnosisResult `json:"diagnosis"`
	CardHTML  string                       `json:"card_html"`
}

// @Summary List strategies
// @Description Built-in strategies and their tunable parameters
// @Tags Sensitivity
// @Produce json
// @Success 200 {object} Response{data=[]sensitivity.StrategyParams}
// @Router /sensitivity/strategies [get]
func (h *SensitivityHandler) ListStrategies(c *gin.Context) {
	ids := sensitivity.PresetIDs()
	presets := make([]sensitivity.StrategyParams, 0, len(ids))
	for _, id := range ids {
		preset, err := sensitivity.Preset(id)
		if err != nil {
			c.Error(err)
			return
		}
		presets = append(presets, preset)
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: presets})
}

// @Summary Validate a grid
// @Description Resolve a grid and compare its size with the combination ceiling
// @Tags Sensitivity
// @Accept json
// @Produce json
// @Param request body orchestrator.SubmitRequest true "Sweep request"
// @Success 200 {object} Response{data=ValidateResponse}
// @Failure 400 {object} errors.ErrorResponse
// @Router /sensitivity/validate [post]
func (h *SensitivityHandler) Validate(c *gin.Context) {
	var req orchestrator.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}

	grid, base, err := h.tasks.ResolveGrid(req)
	if err != nil {
		c.Error(err)
		return
	}
	limit := h.tasks.Config().MaxCombinations
	total := grid.TotalCombinations()
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: ValidateResponse{
			Grid:            grid,
			BaseParams:      base,
			XValues:         grid.XValues(),
			YValues:         grid.YValues(),
			Combinations:    total,
			MaxCombinations: limit,
			WithinLimit:     total <= limit,
		},
	})
}

// @Summary Submit a sweep
// @Description Start an asynchronous grid search. Empty axes use the strategy's default grid.
// @Tags Sensitivity
// @Accept json
// @Produce json
// @Param request body orchestrator.SubmitRequest true "Sweep request"
// @Success 202 {object} Response{data=orchestrator.Task}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 422 {object} errors.ErrorResponse
// @Router /sensitivity/runs [post]
func (h *SensitivityHandler) SubmitRun(c *gin.Context) {
	var req orchestrator.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(middleware.ValidationErrorHandler(err))
		return
	}
	req.Source = orchestrator.SourceAPI

	task, err := h.tasks.Submit(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    task.Summary(),
		Message: "Sweep submitted",
	})
}

// @Summary List sweeps
// @Tags Sensitivity
// @Produce json
// @Param status query string false "pending, running, completed, failed or cancelled"
// @Param limit query int false "Maximum number of runs" default(50)
// @Success 200 {object} Response{data=[]orchestrator.Task}
// @Router /sensitivity/runs [get]
func (h *SensitivityHandler) ListRuns(c *gin.Context) {
	status := orchestrator.TaskStatus(c.Query("status"))
	switch status {
	case "", orchestrator.TaskStatusPending, orchestrator.TaskStatusRunning,
		orchestrator.TaskStatusCompleted, orchestrator.TaskStatusFailed, orchestrator.TaskStatusCancelled:
	default:
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "Unknown status filter", nil).
			WithContext("status", string(status)))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "limit must be a positive integer", err))
			return
		}
		limit = n
	}

	tasks, err := h.tasks.List(c.Request.Context(), status, limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: tasks})
}

// @Summary Get a sweep
// @Description Status and progress, without the result matrix
// @Tags Sensitivity
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=orchestrator.Task}
// @Failure 404 {object} errors.ErrorResponse
// @Router /sensitivity/runs/{id} [get]
func (h *SensitivityHandler) GetRun(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: task.Summary()})
}

// @Summary Cancel a sweep
// @Description Cells already evaluated are kept; the rest stay not_run
// @Tags Sensitivity
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response
// @Failure 400 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Router /sensitivity/runs/{id} [delete]
func (h *SensitivityHandler) CancelRun(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := h.tasks.Cancel(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "Cancellation requested"})
}

// @Summary Get a sweep result
// @Tags Sensitivity
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=sensitivity.GridSearchResult}
// @Failure 404 {object} errors.ErrorResponse
// @Failure 409 {object} errors.ErrorResponse
// @Router /sensitivity/runs/{id}/result [get]
func (h *SensitivityHandler) GetResult(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	result, err := h.tasks.Result(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// @Summary Render a heatmap
// @Description Color-annotated matrix for one metric. current_x and current_y mark the nearest cell; without them the base params are marked.
// @Tags Sensitivity
// @Produce json
// @Param id path string true "Task ID"
// @Param metric query string false "total_return, win_rate or max_drawdown" default(total_return)
// @Param current_x query number false "Current X parameter value"
// @Param current_y query number false "Current Y parameter value"
// @Success 200 {object} Response{data=sensitivity.Heatmap}
// @Failure 400 {object} errors.ErrorResponse
// @Failure 409 {object} errors.ErrorResponse
// @Router /sensitivity/runs/{id}/heatmap [get]
func (h *SensitivityHandler) GetHeatmap(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	metric, err := sensitivity.ParseMetric(c.DefaultQuery("metric", string(sensitivity.MetricTotalReturn)))
	if err != nil {
		c.Error(apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput, "Unknown metric", err.Error(), err))
		return
	}

	result, err := h.tasks.Result(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	current, err := currentPoint(c, result)
	if err != nil {
		c.Error(err)
		return
	}

	heatmap, err := h.renderer.Render(result, metric, current)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: heatmap})
}

// @Summary Get the robustness diagnosis
// @Description Score, level and the rendered card. format=html returns the card alone.
// @Tags Sensitivity
// @Produce json,html
// @Param id path string true "Task ID"
// @Param format query string false "json or html" default(json)
// @Success 200 {object} Response{data=DiagnosisResponse}
// @Failure 404 {object} errors.ErrorResponse
// @Failure 409 {object} errors.ErrorResponse
// @Router /sensitivity/runs/{id}/diagnosis [get]
func (h *SensitivityHandler) GetDiagnosis(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	diagnosis, err := h.tasks.Diagnosis(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	card, err := h.renderer.RenderDiagnosisCard(*diagnosis)
	if err != nil {
		c.Error(err)
		return
	}

	if c.Query("format") == "html" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(card))
		return
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    DiagnosisResponse{Diagnosis: diagnosis, CardHTML: card},
	})
}

// taskID parses the :id path parameter, attaching INVALID_INPUT on failure
func taskID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "Invalid task ID", err).
			WithContext("id", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

// currentPoint reads current_x/current_y. Both or neither must be given;
// with neither, the base params of the sweep are used when they cover both axes.
func currentPoint(c *gin.Context, result *sensitivity.GridSearchResult) (*sensitivity.Point, error) {
	rawX, hasX := c.GetQuery("current_x")
	rawY, hasY := c.GetQuery("current_y")
	if hasX != hasY {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "current_x and current_y must be given together", nil)
	}

	if !hasX {
		x, okX := result.BaseParams[result.Grid.X.Name]
		y, okY := result.BaseParams[result.Grid.Y.Name]
		if !okX || !okY {
			return nil, nil
		}
		return &sensitivity.Point{X: x, Y: y}, nil
	}

	x, err := strconv.ParseFloat(rawX, 64)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "current_x must be a number", err)
	}
	y, err := strconv.ParseFloat(rawY, 64)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "current_y must be a number", err)
	}
	return &sensitivity.Point{X: x, Y: y}, nil
}
