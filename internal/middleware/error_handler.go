package middleware

import (
	"encoding/json"
	stderrors "errors"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"

	"miniquant/internal/errors"
	"miniquant/internal/logger"
	"miniquant/internal/market"
)

// ErrorHandler 错误处理中间件，panic 转为 INTERNAL_ERROR 响应
func ErrorHandler() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("Panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		err := errors.NewAppError(errors.ErrCodeInternal, "Internal server error", nil).
			WithRequestID(getRequestID(c))
		handleError(c, err)
	})
}

// HandleError renders the last error attached with c.Error
func HandleError() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			handleError(c, c.Errors.Last().Err)
		}
	}
}

// handleError 统一错误处理
func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	appErr := errors.GetAppError(err)
	if appErr == nil {
		appErr = classify(err)
	}
	if appErr.RequestID == "" {
		appErr = appErr.WithRequestID(getRequestID(c))
	}

	logError(c, appErr)

	c.AbortWithStatusJSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.Request.URL.Path))
}

// classify maps well-known sentinel errors to application errors
func classify(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, market.ErrNoData):
		return errors.NewAppError(errors.ErrCodeNoData, "No market data", err)
	case stderrors.Is(err, market.ErrUnavailable):
		return errors.NewAppError(errors.ErrCodeDataSource, "Market data source unavailable", err)
	default:
		return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error")
	}
}

// logError 记录错误日志
func logError(c *gin.Context, err *errors.AppError) {
	fields := []interface{}{
		"error_code", err.Code,
		"message", err.Message,
		"severity", err.Severity,
		"request_id", err.RequestID,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"ip", c.ClientIP(),
	}
	if err.Details != "" {
		fields = append(fields, "details", err.Details)
	}
	if len(err.Context) > 0 {
		contextJSON, _ := json.Marshal(err.Context)
		fields = append(fields, "context", string(contextJSON))
	}
	if err.Cause != nil {
		fields = append(fields, "cause", err.Cause.Error())
	}

	// 根据严重程度选择日志级别
	switch err.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		logger.Error("Request failed", fields...)
	case errors.SeverityMedium:
		logger.Warn("Request failed", fields...)
	default:
		logger.Info("Request rejected", fields...)
	}
}

// ValidationErrorHandler wraps a binding error as INVALID_INPUT
func ValidationErrorHandler(err error) *errors.AppError {
	if err == nil {
		return nil
	}
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	return errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "Validation failed", err.Error(), err)
}

// DatabaseErrorHandler wraps a storage error as DATABASE_ERROR
func DatabaseErrorHandler(err error) *errors.AppError {
	if err == nil {
		return nil
	}
	message := "Database query error"
	switch msg := err.Error(); {
	case containsAny(msg, "connection", "connect", "dial"):
		message = "Database connection error"
	case containsAny(msg, "constraint", "duplicate", "unique"):
		message = "Database constraint violation"
	}
	return errors.NewAppError(errors.ErrCodeDatabase, message, err)
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
