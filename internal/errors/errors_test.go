package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestNewAppError(t *testing.T) {
	err := NewAppError(ErrCodeParameterInvalid, "bad step", nil)

	if err.Code != ErrCodeParameterInvalid {
		t.Errorf("Expected code %s, got %s", ErrCodeParameterInvalid, err.Code)
	}

	if err.Message != "bad step" {
		t.Errorf("Expected message 'bad step', got %s", err.Message)
	}

	if err.Severity != SeverityLow {
		t.Errorf("Expected severity %s, got %s", SeverityLow, err.Severity)
	}
}

func TestAppErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code           ErrorCode
		expectedStatus int
	}{
		{ErrCodeTaskNotFound, http.StatusNotFound},
		{ErrCodeUnauthorized, http.StatusUnauthorized},
		{ErrCodeParameterInvalid, http.StatusBadRequest},
		{ErrCodeTooManyCombinations, http.StatusUnprocessableEntity},
		{ErrCodeTaskNotFinished, http.StatusConflict},
		{ErrCodeSystemicFailure, http.StatusBadGateway},
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
	}

	for _, test := range tests {
		err := NewAppError(test.code, "Test", nil)
		status := err.HTTPStatus()

		if status != test.expectedStatus {
			t.Errorf("Code %s: expected status %d, got %d", test.code, test.expectedStatus, status)
		}
	}
}

func TestAppErrorWithContext(t *testing.T) {
	err := NewAppError(ErrCodeInternal, "Test error", nil)
	err = err.WithContext("task_id", "123")
	err = err.WithRequestID("req_456")

	if err.Context["task_id"] != "123" {
		t.Errorf("Expected context task_id '123', got %v", err.Context["task_id"])
	}

	if err.RequestID != "req_456" {
		t.Errorf("Expected request ID 'req_456', got %s", err.RequestID)
	}
}

func TestAppErrorIsRetryable(t *testing.T) {
	retryableErr := NewAppError(ErrCodeSystemicFailure, "data source down", nil)
	nonRetryableErr := NewAppError(ErrCodeParameterInvalid, "Invalid input", nil)

	if !retryableErr.IsRetryable() {
		t.Error("Systemic failure should be retryable")
	}

	if nonRetryableErr.IsRetryable() {
		t.Error("Invalid parameter error should not be retryable")
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrapping nil should return nil")
	}

	cause := fmt.Errorf("connection refused")
	wrapped := WrapError(cause, ErrCodeDatabase, "save run")
	if wrapped.Code != ErrCodeDatabase {
		t.Errorf("Expected code %s, got %s", ErrCodeDatabase, wrapped.Code)
	}
	if wrapped.Unwrap() != cause {
		t.Error("Expected cause to be preserved")
	}

	original := NewAppError(ErrCodeTooManyCombinations, "too many", nil)
	chained := fmt.Errorf("submit: %w", original)
	if got := WrapError(chained, ErrCodeInternal, "ignored"); got != original {
		t.Error("Expected existing AppError in chain to be returned")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("run: %w", NewAppError(ErrCodeSweepCancelled, "cancelled", context.Canceled))

	if !HasCode(err, ErrCodeSweepCancelled) {
		t.Error("Expected code to be found through wrapping")
	}
	if HasCode(err, ErrCodeSystemicFailure) {
		t.Error("Unexpected code match")
	}
	if !IsAppError(err) {
		t.Error("Expected IsAppError to see through wrapping")
	}
	if GetAppError(fmt.Errorf("plain")) != nil {
		t.Error("Expected nil for plain error")
	}
}

func TestAppErrorString(t *testing.T) {
	err := NewAppErrorWithDetails(ErrCodeParameterInvalid, "invalid range", "step must be positive", nil)
	expected := "[PARAMETER_INVALID] invalid range: step must be positive"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
}
