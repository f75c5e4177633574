package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(level LogLevel) (Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewLogger(Config{Level: level, Format: FormatJSON, Writer: buf}), buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestLoggerKeyValueFields(t *testing.T) {
	log, buf := newBufferedLogger(LevelInfo)

	log.Info("sweep finished", "strategy", "rsi_reversal", "cells", 45)

	entry := decodeLine(t, buf)
	assert.Equal(t, "sweep finished", entry["msg"])
	assert.Equal(t, "rsi_reversal", entry["strategy"])
	assert.Equal(t, float64(45), entry["cells"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	log, buf := newBufferedLogger(LevelWarn)

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, log.GetLevel())
	log.Debug("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLoggerWithContext(t *testing.T) {
	log, buf := newBufferedLogger(LevelInfo)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, TaskIDKey, "task-9")
	log.WithContext(ctx).Warn("slow cell")

	entry := decodeLine(t, buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "task-9", entry["task_id"])
	assert.Equal(t, "warning", entry["level"])
}

func TestPerformanceLoggerEscalates(t *testing.T) {
	log, buf := newBufferedLogger(LevelInfo)
	perf := NewPerformanceLogger(log, time.Second, 5*time.Second)

	perf.LogPerformance("grid_search", 2*time.Second, map[string]interface{}{"cells": 9})

	entry := decodeLine(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "grid_search", entry["operation"])
}
