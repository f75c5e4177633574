package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"miniquant/internal/cache"
	"miniquant/internal/database"
	"miniquant/internal/logger"
)

// TestConfig 测试配置
type TestConfig struct {
	UseRealDB bool
	LogLevel  logger.LogLevel
}

// DefaultTestConfig 默认测试配置
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		UseRealDB: false,
		LogLevel:  logger.LevelError, // 测试时减少日志输出
	}
}

// TestSuite 测试套件
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	DB      *database.DB
	Cache   *cache.MemoryCache
	Logger  logger.Logger
	LogBuf  *SyncBuffer
	TempDir string
}

// NewTestSuite creates a suite with a temp dir, a buffered logger installed
// as the global logger and a memory cache. With UseRealDB it starts a
// migrated Postgres container and skips under -short.
func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	t.Helper()
	if config == nil {
		config = DefaultTestConfig()
	}

	buf := &SyncBuffer{}
	testLogger := logger.NewLogger(logger.Config{
		Level:  config.LogLevel,
		Format: logger.FormatJSON,
		Writer: buf,
	})
	previous := logger.GetGlobalLogger()
	logger.SetGlobalLogger(testLogger)
	t.Cleanup(func() { logger.SetGlobalLogger(previous) })

	memory := cache.NewMemoryCache(1000)
	t.Cleanup(func() { memory.Close() })

	suite := &TestSuite{
		T:       t,
		Config:  config,
		Cache:   memory,
		Logger:  testLogger,
		LogBuf:  buf,
		TempDir: t.TempDir(),
	}

	if config.UseRealDB {
		suite.DB = StartPostgres(t)
	}
	return suite
}

// CreateTempFile 创建临时文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	filePath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(s.T, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

// StartPostgres runs a postgres container, applies the embedded migrations
// and returns an open pool. The container is terminated on test cleanup.
func StartPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("miniquant"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.NewConnection(ctx, &database.Config{DSN: dsn, PingRetries: 5})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrator, err := database.NewMigrator(ctx, db)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	return db
}

// SyncBuffer is a goroutine-safe bytes.Buffer for capturing log output
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// HTTPTestHelper HTTP测试助手
type HTTPTestHelper struct {
	T      *testing.T
	Router http.Handler
}

// NewHTTPTestHelper wraps a router for table-style request tests
func NewHTTPTestHelper(t *testing.T, router http.Handler) *HTTPTestHelper {
	gin.SetMode(gin.TestMode)
	return &HTTPTestHelper{T: t, Router: router}
}

// GET 发送GET请求
func (h *HTTPTestHelper) GET(path string, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil, headers)
}

// POST 发送POST请求
func (h *HTTPTestHelper) POST(path string, body interface{}, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodPost, path, body, headers)
}

// DELETE 发送DELETE请求
func (h *HTTPTestHelper) DELETE(path string, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodDelete, path, nil, headers)
}

// Request 发送HTTP请求
func (h *HTTPTestHelper) Request(method, path string, body interface{}, headers map[string]string) *HTTPResponse {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		require.NoError(h.T, err)
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	return &HTTPResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
		t:          h.T,
	}
}

// HTTPResponse HTTP响应
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// AssertStatus 断言状态码
func (r *HTTPResponse) AssertStatus(expectedStatus int) *HTTPResponse {
	assert.Equal(r.t, expectedStatus, r.StatusCode, string(r.Body))
	return r
}

// AssertContains 断言响应包含指定内容
func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	assert.Contains(r.t, string(r.Body), substring)
	return r
}

// DecodeData decodes the data field of the response envelope
func (r *HTTPResponse) DecodeData(target interface{}) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(r.t, json.Unmarshal(r.Body, &envelope))
	require.NoError(r.t, json.Unmarshal(envelope.Data, target))
}

// WaitForCondition 等待条件满足
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// SetEnv 设置环境变量（测试结束后自动恢复）
func SetEnv(t *testing.T, key, value string) {
	t.Setenv(key, value)
}
