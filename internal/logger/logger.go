package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 日志级别
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat 日志格式
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config 日志配置
type Config struct {
	Level      LogLevel  `yaml:"level" json:"level"`
	Format     LogFormat `yaml:"format" json:"format"`
	Output     string    `yaml:"output" json:"output"`           // stdout, stderr, file
	Filename   string    `yaml:"filename" json:"filename"`       // 日志文件路径
	MaxSize    int       `yaml:"max_size" json:"max_size"`       // 单个日志文件最大大小(MB)
	MaxAge     int       `yaml:"max_age" json:"max_age"`         // 日志文件保留天数
	MaxBackups int       `yaml:"max_backups" json:"max_backups"` // 最大备份文件数
	Compress   bool      `yaml:"compress" json:"compress"`
	Caller     bool      `yaml:"caller" json:"caller"`

	// Writer 不为空时覆盖 Output，测试用
	Writer io.Writer `yaml:"-" json:"-"`
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Level:      LevelInfo,
	Format:     FormatJSON,
	Output:     "stdout",
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 10,
	Compress:   true,
}

// Logger 日志器接口，fields 为 key/value 交替出现的参数
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger

	SetLevel(level LogLevel)
	GetLevel() LogLevel
}

type contextKey string

// 上下文字段
const (
	RequestIDKey contextKey = "request_id"
	TaskIDKey    contextKey = "task_id"
)

// StructuredLogger 基于 logrus 的结构化日志器
type StructuredLogger struct {
	logger *logrus.Logger
	entry  *logrus.Entry
	config Config
	mu     *sync.RWMutex
}

// NewLogger 创建新的日志器
func NewLogger(config Config) Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(string(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	prettyfier := func(f *runtime.Frame) (string, string) {
		return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	if config.Format == FormatText {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyfier,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyfier,
		})
	}

	logger.SetOutput(resolveOutput(&config))
	logger.SetReportCaller(config.Caller)

	return &StructuredLogger{
		logger: logger,
		entry:  logrus.NewEntry(logger),
		config: config,
		mu:     &sync.RWMutex{},
	}
}

func resolveOutput(config *Config) io.Writer {
	if config.Writer != nil {
		return config.Writer
	}
	switch config.Output {
	case "stderr":
		return os.Stderr
	case "file":
		if config.Filename == "" {
			config.Filename = "logs/miniquant.log"
		}
		if err := os.MkdirAll(filepath.Dir(config.Filename), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   config.Filename,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}
	default:
		return os.Stdout
	}
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields...)
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields...)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields...)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.logWithFields(logrus.ErrorLevel, msg, fields...)
}

// WithField 添加单个字段
func (l *StructuredLogger) WithField(key string, value interface{}) Logger {
	return l.derive(l.entry.WithField(key, value))
}

// WithFields 添加多个字段
func (l *StructuredLogger) WithFields(fields map[string]interface{}) Logger {
	return l.derive(l.entry.WithFields(fields))
}

// WithContext 从上下文中提取 request_id 与 task_id
func (l *StructuredLogger) WithContext(ctx context.Context) Logger {
	entry := l.entry.WithContext(ctx)
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField(string(RequestIDKey), requestID)
	}
	if taskID := ctx.Value(TaskIDKey); taskID != nil {
		entry = entry.WithField(string(TaskIDKey), taskID)
	}
	return l.derive(entry)
}

func (l *StructuredLogger) derive(entry *logrus.Entry) Logger {
	return &StructuredLogger{
		logger: l.logger,
		entry:  entry,
		config: l.config,
		mu:     l.mu,
	}
}

// SetLevel 设置日志级别
func (l *StructuredLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logrusLevel, err := logrus.ParseLevel(string(level))
	if err != nil {
		return
	}
	l.logger.SetLevel(logrusLevel)
	l.config.Level = level
}

// GetLevel 获取日志级别
func (l *StructuredLogger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Level
}

func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields ...interface{}) {
	entry := l.entry
	if len(fields) > 0 {
		fieldMap := make(map[string]interface{}, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			if key, ok := fields[i].(string); ok {
				fieldMap[key] = fields[i+1]
			}
		}
		if len(fieldMap) > 0 {
			entry = entry.WithFields(fieldMap)
		}
	}
	entry.Log(level, msg)
}

// 全局日志器实例
var (
	globalLogger Logger
	globalMu     sync.RWMutex
)

func init() {
	globalLogger = NewLogger(DefaultConfig)
}

// Init 初始化全局日志器
func Init(config Config) {
	SetGlobalLogger(NewLogger(config))
}

// SetGlobalLogger 设置全局日志器
func SetGlobalLogger(logger Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger 获取全局日志器
func GetGlobalLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

func Debug(msg string, fields ...interface{}) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { GetGlobalLogger().Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { GetGlobalLogger().Error(msg, fields...) }

// WithField 添加单个字段
func WithField(key string, value interface{}) Logger {
	return GetGlobalLogger().WithField(key, value)
}

// WithFields 添加多个字段
func WithFields(fields map[string]interface{}) Logger {
	return GetGlobalLogger().WithFields(fields)
}

// WithContext 添加上下文
func WithContext(ctx context.Context) Logger {
	return GetGlobalLogger().WithContext(ctx)
}

// RequestLogger 请求日志记录器
type RequestLogger struct {
	logger Logger
}

// NewRequestLogger 创建请求日志记录器
func NewRequestLogger(logger Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// LogRequest 按状态码选择级别记录请求日志
func (rl *RequestLogger) LogRequest(method, path string, statusCode int, latency time.Duration, fields map[string]interface{}) {
	msg := fmt.Sprintf("%s %s - %d", method, path, statusCode)

	logFields := map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"latency":     latency.String(),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	switch {
	case statusCode >= 500:
		rl.logger.WithFields(logFields).Error(msg)
	case statusCode >= 400:
		rl.logger.WithFields(logFields).Warn(msg)
	default:
		rl.logger.WithFields(logFields).Info(msg)
	}
}

// PerformanceLogger 性能日志记录器
type PerformanceLogger struct {
	logger   Logger
	slow     time.Duration
	verySlow time.Duration
}

// NewPerformanceLogger 创建性能日志记录器，slow/verySlow 为升级到 warn/error 的阈值
func NewPerformanceLogger(logger Logger, slow, verySlow time.Duration) *PerformanceLogger {
	return &PerformanceLogger{logger: logger, slow: slow, verySlow: verySlow}
}

// LogPerformance 记录性能日志
func (pl *PerformanceLogger) LogPerformance(operation string, duration time.Duration, fields map[string]interface{}) {
	logFields := map[string]interface{}{
		"operation":   operation,
		"duration":    duration.String(),
		"duration_ms": duration.Milliseconds(),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	msg := fmt.Sprintf("Performance: %s took %s", operation, duration.String())
	switch {
	case pl.verySlow > 0 && duration > pl.verySlow:
		pl.logger.WithFields(logFields).Error(msg)
	case pl.slow > 0 && duration > pl.slow:
		pl.logger.WithFields(logFields).Warn(msg)
	default:
		pl.logger.WithFields(logFields).Info(msg)
	}
}
