package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogCategory represents different log categories
type LogCategory string

const (
	CategoryJobs     LogCategory = "jobs"     // Job lifecycle events (JSON)
	CategoryError    LogCategory = "error"    // Application errors (JSON)
	CategoryTransfer LogCategory = "transfer" // Raw yt-dlp/ffmpeg output (text)
)

// Categories lists the categories readable through LogReader
var Categories = []LogCategory{CategoryJobs, CategoryError, CategoryTransfer}

// ValidCategory reports whether c is a known category
func ValidCategory(c LogCategory) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// LogFileName returns the daily file name of a category
func LogFileName(category LogCategory, date time.Time) string {
	return fmt.Sprintf("%s-%s.log", category, date.Format("20060102"))
}

type categoryLogger struct {
	logger *zap.Logger
	file   *os.File
	level  zapcore.Level
}

// MultiLogger writes structured JSON logs into one daily file per category.
// Raw transfer output is written by the backend directly, not through this logger.
type MultiLogger struct {
	loggers     map[LogCategory]*categoryLogger
	config      MultiLoggerConfig
	mu          sync.Mutex
	currentDate string
}

// MultiLoggerConfig contains configuration for multi-output logging
type MultiLoggerConfig struct {
	Level   string // debug, info, warn, error
	LogsDir string // Directory for log files
}

// NewMultiLogger creates a new multi-output logger
func NewMultiLogger(config MultiLoggerConfig) (*MultiLogger, error) {
	if config.LogsDir == "" {
		return nil, fmt.Errorf("logs_dir must be specified")
	}
	if err := os.MkdirAll(config.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	ml := &MultiLogger{
		loggers:     make(map[LogCategory]*categoryLogger),
		config:      config,
		currentDate: time.Now().Format("20060102"),
	}

	levels := map[LogCategory]zapcore.Level{
		CategoryJobs:  level,
		CategoryError: zapcore.ErrorLevel,
	}
	for category, lvl := range levels {
		cl, err := ml.open(category, lvl, time.Now())
		if err != nil {
			ml.Close()
			return nil, fmt.Errorf("failed to create %s logger: %w", category, err)
		}
		ml.loggers[category] = cl
	}

	return ml, nil
}

func (ml *MultiLogger) open(category LogCategory, level zapcore.Level, now time.Time) (*categoryLogger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "level"
	encoderConfig.CallerKey = ""
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	path := filepath.Join(ml.config.LogsDir, LogFileName(category, now))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level)
	return &categoryLogger{
		logger: zap.New(core).With(zap.String("category", string(category))),
		file:   file,
		level:  level,
	}, nil
}

// rotate reopens every category file when the date changed. Caller holds mu.
func (ml *MultiLogger) rotate() {
	now := time.Now()
	today := now.Format("20060102")
	if today == ml.currentDate {
		return
	}
	for category, old := range ml.loggers {
		cl, err := ml.open(category, old.level, now)
		if err != nil {
			continue
		}
		_ = old.logger.Sync()
		_ = old.file.Close()
		ml.loggers[category] = cl
	}
	ml.currentDate = today
}

// LogsDir returns the logs directory path
func (ml *MultiLogger) LogsDir() string {
	return ml.config.LogsDir
}

// GetLogger returns the logger for a category, falling back to the error logger
func (ml *MultiLogger) GetLogger(category LogCategory) *zap.Logger {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.rotate()
	if cl, ok := ml.loggers[category]; ok {
		return cl.logger
	}
	if cl, ok := ml.loggers[CategoryError]; ok {
		return cl.logger
	}
	return zap.NewNop()
}

// Jobs returns the job event logger
func (ml *MultiLogger) Jobs() *zap.Logger {
	return ml.GetLogger(CategoryJobs)
}

// Error returns the application error logger
func (ml *MultiLogger) Error() *zap.Logger {
	return ml.GetLogger(CategoryError)
}

// LogJobEvent logs a job lifecycle event
func (ml *MultiLogger) LogJobEvent(event string, fields ...zap.Field) {
	ml.Jobs().Info(event, fields...)
}

// LogAppError logs an application-level error
func (ml *MultiLogger) LogAppError(msg string, fields ...zap.Field) {
	ml.Error().Error(msg, fields...)
}

// Sync flushes all loggers
func (ml *MultiLogger) Sync() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var lastErr error
	for _, cl := range ml.loggers {
		if err := cl.logger.Sync(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close flushes all loggers and closes their files
func (ml *MultiLogger) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var lastErr error
	for category, cl := range ml.loggers {
		_ = cl.logger.Sync()
		if err := cl.file.Close(); err != nil {
			lastErr = err
		}
		delete(ml.loggers, category)
	}
	return lastErr
}
