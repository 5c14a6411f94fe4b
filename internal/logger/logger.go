package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wfunc/bill-acceptor/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	mu     sync.RWMutex

	// 模块日志器
	moduleLoggers = make(map[string]*zap.Logger)

	// 未初始化时使用的默认日志器
	fallbackOnce sync.Once
	fallback     *zap.Logger
)

// Init 初始化日志系统，可重复调用（后一次覆盖前一次）
func Init(cfg *config.LogConfig) error {
	level.SetLevel(parseLevel(cfg.Level))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// 根据格式选择编码器
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core

	// 控制台输出
	if cfg.Output == "" || cfg.Output == "stdout" || cfg.Output == "both" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	// 文件输出（lumberjack负责轮转）
	if cfg.Output == "file" || cfg.Output == "both" {
		if err := os.MkdirAll(cfg.File.Path, 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}

		cores = append(cores, zapcore.NewCore(
			encoder,
			zapcore.AddSync(newRotatingWriter(cfg.File, cfg.File.Filename)),
			level,
		))

		// 错误日志单独成文件
		cores = append(cores, zapcore.NewCore(
			encoder,
			zapcore.AddSync(newRotatingWriter(cfg.File, "error.log")),
			zapcore.ErrorLevel,
		))
	}

	core := zapcore.NewTee(cores...)

	mu.Lock()
	defer mu.Unlock()

	logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// 模块日志器：独立级别，输出与主日志一致
	moduleLoggers = make(map[string]*zap.Logger)
	for module, levelStr := range cfg.Modules {
		moduleLevel := parseLevel(levelStr)
		moduleCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), moduleLevel)
		moduleLoggers[module] = zap.New(moduleCore, zap.AddCaller()).Named(module)
	}

	return nil
}

func newRotatingWriter(cfg config.LogFileConfig, filename string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Path, filename),
		MaxSize:    cfg.MaxSize,    // MB
		MaxAge:     cfg.MaxAge,     // days
		MaxBackups: cfg.MaxBackups, // 保留文件数
		Compress:   cfg.Compress,
	}
}

// parseLevel 解析日志级别
func parseLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger 获取日志器
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		fallbackOnce.Do(func() {
			fallback, _ = zap.NewProduction()
		})
		return fallback
	}
	return logger
}

// WithModule 获取模块日志器，未单独配置的模块使用主日志器并带上模块名
func WithModule(module string) *zap.Logger {
	mu.RLock()
	moduleLogger, ok := moduleLoggers[module]
	mu.RUnlock()
	if ok {
		return moduleLogger
	}
	return GetLogger().Named(module)
}

// SetLevel 动态设置日志级别
func SetLevel(levelStr string) {
	level.SetLevel(parseLevel(levelStr))
}

// Level 当前日志级别
func Level() zapcore.Level {
	return level.Level()
}

// Sync 同步日志缓冲区
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()

	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Debug 输出调试日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 输出信息日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 输出警告日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 输出错误日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// LogFrame 用调用方持有的模块日志器记录串口收发帧，避免每帧查找日志器
func LogFrame(l *zap.Logger, direction string, hex string) {
	if !l.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	l.Debug("serial_frame",
		zap.String("direction", direction), // "tx" or "rx"
		zap.String("frame", hex),
	)
}

// Cleanup 清理日志资源
func Cleanup() {
	if err := Sync(); err != nil {
		fmt.Printf("Failed to sync logger: %v\n", err)
	}
}
