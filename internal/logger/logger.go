package logger

import (
	"os"
	"strings"

	"perp-signal-bot-go/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	baseLogger    *zap.Logger
	sugaredLogger *zap.SugaredLogger
)

// InitLogger 按配置初始化全局日志。
// 控制台输出带颜色, 文件输出使用 JSON 便于事后检索, 两者可以同时开启。
func InitLogger(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if (output == "file" || output == "both") && cfg.File != "" {
		cores = append(cores, fileCore(cfg, level))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, consoleCore(level))
	}

	baseLogger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	sugaredLogger = baseLogger.Sugar()
}

func consoleCore(level zap.AtomicLevel) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level)
}

// fileCore 使用 lumberjack 进行日志切割
func fileCore(cfg models.LogConfig, level zap.AtomicLevel) zapcore.Core {
	writer := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), level)
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	if sugaredLogger == nil {
		return L().Sugar()
	}
	return sugaredLogger
}

// L 返回全局的结构化logger, 供需要注入 *zap.Logger 的组件使用。
// 未初始化时返回一个开发模式的应急logger。
func L() *zap.Logger {
	if baseLogger == nil {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	return baseLogger
}

// Named 返回带组件名的子logger
func Named(component string) *zap.Logger {
	return L().Named(component)
}
