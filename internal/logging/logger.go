package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dataset-hub/bookcorpus/internal/config"
)

// stdout 只输出 CLI 的一行摘要，日志与进度条共用 stderr。
var defaultOutput io.Writer = os.Stderr

// InitLogger 构建 CLI 使用的 JSON logger。
//
// LogFilePath 为空时写 stderr；否则交给 lumberjack 按 LogMaxSize/LogMaxBackups 轮转。
// 日志目录无法创建时不中断下载：退回 stderr，并以 logger_fallback 记录原因。
// 只有无法识别的日志级别会返回错误。
func InitLogger(cfg config.Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	out, err := openOutput(cfg)
	logger.SetOutput(out)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(err.Error())
	}
	return logger, nil
}

// Discard 返回丢弃全部输出的 logger，供未注入 logger 的组件与测试使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openOutput(cfg config.Config) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return defaultOutput, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return defaultOutput, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
