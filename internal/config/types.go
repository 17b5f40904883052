package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultURL 是 BookCorpus 归档的固定下载地址。
const DefaultURL = "https://storage.googleapis.com/huggingface-nlp/datasets/bookcorpus/bookcorpus.tar.bz2"

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Config 汇总环境变量与可选 TOML 文件中的全部运行参数。
type Config struct {
	Home              string   `mapstructure:"Home"`
	Name              string   `mapstructure:"Name"`
	URL               string   `mapstructure:"URL"`
	Progress          bool     `mapstructure:"Progress"`
	Unzip             bool     `mapstructure:"Unzip"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	RequestTimeout    Duration `mapstructure:"RequestTimeout"`
	Proxy             string   `mapstructure:"Proxy"`
	MaxBytesPerSecond int64    `mapstructure:"MaxBytesPerSecond"`
	UserAgent         string   `mapstructure:"UserAgent"`
}

// Throttled 表示是否启用了下载限速。
func (c Config) Throttled() bool {
	return c.MaxBytesPerSecond > 0
}
