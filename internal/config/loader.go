package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/dataset-hub/bookcorpus/internal/version"
)

// EnvConfigFile 指向可选的 TOML 配置文件。
const EnvConfigFile = "DATASET_CONFIG"

// envBindings 将配置键与环境变量一一对应，环境变量优先级高于配置文件。
var envBindings = map[string]string{
	"Home":              "DATASET_HOME",
	"Name":              "DATASET_NAME",
	"URL":               "DATASET_URL",
	"Progress":          "DATASET_PROGRESS",
	"Unzip":             "DATASET_UNZIP",
	"LogLevel":          "DATASET_LOG_LEVEL",
	"LogFilePath":       "DATASET_LOG_FILE",
	"LogMaxSize":        "DATASET_LOG_MAX_SIZE",
	"LogMaxBackups":     "DATASET_LOG_MAX_BACKUPS",
	"LogCompress":       "DATASET_LOG_COMPRESS",
	"RequestTimeout":    "DATASET_REQUEST_TIMEOUT",
	"Proxy":             "DATASET_PROXY",
	"MaxBytesPerSecond": "DATASET_MAX_BYTES_PER_SECOND",
	"UserAgent":         "DATASET_USER_AGENT",
}

// Load 合并默认值、可选 TOML 文件（path 为空时跳过）与环境变量，并执行校验。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Home", "")
	v.SetDefault("Name", "bookcorpus")
	v.SetDefault("URL", DefaultURL)
	v.SetDefault("Progress", true)
	v.SetDefault("Unzip", true)
	v.SetDefault("LogLevel", "warn")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("RequestTimeout", 0)
	v.SetDefault("Proxy", "")
	v.SetDefault("MaxBytesPerSecond", 0)
	v.SetDefault("UserAgent", version.UserAgent())
}

func applyDefaults(c *Config) {
	c.Home = strings.TrimSpace(c.Home)
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "bookcorpus"
	}
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		c.URL = DefaultURL
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.UserAgent == "" {
		c.UserAgent = version.UserAgent()
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
