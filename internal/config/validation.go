package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置进入下载流程。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.Name == "" {
		return newFieldError("Name", "不能为空")
	}
	if strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == ".." {
		return newFieldError("Name", "不允许包含路径分隔符")
	}
	if err := validateURL(c.URL); err != nil {
		return fmt.Errorf("URL: %w", err)
	}
	if parsed, _ := url.Parse(c.URL); parsed.Path == "" || strings.HasSuffix(parsed.Path, "/") {
		return newFieldError("URL", "必须以文件名结尾")
	}
	if c.LogMaxSize < 0 {
		return newFieldError("LogMaxSize", "不能为负数")
	}
	if c.LogMaxBackups < 0 {
		return newFieldError("LogMaxBackups", "不能为负数")
	}
	if c.RequestTimeout.DurationValue() < 0 {
		return newFieldError("RequestTimeout", "不能为负数")
	}
	if c.MaxBytesPerSecond < 0 {
		return newFieldError("MaxBytesPerSecond", "不能为负数")
	}
	if c.Proxy != "" {
		if err := validateURL(c.Proxy); err != nil {
			return fmt.Errorf("Proxy: %w", err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
