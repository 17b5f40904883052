package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// clearEnv 清空所有绑定的环境变量，避免宿主环境干扰断言。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envBindings {
		t.Setenv(env, "")
	}
}

func validConfig() *Config {
	return &Config{
		Name:     "bookcorpus",
		URL:      DefaultURL,
		Progress: true,
		Unzip:    true,
		LogLevel: "warn",
	}
}
