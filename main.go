package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dataset-hub/bookcorpus/internal/apierr"
	"github.com/dataset-hub/bookcorpus/internal/config"
	"github.com/dataset-hub/bookcorpus/internal/dataset"
	"github.com/dataset-hub/bookcorpus/internal/logging"
	"github.com/dataset-hub/bookcorpus/internal/version"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Getenv(config.EnvConfigFile))
	stop()
	os.Exit(code)
}

// run 按“配置 → 日志 → 缓存/API → 下载 → 解压”顺序执行，并返回退出码，方便测试。
func run(ctx context.Context, configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	logger, err := logging.InitLogger(*cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	api, err := dataset.FromConfig(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	fields := logging.BaseFields("startup", cfg.URL)
	fields["root"] = api.Cache().Root()
	fields["unzip"] = cfg.Unzip
	fields["throttled"] = cfg.Throttled()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	blob, err := api.Download(ctx)
	if err != nil {
		return fail(logger, "could not download dataset", err)
	}

	if !cfg.Unzip {
		fmt.Fprintf(stdOut, "Downloaded %s\n", blob)
		return exitOK
	}

	members, err := api.Unzip(ctx)
	if err != nil {
		return fail(logger, "could not extract dataset", err)
	}
	fmt.Fprintf(stdOut, "Extracted %d members from %s into %s\n", len(members), blob, api.Cache().Root())
	return exitOK
}

// fail 输出一行带错误类别的信息，并记录结构化日志。
func fail(logger *logrus.Logger, msg string, err error) int {
	kind := apierr.KindOf(err)
	logger.WithFields(logrus.Fields{
		"action":     "run",
		"error_kind": kind.String(),
	}).WithError(err).Error("run_failed")
	fmt.Fprintf(stdErr, "%s (%s): %v\n", msg, kind, err)
	return exitFailed
}
