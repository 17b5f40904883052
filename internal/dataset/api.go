// Package dataset exposes the two-call contract the CLI depends on:
// Download fetches the corpus archive into the cache (or reuses it) and Unzip
// decompresses and extracts it, returning the member names.
package dataset

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dataset-hub/bookcorpus/internal/apierr"
	"github.com/dataset-hub/bookcorpus/internal/archive"
	"github.com/dataset-hub/bookcorpus/internal/cache"
	"github.com/dataset-hub/bookcorpus/internal/config"
	"github.com/dataset-hub/bookcorpus/internal/fetch"
	"github.com/dataset-hub/bookcorpus/internal/httpclient"
	"github.com/dataset-hub/bookcorpus/internal/logging"
	"github.com/dataset-hub/bookcorpus/internal/progress"
)

// Options 描述 API 的依赖；URL 为空时使用 BookCorpus 默认地址。
type Options struct {
	URL    string
	Cache  *cache.Cache
	Client *http.Client
	Logger *logrus.Logger
	// Progress 为 true 时在 ProgressOutput（默认 stderr）上绘制进度条。
	Progress       bool
	ProgressOutput *os.File
	UserAgent      string
	BytesPerSecond int64
}

// API 组合缓存、下载器与解压器。
type API struct {
	url        string
	cache      *cache.Cache
	downloader *fetch.Downloader
	extractor  *archive.Extractor
}

// New 构造 API。
func New(opts Options) (*API, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache required")
	}
	url := opts.URL
	if url == "" {
		url = config.DefaultURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	var newReporter func() progress.Reporter
	if opts.Progress {
		out := opts.ProgressOutput
		if out == nil {
			out = os.Stderr
		}
		newReporter = func() progress.Reporter { return progress.ForFile(out) }
	}

	downloader, err := fetch.New(fetch.Options{
		Cache:          opts.Cache,
		Client:         opts.Client,
		Logger:         logger,
		NewReporter:    newReporter,
		UserAgent:      opts.UserAgent,
		BytesPerSecond: opts.BytesPerSecond,
	})
	if err != nil {
		return nil, err
	}
	extractor, err := archive.New(archive.Options{Cache: opts.Cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &API{
		url:        url,
		cache:      opts.Cache,
		downloader: downloader,
		extractor:  extractor,
	}, nil
}

// FromConfig 根据配置构建缓存、HTTP client 与 API；主目录无法解析时返回配置错误。
func FromConfig(cfg *config.Config, logger *logrus.Logger) (*API, error) {
	root, err := cache.ResolveRoot(cfg.Home, cfg.Name)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(root)
	if err != nil {
		return nil, err
	}
	client, err := httpclient.New(httpclient.Options{
		Timeout: cfg.RequestTimeout.DurationValue(),
		Proxy:   cfg.Proxy,
	})
	if err != nil {
		return nil, err
	}
	return New(Options{
		URL:            cfg.URL,
		Cache:          c,
		Client:         client,
		Logger:         logger,
		Progress:       cfg.Progress,
		UserAgent:      cfg.UserAgent,
		BytesPerSecond: cfg.MaxBytesPerSecond,
	})
}

// URL 返回下载地址。
func (a *API) URL() string {
	return a.url
}

// Cache 返回底层缓存。
func (a *API) Cache() *cache.Cache {
	return a.cache
}

// BlobPath 返回当前 URL 对应的 blob 路径。
func (a *API) BlobPath() (string, error) {
	name, err := cache.NameFromURL(a.url)
	if err != nil {
		return "", apierr.New(apierr.KindRequest, "resolve blob name", err)
	}
	return a.cache.BlobPath(name), nil
}

// Download 返回已缓存或新下载的 blob 路径。
func (a *API) Download(ctx context.Context) (string, error) {
	return a.downloader.Download(ctx, a.url)
}

// Unzip 解压当前 URL 的 blob 并返回成员名；blob 可由带外方式放入缓存。
func (a *API) Unzip(ctx context.Context) ([]string, error) {
	blob, err := a.BlobPath()
	if err != nil {
		return nil, err
	}
	return a.extractor.Unzip(ctx, blob)
}
